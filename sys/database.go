package sys

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/disgoorg/snowflake/v2"
	"github.com/mattn/go-sqlite3"
	"github.com/samber/lo"
)

// --- Connection & Lifecycle ---

var DB *sql.DB

func InitDatabase(ctx context.Context, dataSourceName string) error {
	db, err := OpenDatabase(ctx, dataSourceName)
	if err != nil {
		return err
	}
	DB = db
	LogDatabase(MsgDatabaseInitSuccess)
	return nil
}

// OpenDatabase opens the sqlite file, applies pragmas and creates the schema.
func OpenDatabase(ctx context.Context, dataSourceName string) (*sql.DB, error) {
	// The driver registers itself via its init() function
	_ = sqlite3.SQLiteDriver{}

	db, err := sql.Open("sqlite3", dataSourceName)
	if err != nil {
		return nil, err
	}

	db.SetMaxOpenConns(5)

	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA cache_size=-2000;",
	}

	initCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	for _, p := range pragmas {
		if _, err := db.ExecContext(initCtx, p); err != nil {
			db.Close()
			return nil, fmt.Errorf(MsgDatabasePragmaError, p, err)
		}
	}

	tx, err := db.BeginTx(initCtx, nil)
	if err != nil {
		db.Close()
		return nil, err
	}
	defer tx.Rollback()

	tableQueries := []string{
		`CREATE TABLE IF NOT EXISTS bot_config (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS guild_settings (
			guild_id TEXT PRIMARY KEY,
			settings TEXT NOT NULL,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
	}

	for _, q := range tableQueries {
		if _, err := tx.ExecContext(initCtx, q); err != nil {
			db.Close()
			return nil, fmt.Errorf(MsgDatabaseTableError, err)
		}
	}

	if err := tx.Commit(); err != nil {
		db.Close()
		return nil, err
	}

	return db, nil
}

func CloseDatabase() {
	if DB != nil {
		DB.Close()
	}
}

// --- Bot Persistence ---

// BotConfig helpers are used by the loader for mode tracking and state.
func GetBotConfig(ctx context.Context, key string) (string, error) {
	var value string
	err := DB.QueryRowContext(ctx, "SELECT value FROM bot_config WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return value, err
}

func SetBotConfig(ctx context.Context, key, value string) error {
	_, err := DB.ExecContext(ctx, `
		INSERT INTO bot_config (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = CURRENT_TIMESTAMP
	`, key, value)
	return err
}

// --- Guild Settings ---

type GuildPerms struct {
	UserIDs  []snowflake.ID `json:"user_id"`
	RoleIDs  []snowflake.ID `json:"role_id"`
	Channels []snowflake.ID `json:"channels"`
}

// GuildSettings is the per-guild JSON document.
type GuildSettings struct {
	Volume    int        `json:"volume"`
	VoiceIdle int        `json:"voice_idle"` // seconds
	Perms     GuildPerms `json:"perms"`
}

// PlaybackVolume is the stored volume clamped to 0-100. Documents edited by
// hand may hold anything.
func (g GuildSettings) PlaybackVolume() int {
	return lo.Clamp(g.Volume, 0, 100)
}

func (g GuildSettings) IdleThreshold() time.Duration {
	return time.Duration(g.VoiceIdle) * time.Second
}

// SettingsDB stores GuildSettings in the guild_settings table. Writes go
// straight to disk.
type SettingsDB struct {
	db       *sql.DB
	defaults GuildSettings
	mu       sync.Mutex
}

func NewSettingsDB(db *sql.DB, music MusicConfig) *SettingsDB {
	return &SettingsDB{
		db: db,
		defaults: GuildSettings{
			Volume:    music.DefaultVolume,
			VoiceIdle: music.DefaultIdle,
		},
	}
}

// Load returns the stored settings, or the defaults for unknown guilds.
// Keys missing from a stored document keep their default value.
func (s *SettingsDB) Load(ctx context.Context, guildID snowflake.ID) (GuildSettings, error) {
	return s.load(ctx, s.db, guildID)
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *SettingsDB) load(ctx context.Context, q queryRower, guildID snowflake.ID) (GuildSettings, error) {
	settings := s.defaults

	var raw string
	err := q.QueryRowContext(ctx, "SELECT settings FROM guild_settings WHERE guild_id = ?", guildID.String()).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return settings, nil
	}
	if err != nil {
		return settings, err
	}

	if err := json.Unmarshal([]byte(raw), &settings); err != nil {
		return s.defaults, fmt.Errorf("failed to decode settings for guild %s: %w", guildID, err)
	}
	return settings, nil
}

func (s *SettingsDB) Save(ctx context.Context, guildID snowflake.ID, settings GuildSettings) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.save(ctx, s.db, guildID, settings)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *SettingsDB) save(ctx context.Context, e execer, guildID snowflake.ID, settings GuildSettings) error {
	data, err := json.Marshal(settings)
	if err != nil {
		return err
	}
	_, err = e.ExecContext(ctx, `
		INSERT INTO guild_settings (guild_id, settings) VALUES (?, ?)
		ON CONFLICT(guild_id) DO UPDATE SET settings = excluded.settings, updated_at = CURRENT_TIMESTAMP
	`, guildID.String(), string(data))
	return err
}

// Update applies fn to the current settings and stores the result in one transaction.
func (s *SettingsDB) Update(ctx context.Context, guildID snowflake.ID, fn func(*GuildSettings)) (GuildSettings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return GuildSettings{}, err
	}
	defer tx.Rollback()

	settings, err := s.load(ctx, tx, guildID)
	if err != nil {
		return GuildSettings{}, err
	}
	fn(&settings)

	if err := s.save(ctx, tx, guildID, settings); err != nil {
		return GuildSettings{}, err
	}
	if err := tx.Commit(); err != nil {
		return GuildSettings{}, err
	}
	return settings, nil
}
