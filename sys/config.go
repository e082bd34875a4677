package sys

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

type Config struct {
	Token         string
	GuildID       string
	DatabasePath  string
	OwnerIDs      []string
	Silent        bool
	CommandPrefix string
	YoutubeProxy  string
	StatsAPIURL   string
	Music         MusicConfig
}

// MusicConfig holds playback tuning read from config.toml.
type MusicConfig struct {
	MaxDuration   int    `koanf:"max_duration"`   // seconds, longer tracks are dropped
	IdleTick      int    `koanf:"idle_tick"`      // seconds between idle reaper sweeps
	DefaultIdle   int    `koanf:"default_idle"`   // seconds, used when a guild has no setting
	DefaultVolume int    `koanf:"default_volume"` // 0-100
	CacheDir      string `koanf:"cache_dir"`
	FetchWorkers  int    `koanf:"fetch_workers"`
	PlaylistLimit int    `koanf:"playlist_limit"`
}

type fileConfig struct {
	Music MusicConfig `koanf:"music"`
}

var GlobalConfig *Config

// LoadConfig initializes the configuration from environment variables and config.toml.
func LoadConfig() (*Config, error) {
	_ = godotenv.Load()

	dbPath := os.Getenv("DATABASE_PATH")
	if dbPath == "" {
		folder := "."
		if info, err := os.Stat("data"); err == nil && info.IsDir() {
			folder = "./data"
		}
		dbPath = filepath.Join(folder, GetProjectName()+".db")
	}

	silent, _ := strconv.ParseBool(os.Getenv("SILENT"))

	prefix := os.Getenv("COMMAND_PREFIX")
	if prefix == "" {
		prefix = "!"
	}

	music, err := LoadMusicConfig(getConfigPaths())
	if err != nil {
		return nil, fmt.Errorf(MsgConfigFailedToLoad, err)
	}

	cfg := &Config{
		Token:         os.Getenv("DISCORD_TOKEN"),
		GuildID:       os.Getenv("GUILD_ID"),
		DatabasePath:  dbPath,
		OwnerIDs:      splitList(os.Getenv("OWNER_IDS")),
		Silent:        silent,
		CommandPrefix: prefix,
		YoutubeProxy:  os.Getenv("YOUTUBE_PROXY"),
		StatsAPIURL:   os.Getenv("STATS_API_URL"),
		Music:         music,
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if cfg.Silent {
		SetSilentMode(true)
	}

	GlobalConfig = cfg
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Token == "" {
		return fmt.Errorf(MsgConfigMissingToken)
	}
	if c.GuildID != "" && (len(c.GuildID) < 17 || len(c.GuildID) > 20) {
		return fmt.Errorf("invalid GUILD_ID: must be a valid Snowflake")
	}
	if c.GuildID != "" {
		if _, err := strconv.ParseUint(c.GuildID, 10, 64); err != nil {
			return fmt.Errorf("invalid GUILD_ID: must be a valid Snowflake")
		}
	}
	return nil
}

// LoadMusicConfig reads the [music] table from the given files, last one wins.
// Missing files are skipped.
func LoadMusicConfig(paths []string) (MusicConfig, error) {
	k := koanf.New(".")

	for _, path := range paths {
		if _, err := os.Stat(path); err == nil {
			if err := k.Load(file.Provider(path), toml.Parser()); err != nil {
				return MusicConfig{}, fmt.Errorf(MsgConfigMusicFileFail, path, err)
			}
		}
	}

	var fc fileConfig
	if err := k.Unmarshal("", &fc); err != nil {
		return MusicConfig{}, err
	}

	music := fc.Music.WithDefaults()
	music.CacheDir = expandPath(music.CacheDir)
	return music, nil
}

// WithDefaults returns a copy with out-of-range values replaced by defaults.
func (m MusicConfig) WithDefaults() MusicConfig {
	if m.MaxDuration <= 0 {
		m.MaxDuration = 1800
	}
	if m.IdleTick <= 0 || m.IdleTick > 60 {
		m.IdleTick = 5
	}
	if m.DefaultIdle <= 0 {
		m.DefaultIdle = 300
	}
	if m.DefaultVolume <= 0 || m.DefaultVolume > 100 {
		m.DefaultVolume = 100
	}
	if m.CacheDir == "" {
		m.CacheDir = ".tracks"
	}
	if m.FetchWorkers <= 0 || m.FetchWorkers > 16 {
		m.FetchWorkers = 3
	}
	if m.PlaylistLimit <= 0 || m.PlaylistLimit > 500 {
		m.PlaylistLimit = 50
	}
	return m
}

func (m MusicConfig) MaxDurationLimit() time.Duration {
	return time.Duration(m.MaxDuration) * time.Second
}

func (m MusicConfig) IdleTickInterval() time.Duration {
	return time.Duration(m.IdleTick) * time.Second
}

func getConfigPaths() []string {
	paths := []string{}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "jukebox", "config.toml"))
	}

	// ./config.toml has the highest priority
	paths = append(paths, "config.toml")

	return paths
}

func expandPath(path string) string {
	if path != "" && path[0] == '~' {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[1:])
		}
	}
	return path
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func GetProjectName() string {
	exePath, err := os.Executable()
	projectName := "jukebox"
	if err == nil {
		projectName = filepath.Base(exePath)
		projectName = strings.TrimSuffix(projectName, ".exe")

		if projectName == "main" || strings.HasPrefix(projectName, "go_build_") || strings.HasSuffix(projectName, ".test") {
			projectName = "jukebox"
			if modData, err := os.ReadFile("go.mod"); err == nil {
				lines := strings.Split(string(modData), "\n")
				if len(lines) > 0 && strings.HasPrefix(lines[0], "module ") {
					parts := strings.Split(lines[0], "/")
					projectName = strings.TrimSpace(parts[len(parts)-1])
				}
			}
		}
	}
	return projectName
}
