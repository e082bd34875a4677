package proc

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/disgoorg/snowflake/v2"
	"github.com/leeineian/jukebox/sys"
)

// SettingsStore persists per-guild settings.
type SettingsStore interface {
	Load(ctx context.Context, guildID snowflake.ID) (sys.GuildSettings, error)
	Update(ctx context.Context, guildID snowflake.ID, fn func(*sys.GuildSettings)) (sys.GuildSettings, error)
}

type Options struct {
	Resolver  Resolver
	Fetcher   Fetcher
	Connector Connector
	Settings  SettingsStore

	// Notify posts a plain text message to a channel. Optional.
	Notify func(channelID snowflake.ID, content string)
	// Now and Pick default to time.Now and rand.IntN.
	Now  func() time.Time
	Pick func(n int) int
}

// Manager owns one Session per guild.
type Manager struct {
	resolver  Resolver
	fetcher   Fetcher
	connector Connector
	settings  SettingsStore
	notify    func(channelID snowflake.ID, content string)
	now       func() time.Time
	pick      func(n int) int

	mu       sync.Mutex
	sessions map[snowflake.ID]*Session
}

func NewManager(o Options) *Manager {
	m := &Manager{
		resolver:  o.Resolver,
		fetcher:   o.Fetcher,
		connector: o.Connector,
		settings:  o.Settings,
		notify:    o.Notify,
		now:       o.Now,
		pick:      o.Pick,
		sessions:  make(map[snowflake.ID]*Session),
	}
	if m.now == nil {
		m.now = time.Now
	}
	if m.pick == nil {
		m.pick = rand.IntN
	}
	return m
}

func (m *Manager) announce(channelID snowflake.ID, content string) {
	if m.notify == nil || channelID == 0 {
		return
	}
	sys.SafeGo(func() { m.notify(channelID, content) })
}

// Session returns the guild's session, or nil when it has none.
func (m *Manager) Session(guildID snowflake.ID) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[guildID]
}

// Sessions returns a snapshot of all live sessions.
func (m *Manager) Sessions() []*Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	return out
}

// GetOrCreate returns the guild's session, creating it with the stored settings.
func (m *Manager) GetOrCreate(ctx context.Context, guildID snowflake.ID) *Session {
	m.mu.Lock()
	if s, ok := m.sessions[guildID]; ok {
		m.mu.Unlock()
		return s
	}
	m.mu.Unlock()

	settings, err := m.settings.Load(ctx, guildID)
	if err != nil {
		sys.LogVoice("Failed to load settings for guild %s: %v", guildID, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[guildID]; ok {
		return s
	}
	s := newSession(m, guildID, settings)
	m.sessions[guildID] = s
	return s
}

// Join connects the guild's session to a voice channel. A session connected
// elsewhere is moved and keeps rendering.
func (m *Manager) Join(ctx context.Context, guildID, channelID, textChannelID snowflake.ID) (*Session, error) {
	s := m.GetOrCreate(ctx, guildID)
	s.setTextChannel(textChannelID)

	if cur, ok := s.ChannelID(); ok {
		if cur == channelID {
			return s, nil
		}
		if err := s.move(ctx, channelID); err != nil {
			return nil, err
		}
		return s, nil
	}

	sink, err := m.connector.Connect(ctx, guildID, channelID)
	if err != nil {
		return nil, err
	}
	if err := s.attach(ctx, sink); err != nil {
		return nil, err
	}
	return s, nil
}

// Leave tears the guild's session down. It reports whether one existed.
func (m *Manager) Leave(ctx context.Context, guildID snowflake.ID) bool {
	m.mu.Lock()
	s, ok := m.sessions[guildID]
	delete(m.sessions, guildID)
	m.mu.Unlock()

	if !ok {
		return false
	}
	s.close(ctx)
	return true
}

// BotVoiceStateChanged handles the bot's own voice state. A nil channel on a
// connected session means someone else disconnected the bot.
func (m *Manager) BotVoiceStateChanged(ctx context.Context, guildID snowflake.ID, channelID *snowflake.ID) {
	if channelID != nil {
		return
	}
	s := m.Session(guildID)
	if s == nil || s.detached() {
		return
	}
	sys.LogVoice(sys.MsgVoiceExternalLeave, guildID)
	m.Leave(ctx, guildID)
}

func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	sessions := m.sessions
	m.sessions = make(map[snowflake.ID]*Session)
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, s := range sessions {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.close(ctx)
		}()
	}
	wg.Wait()
}

// --- Play pipeline ---

type PlayRequest struct {
	GuildID        snowflake.ID
	VoiceChannelID snowflake.ID
	TextChannelID  snowflake.ID
	Query          string
}

type PlayResult struct {
	Resolved int
	// First is the first fetched track, nil when it could not be fetched.
	First *Track
	// Position of First in the queue, 0 when it started playing.
	Position int
}

// Play resolves the query, joins the caller's channel and enqueues the first
// track before returning. Remaining playlist entries are fetched in the
// background and enqueued in order; entries that fail are skipped.
func (m *Manager) Play(ctx context.Context, req PlayRequest) (*PlayResult, error) {
	tracks, err := m.resolver.Resolve(ctx, req.Query)
	if err != nil {
		return nil, err
	}

	s, err := m.Join(ctx, req.GuildID, req.VoiceChannelID, req.TextChannelID)
	if err != nil {
		return nil, err
	}

	res := &PlayResult{Resolved: len(tracks)}

	// The fetch count is held until the last track is enqueued, here or in
	// the background.
	s.beginFetch()
	background := false
	defer func() {
		if !background {
			s.endFetch()
		}
	}()

	first, err := m.fetcher.Fetch(ctx, tracks[0])
	if err != nil {
		if len(tracks) == 1 {
			return nil, err
		}
		sys.LogVoice(sys.MsgVoiceFetchSkipped, tracks[0].Title, err)
	} else {
		pos, err := s.Enqueue(first)
		if err != nil {
			return nil, err
		}
		res.First, res.Position = first, pos
	}

	if len(tracks) > 1 {
		rest := tracks[1:]
		background = true
		sys.SafeGo(func() {
			defer s.endFetch()
			m.fetchInOrder(s, rest, req.TextChannelID)
		})
	}
	return res, nil
}

// fetchInOrder downloads tracks concurrently (bounded by the fetcher) and
// enqueues them in their original order. Results for a session that was torn
// down meanwhile are deleted.
func (m *Manager) fetchInOrder(s *Session, tracks []*Track, textChannelID snowflake.ID) {
	results := make([]chan *Track, len(tracks))
	for i, t := range tracks {
		ch := make(chan *Track, 1)
		results[i] = ch
		sys.SafeGo(func() {
			var ft *Track
			defer func() { ch <- ft }()

			ft, err := m.fetcher.Fetch(context.Background(), t)
			if err != nil {
				sys.LogVoice(sys.MsgVoiceFetchSkipped, t.Title, err)
				ft = nil
			}
		})
	}

	failed := 0
	for i, ch := range results {
		ft := <-ch
		if ft == nil {
			failed++
			continue
		}
		if _, err := s.Enqueue(ft); err != nil {
			if errors.Is(err, ErrGroupGone) {
				sys.LogVoice(sys.MsgVoiceGroupGone, ft.Title, s.GuildID)
				discardPending(results[i+1:], s.GuildID)
				return
			}
			failed++
		}
	}

	if failed > 0 {
		m.announce(textChannelID, fmt.Sprintf("Skipped %d track(s) that could not be fetched.", failed))
	}
}

func discardPending(pending []chan *Track, guildID snowflake.ID) {
	for _, ch := range pending {
		if ft := <-ch; ft != nil {
			sys.LogVoice(sys.MsgVoiceGroupGone, ft.Title, guildID)
			ft.Cleanup()
		}
	}
}
