package proc

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/disgoorg/snowflake/v2"
	"github.com/leeineian/jukebox/sys"
	"github.com/stretchr/testify/require"
)

const (
	testGuild   snowflake.ID = 100
	testVoice   snowflake.ID = 200
	testText    snowflake.ID = 300
	testDefault              = 60 // seconds
)

// fakeSink records renders and finishes them only when told to.
type fakeSink struct {
	mu           sync.Mutex
	channel      snowflake.ID
	next         Handle
	active       map[Handle]func(error)
	plays        []string
	volumes      []int32
	failPaths    map[string]bool
	disconnected bool

	// opening, when set, receives each path and Play then waits on openGate,
	// like a slow input open.
	opening  chan string
	openGate chan struct{}
}

func newFakeSink(channel snowflake.ID) *fakeSink {
	return &fakeSink{
		channel:   channel,
		active:    make(map[Handle]func(error)),
		failPaths: make(map[string]bool),
	}
}

func (f *fakeSink) Play(path string, volume *atomic.Int32, onDone func(error)) (Handle, error) {
	f.mu.Lock()
	opening, gate := f.opening, f.openGate
	f.mu.Unlock()
	if opening != nil {
		opening <- path
		<-gate
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failPaths[path] {
		return 0, errors.New("cannot open input")
	}
	f.next++
	f.active[f.next] = onDone
	f.plays = append(f.plays, path)
	f.volumes = append(f.volumes, volume.Load())
	return f.next, nil
}

// finish ends render h from the sink's own goroutine, like a real connection.
func (f *fakeSink) finish(h Handle, err error) {
	f.mu.Lock()
	onDone, ok := f.active[h]
	delete(f.active, h)
	f.mu.Unlock()
	if ok {
		go onDone(err)
	}
}

// finishCurrent ends whichever render is active.
func (f *fakeSink) finishCurrent(err error) {
	f.mu.Lock()
	var h Handle
	for k := range f.active {
		h = k
	}
	f.mu.Unlock()
	f.finish(h, err)
}

func (f *fakeSink) Stop(h Handle) { f.finish(h, nil) }

func (f *fakeSink) IsRendering() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.active) > 0
}

func (f *fakeSink) ChannelID() snowflake.ID {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.channel
}

func (f *fakeSink) Move(ctx context.Context, channelID snowflake.ID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.channel = channelID
	return nil
}

func (f *fakeSink) Disconnect(ctx context.Context) {
	f.mu.Lock()
	f.disconnected = true
	active := f.active
	f.active = make(map[Handle]func(error))
	f.mu.Unlock()
	for _, onDone := range active {
		go onDone(nil)
	}
}

func (f *fakeSink) playCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.plays)
}

func (f *fakeSink) isDisconnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.disconnected
}

type fakeConnector struct {
	mu    sync.Mutex
	sinks []*fakeSink
	err   error
}

func (c *fakeConnector) Connect(ctx context.Context, guildID, channelID snowflake.ID) (Sink, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return nil, c.err
	}
	s := newFakeSink(channelID)
	c.sinks = append(c.sinks, s)
	return s, nil
}

func (c *fakeConnector) last() *fakeSink {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.sinks) == 0 {
		return nil
	}
	return c.sinks[len(c.sinks)-1]
}

// memSettings is an in-memory SettingsStore.
type memSettings struct {
	mu   sync.Mutex
	data map[snowflake.ID]sys.GuildSettings
}

func newMemSettings() *memSettings {
	return &memSettings{data: make(map[snowflake.ID]sys.GuildSettings)}
}

func (m *memSettings) Load(ctx context.Context, guildID snowflake.ID) (sys.GuildSettings, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if g, ok := m.data[guildID]; ok {
		return g, nil
	}
	return sys.GuildSettings{Volume: 100, VoiceIdle: testDefault}, nil
}

func (m *memSettings) Update(ctx context.Context, guildID snowflake.ID, fn func(*sys.GuildSettings)) (sys.GuildSettings, error) {
	g, _ := m.Load(ctx, guildID)
	m.mu.Lock()
	defer m.mu.Unlock()
	fn(&g)
	m.data[guildID] = g
	return g, nil
}

type fakeResolver struct {
	tracks []*Track
	err    error
}

func (r *fakeResolver) Resolve(ctx context.Context, query string) ([]*Track, error) {
	if r.err != nil {
		return nil, &ResolutionError{Query: query, Err: r.err}
	}
	return r.tracks, nil
}

// fakeFetcher writes each track to a file in dir. Titles in fail are
// rejected, titles in crash panic, and titles in block wait for their channel
// to close first. entered, when set, receives each title as its fetch starts.
type fakeFetcher struct {
	dir     string
	fail    map[string]bool
	crash   map[string]bool
	block   map[string]chan struct{}
	entered chan string
}

func (f *fakeFetcher) Fetch(ctx context.Context, t *Track) (*Track, error) {
	if f.entered != nil {
		f.entered <- t.Title
	}
	if ch, ok := f.block[t.Title]; ok {
		<-ch
	}
	if f.crash[t.Title] {
		panic("decoder exploded")
	}
	if f.fail[t.Title] {
		return nil, &FetchError{Title: t.Title, Err: errors.New("network down")}
	}
	p, err := os.CreateTemp(f.dir, "*.webm")
	if err != nil {
		return nil, err
	}
	p.Close()
	return t.WithPath(p.Name(), 0), nil
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type harness struct {
	m         *Manager
	conn      *fakeConnector
	settings  *memSettings
	clock     *clock
	resolver  *fakeResolver
	fetcher   *fakeFetcher
	dir       string
	announced chan string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	dir := t.TempDir()
	h := &harness{
		conn:      &fakeConnector{},
		settings:  newMemSettings(),
		clock:     &clock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)},
		resolver:  &fakeResolver{},
		fetcher:   &fakeFetcher{dir: dir, fail: map[string]bool{}, crash: map[string]bool{}, block: map[string]chan struct{}{}},
		dir:       dir,
		announced: make(chan string, 64),
	}
	h.m = NewManager(Options{
		Resolver:  h.resolver,
		Fetcher:   h.fetcher,
		Connector: h.conn,
		Settings:  h.settings,
		Now:       h.clock.Now,
		Notify: func(channelID snowflake.ID, content string) {
			select {
			case h.announced <- content:
			default:
			}
		},
	})
	t.Cleanup(func() { h.m.Shutdown(context.Background()) })
	return h
}

// join connects the test guild and returns its session and sink.
func (h *harness) join(t *testing.T) (*Session, *fakeSink) {
	t.Helper()
	s, err := h.m.Join(context.Background(), testGuild, testVoice, testText)
	require.NoError(t, err)
	return s, h.conn.last()
}

// track creates a fetched track backed by a real file.
func (h *harness) track(t *testing.T, title string, d time.Duration) *Track {
	t.Helper()
	p := filepath.Join(h.dir, title+".webm")
	require.NoError(t, os.WriteFile(p, []byte("audio"), 0644))
	return &Track{Title: title, Duration: d, Source: "https://example.com/" + title, Path: p}
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func titles(ts []*Track) []string {
	out := make([]string, len(ts))
	for i, t := range ts {
		out[i] = t.Title
	}
	return out
}

func currentTitle(s *Session) string {
	np, ok := s.NowPlaying()
	if !ok {
		return ""
	}
	return np.Track.Title
}
