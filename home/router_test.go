package home

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/disgoorg/snowflake/v2"
	"github.com/leeineian/jukebox/proc"
	"github.com/leeineian/jukebox/sys"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	guild   snowflake.ID = 1000
	owner   snowflake.ID = 1
	member  snowflake.ID = 2
	dj      snowflake.ID = 3
	djRole  snowflake.ID = 50
	text    snowflake.ID = 500
	voiceCh snowflake.ID = 600
)

type testSink struct {
	mu      sync.Mutex
	channel snowflake.ID
	next    proc.Handle
	active  map[proc.Handle]func(error)
}

func (s *testSink) Play(path string, volume *atomic.Int32, onDone func(error)) (proc.Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next++
	s.active[s.next] = onDone
	return s.next, nil
}

func (s *testSink) Stop(h proc.Handle) {
	s.mu.Lock()
	onDone, ok := s.active[h]
	delete(s.active, h)
	s.mu.Unlock()
	if ok {
		go onDone(nil)
	}
}

func (s *testSink) IsRendering() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active) > 0
}

func (s *testSink) ChannelID() snowflake.ID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.channel
}

func (s *testSink) Move(ctx context.Context, channelID snowflake.ID) error {
	s.mu.Lock()
	s.channel = channelID
	s.mu.Unlock()
	return nil
}

func (s *testSink) Disconnect(ctx context.Context) {
	s.mu.Lock()
	active := s.active
	s.active = map[proc.Handle]func(error){}
	s.mu.Unlock()
	for _, onDone := range active {
		go onDone(nil)
	}
}

type testConnector struct{}

func (testConnector) Connect(ctx context.Context, guildID, channelID snowflake.ID) (proc.Sink, error) {
	return &testSink{channel: channelID, active: map[proc.Handle]func(error){}}, nil
}

type testResolver struct{ err error }

func (r testResolver) Resolve(ctx context.Context, query string) ([]*proc.Track, error) {
	if r.err != nil {
		return nil, &proc.ResolutionError{Query: query, Err: r.err}
	}
	var out []*proc.Track
	for _, title := range strings.Split(query, ",") {
		out = append(out, &proc.Track{Title: title, Duration: 3 * time.Minute, Source: "https://example.com/" + title})
	}
	return out, nil
}

type testFetcher struct{ dir string }

func (f testFetcher) Fetch(ctx context.Context, t *proc.Track) (*proc.Track, error) {
	if strings.HasPrefix(t.Title, "bad") {
		return nil, &proc.FetchError{Title: t.Title, Err: errors.New("gone")}
	}
	p := filepath.Join(f.dir, t.Title+".webm")
	if err := os.WriteFile(p, []byte("audio"), 0644); err != nil {
		return nil, err
	}
	return t.WithPath(p, 0), nil
}

type memSettings struct {
	mu   sync.Mutex
	data map[snowflake.ID]sys.GuildSettings
	err  error
}

func (m *memSettings) Load(ctx context.Context, guildID snowflake.ID) (sys.GuildSettings, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return sys.GuildSettings{}, m.err
	}
	if g, ok := m.data[guildID]; ok {
		return g, nil
	}
	return sys.GuildSettings{Volume: 100, VoiceIdle: 300}, nil
}

func (m *memSettings) Update(ctx context.Context, guildID snowflake.ID, fn func(*sys.GuildSettings)) (sys.GuildSettings, error) {
	g, err := m.Load(ctx, guildID)
	if err != nil {
		return g, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	fn(&g)
	m.data[guildID] = g
	return g, nil
}

type fixture struct {
	r        *Router
	mgr      *proc.Manager
	settings *memSettings
	resolver *testResolver
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		settings: &memSettings{data: map[snowflake.ID]sys.GuildSettings{}},
		resolver: &testResolver{},
	}
	f.mgr = proc.NewManager(proc.Options{
		Resolver:  f.resolver,
		Fetcher:   testFetcher{dir: t.TempDir()},
		Connector: testConnector{},
		Settings:  f.settings,
	})
	t.Cleanup(func() { f.mgr.Shutdown(context.Background()) })

	f.r = NewRouter(RouterOptions{
		Music:    f.mgr,
		Settings: f.settings,
		Dice:     NewDice(func(min, max int) int { return max }),
	})
	return f
}

func caller(user snowflake.ID, roles ...snowflake.ID) Caller {
	ch := voiceCh
	return Caller{
		GuildID:        guild,
		ChannelID:      text,
		UserID:         user,
		RoleIDs:        roles,
		GuildOwnerID:   owner,
		VoiceChannelID: &ch,
	}
}

func (f *fixture) run(c Caller, line string) string {
	return f.r.Dispatch(context.Background(), c, line)
}

func TestDispatch_UnknownAndEmpty(t *testing.T) {
	f := newFixture(t)
	assert.Equal(t, "Unknown command. Try help.", f.run(caller(member), "dance"))
	assert.Equal(t, "Unknown command. Try help.", f.run(caller(member), "   "))
}

func TestDispatch_CaseInsensitiveName(t *testing.T) {
	f := newFixture(t)
	assert.Equal(t, "🎲 1d6: 6", f.run(caller(member), "ROLL"))
}

func TestPlay_StartsThenQueues(t *testing.T) {
	f := newFixture(t)

	assert.Equal(t, "Starting A [3:00]", f.run(caller(member), "play A"))
	assert.Equal(t, "Queued B [3:00] at position 1", f.run(caller(member), "play B"))

	out := f.run(caller(member), "queue")
	assert.Contains(t, out, "Now playing: A [3:00]")
	assert.Contains(t, out, "1. B [3:00]")
	assert.Contains(t, out, "1 tracks, 3:00 total")
	assert.Contains(t, out, "Repeat: off, Shuffle: off")
}

func TestPlay_Playlist(t *testing.T) {
	f := newFixture(t)

	out := f.run(caller(member), "play A,B,C")
	assert.Equal(t, "Starting A [3:00]\nLoading 2 more from the playlist.", out)

	s := f.mgr.Session(guild)
	require.Eventually(t, func() bool { return len(s.Queue()) == 2 }, 2*time.Second, 5*time.Millisecond)
}

func TestPlay_Errors(t *testing.T) {
	f := newFixture(t)

	assert.Equal(t, "syntax error, usage: play <query>", f.run(caller(member), "play"))

	c := caller(member)
	c.VoiceChannelID = nil
	assert.Equal(t, "Join a voice channel first.", f.run(c, "play A"))

	assert.Equal(t, "Could not download that track. Try again.", f.run(caller(member), "play bad"))
	assert.Equal(t, "Could not download the first track.\nLoading 1 more from the playlist.", f.run(caller(member), "play bad1,B"))

	f.resolver.err = errors.New("no network")
	assert.Equal(t, "Could not find that. Try again.", f.run(caller(member), "play A"))
}

func TestPlay_RateLimited(t *testing.T) {
	f := newFixture(t)
	f.r.playEvery = time.Hour

	for range f.r.playBurst {
		f.run(caller(member), "play A")
	}
	assert.Equal(t, "Too many play requests, slow down.", f.run(caller(member), "play A"))

	other := caller(member)
	other.GuildID = guild + 1
	assert.NotEqual(t, "Too many play requests, slow down.", f.run(other, "play A"), "limits are per guild")
}

func TestNowPlaying(t *testing.T) {
	f := newFixture(t)
	assert.Equal(t, "Nothing is playing.", f.run(caller(member), "nowplaying"))

	f.run(caller(member), "play A")
	out := f.run(caller(member), "nowplaying")
	assert.True(t, strings.HasPrefix(out, "Now playing: A\n0:00 / 3:00"), out)
}

func TestElevatedCommands(t *testing.T) {
	f := newFixture(t)
	f.run(caller(member), "play A")
	f.run(caller(member), "play B")
	f.run(caller(member), "play C")

	denied := "you do not have permission to do that"
	for _, line := range []string{"skip", "bump 2", "remove 1", "repeat", "shuffle", "clear", "leave", "volume 50", "idle 5"} {
		assert.Equal(t, denied, f.run(caller(member), line), line)
	}

	// granted through a role
	_, _ = f.settings.Update(context.Background(), guild, func(g *sys.GuildSettings) {
		g.Perms.RoleIDs = []snowflake.ID{djRole}
	})
	assert.Equal(t, "Moved C [3:00] to the front.", f.run(caller(dj, djRole), "bump 2"))
	assert.Equal(t, "Repeat is now on.", f.run(caller(dj, djRole), "repeat"))
	assert.Equal(t, "Volume set to 50.", f.run(caller(dj, djRole), "volume 50"))
	assert.Equal(t, "Volume is 50.", f.run(caller(member), "volume"))
	assert.Equal(t, "Idle timeout is 5m 0s.", func() string {
		f.run(caller(owner), "idle 5")
		return f.run(caller(member), "idle")
	}())
}

func TestQueueCommands(t *testing.T) {
	f := newFixture(t)
	f.run(caller(owner), "play A")
	f.run(caller(owner), "play B")
	f.run(caller(owner), "play C")

	assert.Equal(t, "syntax error, usage: bump <n>", f.run(caller(owner), "bump two"))
	assert.Equal(t, "bump failed: position must be between 2 and 2", f.run(caller(owner), "bump 5"))
	assert.Equal(t, "Removed B [3:00].", f.run(caller(owner), "remove 1"))
	assert.Equal(t, "Skipped A [3:00].", f.run(caller(owner), "skip"))
	assert.Equal(t, "Cleared 0 tracks.", f.run(caller(owner), "clear"))
	assert.Equal(t, "volume must be between 0 and 100", f.run(caller(owner), "volume 150"))
	assert.Equal(t, "syntax error, usage: idle [1-30]", f.run(caller(owner), "idle soon"))
	assert.Equal(t, "Left voice and cleared the queue.", f.run(caller(owner), "leave"))
	assert.Equal(t, "I'm not in a voice channel.", f.run(caller(owner), "leave"))
	assert.Equal(t, "Nothing is playing.", f.run(caller(owner), "skip"))
}

func TestReadCommandsDoNotCreateSessions(t *testing.T) {
	f := newFixture(t)
	f.settings.data[guild] = sys.GuildSettings{Volume: 400, VoiceIdle: 120}

	out := f.run(caller(member), "queue")
	assert.Contains(t, out, "Nothing is playing.")
	assert.Contains(t, out, "The queue is empty.")
	assert.Equal(t, "Nothing is playing.", f.run(caller(member), "nowplaying"))
	assert.Equal(t, "Volume is 100.", f.run(caller(member), "volume"), "stored values are clamped")
	assert.Equal(t, "Idle timeout is 2m 0s.", f.run(caller(member), "idle"))
	assert.Equal(t, "bump failed: queue too short", f.run(caller(owner), "bump 2"))
	assert.Equal(t, "remove failed: queue is empty", f.run(caller(owner), "remove 1"))
	assert.Equal(t, "Cleared 0 tracks.", f.run(caller(owner), "clear"))
	assert.Equal(t, "Nothing is playing.", f.run(caller(owner), "skip"))

	assert.Nil(t, f.mgr.Session(guild))
	assert.Empty(t, f.mgr.Sessions())
}

func TestJoin(t *testing.T) {
	f := newFixture(t)
	assert.Equal(t, "Joined <#600>.", f.run(caller(member), "join"))

	c := caller(member)
	c.VoiceChannelID = nil
	assert.Equal(t, "Join a voice channel first.", f.run(c, "join"))
}

func TestHelp(t *testing.T) {
	f := newFixture(t)
	out := f.run(caller(member), "help")
	assert.Contains(t, out, "skip - Skip the current track (elevated)")
	assert.Contains(t, out, "perms list")
	assert.Contains(t, out, "(owner)")
	assert.True(t, strings.Index(out, "bump") < strings.Index(out, "volume"), "sorted by name")
}

func TestDispatch_SettingsFailure(t *testing.T) {
	f := newFixture(t)
	f.settings.err = errors.New("disk full")
	assert.Equal(t, sys.MsgReplyGeneric, f.run(caller(member), "roll"))
}

func TestFormatError(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{&proc.FetchError{Title: "x", Err: proc.ErrTooLong}, "That track is too long."},
		{&proc.UpstreamUnavailableError{Service: "stats"}, "The stats service is busy, try again later."},
		{proc.ErrGroupGone, "Playback was stopped while that was loading."},
		{context.DeadlineExceeded, "That took too long, try again."},
		{&proc.RangeError{Msg: "remove failed: queue is empty"}, "remove failed: queue is empty"},
		{errors.New("boom"), sys.MsgReplyGeneric},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, formatError(tt.err))
	}
}
