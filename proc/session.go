package proc

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/disgoorg/snowflake/v2"
	"github.com/leeineian/jukebox/sys"
	"github.com/samber/lo"
)

// Session is the playback state of one guild. All fields below mu are guarded
// by it. Render completions arrive on events from the sink's goroutine and are
// applied by run, so no other goroutine ever observes a half finished transition.
type Session struct {
	GuildID snowflake.ID

	mgr    *Manager
	volume atomic.Int32
	idle   atomic.Int64 // idle threshold in nanoseconds
	events chan completion
	done   chan struct{}

	mu           sync.Mutex
	sink         Sink
	queue        []*Track
	current      *nowPlaying
	starting     *Track
	fetching     int
	repeat       bool
	shuffle      bool
	lastActivity time.Time
	textChannel  snowflake.ID
	token        uint64
	waiters      map[uint64]chan struct{}
	closed       bool
}

type nowPlaying struct {
	track   *Track
	handle  Handle
	token   uint64
	started time.Time
}

type completion struct {
	token uint64
	err   error
}

// NowPlayingInfo is a snapshot of the rendering track.
type NowPlayingInfo struct {
	Track   *Track
	Elapsed time.Duration
}

func newSession(m *Manager, guildID snowflake.ID, settings sys.GuildSettings) *Session {
	s := &Session{
		GuildID: guildID,
		mgr:     m,
		events:  make(chan completion, 16),
		done:    make(chan struct{}),
		waiters: make(map[uint64]chan struct{}),
	}
	s.volume.Store(int32(settings.PlaybackVolume()))
	s.idle.Store(int64(settings.IdleThreshold()))
	go s.run()
	return s
}

func (s *Session) run() {
	for {
		select {
		case ev := <-s.events:
			s.complete(ev)
		case <-s.done:
			return
		}
	}
}

// post hands a completion from the sink's goroutine to run.
func (s *Session) post(ev completion) {
	select {
	case s.events <- ev:
	case <-s.done:
	}
}

// complete finishes the render identified by ev.token. Completions of renders
// that are no longer current are ignored.
func (s *Session) complete(ev completion) {
	defer func() {
		if r := recover(); r != nil {
			sys.LogVoice(sys.MsgVoicePanicRecovered, "scheduler", s.GuildID, r)
		}
	}()

	var discard []*Track

	s.mu.Lock()
	finished := s.current != nil && s.current.token == ev.token
	if finished {
		t := s.current.track
		s.current = nil
		s.lastActivity = s.mgr.now()

		switch {
		case ev.err != nil:
			sys.LogVoice(sys.MsgVoiceRenderFail, t.Title, s.GuildID, ev.err)
			discard = append(discard, t)
		case s.repeat:
			s.queue = append([]*Track{t}, s.queue...)
		default:
			sys.LogVoice(sys.MsgVoiceFinished, t.Title, s.GuildID)
			discard = append(discard, t)
		}
	}
	s.mu.Unlock()

	for _, t := range discard {
		t.Cleanup()
	}
	if finished {
		s.advance()
	}

	s.mu.Lock()
	if ch, ok := s.waiters[ev.token]; ok {
		close(ch)
		delete(s.waiters, ev.token)
	}
	s.mu.Unlock()
}

// advance starts the next track when nothing is rendering. The track is taken
// off the queue under mu but handed to the sink without it, since opening the
// input and the codecs blocks. Tracks the sink refuses are deleted and the
// next one is tried.
func (s *Session) advance() {
	for {
		s.mu.Lock()
		if s.sink == nil || s.closed || s.current != nil || s.starting != nil || len(s.queue) == 0 {
			s.mu.Unlock()
			return
		}
		idx := 0
		if s.shuffle {
			idx = s.mgr.pick(len(s.queue))
		}
		t := s.queue[idx]
		s.queue = slices.Delete(s.queue, idx, idx+1)
		s.starting = t
		s.token++
		token := s.token
		sink := s.sink
		s.mu.Unlock()

		h, err := sink.Play(t.Path, &s.volume, func(err error) {
			s.post(completion{token: token, err: err})
		})
		if err != nil {
			sys.LogVoice(sys.MsgVoiceRenderFail, t.Title, s.GuildID, err)
			s.mu.Lock()
			s.starting = nil
			s.mu.Unlock()
			t.Cleanup()
			continue
		}

		s.mu.Lock()
		s.starting = nil
		switch {
		case s.closed:
			s.mu.Unlock()
			sink.Stop(h)
			t.Cleanup()
			return
		case s.sink != sink:
			// reaped or replaced while starting; keep the track for the next connection
			s.queue = append([]*Track{t}, s.queue...)
			s.mu.Unlock()
			sink.Stop(h)
			continue
		}
		now := s.mgr.now()
		s.current = &nowPlaying{track: t, handle: h, token: token, started: now}
		s.lastActivity = now
		textChannel := s.textChannel
		s.mu.Unlock()

		sys.LogVoice(sys.MsgVoiceNowPlaying, t.Title, sys.FormatClock(t.Duration), s.GuildID)
		s.mgr.announce(textChannel, "Now playing: "+t.String())
		return
	}
}

// Enqueue appends a fetched track. It returns the track's queue position, or
// 0 when it started rendering right away.
func (s *Session) Enqueue(t *Track) (int, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		t.Cleanup()
		return 0, ErrGroupGone
	}

	s.queue = append(s.queue, t)
	s.mu.Unlock()

	s.advance()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return 0, ErrGroupGone
	}
	pos := 0
	playing := s.starting == t || (s.current != nil && s.current.track == t)
	if !playing {
		pos = lo.IndexOf(s.queue, t) + 1
	}
	s.mu.Unlock()

	if !playing && pos == 0 {
		return 0, &FetchError{Title: t.Title, Err: fmt.Errorf("playback could not start")}
	}
	return pos, nil
}

// Bump moves the track at the 1-based position to the front of the queue.
func (s *Session) Bump(pos int) (*Track, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.queue) < 2 {
		return nil, &RangeError{Msg: "bump failed: queue too short"}
	}
	if pos < 2 || pos > len(s.queue) {
		return nil, &RangeError{Msg: fmt.Sprintf("bump failed: position must be between 2 and %d", len(s.queue))}
	}

	t := s.queue[pos-1]
	copy(s.queue[1:pos], s.queue[:pos-1])
	s.queue[0] = t
	return t, nil
}

// Remove evicts the track at the 1-based position and deletes its file.
func (s *Session) Remove(pos int) (*Track, error) {
	s.mu.Lock()
	if len(s.queue) == 0 {
		s.mu.Unlock()
		return nil, &RangeError{Msg: "remove failed: queue is empty"}
	}
	if pos < 1 || pos > len(s.queue) {
		n := len(s.queue)
		s.mu.Unlock()
		return nil, &RangeError{Msg: fmt.Sprintf("remove failed: position must be between 1 and %d", n)}
	}
	t := s.queue[pos-1]
	s.queue = slices.Delete(s.queue, pos-1, pos)
	s.mu.Unlock()

	t.Cleanup()
	return t, nil
}

// Skip stops the current render and waits until its completion has been
// applied, so the next track (or the repeated one) is already selected on return.
func (s *Session) Skip(ctx context.Context) (*Track, error) {
	s.mu.Lock()
	if s.current == nil || s.sink == nil {
		s.mu.Unlock()
		return nil, &NotPlayingError{}
	}
	cur := s.current
	sink := s.sink
	ack, ok := s.waiters[cur.token]
	if !ok {
		ack = make(chan struct{})
		s.waiters[cur.token] = ack
	}
	s.mu.Unlock()

	sink.Stop(cur.handle)

	select {
	case <-ack:
		return cur.track, nil
	case <-s.done:
		return cur.track, nil
	case <-ctx.Done():
		return cur.track, ctx.Err()
	}
}

func (s *Session) ToggleRepeat() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.repeat = !s.repeat
	return s.repeat
}

func (s *Session) ToggleShuffle() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.shuffle = !s.shuffle
	return s.shuffle
}

func (s *Session) Flags() (repeat, shuffle bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.repeat, s.shuffle
}

func (s *Session) Volume() int {
	return int(s.volume.Load())
}

// SetVolume persists v and applies it to the current render.
func (s *Session) SetVolume(ctx context.Context, v int) error {
	if v < 0 || v > 100 {
		return &RangeError{Msg: "volume must be between 0 and 100"}
	}
	if _, err := s.mgr.settings.Update(ctx, s.GuildID, func(g *sys.GuildSettings) { g.Volume = v }); err != nil {
		return err
	}
	s.volume.Store(int32(v))
	return nil
}

func (s *Session) IdleThreshold() time.Duration {
	return time.Duration(s.idle.Load())
}

// SetIdle persists the idle disconnect threshold, given in minutes (1-30).
func (s *Session) SetIdle(ctx context.Context, minutes int) error {
	if minutes < 1 || minutes > 30 {
		return &RangeError{Msg: "idle timeout must be between 1 and 30 minutes"}
	}
	secs := minutes * 60
	if _, err := s.mgr.settings.Update(ctx, s.GuildID, func(g *sys.GuildSettings) { g.VoiceIdle = secs }); err != nil {
		return err
	}
	s.idle.Store(int64(time.Duration(secs) * time.Second))
	return nil
}

// Clear evicts every queued track. The current render is left alone.
func (s *Session) Clear() int {
	s.mu.Lock()
	evicted := s.queue
	s.queue = nil
	s.mu.Unlock()

	for _, t := range evicted {
		t.Cleanup()
	}
	return len(evicted)
}

func (s *Session) NowPlaying() (NowPlayingInfo, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return NowPlayingInfo{}, false
	}
	return NowPlayingInfo{Track: s.current.track, Elapsed: s.mgr.now().Sub(s.current.started)}, true
}

func (s *Session) Queue() []*Track {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.queue)
}

func (s *Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sink != nil
}

func (s *Session) ChannelID() (snowflake.ID, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sink == nil {
		return 0, false
	}
	return s.sink.ChannelID(), true
}

func (s *Session) setTextChannel(id snowflake.ID) {
	if id == 0 {
		return
	}
	s.mu.Lock()
	s.textChannel = id
	s.mu.Unlock()
}

// attach installs a fresh voice connection and starts anything already queued.
func (s *Session) attach(ctx context.Context, sink Sink) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		sink.Disconnect(ctx)
		return ErrGroupGone
	}
	old := s.sink
	s.sink = sink
	s.lastActivity = s.mgr.now()
	s.mu.Unlock()

	if old != nil {
		old.Disconnect(ctx)
	}
	s.advance()
	return nil
}

func (s *Session) move(ctx context.Context, channelID snowflake.ID) error {
	s.mu.Lock()
	sink := s.sink
	s.mu.Unlock()
	if sink == nil {
		return ErrNotConnected
	}
	return sink.Move(ctx, channelID)
}

// detached reports whether the session currently has no voice connection.
func (s *Session) detached() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sink == nil
}

// beginFetch marks a download in flight for this session. The reaper treats
// it like a render, so a slow fetch cannot lose the connection it is for.
func (s *Session) beginFetch() {
	s.mu.Lock()
	s.fetching++
	s.mu.Unlock()
}

// endFetch undoes beginFetch and restarts the idle window.
func (s *Session) endFetch() {
	s.mu.Lock()
	s.fetching--
	if s.sink != nil {
		s.lastActivity = s.mgr.now()
	}
	s.mu.Unlock()
}

// reap refreshes lastActivity while rendering or fetching. When the connection has been
// idle for strictly longer than the threshold it is disconnected and
// lastActivity cleared. It reports whether it disconnected.
func (s *Session) reap(ctx context.Context, now time.Time) bool {
	s.mu.Lock()
	if s.sink == nil || s.closed {
		s.mu.Unlock()
		return false
	}
	if s.current != nil || s.starting != nil || s.fetching > 0 || s.sink.IsRendering() {
		s.lastActivity = now
		s.mu.Unlock()
		return false
	}
	threshold := s.IdleThreshold()
	if s.lastActivity.IsZero() || now.Sub(s.lastActivity) <= threshold {
		s.mu.Unlock()
		return false
	}

	idleFor := now.Sub(s.lastActivity)
	sink := s.sink
	s.sink = nil
	s.lastActivity = time.Time{}
	s.mu.Unlock()

	sys.LogReaper(sys.MsgReaperDisconnect, s.GuildID, sys.FormatDuration(idleFor), sys.FormatDuration(threshold))
	sink.Disconnect(ctx)
	return true
}

// close tears the session down: stops the render, deletes every track file and
// disconnects. Later Enqueue calls fail with ErrGroupGone.
func (s *Session) close(ctx context.Context) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	discard := s.queue
	s.queue = nil
	if s.current != nil {
		discard = append(discard, s.current.track)
		s.current = nil
	}
	sink := s.sink
	s.sink = nil
	for token, ch := range s.waiters {
		close(ch)
		delete(s.waiters, token)
	}
	close(s.done)
	s.mu.Unlock()

	if sink != nil {
		sink.Disconnect(ctx)
	}
	for _, t := range discard {
		t.Cleanup()
	}
}
