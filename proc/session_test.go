package proc

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/leeineian/jukebox/sys"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const wait = 2 * time.Second
const tick = 5 * time.Millisecond

func TestSession_PlaysInOrder(t *testing.T) {
	h := newHarness(t)
	s, sink := h.join(t)

	a := h.track(t, "A", 10*time.Second)
	b := h.track(t, "B", 20*time.Second)

	pos, err := s.Enqueue(a)
	require.NoError(t, err)
	assert.Equal(t, 0, pos, "A should start right away")

	pos, err = s.Enqueue(b)
	require.NoError(t, err)
	assert.Equal(t, 1, pos)

	assert.Equal(t, "A", currentTitle(s))
	assert.Equal(t, []string{"B"}, titles(s.Queue()))

	sink.finishCurrent(nil)

	require.Eventually(t, func() bool { return currentTitle(s) == "B" }, wait, tick)
	assert.Empty(t, s.Queue())
	assert.False(t, fileExists(a.Path), "finished track file should be removed")
	assert.True(t, fileExists(b.Path))
}

func TestSession_IdleAfterLastTrack(t *testing.T) {
	h := newHarness(t)
	s, sink := h.join(t)

	_, err := s.Enqueue(h.track(t, "A", time.Second))
	require.NoError(t, err)
	sink.finishCurrent(nil)

	require.Eventually(t, func() bool { _, ok := s.NowPlaying(); return !ok }, wait, tick)
	assert.True(t, s.Connected(), "finishing the queue must not disconnect")
}

func TestSession_QueueNeverHoldsCurrent(t *testing.T) {
	h := newHarness(t)
	s, _ := h.join(t)

	for _, n := range []string{"A", "B", "C"} {
		_, err := s.Enqueue(h.track(t, n, time.Second))
		require.NoError(t, err)
	}
	np, ok := s.NowPlaying()
	require.True(t, ok)
	assert.NotContains(t, s.Queue(), np.Track)
}

// queued returns a session with no voice connection holding the given titles.
func queued(t *testing.T, h *harness, names ...string) *Session {
	t.Helper()
	s := h.m.GetOrCreate(context.Background(), testGuild)
	for _, n := range names {
		_, err := s.Enqueue(h.track(t, n, time.Second))
		require.NoError(t, err)
	}
	return s
}

func TestSession_Bump(t *testing.T) {
	tests := []struct {
		pos  int
		want []string
	}{
		{2, []string{"B", "A", "C", "D"}},
		{3, []string{"C", "A", "B", "D"}},
		{4, []string{"D", "A", "B", "C"}},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprint(tt.pos), func(t *testing.T) {
			h := newHarness(t)
			s := queued(t, h, "A", "B", "C", "D")

			moved, err := s.Bump(tt.pos)
			require.NoError(t, err)
			assert.Equal(t, tt.want[0], moved.Title)
			assert.Equal(t, tt.want, titles(s.Queue()))
		})
	}
}

func TestSession_BumpOutOfRange(t *testing.T) {
	for _, pos := range []int{-1, 0, 1, 5} {
		t.Run(fmt.Sprint(pos), func(t *testing.T) {
			h := newHarness(t)
			s := queued(t, h, "A", "B", "C", "D")

			_, err := s.Bump(pos)
			var re *RangeError
			require.ErrorAs(t, err, &re)
			assert.Equal(t, "bump failed: position must be between 2 and 4", re.Error())
			assert.Equal(t, []string{"A", "B", "C", "D"}, titles(s.Queue()))
		})
	}
}

func TestSession_BumpQueueTooShort(t *testing.T) {
	h := newHarness(t)
	s := queued(t, h, "A")

	_, err := s.Bump(1)
	require.Error(t, err)
	assert.Equal(t, "bump failed: queue too short", err.Error())
	assert.Equal(t, []string{"A"}, titles(s.Queue()))
}

func TestSession_Remove(t *testing.T) {
	h := newHarness(t)
	s := queued(t, h, "A", "B", "C")
	b := s.Queue()[1]

	removed, err := s.Remove(2)
	require.NoError(t, err)
	assert.Equal(t, "B", removed.Title)
	assert.Equal(t, []string{"A", "C"}, titles(s.Queue()))
	assert.False(t, fileExists(b.Path))
}

func TestSession_RemoveInvalid(t *testing.T) {
	h := newHarness(t)
	s := h.m.GetOrCreate(context.Background(), testGuild)

	_, err := s.Remove(1)
	assert.EqualError(t, err, "remove failed: queue is empty")

	s = queued(t, h, "A", "B")
	for _, pos := range []int{0, 3} {
		_, err := s.Remove(pos)
		var re *RangeError
		require.ErrorAs(t, err, &re)
		assert.Equal(t, "remove failed: position must be between 1 and 2", re.Msg)
	}
	assert.Len(t, s.Queue(), 2)
}

func TestSession_RepeatRequeuesFinishedTrack(t *testing.T) {
	h := newHarness(t)
	s, sink := h.join(t)

	a := h.track(t, "A", time.Second)
	_, err := s.Enqueue(a)
	require.NoError(t, err)
	_, err = s.Enqueue(h.track(t, "B", time.Second))
	require.NoError(t, err)
	require.True(t, s.ToggleRepeat())

	sink.finishCurrent(nil)

	require.Eventually(t, func() bool { return sink.playCount() == 2 }, wait, tick)
	assert.Equal(t, "A", currentTitle(s), "repeated track renders again")
	assert.Equal(t, []string{"B"}, titles(s.Queue()), "repeated track is not duplicated")
	assert.True(t, fileExists(a.Path), "repeated track keeps its file")
}

func TestSession_SkipWithRepeatKeepsTrack(t *testing.T) {
	h := newHarness(t)
	s, sink := h.join(t)

	_, err := s.Enqueue(h.track(t, "A", time.Second))
	require.NoError(t, err)
	s.ToggleRepeat()

	skipped, err := s.Skip(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "A", skipped.Title)
	assert.Equal(t, 2, sink.playCount())
	assert.Equal(t, "A", currentTitle(s))
}

func TestSession_RenderFailureDropsTrackUnderRepeat(t *testing.T) {
	h := newHarness(t)
	s, sink := h.join(t)

	a := h.track(t, "A", time.Second)
	_, err := s.Enqueue(a)
	require.NoError(t, err)
	_, err = s.Enqueue(h.track(t, "B", time.Second))
	require.NoError(t, err)
	s.ToggleRepeat()

	sink.finishCurrent(errors.New("decode error"))

	require.Eventually(t, func() bool { return currentTitle(s) == "B" }, wait, tick)
	assert.False(t, fileExists(a.Path))
}

func TestSession_RefusedTrackIsSkipped(t *testing.T) {
	h := newHarness(t)
	s, sink := h.join(t)

	a := h.track(t, "A", time.Second)
	sink.failPaths[a.Path] = true

	_, err := s.Enqueue(a)
	var fe *FetchError
	require.ErrorAs(t, err, &fe)
	assert.False(t, fileExists(a.Path))

	pos, err := s.Enqueue(h.track(t, "B", time.Second))
	require.NoError(t, err)
	assert.Equal(t, 0, pos)
}

func TestSession_SkipNothingPlaying(t *testing.T) {
	h := newHarness(t)
	s, _ := h.join(t)

	_, err := s.Skip(context.Background())
	var np *NotPlayingError
	assert.ErrorAs(t, err, &np)
}

func TestSession_SkipAdvances(t *testing.T) {
	h := newHarness(t)
	s, _ := h.join(t)

	a := h.track(t, "A", time.Second)
	_, _ = s.Enqueue(a)
	_, _ = s.Enqueue(h.track(t, "B", time.Second))

	skipped, err := s.Skip(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "A", skipped.Title)
	assert.Equal(t, "B", currentTitle(s), "next track is selected when Skip returns")
	assert.False(t, fileExists(a.Path))
}

func TestSession_ShuffleDoesNotStarve(t *testing.T) {
	h := newHarness(t)
	s, sink := h.join(t)
	s.ToggleShuffle()

	names := []string{"A", "B", "C", "D", "E", "F"}
	for _, n := range names {
		_, err := s.Enqueue(h.track(t, n, time.Second))
		require.NoError(t, err)
	}

	played := map[string]bool{}
	for range names {
		np, ok := s.NowPlaying()
		require.True(t, ok)
		played[np.Track.Title] = true
		assert.NotContains(t, s.Queue(), np.Track)

		prev := sink.playCount()
		sink.finishCurrent(nil)
		require.Eventually(t, func() bool {
			_, playing := s.NowPlaying()
			return sink.playCount() > prev || !playing
		}, wait, tick)
	}
	assert.Len(t, played, len(names))
	assert.Empty(t, s.Queue())
}

func TestSession_ShufflePicksFromWholeQueue(t *testing.T) {
	h := newHarness(t)
	h.m.pick = func(n int) int { return n - 1 }
	s := queued(t, h, "A", "B", "C")
	s.ToggleShuffle()

	sink := newFakeSink(testVoice)
	require.NoError(t, s.attach(context.Background(), sink))
	assert.Equal(t, "C", currentTitle(s))
	assert.Equal(t, []string{"A", "B"}, titles(s.Queue()))
}

func TestSession_Toggles(t *testing.T) {
	h := newHarness(t)
	s := queued(t, h, "A", "B")

	assert.True(t, s.ToggleRepeat())
	assert.True(t, s.ToggleShuffle())
	repeat, shuffle := s.Flags()
	assert.True(t, repeat)
	assert.True(t, shuffle)
	assert.False(t, s.ToggleRepeat())
	assert.Equal(t, []string{"A", "B"}, titles(s.Queue()), "toggles leave the queue alone")
}

func TestSession_SetVolume(t *testing.T) {
	h := newHarness(t)
	s, sink := h.join(t)

	for _, v := range []int{-1, 101} {
		err := s.SetVolume(context.Background(), v)
		var re *RangeError
		require.ErrorAs(t, err, &re)
	}
	assert.Equal(t, 100, s.Volume())
	stored, _ := h.settings.Load(context.Background(), testGuild)
	assert.Equal(t, 100, stored.Volume)

	require.NoError(t, s.SetVolume(context.Background(), 40))
	stored, _ = h.settings.Load(context.Background(), testGuild)
	assert.Equal(t, 40, stored.Volume)

	_, err := s.Enqueue(h.track(t, "A", time.Second))
	require.NoError(t, err)
	assert.Equal(t, []int32{40}, sink.volumes)
}

func TestSession_SetIdle(t *testing.T) {
	h := newHarness(t)
	s := h.m.GetOrCreate(context.Background(), testGuild)

	assert.Error(t, s.SetIdle(context.Background(), 0))
	assert.Error(t, s.SetIdle(context.Background(), 31))
	require.NoError(t, s.SetIdle(context.Background(), 5))

	assert.Equal(t, 5*time.Minute, s.IdleThreshold())
	stored, _ := h.settings.Load(context.Background(), testGuild)
	assert.Equal(t, 300, stored.VoiceIdle)
}

func TestSession_Clear(t *testing.T) {
	h := newHarness(t)
	s := queued(t, h, "A", "B")
	q := s.Queue()

	assert.Equal(t, 2, s.Clear())
	assert.Empty(t, s.Queue())
	for _, tr := range q {
		assert.False(t, fileExists(tr.Path))
	}
}

func TestSession_ClosedRejectsEnqueue(t *testing.T) {
	h := newHarness(t)
	s, sink := h.join(t)
	a := h.track(t, "A", time.Second)
	_, _ = s.Enqueue(a)

	require.True(t, h.m.Leave(context.Background(), testGuild))
	assert.True(t, sink.isDisconnected())
	assert.False(t, fileExists(a.Path))

	late := h.track(t, "late", time.Second)
	_, err := s.Enqueue(late)
	assert.ErrorIs(t, err, ErrGroupGone)
	assert.False(t, fileExists(late.Path))
}

func TestSession_StoredVolumeIsClamped(t *testing.T) {
	tests := map[int]int{250: 100, -5: 0, 35: 35}
	for stored, want := range tests {
		t.Run(fmt.Sprint(stored), func(t *testing.T) {
			h := newHarness(t)
			h.settings.data[testGuild] = sys.GuildSettings{Volume: stored, VoiceIdle: testDefault}
			s, sink := h.join(t)
			assert.Equal(t, want, s.Volume())

			_, err := s.Enqueue(h.track(t, "A", time.Second))
			require.NoError(t, err)
			assert.Equal(t, []int32{int32(want)}, sink.volumes)
		})
	}
}

// startSlowly enqueues A on a sink whose input open blocks until the returned
// gate is closed, and waits until the open has begun.
func startSlowly(t *testing.T, h *harness) (*Session, *fakeSink, *Track, chan struct{}, chan error) {
	t.Helper()
	s, sink := h.join(t)
	gate := make(chan struct{})
	sink.mu.Lock()
	sink.opening = make(chan string, 1)
	sink.openGate = gate
	sink.mu.Unlock()

	a := h.track(t, "A", time.Second)
	enqueued := make(chan error, 1)
	go func() {
		_, err := s.Enqueue(a)
		enqueued <- err
	}()

	select {
	case <-sink.opening:
	case <-time.After(wait):
		t.Fatal("render never started")
	}
	return s, sink, a, gate, enqueued
}

func TestSession_StartingRenderDoesNotBlockReads(t *testing.T) {
	h := newHarness(t)
	s, _, _, gate, enqueued := startSlowly(t, h)

	read := make(chan []*Track, 1)
	go func() { read <- s.Queue() }()
	select {
	case q := <-read:
		assert.Empty(t, q, "the starting track has left the queue")
	case <-time.After(wait):
		t.Fatal("queue read blocked behind the input open")
	}
	_, ok := s.NowPlaying()
	assert.False(t, ok)

	h.clock.Advance(time.Hour)
	assert.Empty(t, h.m.Reap(context.Background(), h.clock.Now()), "a starting render counts as activity")

	close(gate)
	require.NoError(t, <-enqueued)
	assert.Equal(t, "A", currentTitle(s))
}

func TestSession_CloseWhileStarting(t *testing.T) {
	h := newHarness(t)
	s, sink, a, gate, enqueued := startSlowly(t, h)

	require.True(t, h.m.Leave(context.Background(), testGuild))
	close(gate)
	<-enqueued

	_, ok := s.NowPlaying()
	assert.False(t, ok)
	assert.False(t, fileExists(a.Path))
	assert.False(t, sink.IsRendering(), "the late render is stopped")
}
