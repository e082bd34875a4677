package proc

import (
	"context"
	"time"

	"github.com/disgoorg/snowflake/v2"
	"github.com/leeineian/jukebox/sys"
)

// Reap runs one idle check over every connected session and returns the
// guilds it disconnected. A panic in one session is logged and the scan
// moves on to the next.
func (m *Manager) Reap(ctx context.Context, now time.Time) []snowflake.ID {
	var out []snowflake.ID
	for _, s := range m.Sessions() {
		if m.reapOne(ctx, s, now) {
			out = append(out, s.GuildID)
		}
	}
	return out
}

func (m *Manager) reapOne(ctx context.Context, s *Session, now time.Time) (disconnected bool) {
	defer func() {
		if r := recover(); r != nil {
			sys.LogReaper(sys.MsgVoicePanicRecovered, "reaper", s.GuildID, r)
			disconnected = false
		}
	}()
	return s.reap(ctx, now)
}

// ReaperDaemon returns a starter for sys.RegisterDaemon that checks all
// sessions every tick until the app context ends or the daemon is shut down.
func ReaperDaemon(m *Manager, tick time.Duration) func(ctx context.Context) (bool, func(), func()) {
	return func(ctx context.Context) (bool, func(), func()) {
		if tick <= 0 {
			return false, nil, nil
		}
		stop := make(chan struct{})
		done := make(chan struct{})

		run := func() {
			defer close(done)
			t := time.NewTicker(tick)
			defer t.Stop()
			for {
				select {
				case <-t.C:
					m.Reap(ctx, m.now())
				case <-stop:
					return
				case <-ctx.Done():
					return
				}
			}
		}

		shutdown := func() {
			sys.LogReaper(sys.MsgDaemonStopping)
			close(stop)
			<-done
		}
		return true, run, shutdown
	}
}
