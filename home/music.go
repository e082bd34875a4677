package home

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/leeineian/jukebox/proc"
	"github.com/leeineian/jukebox/sys"
)

const queuePageSize = 10

func (r *Router) play(ctx context.Context, c Caller, args []string) (string, error) {
	if len(args) == 0 {
		return "", &proc.SyntaxError{Usage: "play <query>"}
	}
	if c.VoiceChannelID == nil {
		return "", errNoVoice
	}
	if !r.allowPlay(c.GuildID) {
		return "", errSlowDown
	}

	res, err := r.music.Play(ctx, proc.PlayRequest{
		GuildID:        c.GuildID,
		VoiceChannelID: *c.VoiceChannelID,
		TextChannelID:  c.ChannelID,
		Query:          strings.Join(args, " "),
	})
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	switch {
	case res.First == nil:
		sb.WriteString("Could not download the first track.")
	case res.Position == 0:
		fmt.Fprintf(&sb, "Starting %s", res.First)
	default:
		fmt.Fprintf(&sb, "Queued %s at position %d", res.First, res.Position)
	}
	if more := res.Resolved - 1; more > 0 {
		fmt.Fprintf(&sb, "\nLoading %d more from the playlist.", more)
	}
	return sb.String(), nil
}

func (r *Router) queue(ctx context.Context, c Caller, args []string) (string, error) {
	var (
		repeat, shuffle bool
		q               []*proc.Track
		sb              strings.Builder
	)
	s := r.music.Session(c.GuildID)
	if s != nil {
		repeat, shuffle = s.Flags()
		q = s.Queue()
	}

	if np, ok := nowPlayingOf(s); ok {
		fmt.Fprintf(&sb, "Now playing: %s (%s elapsed)\n", np.Track, sys.FormatClock(np.Elapsed))
	} else {
		sb.WriteString("Nothing is playing.\n")
	}

	if len(q) == 0 {
		sb.WriteString("The queue is empty.")
	} else {
		var total time.Duration
		for i, t := range q {
			total += t.Duration
			if i < queuePageSize {
				fmt.Fprintf(&sb, "%d. %s\n", i+1, t)
			}
		}
		if len(q) > queuePageSize {
			fmt.Fprintf(&sb, "...and %d more\n", len(q)-queuePageSize)
		}
		fmt.Fprintf(&sb, "%d tracks, %s total", len(q), sys.FormatClock(total))
	}
	fmt.Fprintf(&sb, "\nRepeat: %s, Shuffle: %s", onOff(repeat), onOff(shuffle))
	return sb.String(), nil
}

func (r *Router) nowPlaying(ctx context.Context, c Caller, args []string) (string, error) {
	np, ok := nowPlayingOf(r.music.Session(c.GuildID))
	if !ok {
		return "", &proc.NotPlayingError{}
	}
	out := fmt.Sprintf("Now playing: %s\n%s / %s", np.Track.Title, sys.FormatClock(np.Elapsed), sys.FormatClock(np.Track.Duration))
	if np.Track.Uploader != "" {
		out += "\nBy " + np.Track.Uploader
	}
	return out, nil
}

func nowPlayingOf(s *proc.Session) (proc.NowPlayingInfo, bool) {
	if s == nil {
		return proc.NowPlayingInfo{}, false
	}
	return s.NowPlaying()
}

func (r *Router) join(ctx context.Context, c Caller, args []string) (string, error) {
	if c.VoiceChannelID == nil {
		return "", errNoVoice
	}
	if _, err := r.music.Join(ctx, c.GuildID, *c.VoiceChannelID, c.ChannelID); err != nil {
		return "", err
	}
	return "Joined <#" + c.VoiceChannelID.String() + ">.", nil
}

func (r *Router) leave(ctx context.Context, c Caller, args []string) (string, error) {
	if !r.music.Leave(ctx, c.GuildID) {
		return "", proc.ErrNotConnected
	}
	return "Left voice and cleared the queue.", nil
}

// positionArg parses the single 1-based position argument of bump and remove.
func positionArg(args []string, usage string) (int, error) {
	if len(args) != 1 {
		return 0, &proc.SyntaxError{Usage: usage}
	}
	n, err := strconv.Atoi(args[0])
	if err != nil {
		return 0, &proc.SyntaxError{Usage: usage}
	}
	return n, nil
}

func (r *Router) bump(ctx context.Context, c Caller, args []string) (string, error) {
	n, err := positionArg(args, "bump <n>")
	if err != nil {
		return "", err
	}
	s := r.music.Session(c.GuildID)
	if s == nil {
		return "", &proc.RangeError{Msg: "bump failed: queue too short"}
	}
	t, err := s.Bump(n)
	if err != nil {
		return "", err
	}
	return "Moved " + t.String() + " to the front.", nil
}

func (r *Router) remove(ctx context.Context, c Caller, args []string) (string, error) {
	n, err := positionArg(args, "remove <n>")
	if err != nil {
		return "", err
	}
	s := r.music.Session(c.GuildID)
	if s == nil {
		return "", &proc.RangeError{Msg: "remove failed: queue is empty"}
	}
	t, err := s.Remove(n)
	if err != nil {
		return "", err
	}
	return "Removed " + t.String() + ".", nil
}

func (r *Router) skip(ctx context.Context, c Caller, args []string) (string, error) {
	s := r.music.Session(c.GuildID)
	if s == nil {
		return "", &proc.NotPlayingError{}
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	t, err := s.Skip(ctx)
	if err != nil {
		return "", err
	}
	return "Skipped " + t.String() + ".", nil
}

func (r *Router) repeat(ctx context.Context, c Caller, args []string) (string, error) {
	on := r.music.GetOrCreate(ctx, c.GuildID).ToggleRepeat()
	return "Repeat is now " + onOff(on) + ".", nil
}

func (r *Router) shuffle(ctx context.Context, c Caller, args []string) (string, error) {
	on := r.music.GetOrCreate(ctx, c.GuildID).ToggleShuffle()
	return "Shuffle is now " + onOff(on) + ".", nil
}

func (r *Router) clear(ctx context.Context, c Caller, args []string) (string, error) {
	n := 0
	if s := r.music.Session(c.GuildID); s != nil {
		n = s.Clear()
	}
	return fmt.Sprintf("Cleared %d tracks.", n), nil
}

func (r *Router) volume(ctx context.Context, c Caller, args []string) (string, error) {
	if len(args) == 0 {
		if s := r.music.Session(c.GuildID); s != nil {
			return fmt.Sprintf("Volume is %d.", s.Volume()), nil
		}
		g, err := r.settings.Load(ctx, c.GuildID)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("Volume is %d.", g.PlaybackVolume()), nil
	}
	if err := r.authorize(ctx, c, accessElevated); err != nil {
		return "", err
	}
	v, err := strconv.Atoi(args[0])
	if err != nil || len(args) > 1 {
		return "", &proc.SyntaxError{Usage: "volume [0-100]"}
	}
	if err := r.music.GetOrCreate(ctx, c.GuildID).SetVolume(ctx, v); err != nil {
		return "", err
	}
	return fmt.Sprintf("Volume set to %d.", v), nil
}

func (r *Router) idle(ctx context.Context, c Caller, args []string) (string, error) {
	if len(args) == 0 {
		if s := r.music.Session(c.GuildID); s != nil {
			return "Idle timeout is " + sys.FormatDuration(s.IdleThreshold()) + ".", nil
		}
		g, err := r.settings.Load(ctx, c.GuildID)
		if err != nil {
			return "", err
		}
		return "Idle timeout is " + sys.FormatDuration(g.IdleThreshold()) + ".", nil
	}
	if err := r.authorize(ctx, c, accessElevated); err != nil {
		return "", err
	}
	m, err := strconv.Atoi(args[0])
	if err != nil || len(args) > 1 {
		return "", &proc.SyntaxError{Usage: "idle [1-30]"}
	}
	if err := r.music.GetOrCreate(ctx, c.GuildID).SetIdle(ctx, m); err != nil {
		return "", err
	}
	return fmt.Sprintf("Idle timeout set to %d minutes.", m), nil
}

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}
