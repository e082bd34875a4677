package home

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/disgoorg/snowflake/v2"
	"github.com/leeineian/jukebox/proc"
	"github.com/leeineian/jukebox/sys"
	"golang.org/x/time/rate"
)

var (
	errNoVoice       = errors.New("join a voice channel first")
	errSlowDown      = errors.New("too many play requests, slow down")
	errUnknown       = errors.New("unknown command")
	errStatsDisabled = errors.New("stats lookup is not configured")
)

// Caller describes who issued a command and from where.
type Caller struct {
	GuildID        snowflake.ID
	ChannelID      snowflake.ID
	UserID         snowflake.ID
	RoleIDs        []snowflake.ID
	GuildOwnerID   snowflake.ID
	VoiceChannelID *snowflake.ID
}

// SettingsStore is the per-guild settings document used for permissions.
type SettingsStore interface {
	Load(ctx context.Context, guildID snowflake.ID) (sys.GuildSettings, error)
	Update(ctx context.Context, guildID snowflake.ID, fn func(*sys.GuildSettings)) (sys.GuildSettings, error)
}

type access int

const (
	accessAnyone access = iota
	accessElevated
	accessOwner
)

type command struct {
	usage  string
	help   string
	access access
	run    func(ctx context.Context, c Caller, args []string) (string, error)
}

// Router turns a textual command line into a reply. It backs both the slash
// commands and prefix messages.
type Router struct {
	music    *proc.Manager
	settings SettingsStore
	owners   []snowflake.ID
	stats    *StatsClient
	dice     *Dice

	playMu     sync.Mutex
	playLimits map[snowflake.ID]*rate.Limiter
	playEvery  time.Duration
	playBurst  int

	commands map[string]command
}

type RouterOptions struct {
	Music    *proc.Manager
	Settings SettingsStore
	Owners   []snowflake.ID
	Stats    *StatsClient
	Dice     *Dice
}

func NewRouter(o RouterOptions) *Router {
	r := &Router{
		music:      o.Music,
		settings:   o.Settings,
		owners:     o.Owners,
		stats:      o.Stats,
		dice:       o.Dice,
		playLimits: make(map[snowflake.ID]*rate.Limiter),
		playEvery:  2 * time.Second,
		playBurst:  3,
	}
	if r.dice == nil {
		r.dice = NewDice(nil)
	}
	r.commands = map[string]command{
		"play":       {usage: "play <query>", help: "Play a song or playlist from a search or link", run: r.play},
		"queue":      {usage: "queue", help: "Show the queue", run: r.queue},
		"nowplaying": {usage: "nowplaying", help: "Show the current track", run: r.nowPlaying},
		"join":       {usage: "join", help: "Join your voice channel", run: r.join},
		"bump":       {usage: "bump <n>", help: "Move a queued track to the front", access: accessElevated, run: r.bump},
		"remove":     {usage: "remove <n>", help: "Remove a queued track", access: accessElevated, run: r.remove},
		"skip":       {usage: "skip", help: "Skip the current track", access: accessElevated, run: r.skip},
		"repeat":     {usage: "repeat", help: "Toggle repeat", access: accessElevated, run: r.repeat},
		"shuffle":    {usage: "shuffle", help: "Toggle shuffle", access: accessElevated, run: r.shuffle},
		"clear":      {usage: "clear", help: "Empty the queue", access: accessElevated, run: r.clear},
		"leave":      {usage: "leave", help: "Stop and leave voice", access: accessElevated, run: r.leave},
		"volume":     {usage: "volume [0-100]", help: "Show or set the volume", run: r.volume},
		"idle":       {usage: "idle [1-30]", help: "Show or set the idle timeout in minutes", run: r.idle},
		"roll":       {usage: "roll [NdM]", help: "Roll dice, 1d6 by default", run: r.roll},
		"stats":      {usage: "stats <player>", help: "Look up game statistics", run: r.lookupStats},
		"perms":      {usage: "perms list | perms add|remove user|role|channel <id>", help: "Manage who may control playback", access: accessOwner, run: r.perms},
		"help":       {usage: "help", help: "List commands", run: r.helpText},
	}
	return r
}

// Dispatch runs one command line and always returns a reply.
func (r *Router) Dispatch(ctx context.Context, c Caller, line string) (reply string) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return formatError(errUnknown)
	}
	name := strings.ToLower(fields[0])

	defer func() {
		if rec := recover(); rec != nil {
			sys.LogError(sys.MsgCommandPanic, name, rec)
			reply = sys.MsgReplyGeneric
		}
	}()
	cmd, ok := r.commands[name]
	if !ok {
		return formatError(errUnknown)
	}

	if err := r.authorize(ctx, c, cmd.access); err != nil {
		return formatError(err)
	}

	out, err := cmd.run(ctx, c, fields[1:])
	if err != nil {
		sys.LogDebug(sys.MsgCommandFailed, name, c.GuildID, err)
		return formatError(err)
	}
	return out
}

// formatError maps the error taxonomy onto user facing replies.
func formatError(err error) string {
	var (
		syntaxErr     *proc.SyntaxError
		rangeErr      *proc.RangeError
		permErr       *proc.PermissionError
		resolveErr    *proc.ResolutionError
		fetchErr      *proc.FetchError
		notPlayingErr *proc.NotPlayingError
		upstreamErr   *proc.UpstreamUnavailableError
	)
	switch {
	case errors.As(err, &syntaxErr):
		return syntaxErr.Error()
	case errors.As(err, &rangeErr):
		return rangeErr.Error()
	case errors.As(err, &permErr):
		return permErr.Error()
	case errors.As(err, &resolveErr):
		return "Could not find that. Try again."
	case errors.As(err, &fetchErr):
		if errors.Is(err, proc.ErrTooLong) {
			return "That track is too long."
		}
		return "Could not download that track. Try again."
	case errors.As(err, &notPlayingErr):
		return "Nothing is playing."
	case errors.As(err, &upstreamErr):
		return fmt.Sprintf("The %s service is busy, try again later.", upstreamErr.Service)
	case errors.Is(err, proc.ErrNotConnected):
		return "I'm not in a voice channel."
	case errors.Is(err, proc.ErrGroupGone):
		return "Playback was stopped while that was loading."
	case errors.Is(err, errNoVoice), errors.Is(err, errSlowDown), errors.Is(err, errStatsDisabled):
		return capitalize(err.Error()) + "."
	case errors.Is(err, errUnknown):
		return "Unknown command. Try help."
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return "That took too long, try again."
	}
	sys.LogError(sys.MsgGenericError, err)
	return sys.MsgReplyGeneric
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

func (r *Router) allowPlay(guildID snowflake.ID) bool {
	r.playMu.Lock()
	defer r.playMu.Unlock()
	l, ok := r.playLimits[guildID]
	if !ok {
		l = rate.NewLimiter(rate.Every(r.playEvery), r.playBurst)
		r.playLimits[guildID] = l
	}
	return l.Allow()
}

func (r *Router) helpText(ctx context.Context, c Caller, args []string) (string, error) {
	names := make([]string, 0, len(r.commands))
	for n := range r.commands {
		names = append(names, n)
	}
	sort.Strings(names)

	var sb strings.Builder
	sb.WriteString("Commands:\n")
	for _, n := range names {
		cmd := r.commands[n]
		fmt.Fprintf(&sb, "%s - %s", cmd.usage, cmd.help)
		switch cmd.access {
		case accessElevated:
			sb.WriteString(" (elevated)")
		case accessOwner:
			sb.WriteString(" (owner)")
		}
		sb.WriteString("\n")
	}
	return strings.TrimRight(sb.String(), "\n"), nil
}
