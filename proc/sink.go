package proc

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/disgoorg/disgo/bot"
	"github.com/disgoorg/disgo/voice"
	"github.com/disgoorg/snowflake/v2"
	"github.com/leeineian/jukebox/sys"
)

var (
	OpusSilence     = []byte{0xf8, 0xff, 0xfe}
	SilenceDuration = 1 * time.Second
)

// Handle identifies one render started on a Sink.
type Handle uint64

// Sink is a guild's voice connection. onDone fires once per render from the
// sink's own goroutine, after natural end, Stop or a render failure.
type Sink interface {
	Play(path string, volume *atomic.Int32, onDone func(error)) (Handle, error)
	Stop(h Handle)
	IsRendering() bool
	ChannelID() snowflake.ID
	Move(ctx context.Context, channelID snowflake.ID) error
	Disconnect(ctx context.Context)
}

// Connector opens a voice connection for a guild.
type Connector interface {
	Connect(ctx context.Context, guildID, channelID snowflake.ID) (Sink, error)
}

// --- Discord voice connection ---

type DiscordConnector struct {
	Client *bot.Client
}

func (c *DiscordConnector) Connect(ctx context.Context, guildID, channelID snowflake.ID) (Sink, error) {
	sys.LogVoice(sys.MsgVoiceJoining, channelID, guildID)

	conn := c.Client.VoiceManager.CreateConn(guildID)

	var lastErr error
	for i := range 5 {
		if i > 0 {
			backoff := time.Duration(1<<uint(i-1)) * time.Second
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				conn.Close(context.Background())
				return nil, ctx.Err()
			}
		}
		if err := conn.Open(ctx, channelID, false, true); err != nil {
			lastErr = err
			continue
		}
		lastErr = nil
		break
	}

	if lastErr != nil {
		sys.LogVoice(sys.MsgVoiceJoinFail, guildID, 5, lastErr)
		conn.Close(context.Background())
		return nil, lastErr
	}

	return &discordSink{client: c.Client, conn: conn, guildID: guildID, channelID: channelID}, nil
}

type render struct {
	handle Handle
	cancel context.CancelFunc
}

type discordSink struct {
	client  *bot.Client
	conn    voice.Conn
	guildID snowflake.ID

	mu        sync.Mutex
	channelID snowflake.ID
	next      Handle
	active    *render
}

func (d *discordSink) ChannelID() snowflake.ID {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.channelID
}

// Move switches channels over the gateway; the voice connection follows the
// resulting server update without interrupting the render.
func (d *discordSink) Move(ctx context.Context, channelID snowflake.ID) error {
	sys.LogVoice(sys.MsgVoiceJoining, channelID, d.guildID)
	if err := d.client.UpdateVoiceState(ctx, d.guildID, &channelID, false, true); err != nil {
		return err
	}
	d.mu.Lock()
	d.channelID = channelID
	d.mu.Unlock()
	return nil
}

func (d *discordSink) IsRendering() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.active != nil
}

func (d *discordSink) Play(path string, volume *atomic.Int32, onDone func(error)) (Handle, error) {
	tr := NewAstiavTranscoder(volume)
	if err := tr.OpenInput(path); err != nil {
		tr.Close()
		return 0, err
	}
	if err := tr.SetupDecoder(); err != nil {
		tr.Close()
		return 0, err
	}
	if err := tr.SetupEncoder(); err != nil {
		tr.Close()
		return 0, err
	}

	ctx, cancel := context.WithCancel(context.Background())

	d.mu.Lock()
	if d.active != nil {
		d.active.cancel()
	}
	d.next++
	r := &render{handle: d.next, cancel: cancel}
	d.active = r
	d.mu.Unlock()

	p := NewStreamProvider(ctx)
	d.conn.SetOpusFrameProvider(p)

	// The connection may close the provider early (reconnect, replaced provider)
	go func() {
		select {
		case <-p.Finished():
			cancel()
		case <-ctx.Done():
		}
	}()

	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				sys.LogVoice(sys.MsgVoicePanicRecovered, "render", d.guildID, rec)
			}
		}()

		err := tr.Transcode(ctx, p.PushFrame)
		tr.Close()

		// Let the buffered frames play out before reporting the end
		select {
		case <-p.Finished():
		case <-ctx.Done():
		}

		d.mu.Lock()
		if d.active == r {
			d.active = nil
		}
		d.mu.Unlock()
		cancel()

		if errors.Is(err, context.Canceled) {
			err = nil
		}
		onDone(err)
	}()

	return r.handle, nil
}

func (d *discordSink) Stop(h Handle) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.active != nil && d.active.handle == h {
		d.active.cancel()
	}
}

func (d *discordSink) Disconnect(ctx context.Context) {
	d.mu.Lock()
	if d.active != nil {
		d.active.cancel()
	}
	d.mu.Unlock()

	sys.LogVoice(sys.MsgVoiceLeaving, d.guildID)
	d.conn.Close(ctx)
}

// --- Opus frame provider ---

// StreamProvider hands transcoded frames to the voice connection. A nil frame
// starts a short tail of silence, after which the provider reports EOF.
type StreamProvider struct {
	frames        chan []byte
	ctx           context.Context
	finished      chan struct{}
	once          sync.Once
	draining      bool
	silenceFrames int
}

func NewStreamProvider(ctx context.Context) *StreamProvider {
	return &StreamProvider{
		frames:   make(chan []byte, 100),
		ctx:      ctx,
		finished: make(chan struct{}),
	}
}

func (p *StreamProvider) Finished() <-chan struct{} {
	return p.finished
}

func (p *StreamProvider) Close() {
	p.once.Do(func() { close(p.finished) })
}

func (p *StreamProvider) PushFrame(f []byte) {
	select {
	case p.frames <- f:
	case <-p.ctx.Done():
	}
}

func (p *StreamProvider) ProvideOpusFrame() ([]byte, error) {
	if p.draining {
		target := int(SilenceDuration.Milliseconds() / 20)
		if p.silenceFrames < target {
			p.silenceFrames++
			return OpusSilence, nil
		}
		p.Close()
		return nil, io.EOF
	}

	select {
	case f := <-p.frames:
		if f == nil {
			p.draining = true
			return OpusSilence, nil
		}
		return f, nil
	case <-p.ctx.Done():
		p.Close()
		return nil, io.EOF
	case <-time.After(500 * time.Millisecond):
		return OpusSilence, nil
	}
}
