package proc

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/leeineian/jukebox/sys"
)

// Fetcher downloads a resolved track into a local file.
type Fetcher interface {
	Fetch(ctx context.Context, t *Track) (*Track, error)
}

// YtdlpFetcher downloads best audio with yt-dlp into CacheDir. Each fetch writes
// to its own uuid named file so concurrent requests for the same upstream track
// never share a path. At most FetchWorkers downloads run at once.
type YtdlpFetcher struct {
	CacheDir    string
	MaxDuration time.Duration
	Proxy       string
	Timeout     time.Duration

	sem chan struct{}
}

func NewYtdlpFetcher(cfg sys.MusicConfig, proxy string) *YtdlpFetcher {
	return &YtdlpFetcher{
		CacheDir:    cfg.CacheDir,
		MaxDuration: cfg.MaxDurationLimit(),
		Proxy:       proxy,
		Timeout:     5 * time.Minute,
		sem:         make(chan struct{}, cfg.FetchWorkers),
	}
}

func (f *YtdlpFetcher) Fetch(ctx context.Context, t *Track) (*Track, error) {
	if f.MaxDuration > 0 && t.Duration > f.MaxDuration {
		return nil, &FetchError{Title: t.Title, Err: ErrTooLong}
	}

	select {
	case f.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, &FetchError{Title: t.Title, Err: ctx.Err()}
	}
	defer func() { <-f.sem }()

	ctx, cancel := context.WithTimeout(ctx, f.Timeout)
	defer cancel()

	id := uuid.New().String()
	output := filepath.Join(f.CacheDir, id+".%(ext)s")

	res, err := newYtdlp(f.Proxy).
		Format("bestaudio[ext=webm]/bestaudio[ext=m4a]/bestaudio/best").
		Output(output).
		NoSimulate().
		NoPart().
		NoPlaylist().
		Print("after_move:%(filepath)s\t%(duration)s").
		Run(ctx, append(buildYtdlpArgs(), t.Source)...)
	if err != nil {
		removeFetchLeftovers(f.CacheDir, id)
		return nil, &FetchError{Title: t.Title, Err: ytdlpError(res, err)}
	}

	path, d := parseFetchOutput(res.Stdout)
	if path == "" {
		removeFetchLeftovers(f.CacheDir, id)
		return nil, &FetchError{Title: t.Title, Err: errors.New("yt-dlp reported no output file")}
	}

	if f.MaxDuration > 0 && d > f.MaxDuration {
		_ = os.Remove(path)
		return nil, &FetchError{Title: t.Title, Err: ErrTooLong}
	}

	if info, err := os.Stat(path); err == nil {
		sys.LogVoice(sys.MsgVoiceFetched, filepath.Base(path), humanize.Bytes(uint64(info.Size())))
	} else {
		return nil, &FetchError{Title: t.Title, Err: fmt.Errorf("downloaded file missing: %w", err)}
	}

	return t.WithPath(path, d), nil
}

// parseFetchOutput reads the "filepath\tduration" line printed after the move step.
func parseFetchOutput(stdout string) (string, time.Duration) {
	lines := strings.Split(strings.TrimSpace(stdout), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		ps := strings.Split(lines[i], "\t")
		if p := naToEmpty(ps[0]); p != "" {
			var d time.Duration
			if len(ps) > 1 {
				d = parseSeconds(ps[1])
			}
			return p, d
		}
	}
	return "", 0
}

func removeFetchLeftovers(dir, id string) {
	matches, _ := filepath.Glob(filepath.Join(dir, id+".*"))
	for _, m := range matches {
		_ = os.Remove(m)
	}
}

// ResetCacheDir empties the download directory left over from a previous run.
func ResetCacheDir(dir string) error {
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf(sys.MsgVoiceCacheCleanFail, err)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf(sys.MsgVoiceCacheCreateFail, err)
	}
	return nil
}
