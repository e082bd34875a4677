package proc

import (
	"errors"
	"io/fs"
	"os"
	"sync"
	"time"

	"github.com/leeineian/jukebox/sys"
)

// Track is a resolved song. Resolver output has no Path; the Fetcher returns
// a copy with Path pointing at the downloaded file.
type Track struct {
	Title     string
	Uploader  string
	Duration  time.Duration
	Thumbnail string
	Source    string // upstream URL handed to the fetcher
	Path      string

	cleanupOnce sync.Once
}

// WithPath returns a copy of the track backed by a local file.
func (t *Track) WithPath(path string, d time.Duration) *Track {
	nt := &Track{
		Title:     t.Title,
		Uploader:  t.Uploader,
		Duration:  t.Duration,
		Thumbnail: t.Thumbnail,
		Source:    t.Source,
		Path:      path,
	}
	if d > 0 {
		nt.Duration = d
	}
	return nt
}

// Cleanup removes the backing file. Only the first call has an effect.
func (t *Track) Cleanup() {
	t.cleanupOnce.Do(func() {
		if t.Path == "" {
			return
		}
		if err := os.Remove(t.Path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			sys.LogVoice(sys.MsgVoiceCleanFail, t.Path, err)
			return
		}
		sys.LogDebug(sys.MsgVoiceCleaned, t.Path)
	})
}

func (t *Track) String() string {
	if t.Duration > 0 {
		return t.Title + " [" + sys.FormatClock(t.Duration) + "]"
	}
	return t.Title
}
