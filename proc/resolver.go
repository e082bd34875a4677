package proc

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ppalone/ytsearch"
	"github.com/samber/lo"
)

// Resolver turns a query into track metadata without downloading audio.
type Resolver interface {
	Resolve(ctx context.Context, query string) ([]*Track, error)
}

type InputKind int

const (
	InputSearch InputKind = iota
	InputLink
)

// Classify tags a query as a link when it starts with a URL scheme.
func Classify(query string) InputKind {
	q := strings.ToLower(strings.TrimSpace(query))
	if strings.HasPrefix(q, "http://") || strings.HasPrefix(q, "https://") {
		return InputLink
	}
	if i := strings.Index(q, "://"); i > 0 && !strings.ContainsAny(q[:i], " \t") {
		return InputLink
	}
	return InputSearch
}

const trackFields = "%(webpage_url,url)s\t%(title)s\t%(uploader)s\t%(duration)s\t%(thumbnail)s"

// YtdlpResolver resolves searches through ytsearch with a yt-dlp fallback, and
// links (single videos or playlists) through yt-dlp's flat playlist mode.
type YtdlpResolver struct {
	MaxDuration   time.Duration
	PlaylistLimit int
	Proxy         string

	// search is swapped in tests
	search func(ctx context.Context, q string) ([]*Track, error)
}

func NewYtdlpResolver(maxDuration time.Duration, playlistLimit int, proxy string) *YtdlpResolver {
	return &YtdlpResolver{
		MaxDuration:   maxDuration,
		PlaylistLimit: playlistLimit,
		Proxy:         proxy,
	}
}

func (r *YtdlpResolver) Resolve(ctx context.Context, query string) ([]*Track, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, &ResolutionError{Query: query}
	}

	var tracks []*Track
	var err error
	if Classify(query) == InputLink {
		tracks, err = r.resolveLink(ctx, query)
	} else {
		search := r.search
		if search == nil {
			search = r.searchFirst
		}
		tracks, err = search(ctx, query)
	}
	if err != nil {
		return nil, &ResolutionError{Query: query, Err: err}
	}

	tracks = r.filter(tracks)
	if len(tracks) == 0 {
		return nil, &ResolutionError{Query: query}
	}
	return tracks, nil
}

// filter drops entries over the duration ceiling. Unknown durations pass and
// are checked again after download.
func (r *YtdlpResolver) filter(tracks []*Track) []*Track {
	return lo.Filter(tracks, func(t *Track, _ int) bool {
		if t == nil || t.Source == "" {
			return false
		}
		return r.MaxDuration <= 0 || t.Duration <= r.MaxDuration
	})
}

func (r *YtdlpResolver) searchFirst(ctx context.Context, query string) ([]*Track, error) {
	if t, err := fastSearch(ctx, query); err == nil {
		return []*Track{t}, nil
	}

	res, err := newYtdlp(r.Proxy).
		FlatPlaylist().
		Print(trackFields).
		Run(ctx, append(buildYtdlpArgs(), "ytsearch1:"+query)...)
	if err != nil {
		return nil, ytdlpError(res, err)
	}
	return parseTrackLines(res.Stdout), nil
}

func (r *YtdlpResolver) resolveLink(ctx context.Context, u string) ([]*Track, error) {
	u = strings.Replace(u, "music.youtube.com", "www.youtube.com", 1)

	res, err := newYtdlp(r.Proxy).
		FlatPlaylist().
		Print(trackFields).
		PlaylistItems(fmt.Sprintf("1-%d", r.PlaylistLimit)).
		Run(ctx, append(buildYtdlpArgs(), "--yes-playlist", u)...)
	if err != nil {
		return nil, ytdlpError(res, err)
	}
	return parseTrackLines(res.Stdout), nil
}

// fastSearch asks ytsearch for the top video, skipping the yt-dlp process spawn.
func fastSearch(ctx context.Context, query string) (*Track, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	c := ytsearch.NewClient(nil)
	res, err := c.Search(ctx, query)
	if err != nil {
		return nil, err
	}
	for _, v := range res.Results {
		if v.VideoID == "" {
			continue
		}
		return &Track{
			Title:     v.Title,
			Uploader:  v.Channel,
			Duration:  parseDurationColon(v.Duration),
			Thumbnail: "https://i.ytimg.com/vi/" + v.VideoID + "/hqdefault.jpg",
			Source:    "https://www.youtube.com/watch?v=" + v.VideoID,
		}, nil
	}
	return nil, fmt.Errorf("no results")
}

// parseTrackLines reads the tab separated trackFields output, one entry per line.
func parseTrackLines(stdout string) []*Track {
	var tracks []*Track
	for _, l := range strings.Split(strings.TrimSpace(stdout), "\n") {
		ps := strings.Split(l, "\t")
		if len(ps) < 4 {
			continue
		}
		src := naToEmpty(ps[0])
		if src == "" {
			continue
		}
		title := naToEmpty(ps[1])
		if title == "" {
			title = src
		}
		t := &Track{
			Source:   src,
			Title:    title,
			Uploader: naToEmpty(ps[2]),
			Duration: parseSeconds(ps[3]),
		}
		if len(ps) >= 5 {
			t.Thumbnail = naToEmpty(ps[4])
		}
		tracks = append(tracks, t)
	}
	return tracks
}
