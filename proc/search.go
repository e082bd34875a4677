package proc

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/leeineian/jukebox/sys"
	"github.com/ppalone/ytsearch"
	"github.com/raitonoberu/ytmusic"
)

const (
	maxSuggestions = 25
	suggestTTL     = 10 * time.Minute
	suggestTimeout = 2300 * time.Millisecond
)

// Suggestion is an autocomplete choice for play.
type Suggestion struct {
	Title string
	URL   string
}

type suggestEntry struct {
	results []Suggestion
	expires time.Time
}

// Suggester queries YouTube Music and YouTube in parallel and merges the
// results, music first. Answers are cached per query for a few minutes since
// autocomplete fires on every keystroke.
type Suggester struct {
	now func() time.Time

	// overridable in tests
	music func(query string) []Suggestion
	video func(ctx context.Context, query string) []Suggestion

	mu    sync.Mutex
	cache map[string]suggestEntry
}

func NewSuggester() *Suggester {
	return &Suggester{
		now:   time.Now,
		music: musicSuggestions,
		video: videoSuggestions,
		cache: make(map[string]suggestEntry),
	}
}

func (s *Suggester) Suggest(ctx context.Context, query string) []Suggestion {
	query = strings.TrimSpace(query)
	if query == "" || Classify(query) == InputLink {
		return nil
	}
	key := strings.ToLower(query)

	s.mu.Lock()
	if e, ok := s.cache[key]; ok && s.now().Before(e.expires) {
		s.mu.Unlock()
		return e.results
	}
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, suggestTimeout)
	defer cancel()

	musicCh := make(chan []Suggestion, 1)
	videoCh := make(chan []Suggestion, 1)
	sys.SafeGo(func() { musicCh <- s.music(query) })
	sys.SafeGo(func() { videoCh <- s.video(ctx, query) })

	// ytmusic takes no context, so a slow lookup is abandoned rather than awaited
	var ytm, yt []Suggestion
	for range 2 {
		select {
		case ytm = <-musicCh:
		case yt = <-videoCh:
		case <-ctx.Done():
		}
	}

	out := mergeSuggestions(ytm, yt)

	s.mu.Lock()
	now := s.now()
	for k, e := range s.cache {
		if now.After(e.expires) {
			delete(s.cache, k)
		}
	}
	if len(out) > 0 {
		s.cache[key] = suggestEntry{results: out, expires: now.Add(suggestTTL)}
	}
	s.mu.Unlock()
	return out
}

// mergeSuggestions concatenates the lists, dropping repeated URLs and
// capping the result at the Discord choice limit.
func mergeSuggestions(lists ...[]Suggestion) []Suggestion {
	seen := make(map[string]bool)
	var out []Suggestion
	for _, l := range lists {
		for _, r := range l {
			if r.URL == "" || seen[r.URL] {
				continue
			}
			seen[r.URL] = true
			out = append(out, r)
			if len(out) == maxSuggestions {
				return out
			}
		}
	}
	return out
}

func musicSuggestions(query string) []Suggestion {
	r, err := ytmusic.TrackSearch(query).Next()
	if err != nil {
		return nil
	}
	var out []Suggestion
	for _, v := range r.Tracks {
		if v.VideoID == "" {
			continue
		}
		title := v.Title
		if len(v.Artists) > 0 {
			title += " - " + v.Artists[0].Name
		}
		out = append(out, Suggestion{
			Title: "[YTM] " + title,
			URL:   "https://music.youtube.com/watch?v=" + v.VideoID,
		})
	}
	return out
}

func videoSuggestions(ctx context.Context, query string) []Suggestion {
	res, err := ytsearch.NewClient(nil).Search(ctx, query)
	if err != nil {
		return nil
	}
	var out []Suggestion
	for _, v := range res.Results {
		if v.VideoID == "" {
			continue
		}
		out = append(out, Suggestion{
			Title: "[YT] " + v.Title,
			URL:   "https://www.youtube.com/watch?v=" + v.VideoID,
		})
	}
	return out
}
