package home

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/leeineian/jukebox/proc"
	"github.com/leeineian/jukebox/sys"
	"github.com/samber/lo"
	"golang.org/x/time/rate"
)

const statsService = "stats"

// StatsClient looks players up on an HTTP endpoint. URL holds a {player}
// placeholder. Calls are rate limited globally; a call over the limit is
// reported as the service being busy rather than queued.
type StatsClient struct {
	URL     string
	HTTP    *http.Client
	limiter *rate.Limiter
}

func NewStatsClient(endpoint string, client *http.Client) *StatsClient {
	if client == nil {
		client = sys.HttpClient
	}
	return &StatsClient{
		URL:     endpoint,
		HTTP:    client,
		limiter: rate.NewLimiter(rate.Every(time.Second), 5),
	}
}

// Lookup returns the player's stats as sorted "key: value" lines.
func (s *StatsClient) Lookup(ctx context.Context, player string) (string, error) {
	if !s.limiter.Allow() {
		return "", &proc.UpstreamUnavailableError{Service: statsService}
	}

	u := strings.ReplaceAll(s.URL, "{player}", url.QueryEscape(player))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.HTTP.Do(req)
	if err != nil {
		return "", &proc.UpstreamUnavailableError{Service: statsService, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", &proc.UpstreamUnavailableError{Service: statsService, Err: fmt.Errorf("status %s", resp.Status)}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", &proc.UpstreamUnavailableError{Service: statsService, Err: err}
	}

	var data map[string]any
	if err := json.Unmarshal(body, &data); err != nil {
		return "", &proc.UpstreamUnavailableError{Service: statsService, Err: err}
	}
	return formatStats(data), nil
}

// formatStats flattens nested objects into dotted keys, one sorted line each.
func formatStats(data map[string]any) string {
	flat := make(map[string]string)
	flattenStats("", data, flat)
	if len(flat) == 0 {
		return "No stats found."
	}
	keys := lo.Keys(flat)
	slices.Sort(keys)
	return strings.Join(lo.Map(keys, func(k string, _ int) string { return k + ": " + flat[k] }), "\n")
}

func flattenStats(prefix string, v any, out map[string]string) {
	switch val := v.(type) {
	case map[string]any:
		for k, child := range val {
			key := k
			if prefix != "" {
				key = prefix + "." + k
			}
			flattenStats(key, child, out)
		}
	case []any:
		parts := lo.Map(val, func(item any, _ int) string { return fmt.Sprint(item) })
		out[prefix] = strings.Join(parts, ", ")
	case nil:
		out[prefix] = "-"
	case float64:
		out[prefix] = strings.TrimSuffix(strings.TrimRight(fmt.Sprintf("%.2f", val), "0"), ".")
	default:
		out[prefix] = fmt.Sprint(val)
	}
}

func (r *Router) lookupStats(ctx context.Context, c Caller, args []string) (string, error) {
	if len(args) == 0 {
		return "", &proc.SyntaxError{Usage: "stats <player>"}
	}
	if r.stats == nil || r.stats.URL == "" {
		return "", errStatsDisabled
	}
	player := strings.Join(args, " ")
	out, err := r.stats.Lookup(ctx, player)
	if err != nil {
		sys.LogWarn(sys.MsgStatsLookupFail, player, err)
		return "", err
	}
	return "Stats for " + player + ":\n" + out, nil
}
