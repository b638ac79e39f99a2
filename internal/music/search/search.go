// Package search finds videos on YouTube by scraping the results page.
package search

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/keshon/groovebox/pkg/retrylimit"
	"github.com/rs/zerolog"
	"github.com/samber/lo"
)

type ResultType string

const (
	TypeVideo    ResultType = "video"
	TypePlaylist ResultType = "playlist"
	TypeChannel  ResultType = "channel"
)

const maxPageSize = 8 << 20

var ErrEmptyQuery = errors.New("search query is empty")

// Result is one search hit. Duration is the text shown by YouTube ("3:45"),
// empty for live streams, playlists and channels.
type Result struct {
	Type      ResultType
	ID        string
	Title     string
	URL       string
	Author    string
	Duration  string
	Thumbnail string
	Live      bool
}

// Options narrows a search. Zero values mean one video.
type Options struct {
	Limit int
	Type  ResultType
}

func (o Options) withDefaults() Options {
	if o.Limit <= 0 {
		o.Limit = 1
	}
	if o.Type == "" {
		o.Type = TypeVideo
	}
	return o
}

// Provider searches a video platform. An empty result is (nil, nil).
type Provider interface {
	Search(ctx context.Context, query string, opts Options) ([]Result, error)
}

type YouTube struct {
	BaseURL string
	Client  *http.Client

	limiter *retrylimit.Limiter
	policy  retrylimit.Policy
	log     zerolog.Logger
}

// NewYouTube returns a provider. lim may be nil to disable throttling.
func NewYouTube(client *http.Client, lim *retrylimit.Limiter, log zerolog.Logger) *YouTube {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	y := &YouTube{
		BaseURL: "https://www.youtube.com",
		Client:  client,
		limiter: lim,
		policy:  retrylimit.DefaultPolicy(),
		log:     log,
	}
	y.policy.OnRetry = func(attempt int, err error, wait time.Duration) {
		y.log.Warn().Err(err).Int("attempt", attempt).Dur("wait", wait).Msg("youtube search failed, retrying")
	}
	return y
}

func (y *YouTube) Search(ctx context.Context, query string, opts Options) ([]Result, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, ErrEmptyQuery
	}
	opts = opts.withDefaults()

	searchURL := fmt.Sprintf("%s/results?search_query=%s", y.BaseURL, url.QueryEscape(query))

	var page []byte
	err := retrylimit.Do(ctx, y.limiter, y.policy, func(ctx context.Context) error {
		body, err := y.fetch(ctx, searchURL)
		page = body
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("youtube search %q: %w", query, err)
	}

	data, err := extractInitialData(page)
	if err != nil {
		return nil, fmt.Errorf("youtube search %q: %w", query, err)
	}

	results := lo.Filter(parseResults(data, y.BaseURL), func(r Result, _ int) bool {
		return r.Type == opts.Type
	})

	y.log.Debug().
		Str("query", query).
		Str("type", string(opts.Type)).
		Int("hits", len(results)).
		Msg("youtube search done")

	if len(results) == 0 {
		return nil, nil
	}
	if len(results) > opts.Limit {
		results = results[:opts.Limit]
	}
	return results, nil
}

func (y *YouTube) fetch(ctx context.Context, target string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, retrylimit.Permanent(err)
	}
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")
	req.Header.Set("User-Agent", "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36")

	resp, err := y.Client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &retrylimit.StatusError{Code: resp.StatusCode, URL: target}
	}
	return io.ReadAll(io.LimitReader(resp.Body, maxPageSize))
}
