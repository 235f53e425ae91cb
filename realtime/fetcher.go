package realtime

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	gtfsproto "github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"
	"github.com/rs/zerolog"
	"google.golang.org/protobuf/proto"

	"transitdepot.dev/depot/task"
)

const (
	userAgent = "transitdepot/1.0"

	// Pause between requests to distinct upstream URLs.
	defaultPacing = 2 * time.Second

	// Per-request timeout.
	defaultTimeout = 10 * time.Second
)

// A Source is one configured realtime feed. Several sources may
// share a URL; the fetcher requests each distinct URL exactly once
// per cycle and fans the decoded message out to all of them.
type Source struct {
	ID      int64
	Name    string
	URL     string
	Headers map[string]string

	// DemoMode synthesizes vehicle positions along the static
	// feed's shapes instead of relying on upstream positions.
	DemoMode bool
}

// SourceResult is one source's slice of a fetch cycle.
type SourceResult struct {
	SourceID   int64             `json:"feed_source_id"`
	SourceName string            `json:"feed_source_name"`
	Vehicles   []VehiclePosition `json:"vehicles,omitempty"`
	Trips      []TripUpdate      `json:"trip_updates,omitempty"`
	Alerts     []Alert           `json:"alerts,omitempty"`
	Error      string            `json:"error,omitempty"`
}

// Snapshot is the outcome of one fetch cycle across all sources.
// Individual source failures leave partial results in place.
type Snapshot struct {
	FetchedAt time.Time      `json:"fetched_at"`
	Sources   []SourceResult `json:"sources"`
	Failed    int            `json:"failed"`
}

// Fetcher polls realtime endpoints with conditional requests. ETag
// and Last-Modified validators and bodies are cached per URL so
// unchanged upstreams cost one round-trip and no decode.
type Fetcher struct {
	client *http.Client
	log    zerolog.Logger
	pacing time.Duration

	mu      sync.Mutex
	etags   map[string]string
	lastMod map[string]string
	cache   map[string][]byte
}

func NewFetcher(log zerolog.Logger) *Fetcher {
	return &Fetcher{
		client: &http.Client{
			Timeout: defaultTimeout,
			Transport: &http.Transport{
				MaxIdleConns:        10,
				MaxIdleConnsPerHost: 5,
				IdleConnTimeout:     30 * time.Second,
			},
		},
		log:     log,
		pacing:  defaultPacing,
		etags:   map[string]string{},
		lastMod: map[string]string{},
		cache:   map[string][]byte{},
	}
}

type fetchError struct {
	err       error
	rateLimit bool
}

// FetchAll runs one cycle over the sources. The error return is
// non-nil only when every distinct URL failed; if any failure was a
// 429 the error is marked retryable.
func (f *Fetcher) FetchAll(ctx context.Context, sources []Source) (*Snapshot, error) {
	// Group sources by URL, preserving first-appearance order.
	var urls []string
	groups := map[string][]Source{}
	for _, s := range sources {
		if _, seen := groups[s.URL]; !seen {
			urls = append(urls, s.URL)
		}
		groups[s.URL] = append(groups[s.URL], s)
	}

	snap := &Snapshot{FetchedAt: time.Now().UTC()}
	failures := 0
	sawRateLimit := false
	var lastErr error

	for i, url := range urls {
		if i > 0 {
			select {
			case <-time.After(f.pacing):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		group := groups[url]
		msg, ferr := f.fetchURL(ctx, url, group[0].Headers)
		if ferr != nil {
			failures++
			if ferr.rateLimit {
				sawRateLimit = true
			}
			lastErr = ferr.err
			f.log.Warn().Err(ferr.err).Str("url", url).Msg("realtime fetch failed")
			for _, src := range group {
				snap.Sources = append(snap.Sources, SourceResult{
					SourceID:   src.ID,
					SourceName: src.Name,
					Error:      ferr.err.Error(),
				})
				snap.Failed++
			}
			continue
		}

		for _, src := range group {
			res := translateMessage(msg, src)
			snap.Sources = append(snap.Sources, res)
		}
	}

	if failures == len(urls) && failures > 0 {
		err := fmt.Errorf("all %d realtime endpoints failed: %w", failures, lastErr)
		if sawRateLimit {
			return snap, task.Retryable(err)
		}
		return snap, err
	}

	return snap, nil
}

// fetchURL performs one conditional GET and decodes the protobuf. A
// 304 reuses the cached body.
func (f *Fetcher) fetchURL(ctx context.Context, url string, headers map[string]string) (*gtfsproto.FeedMessage, *fetchError) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, &fetchError{err: fmt.Errorf("building request: %w", err)}
	}
	req.Header.Set("User-Agent", userAgent)
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	f.mu.Lock()
	if etag := f.etags[url]; etag != "" {
		req.Header.Set("If-None-Match", etag)
	}
	if lm := f.lastMod[url]; lm != "" {
		req.Header.Set("If-Modified-Since", lm)
	}
	f.mu.Unlock()

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, &fetchError{err: fmt.Errorf("fetching %s: %w", url, err)}
	}
	defer resp.Body.Close()

	var body []byte
	switch resp.StatusCode {
	case http.StatusOK:
		body, err = io.ReadAll(resp.Body)
		if err != nil {
			return nil, &fetchError{err: fmt.Errorf("reading %s: %w", url, err)}
		}
		etag := resp.Header.Get("ETag")
		lm := resp.Header.Get("Last-Modified")
		f.mu.Lock()
		if etag != "" || lm != "" {
			f.cache[url] = body
		}
		if etag != "" {
			f.etags[url] = etag
		}
		if lm != "" {
			f.lastMod[url] = lm
		}
		f.mu.Unlock()

	case http.StatusNotModified:
		f.mu.Lock()
		body = f.cache[url]
		f.mu.Unlock()
		if body == nil {
			return nil, &fetchError{err: fmt.Errorf("%s returned 304 with no cached body", url)}
		}

	case http.StatusTooManyRequests:
		return nil, &fetchError{
			err:       fmt.Errorf("%s rate limited (429)", url),
			rateLimit: true,
		}

	default:
		return nil, &fetchError{err: fmt.Errorf("%s returned status %d", url, resp.StatusCode)}
	}

	msg := &gtfsproto.FeedMessage{}
	if err := proto.Unmarshal(body, msg); err != nil {
		return nil, &fetchError{err: fmt.Errorf("unmarshaling protobuf from %s: %w", url, err)}
	}
	return msg, nil
}
