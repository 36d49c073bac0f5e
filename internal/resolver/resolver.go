// Package resolver turns free-text titles into playable media sources via
// an external search endpoint.
package resolver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// ErrResolutionFailed indicates the upstream search returned no usable source.
var ErrResolutionFailed = errors.New("resolution failed")

const (
	cacheSize      = 100
	defaultTimeout = 15 * time.Second
)

// Track is a resolved, playable media source.
type Track struct {
	SourceURL    string
	Title        string
	Duration     string // human readable, "Unknown duration" when unparseable
	DurationSecs int
}

// Resolver resolves titles against a search endpoint, caching successful
// lookups by exact title string.
type Resolver struct {
	baseURL string
	client  *http.Client
	cache   *lru.Cache[string, Track]
}

// Opts holds parameters for creating a Resolver.
type Opts struct {
	BaseURL string       // search endpoint, queried as <BaseURL>?title=<q>
	Client  *http.Client // optional; defaults to a 15s-timeout client
}

// New creates a Resolver.
func New(opts Opts) (*Resolver, error) {
	if opts.BaseURL == "" {
		return nil, fmt.Errorf("resolver: base URL is required")
	}
	client := opts.Client
	if client == nil {
		client = &http.Client{Timeout: defaultTimeout}
	}
	cache, err := lru.New[string, Track](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("resolver: build cache: %w", err)
	}
	return &Resolver{baseURL: opts.BaseURL, client: client, cache: cache}, nil
}

// searchResponse is the wire format of the search endpoint.
type searchResponse struct {
	Link     string `json:"link"`
	Title    string `json:"title"`
	Duration string `json:"duration"` // ISO-8601, e.g. "PT3M53S"
}

// Resolve looks up a title, returning a cached result when available.
func (r *Resolver) Resolve(ctx context.Context, title string) (Track, error) {
	if title == "" {
		return Track{}, fmt.Errorf("resolver: title is required: %w", ErrResolutionFailed)
	}
	if t, ok := r.cache.Get(title); ok {
		return t, nil
	}

	u := r.baseURL + "?title=" + url.QueryEscape(title)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return Track{}, fmt.Errorf("resolver: build request: %w", err)
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return Track{}, fmt.Errorf("resolver: search %q: %v: %w", title, err, ErrResolutionFailed)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Track{}, fmt.Errorf("resolver: search %q: status %d: %w", title, resp.StatusCode, ErrResolutionFailed)
	}

	var sr searchResponse
	if err := json.NewDecoder(resp.Body).Decode(&sr); err != nil {
		return Track{}, fmt.Errorf("resolver: decode search response: %v: %w", err, ErrResolutionFailed)
	}
	if sr.Link == "" {
		return Track{}, fmt.Errorf("resolver: no source for %q: %w", title, ErrResolutionFailed)
	}

	// Duration parse failures must not abort resolution.
	secs, human := ParseISODuration(sr.Duration)

	t := Track{
		SourceURL:    sr.Link,
		Title:        sr.Title,
		Duration:     human,
		DurationSecs: secs,
	}
	r.cache.Add(title, t)
	return t, nil
}

// CacheLen reports the number of cached resolutions.
func (r *Resolver) CacheLen() int {
	return r.cache.Len()
}
