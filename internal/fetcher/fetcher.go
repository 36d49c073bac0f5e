// Package fetcher downloads audio payloads from an external download
// endpoint into local ephemeral storage. The endpoint serves DCA-framed
// Opus audio, ready for the voice transport to stream as-is.
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrFetchFailed indicates a download could not be completed (bad status,
// timeout, or oversize payload). Any partial file has been discarded.
var ErrFetchFailed = errors.New("fetch failed")

// Fetcher retrieves audio for source URLs, caching the local path per URL so
// repeated requests across chats reuse the same file. A cache hit is
// revalidated against the filesystem: queue cleanup may have deleted the
// file, in which case it is fetched again.
type Fetcher struct {
	baseURL  string
	dir      string
	client   *http.Client
	maxBytes int64
	chunk    int
	gate     chan struct{} // non-nil when downloads are serialized

	mu       sync.Mutex
	cache    map[string]string // source URL -> local path
	inflight map[string]*call
}

// call tracks an in-progress download so concurrent requests for the same
// source URL coalesce onto one transfer.
type call struct {
	done chan struct{}
	path string
	err  error
}

// Opts holds parameters for creating a Fetcher.
type Opts struct {
	BaseURL   string        // download endpoint, queried as <BaseURL>?url=<sourceURL>
	Dir       string        // local directory for fetched files
	Timeout   time.Duration // whole-request ceiling; defaults to 30s
	MaxBytes  int64         // payload ceiling; defaults to 50MB; <0 disables
	Chunk     int           // copy chunk size; defaults to 256KiB
	Serialize bool          // run downloads one at a time process-wide
	Client    *http.Client  // optional; overrides Timeout-derived client
}

// New creates a Fetcher and ensures the download directory exists.
func New(opts Opts) (*Fetcher, error) {
	if opts.BaseURL == "" {
		return nil, fmt.Errorf("fetcher: base URL is required")
	}
	if opts.Dir == "" {
		return nil, fmt.Errorf("fetcher: dir is required")
	}
	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("fetcher: create dir %s: %w", opts.Dir, err)
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	client := opts.Client
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}
	maxBytes := opts.MaxBytes
	if maxBytes == 0 {
		maxBytes = 50 << 20
	}
	chunk := opts.Chunk
	if chunk <= 0 {
		chunk = 256 << 10
	}
	f := &Fetcher{
		baseURL:  opts.BaseURL,
		dir:      opts.Dir,
		client:   client,
		maxBytes: maxBytes,
		chunk:    chunk,
		cache:    make(map[string]string),
		inflight: make(map[string]*call),
	}
	if opts.Serialize {
		f.gate = make(chan struct{}, 1)
	}
	return f, nil
}

// Fetch returns a local file path holding the audio for sourceURL. Concurrent
// fetches of the same URL share one download; distinct URLs proceed in
// parallel unless the fetcher is serialized.
func (f *Fetcher) Fetch(ctx context.Context, sourceURL string) (string, error) {
	if sourceURL == "" {
		return "", fmt.Errorf("fetcher: source URL is required: %w", ErrFetchFailed)
	}

	f.mu.Lock()
	if path, ok := f.cache[sourceURL]; ok {
		if _, err := os.Stat(path); err == nil {
			f.mu.Unlock()
			return path, nil
		}
		// File was removed out from under the cache; refetch.
		delete(f.cache, sourceURL)
	}
	if c, ok := f.inflight[sourceURL]; ok {
		f.mu.Unlock()
		select {
		case <-c.done:
			return c.path, c.err
		case <-ctx.Done():
			return "", fmt.Errorf("fetcher: %v: %w", ctx.Err(), ErrFetchFailed)
		}
	}
	c := &call{done: make(chan struct{})}
	f.inflight[sourceURL] = c
	f.mu.Unlock()

	c.path, c.err = f.download(ctx, sourceURL)

	f.mu.Lock()
	delete(f.inflight, sourceURL)
	if c.err == nil {
		f.cache[sourceURL] = c.path
	}
	f.mu.Unlock()
	close(c.done)

	return c.path, c.err
}

// download performs a single chunked transfer into a uniquely named file.
func (f *Fetcher) download(ctx context.Context, sourceURL string) (string, error) {
	if f.gate != nil {
		select {
		case f.gate <- struct{}{}:
			defer func() { <-f.gate }()
		case <-ctx.Done():
			return "", fmt.Errorf("fetcher: %v: %w", ctx.Err(), ErrFetchFailed)
		}
	}

	u := f.baseURL + "?url=" + url.QueryEscape(sourceURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return "", fmt.Errorf("fetcher: build request: %w", err)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetcher: download %s: %v: %w", sourceURL, err, ErrFetchFailed)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("fetcher: download %s: status %d: %w", sourceURL, resp.StatusCode, ErrFetchFailed)
	}

	path := filepath.Join(f.dir, uuid.NewString()+".dca")
	out, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("fetcher: create %s: %w", path, err)
	}

	var written int64
	buf := make([]byte, f.chunk)
	for {
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			written += int64(n)
			if f.maxBytes > 0 && written > f.maxBytes {
				out.Close()
				os.Remove(path)
				return "", fmt.Errorf("fetcher: download %s exceeds %d bytes: %w", sourceURL, f.maxBytes, ErrFetchFailed)
			}
			if _, werr := out.Write(buf[:n]); werr != nil {
				out.Close()
				os.Remove(path)
				return "", fmt.Errorf("fetcher: write %s: %v: %w", path, werr, ErrFetchFailed)
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			out.Close()
			os.Remove(path)
			return "", fmt.Errorf("fetcher: read %s: %v: %w", sourceURL, rerr, ErrFetchFailed)
		}
	}

	if err := out.Close(); err != nil {
		os.Remove(path)
		return "", fmt.Errorf("fetcher: close %s: %w", path, err)
	}
	return path, nil
}

// Sweep evicts cache entries whose files are missing or older than maxAge,
// deleting the backing files. It returns the number of entries evicted.
// Scheduled periodically to bound disk usage from the URL cache.
func (f *Fetcher) Sweep(maxAge time.Duration) int {
	cutoff := time.Now().Add(-maxAge)

	f.mu.Lock()
	defer f.mu.Unlock()

	evicted := 0
	for src, path := range f.cache {
		info, err := os.Stat(path)
		if err == nil && info.ModTime().After(cutoff) {
			continue
		}
		if err == nil {
			os.Remove(path)
		}
		delete(f.cache, src)
		evicted++
	}
	return evicted
}

// CacheLen reports the number of cached downloads.
func (f *Fetcher) CacheLen() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.cache)
}
