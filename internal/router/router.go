// Package router enforces the per-instance session cap and forwards overflow
// control requests to a secondary instance.
package router

import (
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// DefaultMaxLocal is the session cap applied when none is configured.
const DefaultMaxLocal = 4

// Decision says where a chat's control operations should execute.
type Decision int

const (
	// Local means this instance owns the chat's session.
	Local Decision = iota
	// Delegate means the chat overflows to the secondary instance.
	Delegate
)

func (d Decision) String() string {
	if d == Delegate {
		return "delegate"
	}
	return "local"
}

// ActiveCounter reports which chats currently hold a live session here.
// session.Registry satisfies it.
type ActiveCounter interface {
	Contains(chatID int64) bool
	Count() int
}

// Router decides admission and relays delegated requests.
type Router struct {
	registry  ActiveCounter
	maxLocal  int
	secondary string
	client    *http.Client
}

// New creates a Router. secondaryURL may be empty, in which case every chat
// is admitted locally regardless of the cap.
func New(registry ActiveCounter, maxLocal int, secondaryURL string) *Router {
	if maxLocal <= 0 {
		maxLocal = DefaultMaxLocal
	}
	return &Router{
		registry:  registry,
		maxLocal:  maxLocal,
		secondary: strings.TrimRight(secondaryURL, "/"),
		client:    &http.Client{Timeout: 30 * time.Second},
	}
}

// Admit decides where chatID's operations run. Chats with a live local
// session stay Local for their whole lifetime; new chats are Local only
// while there is capacity.
func (r *Router) Admit(chatID int64) Decision {
	if r.registry.Contains(chatID) {
		return Local
	}
	if r.secondary == "" {
		return Local
	}
	if r.registry.Count() < r.maxLocal {
		return Local
	}
	return Delegate
}

// Forward relays req verbatim to the secondary instance and copies the
// response back unchanged. The caller keeps its original method, path,
// query and body.
func (r *Router) Forward(w http.ResponseWriter, req *http.Request) error {
	if r.secondary == "" {
		return fmt.Errorf("router: no secondary instance configured")
	}

	target := r.secondary + req.URL.Path
	if req.URL.RawQuery != "" {
		target += "?" + req.URL.RawQuery
	}
	out, err := http.NewRequestWithContext(req.Context(), req.Method, target, req.Body)
	if err != nil {
		return fmt.Errorf("router: build forward request: %w", err)
	}
	out.Header = req.Header.Clone()

	resp, err := r.client.Do(out)
	if err != nil {
		return fmt.Errorf("router: forward to %s: %w", r.secondary, err)
	}
	defer resp.Body.Close()

	for k, vs := range resp.Header {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil {
		return fmt.Errorf("router: relay response body: %w", err)
	}
	return nil
}
