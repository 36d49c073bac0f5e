// Package watchdog probes the messaging client's liveness on a schedule and
// triggers an external restart hook when the probe goes unanswered.
package watchdog

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"sync"
	"time"
)

const (
	// probeText is the liveness message sent to the peer account.
	probeText = "turntable liveness probe"
	// ackText is the reply the peer sends back when it is healthy.
	ackText = "turntable liveness ack"

	defaultSchedule     = "* * * * *"
	defaultProbeTimeout = 30 * time.Second
)

// Probe checks that the messaging path is alive. Check blocks until the
// probe is confirmed or ctx expires.
type Probe interface {
	Check(ctx context.Context) error
}

// Recovery restarts the wedged process through an external hook.
type Recovery interface {
	Trigger(ctx context.Context) error
}

// Watchdog runs the probe on a cron schedule.
type Watchdog struct {
	probe    Probe
	recovery Recovery
	schedule string
	timeout  time.Duration
	out      io.Writer
}

// Opts holds parameters for creating a Watchdog.
type Opts struct {
	Probe    Probe
	Recovery Recovery
	Schedule string        // 5-field cron; defaults to every minute
	Timeout  time.Duration // per-probe deadline; defaults to 30s
	Out      io.Writer     // defaults to os.Stdout
}

// New creates a Watchdog.
func New(opts Opts) (*Watchdog, error) {
	if opts.Probe == nil {
		return nil, fmt.Errorf("watchdog: probe is required")
	}
	if opts.Recovery == nil {
		return nil, fmt.Errorf("watchdog: recovery is required")
	}
	schedule := opts.Schedule
	if schedule == "" {
		schedule = defaultSchedule
	}
	if _, err := cronParser.Parse(schedule); err != nil {
		return nil, fmt.Errorf("watchdog: parse schedule %q: %w", schedule, err)
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultProbeTimeout
	}
	out := opts.Out
	if out == nil {
		out = os.Stdout
	}
	return &Watchdog{
		probe:    opts.Probe,
		recovery: opts.Recovery,
		schedule: schedule,
		timeout:  timeout,
		out:      out,
	}, nil
}

// Run probes on the configured schedule until ctx is cancelled. A failed
// probe triggers recovery once and the loop continues; the watchdog never
// verifies that the restart actually happened.
func (w *Watchdog) Run(ctx context.Context) {
	var timer *time.Timer
	if d := nextCronDuration(w.schedule); d > 0 {
		timer = time.NewTimer(d)
	}
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timerChan(timer):
			w.fire(ctx)
			if d := nextCronDuration(w.schedule); d > 0 {
				timer.Reset(d)
			}
		}
	}
}

// fire runs one probe cycle.
func (w *Watchdog) fire(ctx context.Context) {
	probeCtx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	if err := w.probe.Check(probeCtx); err != nil {
		if ctx.Err() != nil {
			return
		}
		fmt.Fprintf(w.out, "watchdog: probe failed: %v, triggering recovery\n", err)
		if terr := w.recovery.Trigger(ctx); terr != nil {
			log.Printf("watchdog: recovery trigger: %v", terr)
		}
	}
}

// Sender delivers a text message to a peer. bridge.Adapter satisfies it.
type Sender interface {
	Send(ctx context.Context, peerID, text string) error
}

// BridgeProbe sends a probe message to a peer account over the messaging
// bridge and waits for the recognized acknowledgement. Inbound messages must
// be routed to HandleInbound by the bridge listener.
type BridgeProbe struct {
	sender Sender
	peerID string

	mu      sync.Mutex
	waiters []chan struct{}
}

// NewBridgeProbe creates a BridgeProbe targeting peerID.
func NewBridgeProbe(sender Sender, peerID string) *BridgeProbe {
	return &BridgeProbe{sender: sender, peerID: peerID}
}

// Check sends the probe and blocks until an acknowledgement arrives or ctx
// expires.
func (p *BridgeProbe) Check(ctx context.Context) error {
	ack := make(chan struct{})
	p.mu.Lock()
	p.waiters = append(p.waiters, ack)
	p.mu.Unlock()
	defer p.removeWaiter(ack)

	if err := p.sender.Send(ctx, p.peerID, probeText); err != nil {
		return fmt.Errorf("watchdog: send probe: %w", err)
	}

	select {
	case <-ack:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("watchdog: no probe ack from %s: %w", p.peerID, ctx.Err())
	}
}

// HandleInbound inspects a message from the bridge and resolves pending
// probes when it is the acknowledgement. It reports whether the message was
// consumed.
func (p *BridgeProbe) HandleInbound(userID, text string) bool {
	if userID != p.peerID || text != ackText {
		return false
	}
	p.mu.Lock()
	waiters := p.waiters
	p.waiters = nil
	p.mu.Unlock()
	for _, w := range waiters {
		close(w)
	}
	return true
}

func (p *BridgeProbe) removeWaiter(ack chan struct{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, w := range p.waiters {
		if w == ack {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			return
		}
	}
}

// Responder answers liveness probes from other instances. Wire it into the
// bridge listener on the peer side.
type Responder struct {
	sender Sender
}

// NewResponder creates a Responder.
func NewResponder(sender Sender) *Responder {
	return &Responder{sender: sender}
}

// HandleInbound replies to a probe message with the acknowledgement. It
// reports whether the message was consumed.
func (r *Responder) HandleInbound(ctx context.Context, fromID, text string) bool {
	if text != probeText {
		return false
	}
	if err := r.sender.Send(ctx, fromID, ackText); err != nil {
		log.Printf("watchdog: send probe ack to %s: %v", fromID, err)
	}
	return true
}

// HTTPRecovery restarts the process by calling an external deploy hook.
type HTTPRecovery struct {
	url    string
	client *http.Client
}

// NewHTTPRecovery creates an HTTPRecovery calling url. client may be nil.
func NewHTTPRecovery(url string, client *http.Client) *HTTPRecovery {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPRecovery{url: url, client: client}
}

// Trigger issues a GET to the restart hook. Any 2xx status counts as
// accepted; the hook's work is asynchronous.
func (h *HTTPRecovery) Trigger(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.url, nil)
	if err != nil {
		return fmt.Errorf("watchdog: build restart request: %w", err)
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("watchdog: call restart hook: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("watchdog: restart hook returned status %d", resp.StatusCode)
	}
	return nil
}
