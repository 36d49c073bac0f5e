// Package session drives per-chat playback: it owns the process-wide
// streaming transport handle, the per-chat queues, and the registry of
// actively streaming chats.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"sync"
	"time"

	"github.com/zulandar/turntable/internal/queue"
	"github.com/zulandar/turntable/internal/resolver"
	"github.com/zulandar/turntable/internal/voice"
)

// ErrNotInSession indicates a control operation on a chat with no active
// playback session.
var ErrNotInSession = errors.New("not in a session")

// defaultMargin is the safety margin added to a track's known duration for
// the fallback completion wait.
const defaultMargin = 20 * time.Second

// AudioFetcher retrieves audio for a source URL into local storage.
type AudioFetcher interface {
	Fetch(ctx context.Context, sourceURL string) (string, error)
}

// Notifier delivers best-effort status messages. Satisfied by bridge.Adapter.
type Notifier interface {
	Send(ctx context.Context, peerID, text string) error
}

// Recorder persists started playbacks. Satisfied by *history.Store.
type Recorder interface {
	Record(chatID int64, title, sourceURL string, durationSecs int, requester string) error
}

// op is one transport operation marshalled onto the owner goroutine.
type op struct {
	fn    func(voice.Transport) error
	reply chan error
}

// chatLoop is the control handle for one chat's advance loop.
type chatLoop struct {
	ctx    context.Context
	cancel context.CancelFunc
	skip   chan struct{}
	ended  chan struct{}
}

// Manager owns the streaming transport and guarantees that all transport
// calls execute on a single owner goroutine, that at most one advance loop
// runs per chat, and that completion signals advance each track exactly once.
type Manager struct {
	transport voice.Transport
	fetcher   AudioFetcher
	queues    *queue.Store
	registry  *Registry
	notifier  Notifier
	recorder  Recorder
	statusID  string
	margin    time.Duration
	out       io.Writer

	mu      sync.Mutex
	started bool
	loops   map[int64]*chatLoop
	ops     chan op
	stop    chan struct{}
}

// Opts holds parameters for creating a Manager.
type Opts struct {
	Transport       voice.Transport
	Fetcher         AudioFetcher
	Notifier        Notifier      // optional; enables status messages
	Recorder        Recorder      // optional; enables play history
	StatusChannelID string        // where status messages go
	Margin          time.Duration // completion fallback margin; defaults to 20s
	Out             io.Writer     // defaults to os.Stdout
}

// New creates a Manager.
func New(opts Opts) (*Manager, error) {
	if opts.Transport == nil {
		return nil, fmt.Errorf("session: transport is required")
	}
	if opts.Fetcher == nil {
		return nil, fmt.Errorf("session: fetcher is required")
	}
	margin := opts.Margin
	if margin <= 0 {
		margin = defaultMargin
	}
	out := opts.Out
	if out == nil {
		out = os.Stdout
	}
	return &Manager{
		transport: opts.Transport,
		fetcher:   opts.Fetcher,
		queues:    queue.NewStore(),
		registry:  NewRegistry(),
		notifier:  opts.Notifier,
		recorder:  opts.Recorder,
		statusID:  opts.StatusChannelID,
		margin:    margin,
		out:       out,
		loops:     make(map[int64]*chatLoop),
		ops:       make(chan op),
		stop:      make(chan struct{}),
	}, nil
}

// Queues exposes the chat queue store.
func (m *Manager) Queues() *queue.Store { return m.queues }

// Registry exposes the active-session registry.
func (m *Manager) Registry() *Registry { return m.registry }

// EnsureStarted lazily starts the transport owner goroutine. Idempotent.
func (m *Manager) EnsureStarted() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return
	}
	m.started = true
	go m.run()
}

// run is the single owner goroutine: every transport call executes here, and
// transport completion events are routed to the owning chat loop here.
// Pending completion events are flushed before each op so that, once Start
// returns, every event the previous track emitted has already reached the
// chat loop's latch.
func (m *Manager) run() {
	for {
		select {
		case o := <-m.ops:
			m.flushEnded()
			o.reply <- o.fn(m.transport)
		case chatID, ok := <-m.transport.Ended():
			if !ok {
				return
			}
			m.signalEnded(chatID)
		case <-m.stop:
			return
		}
	}
}

// flushEnded routes every completion event the transport has already emitted.
func (m *Manager) flushEnded() {
	for {
		select {
		case chatID, ok := <-m.transport.Ended():
			if !ok {
				return
			}
			m.signalEnded(chatID)
		default:
			return
		}
	}
}

// call marshals fn onto the owner goroutine and waits for its result.
func (m *Manager) call(ctx context.Context, fn func(voice.Transport) error) error {
	m.EnsureStarted()
	o := op{fn: fn, reply: make(chan error, 1)}
	select {
	case m.ops <- o:
	case <-ctx.Done():
		return ctx.Err()
	case <-m.stop:
		return fmt.Errorf("session: manager stopped")
	}
	select {
	case err := <-o.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// signalEnded notifies a chat's advance loop that its stream finished.
// Unclaimed signals are dropped: the loop may already have advanced via the
// duration fallback, and a signal with no loop belongs to a torn-down chat.
func (m *Manager) signalEnded(chatID int64) {
	m.mu.Lock()
	cl, ok := m.loops[chatID]
	m.mu.Unlock()
	if !ok {
		return
	}
	select {
	case cl.ended <- struct{}{}:
	default:
	}
}

// Play enqueues a resolved track for a chat and starts the chat's advance
// loop when none is running. It reports whether the track was queued behind
// others (false means playback is starting now).
func (m *Manager) Play(ctx context.Context, chatID int64, track resolver.Track, requester string) (queued bool, err error) {
	if requester == "" {
		requester = "unknown"
	}
	entry := queue.Entry{
		SourceURL:    track.SourceURL,
		Title:        track.Title,
		Duration:     track.Duration,
		DurationSecs: track.DurationSecs,
		Requester:    requester,
	}

	m.EnsureStarted()
	m.mu.Lock()
	m.queues.Enqueue(chatID, entry)
	_, running := m.loops[chatID]
	if !running {
		loopCtx, cancel := context.WithCancel(context.Background())
		cl := &chatLoop{
			ctx:    loopCtx,
			cancel: cancel,
			skip:   make(chan struct{}, 1),
			ended:  make(chan struct{}, 1),
		}
		m.loops[chatID] = cl
		go m.advance(chatID, cl)
	}
	m.mu.Unlock()
	return running, nil
}

// Skip forcibly advances past the chat's front entry. It fails when the chat
// has no queue to skip.
func (m *Manager) Skip(chatID int64) error {
	m.mu.Lock()
	cl, ok := m.loops[chatID]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("session: chat %d has no queue: %w", chatID, ErrNotInSession)
	}
	select {
	case cl.skip <- struct{}{}:
	default:
		// A skip is already pending; one skip pops one entry.
	}
	return nil
}

// Stop tears down the chat's session: the advance loop is cancelled, the
// stream left, the queue cleared, and all backing files deleted. Other
// chats are unaffected.
func (m *Manager) Stop(ctx context.Context, chatID int64) error {
	m.mu.Lock()
	cl, ok := m.loops[chatID]
	if ok {
		delete(m.loops, chatID)
	}
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("session: chat %d: %w", chatID, ErrNotInSession)
	}

	cl.cancel()
	if err := m.call(ctx, func(t voice.Transport) error {
		return t.Leave(ctx, chatID)
	}); err != nil && !errors.Is(err, voice.ErrNotStreaming) {
		log.Printf("session: leave chat %d during stop: %v", chatID, err)
	}
	m.registry.Remove(chatID)
	m.queues.Clear(chatID)
	fmt.Fprintf(m.out, "chat %d: stopped, queue cleared\n", chatID)
	return nil
}

// Pause suspends the chat's active stream.
func (m *Manager) Pause(ctx context.Context, chatID int64) error {
	err := m.call(ctx, func(t voice.Transport) error {
		return t.Pause(ctx, chatID)
	})
	if errors.Is(err, voice.ErrNotStreaming) {
		return fmt.Errorf("session: chat %d: %w", chatID, ErrNotInSession)
	}
	return err
}

// Resume continues the chat's paused stream.
func (m *Manager) Resume(ctx context.Context, chatID int64) error {
	err := m.call(ctx, func(t voice.Transport) error {
		return t.Resume(ctx, chatID)
	})
	if errors.Is(err, voice.ErrNotStreaming) {
		return fmt.Errorf("session: chat %d: %w", chatID, ErrNotInSession)
	}
	return err
}

// Close cancels every chat loop and shuts down the owner goroutine and
// transport.
func (m *Manager) Close() error {
	m.mu.Lock()
	for id, cl := range m.loops {
		cl.cancel()
		delete(m.loops, id)
	}
	started := m.started
	m.started = false
	m.mu.Unlock()

	if started {
		close(m.stop)
	}
	return m.transport.Close()
}

// notify sends a best-effort status message; failures are logged, never
// propagated.
func (m *Manager) notify(text string) {
	if m.notifier == nil || m.statusID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := m.notifier.Send(ctx, m.statusID, text); err != nil {
		log.Printf("session: status notify: %v", err)
	}
}
