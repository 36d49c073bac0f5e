package voice

import (
	"context"
	"fmt"
	"sync"
)

// MockTransport implements Transport for testing. It records calls and lets
// tests simulate stream completion via SimulateEnded.
type MockTransport struct {
	mu       sync.Mutex
	active   map[int64]string // chatID -> playing path
	paused   map[int64]bool
	finished map[int64]bool // frames exhausted, connection still joined
	starts   []StartCall
	leaves   []int64
	ended    chan int64
	closed   bool
	StartErr error // returned by Start when set
}

// StartCall records one Start invocation.
type StartCall struct {
	ChatID int64
	Path   string
}

// NewMockTransport creates a MockTransport with a buffered Ended channel.
func NewMockTransport() *MockTransport {
	return &MockTransport{
		active:   make(map[int64]string),
		paused:   make(map[int64]bool),
		finished: make(map[int64]bool),
		ended:    make(chan int64, 16),
	}
}

// Start records the call and marks the chat as streaming.
func (m *MockTransport) Start(ctx context.Context, chatID int64, path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return fmt.Errorf("mock transport: closed")
	}
	if m.StartErr != nil {
		return m.StartErr
	}
	m.active[chatID] = path
	m.paused[chatID] = false
	m.finished[chatID] = false
	m.starts = append(m.starts, StartCall{ChatID: chatID, Path: path})
	return nil
}

// Leave removes the chat's stream. Works on finished streams too, matching
// the real transport where the connection stays joined after the last frame.
func (m *MockTransport) Leave(ctx context.Context, chatID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.active[chatID]; !ok {
		return fmt.Errorf("mock transport: chat %d: %w", chatID, ErrNotStreaming)
	}
	delete(m.active, chatID)
	delete(m.paused, chatID)
	delete(m.finished, chatID)
	m.leaves = append(m.leaves, chatID)
	return nil
}

// Pause marks the chat's stream paused.
func (m *MockTransport) Pause(ctx context.Context, chatID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.active[chatID]; !ok || m.finished[chatID] {
		return fmt.Errorf("mock transport: chat %d: %w", chatID, ErrNotStreaming)
	}
	m.paused[chatID] = true
	return nil
}

// Resume unpauses the chat's stream.
func (m *MockTransport) Resume(ctx context.Context, chatID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.active[chatID]; !ok || m.finished[chatID] {
		return fmt.Errorf("mock transport: chat %d: %w", chatID, ErrNotStreaming)
	}
	m.paused[chatID] = false
	return nil
}

// Ended returns the completion channel.
func (m *MockTransport) Ended() <-chan int64 {
	return m.ended
}

// Close shuts down the mock and closes the Ended channel.
func (m *MockTransport) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	close(m.ended)
	return nil
}

// --- Test helpers ---

// SimulateEnded reports a natural stream completion for a chat, marking its
// stream finished as the real transport would.
func (m *MockTransport) SimulateEnded(chatID int64) {
	m.mu.Lock()
	m.finished[chatID] = true
	delete(m.paused, chatID)
	m.mu.Unlock()
	m.ended <- chatID
}

// Playing returns the path currently streaming for a chat, if any.
func (m *MockTransport) Playing(chatID int64) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.active[chatID]
	return p, ok
}

// Paused reports whether a chat's stream is paused.
func (m *MockTransport) Paused(chatID int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.paused[chatID]
}

// StartCount returns the number of Start calls recorded.
func (m *MockTransport) StartCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.starts)
}

// Starts returns a copy of all recorded Start calls.
func (m *MockTransport) Starts() []StartCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]StartCall, len(m.starts))
	copy(out, m.starts)
	return out
}

// LeaveCount returns the number of Leave calls recorded.
func (m *MockTransport) LeaveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.leaves)
}
