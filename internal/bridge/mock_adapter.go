package bridge

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MockAdapter implements Adapter for testing. It records sent messages and
// join attempts and allows simulating inbound messages.
type MockAdapter struct {
	mu        sync.Mutex
	connected bool
	closed    bool
	inbound   chan InboundMessage
	sent      []SentMessage
	joined    []string
	members   map[string]bool // refs that report ErrAlreadyMember
	badRefs   map[string]bool // refs that report ErrInvalidReference
	SendErr   error           // returned by Send when set
}

// SentMessage records one Send invocation.
type SentMessage struct {
	PeerID string
	Text   string
}

// NewMockAdapter creates a MockAdapter with a buffered inbound channel.
func NewMockAdapter() *MockAdapter {
	return &MockAdapter{
		inbound: make(chan InboundMessage, 100),
		members: make(map[string]bool),
		badRefs: make(map[string]bool),
	}
}

// Connect marks the adapter as connected.
func (m *MockAdapter) Connect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return fmt.Errorf("mock adapter: already closed")
	}
	m.connected = true
	return nil
}

// Listen returns the inbound message channel. Must be called after Connect.
func (m *MockAdapter) Listen(ctx context.Context) (<-chan InboundMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return nil, fmt.Errorf("mock adapter: not connected")
	}
	return m.inbound, nil
}

// Send records the outbound message.
func (m *MockAdapter) Send(ctx context.Context, peerID, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return fmt.Errorf("mock adapter: not connected")
	}
	if m.SendErr != nil {
		return m.SendErr
	}
	m.sent = append(m.sent, SentMessage{PeerID: peerID, Text: text})
	return nil
}

// JoinChat records the join attempt.
func (m *MockAdapter) JoinChat(ctx context.Context, ref string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return fmt.Errorf("mock adapter: not connected")
	}
	if m.badRefs[ref] {
		return fmt.Errorf("mock adapter: %q: %w", ref, ErrInvalidReference)
	}
	if m.members[ref] {
		return fmt.Errorf("mock adapter: %q: %w", ref, ErrAlreadyMember)
	}
	m.joined = append(m.joined, ref)
	return nil
}

// Close shuts down the mock adapter and closes the inbound channel.
func (m *MockAdapter) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	m.connected = false
	close(m.inbound)
	return nil
}

// --- Test helpers ---

// SimulateInbound sends a message into the inbound channel as if it came
// from the platform. Safe to call from any goroutine.
func (m *MockAdapter) SimulateInbound(msg InboundMessage) {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	m.inbound <- msg
}

// SetMember marks a ref so JoinChat reports ErrAlreadyMember.
func (m *MockAdapter) SetMember(ref string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.members[ref] = true
}

// SetBadRef marks a ref so JoinChat reports ErrInvalidReference.
func (m *MockAdapter) SetBadRef(ref string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.badRefs[ref] = true
}

// LastSent returns the most recently sent message.
func (m *MockAdapter) LastSent() (SentMessage, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.sent) == 0 {
		return SentMessage{}, false
	}
	return m.sent[len(m.sent)-1], true
}

// SentCount returns the number of messages sent.
func (m *MockAdapter) SentCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sent)
}

// AllSent returns a copy of all sent messages.
func (m *MockAdapter) AllSent() []SentMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]SentMessage, len(m.sent))
	copy(out, m.sent)
	return out
}

// Joined returns a copy of all successful join refs.
func (m *MockAdapter) Joined() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.joined))
	copy(out, m.joined)
	return out
}
