// Package bridge defines the boundary to the messaging client used to join
// chats, send status messages, and receive inbound messages.
package bridge

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"time"
)

// ErrInvalidReference indicates a join target that is malformed or
// inaccessible.
var ErrInvalidReference = errors.New("invalid chat reference")

// ErrAlreadyMember indicates a join target the client is already a member
// of. Callers treat it as success.
var ErrAlreadyMember = errors.New("already a member")

// InboundMessage represents a message received from the messaging platform.
type InboundMessage struct {
	ChannelID string    // platform-specific channel identifier
	UserID    string    // platform-specific sender identifier
	UserName  string    // human-readable sender name
	Text      string    // raw message text
	Timestamp time.Time // when the message was sent
}

// Adapter is the interface that platform-specific messaging implementations
// must satisfy.
type Adapter interface {
	// Connect establishes a connection to the messaging platform.
	Connect(ctx context.Context) error

	// Listen returns a channel of inbound messages. The channel is closed
	// when the adapter is closed. Listen must only be called after Connect.
	Listen(ctx context.Context) (<-chan InboundMessage, error)

	// Send delivers text to a peer or channel.
	Send(ctx context.Context, peerID, text string) error

	// JoinChat joins the chat named by a normalized reference. Returns
	// ErrAlreadyMember when the client already belongs to it and
	// ErrInvalidReference when the reference does not name a joinable chat.
	JoinChat(ctx context.Context, ref string) error

	// Close gracefully shuts down the adapter connection.
	Close() error
}

var inviteURLRe = regexp.MustCompile(`^https?://[\w.\-]+/`)

// NormalizeRef reduces a chat reference — a raw handle, an "@handle", or an
// invite-style URL — to a bare handle. It returns ErrInvalidReference when
// nothing usable remains.
func NormalizeRef(ref string) (string, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return "", ErrInvalidReference
	}
	if inviteURLRe.MatchString(ref) {
		ref = inviteURLRe.ReplaceAllString(ref, "")
		ref = strings.Trim(ref, "/")
		// Keep only the last path element of deep invite links.
		if i := strings.LastIndexByte(ref, '/'); i >= 0 {
			ref = ref[i+1:]
		}
	}
	ref = strings.TrimPrefix(ref, "@")
	if ref == "" || strings.ContainsAny(ref, " \t") {
		return "", ErrInvalidReference
	}
	return ref, nil
}
