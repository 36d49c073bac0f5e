// Package voice defines the boundary to the streaming transport that plays
// audio into a chat's live voice session.
package voice

import (
	"context"
	"errors"
)

// ErrStreamStartFailed indicates the transport rejected the media.
var ErrStreamStartFailed = errors.New("stream start failed")

// ErrNotStreaming indicates an operation on a chat with no active stream.
var ErrNotStreaming = errors.New("not streaming")

// Transport is the interface that streaming implementations must satisfy.
// Implementations are not required to be safe for concurrent use: the
// session manager funnels every call through its single owner goroutine.
type Transport interface {
	// Start begins streaming the local media file into the chat's voice
	// session, replacing any stream already active for that chat.
	Start(ctx context.Context, chatID int64, path string) error

	// Leave tears down the chat's voice session. Leaving a chat with no
	// session returns ErrNotStreaming.
	Leave(ctx context.Context, chatID int64) error

	// Pause suspends the chat's active stream.
	Pause(ctx context.Context, chatID int64) error

	// Resume continues a paused stream.
	Resume(ctx context.Context, chatID int64) error

	// Ended delivers the chat id of each stream that finishes on its own,
	// including streams cut short by a mid-stream transport error. The
	// channel is closed by Close.
	Ended() <-chan int64

	// Close releases all sessions and closes the Ended channel.
	Close() error
}
