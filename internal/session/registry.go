package session

import "sync"

// NowPlaying is the lightweight currently-playing record kept per chat.
type NowPlaying struct {
	Title     string
	SourceURL string
}

// Registry maps chat ids to their currently-playing record. A chat appears
// here if and only if it owns a live streaming session on this instance;
// delegated chats never appear. The capacity router counts entries to decide
// overflow.
type Registry struct {
	mu     sync.Mutex
	active map[int64]NowPlaying
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{active: make(map[int64]NowPlaying)}
}

// Add records a chat as actively streaming.
func (r *Registry) Add(chatID int64, np NowPlaying) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.active[chatID] = np
}

// Remove clears a chat's record. Removing an absent chat is a no-op.
func (r *Registry) Remove(chatID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.active, chatID)
}

// Contains reports whether a chat is actively streaming here.
func (r *Registry) Contains(chatID int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.active[chatID]
	return ok
}

// Get returns a chat's currently-playing record.
func (r *Registry) Get(chatID int64) (NowPlaying, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	np, ok := r.active[chatID]
	return np, ok
}

// Count returns the number of actively streaming chats.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.active)
}

// Snapshot returns a copy of the registry contents.
func (r *Registry) Snapshot() map[int64]NowPlaying {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[int64]NowPlaying, len(r.active))
	for id, np := range r.active {
		out[id] = np
	}
	return out
}
