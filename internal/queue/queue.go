// Package queue owns per-chat ordered lists of pending track requests.
package queue

import (
	"os"
	"sync"
)

// Entry is one pending or playing track request. It belongs to exactly one
// chat's queue; the entry at position 0 is the one currently streaming or
// about to stream.
type Entry struct {
	SourceURL    string
	Title        string
	Duration     string // human readable
	DurationSecs int
	Requester    string // "unknown" when the caller carries no identity
	FilePath     string // assigned once fetched; empty until then
}

// Store holds the queues for all chats. All methods are safe for concurrent
// use; serialization of queue *advancement* per chat is the session engine's
// responsibility, not the store's.
type Store struct {
	mu     sync.Mutex
	queues map[int64][]Entry
}

// NewStore creates an empty Store.
func NewStore() *Store {
	return &Store{queues: make(map[int64][]Entry)}
}

// Enqueue appends an entry to the chat's queue, creating the queue if absent.
// It reports whether the entry is the only one (the caller should start
// playback rather than report "queued").
func (s *Store) Enqueue(chatID int64, e Entry) (first bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queues[chatID] = append(s.queues[chatID], e)
	return len(s.queues[chatID]) == 1
}

// Front returns the chat's front entry without removing it.
func (s *Store) Front(chatID int64) (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q := s.queues[chatID]
	if len(q) == 0 {
		return Entry{}, false
	}
	return q[0], true
}

// SetFrontPath records the fetched file path on the chat's front entry so
// Pop can delete it later.
func (s *Store) SetFrontPath(chatID int64, path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q := s.queues[chatID]
	if len(q) > 0 {
		q[0].FilePath = path
	}
}

// Pop removes the chat's front entry and deletes its backing file. A missing
// file is tolerated. It returns the removed entry.
func (s *Store) Pop(chatID int64) (Entry, bool) {
	s.mu.Lock()
	q := s.queues[chatID]
	if len(q) == 0 {
		s.mu.Unlock()
		return Entry{}, false
	}
	e := q[0]
	rest := q[1:]
	if len(rest) == 0 {
		delete(s.queues, chatID)
	} else {
		s.queues[chatID] = rest
	}
	s.mu.Unlock()

	removeFile(e.FilePath)
	return e, true
}

// Clear removes the chat's whole queue, deleting each entry's file.
func (s *Store) Clear(chatID int64) {
	s.mu.Lock()
	q := s.queues[chatID]
	delete(s.queues, chatID)
	s.mu.Unlock()

	for _, e := range q {
		removeFile(e.FilePath)
	}
}

// Len reports the number of entries queued for a chat.
func (s *Store) Len(chatID int64) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queues[chatID])
}

// Snapshot returns a copy of the chat's queue.
func (s *Store) Snapshot(chatID int64) []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	q := s.queues[chatID]
	out := make([]Entry, len(q))
	copy(out, q)
	return out
}

// Chats returns the ids of chats that currently hold a queue.
func (s *Store) Chats() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]int64, 0, len(s.queues))
	for id := range s.queues {
		out = append(out, id)
	}
	return out
}

func removeFile(path string) {
	if path == "" {
		return
	}
	os.Remove(path)
}
