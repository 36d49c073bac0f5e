package session

import (
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/zulandar/turntable/internal/voice"
)

// advance drives one chat's queue to completion: fetch the front entry,
// stream it, wait for whichever completion signal fires first, pop, repeat.
// At most one advance loop runs per chat; Play guarantees that under the
// manager lock.
func (m *Manager) advance(chatID int64, cl *chatLoop) {
	for {
		if cl.ctx.Err() != nil {
			// Stopped; Stop owns queue and registry cleanup.
			return
		}

		// Drop signals left over from the previous track so neither a
		// late "ended" event nor a stale skip can double-advance.
		select {
		case <-cl.ended:
		default:
		}
		select {
		case <-cl.skip:
		default:
		}

		entry, ok := m.queues.Front(chatID)
		if !ok {
			if m.leaveAndStopLoop(chatID, cl) {
				return
			}
			continue
		}

		path, err := m.fetcher.Fetch(cl.ctx, entry.SourceURL)
		if err != nil {
			if cl.ctx.Err() != nil {
				return
			}
			fmt.Fprintf(m.out, "chat %d: download failed for %q: %v\n", chatID, entry.Title, err)
			m.notify(fmt.Sprintf("Could not fetch %q, skipping to the next track.", entry.Title))
			m.queues.Pop(chatID)
			continue
		}
		m.queues.SetFrontPath(chatID, path)

		err = m.call(cl.ctx, func(t voice.Transport) error {
			return t.Start(cl.ctx, chatID, path)
		})
		if err != nil {
			if cl.ctx.Err() != nil {
				return
			}
			fmt.Fprintf(m.out, "chat %d: stream start failed for %q: %v\n", chatID, entry.Title, err)
			m.notify(fmt.Sprintf("Playback failed for %q, skipping to the next track.", entry.Title))
			m.queues.Pop(chatID)
			continue
		}

		// Start replaced whatever was streaming, and the owner goroutine
		// flushed pending completion events before running it, so anything
		// in the latch now is a leftover from the previous track — a late
		// ended that raced the duration fallback. Discard it here; after
		// this point only the new stream can signal.
		select {
		case <-cl.ended:
		default:
		}

		m.registry.Add(chatID, NowPlaying{Title: entry.Title, SourceURL: entry.SourceURL})
		fmt.Fprintf(m.out, "chat %d: now playing %q (%s)\n", chatID, entry.Title, entry.Duration)
		m.notify(fmt.Sprintf("Now playing %q (%s), requested by %s.", entry.Title, entry.Duration, entry.Requester))
		if m.recorder != nil {
			if err := m.recorder.Record(chatID, entry.Title, entry.SourceURL, entry.DurationSecs, entry.Requester); err != nil {
				log.Printf("session: record history for chat %d: %v", chatID, err)
			}
		}

		// Completion latch: the explicit ended event and the duration
		// fallback race; whichever fires first advances, the other is
		// discarded by the drain at the top of the next iteration.
		timer := time.NewTimer(time.Duration(entry.DurationSecs)*time.Second + m.margin)
		skipped := false
		select {
		case <-cl.ctx.Done():
			timer.Stop()
			m.registry.Remove(chatID)
			return
		case <-cl.ended:
		case <-cl.skip:
			skipped = true
		case <-timer.C:
		}
		timer.Stop()

		if skipped {
			// A skip must silence the stream now, not when the next track's
			// Start replaces it — the next download may take a while.
			if err := m.call(cl.ctx, func(t voice.Transport) error {
				return t.Leave(cl.ctx, chatID)
			}); err != nil && !errors.Is(err, voice.ErrNotStreaming) {
				if cl.ctx.Err() != nil {
					m.registry.Remove(chatID)
					return
				}
				log.Printf("session: stop skipped stream for chat %d: %v", chatID, err)
			}
		}

		m.registry.Remove(chatID)
		m.queues.Pop(chatID)
	}
}

// leaveAndStopLoop leaves the voice session and unregisters the loop. It
// reports false when a racing enqueue refilled the queue, in which case the
// loop must keep running.
func (m *Manager) leaveAndStopLoop(chatID int64, cl *chatLoop) bool {
	if err := m.call(cl.ctx, func(t voice.Transport) error {
		return t.Leave(cl.ctx, chatID)
	}); err != nil && !errors.Is(err, voice.ErrNotStreaming) {
		if cl.ctx.Err() != nil {
			return true
		}
		log.Printf("session: leave chat %d: %v", chatID, err)
	}

	m.mu.Lock()
	cur, ok := m.loops[chatID]
	if !ok || cur != cl {
		// Superseded by Stop; nothing more to do here.
		m.mu.Unlock()
		return true
	}
	if m.queues.Len(chatID) > 0 {
		m.mu.Unlock()
		return false
	}
	delete(m.loops, chatID)
	m.mu.Unlock()

	fmt.Fprintf(m.out, "chat %d: queue finished, left the voice session\n", chatID)
	m.notify("Queue finished, leaving the voice session.")
	return true
}
