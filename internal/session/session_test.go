package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/zulandar/turntable/internal/bridge"
	"github.com/zulandar/turntable/internal/resolver"
	"github.com/zulandar/turntable/internal/voice"
)

// stubFetcher writes a fresh file per Fetch call and records the URLs it saw.
// Setting holdURL (with a release channel) makes the download of that URL
// block until release is closed, simulating a slow transfer.
type stubFetcher struct {
	mu      sync.Mutex
	dir     string
	calls   []string
	failURL string
	holdURL string
	release chan struct{}
}

func (f *stubFetcher) Fetch(ctx context.Context, sourceURL string) (string, error) {
	f.mu.Lock()
	f.calls = append(f.calls, sourceURL)
	n := len(f.calls)
	held := f.holdURL != "" && sourceURL == f.holdURL
	release := f.release
	f.mu.Unlock()
	if held {
		select {
		case <-release:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if f.failURL != "" && sourceURL == f.failURL {
		return "", fmt.Errorf("stub fetcher: %s unavailable", sourceURL)
	}
	path := filepath.Join(f.dir, fmt.Sprintf("track-%d.dca", n))
	if err := os.WriteFile(path, []byte("audio"), 0o644); err != nil {
		return "", err
	}
	return path, nil
}

func (f *stubFetcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}

type harness struct {
	mgr       *Manager
	transport *voice.MockTransport
	fetcher   *stubFetcher
	notifier  *bridge.MockAdapter
}

func newHarness(t *testing.T, margin time.Duration) *harness {
	t.Helper()
	tr := voice.NewMockTransport()
	ft := &stubFetcher{dir: t.TempDir()}
	nt := bridge.NewMockAdapter()
	if err := nt.Connect(context.Background()); err != nil {
		t.Fatalf("connect notifier: %v", err)
	}
	mgr, err := New(Opts{
		Transport:       tr,
		Fetcher:         ft,
		Notifier:        nt,
		StatusChannelID: "status-chan",
		Margin:          margin,
		Out:             io.Discard,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { mgr.Close() })
	return &harness{mgr: mgr, transport: tr, fetcher: ft, notifier: nt}
}

func track(n int, durationSecs int) resolver.Track {
	return resolver.Track{
		SourceURL:    fmt.Sprintf("https://media.example/watch?v=%d", n),
		Title:        fmt.Sprintf("Track %d", n),
		Duration:     resolver.FormatSeconds(durationSecs),
		DurationSecs: durationSecs,
	}
}

func TestPlay_StartsAndLeavesWhenQueueEmpties(t *testing.T) {
	h := newHarness(t, 0)
	const chat = int64(42)

	queued, err := h.mgr.Play(context.Background(), chat, track(1, 300), "alice")
	if err != nil {
		t.Fatalf("Play: %v", err)
	}
	if queued {
		t.Fatal("first play should start immediately, not queue")
	}

	waitFor(t, func() bool { return h.transport.StartCount() == 1 }, "stream start")
	if _, ok := h.mgr.Registry().Get(chat); !ok {
		t.Fatal("chat not registered as active after start")
	}
	waitFor(t, func() bool {
		sent, ok := h.notifier.LastSent()
		return ok && strings.Contains(sent.Text, "Now playing")
	}, "now-playing notice")

	h.transport.SimulateEnded(chat)

	waitFor(t, func() bool { return h.transport.LeaveCount() == 1 }, "voice leave")
	if h.mgr.Registry().Contains(chat) {
		t.Fatal("registry still holds chat after queue drained")
	}
	if got := h.mgr.Queues().Len(chat); got != 0 {
		t.Fatalf("queue length = %d, want 0", got)
	}
}

func TestPlay_SecondTrackQueuesWithoutStarting(t *testing.T) {
	h := newHarness(t, 0)
	const chat = int64(7)

	if _, err := h.mgr.Play(context.Background(), chat, track(1, 300), "alice"); err != nil {
		t.Fatalf("Play 1: %v", err)
	}
	waitFor(t, func() bool { return h.transport.StartCount() == 1 }, "first start")

	queued, err := h.mgr.Play(context.Background(), chat, track(2, 200), "bob")
	if err != nil {
		t.Fatalf("Play 2: %v", err)
	}
	if !queued {
		t.Fatal("second play should queue behind the active track")
	}

	time.Sleep(50 * time.Millisecond)
	if got := h.transport.StartCount(); got != 1 {
		t.Fatalf("start count = %d while first track still playing, want 1", got)
	}
	if got := h.mgr.Queues().Len(chat); got != 2 {
		t.Fatalf("queue length = %d, want 2", got)
	}

	h.transport.SimulateEnded(chat)

	waitFor(t, func() bool { return h.transport.StartCount() == 2 }, "second start")
	starts := h.transport.Starts()
	if starts[0].Path == starts[1].Path {
		t.Fatal("second start reused the first track's file")
	}
	np, ok := h.mgr.Registry().Get(chat)
	if !ok || np.Title != "Track 2" {
		t.Fatalf("now playing = %+v, want Track 2", np)
	}
}

func TestPlay_FetchFailureSkipsToNextTrack(t *testing.T) {
	h := newHarness(t, 0)
	const chat = int64(3)
	bad := track(1, 100)
	h.fetcher.failURL = bad.SourceURL

	if _, err := h.mgr.Play(context.Background(), chat, bad, "alice"); err != nil {
		t.Fatalf("Play 1: %v", err)
	}
	if _, err := h.mgr.Play(context.Background(), chat, track(2, 100), "bob"); err != nil {
		t.Fatalf("Play 2: %v", err)
	}

	waitFor(t, func() bool { return h.transport.StartCount() == 1 }, "start of second track")
	starts := h.transport.Starts()
	if np, ok := h.mgr.Registry().Get(chat); !ok || np.Title != "Track 2" {
		t.Fatalf("now playing = %+v, want Track 2 (first track should be skipped)", np)
	}
	if len(starts) != 1 {
		t.Fatalf("start count = %d, want 1", len(starts))
	}

	var sawSkipNotice bool
	for _, s := range h.notifier.AllSent() {
		if strings.Contains(s.Text, "Could not fetch") {
			sawSkipNotice = true
		}
	}
	if !sawSkipNotice {
		t.Fatal("no skip notice sent for the failed fetch")
	}
}

func TestPlay_StartFailureDrainsThenRecovers(t *testing.T) {
	h := newHarness(t, 0)
	const chat = int64(9)
	h.transport.StartErr = voice.ErrStreamStartFailed

	if _, err := h.mgr.Play(context.Background(), chat, track(1, 100), "alice"); err != nil {
		t.Fatalf("Play: %v", err)
	}
	waitFor(t, func() bool { return h.mgr.Queues().Len(chat) == 0 }, "queue to drain on start failure")
	waitFor(t, func() bool {
		return errors.Is(h.mgr.Skip(chat), ErrNotInSession)
	}, "advance loop to exit")
	if h.mgr.Registry().Contains(chat) {
		t.Fatal("chat registered despite failed start")
	}

	h.transport.StartErr = nil
	if _, err := h.mgr.Play(context.Background(), chat, track(2, 100), "alice"); err != nil {
		t.Fatalf("Play after recovery: %v", err)
	}
	waitFor(t, func() bool { return h.transport.StartCount() == 1 }, "start after recovery")
}

func TestSkip_AdvancesPastFrontOnly(t *testing.T) {
	h := newHarness(t, 0)
	const chat = int64(5)

	for i := 1; i <= 3; i++ {
		if _, err := h.mgr.Play(context.Background(), chat, track(i, 600), "alice"); err != nil {
			t.Fatalf("Play %d: %v", i, err)
		}
	}
	waitFor(t, func() bool { return h.transport.StartCount() == 1 }, "first start")

	if err := h.mgr.Skip(chat); err != nil {
		t.Fatalf("Skip: %v", err)
	}
	waitFor(t, func() bool { return h.transport.StartCount() == 2 }, "start after skip")
	if np, _ := h.mgr.Registry().Get(chat); np.Title != "Track 2" {
		t.Fatalf("now playing = %q after one skip, want Track 2", np.Title)
	}
	if got := h.mgr.Queues().Len(chat); got != 2 {
		t.Fatalf("queue length = %d after one skip, want 2", got)
	}
}

func TestSkip_StopsStreamImmediately(t *testing.T) {
	// Skipping must silence the current stream right away, not leave it
	// playing until the next track's download finishes and replaces it.
	h := newHarness(t, 0)
	const chat = int64(6)

	second := track(2, 600)
	h.fetcher.holdURL = second.SourceURL
	h.fetcher.release = make(chan struct{})

	if _, err := h.mgr.Play(context.Background(), chat, track(1, 600), "alice"); err != nil {
		t.Fatalf("Play 1: %v", err)
	}
	if _, err := h.mgr.Play(context.Background(), chat, second, "bob"); err != nil {
		t.Fatalf("Play 2: %v", err)
	}
	waitFor(t, func() bool { return h.transport.StartCount() == 1 }, "first start")

	if err := h.mgr.Skip(chat); err != nil {
		t.Fatalf("Skip: %v", err)
	}

	// Track 2's download is held, so only the skip can have stopped track 1.
	waitFor(t, func() bool { return h.transport.LeaveCount() == 1 }, "skipped stream to stop")
	if _, ok := h.transport.Playing(chat); ok {
		t.Fatal("skipped stream still live while the next download runs")
	}
	if got := h.transport.StartCount(); got != 1 {
		t.Fatalf("start count = %d before the download finished, want 1", got)
	}

	close(h.fetcher.release)
	waitFor(t, func() bool { return h.transport.StartCount() == 2 }, "next track start")
	if np, _ := h.mgr.Registry().Get(chat); np.Title != "Track 2" {
		t.Fatalf("now playing = %q after skip, want Track 2", np.Title)
	}
}

func TestSkip_UnknownChat(t *testing.T) {
	h := newHarness(t, 0)
	if err := h.mgr.Skip(123); !errors.Is(err, ErrNotInSession) {
		t.Fatalf("Skip on idle chat = %v, want ErrNotInSession", err)
	}
}

func TestStop_ClearsQueueAndDeletesFiles(t *testing.T) {
	h := newHarness(t, 0)
	const chat = int64(11)

	if _, err := h.mgr.Play(context.Background(), chat, track(1, 600), "alice"); err != nil {
		t.Fatalf("Play 1: %v", err)
	}
	waitFor(t, func() bool { return h.transport.StartCount() == 1 }, "start")
	if _, err := h.mgr.Play(context.Background(), chat, track(2, 600), "bob"); err != nil {
		t.Fatalf("Play 2: %v", err)
	}

	playing, _ := h.transport.Playing(chat)

	if err := h.mgr.Stop(context.Background(), chat); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if got := h.mgr.Queues().Len(chat); got != 0 {
		t.Fatalf("queue length = %d after stop, want 0", got)
	}
	if h.mgr.Registry().Contains(chat) {
		t.Fatal("registry still holds chat after stop")
	}
	if h.transport.LeaveCount() != 1 {
		t.Fatalf("leave count = %d after stop, want 1", h.transport.LeaveCount())
	}
	if _, err := os.Stat(playing); !os.IsNotExist(err) {
		t.Fatalf("stopped track's file still on disk: %v", err)
	}

	if err := h.mgr.Stop(context.Background(), chat); !errors.Is(err, ErrNotInSession) {
		t.Fatalf("second Stop = %v, want ErrNotInSession", err)
	}
}

func TestDurationFallback_AdvancesWithoutEndedEvent(t *testing.T) {
	h := newHarness(t, 20*time.Millisecond)
	const chat = int64(14)

	if _, err := h.mgr.Play(context.Background(), chat, track(1, 0), "alice"); err != nil {
		t.Fatalf("Play 1: %v", err)
	}
	if _, err := h.mgr.Play(context.Background(), chat, track(2, 0), "alice"); err != nil {
		t.Fatalf("Play 2: %v", err)
	}

	// No SimulateEnded: the duration fallback alone must walk the queue.
	waitFor(t, func() bool { return h.transport.StartCount() == 2 }, "fallback advance")
	waitFor(t, func() bool { return h.mgr.Queues().Len(chat) == 0 }, "queue drain")
}

func TestDualCompletionSignals_AdvanceOnce(t *testing.T) {
	// Zero duration plus a short margin arms the fallback timer; the
	// explicit ended event fires for the same track. Whichever wins, the
	// loser must not pop a second entry.
	h := newHarness(t, 100*time.Millisecond)
	const chat = int64(21)

	if _, err := h.mgr.Play(context.Background(), chat, track(1, 0), "alice"); err != nil {
		t.Fatalf("Play 1: %v", err)
	}
	if _, err := h.mgr.Play(context.Background(), chat, track(2, 600), "alice"); err != nil {
		t.Fatalf("Play 2: %v", err)
	}
	waitFor(t, func() bool { return h.transport.StartCount() == 1 }, "first start")

	h.transport.SimulateEnded(chat)

	waitFor(t, func() bool { return h.transport.StartCount() == 2 }, "advance to second track")
	time.Sleep(200 * time.Millisecond)
	if got := h.transport.StartCount(); got != 2 {
		t.Fatalf("start count = %d after dual completion signals, want 2", got)
	}
	if np, _ := h.mgr.Registry().Get(chat); np.Title != "Track 2" {
		t.Fatalf("now playing = %q, want Track 2", np.Title)
	}
	if got := h.mgr.Queues().Len(chat); got != 1 {
		t.Fatalf("queue length = %d, want 1 (only the finished track popped)", got)
	}
}

func TestLateEndedSignal_DoesNotPopFreshTrack(t *testing.T) {
	// A stalled stream can let the duration fallback advance first, with the
	// stream's own completion event only arriving while the next track is
	// still downloading. Once that next track starts, the late event must
	// not pop it.
	h := newHarness(t, 20*time.Millisecond)
	const chat = int64(33)

	second := track(2, 600)
	h.fetcher.holdURL = second.SourceURL
	h.fetcher.release = make(chan struct{})

	if _, err := h.mgr.Play(context.Background(), chat, track(1, 0), "alice"); err != nil {
		t.Fatalf("Play 1: %v", err)
	}
	if _, err := h.mgr.Play(context.Background(), chat, second, "alice"); err != nil {
		t.Fatalf("Play 2: %v", err)
	}
	waitFor(t, func() bool { return h.transport.StartCount() == 1 }, "first start")

	// Zero duration plus a short margin: the fallback advances past track 1
	// and the loop blocks inside track 2's held download.
	waitFor(t, func() bool { return h.fetcher.callCount() == 2 }, "second fetch to begin")

	// Track 1's completion finally lands, long after the fallback already
	// advanced past it.
	h.transport.SimulateEnded(chat)
	time.Sleep(50 * time.Millisecond)
	close(h.fetcher.release)

	waitFor(t, func() bool { return h.transport.StartCount() == 2 }, "second start")
	time.Sleep(100 * time.Millisecond)
	if got := h.transport.StartCount(); got != 2 {
		t.Fatalf("start count = %d, want 2", got)
	}
	if np, _ := h.mgr.Registry().Get(chat); np.Title != "Track 2" {
		t.Fatalf("now playing = %q, want Track 2 (late signal popped the fresh track)", np.Title)
	}
	if got := h.mgr.Queues().Len(chat); got != 1 {
		t.Fatalf("queue length = %d, want 1 (late signal popped the fresh track)", got)
	}
	if got := h.transport.LeaveCount(); got != 0 {
		t.Fatalf("leave count = %d while second track plays, want 0", got)
	}
}

func TestPauseResume(t *testing.T) {
	h := newHarness(t, 0)
	const chat = int64(30)

	if err := h.mgr.Pause(context.Background(), chat); !errors.Is(err, ErrNotInSession) {
		t.Fatalf("Pause on idle chat = %v, want ErrNotInSession", err)
	}

	if _, err := h.mgr.Play(context.Background(), chat, track(1, 600), "alice"); err != nil {
		t.Fatalf("Play: %v", err)
	}
	waitFor(t, func() bool { return h.transport.StartCount() == 1 }, "start")

	if err := h.mgr.Pause(context.Background(), chat); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	if !h.transport.Paused(chat) {
		t.Fatal("transport not paused after Pause")
	}
	if err := h.mgr.Resume(context.Background(), chat); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if h.transport.Paused(chat) {
		t.Fatal("transport still paused after Resume")
	}
}

func TestManager_IndependentChats(t *testing.T) {
	h := newHarness(t, 0)

	if _, err := h.mgr.Play(context.Background(), 1, track(1, 600), "alice"); err != nil {
		t.Fatalf("Play chat 1: %v", err)
	}
	if _, err := h.mgr.Play(context.Background(), 2, track(2, 600), "bob"); err != nil {
		t.Fatalf("Play chat 2: %v", err)
	}
	waitFor(t, func() bool { return h.transport.StartCount() == 2 }, "both chats start")

	h.transport.SimulateEnded(1)
	waitFor(t, func() bool { return !h.mgr.Registry().Contains(1) }, "chat 1 drained")
	if !h.mgr.Registry().Contains(2) {
		t.Fatal("chat 2 lost its session when chat 1 ended")
	}
}

func TestNew_RequiresTransportAndFetcher(t *testing.T) {
	if _, err := New(Opts{Fetcher: &stubFetcher{}}); err == nil {
		t.Fatal("New without transport should fail")
	}
	if _, err := New(Opts{Transport: voice.NewMockTransport()}); err == nil {
		t.Fatal("New without fetcher should fail")
	}
}
