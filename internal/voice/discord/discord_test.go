package discord

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/zulandar/turntable/internal/voice"
)

// ---------------------------------------------------------------------------
// Mock gateway and connection
// ---------------------------------------------------------------------------

type mockConn struct {
	mu           sync.Mutex
	sent         [][]byte
	speaking     bool
	disconnected bool
	sendDelay    time.Duration
}

func (c *mockConn) Ready() bool { return true }

func (c *mockConn) Speaking(b bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.speaking = b
	return nil
}

func (c *mockConn) SendFrame(frame []byte, timeout time.Duration) bool {
	if c.sendDelay > 0 {
		time.Sleep(c.sendDelay)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, frame)
	return true
}

func (c *mockConn) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnected = true
	return nil
}

func (c *mockConn) sentCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sent)
}

type mockGateway struct {
	mu        sync.Mutex
	conns     []*mockConn
	joinErr   error
	noVoice   bool
	sendDelay time.Duration
}

func (g *mockGateway) ChannelVoiceJoin(guildID, channelID string, mute, deaf bool) (conn, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.joinErr != nil {
		return nil, g.joinErr
	}
	c := &mockConn{sendDelay: g.sendDelay}
	g.conns = append(g.conns, c)
	return c, nil
}

func (g *mockGateway) GuildChannels(guildID string) ([]*discordgo.Channel, error) {
	if g.noVoice {
		return []*discordgo.Channel{{ID: "t1", Type: discordgo.ChannelTypeGuildText}}, nil
	}
	return []*discordgo.Channel{
		{ID: "t1", Type: discordgo.ChannelTypeGuildText},
		{ID: "v1", Type: discordgo.ChannelTypeGuildVoice},
	}, nil
}

func (g *mockGateway) lastConn() *mockConn {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.conns) == 0 {
		return nil
	}
	return g.conns[len(g.conns)-1]
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func writeDCA(t *testing.T, frames [][]byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "track.dca")
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	for _, frame := range frames {
		if err := binary.Write(f, binary.LittleEndian, int16(len(frame))); err != nil {
			t.Fatal(err)
		}
		if _, err := f.Write(frame); err != nil {
			t.Fatal(err)
		}
	}
	return path
}

func testFrames(n int) [][]byte {
	frames := make([][]byte, n)
	for i := range frames {
		frames[i] = []byte(fmt.Sprintf("frame-%d", i))
	}
	return frames
}

func waitFor(t *testing.T, d time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

// ---------------------------------------------------------------------------
// DCA loader
// ---------------------------------------------------------------------------

func TestLoadDCA_RoundTrip(t *testing.T) {
	want := testFrames(5)
	path := writeDCA(t, want)

	got, err := loadDCA(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != len(want) {
		t.Fatalf("frame count = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if string(got[i]) != string(want[i]) {
			t.Errorf("frame %d = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestLoadDCA_Errors(t *testing.T) {
	if _, err := loadDCA(filepath.Join(t.TempDir(), "missing.dca")); err == nil {
		t.Error("expected error for missing file")
	}

	empty := filepath.Join(t.TempDir(), "empty.dca")
	os.WriteFile(empty, nil, 0o644)
	if _, err := loadDCA(empty); err == nil {
		t.Error("expected error for empty file")
	}

	corrupt := filepath.Join(t.TempDir(), "corrupt.dca")
	os.WriteFile(corrupt, []byte{0xff, 0xff}, 0o644) // length -1
	if _, err := loadDCA(corrupt); err == nil {
		t.Error("expected error for negative frame length")
	}
}

// ---------------------------------------------------------------------------
// Transport
// ---------------------------------------------------------------------------

func TestStart_PlaysAllFramesAndEmitsEnded(t *testing.T) {
	gw := &mockGateway{}
	tr := newTransport(gw)
	path := writeDCA(t, testFrames(3))

	if err := tr.Start(context.Background(), 100, path); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	select {
	case id := <-tr.Ended():
		if id != 100 {
			t.Errorf("ended chat = %d, want 100", id)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no Ended event")
	}
	if got := gw.lastConn().sentCount(); got != 3 {
		t.Errorf("sent %d frames, want 3", got)
	}
}

func TestLeave_AfterNaturalEndDisconnects(t *testing.T) {
	gw := &mockGateway{}
	tr := newTransport(gw)
	path := writeDCA(t, testFrames(2))

	if err := tr.Start(context.Background(), 100, path); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	select {
	case <-tr.Ended():
	case <-time.After(2 * time.Second):
		t.Fatal("no Ended event")
	}

	// The connection stays joined after the frames run out; Leave is what
	// hangs up.
	if err := tr.Leave(context.Background(), 100); err != nil {
		t.Fatalf("Leave after natural end: %v", err)
	}
	if !gw.lastConn().disconnected {
		t.Error("connection not disconnected by Leave")
	}
	if err := tr.Pause(context.Background(), 100); !errors.Is(err, voice.ErrNotStreaming) {
		t.Errorf("Pause after Leave = %v, want ErrNotStreaming", err)
	}
}

func TestPause_AfterNaturalEnd(t *testing.T) {
	gw := &mockGateway{}
	tr := newTransport(gw)
	path := writeDCA(t, testFrames(1))

	if err := tr.Start(context.Background(), 100, path); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	select {
	case <-tr.Ended():
	case <-time.After(2 * time.Second):
		t.Fatal("no Ended event")
	}

	if err := tr.Pause(context.Background(), 100); !errors.Is(err, voice.ErrNotStreaming) {
		t.Errorf("Pause on finished stream = %v, want ErrNotStreaming", err)
	}
}

func TestStart_MissingFile(t *testing.T) {
	tr := newTransport(&mockGateway{})
	err := tr.Start(context.Background(), 100, "/nonexistent.dca")
	if !errors.Is(err, voice.ErrStreamStartFailed) {
		t.Errorf("error = %v, want ErrStreamStartFailed", err)
	}
}

func TestStart_NoVoiceChannel(t *testing.T) {
	tr := newTransport(&mockGateway{noVoice: true})
	path := writeDCA(t, testFrames(1))
	err := tr.Start(context.Background(), 100, path)
	if !errors.Is(err, voice.ErrStreamStartFailed) {
		t.Errorf("error = %v, want ErrStreamStartFailed", err)
	}
}

func TestStart_JoinFails(t *testing.T) {
	tr := newTransport(&mockGateway{joinErr: fmt.Errorf("gateway down")})
	path := writeDCA(t, testFrames(1))
	err := tr.Start(context.Background(), 100, path)
	if !errors.Is(err, voice.ErrStreamStartFailed) {
		t.Errorf("error = %v, want ErrStreamStartFailed", err)
	}
}

func TestLeave_SuppressesEnded(t *testing.T) {
	gw := &mockGateway{sendDelay: 5 * time.Millisecond}
	tr := newTransport(gw)

	// Enough frames that the stream is still busy when Leave arrives.
	path := writeDCA(t, testFrames(500))
	if err := tr.Start(context.Background(), 100, path); err != nil {
		t.Fatal(err)
	}
	waitFor(t, time.Second, func() bool { return gw.lastConn().sentCount() > 0 })

	if err := tr.Leave(context.Background(), 100); err != nil {
		t.Fatalf("leave: %v", err)
	}
	waitFor(t, time.Second, func() bool { return gw.lastConn().disconnected })

	select {
	case id := <-tr.Ended():
		t.Errorf("unexpected Ended event for chat %d after Leave", id)
	case <-time.After(300 * time.Millisecond):
	}
}

func TestLeave_NotStreaming(t *testing.T) {
	tr := newTransport(&mockGateway{})
	err := tr.Leave(context.Background(), 999)
	if !errors.Is(err, voice.ErrNotStreaming) {
		t.Errorf("error = %v, want ErrNotStreaming", err)
	}
}

func TestPauseResume(t *testing.T) {
	gw := &mockGateway{sendDelay: 5 * time.Millisecond}
	tr := newTransport(gw)
	path := writeDCA(t, testFrames(100))

	if err := tr.Start(context.Background(), 100, path); err != nil {
		t.Fatal(err)
	}
	if err := tr.Pause(context.Background(), 100); err != nil {
		t.Fatalf("pause: %v", err)
	}

	// Frame delivery should stall while paused.
	time.Sleep(150 * time.Millisecond)
	before := gw.lastConn().sentCount()
	time.Sleep(300 * time.Millisecond)
	after := gw.lastConn().sentCount()
	if after-before > 1 {
		t.Errorf("frames kept flowing while paused: %d -> %d", before, after)
	}

	if err := tr.Resume(context.Background(), 100); err != nil {
		t.Fatalf("resume: %v", err)
	}
	select {
	case <-tr.Ended():
	case <-time.After(3 * time.Second):
		t.Fatal("stream did not finish after resume")
	}
}

func TestPause_NotStreaming(t *testing.T) {
	tr := newTransport(&mockGateway{})
	if err := tr.Pause(context.Background(), 42); !errors.Is(err, voice.ErrNotStreaming) {
		t.Errorf("error = %v, want ErrNotStreaming", err)
	}
}

func TestClose_Idempotent(t *testing.T) {
	tr := newTransport(&mockGateway{})
	if err := tr.Close(); err != nil {
		t.Fatal(err)
	}
	if err := tr.Close(); err != nil {
		t.Fatal(err)
	}
	if _, ok := <-tr.Ended(); ok {
		t.Error("Ended channel not closed")
	}
}
