// Package discord implements the voice Transport over a Discord Gateway
// session, streaming pre-encoded DCA audio into guild voice channels.
package discord

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/zulandar/turntable/internal/voice"
)

const (
	// frameSendTimeout bounds how long we wait to hand one Opus frame to
	// the gateway before treating the connection as wedged.
	frameSendTimeout = 5 * time.Second
	// readyWait is how long to wait for a fresh voice connection to
	// become ready before streaming.
	readyWait = 10 * time.Second
)

// conn abstracts the discordgo.VoiceConnection surface we use, enabling
// test mocks.
type conn interface {
	Ready() bool
	Speaking(b bool) error
	// SendFrame delivers one Opus frame, reporting false on timeout.
	SendFrame(frame []byte, timeout time.Duration) bool
	Disconnect() error
}

// realConn wraps *discordgo.VoiceConnection to implement conn.
type realConn struct {
	vc *discordgo.VoiceConnection
}

func (r *realConn) Ready() bool           { return r.vc.Ready }
func (r *realConn) Speaking(b bool) error { return r.vc.Speaking(b) }
func (r *realConn) Disconnect() error     { return r.vc.Disconnect() }
func (r *realConn) SendFrame(frame []byte, timeout time.Duration) bool {
	select {
	case r.vc.OpusSend <- frame:
		return true
	case <-time.After(timeout):
		return false
	}
}

// gateway abstracts the discordgo.Session methods we use.
type gateway interface {
	ChannelVoiceJoin(guildID, channelID string, mute, deaf bool) (conn, error)
	GuildChannels(guildID string) ([]*discordgo.Channel, error)
}

// realGateway wraps *discordgo.Session to implement gateway.
type realGateway struct {
	s *discordgo.Session
}

func (r *realGateway) ChannelVoiceJoin(guildID, channelID string, mute, deaf bool) (conn, error) {
	vc, err := r.s.ChannelVoiceJoin(guildID, channelID, mute, deaf)
	if err != nil {
		return nil, err
	}
	return &realConn{vc: vc}, nil
}

func (r *realGateway) GuildChannels(guildID string) ([]*discordgo.Channel, error) {
	return r.s.GuildChannels(guildID)
}

// stream is one chat's active playback.
type stream struct {
	conn     conn
	cancel   chan struct{} // closed on skip/stop; suppresses the Ended event
	paused   bool
	finished bool // frames exhausted; connection still joined
}

// Transport implements voice.Transport for Discord. Chat ids are guild ids;
// playback targets the guild's first voice channel.
type Transport struct {
	gw    gateway
	mu    sync.Mutex
	live  map[int64]*stream
	ended chan int64
	done  bool
}

// New creates a Transport on an already-connected discordgo session.
func New(s *discordgo.Session) *Transport {
	return newTransport(&realGateway{s: s})
}

func newTransport(gw gateway) *Transport {
	return &Transport{
		gw:    gw,
		live:  make(map[int64]*stream),
		ended: make(chan int64, 16),
	}
}

// Start begins streaming path into the chat's voice channel, replacing any
// stream already active for that chat. The replaced stream does not emit an
// Ended event.
func (t *Transport) Start(ctx context.Context, chatID int64, path string) error {
	frames, err := loadDCA(path)
	if err != nil {
		return fmt.Errorf("discord: load %s: %v: %w", path, err, voice.ErrStreamStartFailed)
	}

	guildID := strconv.FormatInt(chatID, 10)
	channelID, err := t.findVoiceChannel(guildID)
	if err != nil {
		return fmt.Errorf("discord: %v: %w", err, voice.ErrStreamStartFailed)
	}

	t.mu.Lock()
	if t.done {
		t.mu.Unlock()
		return fmt.Errorf("discord: transport closed: %w", voice.ErrStreamStartFailed)
	}
	if prev, ok := t.live[chatID]; ok {
		close(prev.cancel)
	}
	t.mu.Unlock()

	c, err := t.gw.ChannelVoiceJoin(guildID, channelID, false, true)
	if err != nil {
		return fmt.Errorf("discord: join voice in guild %s: %v: %w", guildID, err, voice.ErrStreamStartFailed)
	}

	st := &stream{conn: c, cancel: make(chan struct{})}
	t.mu.Lock()
	t.live[chatID] = st
	t.mu.Unlock()

	go t.play(chatID, st, frames)
	return nil
}

// play pushes frames to the gateway until EOF, cancel, or a send timeout.
func (t *Transport) play(chatID int64, st *stream, frames [][]byte) {
	if !waitReady(st.conn, readyWait) {
		log.Printf("discord: voice connection for chat %d never became ready", chatID)
		t.finish(chatID, st, true)
		return
	}
	if err := st.conn.Speaking(true); err != nil {
		log.Printf("discord: speaking(true) for chat %d: %v", chatID, err)
		t.finish(chatID, st, true)
		return
	}
	defer st.conn.Speaking(false)

	for _, frame := range frames {
		select {
		case <-st.cancel:
			return
		default:
		}
		if t.isPaused(chatID, st) {
			if !t.waitUnpaused(chatID, st) {
				return
			}
		}
		if !st.conn.SendFrame(frame, frameSendTimeout) {
			log.Printf("discord: frame send timeout for chat %d", chatID)
			t.finish(chatID, st, true)
			return
		}
	}
	t.finish(chatID, st, true)
}

// finish marks the stream finished and, when emit is set and the stream was
// not cancelled, reports completion on the Ended channel. The voice
// connection stays joined until Leave or a replacing Start disconnects it.
// The liveness check and the emit happen under the mutex that Start, Leave,
// and Close hold while replacing or removing a stream, so a torn-down stream
// can never emit after its teardown took effect.
func (t *Transport) finish(chatID int64, st *stream, emit bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if cur, ok := t.live[chatID]; !ok || cur != st {
		// Left or replaced; this stream's completion is moot.
		return
	}
	st.finished = true
	select {
	case <-st.cancel:
		return
	default:
	}
	if emit && !t.done {
		select {
		case t.ended <- chatID:
		default:
			log.Printf("discord: ended channel full, dropping completion for chat %d", chatID)
		}
	}
}

func (t *Transport) isPaused(chatID int64, st *stream) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return st.paused
}

// waitUnpaused blocks while the stream is paused. Returns false when the
// stream is cancelled meanwhile.
func (t *Transport) waitUnpaused(chatID int64, st *stream) bool {
	for {
		select {
		case <-st.cancel:
			return false
		case <-time.After(100 * time.Millisecond):
		}
		t.mu.Lock()
		paused := st.paused
		t.mu.Unlock()
		if !paused {
			return true
		}
	}
}

// Leave tears down the chat's voice session without emitting Ended.
func (t *Transport) Leave(ctx context.Context, chatID int64) error {
	t.mu.Lock()
	st, ok := t.live[chatID]
	if ok {
		delete(t.live, chatID)
	}
	t.mu.Unlock()
	if !ok {
		return fmt.Errorf("discord: chat %d: %w", chatID, voice.ErrNotStreaming)
	}
	close(st.cancel)
	if err := st.conn.Disconnect(); err != nil {
		return fmt.Errorf("discord: disconnect chat %d: %w", chatID, err)
	}
	return nil
}

// Pause suspends frame delivery for the chat.
func (t *Transport) Pause(ctx context.Context, chatID int64) error {
	return t.setPaused(chatID, true)
}

// Resume continues frame delivery for the chat.
func (t *Transport) Resume(ctx context.Context, chatID int64) error {
	return t.setPaused(chatID, false)
}

func (t *Transport) setPaused(chatID int64, paused bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.live[chatID]
	if !ok || st.finished {
		return fmt.Errorf("discord: chat %d: %w", chatID, voice.ErrNotStreaming)
	}
	st.paused = paused
	return nil
}

// Ended returns the completion channel.
func (t *Transport) Ended() <-chan int64 {
	return t.ended
}

// Close cancels all streams and closes the Ended channel.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.done {
		t.mu.Unlock()
		return nil
	}
	t.done = true
	streams := t.live
	t.live = make(map[int64]*stream)
	t.mu.Unlock()

	for _, st := range streams {
		close(st.cancel)
		st.conn.Disconnect()
	}
	close(t.ended)
	return nil
}

// findVoiceChannel picks the guild's first voice channel.
func (t *Transport) findVoiceChannel(guildID string) (string, error) {
	channels, err := t.gw.GuildChannels(guildID)
	if err != nil {
		return "", fmt.Errorf("list channels for guild %s: %w", guildID, err)
	}
	for _, ch := range channels {
		if ch.Type == discordgo.ChannelTypeGuildVoice {
			return ch.ID, nil
		}
	}
	return "", fmt.Errorf("guild %s has no voice channel", guildID)
}

// waitReady polls the connection's ready flag.
func waitReady(c conn, max time.Duration) bool {
	deadline := time.Now().Add(max)
	for time.Now().Before(deadline) {
		if c.Ready() {
			return true
		}
		time.Sleep(100 * time.Millisecond)
	}
	return c.Ready()
}
