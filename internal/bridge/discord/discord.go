// Package discord implements the bridge Adapter for Discord using the
// Gateway WebSocket.
package discord

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"

	"github.com/bwmarrin/discordgo"
	"github.com/zulandar/turntable/internal/bridge"
)

// session abstracts the discordgo.Session methods we use, enabling test mocks.
type session interface {
	Open() error
	Close() error
	ChannelMessageSend(channelID, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
	Invite(inviteID string, options ...discordgo.RequestOption) (*discordgo.Invite, error)
	InviteAccept(inviteID string, options ...discordgo.RequestOption) (*discordgo.Invite, error)
	AddHandler(handler interface{}) func()
	StateGuild(guildID string) (*discordgo.Guild, error)
}

// realSession wraps *discordgo.Session to implement the session interface.
type realSession struct {
	s *discordgo.Session
}

func (r *realSession) Open() error  { return r.s.Open() }
func (r *realSession) Close() error { return r.s.Close() }
func (r *realSession) ChannelMessageSend(channelID, content string, options ...discordgo.RequestOption) (*discordgo.Message, error) {
	return r.s.ChannelMessageSend(channelID, content, options...)
}
func (r *realSession) Invite(inviteID string, options ...discordgo.RequestOption) (*discordgo.Invite, error) {
	return r.s.Invite(inviteID, options...)
}
func (r *realSession) InviteAccept(inviteID string, options ...discordgo.RequestOption) (*discordgo.Invite, error) {
	return r.s.InviteAccept(inviteID, options...)
}
func (r *realSession) AddHandler(handler interface{}) func() {
	return r.s.AddHandler(handler)
}
func (r *realSession) StateGuild(guildID string) (*discordgo.Guild, error) {
	return r.s.State.Guild(guildID)
}

// Adapter implements bridge.Adapter for Discord.
type Adapter struct {
	sess          session
	botToken      string
	mu            sync.Mutex
	connected     bool
	closed        bool
	inbound       chan bridge.InboundMessage
	removeHandler func()
}

// AdapterOpts holds parameters for creating a Discord Adapter.
type AdapterOpts struct {
	BotToken string // Discord bot token
	// For testing: inject a mock session instead of the real Discord API.
	Session session
}

// New creates a Discord Adapter.
func New(opts AdapterOpts) (*Adapter, error) {
	if opts.Session == nil && opts.BotToken == "" {
		return nil, fmt.Errorf("discord: bot token is required")
	}
	a := &Adapter{
		botToken: opts.BotToken,
		inbound:  make(chan bridge.InboundMessage, 100),
	}
	if opts.Session != nil {
		a.sess = opts.Session
	}
	return a, nil
}

// Connect establishes the Discord Gateway WebSocket connection and registers
// the inbound message pump.
func (a *Adapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return fmt.Errorf("discord: adapter closed")
	}
	if a.connected {
		return nil
	}

	if a.sess == nil {
		s, err := discordgo.New("Bot " + a.botToken)
		if err != nil {
			return fmt.Errorf("discord: create session: %w", err)
		}
		s.Identify.Intents = discordgo.IntentsGuilds | discordgo.IntentsGuildMessages |
			discordgo.IntentsDirectMessages | discordgo.IntentsGuildVoiceStates |
			discordgo.IntentMessageContent
		a.sess = &realSession{s: s}
	}

	a.removeHandler = a.sess.AddHandler(func(_ *discordgo.Session, m *discordgo.MessageCreate) {
		if m.Author == nil || m.Author.Bot {
			return
		}
		msg := bridge.InboundMessage{
			ChannelID: m.ChannelID,
			UserID:    m.Author.ID,
			UserName:  m.Author.Username,
			Text:      m.Content,
			Timestamp: m.Timestamp,
		}
		select {
		case a.inbound <- msg:
		default:
			log.Printf("discord: inbound channel full, dropping message from %s", m.Author.ID)
		}
	})

	if err := a.sess.Open(); err != nil {
		return fmt.Errorf("discord: open gateway: %w", err)
	}
	a.connected = true
	return nil
}

// Listen returns the inbound message channel. Must be called after Connect.
func (a *Adapter) Listen(ctx context.Context) (<-chan bridge.InboundMessage, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.connected {
		return nil, fmt.Errorf("discord: not connected")
	}
	return a.inbound, nil
}

// Send posts text to a channel or user id.
func (a *Adapter) Send(ctx context.Context, peerID, text string) error {
	a.mu.Lock()
	connected := a.connected
	a.mu.Unlock()
	if !connected {
		return fmt.Errorf("discord: not connected")
	}
	if _, err := a.sess.ChannelMessageSend(peerID, text); err != nil {
		return fmt.Errorf("discord: send to %s: %w", peerID, err)
	}
	return nil
}

// JoinChat resolves ref as an invite code and accepts it. Membership in the
// invite's guild maps to ErrAlreadyMember; an unknown invite maps to
// ErrInvalidReference.
func (a *Adapter) JoinChat(ctx context.Context, ref string) error {
	a.mu.Lock()
	connected := a.connected
	a.mu.Unlock()
	if !connected {
		return fmt.Errorf("discord: not connected")
	}

	inv, err := a.sess.Invite(ref)
	if err != nil {
		return fmt.Errorf("discord: invite %q: %v: %w", ref, err, bridge.ErrInvalidReference)
	}
	if inv.Guild != nil {
		if _, err := a.sess.StateGuild(inv.Guild.ID); err == nil {
			return fmt.Errorf("discord: guild %s: %w", inv.Guild.ID, bridge.ErrAlreadyMember)
		}
	}
	if _, err := a.sess.InviteAccept(ref); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "already") {
			return fmt.Errorf("discord: invite %q: %w", ref, bridge.ErrAlreadyMember)
		}
		return fmt.Errorf("discord: accept invite %q: %v: %w", ref, err, bridge.ErrInvalidReference)
	}
	return nil
}

// Close gracefully shuts down the adapter connection.
func (a *Adapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil
	}
	a.closed = true
	if a.removeHandler != nil {
		a.removeHandler()
	}
	var err error
	if a.connected && a.sess != nil {
		err = a.sess.Close()
		a.connected = false
	}
	close(a.inbound)
	if err != nil {
		return fmt.Errorf("discord: close: %w", err)
	}
	return nil
}
