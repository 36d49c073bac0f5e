package server

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/zulandar/turntable/internal/bridge"
	"github.com/zulandar/turntable/internal/resolver"
	"github.com/zulandar/turntable/internal/router"
	"github.com/zulandar/turntable/internal/session"
)

const defaultHistoryLimit = 20

// registerRoutes sets up all control routes on the Gin engine.
func (s *Server) registerRoutes(engine *gin.Engine) {
	engine.POST("/play", s.handlePlay)
	engine.POST("/stop", s.handleStop)
	engine.POST("/pause", s.handlePause)
	engine.POST("/resume", s.handleResume)
	engine.POST("/skip", s.handleSkip)
	engine.POST("/join", s.handleJoin)
	engine.GET("/status", s.handleStatus)
	engine.GET("/history", s.handleHistory)
}

// chatID parses and validates the chat_id query parameter. A false return
// means the response has already been written.
func (s *Server) chatID(c *gin.Context) (int64, bool) {
	raw := c.Query("chat_id")
	if raw == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "chat_id is required"})
		return 0, false
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("invalid chat_id %q", raw)})
		return 0, false
	}
	return id, true
}

// delegate relays the request to the secondary instance when the chat
// overflows this one. A true return means the response has been written.
func (s *Server) delegate(c *gin.Context, chatID int64) bool {
	if s.admitter.Admit(chatID) != router.Delegate {
		return false
	}
	if err := s.admitter.Forward(c.Writer, c.Request); err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": fmt.Sprintf("secondary instance: %v", err)})
	}
	return true
}

func (s *Server) handlePlay(c *gin.Context) {
	id, ok := s.chatID(c)
	if !ok {
		return
	}
	title := c.Query("title")
	if title == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "title is required"})
		return
	}
	if s.delegate(c, id) {
		return
	}

	track, err := s.resolver.Resolve(c.Request.Context(), title)
	if err != nil {
		if errors.Is(err, resolver.ErrResolutionFailed) {
			c.JSON(http.StatusNotFound, gin.H{"error": fmt.Sprintf("no result for %q", title)})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	requester := c.Query("requester")
	queued, err := s.sessions.Play(c.Request.Context(), id, track, requester)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	message := fmt.Sprintf("Now playing %q (%s)", track.Title, track.Duration)
	if queued {
		message = fmt.Sprintf("Added %q (%s) to the queue at position %d", track.Title, track.Duration, s.sessions.Queues().Len(id))
	}
	c.JSON(http.StatusOK, gin.H{"message": message, "chat_id": id, "title": track.Title})
}

func (s *Server) handleStop(c *gin.Context) {
	id, ok := s.chatID(c)
	if !ok {
		return
	}
	if s.delegate(c, id) {
		return
	}
	if err := s.sessions.Stop(c.Request.Context(), id); err != nil {
		s.sessionError(c, id, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Stopped playback and cleared the queue", "chat_id": id})
}

func (s *Server) handlePause(c *gin.Context) {
	id, ok := s.chatID(c)
	if !ok {
		return
	}
	if s.delegate(c, id) {
		return
	}
	if err := s.sessions.Pause(c.Request.Context(), id); err != nil {
		s.sessionError(c, id, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Paused", "chat_id": id})
}

func (s *Server) handleResume(c *gin.Context) {
	id, ok := s.chatID(c)
	if !ok {
		return
	}
	if s.delegate(c, id) {
		return
	}
	if err := s.sessions.Resume(c.Request.Context(), id); err != nil {
		s.sessionError(c, id, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Resumed", "chat_id": id})
}

func (s *Server) handleSkip(c *gin.Context) {
	id, ok := s.chatID(c)
	if !ok {
		return
	}
	if s.delegate(c, id) {
		return
	}
	if err := s.sessions.Skip(id); err != nil {
		s.sessionError(c, id, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Skipped to the next track", "chat_id": id})
}

func (s *Server) handleJoin(c *gin.Context) {
	if s.joiner == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "joining chats is not enabled"})
		return
	}
	ref, err := bridge.NormalizeRef(c.Query("ref"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.joiner.JoinChat(c.Request.Context(), ref); err != nil {
		switch {
		case errors.Is(err, bridge.ErrAlreadyMember):
			c.JSON(http.StatusOK, gin.H{"message": fmt.Sprintf("Already a member of %s", ref)})
		case errors.Is(err, bridge.ErrInvalidReference):
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("invalid chat reference %q", ref)})
		default:
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		}
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": fmt.Sprintf("Joined %s", ref)})
}

func (s *Server) handleStatus(c *gin.Context) {
	active := s.sessions.Registry().Snapshot()
	sessions := make([]gin.H, 0, len(active))
	for id, np := range active {
		sessions = append(sessions, gin.H{
			"chat_id":    id,
			"title":      np.Title,
			"source_url": np.SourceURL,
		})
	}
	queues := make(map[string]int)
	for _, id := range s.sessions.Queues().Chats() {
		queues[strconv.FormatInt(id, 10)] = s.sessions.Queues().Len(id)
	}
	c.JSON(http.StatusOK, gin.H{
		"uptime":   time.Since(s.started).Round(time.Second).String(),
		"active":   len(active),
		"sessions": sessions,
		"queues":   queues,
	})
}

func (s *Server) handleHistory(c *gin.Context) {
	if s.history == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "play history is not enabled"})
		return
	}
	id, ok := s.chatID(c)
	if !ok {
		return
	}
	limit := defaultHistoryLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("invalid limit %q", raw)})
			return
		}
		limit = n
	}

	records, err := s.history.Recent(id, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	out := make([]gin.H, 0, len(records))
	for _, r := range records {
		out = append(out, gin.H{
			"title":         r.Title,
			"source_url":    r.SourceURL,
			"duration_secs": r.DurationSecs,
			"requester":     r.Requester,
			"started_at":    r.StartedAt.Format(time.RFC3339),
		})
	}
	c.JSON(http.StatusOK, gin.H{"chat_id": id, "records": out})
}

// sessionError converts playback engine errors into failure bodies.
func (s *Server) sessionError(c *gin.Context, chatID int64, err error) {
	if errors.Is(err, session.ErrNotInSession) {
		c.JSON(http.StatusNotFound, gin.H{"error": fmt.Sprintf("chat %d has no active session", chatID)})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
}
