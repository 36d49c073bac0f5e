// Package server exposes the HTTP control surface: play, stop, pause,
// resume, skip and join commands plus status and history queries.
package server

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/zulandar/turntable/internal/models"
	"github.com/zulandar/turntable/internal/queue"
	"github.com/zulandar/turntable/internal/resolver"
	"github.com/zulandar/turntable/internal/router"
	"github.com/zulandar/turntable/internal/session"
)

// MediaResolver turns a free-text title into a playable track.
type MediaResolver interface {
	Resolve(ctx context.Context, title string) (resolver.Track, error)
}

// Sessions is the playback engine surface the handlers drive. session.Manager
// satisfies it.
type Sessions interface {
	Play(ctx context.Context, chatID int64, track resolver.Track, requester string) (queued bool, err error)
	Stop(ctx context.Context, chatID int64) error
	Pause(ctx context.Context, chatID int64) error
	Resume(ctx context.Context, chatID int64) error
	Skip(chatID int64) error
	Queues() *queue.Store
	Registry() *session.Registry
}

// Joiner joins the bot to a chat by reference. bridge.Adapter satisfies it.
type Joiner interface {
	JoinChat(ctx context.Context, ref string) error
}

// Admitter decides local-versus-delegated execution and relays delegated
// requests. router.Router satisfies it.
type Admitter interface {
	Admit(chatID int64) router.Decision
	Forward(w http.ResponseWriter, req *http.Request) error
}

// History serves recent play records. history.Store satisfies it.
type History interface {
	Recent(chatID int64, limit int) ([]models.PlayRecord, error)
}

// Opts holds configuration for the control server.
type Opts struct {
	Resolver MediaResolver
	Sessions Sessions
	Admitter Admitter
	Joiner   Joiner  // optional; join returns an error when absent
	History  History // optional; history returns an error when absent
	Port     int
	Out      io.Writer
}

// Server is the HTTP control surface.
type Server struct {
	resolver MediaResolver
	sessions Sessions
	admitter Admitter
	joiner   Joiner
	history  History
	port     int
	out      io.Writer
	started  time.Time
	engine   *gin.Engine
}

// New creates a Server and registers its routes.
func New(opts Opts) (*Server, error) {
	if opts.Resolver == nil {
		return nil, fmt.Errorf("server: resolver is required")
	}
	if opts.Sessions == nil {
		return nil, fmt.Errorf("server: sessions is required")
	}
	if opts.Admitter == nil {
		return nil, fmt.Errorf("server: admitter is required")
	}
	port := opts.Port
	if port <= 0 {
		port = 8080
	}

	s := &Server{
		resolver: opts.Resolver,
		sessions: opts.Sessions,
		admitter: opts.Admitter,
		joiner:   opts.Joiner,
		history:  opts.History,
		port:     port,
		out:      opts.Out,
		started:  time.Now(),
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	s.registerRoutes(engine)
	s.engine = engine
	return s, nil
}

// Handler exposes the route tree for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", s.port),
		Handler: s.engine,
	}

	go func() {
		<-ctx.Done()
		srv.Shutdown(context.Background())
	}()

	if s.out != nil {
		fmt.Fprintf(s.out, "Control surface listening on :%d\n", s.port)
	}

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server: %w", err)
	}
	return nil
}
