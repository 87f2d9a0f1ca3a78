package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/enrollware/enroll-core/internal/auth"
	"github.com/enrollware/enroll-core/internal/course"
	"github.com/enrollware/enroll-core/internal/dispatch"
	"github.com/enrollware/enroll-core/internal/infrastructure/config"
	"github.com/enrollware/enroll-core/internal/infrastructure/database"
	"github.com/enrollware/enroll-core/internal/infrastructure/logging"
	"github.com/enrollware/enroll-core/internal/ratelimit"
)

const gracefulShutdownTimeout = 10 * time.Second

// Deps carries everything the HTTP server needs. All fields are required
// unless noted.
type Deps struct {
	Config     *config.Config
	Logger     *logging.Logger
	DB         *database.DB
	Auth       *auth.Gateway
	Users      auth.UserRepository
	Courses    course.Repository
	Dispatcher *dispatch.Dispatcher
	Limiter    *ratelimit.Limiter
	Version    string
}

// Server is the HTTP front door: the public auth surface, the
// authenticated admission surface, the admin surface and the internal
// surface, plus the WebSocket hub for task events.
type Server struct {
	cfg        *config.Config
	logger     *logging.Logger
	db         *database.DB
	auth       *auth.Gateway
	users      auth.UserRepository
	courses    course.Repository
	dispatcher *dispatch.Dispatcher
	limiter    *ratelimit.Limiter
	version    string

	hub  *Hub
	http *http.Server
}

// New validates deps and builds the server, including the route tree and
// the WebSocket hub. The hub subscribes to terminal task transitions so
// clients need not poll.
func New(deps Deps) (*Server, error) {
	switch {
	case deps.Config == nil:
		return nil, errors.New("api: config is required")
	case deps.Logger == nil:
		return nil, errors.New("api: logger is required")
	case deps.DB == nil:
		return nil, errors.New("api: database is required")
	case deps.Auth == nil:
		return nil, errors.New("api: auth gateway is required")
	case deps.Users == nil:
		return nil, errors.New("api: user repository is required")
	case deps.Courses == nil:
		return nil, errors.New("api: course repository is required")
	case deps.Dispatcher == nil:
		return nil, errors.New("api: dispatcher is required")
	case deps.Limiter == nil:
		return nil, errors.New("api: rate limiter is required")
	}

	s := &Server{
		cfg:        deps.Config,
		logger:     deps.Logger.With("component", "api"),
		db:         deps.DB,
		auth:       deps.Auth,
		users:      deps.Users,
		courses:    deps.Courses,
		dispatcher: deps.Dispatcher,
		limiter:    deps.Limiter,
		version:    deps.Version,
	}
	s.hub = newHub(deps.Config.WebSocket, s.logger)
	deps.Dispatcher.OnTerminal(func(t dispatch.Task) {
		s.hub.BroadcastTask(t)
	})

	addr := net.JoinHostPort(deps.Config.API.Host, strconv.Itoa(deps.Config.API.Port))
	s.http = &http.Server{
		Addr:         addr,
		Handler:      s.buildRouter(),
		ReadTimeout:  deps.Config.GetReadTimeout(),
		WriteTimeout: deps.Config.GetWriteTimeout(),
		IdleTimeout:  deps.Config.GetIdleTimeout(),
	}
	return s, nil
}

// Start begins serving. It blocks until the listener fails or Close is
// called; a clean shutdown returns nil.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.http.Addr)
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Close drains in-flight requests, then closes the WebSocket hub.
func (s *Server) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()

	err := s.http.Shutdown(ctx)
	s.hub.Close()
	if err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	s.logger.Info("http server stopped")
	return nil
}
