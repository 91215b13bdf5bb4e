package viewserver

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/cors"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/mcdev12/gavel/go/internal/models"
	"github.com/mcdev12/gavel/go/internal/sessionstore"
)

// Session is the part of a session store the server exposes.
type Session interface {
	SessionID() string
	View() sessionstore.View
	Watch() (<-chan sessionstore.View, func())
	Done() <-chan struct{}
	PlaceBid(ctx context.Context, price int64) (*models.BidEvent, error)
	CheckDeposit(ctx context.Context) (bool, error)
}

// Sessions resolves followed sessions.
type Sessions interface {
	Session(sessionID string) (Session, bool)
	Sessions() []Session
}

// Registrar handles session sign-up.
type Registrar interface {
	Register(ctx context.Context, userID, sessionID string) (*models.Registration, error)
	Unregister(ctx context.Context, userID, sessionID string) (*models.Registration, error)
	IsRegistered(ctx context.Context, userID, sessionID string) (bool, error)
	RegisteredUsers(ctx context.Context, sessionID string) ([]models.User, error)
}

// Config holds HTTP and stream settings.
type Config struct {
	Addr           string        `yaml:"addr"`
	UserID         string        `yaml:"-"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	PingInterval   time.Duration `yaml:"ping_interval"`
	MaxMessageSize int64         `yaml:"max_message_size"`
}

// DefaultConfig returns the default server configuration.
func DefaultConfig() Config {
	return Config{
		Addr:           ":8080",
		WriteTimeout:   10 * time.Second,
		ReadTimeout:    60 * time.Second,
		PingInterval:   30 * time.Second,
		MaxMessageSize: 1024,
	}
}

// Server exposes session views, bidding and registration over HTTP and
// streams view changes over WebSocket.
type Server struct {
	config       Config
	sessions     Sessions
	registration Registrar
	pending      PendingCounter
	upgrader     websocket.Upgrader
}

type Option func(*Server)

// WithPendingCounter adds pending broadcast counts to the health report.
func WithPendingCounter(pending PendingCounter) Option {
	return func(s *Server) {
		s.pending = pending
	}
}

func NewServer(config Config, sessions Sessions, registration Registrar, opts ...Option) *Server {
	defaults := DefaultConfig()
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = defaults.WriteTimeout
	}
	if config.ReadTimeout <= 0 {
		config.ReadTimeout = defaults.ReadTimeout
	}
	if config.PingInterval <= 0 {
		config.PingInterval = defaults.PingInterval
	}
	if config.MaxMessageSize <= 0 {
		config.MaxMessageSize = defaults.MaxMessageSize
	}
	if config.Addr == "" {
		config.Addr = defaults.Addr
	}

	s := &Server{
		config:       config,
		sessions:     sessions,
		registration: registration,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the routed handler wrapped with CORS and h2c.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.registerRoutes(mux)

	c := cors.New(cors.Options{
		AllowedMethods: []string{
			http.MethodHead,
			http.MethodGet,
			http.MethodPost,
			http.MethodDelete,
		},
		AllowedOrigins: []string{"*"},
		AllowedHeaders: []string{"*"},
	})

	return h2c.NewHandler(c.Handler(mux), &http2.Server{})
}

// HTTPServer builds the listening server.
func (s *Server) HTTPServer() *http.Server {
	return &http.Server{
		Addr:              s.config.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
}

func (s *Server) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/sessions", s.handleListSessions)
	mux.HandleFunc("GET /api/sessions/{id}/view", s.handleGetView)
	mux.HandleFunc("POST /api/sessions/{id}/bids", s.handlePlaceBid)
	mux.HandleFunc("GET /api/sessions/{id}/deposit", s.handleDeposit)
	mux.HandleFunc("GET /api/sessions/{id}/registration", s.handleRegistrationStatus)
	mux.HandleFunc("POST /api/sessions/{id}/registration", s.handleRegister)
	mux.HandleFunc("DELETE /api/sessions/{id}/registration", s.handleUnregister)
	mux.HandleFunc("GET /api/sessions/{id}/registrants", s.handleRegistrants)
	mux.HandleFunc("GET /ws/sessions/{id}", s.handleStream)
	mux.HandleFunc("GET /health", s.handleHealth)
}

// FromRegistry adapts a store registry to Sessions.
func FromRegistry(registry *sessionstore.Registry) Sessions {
	return registrySessions{registry: registry}
}

type registrySessions struct {
	registry *sessionstore.Registry
}

func (r registrySessions) Session(sessionID string) (Session, bool) {
	store, ok := r.registry.Get(sessionID)
	if !ok {
		return nil, false
	}
	return store, true
}

func (r registrySessions) Sessions() []Session {
	stores := r.registry.List()
	out := make([]Session, 0, len(stores))
	for _, store := range stores {
		out = append(out, store)
	}
	return out
}
