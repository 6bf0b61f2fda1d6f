// Package server provides the HTTP surface: the chat websocket and the
// OpenAI-compatible v1 REST endpoints.
package server

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/deepakbhatia/LLMChat-experiments/internal/engine"
	"github.com/deepakbhatia/LLMChat-experiments/internal/logging"
	"github.com/deepakbhatia/LLMChat-experiments/internal/session"
	"github.com/deepakbhatia/LLMChat-experiments/pkg/types"
)

// Config holds server configuration.
type Config struct {
	Host         string
	Port         int
	EnableCORS   bool
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// DefaultConfig returns default server configuration.
func DefaultConfig() *Config {
	return &Config{
		Host:         "0.0.0.0",
		Port:         8000,
		EnableCORS:   true,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // streaming responses have no deadline
	}
}

// Server is the HTTP server.
type Server struct {
	config    *Config
	router    *chi.Mux
	httpSrv   *http.Server
	appConfig *types.Config

	registry    *engine.Registry
	cache       *engine.Cache
	gate        *engine.Gate
	sessionDeps session.Deps
}

// New creates a server around an assembled engine stack and session
// dependencies.
func New(cfg *Config, appConfig *types.Config, deps session.Deps) *Server {
	s := &Server{
		config:      cfg,
		router:      chi.NewRouter(),
		appConfig:   appConfig,
		registry:    deps.Registry,
		cache:       deps.Cache,
		gate:        deps.Gate,
		sessionDeps: deps,
	}

	s.setupMiddleware()
	s.setupRoutes()
	return s
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.Logger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RealIP)

	if s.config.EnableCORS {
		s.router.Use(cors.Handler(cors.Options{
			AllowedOrigins:   []string{"*"},
			AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
			ExposedHeaders:   []string{"X-Request-ID"},
			AllowCredentials: true,
			MaxAge:           300,
		}))
	}
}

func (s *Server) setupRoutes() {
	s.router.Get("/ws/chat/{userID}", s.handleChatWebsocket)

	s.router.Route("/v1", func(r chi.Router) {
		r.Get("/models", s.handleListModels)
		r.Post("/completions", s.handleCompletions)
		r.Post("/chat/completions", s.handleChatCompletions)
		r.Post("/embeddings", s.handleEmbeddings)
	})

	s.router.Get("/events", s.handleEvents)

	s.router.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.httpSrv = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.config.Host, s.config.Port),
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}
	return s.httpSrv.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

// Router returns the chi router for testing.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// requestShutdown asks the process to terminate after an unrecoverable
// out-of-memory condition. The signal goes through the normal shutdown
// path so in-flight sessions get their graceful close.
func requestShutdown() {
	logging.Error().Msg("out of memory while loading model; requesting shutdown")
	p, err := os.FindProcess(os.Getpid())
	if err != nil {
		os.Exit(1)
	}
	if err := p.Signal(os.Interrupt); err != nil {
		os.Exit(1)
	}
}
