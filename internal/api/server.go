// Package api provides the HTTP surface of the hub: the websocket endpoint,
// health and metrics, and read-only inspection of participants, knowledge
// and the message archive.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/cognitivecities/neuralhub/internal/core"
	"github.com/cognitivecities/neuralhub/internal/knowledge"
	"github.com/cognitivecities/neuralhub/internal/logging"
	"github.com/cognitivecities/neuralhub/internal/mesh"
	"github.com/cognitivecities/neuralhub/internal/metrics"
	"github.com/cognitivecities/neuralhub/internal/scheduler"
	"github.com/cognitivecities/neuralhub/internal/vectors"
)

// Validator checks an envelope without routing it
type Validator interface {
	Validate(data []byte) (core.Message, error)
}

// Archive reads persisted messages, newest first
type Archive interface {
	Recent(ctx context.Context, limit int) ([]core.Envelope, error)
	ByParticipant(ctx context.Context, participant string, limit int) ([]core.Envelope, error)
}

// SimilarityIndex finds knowledge items close to a text
type SimilarityIndex interface {
	Similar(ctx context.Context, text string, limit int, kind string) ([]vectors.Match, error)
}

// Pinger reports whether a dependency is reachable
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server is the HTTP API server
type Server struct {
	router     *chi.Mux
	httpServer *http.Server

	// Components
	hub       *mesh.Hub
	validator Validator
	knowledge *knowledge.Store
	similar   SimilarityIndex
	archive   Archive
	scheduler *scheduler.Scheduler
	metrics   *metrics.Collector
	db        Pinger

	shutdownTimeout time.Duration
	logger          *zap.Logger
	started         time.Time
}

// Config for the server. Only Hub is required; routes for missing
// components are not mounted.
type Config struct {
	Addr            string
	AllowedOrigins  []string
	ShutdownTimeout time.Duration

	Hub       *mesh.Hub
	Validator Validator
	Knowledge *knowledge.Store
	Similar   SimilarityIndex
	Archive   Archive
	Scheduler *scheduler.Scheduler
	Metrics   *metrics.Collector
	DB        Pinger

	Logger *zap.Logger
}

// New creates a new API server
func New(cfg Config) *Server {
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{"*"}
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}

	s := &Server{
		hub:       cfg.Hub,
		validator: cfg.Validator,
		knowledge: cfg.Knowledge,
		similar:   cfg.Similar,
		archive:   cfg.Archive,
		scheduler: cfg.Scheduler,
		metrics:   cfg.Metrics,
		db:        cfg.DB,

		shutdownTimeout: cfg.ShutdownTimeout,
		logger:          logging.OrNop(cfg.Logger).Named("api"),
		started:         time.Now(),
	}

	s.setupRouter(cfg.AllowedOrigins)

	s.httpServer = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	return s
}

// Handler returns the root handler
func (s *Server) Handler() http.Handler {
	return s.router
}

// setupRouter configures all routes
func (s *Server) setupRouter(origins []string) {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(s.logger))
	r.Use(middleware.Recoverer)

	// CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		ExposedHeaders: []string{"X-Request-Id"},
		MaxAge:         300,
	}))

	// WebSocket. Long lived, so it stays outside the request timeout.
	r.Get("/ws", s.hub.ServeWS)

	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", s.metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Timeout(30 * time.Second))

		// Participants
		r.Get("/participants", s.handleListParticipants)
		r.Get("/participants/{participant}", s.handleGetParticipant)

		// Knowledge
		if s.knowledge != nil {
			r.Get("/knowledge", s.handleListKnowledge)
			if s.similar != nil {
				r.Get("/knowledge/similar", s.handleSimilarKnowledge)
			}
			r.Get("/knowledge/{id}", s.handleGetKnowledge)
		}

		// Message archive
		if s.archive != nil {
			r.Get("/messages", s.handleListMessages)
		}

		// Envelope validation
		if s.validator != nil {
			r.Post("/validate", s.handleValidate)
		}

		// Scheduler
		if s.scheduler != nil {
			r.Get("/tasks", s.handleListTasks)
		}
	})

	s.router = r
}

// Run serves until ctx is done, then shuts down gracefully
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve is Run on an existing listener
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("API server listening", zap.String("addr", ln.Addr().String()))
		errCh <- s.httpServer.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop gracefully stops the server
func (s *Server) Stop(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// requestLogger logs one line per request
func requestLogger(logger *zap.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			logger.Debug("http request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
				zap.String("remote_addr", r.RemoteAddr),
			)
		})
	}
}

// --- Response helpers ---

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// errorResponse is the body of every error reply
type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, errorResponse{Error: message})
}

// respondErr maps coded errors to client errors and everything else to 500
func (s *Server) respondErr(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusBadRequest
	switch code := core.Code(err); {
	case errors.Is(err, core.ErrNotFound):
		status = http.StatusNotFound
	case code == "internal":
		status = http.StatusInternalServerError
		s.logger.Error("request failed",
			zap.String("path", r.URL.Path),
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.Error(err),
		)
		respondJSON(w, status, errorResponse{Error: "internal error", Code: code})
		return
	}
	respondJSON(w, status, errorResponse{Error: err.Error(), Code: core.Code(err)})
}
