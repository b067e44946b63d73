// Package server exposes signing sessions over HTTP.
//
// Each uploaded document gets its own session. A browser client drives it
// with explicit calls: upload, mark placeholders, submit signatures,
// download the export.
//
//	POST   /documents                      upload a PDF, creates a session
//	PUT    /documents/{id}                 replace the document
//	GET    /documents/{id}                 session status
//	DELETE /documents/{id}                 close the session
//	GET    /documents/{id}/pages/{page}    page surface as PNG
//	GET    /documents/{id}/placeholders    registered placeholders
//	POST   /documents/{id}/placeholders    {"page":1,"x":10,"y":20}
//	POST   /documents/{id}/signing         {"open":true}, empty body toggles
//	POST   /documents/{id}/signatures      {"image":"data:...","placeholder_id":"..."}
//	GET    /documents/{id}/export          download.pdf
//	GET    /documents/{id}/events          journal entries
//	GET    /documents/{id}/stream          WebSocket: status, then live events
//	GET    /healthz
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jonboulle/clockwork"

	"github.com/georgepadayatti/signpad/config"
	"github.com/georgepadayatti/signpad/journal"
	"github.com/georgepadayatti/signpad/pdf/render"
	"github.com/georgepadayatti/signpad/session"
)

// Server is the HTTP front end for signing sessions.
type Server struct {
	cfg      *config.AppConfig
	logger   *slog.Logger
	renderer render.Renderer
	journal  *journal.Journal
	clock    clockwork.Clock
	hub      *Hub
	registry *Registry
	router   chi.Router
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithRenderer replaces the MuPDF renderer.
func WithRenderer(r render.Renderer) Option {
	return func(s *Server) { s.renderer = r }
}

// WithJournal enables the event journal.
func WithJournal(j *journal.Journal) Option {
	return func(s *Server) { s.journal = j }
}

// WithClock sets the clock used for session expiry.
func WithClock(c clockwork.Clock) Option {
	return func(s *Server) { s.clock = c }
}

// New creates a Server. cfg must be defaulted and validated.
func New(cfg *config.AppConfig, opts ...Option) *Server {
	s := &Server{
		cfg:    cfg,
		logger: slog.Default(),
		clock:  clockwork.NewRealClock(),
	}
	for _, o := range opts {
		o(s)
	}
	if s.renderer == nil {
		s.renderer = render.NewFitzRenderer(cfg.Render.DPI)
	}
	var next journal.Recorder = journal.Nop{}
	if s.journal != nil {
		next = s.journal
	}
	s.hub = NewHub(next, s.clock, s.logger)
	s.registry = NewRegistry(cfg.Server.IdleTTL(), cfg.Server.MaxSessions, s.clock, s.logger)
	s.registry.onClose = s.hub.drop
	s.registry.watched = func(id string) bool { return s.hub.Watchers(id) > 0 }
	s.router = s.routes()
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(s.logger))
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)

	r.Post("/documents", s.handleCreate)
	r.Route("/documents/{id}", func(r chi.Router) {
		r.Get("/", s.handleStatus)
		r.Put("/", s.handleReplace)
		r.Delete("/", s.handleDelete)
		r.Get("/pages/{page}", s.handlePage)
		r.Get("/placeholders", s.handleListPlaceholders)
		r.Post("/placeholders", s.handleAddPlaceholder)
		r.Post("/signing", s.handleSigning)
		r.Post("/signatures", s.handleSignature)
		r.Get("/export", s.handleExport)
		r.Get("/events", s.handleEvents)
		r.Get("/stream", s.handleStream)
	})
	return r
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler { return s.router }

// Registry returns the session registry.
func (s *Server) Registry() *Registry { return s.registry }

// Hub returns the event hub sessions record to.
func (s *Server) Hub() *Hub { return s.hub }

// newSession creates a session wired to the server's renderer, event hub
// and logger.
func (s *Server) newSession() (*session.Session, error) {
	return session.New(s.cfg, s.renderer,
		session.WithLogger(s.logger),
		session.WithClock(s.clock),
		session.WithRecorder(s.hub),
	)
}

// Run serves HTTP on the configured address until ctx is done, then shuts
// down gracefully.
func (s *Server) Run(ctx context.Context) error {
	read, write, _ := s.cfg.Server.Durations()
	srv := &http.Server{
		Addr:              s.cfg.Server.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       read,
		WriteTimeout:      write,
		IdleTimeout:       60 * time.Second,
	}

	reapCtx, stopReaper := context.WithCancel(ctx)
	defer stopReaper()
	go s.registry.Run(reapCtx)

	errc := make(chan error, 1)
	go func() {
		s.logger.Info("server starting", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	select {
	case err := <-errc:
		if err != nil {
			return err
		}
	case <-ctx.Done():
	}

	s.logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := srv.Shutdown(shutdownCtx)
	s.registry.Close()
	s.logger.Info("server stopped")
	return err
}

// Close closes every open session.
func (s *Server) Close() error {
	return s.registry.Close()
}

// requestLogger logs one line per request with slog.
func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			defer func() {
				level := slog.LevelInfo
				if ww.Status() >= 500 {
					level = slog.LevelError
				}
				logger.Log(r.Context(), level, "http request",
					"method", r.Method,
					"path", r.URL.Path,
					"status", ww.Status(),
					"bytes", ww.BytesWritten(),
					"duration", time.Since(start),
					"request_id", middleware.GetReqID(r.Context()))
			}()
			next.ServeHTTP(ww, r)
		})
	}
}
