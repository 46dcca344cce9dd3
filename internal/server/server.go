// Package server exposes the HTTP front-end: the voice-device prompt
// endpoint and the reminder webhook. Both translate requests into bus
// queries; the prompt endpoint additionally waits for the pipeline's
// reply before responding.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/valet-ai/valet/internal/bus"
	"github.com/valet-ai/valet/internal/domain"
)

// Config tunes the HTTP front-end.
type Config struct {
	Port           int
	RequestTimeout time.Duration

	// Voice conversations use their own cache namespace and TTL,
	// forwarded to the strategy as a per-request override.
	VoiceCacheBaseKey string
	VoiceCacheTTL     int
}

// Server owns the router and the bus reply bridge.
type Server struct {
	Router *chi.Mux

	cfg    Config
	bus    *bus.Bus
	logger *slog.Logger
	http   *http.Server
}

// New builds the router and registers the reply bridge on the bus.
func New(cfg Config, b *bus.Bus, logger *slog.Logger) *Server {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}

	r := chi.NewRouter()
	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(logger))
	r.Use(TimeoutMiddleware(cfg.RequestTimeout))
	r.Use(middleware.Recoverer)
	r.Use(func(next http.Handler) http.Handler {
		return otelhttp.NewHandler(next, "valet")
	})

	s := &Server{
		Router: r,
		cfg:    cfg,
		bus:    b,
		logger: logger,
	}

	r.Post("/alexa/prompt", s.handlePrompt)
	r.Post("/reminders", s.handleReminders)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	b.On(bus.KindHTTPReply, s.onReply)
	b.On(bus.KindHTTPError, s.onReplyError)

	return s
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.http = &http.Server{
		Addr:    fmt.Sprintf(":%d", s.cfg.Port),
		Handler: s.Router,
	}
	s.logger.Info("starting server", slog.Int("port", s.cfg.Port))
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

// replyOutcome resolves one waiting HTTP request.
type replyOutcome struct {
	result domain.Result
	err    error
}

// metadataReplyChannel is the metadata key carrying the per-request
// channel the reply bridge resolves.
const metadataReplyChannel = "http_reply_channel"

func (s *Server) onReply(_ context.Context, ev bus.Event) error {
	reply, ok := ev.(*bus.Reply)
	if !ok {
		return fmt.Errorf("unexpected payload %T on %s", ev, ev.Kind())
	}
	// A failed turn emits both an error event and a fallback reply. Treat
	// the fallback as the error outcome so the response is a 502 no matter
	// which event arrives first.
	if reply.Failed {
		s.resolve(reply.Metadata, replyOutcome{err: fmt.Errorf("turn failed: %s", reply.Result.Response)})
		return nil
	}
	s.resolve(reply.Metadata, replyOutcome{result: reply.Result})
	return nil
}

func (s *Server) onReplyError(_ context.Context, ev bus.Event) error {
	replyErr, ok := ev.(*bus.ReplyError)
	if !ok {
		return fmt.Errorf("unexpected payload %T on %s", ev, ev.Kind())
	}
	s.resolve(replyErr.Metadata, replyOutcome{err: replyErr.Err})
	return nil
}

func (s *Server) resolve(metadata map[string]any, outcome replyOutcome) {
	ch, ok := metadata[metadataReplyChannel].(chan replyOutcome)
	if !ok {
		s.logger.Warn("reply event without a waiting request")
		return
	}
	// The channel is buffered and each request receives at most once;
	// a second terminal event for the same request is dropped here.
	select {
	case ch <- outcome:
	default:
	}
}
