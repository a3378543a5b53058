// Package server assembles the gateway routes and middleware around the
// session core.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"go.opentelemetry.io/otel/trace"

	"github.com/vango-go/vai-evidence/pkg/core/bus"
	"github.com/vango-go/vai-evidence/pkg/core/live"
	"github.com/vango-go/vai-evidence/pkg/core/store"
	"github.com/vango-go/vai-evidence/pkg/gateway/auth"
	"github.com/vango-go/vai-evidence/pkg/gateway/config"
	"github.com/vango-go/vai-evidence/pkg/gateway/handlers"
	"github.com/vango-go/vai-evidence/pkg/gateway/lifecycle"
	"github.com/vango-go/vai-evidence/pkg/gateway/live/relay"
	"github.com/vango-go/vai-evidence/pkg/gateway/live/sessions"
	"github.com/vango-go/vai-evidence/pkg/gateway/mw"
	"github.com/vango-go/vai-evidence/pkg/gateway/principal"
	"github.com/vango-go/vai-evidence/pkg/gateway/ratelimit"
)

const drainingWarning = "server draining; reconnect shortly"

// Pipeline starts and awaits evidence runs.
type Pipeline interface {
	handlers.PipelineTrigger
	relay.EvidenceSource
}

type Dependencies struct {
	Store    store.Store
	Bus      *bus.Bus
	Pipeline Pipeline
	// Dialer opens upstream voice sessions; nil disables voice.
	Dialer live.Dialer
	Tracer trace.Tracer
}

type Server struct {
	cfg    config.Config
	logger *slog.Logger
	mux    *http.ServeMux
	deps   Dependencies

	limiter      *ratelimit.Limiter
	verifier     *auth.Verifier
	lifecycle    *lifecycle.Lifecycle
	liveSessions *sessions.Tracker
}

func New(cfg config.Config, logger *slog.Logger, deps Dependencies) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Store == nil || deps.Bus == nil || deps.Pipeline == nil {
		return nil, fmt.Errorf("store, bus and pipeline are required")
	}

	s := &Server{
		cfg:    cfg,
		logger: logger,
		mux:    http.NewServeMux(),
		deps:   deps,
		limiter: ratelimit.New(ratelimit.Config{
			Window:     cfg.RateLimitWindow,
			Capacity:   cfg.RateLimitCapacity,
			SweepEvery: cfg.RateLimitSweepEvery,
		}),
		lifecycle:    &lifecycle.Lifecycle{},
		liveSessions: sessions.NewTracker(),
	}
	if cfg.AuthMode == config.AuthModeRequired {
		v, err := auth.NewVerifier(cfg.LiveAuthSecret)
		if err != nil {
			return nil, fmt.Errorf("live auth: %w", err)
		}
		s.verifier = v
	}

	s.routes()
	return s, nil
}

func (s *Server) routes() {
	s.mux.Handle("GET /healthz", handlers.HealthHandler{})
	s.mux.Handle("GET /readyz", handlers.ReadyHandler{Config: s.cfg, Lifecycle: s.lifecycle})

	sh := handlers.SessionsHandler{
		Config: s.cfg,
		Store:  s.deps.Store,
		Bus:    s.deps.Bus,
		Logger: s.logger,
	}
	s.mux.Handle("POST /v1/sessions", s.bounded(http.HandlerFunc(sh.Create)))
	s.mux.Handle("GET /v1/sessions", s.bounded(http.HandlerFunc(sh.List)))
	s.mux.Handle("GET /v1/sessions/{id}", s.bounded(http.HandlerFunc(sh.Get)))
	s.mux.Handle("PATCH /v1/sessions/{id}/constraints", s.bounded(http.HandlerFunc(sh.PatchConstraints)))
	s.mux.Handle("POST /v1/sessions/{id}/transcript", s.bounded(http.HandlerFunc(sh.AppendTranscript)))
	s.mux.Handle("POST /v1/sessions/{id}/cards/{cardId}/pin", s.bounded(http.HandlerFunc(sh.TogglePin)))
	s.mux.Handle("POST /v1/sessions/{id}/choice-set/regenerate", s.bounded(http.HandlerFunc(sh.RegenerateChoiceSet)))

	s.mux.Handle("POST /v1/sessions/{id}/analyze", mw.RateLimit(s.limiter, s.cfg.AnalyzeRateLimit,
		func(r *http.Request) string { return "analyze:" + r.PathValue("id") },
		s.bounded(handlers.AnalyzeHandler{Config: s.cfg, Pipeline: s.deps.Pipeline, Logger: s.logger}),
	))

	s.mux.Handle("GET /v1/sessions/{id}/events", handlers.EventsHandler{
		Config: s.cfg,
		Store:  s.deps.Store,
		Bus:    s.deps.Bus,
		Logger: s.logger,
	})

	s.mux.Handle("GET /v1/sessions/{id}/live", mw.RateLimit(s.limiter, s.cfg.LiveRateLimit,
		func(r *http.Request) string { return "live-ws:" + principal.ClientIP(r, s.cfg.TrustProxyHeaders) },
		handlers.LiveHandler{
			Config:       s.cfg,
			Store:        s.deps.Store,
			Bus:          s.deps.Bus,
			Evidence:     s.deps.Pipeline,
			Dialer:       s.deps.Dialer,
			Verifier:     s.verifier,
			Logger:       s.logger,
			Tracer:       s.deps.Tracer,
			Lifecycle:    s.lifecycle,
			LiveSessions: s.liveSessions,
		},
	))

	s.mux.Handle("/", handlers.NotFoundHandler{})
}

// bounded applies the request-scoped handler timeout. Streaming routes are
// not wrapped.
func (s *Server) bounded(next http.Handler) http.Handler {
	if s.cfg.HandlerTimeout <= 0 {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), s.cfg.HandlerTimeout)
		defer cancel()
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) Handler() http.Handler {
	var h http.Handler = s.mux
	h = mw.CORS(s.cfg, h)
	h = mw.Recover(s.logger, h)
	h = mw.AccessLog(s.logger, h)
	h = mw.RequestID(h)
	return h
}

// SetDraining flips readiness to 503 and refuses new live connections.
func (s *Server) SetDraining() {
	s.lifecycle.SetDraining(true)
}

func (s *Server) WarnLiveSessionsDraining() int {
	return s.liveSessions.WarnAll(drainingWarning)
}

// WaitLiveSessions blocks until every live relay has ended or ctx is done.
func (s *Server) WaitLiveSessions(ctx context.Context) bool {
	return s.liveSessions.Wait(ctx)
}

func (s *Server) CancelLiveSessions() int {
	return s.liveSessions.CancelAll()
}

// LiveSessionCount reports open live relays.
func (s *Server) LiveSessionCount() int {
	return s.liveSessions.Count()
}
