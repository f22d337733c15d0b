// Package handlers exposes the HTTP and WebSocket surface of the server.
//
// Routes:
//
//	GET /health               liveness and store status
//	GET /metrics              Prometheus exposition
//	GET /api/system-info      host load snapshot (rate limited)
//	GET /api/command-history  recent audit records (rate limited)
//	GET /api/stats            aggregate counters
//	GET /api/sessions         active sessions with redacted ids
//	GET /api/server-logs      tail of the server log file
//	GET /ws                   terminal WebSocket
package handlers

import (
	"net/http"
	"time"

	"github.com/gluk-w/cbash/internal/audit"
	"github.com/gluk-w/cbash/internal/auth"
	"github.com/gluk-w/cbash/internal/metrics"
	"github.com/gluk-w/cbash/internal/ratelimit"
	"github.com/gluk-w/cbash/internal/session"
	"github.com/gluk-w/cbash/internal/shell"
	"github.com/gluk-w/cbash/internal/store"
	"github.com/gluk-w/cbash/internal/terminal"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
)

// DefaultHistoryResponse is the number of records /api/command-history
// returns without a limit parameter.
const DefaultHistoryResponse = 100

// API holds the collaborators shared by all handlers. Store, Tokens and
// Limiter may be nil.
type API struct {
	Terminal *terminal.Service
	Registry *session.Registry
	Procs    *shell.Manager
	History  *audit.Log
	Metrics  *metrics.Recorder
	Sampler  *metrics.Sampler
	Limiter  *ratelimit.Limiter
	Store    store.Store
	Tokens   *auth.Issuer

	RequireToken   bool
	HistoryLimit   int
	SystemInfoRate int
	HistoryRate    int
	RateWindow     time.Duration
}

// Router builds the chi router with all routes mounted.
func (a *API) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)
	r.Use(chimw.RealIP)

	r.Get("/health", a.HealthCheck)
	r.Method(http.MethodGet, "/metrics", a.Metrics.Handler())
	r.Get("/ws", a.TerminalWS)

	r.Route("/api", func(r chi.Router) {
		r.With(a.Limiter.Middleware("system-info", a.SystemInfoRate, a.RateWindow, ExtractSourceIP)).
			Get("/system-info", a.SystemInfo)
		r.With(a.Limiter.Middleware("command-history", a.HistoryRate, a.RateWindow, ExtractSourceIP)).
			Get("/command-history", a.CommandHistory)
		r.Get("/stats", a.Stats)
		r.Get("/sessions", a.ListSessions)
		r.Get("/server-logs", a.ServerLogs)
	})
	return r
}
