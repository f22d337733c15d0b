package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gluk-w/cbash/internal/audit"
	"github.com/gluk-w/cbash/internal/metrics"
	"github.com/gluk-w/cbash/internal/session"
	"github.com/gluk-w/cbash/internal/shell"
)

func (a *API) HealthCheck(w http.ResponseWriter, r *http.Request) {
	storeStatus := "none"
	if a.Store != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		storeStatus = "connected"
		if err := a.Store.Ping(ctx); err != nil {
			storeStatus = "degraded"
		}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":          "healthy",
		"timestamp":       time.Now().UTC(),
		"active_sessions": a.Registry.ActiveCount(),
		"uptime_seconds":  a.Metrics.Uptime().Seconds(),
		"store":           storeStatus,
	})
}

type systemInfoResponse struct {
	CPUPercent     float64          `json:"cpu_percent"`
	MemoryPercent  float64          `json:"memory_percent"`
	DiskPercent    float64          `json:"disk_percent"`
	Load1          float64          `json:"load1"`
	ActiveSessions int              `json:"active_sessions"`
	UptimeSeconds  float64          `json:"uptime_seconds"`
	SampledAt      time.Time        `json:"sampled_at"`
	History        []metrics.Sample `json:"history,omitempty"`
}

// SystemInfo returns the latest host sample. ?history=N adds up to N
// stored samples, oldest first.
func (a *API) SystemInfo(w http.ResponseWriter, r *http.Request) {
	sample := a.Sampler.Current(r.Context())
	resp := systemInfoResponse{
		CPUPercent:     sample.CPUPercent,
		MemoryPercent:  sample.MemoryPercent,
		DiskPercent:    sample.DiskPercent,
		Load1:          sample.Load1,
		ActiveSessions: a.Registry.ActiveCount(),
		UptimeSeconds:  a.Metrics.Uptime().Seconds(),
		SampledAt:      sample.Timestamp,
	}

	if r.URL.Query().Has("history") {
		n, ok := queryInt(r, "history", 0, metrics.HistoryCap)
		if !ok {
			writeError(w, http.StatusBadRequest, "history must be a positive integer")
			return
		}
		history, err := a.Sampler.History(r.Context(), n)
		if err != nil {
			writeError(w, http.StatusServiceUnavailable, "Metric history unavailable")
			return
		}
		resp.History = history
	}
	writeJSON(w, http.StatusOK, resp)
}

// CommandHistory returns recent audit records in execution order, for all
// sessions or for ?session=<id>.
func (a *API) CommandHistory(w http.ResponseWriter, r *http.Request) {
	limit, ok := queryInt(r, "limit", DefaultHistoryResponse, a.HistoryLimit)
	if !ok {
		writeError(w, http.StatusBadRequest, "limit must be a positive integer")
		return
	}

	var records []audit.Record
	if sid := r.URL.Query().Get("session"); sid != "" {
		records = a.History.RecentForSession(r.Context(), sid, limit)
	} else {
		records = a.History.Recent(r.Context(), limit)
	}
	writeJSON(w, http.StatusOK, records)
}

func (a *API) Stats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"active_sessions":   a.Registry.ActiveCount(),
		"session_processes": a.Procs.Count(),
		"total_commands":    a.Metrics.TotalCommands(),
		"uptime_seconds":    a.Metrics.Uptime().Seconds(),
	})
}

type sessionSummary struct {
	SessionID    string             `json:"session_id"`
	ConnectedAt  time.Time          `json:"connected_at"`
	LastActivity time.Time          `json:"last_activity"`
	CommandCount int64              `json:"command_count"`
	Process      *shell.ProcessInfo `json:"process,omitempty"`
}

func (a *API) ListSessions(w http.ResponseWriter, r *http.Request) {
	list := a.Registry.List()
	out := make([]sessionSummary, len(list))
	for i, s := range list {
		out[i] = sessionSummary{
			SessionID:    session.Redact(s.ID),
			ConnectedAt:  s.ConnectedAt,
			LastActivity: s.LastActivity,
			CommandCount: s.CommandCount,
		}
		if info, ok := a.Procs.Info(s.ID); ok && info.PID != 0 {
			out[i].Process = &info
		}
	}
	writeJSON(w, http.StatusOK, out)
}
