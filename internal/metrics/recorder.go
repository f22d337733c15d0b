// Package metrics counts command outcomes, times pass-through executions,
// and samples host load on a schedule.
//
// All collectors live in a private prometheus.Registry so tests can build
// as many recorders as they like; [Recorder.Handler] exposes it.
package metrics

import (
	"net/http"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Command outcome labels.
const (
	StatusSuccess     = "success"
	StatusError       = "error"
	StatusBlocked     = "blocked"
	StatusTimeout     = "timeout"
	StatusRateLimited = "rate_limited"
)

const maxLabelLen = 64

type Recorder struct {
	reg *prometheus.Registry

	commands       *prometheus.CounterVec
	duration       prometheus.Histogram
	activeSessions prometheus.Gauge
	cpu            prometheus.Gauge
	memory         prometheus.Gauge
	load1          prometheus.Gauge

	total     atomic.Int64
	startedAt time.Time
}

func NewRecorder() *Recorder {
	r := &Recorder{
		reg: prometheus.NewRegistry(),
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cbash_commands_total",
			Help: "Total commands executed",
		}, []string{"command", "status"}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "cbash_command_duration_seconds",
			Help:    "Command execution time",
			Buckets: []float64{.005, .01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}),
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cbash_active_sessions",
			Help: "Number of active sessions",
		}),
		cpu: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cbash_system_cpu_percent",
			Help: "System CPU usage",
		}),
		memory: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cbash_system_memory_percent",
			Help: "System memory usage",
		}),
		load1: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cbash_system_load1",
			Help: "One-minute load average",
		}),
		startedAt: time.Now(),
	}
	r.reg.MustRegister(
		r.commands, r.duration, r.activeSessions, r.cpu, r.memory, r.load1,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return r
}

// ObserveCommand counts one dispatch outcome for the named command.
func (r *Recorder) ObserveCommand(name, status string) {
	r.commands.WithLabelValues(CommandLabel(name), status).Inc()
	r.total.Add(1)
}

// ObserveDuration records the wall time of a pass-through execution.
func (r *Recorder) ObserveDuration(d time.Duration) {
	r.duration.Observe(d.Seconds())
}

// ActiveSessions is the gauge the session registry keeps current.
func (r *Recorder) ActiveSessions() prometheus.Gauge {
	return r.activeSessions
}

// SetSystem publishes a host sample to the system gauges.
func (r *Recorder) SetSystem(s Sample) {
	r.cpu.Set(s.CPUPercent)
	r.memory.Set(s.MemoryPercent)
	r.load1.Set(s.Load1)
}

// TotalCommands returns the number of outcomes observed since start.
func (r *Recorder) TotalCommands() int64 {
	return r.total.Load()
}

// Uptime returns the time since the recorder was created.
func (r *Recorder) Uptime() time.Duration {
	return time.Since(r.startedAt)
}

// Registry exposes the private registry, mainly for tests.
func (r *Recorder) Registry() *prometheus.Registry {
	return r.reg
}

func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{Registry: r.reg})
}

// CommandLabel bounds the cardinality of the command label: only the base
// name of the program is kept, truncated.
func CommandLabel(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return "empty"
	}
	name = filepath.Base(name)
	if len(name) > maxLabelLen {
		name = name[:maxLabelLen]
	}
	return name
}
