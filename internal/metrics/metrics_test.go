package metrics

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gluk-w/cbash/internal/store"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/robfig/cron/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecorder_ObserveCommand(t *testing.T) {
	r := NewRecorder()
	r.ObserveCommand("ls", StatusSuccess)
	r.ObserveCommand("ls", StatusSuccess)
	r.ObserveCommand("rm", StatusBlocked)
	r.ObserveCommand("/usr/bin/sleep", StatusTimeout)

	assert.Equal(t, 2.0, testutil.ToFloat64(r.commands.WithLabelValues("ls", StatusSuccess)))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.commands.WithLabelValues("rm", StatusBlocked)))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.commands.WithLabelValues("sleep", StatusTimeout)))
	assert.EqualValues(t, 4, r.TotalCommands())
}

func TestRecorder_Duration(t *testing.T) {
	r := NewRecorder()
	r.ObserveDuration(150 * time.Millisecond)
	r.ObserveDuration(2 * time.Second)

	assert.Equal(t, 1, testutil.CollectAndCount(r.duration))
	expected := `
# HELP cbash_active_sessions Number of active sessions
# TYPE cbash_active_sessions gauge
cbash_active_sessions 3
`
	r.ActiveSessions().Set(3)
	assert.NoError(t, testutil.CollectAndCompare(r.activeSessions, strings.NewReader(expected)))
}

func TestRecorder_SetSystem(t *testing.T) {
	r := NewRecorder()
	r.SetSystem(Sample{CPUPercent: 12.5, MemoryPercent: 40, Load1: 0.7})

	assert.Equal(t, 12.5, testutil.ToFloat64(r.cpu))
	assert.Equal(t, 40.0, testutil.ToFloat64(r.memory))
	assert.Equal(t, 0.7, testutil.ToFloat64(r.load1))
}

func TestRecorder_Handler(t *testing.T) {
	r := NewRecorder()
	r.ObserveCommand("echo", StatusSuccess)

	srv := httptest.NewServer(r.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Contains(t, string(body), `cbash_commands_total{command="echo",status="success"} 1`)
	assert.Contains(t, string(body), "cbash_command_duration_seconds")
}

func TestCommandLabel(t *testing.T) {
	assert.Equal(t, "empty", CommandLabel("  "))
	assert.Equal(t, "ls", CommandLabel("/bin/ls"))
	assert.Len(t, CommandLabel(strings.Repeat("x", 200)), maxLabelLen)
}

func TestSampler_TickPublishes(t *testing.T) {
	r := NewRecorder()
	st := store.NewMemoryStore()
	s := NewSampler(r, st)

	_, ok := s.Latest()
	assert.False(t, ok)

	sample := s.Tick(context.Background())
	assert.False(t, sample.Timestamp.IsZero())
	assert.GreaterOrEqual(t, sample.MemoryPercent, 0.0)

	latest, ok := s.Latest()
	require.True(t, ok)
	assert.Equal(t, sample.Timestamp, latest.Timestamp)
	assert.Equal(t, sample.MemoryPercent, testutil.ToFloat64(r.memory))

	s.Tick(context.Background())
	history, err := s.History(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.False(t, history[1].Timestamp.Before(history[0].Timestamp))
}

func TestSampler_CurrentReusesFreshSample(t *testing.T) {
	s := NewSampler(nil, nil)
	first := s.Tick(context.Background())
	assert.Equal(t, first.Timestamp, s.Current(context.Background()).Timestamp)

	h, err := s.History(context.Background(), 5)
	require.NoError(t, err)
	assert.Empty(t, h)
}

func TestSampler_Schedule(t *testing.T) {
	s := NewSampler(NewRecorder(), nil)
	c := cron.New()

	id, err := s.Schedule(c, "@every 1s")
	require.NoError(t, err)
	assert.NotZero(t, id)

	_, err = s.Schedule(c, "not a schedule")
	assert.Error(t, err)

	c.Start()
	defer c.Stop()
	assert.Eventually(t, func() bool {
		_, ok := s.Latest()
		return ok
	}, 3*time.Second, 50*time.Millisecond)
}
