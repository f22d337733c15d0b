package handlers

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/gluk-w/cbash/internal/audit"
	"github.com/gluk-w/cbash/internal/auth"
	"github.com/gluk-w/cbash/internal/dispatch"
	"github.com/gluk-w/cbash/internal/logging"
	"github.com/gluk-w/cbash/internal/metrics"
	"github.com/gluk-w/cbash/internal/ratelimit"
	"github.com/gluk-w/cbash/internal/security"
	"github.com/gluk-w/cbash/internal/session"
	"github.com/gluk-w/cbash/internal/shell"
	"github.com/gluk-w/cbash/internal/store"
	"github.com/gluk-w/cbash/internal/terminal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret"

func setupTestAPI(t *testing.T, mutate func(*API)) (*API, *httptest.Server) {
	t.Helper()

	st := store.NewMemoryStore()
	rec := metrics.NewRecorder()
	registry := session.NewRegistry(rec.ActiveSessions())
	procs := shell.NewManager(shell.Config{Mode: shell.ModeNone})
	t.Cleanup(procs.TerminateAll)
	history := audit.New(st, 0, 0)
	sampler := metrics.NewSampler(rec, st)
	limiter := ratelimit.New(st)

	d := dispatch.New(dispatch.Options{
		Filter:   security.NewFilter(),
		Procs:    procs,
		History:  history,
		Sessions: registry,
		System:   sampler,
		Timeout:  5 * time.Second,
	})
	svc := terminal.New(terminal.Options{
		Registry:   registry,
		Procs:      procs,
		Dispatcher: d,
		Limiter:    limiter,
		History:    history,
		Metrics:    rec,
	})

	api := &API{
		Terminal:       svc,
		Registry:       registry,
		Procs:          procs,
		History:        history,
		Metrics:        rec,
		Sampler:        sampler,
		Limiter:        limiter,
		Store:          st,
		Tokens:         auth.NewIssuer(testSecret, time.Hour),
		HistoryLimit:   1000,
		SystemInfoRate: 10,
		HistoryRate:    20,
		RateWindow:     time.Minute,
	}
	if mutate != nil {
		mutate(api)
	}
	srv := httptest.NewServer(api.Router())
	t.Cleanup(srv.Close)
	return api, srv
}

func dialWS(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws" + query
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.CloseNow() })
	return conn
}

type rawMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

func readMsg(t *testing.T, conn *websocket.Conn) rawMessage {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	var m rawMessage
	require.NoError(t, wsjson.Read(ctx, conn, &m))
	return m
}

func sendCommand(t *testing.T, conn *websocket.Conn, line string) terminal.Response {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, wsjson.Write(ctx, conn, terminal.Inbound{Type: terminal.TypeCommand, Payload: line}))

	m := readMsg(t, conn)
	require.Equal(t, terminal.TypeResponse, m.Type)
	var resp terminal.Response
	require.NoError(t, json.Unmarshal(m.Data, &resp))
	return resp
}

// handshake consumes the greeting and returns the session id.
func handshake(t *testing.T, conn *websocket.Conn) (string, string) {
	t.Helper()
	m := readMsg(t, conn)
	require.Equal(t, terminal.TypeInitialPrompt, m.Type)
	var prompt string
	require.NoError(t, json.Unmarshal(m.Data, &prompt))

	m = readMsg(t, conn)
	require.Equal(t, terminal.TypeSessionInfo, m.Type)
	var info terminal.SessionInfo
	require.NoError(t, json.Unmarshal(m.Data, &info))
	require.NotEmpty(t, info.SessionID)
	assert.False(t, info.ConnectedAt.IsZero())
	return info.SessionID, prompt
}

func getJSON(t *testing.T, url string, v interface{}) *http.Response {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	if v != nil && resp.StatusCode == http.StatusOK {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
	}
	return resp
}

func TestTerminalWS_EchoHello(t *testing.T) {
	_, srv := setupTestAPI(t, nil)
	conn := dialWS(t, srv, "")

	_, prompt := handshake(t, conn)
	cwd, err := os.Getwd()
	require.NoError(t, err)
	assert.Equal(t, cwd+" $ ", prompt)

	resp := sendCommand(t, conn, "echo hello")
	assert.Contains(t, resp.Output, "hello")
	assert.Equal(t, cwd+" $ ", resp.Prompt)
	assert.Equal(t, "echo hello", resp.Command)
	require.NotNil(t, resp.ExecutionTime)
	assert.GreaterOrEqual(t, *resp.ExecutionTime, 0.0)
}

func TestTerminalWS_Status(t *testing.T) {
	_, srv := setupTestAPI(t, nil)
	conn := dialWS(t, srv, "")
	sid, _ := handshake(t, conn)

	resp := sendCommand(t, conn, "cbash status")
	var status map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(resp.Output), &status))
	assert.Equal(t, sid, status["session_id"])
	assert.GreaterOrEqual(t, status["commands_executed"].(float64), 0.0)
	assert.GreaterOrEqual(t, status["uptime"].(float64), 0.0)
	assert.Nil(t, resp.ExecutionTime)
}

func TestTerminalWS_CdAndClear(t *testing.T) {
	_, srv := setupTestAPI(t, nil)
	conn := dialWS(t, srv, "")
	handshake(t, conn)
	dir := t.TempDir()

	resp := sendCommand(t, conn, "cd "+dir)
	assert.Empty(t, resp.Output)
	assert.Equal(t, dir+" $ ", resp.Prompt)

	resp = sendCommand(t, conn, "cd /definitely/not/here")
	assert.True(t, strings.HasPrefix(resp.Output, "cd:"))
	assert.Equal(t, dir+" $ ", resp.Prompt)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, wsjson.Write(ctx, conn, terminal.Inbound{Type: terminal.TypeCommand, Payload: "clear"}))
	m := readMsg(t, conn)
	assert.Equal(t, terminal.TypeClearTerminal, m.Type)
	var clear terminal.ClearTerminal
	require.NoError(t, json.Unmarshal(m.Data, &clear))
	assert.Equal(t, dir, clear.Cwd)
}

func TestTerminalWS_DisconnectRemovesSession(t *testing.T) {
	api, srv := setupTestAPI(t, nil)
	conn := dialWS(t, srv, "")
	handshake(t, conn)
	assert.Equal(t, 1, api.Registry.ActiveCount())

	conn.Close(websocket.StatusNormalClosure, "")
	assert.Eventually(t, func() bool { return api.Registry.ActiveCount() == 0 }, 3*time.Second, 20*time.Millisecond)
	assert.Equal(t, 0, api.Procs.Count())
}

func TestTerminalWS_TokenRequired(t *testing.T) {
	api, srv := setupTestAPI(t, func(a *API) { a.RequireToken = true })

	conn := dialWS(t, srv, "")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, _, err := conn.Read(ctx)
	require.Error(t, err)
	assert.Equal(t, closeUnauthorized, websocket.CloseStatus(err))

	tok, err := api.Tokens.Issue("alice")
	require.NoError(t, err)
	conn = dialWS(t, srv, "?token="+tok)
	handshake(t, conn)

	list := api.Registry.List()
	require.Len(t, list, 1)
	assert.Equal(t, "alice", list[0].User)
}

func TestTerminalWS_BadTokenRejected(t *testing.T) {
	_, srv := setupTestAPI(t, nil)
	conn := dialWS(t, srv, "?token=garbage")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, _, err := conn.Read(ctx)
	assert.Equal(t, closeUnauthorized, websocket.CloseStatus(err))
}

func TestHealthCheck(t *testing.T) {
	_, srv := setupTestAPI(t, nil)
	var body map[string]interface{}
	resp := getJSON(t, srv.URL+"/health", &body)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, "connected", body["store"])
	assert.EqualValues(t, 0, body["active_sessions"])
	assert.Contains(t, body, "uptime_seconds")
	assert.Contains(t, body, "timestamp")
}

func TestSystemInfo_RateLimited(t *testing.T) {
	_, srv := setupTestAPI(t, func(a *API) { a.SystemInfoRate = 2 })

	var info systemInfoResponse
	assert.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/api/system-info", &info).StatusCode)
	assert.GreaterOrEqual(t, info.MemoryPercent, 0.0)
	assert.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/api/system-info", nil).StatusCode)

	resp, err := http.Get(srv.URL + "/api/system-info")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.JSONEq(t, `{"error":"Rate limit exceeded"}`, string(body))
	assert.NotEmpty(t, resp.Header.Get("Retry-After"))
}

func TestSystemInfo_History(t *testing.T) {
	api, srv := setupTestAPI(t, nil)
	api.Sampler.Tick(context.Background())
	api.Sampler.Tick(context.Background())

	var info systemInfoResponse
	getJSON(t, srv.URL+"/api/system-info?history=5", &info)
	assert.Len(t, info.History, 2)

	resp := getJSON(t, srv.URL+"/api/system-info?history=abc", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCommandHistory(t *testing.T) {
	_, srv := setupTestAPI(t, nil)
	conn := dialWS(t, srv, "")
	sid, _ := handshake(t, conn)
	sendCommand(t, conn, "echo one")
	sendCommand(t, conn, "echo two")
	sendCommand(t, conn, "")

	var all []audit.Record
	getJSON(t, srv.URL+"/api/command-history", &all)
	require.Len(t, all, 2)
	assert.Equal(t, "echo one", all[0].Command)
	assert.Equal(t, "echo two", all[1].Command)
	assert.Equal(t, sid, all[1].SessionID)

	var limited []audit.Record
	getJSON(t, srv.URL+"/api/command-history?limit=1", &limited)
	require.Len(t, limited, 1)
	assert.Equal(t, "echo two", limited[0].Command)

	var other []audit.Record
	getJSON(t, srv.URL+"/api/command-history?session=unknown", &other)
	assert.Empty(t, other)

	var mine []audit.Record
	getJSON(t, srv.URL+"/api/command-history?session="+sid, &mine)
	assert.Len(t, mine, 2)

	assert.Equal(t, http.StatusBadRequest, getJSON(t, srv.URL+"/api/command-history?limit=-3", nil).StatusCode)
}

func TestStatsAndSessions(t *testing.T) {
	_, srv := setupTestAPI(t, nil)
	conn := dialWS(t, srv, "")
	sid, _ := handshake(t, conn)
	sendCommand(t, conn, "echo hi")

	var stats map[string]interface{}
	getJSON(t, srv.URL+"/api/stats", &stats)
	assert.EqualValues(t, 1, stats["active_sessions"])
	assert.EqualValues(t, 1, stats["total_commands"])

	var sessions []sessionSummary
	getJSON(t, srv.URL+"/api/sessions", &sessions)
	require.Len(t, sessions, 1)
	assert.Equal(t, session.Redact(sid), sessions[0].SessionID)
	assert.EqualValues(t, 1, sessions[0].CommandCount)
}

func TestSessionsIncludeProcess(t *testing.T) {
	procs := shell.NewManager(shell.Config{ShellArgs: []string{"-c", "printf ready; sleep 5"}})
	t.Cleanup(procs.TerminateAll)
	_, srv := setupTestAPI(t, func(a *API) { a.Procs = procs })

	conn := dialWS(t, srv, "")
	sid, _ := handshake(t, conn)
	p, err := procs.CreateSession(sid)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return p.Output.Total() > 0 }, 2*time.Second, 20*time.Millisecond)

	var sessions []sessionSummary
	getJSON(t, srv.URL+"/api/sessions", &sessions)
	require.Len(t, sessions, 1)
	require.NotNil(t, sessions[0].Process)
	assert.Equal(t, p.PID(), sessions[0].Process.PID)
	assert.True(t, sessions[0].Process.Alive)
	assert.Positive(t, sessions[0].Process.ScrollbackBytes)
}

func TestServerLogs(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cbash.log")
	require.NoError(t, logging.Init(logging.Options{Path: path, Format: "json"}))
	t.Cleanup(func() {
		logging.Close()
		logging.Init(logging.Options{})
	})
	l := logging.For("test")
	for i := 0; i < 5; i++ {
		l.Info().Int("n", i).Msg("server log line")
	}

	_, srv := setupTestAPI(t, nil)

	var body map[string]string
	resp := getJSON(t, srv.URL+"/api/server-logs?lines=2", &body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	lines := strings.Split(body["logs"], "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[1], `"n":4`)

	assert.Equal(t, http.StatusBadRequest, getJSON(t, srv.URL+"/api/server-logs?lines=x", nil).StatusCode)
}

func TestMetricsEndpoint(t *testing.T) {
	_, srv := setupTestAPI(t, nil)
	conn := dialWS(t, srv, "")
	handshake(t, conn)
	sendCommand(t, conn, "rm -rf /")

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Contains(t, string(body), `cbash_commands_total{command="rm",status="blocked"} 1`)
	assert.Contains(t, string(body), "cbash_active_sessions 1")
}

func TestExtractSourceIP(t *testing.T) {
	tests := []struct {
		name     string
		headers  map[string]string
		remote   string
		expected string
	}{
		{"forwarded", map[string]string{"X-Forwarded-For": "1.1.1.1, 2.2.2.2"}, "9.9.9.9:1", "1.1.1.1"},
		{"real ip", map[string]string{"X-Real-Ip": "3.3.3.3"}, "9.9.9.9:1", "3.3.3.3"},
		{"remote", nil, "9.9.9.9:1234", "9.9.9.9"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			r.RemoteAddr = tt.remote
			for k, v := range tt.headers {
				r.Header.Set(k, v)
			}
			assert.Equal(t, tt.expected, ExtractSourceIP(r))
		})
	}
}
