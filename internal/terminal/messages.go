package terminal

import (
	"time"

	"github.com/gluk-w/cbash/internal/dispatch"
	"github.com/gluk-w/cbash/internal/session"
)

// Message types on the wire.
const (
	TypeCommand       = "command"
	TypeInitialPrompt = "initial_prompt"
	TypeSessionInfo   = "session_info"
	TypeResponse      = "response"
	TypeClearTerminal = "clear_terminal"
)

// Inbound is a client message.
type Inbound struct {
	Type    string `json:"type"`
	Payload string `json:"payload"`
}

// Outbound is a server message.
type Outbound struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

type SessionInfo struct {
	SessionID   string    `json:"session_id"`
	ConnectedAt time.Time `json:"connected_at"`
}

type Response struct {
	Output        string   `json:"output"`
	Prompt        string   `json:"prompt"`
	ExecutionTime *float64 `json:"execution_time,omitempty"`
	Command       string   `json:"command,omitempty"`
}

type ClearTerminal struct {
	Cwd string `json:"cwd"`
}

// Greeting returns the messages sent right after a session is connected.
func Greeting(sess *session.Session) []Outbound {
	return []Outbound{
		{Type: TypeInitialPrompt, Data: dispatch.Prompt(sess.Cwd())},
		{Type: TypeSessionInfo, Data: SessionInfo{SessionID: sess.ID, ConnectedAt: sess.ConnectedAt}},
	}
}

// Messages renders a dispatch result for the client. Pass-through and cd
// responses carry the timing and the original command; extension output
// and empty input carry only output and prompt.
func Messages(res dispatch.Result) []Outbound {
	if res.Kind == dispatch.KindClear && res.Outcome == dispatch.OutcomeSuccess {
		return []Outbound{{Type: TypeClearTerminal, Data: ClearTerminal{Cwd: res.ClearCwd}}}
	}
	resp := Response{Output: res.Output, Prompt: res.Prompt}
	switch res.Kind {
	case dispatch.KindPassThrough, dispatch.KindCd:
		t := res.ExecutionTime()
		resp.ExecutionTime = &t
		resp.Command = res.Command
	}
	return []Outbound{{Type: TypeResponse, Data: resp}}
}
