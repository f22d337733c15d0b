package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/gluk-w/cbash/internal/logging"
	"github.com/gluk-w/cbash/internal/terminal"
	"github.com/rs/zerolog"
)

// Close codes sent before a session exists.
const (
	closeUnauthorized websocket.StatusCode = 4401
	closeInternal     websocket.StatusCode = 4500
)

// maxCommandMessage caps one inbound frame.
const maxCommandMessage = 64 * 1024

const writeTimeout = 10 * time.Second

func wsLog() *zerolog.Logger {
	l := logging.For("ws")
	return &l
}

// TerminalWS serves one terminal session over a WebSocket.
//
// Query parameters:
//   - token: (optional) signed session token; required when RequireToken is set.
//
// Messages are handled one at a time in arrival order, so responses of a
// session are never reordered. The session is torn down when the socket
// closes.
func (a *API) TerminalWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		wsLog().Warn().Err(err).Msg("failed to accept terminal websocket")
		return
	}
	defer conn.CloseNow()
	conn.SetReadLimit(maxCommandMessage)

	user, ok := a.authenticate(r)
	if !ok {
		conn.Close(closeUnauthorized, "Invalid or missing session token")
		return
	}

	clientAddr := ExtractSourceIP(r)
	sess, err := a.Terminal.Connect(clientAddr, user)
	if err != nil {
		wsLog().Error().Err(err).Msg("failed to create session")
		conn.Close(closeInternal, "Failed to create session")
		return
	}
	defer a.Terminal.Disconnect(sess.ID)

	ctx := r.Context()
	if err := writeAll(ctx, conn, terminal.Greeting(sess)); err != nil {
		return
	}

	for {
		var msg terminal.Inbound
		if err := wsjson.Read(ctx, conn, &msg); err != nil {
			status := websocket.CloseStatus(err)
			if status != websocket.StatusNormalClosure && status != websocket.StatusGoingAway && !errors.Is(err, context.Canceled) {
				wsLog().Debug().Err(err).Str("session_id", sess.ID).Msg("terminal read ended")
			}
			return
		}
		if msg.Type != terminal.TypeCommand {
			wsLog().Debug().Str("session_id", sess.ID).Str("type", logging.Sanitize(msg.Type)).Msg("ignoring message")
			continue
		}

		res, err := a.Terminal.HandleCommand(ctx, sess.ID, msg.Payload)
		if err != nil {
			wsLog().Error().Err(err).Str("session_id", sess.ID).Msg("command rejected")
			conn.Close(closeInternal, "Session lost")
			return
		}
		if err := writeAll(ctx, conn, terminal.Messages(res)); err != nil {
			return
		}
	}
}

// authenticate returns the token subject. Without RequireToken a missing
// token is accepted anonymously, but a present one must still verify.
func (a *API) authenticate(r *http.Request) (string, bool) {
	token := r.URL.Query().Get("token")
	if token == "" {
		return "", !a.RequireToken
	}
	if a.Tokens == nil {
		return "", false
	}
	user, err := a.Tokens.Verify(token)
	if err != nil {
		wsLog().Warn().Err(err).Str("client", ExtractSourceIP(r)).Msg("rejected session token")
		return "", false
	}
	return user, true
}

func writeAll(ctx context.Context, conn *websocket.Conn, msgs []terminal.Outbound) error {
	for _, m := range msgs {
		wctx, cancel := context.WithTimeout(ctx, writeTimeout)
		err := wsjson.Write(wctx, conn, m)
		cancel()
		if err != nil {
			return err
		}
	}
	return nil
}
