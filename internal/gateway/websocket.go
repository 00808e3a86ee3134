package gateway

import (
	"context"
	"net/http"

	"github.com/KeithJLE/AI-Writing-Assistant/internal/identity"
	"github.com/KeithJLE/AI-Writing-Assistant/internal/session"
	"github.com/KeithJLE/AI-Writing-Assistant/internal/transcript"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// wsCommand is a client message on /ws/session.
type wsCommand struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// wsReply is a server message on /ws/session.
type wsReply struct {
	Type  string       `json:"type"`
	State *sessionView `json:"state,omitempty"`
	Error string       `json:"error,omitempty"`
}

// HandleWebSocket handles GET /ws/session. The server pushes a "state"
// message on every change; the client may send process, cancel, reset and
// ping commands.
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	id := identity.FromContext(r.Context())
	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		h.logger.Error("Failed to accept WebSocket", "error", err, "user_id", id.UserID)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "session ended"); closeErr != nil {
			h.logger.Debug("Failed to close websocket", "error", closeErr, "user_id", id.UserID)
		}
	}()

	ctrl := h.sessions.Acquire(id.UserID, id.SessionID)
	h.logger.Info("Session websocket connected", "user_id", id.UserID, "session_id", id.SessionID)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// One writer goroutine owns the connection's write side.
	replies := make(chan wsReply, 8)
	go func() {
		defer cancel()
		h.wsWriteLoop(ctx, ws, ctrl, replies)
	}()

	h.wsReadLoop(ctx, ws, ctrl, id, replies)
	h.logger.Info("Session websocket closed", "user_id", id.UserID, "session_id", id.SessionID)
}

func (h *Handler) wsReadLoop(ctx context.Context, ws *websocket.Conn, ctrl *session.Controller, id identity.Identity, replies chan<- wsReply) {
	reply := func(msg wsReply) {
		select {
		case replies <- msg:
		case <-ctx.Done():
		}
	}

	for {
		var cmd wsCommand
		if err := wsjson.Read(ctx, ws, &cmd); err != nil {
			if websocket.CloseStatus(err) != -1 || ctx.Err() != nil {
				h.logger.Debug("WebSocket closed by client", "user_id", id.UserID)
			} else {
				h.logger.Warn("WebSocket read error", "error", err, "user_id", id.UserID)
			}
			return
		}
		h.sessions.Touch(id.UserID, id.SessionID)

		switch cmd.Type {
		case "process":
			text, err := session.ValidateText(cmd.Text, h.cfg.MaxInputChars)
			if err != nil {
				reply(wsReply{Type: "error", Error: err.Error()})
				continue
			}
			if !h.rateLimiter.Allow(id.UserID) {
				reply(wsReply{Type: "error", Error: "rate limit exceeded"})
				continue
			}
			h.transcript.Log(transcript.Event{UserID: id.UserID, SessionID: id.SessionID, EventType: transcript.EventSubmit, Text: text})
			// Job creation runs in the background so cancel stays readable.
			ctrl.Start(context.WithoutCancel(ctx), text)
		case "cancel":
			ctrl.Cancel(context.WithoutCancel(ctx))
			h.transcript.Log(transcript.Event{UserID: id.UserID, SessionID: id.SessionID, EventType: transcript.EventCancel})
		case "reset":
			ctrl.Reset(context.WithoutCancel(ctx))
			h.transcript.Log(transcript.Event{UserID: id.UserID, SessionID: id.SessionID, EventType: transcript.EventReset})
		case "ping":
			reply(wsReply{Type: "pong"})
		default:
			reply(wsReply{Type: "error", Error: "unknown command " + cmd.Type})
		}
	}
}

func (h *Handler) wsWriteLoop(ctx context.Context, ws *websocket.Conn, ctrl *session.Controller, replies <-chan wsReply) {
	first := true
	var sent uint64
	for {
		snap, changed := ctrl.Observe()
		if first || snap.Version > sent {
			v := h.view(ctrl, snap)
			if err := wsjson.Write(ctx, ws, wsReply{Type: "state", State: &v}); err != nil {
				h.logger.Debug("WebSocket write error", "error", err)
				return
			}
			sent = snap.Version
			first = false
		}

		select {
		case <-ctx.Done():
			return
		case <-ctrl.Done():
			return
		case <-changed:
		case msg := <-replies:
			if err := wsjson.Write(ctx, ws, msg); err != nil {
				h.logger.Debug("WebSocket write error", "error", err)
				return
			}
		}
	}
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	if h.cfg.IsDevelopment() {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" || origin == h.cfg.FrontendURL {
		return true
	}
	h.logger.Warn("WebSocket origin rejected", "origin", origin, "allowed", h.cfg.FrontendURL)
	return false
}
