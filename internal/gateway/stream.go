package gateway

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/KeithJLE/AI-Writing-Assistant/internal/identity"
	"github.com/KeithJLE/AI-Writing-Assistant/internal/session"
)

const (
	defaultKeepalive  = 15 * time.Second
	defaultRetryDelay = 3 * time.Second
)

// HandleStream handles GET /api/session/stream: an SSE feed of the tab's
// state. Every change is sent as an "state" event whose id is the snapshot
// version. A client reconnecting with Last-Event-ID first receives the
// queued frames it missed. The stream ends when the tab is closed.
//
//nolint:gocognit // SSE lifecycle handling intentionally keeps branches together.
func (h *Handler) HandleStream(w http.ResponseWriter, r *http.Request) {
	id := identity.FromContext(r.Context())
	if id.UserID == "" {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	key := tabKey(id.UserID, id.SessionID)
	ctrl := h.sessions.Acquire(id.UserID, id.SessionID)

	flusher, ok := w.(http.Flusher)
	if !ok {
		Error(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	lastEventID, reconnect := parseLastEventID(r)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	retryDelay := h.cfg.SSE.RetryDelay
	if retryDelay <= 0 {
		retryDelay = defaultRetryDelay
	}
	if _, err := fmt.Fprintf(w, "retry: %d\n\n", retryDelay.Milliseconds()); err != nil {
		h.logger.Warn("failed to write SSE retry header", "error", err, "user_id", id.UserID)
		return
	}
	flusher.Flush()

	h.logger.Info("Session stream connected",
		"user_id", id.UserID,
		"session_id", id.SessionID,
		"reconnect", reconnect,
		"last_event_id", lastEventID,
	)
	defer h.logger.Info("Session stream disconnected", "user_id", id.UserID, "session_id", id.SessionID)

	var sent uint64
	if reconnect {
		missed := h.replay.After(key, ctrl, lastEventID)
		for _, f := range missed {
			if err := writeSSEWithID(w, f.ID, "state", f.Data); err != nil {
				return
			}
			sent = f.ID
		}
		if len(missed) > 0 {
			flusher.Flush()
			h.logger.Info("Replayed missed state frames", "user_id", id.UserID, "session_id", id.SessionID, "count", len(missed))
		}
	}

	keepaliveInterval := h.cfg.SSE.KeepaliveInterval
	if keepaliveInterval <= 0 {
		keepaliveInterval = defaultKeepalive
	}
	keepalive := time.NewTicker(keepaliveInterval)
	defer keepalive.Stop()

	first := true
	for {
		snap, changed := ctrl.Observe()
		h.sessions.Touch(id.UserID, id.SessionID)
		// The first frame is always sent so a fresh client has a state to render.
		if first || snap.Version > sent {
			data, err := h.encodeFrame(ctrl, snap)
			if err != nil {
				h.logger.Error("Failed to encode session state", "error", err)
				return
			}
			h.replay.Enqueue(key, ctrl, frame{ID: snap.Version, Data: data})
			if err := writeSSEWithID(w, snap.Version, "state", data); err != nil {
				h.logger.Debug("failed to write SSE state event", "error", err, "user_id", id.UserID)
				return
			}
			flusher.Flush()
			sent = snap.Version
			first = false
		}

		select {
		case <-r.Context().Done():
			return
		case <-ctrl.Done():
			// The tab was closed; the client reconnects onto a fresh controller.
			return
		case <-changed:
		case <-keepalive.C:
			if err := writeSSE(w, "ping", []byte(`{"status":"alive"}`)); err != nil {
				h.logger.Debug("failed to write SSE keepalive ping", "error", err, "user_id", id.UserID)
				return
			}
			flusher.Flush()
		}
	}
}

func (h *Handler) encodeFrame(ctrl *session.Controller, snap session.Snapshot) ([]byte, error) {
	return json.Marshal(h.view(ctrl, snap))
}

func parseLastEventID(r *http.Request) (uint64, bool) {
	raw := r.Header.Get("Last-Event-ID")
	if raw == "" {
		raw = r.URL.Query().Get("lastEventId")
	}
	if raw == "" {
		return 0, false
	}
	n, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

func writeSSE(w io.Writer, event string, data []byte) error {
	_, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err
}

func writeSSEWithID(w io.Writer, id uint64, event string, data []byte) error {
	_, err := fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", id, event, data)
	return err
}
