package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/KeithJLE/AI-Writing-Assistant/internal/config"
	"github.com/KeithJLE/AI-Writing-Assistant/internal/identity"
	"github.com/KeithJLE/AI-Writing-Assistant/internal/registry"
	"github.com/KeithJLE/AI-Writing-Assistant/internal/session"
	"github.com/KeithJLE/AI-Writing-Assistant/internal/store"
	"github.com/KeithJLE/AI-Writing-Assistant/internal/style"
	"github.com/KeithJLE/AI-Writing-Assistant/internal/transcript"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
)

const saveRunTimeout = 5 * time.Second

// Jobs is the remote rephrase service as the gateway uses it.
type Jobs interface {
	session.JobClient
	session.Subscriber
}

// Deps are the collaborators of a Handler. Repo and Transcript are optional.
type Deps struct {
	Jobs       Jobs
	Catalog    *style.Catalog
	Repo       store.Repository
	Transcript *transcript.Logger
	Config     *config.Config
	Logger     *slog.Logger
}

// Handler serves the rephrase API.
type Handler struct {
	jobs        Jobs
	catalog     *style.Catalog
	repo        store.Repository
	transcript  *transcript.Logger
	cfg         *config.Config
	logger      *slog.Logger
	sessions    *registry.Registry
	rateLimiter *RateLimiter
	replay      *ReplayQueue
}

// NewHandler creates a handler and the registry of tab controllers it serves.
func NewHandler(d Deps) *Handler {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handler{
		jobs:        d.Jobs,
		catalog:     d.Catalog,
		repo:        d.Repo,
		transcript:  d.Transcript,
		cfg:         d.Config,
		logger:      logger,
		rateLimiter: NewRateLimiter(d.Config.RateLimit.Requests, d.Config.RateLimit.Window),
		replay:      NewReplayQueue(defaultReplaySize),
	}
	h.sessions = registry.New(h.newController, logger)
	return h
}

// Registry returns the tab controllers served by h.
func (h *Handler) Registry() *registry.Registry {
	return h.sessions
}

// ForgetTab drops per-tab gateway state. It is the TTL worker's cleanup callback.
func (h *Handler) ForgetTab(userID, sessionID string) {
	h.replay.Prune(tabKey(userID, sessionID))
}

// Close resets every controller and releases handler resources.
func (h *Handler) Close(ctx context.Context) {
	h.sessions.Shutdown(ctx)
	h.rateLimiter.Stop()
}

// RegisterRoutes registers the session, history and style routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Get("/styles", h.HandleStyles)
		r.Route("/session", func(r chi.Router) {
			r.Get("/", h.HandleGetSession)
			r.Delete("/", h.HandleCloseSession)
			r.Post("/process", h.HandleProcess)
			r.Post("/cancel", h.HandleCancel)
			r.Post("/reset", h.HandleReset)
			r.Get("/stream", h.HandleStream)
		})
		r.Route("/history", func(r chi.Router) {
			r.Get("/", h.HandleListHistory)
			r.Delete("/", h.HandleDeleteHistory)
			r.Get("/{runID}", h.HandleGetRun)
		})
	})
	r.Get("/ws/session", h.HandleWebSocket)
}

func (h *Handler) newController(userID, sessionID string) *session.Controller {
	ctrl := session.New(h.jobs, h.jobs, h.catalog,
		session.WithLogger(h.logger.With("user_id", userID, "session_id", sessionID)),
		session.WithRefusalTexts(h.cfg.RefusalTexts...),
	)
	ctrl.OnFinish(func(res session.Result) {
		h.recordRun(userID, sessionID, res)
	})
	return ctrl
}

// recordRun persists a finished session to history and the transcript.
func (h *Handler) recordRun(userID, sessionID string, res session.Result) {
	h.transcript.Log(transcript.Event{
		UserID:     userID,
		SessionID:  sessionID,
		JobID:      res.JobID,
		EventType:  transcript.EventFinish,
		Status:     string(res.Status),
		Outputs:    res.Outputs.Map(),
		DurationMS: res.FinishedAt.Sub(res.StartedAt).Milliseconds(),
	})

	if h.repo == nil {
		return
	}
	run := res.Record(userID, sessionID)

	ctx, cancel := context.WithTimeout(context.Background(), saveRunTimeout)
	defer cancel()
	if err := h.repo.SaveRun(ctx, run); err != nil {
		h.logger.Warn("Failed to save run", "user_id", userID, "session_id", sessionID, "error", err)
	}
}

// sessionView is the JSON form of a tab's state.
type sessionView struct {
	session.Snapshot
	Timeline []session.StyleState `json:"timeline"`
}

func (h *Handler) view(ctrl *session.Controller, snap session.Snapshot) sessionView {
	return sessionView{
		Snapshot: snap,
		Timeline: session.Timeline(h.catalog, snap, ctrl.IsRefusal),
	}
}

func (h *Handler) controller(r *http.Request) (*session.Controller, identity.Identity) {
	id := identity.FromContext(r.Context())
	return h.sessions.Acquire(id.UserID, id.SessionID), id
}

// HandleStyles handles GET /api/styles.
func (h *Handler) HandleStyles(w http.ResponseWriter, _ *http.Request) {
	JSON(w, http.StatusOK, map[string]interface{}{
		"styles":          h.catalog.Styles(),
		"max_input_chars": h.cfg.MaxInputChars,
	})
}

// HandleGetSession handles GET /api/session.
func (h *Handler) HandleGetSession(w http.ResponseWriter, r *http.Request) {
	ctrl, _ := h.controller(r)
	JSON(w, http.StatusOK, h.view(ctrl, ctrl.Snapshot()))
}

type processRequest struct {
	Text string `json:"text"`
}

// HandleProcess handles POST /api/session/process.
func (h *Handler) HandleProcess(w http.ResponseWriter, r *http.Request) {
	id := identity.FromContext(r.Context())
	if id.UserID == "" {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.cfg.SSE.MaxRequestBodySize)
	var req processRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			Error(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}

	text, err := session.ValidateText(req.Text, h.cfg.MaxInputChars)
	switch {
	case errors.Is(err, session.ErrEmptyText):
		Error(w, http.StatusBadRequest, "text is required")
		return
	case errors.Is(err, session.ErrTextTooLong):
		Error(w, http.StatusBadRequest, "text must be at most "+strconv.Itoa(h.cfg.MaxInputChars)+" characters")
		return
	}

	// Rate-limit by userID only so clients cannot bypass throttling by
	// rotating tab ids.
	if !h.rateLimiter.Allow(id.UserID) {
		retry := h.rateLimiter.RetryAfter(id.UserID)
		w.Header().Set("Retry-After", strconv.Itoa(int(retry.Round(time.Second).Seconds())+1))
		Error(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	ctrl := h.sessions.Acquire(id.UserID, id.SessionID)
	h.logger.Info("Rephrase request",
		"user_id", id.UserID,
		"session_id", id.SessionID,
		"request_id", chiMiddleware.GetReqID(r.Context()),
		"text_length", len(text),
	)
	h.transcript.Log(transcript.Event{
		UserID:    id.UserID,
		SessionID: id.SessionID,
		EventType: transcript.EventSubmit,
		Text:      text,
	})

	// The session outlives this request; only job creation is bounded by it.
	ctrl.Process(context.WithoutCancel(r.Context()), text)
	JSON(w, http.StatusAccepted, h.view(ctrl, ctrl.Snapshot()))
}

// HandleCancel handles POST /api/session/cancel.
func (h *Handler) HandleCancel(w http.ResponseWriter, r *http.Request) {
	ctrl, id := h.controller(r)
	ctrl.Cancel(context.WithoutCancel(r.Context()))
	h.transcript.Log(transcript.Event{UserID: id.UserID, SessionID: id.SessionID, EventType: transcript.EventCancel})
	JSON(w, http.StatusOK, h.view(ctrl, ctrl.Snapshot()))
}

// HandleReset handles POST /api/session/reset.
func (h *Handler) HandleReset(w http.ResponseWriter, r *http.Request) {
	ctrl, id := h.controller(r)
	ctrl.Reset(context.WithoutCancel(r.Context()))
	h.transcript.Log(transcript.Event{UserID: id.UserID, SessionID: id.SessionID, EventType: transcript.EventReset})
	JSON(w, http.StatusOK, h.view(ctrl, ctrl.Snapshot()))
}

// HandleCloseSession handles DELETE /api/session: the tab is reset and forgotten.
func (h *Handler) HandleCloseSession(w http.ResponseWriter, r *http.Request) {
	id := identity.FromContext(r.Context())
	removed := h.sessions.Remove(context.WithoutCancel(r.Context()), id.UserID, id.SessionID)
	h.ForgetTab(id.UserID, id.SessionID)
	if !removed {
		Error(w, http.StatusNotFound, "session not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
