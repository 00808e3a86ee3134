package gateway

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/KeithJLE/AI-Writing-Assistant/internal/domain"
	"github.com/KeithJLE/AI-Writing-Assistant/internal/identity"
	"github.com/KeithJLE/AI-Writing-Assistant/internal/store"
	"github.com/go-chi/chi/v5"
)

// HandleListHistory handles GET /api/history?limit=n.
func (h *Handler) HandleListHistory(w http.ResponseWriter, r *http.Request) {
	if h.repo == nil {
		Error(w, http.StatusServiceUnavailable, "history disabled")
		return
	}
	userID := identity.UserIDFromContext(r.Context())

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			Error(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	runs, err := h.repo.ListRuns(r.Context(), userID, limit)
	if err != nil {
		h.logger.Error("Failed to list runs", "error", err, "user_id", userID)
		Error(w, http.StatusInternalServerError, "failed to load history")
		return
	}
	if runs == nil {
		runs = []*domain.Run{}
	}
	JSON(w, http.StatusOK, map[string]interface{}{"runs": runs})
}

// HandleGetRun handles GET /api/history/{runID}.
func (h *Handler) HandleGetRun(w http.ResponseWriter, r *http.Request) {
	if h.repo == nil {
		Error(w, http.StatusServiceUnavailable, "history disabled")
		return
	}
	userID := identity.UserIDFromContext(r.Context())

	run, err := h.repo.GetRun(r.Context(), userID, chi.URLParam(r, "runID"))
	if errors.Is(err, store.ErrNotFound) {
		Error(w, http.StatusNotFound, "run not found")
		return
	}
	if err != nil {
		h.logger.Error("Failed to get run", "error", err, "user_id", userID)
		Error(w, http.StatusInternalServerError, "failed to load run")
		return
	}
	JSON(w, http.StatusOK, run)
}

// HandleDeleteHistory handles DELETE /api/history.
func (h *Handler) HandleDeleteHistory(w http.ResponseWriter, r *http.Request) {
	if h.repo == nil {
		Error(w, http.StatusServiceUnavailable, "history disabled")
		return
	}
	userID := identity.UserIDFromContext(r.Context())

	deleted, err := h.repo.DeleteRuns(r.Context(), userID)
	if err != nil {
		h.logger.Error("Failed to delete runs", "error", err, "user_id", userID)
		Error(w, http.StatusInternalServerError, "failed to delete history")
		return
	}
	JSON(w, http.StatusOK, map[string]int64{"deleted": deleted})
}
