package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/shsh-gateway/internal/domain"
	"github.com/ashureev/shsh-gateway/internal/identity"
)

const maxCommandsLimit = 500

// ListSessions returns the live sessions, oldest first.
func (h *Handler) ListSessions(w http.ResponseWriter, r *http.Request) {
	sessions := h.registry.Snapshots()
	if sessions == nil {
		sessions = []domain.SessionSnapshot{}
	}
	JSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}

// DeleteSession kills a live session.
func (h *Handler) DeleteSession(w http.ResponseWriter, r *http.Request) {
	id := identity.SanitizeSessionID(chi.URLParam(r, "id"))
	if id == "" {
		Error(w, http.StatusBadRequest, "invalid session id")
		return
	}

	if !h.registry.Remove(id, "deleted via api") {
		Error(w, http.StatusNotFound, "session not found")
		return
	}
	h.logger.Info("Session deleted via API", "session_id", id, "ip", identity.IPFromRequest(r))
	w.WriteHeader(http.StatusNoContent)
}

// ListCommands returns a session's completed commands, newest first. The
// session may be live or already closed.
func (h *Handler) ListCommands(w http.ResponseWriter, r *http.Request) {
	id := identity.SanitizeSessionID(chi.URLParam(r, "id"))
	if id == "" {
		Error(w, http.StatusBadRequest, "invalid session id")
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			Error(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxCommandsLimit)
	}

	if _, live := h.registry.Get(id); !live {
		rec, err := h.repo.GetSession(r.Context(), id)
		if err != nil {
			h.logger.Error("Failed to load session", "session_id", id, "error", err)
			Error(w, http.StatusInternalServerError, "failed to load session")
			return
		}
		if rec == nil {
			Error(w, http.StatusNotFound, "session not found")
			return
		}
	}

	commands, err := h.repo.ListCommands(r.Context(), id, limit)
	if err != nil {
		h.logger.Error("Failed to list commands", "session_id", id, "error", err)
		Error(w, http.StatusInternalServerError, "failed to list commands")
		return
	}
	if commands == nil {
		commands = []domain.CommandRecord{}
	}
	JSON(w, http.StatusOK, map[string]any{
		"sessionId": id,
		"commands":  commands,
	})
}
