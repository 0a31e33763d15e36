package handlers

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/akinalp/qrattend/models"
	"github.com/akinalp/qrattend/pkg"
	"github.com/akinalp/qrattend/services"
)

// SessionHandler serves the instructor side of a session.
type SessionHandler struct {
	registry *services.SessionRegistry
	fanout   *services.Fanout
	export   *services.ExportService
}

// NewSessionHandler creates the handler.
func NewSessionHandler(registry *services.SessionRegistry, fanout *services.Fanout, export *services.ExportService) *SessionHandler {
	return &SessionHandler{registry: registry, fanout: fanout, export: export}
}

// Start godoc
// POST /api/sessions
// Body: { "class_id": "CS101" }
// 409 if the class already has an active session.
func (h *SessionHandler) Start(w http.ResponseWriter, r *http.Request) {
	principal, ok := requirePrincipal(w, r)
	if !ok {
		return
	}

	var req models.StartSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		pkg.ErrorWithMessage(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := req.Validate(); err != nil {
		pkg.ErrorWithMessage(w, http.StatusBadRequest, err.Error())
		return
	}

	s, err := h.registry.Start(r.Context(), req.ClassID, principal.Email)
	if err != nil {
		pkg.Error(w, err)
		return
	}

	pkg.JSON(w, http.StatusCreated, models.StartSessionResponse{
		SessionID: s.ID,
		ClassID:   s.ClassID,
		Token:     s.CurrentToken,
		IssuedAt:  s.TokenIssuedAt,
		StartedAt: s.StartedAt,
	})
}

// End godoc
// POST /api/sessions/{id}/end
// Returns the final roster. 409 if the session already ended, 403 if
// another instructor started it.
func (h *SessionHandler) End(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := h.owned(w, r)
	if !ok {
		return
	}
	roster, err := h.registry.End(r.Context(), sessionID)
	if err != nil {
		pkg.Error(w, err)
		return
	}
	pkg.JSON(w, http.StatusOK, roster)
}

// Token godoc
// GET /api/sessions/{id}/token
// The token currently in effect, for rendering the QR code.
func (h *SessionHandler) Token(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := h.owned(w, r)
	if !ok {
		return
	}
	info, err := h.fanout.CurrentToken(r.Context(), sessionID)
	if err != nil {
		pkg.Error(w, err)
		return
	}
	pkg.JSON(w, http.StatusOK, info)
}

// Roster godoc
// GET /api/sessions/{id}/roster
// Always a live read; identical to the latest attendance_update push.
func (h *SessionHandler) Roster(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := h.owned(w, r)
	if !ok {
		return
	}
	roster, err := h.fanout.Roster(r.Context(), sessionID)
	if err != nil {
		pkg.Error(w, err)
		return
	}
	pkg.JSON(w, http.StatusOK, roster)
}

// Export godoc
// GET /api/sessions/{id}/export
// CSV attachment of the records as they are now.
func (h *SessionHandler) Export(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := h.owned(w, r)
	if !ok {
		return
	}

	// Render fully first so a failure can still be answered with JSON.
	var buf bytes.Buffer
	if err := h.export.WriteCSV(r.Context(), sessionID, &buf); err != nil {
		pkg.Error(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", services.ExportFilename(sessionID)))
	w.WriteHeader(http.StatusOK)
	_, _ = buf.WriteTo(w)
}

// owned returns the path's session id if the caller started that session.
// Otherwise it has already written the error response.
func (h *SessionHandler) owned(w http.ResponseWriter, r *http.Request) (string, bool) {
	principal, ok := requirePrincipal(w, r)
	if !ok {
		return "", false
	}
	sessionID := r.PathValue("id")
	if err := h.registry.Authorize(r.Context(), sessionID, principal.Email); err != nil {
		pkg.Error(w, err)
		return "", false
	}
	return sessionID, true
}
