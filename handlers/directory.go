package handlers

import (
	"net/http"

	"github.com/akinalp/qrattend/pkg"
	"github.com/akinalp/qrattend/services"
	"github.com/akinalp/qrattend/ws"
)

// ClassHandler lists the class directory.
type ClassHandler struct {
	classes services.ClassDirectory
}

// NewClassHandler creates the handler.
func NewClassHandler(classes services.ClassDirectory) *ClassHandler {
	return &ClassHandler{classes: classes}
}

// List godoc
// GET /api/classes
func (h *ClassHandler) List(w http.ResponseWriter, r *http.Request) {
	classes, err := h.classes.List(r.Context())
	if err != nil {
		pkg.Error(w, err)
		return
	}
	pkg.JSON(w, http.StatusOK, classes)
}

// StudentHandler serves a student's own records.
type StudentHandler struct {
	history *services.HistoryService
}

// NewStudentHandler creates the handler.
func NewStudentHandler(history *services.HistoryService) *StudentHandler {
	return &StudentHandler{history: history}
}

// Attendance godoc
// GET /api/student/attendance
// The caller's records across sessions, newest first.
func (h *StudentHandler) Attendance(w http.ResponseWriter, r *http.Request) {
	principal, ok := requirePrincipal(w, r)
	if !ok {
		return
	}

	items, err := h.history.ForStudent(r.Context(), principal.Email)
	if err != nil {
		pkg.Error(w, err)
		return
	}
	pkg.JSON(w, http.StatusOK, items)
}

// HealthHandler reports liveness.
type HealthHandler struct {
	hub ws.EventPublisher
}

// NewHealthHandler creates the handler.
func NewHealthHandler(hub ws.EventPublisher) *HealthHandler {
	return &HealthHandler{hub: hub}
}

// Health godoc
// GET /api/health
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	pkg.JSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"service":     "qrattend",
		"connections": h.hub.ConnectionCount(),
	})
}
