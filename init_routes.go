// Package main: HTTP route registration.
//
// Chain helpers:
//   - auth: any authenticated caller
//   - instructor: auth + instructor role
//   - student: auth + student role
package main

import (
	"net/http"

	"github.com/akinalp/qrattend/middleware"
	"github.com/akinalp/qrattend/models"
	"github.com/akinalp/qrattend/pkg/metrics"
	"github.com/akinalp/qrattend/services"
)

// initRoutes binds every endpoint to mux.
func initRoutes(mux *http.ServeMux, h *Handlers, authService services.AuthService, m *metrics.Metrics) {
	authMw := middleware.NewAuthMiddleware(authService)
	roleMw := middleware.NewRoleMiddleware()

	auth := func(handler http.HandlerFunc) http.Handler {
		return authMw.Require(handler)
	}
	instructor := func(handler http.HandlerFunc) http.Handler {
		return authMw.Require(roleMw.Require(handler, models.RoleInstructor))
	}
	student := func(handler http.HandlerFunc) http.Handler {
		return authMw.Require(roleMw.Require(handler, models.RoleStudent))
	}

	mux.HandleFunc("GET /api/health", h.Health.Health)
	mux.Handle("GET /metrics", m.Handler())

	// Classes
	mux.Handle("GET /api/classes", auth(h.Class.List))

	// Sessions (instructor)
	mux.Handle("POST /api/sessions", instructor(h.Session.Start))
	mux.Handle("POST /api/sessions/{id}/end", instructor(h.Session.End))
	mux.Handle("GET /api/sessions/{id}/token", instructor(h.Session.Token))
	mux.Handle("GET /api/sessions/{id}/roster", instructor(h.Session.Roster))
	mux.Handle("GET /api/sessions/{id}/export", instructor(h.Session.Export))

	// Scans
	mux.Handle("GET /api/scan/validate", auth(h.Scan.Validate))
	mux.Handle("POST /api/scan/commit", student(h.Scan.Commit))

	// Student history
	mux.Handle("GET /api/student/attendance", student(h.Student.Attendance))

	// WebSocket: browsers cannot set headers on the upgrade request, so the
	// handler authenticates the ?token= query parameter itself.
	mux.HandleFunc("GET /ws", h.WS.HandleConnection)
}
