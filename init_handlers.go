// Package main: handler wire-up.
package main

import (
	"github.com/akinalp/qrattend/config"
	"github.com/akinalp/qrattend/handlers"
	"github.com/akinalp/qrattend/pkg/ratelimit"
	"github.com/akinalp/qrattend/ws"
)

// Handlers groups the HTTP layer.
type Handlers struct {
	Session *handlers.SessionHandler
	Scan    *handlers.ScanHandler
	Class   *handlers.ClassHandler
	Student *handlers.StudentHandler
	Health  *handlers.HealthHandler
	WS      *ws.Handler
}

// initHandlers creates every handler.
func initHandlers(cfg *config.Config, svcs *Services, hub *ws.Hub, limiter *ratelimit.ScanRateLimiter) *Handlers {
	return &Handlers{
		Session: handlers.NewSessionHandler(svcs.Registry, svcs.Fanout, svcs.Export),
		Scan:    handlers.NewScanHandler(svcs.Engine, limiter),
		Class:   handlers.NewClassHandler(svcs.Classes),
		Student: handlers.NewStudentHandler(svcs.History),
		Health:  handlers.NewHealthHandler(hub),
		WS: ws.NewHandler(hub, svcs.Auth, cfg.Session.RosterPollInterval,
			cfg.Server.ShutdownRetryAfter, cfg.Server.CORSOrigins),
	}
}
