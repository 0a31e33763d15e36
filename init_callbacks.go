// Package main: hub callback wire-up.
//
// The hub lives in ws and must not import services; main connects them.
package main

import (
	"github.com/akinalp/qrattend/services"
	"github.com/akinalp/qrattend/ws"
)

// registerHubCallbacks checks each subscribe against session ownership and
// answers it with the session's current state, so a reconnecting viewer
// converges without waiting for a poll.
func registerHubCallbacks(hub *ws.Hub, fanout *services.Fanout) {
	hub.OnAuthorize(fanout.AuthorizeSubscribe)
	hub.OnSubscribe(fanout.Resync)
}
