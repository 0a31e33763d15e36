package ws

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/akinalp/qrattend/models"
)

// TokenValidator is the slice of the auth service the upgrade needs. It is
// declared here so ws does not import services.
type TokenValidator interface {
	ValidateAccessToken(tokenString string) (*models.Principal, error)
}

// Handler upgrades HTTP requests to websocket connections.
type Handler struct {
	hub            *Hub
	tokenValidator TokenValidator
	pollInterval   time.Duration
	retryAfter     time.Duration
	upgrader       websocket.Upgrader
}

// NewHandler creates the upgrade handler.
//
// pollInterval is advertised in the ready frame; retryAfter is returned to
// clients refused while the hub is shutting down. An empty allowedOrigins
// accepts any origin.
func NewHandler(hub *Hub, tokenValidator TokenValidator, pollInterval, retryAfter time.Duration, allowedOrigins []string) *Handler {
	h := &Handler{
		hub:            hub,
		tokenValidator: tokenValidator,
		pollInterval:   pollInterval,
		retryAfter:     retryAfter,
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" || len(allowedOrigins) == 0 {
				return true
			}
			for _, o := range allowedOrigins {
				if strings.EqualFold(o, origin) {
					return true
				}
			}
			return false
		},
	}
	return h
}

// HandleConnection serves GET /ws?token=JWT[&session_id=...].
//
// Browsers cannot set headers on websocket requests, so the token travels
// in the query string. A session_id subscribes the connection right away.
func (h *Handler) HandleConnection(w http.ResponseWriter, r *http.Request) {
	if h.hub.Closed() {
		w.Header().Set("Retry-After", strconv.Itoa(int(h.retryAfter.Seconds())+1))
		http.Error(w, "push transport unavailable", http.StatusServiceUnavailable)
		return
	}

	token := r.URL.Query().Get("token")
	if token == "" {
		http.Error(w, "missing token", http.StatusUnauthorized)
		return
	}

	principal, err := h.tokenValidator.ValidateAccessToken(token)
	if err != nil {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.hub.log.Debug().Err(err).Str("user_id", principal.Email).Msg("upgrade failed")
		return
	}

	client := newClient(h.hub, conn, userKey(principal), string(principal.Role))

	// Queue ready before registering so it is always Seq 1.
	if ready, ok := h.hub.encode(Event{Op: OpReady, Data: ReadyData{
		UserID:              client.userID,
		Role:                client.role,
		PollIntervalMS:      h.pollInterval.Milliseconds(),
		HeartbeatIntervalMS: heartbeatInterval.Milliseconds(),
	}}); ok {
		client.queue(ready)
	}

	if err := h.hub.Register(client); err != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseServiceRestart, "server restarting"),
			time.Now().Add(writeWait))
		conn.Close()
		return
	}

	if sessionID := r.URL.Query().Get("session_id"); sessionID != "" {
		client.Subscribe(sessionID)
	}

	go client.WritePump()
	client.ReadPump()
}

// userKey is the hub key of a principal. Students are addressed by email
// because attendance records carry the email.
func userKey(p *models.Principal) string {
	if p.Email != "" {
		return strings.ToLower(p.Email)
	}
	return p.UserID
}
