// Package ws is the push side of the attendance protocol.
//
// Layout:
//   - Hub: owns every connection and fans events out by user, role or session
//   - Client: one websocket connection with its read and write pumps
//   - Event: the frame exchanged in both directions
//
// Flow of a push:
//  1. A scan is committed over HTTP and the registry records it
//  2. The fan-out coordinator builds the roster and calls Hub.BroadcastToSession
//  3. The hub queues the frame on every subscribed client's send channel
//  4. Each client's WritePump writes the frame to its socket
//
// Pushes are best effort. Viewers also poll, so a dropped frame delays an
// update by at most one poll interval.
package ws

import (
	"encoding/json"
	"time"
)

// Event is one frame.
//
// Seq is per connection: ready is 1 and every later frame on the same
// socket is exactly one more. Frames are written in Seq order, so a jump
// means the client missed something and should pull. Seq says nothing
// about the age of the state inside a frame; rosters carry a revision and
// tokens an issue time for that.
type Event struct {
	Op   string `json:"op"`
	Data any    `json:"d,omitempty"`
	Seq  int64  `json:"seq,omitempty"`
}

// frame is an event whose payload is already encoded. The hub encodes a
// broadcast once and each client stamps its own Seq when queueing it.
type frame struct {
	op   string
	data json.RawMessage
}

// wireEvent is the encoded form of Event with a pre-encoded payload.
type wireEvent struct {
	Op   string          `json:"op"`
	Data json.RawMessage `json:"d,omitempty"`
	Seq  int64           `json:"seq"`
}

// newFrame encodes the payload of event.
func newFrame(event Event) (frame, error) {
	f := frame{op: event.Op}
	if event.Data == nil {
		return f, nil
	}
	data, err := json.Marshal(event.Data)
	if err != nil {
		return frame{}, err
	}
	f.data = data
	return f, nil
}

// ─── Operations ───

// Client → Server
const (
	OpHeartbeat   = "heartbeat"   // sent every ~30s by clients
	OpSubscribe   = "subscribe"   // follow one session
	OpUnsubscribe = "unsubscribe" // stop following a session
)

// Server → Client
const (
	OpReady            = "ready"             // first frame after connect
	OpHeartbeatAck     = "heartbeat_ack"     // reply to heartbeat
	OpSessionStarted   = "session_started"   // a class started taking attendance
	OpQRUpdate         = "qr_update"         // new rotating token (instructors only)
	OpSessionEnded     = "session_ended"     // session closed
	OpAttendanceUpdate = "attendance_update" // roster snapshot
	OpScanConfirmed    = "scan_confirmed"    // the receiving student was recorded
	OpServerShutdown   = "server_shutdown"   // server is going away; reconnect later
	OpError            = "error"             // a client request was refused
)

// ReadyData tells the client who it is and how to pace itself.
type ReadyData struct {
	UserID              string `json:"user_id"`
	Role                string `json:"role"`
	PollIntervalMS      int64  `json:"poll_interval_ms"`
	HeartbeatIntervalMS int64  `json:"heartbeat_interval_ms"`
}

// SubscribeData is the payload of subscribe and unsubscribe.
type SubscribeData struct {
	SessionID string `json:"session_id"`
}

// SessionStartedData announces a session. Token is only sent to the
// instructor who started it.
type SessionStartedData struct {
	SessionID string     `json:"session_id"`
	ClassID   string     `json:"class_id"`
	Token     string     `json:"token,omitempty"`
	IssuedAt  *time.Time `json:"issued_at,omitempty"`
	StartedAt time.Time  `json:"started_at"`
}

// QRUpdateData carries a freshly rotated token.
type QRUpdateData struct {
	SessionID string    `json:"session_id"`
	Token     string    `json:"token"`
	IssuedAt  time.Time `json:"issued_at"`
}

// SessionEndedData announces the end of a session.
type SessionEndedData struct {
	SessionID string    `json:"session_id"`
	ClassID   string    `json:"class_id"`
	EndedAt   time.Time `json:"ended_at"`
}

// ScanConfirmedData tells a student their attendance was recorded.
type ScanConfirmedData struct {
	SessionID string    `json:"session_id"`
	Email     string    `json:"email"`
	Timestamp time.Time `json:"timestamp"`
}

// ServerShutdownData is sent to every client right before the hub closes.
// Clients should wait RetryAfterMS before reconnecting and poll meanwhile.
type ServerShutdownData struct {
	Message      string `json:"message"`
	RetryAfterMS int64  `json:"retry_after_ms"`
}

// ErrorData explains a refused client request.
type ErrorData struct {
	Op      string `json:"op"`
	Message string `json:"message"`
}
