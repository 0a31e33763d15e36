// Package models holds the domain types shared by every layer.
//
// `json` tags shape the API and WebSocket payloads, `db` tags are used by
// sqlx when scanning rows. Fields tagged `db:"-"` live only in memory.
package models

import (
	"fmt"
	"strings"
	"time"
)

// SessionState is the lifecycle state of an attendance session.
// There is no "inactive" record: a class without an active session is
// simply inactive.
type SessionState string

const (
	SessionActive SessionState = "active"
	SessionEnded  SessionState = "ended"
)

// Session is one attendance-taking period for a class.
//
// Token and device fields are only meaningful while the session is held
// by the registry; the repository persists the lifecycle columns and the
// attendance records separately.
type Session struct {
	ID        string       `json:"session_id" db:"id"`
	ClassID   string       `json:"class_id" db:"class_id"`
	State     SessionState `json:"state" db:"state"`
	StartedBy string       `json:"started_by" db:"started_by"`
	StartedAt time.Time    `json:"started_at" db:"started_at"`
	EndedAt   *time.Time   `json:"ended_at,omitempty" db:"ended_at"`

	// RosterSize is copied from the class directory at start.
	RosterSize int `json:"-" db:"-"`

	CurrentToken  string    `json:"-" db:"-"`
	TokenIssuedAt time.Time `json:"-" db:"-"`

	// ScannedDevices holds the fingerprint digests that already produced a
	// record. Records is append-only and ordered by acceptance.
	ScannedDevices map[string]struct{} `json:"-" db:"-"`
	Records        []AttendanceRecord  `json:"-" db:"-"`
}

// IsActive reports whether scans may still be accepted.
func (s *Session) IsActive() bool {
	return s.State == SessionActive
}

// HasDevice reports whether the fingerprint digest already produced a record.
func (s *Session) HasDevice(fingerprint string) bool {
	_, ok := s.ScannedDevices[fingerprint]
	return ok
}

// Clone returns a deep copy safe to hand out after the owning lock is released.
func (s *Session) Clone() *Session {
	c := *s
	if s.EndedAt != nil {
		t := *s.EndedAt
		c.EndedAt = &t
	}
	c.ScannedDevices = make(map[string]struct{}, len(s.ScannedDevices))
	for fp := range s.ScannedDevices {
		c.ScannedDevices[fp] = struct{}{}
	}
	c.Records = make([]AttendanceRecord, len(s.Records))
	copy(c.Records, s.Records)
	return &c
}

// StartSessionRequest is the body of POST /api/sessions.
type StartSessionRequest struct {
	ClassID string `json:"class_id"`
}

// Validate trims and checks the request.
func (r *StartSessionRequest) Validate() error {
	r.ClassID = strings.TrimSpace(r.ClassID)
	if r.ClassID == "" {
		return fmt.Errorf("class_id is required")
	}
	if len(r.ClassID) > 64 {
		return fmt.Errorf("class_id must be at most 64 characters")
	}
	return nil
}

// StartSessionResponse is returned when a session starts.
type StartSessionResponse struct {
	SessionID string    `json:"session_id"`
	ClassID   string    `json:"class_id"`
	Token     string    `json:"token"`
	IssuedAt  time.Time `json:"issued_at"`
	StartedAt time.Time `json:"started_at"`
}

// TokenInfo is the current rotating token of an active session.
type TokenInfo struct {
	SessionID string    `json:"session_id"`
	Token     string    `json:"token"`
	IssuedAt  time.Time `json:"issued_at"`
}
