package models

import (
	"fmt"
	"net/mail"
	"strings"
	"time"
)

// AttendanceRecord is one accepted scan. DeviceFingerprint holds the keyed
// digest of the fingerprint the client presented, never the raw value.
type AttendanceRecord struct {
	ID                string    `json:"id" db:"id"`
	SessionID         string    `json:"session_id" db:"session_id"`
	Email             string    `json:"email" db:"email"`
	DeviceFingerprint string    `json:"-" db:"device_hash"`
	Timestamp         time.Time `json:"timestamp" db:"scanned_at"`
}

// ScanAttempt is a student's presentation of (session, token, device).
// It is never stored.
type ScanAttempt struct {
	SessionID         string
	Token             string
	DeviceFingerprint string
	PresentedAt       time.Time
}

// ScanReason is the stable machine-readable rejection code.
type ScanReason string

const (
	ReasonSessionNotFound    ScanReason = "SESSION_NOT_FOUND"
	ReasonSessionEnded       ScanReason = "SESSION_ENDED"
	ReasonTokenMismatch      ScanReason = "TOKEN_MISMATCH"
	ReasonDuplicateDevice    ScanReason = "DUPLICATE_DEVICE"
	ReasonMissingFingerprint ScanReason = "MISSING_FINGERPRINT"
)

// ValidateScanResponse is the result of a read-only validation.
type ValidateScanResponse struct {
	Valid   bool       `json:"valid"`
	Reason  ScanReason `json:"reason,omitempty"`
	Message string     `json:"message,omitempty"`
}

// CommitScanRequest is the body of POST /api/scan/commit.
// Email is optional; when present it must match the authenticated student.
type CommitScanRequest struct {
	SessionID         string `json:"session_id"`
	Token             string `json:"token"`
	DeviceFingerprint string `json:"device_fingerprint"`
	Email             string `json:"email,omitempty"`
}

// Validate checks the shape of the request. Session, token and fingerprint
// semantics are judged by the validation engine so that rejections keep
// their protocol reason codes.
func (r *CommitScanRequest) Validate() error {
	r.SessionID = strings.TrimSpace(r.SessionID)
	r.Token = strings.TrimSpace(r.Token)
	r.DeviceFingerprint = strings.TrimSpace(r.DeviceFingerprint)
	r.Email = strings.TrimSpace(r.Email)

	if len(r.DeviceFingerprint) > 512 {
		return fmt.Errorf("device_fingerprint must be at most 512 characters")
	}
	if r.Email != "" {
		if _, err := mail.ParseAddress(r.Email); err != nil {
			return fmt.Errorf("email is not a valid address")
		}
	}
	return nil
}

// CommitScanResponse is the result of a commit.
type CommitScanResponse struct {
	Accepted bool              `json:"accepted"`
	Reason   ScanReason        `json:"reason,omitempty"`
	Message  string            `json:"message,omitempty"`
	Record   *AttendanceRecord `json:"record,omitempty"`
}

// StudentAttendance is one row of a student's history.
type StudentAttendance struct {
	SessionID string    `json:"session_id" db:"session_id"`
	ClassID   string    `json:"class_id" db:"class_id"`
	ClassName string    `json:"class_name" db:"class_name"`
	StartedAt time.Time `json:"started_at" db:"started_at"`
	Timestamp time.Time `json:"timestamp" db:"scanned_at"`
}
