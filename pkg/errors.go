// Package pkg holds utilities shared across the project.
// This file defines the domain-level errors.
//
// Errors are compared by identity, never by message:
//
//	if errors.Is(err, pkg.ErrSessionEnded) { ... }
//
// Services wrap them with context (fmt.Errorf("%w: ...")) and the handler
// layer maps them to HTTP status codes.
package pkg

import "errors"

// Generic errors.
var (
	ErrNotFound      = errors.New("not found")
	ErrUnauthorized  = errors.New("unauthorized")
	ErrForbidden     = errors.New("forbidden")
	ErrAlreadyExists = errors.New("already exists")
	ErrBadRequest    = errors.New("bad request")
	ErrInternal      = errors.New("internal error")
)

// Session lifecycle errors.
var (
	ErrSessionNotFound = errors.New("session not found")
	ErrAlreadyActive   = errors.New("class already has an active session")
	ErrAlreadyEnded    = errors.New("session already ended")
)

// Scan rejections. These are ordinary outcomes of a scan, not failures of
// the server: handlers answer them with 200 and a reason code.
var (
	ErrSessionEnded       = errors.New("session ended")
	ErrTokenMismatch      = errors.New("token mismatch")
	ErrDuplicateDevice    = errors.New("device already recorded for this session")
	ErrMissingFingerprint = errors.New("device fingerprint missing")
)

// ErrTransportUnavailable means the push channel cannot be used right now.
// Viewers fall back to polling; it never fails a scan.
var ErrTransportUnavailable = errors.New("push transport unavailable")

// ErrShuttingDown is returned for new work once graceful shutdown began.
var ErrShuttingDown = errors.New("server is shutting down")

// IsScanRejection reports whether err is one of the scan rejection outcomes.
func IsScanRejection(err error) bool {
	return errors.Is(err, ErrSessionNotFound) ||
		errors.Is(err, ErrSessionEnded) ||
		errors.Is(err, ErrTokenMismatch) ||
		errors.Is(err, ErrDuplicateDevice) ||
		errors.Is(err, ErrMissingFingerprint)
}
