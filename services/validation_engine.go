package services

import (
	"context"
	"crypto/subtle"
	"errors"
	"strings"

	"github.com/rs/zerolog"

	"github.com/akinalp/qrattend/models"
	"github.com/akinalp/qrattend/pkg"
	"github.com/akinalp/qrattend/pkg/fingerprint"
	"github.com/akinalp/qrattend/pkg/logger"
	"github.com/akinalp/qrattend/pkg/metrics"
)

// ValidationEngine decides whether a scan attempt is accepted.
//
// Both Validate and Commit return nil for an acceptable attempt, one of
// the scan rejection errors (see pkg.IsScanRejection), or an internal
// error. ReasonFor turns a rejection into its wire code.
type ValidationEngine struct {
	registry *SessionRegistry
	hasher   fingerprint.Hasher
	metrics  *metrics.Metrics
	log      zerolog.Logger
}

// NewValidationEngine creates the engine. m may be nil.
func NewValidationEngine(registry *SessionRegistry, hasher fingerprint.Hasher, m *metrics.Metrics) *ValidationEngine {
	return &ValidationEngine{
		registry: registry,
		hasher:   hasher,
		metrics:  m,
		log:      logger.Component("validation"),
	}
}

// Validate checks an attempt without recording anything.
func (e *ValidationEngine) Validate(ctx context.Context, attempt models.ScanAttempt) error {
	digest := e.hasher.Digest(strings.TrimSpace(attempt.DeviceFingerprint))

	err := e.registry.View(ctx, attempt.SessionID, func(s *models.Session) error {
		return checkScan(s, attempt.Token, digest)
	})
	e.observe("validate", err)
	return err
}

// Commit re-validates the attempt and records it for email in one
// critical section. Of several concurrent commits for the same unseen
// device exactly one is accepted; the rest get ErrDuplicateDevice.
func (e *ValidationEngine) Commit(ctx context.Context, attempt models.ScanAttempt, email string) (*models.AttendanceRecord, error) {
	digest := e.hasher.Digest(strings.TrimSpace(attempt.DeviceFingerprint))
	email = strings.ToLower(strings.TrimSpace(email))

	rec, err := e.registry.RecordScan(ctx, attempt.SessionID, email, digest, func(s *models.Session) error {
		return checkScan(s, attempt.Token, digest)
	})
	e.observe("commit", err)
	if err != nil {
		return nil, err
	}

	e.log.Debug().Str("session_id", attempt.SessionID).Str("email", email).Msg("scan accepted")
	return rec, nil
}

func (e *ValidationEngine) observe(stage string, err error) {
	switch {
	case err == nil:
		result := "valid"
		if stage == "commit" {
			result = "accepted"
		}
		e.metrics.ScanResult(stage, result)
	case pkg.IsScanRejection(err):
		e.metrics.ScanResult(stage, string(ReasonFor(err)))
	default:
		e.metrics.ScanResult(stage, "error")
		e.log.Error().Err(err).Str("stage", stage).Msg("scan check failed")
	}
}

// checkScan applies the rejection rules in order: lifecycle, token, device,
// fingerprint presence. Session existence was settled by the lookup.
// digest is "" when no fingerprint was supplied.
func checkScan(s *models.Session, token, digest string) error {
	if !s.IsActive() {
		return pkg.ErrSessionEnded
	}
	if subtle.ConstantTimeCompare([]byte(token), []byte(s.CurrentToken)) != 1 {
		return pkg.ErrTokenMismatch
	}
	if digest != "" && s.HasDevice(digest) {
		return pkg.ErrDuplicateDevice
	}
	if digest == "" {
		return pkg.ErrMissingFingerprint
	}
	return nil
}

// ReasonFor maps a scan rejection to its reason code, or "" for other errors.
func ReasonFor(err error) models.ScanReason {
	switch {
	case errors.Is(err, pkg.ErrSessionNotFound):
		return models.ReasonSessionNotFound
	case errors.Is(err, pkg.ErrSessionEnded):
		return models.ReasonSessionEnded
	case errors.Is(err, pkg.ErrTokenMismatch):
		return models.ReasonTokenMismatch
	case errors.Is(err, pkg.ErrDuplicateDevice):
		return models.ReasonDuplicateDevice
	case errors.Is(err, pkg.ErrMissingFingerprint):
		return models.ReasonMissingFingerprint
	default:
		return ""
	}
}
