package repository

import (
	"context"

	"github.com/akinalp/qrattend/models"
)

// AttendanceRepository persists accepted scans.
//
// Create: inserts a record; ErrDuplicateDevice if the device digest is
// already recorded for the session.
// ListBySession: records of a session in acceptance order.
// ListByEmail: a student's history across sessions, newest first.
type AttendanceRepository interface {
	Create(ctx context.Context, record *models.AttendanceRecord) error
	ListBySession(ctx context.Context, sessionID string) ([]models.AttendanceRecord, error)
	ListByEmail(ctx context.Context, email string) ([]models.StudentAttendance, error)
}
