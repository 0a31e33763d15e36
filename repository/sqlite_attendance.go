package repository

import (
	"context"
	"fmt"
	"strings"

	"github.com/akinalp/qrattend/database"
	"github.com/akinalp/qrattend/models"
	"github.com/akinalp/qrattend/pkg"
)

type sqliteAttendanceRepo struct {
	db database.TxQuerier
}

// NewSQLiteAttendanceRepo returns the SQLite AttendanceRepository.
func NewSQLiteAttendanceRepo(db database.TxQuerier) AttendanceRepository {
	return &sqliteAttendanceRepo{db: db}
}

func (r *sqliteAttendanceRepo) Create(ctx context.Context, record *models.AttendanceRecord) error {
	query := `
		INSERT INTO attendance_records (id, session_id, email, device_hash, scanned_at)
		VALUES (?, ?, ?, ?, ?)`

	_, err := r.db.ExecContext(ctx, query,
		record.ID, record.SessionID, record.Email, record.DeviceFingerprint, record.Timestamp.UTC(),
	)
	if err != nil {
		// The unique index backs up the in-memory device set.
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return fmt.Errorf("%w: session %s", pkg.ErrDuplicateDevice, record.SessionID)
		}
		return fmt.Errorf("failed to create attendance record: %w", err)
	}
	return nil
}

func (r *sqliteAttendanceRepo) ListBySession(ctx context.Context, sessionID string) ([]models.AttendanceRecord, error) {
	records := []models.AttendanceRecord{}
	err := r.db.SelectContext(ctx, &records, `
		SELECT id, session_id, email, device_hash, scanned_at
		FROM attendance_records
		WHERE session_id = ?
		ORDER BY scanned_at ASC, rowid ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list attendance records: %w", err)
	}
	return records, nil
}

func (r *sqliteAttendanceRepo) ListByEmail(ctx context.Context, email string) ([]models.StudentAttendance, error) {
	history := []models.StudentAttendance{}
	err := r.db.SelectContext(ctx, &history, `
		SELECT a.session_id, s.class_id, COALESCE(c.name, '') AS class_name,
		       s.started_at, a.scanned_at
		FROM attendance_records a
		JOIN sessions s ON s.id = a.session_id
		LEFT JOIN classes c ON c.id = s.class_id
		WHERE a.email = ? COLLATE NOCASE
		ORDER BY a.scanned_at DESC`, email)
	if err != nil {
		return nil, fmt.Errorf("failed to list student attendance: %w", err)
	}
	return history, nil
}
