package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/akinalp/qrattend/database"
	"github.com/akinalp/qrattend/models"
	"github.com/akinalp/qrattend/pkg"
)

type sqliteSessionRepo struct {
	db database.TxQuerier
}

// NewSQLiteSessionRepo returns the SQLite SessionRepository.
func NewSQLiteSessionRepo(db database.TxQuerier) SessionRepository {
	return &sqliteSessionRepo{db: db}
}

func (r *sqliteSessionRepo) Create(ctx context.Context, session *models.Session) error {
	query := `
		INSERT INTO sessions (id, class_id, state, started_by, started_at)
		VALUES (?, ?, ?, ?, ?)`

	if _, err := r.db.ExecContext(ctx, query,
		session.ID, session.ClassID, session.State, session.StartedBy, session.StartedAt.UTC(),
	); err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	return nil
}

func (r *sqliteSessionRepo) MarkEnded(ctx context.Context, sessionID string, endedAt time.Time) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE sessions SET state = ?, ended_at = ? WHERE id = ? AND state = ?`,
		models.SessionEnded, endedAt.UTC(), sessionID, models.SessionActive,
	)
	if err != nil {
		return fmt.Errorf("failed to end session: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: no active session %s", pkg.ErrNotFound, sessionID)
	}
	return nil
}

func (r *sqliteSessionRepo) GetByID(ctx context.Context, sessionID string) (*models.Session, error) {
	var session models.Session
	err := r.db.GetContext(ctx, &session, `
		SELECT id, class_id, state, started_by, started_at, ended_at
		FROM sessions WHERE id = ?`, sessionID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: session %s", pkg.ErrNotFound, sessionID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return &session, nil
}

func (r *sqliteSessionRepo) EndStale(ctx context.Context, endedAt time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE sessions SET state = ?, ended_at = ? WHERE state = ?`,
		models.SessionEnded, endedAt.UTC(), models.SessionActive,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to end stale sessions: %w", err)
	}
	return result.RowsAffected()
}
