package repository

import (
	"context"
	"time"

	"github.com/akinalp/qrattend/models"
)

// SessionRepository persists the lifecycle columns of attendance sessions.
//
// Create: inserts a new active session.
// MarkEnded: moves an active session to ended; ErrNotFound if no active row matched.
// GetByID: loads one session (tokens and devices are not stored).
// EndStale: ends every session left active by a previous process.
type SessionRepository interface {
	Create(ctx context.Context, session *models.Session) error
	MarkEnded(ctx context.Context, sessionID string, endedAt time.Time) error
	GetByID(ctx context.Context, sessionID string) (*models.Session, error)
	EndStale(ctx context.Context, endedAt time.Time) (int64, error)
}
