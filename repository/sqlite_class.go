package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/akinalp/qrattend/database"
	"github.com/akinalp/qrattend/models"
	"github.com/akinalp/qrattend/pkg"
)

type sqliteClassRepo struct {
	db database.TxQuerier
}

// NewSQLiteClassRepo returns the SQLite ClassRepository.
func NewSQLiteClassRepo(db database.TxQuerier) ClassRepository {
	return &sqliteClassRepo{db: db}
}

func (r *sqliteClassRepo) GetByID(ctx context.Context, classID string) (*models.Class, error) {
	var class models.Class
	err := r.db.GetContext(ctx, &class,
		`SELECT id, name, roster_size FROM classes WHERE id = ?`, classID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: class %s", pkg.ErrNotFound, classID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get class: %w", err)
	}
	return &class, nil
}

func (r *sqliteClassRepo) List(ctx context.Context) ([]models.Class, error) {
	classes := []models.Class{}
	if err := r.db.SelectContext(ctx, &classes,
		`SELECT id, name, roster_size FROM classes ORDER BY id`); err != nil {
		return nil, fmt.Errorf("failed to list classes: %w", err)
	}
	return classes, nil
}
