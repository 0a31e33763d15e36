package repository

import (
	"context"

	"github.com/akinalp/qrattend/models"
)

// ClassRepository reads the class directory.
type ClassRepository interface {
	GetByID(ctx context.Context, classID string) (*models.Class, error)
	List(ctx context.Context) ([]models.Class, error)
}
