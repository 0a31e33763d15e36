package services

import (
	"context"
	"fmt"
	"time"

	"github.com/jellydator/ttlcache/v3"

	"github.com/akinalp/qrattend/models"
	"github.com/akinalp/qrattend/repository"
)

// ClassDirectory resolves externally managed classes. Roster sizes change
// rarely, so lookups are cached for a TTL.
type ClassDirectory interface {
	Get(ctx context.Context, classID string) (*models.Class, error)
	List(ctx context.Context) ([]models.Class, error)
}

// CachedClassDirectory is the ClassDirectory backed by the classes table.
type CachedClassDirectory struct {
	repo  repository.ClassRepository
	cache *ttlcache.Cache[string, models.Class]
}

// NewClassDirectory creates a cached directory. Call Close to stop the
// cache's expiry goroutine.
func NewClassDirectory(repo repository.ClassRepository, ttl time.Duration) *CachedClassDirectory {
	cache := ttlcache.New(
		ttlcache.WithTTL[string, models.Class](ttl),
		ttlcache.WithDisableTouchOnHit[string, models.Class](),
	)
	go cache.Start()

	return &CachedClassDirectory{repo: repo, cache: cache}
}

// Get returns the class, or a wrapped pkg.ErrNotFound.
func (d *CachedClassDirectory) Get(ctx context.Context, classID string) (*models.Class, error) {
	if item := d.cache.Get(classID); item != nil {
		class := item.Value()
		return &class, nil
	}

	class, err := d.repo.GetByID(ctx, classID)
	if err != nil {
		return nil, fmt.Errorf("class %q: %w", classID, err)
	}
	d.cache.Set(classID, *class, ttlcache.DefaultTTL)
	return class, nil
}

// List always reads the repository and refreshes the cache with the result.
func (d *CachedClassDirectory) List(ctx context.Context) ([]models.Class, error) {
	classes, err := d.repo.List(ctx)
	if err != nil {
		return nil, err
	}
	for _, c := range classes {
		d.cache.Set(c.ID, c, ttlcache.DefaultTTL)
	}
	return classes, nil
}

// Close stops the expiry goroutine.
func (d *CachedClassDirectory) Close() {
	d.cache.Stop()
}
