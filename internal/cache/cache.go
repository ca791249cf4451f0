package cache

import (
	"context"
	"time"

	"repairpos/backend/internal/domain"
)

// CatalogCache holds catalog base prices keyed by normalized brand and model.
type CatalogCache interface {
	Get(ctx context.Context, key string) (*domain.CatalogModel, bool, error)
	Set(ctx context.Context, key string, value *domain.CatalogModel, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

type NoopCatalogCache struct{}

func (NoopCatalogCache) Get(_ context.Context, _ string) (*domain.CatalogModel, bool, error) {
	return nil, false, nil
}

func (NoopCatalogCache) Set(_ context.Context, _ string, _ *domain.CatalogModel, _ time.Duration) error {
	return nil
}

func (NoopCatalogCache) Delete(_ context.Context, _ string) error {
	return nil
}
