// Package catalog answers "what is this model worth in perfect condition".
package catalog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"

	"repairpos/backend/internal/cache"
	"repairpos/backend/internal/domain"
	"repairpos/backend/internal/service"
	"repairpos/backend/internal/store"
)

// Lookup resolves the catalog base price of a device model. It returns a
// *domain.LookupError when the model is unknown.
type Lookup interface {
	BasePrice(ctx context.Context, brand string, model string) (decimal.Decimal, error)
}

type Repository interface {
	GetCatalogModel(ctx context.Context, brand string, model string) (*domain.CatalogModel, error)
	UpsertCatalogModel(ctx context.Context, model domain.CatalogModel) (*domain.CatalogModel, error)
	ListCatalogModels(ctx context.Context) ([]domain.CatalogModel, error)
}

type Service struct {
	repo    Repository
	cache   cache.CatalogCache
	ttl     time.Duration
	group   singleflight.Group
	auditor *service.Auditor
	logger  *slog.Logger
}

func NewService(repo Repository, c cache.CatalogCache, ttl time.Duration, auditor *service.Auditor, logger *slog.Logger) *Service {
	if c == nil {
		c = cache.NoopCatalogCache{}
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, cache: c, ttl: ttl, auditor: auditor, logger: logger}
}

func cacheKey(brand string, model string) string {
	return domain.CatalogKey(brand) + "|" + domain.CatalogKey(model)
}

func (s *Service) BasePrice(ctx context.Context, brand string, model string) (decimal.Decimal, error) {
	m, err := s.Get(ctx, brand, model)
	if err != nil {
		return decimal.Zero, err
	}
	return m.BasePrice, nil
}

// Get returns the catalog model, consulting the cache first. Concurrent
// misses for the same key share one repository read.
func (s *Service) Get(ctx context.Context, brand string, model string) (*domain.CatalogModel, error) {
	if strings.TrimSpace(brand) == "" || strings.TrimSpace(model) == "" {
		return nil, &domain.LookupError{Brand: brand, Model: model}
	}
	key := cacheKey(brand, model)

	if cached, ok, err := s.cache.Get(ctx, key); err != nil {
		s.logger.Warn("catalog cache read failed", "key", key, "error", err)
	} else if ok {
		return cached, nil
	}

	v, err, _ := s.group.Do(key, func() (any, error) {
		found, err := s.repo.GetCatalogModel(ctx, brand, model)
		if err != nil {
			return nil, err
		}
		if err := s.cache.Set(ctx, key, found, s.ttl); err != nil {
			s.logger.Warn("catalog cache write failed", "key", key, "error", err)
		}
		return found, nil
	})
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, &domain.LookupError{Brand: brand, Model: model}
		}
		return nil, service.AsPersistence("catalog lookup", err)
	}
	return v.(*domain.CatalogModel), nil
}

func (s *Service) Upsert(ctx context.Context, model domain.CatalogModel) (*domain.CatalogModel, error) {
	model.Brand = strings.TrimSpace(model.Brand)
	model.Model = strings.TrimSpace(model.Model)
	if model.Brand == "" {
		return nil, domain.NewValidationError("brand", "required")
	}
	if model.Model == "" {
		return nil, domain.NewValidationError("model", "required")
	}
	if model.BasePrice.IsNegative() {
		return nil, domain.NewValidationError("base_price", "must not be negative")
	}
	model.UpdatedAt = time.Now().UTC()

	saved, err := s.repo.UpsertCatalogModel(ctx, model)
	if err != nil {
		return nil, service.AsPersistence("upsert catalog model", err)
	}

	key := cacheKey(saved.Brand, saved.Model)
	if err := s.cache.Delete(ctx, key); err != nil {
		s.logger.Warn("catalog cache invalidation failed", "key", key, "error", err)
	}
	if s.auditor != nil {
		s.auditor.Record(ctx, "", "catalog_upsert", "catalog_model", key, fmt.Sprintf("base_price=%s", saved.BasePrice))
	}
	return saved, nil
}

func (s *Service) List(ctx context.Context) ([]domain.CatalogModel, error) {
	models, err := s.repo.ListCatalogModels(ctx)
	if err != nil {
		return nil, service.AsPersistence("list catalog models", err)
	}
	return models, nil
}
