// Package service holds what the buyback, ledger and catalog services share:
// the acting operator carried in the request context and the audit trail.
package service

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"repairpos/backend/internal/domain"
	"repairpos/backend/internal/store"
	"repairpos/backend/internal/xid"
)

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

// ActorName returns the username of the acting operator, or "system" for
// background work.
func ActorName(ctx context.Context) string {
	if actor, ok := ActorFromContext(ctx); ok && actor.Username != "" {
		return actor.Username
	}
	return "system"
}

type AuditWriter interface {
	CreateAuditLog(ctx context.Context, entry domain.AuditLog) error
	ListAuditLogs(ctx context.Context, storeID string, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error)
}

// Auditor records who did what. A failed audit write is logged and never
// fails the operation that triggered it.
type Auditor struct {
	repo           AuditWriter
	logger         *slog.Logger
	defaultStoreID string
}

func NewAuditor(repo AuditWriter, logger *slog.Logger, defaultStoreID string) *Auditor {
	if logger == nil {
		logger = slog.Default()
	}
	if defaultStoreID == "" {
		defaultStoreID = "main-store"
	}
	return &Auditor{repo: repo, logger: logger, defaultStoreID: defaultStoreID}
}

func (a *Auditor) DefaultStoreID() string {
	return a.defaultStoreID
}

func (a *Auditor) Record(ctx context.Context, storeID string, action string, entityType string, entityID string, detail string) {
	if storeID == "" {
		storeID = a.defaultStoreID
	}

	actor, ok := ActorFromContext(ctx)
	if !ok {
		actor = domain.Actor{Username: "system", Role: "system"}
	}

	if err := a.repo.CreateAuditLog(ctx, domain.AuditLog{
		ID:            xid.New("audit"),
		StoreID:       storeID,
		ActorUsername: actor.Username,
		ActorRole:     actor.Role,
		Action:        action,
		EntityType:    entityType,
		EntityID:      entityID,
		Detail:        detail,
		CreatedAt:     time.Now().UTC(),
	}); err != nil {
		a.logger.Warn("failed to write audit log",
			"action", action,
			"entity_type", entityType,
			"entity_id", entityID,
			"error", err,
		)
	}
}

// List returns the audit records of one UTC day, newest first. An empty date
// means the last 24 hours.
func (a *Auditor) List(ctx context.Context, storeID string, date string, limit int) ([]domain.AuditLog, error) {
	if storeID == "" {
		storeID = a.defaultStoreID
	}
	if limit < 1 {
		limit = 100
	}

	var from time.Time
	if strings.TrimSpace(date) == "" {
		from = time.Now().UTC().Add(-24 * time.Hour)
	} else {
		parsed, err := time.Parse("2006-01-02", date)
		if err != nil {
			return nil, domain.NewValidationError("date", "expected YYYY-MM-DD")
		}
		from = parsed.UTC()
	}
	to := from.Add(24 * time.Hour)

	return a.repo.ListAuditLogs(ctx, storeID, from, to, limit)
}

// AsPersistence wraps unexpected store failures so callers can tell them
// apart from domain errors. Store sentinels that carry meaning of their own
// pass through unchanged.
func AsPersistence(op string, err error) error {
	if err == nil {
		return nil
	}
	if domain.Category(err) != "internal" {
		return err
	}
	if errors.Is(err, store.ErrNotFound) || errors.Is(err, store.ErrConflict) || errors.Is(err, store.ErrInvalidInput) {
		return err
	}
	return &domain.PersistenceError{Op: op, Err: err}
}
