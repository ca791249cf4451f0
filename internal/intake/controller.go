package intake

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"repairpos/backend/internal/catalog"
	"repairpos/backend/internal/domain"
	"repairpos/backend/internal/photo"
	"repairpos/backend/internal/service"
	"repairpos/backend/internal/store"
	"repairpos/backend/internal/valuation"
	"repairpos/backend/internal/xid"
)

// ErrSessionNotFound is returned for unknown, cancelled, expired or
// finalized sessions.
var ErrSessionNotFound = fmt.Errorf("evaluation session: %w", store.ErrNotFound)

type DeviceRepository interface {
	CreateBuybackDevice(ctx context.Context, device domain.BuybackDevice) (*domain.BuybackDevice, error)
}

type Options struct {
	Devices    DeviceRepository
	Catalog    catalog.Lookup
	Photos     photo.Store
	Parameters valuation.Parameters
	Auditor    *service.Auditor
	Logger     *slog.Logger
	SessionTTL time.Duration
	Now        func() time.Time
}

// Controller keeps the open evaluation sessions of the process.
type Controller struct {
	mu         sync.Mutex
	sessions   map[string]Session
	finalizing map[string]bool

	devices DeviceRepository
	catalog catalog.Lookup
	photos  photo.Store
	params  valuation.Parameters
	auditor *service.Auditor
	logger  *slog.Logger
	ttl     time.Duration
	now     func() time.Time
}

func NewController(opts Options) *Controller {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.SessionTTL <= 0 {
		opts.SessionTTL = 2 * time.Hour
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Controller{
		sessions:   make(map[string]Session),
		finalizing: make(map[string]bool),
		devices:    opts.Devices,
		catalog:    opts.Catalog,
		photos:     opts.Photos,
		params:     opts.Parameters,
		auditor:    opts.Auditor,
		logger:     opts.Logger,
		ttl:        opts.SessionTTL,
		now:        opts.Now,
	}
}

func (c *Controller) Start(ctx context.Context, storeID string) Session {
	if storeID == "" && c.auditor != nil {
		storeID = c.auditor.DefaultStoreID()
	}
	now := c.now()
	s := NewSession(xid.New("eval"), storeID, service.ActorName(ctx), now)

	c.mu.Lock()
	c.sessions[s.ID] = s
	c.mu.Unlock()

	c.logger.Debug("evaluation session started", "session_id", s.ID, "store_id", storeID)
	return s.clone()
}

func (c *Controller) Get(_ context.Context, id string) (Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, err := c.sessionLocked(id)
	if err != nil {
		return Session{}, err
	}
	return s.clone(), nil
}

// UpdateStep stores data for the session's current step. A failed
// validation is reported in the result, not as an error.
func (c *Controller) UpdateStep(_ context.Context, id string, in StepInput) (Session, ValidationResult, error) {
	if in == nil {
		return Session{}, ValidationResult{}, domain.NewValidationError("step", "step data is required")
	}
	return c.mutate(id, func(s Session) (Session, ValidationResult) {
		return Apply(s, in, c.now())
	})
}

func (c *Controller) Next(_ context.Context, id string) (Session, ValidationResult, error) {
	return c.mutate(id, func(s Session) (Session, ValidationResult) {
		return Advance(s, c.now())
	})
}

func (c *Controller) Back(_ context.Context, id string) (Session, error) {
	s, _, err := c.mutate(id, func(s Session) (Session, ValidationResult) {
		next := Retreat(s, c.now())
		return next, ValidationResult{Step: next.Step, Valid: true}
	})
	return s, err
}

// Cancel discards the session. Photos already stored stay in the photo
// store; nothing else was persisted.
func (c *Controller) Cancel(_ context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, err := c.sessionLocked(id); err != nil {
		return err
	}
	if c.finalizing[id] {
		return &domain.StateTransitionError{Entity: "evaluation_session", From: "finalizing", To: "cancelled"}
	}
	delete(c.sessions, id)
	return nil
}

// AttachPhoto stores an upload and appends its reference to the session.
// Uploads are refused while the session is being finalized.
func (c *Controller) AttachPhoto(ctx context.Context, id string, name string, r io.Reader) (Session, string, error) {
	if err := c.acceptingPhotos(id); err != nil {
		return Session{}, "", err
	}
	if c.photos == nil {
		return Session{}, "", &domain.PersistenceError{Op: "attach photo", Err: errors.New("photo store not configured")}
	}

	ref, err := c.photos.Save(ctx, name, r)
	if err != nil {
		return Session{}, "", err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	s, err := c.sessionLocked(id)
	if err != nil {
		return Session{}, "", err
	}
	if c.finalizing[id] {
		return Session{}, "", finalizingError(s)
	}
	s = s.clone()
	s.PhotoRefs = append(s.PhotoRefs, ref)
	s.UpdatedAt = c.now()
	if s.Step > StepDocumentation || (s.Step == StepDocumentation && validateStep(s, StepDocumentation) == nil) {
		s.Completed[StepDocumentation-1] = true
	}
	c.sessions[id] = s
	return s.clone(), ref, nil
}

func (c *Controller) acceptingPhotos(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, err := c.sessionLocked(id)
	if err != nil {
		return err
	}
	if c.finalizing[id] {
		return finalizingError(s)
	}
	return nil
}

func finalizingError(s Session) error {
	return &domain.StateTransitionError{Entity: "evaluation_session", From: "finalizing", To: s.Step.String()}
}

// Preview computes the breakdown the session would finalize with. An unknown
// base value is reported through Valuation.ValueUnknown instead of an error.
func (c *Controller) Preview(ctx context.Context, id string) (domain.Valuation, error) {
	s, err := c.Get(ctx, id)
	if err != nil {
		return domain.Valuation{}, err
	}
	if err := validateStep(s, StepCondition); err != nil {
		return domain.Valuation{}, err
	}

	base, known, err := c.basePrice(ctx, s.Device)
	if err != nil {
		return domain.Valuation{}, err
	}
	return valuation.Evaluate(valuation.Input{
		Device:    s.Device,
		Condition: s.Condition,
		Base:      base,
		BaseKnown: known,
	}, c.params)
}

// Finalize converts a completed session into a BuybackDevice in evaluation
// status. Either the device is written and the session removed, or nothing
// is written and the session stays open for correction.
func (c *Controller) Finalize(ctx context.Context, id string) (*domain.BuybackDevice, error) {
	s, err := c.beginFinalize(id)
	if err != nil {
		return nil, err
	}
	device, err := c.finalize(ctx, s)

	c.mu.Lock()
	delete(c.finalizing, id)
	if err == nil {
		delete(c.sessions, id)
	}
	c.mu.Unlock()

	if err != nil {
		return nil, err
	}
	if c.auditor != nil {
		c.auditor.Record(ctx, device.StoreID, "buyback_evaluation_finalize", "buyback_device", device.ID,
			fmt.Sprintf("session=%s imei=%s final_offer=%s", id, device.Snapshot.Device.IMEI, device.Valuation.FinalOffer.StringFixed(0)))
	}
	return device, nil
}

func (c *Controller) beginFinalize(id string) (Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, err := c.sessionLocked(id)
	if err != nil {
		return Session{}, err
	}
	if c.finalizing[id] {
		return Session{}, &domain.StateTransitionError{Entity: "evaluation_session", From: "finalizing", To: "finalized", Reason: "finalize already in progress"}
	}
	if s.Step != StepOfferReview {
		return Session{}, &domain.StateTransitionError{Entity: "evaluation_session", From: s.Step.String(), To: "finalized"}
	}
	c.finalizing[id] = true
	return s.clone(), nil
}

func (c *Controller) finalize(ctx context.Context, s Session) (*domain.BuybackDevice, error) {
	if err := ValidateAll(s); err != nil {
		return nil, err
	}

	base, known, err := c.basePrice(ctx, s.Device)
	if err != nil {
		return nil, err
	}
	if !known {
		return nil, &domain.LookupError{Brand: s.Device.Brand, Model: s.Device.Model}
	}

	v, err := valuation.Evaluate(valuation.Input{
		Device:    s.Device,
		Condition: s.Condition,
		Base:      base,
		BaseKnown: true,
	}, c.params)
	if err != nil {
		return nil, err
	}

	now := c.now()
	device := domain.BuybackDevice{
		ID:      xid.New("dev"),
		StoreID: s.StoreID,
		Snapshot: domain.DeviceSnapshot{
			Seller:    s.Seller,
			Device:    s.Device,
			Condition: s.Condition,
			BaseValue: base,
			PhotoRefs: s.PhotoRefs,
			Notes:     s.Notes,
		},
		Valuation:   v,
		Status:      domain.DeviceStatusEvaluation,
		EvaluatedBy: service.ActorName(ctx),
		CreatedAt:   now,
		EvaluatedAt: now,
		UpdatedAt:   now,
	}

	created, err := c.devices.CreateBuybackDevice(ctx, device)
	if err != nil {
		return nil, service.AsPersistence("create buyback device", err)
	}
	return created, nil
}

// basePrice reports known=false when the catalog has no entry for the
// model. Other lookup failures are returned as errors.
func (c *Controller) basePrice(ctx context.Context, device domain.DeviceIdentity) (decimal.Decimal, bool, error) {
	if c.catalog == nil {
		return decimal.Zero, false, nil
	}
	base, err := c.catalog.BasePrice(ctx, device.Brand, device.Model)
	if err == nil {
		return base, true, nil
	}
	if errors.Is(err, domain.ErrLookup) {
		return decimal.Zero, false, nil
	}
	return decimal.Zero, false, err
}

func (c *Controller) mutate(id string, fn func(Session) (Session, ValidationResult)) (Session, ValidationResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, err := c.sessionLocked(id)
	if err != nil {
		return Session{}, ValidationResult{}, err
	}
	if c.finalizing[id] {
		return Session{}, ValidationResult{}, finalizingError(s)
	}
	next, res := fn(s)
	c.sessions[id] = next
	return next.clone(), res, nil
}

// sessionLocked returns the session, dropping it first when it has been
// idle longer than the TTL.
func (c *Controller) sessionLocked(id string) (Session, error) {
	s, ok := c.sessions[id]
	if !ok {
		return Session{}, ErrSessionNotFound
	}
	if !c.finalizing[id] && c.now().Sub(s.UpdatedAt) > c.ttl {
		delete(c.sessions, id)
		return Session{}, ErrSessionNotFound
	}
	return s, nil
}

// PurgeExpired drops every idle session and returns how many were removed.
func (c *Controller) PurgeExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	removed := 0
	for id, s := range c.sessions {
		if c.finalizing[id] {
			continue
		}
		if now.Sub(s.UpdatedAt) > c.ttl {
			delete(c.sessions, id)
			removed++
		}
	}
	return removed
}

// RunJanitor purges idle sessions every interval until ctx is done.
func (c *Controller) RunJanitor(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := c.PurgeExpired(); n > 0 {
				c.logger.Info("expired evaluation sessions purged", "count", n)
			}
		}
	}
}

// Len is the number of open sessions.
func (c *Controller) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sessions)
}
