// Package buyback drives a purchased device from evaluation to resale.
package buyback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"repairpos/backend/internal/catalog"
	"repairpos/backend/internal/domain"
	"repairpos/backend/internal/service"
	"repairpos/backend/internal/store"
	"repairpos/backend/internal/valuation"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// transitions lists every allowed status move. Rejected and Resold are
// terminal.
var transitions = map[domain.DeviceStatus][]domain.DeviceStatus{
	domain.DeviceStatusEvaluation: {domain.DeviceStatusOffered},
	domain.DeviceStatusOffered:    {domain.DeviceStatusAccepted, domain.DeviceStatusRejected},
	domain.DeviceStatusAccepted:   {domain.DeviceStatusPaid},
	domain.DeviceStatusPaid:       {domain.DeviceStatusResold},
}

// CanTransition reports whether a device may move from one status to another.
func CanTransition(from domain.DeviceStatus, to domain.DeviceStatus) bool {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

type Repository interface {
	GetBuybackDevice(ctx context.Context, id string) (*domain.BuybackDevice, error)
	ListBuybackDevices(ctx context.Context, filter domain.DeviceFilter) ([]domain.BuybackDevice, error)
	TransitionBuybackDevice(ctx context.Context, id string, from domain.DeviceStatus, to domain.DeviceStatus, at time.Time) (*domain.BuybackDevice, error)
	UpdateBuybackValuation(ctx context.Context, id string, from domain.DeviceStatus, valuation domain.Valuation, at time.Time) (*domain.BuybackDevice, error)
	SetBuybackOverride(ctx context.Context, id string, from domain.DeviceStatus, override domain.PriceOverride) (*domain.BuybackDevice, error)
	PayBuybackDevice(ctx context.Context, id string, draft domain.LedgerDraft, numbering domain.LedgerNumbering, at time.Time) (*domain.BuybackDevice, *domain.PoliceLogEntry, error)
	ResellBuybackDevice(ctx context.Context, id string, sale domain.LedgerSale, at time.Time) (*domain.BuybackDevice, *domain.PoliceLogEntry, error)
}

// Ledger is the part of the compliance ledger the lifecycle writes through.
type Ledger interface {
	Authorize() error
	Numbering(at time.Time) domain.LedgerNumbering
}

type Options struct {
	Parameters valuation.Parameters
	Now        func() time.Time
}

type Manager struct {
	repo    Repository
	ledger  Ledger
	catalog catalog.Lookup
	params  valuation.Parameters
	auditor *service.Auditor
	logger  *slog.Logger
	now     func() time.Time
}

func NewManager(repo Repository, ledger Ledger, lookup catalog.Lookup, auditor *service.Auditor, logger *slog.Logger, opts Options) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Manager{
		repo:    repo,
		ledger:  ledger,
		catalog: lookup,
		params:  opts.Parameters,
		auditor: auditor,
		logger:  logger,
		now:     opts.Now,
	}
}

func (m *Manager) Get(ctx context.Context, id string) (*domain.BuybackDevice, error) {
	device, err := m.repo.GetBuybackDevice(ctx, strings.TrimSpace(id))
	if err != nil {
		return nil, service.AsPersistence("get buyback device", err)
	}
	return device, nil
}

// List returns devices newest first.
func (m *Manager) List(ctx context.Context, filter domain.DeviceFilter) ([]domain.BuybackDevice, error) {
	if filter.Status != "" && !validStatus(filter.Status) {
		return nil, domain.NewValidationError("status", "unknown device status")
	}
	if filter.Limit < 1 {
		filter.Limit = defaultListLimit
	}
	if filter.Limit > maxListLimit {
		filter.Limit = maxListLimit
	}
	devices, err := m.repo.ListBuybackDevices(ctx, filter)
	if err != nil {
		return nil, service.AsPersistence("list buyback devices", err)
	}
	return devices, nil
}

// Transition moves a device to req.Target. Paying a device appends its
// ledger entry and reselling it closes that entry; both run in one unit of
// work with the status change and need the compliance modules enabled.
func (m *Manager) Transition(ctx context.Context, id string, req domain.DeviceTransitionRequest) (*domain.BuybackDevice, error) {
	if !validStatus(req.Target) {
		return nil, domain.NewValidationError("target", "unknown device status")
	}

	current, err := m.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !CanTransition(current.Status, req.Target) {
		return nil, &domain.StateTransitionError{Entity: "buyback_device", From: string(current.Status), To: string(req.Target)}
	}

	now := m.now()
	var (
		updated *domain.BuybackDevice
		entry   *domain.PoliceLogEntry
	)
	switch req.Target {
	case domain.DeviceStatusPaid:
		if err := m.ledger.Authorize(); err != nil {
			return nil, err
		}
		updated, entry, err = m.repo.PayBuybackDevice(ctx, current.ID, paymentDraft(ctx, *current, now), m.ledger.Numbering(now), now)
	case domain.DeviceStatusResold:
		if err := m.ledger.Authorize(); err != nil {
			return nil, err
		}
		sale, verr := resale(req, now, current.PaidAt)
		if verr != nil {
			return nil, verr
		}
		updated, entry, err = m.repo.ResellBuybackDevice(ctx, current.ID, sale, now)
	default:
		updated, err = m.repo.TransitionBuybackDevice(ctx, current.ID, current.Status, req.Target, now)
	}
	if err != nil {
		return nil, m.transitionError(current.Status, req.Target, err)
	}

	detail := fmt.Sprintf("%s -> %s", current.Status, updated.Status)
	if entry != nil {
		detail += " ledger_entry=" + entry.EntryNumber
	}
	m.record(ctx, updated, "buyback_transition", detail)
	m.logger.Info("buyback device transitioned",
		"device_id", updated.ID,
		"from", current.Status,
		"to", updated.Status,
	)
	return updated, nil
}

// Override sets a manual offer. The computed valuation is kept as is; the
// ledger records the override amount when the device is paid.
func (m *Manager) Override(ctx context.Context, id string, amount decimal.Decimal, reason string) (*domain.BuybackDevice, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, domain.NewValidationError("reason", "required")
	}
	if amount.IsNegative() {
		return nil, domain.NewValidationError("amount", "must not be negative")
	}

	current, err := m.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !beforePayment(current.Status) {
		return nil, &domain.StateTransitionError{Entity: "buyback_device", From: string(current.Status), To: "overridden", Reason: "offer can only change before payment"}
	}

	override := domain.PriceOverride{
		Amount: amount.Round(2),
		Reason: reason,
		By:     service.ActorName(ctx),
		At:     m.now(),
	}
	updated, err := m.repo.SetBuybackOverride(ctx, current.ID, current.Status, override)
	if err != nil {
		return nil, m.transitionError(current.Status, current.Status, err)
	}

	m.record(ctx, updated, "buyback_override", fmt.Sprintf("final_offer=%s override=%s reason=%s",
		updated.Valuation.FinalOffer.StringFixed(0), override.Amount.StringFixed(2), reason))
	return updated, nil
}

// Revalue recomputes the valuation from the stored snapshot with the current
// parameters and catalog price. When the model has left the catalog the
// price frozen in the snapshot is reused.
func (m *Manager) Revalue(ctx context.Context, id string) (*domain.BuybackDevice, error) {
	current, err := m.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if current.Status != domain.DeviceStatusEvaluation && current.Status != domain.DeviceStatusOffered {
		return nil, &domain.StateTransitionError{Entity: "buyback_device", From: string(current.Status), To: "revalued", Reason: "only evaluated or offered devices can be revalued"}
	}

	snap := current.Snapshot
	base := snap.BaseValue
	if m.catalog != nil {
		price, err := m.catalog.BasePrice(ctx, snap.Device.Brand, snap.Device.Model)
		switch {
		case err == nil:
			base = price
		case errors.Is(err, domain.ErrLookup):
			m.logger.Warn("catalog price unavailable, revaluing with snapshot base",
				"device_id", current.ID, "brand", snap.Device.Brand, "model", snap.Device.Model, "error", err)
		default:
			return nil, err
		}
	}

	v, err := valuation.Evaluate(valuation.Input{
		Device:    snap.Device,
		Condition: snap.Condition,
		Base:      base,
		BaseKnown: true,
	}, m.params)
	if err != nil {
		return nil, err
	}

	updated, err := m.repo.UpdateBuybackValuation(ctx, current.ID, current.Status, v, m.now())
	if err != nil {
		return nil, m.transitionError(current.Status, current.Status, err)
	}

	m.record(ctx, updated, "buyback_revalue", fmt.Sprintf("final_offer %s -> %s",
		current.Valuation.FinalOffer.StringFixed(0), updated.Valuation.FinalOffer.StringFixed(0)))
	return updated, nil
}

func (m *Manager) transitionError(from domain.DeviceStatus, to domain.DeviceStatus, err error) error {
	switch {
	case errors.Is(err, store.ErrStaleState):
		return &domain.StateTransitionError{Entity: "buyback_device", From: string(from), To: string(to), Reason: "device changed concurrently"}
	case errors.Is(err, store.ErrNoActiveEntry):
		return &domain.StateTransitionError{Entity: "buyback_device", From: string(from), To: string(to), Reason: "no active ledger entry for device"}
	}
	return service.AsPersistence("update buyback device", err)
}

func (m *Manager) record(ctx context.Context, device *domain.BuybackDevice, action string, detail string) {
	if m.auditor == nil {
		return
	}
	m.auditor.Record(ctx, device.StoreID, action, "buyback_device", device.ID, detail)
}

// paymentDraft builds the log book line for a paid device. The purchase
// price is the effective offer.
func paymentDraft(ctx context.Context, device domain.BuybackDevice, at time.Time) domain.LedgerDraft {
	snap := device.Snapshot
	return domain.LedgerDraft{
		StoreID:  device.StoreID,
		DeviceID: device.ID,
		Seller:   snap.Seller,
		Item: domain.LedgerItem{
			Brand: snap.Device.Brand,
			Model: snap.Device.Model,
			IMEI:  snap.Device.IMEI,
			Color: snap.Device.Color,
		},
		AcquiredAt:    at,
		PurchasePrice: device.EffectiveOffer(),
		CreatedBy:     service.ActorName(ctx),
		Notes:         snap.Notes,
	}
}

func resale(req domain.DeviceTransitionRequest, now time.Time, paidAt *time.Time) (domain.LedgerSale, error) {
	if strings.TrimSpace(req.SoldTo) == "" {
		return domain.LedgerSale{}, domain.NewValidationError("sold_to", "required")
	}
	if req.SoldPrice == nil {
		return domain.LedgerSale{}, domain.NewValidationError("sold_price", "required")
	}
	if req.SoldPrice.IsNegative() {
		return domain.LedgerSale{}, domain.NewValidationError("sold_price", "must not be negative")
	}
	sale := domain.LedgerSale{SoldAt: now, SoldTo: strings.TrimSpace(req.SoldTo), SoldPrice: *req.SoldPrice}
	if req.SoldAt != nil {
		sale.SoldAt = *req.SoldAt
	}
	if paidAt != nil && sale.SoldAt.Before(*paidAt) {
		return domain.LedgerSale{}, domain.NewValidationError("sold_at", "must not precede the payment")
	}
	return sale, nil
}

func beforePayment(status domain.DeviceStatus) bool {
	switch status {
	case domain.DeviceStatusEvaluation, domain.DeviceStatusOffered, domain.DeviceStatusAccepted:
		return true
	}
	return false
}

func validStatus(status domain.DeviceStatus) bool {
	switch status {
	case domain.DeviceStatusEvaluation, domain.DeviceStatusOffered, domain.DeviceStatusAccepted,
		domain.DeviceStatusRejected, domain.DeviceStatusPaid, domain.DeviceStatusResold:
		return true
	}
	return false
}
