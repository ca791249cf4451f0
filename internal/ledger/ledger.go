// Package ledger keeps the second-hand acquisitions register. Entries are
// numbered per calendar year and their core fields never change once
// appended; only the lifecycle and declaration fields move.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"repairpos/backend/internal/domain"
	"repairpos/backend/internal/service"
	"repairpos/backend/internal/store"
	"repairpos/backend/internal/validation"
)

const (
	defaultSearchLimit = 100
	maxSearchLimit     = 1000
)

// FlagSource reports which modules are switched on.
type FlagSource interface {
	FeatureFlags() domain.FeatureFlags
}

// StaticFlags is a FlagSource with fixed values.
type StaticFlags domain.FeatureFlags

func (f StaticFlags) FeatureFlags() domain.FeatureFlags { return domain.FeatureFlags(f) }

type Repository interface {
	AppendLedgerEntry(ctx context.Context, draft domain.LedgerDraft, numbering domain.LedgerNumbering, at time.Time) (*domain.PoliceLogEntry, error)
	GetLedgerEntry(ctx context.Context, entryNumber string) (*domain.PoliceLogEntry, error)
	GetLedgerEntryByDevice(ctx context.Context, deviceID string) (*domain.PoliceLogEntry, error)
	UpdateLedgerLifecycle(ctx context.Context, entryNumber string, update domain.LedgerLifecycleUpdate) (*domain.PoliceLogEntry, error)
	SearchLedger(ctx context.Context, filter domain.LedgerFilter) ([]domain.PoliceLogEntry, error)
	MarkLedgerDeclared(ctx context.Context, entryNumbers []string, date time.Time, at time.Time) ([]domain.PoliceLogEntry, error)
}

type Options struct {
	Prefix   string
	Location *time.Location
	Now      func() time.Time
}

type Service struct {
	repo     Repository
	flags    FlagSource
	auditor  *service.Auditor
	logger   *slog.Logger
	prefix   string
	location *time.Location
	now      func() time.Time
}

func NewService(repo Repository, flags FlagSource, auditor *service.Auditor, logger *slog.Logger, opts Options) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Prefix == "" {
		opts.Prefix = "RP"
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Service{
		repo:     repo,
		flags:    flags,
		auditor:  auditor,
		logger:   logger,
		prefix:   opts.Prefix,
		location: opts.Location,
		now:      opts.Now,
	}
}

// Authorize fails with a ComplianceAccessError unless both the buyback and
// the logbook modules are enabled.
func (s *Service) Authorize() error {
	flags := s.flags.FeatureFlags()
	if flags.BuybackEnabled && flags.LogbookEnabled {
		return nil
	}
	return &domain.ComplianceAccessError{BuybackEnabled: flags.BuybackEnabled, LogbookEnabled: flags.LogbookEnabled}
}

// Numbering returns the namespace an entry appended at the given instant
// is numbered in. The year is taken in the ledger time zone.
func (s *Service) Numbering(at time.Time) domain.LedgerNumbering {
	return domain.LedgerNumbering{Prefix: s.prefix, Year: at.In(s.location).Year()}
}

func (s *Service) Location() *time.Location {
	return s.location
}

// Append records a manual acquisition. Buyback payments append through the
// device lifecycle instead.
func (s *Service) Append(ctx context.Context, draft domain.LedgerDraft) (*domain.PoliceLogEntry, error) {
	if err := s.Authorize(); err != nil {
		return nil, err
	}

	now := s.now()
	draft.Item.IMEI = validation.NormalizeIMEI(draft.Item.IMEI)
	if err := validateDraft(draft); err != nil {
		return nil, err
	}
	if draft.StoreID == "" && s.auditor != nil {
		draft.StoreID = s.auditor.DefaultStoreID()
	}
	if draft.AcquiredAt.IsZero() {
		draft.AcquiredAt = now
	}
	if draft.AcquiredAt.After(now) {
		return nil, domain.NewValidationError("acquired_at", "must not be in the future")
	}
	draft.CreatedBy = service.ActorName(ctx)

	entry, err := s.repo.AppendLedgerEntry(ctx, draft, s.Numbering(now), now)
	if err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil, &domain.StateTransitionError{Entity: "ledger_entry", From: "recorded", To: "recorded", Reason: "device already has a ledger entry"}
		}
		return nil, service.AsPersistence("append ledger entry", err)
	}

	s.logger.Info("ledger entry appended", "entry_number", entry.EntryNumber, "store_id", entry.StoreID)
	s.record(ctx, entry.StoreID, "ledger_append", entry.EntryNumber,
		fmt.Sprintf("imei=%s purchase_price=%s", entry.Item.IMEI, entry.PurchasePrice.StringFixed(2)))
	return entry, nil
}

func (s *Service) Get(ctx context.Context, entryNumber string) (*domain.PoliceLogEntry, error) {
	if err := s.Authorize(); err != nil {
		return nil, err
	}
	entry, err := s.repo.GetLedgerEntry(ctx, strings.TrimSpace(entryNumber))
	if err != nil {
		return nil, service.AsPersistence("get ledger entry", err)
	}
	return entry, nil
}

// GetByDevice returns the entry a buyback payment created for the device.
func (s *Service) GetByDevice(ctx context.Context, deviceID string) (*domain.PoliceLogEntry, error) {
	if err := s.Authorize(); err != nil {
		return nil, err
	}
	entry, err := s.repo.GetLedgerEntryByDevice(ctx, deviceID)
	if err != nil {
		return nil, service.AsPersistence("get ledger entry by device", err)
	}
	return entry, nil
}

// UpdateLifecycle moves an Active entry to Sold, Destroyed or Returned.
func (s *Service) UpdateLifecycle(ctx context.Context, entryNumber string, update domain.LedgerLifecycleUpdate) (*domain.PoliceLogEntry, error) {
	if err := s.Authorize(); err != nil {
		return nil, err
	}
	if !update.Target.Valid() {
		return nil, domain.NewValidationError("target", "unknown ledger status")
	}

	current, err := s.repo.GetLedgerEntry(ctx, entryNumber)
	if err != nil {
		return nil, service.AsPersistence("get ledger entry", err)
	}
	if current.Status != domain.LedgerStatusActive || update.Target == domain.LedgerStatusActive {
		return nil, &domain.StateTransitionError{Entity: "ledger_entry", From: string(current.Status), To: string(update.Target)}
	}

	// A linked device closes its own entry through the resold transition.
	if current.DeviceID != "" && update.Target == domain.LedgerStatusSold {
		return nil, &domain.StateTransitionError{Entity: "ledger_entry", From: string(current.Status), To: string(update.Target),
			Reason: "entry belongs to buyback device " + current.DeviceID + ", mark the device resold instead"}
	}

	update.Reason = strings.TrimSpace(update.Reason)
	update.At = s.now()
	switch update.Target {
	case domain.LedgerStatusSold:
		if err := validateSale(update.Sale, current.AcquiredAt); err != nil {
			return nil, err
		}
		sale := *update.Sale
		if sale.SoldAt.IsZero() {
			sale.SoldAt = update.At
		}
		update.Sale = &sale
	default:
		if update.Sale != nil {
			return nil, domain.NewValidationError("sale", "only allowed when marking an entry sold")
		}
	}

	updated, err := s.repo.UpdateLedgerLifecycle(ctx, entryNumber, update)
	if err != nil {
		if errors.Is(err, store.ErrStaleState) {
			return nil, &domain.StateTransitionError{Entity: "ledger_entry", From: "changed", To: string(update.Target), Reason: "entry is no longer active"}
		}
		if errors.Is(err, store.ErrInvalidInput) {
			return nil, domain.NewValidationError("sale", "required")
		}
		return nil, service.AsPersistence("update ledger lifecycle", err)
	}

	detail := "status=" + string(updated.Status)
	if update.Reason != "" {
		detail += " reason=" + update.Reason
	}
	s.record(ctx, updated.StoreID, "ledger_lifecycle", updated.EntryNumber, detail)
	return updated, nil
}

func (s *Service) Search(ctx context.Context, filter domain.LedgerFilter) ([]domain.PoliceLogEntry, error) {
	if err := s.Authorize(); err != nil {
		return nil, err
	}
	if err := normalizeFilter(&filter); err != nil {
		return nil, err
	}
	if filter.Limit < 1 {
		filter.Limit = defaultSearchLimit
	}
	if filter.Limit > maxSearchLimit {
		filter.Limit = maxSearchLimit
	}

	entries, err := s.repo.SearchLedger(ctx, filter)
	if err != nil {
		return nil, service.AsPersistence("search ledger", err)
	}
	return entries, nil
}

var exportColumns = []string{
	"entry_number", "acquired_at", "seller_name", "seller_id_type", "seller_id_number",
	"seller_address", "brand", "model", "imei", "color", "purchase_price", "status",
	"sold_at", "sold_to", "sold_price", "declaration_sent", "declaration_date", "created_by",
}

// Export renders every entry matching filter as rows of text, in register
// order. Times are rendered in the ledger time zone.
func (s *Service) Export(ctx context.Context, filter domain.LedgerFilter) (*domain.LedgerExport, error) {
	if err := s.Authorize(); err != nil {
		return nil, err
	}
	if err := normalizeFilter(&filter); err != nil {
		return nil, err
	}
	filter.Offset = 0

	entries, err := s.repo.SearchLedger(ctx, filter)
	if err != nil {
		return nil, service.AsPersistence("export ledger", err)
	}

	rows := make([][]string, 0, len(entries))
	for _, e := range entries {
		rows = append(rows, []string{
			e.EntryNumber,
			s.formatTime(&e.AcquiredAt),
			e.Seller.Name,
			string(e.Seller.IDType),
			e.Seller.IDNumber,
			e.Seller.Address,
			e.Item.Brand,
			e.Item.Model,
			e.Item.IMEI,
			e.Item.Color,
			e.PurchasePrice.StringFixed(2),
			string(e.Status),
			s.formatTime(e.SoldAt),
			e.SoldTo,
			formatMoney(e.SoldPrice),
			strconv.FormatBool(e.DeclarationSent),
			s.formatTime(e.DeclarationDate),
			e.CreatedBy,
		})
	}

	return &domain.LedgerExport{
		Columns:     append([]string(nil), exportColumns...),
		Rows:        rows,
		GeneratedAt: s.now(),
	}, nil
}

// UndeclaredSummary counts the entries acquired in [from, to) that have not
// been declared yet, and totals their purchase prices.
func (s *Service) UndeclaredSummary(ctx context.Context, storeID string, from time.Time, to time.Time) (*domain.UndeclaredSummary, error) {
	if err := s.Authorize(); err != nil {
		return nil, err
	}
	if from.IsZero() || to.IsZero() {
		return nil, domain.NewValidationError("period", "from and to are required")
	}
	if !from.Before(to) {
		return nil, domain.NewValidationError("period", "from must be before to")
	}

	undeclared := false
	entries, err := s.repo.SearchLedger(ctx, domain.LedgerFilter{
		StoreID:  storeID,
		Declared: &undeclared,
		From:     &from,
		To:       &to,
	})
	if err != nil {
		return nil, service.AsPersistence("summarize undeclared entries", err)
	}

	total := decimal.Zero
	for _, e := range entries {
		total = total.Add(e.PurchasePrice)
	}
	return &domain.UndeclaredSummary{From: from, To: to, Count: len(entries), TotalValue: total}, nil
}

// MarkDeclared flags entries as declared to the authorities. All numbers
// must exist; otherwise nothing is marked.
func (s *Service) MarkDeclared(ctx context.Context, req domain.DeclarationRequest) ([]domain.PoliceLogEntry, error) {
	if err := s.Authorize(); err != nil {
		return nil, err
	}

	numbers := make([]string, 0, len(req.EntryNumbers))
	seen := make(map[string]bool, len(req.EntryNumbers))
	for _, n := range req.EntryNumbers {
		n = strings.TrimSpace(n)
		if n == "" || seen[n] {
			continue
		}
		seen[n] = true
		numbers = append(numbers, n)
	}
	if len(numbers) == 0 {
		return nil, domain.NewValidationError("entry_numbers", "at least one entry number is required")
	}

	now := s.now()
	date := now
	if req.Date != nil {
		date = *req.Date
	}
	if date.After(now) {
		return nil, domain.NewValidationError("date", "must not be in the future")
	}

	updated, err := s.repo.MarkLedgerDeclared(ctx, numbers, date, now)
	if err != nil {
		return nil, service.AsPersistence("mark ledger declared", err)
	}
	for _, e := range updated {
		s.record(ctx, e.StoreID, "ledger_declared", e.EntryNumber, "date="+date.In(s.location).Format(time.DateOnly))
	}
	return updated, nil
}

func (s *Service) record(ctx context.Context, storeID string, action string, entryNumber string, detail string) {
	if s.auditor == nil {
		return
	}
	s.auditor.Record(ctx, storeID, action, "police_log_entry", entryNumber, detail)
}

func (s *Service) formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return ""
	}
	return t.In(s.location).Format("2006-01-02 15:04")
}

func formatMoney(d *decimal.Decimal) string {
	if d == nil {
		return ""
	}
	return d.StringFixed(2)
}

func validateDraft(draft domain.LedgerDraft) error {
	if err := validation.Identification(draft.Seller); err != nil {
		return err
	}
	if strings.TrimSpace(draft.Item.Brand) == "" {
		return domain.NewValidationError("brand", "required")
	}
	if strings.TrimSpace(draft.Item.Model) == "" {
		return domain.NewValidationError("model", "required")
	}
	if !validation.ValidIMEI(draft.Item.IMEI) {
		return domain.NewValidationError("imei", "invalid imei")
	}
	if draft.PurchasePrice.IsNegative() {
		return domain.NewValidationError("purchase_price", "must not be negative")
	}
	return nil
}

func validateSale(sale *domain.LedgerSale, acquiredAt time.Time) error {
	if sale == nil {
		return domain.NewValidationError("sale", "required when marking an entry sold")
	}
	if strings.TrimSpace(sale.SoldTo) == "" {
		return domain.NewValidationError("sold_to", "required")
	}
	if sale.SoldPrice.IsNegative() {
		return domain.NewValidationError("sold_price", "must not be negative")
	}
	if !sale.SoldAt.IsZero() && sale.SoldAt.Before(acquiredAt) {
		return domain.NewValidationError("sold_at", "must not precede the acquisition")
	}
	return nil
}

func normalizeFilter(filter *domain.LedgerFilter) error {
	if filter.Status != "" && !filter.Status.Valid() {
		return domain.NewValidationError("status", "unknown ledger status")
	}
	if filter.From != nil && filter.To != nil && !filter.From.Before(*filter.To) {
		return domain.NewValidationError("period", "from must be before to")
	}
	if filter.Offset < 0 {
		return domain.NewValidationError("offset", "must not be negative")
	}
	filter.IMEI = validation.NormalizeIMEI(filter.IMEI)
	filter.Query = strings.TrimSpace(filter.Query)
	filter.SellerName = strings.TrimSpace(filter.SellerName)
	return nil
}
