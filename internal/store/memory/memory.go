package memory

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/crypto/bcrypt"

	"repairpos/backend/internal/domain"
	"repairpos/backend/internal/store"
	"repairpos/backend/internal/xid"
)

type Store struct {
	mu              sync.RWMutex
	devicesByID     map[string]domain.BuybackDevice
	entriesByNumber map[string]domain.PoliceLogEntry
	entryByDevice   map[string]string
	ledgerSequences map[int]int64
	catalogByKey    map[string]domain.CatalogModel
	auditLogs       []domain.AuditLog
	usersByUsername map[string]domain.UserAccount
}

// New returns an empty store. Nothing is pre-populated: accounts and catalog
// prices must be created through the API or by NewSeeded.
func New() *Store {
	return &Store{
		devicesByID:     make(map[string]domain.BuybackDevice),
		entriesByNumber: make(map[string]domain.PoliceLogEntry),
		entryByDevice:   make(map[string]string),
		ledgerSequences: make(map[int]int64),
		catalogByKey:    make(map[string]domain.CatalogModel),
		auditLogs:       make([]domain.AuditLog, 0, 128),
		usersByUsername: make(map[string]domain.UserAccount),
	}
}

// NewSeeded returns a store with demo accounts and a small price catalog for
// local development. Empty passwords fall back to well-known dev values and
// a warning is logged.
func NewSeeded(adminPassword string, operatorPassword string) (*Store, error) {
	if adminPassword == "" || operatorPassword == "" {
		slog.Warn("memory store: using default dev credentials, set SEED_ADMIN_PASSWORD and SEED_OPERATOR_PASSWORD to override")
	}
	if adminPassword == "" {
		adminPassword = "admin123"
	}
	if operatorPassword == "" {
		operatorPassword = "operator123"
	}

	s := New()
	now := time.Now().UTC()
	for _, u := range []struct {
		username string
		password string
		role     string
	}{
		{"admin", adminPassword, domain.RoleAdmin},
		{"operator", operatorPassword, domain.RoleOperator},
	} {
		hash, err := bcrypt.GenerateFromPassword([]byte(u.password), bcrypt.DefaultCost)
		if err != nil {
			return nil, fmt.Errorf("hash seed password for %s: %w", u.username, err)
		}
		s.usersByUsername[u.username] = domain.UserAccount{
			Username:  u.username,
			Password:  string(hash),
			Role:      u.role,
			Active:    true,
			CreatedAt: now,
		}
	}

	for _, m := range []struct {
		brand string
		model string
		price int64
	}{
		{"Apple", "iPhone 12", 320},
		{"Apple", "iPhone 13", 420},
		{"Apple", "iPhone 14", 540},
		{"Apple", "iPhone 15", 680},
		{"Samsung", "Galaxy S22", 300},
		{"Samsung", "Galaxy S23", 410},
		{"Google", "Pixel 7", 260},
		{"Xiaomi", "Redmi Note 12", 120},
	} {
		s.catalogByKey[catalogMapKey(m.brand, m.model)] = domain.CatalogModel{
			Brand:     m.brand,
			Model:     m.model,
			BasePrice: decimal.NewFromInt(m.price),
			UpdatedAt: now,
		}
	}
	return s, nil
}

func (s *Store) CreateBuybackDevice(_ context.Context, device domain.BuybackDevice) (*domain.BuybackDevice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if device.ID == "" {
		device.ID = xid.New("dev")
	}
	if _, exists := s.devicesByID[device.ID]; exists {
		return nil, store.ErrConflict
	}
	if device.CreatedAt.IsZero() {
		device.CreatedAt = time.Now().UTC()
	}
	if device.UpdatedAt.IsZero() {
		device.UpdatedAt = device.CreatedAt
	}
	device = cloneDevice(device)
	s.devicesByID[device.ID] = device

	created := cloneDevice(device)
	return &created, nil
}

func (s *Store) GetBuybackDevice(_ context.Context, id string) (*domain.BuybackDevice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	device, ok := s.devicesByID[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	dup := cloneDevice(device)
	return &dup, nil
}

func (s *Store) ListBuybackDevices(_ context.Context, filter domain.DeviceFilter) ([]domain.BuybackDevice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.BuybackDevice, 0, 32)
	for _, device := range s.devicesByID {
		if filter.StoreID != "" && device.StoreID != filter.StoreID {
			continue
		}
		if filter.Status != "" && device.Status != filter.Status {
			continue
		}
		if filter.IMEI != "" && device.Snapshot.Device.IMEI != filter.IMEI {
			continue
		}
		result = append(result, cloneDevice(device))
	}

	slices.SortFunc(result, func(a, b domain.BuybackDevice) int {
		if a.CreatedAt.Equal(b.CreatedAt) {
			return strings.Compare(b.ID, a.ID)
		}
		if a.CreatedAt.After(b.CreatedAt) {
			return -1
		}
		return 1
	})
	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}
	return result, nil
}

func (s *Store) TransitionBuybackDevice(_ context.Context, id string, from domain.DeviceStatus, to domain.DeviceStatus, at time.Time) (*domain.BuybackDevice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	device, err := s.deviceInStatusLocked(id, from)
	if err != nil {
		return nil, err
	}
	device.Status = to
	if to == domain.DeviceStatusAccepted {
		accepted := at
		device.AcceptedAt = &accepted
	}
	device.UpdatedAt = at
	s.devicesByID[id] = device

	dup := cloneDevice(device)
	return &dup, nil
}

func (s *Store) UpdateBuybackValuation(_ context.Context, id string, from domain.DeviceStatus, valuation domain.Valuation, at time.Time) (*domain.BuybackDevice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	device, err := s.deviceInStatusLocked(id, from)
	if err != nil {
		return nil, err
	}
	device.Valuation = valuation
	device.Snapshot.BaseValue = valuation.BaseValue
	device.EvaluatedAt = at
	device.UpdatedAt = at
	s.devicesByID[id] = device

	dup := cloneDevice(device)
	return &dup, nil
}

func (s *Store) SetBuybackOverride(_ context.Context, id string, from domain.DeviceStatus, override domain.PriceOverride) (*domain.BuybackDevice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	device, err := s.deviceInStatusLocked(id, from)
	if err != nil {
		return nil, err
	}
	device.Override = &override
	device.UpdatedAt = override.At
	s.devicesByID[id] = device

	dup := cloneDevice(device)
	return &dup, nil
}

func (s *Store) PayBuybackDevice(_ context.Context, id string, draft domain.LedgerDraft, numbering domain.LedgerNumbering, at time.Time) (*domain.BuybackDevice, *domain.PoliceLogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	device, err := s.deviceInStatusLocked(id, domain.DeviceStatusAccepted)
	if err != nil {
		return nil, nil, err
	}

	var entry domain.PoliceLogEntry
	if number, exists := s.entryByDevice[id]; exists {
		entry = s.entriesByNumber[number]
	} else {
		draft.DeviceID = id
		entry, err = s.appendLocked(draft, numbering, at)
		if err != nil {
			return nil, nil, err
		}
	}

	paid := at
	device.Status = domain.DeviceStatusPaid
	device.PaidAt = &paid
	device.UpdatedAt = at
	s.devicesByID[id] = device

	dupDevice := cloneDevice(device)
	dupEntry := cloneEntry(entry)
	return &dupDevice, &dupEntry, nil
}

func (s *Store) ResellBuybackDevice(_ context.Context, id string, sale domain.LedgerSale, at time.Time) (*domain.BuybackDevice, *domain.PoliceLogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	device, err := s.deviceInStatusLocked(id, domain.DeviceStatusPaid)
	if err != nil {
		return nil, nil, err
	}
	number, exists := s.entryByDevice[id]
	if !exists {
		return nil, nil, store.ErrNoActiveEntry
	}
	entry := s.entriesByNumber[number]
	if entry.Status != domain.LedgerStatusActive {
		return nil, nil, store.ErrNoActiveEntry
	}

	applySale(&entry, sale, at)
	s.entriesByNumber[number] = entry

	resold := at
	device.Status = domain.DeviceStatusResold
	device.ResoldAt = &resold
	device.UpdatedAt = at
	s.devicesByID[id] = device

	dupDevice := cloneDevice(device)
	dupEntry := cloneEntry(entry)
	return &dupDevice, &dupEntry, nil
}

func (s *Store) AppendLedgerEntry(_ context.Context, draft domain.LedgerDraft, numbering domain.LedgerNumbering, at time.Time) (*domain.PoliceLogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if draft.DeviceID != "" {
		if _, exists := s.entryByDevice[draft.DeviceID]; exists {
			return nil, store.ErrConflict
		}
	}
	entry, err := s.appendLocked(draft, numbering, at)
	if err != nil {
		return nil, err
	}
	dup := cloneEntry(entry)
	return &dup, nil
}

func (s *Store) GetLedgerEntry(_ context.Context, entryNumber string) (*domain.PoliceLogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.entriesByNumber[entryNumber]
	if !ok {
		return nil, store.ErrNotFound
	}
	dup := cloneEntry(entry)
	return &dup, nil
}

func (s *Store) GetLedgerEntryByDevice(_ context.Context, deviceID string) (*domain.PoliceLogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	number, ok := s.entryByDevice[deviceID]
	if !ok {
		return nil, store.ErrNotFound
	}
	dup := cloneEntry(s.entriesByNumber[number])
	return &dup, nil
}

func (s *Store) UpdateLedgerLifecycle(_ context.Context, entryNumber string, update domain.LedgerLifecycleUpdate) (*domain.PoliceLogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entriesByNumber[entryNumber]
	if !ok {
		return nil, store.ErrNotFound
	}
	if entry.Status != domain.LedgerStatusActive {
		return nil, store.ErrStaleState
	}

	if update.Target == domain.LedgerStatusSold {
		if update.Sale == nil {
			return nil, store.ErrInvalidInput
		}
		applySale(&entry, *update.Sale, update.At)
	} else {
		entry.Status = update.Target
		entry.UpdatedAt = update.At
	}
	entry.LifecycleReason = update.Reason
	s.entriesByNumber[entryNumber] = entry

	dup := cloneEntry(entry)
	return &dup, nil
}

func (s *Store) SearchLedger(_ context.Context, filter domain.LedgerFilter) ([]domain.PoliceLogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := strings.ToLower(strings.TrimSpace(filter.Query))
	sellerName := strings.ToLower(strings.TrimSpace(filter.SellerName))

	result := make([]domain.PoliceLogEntry, 0, 64)
	for _, entry := range s.entriesByNumber {
		if filter.StoreID != "" && entry.StoreID != filter.StoreID {
			continue
		}
		if filter.IMEI != "" && entry.Item.IMEI != filter.IMEI {
			continue
		}
		if filter.Status != "" && entry.Status != filter.Status {
			continue
		}
		if filter.Declared != nil && entry.DeclarationSent != *filter.Declared {
			continue
		}
		if filter.From != nil && entry.AcquiredAt.Before(*filter.From) {
			continue
		}
		if filter.To != nil && !entry.AcquiredAt.Before(*filter.To) {
			continue
		}
		if sellerName != "" && !strings.Contains(strings.ToLower(entry.Seller.Name), sellerName) {
			continue
		}
		if query != "" && !matchesQuery(entry, query) {
			continue
		}
		result = append(result, cloneEntry(entry))
	}

	slices.SortFunc(result, func(a, b domain.PoliceLogEntry) int {
		if a.Year != b.Year {
			return a.Year - b.Year
		}
		switch {
		case a.Sequence < b.Sequence:
			return -1
		case a.Sequence > b.Sequence:
			return 1
		}
		return 0
	})

	if filter.Offset > 0 {
		if filter.Offset >= len(result) {
			return []domain.PoliceLogEntry{}, nil
		}
		result = result[filter.Offset:]
	}
	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}
	return result, nil
}

func (s *Store) MarkLedgerDeclared(_ context.Context, entryNumbers []string, date time.Time, at time.Time) ([]domain.PoliceLogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, number := range entryNumbers {
		if _, ok := s.entriesByNumber[number]; !ok {
			return nil, fmt.Errorf("%w: entry %s", store.ErrNotFound, number)
		}
	}

	updated := make([]domain.PoliceLogEntry, 0, len(entryNumbers))
	for _, number := range entryNumbers {
		entry := s.entriesByNumber[number]
		if entry.DeclarationSent {
			continue
		}
		declared := date
		entry.DeclarationSent = true
		entry.DeclarationDate = &declared
		entry.UpdatedAt = at
		s.entriesByNumber[number] = entry
		updated = append(updated, cloneEntry(entry))
	}
	return updated, nil
}

func (s *Store) GetCatalogModel(_ context.Context, brand string, model string) (*domain.CatalogModel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.catalogByKey[catalogMapKey(brand, model)]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &m, nil
}

func (s *Store) UpsertCatalogModel(_ context.Context, model domain.CatalogModel) (*domain.CatalogModel, error) {
	if strings.TrimSpace(model.Brand) == "" || strings.TrimSpace(model.Model) == "" {
		return nil, store.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if model.UpdatedAt.IsZero() {
		model.UpdatedAt = time.Now().UTC()
	}
	s.catalogByKey[catalogMapKey(model.Brand, model.Model)] = model
	return &model, nil
}

func (s *Store) ListCatalogModels(_ context.Context) ([]domain.CatalogModel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	models := make([]domain.CatalogModel, 0, len(s.catalogByKey))
	for _, m := range s.catalogByKey {
		models = append(models, m)
	}
	slices.SortFunc(models, func(a, b domain.CatalogModel) int {
		return strings.Compare(catalogMapKey(a.Brand, a.Model), catalogMapKey(b.Brand, b.Model))
	})
	return models, nil
}

func (s *Store) CreateAuditLog(_ context.Context, entry domain.AuditLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry.ID == "" {
		entry.ID = xid.New("audit")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	s.auditLogs = append(s.auditLogs, entry)
	return nil
}

func (s *Store) ListAuditLogs(_ context.Context, storeID string, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.AuditLog, 0, 64)
	for _, entry := range s.auditLogs {
		if storeID != "" && entry.StoreID != storeID {
			continue
		}
		if entry.CreatedAt.Before(from) || !entry.CreatedAt.Before(to) {
			continue
		}
		result = append(result, entry)
	}

	slices.SortFunc(result, func(a, b domain.AuditLog) int {
		if a.CreatedAt.Equal(b.CreatedAt) {
			return strings.Compare(b.ID, a.ID)
		}
		if a.CreatedAt.After(b.CreatedAt) {
			return -1
		}
		return 1
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *Store) CreateUser(_ context.Context, user domain.UserAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	username := strings.ToLower(strings.TrimSpace(user.Username))
	if username == "" || strings.TrimSpace(user.Password) == "" {
		return store.ErrInvalidInput
	}
	if _, exists := s.usersByUsername[username]; exists {
		return store.ErrConflict
	}
	user.Username = username
	if user.Role == "" {
		user.Role = domain.RoleOperator
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	user.Active = true
	s.usersByUsername[user.Username] = user
	return nil
}

func (s *Store) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := make([]domain.UserAccount, 0, len(s.usersByUsername))
	for _, user := range s.usersByUsername {
		users = append(users, user)
	}
	slices.SortFunc(users, func(a, b domain.UserAccount) int {
		return strings.Compare(a.Username, b.Username)
	})
	return users, nil
}

func (s *Store) UpdateUserPassword(_ context.Context, username string, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" || strings.TrimSpace(password) == "" {
		return store.ErrInvalidInput
	}
	user, exists := s.usersByUsername[username]
	if !exists {
		return store.ErrNotFound
	}
	user.Password = password
	s.usersByUsername[username] = user
	return nil
}

// appendLocked assigns the next number of the year and stores the entry.
// The caller holds s.mu.
func (s *Store) appendLocked(draft domain.LedgerDraft, numbering domain.LedgerNumbering, at time.Time) (domain.PoliceLogEntry, error) {
	if numbering.Prefix == "" || numbering.Year <= 0 {
		return domain.PoliceLogEntry{}, store.ErrInvalidInput
	}

	sequence := s.ledgerSequences[numbering.Year] + 1
	number := domain.FormatEntryNumber(numbering.Prefix, numbering.Year, sequence)
	if _, exists := s.entriesByNumber[number]; exists {
		return domain.PoliceLogEntry{}, store.ErrConflict
	}
	s.ledgerSequences[numbering.Year] = sequence

	entry := domain.PoliceLogEntry{
		EntryNumber:   number,
		Year:          numbering.Year,
		Sequence:      sequence,
		StoreID:       draft.StoreID,
		DeviceID:      draft.DeviceID,
		Seller:        draft.Seller,
		Item:          draft.Item,
		AcquiredAt:    draft.AcquiredAt,
		PurchasePrice: draft.PurchasePrice,
		CreatedBy:     draft.CreatedBy,
		Notes:         draft.Notes,
		Status:        domain.LedgerStatusActive,
		CreatedAt:     at,
		UpdatedAt:     at,
	}
	s.entriesByNumber[number] = entry
	if draft.DeviceID != "" {
		s.entryByDevice[draft.DeviceID] = number
	}
	return entry, nil
}

// deviceInStatusLocked returns the device when it is in the expected status.
// The caller holds s.mu.
func (s *Store) deviceInStatusLocked(id string, expected domain.DeviceStatus) (domain.BuybackDevice, error) {
	device, ok := s.devicesByID[id]
	if !ok {
		return domain.BuybackDevice{}, store.ErrNotFound
	}
	if device.Status != expected {
		return domain.BuybackDevice{}, store.ErrStaleState
	}
	return cloneDevice(device), nil
}

func applySale(entry *domain.PoliceLogEntry, sale domain.LedgerSale, at time.Time) {
	soldAt := sale.SoldAt
	price := sale.SoldPrice
	entry.Status = domain.LedgerStatusSold
	entry.SoldAt = &soldAt
	entry.SoldTo = sale.SoldTo
	entry.SoldPrice = &price
	entry.UpdatedAt = at
}

func matchesQuery(entry domain.PoliceLogEntry, query string) bool {
	for _, field := range []string{
		entry.EntryNumber,
		entry.Item.IMEI,
		entry.Item.Brand,
		entry.Item.Model,
		entry.Seller.Name,
		entry.Seller.IDNumber,
	} {
		if strings.Contains(strings.ToLower(field), query) {
			return true
		}
	}
	return false
}

func catalogMapKey(brand string, model string) string {
	return domain.CatalogKey(brand) + "|" + domain.CatalogKey(model)
}

func cloneDevice(src domain.BuybackDevice) domain.BuybackDevice {
	dup := src
	dup.Snapshot.PhotoRefs = slices.Clone(src.Snapshot.PhotoRefs)
	dup.Snapshot.Condition.Issues = slices.Clone(src.Snapshot.Condition.Issues)
	dup.Snapshot.Device.PurchaseDate = cloneTime(src.Snapshot.Device.PurchaseDate)
	if src.Snapshot.Device.OriginalPrice != nil {
		price := *src.Snapshot.Device.OriginalPrice
		dup.Snapshot.Device.OriginalPrice = &price
	}
	if src.Override != nil {
		override := *src.Override
		dup.Override = &override
	}
	dup.AcceptedAt = cloneTime(src.AcceptedAt)
	dup.PaidAt = cloneTime(src.PaidAt)
	dup.ResoldAt = cloneTime(src.ResoldAt)
	return dup
}

func cloneEntry(src domain.PoliceLogEntry) domain.PoliceLogEntry {
	dup := src
	dup.SoldAt = cloneTime(src.SoldAt)
	dup.DeclarationDate = cloneTime(src.DeclarationDate)
	if src.SoldPrice != nil {
		price := *src.SoldPrice
		dup.SoldPrice = &price
	}
	return dup
}

func cloneTime(src *time.Time) *time.Time {
	if src == nil {
		return nil
	}
	t := *src
	return &t
}
