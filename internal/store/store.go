package store

import (
	"context"
	"errors"
	"time"

	"repairpos/backend/internal/domain"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrConflict reports a uniqueness violation, such as a duplicate username.
	ErrConflict = errors.New("conflict")
	// ErrStaleState is returned when a guarded update finds the record in a
	// different status than the caller expected. Nothing is written.
	ErrStaleState = errors.New("record changed concurrently")
	// ErrNoActiveEntry is returned by ResellBuybackDevice when the device has
	// no Active log book entry to close.
	ErrNoActiveEntry = errors.New("no active ledger entry for device")
	ErrInvalidInput  = errors.New("invalid input")
)

type Repository interface {
	CreateBuybackDevice(ctx context.Context, device domain.BuybackDevice) (*domain.BuybackDevice, error)
	GetBuybackDevice(ctx context.Context, id string) (*domain.BuybackDevice, error)
	ListBuybackDevices(ctx context.Context, filter domain.DeviceFilter) ([]domain.BuybackDevice, error)
	// TransitionBuybackDevice moves a device from one status to another and
	// fails with ErrStaleState if the stored status is not from.
	TransitionBuybackDevice(ctx context.Context, id string, from domain.DeviceStatus, to domain.DeviceStatus, at time.Time) (*domain.BuybackDevice, error)
	UpdateBuybackValuation(ctx context.Context, id string, from domain.DeviceStatus, valuation domain.Valuation, at time.Time) (*domain.BuybackDevice, error)
	SetBuybackOverride(ctx context.Context, id string, from domain.DeviceStatus, override domain.PriceOverride) (*domain.BuybackDevice, error)
	// PayBuybackDevice moves an Accepted device to Paid and appends its log
	// book entry in the same unit of work. An existing entry for the device
	// is returned instead of creating a second one.
	PayBuybackDevice(ctx context.Context, id string, draft domain.LedgerDraft, numbering domain.LedgerNumbering, at time.Time) (*domain.BuybackDevice, *domain.PoliceLogEntry, error)
	// ResellBuybackDevice moves a Paid device to Resold and marks its Active
	// log book entry Sold in the same unit of work.
	ResellBuybackDevice(ctx context.Context, id string, sale domain.LedgerSale, at time.Time) (*domain.BuybackDevice, *domain.PoliceLogEntry, error)

	AppendLedgerEntry(ctx context.Context, draft domain.LedgerDraft, numbering domain.LedgerNumbering, at time.Time) (*domain.PoliceLogEntry, error)
	GetLedgerEntry(ctx context.Context, entryNumber string) (*domain.PoliceLogEntry, error)
	GetLedgerEntryByDevice(ctx context.Context, deviceID string) (*domain.PoliceLogEntry, error)
	// UpdateLedgerLifecycle applies update to an entry that is still Active.
	UpdateLedgerLifecycle(ctx context.Context, entryNumber string, update domain.LedgerLifecycleUpdate) (*domain.PoliceLogEntry, error)
	SearchLedger(ctx context.Context, filter domain.LedgerFilter) ([]domain.PoliceLogEntry, error)
	// MarkLedgerDeclared stamps the entries that are not declared yet and
	// returns them. Entries already declared keep their original date.
	MarkLedgerDeclared(ctx context.Context, entryNumbers []string, date time.Time, at time.Time) ([]domain.PoliceLogEntry, error)

	GetCatalogModel(ctx context.Context, brand string, model string) (*domain.CatalogModel, error)
	UpsertCatalogModel(ctx context.Context, model domain.CatalogModel) (*domain.CatalogModel, error)
	ListCatalogModels(ctx context.Context) ([]domain.CatalogModel, error)

	CreateAuditLog(ctx context.Context, entry domain.AuditLog) error
	ListAuditLogs(ctx context.Context, storeID string, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error)

	CreateUser(ctx context.Context, user domain.UserAccount) error
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
	UpdateUserPassword(ctx context.Context, username string, password string) error
}
