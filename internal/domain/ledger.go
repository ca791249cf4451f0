package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

type LedgerStatus string

const (
	LedgerStatusActive    LedgerStatus = "active"
	LedgerStatusSold      LedgerStatus = "sold"
	LedgerStatusDestroyed LedgerStatus = "destroyed"
	LedgerStatusReturned  LedgerStatus = "returned"
)

func (s LedgerStatus) Valid() bool {
	switch s {
	case LedgerStatusActive, LedgerStatusSold, LedgerStatusDestroyed, LedgerStatusReturned:
		return true
	}
	return false
}

// LedgerItem identifies the second-hand article in the police log book.
type LedgerItem struct {
	Brand string `json:"brand"`
	Model string `json:"model"`
	IMEI  string `json:"imei"`
	Color string `json:"color,omitempty"`
}

// PoliceLogEntry is one line of the second-hand acquisitions register.
// Seller, Item, AcquiredAt, PurchasePrice and CreatedBy never change after
// the entry is appended.
type PoliceLogEntry struct {
	EntryNumber   string          `json:"entry_number"`
	Year          int             `json:"year"`
	Sequence      int64           `json:"sequence"`
	StoreID       string          `json:"store_id"`
	DeviceID      string          `json:"device_id,omitempty"`
	Seller        SellerIdentity  `json:"seller"`
	Item          LedgerItem      `json:"item"`
	AcquiredAt    time.Time       `json:"acquired_at"`
	PurchasePrice decimal.Decimal `json:"purchase_price"`
	CreatedBy     string          `json:"created_by"`
	Notes         string          `json:"notes,omitempty"`

	Status          LedgerStatus     `json:"status"`
	LifecycleReason string           `json:"lifecycle_reason,omitempty"`
	SoldAt          *time.Time       `json:"sold_at,omitempty"`
	SoldTo          string           `json:"sold_to,omitempty"`
	SoldPrice       *decimal.Decimal `json:"sold_price,omitempty"`
	DeclarationSent bool             `json:"declaration_sent"`
	DeclarationDate *time.Time       `json:"declaration_date,omitempty"`
	CreatedAt       time.Time        `json:"created_at"`
	UpdatedAt       time.Time        `json:"updated_at"`
}

// LedgerDraft carries the immutable core of an entry before a number is assigned.
type LedgerDraft struct {
	StoreID       string          `json:"store_id"`
	DeviceID      string          `json:"device_id,omitempty"`
	Seller        SellerIdentity  `json:"seller"`
	Item          LedgerItem      `json:"item"`
	AcquiredAt    time.Time       `json:"acquired_at"`
	PurchasePrice decimal.Decimal `json:"purchase_price"`
	CreatedBy     string          `json:"created_by"`
	Notes         string          `json:"notes,omitempty"`
}

// LedgerSale records the resale of an item.
type LedgerSale struct {
	SoldAt    time.Time       `json:"sold_at"`
	SoldTo    string          `json:"sold_to"`
	SoldPrice decimal.Decimal `json:"sold_price"`
}

// LedgerLifecycleUpdate moves an Active entry to a terminal status.
type LedgerLifecycleUpdate struct {
	Target LedgerStatus `json:"target"`
	Reason string       `json:"reason,omitempty"`
	Sale   *LedgerSale  `json:"sale,omitempty"`
	At     time.Time    `json:"-"`
}

type LedgerFilter struct {
	StoreID    string
	Query      string
	IMEI       string
	SellerName string
	Status     LedgerStatus
	Declared   *bool
	From       *time.Time
	To         *time.Time
	Limit      int
	Offset     int
}

// LedgerExport is a tabular snapshot of the log book.
type LedgerExport struct {
	Columns     []string   `json:"columns"`
	Rows        [][]string `json:"rows"`
	GeneratedAt time.Time  `json:"generated_at"`
}

type UndeclaredSummary struct {
	From       time.Time       `json:"from"`
	To         time.Time       `json:"to"`
	Count      int             `json:"count"`
	TotalValue decimal.Decimal `json:"total_value"`
}

type DeclarationRequest struct {
	EntryNumbers []string   `json:"entry_numbers"`
	Date         *time.Time `json:"date,omitempty"`
}

type FeatureFlags struct {
	BuybackEnabled bool `json:"buyback_enabled"`
	LogbookEnabled bool `json:"logbook_enabled"`
}

// LedgerNumbering tells the store which namespace the next entry number is
// drawn from.
type LedgerNumbering struct {
	Prefix string
	Year   int
}

// FormatEntryNumber renders prefix-YYYY-NNN. Sequences past 999 simply widen.
func FormatEntryNumber(prefix string, year int, sequence int64) string {
	return fmt.Sprintf("%s-%04d-%03d", prefix, year, sequence)
}
