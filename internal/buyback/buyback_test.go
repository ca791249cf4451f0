package buyback

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"repairpos/backend/internal/catalog"
	"repairpos/backend/internal/domain"
	"repairpos/backend/internal/ledger"
	"repairpos/backend/internal/service"
	"repairpos/backend/internal/store/memory"
	"repairpos/backend/internal/valuation"
)

var now = time.Date(2026, 4, 2, 15, 0, 0, 0, time.UTC)

type fixture struct {
	ctx     context.Context
	repo    *memory.Store
	catalog *catalog.Service
	manager *Manager
}

func newFixture(t *testing.T, flags domain.FeatureFlags) fixture {
	t.Helper()
	repo := memory.New()
	auditor := service.NewAuditor(repo, nil, "main-store")
	clock := func() time.Time { return now }

	catalogSvc := catalog.NewService(repo, nil, time.Minute, auditor, nil)
	ledgerSvc := ledger.NewService(repo, ledger.StaticFlags(flags), auditor, nil, ledger.Options{Prefix: "RP", Now: clock})
	manager := NewManager(repo, ledgerSvc, catalogSvc, auditor, nil, Options{Parameters: valuation.Defaults(), Now: clock})

	ctx := service.WithActor(context.Background(), domain.Actor{Username: "bob", Role: domain.RoleAdmin})
	_, err := catalogSvc.Upsert(ctx, domain.CatalogModel{Brand: "Apple", Model: "iPhone 13", BasePrice: decimal.NewFromInt(500)})
	require.NoError(t, err)

	return fixture{ctx: ctx, repo: repo, catalog: catalogSvc, manager: manager}
}

func enabled() domain.FeatureFlags {
	return domain.FeatureFlags{BuybackEnabled: true, LogbookEnabled: true}
}

func (f fixture) seedDevice(t *testing.T, status domain.DeviceStatus) *domain.BuybackDevice {
	t.Helper()
	snap := domain.DeviceSnapshot{
		Seller: domain.SellerIdentity{
			Name: "Lea Petit", Phone: "0700000000", Address: "8 quai Saint-Antoine, Lyon",
			IDType: domain.IDTypeNationalCard, IDNumber: "ID998877",
		},
		Device:    domain.DeviceIdentity{Brand: "Apple", Model: "iPhone 13", IMEI: "490154203237518", Color: "midnight"},
		Condition: domain.Condition{Screen: domain.GradePerfect, Body: domain.GradePerfect, BatteryHealth: 100},
		BaseValue: decimal.NewFromInt(500),
		PhotoRefs: []string{"a.jpg", "b.jpg", "c.jpg"},
	}
	v, err := valuation.Evaluate(valuation.Input{Device: snap.Device, Condition: snap.Condition, Base: snap.BaseValue, BaseKnown: true}, valuation.Defaults())
	require.NoError(t, err)

	device, err := f.repo.CreateBuybackDevice(f.ctx, domain.BuybackDevice{
		StoreID:     "main-store",
		Snapshot:    snap,
		Valuation:   v,
		Status:      status,
		EvaluatedBy: "bob",
		CreatedAt:   now,
		EvaluatedAt: now,
	})
	require.NoError(t, err)
	return device
}

func (f fixture) move(t *testing.T, id string, targets ...domain.DeviceStatus) *domain.BuybackDevice {
	t.Helper()
	var device *domain.BuybackDevice
	for _, target := range targets {
		var err error
		device, err = f.manager.Transition(f.ctx, id, domain.DeviceTransitionRequest{Target: target})
		require.NoErrorf(t, err, "transition to %s", target)
	}
	return device
}

func (f fixture) entries(t *testing.T) []domain.PoliceLogEntry {
	t.Helper()
	entries, err := f.repo.SearchLedger(f.ctx, domain.LedgerFilter{})
	require.NoError(t, err)
	return entries
}

func TestCanTransition(t *testing.T) {
	assert.True(t, CanTransition(domain.DeviceStatusEvaluation, domain.DeviceStatusOffered))
	assert.True(t, CanTransition(domain.DeviceStatusOffered, domain.DeviceStatusRejected))
	assert.True(t, CanTransition(domain.DeviceStatusPaid, domain.DeviceStatusResold))
	assert.False(t, CanTransition(domain.DeviceStatusEvaluation, domain.DeviceStatusPaid))
	assert.False(t, CanTransition(domain.DeviceStatusRejected, domain.DeviceStatusOffered))
	assert.False(t, CanTransition(domain.DeviceStatusResold, domain.DeviceStatusPaid))
	assert.False(t, CanTransition(domain.DeviceStatusAccepted, domain.DeviceStatusAccepted))
}

func TestEvaluationToPaidIsRejected(t *testing.T) {
	f := newFixture(t, enabled())
	device := f.seedDevice(t, domain.DeviceStatusEvaluation)

	_, err := f.manager.Transition(f.ctx, device.ID, domain.DeviceTransitionRequest{Target: domain.DeviceStatusPaid})
	var st *domain.StateTransitionError
	require.ErrorAs(t, err, &st)
	assert.Equal(t, "evaluation", st.From)
	assert.Equal(t, "paid", st.To)

	stored, err := f.manager.Get(f.ctx, device.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.DeviceStatusEvaluation, stored.Status)
	assert.Empty(t, f.entries(t))
}

func TestPaymentCreatesExactlyOneActiveEntry(t *testing.T) {
	f := newFixture(t, enabled())
	device := f.seedDevice(t, domain.DeviceStatusEvaluation)

	accepted := f.move(t, device.ID, domain.DeviceStatusOffered, domain.DeviceStatusAccepted)
	require.NotNil(t, accepted.AcceptedAt)
	assert.Empty(t, f.entries(t))

	paid := f.move(t, device.ID, domain.DeviceStatusPaid)
	assert.Equal(t, domain.DeviceStatusPaid, paid.Status)
	require.NotNil(t, paid.PaidAt)

	entries := f.entries(t)
	require.Len(t, entries, 1)
	entry := entries[0]
	assert.Equal(t, "RP-2026-001", entry.EntryNumber)
	assert.Equal(t, domain.LedgerStatusActive, entry.Status)
	assert.Equal(t, device.ID, entry.DeviceID)
	assert.Equal(t, "490154203237518", entry.Item.IMEI)
	assert.Equal(t, "Lea Petit", entry.Seller.Name)
	assert.True(t, entry.PurchasePrice.Equal(decimal.NewFromInt(475)))
	assert.Equal(t, "bob", entry.CreatedBy)

	_, err := f.manager.Transition(f.ctx, device.ID, domain.DeviceTransitionRequest{Target: domain.DeviceStatusPaid})
	assert.True(t, errors.Is(err, domain.ErrStateTransition))
	assert.Len(t, f.entries(t), 1)
}

func TestConcurrentPaymentsCreateOneEntry(t *testing.T) {
	f := newFixture(t, enabled())
	device := f.seedDevice(t, domain.DeviceStatusAccepted)

	const attempts = 10
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
	)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.manager.Transition(f.ctx, device.ID, domain.DeviceTransitionRequest{Target: domain.DeviceStatusPaid})
			if err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
				return
			}
			assert.True(t, errors.Is(err, domain.ErrStateTransition), err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, succeeded)
	assert.Len(t, f.entries(t), 1)
}

func TestPaymentNeedsComplianceModules(t *testing.T) {
	f := newFixture(t, domain.FeatureFlags{BuybackEnabled: true, LogbookEnabled: false})
	device := f.seedDevice(t, domain.DeviceStatusAccepted)

	_, err := f.manager.Transition(f.ctx, device.ID, domain.DeviceTransitionRequest{Target: domain.DeviceStatusPaid})
	assert.True(t, errors.Is(err, domain.ErrComplianceAccess))

	stored, err := f.manager.Get(f.ctx, device.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.DeviceStatusAccepted, stored.Status)
	assert.Empty(t, f.entries(t))

	// Transitions that do not touch the ledger still work.
	other := f.seedDevice(t, domain.DeviceStatusEvaluation)
	f.move(t, other.ID, domain.DeviceStatusOffered, domain.DeviceStatusRejected)
}

func TestResaleClosesLedgerEntry(t *testing.T) {
	f := newFixture(t, enabled())
	device := f.seedDevice(t, domain.DeviceStatusAccepted)
	f.move(t, device.ID, domain.DeviceStatusPaid)

	_, err := f.manager.Transition(f.ctx, device.ID, domain.DeviceTransitionRequest{Target: domain.DeviceStatusResold})
	assert.True(t, errors.Is(err, domain.ErrValidation))

	price := decimal.NewFromInt(690)
	resold, err := f.manager.Transition(f.ctx, device.ID, domain.DeviceTransitionRequest{
		Target:    domain.DeviceStatusResold,
		SoldTo:    "Marc Leroy",
		SoldPrice: &price,
	})
	require.NoError(t, err)
	assert.Equal(t, domain.DeviceStatusResold, resold.Status)
	require.NotNil(t, resold.ResoldAt)

	entries := f.entries(t)
	require.Len(t, entries, 1)
	assert.Equal(t, domain.LedgerStatusSold, entries[0].Status)
	assert.Equal(t, "Marc Leroy", entries[0].SoldTo)
	assert.True(t, entries[0].SoldPrice.Equal(price))

	_, err = f.manager.Transition(f.ctx, device.ID, domain.DeviceTransitionRequest{Target: domain.DeviceStatusPaid})
	assert.True(t, errors.Is(err, domain.ErrStateTransition))
}

func TestResaleWithoutActiveEntryIsRejected(t *testing.T) {
	f := newFixture(t, enabled())
	device := f.seedDevice(t, domain.DeviceStatusPaid)

	price := decimal.NewFromInt(300)
	_, err := f.manager.Transition(f.ctx, device.ID, domain.DeviceTransitionRequest{
		Target: domain.DeviceStatusResold, SoldTo: "Someone", SoldPrice: &price,
	})
	var st *domain.StateTransitionError
	require.ErrorAs(t, err, &st)
	assert.Contains(t, st.Reason, "ledger")

	stored, err := f.manager.Get(f.ctx, device.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.DeviceStatusPaid, stored.Status)
}

func TestOverrideIsRecordedSeparatelyAndUsedForPayment(t *testing.T) {
	f := newFixture(t, enabled())
	device := f.seedDevice(t, domain.DeviceStatusOffered)

	_, err := f.manager.Override(f.ctx, device.ID, decimal.NewFromInt(450), "  ")
	assert.True(t, errors.Is(err, domain.ErrValidation))

	overridden, err := f.manager.Override(f.ctx, device.ID, decimal.NewFromInt(450), "screen has a dead pixel")
	require.NoError(t, err)
	require.NotNil(t, overridden.Override)
	assert.Equal(t, "bob", overridden.Override.By)
	assert.True(t, overridden.Valuation.FinalOffer.Equal(decimal.NewFromInt(475)), "computed offer is kept")
	assert.True(t, overridden.EffectiveOffer().Equal(decimal.NewFromInt(450)))

	f.move(t, device.ID, domain.DeviceStatusAccepted, domain.DeviceStatusPaid)
	entries := f.entries(t)
	require.Len(t, entries, 1)
	assert.True(t, entries[0].PurchasePrice.Equal(decimal.NewFromInt(450)))

	_, err = f.manager.Override(f.ctx, device.ID, decimal.NewFromInt(400), "too late")
	assert.True(t, errors.Is(err, domain.ErrStateTransition))
}

func TestRevalueUsesCurrentCatalogPrice(t *testing.T) {
	f := newFixture(t, enabled())
	device := f.seedDevice(t, domain.DeviceStatusOffered)

	_, err := f.catalog.Upsert(f.ctx, domain.CatalogModel{Brand: "Apple", Model: "iPhone 13", BasePrice: decimal.NewFromInt(400)})
	require.NoError(t, err)

	revalued, err := f.manager.Revalue(f.ctx, device.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.DeviceStatusOffered, revalued.Status)
	assert.True(t, revalued.Valuation.EstimatedValue.Equal(decimal.NewFromInt(400)))
	assert.True(t, revalued.Valuation.FinalOffer.Equal(decimal.NewFromInt(380)))
	assert.True(t, revalued.Snapshot.BaseValue.Equal(decimal.NewFromInt(400)))

	f.move(t, device.ID, domain.DeviceStatusAccepted)
	_, err = f.manager.Revalue(f.ctx, device.ID)
	assert.True(t, errors.Is(err, domain.ErrStateTransition))
}

func TestListFiltersByStatus(t *testing.T) {
	f := newFixture(t, enabled())
	f.seedDevice(t, domain.DeviceStatusEvaluation)
	f.seedDevice(t, domain.DeviceStatusOffered)

	offered, err := f.manager.List(f.ctx, domain.DeviceFilter{Status: domain.DeviceStatusOffered})
	require.NoError(t, err)
	assert.Len(t, offered, 1)

	_, err = f.manager.List(f.ctx, domain.DeviceFilter{Status: "lost"})
	assert.True(t, errors.Is(err, domain.ErrValidation))
}

func TestTransitionsAreAudited(t *testing.T) {
	f := newFixture(t, enabled())
	device := f.seedDevice(t, domain.DeviceStatusEvaluation)
	f.move(t, device.ID, domain.DeviceStatusOffered)

	logs, err := f.repo.ListAuditLogs(f.ctx, "main-store", time.Now().Add(-time.Hour), time.Now().Add(time.Hour), 50)
	require.NoError(t, err)
	found := false
	for _, l := range logs {
		if l.Action == "buyback_transition" && l.EntityID == device.ID {
			found = true
			assert.Equal(t, "evaluation -> offered", l.Detail)
			assert.Equal(t, "bob", l.ActorUsername)
		}
	}
	assert.True(t, found)
}

type lookupFunc func(ctx context.Context, brand string, model string) (decimal.Decimal, error)

func (f lookupFunc) BasePrice(ctx context.Context, brand string, model string) (decimal.Decimal, error) {
	return f(ctx, brand, model)
}

func TestRevalueSurfacesCatalogOutage(t *testing.T) {
	f := newFixture(t, enabled())
	device := f.seedDevice(t, domain.DeviceStatusOffered)

	down := lookupFunc(func(context.Context, string, string) (decimal.Decimal, error) {
		return decimal.Zero, &domain.PersistenceError{Op: "catalog lookup", Err: errors.New("connection refused")}
	})
	manager := NewManager(f.repo, nil, down, nil, nil, Options{Parameters: valuation.Defaults(), Now: func() time.Time { return now }})

	_, err := manager.Revalue(f.ctx, device.ID)
	assert.True(t, errors.Is(err, domain.ErrPersistence))

	unchanged, err := f.manager.Get(f.ctx, device.ID)
	require.NoError(t, err)
	assert.True(t, unchanged.Valuation.EstimatedValue.Equal(device.Valuation.EstimatedValue))
}
