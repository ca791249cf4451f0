package ledger

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"repairpos/backend/internal/domain"
	"repairpos/backend/internal/service"
	"repairpos/backend/internal/store"
	"repairpos/backend/internal/store/memory"
)

type switchableFlags struct {
	mu    sync.Mutex
	flags domain.FeatureFlags
}

func (f *switchableFlags) FeatureFlags() domain.FeatureFlags {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.flags
}

func (f *switchableFlags) set(buyback, logbook bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.flags = domain.FeatureFlags{BuybackEnabled: buyback, LogbookEnabled: logbook}
}

type fixture struct {
	ctx   context.Context
	repo  *memory.Store
	flags *switchableFlags
	now   *time.Time
	svc   *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	paris, err := time.LoadLocation("Europe/Paris")
	require.NoError(t, err)

	repo := memory.New()
	flags := &switchableFlags{}
	flags.set(true, true)
	now := time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)

	f := &fixture{
		ctx:   service.WithActor(context.Background(), domain.Actor{Username: "alice", Role: domain.RoleOperator}),
		repo:  repo,
		flags: flags,
		now:   &now,
	}
	f.svc = NewService(repo, flags, service.NewAuditor(repo, nil, "main-store"), nil, Options{
		Prefix:   "RP",
		Location: paris,
		Now:      func() time.Time { return *f.now },
	})
	return f
}

func draft(imei string, price int64) domain.LedgerDraft {
	return domain.LedgerDraft{
		Seller: domain.SellerIdentity{
			Name:     "Jean Dupont",
			Phone:    "0612345678",
			Address:  "3 place Bellecour, Lyon",
			IDType:   domain.IDTypePassport,
			IDNumber: "18AB12345",
		},
		Item:          domain.LedgerItem{Brand: "Apple", Model: "iPhone 12", IMEI: imei, Color: "blue"},
		PurchasePrice: decimal.NewFromInt(price),
	}
}

func TestAppendNumbersSequentiallyWithinYear(t *testing.T) {
	f := newFixture(t)

	var numbers []string
	for i := 0; i < 3; i++ {
		entry, err := f.svc.Append(f.ctx, draft("490154203237518", 300))
		require.NoError(t, err)
		numbers = append(numbers, entry.EntryNumber)
		assert.Equal(t, domain.LedgerStatusActive, entry.Status)
		assert.Equal(t, "alice", entry.CreatedBy)
		assert.Equal(t, "main-store", entry.StoreID)
	}
	assert.Equal(t, []string{"RP-2026-001", "RP-2026-002", "RP-2026-003"}, numbers)
}

func TestAppendUsesLedgerTimeZoneForYear(t *testing.T) {
	f := newFixture(t)

	first, err := f.svc.Append(f.ctx, draft("490154203237518", 300))
	require.NoError(t, err)
	assert.Equal(t, "RP-2026-001", first.EntryNumber)

	// 23:30 UTC on New Year's Eve is already January 1st in Paris.
	*f.now = time.Date(2026, 12, 31, 23, 30, 0, 0, time.UTC)
	next, err := f.svc.Append(f.ctx, draft("352099001761481", 150))
	require.NoError(t, err)
	assert.Equal(t, "RP-2027-001", next.EntryNumber)
	assert.Equal(t, 2027, next.Year)
}

func TestAppendValidatesDraft(t *testing.T) {
	f := newFixture(t)

	bad := draft("490154203237519", 300)
	_, err := f.svc.Append(f.ctx, bad)
	assert.True(t, errors.Is(err, domain.ErrValidation))

	bad = draft("490154203237518", -1)
	_, err = f.svc.Append(f.ctx, bad)
	assert.True(t, errors.Is(err, domain.ErrValidation))

	bad = draft("490154203237518", 10)
	bad.Seller.IDNumber = ""
	_, err = f.svc.Append(f.ctx, bad)
	var verr *domain.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "id_number", verr.Field)

	entries, err := f.repo.SearchLedger(f.ctx, domain.LedgerFilter{})
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestConcurrentAppendsGetDistinctIncreasingNumbers(t *testing.T) {
	f := newFixture(t)
	const n = 40

	results := make([]*domain.PoliceLogEntry, n)
	var g errgroup.Group
	for i := 0; i < n; i++ {
		i := i
		g.Go(func() error {
			entry, err := f.svc.Append(f.ctx, draft("490154203237518", int64(100+i)))
			results[i] = entry
			return err
		})
	}
	require.NoError(t, g.Wait())

	seen := make(map[string]bool, n)
	sequences := make([]int, 0, n)
	for _, e := range results {
		require.NotNil(t, e)
		assert.False(t, seen[e.EntryNumber], "duplicate %s", e.EntryNumber)
		seen[e.EntryNumber] = true
		sequences = append(sequences, int(e.Sequence))
	}
	sort.Ints(sequences)
	for i, seq := range sequences {
		assert.Equal(t, i+1, seq)
	}

	// Register order is creation order.
	listed, err := f.svc.Search(f.ctx, domain.LedgerFilter{Limit: n})
	require.NoError(t, err)
	require.Len(t, listed, n)
	for i := 1; i < n; i++ {
		assert.Greater(t, listed[i].Sequence, listed[i-1].Sequence)
	}
}

func TestEveryOperationRequiresBothModules(t *testing.T) {
	for _, tc := range []struct {
		name             string
		buyback, logbook bool
	}{
		{"buyback disabled", false, true},
		{"logbook disabled", true, false},
		{"both disabled", false, false},
	} {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			existing, err := f.svc.Append(f.ctx, draft("490154203237518", 300))
			require.NoError(t, err)
			f.flags.set(tc.buyback, tc.logbook)

			from := f.now.Add(-time.Hour)
			to := f.now.Add(time.Hour)
			ops := map[string]func() error{
				"append": func() error { _, err := f.svc.Append(f.ctx, draft("352099001761481", 50)); return err },
				"get":    func() error { _, err := f.svc.Get(f.ctx, existing.EntryNumber); return err },
				"lifecycle": func() error {
					_, err := f.svc.UpdateLifecycle(f.ctx, existing.EntryNumber, domain.LedgerLifecycleUpdate{Target: domain.LedgerStatusDestroyed})
					return err
				},
				"search":  func() error { _, err := f.svc.Search(f.ctx, domain.LedgerFilter{}); return err },
				"export":  func() error { _, err := f.svc.Export(f.ctx, domain.LedgerFilter{}); return err },
				"summary": func() error { _, err := f.svc.UndeclaredSummary(f.ctx, "", from, to); return err },
				"declare": func() error {
					_, err := f.svc.MarkDeclared(f.ctx, domain.DeclarationRequest{EntryNumbers: []string{existing.EntryNumber}})
					return err
				},
			}
			for name, op := range ops {
				err := op()
				var access *domain.ComplianceAccessError
				require.ErrorAsf(t, err, &access, "operation %s", name)
				assert.Equal(t, tc.buyback, access.BuybackEnabled)
				assert.Equal(t, tc.logbook, access.LogbookEnabled)
			}

			entries, err := f.repo.SearchLedger(f.ctx, domain.LedgerFilter{})
			require.NoError(t, err)
			require.Len(t, entries, 1)
			assert.Equal(t, domain.LedgerStatusActive, entries[0].Status)
			assert.False(t, entries[0].DeclarationSent)
		})
	}
}

func TestLifecycleTransitions(t *testing.T) {
	f := newFixture(t)
	entry, err := f.svc.Append(f.ctx, draft("490154203237518", 300))
	require.NoError(t, err)

	_, err = f.svc.UpdateLifecycle(f.ctx, entry.EntryNumber, domain.LedgerLifecycleUpdate{Target: domain.LedgerStatusSold})
	assert.True(t, errors.Is(err, domain.ErrValidation), "sold without sale fields")

	_, err = f.svc.UpdateLifecycle(f.ctx, entry.EntryNumber, domain.LedgerLifecycleUpdate{Target: domain.LedgerStatusActive})
	assert.True(t, errors.Is(err, domain.ErrStateTransition))

	_, err = f.svc.UpdateLifecycle(f.ctx, entry.EntryNumber, domain.LedgerLifecycleUpdate{Target: "lost"})
	assert.True(t, errors.Is(err, domain.ErrValidation))

	sold, err := f.svc.UpdateLifecycle(f.ctx, entry.EntryNumber, domain.LedgerLifecycleUpdate{
		Target: domain.LedgerStatusSold,
		Sale:   &domain.LedgerSale{SoldTo: "Walk-in customer", SoldPrice: decimal.NewFromInt(420)},
	})
	require.NoError(t, err)
	assert.Equal(t, domain.LedgerStatusSold, sold.Status)
	require.NotNil(t, sold.SoldAt)
	assert.True(t, sold.SoldAt.Equal(*f.now))
	assert.True(t, sold.SoldPrice.Equal(decimal.NewFromInt(420)))
	assert.Equal(t, entry.Seller, sold.Seller)
	assert.True(t, entry.PurchasePrice.Equal(sold.PurchasePrice))

	_, err = f.svc.UpdateLifecycle(f.ctx, entry.EntryNumber, domain.LedgerLifecycleUpdate{Target: domain.LedgerStatusReturned})
	var st *domain.StateTransitionError
	require.ErrorAs(t, err, &st)
	assert.Equal(t, "sold", st.From)

	other, err := f.svc.Append(f.ctx, draft("352099001761481", 80))
	require.NoError(t, err)
	destroyed, err := f.svc.UpdateLifecycle(f.ctx, other.EntryNumber, domain.LedgerLifecycleUpdate{Target: domain.LedgerStatusDestroyed, Reason: "beyond repair"})
	require.NoError(t, err)
	assert.Equal(t, domain.LedgerStatusDestroyed, destroyed.Status)
	assert.Equal(t, "beyond repair", destroyed.LifecycleReason)
	assert.Nil(t, destroyed.SoldAt)

	_, err = f.svc.UpdateLifecycle(f.ctx, "RP-2026-999", domain.LedgerLifecycleUpdate{Target: domain.LedgerStatusDestroyed})
	assert.True(t, errors.Is(err, store.ErrNotFound))
}

func TestUndeclaredSummaryAndMarkDeclared(t *testing.T) {
	f := newFixture(t)
	base := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)

	var numbers []string
	for i, price := range []int64{100, 250, 75} {
		d := draft("490154203237518", price)
		d.AcquiredAt = base.Add(time.Duration(i) * 24 * time.Hour)
		entry, err := f.svc.Append(f.ctx, d)
		require.NoError(t, err)
		numbers = append(numbers, entry.EntryNumber)
	}

	// [from, to) excludes the third entry acquired exactly at to.
	summary, err := f.svc.UndeclaredSummary(f.ctx, "", base, base.Add(48*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Count)
	assert.True(t, summary.TotalValue.Equal(decimal.NewFromInt(350)))

	_, err = f.svc.MarkDeclared(f.ctx, domain.DeclarationRequest{EntryNumbers: []string{numbers[0], "RP-2026-404"}})
	assert.True(t, errors.Is(err, store.ErrNotFound))

	declaredOn := base.Add(72 * time.Hour)
	updated, err := f.svc.MarkDeclared(f.ctx, domain.DeclarationRequest{EntryNumbers: []string{numbers[0], numbers[0]}, Date: &declaredOn})
	require.NoError(t, err)
	require.Len(t, updated, 1)
	assert.True(t, updated[0].DeclarationSent)
	assert.True(t, updated[0].DeclarationDate.Equal(declaredOn))

	summary, err = f.svc.UndeclaredSummary(f.ctx, "", base, base.Add(72*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Count)
	assert.True(t, summary.TotalValue.Equal(decimal.NewFromInt(325)))

	_, err = f.svc.UndeclaredSummary(f.ctx, "", base, base)
	assert.True(t, errors.Is(err, domain.ErrValidation))
}

func TestExportRendersRegisterRows(t *testing.T) {
	f := newFixture(t)
	d := draft("490154203237518", 300)
	d.AcquiredAt = time.Date(2026, 5, 20, 12, 15, 0, 0, time.UTC)
	_, err := f.svc.Append(f.ctx, d)
	require.NoError(t, err)
	_, err = f.svc.Append(f.ctx, draft("352099001761481", 90))
	require.NoError(t, err)

	export, err := f.svc.Export(f.ctx, domain.LedgerFilter{IMEI: "4901 5420 3237 518"})
	require.NoError(t, err)
	assert.Equal(t, exportColumns, export.Columns)
	require.Len(t, export.Rows, 1)

	row := export.Rows[0]
	require.Len(t, row, len(export.Columns))
	assert.Equal(t, "RP-2026-001", row[0])
	assert.Equal(t, "2026-05-20 14:15", row[1], "rendered in Paris time")
	assert.Equal(t, "Jean Dupont", row[2])
	assert.Equal(t, "300.00", row[10])
	assert.Equal(t, "active", row[11])
	assert.Equal(t, "false", row[15])
	assert.Equal(t, "alice", row[17])
	assert.True(t, export.GeneratedAt.Equal(*f.now))
}

func TestSearchFilters(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Append(f.ctx, draft("490154203237518", 300))
	require.NoError(t, err)
	other := draft("352099001761481", 120)
	other.Seller.Name = "Sophie Bernard"
	_, err = f.svc.Append(f.ctx, other)
	require.NoError(t, err)

	bySeller, err := f.svc.Search(f.ctx, domain.LedgerFilter{SellerName: "bernard"})
	require.NoError(t, err)
	require.Len(t, bySeller, 1)
	assert.Equal(t, "352099001761481", bySeller[0].Item.IMEI)

	byQuery, err := f.svc.Search(f.ctx, domain.LedgerFilter{Query: "RP-2026-001"})
	require.NoError(t, err)
	require.Len(t, byQuery, 1)

	_, err = f.svc.Search(f.ctx, domain.LedgerFilter{Status: "lost"})
	assert.True(t, errors.Is(err, domain.ErrValidation))
}

func TestManualSaleOfDeviceEntryIsRejected(t *testing.T) {
	f := newFixture(t)
	d := draft("490154203237518", 300)
	d.DeviceID = "dev-42"
	d.AcquiredAt = *f.now
	entry, err := f.repo.AppendLedgerEntry(f.ctx, d, domain.LedgerNumbering{Prefix: "RP", Year: 2026}, *f.now)
	require.NoError(t, err)

	_, err = f.svc.UpdateLifecycle(f.ctx, entry.EntryNumber, domain.LedgerLifecycleUpdate{
		Target: domain.LedgerStatusSold,
		Sale:   &domain.LedgerSale{SoldTo: "Walk-in customer", SoldPrice: decimal.NewFromInt(420)},
	})
	var st *domain.StateTransitionError
	require.ErrorAs(t, err, &st)
	assert.Contains(t, st.Reason, "dev-42")

	got, err := f.svc.Get(f.ctx, entry.EntryNumber)
	require.NoError(t, err)
	assert.Equal(t, domain.LedgerStatusActive, got.Status)

	returned, err := f.svc.UpdateLifecycle(f.ctx, entry.EntryNumber, domain.LedgerLifecycleUpdate{Target: domain.LedgerStatusReturned, Reason: "seized"})
	require.NoError(t, err)
	assert.Equal(t, domain.LedgerStatusReturned, returned.Status)
}

func TestMarkDeclaredKeepsFirstDeclaration(t *testing.T) {
	f := newFixture(t)
	d := draft("490154203237518", 120)
	d.AcquiredAt = f.now.Add(-48 * time.Hour)
	entry, err := f.svc.Append(f.ctx, d)
	require.NoError(t, err)

	first := f.now.Add(-24 * time.Hour)
	updated, err := f.svc.MarkDeclared(f.ctx, domain.DeclarationRequest{EntryNumbers: []string{entry.EntryNumber}, Date: &first})
	require.NoError(t, err)
	require.Len(t, updated, 1)
	assert.True(t, updated[0].UpdatedAt.Equal(*f.now))

	*f.now = f.now.Add(time.Hour)
	updated, err = f.svc.MarkDeclared(f.ctx, domain.DeclarationRequest{EntryNumbers: []string{entry.EntryNumber}})
	require.NoError(t, err)
	assert.Empty(t, updated)

	got, err := f.svc.Get(f.ctx, entry.EntryNumber)
	require.NoError(t, err)
	require.NotNil(t, got.DeclarationDate)
	assert.True(t, got.DeclarationDate.Equal(first))
}
