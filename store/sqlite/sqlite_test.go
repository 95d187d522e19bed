package sqlite_test

import (
	"context"
	"database/sql"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/housepoints/merit-engine/merit"
	"github.com/housepoints/merit-engine/store/sqlite"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func newTestStore(t *testing.T) *sqlite.Store {
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func seed(t *testing.T, store *sqlite.Store) {
	ctx := context.Background()
	require.NoError(t, store.SavePupil(ctx, merit.Pupil{ID: "p1", FirstName: "Ada", LastName: "Lovelace", FormName: "7A", Active: true}))
	require.NoError(t, store.SavePrize(ctx, merit.Prize{
		ID: "pen", Description: "Pen", CostMerits: 10, CostMoney: decimal.RequireFromString("1.25"), Active: true,
		Supply: merit.SupplyPolicy{Kind: merit.SupplyPerpetual, ResetDayOfWeek: 1},
	}))
}

func newFileStore(t *testing.T, path string) *sqlite.Store {
	store, err := sqlite.New(path)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

var t0 = time.Date(2025, time.March, 10, 9, 0, 0, 0, time.UTC)

// =============================================================================
// ROUND TRIPS
// =============================================================================

func TestStore_PrizeRoundTrip(t *testing.T) {
	store := newTestStore(t)
	seed(t, store)
	ctx := context.Background()

	p, err := store.GetPrize(ctx, "pen")
	require.NoError(t, err)
	assert.Equal(t, "Pen", p.Description)
	assert.True(t, p.CostMoney.Equal(decimal.RequireFromString("1.25")))
	assert.Equal(t, merit.SupplyPerpetual, p.Supply.Kind)

	_, err = store.GetPrize(ctx, "missing")
	assert.ErrorIs(t, err, merit.ErrPrizeNotFound)
}

func TestStore_AwardForUnknownPupil(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	err := store.AppendAward(ctx, merit.MeritAward{ID: "a1", PupilID: "ghost", Amount: 5, AwardedAt: t0})
	assert.ErrorIs(t, err, merit.ErrPupilNotFound)
}

func TestStore_StockTotals(t *testing.T) {
	store := newTestStore(t)
	seed(t, store)
	ctx := context.Background()

	require.NoError(t, store.AppendAdjustment(ctx, merit.StockAdjustment{ID: "s1", PrizeID: "pen", Kind: merit.AdjustRestock, Delta: 10, CreatedAt: t0}))
	require.NoError(t, store.AppendAdjustment(ctx, merit.StockAdjustment{ID: "s2", PrizeID: "pen", Kind: merit.AdjustSpoilage, Delta: -3, CreatedAt: t0}))

	totals, err := store.StockTotals(ctx, "pen")
	require.NoError(t, err)
	assert.Equal(t, 10, totals.TotalEverStocked)
	assert.Equal(t, -3, totals.SpoilageAdjustment)
}

// =============================================================================
// PURCHASE AGGREGATES
// =============================================================================

func TestStore_RefundedPurchasesExcludedFromAggregates(t *testing.T) {
	// GIVEN: Two purchases, one refunded
	// WHEN: Summing spend and counting units
	// THEN: Only the live purchase counts

	store := newTestStore(t)
	seed(t, store)
	ctx := context.Background()

	err := store.WithTx(ctx, func(tx merit.Tx) error {
		if err := tx.InsertPurchase(ctx, merit.Purchase{ID: "b1", PupilID: "p1", PrizeID: "pen", CostMerits: 10, Status: merit.StatusPending, CreatedAt: t0}); err != nil {
			return err
		}
		return tx.InsertPurchase(ctx, merit.Purchase{ID: "b2", PupilID: "p1", PrizeID: "pen", CostMerits: 7, Status: merit.StatusPending, CreatedAt: t0.Add(time.Hour)})
	})
	require.NoError(t, err)

	err = store.WithTx(ctx, func(tx merit.Tx) error {
		p, err := tx.LockPurchase(ctx, "b2")
		if err != nil {
			return err
		}
		p.Refund(t0.Add(2 * time.Hour))
		return tx.UpdatePurchase(ctx, *p)
	})
	require.NoError(t, err)

	spent, err := store.SpentMerits(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, 10, spent)

	n, err := store.CountPurchases(ctx, "pen", nil)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	b2, err := store.GetPurchase(ctx, "b2")
	require.NoError(t, err)
	assert.Equal(t, merit.StatusRefunded, b2.Status)
	require.NotNil(t, b2.FulfilledAt)
	assert.True(t, b2.FulfilledAt.Equal(t0.Add(2*time.Hour)))
}

func TestStore_CountPurchasesWindowIsHalfOpen(t *testing.T) {
	store := newTestStore(t)
	seed(t, store)
	ctx := context.Background()

	start := t0
	end := t0.Add(7 * 24 * time.Hour)
	times := []time.Time{start.Add(-time.Nanosecond), start, end.Add(-time.Nanosecond), end}

	err := store.WithTx(ctx, func(tx merit.Tx) error {
		for i, at := range times {
			p := merit.Purchase{ID: merit.PurchaseID("w" + string(rune('0'+i))), PupilID: "p1", PrizeID: "pen", Status: merit.StatusPending, CreatedAt: at}
			if err := tx.InsertPurchase(ctx, p); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)

	n, err := store.CountPurchases(ctx, "pen", &merit.Window{Start: start, End: end})
	require.NoError(t, err)
	assert.Equal(t, 2, n, "start is inclusive, end is exclusive")
}

func TestStore_WithTxRollsBackOnError(t *testing.T) {
	store := newTestStore(t)
	seed(t, store)
	ctx := context.Background()

	err := store.WithTx(ctx, func(tx merit.Tx) error {
		if err := tx.InsertPurchase(ctx, merit.Purchase{ID: "b1", PupilID: "p1", PrizeID: "pen", CostMerits: 10, Status: merit.StatusPending, CreatedAt: t0}); err != nil {
			return err
		}
		return merit.ErrOutOfStock
	})
	assert.ErrorIs(t, err, merit.ErrOutOfStock)

	_, err = store.GetPurchase(ctx, "b1")
	assert.ErrorIs(t, err, merit.ErrPurchaseNotFound)
}

func TestStore_ListPurchasesFilters(t *testing.T) {
	store := newTestStore(t)
	seed(t, store)
	ctx := context.Background()

	err := store.WithTx(ctx, func(tx merit.Tx) error {
		for i, status := range []merit.PurchaseStatus{merit.StatusPending, merit.StatusCollected, merit.StatusPending} {
			p := merit.Purchase{
				ID: merit.PurchaseID("l" + string(rune('0'+i))), PupilID: "p1", PrizeID: "pen",
				Status: status, CreatedAt: t0.Add(time.Duration(i) * time.Hour),
			}
			if err := tx.InsertPurchase(ctx, p); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)

	pending, err := store.ListPurchases(ctx, merit.PurchaseFilter{Status: merit.StatusPending})
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, merit.PurchaseID("l2"), pending[0].ID, "newest first")

	from := t0.Add(30 * time.Minute)
	ranged, err := store.ListPurchases(ctx, merit.PurchaseFilter{From: &from, Limit: 1})
	require.NoError(t, err)
	require.Len(t, ranged, 1)
	assert.Equal(t, merit.PurchaseID("l2"), ranged[0].ID)
}

func TestStore_Reset(t *testing.T) {
	store := newTestStore(t)
	seed(t, store)
	ctx := context.Background()

	require.NoError(t, store.Reset(ctx))

	pupils, err := store.ListPupils(ctx)
	require.NoError(t, err)
	assert.Empty(t, pupils)
}

func TestStore_ListPurchasesByFormAndYear(t *testing.T) {
	store := newTestStore(t)
	seed(t, store)
	ctx := context.Background()
	require.NoError(t, store.SavePupil(ctx, merit.Pupil{ID: "p2", FirstName: "Alan", LastName: "Turing", FormName: "8B", YearGroup: 8, Active: true}))
	require.NoError(t, store.SavePupil(ctx, merit.Pupil{ID: "p3", FirstName: "Grace", LastName: "Hopper", FormName: "8C", YearGroup: 8, Active: true}))

	err := store.WithTx(ctx, func(tx merit.Tx) error {
		for i, pupil := range []merit.PupilID{"p1", "p2", "p3"} {
			p := merit.Purchase{
				ID: merit.PurchaseID("f" + string(rune('0'+i))), PupilID: pupil, PrizeID: "pen",
				Status: merit.StatusPending, CreatedAt: t0.Add(time.Duration(i) * time.Minute),
			}
			if err := tx.InsertPurchase(ctx, p); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)

	byForm, err := store.ListPurchases(ctx, merit.PurchaseFilter{FormName: "8B"})
	require.NoError(t, err)
	require.Len(t, byForm, 1)
	assert.Equal(t, merit.PupilID("p2"), byForm[0].PupilID)

	byYear, err := store.ListPurchases(ctx, merit.PurchaseFilter{YearGroup: 8})
	require.NoError(t, err)
	require.Len(t, byYear, 2)
	assert.Equal(t, merit.PupilID("p3"), byYear[0].PupilID)

	both, err := store.ListPurchases(ctx, merit.PurchaseFilter{FormName: "7A", YearGroup: 8})
	require.NoError(t, err)
	assert.Empty(t, both)
}

func TestStore_CorruptTimestampIsAnError(t *testing.T) {
	// GIVEN: A pupil row whose created_at was overwritten with garbage
	// WHEN: Reading it back through the store
	// THEN: The read fails instead of returning the zero time

	path := filepath.Join(t.TempDir(), "corrupt.db")
	store := newFileStore(t, path)
	seed(t, store)
	ctx := context.Background()

	raw, err := sql.Open("sqlite3", path)
	require.NoError(t, err)
	defer raw.Close()
	_, err = raw.ExecContext(ctx, "UPDATE pupils SET created_at = 'last tuesday' WHERE id = 'p1'")
	require.NoError(t, err)

	_, err = store.GetPupil(ctx, "p1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "last tuesday")

	_, err = store.ListPupils(ctx)
	assert.Error(t, err)
}

// =============================================================================
// CONCURRENCY
// =============================================================================

func TestStore_RacingCreatesAcrossHandles(t *testing.T) {
	// GIVEN: Two store handles on one database file and a pupil who can
	//        afford exactly one pen
	// WHEN: 20 goroutines try to buy a pen through alternating handles
	// THEN: Exactly one purchase succeeds; the rest see insufficient balance

	path := filepath.Join(t.TempDir(), "race.db")
	a := newFileStore(t, path)
	b := newFileStore(t, path)
	seed(t, a)
	ctx := context.Background()

	_, err := merit.NewLedger(a).Award(ctx, "p1", 10, "test")
	require.NoError(t, err)
	_, err = merit.NewStockEngine(a, merit.DefaultCalendar(time.UTC)).Restock(ctx, "pen", 100, "test")
	require.NoError(t, err)

	gates := []*merit.PurchaseGate{
		merit.NewPurchaseGate(a, merit.DefaultCalendar(time.UTC), nil),
		merit.NewPurchaseGate(b, merit.DefaultCalendar(time.UTC), nil),
	}

	const attempts = 20
	var wg sync.WaitGroup
	errs := make([]error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = gates[i%2].Create(ctx, "p1", "pen")
		}(i)
	}
	wg.Wait()

	successes := 0
	for _, err := range errs {
		if err == nil {
			successes++
			continue
		}
		assert.ErrorIs(t, err, merit.ErrInsufficientBalance)
	}
	assert.Equal(t, 1, successes)

	spent, err := b.SpentMerits(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, 10, spent)
}
