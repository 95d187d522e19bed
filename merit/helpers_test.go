package merit_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/housepoints/merit-engine/merit"
	"github.com/housepoints/merit-engine/merit/store"
)

// =============================================================================
// TEST SETUP
// =============================================================================

var london = mustLoad("Europe/London")

func mustLoad(name string) *time.Location {
	loc, err := time.LoadLocation(name)
	if err != nil {
		panic(err)
	}
	return loc
}

// monday is 10 March 2025, 09:00 London time.
var monday = time.Date(2025, time.March, 10, 9, 0, 0, 0, london)

type env struct {
	ctx     context.Context
	store   *store.Memory
	ledger  *merit.Ledger
	stock   *merit.StockEngine
	catalog *merit.Catalog
	gate    *merit.PurchaseGate
	clock   time.Time
}

func newEnv(t *testing.T) *env {
	t.Helper()

	e := &env{ctx: context.Background(), store: store.NewMemory(), clock: monday}
	now := func() time.Time { return e.clock }
	cal := merit.DefaultCalendar(london)

	e.ledger = merit.NewLedger(e.store)
	e.ledger.Now = now
	e.stock = merit.NewStockEngine(e.store, cal)
	e.stock.Now = now
	e.catalog = merit.NewCatalog(e.store, e.stock)
	e.catalog.Now = now
	e.gate = merit.NewPurchaseGate(e.store, cal, nil)
	e.gate.Now = now
	return e
}

func (e *env) pupil(t *testing.T, id merit.PupilID, merits int) {
	t.Helper()
	require.NoError(t, e.store.SavePupil(e.ctx, merit.Pupil{ID: id, FirstName: "Test", LastName: string(id), Active: true, CreatedAt: e.clock}))
	if merits > 0 {
		_, err := e.ledger.Award(e.ctx, id, merits, "test")
		require.NoError(t, err)
	}
}

func (e *env) perpetual(t *testing.T, id merit.PrizeID, cost, units int) {
	t.Helper()
	_, err := e.catalog.SavePrize(e.ctx, merit.Prize{ID: id, Description: string(id), CostMerits: cost, Active: true,
		Supply: merit.SupplyPolicy{Kind: merit.SupplyPerpetual}})
	require.NoError(t, err)
	if units > 0 {
		_, err = e.stock.Restock(e.ctx, id, units, "test")
		require.NoError(t, err)
	}
}

func (e *env) cyclic(t *testing.T, id merit.PrizeID, cost, spaces, weeks int) {
	t.Helper()
	_, err := e.catalog.SavePrize(e.ctx, merit.Prize{ID: id, Description: string(id), CostMerits: cost, Active: true,
		Supply: merit.SupplyPolicy{Kind: merit.SupplyCyclic, SpacesPerCycle: spaces, CycleLengthWeeks: weeks, ResetDayOfWeek: 1}})
	require.NoError(t, err)
}

func (e *env) remaining(t *testing.T, id merit.PupilID) int {
	t.Helper()
	r, err := e.ledger.RemainingBalance(e.ctx, id)
	require.NoError(t, err)
	return r
}

func (e *env) available(t *testing.T, id merit.PrizeID) int {
	t.Helper()
	l, err := e.stock.AvailableUnits(e.ctx, id, e.clock)
	require.NoError(t, err)
	return l.Available
}
