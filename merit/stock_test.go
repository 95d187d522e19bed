package merit_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/housepoints/merit-engine/merit"
)

func TestStock_SpoilageReducesAvailable(t *testing.T) {
	// GIVEN: A perpetual prize restocked with 10 units and no purchases
	// WHEN: Recording spoilage of 3
	// THEN: 7 units are available and the log keeps both entries

	e := newEnv(t)
	e.perpetual(t, "pen", 5, 10)

	adj, err := e.stock.RecordSpoilage(e.ctx, "pen", 3, "water damage")
	require.NoError(t, err)
	assert.Equal(t, -3, adj.Delta)
	assert.Equal(t, merit.AdjustSpoilage, adj.Kind)

	level, err := e.stock.AvailableUnits(e.ctx, "pen", e.clock)
	require.NoError(t, err)
	assert.Equal(t, 7, level.Available)
	assert.Equal(t, merit.StockTotals{TotalEverStocked: 10, SpoilageAdjustment: -3}, level.Totals)

	adjs, err := e.stock.Adjustments(e.ctx, "pen")
	require.NoError(t, err)
	assert.Len(t, adjs, 2)
}

func TestStock_PurchasesConsumeUnits(t *testing.T) {
	e := newEnv(t)
	e.pupil(t, "ada", 100)
	e.perpetual(t, "pen", 5, 3)

	for i := 0; i < 3; i++ {
		_, err := e.gate.Create(e.ctx, "ada", "pen")
		require.NoError(t, err)
	}
	assert.Equal(t, 0, e.available(t, "pen"))

	check, err := e.stock.CheckAvailability(e.ctx, "pen", e.clock)
	require.NoError(t, err)
	assert.False(t, check.OK)
}

func TestStock_LateSpoilageClampsAtZero(t *testing.T) {
	// GIVEN: Two units, both handed out
	// WHEN: Recording spoilage of 1 afterwards
	// THEN: Available stays at 0 while Raw goes negative

	e := newEnv(t)
	e.pupil(t, "ada", 100)
	e.perpetual(t, "pen", 5, 2)
	for i := 0; i < 2; i++ {
		_, err := e.gate.Create(e.ctx, "ada", "pen")
		require.NoError(t, err)
	}

	_, err := e.stock.RecordSpoilage(e.ctx, "pen", 1, "")
	require.NoError(t, err)

	level, err := e.stock.AvailableUnits(e.ctx, "pen", e.clock)
	require.NoError(t, err)
	assert.Equal(t, 0, level.Available)
	assert.Equal(t, -1, level.Raw)
}

func TestStock_CyclicRejectsAdjustments(t *testing.T) {
	e := newEnv(t)
	e.cyclic(t, "lunch", 10, 2, 1)

	_, err := e.stock.Restock(e.ctx, "lunch", 5, "")
	assert.ErrorIs(t, err, merit.ErrNotApplicableForCyclicPrize)
	_, err = e.stock.RecordSpoilage(e.ctx, "lunch", 1, "")
	assert.ErrorIs(t, err, merit.ErrNotApplicableForCyclicPrize)
}

func TestStock_CyclicAvailabilityIsPerWindow(t *testing.T) {
	// GIVEN: A weekly cyclic prize with 2 spaces, one bought this week
	// WHEN: Asking about this week, next week and last week
	// THEN: Only this week is reduced; past windows can still be answered

	e := newEnv(t)
	e.pupil(t, "ada", 100)
	e.cyclic(t, "lunch", 10, 2, 1)
	_, err := e.gate.Create(e.ctx, "ada", "lunch")
	require.NoError(t, err)

	level, err := e.stock.AvailableUnits(e.ctx, "lunch", e.clock)
	require.NoError(t, err)
	assert.Equal(t, 1, level.Available)
	assert.Equal(t, 2, level.Capacity)
	require.NotNil(t, level.Window)

	level, err = e.stock.AvailableUnits(e.ctx, "lunch", e.clock.AddDate(0, 0, 7))
	require.NoError(t, err)
	assert.Equal(t, 2, level.Available)

	level, err = e.stock.AvailableUnits(e.ctx, "lunch", e.clock.Add(-8*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 2, level.Available)
}

func TestStock_InvalidRequests(t *testing.T) {
	e := newEnv(t)
	e.perpetual(t, "pen", 5, 0)

	_, err := e.stock.Restock(e.ctx, "pen", -1, "")
	assert.ErrorIs(t, err, merit.ErrInvalidAmount)
	_, err = e.stock.Restock(e.ctx, "ghost", 1, "")
	assert.ErrorIs(t, err, merit.ErrPrizeNotFound)
	_, err = e.stock.AvailableUnits(e.ctx, "", e.clock)
	assert.ErrorIs(t, err, merit.ErrInvalidIdentifier)
}
