package merit_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/housepoints/merit-engine/merit"
)

func TestListOrders(t *testing.T) {
	e := newEnv(t)
	e.pupil(t, "ada", 100)
	e.perpetual(t, "pen", 5, 10)

	var ids []merit.PurchaseID
	for i := 0; i < 3; i++ {
		r, err := e.gate.Create(e.ctx, "ada", "pen")
		require.NoError(t, err)
		ids = append(ids, r.Purchase.ID)
		e.clock = e.clock.Add(time.Minute)
	}
	_, err := e.gate.Collect(e.ctx, ids[0])
	require.NoError(t, err)
	_, err = e.gate.Refund(e.ctx, ids[1])
	require.NoError(t, err)

	current, err := merit.ListOrders(e.ctx, e.store, "", merit.PurchaseFilter{})
	require.NoError(t, err)
	require.Len(t, current.Lines, 1)
	assert.Equal(t, ids[2], current.Lines[0].ID)

	all, err := merit.ListOrders(e.ctx, e.store, merit.OrdersAll, merit.PurchaseFilter{})
	require.NoError(t, err)
	assert.Equal(t, merit.PurchaseSummary{Total: 3, Pending: 1, Collected: 1, Refunded: 1}, all.Summary)

	collected, err := merit.ListOrders(e.ctx, e.store, merit.OrdersAll, merit.PurchaseFilter{Status: merit.StatusCollected})
	require.NoError(t, err)
	require.Len(t, collected.Lines, 1)
	assert.Equal(t, ids[0], collected.Lines[0].ID)
}

func TestListOrders_Invalid(t *testing.T) {
	e := newEnv(t)
	from := monday
	to := monday.Add(-time.Hour)

	_, err := merit.ListOrders(e.ctx, e.store, "weird", merit.PurchaseFilter{})
	assert.ErrorIs(t, err, merit.ErrInvalidFilter)
	assert.True(t, merit.IsClientError(err))
	_, err = merit.ListOrders(e.ctx, e.store, merit.OrdersAll, merit.PurchaseFilter{Status: "lost"})
	assert.ErrorIs(t, err, merit.ErrInvalidFilter)
	assert.True(t, merit.IsClientError(err))
	_, err = merit.ListOrders(e.ctx, e.store, merit.OrdersAll, merit.PurchaseFilter{From: &from, To: &to})
	assert.ErrorIs(t, err, merit.ErrInvalidFilter)
	assert.True(t, merit.IsClientError(err))
}

func TestListOrders_LinesCarryNames(t *testing.T) {
	// GIVEN: Pupils in two forms, each with one pending purchase
	// WHEN: Listing current orders for form 8B, then for year 7
	// THEN: Only that pupil's order comes back, with names resolved

	e := newEnv(t)
	require.NoError(t, e.store.SavePupil(e.ctx, merit.Pupil{ID: "ada", FirstName: "Ada", LastName: "Lovelace", FormName: "7A", YearGroup: 7, Active: true}))
	require.NoError(t, e.store.SavePupil(e.ctx, merit.Pupil{ID: "alan", FirstName: "Alan", LastName: "Turing", FormName: "8B", YearGroup: 8, Active: true}))
	for _, id := range []merit.PupilID{"ada", "alan"} {
		_, err := e.ledger.Award(e.ctx, id, 20, "test")
		require.NoError(t, err)
	}
	_, err := e.catalog.SavePrize(e.ctx, merit.Prize{ID: "pen", Description: "Gel pen", CostMerits: 5, Active: true,
		Supply: merit.SupplyPolicy{Kind: merit.SupplyPerpetual}})
	require.NoError(t, err)
	_, err = e.stock.Restock(e.ctx, "pen", 10, "test")
	require.NoError(t, err)

	_, err = e.gate.Create(e.ctx, "ada", "pen")
	require.NoError(t, err)
	_, err = e.gate.Create(e.ctx, "alan", "pen")
	require.NoError(t, err)

	form, err := merit.ListOrders(e.ctx, e.store, "", merit.PurchaseFilter{FormName: "8B"})
	require.NoError(t, err)
	require.Len(t, form.Lines, 1)
	line := form.Lines[0]
	assert.Equal(t, merit.PupilID("alan"), line.PupilID)
	assert.Equal(t, "Alan Turing", line.PupilName)
	assert.Equal(t, "8B", line.FormName)
	assert.Equal(t, 8, line.YearGroup)
	assert.Equal(t, "Gel pen", line.PrizeDescription)
	assert.Equal(t, 1, form.Summary.Pending)

	year, err := merit.ListOrders(e.ctx, e.store, merit.OrdersAll, merit.PurchaseFilter{YearGroup: 7})
	require.NoError(t, err)
	require.Len(t, year.Lines, 1)
	assert.Equal(t, "Ada Lovelace", year.Lines[0].PupilName)

	_, err = merit.ListOrders(e.ctx, e.store, "", merit.PurchaseFilter{YearGroup: -1})
	assert.ErrorIs(t, err, merit.ErrInvalidFilter)
}
