package merit_test

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/housepoints/merit-engine/merit"
)

func TestCatalog_SavePrizeNormalizes(t *testing.T) {
	e := newEnv(t)

	p, err := e.catalog.SavePrize(e.ctx, merit.Prize{
		ID:          "lunch",
		Description: "  Lunch with the Head  ",
		CostMerits:  40,
		CostMoney:   decimal.RequireFromString("1.50"),
		Active:      true,
		Supply:      merit.SupplyPolicy{Kind: merit.SupplyCyclic, SpacesPerCycle: 2, CycleLengthWeeks: 99, ResetDayOfWeek: 9},
	})
	require.NoError(t, err)
	assert.Equal(t, "Lunch with the Head", p.Description)
	assert.Equal(t, merit.MaxCycleLengthWeeks, p.Supply.CycleLengthWeeks)
	assert.Equal(t, 7, p.Supply.ResetDayOfWeek)
	assert.Equal(t, monday, p.CreatedAt)
}

func TestCatalog_SavePrizeValidation(t *testing.T) {
	e := newEnv(t)

	tests := []struct {
		name    string
		prize   merit.Prize
		wantErr error
	}{
		{"empty id", merit.Prize{}, merit.ErrInvalidIdentifier},
		{"negative cost", merit.Prize{ID: "x", CostMerits: -1}, merit.ErrInvalidAmount},
		{"negative money", merit.Prize{ID: "x", CostMoney: decimal.NewFromInt(-1)}, merit.ErrInvalidAmount},
		{"cyclic without spaces", merit.Prize{ID: "x", Supply: merit.SupplyPolicy{Kind: merit.SupplyCyclic}}, merit.ErrInvalidSupplyPolicy},
		{"unknown kind", merit.Prize{ID: "x", Supply: merit.SupplyPolicy{Kind: "weekly"}}, merit.ErrInvalidSupplyPolicy},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.catalog.SavePrize(e.ctx, tt.prize)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestCatalog_SetSupplyKindAndList(t *testing.T) {
	// GIVEN: A perpetual prize with 4 units
	// WHEN: Switching it to cyclic and back
	// THEN: Cyclic gets one space per cycle; the stock log is untouched

	e := newEnv(t)
	e.perpetual(t, "badge", 5, 4)

	p, err := e.catalog.SetSupplyKind(e.ctx, "badge", true)
	require.NoError(t, err)
	assert.Equal(t, merit.SupplyCyclic, p.Supply.Kind)
	assert.Equal(t, 1, p.Supply.SpacesPerCycle)
	assert.Equal(t, 1, e.available(t, "badge"))

	_, err = e.catalog.SetSupplyKind(e.ctx, "badge", false)
	require.NoError(t, err)
	assert.Equal(t, 4, e.available(t, "badge"))

	_, err = e.catalog.Deactivate(e.ctx, "badge")
	require.NoError(t, err)
	e.perpetual(t, "pen", 5, 2)

	all, err := e.catalog.ListPrizes(e.ctx, false)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	active, err := e.catalog.ListPrizes(e.ctx, true)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, merit.PrizeID("pen"), active[0].Prize.ID)
	assert.Equal(t, 2, active[0].Level.Available)
}
