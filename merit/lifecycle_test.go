package merit_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/housepoints/merit-engine/merit"
)

func TestPurchaseLifecycle(t *testing.T) {
	prize := merit.Prize{ID: "pen", CostMerits: 30}
	created := monday
	collected := monday.Add(time.Hour)
	refunded := monday.Add(2 * time.Hour)

	p := merit.NewPendingPurchase("p1", "ada", prize, created)
	assert.Equal(t, merit.StatusPending, p.Status)
	assert.Equal(t, 30, p.CostMerits)
	assert.Nil(t, p.FulfilledAt)

	changed, err := p.Collect(collected)
	require.NoError(t, err)
	assert.True(t, changed)
	require.NotNil(t, p.FulfilledAt)
	assert.Equal(t, collected, *p.FulfilledAt)

	changed, err = p.Collect(refunded)
	require.NoError(t, err)
	assert.False(t, changed, "collecting twice is a no-op")

	assert.True(t, p.Refund(refunded))
	assert.Equal(t, merit.StatusRefunded, p.Status)
	assert.Equal(t, collected, *p.FulfilledAt, "fulfilled_at is set once")
	assert.False(t, p.Counts())

	assert.False(t, p.Refund(refunded.Add(time.Hour)))
	_, err = p.Collect(refunded)
	assert.ErrorIs(t, err, merit.ErrAlreadyRefunded)
}

func TestPurchaseLifecycle_RefundFromPending(t *testing.T) {
	p := merit.NewPendingPurchase("p1", "ada", merit.Prize{ID: "pen", CostMerits: 5}, monday)

	assert.True(t, p.Refund(monday.Add(time.Minute)))
	require.NotNil(t, p.FulfilledAt)
	assert.Equal(t, monday.Add(time.Minute), *p.FulfilledAt)
}

func TestSummarize(t *testing.T) {
	ps := []merit.Purchase{
		{Status: merit.StatusPending},
		{Status: merit.StatusPending},
		{Status: merit.StatusCollected},
		{Status: merit.StatusRefunded},
	}
	assert.Equal(t, merit.PurchaseSummary{Total: 4, Pending: 2, Collected: 1, Refunded: 1}, merit.Summarize(ps))
}
