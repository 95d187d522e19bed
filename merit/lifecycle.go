package merit

import "time"

// =============================================================================
// PURCHASE LIFECYCLE
// =============================================================================
//
//	            ┌───────────┐   collect   ┌───────────┐
//	create ──▶  │  pending  │ ──────────▶ │ collected │
//	            └───────────┘             └───────────┘
//	                  │ refund                  │ refund
//	                  ▼                         ▼
//	            ┌─────────────────────────────────────┐
//	            │        refunded (terminal)          │
//	            └─────────────────────────────────────┘
//
// FulfilledAt is set by the first transition out of pending and is never
// overwritten afterwards.

// NewPendingPurchase builds the initial state of a redemption, freezing the
// prize's current cost.
func NewPendingPurchase(id PurchaseID, pupilID PupilID, prize Prize, at time.Time) Purchase {
	return Purchase{
		ID:         id,
		PupilID:    pupilID,
		PrizeID:    prize.ID,
		CostMerits: prize.CostMerits,
		Status:     StatusPending,
		CreatedAt:  at,
	}
}

// Collect drives pending → collected. Collecting an already collected
// purchase is a no-op; a refunded one fails with ErrAlreadyRefunded.
func (p *Purchase) Collect(at time.Time) (changed bool, err error) {
	switch p.Status {
	case StatusRefunded:
		return false, ErrAlreadyRefunded
	case StatusCollected:
		return false, nil
	}
	p.Status = StatusCollected
	p.markFulfilled(at)
	return true, nil
}

// Refund drives pending|collected → refunded. Refunding a refunded purchase
// is a no-op success so client retries are safe.
func (p *Purchase) Refund(at time.Time) (changed bool) {
	if p.Status == StatusRefunded {
		return false
	}
	p.Status = StatusRefunded
	p.markFulfilled(at)
	return true
}

func (p *Purchase) markFulfilled(at time.Time) {
	if p.FulfilledAt == nil {
		t := at
		p.FulfilledAt = &t
	}
}
