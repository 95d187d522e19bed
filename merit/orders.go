package merit

import (
	"context"
	"fmt"
)

// =============================================================================
// ORDERS - Staff view of purchases awaiting hand-out
// =============================================================================

type OrderMode string

const (
	// OrdersCurrent lists pending purchases only.
	OrdersCurrent OrderMode = "current"
	// OrdersAll lists every status, optionally narrowed by filter.Status.
	OrdersAll OrderMode = "all"
)

// OrderLine is a purchase with the names the fulfilment screen shows next
// to it.
type OrderLine struct {
	Purchase
	PupilName        string
	FormName         string
	YearGroup        int
	PrizeDescription string
}

// Orders is a purchase listing plus per-status counts over the same rows.
type Orders struct {
	Lines   []OrderLine
	Summary PurchaseSummary
}

// ListOrders lists purchases newest first. An empty mode means
// OrdersCurrent.
func ListOrders(ctx context.Context, store Store, mode OrderMode, filter PurchaseFilter) (*Orders, error) {
	switch mode {
	case "", OrdersCurrent:
		filter.Status = StatusPending
	case OrdersAll:
		if filter.Status != "" && !filter.Status.Valid() {
			return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidFilter, filter.Status)
		}
	default:
		return nil, fmt.Errorf("%w: unknown order mode %q", ErrInvalidFilter, mode)
	}
	if filter.From != nil && filter.To != nil && filter.From.After(*filter.To) {
		return nil, fmt.Errorf("%w: start date must be before end date", ErrInvalidFilter)
	}
	if filter.YearGroup < 0 {
		return nil, fmt.Errorf("%w: year group must not be negative", ErrInvalidFilter)
	}

	purchases, err := store.ListPurchases(ctx, filter)
	if err != nil {
		return nil, err
	}

	lines, err := enrich(ctx, store, purchases)
	if err != nil {
		return nil, err
	}
	return &Orders{Lines: lines, Summary: Summarize(purchases)}, nil
}

// enrich resolves pupil and prize names, reading each row once.
func enrich(ctx context.Context, store Store, purchases []Purchase) ([]OrderLine, error) {
	pupils := map[PupilID]*Pupil{}
	prizes := map[PrizeID]*Prize{}

	lines := make([]OrderLine, 0, len(purchases))
	for _, p := range purchases {
		pupil, ok := pupils[p.PupilID]
		if !ok {
			var err error
			if pupil, err = store.GetPupil(ctx, p.PupilID); err != nil {
				return nil, err
			}
			pupils[p.PupilID] = pupil
		}
		prize, ok := prizes[p.PrizeID]
		if !ok {
			var err error
			if prize, err = store.GetPrize(ctx, p.PrizeID); err != nil {
				return nil, err
			}
			prizes[p.PrizeID] = prize
		}

		lines = append(lines, OrderLine{
			Purchase:         p,
			PupilName:        pupil.FullName(),
			FormName:         pupil.FormName,
			YearGroup:        pupil.YearGroup,
			PrizeDescription: prize.Description,
		})
	}
	return lines, nil
}
