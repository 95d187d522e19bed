/*
stock.go - Available prize units

PURPOSE:
  The StockEngine answers "how many units of this prize can still be
  handed out at time T?".

  Perpetual:
    available = totalEverStocked + spoilageAdjustment − count(non-refunded purchases)

    Both totals are sums over the append-only stock adjustment log, so a
    spoilage event is an entry, never an overwrite.

  Cyclic:
    available = spacesPerCycle − count(non-refunded purchases created in
                the cycle window containing T)

    Window-based counting is self-healing: there is no reset job, and the
    availability at any past date can still be answered.

  The raw arithmetic may go negative (for example when spoilage is
  recorded after units were handed out). Available is clamped to 0; Raw
  keeps the unclamped value.

SEE ALSO:
  - window.go: cycle window arithmetic
  - gate.go:   checks availability under a lock on the prize row
*/
package merit

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// STOCK LEVEL
// =============================================================================

type StockLevel struct {
	PrizeID   PrizeID
	Kind      SupplyKind
	Available int
	Raw       int
	Consumed  int

	// Perpetual only
	Totals StockTotals

	// Cyclic only
	Capacity int
	Window   *Window
}

// AvailabilityCheck is the result of CheckAvailability.
type AvailabilityCheck struct {
	OK        bool
	Available int
	Level     StockLevel
}

// =============================================================================
// STOCK ENGINE
// =============================================================================

type StockEngine struct {
	Store    Store
	Calendar CycleCalendar
	Now      func() time.Time
}

func NewStockEngine(store Store, calendar CycleCalendar) *StockEngine {
	return &StockEngine{Store: store, Calendar: calendar, Now: time.Now}
}

// AvailableUnits derives the prize's stock level as of the given time.
func (s *StockEngine) AvailableUnits(ctx context.Context, prizeID PrizeID, asOf time.Time) (StockLevel, error) {
	if !prizeID.Valid() {
		return StockLevel{}, ErrInvalidIdentifier
	}
	prize, err := s.Store.GetPrize(ctx, prizeID)
	if err != nil {
		return StockLevel{}, err
	}
	return s.levelFor(ctx, prize, asOf)
}

func (s *StockEngine) levelFor(ctx context.Context, prize *Prize, asOf time.Time) (StockLevel, error) {
	supply := prize.Supply.Normalize()
	level := StockLevel{PrizeID: prize.ID, Kind: supply.Kind}

	switch supply.Kind {
	case SupplyCyclic:
		w := s.Calendar.WindowFor(supply, asOf)
		consumed, err := s.Store.CountPurchases(ctx, prize.ID, &w)
		if err != nil {
			return StockLevel{}, err
		}
		level.Window = &w
		level.Capacity = supply.SpacesPerCycle
		level.Consumed = consumed
		level.Raw = supply.SpacesPerCycle - consumed

	default:
		totals, err := s.Store.StockTotals(ctx, prize.ID)
		if err != nil {
			return StockLevel{}, err
		}
		consumed, err := s.Store.CountPurchases(ctx, prize.ID, nil)
		if err != nil {
			return StockLevel{}, err
		}
		level.Totals = totals
		level.Consumed = consumed
		level.Raw = totals.TotalEverStocked + totals.SpoilageAdjustment - consumed
	}

	level.Available = level.Raw
	if level.Available < 0 {
		level.Available = 0
	}
	return level, nil
}

// CheckAvailability reports whether at least one unit is available.
func (s *StockEngine) CheckAvailability(ctx context.Context, prizeID PrizeID, asOf time.Time) (AvailabilityCheck, error) {
	level, err := s.AvailableUnits(ctx, prizeID, asOf)
	if err != nil {
		return AvailabilityCheck{}, err
	}
	return AvailabilityCheck{OK: level.Available > 0, Available: level.Available, Level: level}, nil
}

// RecordSpoilage logs lostUnits as lost or damaged. Perpetual prizes only.
func (s *StockEngine) RecordSpoilage(ctx context.Context, prizeID PrizeID, lostUnits int, reason string) (*StockAdjustment, error) {
	return s.adjust(ctx, prizeID, AdjustSpoilage, lostUnits, reason)
}

// Restock logs units added to a perpetual prize's supply.
func (s *StockEngine) Restock(ctx context.Context, prizeID PrizeID, units int, reason string) (*StockAdjustment, error) {
	return s.adjust(ctx, prizeID, AdjustRestock, units, reason)
}

// Adjustments returns the prize's stock log, oldest first.
func (s *StockEngine) Adjustments(ctx context.Context, prizeID PrizeID) ([]StockAdjustment, error) {
	if !prizeID.Valid() {
		return nil, ErrInvalidIdentifier
	}
	if _, err := s.Store.GetPrize(ctx, prizeID); err != nil {
		return nil, err
	}
	return s.Store.Adjustments(ctx, prizeID)
}

func (s *StockEngine) adjust(ctx context.Context, prizeID PrizeID, kind AdjustmentKind, units int, reason string) (*StockAdjustment, error) {
	if units < 0 {
		return nil, ErrInvalidAmount
	}
	if !prizeID.Valid() {
		return nil, ErrInvalidIdentifier
	}
	prize, err := s.Store.GetPrize(ctx, prizeID)
	if err != nil {
		return nil, err
	}
	if prize.Supply.IsCyclic() {
		return nil, ErrNotApplicableForCyclicPrize
	}

	delta := units
	if kind == AdjustSpoilage {
		delta = -units
	}
	adj := StockAdjustment{
		ID:        AdjustmentID(uuid.NewString()),
		PrizeID:   prizeID,
		Kind:      kind,
		Delta:     delta,
		Reason:    reason,
		CreatedAt: s.now(),
	}
	if err := s.Store.AppendAdjustment(ctx, adj); err != nil {
		return nil, err
	}
	return &adj, nil
}

func (s *StockEngine) now() time.Time {
	if s.Now == nil {
		return time.Now()
	}
	return s.Now()
}
