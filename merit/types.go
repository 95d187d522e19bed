/*
Package merit provides the redemption engine for the merit shop.

PURPOSE:
  Staff award merit points to pupils and pupils redeem them for physical
  prizes. This package owns the two guarantees that must never break under
  concurrent use:
    1. A pupil cannot spend more merits than they have remaining.
    2. A prize cannot be handed out beyond its available supply.

KEY CONCEPTS IN THIS FILE (types.go):
  - Pupil:        Minimal record used for existence checks and grouping
  - MeritAward:   Immutable grant of points to a pupil
  - Prize:        Catalog item with a SupplyPolicy
  - SupplyPolicy: Perpetual (restock/spoilage log) or Cyclic (spaces per window)
  - Purchase:     One redemption, cost frozen at creation time

DESIGN PRINCIPLES:
  1. Derived, not stored: remaining balance and available stock are always
     computed from awards, purchases and stock adjustments. There is no
     mutable balance or stock column anywhere.
  2. Append-only history: awards and stock adjustments are never edited,
     purchases are never deleted.
  3. Refund by exclusion: a refunded purchase simply stops counting in the
     balance and stock queries.

SEE ALSO:
  - ledger.go:    Remaining balance
  - stock.go:     Available units
  - lifecycle.go: Purchase state machine
  - gate.go:      The only write path for purchases
*/
package merit

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type PupilID string
type PrizeID string
type PurchaseID string
type AwardID string
type AdjustmentID string

// Valid reports whether the identifier is usable as a store key.
func (id PupilID) Valid() bool    { return validID(string(id)) }
func (id PrizeID) Valid() bool    { return validID(string(id)) }
func (id PurchaseID) Valid() bool { return validID(string(id)) }

func validID(s string) bool {
	return s != "" && len(s) <= 64 && strings.TrimSpace(s) == s
}

// =============================================================================
// PUPIL
// =============================================================================

// Pupil is the slice of the pupil record the engine needs. Full pupil and
// form management lives outside this package.
type Pupil struct {
	ID        PupilID
	FirstName string
	LastName  string
	FormName  string
	YearGroup int
	Active    bool
	CreatedAt time.Time
}

func (p Pupil) FullName() string {
	return strings.TrimSpace(p.FirstName + " " + p.LastName)
}

// =============================================================================
// MERIT AWARD - Append-only grant of points
// =============================================================================

type MeritAward struct {
	ID        AwardID
	PupilID   PupilID
	Amount    int
	Reason    string
	AwardedAt time.Time
}

// =============================================================================
// PRIZE + SUPPLY POLICY
// =============================================================================

type SupplyKind string

const (
	SupplyPerpetual SupplyKind = "perpetual"
	SupplyCyclic    SupplyKind = "cyclic"
)

// SupplyPolicy describes how a prize's available units are derived.
//
// Perpetual prizes take their totals from the stock adjustment log
// (restocks add, spoilage subtracts). Cyclic prizes have SpacesPerCycle
// redemption slots in every cycle window.
type SupplyPolicy struct {
	Kind SupplyKind

	// Cyclic only
	SpacesPerCycle   int
	CycleLengthWeeks int
	ResetDayOfWeek   int // ISO weekday, 1 = Monday ... 7 = Sunday
}

const (
	MaxCycleLengthWeeks = 52
)

// Normalize clamps the cyclic fields into their allowed ranges. It does not
// fix SpacesPerCycle; Validate rejects a cyclic policy with no spaces.
func (sp SupplyPolicy) Normalize() SupplyPolicy {
	if sp.Kind == "" {
		sp.Kind = SupplyPerpetual
	}
	sp.CycleLengthWeeks = clamp(sp.CycleLengthWeeks, 0, MaxCycleLengthWeeks)
	sp.ResetDayOfWeek = clamp(sp.ResetDayOfWeek, 1, 7)
	if sp.SpacesPerCycle < 0 {
		sp.SpacesPerCycle = 0
	}
	return sp
}

// Validate checks the invariants of a normalized policy.
func (sp SupplyPolicy) Validate() error {
	switch sp.Kind {
	case SupplyPerpetual:
		return nil
	case SupplyCyclic:
		if sp.SpacesPerCycle < 1 {
			return &PolicyError{Field: "spaces_per_cycle", Reason: "must be at least 1 for a cyclic prize"}
		}
		return nil
	default:
		return &PolicyError{Field: "kind", Reason: "unknown supply kind " + string(sp.Kind)}
	}
}

func (sp SupplyPolicy) IsCyclic() bool { return sp.Kind == SupplyCyclic }

type Prize struct {
	ID          PrizeID
	Description string
	CostMerits  int
	CostMoney   decimal.Decimal // display only
	ImagePath   string
	Active      bool
	Supply      SupplyPolicy
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// =============================================================================
// STOCK ADJUSTMENT - Append-only log for perpetual prizes
// =============================================================================

type AdjustmentKind string

const (
	AdjustRestock  AdjustmentKind = "restock"
	AdjustSpoilage AdjustmentKind = "spoilage"
)

// StockAdjustment is one entry of a prize's stock log. Restocks carry a
// positive Delta, spoilage a negative one.
type StockAdjustment struct {
	ID        AdjustmentID
	PrizeID   PrizeID
	Kind      AdjustmentKind
	Delta     int
	Reason    string
	CreatedAt time.Time
}

// StockTotals are the sums of a prize's adjustment log.
type StockTotals struct {
	TotalEverStocked   int
	SpoilageAdjustment int
}

// =============================================================================
// PURCHASE
// =============================================================================

type PurchaseStatus string

const (
	StatusPending   PurchaseStatus = "pending"
	StatusCollected PurchaseStatus = "collected"
	StatusRefunded  PurchaseStatus = "refunded"
)

func (s PurchaseStatus) Valid() bool {
	switch s {
	case StatusPending, StatusCollected, StatusRefunded:
		return true
	}
	return false
}

// Purchase is one redemption. CostMerits is frozen when the purchase is
// created so later price edits never rewrite history.
type Purchase struct {
	ID          PurchaseID
	PupilID     PupilID
	PrizeID     PrizeID
	CostMerits  int
	Status      PurchaseStatus
	CreatedAt   time.Time
	FulfilledAt *time.Time
}

// Counts reports whether the purchase still consumes balance and stock.
func (p Purchase) Counts() bool { return p.Status != StatusRefunded }

// PurchaseFilter selects purchases for listings and reports. Zero values
// mean "no filter".
type PurchaseFilter struct {
	Status  PurchaseStatus
	PupilID PupilID
	PrizeID PrizeID

	// FormName and YearGroup match against the purchasing pupil.
	FormName  string
	YearGroup int

	From  *time.Time // inclusive, on CreatedAt
	To    *time.Time // exclusive, on CreatedAt
	Limit int
}

// PurchaseSummary counts purchases per status.
type PurchaseSummary struct {
	Total     int `json:"total"`
	Pending   int `json:"pending"`
	Collected int `json:"collected"`
	Refunded  int `json:"refunded"`
}

func Summarize(purchases []Purchase) PurchaseSummary {
	var s PurchaseSummary
	for _, p := range purchases {
		s.Total++
		switch p.Status {
		case StatusPending:
			s.Pending++
		case StatusCollected:
			s.Collected++
		case StatusRefunded:
			s.Refunded++
		}
	}
	return s
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
