/*
ledger.go - Remaining merit balance

PURPOSE:
  The Ledger answers "how many merits can this pupil still spend?".

    remaining = Σ awards − Σ cost of purchases where status ≠ refunded

  The value is always derived. No code path stores a balance, so there is
  nothing that can drift away from the award and purchase history.

CRITICAL INVARIANTS:
  1. Award only ever adds (amount ≥ 0). The ledger never decreases a total.
  2. CheckBalance is read-only.
  3. A refunded purchase stops counting, which restores the balance.

SEE ALSO:
  - importer/importer.go: "never decrease" merge built on Award
  - gate.go: the only caller that checks balance under a lock
*/
package merit

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// BALANCE
// =============================================================================

// Balance is a pupil's derived merit position.
type Balance struct {
	PupilID      PupilID
	TotalAwarded int
	TotalSpent   int
	Remaining    int
}

// BalanceCheck is the result of CheckBalance.
type BalanceCheck struct {
	OK        bool
	Remaining int
}

// =============================================================================
// LEDGER
// =============================================================================

type Ledger struct {
	Store Store
	Now   func() time.Time
}

func NewLedger(store Store) *Ledger {
	return &Ledger{Store: store, Now: time.Now}
}

// Balance derives the pupil's balance. Fails with ErrPupilNotFound for an
// unknown pupil.
func (l *Ledger) Balance(ctx context.Context, pupilID PupilID) (Balance, error) {
	if !pupilID.Valid() {
		return Balance{}, ErrInvalidIdentifier
	}
	if _, err := l.Store.GetPupil(ctx, pupilID); err != nil {
		return Balance{}, err
	}
	return l.balance(ctx, pupilID)
}

// balance skips the existence check; the gate has already locked the row.
func (l *Ledger) balance(ctx context.Context, pupilID PupilID) (Balance, error) {
	awarded, err := l.Store.TotalAwarded(ctx, pupilID)
	if err != nil {
		return Balance{}, err
	}
	spent, err := l.Store.SpentMerits(ctx, pupilID)
	if err != nil {
		return Balance{}, err
	}
	return Balance{
		PupilID:      pupilID,
		TotalAwarded: awarded,
		TotalSpent:   spent,
		Remaining:    awarded - spent,
	}, nil
}

// RemainingBalance is Balance(...).Remaining.
func (l *Ledger) RemainingBalance(ctx context.Context, pupilID PupilID) (int, error) {
	b, err := l.Balance(ctx, pupilID)
	if err != nil {
		return 0, err
	}
	return b.Remaining, nil
}

// CheckBalance reports whether the pupil can afford cost. Read-only.
func (l *Ledger) CheckBalance(ctx context.Context, pupilID PupilID, cost int) (BalanceCheck, error) {
	if cost < 0 {
		return BalanceCheck{}, ErrInvalidAmount
	}
	remaining, err := l.RemainingBalance(ctx, pupilID)
	if err != nil {
		return BalanceCheck{}, err
	}
	return BalanceCheck{OK: remaining >= cost, Remaining: remaining}, nil
}

// Award grants amount merits to the pupil. It never touches purchases.
func (l *Ledger) Award(ctx context.Context, pupilID PupilID, amount int, reason string) (*MeritAward, error) {
	if amount < 0 {
		return nil, ErrInvalidAmount
	}
	if !pupilID.Valid() {
		return nil, ErrInvalidIdentifier
	}
	if _, err := l.Store.GetPupil(ctx, pupilID); err != nil {
		return nil, err
	}

	award := MeritAward{
		ID:        AwardID(uuid.NewString()),
		PupilID:   pupilID,
		Amount:    amount,
		Reason:    reason,
		AwardedAt: l.now(),
	}
	if err := l.Store.AppendAward(ctx, award); err != nil {
		return nil, err
	}
	return &award, nil
}

// =============================================================================
// PUPIL SEARCH
// =============================================================================

// DefaultSearchLimit caps SearchPupils when no limit is given.
const DefaultSearchLimit = 10

// PupilBalance is a search hit with the merits the pupil can still spend.
type PupilBalance struct {
	Pupil
	Remaining int
}

// SearchPupils finds pupils whose id, first, last or full name contains
// query, ignoring case, ordered by last then first name. An empty query
// matches nothing.
func (l *Ledger) SearchPupils(ctx context.Context, query string, limit int) ([]PupilBalance, error) {
	query = strings.ToLower(strings.TrimSpace(query))
	if query == "" {
		return []PupilBalance{}, nil
	}
	if limit <= 0 {
		limit = DefaultSearchLimit
	}

	pupils, err := l.Store.ListPupils(ctx)
	if err != nil {
		return nil, err
	}

	out := []PupilBalance{}
	for _, p := range pupils {
		if len(out) == limit {
			break
		}
		if !matchesPupil(p, query) {
			continue
		}
		b, err := l.balance(ctx, p.ID)
		if err != nil {
			return nil, err
		}
		out = append(out, PupilBalance{Pupil: p, Remaining: b.Remaining})
	}
	return out, nil
}

func matchesPupil(p Pupil, query string) bool {
	for _, field := range []string{string(p.ID), p.FirstName, p.LastName, p.FullName()} {
		if strings.Contains(strings.ToLower(field), query) {
			return true
		}
	}
	return false
}

func (l *Ledger) now() time.Time {
	if l.Now == nil {
		return time.Now()
	}
	return l.Now()
}
