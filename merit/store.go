/*
store.go - Persistence interfaces

PURPOSE:
  Defines the boundary between the engine and the relational store. The
  store is the only shared mutable resource and the only serialization
  point for concurrent request handlers.

KEY INTERFACES:
  Store:   Reads plus the append-only writes (awards, stock adjustments)
           and catalog configuration.
  Tx:      A Store bound to one database transaction, with row locks and
           the ONLY purchase write methods. Purchases can therefore only be
           written from inside WithTx, which is where the gate lives.
  TxStore: A Store that can open a Tx.

DERIVED READS:
  TotalAwarded, SpentMerits, StockTotals and CountPurchases are the raw
  aggregates behind the ledger and the stock engine. Every one of them
  excludes nothing but what the query says: SpentMerits and CountPurchases
  skip refunded purchases, which is how a refund restores balance and stock.

IMPLEMENTATIONS:
  - merit/store/memory.go:  In-memory, for tests and the "memory" driver
  - store/sqlite/sqlite.go: SQLite (default driver)
  - store/postgres:         PostgreSQL with FOR UPDATE row locks
*/
package merit

import "context"

// Store handles persistence of pupils, awards, prizes, stock adjustments
// and purchase reads.
type Store interface {
	// Pupils. GetPupil returns ErrPupilNotFound when missing.
	SavePupil(ctx context.Context, p Pupil) error
	GetPupil(ctx context.Context, id PupilID) (*Pupil, error)
	ListPupils(ctx context.Context) ([]Pupil, error)

	// Awards (append-only).
	AppendAward(ctx context.Context, a MeritAward) error
	Awards(ctx context.Context, pupilID PupilID) ([]MeritAward, error)
	TotalAwarded(ctx context.Context, pupilID PupilID) (int, error)

	// Prizes. GetPrize returns ErrPrizeNotFound when missing.
	SavePrize(ctx context.Context, p Prize) error
	GetPrize(ctx context.Context, id PrizeID) (*Prize, error)
	ListPrizes(ctx context.Context, activeOnly bool) ([]Prize, error)

	// Stock adjustments (append-only).
	AppendAdjustment(ctx context.Context, a StockAdjustment) error
	Adjustments(ctx context.Context, prizeID PrizeID) ([]StockAdjustment, error)
	StockTotals(ctx context.Context, prizeID PrizeID) (StockTotals, error)

	// Purchase reads. GetPurchase returns ErrPurchaseNotFound when missing.
	GetPurchase(ctx context.Context, id PurchaseID) (*Purchase, error)
	ListPurchases(ctx context.Context, filter PurchaseFilter) ([]Purchase, error)

	// SpentMerits sums CostMerits over the pupil's non-refunded purchases.
	SpentMerits(ctx context.Context, pupilID PupilID) (int, error)

	// CountPurchases counts the prize's non-refunded purchases. A nil
	// window counts all of them; otherwise CreatedAt must fall in
	// [window.Start, window.End).
	CountPurchases(ctx context.Context, prizeID PrizeID, window *Window) (int, error)
}

// Tx is a Store bound to a single database transaction.
type Tx interface {
	Store

	// LockPupil takes a write lock on the pupil row for the rest of the
	// transaction. Returns ErrPupilNotFound when missing.
	LockPupil(ctx context.Context, id PupilID) error

	// LockPrize takes a write lock on the prize row for the rest of the
	// transaction. Returns ErrPrizeNotFound when missing.
	LockPrize(ctx context.Context, id PrizeID) error

	// LockPurchase reads the purchase and locks its row for the rest of the
	// transaction. Returns ErrPurchaseNotFound when missing.
	LockPurchase(ctx context.Context, id PurchaseID) (*Purchase, error)

	// InsertPurchase persists a new purchase.
	InsertPurchase(ctx context.Context, p Purchase) error

	// UpdatePurchase persists Status and FulfilledAt. No other field of a
	// purchase ever changes.
	UpdatePurchase(ctx context.Context, p Purchase) error
}

// TxStore wraps Store with transaction support.
type TxStore interface {
	Store

	// WithTx executes fn within a transaction.
	// If fn returns error, the transaction is rolled back.
	// If fn returns nil, the transaction is committed. A commit that fails
	// because of a conflicting writer returns ErrConcurrentModification.
	WithTx(ctx context.Context, fn func(Tx) error) error
}
