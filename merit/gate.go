/*
gate.go - The only write path for purchases

PURPOSE:
  PurchaseGate couples the Ledger and the StockEngine. It creates purchases
  and drives them through the lifecycle, and it is the only component that
  ever writes a purchase row.

CREATE FLOW (one database transaction):
  1. Lock the prize row, fail PrizeNotFound if missing or inactive
  2. Lock the pupil row, fail PupilNotFound if missing
  3. StockEngine check      → OutOfStock
  4. Ledger check           → InsufficientBalance
  5. Insert pending purchase with the cost frozen
  6. Recompute the remaining balance (never decremented in memory)

  Locks are always taken prize first, then pupil. Two requests for the same
  prize or the same pupil serialize on the shared row; the fixed order means
  no two creates can wait on each other in a cycle.

CONFLICTS:
  A store may still abort a transaction (serialization failure, busy
  database). Those come back as ErrConcurrentModification and the gate
  retries up to MaxRetries times. When retries run out, the request is
  re-evaluated read-only so the caller gets OutOfStock or
  InsufficientBalance if that is now the truth, and the conflict otherwise.

REFUND:
  Idempotent. Refunding a refunded purchase succeeds and returns the
  current balance and stock unchanged.
*/
package merit

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const DefaultMaxRetries = 3

// Receipt is returned by Create.
type Receipt struct {
	Purchase         Purchase
	RemainingBalance int
	Stock            StockLevel
}

// RefundResult is returned by Refund. RestoredBalance and RestoredStock are
// the pupil's remaining balance and the prize's available units after the
// refund.
type RefundResult struct {
	Purchase        Purchase
	RestoredBalance int
	RestoredStock   StockLevel
	AlreadyRefunded bool
}

// =============================================================================
// PURCHASE GATE
// =============================================================================

type PurchaseGate struct {
	Store      TxStore
	Calendar   CycleCalendar
	MaxRetries int
	Logger     *zap.Logger

	Now   func() time.Time
	NewID func() PurchaseID
}

func NewPurchaseGate(store TxStore, calendar CycleCalendar, logger *zap.Logger) *PurchaseGate {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PurchaseGate{
		Store:      store,
		Calendar:   calendar,
		MaxRetries: DefaultMaxRetries,
		Logger:     logger,
		Now:        time.Now,
		NewID:      func() PurchaseID { return PurchaseID(uuid.NewString()) },
	}
}

// Create redeems prizeID for pupilID.
func (g *PurchaseGate) Create(ctx context.Context, pupilID PupilID, prizeID PrizeID) (*Receipt, error) {
	if !pupilID.Valid() || !prizeID.Valid() {
		return nil, ErrInvalidIdentifier
	}

	var receipt *Receipt
	err := g.retry(ctx, func() error {
		return g.Store.WithTx(ctx, func(tx Tx) error {
			r, err := g.createTx(ctx, tx, pupilID, prizeID)
			if err != nil {
				return err
			}
			receipt = r
			return nil
		})
	})

	if IsRetryable(err) {
		g.logger().Warn("purchase create retries exhausted",
			zap.String("pupil_id", string(pupilID)),
			zap.String("prize_id", string(prizeID)),
			zap.Error(err))
		if rejection := g.evaluate(ctx, pupilID, prizeID); rejection != nil {
			return nil, rejection
		}
		return nil, err
	}
	if err != nil {
		g.logFailure("purchase create rejected", err,
			zap.String("pupil_id", string(pupilID)),
			zap.String("prize_id", string(prizeID)))
		return nil, err
	}

	g.logger().Info("purchase created",
		zap.String("purchase_id", string(receipt.Purchase.ID)),
		zap.String("pupil_id", string(pupilID)),
		zap.String("prize_id", string(prizeID)),
		zap.Int("cost", receipt.Purchase.CostMerits),
		zap.Int("remaining", receipt.RemainingBalance))
	return receipt, nil
}

func (g *PurchaseGate) createTx(ctx context.Context, tx Tx, pupilID PupilID, prizeID PrizeID) (*Receipt, error) {
	if err := tx.LockPrize(ctx, prizeID); err != nil {
		return nil, err
	}
	prize, err := tx.GetPrize(ctx, prizeID)
	if err != nil {
		return nil, err
	}
	if !prize.Active {
		return nil, ErrPrizeNotFound
	}
	if err := tx.LockPupil(ctx, pupilID); err != nil {
		return nil, err
	}

	now := g.now()
	stock := &StockEngine{Store: tx, Calendar: g.Calendar, Now: g.Now}
	level, err := stock.levelFor(ctx, prize, now)
	if err != nil {
		return nil, err
	}
	if level.Available <= 0 {
		return nil, &OutOfStockError{PrizeID: prizeID, Kind: level.Kind, Available: level.Available}
	}

	ledger := &Ledger{Store: tx, Now: g.Now}
	bal, err := ledger.balance(ctx, pupilID)
	if err != nil {
		return nil, err
	}
	if bal.Remaining < prize.CostMerits {
		return nil, &InsufficientBalanceError{PupilID: pupilID, Have: bal.Remaining, Need: prize.CostMerits}
	}

	purchase := NewPendingPurchase(g.newID(), pupilID, *prize, now)
	if err := tx.InsertPurchase(ctx, purchase); err != nil {
		return nil, err
	}

	after, err := ledger.balance(ctx, pupilID)
	if err != nil {
		return nil, err
	}
	stockAfter, err := stock.levelFor(ctx, prize, now)
	if err != nil {
		return nil, err
	}
	return &Receipt{Purchase: purchase, RemainingBalance: after.Remaining, Stock: stockAfter}, nil
}

// evaluate re-runs the checks outside a transaction after a conflict.
func (g *PurchaseGate) evaluate(ctx context.Context, pupilID PupilID, prizeID PrizeID) error {
	stock := &StockEngine{Store: g.Store, Calendar: g.Calendar, Now: g.Now}
	avail, err := stock.CheckAvailability(ctx, prizeID, g.now())
	if err != nil {
		return nil
	}
	if !avail.OK {
		return &OutOfStockError{PrizeID: prizeID, Kind: avail.Level.Kind, Available: avail.Available}
	}
	prize, err := g.Store.GetPrize(ctx, prizeID)
	if err != nil {
		return nil
	}
	ledger := &Ledger{Store: g.Store, Now: g.Now}
	bal, err := ledger.CheckBalance(ctx, pupilID, prize.CostMerits)
	if err != nil {
		return nil
	}
	if !bal.OK {
		return &InsufficientBalanceError{PupilID: pupilID, Have: bal.Remaining, Need: prize.CostMerits}
	}
	return nil
}

// Collect drives pending → collected.
func (g *PurchaseGate) Collect(ctx context.Context, purchaseID PurchaseID) (*Purchase, error) {
	if !purchaseID.Valid() {
		return nil, ErrInvalidIdentifier
	}

	var result Purchase
	err := g.retry(ctx, func() error {
		return g.Store.WithTx(ctx, func(tx Tx) error {
			p, err := tx.LockPurchase(ctx, purchaseID)
			if err != nil {
				return err
			}
			changed, err := p.Collect(g.now())
			if err != nil {
				return err
			}
			if changed {
				if err := tx.UpdatePurchase(ctx, *p); err != nil {
					return err
				}
			}
			result = *p
			return nil
		})
	})
	if err != nil {
		g.logFailure("purchase collect rejected", err, zap.String("purchase_id", string(purchaseID)))
		return nil, err
	}

	g.logger().Info("purchase collected", zap.String("purchase_id", string(purchaseID)))
	return &result, nil
}

// Refund drives pending|collected → refunded. Idempotent.
func (g *PurchaseGate) Refund(ctx context.Context, purchaseID PurchaseID) (*RefundResult, error) {
	if !purchaseID.Valid() {
		return nil, ErrInvalidIdentifier
	}

	var result *RefundResult
	err := g.retry(ctx, func() error {
		return g.Store.WithTx(ctx, func(tx Tx) error {
			p, err := tx.LockPurchase(ctx, purchaseID)
			if err != nil {
				return err
			}

			changed := p.Refund(g.now())
			if changed {
				if err := tx.UpdatePurchase(ctx, *p); err != nil {
					return err
				}
			}

			ledger := &Ledger{Store: tx, Now: g.Now}
			bal, err := ledger.balance(ctx, p.PupilID)
			if err != nil {
				return err
			}
			stock := &StockEngine{Store: tx, Calendar: g.Calendar, Now: g.Now}
			level, err := stock.AvailableUnits(ctx, p.PrizeID, g.now())
			if err != nil {
				return err
			}

			result = &RefundResult{
				Purchase:        *p,
				RestoredBalance: bal.Remaining,
				RestoredStock:   level,
				AlreadyRefunded: !changed,
			}
			return nil
		})
	})
	if err != nil {
		g.logFailure("purchase refund failed", err, zap.String("purchase_id", string(purchaseID)))
		return nil, err
	}

	g.logger().Info("purchase refunded",
		zap.String("purchase_id", string(purchaseID)),
		zap.Bool("already_refunded", result.AlreadyRefunded),
		zap.Int("remaining", result.RestoredBalance))
	return result, nil
}

// =============================================================================
// HELPERS
// =============================================================================

func (g *PurchaseGate) retry(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 0; attempt <= g.MaxRetries; attempt++ {
		err = fn()
		if !IsRetryable(err) {
			return err
		}
		if attempt == g.MaxRetries {
			break
		}
		select {
		case <-ctx.Done():
			return errors.Join(err, ctx.Err())
		case <-time.After(time.Duration(attempt+1) * 5 * time.Millisecond):
		}
	}
	return err
}

// logFailure keeps business rejections out of the error log.
func (g *PurchaseGate) logFailure(msg string, err error, fields ...zap.Field) {
	fields = append(fields, zap.Error(err))
	switch {
	case IsBusinessRejection(err), IsNotFound(err), IsClientError(err):
		g.logger().Debug(msg, fields...)
	default:
		g.logger().Error(msg, fields...)
	}
}

func (g *PurchaseGate) logger() *zap.Logger {
	if g.Logger == nil {
		return zap.NewNop()
	}
	return g.Logger
}

func (g *PurchaseGate) now() time.Time {
	if g.Now == nil {
		return time.Now()
	}
	return g.Now()
}

func (g *PurchaseGate) newID() PurchaseID {
	if g.NewID == nil {
		return PurchaseID(uuid.NewString())
	}
	return g.NewID()
}
