package merit

import (
	"context"
	"strings"
	"time"
)

// =============================================================================
// CATALOG - Prize configuration
// =============================================================================

// Catalog manages prize configuration. Changing a prize's supply policy is
// a configuration change only: purchases and adjustments are untouched and
// availability is re-derived under the new policy.
type Catalog struct {
	Store Store
	Stock *StockEngine
	Now   func() time.Time
}

func NewCatalog(store Store, stock *StockEngine) *Catalog {
	return &Catalog{Store: store, Stock: stock, Now: time.Now}
}

// PrizeStock pairs a prize with its stock level at the time of listing.
type PrizeStock struct {
	Prize Prize
	Level StockLevel
}

// SavePrize validates, normalizes and upserts a prize.
func (c *Catalog) SavePrize(ctx context.Context, p Prize) (*Prize, error) {
	if !p.ID.Valid() {
		return nil, ErrInvalidIdentifier
	}
	if p.CostMerits < 0 || p.CostMoney.IsNegative() {
		return nil, ErrInvalidAmount
	}
	p.Description = strings.TrimSpace(p.Description)
	p.Supply = p.Supply.Normalize()
	if err := p.Supply.Validate(); err != nil {
		return nil, err
	}

	now := c.now()
	existing, err := c.Store.GetPrize(ctx, p.ID)
	switch {
	case err == nil:
		p.CreatedAt = existing.CreatedAt
	case IsNotFound(err):
		p.CreatedAt = now
	default:
		return nil, err
	}
	p.UpdatedAt = now

	if err := c.Store.SavePrize(ctx, p); err != nil {
		return nil, err
	}
	return &p, nil
}

// SetSupplyKind switches a prize between perpetual and cyclic. A cyclic
// prize without spaces gets one space so the policy stays valid.
func (c *Catalog) SetSupplyKind(ctx context.Context, id PrizeID, cyclic bool) (*Prize, error) {
	p, err := c.get(ctx, id)
	if err != nil {
		return nil, err
	}
	if cyclic {
		p.Supply.Kind = SupplyCyclic
		if p.Supply.SpacesPerCycle < 1 {
			p.Supply.SpacesPerCycle = 1
		}
	} else {
		p.Supply.Kind = SupplyPerpetual
	}
	return c.SavePrize(ctx, *p)
}

// Deactivate hides a prize from redemption. Prizes are never deleted.
func (c *Catalog) Deactivate(ctx context.Context, id PrizeID) (*Prize, error) {
	p, err := c.get(ctx, id)
	if err != nil {
		return nil, err
	}
	p.Active = false
	return c.SavePrize(ctx, *p)
}

// ListPrizes returns prizes with their current stock level.
func (c *Catalog) ListPrizes(ctx context.Context, activeOnly bool) ([]PrizeStock, error) {
	prizes, err := c.Store.ListPrizes(ctx, activeOnly)
	if err != nil {
		return nil, err
	}
	now := c.now()
	out := make([]PrizeStock, 0, len(prizes))
	for i := range prizes {
		level, err := c.Stock.levelFor(ctx, &prizes[i], now)
		if err != nil {
			return nil, err
		}
		out = append(out, PrizeStock{Prize: prizes[i], Level: level})
	}
	return out, nil
}

func (c *Catalog) get(ctx context.Context, id PrizeID) (*Prize, error) {
	if !id.Valid() {
		return nil, ErrInvalidIdentifier
	}
	return c.Store.GetPrize(ctx, id)
}

func (c *Catalog) now() time.Time {
	if c.Now == nil {
		return time.Now()
	}
	return c.Now()
}
