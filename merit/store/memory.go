// Package store provides Store implementations.
package store

import (
	"context"
	"sort"
	"sync"

	"github.com/housepoints/merit-engine/merit"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory implements merit.TxStore. WithTx holds the write lock for the whole
// transaction, so transactions are fully serialized.
type Memory struct {
	mu sync.RWMutex
	d  *data
}

type data struct {
	pupils      map[merit.PupilID]merit.Pupil
	awards      map[merit.PupilID][]merit.MeritAward
	prizes      map[merit.PrizeID]merit.Prize
	adjustments map[merit.PrizeID][]merit.StockAdjustment
	purchases   map[merit.PurchaseID]merit.Purchase
	order       []merit.PurchaseID
}

func newData() *data {
	return &data{
		pupils:      make(map[merit.PupilID]merit.Pupil),
		awards:      make(map[merit.PupilID][]merit.MeritAward),
		prizes:      make(map[merit.PrizeID]merit.Prize),
		adjustments: make(map[merit.PrizeID][]merit.StockAdjustment),
		purchases:   make(map[merit.PurchaseID]merit.Purchase),
	}
}

func NewMemory() *Memory {
	return &Memory{d: newData()}
}

// Reset clears all data.
func (m *Memory) Reset(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.d = newData()
	return nil
}

// Close is a no-op; it lets Memory stand in for the SQL stores.
func (m *Memory) Close() error { return nil }

func (m *Memory) SavePupil(_ context.Context, p merit.Pupil) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.d.savePupil(p)
}

func (m *Memory) GetPupil(_ context.Context, id merit.PupilID) (*merit.Pupil, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.d.getPupil(id)
}

func (m *Memory) ListPupils(_ context.Context) ([]merit.Pupil, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.d.listPupils(), nil
}

func (m *Memory) AppendAward(_ context.Context, a merit.MeritAward) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.d.appendAward(a)
}

func (m *Memory) Awards(_ context.Context, pupilID merit.PupilID) ([]merit.MeritAward, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]merit.MeritAward(nil), m.d.awards[pupilID]...), nil
}

func (m *Memory) TotalAwarded(_ context.Context, pupilID merit.PupilID) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.d.totalAwarded(pupilID), nil
}

func (m *Memory) SavePrize(_ context.Context, p merit.Prize) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.d.prizes[p.ID] = p
	return nil
}

func (m *Memory) GetPrize(_ context.Context, id merit.PrizeID) (*merit.Prize, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.d.getPrize(id)
}

func (m *Memory) ListPrizes(_ context.Context, activeOnly bool) ([]merit.Prize, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.d.listPrizes(activeOnly), nil
}

func (m *Memory) AppendAdjustment(_ context.Context, a merit.StockAdjustment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.d.adjustments[a.PrizeID] = append(m.d.adjustments[a.PrizeID], a)
	return nil
}

func (m *Memory) Adjustments(_ context.Context, prizeID merit.PrizeID) ([]merit.StockAdjustment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]merit.StockAdjustment(nil), m.d.adjustments[prizeID]...), nil
}

func (m *Memory) StockTotals(_ context.Context, prizeID merit.PrizeID) (merit.StockTotals, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.d.stockTotals(prizeID), nil
}

func (m *Memory) GetPurchase(_ context.Context, id merit.PurchaseID) (*merit.Purchase, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.d.getPurchase(id)
}

func (m *Memory) ListPurchases(_ context.Context, f merit.PurchaseFilter) ([]merit.Purchase, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.d.listPurchases(f), nil
}

func (m *Memory) SpentMerits(_ context.Context, pupilID merit.PupilID) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.d.spentMerits(pupilID), nil
}

func (m *Memory) CountPurchases(_ context.Context, prizeID merit.PrizeID, w *merit.Window) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.d.countPurchases(prizeID, w), nil
}

// =============================================================================
// TRANSACTIONAL MEMORY STORE
// =============================================================================

// WithTx executes fn within a transaction.
// For memory store, this is simulated with a snapshot + rollback on error.
func (m *Memory) WithTx(ctx context.Context, fn func(merit.Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.d.clone()
	if err := fn(&txView{d: m.d}); err != nil {
		m.d = snapshot
		return err
	}
	return nil
}

// txView runs under the parent's write lock.
type txView struct {
	d *data
}

func (tv *txView) SavePupil(_ context.Context, p merit.Pupil) error { return tv.d.savePupil(p) }
func (tv *txView) GetPupil(_ context.Context, id merit.PupilID) (*merit.Pupil, error) {
	return tv.d.getPupil(id)
}
func (tv *txView) ListPupils(_ context.Context) ([]merit.Pupil, error) { return tv.d.listPupils(), nil }
func (tv *txView) AppendAward(_ context.Context, a merit.MeritAward) error {
	return tv.d.appendAward(a)
}
func (tv *txView) Awards(_ context.Context, pupilID merit.PupilID) ([]merit.MeritAward, error) {
	return append([]merit.MeritAward(nil), tv.d.awards[pupilID]...), nil
}
func (tv *txView) TotalAwarded(_ context.Context, pupilID merit.PupilID) (int, error) {
	return tv.d.totalAwarded(pupilID), nil
}
func (tv *txView) SavePrize(_ context.Context, p merit.Prize) error {
	tv.d.prizes[p.ID] = p
	return nil
}
func (tv *txView) GetPrize(_ context.Context, id merit.PrizeID) (*merit.Prize, error) {
	return tv.d.getPrize(id)
}
func (tv *txView) ListPrizes(_ context.Context, activeOnly bool) ([]merit.Prize, error) {
	return tv.d.listPrizes(activeOnly), nil
}
func (tv *txView) AppendAdjustment(_ context.Context, a merit.StockAdjustment) error {
	tv.d.adjustments[a.PrizeID] = append(tv.d.adjustments[a.PrizeID], a)
	return nil
}
func (tv *txView) Adjustments(_ context.Context, prizeID merit.PrizeID) ([]merit.StockAdjustment, error) {
	return append([]merit.StockAdjustment(nil), tv.d.adjustments[prizeID]...), nil
}
func (tv *txView) StockTotals(_ context.Context, prizeID merit.PrizeID) (merit.StockTotals, error) {
	return tv.d.stockTotals(prizeID), nil
}
func (tv *txView) GetPurchase(_ context.Context, id merit.PurchaseID) (*merit.Purchase, error) {
	return tv.d.getPurchase(id)
}
func (tv *txView) ListPurchases(_ context.Context, f merit.PurchaseFilter) ([]merit.Purchase, error) {
	return tv.d.listPurchases(f), nil
}
func (tv *txView) SpentMerits(_ context.Context, pupilID merit.PupilID) (int, error) {
	return tv.d.spentMerits(pupilID), nil
}
func (tv *txView) CountPurchases(_ context.Context, prizeID merit.PrizeID, w *merit.Window) (int, error) {
	return tv.d.countPurchases(prizeID, w), nil
}

func (tv *txView) LockPupil(_ context.Context, id merit.PupilID) error {
	_, err := tv.d.getPupil(id)
	return err
}

func (tv *txView) LockPrize(_ context.Context, id merit.PrizeID) error {
	_, err := tv.d.getPrize(id)
	return err
}

func (tv *txView) LockPurchase(_ context.Context, id merit.PurchaseID) (*merit.Purchase, error) {
	return tv.d.getPurchase(id)
}

func (tv *txView) InsertPurchase(_ context.Context, p merit.Purchase) error {
	tv.d.purchases[p.ID] = p
	tv.d.order = append(tv.d.order, p.ID)
	return nil
}

func (tv *txView) UpdatePurchase(_ context.Context, p merit.Purchase) error {
	existing, ok := tv.d.purchases[p.ID]
	if !ok {
		return merit.ErrPurchaseNotFound
	}
	existing.Status = p.Status
	existing.FulfilledAt = p.FulfilledAt
	tv.d.purchases[p.ID] = existing
	return nil
}

// =============================================================================
// UNLOCKED OPERATIONS
// =============================================================================

func (d *data) clone() *data {
	c := newData()
	for k, v := range d.pupils {
		c.pupils[k] = v
	}
	for k, v := range d.awards {
		c.awards[k] = append([]merit.MeritAward(nil), v...)
	}
	for k, v := range d.prizes {
		c.prizes[k] = v
	}
	for k, v := range d.adjustments {
		c.adjustments[k] = append([]merit.StockAdjustment(nil), v...)
	}
	for k, v := range d.purchases {
		c.purchases[k] = v
	}
	c.order = append([]merit.PurchaseID(nil), d.order...)
	return c
}

func (d *data) savePupil(p merit.Pupil) error {
	d.pupils[p.ID] = p
	return nil
}

func (d *data) getPupil(id merit.PupilID) (*merit.Pupil, error) {
	p, ok := d.pupils[id]
	if !ok {
		return nil, merit.ErrPupilNotFound
	}
	return &p, nil
}

func (d *data) listPupils() []merit.Pupil {
	out := make([]merit.Pupil, 0, len(d.pupils))
	for _, p := range d.pupils {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].LastName != out[j].LastName {
			return out[i].LastName < out[j].LastName
		}
		return out[i].FirstName < out[j].FirstName
	})
	return out
}

func (d *data) appendAward(a merit.MeritAward) error {
	if _, ok := d.pupils[a.PupilID]; !ok {
		return merit.ErrPupilNotFound
	}
	d.awards[a.PupilID] = append(d.awards[a.PupilID], a)
	return nil
}

func (d *data) totalAwarded(pupilID merit.PupilID) int {
	total := 0
	for _, a := range d.awards[pupilID] {
		total += a.Amount
	}
	return total
}

func (d *data) getPrize(id merit.PrizeID) (*merit.Prize, error) {
	p, ok := d.prizes[id]
	if !ok {
		return nil, merit.ErrPrizeNotFound
	}
	return &p, nil
}

func (d *data) listPrizes(activeOnly bool) []merit.Prize {
	out := make([]merit.Prize, 0, len(d.prizes))
	for _, p := range d.prizes {
		if activeOnly && !p.Active {
			continue
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Active != out[j].Active {
			return out[i].Active
		}
		return out[i].Description < out[j].Description
	})
	return out
}

func (d *data) stockTotals(prizeID merit.PrizeID) merit.StockTotals {
	var t merit.StockTotals
	for _, a := range d.adjustments[prizeID] {
		switch a.Kind {
		case merit.AdjustRestock:
			t.TotalEverStocked += a.Delta
		case merit.AdjustSpoilage:
			t.SpoilageAdjustment += a.Delta
		}
	}
	return t
}

func (d *data) getPurchase(id merit.PurchaseID) (*merit.Purchase, error) {
	p, ok := d.purchases[id]
	if !ok {
		return nil, merit.ErrPurchaseNotFound
	}
	return &p, nil
}

func (d *data) listPurchases(f merit.PurchaseFilter) []merit.Purchase {
	var out []merit.Purchase
	for i := len(d.order) - 1; i >= 0; i-- {
		p := d.purchases[d.order[i]]
		if f.Status != "" && p.Status != f.Status {
			continue
		}
		if f.PupilID != "" && p.PupilID != f.PupilID {
			continue
		}
		if f.PrizeID != "" && p.PrizeID != f.PrizeID {
			continue
		}
		if f.FormName != "" || f.YearGroup != 0 {
			pupil := d.pupils[p.PupilID]
			if f.FormName != "" && pupil.FormName != f.FormName {
				continue
			}
			if f.YearGroup != 0 && pupil.YearGroup != f.YearGroup {
				continue
			}
		}
		if f.From != nil && p.CreatedAt.Before(*f.From) {
			continue
		}
		if f.To != nil && !p.CreatedAt.Before(*f.To) {
			continue
		}
		out = append(out, p)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out
}

func (d *data) spentMerits(pupilID merit.PupilID) int {
	total := 0
	for _, p := range d.purchases {
		if p.PupilID == pupilID && p.Counts() {
			total += p.CostMerits
		}
	}
	return total
}

func (d *data) countPurchases(prizeID merit.PrizeID, w *merit.Window) int {
	n := 0
	for _, p := range d.purchases {
		if p.PrizeID != prizeID || !p.Counts() {
			continue
		}
		if w != nil && !w.Contains(p.CreatedAt) {
			continue
		}
		n++
	}
	return n
}
