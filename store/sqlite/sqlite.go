/*
Package sqlite provides a SQLite-backed implementation of merit.TxStore.

PURPOSE:
  Default storage driver. The same schema runs on PostgreSQL (see
  store/postgres) with only dialect differences.

APPEND-ONLY ENFORCEMENT:
  - merit_awards and stock_adjustments are INSERT-only
  - purchases are INSERTed by the gate and only status/fulfilled_at are
    ever UPDATEd; rows are never deleted
  - there is no balance or stock column anywhere

KEY TABLES:
  pupils:            Minimal pupil records
  merit_awards:      Append-only merit grants
  prizes:            Catalog + supply policy configuration
  stock_adjustments: Append-only restock/spoilage log
  purchases:         Redemptions with frozen cost and status

CONCURRENCY:
  A sync.RWMutex serializes writers in-process and WithTx holds the write
  lock for the whole transaction, which makes the gate's check-then-insert
  atomic. Across processes, transactions are opened with BEGIN IMMEDIATE
  (_txlock=immediate) and SQLITE_BUSY surfaces as
  merit.ErrConcurrentModification so the gate retries.

TIMESTAMPS:
  Stored as fixed-width UTC text so string comparison orders correctly.

USAGE:
  store, err := sqlite.New("./data/merits.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  gate := merit.NewPurchaseGate(store, merit.DefaultCalendar(loc), logger)

SEE ALSO:
  - merit/store.go: Interface definitions
  - merit/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/housepoints/merit-engine/merit"
)

const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Store implements merit.TxStore using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dbPath == ":memory:" {
		// every connection to :memory: is a separate database
		db.SetMaxOpenConns(1)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS pupils (
		id TEXT PRIMARY KEY,
		first_name TEXT NOT NULL,
		last_name TEXT NOT NULL,
		form_name TEXT NOT NULL DEFAULT '',
		year_group INTEGER NOT NULL DEFAULT 0,
		active BOOLEAN NOT NULL DEFAULT TRUE,
		created_at TEXT NOT NULL
	);

	-- Merit awards (append-only)
	CREATE TABLE IF NOT EXISTS merit_awards (
		id TEXT PRIMARY KEY,
		pupil_id TEXT NOT NULL REFERENCES pupils(id),
		amount INTEGER NOT NULL CHECK (amount >= 0),
		reason TEXT,
		awarded_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_merit_awards_pupil
		ON merit_awards(pupil_id);

	CREATE TABLE IF NOT EXISTS prizes (
		id TEXT PRIMARY KEY,
		description TEXT NOT NULL,
		cost_merits INTEGER NOT NULL CHECK (cost_merits >= 0),
		cost_money TEXT NOT NULL DEFAULT '0',
		image_path TEXT,
		active BOOLEAN NOT NULL DEFAULT TRUE,
		supply_kind TEXT NOT NULL DEFAULT 'perpetual',
		spaces_per_cycle INTEGER NOT NULL DEFAULT 0,
		cycle_weeks INTEGER NOT NULL DEFAULT 0 CHECK (cycle_weeks BETWEEN 0 AND 52),
		reset_day_iso INTEGER NOT NULL DEFAULT 1 CHECK (reset_day_iso BETWEEN 1 AND 7),
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	-- Stock adjustments (append-only): restock > 0, spoilage < 0
	CREATE TABLE IF NOT EXISTS stock_adjustments (
		id TEXT PRIMARY KEY,
		prize_id TEXT NOT NULL REFERENCES prizes(id),
		kind TEXT NOT NULL CHECK (kind IN ('restock', 'spoilage')),
		delta INTEGER NOT NULL,
		reason TEXT,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_stock_adjustments_prize
		ON stock_adjustments(prize_id);

	CREATE TABLE IF NOT EXISTS purchases (
		id TEXT PRIMARY KEY,
		pupil_id TEXT NOT NULL REFERENCES pupils(id),
		prize_id TEXT NOT NULL REFERENCES prizes(id),
		merit_cost_at_time INTEGER NOT NULL CHECK (merit_cost_at_time >= 0),
		status TEXT NOT NULL DEFAULT 'pending' CHECK (status IN ('pending', 'collected', 'refunded')),
		created_at TEXT NOT NULL,
		fulfilled_at TEXT
	);

	-- Balance hot path
	CREATE INDEX IF NOT EXISTS idx_purchases_pupil_status
		ON purchases(pupil_id, status);

	-- Stock hot path (cycle window counts)
	CREATE INDEX IF NOT EXISTS idx_purchases_prize_created
		ON purchases(prize_id, created_at);

	CREATE INDEX IF NOT EXISTS idx_purchases_created
		ON purchases(created_at DESC);
	`

	_, err := s.db.Exec(schema)
	return err
}

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// =============================================================================
// PUPILS
// =============================================================================

func (s *Store) SavePupil(ctx context.Context, p merit.Pupil) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return savePupil(ctx, s.db, p)
}

func (s *Store) GetPupil(ctx context.Context, id merit.PupilID) (*merit.Pupil, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getPupil(ctx, s.db, id)
}

func (s *Store) ListPupils(ctx context.Context) ([]merit.Pupil, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listPupils(ctx, s.db)
}

func savePupil(ctx context.Context, q querier, p merit.Pupil) error {
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}
	_, err := q.ExecContext(ctx, `
		INSERT INTO pupils (id, first_name, last_name, form_name, year_group, active, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			first_name = excluded.first_name,
			last_name = excluded.last_name,
			form_name = excluded.form_name,
			year_group = excluded.year_group,
			active = excluded.active
	`, p.ID, p.FirstName, p.LastName, p.FormName, p.YearGroup, p.Active, formatTime(p.CreatedAt))
	return translate(err)
}

func getPupil(ctx context.Context, q querier, id merit.PupilID) (*merit.Pupil, error) {
	row := q.QueryRowContext(ctx,
		"SELECT id, first_name, last_name, form_name, year_group, active, created_at FROM pupils WHERE id = ?", id)
	p, err := scanPupil(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, merit.ErrPupilNotFound
	}
	if err != nil {
		return nil, translate(err)
	}
	return p, nil
}

func listPupils(ctx context.Context, q querier) ([]merit.Pupil, error) {
	rows, err := q.QueryContext(ctx,
		"SELECT id, first_name, last_name, form_name, year_group, active, created_at FROM pupils ORDER BY last_name, first_name")
	if err != nil {
		return nil, translate(err)
	}
	defer rows.Close()

	var pupils []merit.Pupil
	for rows.Next() {
		p, err := scanPupil(rows)
		if err != nil {
			return nil, err
		}
		pupils = append(pupils, *p)
	}
	return pupils, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanPupil(sc scanner) (*merit.Pupil, error) {
	var p merit.Pupil
	var createdAt string
	if err := sc.Scan(&p.ID, &p.FirstName, &p.LastName, &p.FormName, &p.YearGroup, &p.Active, &createdAt); err != nil {
		return nil, err
	}
	var err error
	if p.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	return &p, nil
}

// =============================================================================
// MERIT AWARDS
// =============================================================================

func (s *Store) AppendAward(ctx context.Context, a merit.MeritAward) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return appendAward(ctx, s.db, a)
}

func (s *Store) Awards(ctx context.Context, pupilID merit.PupilID) ([]merit.MeritAward, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return awards(ctx, s.db, pupilID)
}

func (s *Store) TotalAwarded(ctx context.Context, pupilID merit.PupilID) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return totalAwarded(ctx, s.db, pupilID)
}

func appendAward(ctx context.Context, q querier, a merit.MeritAward) error {
	_, err := q.ExecContext(ctx,
		"INSERT INTO merit_awards (id, pupil_id, amount, reason, awarded_at) VALUES (?, ?, ?, ?, ?)",
		a.ID, a.PupilID, a.Amount, nullString(a.Reason), formatTime(a.AwardedAt))
	if isForeignKeyError(err) {
		return merit.ErrPupilNotFound
	}
	return translate(err)
}

func awards(ctx context.Context, q querier, pupilID merit.PupilID) ([]merit.MeritAward, error) {
	rows, err := q.QueryContext(ctx,
		"SELECT id, pupil_id, amount, reason, awarded_at FROM merit_awards WHERE pupil_id = ? ORDER BY awarded_at ASC", pupilID)
	if err != nil {
		return nil, translate(err)
	}
	defer rows.Close()

	var out []merit.MeritAward
	for rows.Next() {
		var a merit.MeritAward
		var reason sql.NullString
		var awardedAt string
		if err := rows.Scan(&a.ID, &a.PupilID, &a.Amount, &reason, &awardedAt); err != nil {
			return nil, err
		}
		a.Reason = reason.String
		if a.AwardedAt, err = parseTime(awardedAt); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func totalAwarded(ctx context.Context, q querier, pupilID merit.PupilID) (int, error) {
	var total int
	err := q.QueryRowContext(ctx,
		"SELECT COALESCE(SUM(amount), 0) FROM merit_awards WHERE pupil_id = ?", pupilID).Scan(&total)
	return total, translate(err)
}

// =============================================================================
// PRIZES
// =============================================================================

const prizeColumns = `id, description, cost_merits, cost_money, image_path, active,
	supply_kind, spaces_per_cycle, cycle_weeks, reset_day_iso, created_at, updated_at`

func (s *Store) SavePrize(ctx context.Context, p merit.Prize) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return savePrize(ctx, s.db, p)
}

func (s *Store) GetPrize(ctx context.Context, id merit.PrizeID) (*merit.Prize, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getPrize(ctx, s.db, id)
}

func (s *Store) ListPrizes(ctx context.Context, activeOnly bool) ([]merit.Prize, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listPrizes(ctx, s.db, activeOnly)
}

func savePrize(ctx context.Context, q querier, p merit.Prize) error {
	now := time.Now()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = now
	}
	_, err := q.ExecContext(ctx, `
		INSERT INTO prizes (`+prizeColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			description = excluded.description,
			cost_merits = excluded.cost_merits,
			cost_money = excluded.cost_money,
			image_path = excluded.image_path,
			active = excluded.active,
			supply_kind = excluded.supply_kind,
			spaces_per_cycle = excluded.spaces_per_cycle,
			cycle_weeks = excluded.cycle_weeks,
			reset_day_iso = excluded.reset_day_iso,
			updated_at = excluded.updated_at
	`,
		p.ID, p.Description, p.CostMerits, p.CostMoney.String(), nullString(p.ImagePath), p.Active,
		string(p.Supply.Kind), p.Supply.SpacesPerCycle, p.Supply.CycleLengthWeeks, p.Supply.ResetDayOfWeek,
		formatTime(p.CreatedAt), formatTime(p.UpdatedAt),
	)
	return translate(err)
}

func getPrize(ctx context.Context, q querier, id merit.PrizeID) (*merit.Prize, error) {
	row := q.QueryRowContext(ctx, "SELECT "+prizeColumns+" FROM prizes WHERE id = ?", id)
	p, err := scanPrize(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, merit.ErrPrizeNotFound
	}
	if err != nil {
		return nil, translate(err)
	}
	return p, nil
}

func listPrizes(ctx context.Context, q querier, activeOnly bool) ([]merit.Prize, error) {
	query := "SELECT " + prizeColumns + " FROM prizes"
	if activeOnly {
		query += " WHERE active = TRUE"
	}
	query += " ORDER BY active DESC, description ASC"

	rows, err := q.QueryContext(ctx, query)
	if err != nil {
		return nil, translate(err)
	}
	defer rows.Close()

	var prizes []merit.Prize
	for rows.Next() {
		p, err := scanPrize(rows)
		if err != nil {
			return nil, err
		}
		prizes = append(prizes, *p)
	}
	return prizes, rows.Err()
}

func scanPrize(sc scanner) (*merit.Prize, error) {
	var p merit.Prize
	var money decimal.Decimal
	var image sql.NullString
	var kind, createdAt, updatedAt string
	err := sc.Scan(&p.ID, &p.Description, &p.CostMerits, &money, &image, &p.Active,
		&kind, &p.Supply.SpacesPerCycle, &p.Supply.CycleLengthWeeks, &p.Supply.ResetDayOfWeek,
		&createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	p.CostMoney = money
	p.ImagePath = image.String
	p.Supply.Kind = merit.SupplyKind(kind)
	if p.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if p.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &p, nil
}

// =============================================================================
// STOCK ADJUSTMENTS
// =============================================================================

func (s *Store) AppendAdjustment(ctx context.Context, a merit.StockAdjustment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return appendAdjustment(ctx, s.db, a)
}

func (s *Store) Adjustments(ctx context.Context, prizeID merit.PrizeID) ([]merit.StockAdjustment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return adjustments(ctx, s.db, prizeID)
}

func (s *Store) StockTotals(ctx context.Context, prizeID merit.PrizeID) (merit.StockTotals, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return stockTotals(ctx, s.db, prizeID)
}

func appendAdjustment(ctx context.Context, q querier, a merit.StockAdjustment) error {
	_, err := q.ExecContext(ctx,
		"INSERT INTO stock_adjustments (id, prize_id, kind, delta, reason, created_at) VALUES (?, ?, ?, ?, ?, ?)",
		a.ID, a.PrizeID, string(a.Kind), a.Delta, nullString(a.Reason), formatTime(a.CreatedAt))
	if isForeignKeyError(err) {
		return merit.ErrPrizeNotFound
	}
	return translate(err)
}

func adjustments(ctx context.Context, q querier, prizeID merit.PrizeID) ([]merit.StockAdjustment, error) {
	rows, err := q.QueryContext(ctx,
		"SELECT id, prize_id, kind, delta, reason, created_at FROM stock_adjustments WHERE prize_id = ? ORDER BY created_at ASC", prizeID)
	if err != nil {
		return nil, translate(err)
	}
	defer rows.Close()

	var out []merit.StockAdjustment
	for rows.Next() {
		var a merit.StockAdjustment
		var kind, createdAt string
		var reason sql.NullString
		if err := rows.Scan(&a.ID, &a.PrizeID, &kind, &a.Delta, &reason, &createdAt); err != nil {
			return nil, err
		}
		a.Kind = merit.AdjustmentKind(kind)
		a.Reason = reason.String
		if a.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func stockTotals(ctx context.Context, q querier, prizeID merit.PrizeID) (merit.StockTotals, error) {
	var t merit.StockTotals
	err := q.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(CASE WHEN kind = 'restock' THEN delta ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN kind = 'spoilage' THEN delta ELSE 0 END), 0)
		FROM stock_adjustments
		WHERE prize_id = ?
	`, prizeID).Scan(&t.TotalEverStocked, &t.SpoilageAdjustment)
	return t, translate(err)
}

// =============================================================================
// PURCHASES
// =============================================================================

const purchaseColumns = "id, pupil_id, prize_id, merit_cost_at_time, status, created_at, fulfilled_at"

func (s *Store) GetPurchase(ctx context.Context, id merit.PurchaseID) (*merit.Purchase, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getPurchase(ctx, s.db, id)
}

func (s *Store) ListPurchases(ctx context.Context, f merit.PurchaseFilter) ([]merit.Purchase, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listPurchases(ctx, s.db, f)
}

func (s *Store) SpentMerits(ctx context.Context, pupilID merit.PupilID) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return spentMerits(ctx, s.db, pupilID)
}

func (s *Store) CountPurchases(ctx context.Context, prizeID merit.PrizeID, w *merit.Window) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return countPurchases(ctx, s.db, prizeID, w)
}

func getPurchase(ctx context.Context, q querier, id merit.PurchaseID) (*merit.Purchase, error) {
	row := q.QueryRowContext(ctx, "SELECT "+purchaseColumns+" FROM purchases WHERE id = ?", id)
	p, err := scanPurchase(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, merit.ErrPurchaseNotFound
	}
	if err != nil {
		return nil, translate(err)
	}
	return p, nil
}

func listPurchases(ctx context.Context, q querier, f merit.PurchaseFilter) ([]merit.Purchase, error) {
	var where []string
	var args []any
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	if f.PupilID != "" {
		where = append(where, "pupil_id = ?")
		args = append(args, f.PupilID)
	}
	if f.PrizeID != "" {
		where = append(where, "prize_id = ?")
		args = append(args, f.PrizeID)
	}
	if f.FormName != "" {
		where = append(where, "pupil_id IN (SELECT id FROM pupils WHERE form_name = ?)")
		args = append(args, f.FormName)
	}
	if f.YearGroup != 0 {
		where = append(where, "pupil_id IN (SELECT id FROM pupils WHERE year_group = ?)")
		args = append(args, f.YearGroup)
	}
	if f.From != nil {
		where = append(where, "created_at >= ?")
		args = append(args, formatTime(*f.From))
	}
	if f.To != nil {
		where = append(where, "created_at < ?")
		args = append(args, formatTime(*f.To))
	}

	query := "SELECT " + purchaseColumns + " FROM purchases"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, translate(err)
	}
	defer rows.Close()

	var out []merit.Purchase
	for rows.Next() {
		p, err := scanPurchase(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

func spentMerits(ctx context.Context, q querier, pupilID merit.PupilID) (int, error) {
	var total int
	err := q.QueryRowContext(ctx,
		"SELECT COALESCE(SUM(merit_cost_at_time), 0) FROM purchases WHERE pupil_id = ? AND status <> 'refunded'",
		pupilID).Scan(&total)
	return total, translate(err)
}

func countPurchases(ctx context.Context, q querier, prizeID merit.PrizeID, w *merit.Window) (int, error) {
	query := "SELECT COUNT(*) FROM purchases WHERE prize_id = ? AND status <> 'refunded'"
	args := []any{prizeID}
	if w != nil {
		query += " AND created_at >= ? AND created_at < ?"
		args = append(args, formatTime(w.Start), formatTime(w.End))
	}
	var n int
	err := q.QueryRowContext(ctx, query, args...).Scan(&n)
	return n, translate(err)
}

func insertPurchase(ctx context.Context, q querier, p merit.Purchase) error {
	_, err := q.ExecContext(ctx,
		"INSERT INTO purchases ("+purchaseColumns+") VALUES (?, ?, ?, ?, ?, ?, ?)",
		p.ID, p.PupilID, p.PrizeID, p.CostMerits, string(p.Status), formatTime(p.CreatedAt), formatTimePtr(p.FulfilledAt))
	return translate(err)
}

func updatePurchase(ctx context.Context, q querier, p merit.Purchase) error {
	res, err := q.ExecContext(ctx,
		"UPDATE purchases SET status = ?, fulfilled_at = ? WHERE id = ?",
		string(p.Status), formatTimePtr(p.FulfilledAt), p.ID)
	if err != nil {
		return translate(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return merit.ErrPurchaseNotFound
	}
	return nil
}

func scanPurchase(sc scanner) (*merit.Purchase, error) {
	var p merit.Purchase
	var status, createdAt string
	var fulfilledAt sql.NullString
	if err := sc.Scan(&p.ID, &p.PupilID, &p.PrizeID, &p.CostMerits, &status, &createdAt, &fulfilledAt); err != nil {
		return nil, err
	}
	p.Status = merit.PurchaseStatus(status)
	var err error
	if p.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if fulfilledAt.Valid {
		t, err := parseTime(fulfilledAt.String)
		if err != nil {
			return nil, err
		}
		p.FulfilledAt = &t
	}
	return &p, nil
}

// =============================================================================
// TRANSACTIONAL STORE (merit.TxStore interface)
// =============================================================================

// WithTx executes a function within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(merit.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return translate(fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{tx: sqlTx}); err != nil {
		return err
	}

	return translate(sqlTx.Commit())
}

// txStore runs every query on the open transaction. The parent's write
// lock is already held, so nothing here locks again.
type txStore struct {
	tx *sql.Tx
}

func (ts *txStore) SavePupil(ctx context.Context, p merit.Pupil) error {
	return savePupil(ctx, ts.tx, p)
}
func (ts *txStore) GetPupil(ctx context.Context, id merit.PupilID) (*merit.Pupil, error) {
	return getPupil(ctx, ts.tx, id)
}
func (ts *txStore) ListPupils(ctx context.Context) ([]merit.Pupil, error) {
	return listPupils(ctx, ts.tx)
}
func (ts *txStore) AppendAward(ctx context.Context, a merit.MeritAward) error {
	return appendAward(ctx, ts.tx, a)
}
func (ts *txStore) Awards(ctx context.Context, pupilID merit.PupilID) ([]merit.MeritAward, error) {
	return awards(ctx, ts.tx, pupilID)
}
func (ts *txStore) TotalAwarded(ctx context.Context, pupilID merit.PupilID) (int, error) {
	return totalAwarded(ctx, ts.tx, pupilID)
}
func (ts *txStore) SavePrize(ctx context.Context, p merit.Prize) error {
	return savePrize(ctx, ts.tx, p)
}
func (ts *txStore) GetPrize(ctx context.Context, id merit.PrizeID) (*merit.Prize, error) {
	return getPrize(ctx, ts.tx, id)
}
func (ts *txStore) ListPrizes(ctx context.Context, activeOnly bool) ([]merit.Prize, error) {
	return listPrizes(ctx, ts.tx, activeOnly)
}
func (ts *txStore) AppendAdjustment(ctx context.Context, a merit.StockAdjustment) error {
	return appendAdjustment(ctx, ts.tx, a)
}
func (ts *txStore) Adjustments(ctx context.Context, prizeID merit.PrizeID) ([]merit.StockAdjustment, error) {
	return adjustments(ctx, ts.tx, prizeID)
}
func (ts *txStore) StockTotals(ctx context.Context, prizeID merit.PrizeID) (merit.StockTotals, error) {
	return stockTotals(ctx, ts.tx, prizeID)
}
func (ts *txStore) GetPurchase(ctx context.Context, id merit.PurchaseID) (*merit.Purchase, error) {
	return getPurchase(ctx, ts.tx, id)
}
func (ts *txStore) ListPurchases(ctx context.Context, f merit.PurchaseFilter) ([]merit.Purchase, error) {
	return listPurchases(ctx, ts.tx, f)
}
func (ts *txStore) SpentMerits(ctx context.Context, pupilID merit.PupilID) (int, error) {
	return spentMerits(ctx, ts.tx, pupilID)
}
func (ts *txStore) CountPurchases(ctx context.Context, prizeID merit.PrizeID, w *merit.Window) (int, error) {
	return countPurchases(ctx, ts.tx, prizeID, w)
}

// SQLite has no row locks; BEGIN IMMEDIATE already holds the database
// write lock, so locking reduces to an existence check.
func (ts *txStore) LockPupil(ctx context.Context, id merit.PupilID) error {
	_, err := getPupil(ctx, ts.tx, id)
	return err
}

func (ts *txStore) LockPrize(ctx context.Context, id merit.PrizeID) error {
	_, err := getPrize(ctx, ts.tx, id)
	return err
}

func (ts *txStore) LockPurchase(ctx context.Context, id merit.PurchaseID) (*merit.Purchase, error) {
	return getPurchase(ctx, ts.tx, id)
}

func (ts *txStore) InsertPurchase(ctx context.Context, p merit.Purchase) error {
	return insertPurchase(ctx, ts.tx, p)
}

func (ts *txStore) UpdatePurchase(ctx context.Context, p merit.Purchase) error {
	return updatePurchase(ctx, ts.tx, p)
}

// =============================================================================
// UTILITIES
// =============================================================================

// Reset clears all data (for testing/demo).
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tables := []string{"purchases", "stock_adjustments", "merit_awards", "prizes", "pupils"}
	for _, table := range tables {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return err
		}
	}
	return nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func formatTimePtr(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

// parseTime accepts the store's own layout and falls back to RFC 3339 for
// rows written by hand.
func parseTime(s string) (time.Time, error) {
	if t, err := time.Parse(timeLayout, s); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("sqlite: corrupt timestamp %q: %w", s, err)
	}
	return t, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// translate maps SQLite lock contention to merit.ErrConcurrentModification.
func translate(err error) error {
	if err == nil {
		return nil
	}
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		if sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked {
			return fmt.Errorf("%w: %v", merit.ErrConcurrentModification, err)
		}
	}
	return err
}

func isForeignKeyError(err error) bool {
	var sqliteErr sqlite3.Error
	return errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintForeignKey
}
