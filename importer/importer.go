/*
Package importer merges externally tracked merit totals into the ledger.

PURPOSE:
  The school's behaviour system exports each pupil's lifetime merit total.
  Importing never lowers anything: for every row

    desired = max(totalAwarded, imported)

  and only the positive difference is awarded through Ledger.Award. The
  ledger itself knows nothing about this rule; it stays a plain
  append-only log of awards.

ROW OUTCOMES:
  awarded:       difference > 0, one award appended
  unchanged:     imported ≤ current total
  unknown_pupil: no such pupil, row skipped
  invalid:       bad id or negative total, row skipped

  A failing row never aborts the import; store failures do. The whole
  import runs in one store transaction with each pupil row locked before
  its total is read, so concurrent imports of the same file cannot award
  the difference twice, and a store failure rolls back every row.
*/
package importer

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/housepoints/merit-engine/merit"
)

type Outcome string

const (
	OutcomeAwarded      Outcome = "awarded"
	OutcomeUnchanged    Outcome = "unchanged"
	OutcomeUnknownPupil Outcome = "unknown_pupil"
	OutcomeInvalid      Outcome = "invalid"
)

// Row is one imported lifetime total.
type Row struct {
	PupilID merit.PupilID `json:"pupil_id"`
	Total   int           `json:"total"`
}

// RowResult reports what happened to one row.
type RowResult struct {
	Line     int           `json:"line"`
	PupilID  merit.PupilID `json:"pupil_id"`
	Outcome  Outcome       `json:"outcome"`
	Previous int           `json:"previous"`
	Awarded  int           `json:"awarded"`
	Error    string        `json:"error,omitempty"`
}

// Result summarises an import.
type Result struct {
	Rows   []RowResult     `json:"rows"`
	Counts map[Outcome]int `json:"counts"`
}

type Importer struct {
	Store      merit.TxStore
	Reason     string
	MaxRetries int
	Logger     *zap.Logger
	Now        func() time.Time
}

func New(store merit.TxStore, logger *zap.Logger) *Importer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Importer{
		Store:      store,
		Reason:     "merit import",
		MaxRetries: merit.DefaultMaxRetries,
		Logger:     logger,
		Now:        time.Now,
	}
}

// Apply merges rows in order inside a single transaction. It is retried
// from scratch when the store reports a lock conflict.
func (im *Importer) Apply(ctx context.Context, rows []Row) (*Result, error) {
	var res *Result
	var err error
	for attempt := 0; attempt <= im.MaxRetries; attempt++ {
		res, err = im.apply(ctx, rows)
		if !merit.IsRetryable(err) || attempt == im.MaxRetries {
			break
		}
		select {
		case <-ctx.Done():
			return nil, errors.Join(err, ctx.Err())
		case <-time.After(time.Duration(attempt+1) * 5 * time.Millisecond):
		}
	}
	if err != nil {
		im.Logger.Error("merit import failed", zap.Int("rows", len(rows)), zap.Error(err))
		return nil, err
	}

	im.Logger.Info("merit import applied",
		zap.Int("rows", len(rows)),
		zap.Int("awarded", res.Counts[OutcomeAwarded]),
		zap.Int("unchanged", res.Counts[OutcomeUnchanged]),
		zap.Int("unknown_pupil", res.Counts[OutcomeUnknownPupil]),
		zap.Int("invalid", res.Counts[OutcomeInvalid]))
	return res, nil
}

func (im *Importer) apply(ctx context.Context, rows []Row) (*Result, error) {
	res := &Result{Counts: map[Outcome]int{}}

	err := im.Store.WithTx(ctx, func(tx merit.Tx) error {
		ledger := &merit.Ledger{Store: tx, Now: im.Now}
		for i, row := range rows {
			rr, err := im.applyRow(ctx, tx, ledger, row)
			if err != nil {
				return fmt.Errorf("row %d (%s): %w", i+1, row.PupilID, err)
			}
			rr.Line = i + 1
			res.Rows = append(res.Rows, rr)
			res.Counts[rr.Outcome]++
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (im *Importer) applyRow(ctx context.Context, tx merit.Tx, ledger *merit.Ledger, row Row) (RowResult, error) {
	rr := RowResult{PupilID: row.PupilID}
	if row.Total < 0 || !row.PupilID.Valid() {
		rr.Outcome = OutcomeInvalid
		rr.Error = "total must be non-negative and pupil_id set"
		return rr, nil
	}

	err := tx.LockPupil(ctx, row.PupilID)
	if errors.Is(err, merit.ErrPupilNotFound) {
		rr.Outcome = OutcomeUnknownPupil
		return rr, nil
	}
	if err != nil {
		return rr, err
	}

	current, err := tx.TotalAwarded(ctx, row.PupilID)
	if err != nil {
		return rr, err
	}

	rr.Previous = current
	diff := row.Total - current
	if diff <= 0 {
		rr.Outcome = OutcomeUnchanged
		return rr, nil
	}

	if _, err := ledger.Award(ctx, row.PupilID, diff, im.Reason); err != nil {
		return rr, err
	}
	rr.Outcome = OutcomeAwarded
	rr.Awarded = diff
	return rr, nil
}

// ParseCSV reads rows with a "pupil_id,total" header. Column order is taken
// from the header; extra columns are ignored. Unparseable totals become -1
// so Apply reports them as invalid.
func ParseCSV(r io.Reader) ([]Row, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	idCol, totalCol := -1, -1
	for i, h := range header {
		switch strings.ToLower(strings.TrimSpace(h)) {
		case "pupil_id":
			idCol = i
		case "total", "merits":
			totalCol = i
		}
	}
	if idCol < 0 || totalCol < 0 {
		return nil, errors.New("header must contain pupil_id and total columns")
	}

	var rows []Row
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		row := Row{Total: -1}
		if idCol < len(rec) {
			row.PupilID = merit.PupilID(strings.TrimSpace(rec[idCol]))
		}
		if totalCol < len(rec) {
			if n, err := strconv.Atoi(strings.TrimSpace(rec[totalCol])); err == nil {
				row.Total = n
			}
		}
		rows = append(rows, row)
	}
	return rows, nil
}
