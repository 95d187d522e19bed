/*
handlers.go - HTTP request handlers for the merit shop API

PURPOSE:
  Implements the REST API endpoints. Each handler:
  1. Parses and validates the request
  2. Calls the merit engine (Ledger, StockEngine, Catalog, PurchaseGate)
  3. Converts results to DTOs
  4. Returns a JSON response

HANDLER GROUPS:
  Pupils:    ListPupils, GetPupil, CreatePupil, GetBalance, ListAwards, Award
  Prizes:    ListPrizes, GetPrize, SavePrize, GetStock, Restock, RecordSpoilage,
             ListAdjustments, SetMode, DeactivatePrize
  Purchases: CreatePurchase, ListPurchases, GetPurchase, CollectPurchase,
             RefundPurchase
  Imports:   ImportMerits
  Reports:   GetDigest
  Scenarios: ListScenarios, LoadScenario, ResetDatabase (scenarios.go)

ERROR HANDLING:
  writeDomainError maps merit errors onto status codes:
    400  validation (ErrInvalidAmount, ErrInvalidIdentifier, ErrInvalidFilter, bad policy)
    404  missing pupil, prize or purchase
    409  InsufficientBalance, OutOfStock, AlreadyRefunded, exhausted retries
    422  NotApplicableForCyclicPrize
    500  anything else (logged at Error)

  Business rejections are normal traffic and are not logged as errors.

SEE ALSO:
  - dto.go: Request/response types
  - server.go: Route definitions
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/housepoints/merit-engine/importer"
	"github.com/housepoints/merit-engine/merit"
	"github.com/housepoints/merit-engine/report"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Store is what the API needs from a storage driver.
type Store interface {
	merit.TxStore
	Reset(ctx context.Context) error
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Store    Store
	Ledger   *merit.Ledger
	Stock    *merit.StockEngine
	Catalog  *merit.Catalog
	Gate     *merit.PurchaseGate
	Importer *importer.Importer
	Logger   *zap.Logger
	Now      func() time.Time

	mu              sync.Mutex
	currentScenario string
}

// NewHandler wires the engine components onto one store.
func NewHandler(store Store, calendar merit.CycleCalendar, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	ledger := merit.NewLedger(store)
	stock := merit.NewStockEngine(store, calendar)
	return &Handler{
		Store:    store,
		Ledger:   ledger,
		Stock:    stock,
		Catalog:  merit.NewCatalog(store, stock),
		Gate:     merit.NewPurchaseGate(store, calendar, logger.Named("gate")),
		Importer: importer.New(store, logger.Named("importer")),
		Logger:   logger,
		Now:      time.Now,
	}
}

// SetClock replaces the clock of the handler and every engine component.
func (h *Handler) SetClock(now func() time.Time) {
	h.Now = now
	h.Ledger.Now = now
	h.Stock.Now = now
	h.Catalog.Now = now
	h.Gate.Now = now
	h.Importer.Now = now
}

// =============================================================================
// PUPIL HANDLERS
// =============================================================================

// ListPupils returns all pupils, or search hits when ?q= is present.
func (h *Handler) ListPupils(w http.ResponseWriter, r *http.Request) {
	if q := r.URL.Query(); q.Has("q") {
		h.searchPupils(w, r, q.Get("q"))
		return
	}

	pupils, err := h.Store.ListPupils(r.Context())
	if err != nil {
		h.writeDomainError(w, "Failed to list pupils", err)
		return
	}

	dtos := make([]PupilDTO, len(pupils))
	for i, p := range pupils {
		dtos[i] = toPupilDTO(p)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// searchPupils answers ?q= with matching pupils and their remaining merits.
func (h *Handler) searchPupils(w http.ResponseWriter, r *http.Request, query string) {
	hits, err := h.Ledger.SearchPupils(r.Context(), query, merit.DefaultSearchLimit)
	if err != nil {
		h.writeDomainError(w, "Failed to search pupils", err)
		return
	}

	dtos := make([]PupilSearchDTO, len(hits))
	for i, hit := range hits {
		dtos[i] = PupilSearchDTO{PupilDTO: toPupilDTO(hit.Pupil), Remaining: hit.Remaining}
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetPupil returns a single pupil.
func (h *Handler) GetPupil(w http.ResponseWriter, r *http.Request) {
	id := merit.PupilID(chi.URLParam(r, "id"))

	pupil, err := h.Store.GetPupil(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, "Failed to get pupil", err)
		return
	}
	writeJSON(w, http.StatusOK, toPupilDTO(*pupil))
}

// CreatePupil creates or updates a pupil.
func (h *Handler) CreatePupil(w http.ResponseWriter, r *http.Request) {
	var req CreatePupilRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}

	pupil := merit.Pupil{
		ID:        merit.PupilID(req.ID),
		FirstName: strings.TrimSpace(req.FirstName),
		LastName:  strings.TrimSpace(req.LastName),
		FormName:  strings.TrimSpace(req.FormName),
		YearGroup: req.YearGroup,
		Active:    req.Active == nil || *req.Active,
		CreatedAt: h.now(),
	}
	if !pupil.ID.Valid() {
		h.writeDomainError(w, "Invalid pupil id", merit.ErrInvalidIdentifier)
		return
	}
	if existing, err := h.Store.GetPupil(r.Context(), pupil.ID); err == nil {
		pupil.CreatedAt = existing.CreatedAt
	}

	if err := h.Store.SavePupil(r.Context(), pupil); err != nil {
		h.writeDomainError(w, "Failed to save pupil", err)
		return
	}
	writeJSON(w, http.StatusCreated, toPupilDTO(pupil))
}

// GetBalance returns the pupil's derived merit balance.
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	id := merit.PupilID(chi.URLParam(r, "id"))

	bal, err := h.Ledger.Balance(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, "Failed to get balance", err)
		return
	}
	writeJSON(w, http.StatusOK, toBalanceDTO(bal))
}

// ListAwards returns the pupil's award history.
func (h *Handler) ListAwards(w http.ResponseWriter, r *http.Request) {
	id := merit.PupilID(chi.URLParam(r, "id"))
	if _, err := h.Store.GetPupil(r.Context(), id); err != nil {
		h.writeDomainError(w, "Failed to get pupil", err)
		return
	}

	awards, err := h.Store.Awards(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, "Failed to list awards", err)
		return
	}
	dtos := make([]AwardDTO, len(awards))
	for i, a := range awards {
		dtos[i] = toAwardDTO(a)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// Award grants merits to a pupil.
func (h *Handler) Award(w http.ResponseWriter, r *http.Request) {
	id := merit.PupilID(chi.URLParam(r, "id"))

	var req AwardRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}

	award, err := h.Ledger.Award(r.Context(), id, req.Amount, req.Reason)
	if err != nil {
		h.writeDomainError(w, "Failed to award merits", err)
		return
	}
	bal, err := h.Ledger.Balance(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, "Failed to get balance", err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"award":   toAwardDTO(*award),
		"balance": toBalanceDTO(bal),
	})
}

// =============================================================================
// PRIZE HANDLERS
// =============================================================================

// ListPrizes returns prizes with their current stock. ?active=true hides
// deactivated prizes.
func (h *Handler) ListPrizes(w http.ResponseWriter, r *http.Request) {
	activeOnly, _ := strconv.ParseBool(r.URL.Query().Get("active"))

	prizes, err := h.Catalog.ListPrizes(r.Context(), activeOnly)
	if err != nil {
		h.writeDomainError(w, "Failed to list prizes", err)
		return
	}
	dtos := make([]PrizeDTO, len(prizes))
	for i, ps := range prizes {
		level := ps.Level
		dtos[i] = toPrizeDTO(ps.Prize, &level)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetPrize returns one prize with its current stock.
func (h *Handler) GetPrize(w http.ResponseWriter, r *http.Request) {
	id := merit.PrizeID(chi.URLParam(r, "id"))

	prize, err := h.Store.GetPrize(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, "Failed to get prize", err)
		return
	}
	level, err := h.Stock.AvailableUnits(r.Context(), id, h.now())
	if err != nil {
		h.writeDomainError(w, "Failed to get stock", err)
		return
	}
	writeJSON(w, http.StatusOK, toPrizeDTO(*prize, &level))
}

// SavePrize creates or updates a prize.
func (h *Handler) SavePrize(w http.ResponseWriter, r *http.Request) {
	var req SavePrizeRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}

	prize, err := h.Catalog.SavePrize(r.Context(), merit.Prize{
		ID:          merit.PrizeID(req.ID),
		Description: req.Description,
		CostMerits:  req.CostMerits,
		CostMoney:   req.CostMoney,
		ImagePath:   req.ImagePath,
		Active:      req.Active == nil || *req.Active,
		Supply: merit.SupplyPolicy{
			Kind:             merit.SupplyKind(req.Supply.Kind),
			SpacesPerCycle:   req.Supply.SpacesPerCycle,
			CycleLengthWeeks: req.Supply.CycleLengthWeeks,
			ResetDayOfWeek:   req.Supply.ResetDayOfWeek,
		},
	})
	if err != nil {
		h.writeDomainError(w, "Failed to save prize", err)
		return
	}
	writeJSON(w, http.StatusCreated, toPrizeDTO(*prize, nil))
}

// GetStock returns the prize's stock level, optionally ?as_of=RFC3339.
func (h *Handler) GetStock(w http.ResponseWriter, r *http.Request) {
	id := merit.PrizeID(chi.URLParam(r, "id"))

	asOf := h.now()
	if s := r.URL.Query().Get("as_of"); s != "" {
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid as_of format (use RFC3339)", err)
			return
		}
		asOf = t
	}

	level, err := h.Stock.AvailableUnits(r.Context(), id, asOf)
	if err != nil {
		h.writeDomainError(w, "Failed to get stock", err)
		return
	}
	writeJSON(w, http.StatusOK, toStockDTO(level))
}

// Restock adds units to a perpetual prize.
func (h *Handler) Restock(w http.ResponseWriter, r *http.Request) {
	h.adjustStock(w, r, h.Stock.Restock)
}

// RecordSpoilage removes lost or damaged units from a perpetual prize.
func (h *Handler) RecordSpoilage(w http.ResponseWriter, r *http.Request) {
	h.adjustStock(w, r, h.Stock.RecordSpoilage)
}

type adjustFunc func(ctx context.Context, id merit.PrizeID, units int, reason string) (*merit.StockAdjustment, error)

func (h *Handler) adjustStock(w http.ResponseWriter, r *http.Request, adjust adjustFunc) {
	id := merit.PrizeID(chi.URLParam(r, "id"))

	var req UnitsRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}

	adj, err := adjust(r.Context(), id, req.Units, req.Reason)
	if err != nil {
		h.writeDomainError(w, "Failed to adjust stock", err)
		return
	}
	level, err := h.Stock.AvailableUnits(r.Context(), id, h.now())
	if err != nil {
		h.writeDomainError(w, "Failed to get stock", err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"adjustment": toAdjustmentDTO(*adj),
		"stock":      toStockDTO(level),
	})
}

// ListAdjustments returns the prize's stock log.
func (h *Handler) ListAdjustments(w http.ResponseWriter, r *http.Request) {
	id := merit.PrizeID(chi.URLParam(r, "id"))

	adjs, err := h.Stock.Adjustments(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, "Failed to list adjustments", err)
		return
	}
	dtos := make([]AdjustmentDTO, len(adjs))
	for i, a := range adjs {
		dtos[i] = toAdjustmentDTO(a)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// SetMode switches a prize between perpetual and cyclic supply.
func (h *Handler) SetMode(w http.ResponseWriter, r *http.Request) {
	id := merit.PrizeID(chi.URLParam(r, "id"))

	var req SetModeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	prize, err := h.Catalog.SetSupplyKind(r.Context(), id, req.Cyclic)
	if err != nil {
		h.writeDomainError(w, "Failed to change stock mode", err)
		return
	}
	writeJSON(w, http.StatusOK, toPrizeDTO(*prize, nil))
}

// DeactivatePrize hides a prize. History is kept.
func (h *Handler) DeactivatePrize(w http.ResponseWriter, r *http.Request) {
	id := merit.PrizeID(chi.URLParam(r, "id"))

	prize, err := h.Catalog.Deactivate(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, "Failed to deactivate prize", err)
		return
	}
	writeJSON(w, http.StatusOK, toPrizeDTO(*prize, nil))
}

// =============================================================================
// PURCHASE HANDLERS
// =============================================================================

// CreatePurchase redeems a prize for a pupil.
func (h *Handler) CreatePurchase(w http.ResponseWriter, r *http.Request) {
	var req CreatePurchaseRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}

	receipt, err := h.Gate.Create(r.Context(), merit.PupilID(req.PupilID), merit.PrizeID(req.PrizeID))
	if err != nil {
		h.writeDomainError(w, "Purchase rejected", err)
		return
	}

	writeJSON(w, http.StatusCreated, ReceiptDTO{
		Purchase:         toPurchaseDTO(receipt.Purchase),
		RemainingBalance: receipt.RemainingBalance,
		Stock:            toStockDTO(receipt.Stock),
	})
}

// ListPurchases lists orders. Query: mode=current|all, status, pupil_id,
// prize_id, form, year_group, from, to (YYYY-MM-DD, inclusive, engine
// timezone), limit.
func (h *Handler) ListPurchases(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := merit.PurchaseFilter{
		Status:  merit.PurchaseStatus(q.Get("status")),
		PupilID: merit.PupilID(q.Get("pupil_id")),
		PrizeID: merit.PrizeID(q.Get("prize_id")),

		FormName: q.Get("form"),
	}
	if s := q.Get("year_group"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "Invalid year_group", err)
			return
		}
		filter.YearGroup = n
	}

	loc := h.Gate.Calendar.Location
	if loc == nil {
		loc = time.Local
	}
	if s := q.Get("from"); s != "" {
		d, err := time.ParseInLocation("2006-01-02", s, loc)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid from date (use YYYY-MM-DD)", err)
			return
		}
		filter.From = &d
	}
	if s := q.Get("to"); s != "" {
		d, err := time.ParseInLocation("2006-01-02", s, loc)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid to date (use YYYY-MM-DD)", err)
			return
		}
		end := d.AddDate(0, 0, 1)
		filter.To = &end
	}
	if s := q.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "Invalid limit", err)
			return
		}
		filter.Limit = n
	}

	orders, err := merit.ListOrders(r.Context(), h.Store, merit.OrderMode(q.Get("mode")), filter)
	if err != nil {
		h.writeDomainError(w, "Failed to list orders", err)
		return
	}
	writeJSON(w, http.StatusOK, OrdersDTO{
		Orders:  toOrderDTOs(orders.Lines),
		Summary: orders.Summary,
	})
}

// GetPurchase returns one purchase.
func (h *Handler) GetPurchase(w http.ResponseWriter, r *http.Request) {
	id := merit.PurchaseID(chi.URLParam(r, "id"))

	p, err := h.Store.GetPurchase(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, "Failed to get purchase", err)
		return
	}
	writeJSON(w, http.StatusOK, toPurchaseDTO(*p))
}

// CollectPurchase marks a purchase as handed out.
func (h *Handler) CollectPurchase(w http.ResponseWriter, r *http.Request) {
	id := merit.PurchaseID(chi.URLParam(r, "id"))

	p, err := h.Gate.Collect(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, "Failed to collect purchase", err)
		return
	}
	writeJSON(w, http.StatusOK, toPurchaseDTO(*p))
}

// RefundPurchase refunds a purchase. Refunding twice returns 200 with
// already_refunded set.
func (h *Handler) RefundPurchase(w http.ResponseWriter, r *http.Request) {
	id := merit.PurchaseID(chi.URLParam(r, "id"))

	res, err := h.Gate.Refund(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, "Failed to refund purchase", err)
		return
	}
	writeJSON(w, http.StatusOK, RefundDTO{
		Purchase:        toPurchaseDTO(res.Purchase),
		RestoredBalance: res.RestoredBalance,
		RestoredStock:   toStockDTO(res.RestoredStock),
		AlreadyRefunded: res.AlreadyRefunded,
	})
}

// =============================================================================
// IMPORT / REPORT HANDLERS
// =============================================================================

// ImportMerits merges lifetime totals. Accepts JSON {"rows": [...]} or a
// text/csv body with pupil_id,total columns.
func (h *Handler) ImportMerits(w http.ResponseWriter, r *http.Request) {
	var rows []importer.Row

	if strings.HasPrefix(r.Header.Get("Content-Type"), "text/csv") {
		parsed, err := importer.ParseCSV(r.Body)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid CSV", err)
			return
		}
		rows = parsed
	} else {
		var req ImportMeritsRequest
		if !decodeAndValidate(w, r, &req) {
			return
		}
		rows = req.Rows
	}

	res, err := h.Importer.Apply(r.Context(), rows)
	if err != nil {
		h.writeDomainError(w, "Failed to import merits", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// GetDigest builds the purchase digest. Defaults to the last seven days;
// ?since= and ?until= take RFC3339.
func (h *Handler) GetDigest(w http.ResponseWriter, r *http.Request) {
	until := h.now()
	since := until.AddDate(0, 0, -7)

	for _, p := range []struct {
		name string
		dst  *time.Time
	}{{"since", &since}, {"until", &until}} {
		if s := r.URL.Query().Get(p.name); s != "" {
			t, err := time.Parse(time.RFC3339, s)
			if err != nil {
				writeError(w, http.StatusBadRequest, "Invalid "+p.name+" format (use RFC3339)", err)
				return
			}
			*p.dst = t
		}
	}
	if since.After(until) {
		writeError(w, http.StatusBadRequest, "since must be before until", nil)
		return
	}

	d, err := report.Build(r.Context(), h.Store, since, until)
	if err != nil {
		h.writeDomainError(w, "Failed to build digest", err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

// Healthz reports liveness.
func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// HELPERS
// =============================================================================

type validatable interface {
	Validate() error
}

func decodeAndValidate(w http.ResponseWriter, r *http.Request, req validatable) bool {
	if err := json.NewDecoder(r.Body).Decode(req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return false
	}
	if err := req.Validate(); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "Validation failed", Code: "validation", Details: err})
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// writeDomainError maps merit errors to HTTP status codes.
func (h *Handler) writeDomainError(w http.ResponseWriter, message string, err error) {
	status, code := classify(err)
	if status == http.StatusInternalServerError {
		h.Logger.Error(message, zap.Error(err))
	}

	resp := ErrorResponse{Error: message, Code: code, Details: err.Error()}
	var ib *merit.InsufficientBalanceError
	var oos *merit.OutOfStockError
	switch {
	case errors.As(err, &ib):
		resp.Error = ib.Error()
		resp.Details = map[string]int{"remaining": ib.Have, "cost": ib.Need}
	case errors.As(err, &oos):
		resp.Error = oos.Error()
		resp.Details = map[string]any{"kind": oos.Kind, "available": oos.Available}
	}
	writeJSON(w, status, resp)
}

func classify(err error) (int, string) {
	switch {
	case errors.Is(err, merit.ErrInsufficientBalance):
		return http.StatusConflict, "insufficient_balance"
	case errors.Is(err, merit.ErrOutOfStock):
		return http.StatusConflict, "out_of_stock"
	case errors.Is(err, merit.ErrAlreadyRefunded):
		return http.StatusConflict, "already_refunded"
	case errors.Is(err, merit.ErrNotApplicableForCyclicPrize):
		return http.StatusUnprocessableEntity, "not_applicable_for_cyclic_prize"
	case errors.Is(err, merit.ErrConcurrentModification):
		return http.StatusConflict, "concurrent_modification"
	case errors.Is(err, merit.ErrPupilNotFound):
		return http.StatusNotFound, "pupil_not_found"
	case errors.Is(err, merit.ErrPrizeNotFound):
		return http.StatusNotFound, "prize_not_found"
	case errors.Is(err, merit.ErrPurchaseNotFound):
		return http.StatusNotFound, "purchase_not_found"
	case merit.IsClientError(err):
		return http.StatusBadRequest, "validation"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func (h *Handler) now() time.Time {
	if h.Now == nil {
		return time.Now()
	}
	return h.Now()
}
