/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication, decoupled from the
  merit package types.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

VALIDATION:
  Request types validate themselves with ozzo-validation. Handlers call
  Validate() right after decoding and answer 400 on failure. Domain rules
  (balance, stock) are still enforced by the merit package.
*/
package api

import (
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/shopspring/decimal"

	"github.com/housepoints/merit-engine/importer"
	"github.com/housepoints/merit-engine/merit"
)

// =============================================================================
// PUPILS
// =============================================================================

type PupilDTO struct {
	ID        string `json:"id"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	FormName  string `json:"form_name,omitempty"`
	YearGroup int    `json:"year_group,omitempty"`
	Active    bool   `json:"active"`
	CreatedAt string `json:"created_at,omitempty"`
}

// PupilSearchDTO is a pupil search hit for the redemption screen.
type PupilSearchDTO struct {
	PupilDTO
	Remaining int `json:"remaining"`
}

type CreatePupilRequest struct {
	ID        string `json:"id"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	FormName  string `json:"form_name"`
	YearGroup int    `json:"year_group"`
	Active    *bool  `json:"active,omitempty"`
}

func (req *CreatePupilRequest) Validate() error {
	return validation.ValidateStruct(
		req,
		validation.Field(&req.ID, validation.Required, validation.Length(1, 64)),
		validation.Field(&req.FirstName, validation.Required, validation.Length(1, 100)),
		validation.Field(&req.LastName, validation.Required, validation.Length(1, 100)),
		validation.Field(&req.FormName, validation.Length(0, 20)),
		validation.Field(&req.YearGroup, validation.Min(0), validation.Max(13)),
	)
}

type BalanceDTO struct {
	PupilID      string `json:"pupil_id"`
	TotalAwarded int    `json:"total_awarded"`
	TotalSpent   int    `json:"total_spent"`
	Remaining    int    `json:"remaining"`
}

type AwardRequest struct {
	Amount int    `json:"amount"`
	Reason string `json:"reason"`
}

func (req *AwardRequest) Validate() error {
	return validation.ValidateStruct(
		req,
		validation.Field(&req.Amount, validation.Min(0)),
		validation.Field(&req.Reason, validation.Length(0, 200)),
	)
}

type AwardDTO struct {
	ID        string `json:"id"`
	PupilID   string `json:"pupil_id"`
	Amount    int    `json:"amount"`
	Reason    string `json:"reason,omitempty"`
	AwardedAt string `json:"awarded_at"`
}

// =============================================================================
// PRIZES
// =============================================================================

type SupplyDTO struct {
	Kind             string `json:"kind"`
	SpacesPerCycle   int    `json:"spaces_per_cycle,omitempty"`
	CycleLengthWeeks int    `json:"cycle_length_weeks,omitempty"`
	ResetDayOfWeek   int    `json:"reset_day_of_week,omitempty"`
}

type StockDTO struct {
	Kind        string `json:"kind"`
	Available   int    `json:"available"`
	Consumed    int    `json:"consumed"`
	Stocked     int    `json:"total_ever_stocked,omitempty"`
	Spoilage    int    `json:"spoilage_adjustment,omitempty"`
	Capacity    int    `json:"capacity,omitempty"`
	WindowStart string `json:"window_start,omitempty"`
	WindowEnd   string `json:"window_end,omitempty"`
}

type PrizeDTO struct {
	ID          string          `json:"id"`
	Description string          `json:"description"`
	CostMerits  int             `json:"cost_merits"`
	CostMoney   decimal.Decimal `json:"cost_money"`
	ImagePath   string          `json:"image_path,omitempty"`
	Active      bool            `json:"active"`
	Supply      SupplyDTO       `json:"supply"`
	Stock       *StockDTO       `json:"stock,omitempty"`
}

type SavePrizeRequest struct {
	ID          string          `json:"id"`
	Description string          `json:"description"`
	CostMerits  int             `json:"cost_merits"`
	CostMoney   decimal.Decimal `json:"cost_money"`
	ImagePath   string          `json:"image_path"`
	Active      *bool           `json:"active,omitempty"`
	Supply      SupplyDTO       `json:"supply"`
}

func (req *SavePrizeRequest) Validate() error {
	return validation.ValidateStruct(
		req,
		validation.Field(&req.ID, validation.Required, validation.Length(1, 64)),
		validation.Field(&req.Description, validation.Required, validation.Length(1, 200)),
		validation.Field(&req.CostMerits, validation.Min(0)),
		validation.Field(&req.CostMoney, validation.By(nonNegativeDecimal)),
		validation.Field(&req.Supply),
	)
}

func (s SupplyDTO) Validate() error {
	return validation.ValidateStruct(
		&s,
		validation.Field(&s.Kind, validation.In(string(merit.SupplyPerpetual), string(merit.SupplyCyclic))),
	)
}

func nonNegativeDecimal(value any) error {
	d, _ := value.(decimal.Decimal)
	if d.IsNegative() {
		return validation.NewError("validation_negative", "must not be negative")
	}
	return nil
}

type UnitsRequest struct {
	Units  int    `json:"units"`
	Reason string `json:"reason"`
}

func (req *UnitsRequest) Validate() error {
	return validation.ValidateStruct(
		req,
		validation.Field(&req.Units, validation.Min(0)),
		validation.Field(&req.Reason, validation.Length(0, 200)),
	)
}

type SetModeRequest struct {
	Cyclic bool `json:"cyclic"`
}

type AdjustmentDTO struct {
	ID        string `json:"id"`
	PrizeID   string `json:"prize_id"`
	Kind      string `json:"kind"`
	Delta     int    `json:"delta"`
	Reason    string `json:"reason,omitempty"`
	CreatedAt string `json:"created_at"`
}

// =============================================================================
// PURCHASES
// =============================================================================

type CreatePurchaseRequest struct {
	PupilID string `json:"pupil_id"`
	PrizeID string `json:"prize_id"`
}

func (req *CreatePurchaseRequest) Validate() error {
	return validation.ValidateStruct(
		req,
		validation.Field(&req.PupilID, validation.Required, validation.Length(1, 64)),
		validation.Field(&req.PrizeID, validation.Required, validation.Length(1, 64)),
	)
}

type PurchaseDTO struct {
	ID          string  `json:"id"`
	PupilID     string  `json:"pupil_id"`
	PrizeID     string  `json:"prize_id"`
	CostMerits  int     `json:"merit_cost_at_time"`
	Status      string  `json:"status"`
	CreatedAt   string  `json:"created_at"`
	FulfilledAt *string `json:"fulfilled_at,omitempty"`
}

type ReceiptDTO struct {
	Purchase         PurchaseDTO `json:"purchase"`
	RemainingBalance int         `json:"remaining_balance"`
	Stock            StockDTO    `json:"stock"`
}

type RefundDTO struct {
	Purchase        PurchaseDTO `json:"purchase"`
	RestoredBalance int         `json:"restored_balance"`
	RestoredStock   StockDTO    `json:"restored_stock"`
	AlreadyRefunded bool        `json:"already_refunded"`
}

// OrderDTO is a purchase row on the fulfilment screen.
type OrderDTO struct {
	PurchaseDTO
	PupilName        string `json:"pupil_name"`
	FormName         string `json:"form_name,omitempty"`
	YearGroup        int    `json:"year_group,omitempty"`
	PrizeDescription string `json:"prize_description"`
}

type OrdersDTO struct {
	Orders  []OrderDTO            `json:"orders"`
	Summary merit.PurchaseSummary `json:"summary"`
}

// =============================================================================
// IMPORTS / SCENARIOS / ERRORS
// =============================================================================

type ImportMeritsRequest struct {
	Rows []importer.Row `json:"rows"`
}

func (req *ImportMeritsRequest) Validate() error {
	return validation.ValidateStruct(
		req,
		validation.Field(&req.Rows, validation.Required),
	)
}

// ScenarioDTO represents a demo scenario.
type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id"`
}

func (req *LoadScenarioRequest) Validate() error {
	return validation.ValidateStruct(
		req,
		validation.Field(&req.ScenarioID, validation.Required),
	)
}

// ErrorResponse is the standard error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details any    `json:"details,omitempty"`
}

// =============================================================================
// CONVERSION HELPERS
// =============================================================================

func toPupilDTO(p merit.Pupil) PupilDTO {
	return PupilDTO{
		ID:        string(p.ID),
		FirstName: p.FirstName,
		LastName:  p.LastName,
		FormName:  p.FormName,
		YearGroup: p.YearGroup,
		Active:    p.Active,
		CreatedAt: formatTime(p.CreatedAt),
	}
}

func toBalanceDTO(b merit.Balance) BalanceDTO {
	return BalanceDTO{
		PupilID:      string(b.PupilID),
		TotalAwarded: b.TotalAwarded,
		TotalSpent:   b.TotalSpent,
		Remaining:    b.Remaining,
	}
}

func toAwardDTO(a merit.MeritAward) AwardDTO {
	return AwardDTO{
		ID:        string(a.ID),
		PupilID:   string(a.PupilID),
		Amount:    a.Amount,
		Reason:    a.Reason,
		AwardedAt: formatTime(a.AwardedAt),
	}
}

func toPrizeDTO(p merit.Prize, level *merit.StockLevel) PrizeDTO {
	dto := PrizeDTO{
		ID:          string(p.ID),
		Description: p.Description,
		CostMerits:  p.CostMerits,
		CostMoney:   p.CostMoney,
		ImagePath:   p.ImagePath,
		Active:      p.Active,
		Supply: SupplyDTO{
			Kind:             string(p.Supply.Kind),
			SpacesPerCycle:   p.Supply.SpacesPerCycle,
			CycleLengthWeeks: p.Supply.CycleLengthWeeks,
			ResetDayOfWeek:   p.Supply.ResetDayOfWeek,
		},
	}
	if level != nil {
		s := toStockDTO(*level)
		dto.Stock = &s
	}
	return dto
}

func toStockDTO(l merit.StockLevel) StockDTO {
	dto := StockDTO{
		Kind:      string(l.Kind),
		Available: l.Available,
		Consumed:  l.Consumed,
		Stocked:   l.Totals.TotalEverStocked,
		Spoilage:  l.Totals.SpoilageAdjustment,
		Capacity:  l.Capacity,
	}
	if l.Window != nil {
		dto.WindowStart = formatTime(l.Window.Start)
		dto.WindowEnd = formatTime(l.Window.End)
	}
	return dto
}

func toAdjustmentDTO(a merit.StockAdjustment) AdjustmentDTO {
	return AdjustmentDTO{
		ID:        string(a.ID),
		PrizeID:   string(a.PrizeID),
		Kind:      string(a.Kind),
		Delta:     a.Delta,
		Reason:    a.Reason,
		CreatedAt: formatTime(a.CreatedAt),
	}
}

func toPurchaseDTO(p merit.Purchase) PurchaseDTO {
	dto := PurchaseDTO{
		ID:         string(p.ID),
		PupilID:    string(p.PupilID),
		PrizeID:    string(p.PrizeID),
		CostMerits: p.CostMerits,
		Status:     string(p.Status),
		CreatedAt:  formatTime(p.CreatedAt),
	}
	if p.FulfilledAt != nil {
		s := formatTime(*p.FulfilledAt)
		dto.FulfilledAt = &s
	}
	return dto
}

func toOrderDTOs(lines []merit.OrderLine) []OrderDTO {
	dtos := make([]OrderDTO, len(lines))
	for i, l := range lines {
		dtos[i] = OrderDTO{
			PurchaseDTO:      toPurchaseDTO(l.Purchase),
			PupilName:        l.PupilName,
			FormName:         l.FormName,
			YearGroup:        l.YearGroup,
			PrizeDescription: l.PrizeDescription,
		}
	}
	return dtos
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(time.RFC3339)
}
