/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Provides pre-built scenarios that populate the store with realistic
	shop data for demos and manual testing. Each scenario seeds pupils,
	awards, prizes, stock history and purchases that show one feature.

AVAILABLE SCENARIOS:

	shop-basics:  One pupil, perpetual stationery with restock and spoilage
	cyclic-lunch: Weekly and fortnightly cyclic prizes, one space taken
	busy-week:    Three forms with pending, collected and refunded orders

HOW SCENARIOS WORK:
 1. Reset the store (clear all data)
 2. Save pupils and award their opening merits
 3. Save prizes through the catalog, then restock or record spoilage
 4. Place purchases through the purchase gate and collect or refund them

Scenario files live in scenarios/*.yaml and are embedded at build time.

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "cyclic-lunch"}

ADDING NEW SCENARIOS:
 1. Drop a new YAML file into scenarios/
 2. Give it a unique id

NOTE:

	Scenarios reset the store. Only use in development/demo environments.

SEE ALSO:
  - handlers.go: Handler and the engine components the loader calls
*/
package api

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"net/http"
	"path"
	"sort"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/housepoints/merit-engine/merit"
)

//go:embed scenarios/*.yaml
var scenarioFiles embed.FS

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

type scenario struct {
	ID          string          `yaml:"id"`
	Name        string          `yaml:"name"`
	Description string          `yaml:"description"`
	Pupils      []scenarioPupil `yaml:"pupils"`
	Prizes      []scenarioPrize `yaml:"prizes"`
	Purchases   []scenarioOrder `yaml:"purchases"`
}

type scenarioPupil struct {
	ID        string `yaml:"id"`
	FirstName string `yaml:"first_name"`
	LastName  string `yaml:"last_name"`
	Form      string `yaml:"form"`
	YearGroup int    `yaml:"year_group"`
	Merits    int    `yaml:"merits"`
}

type scenarioPrize struct {
	ID          string `yaml:"id"`
	Description string `yaml:"description"`
	CostMerits  int    `yaml:"cost_merits"`
	CostMoney   string `yaml:"cost_money"`
	Supply      struct {
		Kind             string `yaml:"kind"`
		SpacesPerCycle   int    `yaml:"spaces_per_cycle"`
		CycleLengthWeeks int    `yaml:"cycle_length_weeks"`
		ResetDayOfWeek   int    `yaml:"reset_day_of_week"`
	} `yaml:"supply"`
	Restock  int `yaml:"restock"`
	Spoilage int `yaml:"spoilage"`
}

type scenarioOrder struct {
	Pupil  string `yaml:"pupil"`
	Prize  string `yaml:"prize"`
	Status string `yaml:"status"` // pending (default), collected, refunded
}

func (p scenarioPrize) prize() (merit.Prize, error) {
	money := decimal.Zero
	if p.CostMoney != "" {
		var err error
		if money, err = decimal.NewFromString(p.CostMoney); err != nil {
			return merit.Prize{}, fmt.Errorf("prize %s: cost_money: %w", p.ID, err)
		}
	}
	return merit.Prize{
		ID:          merit.PrizeID(p.ID),
		Description: p.Description,
		CostMerits:  p.CostMerits,
		CostMoney:   money,
		Active:      true,
		Supply: merit.SupplyPolicy{
			Kind:             merit.SupplyKind(p.Supply.Kind),
			SpacesPerCycle:   p.Supply.SpacesPerCycle,
			CycleLengthWeeks: p.Supply.CycleLengthWeeks,
			ResetDayOfWeek:   p.Supply.ResetDayOfWeek,
		},
	}, nil
}

// loadScenarios parses every embedded scenario file, sorted by id.
func loadScenarios(fsys fs.FS) ([]scenario, error) {
	names, err := fs.Glob(fsys, "scenarios/*.yaml")
	if err != nil {
		return nil, err
	}

	out := make([]scenario, 0, len(names))
	seen := map[string]bool{}
	for _, name := range names {
		data, err := fs.ReadFile(fsys, name)
		if err != nil {
			return nil, err
		}
		var sc scenario
		if err := yaml.Unmarshal(data, &sc); err != nil {
			return nil, fmt.Errorf("%s: %w", path.Base(name), err)
		}
		if sc.ID == "" || seen[sc.ID] {
			return nil, fmt.Errorf("%s: missing or duplicate scenario id %q", path.Base(name), sc.ID)
		}
		seen[sc.ID] = true
		out = append(out, sc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

var builtinScenarios = mustLoadScenarios()

func mustLoadScenarios() []scenario {
	s, err := loadScenarios(scenarioFiles)
	if err != nil {
		panic(err)
	}
	return s
}

func findScenario(id string) (scenario, bool) {
	for _, sc := range builtinScenarios {
		if sc.ID == id {
			return sc, true
		}
	}
	return scenario{}, false
}

// =============================================================================
// HANDLERS
// =============================================================================

// ListScenarios returns all available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	dtos := make([]ScenarioDTO, len(builtinScenarios))
	for i, sc := range builtinScenarios {
		dtos[i] = ScenarioDTO{ID: sc.ID, Name: sc.Name, Description: sc.Description}
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetCurrentScenario returns the id of the last loaded scenario.
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	current := h.currentScenario
	h.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]string{"scenario_id": current})
}

// LoadScenario resets the store and seeds the requested scenario.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}

	sc, ok := findScenario(req.ScenarioID)
	if !ok {
		writeError(w, http.StatusNotFound, "Unknown scenario: "+req.ScenarioID, nil)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.seed(r.Context(), sc); err != nil {
		h.writeDomainError(w, "Failed to load scenario", err)
		return
	}
	h.currentScenario = sc.ID
	h.Logger.Info("scenario loaded", zap.String("scenario", sc.ID))

	writeJSON(w, http.StatusOK, map[string]string{
		"status":      "loaded",
		"scenario_id": sc.ID,
	})
}

// ResetDatabase clears all data.
func (h *Handler) ResetDatabase(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.Store.Reset(r.Context()); err != nil {
		h.writeDomainError(w, "Failed to reset store", err)
		return
	}
	h.currentScenario = ""
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

// =============================================================================
// SEEDING
// =============================================================================

func (h *Handler) seed(ctx context.Context, sc scenario) error {
	if err := h.Store.Reset(ctx); err != nil {
		return err
	}

	for _, p := range sc.Pupils {
		pupil := merit.Pupil{
			ID:        merit.PupilID(p.ID),
			FirstName: p.FirstName,
			LastName:  p.LastName,
			FormName:  p.Form,
			YearGroup: p.YearGroup,
			Active:    true,
			CreatedAt: h.now(),
		}
		if err := h.Store.SavePupil(ctx, pupil); err != nil {
			return fmt.Errorf("pupil %s: %w", p.ID, err)
		}
		if p.Merits > 0 {
			if _, err := h.Ledger.Award(ctx, pupil.ID, p.Merits, "opening balance"); err != nil {
				return fmt.Errorf("pupil %s: %w", p.ID, err)
			}
		}
	}

	for _, p := range sc.Prizes {
		prize, err := p.prize()
		if err != nil {
			return err
		}
		if _, err := h.Catalog.SavePrize(ctx, prize); err != nil {
			return fmt.Errorf("prize %s: %w", p.ID, err)
		}
		if p.Restock > 0 {
			if _, err := h.Stock.Restock(ctx, prize.ID, p.Restock, "opening stock"); err != nil {
				return fmt.Errorf("prize %s: %w", p.ID, err)
			}
		}
		if p.Spoilage > 0 {
			if _, err := h.Stock.RecordSpoilage(ctx, prize.ID, p.Spoilage, "damaged in storage"); err != nil {
				return fmt.Errorf("prize %s: %w", p.ID, err)
			}
		}
	}

	for i, o := range sc.Purchases {
		receipt, err := h.Gate.Create(ctx, merit.PupilID(o.Pupil), merit.PrizeID(o.Prize))
		if err != nil {
			return fmt.Errorf("purchase %d: %w", i+1, err)
		}
		switch merit.PurchaseStatus(o.Status) {
		case merit.StatusCollected:
			_, err = h.Gate.Collect(ctx, receipt.Purchase.ID)
		case merit.StatusRefunded:
			_, err = h.Gate.Refund(ctx, receipt.Purchase.ID)
		}
		if err != nil {
			return fmt.Errorf("purchase %d: %w", i+1, err)
		}
	}
	return nil
}
