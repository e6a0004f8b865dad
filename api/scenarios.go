/*
scenarios.go - Demo scenario loaders for manual exploration

PURPOSE:
  Seeds the database with the four reference situations so classification
  and accrual can be tried over HTTP. Each scenario names the installment
  to look at and the business date that shows its outcome.

AVAILABLE SCENARIOS (due date D = 2025-03-10, principal 1,000,000):
  scenario-a:  Unpaid, today D+6. Two tiers apply: 5,000 + 10,000.
  scenario-b:  As A, plus a manual block through D+10. Nothing applies.
  scenario-c:  Paid at D+2 while 1 DPD. DPD 0, paid late by status code.
  scenario-d:  Loan already reached bucket 5, installment at 3 DPD.
               Bucket 5, not 1.
  all:         Every scenario above at once.

HOW SCENARIOS WORK:
 1. Reset installments, loans and ledgers (products are kept)
 2. Seed the built-in products that are missing
 3. Create loans and installments
 4. Optionally add blocks

USAGE VIA API:
	POST /api/scenarios/load
	{"scenario_id": "scenario-a"}

	POST /api/installments/scn-a-1/accrue
	{"today": "2025-03-16"}

NOTE:
	Scenarios reset the database. Only use in development/demo environments.

SEE ALSO:
  - handlers.go: Classification and accrual endpoints
  - factory/presets.go: Built-in product documents
*/
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/delinquency-engine/generic"
)

// scenarioDue is D in every scenario.
var scenarioDue = generic.NewDate(2025, time.March, 10)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:            "scenario-a",
		Name:          "Two tiers at once",
		Description:   "Unpaid installment six days past due; tiers at day 1 (0.5%) and day 5 (1.0%)",
		Today:         scenarioDue.AddDays(6).String(),
		InstallmentID: "scn-a-1",
		Expect:        "late fee 15000, late_fee_tiers_applied 2",
	},
	{
		ID:            "scenario-b",
		Name:          "Manual block",
		Description:   "Same as scenario A with a manual late-fee block through D+10",
		Today:         scenarioDue.AddDays(6).String(),
		InstallmentID: "scn-b-1",
		Expect:        "late fee 0, blocked_until " + scenarioDue.AddDays(10).String(),
	},
	{
		ID:            "scenario-c",
		Name:          "Paid late",
		Description:   "Installment paid at D+2 while classified 1 DPD",
		Today:         scenarioDue.AddDays(6).String(),
		InstallmentID: "scn-c-1",
		Expect:        "dpd 0, status paid_late",
	},
	{
		ID:            "scenario-d",
		Name:          "Sticky bucket 5",
		Description:   "Loan previously reached bucket 5; a later installment is 3 DPD",
		Today:         scenarioDue.AddDays(3).String(),
		InstallmentID: "scn-d-2",
		Expect:        "bucket 5",
	},
}

var scenarioLoaders = map[string]func(*Handler, context.Context) error{
	"scenario-a": (*Handler).loadScenarioA,
	"scenario-b": (*Handler).loadScenarioB,
	"scenario-c": (*Handler).loadScenarioC,
	"scenario-d": (*Handler).loadScenarioD,
}

// ListScenarios returns available scenarios.
// GET /api/scenarios
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// GetCurrentScenario returns the currently loaded scenario, if any.
// GET /api/scenarios/current
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	current := h.currentScenario
	h.mu.Unlock()

	if current == "all" {
		writeJSON(w, http.StatusOK, scenarios)
		return
	}
	for _, s := range scenarios {
		if s.ID == current {
			writeJSON(w, http.StatusOK, s)
			return
		}
	}
	writeJSON(w, http.StatusOK, nil)
}

// LoadScenario resets the database and loads a predefined scenario.
// POST /api/scenarios/load
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	var loaders []func(*Handler, context.Context) error
	if req.ScenarioID == "all" {
		for _, s := range scenarios {
			loaders = append(loaders, scenarioLoaders[s.ID])
		}
	} else if load, ok := scenarioLoaders[req.ScenarioID]; ok {
		loaders = append(loaders, load)
	} else {
		writeError(w, http.StatusBadRequest, "Unknown scenario", nil)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	ctx := r.Context()
	if err := h.resetForScenario(ctx); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to reset database", err)
		return
	}
	for _, load := range loaders {
		if err := load(h, ctx); err != nil {
			writeError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to load scenario: %v", err), err)
			return
		}
	}
	h.currentScenario = req.ScenarioID

	h.Log.WithField("scenario", req.ScenarioID).Info("scenario loaded")
	writeJSON(w, http.StatusOK, map[string]string{"status": "loaded", "scenario": req.ScenarioID})
}

// ResetDatabase drops every installment, loan and ledger entry.
// POST /api/scenarios/reset
func (h *Handler) ResetDatabase(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.Store.Reset(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to reset database", err)
		return
	}
	h.currentScenario = ""
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

func (h *Handler) resetForScenario(ctx context.Context) error {
	if err := h.Store.Reset(ctx); err != nil {
		return err
	}
	h.currentScenario = ""
	if _, err := h.Products.SeedDefaults(ctx, h.Store); err != nil {
		return fmt.Errorf("seed products: %w", err)
	}
	return h.RefreshCatalog(ctx)
}

// =============================================================================
// SCENARIO LOADERS
// =============================================================================

// scenarioInstallment is an unpaid installment of 1,000,000 principal due
// on offset days from D.
func scenarioInstallment(id generic.InstallmentID, loanID generic.LoanID, number, offset int) generic.Installment {
	principal := decimal.NewFromInt(1_000_000)
	return generic.Installment{
		ID:        id,
		LoanID:    loanID,
		Product:   "mtl",
		Number:    number,
		DueDate:   scenarioDue.AddDays(offset),
		DueAmount: principal,
		Principal: principal,
		Status:    generic.StatusNotDue,
	}
}

func (h *Handler) saveScenarioLoan(ctx context.Context, loan generic.Loan, insts ...generic.Installment) error {
	if loan.Product == "" {
		loan.Product = "mtl"
	}
	if loan.Status == "" {
		loan.Status = generic.LoanCurrent
	}
	if loan.LoanAmount.IsZero() {
		loan.LoanAmount = decimal.NewFromInt(int64(1_000_000 * len(insts)))
	}
	if err := h.Store.SaveLoan(ctx, loan); err != nil {
		return fmt.Errorf("save loan %s: %w", loan.ID, err)
	}
	for _, inst := range insts {
		if err := h.Store.SaveInstallment(ctx, inst); err != nil {
			return fmt.Errorf("save installment %s: %w", inst.ID, err)
		}
	}
	return nil
}

func (h *Handler) loadScenarioA(ctx context.Context) error {
	return h.saveScenarioLoan(ctx, generic.Loan{ID: "scn-a"}, scenarioInstallment("scn-a-1", "scn-a", 1, 0))
}

func (h *Handler) loadScenarioB(ctx context.Context) error {
	if err := h.saveScenarioLoan(ctx, generic.Loan{ID: "scn-b"}, scenarioInstallment("scn-b-1", "scn-b", 1, 0)); err != nil {
		return err
	}
	return h.Store.SaveBlock(ctx, generic.LateFeeBlock{
		ID:            "scn-b-block",
		InstallmentID: "scn-b-1",
		Reason:        generic.BlockManual,
		ValidUntil:    scenarioDue.AddDays(10),
		CreatedAt:     time.Now().UTC(),
	})
}

func (h *Handler) loadScenarioC(ctx context.Context) error {
	inst := scenarioInstallment("scn-c-1", "scn-c", 1, 0)
	inst.PaidDate = scenarioDue.AddDays(2)
	inst.PaidAmount = inst.Principal
	inst.PaidPrincipal = inst.Principal
	inst.DueAmount = decimal.Zero
	inst.Status = generic.Status1DPD
	inst.StatusAtPayment = generic.Status1DPD
	return h.saveScenarioLoan(ctx, generic.Loan{ID: "scn-c"}, inst)
}

func (h *Handler) loadScenarioD(ctx context.Context) error {
	first := scenarioInstallment("scn-d-1", "scn-d", 1, -120)
	first.PaidDate = scenarioDue.AddDays(-20)
	first.PaidAmount = first.Principal
	first.PaidPrincipal = first.Principal
	first.DueAmount = decimal.Zero
	first.Status = generic.Status90DPD
	first.StatusAtPayment = generic.Status90DPD

	return h.saveScenarioLoan(ctx,
		generic.Loan{ID: "scn-d", EverEnteredBucket5: true},
		first,
		scenarioInstallment("scn-d-2", "scn-d", 2, 0),
	)
}
