/*
handlers_test.go - HTTP tests for the API handlers

Runs the real router against an in-memory SQLite store:
- Scenarios A-D end to end over HTTP
- Error mapping (400 / 404 / 409 / 422)
- Product documents and ladder overrides
- Manual blocks and batch runs
*/
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/delinquency-engine/batch"
	"github.com/warp/delinquency-engine/delinquency"
	"github.com/warp/delinquency-engine/engine"
	"github.com/warp/delinquency-engine/generic"
	"github.com/warp/delinquency-engine/latefee"
	"github.com/warp/delinquency-engine/store/sqlite"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

func setupTestHandler(t *testing.T) (*Handler, http.Handler) {
	t.Helper()
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	log := logrus.New()
	log.SetOutput(io.Discard)

	caps := latefee.NewSwappableCap(nil)
	registry := delinquency.NewOverrideRegistry(delinquency.DefaultLadder)
	eng := engine.New(store, log,
		engine.WithAccruer(latefee.NewAccruer(caps, log)),
		engine.WithClassifier(delinquency.NewClassifier(registry)),
	)

	h := NewHandler(store, eng, nil, log)
	h.Caps = caps
	h.Runner = batch.NewRunner(eng, h.Rules(), store, log)
	h.Today = func() generic.Date { return scenarioDue.AddDays(6) }
	require.NoError(t, h.resetForScenario(context.Background()))
	return h, NewRouter(h)
}

func do(t *testing.T, router http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func loadScenario(t *testing.T, router http.Handler, id string) {
	t.Helper()
	rec := do(t, router, http.MethodPost, "/api/scenarios/load", LoadScenarioRequest{ScenarioID: id})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// =============================================================================
// SCENARIOS OVER HTTP
// =============================================================================

func TestAccrue_ScenarioA(t *testing.T) {
	// GIVEN: due D, tiers 0.5% at day 1 and 1.0% at day 5, principal 1,000,000
	// WHEN:  accrual runs at D+6
	// THEN:  both tiers apply in one run
	_, router := setupTestHandler(t)
	loadScenario(t, router, "scenario-a")

	rec := do(t, router, http.MethodPost, "/api/installments/scn-a-1/accrue", AccrueRequest{Today: "2025-03-16"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	res := decode[AccrualDTO](t, rec)
	assert.True(t, dec("15000").Equal(res.FeeApplied))
	assert.True(t, dec("1015000").Equal(res.NewDueAmount))
	assert.Equal(t, 2, res.TiersApplied)
	assert.Len(t, res.Events, 2)

	rec = do(t, router, http.MethodGet, "/api/installments/scn-a-1/fee-events", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	events := decode[[]FeeEventDTO](t, rec)
	require.Len(t, events, 2)
	assert.True(t, dec("5000").Equal(events[0].Amount))
	assert.True(t, dec("10000").Equal(events[1].Amount))

	rec = do(t, router, http.MethodGet, "/api/installments/scn-a-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	inst := decode[InstallmentDTO](t, rec)
	assert.Equal(t, 2, inst.LateFeeTiersApplied)
	assert.True(t, dec("15000").Equal(inst.LateFee))

	// Same day again: nothing more.
	rec = do(t, router, http.MethodPost, "/api/installments/scn-a-1/accrue", AccrueRequest{Today: "2025-03-16"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decode[AccrualDTO](t, rec).FeeApplied.IsZero())
}

func TestAccrue_DefaultsToServerToday(t *testing.T) {
	_, router := setupTestHandler(t)
	loadScenario(t, router, "scenario-a")

	rec := do(t, router, http.MethodPost, "/api/installments/scn-a-1/accrue", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	res := decode[AccrualDTO](t, rec)
	assert.Equal(t, "2025-03-16", res.Today)
	assert.Equal(t, 2, res.TiersApplied)
}

func TestAccrue_ScenarioB(t *testing.T) {
	_, router := setupTestHandler(t)
	loadScenario(t, router, "scenario-b")

	rec := do(t, router, http.MethodPost, "/api/installments/scn-b-1/accrue", AccrueRequest{Today: "2025-03-16"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	res := decode[AccrualDTO](t, rec)
	assert.True(t, res.FeeApplied.IsZero())
	assert.Equal(t, 0, res.TiersTotal)
	assert.Equal(t, string(latefee.StopBlocked), res.Stop)
	assert.Equal(t, "2025-03-20", res.BlockedUntil)
}

func TestClassification_ScenarioC(t *testing.T) {
	_, router := setupTestHandler(t)
	loadScenario(t, router, "scenario-c")

	rec := do(t, router, http.MethodGet, "/api/installments/scn-c-1/classification?today=2025-03-16", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	c := decode[ClassificationDTO](t, rec)
	require.NotNil(t, c.DPD)
	assert.Equal(t, 0, *c.DPD)
	assert.Equal(t, int(generic.StatusPaidLate), c.Status.Code)
	assert.Equal(t, "paid_late", c.Status.Name)
}

func TestClassification_ScenarioD(t *testing.T) {
	_, router := setupTestHandler(t)
	loadScenario(t, router, "scenario-d")

	rec := do(t, router, http.MethodGet, "/api/installments/scn-d-2/classification?today=2025-03-13", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	c := decode[ClassificationDTO](t, rec)
	require.NotNil(t, c.DPD)
	assert.Equal(t, 3, *c.DPD)
	assert.Equal(t, 5, c.Bucket)
}

func TestClassification_RecordsHistory(t *testing.T) {
	_, router := setupTestHandler(t)
	loadScenario(t, router, "scenario-a")

	rec := do(t, router, http.MethodGet, "/api/installments/scn-a-1/classification", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	c := decode[ClassificationDTO](t, rec)
	assert.True(t, c.Changed)
	assert.Equal(t, int(generic.Status5DPD), c.Status.Code)
	assert.Equal(t, 1, c.Bucket)

	rec = do(t, router, http.MethodGet, "/api/installments/scn-a-1/status-history", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	history := decode[[]StatusTransitionDTO](t, rec)
	require.Len(t, history, 1)
	assert.Equal(t, int(generic.StatusNotDue), history[0].From.Code)
	assert.Equal(t, int(generic.Status5DPD), history[0].To.Code)
	assert.Equal(t, "2025-03-16", history[0].At)
}

// =============================================================================
// ERROR MAPPING
// =============================================================================

func TestErrors(t *testing.T) {
	h, router := setupTestHandler(t)
	ctx := context.Background()

	require.NoError(t, h.Store.SaveLoan(ctx, generic.Loan{ID: "loan-x", Product: "zzz", Status: generic.LoanCurrent}))
	orphan := scenarioInstallment("inst-x", "loan-x", 1, 0)
	orphan.Product = "zzz"
	require.NoError(t, h.Store.SaveInstallment(ctx, orphan))

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		status int
	}{
		{"unknown installment", http.MethodGet, "/api/installments/nope", nil, http.StatusNotFound},
		{"classify unknown", http.MethodGet, "/api/installments/nope/classification", nil, http.StatusNotFound},
		{"accrue unknown", http.MethodPost, "/api/installments/nope/accrue", nil, http.StatusNotFound},
		{"fee events unknown", http.MethodGet, "/api/installments/nope/fee-events", nil, http.StatusNotFound},
		{"bad today", http.MethodGet, "/api/installments/inst-x/classification?today=16-03-2025", nil, http.StatusBadRequest},
		{"bad body", http.MethodPost, "/api/installments/inst-x/accrue", "not an object", http.StatusBadRequest},
		{"no rule table", http.MethodPost, "/api/installments/inst-x/accrue", AccrueRequest{Today: "2025-03-16"}, http.StatusUnprocessableEntity},
		{"unknown product", http.MethodGet, "/api/products/nope", nil, http.StatusNotFound},
		{"unknown scenario", http.MethodPost, "/api/scenarios/load", LoadScenarioRequest{ScenarioID: "z"}, http.StatusBadRequest},
		{"bad limit", http.MethodGet, "/api/batch/runs?limit=x", nil, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, router, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
			assert.NotEmpty(t, decode[ErrorResponse](t, rec).Error)
		})
	}
}

func TestWriteDomainError(t *testing.T) {
	tests := []struct {
		err    error
		status int
	}{
		{&generic.NotFoundError{Kind: "installment", ID: "x"}, http.StatusNotFound},
		{generic.ErrConcurrencyConflict, http.StatusConflict},
		{generic.ErrDuplicateIdempotencyKey, http.StatusConflict},
		{&generic.ConfigurationMissingError{Product: "x"}, http.StatusUnprocessableEntity},
		{&generic.InvalidStateError{InstallmentID: "x", Reason: "r"}, http.StatusUnprocessableEntity},
		{io.ErrUnexpectedEOF, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		rec := httptest.NewRecorder()
		writeDomainError(rec, "failed", tt.err)
		assert.Equal(t, tt.status, rec.Code, tt.err.Error())
	}
}

// =============================================================================
// PRODUCTS
// =============================================================================

func TestProducts_CreateListVersion(t *testing.T) {
	_, router := setupTestHandler(t)

	rec := do(t, router, http.MethodGet, "/api/products", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]ProductDTO](t, rec), 4, "defaults are seeded")

	doc := json.RawMessage(`{
		"code": "bnpl",
		"name": "Buy now pay later",
		"late_fee": {"tiers": [{"dpd_threshold": 3, "fee_pct": 2}], "max_fee_pct": "5"}
	}`)
	rec = do(t, router, http.MethodPost, "/api/products", doc)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	p := decode[ProductDTO](t, rec)
	assert.Equal(t, "bnpl", p.Code)
	assert.Equal(t, "bnpl", p.ProductLine)
	assert.Equal(t, 1, p.Version)
	require.Len(t, p.Config.LateFee.Tiers, 1)

	rec = do(t, router, http.MethodPost, "/api/products", doc)
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, 2, decode[ProductDTO](t, rec).Version)

	rec = do(t, router, http.MethodGet, "/api/products/bnpl", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Buy now pay later", decode[ProductDTO](t, rec).Name)
}

func TestProducts_RejectsInvalidDocument(t *testing.T) {
	_, router := setupTestHandler(t)

	rec := do(t, router, http.MethodPost, "/api/products", json.RawMessage(`{
		"code": "bad",
		"late_fee": {"tiers": [
			{"dpd_threshold": 5, "fee_pct": "1.0"},
			{"dpd_threshold": 1, "fee_pct": "0.5"}
		]}
	}`))
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code, rec.Body.String())

	rec = do(t, router, http.MethodGet, "/api/products/bad", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestProducts_OverrideAndCapTakeEffect(t *testing.T) {
	// GIVEN: a merchant product whose 5 DPD stage starts at day 7 and whose
	//        fees are capped at 0.6% of the loan amount
	// WHEN:  an installment of that line is 6 DPD
	// THEN:  it is still 1 DPD, and only the first tier fits under the cap
	h, router := setupTestHandler(t)
	ctx := context.Background()

	rec := do(t, router, http.MethodPost, "/api/products", json.RawMessage(`{
		"code": "mfl",
		"product_line": "merchant_financing",
		"late_fee": {
			"tiers": [{"dpd_threshold": 1, "fee_pct": "0.5"}, {"dpd_threshold": 5, "fee_pct": "1.0"}],
			"max_fee_pct": "0.6"
		},
		"status_override": {"5dpd": 7}
	}`))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	inst := scenarioInstallment("inst-m", "loan-m", 1, 0)
	inst.Product = "mfl"
	inst.ProductLine = "merchant_financing"
	require.NoError(t, h.Store.SaveLoan(ctx, generic.Loan{
		ID: "loan-m", Product: "mfl", ProductLine: "merchant_financing",
		Status: generic.LoanCurrent, LoanAmount: dec("1000000"),
	}))
	require.NoError(t, h.Store.SaveInstallment(ctx, inst))

	rec = do(t, router, http.MethodGet, "/api/installments/inst-m/classification?today=2025-03-16", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, int(generic.Status1DPD), decode[ClassificationDTO](t, rec).Status.Code)

	rec = do(t, router, http.MethodPost, "/api/installments/inst-m/accrue", AccrueRequest{Today: "2025-03-16"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	res := decode[AccrualDTO](t, rec)
	assert.True(t, dec("5000").Equal(res.FeeApplied))
	assert.Equal(t, string(latefee.StopCapReached), res.Stop)
}

func TestProducts_RemovedOverrideRestoresDefaultLadder(t *testing.T) {
	// GIVEN: a merchant product saved with a 5 DPD stage at day 7
	// WHEN:  the product is saved again without status_override
	// THEN:  a 6 DPD installment of that line classifies as 5 DPD again
	h, router := setupTestHandler(t)
	ctx := context.Background()

	rec := do(t, router, http.MethodPost, "/api/products", json.RawMessage(`{
		"code": "mfl",
		"product_line": "merchant_financing",
		"late_fee": {"tiers": [{"dpd_threshold": 1, "fee_pct": "0.5"}]},
		"status_override": {"5dpd": 7}
	}`))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	inst := scenarioInstallment("inst-m", "loan-m", 1, 0)
	inst.Product = "mfl"
	inst.ProductLine = "merchant_financing"
	require.NoError(t, h.Store.SaveLoan(ctx, generic.Loan{
		ID: "loan-m", Product: "mfl", ProductLine: "merchant_financing",
		Status: generic.LoanCurrent, LoanAmount: dec("1000000"),
	}))
	require.NoError(t, h.Store.SaveInstallment(ctx, inst))

	rec = do(t, router, http.MethodGet, "/api/installments/inst-m/classification?today=2025-03-16", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Equal(t, int(generic.Status1DPD), decode[ClassificationDTO](t, rec).Status.Code)

	rec = do(t, router, http.MethodPost, "/api/products", json.RawMessage(`{
		"code": "mfl",
		"product_line": "merchant_financing",
		"late_fee": {"tiers": [{"dpd_threshold": 1, "fee_pct": "0.5"}]}
	}`))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = do(t, router, http.MethodGet, "/api/installments/inst-m/classification?today=2025-03-16", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, int(generic.Status5DPD), decode[ClassificationDTO](t, rec).Status.Code)
}

// =============================================================================
// BLOCKS
// =============================================================================

func TestBlocks_CreateStopsAccrual(t *testing.T) {
	_, router := setupTestHandler(t)
	loadScenario(t, router, "scenario-a")

	rec := do(t, router, http.MethodPost, "/api/installments/scn-a-1/blocks", CreateBlockRequest{Reason: "nope", ValidUntil: "2025-03-20"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, router, http.MethodPost, "/api/installments/scn-a-1/blocks", CreateBlockRequest{Reason: "dispute"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, router, http.MethodPost, "/api/installments/nope/blocks", CreateBlockRequest{Reason: "manual", ValidUntil: "2025-03-20"})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, router, http.MethodPost, "/api/installments/scn-a-1/blocks", CreateBlockRequest{Reason: "dispute", ValidUntil: "2025-03-20"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.NotEmpty(t, decode[BlockDTO](t, rec).ID)

	rec = do(t, router, http.MethodGet, "/api/installments/scn-a-1/blocks", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]BlockDTO](t, rec), 1)

	rec = do(t, router, http.MethodPost, "/api/installments/scn-a-1/accrue", AccrueRequest{Today: "2025-03-16"})
	require.Equal(t, http.StatusOK, rec.Code)
	res := decode[AccrualDTO](t, rec)
	assert.True(t, res.FeeApplied.IsZero())
	assert.Equal(t, "2025-03-20", res.BlockedUntil)
}

// =============================================================================
// BATCH
// =============================================================================

func TestBatch_TriggerAndList(t *testing.T) {
	_, router := setupTestHandler(t)
	loadScenario(t, router, "all")

	rec := do(t, router, http.MethodPost, "/api/batch/runs", TriggerRunRequest{Today: "2025-03-16"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var report struct {
		RunID          string          `json:"run_id"`
		Today          string          `json:"today"`
		Charged        int             `json:"charged"`
		FeeTotal       decimal.Decimal `json:"fee_total"`
		FailedProducts []string        `json:"failed_products"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	assert.Equal(t, "2025-03-16", report.Today)
	// scn-a-1 and scn-d-2 are charged; scn-b-1 is blocked, scn-c-1 is paid.
	assert.Equal(t, 2, report.Charged)
	assert.True(t, dec("30000").Equal(report.FeeTotal))
	assert.Empty(t, report.FailedProducts)

	rec = do(t, router, http.MethodGet, "/api/batch/runs?limit=5", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	runs := decode[[]BatchRunDTO](t, rec)
	require.Len(t, runs, 1)
	assert.Equal(t, report.RunID, runs[0].ID)
	assert.Equal(t, string(generic.RunCompleted), runs[0].Status)
	assert.Equal(t, "2025-03-16", runs[0].AsOf)
	assert.NotEmpty(t, runs[0].CompletedAt)
}

// =============================================================================
// MISC
// =============================================================================

func TestHealth(t *testing.T) {
	_, router := setupTestHandler(t)
	rec := do(t, router, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}
