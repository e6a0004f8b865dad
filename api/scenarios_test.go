/*
scenarios_test.go - Unit tests for demo scenarios

PURPOSE:
	Tests that each scenario correctly sets up the expected state:
	- Loans and installments are created
	- Blocks are attached where the scenario needs them
	- Reset drops ledgers but keeps product documents

These tests ensure scenarios work correctly and can be used as integration tests.
*/
package api

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/delinquency-engine/generic"
)

func TestScenario_Loaders(t *testing.T) {
	h, _ := setupTestHandler(t)
	ctx := context.Background()

	for _, s := range scenarios {
		load, ok := scenarioLoaders[s.ID]
		require.True(t, ok, "no loader for %s", s.ID)
		require.NoError(t, load(h, ctx), s.ID)

		inst, err := h.Store.GetInstallment(ctx, generic.InstallmentID(s.InstallmentID))
		require.NoError(t, err, s.ID)
		assert.True(t, scenarioDue.Equal(inst.DueDate), s.ID)

		today, err := generic.ParseDate(s.Today)
		require.NoError(t, err)
		assert.True(t, today.After(scenarioDue), s.ID)
	}
}

func TestScenario_BlockAttached(t *testing.T) {
	h, _ := setupTestHandler(t)
	ctx := context.Background()
	require.NoError(t, h.loadScenarioB(ctx))

	blocks, err := h.Store.BlocksFor(ctx, "scn-b-1")
	require.NoError(t, err)
	require.Len(t, blocks, 1)
	assert.Equal(t, generic.BlockManual, blocks[0].Reason)
	assert.True(t, scenarioDue.AddDays(10).Equal(blocks[0].ValidUntil))
}

func TestScenario_PaidInstallmentsBalance(t *testing.T) {
	h, _ := setupTestHandler(t)
	ctx := context.Background()
	require.NoError(t, h.loadScenarioC(ctx))
	require.NoError(t, h.loadScenarioD(ctx))

	for _, id := range []generic.InstallmentID{"scn-c-1", "scn-d-1"} {
		inst, err := h.Store.GetInstallment(ctx, id)
		require.NoError(t, err)
		assert.True(t, inst.IsPaid(), id)
		assert.NoError(t, inst.CheckBalance(), id)
	}

	loan, err := h.Store.GetLoan(ctx, "scn-d")
	require.NoError(t, err)
	assert.True(t, loan.EverEnteredBucket5)

	insts, err := h.Store.InstallmentsForLoan(ctx, "scn-d")
	require.NoError(t, err)
	assert.Len(t, insts, 2)
}

func TestScenario_LoadReplacesPrevious(t *testing.T) {
	h, router := setupTestHandler(t)
	ctx := context.Background()

	loadScenario(t, router, "scenario-a")
	loadScenario(t, router, "scenario-b")

	_, err := h.Store.GetInstallment(ctx, "scn-a-1")
	assert.True(t, generic.IsNotFound(err))
	_, err = h.Store.GetInstallment(ctx, "scn-b-1")
	assert.NoError(t, err)

	products, err := h.Store.ListProducts(ctx)
	require.NoError(t, err)
	assert.Len(t, products, 4)
}

func TestScenario_Endpoints(t *testing.T) {
	_, router := setupTestHandler(t)

	rec := do(t, router, http.MethodGet, "/api/scenarios", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]ScenarioDTO](t, rec), len(scenarios))

	rec = do(t, router, http.MethodGet, "/api/scenarios/current", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "null", string(rec.Body.Bytes()[:4]))

	loadScenario(t, router, "scenario-c")
	rec = do(t, router, http.MethodGet, "/api/scenarios/current", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	current := decode[ScenarioDTO](t, rec)
	assert.Equal(t, "scenario-c", current.ID)
	assert.Equal(t, "scn-c-1", current.InstallmentID)

	loadScenario(t, router, "all")
	rec = do(t, router, http.MethodGet, "/api/scenarios/current", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]ScenarioDTO](t, rec), len(scenarios))

	rec = do(t, router, http.MethodPost, "/api/scenarios/reset", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = do(t, router, http.MethodGet, "/api/installments/scn-c-1", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
