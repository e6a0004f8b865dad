package sqlite_test

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/delinquency-engine/engine"
	"github.com/warp/delinquency-engine/generic"
	"github.com/warp/delinquency-engine/latefee"
	"github.com/warp/delinquency-engine/store/sqlite"
)

var due = generic.NewDate(2025, time.March, 10)

func newStore(t *testing.T) *sqlite.Store {
	t.Helper()
	s, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func installment(id generic.InstallmentID, number int, dueDate generic.Date) generic.Installment {
	principal := decimal.NewFromInt(1_000_000)
	return generic.Installment{
		ID:        id,
		LoanID:    "loan-1",
		Product:   "mtl",
		Number:    number,
		DueDate:   dueDate,
		DueAmount: principal,
		Principal: principal,
		Status:    generic.StatusNotDue,
	}
}

func seed(t *testing.T, s *sqlite.Store, insts ...generic.Installment) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, s.SaveLoan(ctx, generic.Loan{
		ID: "loan-1", Product: "mtl", LoanAmount: decimal.NewFromInt(3_000_000),
	}))
	for _, inst := range insts {
		require.NoError(t, s.SaveInstallment(ctx, inst))
	}
}

// =============================================================================
// ROWS
// =============================================================================

func TestInstallment_RoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	inst := installment("inst-1", 1, due)
	inst.Interest = decimal.RequireFromString("12500.50")
	inst.DueAmount = inst.DueAmount.Add(inst.Interest)
	inst.Excluded = true
	inst.StatusAtPayment = generic.Status1DPD
	seed(t, s, inst)

	got, err := s.GetInstallment(ctx, "inst-1")
	require.NoError(t, err)
	assert.Equal(t, inst.LoanID, got.LoanID)
	assert.True(t, due.Equal(got.DueDate))
	assert.True(t, got.PaidDate.IsZero())
	assert.True(t, inst.DueAmount.Equal(got.DueAmount))
	assert.True(t, inst.Interest.Equal(got.Interest))
	assert.True(t, got.Excluded)
	assert.Equal(t, generic.Status1DPD, got.StatusAtPayment)
	assert.NoError(t, got.CheckBalance())

	_, err = s.GetInstallment(ctx, "missing")
	assert.True(t, generic.IsNotFound(err))
}

func TestLoan_RoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	seed(t, s)

	loan, err := s.GetLoan(ctx, "loan-1")
	require.NoError(t, err)
	assert.Equal(t, generic.LoanCurrent, loan.Status)
	assert.False(t, loan.EverEnteredBucket5)

	loan.EverEnteredBucket5 = true
	loan.LegacyUnlinked = true
	loan.NewLoanIneligible = true
	require.NoError(t, s.SaveLoan(ctx, loan))

	loan, err = s.GetLoan(ctx, "loan-1")
	require.NoError(t, err)
	assert.True(t, loan.EverEnteredBucket5)
	assert.True(t, loan.LegacyUnlinked)
	assert.True(t, loan.NewLoanIneligible)
	assert.False(t, loan.FeeIneligible)
	assert.True(t, decimal.NewFromInt(3_000_000).Equal(loan.LoanAmount))
}

func TestNew_AddsColumnsToExistingDatabase(t *testing.T) {
	// GIVEN: a database file whose loans table predates new_loan_ineligible
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "old.db")
	old, err := sql.Open("sqlite3", path)
	require.NoError(t, err)
	_, err = old.Exec(`CREATE TABLE loans (
		id TEXT PRIMARY KEY,
		customer_id TEXT NOT NULL DEFAULT '',
		product TEXT NOT NULL,
		product_line TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'current',
		loan_amount TEXT NOT NULL DEFAULT '0',
		fee_ineligible INTEGER NOT NULL DEFAULT 0,
		ever_bucket5 INTEGER NOT NULL DEFAULT 0,
		legacy_unlinked INTEGER NOT NULL DEFAULT 0,
		updated_at TEXT NOT NULL
	)`)
	require.NoError(t, err)
	_, err = old.Exec(`INSERT INTO loans (id, product, updated_at) VALUES ('loan-1', 'mtl', '2025-03-01T00:00:00Z')`)
	require.NoError(t, err)
	require.NoError(t, old.Close())

	// WHEN: the store opens it
	s, err := sqlite.New(path)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	// THEN: existing loans read back and the new flag persists
	loan, err := s.GetLoan(ctx, "loan-1")
	require.NoError(t, err)
	assert.False(t, loan.NewLoanIneligible)

	loan.NewLoanIneligible = true
	require.NoError(t, s.SaveLoan(ctx, loan))
	loan, err = s.GetLoan(ctx, "loan-1")
	require.NoError(t, err)
	assert.True(t, loan.NewLoanIneligible)
}

func TestFindInstallments_Filter(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	paid := installment("inst-paid", 3, due.AddDays(-5))
	paid.PaidDate = due
	charged := installment("inst-charged", 4, due.AddDays(-2))
	charged.LateFeeTiersApplied = 2
	other := installment("inst-other", 5, due.AddDays(-1))
	other.Product = "stl"
	seed(t, s,
		installment("inst-b", 2, due),
		installment("inst-a", 1, due),
		installment("inst-nodue", 6, generic.Date{}),
		paid, charged, other,
	)

	got, err := s.FindInstallments(ctx, generic.InstallmentFilter{
		Products:          []generic.ProductCode{"mtl"},
		DueTo:             due,
		UnpaidOnly:        true,
		TiersAppliedBelow: 2,
	})
	require.NoError(t, err)

	var ids []generic.InstallmentID
	for _, inst := range got {
		ids = append(ids, inst.ID)
	}
	assert.Equal(t, []generic.InstallmentID{"inst-a", "inst-b"}, ids)

	limited, err := s.FindInstallments(ctx, generic.InstallmentFilter{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, limited, 2)

	forLoan, err := s.InstallmentsForLoan(ctx, "loan-1")
	require.NoError(t, err)
	require.Len(t, forLoan, 6)
	assert.Equal(t, 1, forLoan[0].Number)
}

func TestBlocksAndPromises(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	seed(t, s, installment("inst-1", 1, due))

	require.NoError(t, s.SaveBlock(ctx, generic.LateFeeBlock{
		ID: "b2", InstallmentID: "inst-1", Reason: generic.BlockManual, ValidUntil: due.AddDays(10),
	}))
	require.NoError(t, s.SaveBlock(ctx, generic.LateFeeBlock{
		ID: "b1", InstallmentID: "inst-1", Reason: generic.BlockPromiseToPay, ValidUntil: due.AddDays(3), PromiseID: "p1",
	}))

	blocks, err := s.BlocksFor(ctx, "inst-1")
	require.NoError(t, err)
	require.Len(t, blocks, 2)
	assert.Equal(t, generic.BlockID("b1"), blocks[0].ID)
	assert.Equal(t, generic.PromiseID("p1"), blocks[0].PromiseID)

	require.NoError(t, s.SavePromise(ctx, generic.PromiseToPay{
		ID: "p1", LoanID: "loan-1", PromiseDate: due.AddDays(3), Status: generic.PromiseActive,
	}))
	p, err := s.GetPromise(ctx, "p1")
	require.NoError(t, err)
	assert.True(t, p.Suppresses(due.AddDays(3)))

	p.Status = generic.PromisePaid
	require.NoError(t, s.SavePromise(ctx, p))
	promises, err := s.PromisesForLoan(ctx, "loan-1")
	require.NoError(t, err)
	require.Len(t, promises, 1)
	assert.Equal(t, generic.PromisePaid, promises[0].Status)
}

// =============================================================================
// LEDGERS
// =============================================================================

func TestFeeEvents_UniqueKey(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	seed(t, s, installment("inst-1", 1, due))

	ev := generic.FeeEvent{
		ID:             "ev-1",
		InstallmentID:  "inst-1",
		LoanID:         "loan-1",
		Product:        "mtl",
		Tier:           0,
		DPDThreshold:   1,
		FeePct:         decimal.RequireFromString("0.5"),
		Amount:         decimal.NewFromInt(5000),
		DueBefore:      decimal.NewFromInt(1_000_000),
		DueAfter:       decimal.NewFromInt(1_005_000),
		AccruedOn:      due.AddDays(1),
		Sequence:       1,
		IdempotencyKey: generic.FeeIdempotencyKey("inst-1", 0),
	}
	require.NoError(t, s.AppendFeeEvent(ctx, ev))

	ev.ID = "ev-2"
	ev.Sequence = 2
	assert.ErrorIs(t, s.AppendFeeEvent(ctx, ev), generic.ErrDuplicateIdempotencyKey)

	exists, err := s.FeeEventExists(ctx, ev.IdempotencyKey)
	require.NoError(t, err)
	assert.True(t, exists)

	events, err := s.FeeEvents(ctx, "inst-1")
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.True(t, decimal.NewFromInt(5000).Equal(events[0].Amount))
	assert.True(t, due.AddDays(1).Equal(events[0].AccruedOn))
}

func TestStatusHistory_Ordered(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	for i, to := range []generic.StatusCode{generic.Status1DPD, generic.Status5DPD} {
		require.NoError(t, s.AppendStatusTransition(ctx, generic.StatusTransition{
			InstallmentID: "inst-1", LoanID: "loan-1",
			From: generic.StatusCode(int(to) - 1), To: to,
			At: due.AddDays(i), Sequence: i + 1, Reason: "classification",
		}))
	}
	err := s.AppendStatusTransition(ctx, generic.StatusTransition{InstallmentID: "inst-1", Sequence: 2})
	assert.ErrorIs(t, err, generic.ErrConcurrencyConflict)

	history, err := s.StatusHistory(ctx, "inst-1")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, generic.Status5DPD, history[1].To)
	assert.Equal(t, "classification", history[1].Reason)
}

// =============================================================================
// LOCK + TRANSACTION
// =============================================================================

func TestWithInstallmentLock_RollsBackOnError(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	seed(t, s, installment("inst-1", 1, due))

	boom := errors.New("boom")
	err := s.WithInstallmentLock(ctx, "inst-1", func(tx generic.Store) error {
		inst, err := tx.GetInstallment(ctx, "inst-1")
		require.NoError(t, err)
		inst.ApplyLateFee(decimal.NewFromInt(5000))
		require.NoError(t, tx.SaveInstallment(ctx, inst))
		return boom
	})
	assert.ErrorIs(t, err, boom)

	inst, err := s.GetInstallment(ctx, "inst-1")
	require.NoError(t, err)
	assert.Equal(t, 0, inst.LateFeeTiersApplied)
	assert.True(t, inst.LateFee.IsZero())
}

func TestWithInstallmentLock_TimesOut(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	s.LockTimeout = 50 * time.Millisecond
	seed(t, s, installment("inst-1", 1, due), installment("inst-2", 2, due))

	entered := make(chan struct{})
	done := make(chan struct{})
	go func() {
		_ = s.WithInstallmentLock(ctx, "inst-1", func(generic.Store) error {
			close(entered)
			<-done
			return nil
		})
	}()
	<-entered

	err := s.WithInstallmentLock(ctx, "inst-2", func(generic.Store) error { return nil })
	close(done)
	assert.ErrorIs(t, err, generic.ErrConcurrencyConflict)
}

func TestEngineOnSQLite_ScenarioA(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	seed(t, s, installment("inst-1", 1, due))

	snap := latefee.NewSnapshot([]latefee.RuleTable{{
		Product: "mtl",
		Tiers: []latefee.Tier{
			{DPDThreshold: 1, FeePct: decimal.RequireFromString("0.5")},
			{DPDThreshold: 5, FeePct: decimal.RequireFromString("1.0")},
		},
	}})
	e := engine.New(s, nil)

	res, err := e.AccrueLateFee(ctx, snap, "inst-1", due.AddDays(6))
	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(15000).Equal(res.FeeApplied))

	res, err = e.AccrueLateFee(ctx, snap, "inst-1", due.AddDays(6))
	require.NoError(t, err)
	assert.True(t, res.FeeApplied.IsZero())

	events, err := s.FeeEvents(ctx, "inst-1")
	require.NoError(t, err)
	require.Len(t, events, 2)

	inst, err := s.GetInstallment(ctx, "inst-1")
	require.NoError(t, err)
	replayed, err := generic.ReplayFeeEvents(installment("inst-1", 1, due), events)
	require.NoError(t, err)
	assert.True(t, inst.DueAmount.Equal(replayed.DueAmount))

	c, err := e.ClassifyAndBucket(ctx, "inst-1", due.AddDays(6))
	require.NoError(t, err)
	assert.Equal(t, generic.Status5DPD, c.Status)
	history, err := s.StatusHistory(ctx, "inst-1")
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

// =============================================================================
// PRODUCTS AND RUNS
// =============================================================================

func TestProducts_Versioned(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	rec := generic.ProductRecord{Code: "mtl", Name: "Multi-term loan", ConfigJSON: `{"code":"mtl"}`}
	require.NoError(t, s.SaveProduct(ctx, rec))
	require.NoError(t, s.SaveProduct(ctx, rec))

	got, err := s.GetProduct(ctx, "mtl")
	require.NoError(t, err)
	assert.Equal(t, 2, got.Version)

	list, err := s.ListProducts(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	require.NoError(t, s.DeleteProduct(ctx, "mtl"))
	_, err = s.GetProduct(ctx, "mtl")
	assert.True(t, generic.IsNotFound(err))
}

func TestRuns_Upsert(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	started := time.Now().UTC()
	run := generic.BatchRun{ID: "run-1", AsOf: due, Status: generic.RunRunning, StartedAt: started}
	require.NoError(t, s.SaveRun(ctx, run))

	completed := started.Add(time.Second)
	run.Status = generic.RunCompleted
	run.Processed = 3
	run.FailedProducts = []generic.ProductCode{"stl"}
	run.CompletedAt = &completed
	require.NoError(t, s.SaveRun(ctx, run))
	require.NoError(t, s.SaveRun(ctx, generic.BatchRun{ID: "run-0", AsOf: due, Status: generic.RunFailed, StartedAt: started.Add(-time.Hour)}))

	runs, err := s.ListRuns(ctx, 0)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "run-1", runs[0].ID)
	assert.Equal(t, generic.RunCompleted, runs[0].Status)
	assert.Equal(t, []generic.ProductCode{"stl"}, runs[0].FailedProducts)
	require.NotNil(t, runs[0].CompletedAt)

	runs, err = s.ListRuns(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, runs, 1)
}

func TestReset_KeepsProductsAndRuns(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	seed(t, s, installment("inst-1", 1, due))
	require.NoError(t, s.SaveBlock(ctx, generic.LateFeeBlock{ID: "b-1", InstallmentID: "inst-1", Reason: generic.BlockManual, ValidUntil: due}))
	require.NoError(t, s.SaveProduct(ctx, generic.ProductRecord{Code: "mtl", ConfigJSON: `{"code":"mtl"}`}))
	require.NoError(t, s.SaveRun(ctx, generic.BatchRun{ID: "run-1", AsOf: due, Status: generic.RunCompleted, StartedAt: time.Now().UTC()}))

	require.NoError(t, s.Reset(ctx))

	_, err := s.GetInstallment(ctx, "inst-1")
	assert.True(t, generic.IsNotFound(err))
	blocks, err := s.BlocksFor(ctx, "inst-1")
	require.NoError(t, err)
	assert.Empty(t, blocks)

	_, err = s.GetProduct(ctx, "mtl")
	assert.NoError(t, err)
	runs, err := s.ListRuns(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, runs, 1)

	// The store is usable again after a reset.
	seed(t, s, installment("inst-2", 1, due))
	_, err = s.GetInstallment(ctx, "inst-2")
	assert.NoError(t, err)
}
