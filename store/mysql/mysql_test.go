package mysql

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	mysqldriver "github.com/go-sql-driver/mysql"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	gormmysql "gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/warp/delinquency-engine/engine"
	"github.com/warp/delinquency-engine/generic"
	"github.com/warp/delinquency-engine/latefee"
)

var due = generic.NewDate(2025, time.March, 10)

// openTestStore runs the gorm models on an in-memory SQLite database. The
// sqlite dialector drops FOR UPDATE, so only the transaction is exercised.
func openTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{TranslateError: true})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	s := New(db)
	require.NoError(t, s.Migrate())
	t.Cleanup(func() { s.Close() })
	return s
}

func installment(id generic.InstallmentID, number int) generic.Installment {
	principal := decimal.NewFromInt(1_000_000)
	return generic.Installment{
		ID:        id,
		LoanID:    "loan-1",
		Product:   "mtl",
		Number:    number,
		DueDate:   due,
		DueAmount: principal,
		Principal: principal,
		Status:    generic.StatusNotDue,
	}
}

func seed(t *testing.T, s *Store, insts ...generic.Installment) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, s.SaveLoan(ctx, generic.Loan{ID: "loan-1", Product: "mtl", LoanAmount: decimal.NewFromInt(2_000_000)}))
	for _, inst := range insts {
		require.NoError(t, s.SaveInstallment(ctx, inst))
	}
}

// =============================================================================
// CONNECTION
// =============================================================================

func TestOpenWithDialector_Success(t *testing.T) {
	sqlDB, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	defer sqlDB.Close()

	mock.ExpectPing()

	dial := gormmysql.New(gormmysql.Config{Conn: sqlDB, SkipInitializeWithVersion: true})
	gdb, err := OpenWithDialector(dial)
	require.NoError(t, err)
	assert.NotNil(t, gdb)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestOpenWithDialector_PingFails(t *testing.T) {
	sqlDB, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	defer sqlDB.Close()

	mock.ExpectPing().WillReturnError(errors.New("no ping"))

	dial := gormmysql.New(gormmysql.Config{Conn: sqlDB, SkipInitializeWithVersion: true})
	_, err = OpenWithDialector(dial)
	assert.Error(t, err)
}

func TestMapError(t *testing.T) {
	lockWait := &mysqldriver.MySQLError{Number: errLockWaitTimeout, Message: "Lock wait timeout exceeded"}
	assert.ErrorIs(t, mapError(lockWait), generic.ErrConcurrencyConflict)
	assert.True(t, generic.IsRetryable(mapError(lockWait)))

	deadlock := &mysqldriver.MySQLError{Number: errDeadlock, Message: "Deadlock found"}
	assert.ErrorIs(t, mapError(deadlock), generic.ErrConcurrencyConflict)

	dup := &mysqldriver.MySQLError{Number: errDuplicateEntry, Message: "Duplicate entry"}
	assert.ErrorIs(t, mapError(dup), gorm.ErrDuplicatedKey)

	other := errors.New("other")
	assert.Equal(t, other, mapError(other))
	assert.NoError(t, mapError(nil))
}

// =============================================================================
// REPOSITORY
// =============================================================================

func TestInstallmentAndLoan_RoundTrip(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	seed(t, s, installment("inst-1", 1))

	inst, err := s.GetInstallment(ctx, "inst-1")
	require.NoError(t, err)
	assert.True(t, due.Equal(inst.DueDate))
	assert.True(t, decimal.NewFromInt(1_000_000).Equal(inst.DueAmount))
	assert.NoError(t, inst.CheckBalance())

	inst.Status = generic.Status1DPD
	require.NoError(t, s.SaveInstallment(ctx, inst))
	inst, err = s.GetInstallment(ctx, "inst-1")
	require.NoError(t, err)
	assert.Equal(t, generic.Status1DPD, inst.Status)

	loan, err := s.GetLoan(ctx, "loan-1")
	require.NoError(t, err)
	assert.Equal(t, generic.LoanCurrent, loan.Status)

	_, err = s.GetLoan(ctx, "missing")
	assert.True(t, generic.IsNotFound(err))
}

func TestFindInstallments(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	later := installment("inst-3", 3)
	later.DueDate = due.AddDays(30)
	paid := installment("inst-2", 2)
	paid.PaidDate = due
	seed(t, s, installment("inst-1", 1), paid, later)

	got, err := s.FindInstallments(ctx, generic.InstallmentFilter{
		Products:   []generic.ProductCode{"mtl"},
		DueTo:      due,
		UnpaidOnly: true,
	})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, generic.InstallmentID("inst-1"), got[0].ID)

	all, err := s.InstallmentsForLoan(ctx, "loan-1")
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestFeeEvents_DuplicateKey(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	ev := generic.FeeEvent{
		ID: "ev-1", InstallmentID: "inst-1", LoanID: "loan-1", Product: "mtl",
		FeePct: decimal.RequireFromString("0.5"), Amount: decimal.NewFromInt(5000),
		AccruedOn: due, Sequence: 1, IdempotencyKey: generic.FeeIdempotencyKey("inst-1", 0),
	}
	require.NoError(t, s.AppendFeeEvent(ctx, ev))

	ev.ID = "ev-2"
	ev.Sequence = 2
	assert.ErrorIs(t, s.AppendFeeEvent(ctx, ev), generic.ErrDuplicateIdempotencyKey)

	events, err := s.FeeEvents(ctx, "inst-1")
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.True(t, decimal.NewFromInt(5000).Equal(events[0].Amount))
}

func TestWithInstallmentLock_CommitAndRollback(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	seed(t, s, installment("inst-1", 1))

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
	assert.True(t, inst.LateFee.IsZero())

	err = s.WithInstallmentLock(ctx, "inst-1", func(tx generic.Store) error {
		inst, err := tx.GetInstallment(ctx, "inst-1")
		if err != nil {
			return err
		}
		inst.ApplyLateFee(decimal.NewFromInt(5000))
		return tx.SaveInstallment(ctx, inst)
	})
	require.NoError(t, err)

	inst, err = s.GetInstallment(ctx, "inst-1")
	require.NoError(t, err)
	assert.Equal(t, 1, inst.LateFeeTiersApplied)

	err = s.WithInstallmentLock(ctx, "missing", func(generic.Store) error { return nil })
	assert.True(t, generic.IsNotFound(err))
}

func TestEngineOnGorm_ScenarioB(t *testing.T) {
	// GIVEN: 7 DPD with an active manual block until day 10
	// WHEN:  accrual runs
	// THEN:  nothing is charged and the block date is reported
	ctx := context.Background()
	s := openTestStore(t)
	seed(t, s, installment("inst-1", 1))
	require.NoError(t, s.SaveBlock(ctx, generic.LateFeeBlock{
		ID: "b1", InstallmentID: "inst-1", Reason: generic.BlockManual, ValidUntil: due.AddDays(10),
	}))

	snap := latefee.NewSnapshot([]latefee.RuleTable{{
		Product: "mtl",
		Tiers: []latefee.Tier{
			{DPDThreshold: 1, FeePct: decimal.RequireFromString("0.5")},
			{DPDThreshold: 5, FeePct: decimal.RequireFromString("1.0")},
		},
	}})
	res, err := engine.New(s, nil).AccrueLateFee(ctx, snap, "inst-1", due.AddDays(7))
	require.NoError(t, err)
	assert.True(t, res.FeeApplied.IsZero())
	assert.Equal(t, latefee.StopBlocked, res.Stop)
	assert.True(t, due.AddDays(10).Equal(res.BlockedUntil))
}

func TestProductsAndRuns(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	rec := generic.ProductRecord{Code: "mtl", ConfigJSON: `{"code":"mtl"}`}
	require.NoError(t, s.SaveProduct(ctx, rec))
	require.NoError(t, s.SaveProduct(ctx, rec))
	got, err := s.GetProduct(ctx, "mtl")
	require.NoError(t, err)
	assert.Equal(t, 2, got.Version)

	started := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, s.SaveRun(ctx, generic.BatchRun{
		ID: "run-1", AsOf: due, Status: generic.RunCompleted, StartedAt: started,
		FailedProducts: []generic.ProductCode{"stl"},
	}))
	runs, err := s.ListRuns(ctx, 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, []generic.ProductCode{"stl"}, runs[0].FailedProducts)
	assert.True(t, due.Equal(runs[0].AsOf))
}

func TestReset_KeepsProductsAndRuns(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	seed(t, s, installment("inst-1", 1))
	require.NoError(t, s.AppendFeeEvent(ctx, generic.FeeEvent{
		ID: "ev-1", InstallmentID: "inst-1", Tier: 1, Amount: decimal.NewFromInt(5000),
		AccruedOn: due.AddDays(1), Sequence: 1, IdempotencyKey: "latefee:inst-1:1",
	}))
	require.NoError(t, s.SaveProduct(ctx, generic.ProductRecord{Code: "mtl", ConfigJSON: `{"code":"mtl"}`}))
	require.NoError(t, s.SaveRun(ctx, generic.BatchRun{ID: "run-1", AsOf: due, Status: generic.RunCompleted, StartedAt: time.Now().UTC()}))

	require.NoError(t, s.Reset(ctx))

	_, err := s.GetInstallment(ctx, "inst-1")
	assert.True(t, generic.IsNotFound(err))
	_, err = s.GetLoan(ctx, "loan-1")
	assert.True(t, generic.IsNotFound(err))
	exists, err := s.FeeEventExists(ctx, "latefee:inst-1:1")
	require.NoError(t, err)
	assert.False(t, exists)

	_, err = s.GetProduct(ctx, "mtl")
	assert.NoError(t, err)
	runs, err := s.ListRuns(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, runs, 1)
}
