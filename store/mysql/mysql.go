/*
Package mysql provides a MySQL implementation of the storage interfaces
using gorm.

PURPOSE:
  Production deployments share one MySQL database between several engine
  processes. Row locks (SELECT ... FOR UPDATE) on the loan and then the
  installment serialize mutation across processes; InnoDB's lock wait
  timeout bounds how long a worker waits.

INTERFACES IMPLEMENTED:
  generic.TxStore, generic.ProductStore, generic.RunStore

LOCK ORDER:
  1. loans row       FOR UPDATE
  2. installments row FOR UPDATE
  Lock wait timeouts (1205) and deadlocks (1213) surface as
  generic.ErrConcurrencyConflict so the batch runner retries them.

USAGE:
  gdb, err := mysql.Open("user:pass@tcp(localhost:3306)/delinquency?parseTime=true")
  store := mysql.New(gdb)
  if err := store.Migrate(); err != nil { ... }

SEE ALSO:
  - models.go: Row models and conversions
  - store/sqlite/sqlite.go: Single-node implementation
*/
package mysql

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	mysqldriver "github.com/go-sql-driver/mysql"
	gormmysql "gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/warp/delinquency-engine/generic"
)

// DefaultLockTimeout is applied as innodb_lock_wait_timeout inside
// WithInstallmentLock.
const DefaultLockTimeout = 5 * time.Second

const (
	errLockWaitTimeout = 1205
	errDeadlock        = 1213
	errDuplicateEntry  = 1062
)

// =============================================================================
// CONNECTION
// =============================================================================

// Open connects to MySQL with the given DSN.
func Open(dsn string) (*gorm.DB, error) {
	return OpenWithDialector(gormmysql.Open(dsn))
}

// OpenWithDialector opens gorm on any dialector, sizes the pool and pings.
func OpenWithDialector(d gorm.Dialector) (*gorm.DB, error) {
	cfg := &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Warn),
		TranslateError: true,
	}
	db, err := gorm.Open(d, cfg)
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(30)
	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetConnMaxLifetime(30 * time.Minute)
	sqlDB.SetConnMaxIdleTime(10 * time.Minute)

	if err := sqlDB.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return db, nil
}

// =============================================================================
// STORE
// =============================================================================

type Store struct {
	repo
	db *gorm.DB

	LockTimeout time.Duration
}

func New(db *gorm.DB) *Store {
	return &Store{repo: repo{db: db}, db: db, LockTimeout: DefaultLockTimeout}
}

// Migrate creates or updates every table.
func (s *Store) Migrate() error {
	return s.db.AutoMigrate(allModels()...)
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// WithInstallmentLock locks the loan row, then the installment row, and
// runs fn in the same transaction.
func (s *Store) WithInstallmentLock(ctx context.Context, id generic.InstallmentID, fn func(generic.Store) error) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if tx.Dialector.Name() == "mysql" {
			secs := int(s.LockTimeout / time.Second)
			if secs < 1 {
				secs = 1
			}
			if err := tx.Exec(fmt.Sprintf("SET SESSION innodb_lock_wait_timeout = %d", secs)).Error; err != nil {
				return err
			}
		}

		var inst installmentRow
		if err := tx.Take(&inst, "id = ?", string(id)).Error; err != nil {
			return notFound(err, "installment", string(id))
		}

		var loan loanRow
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Take(&loan, "id = ?", inst.LoanID).Error; err != nil {
			return notFound(err, "loan", inst.LoanID)
		}
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Take(&inst, "id = ?", string(id)).Error; err != nil {
			return notFound(err, "installment", string(id))
		}

		return fn(&repo{db: tx})
	})
	return mapError(err)
}

// =============================================================================
// REPOSITORY - generic.Store over a gorm handle
// =============================================================================

type repo struct {
	db *gorm.DB
}

func (r *repo) GetInstallment(ctx context.Context, id generic.InstallmentID) (generic.Installment, error) {
	var row installmentRow
	if err := r.db.WithContext(ctx).Take(&row, "id = ?", string(id)).Error; err != nil {
		return generic.Installment{}, notFound(err, "installment", string(id))
	}
	return row.toDomain(), nil
}

func (r *repo) SaveInstallment(ctx context.Context, inst generic.Installment) error {
	row := toInstallmentRow(inst)
	return mapError(r.db.WithContext(ctx).Save(&row).Error)
}

func (r *repo) FindInstallments(ctx context.Context, f generic.InstallmentFilter) ([]generic.Installment, error) {
	q := r.db.WithContext(ctx).Model(&installmentRow{})
	if len(f.Products) > 0 {
		codes := make([]string, len(f.Products))
		for i, p := range f.Products {
			codes[i] = string(p)
		}
		q = q.Where("product IN ?", codes)
	}
	if !f.DueFrom.IsZero() {
		q = q.Where("due_date <> '' AND due_date >= ?", f.DueFrom.String())
	}
	if !f.DueTo.IsZero() {
		q = q.Where("due_date <> '' AND due_date <= ?", f.DueTo.String())
	}
	if f.StatusMin != generic.StatusUnknown {
		q = q.Where("status >= ?", int(f.StatusMin))
	}
	if f.StatusMax != generic.StatusUnknown {
		q = q.Where("status <= ?", int(f.StatusMax))
	}
	if f.UnpaidOnly {
		q = q.Where("paid_date = '' AND status NOT IN ?",
			[]int{int(generic.StatusPaidOnTime), int(generic.StatusPaidLate)})
	}
	if f.TiersAppliedBelow > 0 {
		q = q.Where("late_fee_tiers_applied < ?", f.TiersAppliedBelow)
	}
	q = q.Order("due_date ASC, id ASC")
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}

	var rows []installmentRow
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("find installments: %w", err)
	}
	out := make([]generic.Installment, len(rows))
	for i, row := range rows {
		out[i] = row.toDomain()
	}
	return out, nil
}

func (r *repo) InstallmentsForLoan(ctx context.Context, loanID generic.LoanID) ([]generic.Installment, error) {
	var rows []installmentRow
	if err := r.db.WithContext(ctx).Where("loan_id = ?", string(loanID)).Order("number ASC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("installments for loan: %w", err)
	}
	out := make([]generic.Installment, len(rows))
	for i, row := range rows {
		out[i] = row.toDomain()
	}
	return out, nil
}

func (r *repo) GetLoan(ctx context.Context, id generic.LoanID) (generic.Loan, error) {
	var row loanRow
	if err := r.db.WithContext(ctx).Take(&row, "id = ?", string(id)).Error; err != nil {
		return generic.Loan{}, notFound(err, "loan", string(id))
	}
	return row.toDomain(), nil
}

func (r *repo) SaveLoan(ctx context.Context, loan generic.Loan) error {
	row := toLoanRow(loan)
	return mapError(r.db.WithContext(ctx).Save(&row).Error)
}

func (r *repo) BlocksFor(ctx context.Context, id generic.InstallmentID) ([]generic.LateFeeBlock, error) {
	var rows []blockRow
	err := r.db.WithContext(ctx).
		Where("installment_id = ?", string(id)).
		Order("valid_until ASC, id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("blocks for installment: %w", err)
	}
	out := make([]generic.LateFeeBlock, len(rows))
	for i, row := range rows {
		out[i] = row.toDomain()
	}
	return out, nil
}

func (r *repo) SaveBlock(ctx context.Context, b generic.LateFeeBlock) error {
	row := blockRow{
		ID:            string(b.ID),
		InstallmentID: string(b.InstallmentID),
		Reason:        string(b.Reason),
		ValidUntil:    b.ValidUntil.String(),
		PromiseID:     string(b.PromiseID),
		CreatedAt:     b.CreatedAt,
	}
	return mapError(r.db.WithContext(ctx).Save(&row).Error)
}

func (r *repo) GetPromise(ctx context.Context, id generic.PromiseID) (generic.PromiseToPay, error) {
	var row promiseRow
	if err := r.db.WithContext(ctx).Take(&row, "id = ?", string(id)).Error; err != nil {
		return generic.PromiseToPay{}, notFound(err, "promise", string(id))
	}
	return row.toDomain(), nil
}

func (r *repo) PromisesForLoan(ctx context.Context, loanID generic.LoanID) ([]generic.PromiseToPay, error) {
	var rows []promiseRow
	err := r.db.WithContext(ctx).
		Where("loan_id = ?", string(loanID)).
		Order("promise_date ASC, id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("promises for loan: %w", err)
	}
	out := make([]generic.PromiseToPay, len(rows))
	for i, row := range rows {
		out[i] = row.toDomain()
	}
	return out, nil
}

func (r *repo) SavePromise(ctx context.Context, p generic.PromiseToPay) error {
	row := promiseRow{
		ID:            string(p.ID),
		LoanID:        string(p.LoanID),
		InstallmentID: string(p.InstallmentID),
		PromiseDate:   p.PromiseDate.String(),
		Status:        string(p.Status),
		ParentID:      string(p.ParentID),
		CreatedAt:     p.CreatedAt,
	}
	return mapError(r.db.WithContext(ctx).Save(&row).Error)
}

func (r *repo) AppendFeeEvent(ctx context.Context, ev generic.FeeEvent) error {
	row := toFeeEventRow(ev)
	err := mapError(r.db.WithContext(ctx).Create(&row).Error)
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return generic.ErrDuplicateIdempotencyKey
	}
	return err
}

func (r *repo) FeeEvents(ctx context.Context, id generic.InstallmentID) ([]generic.FeeEvent, error) {
	var rows []feeEventRow
	if err := r.db.WithContext(ctx).Where("installment_id = ?", string(id)).Order("sequence ASC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("fee events: %w", err)
	}
	out := make([]generic.FeeEvent, len(rows))
	for i, row := range rows {
		out[i] = row.toDomain()
	}
	return out, nil
}

func (r *repo) FeeEventExists(ctx context.Context, key string) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&feeEventRow{}).Where("idempotency_key = ?", key).Count(&count).Error
	return count > 0, err
}

func (r *repo) AppendStatusTransition(ctx context.Context, t generic.StatusTransition) error {
	row := statusTransitionRow{
		InstallmentID: string(t.InstallmentID),
		Sequence:      t.Sequence,
		LoanID:        string(t.LoanID),
		FromStatus:    int(t.From),
		ToStatus:      int(t.To),
		At:            t.At.String(),
		Reason:        t.Reason,
		CreatedAt:     t.CreatedAt,
	}
	err := mapError(r.db.WithContext(ctx).Create(&row).Error)
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return fmt.Errorf("%w: status sequence %d already recorded for %s",
			generic.ErrConcurrencyConflict, t.Sequence, t.InstallmentID)
	}
	return err
}

func (r *repo) StatusHistory(ctx context.Context, id generic.InstallmentID) ([]generic.StatusTransition, error) {
	var rows []statusTransitionRow
	if err := r.db.WithContext(ctx).Where("installment_id = ?", string(id)).Order("sequence ASC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("status history: %w", err)
	}
	out := make([]generic.StatusTransition, len(rows))
	for i, row := range rows {
		out[i] = row.toDomain()
	}
	return out, nil
}

// =============================================================================
// PRODUCTS AND RUNS
// =============================================================================

func (s *Store) SaveProduct(ctx context.Context, p generic.ProductRecord) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing productRow
		err := tx.Take(&existing, "code = ?", string(p.Code)).Error
		row := productRow{
			Code:        string(p.Code),
			Name:        p.Name,
			ProductLine: string(p.Line),
			ConfigJSON:  p.ConfigJSON,
			Version:     1,
		}
		switch {
		case err == nil:
			row.Version = existing.Version + 1
			row.CreatedAt = existing.CreatedAt
		case !errors.Is(err, gorm.ErrRecordNotFound):
			return err
		}
		return tx.Save(&row).Error
	})
}

func (s *Store) GetProduct(ctx context.Context, code generic.ProductCode) (generic.ProductRecord, error) {
	var row productRow
	if err := s.db.WithContext(ctx).Take(&row, "code = ?", string(code)).Error; err != nil {
		return generic.ProductRecord{}, notFound(err, "product", string(code))
	}
	return row.toDomain(), nil
}

func (s *Store) ListProducts(ctx context.Context) ([]generic.ProductRecord, error) {
	var rows []productRow
	if err := s.db.WithContext(ctx).Order("code ASC").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]generic.ProductRecord, len(rows))
	for i, row := range rows {
		out[i] = row.toDomain()
	}
	return out, nil
}

func (s *Store) DeleteProduct(ctx context.Context, code generic.ProductCode) error {
	return s.db.WithContext(ctx).Delete(&productRow{}, "code = ?", string(code)).Error
}

func (s *Store) SaveRun(ctx context.Context, r generic.BatchRun) error {
	row := toBatchRunRow(r)
	return s.db.WithContext(ctx).Save(&row).Error
}

func (s *Store) ListRuns(ctx context.Context, limit int) ([]generic.BatchRun, error) {
	q := s.db.WithContext(ctx).Order("started_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var rows []batchRunRow
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]generic.BatchRun, len(rows))
	for i, row := range rows {
		out[i] = row.toDomain()
	}
	return out, nil
}

// Reset deletes installments, loans and their ledgers in one transaction.
// Products and run records are kept.
func (s *Store) Reset(ctx context.Context) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, model := range []any{
			&feeEventRow{}, &statusTransitionRow{}, &blockRow{}, &promiseRow{}, &installmentRow{}, &loanRow{},
		} {
			if err := tx.Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(model).Error; err != nil {
				return fmt.Errorf("failed to reset %T: %w", model, err)
			}
		}
		return nil
	})
}

var (
	_ generic.TxStore      = (*Store)(nil)
	_ generic.ProductStore = (*Store)(nil)
	_ generic.RunStore     = (*Store)(nil)
)

// =============================================================================
// ERROR MAPPING
// =============================================================================

func notFound(err error, kind, id string) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return &generic.NotFoundError{Kind: kind, ID: id}
	}
	return mapError(err)
}

// mapError turns driver lock errors into ErrConcurrencyConflict and
// duplicate keys into gorm.ErrDuplicatedKey.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	var myErr *mysqldriver.MySQLError
	if errors.As(err, &myErr) {
		switch myErr.Number {
		case errLockWaitTimeout, errDeadlock:
			return fmt.Errorf("%w: %s", generic.ErrConcurrencyConflict, myErr.Message)
		case errDuplicateEntry:
			return gorm.ErrDuplicatedKey
		}
	}
	if strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return gorm.ErrDuplicatedKey
	}
	return err
}
