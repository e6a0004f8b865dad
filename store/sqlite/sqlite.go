/*
Package sqlite provides a SQLite-backed implementation of the storage interfaces.

PURPOSE:
  Implements every persistence interface the engine, batch runner and HTTP
  API need (generic.TxStore, generic.ProductStore, generic.RunStore) on a
  single SQLite file. The MySQL store (store/mysql) covers the same
  contracts through gorm.

INTERFACES IMPLEMENTED:
  generic.TxStore:      Installments, loans, blocks, promises, ledgers + lock
  generic.ProductStore: Product configuration documents
  generic.RunStore:     Batch run records

APPEND-ONLY ENFORCEMENT:
  - No UPDATE or DELETE statements on fee_events or status_history
  - fee_events.idempotency_key is UNIQUE; a reused key maps to
    generic.ErrDuplicateIdempotencyKey

KEY TABLES:
  installments:    Mutable installment rows (amounts stored as TEXT decimals)
  loans:           Loan rows with eligibility flags
  fee_events:      Immutable late-fee ledger
  status_history:  Immutable status transitions
  late_fee_blocks: Accrual suppression windows
  promises:        Promise-to-pay records
  products:        Product documents (versioned)
  batch_runs:      One row per accrual run

LOCKING:
  SQLite has a single writer. WithInstallmentLock takes the store's writer
  slot (bounded by LockTimeout, then ErrConcurrencyConflict) and runs fn in
  one SQL transaction, so the loan-then-installment order holds trivially.
  The pool is capped at one connection, which also keeps ":memory:"
  databases shared between calls.

USAGE:
  store, err := sqlite.New("./data/delinquency.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  eng := engine.New(store, logger)

SEE ALSO:
  - generic/store.go: Interface definitions
  - generic/store/memory.go: In-memory implementation for testing
  - store/mysql/mysql.go: MySQL implementation
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/warp/delinquency-engine/generic"
)

// DefaultLockTimeout bounds how long WithInstallmentLock waits for the
// writer slot.
const DefaultLockTimeout = 5 * time.Second

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store implements all storage interfaces using SQLite.
type Store struct {
	repo
	db     *sql.DB
	writer chan struct{}

	LockTimeout time.Duration
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	store := &Store{
		repo:        repo{q: db},
		db:          db,
		writer:      make(chan struct{}, 1),
		LockTimeout: DefaultLockTimeout,
	}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS loans (
		id TEXT PRIMARY KEY,
		customer_id TEXT NOT NULL DEFAULT '',
		product TEXT NOT NULL,
		product_line TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'current',
		loan_amount TEXT NOT NULL DEFAULT '0',
		fee_ineligible INTEGER NOT NULL DEFAULT 0,
		new_loan_ineligible INTEGER NOT NULL DEFAULT 0,
		ever_bucket5 INTEGER NOT NULL DEFAULT 0,
		legacy_unlinked INTEGER NOT NULL DEFAULT 0,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS installments (
		id TEXT PRIMARY KEY,
		loan_id TEXT NOT NULL,
		product TEXT NOT NULL,
		product_line TEXT NOT NULL DEFAULT '',
		number INTEGER NOT NULL,
		due_date TEXT NOT NULL DEFAULT '',
		due_amount TEXT NOT NULL DEFAULT '0',
		paid_amount TEXT NOT NULL DEFAULT '0',
		paid_date TEXT NOT NULL DEFAULT '',
		principal TEXT NOT NULL DEFAULT '0',
		paid_principal TEXT NOT NULL DEFAULT '0',
		interest TEXT NOT NULL DEFAULT '0',
		paid_interest TEXT NOT NULL DEFAULT '0',
		late_fee TEXT NOT NULL DEFAULT '0',
		paid_late_fee TEXT NOT NULL DEFAULT '0',
		status INTEGER NOT NULL DEFAULT 0,
		status_at_payment INTEGER NOT NULL DEFAULT 0,
		late_fee_tiers_applied INTEGER NOT NULL DEFAULT 0,
		excluded INTEGER NOT NULL DEFAULT 0,
		updated_at TEXT NOT NULL
	);

	-- Candidate selection for batch runs (hot path)
	CREATE INDEX IF NOT EXISTS idx_installments_product_due
		ON installments(product, due_date, id);
	CREATE INDEX IF NOT EXISTS idx_installments_loan
		ON installments(loan_id, number);

	-- Late fee ledger (append-only)
	CREATE TABLE IF NOT EXISTS fee_events (
		id TEXT PRIMARY KEY,
		installment_id TEXT NOT NULL,
		loan_id TEXT NOT NULL,
		product TEXT NOT NULL,
		tier INTEGER NOT NULL,
		dpd_threshold INTEGER NOT NULL,
		fee_pct TEXT NOT NULL,
		amount TEXT NOT NULL,
		due_before TEXT NOT NULL,
		due_after TEXT NOT NULL,
		accrued_on TEXT NOT NULL,
		sequence INTEGER NOT NULL,
		idempotency_key TEXT NOT NULL UNIQUE,
		created_at TEXT NOT NULL,
		UNIQUE(installment_id, sequence)
	);

	-- Status history (append-only)
	CREATE TABLE IF NOT EXISTS status_history (
		installment_id TEXT NOT NULL,
		loan_id TEXT NOT NULL,
		from_status INTEGER NOT NULL,
		to_status INTEGER NOT NULL,
		at TEXT NOT NULL,
		reason TEXT,
		sequence INTEGER NOT NULL,
		created_at TEXT NOT NULL,
		PRIMARY KEY (installment_id, sequence)
	);

	CREATE TABLE IF NOT EXISTS late_fee_blocks (
		id TEXT PRIMARY KEY,
		installment_id TEXT NOT NULL,
		reason TEXT NOT NULL,
		valid_until TEXT NOT NULL,
		promise_id TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_blocks_installment
		ON late_fee_blocks(installment_id, valid_until);

	CREATE TABLE IF NOT EXISTS promises (
		id TEXT PRIMARY KEY,
		loan_id TEXT NOT NULL,
		installment_id TEXT NOT NULL DEFAULT '',
		promise_date TEXT NOT NULL,
		status TEXT NOT NULL,
		parent_id TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_promises_loan
		ON promises(loan_id, promise_date);

	-- Product documents
	CREATE TABLE IF NOT EXISTS products (
		code TEXT PRIMARY KEY,
		name TEXT NOT NULL DEFAULT '',
		product_line TEXT NOT NULL DEFAULT '',
		config_json TEXT NOT NULL,
		version INTEGER DEFAULT 1,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	-- Batch accrual runs
	CREATE TABLE IF NOT EXISTS batch_runs (
		id TEXT PRIMARY KEY,
		as_of TEXT NOT NULL,
		status TEXT NOT NULL,
		processed INTEGER DEFAULT 0,
		charged INTEGER DEFAULT 0,
		skipped INTEGER DEFAULT 0,
		failed INTEGER DEFAULT 0,
		failed_products_json TEXT,
		error TEXT,
		started_at TEXT NOT NULL,
		completed_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_batch_runs_started
		ON batch_runs(started_at);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return err
	}
	return s.addColumn("loans", "new_loan_ineligible", "INTEGER NOT NULL DEFAULT 0")
}

// addColumn adds a column to databases created before it was part of the schema.
func (s *Store) addColumn(table, column, decl string) error {
	rows, err := s.db.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			cid        int
			name, kind string
			notNull    int
			dflt       sql.NullString
			pk         int
		)
		if err := rows.Scan(&cid, &name, &kind, &notNull, &dflt, &pk); err != nil {
			return err
		}
		if name == column {
			return nil
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}
	rows.Close()

	_, err = s.db.Exec(fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, decl))
	return err
}

// =============================================================================
// TRANSACTIONAL STORE (generic.TxStore interface)
// =============================================================================

// WithInstallmentLock runs fn inside one SQL transaction while holding the
// writer slot.
func (s *Store) WithInstallmentLock(ctx context.Context, id generic.InstallmentID, fn func(generic.Store) error) error {
	release, err := s.acquireWriter(ctx, "installment:"+string(id))
	if err != nil {
		return err
	}
	defer release()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	tx := &repo{q: sqlTx}
	if _, err := tx.GetInstallment(ctx, id); err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

func (s *Store) acquireWriter(ctx context.Context, key string) (func(), error) {
	timeout := s.LockTimeout
	if timeout <= 0 {
		timeout = DefaultLockTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case s.writer <- struct{}{}:
		return func() { <-s.writer }, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %s: %v", generic.ErrConcurrencyConflict, key, ctx.Err())
	case <-timer.C:
		return nil, fmt.Errorf("%w: %s: writer busy for %s", generic.ErrConcurrencyConflict, key, timeout)
	}
}

// =============================================================================
// REPOSITORY - generic.Store over a querier
// =============================================================================

type repo struct {
	q querier
}

// -----------------------------------------------------------------------------
// Installments
// -----------------------------------------------------------------------------

const installmentColumns = `id, loan_id, product, product_line, number, due_date, due_amount,
	paid_amount, paid_date, principal, paid_principal, interest, paid_interest,
	late_fee, paid_late_fee, status, status_at_payment, late_fee_tiers_applied,
	excluded, updated_at`

func (r *repo) GetInstallment(ctx context.Context, id generic.InstallmentID) (generic.Installment, error) {
	rows, err := r.q.QueryContext(ctx,
		"SELECT "+installmentColumns+" FROM installments WHERE id = ?", id)
	if err != nil {
		return generic.Installment{}, fmt.Errorf("failed to query installment: %w", err)
	}
	insts, err := scanInstallments(rows)
	if err != nil {
		return generic.Installment{}, err
	}
	if len(insts) == 0 {
		return generic.Installment{}, &generic.NotFoundError{Kind: "installment", ID: string(id)}
	}
	return insts[0], nil
}

func (r *repo) SaveInstallment(ctx context.Context, inst generic.Installment) error {
	query := `
		INSERT INTO installments (` + installmentColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			loan_id = excluded.loan_id,
			product = excluded.product,
			product_line = excluded.product_line,
			number = excluded.number,
			due_date = excluded.due_date,
			due_amount = excluded.due_amount,
			paid_amount = excluded.paid_amount,
			paid_date = excluded.paid_date,
			principal = excluded.principal,
			paid_principal = excluded.paid_principal,
			interest = excluded.interest,
			paid_interest = excluded.paid_interest,
			late_fee = excluded.late_fee,
			paid_late_fee = excluded.paid_late_fee,
			status = excluded.status,
			status_at_payment = excluded.status_at_payment,
			late_fee_tiers_applied = excluded.late_fee_tiers_applied,
			excluded = excluded.excluded,
			updated_at = excluded.updated_at
	`
	_, err := r.q.ExecContext(ctx, query,
		inst.ID, inst.LoanID, inst.Product, inst.ProductLine, inst.Number,
		inst.DueDate.String(), inst.DueAmount.String(),
		inst.PaidAmount.String(), inst.PaidDate.String(),
		inst.Principal.String(), inst.PaidPrincipal.String(),
		inst.Interest.String(), inst.PaidInterest.String(),
		inst.LateFee.String(), inst.PaidLateFee.String(),
		int(inst.Status), int(inst.StatusAtPayment), inst.LateFeeTiersApplied,
		inst.Excluded, now(),
	)
	if err != nil {
		return fmt.Errorf("failed to save installment: %w", err)
	}
	return nil
}

// FindInstallments translates the filter into a WHERE clause.
func (r *repo) FindInstallments(ctx context.Context, f generic.InstallmentFilter) ([]generic.Installment, error) {
	var (
		where []string
		args  []any
	)
	if len(f.Products) > 0 {
		marks := make([]string, len(f.Products))
		for i, p := range f.Products {
			marks[i] = "?"
			args = append(args, string(p))
		}
		where = append(where, "product IN ("+strings.Join(marks, ", ")+")")
	}
	if !f.DueFrom.IsZero() {
		where = append(where, "due_date <> '' AND due_date >= ?")
		args = append(args, f.DueFrom.String())
	}
	if !f.DueTo.IsZero() {
		where = append(where, "due_date <> '' AND due_date <= ?")
		args = append(args, f.DueTo.String())
	}
	if f.StatusMin != generic.StatusUnknown {
		where = append(where, "status >= ?")
		args = append(args, int(f.StatusMin))
	}
	if f.StatusMax != generic.StatusUnknown {
		where = append(where, "status <= ?")
		args = append(args, int(f.StatusMax))
	}
	if f.UnpaidOnly {
		where = append(where, "paid_date = '' AND status NOT IN (?, ?)")
		args = append(args, int(generic.StatusPaidOnTime), int(generic.StatusPaidLate))
	}
	if f.TiersAppliedBelow > 0 {
		where = append(where, "late_fee_tiers_applied < ?")
		args = append(args, f.TiersAppliedBelow)
	}

	query := "SELECT " + installmentColumns + " FROM installments"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY due_date ASC, id ASC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query installments: %w", err)
	}
	return scanInstallments(rows)
}

func (r *repo) InstallmentsForLoan(ctx context.Context, loanID generic.LoanID) ([]generic.Installment, error) {
	rows, err := r.q.QueryContext(ctx,
		"SELECT "+installmentColumns+" FROM installments WHERE loan_id = ? ORDER BY number ASC", loanID)
	if err != nil {
		return nil, fmt.Errorf("failed to query installments: %w", err)
	}
	return scanInstallments(rows)
}

func scanInstallments(rows *sql.Rows) ([]generic.Installment, error) {
	defer rows.Close()

	var result []generic.Installment
	for rows.Next() {
		var (
			inst                 generic.Installment
			dueDate, paidDate    string
			status, statusAtPaid int
			updatedAt            string
		)
		err := rows.Scan(
			&inst.ID, &inst.LoanID, &inst.Product, &inst.ProductLine, &inst.Number,
			&dueDate, &inst.DueAmount, &inst.PaidAmount, &paidDate,
			&inst.Principal, &inst.PaidPrincipal, &inst.Interest, &inst.PaidInterest,
			&inst.LateFee, &inst.PaidLateFee, &status, &statusAtPaid,
			&inst.LateFeeTiersApplied, &inst.Excluded, &updatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan installment: %w", err)
		}
		inst.DueDate = parseDate(dueDate)
		inst.PaidDate = parseDate(paidDate)
		inst.Status = generic.StatusCode(status)
		inst.StatusAtPayment = generic.StatusCode(statusAtPaid)
		inst.UpdatedAt = parseTime(updatedAt)
		result = append(result, inst)
	}
	return result, rows.Err()
}

// -----------------------------------------------------------------------------
// Loans
// -----------------------------------------------------------------------------

func (r *repo) GetLoan(ctx context.Context, id generic.LoanID) (generic.Loan, error) {
	var (
		loan      generic.Loan
		updatedAt string
	)
	err := r.q.QueryRowContext(ctx, `
		SELECT id, customer_id, product, product_line, status, loan_amount,
		       fee_ineligible, new_loan_ineligible, ever_bucket5, legacy_unlinked, updated_at
		FROM loans WHERE id = ?`, id,
	).Scan(&loan.ID, &loan.CustomerID, &loan.Product, &loan.ProductLine, &loan.Status,
		&loan.LoanAmount, &loan.FeeIneligible, &loan.NewLoanIneligible, &loan.EverEnteredBucket5,
		&loan.LegacyUnlinked, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return generic.Loan{}, &generic.NotFoundError{Kind: "loan", ID: string(id)}
	}
	if err != nil {
		return generic.Loan{}, fmt.Errorf("failed to query loan: %w", err)
	}
	loan.UpdatedAt = parseTime(updatedAt)
	return loan, nil
}

func (r *repo) SaveLoan(ctx context.Context, loan generic.Loan) error {
	query := `
		INSERT INTO loans (id, customer_id, product, product_line, status, loan_amount,
			fee_ineligible, new_loan_ineligible, ever_bucket5, legacy_unlinked, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			customer_id = excluded.customer_id,
			product = excluded.product,
			product_line = excluded.product_line,
			status = excluded.status,
			loan_amount = excluded.loan_amount,
			fee_ineligible = excluded.fee_ineligible,
			new_loan_ineligible = excluded.new_loan_ineligible,
			ever_bucket5 = excluded.ever_bucket5,
			legacy_unlinked = excluded.legacy_unlinked,
			updated_at = excluded.updated_at
	`
	status := loan.Status
	if status == "" {
		status = generic.LoanCurrent
	}
	_, err := r.q.ExecContext(ctx, query,
		loan.ID, loan.CustomerID, loan.Product, loan.ProductLine, status,
		loan.LoanAmount.String(), loan.FeeIneligible, loan.NewLoanIneligible,
		loan.EverEnteredBucket5, loan.LegacyUnlinked, now(),
	)
	if err != nil {
		return fmt.Errorf("failed to save loan: %w", err)
	}
	return nil
}

// -----------------------------------------------------------------------------
// Blocks and promises
// -----------------------------------------------------------------------------

func (r *repo) BlocksFor(ctx context.Context, id generic.InstallmentID) ([]generic.LateFeeBlock, error) {
	rows, err := r.q.QueryContext(ctx, `
		SELECT id, installment_id, reason, valid_until, promise_id, created_at
		FROM late_fee_blocks
		WHERE installment_id = ?
		ORDER BY valid_until ASC, id ASC`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query blocks: %w", err)
	}
	defer rows.Close()

	var blocks []generic.LateFeeBlock
	for rows.Next() {
		var (
			b                     generic.LateFeeBlock
			validUntil, createdAt string
		)
		if err := rows.Scan(&b.ID, &b.InstallmentID, &b.Reason, &validUntil, &b.PromiseID, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan block: %w", err)
		}
		b.ValidUntil = parseDate(validUntil)
		b.CreatedAt = parseTime(createdAt)
		blocks = append(blocks, b)
	}
	return blocks, rows.Err()
}

func (r *repo) SaveBlock(ctx context.Context, b generic.LateFeeBlock) error {
	createdAt := b.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO late_fee_blocks (id, installment_id, reason, valid_until, promise_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			reason = excluded.reason,
			valid_until = excluded.valid_until,
			promise_id = excluded.promise_id`,
		b.ID, b.InstallmentID, b.Reason, b.ValidUntil.String(), b.PromiseID,
		createdAt.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("failed to save block: %w", err)
	}
	return nil
}

const promiseColumns = "id, loan_id, installment_id, promise_date, status, parent_id, created_at"

func (r *repo) GetPromise(ctx context.Context, id generic.PromiseID) (generic.PromiseToPay, error) {
	rows, err := r.q.QueryContext(ctx, "SELECT "+promiseColumns+" FROM promises WHERE id = ?", id)
	if err != nil {
		return generic.PromiseToPay{}, fmt.Errorf("failed to query promise: %w", err)
	}
	promises, err := scanPromises(rows)
	if err != nil {
		return generic.PromiseToPay{}, err
	}
	if len(promises) == 0 {
		return generic.PromiseToPay{}, &generic.NotFoundError{Kind: "promise", ID: string(id)}
	}
	return promises[0], nil
}

func (r *repo) PromisesForLoan(ctx context.Context, loanID generic.LoanID) ([]generic.PromiseToPay, error) {
	rows, err := r.q.QueryContext(ctx,
		"SELECT "+promiseColumns+" FROM promises WHERE loan_id = ? ORDER BY promise_date ASC, id ASC", loanID)
	if err != nil {
		return nil, fmt.Errorf("failed to query promises: %w", err)
	}
	return scanPromises(rows)
}

func scanPromises(rows *sql.Rows) ([]generic.PromiseToPay, error) {
	defer rows.Close()

	var result []generic.PromiseToPay
	for rows.Next() {
		var (
			p                      generic.PromiseToPay
			promiseDate, createdAt string
		)
		if err := rows.Scan(&p.ID, &p.LoanID, &p.InstallmentID, &promiseDate, &p.Status, &p.ParentID, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan promise: %w", err)
		}
		p.PromiseDate = parseDate(promiseDate)
		p.CreatedAt = parseTime(createdAt)
		result = append(result, p)
	}
	return result, rows.Err()
}

func (r *repo) SavePromise(ctx context.Context, p generic.PromiseToPay) error {
	createdAt := p.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO promises (`+promiseColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			installment_id = excluded.installment_id,
			promise_date = excluded.promise_date,
			status = excluded.status,
			parent_id = excluded.parent_id`,
		p.ID, p.LoanID, p.InstallmentID, p.PromiseDate.String(), p.Status, p.ParentID,
		createdAt.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("failed to save promise: %w", err)
	}
	return nil
}

// -----------------------------------------------------------------------------
// Fee events (append-only)
// -----------------------------------------------------------------------------

func (r *repo) AppendFeeEvent(ctx context.Context, ev generic.FeeEvent) error {
	createdAt := ev.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO fee_events
		(id, installment_id, loan_id, product, tier, dpd_threshold, fee_pct, amount,
		 due_before, due_after, accrued_on, sequence, idempotency_key, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.InstallmentID, ev.LoanID, ev.Product, ev.Tier, ev.DPDThreshold,
		ev.FeePct.String(), ev.Amount.String(), ev.DueBefore.String(), ev.DueAfter.String(),
		ev.AccruedOn.String(), ev.Sequence, ev.IdempotencyKey, createdAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return generic.ErrDuplicateIdempotencyKey
		}
		return fmt.Errorf("failed to append fee event: %w", err)
	}
	return nil
}

func (r *repo) FeeEvents(ctx context.Context, id generic.InstallmentID) ([]generic.FeeEvent, error) {
	rows, err := r.q.QueryContext(ctx, `
		SELECT id, installment_id, loan_id, product, tier, dpd_threshold, fee_pct, amount,
		       due_before, due_after, accrued_on, sequence, idempotency_key, created_at
		FROM fee_events
		WHERE installment_id = ?
		ORDER BY sequence ASC`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query fee events: %w", err)
	}
	defer rows.Close()

	var events []generic.FeeEvent
	for rows.Next() {
		var (
			ev                   generic.FeeEvent
			accruedOn, createdAt string
		)
		err := rows.Scan(&ev.ID, &ev.InstallmentID, &ev.LoanID, &ev.Product, &ev.Tier, &ev.DPDThreshold,
			&ev.FeePct, &ev.Amount, &ev.DueBefore, &ev.DueAfter, &accruedOn, &ev.Sequence,
			&ev.IdempotencyKey, &createdAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan fee event: %w", err)
		}
		ev.AccruedOn = parseDate(accruedOn)
		ev.CreatedAt = parseTime(createdAt)
		events = append(events, ev)
	}
	return events, rows.Err()
}

func (r *repo) FeeEventExists(ctx context.Context, key string) (bool, error) {
	var count int
	err := r.q.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM fee_events WHERE idempotency_key = ?", key,
	).Scan(&count)
	return count > 0, err
}

// -----------------------------------------------------------------------------
// Status history (append-only)
// -----------------------------------------------------------------------------

func (r *repo) AppendStatusTransition(ctx context.Context, t generic.StatusTransition) error {
	createdAt := t.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO status_history
		(installment_id, loan_id, from_status, to_status, at, reason, sequence, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		t.InstallmentID, t.LoanID, int(t.From), int(t.To), t.At.String(),
		nullString(t.Reason), t.Sequence, createdAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return fmt.Errorf("%w: status sequence %d already recorded for %s",
				generic.ErrConcurrencyConflict, t.Sequence, t.InstallmentID)
		}
		return fmt.Errorf("failed to append status transition: %w", err)
	}
	return nil
}

func (r *repo) StatusHistory(ctx context.Context, id generic.InstallmentID) ([]generic.StatusTransition, error) {
	rows, err := r.q.QueryContext(ctx, `
		SELECT installment_id, loan_id, from_status, to_status, at, reason, sequence, created_at
		FROM status_history
		WHERE installment_id = ?
		ORDER BY sequence ASC`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query status history: %w", err)
	}
	defer rows.Close()

	var history []generic.StatusTransition
	for rows.Next() {
		var (
			t             generic.StatusTransition
			from, to      int
			at, createdAt string
			reason        sql.NullString
		)
		if err := rows.Scan(&t.InstallmentID, &t.LoanID, &from, &to, &at, &reason, &t.Sequence, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan status transition: %w", err)
		}
		t.From = generic.StatusCode(from)
		t.To = generic.StatusCode(to)
		t.At = parseDate(at)
		t.Reason = reason.String
		t.CreatedAt = parseTime(createdAt)
		history = append(history, t)
	}
	return history, rows.Err()
}

// =============================================================================
// PRODUCT STORE (generic.ProductStore interface)
// =============================================================================

// SaveProduct upserts a product document and bumps its version.
func (s *Store) SaveProduct(ctx context.Context, p generic.ProductRecord) error {
	query := `
		INSERT INTO products (code, name, product_line, config_json, version, created_at, updated_at)
		VALUES (?, ?, ?, ?, 1, ?, ?)
		ON CONFLICT(code) DO UPDATE SET
			name = excluded.name,
			product_line = excluded.product_line,
			config_json = excluded.config_json,
			version = products.version + 1,
			updated_at = excluded.updated_at
	`
	ts := now()
	_, err := s.db.ExecContext(ctx, query, p.Code, p.Name, p.Line, p.ConfigJSON, ts, ts)
	if err != nil {
		return fmt.Errorf("failed to save product: %w", err)
	}
	return nil
}

func (s *Store) GetProduct(ctx context.Context, code generic.ProductCode) (generic.ProductRecord, error) {
	var (
		p                    generic.ProductRecord
		createdAt, updatedAt string
	)
	err := s.db.QueryRowContext(ctx,
		"SELECT code, name, product_line, config_json, version, created_at, updated_at FROM products WHERE code = ?",
		code,
	).Scan(&p.Code, &p.Name, &p.Line, &p.ConfigJSON, &p.Version, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return generic.ProductRecord{}, &generic.NotFoundError{Kind: "product", ID: string(code)}
	}
	if err != nil {
		return generic.ProductRecord{}, err
	}
	p.CreatedAt = parseTime(createdAt)
	p.UpdatedAt = parseTime(updatedAt)
	return p, nil
}

func (s *Store) ListProducts(ctx context.Context) ([]generic.ProductRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT code, name, product_line, config_json, version, created_at, updated_at FROM products ORDER BY code",
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var products []generic.ProductRecord
	for rows.Next() {
		var (
			p                    generic.ProductRecord
			createdAt, updatedAt string
		)
		if err := rows.Scan(&p.Code, &p.Name, &p.Line, &p.ConfigJSON, &p.Version, &createdAt, &updatedAt); err != nil {
			return nil, err
		}
		p.CreatedAt = parseTime(createdAt)
		p.UpdatedAt = parseTime(updatedAt)
		products = append(products, p)
	}
	return products, rows.Err()
}

func (s *Store) DeleteProduct(ctx context.Context, code generic.ProductCode) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM products WHERE code = ?", code)
	return err
}

// =============================================================================
// RUN STORE (generic.RunStore interface)
// =============================================================================

// SaveRun upserts a batch run record.
func (s *Store) SaveRun(ctx context.Context, r generic.BatchRun) error {
	query := `
		INSERT INTO batch_runs (id, as_of, status, processed, charged, skipped, failed,
			failed_products_json, error, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			processed = excluded.processed,
			charged = excluded.charged,
			skipped = excluded.skipped,
			failed = excluded.failed,
			failed_products_json = excluded.failed_products_json,
			error = excluded.error,
			completed_at = excluded.completed_at
	`

	failedJSON, _ := json.Marshal(r.FailedProducts)
	var completedAt *string
	if r.CompletedAt != nil {
		ts := r.CompletedAt.UTC().Format(time.RFC3339Nano)
		completedAt = &ts
	}

	_, err := s.db.ExecContext(ctx, query,
		r.ID, r.AsOf.String(), r.Status, r.Processed, r.Charged, r.Skipped, r.Failed,
		string(failedJSON), nullString(r.Error),
		r.StartedAt.UTC().Format(time.RFC3339Nano), completedAt,
	)
	return err
}

// ListRuns returns the most recent runs first.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]generic.BatchRun, error) {
	query := `
		SELECT id, as_of, status, processed, charged, skipped, failed,
			failed_products_json, error, started_at, completed_at
		FROM batch_runs
		ORDER BY started_at DESC
	`
	var args []any
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []generic.BatchRun
	for rows.Next() {
		var (
			r                   generic.BatchRun
			asOf, startedAt     string
			failedJSON, errText sql.NullString
			completedAt         sql.NullString
		)
		if err := rows.Scan(
			&r.ID, &asOf, &r.Status, &r.Processed, &r.Charged, &r.Skipped, &r.Failed,
			&failedJSON, &errText, &startedAt, &completedAt,
		); err != nil {
			return nil, err
		}

		r.AsOf = parseDate(asOf)
		r.Error = errText.String
		r.StartedAt = parseTime(startedAt)
		if failedJSON.Valid && failedJSON.String != "" {
			json.Unmarshal([]byte(failedJSON.String), &r.FailedProducts)
		}
		if completedAt.Valid {
			t := parseTime(completedAt.String)
			r.CompletedAt = &t
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// Reset deletes all rows. Used by the demo scenario loader.
func (s *Store) Reset(ctx context.Context) error {
	for _, table := range []string{
		"fee_events", "status_history", "late_fee_blocks", "promises", "installments", "loans",
	} {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return fmt.Errorf("failed to reset %s: %w", table, err)
		}
	}
	return nil
}

var (
	_ generic.TxStore      = (*Store)(nil)
	_ generic.ProductStore = (*Store)(nil)
	_ generic.RunStore     = (*Store)(nil)
)

// Helper functions

func now() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func parseDate(s string) generic.Date {
	d, _ := generic.ParseDate(s)
	return d
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func isUniqueConstraintError(err error) bool {
	return err != nil && (strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "duplicate key"))
}
