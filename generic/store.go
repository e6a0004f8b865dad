/*
store.go - Persistence interfaces for installments, loans and their ledgers

PURPOSE:
  Defines the interface between the engine and the database. Different
  implementations use SQLite, MySQL (gorm) or in-memory storage.

KEY INTERFACES:
  Store:   Reads and writes used by classification and accrual
  TxStore: Store + per-installment exclusive lock with atomic commit

APPEND-ONLY CONTRACT:
  Fee events and status transitions have Append and read methods only.
  There is no Update or Delete for either. Installments, loans, blocks and
  promises are mutable rows and are saved whole.

LOCKING:
  WithInstallmentLock acquires the parent loan first, then the installment,
  so two installments of the same loan serialize while installments of
  different loans run fully in parallel. Every write made through the
  Store handed to fn commits together when fn returns nil and is discarded
  when fn returns an error. Locks are released on every exit path.
  If the lock cannot be acquired the call fails with ErrConcurrencyConflict.

IMPLEMENTATIONS:
  - generic/store/memory.go: In-memory (tests, local runs)
  - store/sqlite/sqlite.go:  SQLite via database/sql
  - store/mysql/mysql.go:    MySQL via gorm, SELECT ... FOR UPDATE

SEE ALSO:
  - ledger.go: Fee ledger on top of FeeEventStore
  - latefee/accrual.go: The only writer of fee events
*/
package generic

import "context"

// =============================================================================
// QUERIES
// =============================================================================

// InstallmentFilter selects candidate installments. Zero values mean "no
// constraint" for every field.
type InstallmentFilter struct {
	Products  []ProductCode
	DueFrom   Date
	DueTo     Date
	StatusMin StatusCode
	StatusMax StatusCode

	UnpaidOnly bool

	// TiersAppliedBelow keeps installments with fewer applied tiers, i.e.
	// not yet fully accrued for a table of that length.
	TiersAppliedBelow int

	Limit int
}

// Matches applies the filter in memory. SQL stores translate the same
// rules into WHERE clauses.
func (f InstallmentFilter) Matches(inst Installment) bool {
	if len(f.Products) > 0 {
		found := false
		for _, p := range f.Products {
			if p == inst.Product {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if !f.DueFrom.IsZero() && (!inst.HasDueDate() || inst.DueDate.Before(f.DueFrom)) {
		return false
	}
	if !f.DueTo.IsZero() && (!inst.HasDueDate() || inst.DueDate.After(f.DueTo)) {
		return false
	}
	if f.StatusMin != StatusUnknown && inst.Status < f.StatusMin {
		return false
	}
	if f.StatusMax != StatusUnknown && inst.Status > f.StatusMax {
		return false
	}
	if f.UnpaidOnly && inst.IsPaid() {
		return false
	}
	if f.TiersAppliedBelow > 0 && inst.LateFeeTiersApplied >= f.TiersAppliedBelow {
		return false
	}
	return true
}

// =============================================================================
// STORE - Reads and writes
// =============================================================================

type InstallmentStore interface {
	GetInstallment(ctx context.Context, id InstallmentID) (Installment, error)
	SaveInstallment(ctx context.Context, inst Installment) error

	// FindInstallments returns matches ordered by due date, then ID.
	FindInstallments(ctx context.Context, filter InstallmentFilter) ([]Installment, error)

	// InstallmentsForLoan returns every installment of a loan ordered by number.
	InstallmentsForLoan(ctx context.Context, loanID LoanID) ([]Installment, error)
}

type LoanStore interface {
	GetLoan(ctx context.Context, id LoanID) (Loan, error)
	SaveLoan(ctx context.Context, loan Loan) error
}

type BlockStore interface {
	// BlocksFor returns all blocks of an installment ordered by ValidUntil.
	BlocksFor(ctx context.Context, id InstallmentID) ([]LateFeeBlock, error)
	SaveBlock(ctx context.Context, block LateFeeBlock) error
}

type PromiseStore interface {
	GetPromise(ctx context.Context, id PromiseID) (PromiseToPay, error)
	PromisesForLoan(ctx context.Context, loanID LoanID) ([]PromiseToPay, error)
	SavePromise(ctx context.Context, p PromiseToPay) error
}

// FeeEventStore is append-only.
type FeeEventStore interface {
	// AppendFeeEvent fails with ErrDuplicateIdempotencyKey on a reused key.
	AppendFeeEvent(ctx context.Context, ev FeeEvent) error

	// FeeEvents returns an installment's events ordered by Sequence.
	FeeEvents(ctx context.Context, id InstallmentID) ([]FeeEvent, error)

	FeeEventExists(ctx context.Context, idempotencyKey string) (bool, error)
}

// StatusHistoryStore is append-only.
type StatusHistoryStore interface {
	AppendStatusTransition(ctx context.Context, t StatusTransition) error

	// StatusHistory returns an installment's transitions ordered by Sequence.
	StatusHistory(ctx context.Context, id InstallmentID) ([]StatusTransition, error)
}

// Store combines every repository the engine touches.
type Store interface {
	InstallmentStore
	LoanStore
	BlockStore
	PromiseStore
	FeeEventStore
	StatusHistoryStore
}

// =============================================================================
// TRANSACTIONAL STORE - Exclusive per-installment mutation
// =============================================================================

// TxStore wraps Store with the per-installment exclusive lock.
type TxStore interface {
	Store

	// WithInstallmentLock runs fn while holding the loan and installment
	// locks. Writes through the Store passed to fn commit only if fn
	// returns nil.
	WithInstallmentLock(ctx context.Context, id InstallmentID, fn func(Store) error) error
}
