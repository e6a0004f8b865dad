/*
Package generic provides the shared kernel of the delinquency engine.

PURPOSE:
  Domain types, persistence contracts and error taxonomy used by every
  other package. Nothing in here knows about status ladders, buckets or
  fee tiers; those live in delinquency/ and latefee/.

KEY CONCEPTS IN THIS FILE (types.go):
  - Installment: the unit of delinquency tracking
  - Loan: the aggregate that owns installments
  - LateFeeBlock / PromiseToPay: accrual suppression records
  - FeeEvent: immutable ledger entry for one applied fee tier
  - StatusTransition: immutable status history entry

MONEY:
  All amounts are decimal.Decimal in the loan's currency minor-free unit
  (rupiah-style whole units). Floats are never used for money.

BALANCE INVARIANT:
  After every mutation of an installment:

    DueAmount == (Principal - PaidPrincipal)
               + (Interest  - PaidInterest)
               + (LateFee   - PaidLateFee)

  CheckBalance() verifies it; the accrual engine refuses to touch an
  installment that violates it.

SEE ALSO:
  - status.go: Status codes
  - ledger.go: Fee event ledger and replay
  - store.go: Persistence interfaces
*/
package generic

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type InstallmentID string
type LoanID string
type CustomerID string
type BlockID string
type PromiseID string
type FeeEventID string

// ProductCode identifies a loan product; late-fee rule tables are keyed by it.
type ProductCode string

// ProductLine groups products that share a status ladder override.
type ProductLine string

// =============================================================================
// INSTALLMENT
// =============================================================================

type Installment struct {
	ID          InstallmentID
	LoanID      LoanID
	Product     ProductCode
	ProductLine ProductLine
	Number      int

	// DueDate is zero when the schedule was never generated (legacy data).
	DueDate   Date
	DueAmount decimal.Decimal

	PaidAmount decimal.Decimal
	// PaidDate is set once the installment is fully paid.
	PaidDate Date

	Principal     decimal.Decimal
	PaidPrincipal decimal.Decimal
	Interest      decimal.Decimal
	PaidInterest  decimal.Decimal
	LateFee       decimal.Decimal
	PaidLateFee   decimal.Decimal

	Status StatusCode
	// StatusAtPayment is the status the installment carried when the final
	// payment was recorded. It decides paid-on-time vs paid-late.
	StatusAtPayment StatusCode

	LateFeeTiersApplied int

	// Excluded marks restructured installments that no longer accrue.
	Excluded bool

	UpdatedAt time.Time
}

func (i Installment) IsPaid() bool                          { return i.Status.IsPaid() || !i.PaidDate.IsZero() }
func (i Installment) HasDueDate() bool                      { return !i.DueDate.IsZero() }
func (i Installment) OutstandingPrincipal() decimal.Decimal { return i.Principal.Sub(i.PaidPrincipal) }
func (i Installment) OutstandingInterest() decimal.Decimal  { return i.Interest.Sub(i.PaidInterest) }
func (i Installment) OutstandingLateFee() decimal.Decimal   { return i.LateFee.Sub(i.PaidLateFee) }

// ExpectedDueAmount recomputes the due amount from its components.
func (i Installment) ExpectedDueAmount() decimal.Decimal {
	return i.OutstandingPrincipal().Add(i.OutstandingInterest()).Add(i.OutstandingLateFee())
}

// CheckBalance returns an InvalidStateError when DueAmount has drifted from
// its components.
func (i Installment) CheckBalance() error {
	if expected := i.ExpectedDueAmount(); !i.DueAmount.Equal(expected) {
		return &InvalidStateError{
			InstallmentID: i.ID,
			Reason:        "due amount " + i.DueAmount.String() + " does not match components " + expected.String(),
		}
	}
	return nil
}

// ApplyLateFee adds fee to the late-fee and due amounts and bumps the tier
// counter. Callers are responsible for recording the matching FeeEvent.
func (i *Installment) ApplyLateFee(fee decimal.Decimal) {
	i.LateFee = i.LateFee.Add(fee)
	i.DueAmount = i.DueAmount.Add(fee)
	i.LateFeeTiersApplied++
}

// =============================================================================
// LOAN
// =============================================================================

type LoanStatus string

const (
	LoanCurrent    LoanStatus = "current"
	LoanPaidOff    LoanStatus = "paid_off"
	LoanSoldOff    LoanStatus = "sold_off"
	LoanWrittenOff LoanStatus = "written_off"
)

type Loan struct {
	ID          LoanID
	CustomerID  CustomerID
	Product     ProductCode
	ProductLine ProductLine
	Status      LoanStatus
	LoanAmount  decimal.Decimal

	// FeeIneligible is set once a loan must never accrue further fees.
	FeeIneligible bool

	// NewLoanIneligible marks the borrower as ineligible for new
	// loans. Origination reads it by CustomerID; it has no effect on fees.
	NewLoanIneligible bool

	// EverEnteredBucket5 is sticky: once true it is never reset.
	EverEnteredBucket5 bool

	// LegacyUnlinked marks loans migrated without an installment link.
	LegacyUnlinked bool

	UpdatedAt time.Time
}

// AccruesFees reports whether the loan may receive new late fees at all.
func (l Loan) AccruesFees() bool {
	return !l.FeeIneligible && l.Status != LoanSoldOff
}

// =============================================================================
// LATE-FEE BLOCK / PROMISE-TO-PAY
// =============================================================================

type BlockReason string

const (
	BlockPromiseToPay BlockReason = "promise_to_pay"
	BlockManual       BlockReason = "manual"
	BlockDispute      BlockReason = "dispute"
)

// LateFeeBlock suppresses accrual for one installment through ValidUntil
// (inclusive).
type LateFeeBlock struct {
	ID            BlockID
	InstallmentID InstallmentID
	Reason        BlockReason
	ValidUntil    Date
	PromiseID     PromiseID // empty unless created for a promise-to-pay
	CreatedAt     time.Time
}

// ActiveOn reports whether the block still suppresses accrual on day.
func (b LateFeeBlock) ActiveOn(day Date) bool { return b.ValidUntil.AfterOrEqual(day) }

type PromiseStatus string

const (
	PromiseActive   PromiseStatus = "active"
	PromisePaid     PromiseStatus = "paid"
	PromisePaidLate PromiseStatus = "paid_late"
	PromiseBroken   PromiseStatus = "broken"
)

type PromiseToPay struct {
	ID            PromiseID
	LoanID        LoanID
	InstallmentID InstallmentID // empty when the promise covers the whole loan
	PromiseDate   Date
	Status        PromiseStatus
	ParentID      PromiseID // set on sub-promises split from a parent
	CreatedAt     time.Time
}

// Covers reports whether the promise applies to the given installment.
func (p PromiseToPay) Covers(inst Installment) bool {
	if p.LoanID != inst.LoanID {
		return false
	}
	return p.InstallmentID == "" || p.InstallmentID == inst.ID
}

// Suppresses reports whether the promise holds accrual on day: active,
// not a sub-promise, and not yet due.
func (p PromiseToPay) Suppresses(day Date) bool {
	return p.Status == PromiseActive && p.ParentID == "" && p.PromiseDate.AfterOrEqual(day)
}

// =============================================================================
// FEE EVENT - One applied late-fee tier
// =============================================================================

type FeeEvent struct {
	ID            FeeEventID
	InstallmentID InstallmentID
	LoanID        LoanID
	Product       ProductCode

	Tier         int // zero-based index into the product's rule table
	DPDThreshold int
	FeePct       decimal.Decimal
	Amount       decimal.Decimal

	DueBefore decimal.Decimal
	DueAfter  decimal.Decimal

	AccruedOn Date
	Sequence  int

	IdempotencyKey string
	CreatedAt      time.Time
}

// =============================================================================
// STATUS TRANSITION - Status history entry
// =============================================================================

type StatusTransition struct {
	InstallmentID InstallmentID
	LoanID        LoanID
	From          StatusCode
	To            StatusCode
	At            Date
	Reason        string
	Sequence      int
	CreatedAt     time.Time
}
