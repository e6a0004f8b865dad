package latefee

import (
	"context"

	"github.com/warp/delinquency-engine/generic"
)

// =============================================================================
// LEGACY LOAN HOOKS
// =============================================================================
// Legacy loans without an installment link get their late fees waived once
// more than two tiers have been charged, and the borrower is flagged as
// ineligible for new loans. Other installments of the loan keep accruing.
// Both hooks run inside the installment lock with the locked store.

// Waiver waives an installment's late fees.
type Waiver interface {
	Waive(ctx context.Context, s generic.Store, loan generic.Loan, inst generic.Installment) error
}

// EligibilityFlagger marks the borrower of a loan as ineligible for new loans.
type EligibilityFlagger interface {
	FlagIneligible(ctx context.Context, s generic.Store, loan generic.Loan) error
}

// WaiverFunc adapts a function to Waiver.
type WaiverFunc func(ctx context.Context, s generic.Store, loan generic.Loan, inst generic.Installment) error

func (f WaiverFunc) Waive(ctx context.Context, s generic.Store, loan generic.Loan, inst generic.Installment) error {
	return f(ctx, s, loan, inst)
}

// NewLoanFlagger sets Loan.NewLoanIneligible and saves the loan. It reloads
// the loan so fields written earlier in the same accrual are kept.
type NewLoanFlagger struct{}

func (NewLoanFlagger) FlagIneligible(ctx context.Context, s generic.Store, loan generic.Loan) error {
	current, err := s.GetLoan(ctx, loan.ID)
	if err != nil {
		return err
	}
	if current.NewLoanIneligible {
		return nil
	}
	current.NewLoanIneligible = true
	return s.SaveLoan(ctx, current)
}

// waiverTierThreshold is the tier count above which legacy loans are waived.
const waiverTierThreshold = 2

func needsWaiver(loan generic.Loan, inst generic.Installment, appliedThisRun int) bool {
	return appliedThisRun > 0 && loan.LegacyUnlinked && inst.LateFeeTiersApplied > waiverTierThreshold
}
