package latefee

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/warp/delinquency-engine/generic"
)

// =============================================================================
// RESULT
// =============================================================================

// StopReason says why an accrual run ended.
type StopReason string

const (
	StopPaid           StopReason = "paid"
	StopExcluded       StopReason = "excluded"
	StopLoanIneligible StopReason = "loan_ineligible"
	StopFullyAccrued   StopReason = "fully_accrued"
	StopBlocked        StopReason = "blocked"
	StopPromiseHold    StopReason = "promise_to_pay"
	StopNotYetDue      StopReason = "not_yet_eligible"
	StopCapReached     StopReason = "cap_reached"
)

// Result describes one accrual run on one installment.
type Result struct {
	InstallmentID generic.InstallmentID
	FeeApplied    decimal.Decimal
	NewDueAmount  decimal.Decimal
	BlockedUntil  generic.Date // zero unless a block or promise stopped the run
	TiersApplied  int          // tiers charged in this run
	TiersTotal    int          // installment's counter after the run
	Events        []generic.FeeEvent
	Stop          StopReason

	// Waived is set only when a configured Waiver ran.
	Waived                   bool
	FlaggedNewLoanIneligible bool
}

// PolicyRejected reports whether the max-fee cap stopped the run.
func (r Result) PolicyRejected() bool { return r.Stop == StopCapReached }

// =============================================================================
// ACCRUER
// =============================================================================

// Accruer runs the late-fee algorithm for one installment. It holds no
// mutable state and is safe to share between workers. Callers must hold
// the installment lock and pass the locked store.
type Accruer struct {
	Cap     CapPolicy
	Waiver  Waiver             // optional
	Flagger EligibilityFlagger // optional
	Log     logrus.FieldLogger
	Clock   func() time.Time
	NewID   func() string
}

func NewAccruer(capPolicy CapPolicy, log logrus.FieldLogger) *Accruer {
	if capPolicy == nil {
		capPolicy = NoCap{}
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Accruer{
		Cap:   capPolicy,
		Log:   log,
		Clock: time.Now,
		NewID: uuid.NewString,
	}
}

// Accrue applies every late-fee tier the installment is eligible for on
// today. Stop conditions are reported in Result.Stop; errors are
// ConfigurationMissing, InvalidState or store failures.
func (a *Accruer) Accrue(ctx context.Context, s generic.Store, snap *Snapshot, id generic.InstallmentID, today generic.Date) (Result, error) {
	inst, err := s.GetInstallment(ctx, id)
	if err != nil {
		return Result{}, err
	}
	res := Result{
		InstallmentID: inst.ID,
		FeeApplied:    decimal.Zero,
		NewDueAmount:  inst.DueAmount,
		TiersTotal:    inst.LateFeeTiersApplied,
	}

	loan, err := s.GetLoan(ctx, inst.LoanID)
	if err != nil {
		return res, err
	}

	log := a.Log.WithFields(logrus.Fields{
		"installment_id": inst.ID,
		"loan_id":        inst.LoanID,
		"product":        inst.Product,
		"today":          today.String(),
	})

	// 1. Eligibility
	switch {
	case inst.IsPaid():
		res.Stop = StopPaid
		return res, nil
	case inst.Excluded:
		res.Stop = StopExcluded
		return res, nil
	case !loan.AccruesFees():
		res.Stop = StopLoanIneligible
		return res, nil
	}
	if !inst.HasDueDate() {
		return res, &generic.InvalidStateError{InstallmentID: inst.ID, Reason: "missing due date"}
	}
	if err := inst.CheckBalance(); err != nil {
		return res, err
	}

	// 2. Rule table
	table, ok := snap.Table(inst.Product)
	if !ok {
		return res, &generic.ConfigurationMissingError{Product: inst.Product}
	}
	if inst.LateFeeTiersApplied >= len(table.Tiers) {
		res.Stop = StopFullyAccrued
		return res, nil
	}

	// 3. Existing blocks
	blocks, err := s.BlocksFor(ctx, inst.ID)
	if err != nil {
		return res, err
	}
	blockedUntil, err := a.checkBlocks(ctx, s, blocks, today, log)
	if err != nil {
		return res, err
	}
	if !blockedUntil.IsZero() {
		res.Stop = StopBlocked
		res.BlockedUntil = blockedUntil
		return res, nil
	}

	// 4. Promise-to-pay hold
	holdUntil, err := a.holdForPromise(ctx, s, inst, blocks, today, log)
	if err != nil {
		return res, err
	}
	if !holdUntil.IsZero() {
		res.Stop = StopPromiseHold
		res.BlockedUntil = holdUntil
		return res, nil
	}

	// 5. Tier walk
	accrued, err := a.loanLateFees(ctx, s, inst)
	if err != nil {
		return res, err
	}
	ledger := generic.NewFeeLedger(s)
	seq, err := ledger.NextSequence(ctx, inst.ID)
	if err != nil {
		return res, err
	}

	res.Stop = StopFullyAccrued
	for i := inst.LateFeeTiersApplied; i < len(table.Tiers); i++ {
		tier := table.Tiers[i]
		if today.Before(inst.DueDate.AddDays(tier.DPDThreshold)) {
			res.Stop = StopNotYetDue
			break
		}

		fee := table.Fee(i, inst.OutstandingPrincipal())
		if fee.IsNegative() {
			fee = decimal.Zero
		}
		if a.Cap.WouldExceed(loan, accrued, fee) {
			log.WithFields(logrus.Fields{"tier": i, "fee": fee.String(), "accrued": accrued.String()}).
				Info("late fee stopped by max-fee cap")
			res.Stop = StopCapReached
			break
		}

		before := inst.DueAmount
		inst.ApplyLateFee(fee)
		accrued = accrued.Add(fee)

		ev := generic.FeeEvent{
			ID:             generic.FeeEventID(a.NewID()),
			InstallmentID:  inst.ID,
			LoanID:         inst.LoanID,
			Product:        inst.Product,
			Tier:           i,
			DPDThreshold:   tier.DPDThreshold,
			FeePct:         tier.FeePct,
			Amount:         fee,
			DueBefore:      before,
			DueAfter:       inst.DueAmount,
			AccruedOn:      today,
			Sequence:       seq,
			IdempotencyKey: generic.FeeIdempotencyKey(inst.ID, i),
			CreatedAt:      a.Clock().UTC(),
		}
		if err := ledger.Append(ctx, ev); err != nil {
			if errors.Is(err, generic.ErrDuplicateIdempotencyKey) {
				return res, &generic.InvalidStateError{
					InstallmentID: inst.ID,
					Reason:        fmt.Sprintf("tier %d already has a fee event but the tier counter is %d", i, i),
				}
			}
			return res, fmt.Errorf("append fee event: %w", err)
		}
		seq++

		res.Events = append(res.Events, ev)
		res.FeeApplied = res.FeeApplied.Add(fee)
	}

	res.TiersApplied = len(res.Events)
	res.TiersTotal = inst.LateFeeTiersApplied
	res.NewDueAmount = inst.DueAmount

	if res.TiersApplied > 0 {
		inst.UpdatedAt = a.Clock().UTC()
		if err := s.SaveInstallment(ctx, inst); err != nil {
			return res, err
		}
		log.WithFields(logrus.Fields{
			"tiers_applied": res.TiersApplied,
			"fee_applied":   res.FeeApplied.String(),
			"due_amount":    res.NewDueAmount.String(),
		}).Info("late fee accrued")
	}

	// 6. Legacy loan waiver
	if needsWaiver(loan, inst, res.TiersApplied) {
		log = log.WithField("customer_id", loan.CustomerID)
		if a.Waiver != nil {
			if err := a.Waiver.Waive(ctx, s, loan, inst); err != nil {
				return res, fmt.Errorf("waive late fee: %w", err)
			}
			res.Waived = true
			log.Info("legacy unlinked loan passed two late-fee tiers, late fee waived")
		} else {
			log.Warn("legacy unlinked loan passed two late-fee tiers, no waiver configured")
		}
		if a.Flagger != nil {
			if err := a.Flagger.FlagIneligible(ctx, s, loan); err != nil {
				return res, fmt.Errorf("flag customer ineligible: %w", err)
			}
			res.FlaggedNewLoanIneligible = true
		}
	}

	return res, nil
}

// checkBlocks returns the latest ValidUntil of any block still active on
// today. A promise-to-pay block whose promise has been paid is released
// (ValidUntil moved to yesterday) instead.
func (a *Accruer) checkBlocks(ctx context.Context, s generic.Store, blocks []generic.LateFeeBlock, today generic.Date, log logrus.FieldLogger) (generic.Date, error) {
	var until generic.Date
	for _, b := range blocks {
		if !b.ActiveOn(today) {
			continue
		}
		if b.PromiseID != "" {
			p, err := s.GetPromise(ctx, b.PromiseID)
			if err != nil && !generic.IsNotFound(err) {
				return generic.Date{}, err
			}
			if err == nil && p.Status == generic.PromisePaid {
				b.ValidUntil = today.AddDays(-1)
				if err := s.SaveBlock(ctx, b); err != nil {
					return generic.Date{}, err
				}
				log.WithField("block_id", b.ID).Info("late fee block released, promise paid")
				continue
			}
		}
		if b.ValidUntil.After(until) {
			until = b.ValidUntil
		}
	}
	return until, nil
}

// holdForPromise creates or refreshes the single block of the first
// promise that suppresses accrual on today, and returns its date.
func (a *Accruer) holdForPromise(ctx context.Context, s generic.Store, inst generic.Installment, blocks []generic.LateFeeBlock, today generic.Date, log logrus.FieldLogger) (generic.Date, error) {
	promises, err := s.PromisesForLoan(ctx, inst.LoanID)
	if err != nil {
		return generic.Date{}, err
	}
	for _, p := range promises {
		if !p.Covers(inst) || !p.Suppresses(today) {
			continue
		}

		block := generic.LateFeeBlock{
			ID:            generic.BlockID(a.NewID()),
			InstallmentID: inst.ID,
			PromiseID:     p.ID,
			CreatedAt:     a.Clock().UTC(),
		}
		for _, b := range blocks {
			if b.PromiseID == p.ID {
				block = b
				break
			}
		}
		block.Reason = generic.BlockPromiseToPay
		block.ValidUntil = p.PromiseDate
		if err := s.SaveBlock(ctx, block); err != nil {
			return generic.Date{}, err
		}
		log.WithFields(logrus.Fields{"promise_id": p.ID, "valid_until": p.PromiseDate.String()}).
			Info("late fee held for promise to pay")
		return p.PromiseDate, nil
	}
	return generic.Date{}, nil
}

// loanLateFees sums the late fees charged across the loan.
func (a *Accruer) loanLateFees(ctx context.Context, s generic.Store, inst generic.Installment) (decimal.Decimal, error) {
	siblings, err := s.InstallmentsForLoan(ctx, inst.LoanID)
	if err != nil {
		return decimal.Zero, err
	}
	total := inst.LateFee
	for _, sib := range siblings {
		if sib.ID != inst.ID {
			total = total.Add(sib.LateFee)
		}
	}
	return total, nil
}
