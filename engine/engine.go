/*
Package engine exposes the two operations batch jobs and the HTTP API call:

  ClassifyAndBucket(installment, today) -> status, bucket
  AccrueLateFee(snapshot, installment, today) -> fee, due amount, blocked until

PURPOSE:
  Wires the pure pieces (delinquency, latefee) to a TxStore and an optional
  cross-process Locker. Both operations run under the installment lock so
  status history, the bucket 5 flag and fee accrual never interleave for
  the same installment or loan.

CONCURRENCY:
  Engine has no goroutines and no mutable state. Callers parallelize across
  installments; the store and locker serialize on the same one.

SEE ALSO:
  - batch/runner.go: Calls AccrueLateFee for every candidate
  - api/handlers.go: Calls both for a single installment
*/
package engine

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/warp/delinquency-engine/delinquency"
	"github.com/warp/delinquency-engine/generic"
	"github.com/warp/delinquency-engine/latefee"
	"github.com/warp/delinquency-engine/lock"
)

// Classification is the reporting view of one installment on one day.
type Classification struct {
	InstallmentID generic.InstallmentID
	DPD           int
	DPDKnown      bool
	Status        generic.StatusCode
	Bucket        int
	Changed       bool // a status transition was recorded
}

type Engine struct {
	Store      generic.TxStore
	Locker     lock.Locker
	Classifier *delinquency.Classifier
	Recorder   *delinquency.Recorder
	Accruer    *latefee.Accruer
	Boundaries delinquency.BucketBoundaries
	Log        logrus.FieldLogger
}

// Option customizes New.
type Option func(*Engine)

func WithLocker(l lock.Locker) Option                 { return func(e *Engine) { e.Locker = l } }
func WithClassifier(c *delinquency.Classifier) Option { return func(e *Engine) { e.Classifier = c } }
func WithAccruer(a *latefee.Accruer) Option           { return func(e *Engine) { e.Accruer = a } }
func WithBoundaries(b delinquency.BucketBoundaries) Option {
	return func(e *Engine) { e.Boundaries = b }
}

func New(store generic.TxStore, log logrus.FieldLogger, opts ...Option) *Engine {
	if log == nil {
		log = logrus.StandardLogger()
	}
	e := &Engine{
		Store:      store,
		Locker:     lock.Nop{},
		Classifier: delinquency.NewClassifier(nil),
		Recorder:   delinquency.NewRecorder(log),
		Accruer:    latefee.NewAccruer(nil, log),
		Boundaries: delinquency.StandardBoundaries,
		Log:        log,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// =============================================================================
// CLASSIFY AND BUCKET
// =============================================================================

// ClassifyAndBucket computes status and bucket, records a status transition
// if the status changed, and sets the loan's bucket 5 flag the first time
// an installment reaches bucket 5 on DPD alone.
func (e *Engine) ClassifyAndBucket(ctx context.Context, id generic.InstallmentID, today generic.Date) (Classification, error) {
	var out Classification
	err := e.locked(ctx, id, func(s generic.Store) error {
		inst, err := s.GetInstallment(ctx, id)
		if err != nil {
			return err
		}
		loan, err := s.GetLoan(ctx, inst.LoanID)
		if err != nil {
			return err
		}

		dpd, known := delinquency.InstallmentDPD(inst, today)
		status := e.Classifier.Classify(inst, today)
		paid := inst.IsPaid()

		if known && !paid && e.Boundaries.ForDPD(dpd) == delinquency.BucketMax && !loan.EverEnteredBucket5 {
			loan.EverEnteredBucket5 = true
			if err := s.SaveLoan(ctx, loan); err != nil {
				return err
			}
			e.Log.WithFields(logrus.Fields{"loan_id": loan.ID, "installment_id": inst.ID, "dpd": dpd}).
				Info("loan entered bucket 5")
		}

		bucket := delinquency.Bucket(delinquency.BucketInput{
			Paid:        paid,
			DPD:         dpd,
			EverBucket5: loan.EverEnteredBucket5,
		}, e.Boundaries)

		out = Classification{InstallmentID: inst.ID, DPD: dpd, DPDKnown: known, Status: status, Bucket: bucket}

		// Unknown is reported but never overwrites a persisted status.
		if status == generic.StatusUnknown {
			return nil
		}
		updated, changed, err := e.Recorder.Record(ctx, s, inst, status, today, "daily classification")
		if err != nil {
			return err
		}
		if changed {
			out.Changed = true
			return s.SaveInstallment(ctx, updated)
		}
		return nil
	})
	return out, err
}

// =============================================================================
// ACCRUE LATE FEE
// =============================================================================

// AccrueLateFee runs the late-fee algorithm under the installment lock.
// Everything it writes commits together or not at all.
func (e *Engine) AccrueLateFee(ctx context.Context, snap *latefee.Snapshot, id generic.InstallmentID, today generic.Date) (latefee.Result, error) {
	res := latefee.Result{InstallmentID: id, FeeApplied: decimal.Zero}
	err := e.locked(ctx, id, func(s generic.Store) error {
		var err error
		res, err = e.Accruer.Accrue(ctx, s, snap, id, today)
		return err
	})
	return res, err
}

// locked takes the cross-process lock, then the store lock.
func (e *Engine) locked(ctx context.Context, id generic.InstallmentID, fn func(generic.Store) error) error {
	release, err := e.Locker.Acquire(ctx, "installment:"+string(id))
	if err != nil {
		return err
	}
	defer func() {
		if rerr := release(context.WithoutCancel(ctx)); rerr != nil {
			e.Log.WithError(rerr).WithField("installment_id", id).Warn("release installment lock")
		}
	}()

	if err := e.Store.WithInstallmentLock(ctx, id, fn); err != nil {
		return fmt.Errorf("installment %s: %w", id, err)
	}
	return nil
}
