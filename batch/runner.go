/*
runner.go - Daily classification and late-fee accrual over every candidate

PURPOSE:
  Drives the engine across the portfolio for one business date. The rule
  snapshot is loaded once and shared read-only by every worker.

PHASES:
  1. Classify: every unpaid installment gets ClassifyAndBucket (optional)
  2. Accrue:   per product with a valid rule table, installments that are
               unpaid, due before today and not yet fully accrued

ESCALATION:
  A product with candidates but no valid table in the snapshot is logged
  at error level and listed in Report.FailedProducts. Only that product's
  installments are skipped; the rest of the run continues.

CANCELLATION:
  ctx is checked before a worker picks up an installment. Once picked up,
  the installment runs to completion on context.WithoutCancel so a
  shutdown never leaves a half-applied accrual behind.

RETRY:
  ConcurrencyConflict is retried up to MaxAttempts with linear backoff.
  ConfigurationMissing and InvalidState are counted as skipped. Anything
  else fails the item, never the run.

SEE ALSO:
  - scheduler.go: Cron trigger
  - engine/engine.go: The two per-installment operations
*/
package batch

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/warp/delinquency-engine/engine"
	"github.com/warp/delinquency-engine/generic"
	"github.com/warp/delinquency-engine/latefee"
)

// ErrRunInProgress is returned when Run is called while another run of the
// same Runner has not finished.
var ErrRunInProgress = errors.New("batch run already in progress")

const (
	DefaultWorkers     = 4
	DefaultMaxAttempts = 3
	DefaultBackoff     = 200 * time.Millisecond
)

// =============================================================================
// REPORT
// =============================================================================

// ItemFailure is one installment that neither succeeded nor was skipped.
type ItemFailure struct {
	InstallmentID generic.InstallmentID `json:"installment_id"`
	Phase         string                `json:"phase"`
	Attempts      int                   `json:"attempts"`
	Retryable     bool                  `json:"retryable"`
	Error         string                `json:"error"`
}

// Report summarizes one run.
type Report struct {
	RunID string       `json:"run_id"`
	AsOf  generic.Date `json:"-"`

	Classified int `json:"classified"`
	Processed  int `json:"processed"`
	Charged    int `json:"charged"`
	Skipped    int `json:"skipped"`
	Failed     int `json:"failed"`

	FeeTotal       decimal.Decimal            `json:"fee_total"`
	Stops          map[latefee.StopReason]int `json:"stops"`
	FailedProducts []generic.ProductCode      `json:"failed_products"`
	Failures       []ItemFailure              `json:"failures,omitempty"`

	Cancelled   bool      `json:"cancelled"`
	StartedAt   time.Time `json:"started_at"`
	CompletedAt time.Time `json:"completed_at"`
}

func newReport(runID string, asOf generic.Date) *Report {
	return &Report{
		RunID:     runID,
		AsOf:      asOf,
		FeeTotal:  decimal.Zero,
		Stops:     make(map[latefee.StopReason]int),
		StartedAt: time.Now().UTC(),
	}
}

// =============================================================================
// RUNNER
// =============================================================================

type Runner struct {
	Engine *engine.Engine
	Rules  latefee.RuleSource
	Runs   generic.RunStore // optional

	Workers     int
	MaxAttempts int
	Backoff     time.Duration

	// Classify runs ClassifyAndBucket on every unpaid installment before
	// the accrual phase.
	Classify bool

	Log logrus.FieldLogger

	running atomic.Bool
}

// NewRunner returns a runner with default pool settings and classification
// enabled.
func NewRunner(e *engine.Engine, rules latefee.RuleSource, runs generic.RunStore, log logrus.FieldLogger) *Runner {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Runner{
		Engine:      e,
		Rules:       rules,
		Runs:        runs,
		Workers:     DefaultWorkers,
		MaxAttempts: DefaultMaxAttempts,
		Backoff:     DefaultBackoff,
		Classify:    true,
		Log:         log,
	}
}

// Running reports whether a run is in progress.
func (r *Runner) Running() bool { return r.running.Load() }

// Run processes every candidate for today. The returned error is non-nil
// only when the run could not start or the snapshot could not be loaded;
// per-installment problems are in the report.
func (r *Runner) Run(ctx context.Context, today generic.Date) (*Report, error) {
	if !r.running.CompareAndSwap(false, true) {
		return nil, ErrRunInProgress
	}
	defer r.running.Store(false)

	report := newReport(uuid.NewString(), today)
	log := r.Log.WithFields(logrus.Fields{"run_id": report.RunID, "today": today.String()})
	log.Info("batch run started")
	r.saveRun(ctx, report, generic.RunRunning, nil)

	snap, err := latefee.LoadSnapshot(ctx, r.Rules)
	if err != nil {
		log.WithError(err).Error("batch run aborted")
		r.saveRun(ctx, report, generic.RunFailed, err)
		return report, err
	}

	if r.Classify {
		if err := r.classifyPhase(ctx, today, report, log); err != nil {
			r.saveRun(ctx, report, generic.RunFailed, err)
			return report, err
		}
	}
	if ctx.Err() == nil {
		if err := r.accruePhase(ctx, snap, today, report, log); err != nil {
			r.saveRun(ctx, report, generic.RunFailed, err)
			return report, err
		}
	}

	report.Cancelled = ctx.Err() != nil
	report.CompletedAt = time.Now().UTC()
	status := generic.RunCompleted
	if report.Cancelled {
		status = generic.RunCancelled
	}
	r.saveRun(ctx, report, status, nil)

	log.WithFields(logrus.Fields{
		"classified":      report.Classified,
		"processed":       report.Processed,
		"charged":         report.Charged,
		"skipped":         report.Skipped,
		"failed":          report.Failed,
		"fee_total":       report.FeeTotal.String(),
		"failed_products": report.FailedProducts,
		"cancelled":       report.Cancelled,
	}).Info("batch run finished")
	return report, nil
}

// -----------------------------------------------------------------------------
// Phases
// -----------------------------------------------------------------------------

func (r *Runner) classifyPhase(ctx context.Context, today generic.Date, report *Report, log logrus.FieldLogger) error {
	// Everything not yet carrying a paid code, so installments paid since
	// the last run get their final paid status recorded.
	insts, err := r.Engine.Store.FindInstallments(ctx, generic.InstallmentFilter{StatusMax: generic.Status180DPD})
	if err != nil {
		return fmt.Errorf("list installments to classify: %w", err)
	}

	var mu sync.Mutex
	r.forEach(ctx, ids(insts), func(id generic.InstallmentID) {
		_, attempts, err := retry(ctx, r, func(ctx context.Context) (engine.Classification, error) {
			return r.Engine.ClassifyAndBucket(ctx, id, today)
		})
		mu.Lock()
		defer mu.Unlock()
		if err != nil {
			r.recordError(report, log, "classify", id, attempts, err)
			return
		}
		report.Classified++
	})
	return nil
}

func (r *Runner) accruePhase(ctx context.Context, snap *latefee.Snapshot, today generic.Date, report *Report, log logrus.FieldLogger) error {
	pending, err := r.Engine.Store.FindInstallments(ctx, generic.InstallmentFilter{
		DueTo:      today.AddDays(-1),
		UnpaidOnly: true,
	})
	if err != nil {
		return fmt.Errorf("list accrual candidates: %w", err)
	}

	rejected := snap.Rejected()
	var work []generic.InstallmentID
	for _, product := range productsOf(pending) {
		table, ok := snap.Table(product)
		if !ok {
			report.FailedProducts = append(report.FailedProducts, product)
			entry := log.WithField("product", product)
			if rerr, bad := rejected[product]; bad {
				entry = entry.WithError(rerr)
			}
			entry.Error("no valid late-fee rule table for product with candidates; product skipped")
			continue
		}

		candidates, err := r.Engine.Store.FindInstallments(ctx, generic.InstallmentFilter{
			Products:          []generic.ProductCode{product},
			DueTo:             today.AddDays(-1),
			UnpaidOnly:        true,
			TiersAppliedBelow: len(table.Tiers),
		})
		if err != nil {
			return fmt.Errorf("list candidates for %s: %w", product, err)
		}
		work = append(work, ids(candidates)...)
	}

	var mu sync.Mutex
	r.forEach(ctx, work, func(id generic.InstallmentID) {
		res, attempts, err := retry(ctx, r, func(ctx context.Context) (latefee.Result, error) {
			return r.Engine.AccrueLateFee(ctx, snap, id, today)
		})
		mu.Lock()
		defer mu.Unlock()
		if err != nil {
			r.recordError(report, log, "accrue", id, attempts, err)
			return
		}
		report.Processed++
		if res.Stop != "" {
			report.Stops[res.Stop]++
		}
		if res.FeeApplied.IsPositive() {
			report.Charged++
			report.FeeTotal = report.FeeTotal.Add(res.FeeApplied)
		}
	})
	return nil
}

func (r *Runner) recordError(report *Report, log logrus.FieldLogger, phase string, id generic.InstallmentID, attempts int, err error) {
	entry := log.WithFields(logrus.Fields{"installment_id": id, "phase": phase, "attempts": attempts}).WithError(err)
	if generic.IsSkippable(err) {
		report.Skipped++
		entry.Warn("installment skipped")
		return
	}
	report.Failed++
	report.Failures = append(report.Failures, ItemFailure{
		InstallmentID: id,
		Phase:         phase,
		Attempts:      attempts,
		Retryable:     generic.IsRetryable(err),
		Error:         err.Error(),
	})
	entry.Error("installment failed")
}

// -----------------------------------------------------------------------------
// Worker pool
// -----------------------------------------------------------------------------

// forEach feeds ids to a bounded pool. Cancellation stops the feed; items
// already handed to a worker finish.
func (r *Runner) forEach(ctx context.Context, ids []generic.InstallmentID, fn func(generic.InstallmentID)) {
	workers := r.Workers
	if workers <= 0 {
		workers = DefaultWorkers
	}

	jobs := make(chan generic.InstallmentID)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for id := range jobs {
				fn(id)
			}
		}()
	}

feed:
	for _, id := range ids {
		if ctx.Err() != nil {
			break
		}
		select {
		case jobs <- id:
		case <-ctx.Done():
			break feed
		}
	}
	close(jobs)
	wg.Wait()
}

// retry runs op on a context detached from cancellation, retrying
// concurrency conflicts with linear backoff.
func retry[T any](parent context.Context, r *Runner, op func(context.Context) (T, error)) (T, int, error) {
	attempts := r.MaxAttempts
	if attempts <= 0 {
		attempts = DefaultMaxAttempts
	}
	ctx := context.WithoutCancel(parent)

	var (
		out T
		err error
	)
	for i := 1; i <= attempts; i++ {
		out, err = op(ctx)
		if err == nil || !generic.IsRetryable(err) {
			return out, i, err
		}
		if i < attempts && r.Backoff > 0 {
			time.Sleep(r.Backoff * time.Duration(i))
		}
	}
	return out, attempts, err
}

// -----------------------------------------------------------------------------
// Run records
// -----------------------------------------------------------------------------

func (r *Runner) saveRun(ctx context.Context, report *Report, status generic.RunStatus, runErr error) {
	if r.Runs == nil {
		return
	}
	run := generic.BatchRun{
		ID:             report.RunID,
		AsOf:           report.AsOf,
		Status:         status,
		Processed:      report.Processed,
		Charged:        report.Charged,
		Skipped:        report.Skipped,
		Failed:         report.Failed,
		FailedProducts: report.FailedProducts,
		StartedAt:      report.StartedAt,
	}
	if runErr != nil {
		run.Error = runErr.Error()
	}
	if status != generic.RunRunning {
		completed := time.Now().UTC()
		run.CompletedAt = &completed
	}
	if err := r.Runs.SaveRun(context.WithoutCancel(ctx), run); err != nil {
		r.Log.WithError(err).WithField("run_id", report.RunID).Warn("save batch run record")
	}
}

func ids(insts []generic.Installment) []generic.InstallmentID {
	out := make([]generic.InstallmentID, len(insts))
	for i, inst := range insts {
		out[i] = inst.ID
	}
	return out
}

func productsOf(insts []generic.Installment) []generic.ProductCode {
	seen := make(map[generic.ProductCode]bool)
	var out []generic.ProductCode
	for _, inst := range insts {
		if !seen[inst.Product] {
			seen[inst.Product] = true
			out = append(out, inst.Product)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
