package delinquency

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/warp/delinquency-engine/generic"
)

// =============================================================================
// STATUS HISTORY RECORDER
// =============================================================================

// Recorder appends a status transition whenever the persisted status of an
// installment differs from the newly computed one. Equal statuses are a
// no-op, not an error. History is append-only.
type Recorder struct {
	Log   logrus.FieldLogger
	Clock func() time.Time
}

func NewRecorder(log logrus.FieldLogger) *Recorder {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Recorder{Log: log, Clock: time.Now}
}

// Record compares inst.Status with next. On change it appends a transition
// through store and returns the installment with Status updated; the caller
// saves the installment. changed reports whether anything was written.
func (r *Recorder) Record(ctx context.Context, store generic.StatusHistoryStore, inst generic.Installment, next generic.StatusCode, at generic.Date, reason string) (generic.Installment, bool, error) {
	if inst.Status == next {
		return inst, false, nil
	}

	history, err := store.StatusHistory(ctx, inst.ID)
	if err != nil {
		return inst, false, err
	}
	seq := 1
	if n := len(history); n > 0 {
		seq = history[n-1].Sequence + 1
	}

	t := generic.StatusTransition{
		InstallmentID: inst.ID,
		LoanID:        inst.LoanID,
		From:          inst.Status,
		To:            next,
		At:            at,
		Reason:        reason,
		Sequence:      seq,
		CreatedAt:     r.Clock().UTC(),
	}
	if err := store.AppendStatusTransition(ctx, t); err != nil {
		return inst, false, err
	}

	r.Log.WithFields(logrus.Fields{
		"installment_id": inst.ID,
		"loan_id":        inst.LoanID,
		"from":           inst.Status.String(),
		"to":             next.String(),
		"at":             at.String(),
	}).Debug("status transition recorded")

	inst.Status = next
	return inst, true, nil
}
