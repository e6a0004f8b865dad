/*
ledger.go - Append-only late-fee event log

PURPOSE:
  Every applied fee tier is recorded as a FeeEvent. The installment's
  late-fee amount and tier counter are the fast path; the event log is the
  audit trail that explains them. A missing fee shows up as a missing event
  for a (installment, tier) pair.

CRITICAL INVARIANTS:
  1. APPEND-ONLY: No Update, No Delete.
  2. ONE EVENT PER TIER: the idempotency key is latefee:<installment>:<tier>,
     so a tier can never be charged twice even if the tier counter were lost.
  3. CHAINED: each event's DueBefore equals the previous event's DueAfter
     when no payment happened in between.

CORRECTIONS:
  Waivers and payment voids are external collaborators. They write their
  own records; fee events are never edited.

REPLAY:
  ReplayFeeEvents applies an ordered event sequence to a fresh installment
  and reproduces the late fee, due amount and tier counter.

SEE ALSO:
  - store.go: FeeEventStore
  - latefee/accrual.go: Writes events
*/
package generic

import (
	"context"
	"fmt"
	"sort"
)

// FeeIdempotencyKey is the unique key of the event for one tier of one
// installment.
func FeeIdempotencyKey(id InstallmentID, tier int) string {
	return fmt.Sprintf("latefee:%s:%d", id, tier)
}

// =============================================================================
// FEE LEDGER - Idempotent append over a FeeEventStore
// =============================================================================

type FeeLedger struct {
	Store FeeEventStore
}

func NewFeeLedger(store FeeEventStore) *FeeLedger {
	return &FeeLedger{Store: store}
}

// Append records ev, filling in the idempotency key if absent.
func (l *FeeLedger) Append(ctx context.Context, ev FeeEvent) error {
	if ev.IdempotencyKey == "" {
		ev.IdempotencyKey = FeeIdempotencyKey(ev.InstallmentID, ev.Tier)
	}
	exists, err := l.Store.FeeEventExists(ctx, ev.IdempotencyKey)
	if err != nil {
		return err
	}
	if exists {
		return ErrDuplicateIdempotencyKey
	}
	return l.Store.AppendFeeEvent(ctx, ev)
}

// Events returns the installment's events in application order.
func (l *FeeLedger) Events(ctx context.Context, id InstallmentID) ([]FeeEvent, error) {
	return l.Store.FeeEvents(ctx, id)
}

// NextSequence returns the sequence number for the next event.
func (l *FeeLedger) NextSequence(ctx context.Context, id InstallmentID) (int, error) {
	events, err := l.Store.FeeEvents(ctx, id)
	if err != nil {
		return 0, err
	}
	next := 1
	for _, ev := range events {
		if ev.Sequence >= next {
			next = ev.Sequence + 1
		}
	}
	return next, nil
}

// =============================================================================
// REPLAY
// =============================================================================

// ReplayFeeEvents applies events in Sequence order to base and returns the
// result. It fails if the events are not for base, repeat a tier, or break
// the DueBefore chain.
func ReplayFeeEvents(base Installment, events []FeeEvent) (Installment, error) {
	ordered := make([]FeeEvent, len(events))
	copy(ordered, events)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Sequence < ordered[j].Sequence })

	out := base
	for _, ev := range ordered {
		if ev.InstallmentID != base.ID {
			return base, fmt.Errorf("replay: event %s belongs to installment %s", ev.ID, ev.InstallmentID)
		}
		if ev.Tier != out.LateFeeTiersApplied {
			return base, fmt.Errorf("replay: event %s is tier %d, expected tier %d", ev.ID, ev.Tier, out.LateFeeTiersApplied)
		}
		if !ev.DueBefore.Equal(out.DueAmount) {
			return base, fmt.Errorf("replay: event %s due before %s, installment due %s", ev.ID, ev.DueBefore, out.DueAmount)
		}
		out.ApplyLateFee(ev.Amount)
	}
	return out, nil
}
