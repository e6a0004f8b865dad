/*
Package delinquency classifies installments: days past due, status ladder,
collections bucket, and status history.

PURPOSE:
  Everything in this package is a pure function of its explicit inputs
  except Recorder, which writes to a StatusHistoryStore. "Today" is always
  a parameter; nothing here reads the clock.

FLOW:
  DaysPastDue -> Classifier.Classify -> Bucket

SEE ALSO:
  - ladder.go:   Status ladder and overrides
  - products.go: Product line override registry
  - bucket.go:   Collections buckets
  - history.go:  Status history recorder
*/
package delinquency

import "github.com/warp/delinquency-engine/generic"

// DaysPastDue returns the signed day distance from due to today. Negative
// means not yet due, zero means due today. A paid installment is always 0.
func DaysPastDue(due generic.Date, paid bool, today generic.Date) int {
	if paid {
		return 0
	}
	return generic.DaysBetween(due, today)
}

// InstallmentDPD returns the installment's DPD, or ok=false when it has no
// due date.
func InstallmentDPD(inst generic.Installment, today generic.Date) (dpd int, ok bool) {
	if !inst.HasDueDate() {
		return 0, false
	}
	return DaysPastDue(inst.DueDate, inst.IsPaid(), today), true
}
