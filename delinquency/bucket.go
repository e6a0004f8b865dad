package delinquency

import (
	"fmt"

	"github.com/warp/delinquency-engine/generic"
)

// =============================================================================
// BUCKETS - Collections routing tiers 0..5
// =============================================================================

const (
	BucketCurrent = 0
	BucketMax     = 5
)

// BucketBoundaries holds the inclusive upper DPD bound of buckets 1..4.
// Bucket 0 is DPD <= 0 and bucket 5 is anything above the bucket 4 bound.
type BucketBoundaries struct {
	Name  string
	Upper [4]int
}

var (
	// StandardBoundaries: 1-10, 11-40, 41-70, 71-90, 91+.
	StandardBoundaries = BucketBoundaries{Name: "standard", Upper: [4]int{10, 40, 70, 90}}

	// ExtendedBoundaries: 1-10, 11-40, 41-70, 71-100, 101+. Used by
	// reports that count bucket 4 through day 100.
	ExtendedBoundaries = BucketBoundaries{Name: "extended", Upper: [4]int{10, 40, 70, 100}}
)

// BoundariesByName resolves a configured boundary table.
func BoundariesByName(name string) (BucketBoundaries, error) {
	switch name {
	case "", StandardBoundaries.Name:
		return StandardBoundaries, nil
	case ExtendedBoundaries.Name:
		return ExtendedBoundaries, nil
	}
	return BucketBoundaries{}, fmt.Errorf("unknown bucket boundaries %q", name)
}

// ForDPD looks the DPD up in the table with no overrides.
func (b BucketBoundaries) ForDPD(dpd int) int {
	if dpd <= 0 {
		return BucketCurrent
	}
	for i, upper := range b.Upper {
		if dpd <= upper {
			return i + 1
		}
	}
	return BucketMax
}

// BucketInput is what Bucket needs to know about an installment.
type BucketInput struct {
	Paid        bool
	DPD         int
	EverBucket5 bool // the loan has been in bucket 5 at some point
}

// Bucket returns the collections bucket.
//
// A loan that has ever been in bucket 5 stays in bucket 5, paid or not:
// unpaid installments are pinned regardless of DPD, and paid ones report
// bucket 5 for collections attribution. Every other paid installment is 0.
func Bucket(in BucketInput, bounds BucketBoundaries) int {
	if in.Paid {
		if in.EverBucket5 {
			return BucketMax
		}
		return BucketCurrent
	}
	if in.EverBucket5 {
		return BucketMax
	}
	return bounds.ForDPD(in.DPD)
}

// BucketAtPayment is the post-payment reporting bucket: days between due
// date and paid date on the same boundary table, with no overrides.
func BucketAtPayment(due, paid generic.Date, bounds BucketBoundaries) int {
	return bounds.ForDPD(generic.DaysBetween(due, paid))
}
