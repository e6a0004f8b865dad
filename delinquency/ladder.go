package delinquency

import (
	"fmt"
	"math"
	"sort"

	"github.com/warp/delinquency-engine/generic"
)

// =============================================================================
// LADDER - DPD ranges to unpaid status codes
// =============================================================================

// Rung is one step of the ladder: an installment with DPD >= MinDPD reaches
// Status, until the next rung's MinDPD. A DPD exactly on a boundary belongs
// to the later rung.
type Rung struct {
	Status generic.StatusCode
	MinDPD int
}

// Ladder is an ordered list of rungs with strictly increasing MinDPD and
// strictly increasing status codes.
type Ladder []Rung

// DefaultLadder is the uniform ladder shared by most products.
var DefaultLadder = Ladder{
	{Status: generic.StatusNotDue, MinDPD: math.MinInt},
	{Status: generic.StatusDueIn3Days, MinDPD: -3},
	{Status: generic.StatusDueIn1Day, MinDPD: -1},
	{Status: generic.StatusDueToday, MinDPD: 0},
	{Status: generic.Status1DPD, MinDPD: 1},
	{Status: generic.Status5DPD, MinDPD: 5},
	{Status: generic.Status30DPD, MinDPD: 30},
	{Status: generic.Status60DPD, MinDPD: 60},
	{Status: generic.Status90DPD, MinDPD: 90},
	{Status: generic.Status120DPD, MinDPD: 120},
	{Status: generic.Status150DPD, MinDPD: 150},
	{Status: generic.Status180DPD, MinDPD: 180},
}

// StatusFor returns the status of the last rung whose MinDPD <= dpd.
func (l Ladder) StatusFor(dpd int) generic.StatusCode {
	i := sort.Search(len(l), func(i int) bool { return l[i].MinDPD > dpd })
	if i == 0 {
		return generic.StatusUnknown
	}
	return l[i-1].Status
}

// Threshold returns the MinDPD of a status, if the ladder has it.
func (l Ladder) Threshold(status generic.StatusCode) (int, bool) {
	for _, r := range l {
		if r.Status == status {
			return r.MinDPD, true
		}
	}
	return 0, false
}

// Validate checks the ordering invariants.
func (l Ladder) Validate() error {
	if len(l) == 0 {
		return fmt.Errorf("ladder: no rungs")
	}
	for i := 1; i < len(l); i++ {
		if l[i].MinDPD <= l[i-1].MinDPD {
			return fmt.Errorf("ladder: rung %s (day %d) does not follow %s (day %d)",
				l[i].Status, l[i].MinDPD, l[i-1].Status, l[i-1].MinDPD)
		}
		if l[i].Status <= l[i-1].Status {
			return fmt.Errorf("ladder: status %s out of order after %s", l[i].Status, l[i-1].Status)
		}
	}
	return nil
}

// =============================================================================
// OVERRIDE - Per product line adjustments to the default ladder
// =============================================================================

// LadderOverride moves individual rungs of a base ladder. Rungs not listed
// keep their base threshold.
type LadderOverride struct {
	// Description is shown in audit output.
	Description string
	// Thresholds maps a status code to its new MinDPD.
	Thresholds map[generic.StatusCode]int
}

// Apply returns base with the override's thresholds substituted.
func (o LadderOverride) Apply(base Ladder) (Ladder, error) {
	out := make(Ladder, len(base))
	copy(out, base)
	for status, day := range o.Thresholds {
		found := false
		for i := range out {
			if out[i].Status == status {
				out[i].MinDPD = day
				found = true
				break
			}
		}
		if !found {
			return nil, fmt.Errorf("override: status %s is not on the base ladder", status)
		}
	}
	if err := out.Validate(); err != nil {
		return nil, err
	}
	return out, nil
}
