package generic

import "strconv"

// =============================================================================
// STATUS CODES - Ordered delinquency stages
// =============================================================================

// StatusCode is an ordered delinquency stage. Ordering is meaningful: a
// larger unpaid code is always further behind.
type StatusCode int

const (
	StatusUnknown StatusCode = 0

	StatusNotDue     StatusCode = 310
	StatusDueIn3Days StatusCode = 311
	StatusDueIn1Day  StatusCode = 312
	StatusDueToday   StatusCode = 313

	Status1DPD   StatusCode = 320
	Status5DPD   StatusCode = 321
	Status30DPD  StatusCode = 322
	Status60DPD  StatusCode = 323
	Status90DPD  StatusCode = 324
	Status120DPD StatusCode = 325
	Status150DPD StatusCode = 326
	Status180DPD StatusCode = 327

	StatusPaidOnTime StatusCode = 330
	StatusPaidLate   StatusCode = 332
)

var statusNames = map[StatusCode]string{
	StatusUnknown:    "unknown",
	StatusNotDue:     "not_due",
	StatusDueIn3Days: "due_in_3_days",
	StatusDueIn1Day:  "due_in_1_day",
	StatusDueToday:   "due_today",
	Status1DPD:       "1dpd",
	Status5DPD:       "5dpd",
	Status30DPD:      "30dpd",
	Status60DPD:      "60dpd",
	Status90DPD:      "90dpd",
	Status120DPD:     "120dpd",
	Status150DPD:     "150dpd",
	Status180DPD:     "180dpd",
	StatusPaidOnTime: "paid_on_time",
	StatusPaidLate:   "paid_late",
}

func (s StatusCode) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return strconv.Itoa(int(s))
}

func (s StatusCode) IsPaid() bool { return s == StatusPaidOnTime || s == StatusPaidLate }
func (s StatusCode) IsLate() bool { return s >= Status1DPD && s <= Status180DPD }
func (s StatusCode) Known() bool  { _, ok := statusNames[s]; return ok && s != StatusUnknown }

// ParseStatusCode accepts a status name ("5dpd") or its numeric code ("321").
func ParseStatusCode(s string) (StatusCode, bool) {
	for code, name := range statusNames {
		if name == s {
			return code, true
		}
	}
	if n, err := strconv.Atoi(s); err == nil {
		if _, ok := statusNames[StatusCode(n)]; ok {
			return StatusCode(n), true
		}
	}
	return StatusUnknown, false
}
