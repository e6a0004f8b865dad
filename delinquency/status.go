package delinquency

import "github.com/warp/delinquency-engine/generic"

// =============================================================================
// CLASSIFIER - Installment to status code
// =============================================================================

// Classifier maps DPD and product line to a status code.
type Classifier struct {
	Registry *OverrideRegistry
}

// NewClassifier returns a classifier over registry, or over the default
// registry when registry is nil.
func NewClassifier(registry *OverrideRegistry) *Classifier {
	if registry == nil {
		registry = DefaultRegistry()
	}
	return &Classifier{Registry: registry}
}

// Unpaid returns the ladder status for an unpaid installment.
func (c *Classifier) Unpaid(dpd int, line generic.ProductLine) generic.StatusCode {
	return c.Registry.LadderFor(line).StatusFor(dpd)
}

// Classify returns the installment's status on today:
//   - no due date: StatusUnknown
//   - paid: PaidStatus of the status held at payment
//   - otherwise: the product line's ladder at the current DPD
func (c *Classifier) Classify(inst generic.Installment, today generic.Date) generic.StatusCode {
	if !inst.HasDueDate() {
		return generic.StatusUnknown
	}
	if inst.IsPaid() {
		return paidStatusOf(inst)
	}
	dpd, _ := InstallmentDPD(inst, today)
	return c.Unpaid(dpd, inst.ProductLine)
}

// PaidStatus splits paid installments by the status code they carried when
// paid. Anything before the first late rung is on time. Dates are ignored:
// backdated payments keep the status recorded at payment.
func PaidStatus(atPayment generic.StatusCode) generic.StatusCode {
	if atPayment < generic.Status1DPD {
		return generic.StatusPaidOnTime
	}
	return generic.StatusPaidLate
}

func paidStatusOf(inst generic.Installment) generic.StatusCode {
	code := inst.StatusAtPayment
	if code == generic.StatusUnknown {
		if inst.Status.IsPaid() {
			return inst.Status
		}
		code = inst.Status
	}
	return PaidStatus(code)
}
