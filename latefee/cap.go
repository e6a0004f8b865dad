package latefee

import (
	"sync"

	"github.com/shopspring/decimal"

	"github.com/warp/delinquency-engine/generic"
)

// =============================================================================
// MAX-FEE CAP
// =============================================================================

// CapPolicy decides whether charging fee would push a loan past its
// maximum late fee. accrued is the loan's total late fee so far, including
// tiers already charged in the current run.
type CapPolicy interface {
	WouldExceed(loan generic.Loan, accrued, fee decimal.Decimal) bool
}

// NoCap never rejects.
type NoCap struct{}

func (NoCap) WouldExceed(generic.Loan, decimal.Decimal, decimal.Decimal) bool { return false }

// PercentOfPrincipalCap limits a loan's total late fee to Pct percent of
// its loan amount.
type PercentOfPrincipalCap struct {
	Pct decimal.Decimal
}

func (c PercentOfPrincipalCap) Limit(loan generic.Loan) decimal.Decimal {
	return c.Pct.Div(hundred).Mul(loan.LoanAmount)
}

func (c PercentOfPrincipalCap) WouldExceed(loan generic.Loan, accrued, fee decimal.Decimal) bool {
	return accrued.Add(fee).GreaterThan(c.Limit(loan))
}

// ProductCaps picks a policy by the loan's product, falling back to
// Default (NoCap when nil).
type ProductCaps struct {
	Caps    map[generic.ProductCode]CapPolicy
	Default CapPolicy
}

func (p ProductCaps) WouldExceed(loan generic.Loan, accrued, fee decimal.Decimal) bool {
	if c, ok := p.Caps[loan.Product]; ok {
		return c.WouldExceed(loan, accrued, fee)
	}
	if p.Default != nil {
		return p.Default.WouldExceed(loan, accrued, fee)
	}
	return false
}

// CapFunc adapts a function to CapPolicy.
type CapFunc func(loan generic.Loan, accrued, fee decimal.Decimal) bool

func (f CapFunc) WouldExceed(loan generic.Loan, accrued, fee decimal.Decimal) bool {
	return f(loan, accrued, fee)
}

// SwappableCap delegates to a policy that can be replaced while workers
// are accruing. A nil policy behaves as NoCap.
type SwappableCap struct {
	mu     sync.RWMutex
	policy CapPolicy
}

func NewSwappableCap(p CapPolicy) *SwappableCap { return &SwappableCap{policy: p} }

func (s *SwappableCap) Set(p CapPolicy) {
	s.mu.Lock()
	s.policy = p
	s.mu.Unlock()
}

func (s *SwappableCap) WouldExceed(loan generic.Loan, accrued, fee decimal.Decimal) bool {
	s.mu.RLock()
	p := s.policy
	s.mu.RUnlock()
	if p == nil {
		return false
	}
	return p.WouldExceed(loan, accrued, fee)
}
