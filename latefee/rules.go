/*
Package latefee accrues tiered late fees on overdue installments.

PURPOSE:
  A product's rule table is an ordered list of (DPD threshold, fee %)
  tiers. Each tier is charged at most once per installment; the
  installment's tier counter records how many have been charged.

KEY CONCEPTS:
  - RuleTable: one product's tiers, thresholds strictly increasing
  - Snapshot:  immutable set of rule tables, loaded once per batch run
               and shared read-only by every worker
  - Accruer:   the per-installment algorithm (accrual.go)
  - CapPolicy: external max-fee check (cap.go)
  - Waiver / EligibilityFlagger: legacy loan hooks (waiver.go)

FEE FORMULA:
  fee = round(FeePct / 100 * outstanding principal) to the nearest 100,
  half away from zero.

SEE ALSO:
  - factory/product.go: Builds rule tables from product documents
  - engine/engine.go:   Runs the Accruer under the installment lock
*/
package latefee

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/delinquency-engine/generic"
)

var hundred = decimal.NewFromInt(100)

// =============================================================================
// RULE TABLE
// =============================================================================

// Tier is one late-fee step: charged once today >= due date + DPDThreshold.
type Tier struct {
	DPDThreshold int             `json:"dpd_threshold"`
	FeePct       decimal.Decimal `json:"fee_pct"` // percent of outstanding principal
}

type RuleTable struct {
	Product generic.ProductCode `json:"product"`
	Tiers   []Tier              `json:"tiers"`
}

// Validate checks that thresholds start at one day past due and strictly
// increase, and that percentages are not negative.
func (t RuleTable) Validate() error {
	if t.Product == "" {
		return fmt.Errorf("%w: missing product code", generic.ErrInvalidRuleTable)
	}
	if len(t.Tiers) == 0 {
		return fmt.Errorf("%w: product %s has no tiers", generic.ErrInvalidRuleTable, t.Product)
	}
	for i, tier := range t.Tiers {
		if tier.DPDThreshold < 1 {
			return fmt.Errorf("%w: product %s tier %d threshold %d is below 1",
				generic.ErrInvalidRuleTable, t.Product, i, tier.DPDThreshold)
		}
		if tier.FeePct.IsNegative() {
			return fmt.Errorf("%w: product %s tier %d has negative fee", generic.ErrInvalidRuleTable, t.Product, i)
		}
		if i > 0 && tier.DPDThreshold <= t.Tiers[i-1].DPDThreshold {
			return fmt.Errorf("%w: product %s tier %d threshold %d does not exceed %d",
				generic.ErrInvalidRuleTable, t.Product, i, tier.DPDThreshold, t.Tiers[i-1].DPDThreshold)
		}
	}
	return nil
}

// Fee computes the fee for tier i on the given outstanding principal.
func (t RuleTable) Fee(i int, principal decimal.Decimal) decimal.Decimal {
	return RoundFee(t.Tiers[i].FeePct.Div(hundred).Mul(principal))
}

// RoundFee rounds to the nearest 100, half away from zero.
func RoundFee(amount decimal.Decimal) decimal.Decimal {
	return amount.Round(-2)
}

// =============================================================================
// SNAPSHOT - Immutable rule tables for one run
// =============================================================================

// Snapshot is safe for concurrent use. Tables that fail validation are
// kept out and reported by Rejected.
type Snapshot struct {
	tables   map[generic.ProductCode]RuleTable
	rejected map[generic.ProductCode]error
	takenAt  time.Time
}

// NewSnapshot copies and validates tables.
func NewSnapshot(tables []RuleTable) *Snapshot {
	s := &Snapshot{
		tables:   make(map[generic.ProductCode]RuleTable, len(tables)),
		rejected: make(map[generic.ProductCode]error),
		takenAt:  time.Now().UTC(),
	}
	for _, t := range tables {
		if err := t.Validate(); err != nil {
			s.rejected[t.Product] = err
			continue
		}
		tiers := make([]Tier, len(t.Tiers))
		copy(tiers, t.Tiers)
		s.tables[t.Product] = RuleTable{Product: t.Product, Tiers: tiers}
	}
	return s
}

// Table returns a copy of a product's rule table.
func (s *Snapshot) Table(product generic.ProductCode) (RuleTable, bool) {
	t, ok := s.tables[product]
	if !ok {
		return RuleTable{}, false
	}
	tiers := make([]Tier, len(t.Tiers))
	copy(tiers, t.Tiers)
	return RuleTable{Product: t.Product, Tiers: tiers}, true
}

// Products lists products with a valid table, sorted.
func (s *Snapshot) Products() []generic.ProductCode {
	out := make([]generic.ProductCode, 0, len(s.tables))
	for p := range s.tables {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Rejected returns the validation error per rejected product.
func (s *Snapshot) Rejected() map[generic.ProductCode]error {
	out := make(map[generic.ProductCode]error, len(s.rejected))
	for p, err := range s.rejected {
		out[p] = err
	}
	return out
}

func (s *Snapshot) TakenAt() time.Time { return s.takenAt }

// =============================================================================
// RULE SOURCE
// =============================================================================

// RuleSource supplies the rule tables a snapshot is built from.
type RuleSource interface {
	RuleTables(ctx context.Context) ([]RuleTable, error)
}

// LoadSnapshot reads every rule table from src once.
func LoadSnapshot(ctx context.Context, src RuleSource) (*Snapshot, error) {
	tables, err := src.RuleTables(ctx)
	if err != nil {
		return nil, fmt.Errorf("load rule tables: %w", err)
	}
	return NewSnapshot(tables), nil
}

// StaticRules is a RuleSource over a fixed list.
type StaticRules []RuleTable

func (r StaticRules) RuleTables(context.Context) ([]RuleTable, error) { return r, nil }
