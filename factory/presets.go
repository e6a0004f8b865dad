package factory

import "fmt"

// =============================================================================
// BUILT-IN PRODUCTS
// =============================================================================
// Seed documents for a fresh database and for the demo scenarios.

// StandardProductJSON is a two-tier product: 0.5% at day 1, 1% at day 5.
func StandardProductJSON(code, name string) string {
	return fmt.Sprintf(`{
  "code": %q,
  "name": %q,
  "late_fee": {
    "tiers": [
      {"dpd_threshold": 1, "fee_pct": "0.5"},
      {"dpd_threshold": 5, "fee_pct": "1.0"}
    ]
  }
}`, code, name)
}

// LadderedProductJSON charges at days 1, 5, 30 and 60, capped at maxFeePct
// of the loan amount.
func LadderedProductJSON(code, name, line, maxFeePct string) string {
	return fmt.Sprintf(`{
  "code": %q,
  "name": %q,
  "product_line": %q,
  "late_fee": {
    "tiers": [
      {"dpd_threshold": 1, "fee_pct": "0.5"},
      {"dpd_threshold": 5, "fee_pct": "1.0"},
      {"dpd_threshold": 30, "fee_pct": "1.5"},
      {"dpd_threshold": 60, "fee_pct": "2.0"}
    ],
    "max_fee_pct": %q
  }
}`, code, name, line, maxFeePct)
}

// DefaultProducts returns the documents loaded on first start.
func DefaultProducts() []string {
	return []string{
		StandardProductJSON("mtl", "Multi-term loan"),
		LadderedProductJSON("stl", "Short-term loan", "stl", "10"),
		LadderedProductJSON("dfl", "Driver financing loan", "driver_financing", "8"),
		LadderedProductJSON("efl", "Employee financing loan", "employee_financing", "8"),
	}
}
