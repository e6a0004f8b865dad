/*
products.go - Product line ladder overrides

PURPOSE:
  Most products share DefaultLadder. A few product lines move individual
  rungs. Those differences are data in a registry consulted before the
  default ladder, never branches in the classifier.

BUILT-IN OVERRIDES:
  driver_financing:    5-DPD checkpoint at day 4 (1..3 stay on 1-DPD)
  employee_financing:  5-DPD checkpoint at day 8 (1..7 stay on 1-DPD)

HOW IT WORKS:
  1. Register(line, override) validates the resulting ladder up front
  2. Replace(overrides) swaps the whole set at once, so a line that loses
     its override falls back to DefaultLadder
  3. LadderFor(line) returns the overridden ladder or DefaultLadder
  4. Adding a product line never touches Classifier

USAGE:
  delinquency.RegisterOverride("merchant_financing", delinquency.LadderOverride{
      Thresholds: map[generic.StatusCode]int{generic.Status5DPD: 7},
  })

SEE ALSO:
  - ladder.go: Ladder and LadderOverride
  - status.go: Classifier
  - factory/product.go: Overrides declared in product documents
*/
package delinquency

import (
	"fmt"
	"sort"
	"sync"

	"github.com/warp/delinquency-engine/generic"
)

const (
	ProductLineDriverFinancing   generic.ProductLine = "driver_financing"
	ProductLineEmployeeFinancing generic.ProductLine = "employee_financing"
)

// =============================================================================
// OVERRIDE REGISTRY
// =============================================================================

type OverrideRegistry struct {
	mu      sync.RWMutex
	base    Ladder
	ladders map[generic.ProductLine]Ladder
}

// NewOverrideRegistry creates an empty registry on top of base.
func NewOverrideRegistry(base Ladder) *OverrideRegistry {
	return &OverrideRegistry{base: base, ladders: make(map[generic.ProductLine]Ladder)}
}

// Register installs an override for a product line, replacing any previous
// one. The resulting ladder is validated before it becomes visible.
func (r *OverrideRegistry) Register(line generic.ProductLine, o LadderOverride) error {
	ladder, err := o.Apply(r.base)
	if err != nil {
		return fmt.Errorf("product line %s: %w", line, err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ladders[line] = ladder
	return nil
}

// Replace swaps every override for the given set. All ladders are built and
// validated first; on error the registry is left untouched.
func (r *OverrideRegistry) Replace(overrides map[generic.ProductLine]LadderOverride) error {
	ladders := make(map[generic.ProductLine]Ladder, len(overrides))
	for line, o := range overrides {
		ladder, err := o.Apply(r.base)
		if err != nil {
			return fmt.Errorf("product line %s: %w", line, err)
		}
		ladders[line] = ladder
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ladders = ladders
	return nil
}

// LadderFor returns the ladder for a product line.
func (r *OverrideRegistry) LadderFor(line generic.ProductLine) Ladder {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if l, ok := r.ladders[line]; ok {
		return l
	}
	return r.base
}

// Lines lists product lines with an override, sorted.
func (r *OverrideRegistry) Lines() []generic.ProductLine {
	r.mu.RLock()
	defer r.mu.RUnlock()
	lines := make([]generic.ProductLine, 0, len(r.ladders))
	for l := range r.ladders {
		lines = append(lines, l)
	}
	sort.Slice(lines, func(i, j int) bool { return lines[i] < lines[j] })
	return lines
}

// =============================================================================
// DEFAULT REGISTRY
// =============================================================================

var defaultRegistry = NewOverrideRegistry(DefaultLadder)

func init() {
	if err := defaultRegistry.Replace(BuiltinOverrides()); err != nil {
		panic(err)
	}
}

// BuiltinOverrides returns a fresh copy of the overrides every registry
// rebuild starts from.
func BuiltinOverrides() map[generic.ProductLine]LadderOverride {
	return map[generic.ProductLine]LadderOverride{
		ProductLineDriverFinancing: {
			Description: "single 4-day checkpoint before the 5-DPD stage",
			Thresholds:  map[generic.StatusCode]int{generic.Status5DPD: 4},
		},
		ProductLineEmployeeFinancing: {
			Description: "1..29 DPD range split at day 8",
			Thresholds:  map[generic.StatusCode]int{generic.Status5DPD: 8},
		},
	}
}

// DefaultRegistry returns the process-wide registry with built-in overrides.
func DefaultRegistry() *OverrideRegistry { return defaultRegistry }

// RegisterOverride adds an override to the default registry.
func RegisterOverride(line generic.ProductLine, o LadderOverride) error {
	return defaultRegistry.Register(line, o)
}
