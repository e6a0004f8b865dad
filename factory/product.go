/*
Package factory converts product documents (JSON or YAML) into rule tables,
ladder overrides and cap policies.

PURPOSE:
  Product configuration lives in the database (products.config_json) or in
  YAML files shipped with a deployment. Ops changes late-fee tiers without
  a code change; the factory turns documents into engine types and
  rejects malformed ones.

JSON SCHEMA:
  {
    "code": "mtl",
    "name": "Multi-term loan",
    "product_line": "mtl",
    "late_fee": {
      "tiers": [
        {"dpd_threshold": 1, "fee_pct": "0.5"},
        {"dpd_threshold": 5, "fee_pct": "1.0"}
      ],
      "max_fee_pct": "10"
    },
    "status_override": {"5dpd": 4}
  }

  fee_pct and max_fee_pct accept strings or numbers; both are percentages.
  status_override maps a status name (or code) to its new first DPD day.

YAML:
  products:
    - code: mtl
      late_fee:
        tiers:
          - {dpd_threshold: 1, fee_pct: "0.5"}

USAGE:
  f := factory.NewProductFactory()
  p, err := f.ParseProduct(jsonString)
  catalog := factory.Catalog{p}
  snap, err := latefee.LoadSnapshot(ctx, catalog)

SEE ALSO:
  - presets.go: Built-in product documents
  - latefee/rules.go: RuleTable and Snapshot
  - delinquency/products.go: Override registry
*/
package factory

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/warp/delinquency-engine/delinquency"
	"github.com/warp/delinquency-engine/generic"
	"github.com/warp/delinquency-engine/latefee"
)

// =============================================================================
// DOCUMENT TYPES
// =============================================================================

// ProductJSON is the stored representation of a product.
type ProductJSON struct {
	Code           string         `json:"code" yaml:"code"`
	Name           string         `json:"name,omitempty" yaml:"name,omitempty"`
	ProductLine    string         `json:"product_line,omitempty" yaml:"product_line,omitempty"`
	LateFee        LateFeeJSON    `json:"late_fee" yaml:"late_fee"`
	StatusOverride map[string]int `json:"status_override,omitempty" yaml:"status_override,omitempty"`
}

type LateFeeJSON struct {
	Tiers     []TierJSON  `json:"tiers" yaml:"tiers"`
	MaxFeePct json.Number `json:"max_fee_pct,omitempty" yaml:"max_fee_pct,omitempty"`
}

type TierJSON struct {
	DPDThreshold int         `json:"dpd_threshold" yaml:"dpd_threshold"`
	FeePct       json.Number `json:"fee_pct" yaml:"fee_pct"`
}

type productsYAML struct {
	Products []ProductJSON `yaml:"products"`
}

// Product is a parsed, validated product.
type Product struct {
	Code      generic.ProductCode
	Name      string
	Line      generic.ProductLine
	Rules     latefee.RuleTable
	MaxFeePct *decimal.Decimal
	Override  *delinquency.LadderOverride
}

// =============================================================================
// PRODUCT FACTORY
// =============================================================================

type ProductFactory struct{}

func NewProductFactory() *ProductFactory {
	return &ProductFactory{}
}

// ParseProduct parses one JSON product document.
func (f *ProductFactory) ParseProduct(jsonStr string) (*Product, error) {
	var pj ProductJSON
	if err := json.Unmarshal([]byte(jsonStr), &pj); err != nil {
		return nil, fmt.Errorf("failed to parse product JSON: %w", err)
	}
	return f.FromJSON(pj)
}

// ParseProductsYAML parses a YAML file with a top-level "products" list.
func (f *ProductFactory) ParseProductsYAML(data []byte) ([]*Product, error) {
	var doc productsYAML
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse products YAML: %w", err)
	}
	out := make([]*Product, 0, len(doc.Products))
	for _, pj := range doc.Products {
		p, err := f.FromJSON(pj)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

// FromJSON validates a document and builds the Product.
func (f *ProductFactory) FromJSON(pj ProductJSON) (*Product, error) {
	p := &Product{
		Code: generic.ProductCode(pj.Code),
		Name: pj.Name,
		Line: generic.ProductLine(pj.ProductLine),
	}
	if p.Line == "" {
		p.Line = generic.ProductLine(pj.Code)
	}

	p.Rules = latefee.RuleTable{Product: p.Code}
	for i, tj := range pj.LateFee.Tiers {
		pct, err := decimal.NewFromString(tj.FeePct.String())
		if err != nil {
			return nil, fmt.Errorf("product %s tier %d: invalid fee_pct %q: %w", pj.Code, i, tj.FeePct, err)
		}
		p.Rules.Tiers = append(p.Rules.Tiers, latefee.Tier{DPDThreshold: tj.DPDThreshold, FeePct: pct})
	}
	if err := p.Rules.Validate(); err != nil {
		return nil, err
	}

	if pj.LateFee.MaxFeePct != "" {
		pct, err := decimal.NewFromString(pj.LateFee.MaxFeePct.String())
		if err != nil {
			return nil, fmt.Errorf("product %s: invalid max_fee_pct %q: %w", pj.Code, pj.LateFee.MaxFeePct, err)
		}
		if pct.IsNegative() {
			return nil, fmt.Errorf("product %s: max_fee_pct must not be negative", pj.Code)
		}
		p.MaxFeePct = &pct
	}

	if len(pj.StatusOverride) > 0 {
		o := delinquency.LadderOverride{
			Description: "product " + pj.Code,
			Thresholds:  make(map[generic.StatusCode]int, len(pj.StatusOverride)),
		}
		for name, day := range pj.StatusOverride {
			code, ok := generic.ParseStatusCode(name)
			if !ok {
				return nil, fmt.Errorf("product %s: unknown status %q in status_override", pj.Code, name)
			}
			o.Thresholds[code] = day
		}
		if _, err := o.Apply(delinquency.DefaultLadder); err != nil {
			return nil, fmt.Errorf("product %s: %w", pj.Code, err)
		}
		p.Override = &o
	}

	return p, nil
}

// ToJSON converts a Product back to its document form.
func (f *ProductFactory) ToJSON(p *Product) ProductJSON {
	pj := ProductJSON{
		Code:        string(p.Code),
		Name:        p.Name,
		ProductLine: string(p.Line),
	}
	for _, t := range p.Rules.Tiers {
		pj.LateFee.Tiers = append(pj.LateFee.Tiers, TierJSON{
			DPDThreshold: t.DPDThreshold,
			FeePct:       json.Number(t.FeePct.String()),
		})
	}
	if p.MaxFeePct != nil {
		pj.LateFee.MaxFeePct = json.Number(p.MaxFeePct.String())
	}
	if p.Override != nil {
		pj.StatusOverride = make(map[string]int, len(p.Override.Thresholds))
		for code, day := range p.Override.Thresholds {
			pj.StatusOverride[code.String()] = day
		}
	}
	return pj
}

// =============================================================================
// CATALOG - A set of products
// =============================================================================

// Catalog is a latefee.RuleSource over parsed products.
type Catalog []*Product

func (c Catalog) RuleTables(context.Context) ([]latefee.RuleTable, error) {
	out := make([]latefee.RuleTable, 0, len(c))
	for _, p := range c {
		out = append(out, p.Rules)
	}
	return out, nil
}

// Caps returns the per-product max-fee policy.
func (c Catalog) Caps() latefee.ProductCaps {
	caps := latefee.ProductCaps{Caps: make(map[generic.ProductCode]latefee.CapPolicy)}
	for _, p := range c {
		if p.MaxFeePct != nil {
			caps.Caps[p.Code] = latefee.PercentOfPrincipalCap{Pct: *p.MaxFeePct}
		}
	}
	return caps
}

// RegisterOverrides rebuilds reg from the built-in overrides plus every
// product's ladder override, keyed by product line. A catalog override wins
// over a built-in one for the same line. Lines whose product no longer
// declares an override go back to the default ladder.
func (c Catalog) RegisterOverrides(reg *delinquency.OverrideRegistry) error {
	overrides := delinquency.BuiltinOverrides()
	for _, p := range c {
		if p.Override != nil {
			overrides[p.Line] = *p.Override
		}
	}
	return reg.Replace(overrides)
}

// Codes lists product codes, sorted.
func (c Catalog) Codes() []generic.ProductCode {
	out := make([]generic.ProductCode, 0, len(c))
	for _, p := range c {
		out = append(out, p.Code)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// =============================================================================
// STORED PRODUCTS
// =============================================================================

// Record builds the stored form of a product.
func (f *ProductFactory) Record(p *Product) (generic.ProductRecord, error) {
	data, err := json.Marshal(f.ToJSON(p))
	if err != nil {
		return generic.ProductRecord{}, fmt.Errorf("failed to encode product %s: %w", p.Code, err)
	}
	return generic.ProductRecord{
		Code:       p.Code,
		Name:       p.Name,
		Line:       p.Line,
		ConfigJSON: string(data),
	}, nil
}

// LoadCatalog parses every stored product. Documents that fail to parse
// are returned in the error map instead of aborting the load.
func (f *ProductFactory) LoadCatalog(ctx context.Context, store generic.ProductStore) (Catalog, map[generic.ProductCode]error, error) {
	records, err := store.ListProducts(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("list products: %w", err)
	}
	var catalog Catalog
	bad := make(map[generic.ProductCode]error)
	for _, rec := range records {
		p, err := f.ParseProduct(rec.ConfigJSON)
		if err != nil {
			bad[rec.Code] = err
			continue
		}
		catalog = append(catalog, p)
	}
	return catalog, bad, nil
}

// SeedDefaults stores the built-in products that are not present yet.
func (f *ProductFactory) SeedDefaults(ctx context.Context, store generic.ProductStore) (int, error) {
	seeded := 0
	for _, doc := range DefaultProducts() {
		p, err := f.ParseProduct(doc)
		if err != nil {
			return seeded, err
		}
		if _, err := store.GetProduct(ctx, p.Code); err == nil {
			continue
		} else if !generic.IsNotFound(err) {
			return seeded, err
		}
		rec, err := f.Record(p)
		if err != nil {
			return seeded, err
		}
		if err := store.SaveProduct(ctx, rec); err != nil {
			return seeded, err
		}
		seeded++
	}
	return seeded, nil
}

// StoreSource is a latefee.RuleSource reading product documents from a
// ProductStore on every call. A document that fails to parse still yields
// an empty table for its code, so the snapshot rejects it and the product
// is escalated rather than silently dropped.
type StoreSource struct {
	Store   generic.ProductStore
	Factory *ProductFactory
}

func (s StoreSource) RuleTables(ctx context.Context) ([]latefee.RuleTable, error) {
	f := s.Factory
	if f == nil {
		f = NewProductFactory()
	}
	catalog, bad, err := f.LoadCatalog(ctx, s.Store)
	if err != nil {
		return nil, err
	}
	tables, _ := catalog.RuleTables(ctx)
	for code := range bad {
		tables = append(tables, latefee.RuleTable{Product: code})
	}
	return tables, nil
}
