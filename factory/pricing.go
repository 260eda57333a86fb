/*
Package factory provides JSON to Go pricing conversion.

PURPOSE:
  Converts a JSON rate card into enrollment.Pricing so the multi-week tiers,
  per-week credits and early-bird rate can change without a deploy. Money
  is read as decimal strings or JSON numbers, never through float64.

JSON SCHEMA:
  {
    "tiers": [
      {"min_weeks": 3,  "discount": "50"},
      {"min_weeks": 5,  "discount": "120"},
      {"min_weeks": 8,  "discount": "240"},
      {"min_weeks": 12, "discount": "370"}
    ],
    "returning_per_week": "20",
    "sibling_per_week": "20",
    "early_bird_rate": "0.10"
  }

  Omitted fields keep the built-in defaults. An explicit empty "tiers"
  array disables the multi-week discount.

USAGE:
  f := factory.NewPricingFactory()
  pricing, err := f.ParsePricing(jsonString)
  engine := enrollment.NewEngine(store, enrollment.WithPricing(pricing))

SEE ALSO:
  - enrollment/discount.go: Pricing type and discount functions
*/
package factory

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/shopspring/decimal"

	"github.com/warp/enrollment-engine/enrollment"
)

// =============================================================================
// JSON SCHEMA TYPES
// =============================================================================

// PricingJSON is the JSON representation of a rate card.
type PricingJSON struct {
	Tiers            *[]TierJSON      `json:"tiers,omitempty"`
	ReturningPerWeek *decimal.Decimal `json:"returning_per_week,omitempty"`
	SiblingPerWeek   *decimal.Decimal `json:"sibling_per_week,omitempty"`
	EarlyBirdRate    *decimal.Decimal `json:"early_bird_rate,omitempty"`
}

// TierJSON is one multi-week discount step.
type TierJSON struct {
	MinWeeks int             `json:"min_weeks"`
	Discount decimal.Decimal `json:"discount"`
}

// =============================================================================
// PRICING FACTORY
// =============================================================================

// PricingFactory converts JSON rate cards to enrollment.Pricing.
type PricingFactory struct {
	defaults enrollment.Pricing
}

// NewPricingFactory creates a factory that fills gaps from the built-in
// rate card.
func NewPricingFactory() *PricingFactory {
	return &PricingFactory{defaults: enrollment.DefaultPricing()}
}

// ParsePricing parses and validates a JSON rate card.
func (f *PricingFactory) ParsePricing(jsonStr string) (enrollment.Pricing, error) {
	var pj PricingJSON
	if err := json.Unmarshal([]byte(jsonStr), &pj); err != nil {
		return enrollment.Pricing{}, fmt.Errorf("failed to parse pricing JSON: %w", err)
	}
	return f.FromJSON(pj)
}

// LoadFile reads a rate card from path. An empty path returns the defaults.
func (f *PricingFactory) LoadFile(path string) (enrollment.Pricing, error) {
	if path == "" {
		return f.defaults, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return enrollment.Pricing{}, fmt.Errorf("failed to read pricing file: %w", err)
	}
	return f.ParsePricing(string(data))
}

// FromJSON converts PricingJSON to enrollment.Pricing.
func (f *PricingFactory) FromJSON(pj PricingJSON) (enrollment.Pricing, error) {
	p := f.defaults
	p.Tiers = append([]enrollment.Tier(nil), f.defaults.Tiers...)

	if pj.Tiers != nil {
		p.Tiers = make([]enrollment.Tier, 0, len(*pj.Tiers))
		for _, tj := range *pj.Tiers {
			p.Tiers = append(p.Tiers, enrollment.Tier{MinWeeks: tj.MinWeeks, Discount: tj.Discount})
		}
	}
	if pj.ReturningPerWeek != nil {
		p.ReturningPerWeek = *pj.ReturningPerWeek
	}
	if pj.SiblingPerWeek != nil {
		p.SiblingPerWeek = *pj.SiblingPerWeek
	}
	if pj.EarlyBirdRate != nil {
		p.EarlyBirdRate = *pj.EarlyBirdRate
	}

	if err := p.Validate(); err != nil {
		return enrollment.Pricing{}, fmt.Errorf("invalid pricing: %w", err)
	}
	return p, nil
}

// ToJSON converts Pricing to PricingJSON.
func (f *PricingFactory) ToJSON(p enrollment.Pricing) PricingJSON {
	tiers := make([]TierJSON, 0, len(p.Tiers))
	for _, t := range p.Tiers {
		tiers = append(tiers, TierJSON{MinWeeks: t.MinWeeks, Discount: t.Discount})
	}
	returning, sibling, rate := p.ReturningPerWeek, p.SiblingPerWeek, p.EarlyBirdRate
	return PricingJSON{
		Tiers:            &tiers,
		ReturningPerWeek: &returning,
		SiblingPerWeek:   &sibling,
		EarlyBirdRate:    &rate,
	}
}
