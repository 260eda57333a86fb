/*
discount.go - Discount policy (pure functions)

PURPOSE:
  Maps enrollment counts and family flags to discount amounts. Nothing here
  reads the store; the receipt workflow and the balance engine call these
  with values they loaded themselves.

DISCOUNTS:
  Tiered:     step function of the family's total week count
                weeks:    <3   3   5   8   12+
                discount:  0  50 120 240  370
  Returning:  per-week rate x weeks, if the family is returning
  Sibling:    per-week rate x weeks, if the family has a sibling enrolled
  Early-bird: item amount x rate, if the item was created before its
              session's early-bird deadline

ROUNDING:
  All money is decimal.Decimal rounded to cents at the point it is frozen.

SEE ALSO:
  - factory/pricing.go: Loads Pricing from JSON
  - receipt.go: Freezes these values into a DiscountSnapshot
  - balance.go: Recomputes them live for the balance breakdown
*/
package enrollment

import (
	"sort"

	"github.com/shopspring/decimal"
)

// =============================================================================
// PRICING
// =============================================================================

// Tier is one step of the multi-week discount.
type Tier struct {
	MinWeeks int
	Discount decimal.Decimal
}

// Pricing holds every rate the discount policy needs.
type Pricing struct {
	Tiers            []Tier
	ReturningPerWeek decimal.Decimal
	SiblingPerWeek   decimal.Decimal
	EarlyBirdRate    decimal.Decimal // fraction, 0.10 = 10%
}

// DefaultPricing returns the built-in rate card.
func DefaultPricing() Pricing {
	return Pricing{
		Tiers: []Tier{
			{MinWeeks: 3, Discount: decimal.NewFromInt(50)},
			{MinWeeks: 5, Discount: decimal.NewFromInt(120)},
			{MinWeeks: 8, Discount: decimal.NewFromInt(240)},
			{MinWeeks: 12, Discount: decimal.NewFromInt(370)},
		},
		ReturningPerWeek: decimal.NewFromInt(20),
		SiblingPerWeek:   decimal.NewFromInt(20),
		EarlyBirdRate:    decimal.RequireFromString("0.10"),
	}
}

// Validate checks that tiers are non-negative and strictly increasing.
func (p Pricing) Validate() error {
	prev := 0
	for i, t := range p.Tiers {
		if t.MinWeeks <= 0 {
			return invalid("tiers", "min_weeks must be positive")
		}
		if i > 0 && t.MinWeeks <= prev {
			return invalid("tiers", "min_weeks must be strictly increasing")
		}
		if t.Discount.IsNegative() {
			return invalid("tiers", "discount must not be negative")
		}
		prev = t.MinWeeks
	}
	if p.ReturningPerWeek.IsNegative() || p.SiblingPerWeek.IsNegative() {
		return invalid("per_week", "credit must not be negative")
	}
	if p.EarlyBirdRate.IsNegative() || p.EarlyBirdRate.GreaterThan(decimal.NewFromInt(1)) {
		return invalid("early_bird_rate", "must be between 0 and 1")
	}
	return nil
}

// =============================================================================
// DISCOUNT FUNCTIONS
// =============================================================================

// TieredDiscount returns the discount for the highest tier reached by weeks.
// Counts above the last tier are clamped to it.
func (p Pricing) TieredDiscount(weeks int) decimal.Decimal {
	tiers := append([]Tier(nil), p.Tiers...)
	sort.Slice(tiers, func(i, j int) bool { return tiers[i].MinWeeks < tiers[j].MinWeeks })

	result := decimal.Zero
	for _, t := range tiers {
		if weeks < t.MinWeeks {
			break
		}
		result = t.Discount
	}
	return result
}

// ReturningCredit returns the per-week returning credit for weeks.
func (p Pricing) ReturningCredit(returning bool, weeks int) decimal.Decimal {
	if !returning || weeks <= 0 {
		return decimal.Zero
	}
	return p.ReturningPerWeek.Mul(decimal.NewFromInt(int64(weeks)))
}

// SiblingCredit returns the per-week sibling credit for weeks.
func (p Pricing) SiblingCredit(hasSibling bool, weeks int) decimal.Decimal {
	if !hasSibling || weeks <= 0 {
		return decimal.Zero
	}
	return p.SiblingPerWeek.Mul(decimal.NewFromInt(int64(weeks)))
}

// EarlyBirdCredit returns amount x rate when the item was created strictly
// before the session's early-bird deadline, otherwise zero.
func (p Pricing) EarlyBirdCredit(item LedgerItem, session Session) decimal.Decimal {
	if !EarlyBirdEligible(item, session) {
		return decimal.Zero
	}
	return item.Amount.Mul(p.EarlyBirdRate).Round(2)
}

// EarlyBirdEligible reports whether item predates its session's deadline.
func EarlyBirdEligible(item LedgerItem, session Session) bool {
	return session.EarlyBirdDeadline != nil && item.CreatedAt.Before(*session.EarlyBirdDeadline)
}

// SplitEvenly divides total into n cent-rounded shares. The last share takes
// the rounding remainder so the shares always sum to total.
func SplitEvenly(total decimal.Decimal, n int) []decimal.Decimal {
	if n <= 0 {
		return nil
	}
	shares := make([]decimal.Decimal, n)
	share := total.Div(decimal.NewFromInt(int64(n))).RoundDown(2)
	allocated := decimal.Zero
	for i := 0; i < n-1; i++ {
		shares[i] = share
		allocated = allocated.Add(share)
	}
	shares[n-1] = total.Sub(allocated)
	return shares
}

// CouponAmount returns the (negative) credit memo amount for a coupon.
// Percentage coupons apply to subtotal, which the caller freezes at claim time.
func CouponAmount(c Coupon, subtotal decimal.Decimal) decimal.Decimal {
	var credit decimal.Decimal
	switch c.DiscountType {
	case DiscountPercentage:
		credit = subtotal.Mul(c.DiscountValue).Div(decimal.NewFromInt(100)).Round(2)
	default:
		credit = c.DiscountValue
	}
	if credit.IsNegative() {
		credit = decimal.Zero
	}
	return credit.Neg()
}
