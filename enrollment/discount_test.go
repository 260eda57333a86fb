package enrollment_test

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/enrollment-engine/enrollment"
)

func TestTieredDiscount_StepFunction(t *testing.T) {
	p := enrollment.DefaultPricing()

	tests := []struct {
		weeks int
		want  string
	}{
		{0, "0"},
		{2, "0"},
		{3, "50"},
		{4, "50"},
		{5, "120"},
		{8, "240"},
		{11, "240"},
		{12, "370"},
		{15, "370"},
	}
	for _, tt := range tests {
		got := p.TieredDiscount(tt.weeks)
		assert.True(t, got.Equal(money(tt.want)), "weeks=%d: got %s want %s", tt.weeks, got, tt.want)
	}
}

func TestTieredDiscount_UnsortedTiers(t *testing.T) {
	p := enrollment.Pricing{Tiers: []enrollment.Tier{
		{MinWeeks: 5, Discount: decimal.NewFromInt(120)},
		{MinWeeks: 3, Discount: decimal.NewFromInt(50)},
	}}
	assert.True(t, p.TieredDiscount(4).Equal(money("50")))
	assert.True(t, p.TieredDiscount(6).Equal(money("120")))
}

func TestPerWeekCredits(t *testing.T) {
	p := enrollment.DefaultPricing()

	assert.True(t, p.ReturningCredit(true, 3).Equal(money("60")))
	assert.True(t, p.ReturningCredit(false, 3).IsZero())
	assert.True(t, p.SiblingCredit(true, 2).Equal(money("40")))
	assert.True(t, p.SiblingCredit(true, 0).IsZero())
}

func TestEarlyBirdCredit_StrictlyBeforeDeadline(t *testing.T) {
	p := enrollment.DefaultPricing()
	deadline := t0
	session := enrollment.Session{EarlyBirdDeadline: &deadline}

	early := enrollment.LedgerItem{Amount: money("350"), CreatedAt: t0.Add(-1)}
	onTime := enrollment.LedgerItem{Amount: money("350"), CreatedAt: t0}

	assert.True(t, p.EarlyBirdCredit(early, session).Equal(money("35")))
	assert.True(t, p.EarlyBirdCredit(onTime, session).IsZero())
	assert.True(t, p.EarlyBirdCredit(early, enrollment.Session{}).IsZero(), "no deadline, no credit")
}

func TestSplitEvenly_SharesSumToTotal(t *testing.T) {
	shares := enrollment.SplitEvenly(money("50"), 3)
	require.Len(t, shares, 3)
	assert.True(t, shares[0].Equal(money("16.66")))
	assert.True(t, shares[1].Equal(money("16.66")))
	assert.True(t, shares[2].Equal(money("16.68")))

	sum := decimal.Zero
	for _, s := range shares {
		sum = sum.Add(s)
	}
	assert.True(t, sum.Equal(money("50")))

	assert.Nil(t, enrollment.SplitEvenly(money("50"), 0))
}

func TestCouponAmount(t *testing.T) {
	fixed := enrollment.Coupon{DiscountType: enrollment.DiscountFixed, DiscountValue: money("25")}
	pct := enrollment.Coupon{DiscountType: enrollment.DiscountPercentage, DiscountValue: money("10")}

	assert.True(t, enrollment.CouponAmount(fixed, money("700")).Equal(money("-25")))
	assert.True(t, enrollment.CouponAmount(pct, money("700")).Equal(money("-70")))
	assert.True(t, enrollment.CouponAmount(pct, money("333.33")).Equal(money("-33.33")))
	assert.True(t, enrollment.CouponAmount(pct, decimal.Zero).IsZero())
}

func TestPricing_Validate(t *testing.T) {
	require.NoError(t, enrollment.DefaultPricing().Validate())

	bad := enrollment.DefaultPricing()
	bad.Tiers = []enrollment.Tier{{MinWeeks: 5}, {MinWeeks: 3}}
	assert.ErrorIs(t, bad.Validate(), enrollment.ErrValidation)

	bad = enrollment.DefaultPricing()
	bad.EarlyBirdRate = money("1.5")
	assert.ErrorIs(t, bad.Validate(), enrollment.ErrValidation)
}
