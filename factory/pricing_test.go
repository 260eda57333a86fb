package factory_test

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/enrollment-engine/enrollment"
	"github.com/warp/enrollment-engine/factory"
)

func TestParsePricing_FullRateCard(t *testing.T) {
	f := factory.NewPricingFactory()
	p, err := f.ParsePricing(`{
		"tiers": [
			{"min_weeks": 2, "discount": "30"},
			{"min_weeks": 4, "discount": 90.50}
		],
		"returning_per_week": "15",
		"sibling_per_week": "25",
		"early_bird_rate": "0.05"
	}`)
	require.NoError(t, err)

	require.Len(t, p.Tiers, 2)
	assert.True(t, p.TieredDiscount(3).Equal(decimal.NewFromInt(30)))
	assert.True(t, p.TieredDiscount(4).Equal(decimal.RequireFromString("90.5")))
	assert.True(t, p.ReturningCredit(true, 2).Equal(decimal.NewFromInt(30)))
	assert.True(t, p.SiblingCredit(true, 1).Equal(decimal.NewFromInt(25)))
	assert.True(t, p.EarlyBirdRate.Equal(decimal.RequireFromString("0.05")))
}

func TestParsePricing_DefaultsFillGaps(t *testing.T) {
	f := factory.NewPricingFactory()
	p, err := f.ParsePricing(`{"sibling_per_week": "30"}`)
	require.NoError(t, err)

	def := enrollment.DefaultPricing()
	assert.Equal(t, len(def.Tiers), len(p.Tiers))
	assert.True(t, p.TieredDiscount(12).Equal(decimal.NewFromInt(370)))
	assert.True(t, p.SiblingPerWeek.Equal(decimal.NewFromInt(30)))
	assert.True(t, p.ReturningPerWeek.Equal(def.ReturningPerWeek))
}

func TestParsePricing_EmptyTiersDisableDiscount(t *testing.T) {
	p, err := factory.NewPricingFactory().ParsePricing(`{"tiers": []}`)
	require.NoError(t, err)
	assert.True(t, p.TieredDiscount(20).IsZero())
}

func TestParsePricing_Rejects(t *testing.T) {
	f := factory.NewPricingFactory()

	_, err := f.ParsePricing(`{not json`)
	assert.Error(t, err)

	_, err = f.ParsePricing(`{"tiers": [{"min_weeks": 5, "discount": "1"}, {"min_weeks": 3, "discount": "2"}]}`)
	assert.ErrorIs(t, err, enrollment.ErrValidation)

	_, err = f.ParsePricing(`{"early_bird_rate": "2"}`)
	assert.ErrorIs(t, err, enrollment.ErrValidation)
}

func TestLoadFile(t *testing.T) {
	f := factory.NewPricingFactory()

	p, err := f.LoadFile("")
	require.NoError(t, err)
	assert.True(t, p.EarlyBirdRate.Equal(enrollment.DefaultPricing().EarlyBirdRate))

	data, err := json.Marshal(f.ToJSON(p))
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "pricing.json")
	require.NoError(t, os.WriteFile(path, data, 0o600))

	loaded, err := f.LoadFile(path)
	require.NoError(t, err)
	assert.True(t, loaded.TieredDiscount(5).Equal(decimal.NewFromInt(120)))

	_, err = f.LoadFile(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}
