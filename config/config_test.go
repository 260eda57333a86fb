package config_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/enrollment-engine/config"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("ENROLL_DEV_MODE", "true")

	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, "enrollment.db", cfg.DBPath)
	assert.Equal(t, 30*time.Minute, cfg.ReservationTTL)
	assert.Equal(t, 5*time.Minute, cfg.SweepInterval)
	assert.Equal(t, 2, cfg.DraftBuffer)
	assert.Empty(t, cfg.CORSOrigins, "router falls back to localhost origins")
	assert.Equal(t, 5, cfg.ClaimRate.Capacity)
	assert.Equal(t, time.Minute, cfg.ClaimRate.Refill)

	eng := cfg.Engine()
	assert.Equal(t, "100", eng.DepositPerWeek.String())
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("ENROLL_JWT_SECRET", "s3cret")
	t.Setenv("ENROLL_PORT", "9090")
	t.Setenv("ENROLL_RESERVATION_TTL", "45m")
	t.Setenv("ENROLL_DEPOSIT_PER_WEEK", "75.50")
	t.Setenv("ENROLL_CORS_ORIGINS", "https://a.example,https://b.example")
	t.Setenv("ENROLL_CLAIM_RATE_CAPACITY", "2")

	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Port)
	assert.Equal(t, 45*time.Minute, cfg.Engine().ReservationTTL)
	assert.Equal(t, "75.5", cfg.Engine().DepositPerWeek.String())
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.CORSOrigins)
	assert.Equal(t, 2, cfg.ClaimRate.Capacity)
}

func TestLoad_Rejects(t *testing.T) {
	t.Run("missing secret", func(t *testing.T) {
		t.Setenv("ENROLL_JWT_SECRET", "")
		t.Setenv("ENROLL_DEV_MODE", "false")
		_, err := config.Load()
		assert.Error(t, err)
	})
	t.Run("bad duration", func(t *testing.T) {
		t.Setenv("ENROLL_DEV_MODE", "true")
		t.Setenv("ENROLL_SWEEP_INTERVAL", "soon")
		_, err := config.Load()
		assert.Error(t, err)
	})
	t.Run("bad deposit", func(t *testing.T) {
		t.Setenv("ENROLL_DEV_MODE", "true")
		t.Setenv("ENROLL_DEPOSIT_PER_WEEK", "lots")
		_, err := config.Load()
		assert.Error(t, err)
	})
}
