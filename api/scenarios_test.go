/*
scenarios_test.go - Unit tests for demo scenarios

PURPOSE:
	Tests that each scenario loads through the engine and leaves the
	expected state behind, so scenarios double as integration tests.
*/
package api

import (
	"context"
	"net/http"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/enrollment-engine/enrollment"
)

func TestScenario_SummerWeeks(t *testing.T) {
	// GIVEN: The summer-weeks scenario
	// WHEN: Loading it
	// THEN: Four weeks exist, week 1 has one seat left, Rivera is verified for three weeks
	s := newTestServer(t)
	ctx := context.Background()
	require.NoError(t, s.h.loadScenario(ctx, "summer-weeks"))

	sessions, err := s.h.Engine.ListSessions(ctx)
	require.NoError(t, err)
	assert.Len(t, sessions, 4)

	a, err := s.h.Engine.SessionAvailability(ctx, "week-1")
	require.NoError(t, err)
	assert.Equal(t, 1, a.Available())
	assert.Equal(t, 1, a.EnrolledCount)

	items, err := s.h.Engine.ListItems(ctx, scenarioAdmin, "rivera", enrollment.StatusVerified)
	require.NoError(t, err)
	assert.Len(t, items, 3)
	for _, it := range items {
		require.NotNil(t, it.Snapshot)
		assert.True(t, it.Snapshot.ReturningCredit.Equal(decimal.NewFromInt(20)))
	}
}

func TestScenario_CouponDemo(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()
	require.NoError(t, s.h.loadScenario(ctx, "coupon-demo"))

	pending, err := s.h.Engine.ListCoupons(ctx, scenarioAdmin, enrollment.CouponPending)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "SUMMER50", pending[0].Code)
	assert.Equal(t, enrollment.UserID("chen"), pending[0].LinkedUserID)

	bal, err := s.h.Engine.Balance(ctx, scenarioAdmin, "chen")
	require.NoError(t, err)
	assert.True(t, bal.CouponCredit.Equal(decimal.NewFromInt(50)))
	assert.True(t, bal.EarlyBirdCredit.Equal(decimal.NewFromInt(60)), "10 percent of two 300 weeks")
	assert.True(t, bal.BalanceDue.Equal(decimal.NewFromInt(490)))
}

func TestScenario_PairedPayment(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()
	require.NoError(t, s.h.loadScenario(ctx, "paired-payment"))

	pending, err := s.h.Engine.PendingReceipts(ctx, scenarioAdmin)
	require.NoError(t, err)
	require.Len(t, pending, 2)

	var cash enrollment.Receipt
	for _, r := range pending {
		if r.Method == enrollment.PaymentCash {
			cash = r
		}
	}
	assert.NotEmpty(t, cash.RelatedReceiptID)
	assert.Len(t, cash.LinkedItems, 2)
}

func TestScenario_ReloadResets(t *testing.T) {
	// GIVEN: A loaded scenario
	// WHEN: Loading a different one over HTTP
	// THEN: Old state is gone and the current scenario is reported
	s := newTestServer(t)
	require.NoError(t, s.h.loadScenario(context.Background(), "summer-weeks"))

	rec := s.do("POST", "/api/dev/scenarios/load", "", LoadScenarioRequest{ScenarioID: "coupon-demo"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	sessions, err := s.h.Engine.ListSessions(context.Background())
	require.NoError(t, err)
	assert.Len(t, sessions, 2)

	current := decodeBody[ScenarioDTO](t, s.do("GET", "/api/dev/scenarios/current", "", nil))
	assert.Equal(t, "coupon-demo", current.ID)

	rec = s.do("POST", "/api/dev/scenarios/load", "", LoadScenarioRequest{ScenarioID: "nope"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
