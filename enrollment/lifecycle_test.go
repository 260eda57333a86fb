package enrollment_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/enrollment-engine/enrollment"
)

// =============================================================================
// EXPIRY
// =============================================================================

func TestExpireReservations_ReleasesOnlyPastDeadline(t *testing.T) {
	for name, newStore := range backends {
		t.Run(name, func(t *testing.T) {
			h := newHarnessOn(t, newStore(t))
			h.session("s1", 1, "350")
			it := h.add("u1", "s1")
			h.reserve("u1", it.ID)

			// Exactly at the deadline nothing is released.
			report, err := h.engine.ExpireReservations(h.ctx, t0.Add(30*time.Minute))
			require.NoError(t, err)
			assert.Equal(t, 0, report.ItemsReleased)

			report, err = h.engine.ExpireReservations(h.ctx, t0.Add(31*time.Minute))
			require.NoError(t, err)
			assert.Equal(t, 1, report.ItemsReleased)

			got := h.item(it.ID)
			assert.Equal(t, enrollment.StatusDraft, got.Status)
			assert.Nil(t, got.ReservationExpiresAt)
			assert.Equal(t, 1, h.usage("s1").Available())

			report, err = h.engine.ExpireReservations(h.ctx, t0.Add(time.Hour))
			require.NoError(t, err)
			assert.Equal(t, 0, report.ItemsReleased, "a second sweep is a no-op")
		})
	}
}

func TestExpireReservations_SecuredItemsSurvive(t *testing.T) {
	h := newHarness(t)
	h.session("s1", 5, "350")
	it := h.add("u1", "s1")
	h.reserve("u1", it.ID)
	h.submit("u1", enrollment.PaymentZelle, "100", "", it.ID)

	report, err := h.engine.ExpireReservations(h.ctx, t0.Add(24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 0, report.ItemsReleased)
	assert.Equal(t, enrollment.StatusSecured, h.item(it.ID).Status)
}

func TestExpireReservations_ExpiresCoupons(t *testing.T) {
	h := newHarness(t)
	c := h.coupon("SPRING", enrollment.DiscountFixed, "25", nil)
	deadline := t0.Add(time.Hour)
	c.ExpiresAt = &deadline
	require.NoError(t, h.store.UpdateCoupon(h.ctx, c))

	_, memo, err := h.engine.ClaimCoupon(h.ctx, parent("u1"), "u1", "SPRING")
	require.NoError(t, err)

	report, err := h.engine.ExpireReservations(h.ctx, t0.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, report.CouponsExpired)

	assert.Equal(t, enrollment.CouponExpired, h.getCoupon(c.ID).Status)
	_, err = h.store.GetItem(h.ctx, memo.ID)
	assert.True(t, enrollment.IsNotFound(err))
	assert.Contains(t, h.events.Actions(), "coupon.expired")
}

// =============================================================================
// CANCEL
// =============================================================================

func TestCancelItem_Permissions(t *testing.T) {
	h := newHarness(t)
	h.session2("s1", "s2")
	reserved := h.add("u1", "s1")
	h.reserve("u1", reserved.ID)
	secured := h.add("u1", "s2")
	h.submit("u1", enrollment.PaymentCash, "350", "", secured.ID)

	_, err := h.engine.CancelItem(h.ctx, parent("u2"), reserved.ID)
	assert.ErrorIs(t, err, enrollment.ErrNotAuthorized)

	got, err := h.engine.CancelItem(h.ctx, parent("u1"), reserved.ID)
	require.NoError(t, err)
	assert.Equal(t, enrollment.StatusCancelled, got.Status)
	assert.Equal(t, 0, h.usage("s1").Committed)

	_, err = h.engine.CancelItem(h.ctx, parent("u1"), secured.ID)
	assert.ErrorIs(t, err, enrollment.ErrNotAuthorized)

	_, err = h.engine.CancelItem(h.ctx, admin, secured.ID)
	require.NoError(t, err)

	_, err = h.engine.CancelItem(h.ctx, admin, secured.ID)
	assert.ErrorIs(t, err, enrollment.ErrInvalidState)
}

func TestCancelItem_VerifiedRecountHealsDrift(t *testing.T) {
	for name, newStore := range backends {
		t.Run(name, func(t *testing.T) {
			// GIVEN: Two verified enrollments and a drifted counter of 9
			// WHEN: An admin cancels one
			// THEN: The counter is recomputed from the rows, giving 1
			h := newHarnessOn(t, newStore(t))
			h.session("s1", 5, "350")
			a := h.add("u1", "s1")
			b := h.add("u2", "s1")
			ra := h.submit("u1", enrollment.PaymentCash, "350", "", a.ID)
			rb := h.submit("u2", enrollment.PaymentCash, "350", "", b.ID)
			for _, r := range []enrollment.Receipt{ra, rb} {
				_, err := h.engine.VerifyReceipt(h.ctx, admin, r.ID)
				require.NoError(t, err)
			}
			require.Equal(t, 2, h.enrolled("s1"))
			require.NoError(t, h.store.SetEnrolledCount(h.ctx, "s1", 9))

			_, err := h.engine.CancelItem(h.ctx, admin, a.ID)
			require.NoError(t, err)

			assert.Equal(t, 1, h.enrolled("s1"))
			assert.Equal(t, 1, h.usage("s1").Committed)
			assert.Contains(t, h.events.Actions(), "session.recounted")
		})
	}
}

func TestCancelItem_MemoReleasesCoupon(t *testing.T) {
	h := newHarness(t)
	c := h.coupon("UNDO", enrollment.DiscountFixed, "10", one())
	_, memo, err := h.engine.ClaimCoupon(h.ctx, parent("u1"), "u1", "UNDO")
	require.NoError(t, err)

	_, err = h.engine.CancelItem(h.ctx, parent("u1"), memo.ID)
	require.NoError(t, err)

	got := h.getCoupon(c.ID)
	assert.Equal(t, enrollment.CouponAvailable, got.Status)
	assert.Empty(t, got.LinkedLedgerItemID)
}

// =============================================================================
// BALANCE
// =============================================================================

func TestBalance_Breakdown(t *testing.T) {
	// GIVEN: A returning family with three weeks at 350, one early-bird week,
	//        a 25 coupon, a verified 300 receipt and a pending 100 receipt
	// THEN:  1050 - (50 + 35) - (60 + 25) - 300 - 100 = 480
	h := newHarness(t)
	require.NoError(t, h.engine.SetProfile(h.ctx, admin, enrollment.Profile{UserID: "u1", Returning: true}))

	deadline := t0.Add(24 * time.Hour)
	_, err := h.engine.CreateSession(h.ctx, admin, enrollment.Session{
		ID: "s1", Name: "Week 1", Price: money("350"), Capacity: 5, Active: true, EarlyBirdDeadline: &deadline,
	})
	require.NoError(t, err)
	h.session2("s2", "s3")

	a := h.add("u1", "s1")
	b := h.add("u1", "s2")
	h.add("u1", "s3")
	h.coupon("TWENTYFIVE", enrollment.DiscountFixed, "25", nil)
	_, _, err = h.engine.ClaimCoupon(h.ctx, parent("u1"), "u1", "twentyfive")
	require.NoError(t, err)

	paid := h.submit("u1", enrollment.PaymentZelle, "300", "", a.ID)
	_, err = h.engine.VerifyReceipt(h.ctx, admin, paid.ID)
	require.NoError(t, err)
	h.submit("u1", enrollment.PaymentCash, "100", "", b.ID)

	bal, err := h.engine.Balance(h.ctx, parent("u1"), "u1")
	require.NoError(t, err)

	assert.Equal(t, 3, bal.Weeks)
	assert.True(t, bal.Gross.Equal(money("1050")))
	assert.True(t, bal.TieredDiscount.Equal(money("50")))
	assert.True(t, bal.EarlyBirdCredit.Equal(money("35")))
	assert.True(t, bal.ReturningCredit.Equal(money("60")))
	assert.True(t, bal.SiblingCredit.IsZero())
	assert.True(t, bal.CouponCredit.Equal(money("25")))
	assert.True(t, bal.Paid.Equal(money("300")))
	assert.True(t, bal.PendingPayments.Equal(money("100")))
	assert.True(t, bal.BalanceDue.Equal(money("480")), "due %s", bal.BalanceDue)

	_, err = h.engine.Balance(h.ctx, parent("u2"), "u1")
	assert.ErrorIs(t, err, enrollment.ErrNotAuthorized)
}

func TestBalance_NeverNegative(t *testing.T) {
	h := newHarness(t)
	h.session("s1", 5, "350")
	it := h.add("u1", "s1")
	r := h.submit("u1", enrollment.PaymentZelle, "1000", "", it.ID)
	_, err := h.engine.VerifyReceipt(h.ctx, admin, r.ID)
	require.NoError(t, err)

	bal, err := h.engine.Balance(h.ctx, admin, "u1")
	require.NoError(t, err)
	assert.True(t, bal.BalanceDue.IsZero())
}
