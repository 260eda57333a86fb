package enrollment_test

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/enrollment-engine/enrollment"
)

func (h *harness) coupon(code string, typ enrollment.DiscountType, value string, maxUses *int) enrollment.Coupon {
	h.t.Helper()
	c, err := h.engine.CreateCoupon(h.ctx, admin, enrollment.Coupon{
		Code:          code,
		DiscountType:  typ,
		DiscountValue: money(value),
		MaxUses:       maxUses,
	})
	require.NoError(h.t, err)
	return c
}

func (h *harness) getCoupon(id enrollment.CouponID) enrollment.Coupon {
	h.t.Helper()
	c, err := h.store.GetCoupon(h.ctx, id)
	require.NoError(h.t, err)
	return c
}

func one() *int { n := 1; return &n }

// =============================================================================
// CLAIM
// =============================================================================

func TestClaimCoupon_ExactlyOneConcurrentWinner(t *testing.T) {
	for name, newStore := range backends {
		t.Run(name, func(t *testing.T) {
			// GIVEN: One single-use coupon
			// WHEN: 20 families claim it at once
			// THEN: One wins, everyone else sees the same generic error
			h := newHarnessOn(t, newStore(t))
			c := h.coupon("ONLY1", enrollment.DiscountFixed, "25", one())

			const callers = 20
			var wg sync.WaitGroup
			var mu sync.Mutex
			won, lost := 0, 0
			for i := 0; i < callers; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					user := enrollment.UserID(fmt.Sprintf("u%d", i))
					_, _, err := h.engine.ClaimCoupon(h.ctx, parent(string(user)), user, "only1")
					mu.Lock()
					defer mu.Unlock()
					switch {
					case err == nil:
						won++
					case errors.Is(err, enrollment.ErrCouponUnavailable):
						lost++
					default:
						t.Errorf("caller %d: %v", i, err)
					}
				}(i)
			}
			wg.Wait()

			assert.Equal(t, 1, won)
			assert.Equal(t, callers-1, lost)

			got := h.getCoupon(c.ID)
			assert.Equal(t, enrollment.CouponPending, got.Status)
			assert.NotEmpty(t, got.LinkedLedgerItemID)

			memos, err := h.store.ListItems(h.ctx, enrollment.ItemFilter{Kind: enrollment.KindCreditMemo})
			require.NoError(t, err)
			require.Len(t, memos, 1)
			assert.Equal(t, got.LinkedUserID, memos[0].UserID)
		})
	}
}

func TestClaimCoupon_PercentageFrozenOnDraftSubtotal(t *testing.T) {
	h := newHarness(t)
	h.session("s1", 5, "350")
	h.session("s2", 5, "350")
	h.add("u1", "s1")
	h.add("u1", "s2")
	h.coupon("TEN", enrollment.DiscountPercentage, "10", nil)

	c, memo, err := h.engine.ClaimCoupon(h.ctx, parent("u1"), "u1", " ten ")
	require.NoError(t, err)
	assert.Equal(t, enrollment.CouponPending, c.Status)
	assert.Equal(t, enrollment.KindCreditMemo, memo.Kind)
	assert.Equal(t, enrollment.StatusDraft, memo.Status)
	assert.True(t, memo.Amount.Equal(money("-70")), "got %s", memo.Amount)

	// A later add does not move the frozen amount.
	h.session("s3", 5, "350")
	h.add("u1", "s3")
	assert.True(t, h.item(memo.ID).Amount.Equal(money("-70")))
}

func TestClaimCoupon_GenericErrorForEveryRejection(t *testing.T) {
	h := newHarness(t)
	h.coupon("TAKEN", enrollment.DiscountFixed, "25", nil)
	_, _, err := h.engine.ClaimCoupon(h.ctx, parent("u1"), "u1", "TAKEN")
	require.NoError(t, err)

	expired := h.coupon("OLD", enrollment.DiscountFixed, "25", nil)
	past := t0.Add(-time.Hour)
	expired.ExpiresAt = &past
	require.NoError(t, h.store.UpdateCoupon(h.ctx, expired))

	for _, code := range []string{"NOPE", "TAKEN", "OLD", ""} {
		_, _, err := h.engine.ClaimCoupon(h.ctx, parent("u2"), "u2", code)
		assert.ErrorIs(t, err, enrollment.ErrCouponUnavailable, "code %q", code)
	}
}

// =============================================================================
// RELEASE / DISABLE
// =============================================================================

func TestReleaseCoupon_DeletesMemoAndFreesCode(t *testing.T) {
	h := newHarness(t)
	c := h.coupon("FREE", enrollment.DiscountFixed, "25", one())
	_, memo, err := h.engine.ClaimCoupon(h.ctx, parent("u1"), "u1", "FREE")
	require.NoError(t, err)

	_, err = h.engine.ReleaseCoupon(h.ctx, parent("u2"), c.ID)
	assert.ErrorIs(t, err, enrollment.ErrNotAuthorized)

	released, err := h.engine.ReleaseCoupon(h.ctx, parent("u1"), c.ID)
	require.NoError(t, err)
	assert.Equal(t, enrollment.CouponAvailable, released.Status)
	assert.Empty(t, released.LinkedUserID)

	_, err = h.store.GetItem(h.ctx, memo.ID)
	assert.True(t, enrollment.IsNotFound(err))

	_, _, err = h.engine.ClaimCoupon(h.ctx, parent("u2"), "u2", "FREE")
	assert.NoError(t, err)
}

func TestReleaseCoupon_BlockedOnceOnReceipt(t *testing.T) {
	h := newHarness(t)
	h.session("s1", 5, "350")
	it := h.add("u1", "s1")
	c := h.coupon("HOLD", enrollment.DiscountFixed, "25", one())
	_, _, err := h.engine.ClaimCoupon(h.ctx, parent("u1"), "u1", "HOLD")
	require.NoError(t, err)
	h.submit("u1", enrollment.PaymentZelle, "325", "", it.ID)

	_, err = h.engine.ReleaseCoupon(h.ctx, parent("u1"), c.ID)
	assert.ErrorIs(t, err, enrollment.ErrInvalidState)
	assert.Equal(t, enrollment.CouponPending, h.getCoupon(c.ID).Status)
}

func TestDisableCoupon(t *testing.T) {
	h := newHarness(t)
	c := h.coupon("GONE", enrollment.DiscountFixed, "25", nil)
	_, memo, err := h.engine.ClaimCoupon(h.ctx, parent("u1"), "u1", "GONE")
	require.NoError(t, err)

	_, err = h.engine.DisableCoupon(h.ctx, parent("u1"), c.ID)
	assert.ErrorIs(t, err, enrollment.ErrNotAuthorized)

	disabled, err := h.engine.DisableCoupon(h.ctx, admin, c.ID)
	require.NoError(t, err)
	assert.Equal(t, enrollment.CouponDisabled, disabled.Status)

	_, err = h.store.GetItem(h.ctx, memo.ID)
	assert.True(t, enrollment.IsNotFound(err))

	_, err = h.engine.DisableCoupon(h.ctx, admin, c.ID)
	assert.ErrorIs(t, err, enrollment.ErrInvalidState)
}

func TestCreateCoupon_Validation(t *testing.T) {
	h := newHarness(t)
	bad := []enrollment.Coupon{
		{Code: "", DiscountType: enrollment.DiscountFixed, DiscountValue: money("5")},
		{Code: "X", DiscountType: enrollment.DiscountFixed, DiscountValue: money("0")},
		{Code: "X", DiscountType: enrollment.DiscountPercentage, DiscountValue: money("150")},
		{Code: "X", DiscountType: "bogus", DiscountValue: money("5")},
	}
	for _, c := range bad {
		_, err := h.engine.CreateCoupon(h.ctx, admin, c)
		assert.ErrorIs(t, err, enrollment.ErrValidation, "%+v", c)
	}

	h.coupon("DUP", enrollment.DiscountFixed, "5", nil)
	_, err := h.engine.CreateCoupon(h.ctx, admin, enrollment.Coupon{Code: "dup", DiscountType: enrollment.DiscountFixed, DiscountValue: money("5")})
	assert.ErrorIs(t, err, enrollment.ErrValidation, "codes are unique regardless of case")
}
