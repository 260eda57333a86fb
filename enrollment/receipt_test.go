package enrollment_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/enrollment-engine/enrollment"
)

func (h *harness) session2(ids ...string) {
	for _, id := range ids {
		h.session(id, 5, "350")
	}
}

func (h *harness) receipt(id enrollment.ReceiptID) enrollment.Receipt {
	h.t.Helper()
	r, err := h.store.GetReceipt(h.ctx, id)
	require.NoError(h.t, err)
	return r
}

func (h *harness) enrolled(session string) int {
	h.t.Helper()
	s, err := h.store.GetSession(h.ctx, enrollment.SessionID(session))
	require.NoError(h.t, err)
	return s.EnrolledCount
}

// =============================================================================
// SUBMIT
// =============================================================================

func TestSubmitReceipt_AllOrNothing(t *testing.T) {
	// GIVEN: u1 has drafts for an open week and a full week
	// WHEN: u1 pays for both in one receipt
	// THEN: The submit fails and neither item nor receipt is written
	h := newHarness(t)
	h.session("open", 5, "350")
	h.session("full", 0, "350")
	a := h.add("u1", "open")
	b := h.add("u1", "full")

	_, err := h.engine.SubmitReceipt(h.ctx, parent("u1"), enrollment.SubmitReceiptInput{
		UserID:  "u1",
		ItemIDs: []enrollment.ItemID{a.ID, b.ID},
		Amount:  money("700"),
		Method:  enrollment.PaymentCheck,
	})
	require.ErrorIs(t, err, enrollment.ErrCapacityExceeded)

	assert.Equal(t, enrollment.StatusDraft, h.item(a.ID).Status)
	assert.Equal(t, 0, h.usage("open").Committed)
	receipts, err := h.engine.ListReceipts(h.ctx, parent("u1"), "u1")
	require.NoError(t, err)
	assert.Empty(t, receipts)
}

func TestSubmitReceipt_SecuresDraftsReservationsAndMemos(t *testing.T) {
	h := newHarness(t)
	h.session2("s1", "s2")
	a := h.add("u1", "s1")
	b := h.add("u1", "s2")
	h.reserve("u1", b.ID)
	h.coupon("FIVE", enrollment.DiscountFixed, "5", nil)
	_, memo, err := h.engine.ClaimCoupon(h.ctx, parent("u1"), "u1", "FIVE")
	require.NoError(t, err)

	r := h.submit("u1", enrollment.PaymentZelle, "695", "", a.ID, b.ID)

	assert.Equal(t, enrollment.ReceiptPending, r.Status)
	assert.ElementsMatch(t, []enrollment.ItemID{a.ID, b.ID, memo.ID}, r.LinkedItems)
	for _, id := range r.LinkedItems {
		it := h.item(id)
		assert.Equal(t, enrollment.StatusSecured, it.Status, "item %s", id)
		assert.Equal(t, r.ID, it.ReceiptID)
	}
	assert.Nil(t, h.item(b.ID).ReservationExpiresAt, "secured items no longer expire")
}

func TestSubmitReceipt_Validation(t *testing.T) {
	h := newHarness(t)
	h.session2("s1", "s2")
	a := h.add("u1", "s1")
	cash := h.submit("u1", enrollment.PaymentCash, "350", "", a.ID)
	b := h.add("u2", "s2")

	tests := []struct {
		name string
		in   enrollment.SubmitReceiptInput
		want error
	}{
		{"no items", enrollment.SubmitReceiptInput{UserID: "u2", Amount: money("1"), Method: enrollment.PaymentCash}, enrollment.ErrValidation},
		{"zero amount", enrollment.SubmitReceiptInput{UserID: "u2", ItemIDs: []enrollment.ItemID{b.ID}, Method: enrollment.PaymentCash}, enrollment.ErrValidation},
		{"unknown method", enrollment.SubmitReceiptInput{UserID: "u2", ItemIDs: []enrollment.ItemID{b.ID}, Amount: money("1"), Method: "iou"}, enrollment.ErrValidation},
		{"foreign related receipt", enrollment.SubmitReceiptInput{UserID: "u2", ItemIDs: []enrollment.ItemID{b.ID}, Amount: money("1"), Method: enrollment.PaymentCash, RelatedReceiptID: cash.ID}, enrollment.ErrNotAuthorized},
		{"foreign item", enrollment.SubmitReceiptInput{UserID: "u2", ItemIDs: []enrollment.ItemID{a.ID}, Amount: money("1"), Method: enrollment.PaymentCash}, enrollment.ErrNotAuthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.engine.SubmitReceipt(h.ctx, parent("u2"), tt.in)
			assert.ErrorIs(t, err, tt.want)
		})
	}

	c := h.add("u1", "s2")
	_, err := h.engine.SubmitReceipt(h.ctx, parent("u1"), enrollment.SubmitReceiptInput{
		UserID: "u1", ItemIDs: []enrollment.ItemID{c.ID}, Amount: money("1"), Method: enrollment.PaymentCash, RelatedReceiptID: cash.ID,
	})
	assert.ErrorIs(t, err, enrollment.ErrValidation, "only zelle receipts can be paired with")
}

// =============================================================================
// PAIRED RECEIPTS
// =============================================================================

// pairedSetup reserves two weeks, pays a Zelle deposit, then a cash remainder.
func pairedSetup(t *testing.T) (*harness, []enrollment.ItemID, enrollment.Receipt, enrollment.Receipt) {
	h := newHarness(t)
	h.session2("s1", "s2")
	a := h.add("u1", "s1")
	b := h.add("u1", "s2")
	ids := []enrollment.ItemID{a.ID, b.ID}
	h.reserve("u1", ids...)

	deposit := h.submit("u1", enrollment.PaymentZelle, "200", "", ids...)
	cash := h.submit("u1", enrollment.PaymentCash, "500", deposit.ID, ids...)
	return h, ids, deposit, cash
}

func TestPairedReceipts_VerificationIsIdempotent(t *testing.T) {
	h, ids, deposit, cash := pairedSetup(t)
	assert.Equal(t, deposit.ID, cash.RelatedReceiptID)
	assert.Equal(t, ids, cash.LinkedItems)

	_, err := h.engine.VerifyReceipt(h.ctx, admin, deposit.ID)
	require.NoError(t, err)
	for _, id := range ids {
		assert.Equal(t, enrollment.StatusVerified, h.item(id).Status)
	}
	assert.Equal(t, 1, h.enrolled("s1"))

	verified, err := h.engine.VerifyReceipt(h.ctx, admin, cash.ID)
	require.NoError(t, err)
	assert.Equal(t, enrollment.ReceiptVerified, verified.Status)
	assert.Equal(t, enrollment.UserID("admin"), verified.ReviewedBy)
	assert.Equal(t, 1, h.enrolled("s1"), "second receipt does not count the seat twice")
	assert.Equal(t, 1, h.enrolled("s2"))

	_, err = h.engine.VerifyReceipt(h.ctx, admin, cash.ID)
	assert.ErrorIs(t, err, enrollment.ErrInvalidState)
}

func TestDenyZelle_CascadesToPairedCash(t *testing.T) {
	h, ids, deposit, cash := pairedSetup(t)

	denied, err := h.engine.DenyReceipt(h.ctx, admin, deposit.ID, "no transfer found")
	require.NoError(t, err)
	assert.Equal(t, enrollment.ReceiptDenied, denied.Status)
	assert.Equal(t, "no transfer found", denied.DenialReason)

	for _, id := range ids {
		it := h.item(id)
		assert.Equal(t, enrollment.StatusDraft, it.Status)
		assert.Empty(t, it.ReceiptID)
	}
	assert.Equal(t, 0, h.usage("s1").Committed)

	paired := h.receipt(cash.ID)
	assert.Equal(t, enrollment.ReceiptDenied, paired.Status)
	assert.NotEmpty(t, paired.DenialReason)
	assert.Contains(t, h.events.Actions(), "receipt.denied")
}

func TestDenyCash_LeavesDepositItemsAlone(t *testing.T) {
	h, ids, deposit, cash := pairedSetup(t)

	_, err := h.engine.DenyReceipt(h.ctx, admin, cash.ID, "blurry photo")
	require.NoError(t, err)

	for _, id := range ids {
		assert.Equal(t, enrollment.StatusSecured, h.item(id).Status)
	}
	assert.Equal(t, enrollment.ReceiptPending, h.receipt(deposit.ID).Status)
}

// =============================================================================
// VERIFY AND DENY WITH COUPONS
// =============================================================================

func TestVerifyReceipt_FreezesSnapshotAndConsumesCoupon(t *testing.T) {
	// GIVEN: A returning family with three weeks and a single-use coupon
	// WHEN: Their receipt is verified
	// THEN: Each week gets a third of the tier discount and one week of credit,
	//       and the coupon is consumed
	h := newHarness(t)
	require.NoError(t, h.engine.SetProfile(h.ctx, admin, enrollment.Profile{UserID: "u1", Returning: true}))
	h.session2("s1", "s2", "s3")
	var ids []enrollment.ItemID
	for _, s := range []string{"s1", "s2", "s3"} {
		ids = append(ids, h.add("u1", s).ID)
	}
	c := h.coupon("ONCE", enrollment.DiscountFixed, "25", one())
	_, memo, err := h.engine.ClaimCoupon(h.ctx, parent("u1"), "u1", "ONCE")
	require.NoError(t, err)

	r := h.submit("u1", enrollment.PaymentZelle, "1025", "", ids...)
	_, err = h.engine.VerifyReceipt(h.ctx, parent("u1"), r.ID)
	assert.ErrorIs(t, err, enrollment.ErrNotAuthorized)
	_, err = h.engine.VerifyReceipt(h.ctx, admin, r.ID)
	require.NoError(t, err)

	want := []string{"16.66", "16.66", "16.68"}
	for i, id := range ids {
		it := h.item(id)
		require.NotNil(t, it.Snapshot, "item %s", id)
		assert.True(t, it.Snapshot.TieredDiscount.Equal(money(want[i])), "item %d tier %s", i, it.Snapshot.TieredDiscount)
		assert.True(t, it.Snapshot.ReturningCredit.Equal(money("20")))
		assert.True(t, it.Snapshot.SiblingCredit.IsZero())
		assert.True(t, it.Snapshot.VerifiedAt.Equal(t0))
	}

	assert.Equal(t, enrollment.StatusVerified, h.item(memo.ID).Status)
	got := h.getCoupon(c.ID)
	assert.Equal(t, enrollment.CouponConsumed, got.Status)
	assert.Equal(t, 1, got.CurrentUses)
}

func TestVerifyReceipt_MultiUseCouponReturnsToPool(t *testing.T) {
	h := newHarness(t)
	h.session("s1", 5, "350")
	it := h.add("u1", "s1")
	c := h.coupon("MANY", enrollment.DiscountFixed, "10", nil)
	_, _, err := h.engine.ClaimCoupon(h.ctx, parent("u1"), "u1", "MANY")
	require.NoError(t, err)

	r := h.submit("u1", enrollment.PaymentZelle, "340", "", it.ID)
	_, err = h.engine.VerifyReceipt(h.ctx, admin, r.ID)
	require.NoError(t, err)

	got := h.getCoupon(c.ID)
	assert.Equal(t, enrollment.CouponAvailable, got.Status)
	assert.Equal(t, 1, got.CurrentUses)
	assert.Empty(t, got.LinkedLedgerItemID)
}

func TestDenyReceipt_ReturnsPendingCoupon(t *testing.T) {
	h := newHarness(t)
	h.session("s1", 5, "350")
	it := h.add("u1", "s1")
	c := h.coupon("BACK", enrollment.DiscountFixed, "10", one())
	_, memo, err := h.engine.ClaimCoupon(h.ctx, parent("u1"), "u1", "BACK")
	require.NoError(t, err)
	r := h.submit("u1", enrollment.PaymentZelle, "340", "", it.ID)

	_, err = h.engine.DenyReceipt(h.ctx, admin, r.ID, "wrong amount")
	require.NoError(t, err)

	assert.Equal(t, enrollment.StatusDraft, h.item(it.ID).Status)
	_, err = h.store.GetItem(h.ctx, memo.ID)
	assert.True(t, enrollment.IsNotFound(err))
	assert.Equal(t, enrollment.CouponAvailable, h.getCoupon(c.ID).Status)

	pending, err := h.engine.PendingReceipts(h.ctx, admin)
	require.NoError(t, err)
	assert.Empty(t, pending)
}
