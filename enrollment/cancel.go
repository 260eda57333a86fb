package enrollment

import (
	"context"
	"fmt"
)

// CancelItem moves an item to cancelled.
//
// Owners may cancel their own draft and reserved items. Cancelling a secured
// or verified item needs the admin role. Cancelling a verified enrollment
// recounts the session's enrolled counter from the verified rows, which also
// heals any earlier drift in the cached value. Cancelling a memo whose
// coupon is still pending returns the coupon to available.
func (e *Engine) CancelItem(ctx context.Context, actor Actor, itemID ItemID) (LedgerItem, error) {
	j := newJournal(actor)
	var cancelled LedgerItem
	err := e.Store.WithTx(ctx, func(st Store) error {
		it, err := st.GetItem(ctx, itemID)
		if err != nil {
			return err
		}
		if err := requireActFor(actor, it.UserID); err != nil {
			return err
		}
		if !CanTransition(it.Status, StatusCancelled) {
			return invalidTransition(it, "cancel")
		}
		if (it.Status == StatusSecured || it.Status == StatusVerified) && !actor.IsAdmin() {
			return fmt.Errorf("%w: cancelling a %s item requires admin", ErrNotAuthorized, it.Status)
		}

		from := it.Status
		it.Status = StatusCancelled
		it.clearReservation()
		it.UpdatedAt = e.now()
		if err := st.UpdateItem(ctx, it, from); err != nil {
			return err
		}
		j.item(it, "item.cancelled", from)

		if it.IsEnrollment() && from == StatusVerified {
			n, err := st.RecountEnrolled(ctx, it.SessionID)
			if err != nil {
				return err
			}
			j.add("session", string(it.SessionID), "session.recounted", fmt.Sprintf("enrolled=%d", n))
		}

		if !it.IsEnrollment() && it.CouponID != "" {
			c, err := st.GetCoupon(ctx, it.CouponID)
			if err != nil && !IsNotFound(err) {
				return err
			}
			if err == nil && c.Status == CouponPending && c.LinkedLedgerItemID == it.ID {
				if _, err := e.returnCoupon(ctx, st, c, CouponAvailable); err != nil {
					return err
				}
				j.add("coupon", string(c.ID), "coupon.released", "memo cancelled")
			}
		}
		cancelled = it
		return nil
	})
	if err != nil {
		return LedgerItem{}, err
	}
	e.flush(ctx, j)
	return cancelled, nil
}
