/*
receipt.go - Receipt submission and admin review

PURPOSE:
  A receipt is the unit of admin review. Submitting one secures the listed
  enrollments; verifying it freezes discounts and consumes coupons;
  denying it sends everything back to draft.

TRANSITIONS:
  submit:  draft -> secured (hard admission), reserved -> secured
  verify:  secured -> verified, snapshot discounts, enrolled_count += 1,
           consume pending coupons on linked memos
  deny:    secured -> draft, detach receipt, release pending coupons

PAIRED RECEIPTS:
  A cash receipt may name the Zelle deposit receipt that authorized it
  (RelatedReceiptID) and link the same enrollments. Whichever is verified
  first processes the items; the other finds them already verified and
  only marks itself verified. Items are verified exactly once.
  Denying a Zelle receipt denies every pending cash receipt paired to it.

SNAPSHOT:
  Tiered:     tier(user's non-cancelled enrollment count), split evenly over
              the items verified by this receipt
  Early-bird: amount x rate when created before the session deadline
  Returning / Sibling: one week of the per-week rate, from current flags
*/
package enrollment

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// SUBMIT
// =============================================================================

// SubmitReceiptInput describes a payment submission.
type SubmitReceiptInput struct {
	UserID           UserID
	ItemIDs          []ItemID
	Amount           decimal.Decimal
	Method           PaymentMethod
	ImageRef         string
	RelatedReceiptID ReceiptID
}

// SubmitReceipt records a pending receipt and secures its items. Draft
// enrollments must win a seat; if any does not, nothing is written. The
// user's draft credit memos are attached to the same receipt.
func (e *Engine) SubmitReceipt(ctx context.Context, actor Actor, in SubmitReceiptInput) (Receipt, error) {
	if err := requireActFor(actor, in.UserID); err != nil {
		return Receipt{}, err
	}
	if len(in.ItemIDs) == 0 {
		return Receipt{}, invalid("item_ids", "at least one item required")
	}
	if !in.Amount.IsPositive() {
		return Receipt{}, invalid("amount", "must be positive")
	}
	if !in.Method.Valid() {
		return Receipt{}, invalid("method", fmt.Sprintf("unknown method %q", in.Method))
	}

	j := newJournal(actor)
	var receipt Receipt
	err := e.Store.WithTx(ctx, func(st Store) error {
		if in.RelatedReceiptID != "" {
			rel, err := st.GetReceipt(ctx, in.RelatedReceiptID)
			if err != nil {
				return err
			}
			if rel.UserID != in.UserID {
				return fmt.Errorf("%w: related receipt belongs to another user", ErrNotAuthorized)
			}
			if rel.Method != PaymentZelle {
				return invalid("related_receipt_id", "must reference a zelle receipt")
			}
			if rel.Status == ReceiptDenied {
				return &InvalidStateError{Entity: "receipt", ID: string(rel.ID), Status: string(rel.Status), Operation: "pair with"}
			}
		}

		items, err := loadOwnedItems(ctx, st, in.UserID, in.ItemIDs)
		if err != nil {
			return err
		}

		now := e.now()
		receipt = Receipt{
			ID:               ReceiptID(e.NewID()),
			UserID:           in.UserID,
			Status:           ReceiptPending,
			Method:           in.Method,
			Amount:           in.Amount,
			RelatedReceiptID: in.RelatedReceiptID,
			ImageRef:         in.ImageRef,
			CreatedAt:        now,
			UpdatedAt:        now,
		}

		for _, it := range items {
			if !it.IsEnrollment() {
				return invalid("item_ids", fmt.Sprintf("%s is not an enrollment", it.ID))
			}
			if err := e.secureItem(ctx, st, it, receipt, j); err != nil {
				return err
			}
			receipt.LinkedItems = append(receipt.LinkedItems, it.ID)
		}

		memos, err := st.ListItems(ctx, ItemFilter{UserID: in.UserID, Kind: KindCreditMemo, Statuses: []ItemStatus{StatusDraft}})
		if err != nil {
			return err
		}
		for _, m := range memos {
			m.Status = StatusSecured
			m.ReceiptID = receipt.ID
			m.UpdatedAt = now
			if err := st.UpdateItem(ctx, m, StatusDraft); err != nil {
				return err
			}
			j.item(m, "item.secured", StatusDraft)
			receipt.LinkedItems = append(receipt.LinkedItems, m.ID)
		}

		return st.SaveReceipt(ctx, receipt)
	})
	if err != nil {
		return Receipt{}, err
	}
	j.add("receipt", string(receipt.ID), "receipt.submitted", fmt.Sprintf("method=%s amount=%s items=%d", receipt.Method, receipt.Amount, len(receipt.LinkedItems)))
	e.flush(ctx, j)
	return receipt, nil
}

// secureItem moves one enrollment to secured under receipt. Items already
// secured by the paired deposit receipt are linked without a transition.
func (e *Engine) secureItem(ctx context.Context, st Store, it LedgerItem, receipt Receipt, j *journal) error {
	switch it.Status {
	case StatusDraft:
		token, err := st.AdmitItem(ctx, AdmissionRequest{
			ItemID:        it.ID,
			SessionID:     it.SessionID,
			RequestedBy:   it.UserID,
			To:            StatusSecured,
			PaymentMethod: receipt.Method,
			ReceiptID:     receipt.ID,
			At:            receipt.CreatedAt,
		})
		res, err := classifyAdmission(token, err)
		if err != nil {
			return err
		}
		if res.Outcome != Admitted {
			return res.Err
		}
		it.Status = StatusSecured
		j.item(it, "item.secured", StatusDraft)
		return nil

	case StatusReserved:
		it.Status = StatusSecured
		it.ReceiptID = receipt.ID
		it.PaymentMethod = receipt.Method
		it.ReservationExpiresAt = nil
		it.UpdatedAt = receipt.CreatedAt
		if err := st.UpdateItem(ctx, it, StatusReserved); err != nil {
			return err
		}
		j.item(it, "item.secured", StatusReserved)
		return nil

	case StatusSecured, StatusVerified:
		if receipt.RelatedReceiptID != "" && it.ReceiptID == receipt.RelatedReceiptID {
			return nil
		}
	}
	return invalidTransition(it, "submit receipt for")
}

// =============================================================================
// VERIFY
// =============================================================================

// VerifyReceipt approves a pending receipt. Admin only.
func (e *Engine) VerifyReceipt(ctx context.Context, actor Actor, receiptID ReceiptID) (Receipt, error) {
	if err := requireAdmin(actor); err != nil {
		return Receipt{}, err
	}

	j := newJournal(actor)
	var verified Receipt
	err := e.Store.WithTx(ctx, func(st Store) error {
		r, err := st.GetReceipt(ctx, receiptID)
		if err != nil {
			return err
		}
		if r.Status != ReceiptPending {
			return &InvalidStateError{Entity: "receipt", ID: string(r.ID), Status: string(r.Status), Operation: "verify"}
		}

		var enrollments, memos []LedgerItem
		for _, id := range r.LinkedItems {
			it, err := st.GetItem(ctx, id)
			if IsNotFound(err) {
				continue
			}
			if err != nil {
				return err
			}
			if it.Status != StatusSecured {
				// Already verified through the paired receipt, or moved on.
				continue
			}
			if it.IsEnrollment() {
				enrollments = append(enrollments, it)
			} else {
				memos = append(memos, it)
			}
		}

		now := e.now()
		if len(enrollments) > 0 {
			if err := e.verifyEnrollments(ctx, st, r.UserID, enrollments, now, j); err != nil {
				return err
			}
		}
		for _, m := range memos {
			m.Status = StatusVerified
			m.UpdatedAt = now
			if err := st.UpdateItem(ctx, m, StatusSecured); err != nil {
				return err
			}
			j.item(m, "item.verified", StatusSecured)
			if err := e.consumeCoupon(ctx, st, m, j); err != nil {
				return err
			}
		}

		r.Status = ReceiptVerified
		r.ReviewedBy = actor.UserID
		r.ReviewedAt = &now
		r.UpdatedAt = now
		if err := st.UpdateReceipt(ctx, r, ReceiptPending); err != nil {
			return err
		}
		verified = r
		return nil
	})
	if err != nil {
		return Receipt{}, err
	}
	receiptReviewTotal.WithLabelValues("verified").Inc()
	j.add("receipt", string(verified.ID), "receipt.verified", "")
	e.flush(ctx, j)
	return verified, nil
}

func (e *Engine) verifyEnrollments(ctx context.Context, st Store, userID UserID, items []LedgerItem, now time.Time, j *journal) error {
	all, err := st.ListItems(ctx, ItemFilter{
		UserID:   userID,
		Kind:     KindEnrollment,
		Statuses: []ItemStatus{StatusDraft, StatusReserved, StatusSecured, StatusVerified},
	})
	if err != nil {
		return err
	}
	profile, err := st.GetProfile(ctx, userID)
	if err != nil {
		return err
	}

	tiered := SplitEvenly(e.Pricing.TieredDiscount(len(all)), len(items))
	sessions := make(map[SessionID]Session)
	for i, it := range items {
		s, ok := sessions[it.SessionID]
		if !ok {
			if s, err = st.GetSession(ctx, it.SessionID); err != nil {
				return err
			}
			sessions[it.SessionID] = s
		}

		it.Snapshot = &DiscountSnapshot{
			TieredDiscount:  tiered[i],
			EarlyBirdCredit: e.Pricing.EarlyBirdCredit(it, s),
			ReturningCredit: e.Pricing.ReturningCredit(profile.Returning, 1),
			SiblingCredit:   e.Pricing.SiblingCredit(profile.HasSibling, 1),
			VerifiedAt:      now,
		}
		it.Status = StatusVerified
		it.UpdatedAt = now
		if err := st.UpdateItem(ctx, it, StatusSecured); err != nil {
			return err
		}
		if err := st.IncrementEnrolled(ctx, it.SessionID); err != nil {
			return err
		}
		j.item(it, "item.verified", StatusSecured)
	}
	return nil
}

// =============================================================================
// DENY
// =============================================================================

// DenyReceipt rejects a pending receipt. Admin only.
func (e *Engine) DenyReceipt(ctx context.Context, actor Actor, receiptID ReceiptID, reason string) (Receipt, error) {
	if err := requireAdmin(actor); err != nil {
		return Receipt{}, err
	}

	j := newJournal(actor)
	var denied Receipt
	err := e.Store.WithTx(ctx, func(st Store) error {
		r, err := e.denyOne(ctx, st, actor, receiptID, reason, j)
		if err != nil {
			return err
		}
		denied = r
		if r.Method != PaymentZelle {
			return nil
		}
		paired, err := st.ListReceipts(ctx, ReceiptFilter{RelatedReceiptID: r.ID, Status: ReceiptPending})
		if err != nil {
			return err
		}
		for _, p := range paired {
			if _, err := e.denyOne(ctx, st, actor, p.ID, "deposit receipt denied", j); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return Receipt{}, err
	}
	receiptReviewTotal.WithLabelValues("denied").Inc()
	e.flush(ctx, j)
	return denied, nil
}

func (e *Engine) denyOne(ctx context.Context, st Store, actor Actor, id ReceiptID, reason string, j *journal) (Receipt, error) {
	r, err := st.GetReceipt(ctx, id)
	if err != nil {
		return Receipt{}, err
	}
	if r.Status != ReceiptPending {
		return Receipt{}, &InvalidStateError{Entity: "receipt", ID: string(r.ID), Status: string(r.Status), Operation: "deny"}
	}

	now := e.now()
	for _, itemID := range r.LinkedItems {
		it, err := st.GetItem(ctx, itemID)
		if IsNotFound(err) {
			continue
		}
		if err != nil {
			return Receipt{}, err
		}
		// Items secured under the paired receipt are left to that review.
		if it.Status != StatusSecured || it.ReceiptID != r.ID {
			continue
		}
		if err := e.revertSecured(ctx, st, it, now, j); err != nil {
			return Receipt{}, err
		}
	}

	r.Status = ReceiptDenied
	r.DenialReason = reason
	r.ReviewedBy = actor.UserID
	r.ReviewedAt = &now
	r.UpdatedAt = now
	if err := st.UpdateReceipt(ctx, r, ReceiptPending); err != nil {
		return Receipt{}, err
	}
	j.add("receipt", string(r.ID), "receipt.denied", reason)
	return r, nil
}

// revertSecured sends a secured item back to draft. A memo whose coupon is
// still pending is deleted and the coupon returned to available.
func (e *Engine) revertSecured(ctx context.Context, st Store, it LedgerItem, now time.Time, j *journal) error {
	if !it.IsEnrollment() && it.CouponID != "" {
		c, err := st.GetCoupon(ctx, it.CouponID)
		if err != nil && !IsNotFound(err) {
			return err
		}
		if err == nil && c.Status == CouponPending && c.LinkedLedgerItemID == it.ID {
			if err := st.DeleteItem(ctx, it.ID, StatusSecured); err != nil {
				return err
			}
			j.add("ledger_item", string(it.ID), "memo.deleted", "receipt denied")
			if _, err := e.returnCoupon(ctx, st, c, CouponAvailable); err != nil {
				return err
			}
			j.add("coupon", string(c.ID), "coupon.released", "receipt denied")
			return nil
		}
	}

	it.Status = StatusDraft
	it.ReceiptID = ""
	it.clearReservation()
	it.UpdatedAt = now
	if err := st.UpdateItem(ctx, it, StatusSecured); err != nil {
		return err
	}
	j.item(it, "item.denied", StatusSecured)
	return nil
}

// =============================================================================
// READS
// =============================================================================

// PendingReceipts returns every receipt awaiting review. Admin only.
func (e *Engine) PendingReceipts(ctx context.Context, actor Actor) ([]Receipt, error) {
	if err := requireAdmin(actor); err != nil {
		return nil, err
	}
	return e.Store.ListReceipts(ctx, ReceiptFilter{Status: ReceiptPending})
}

// ListReceipts returns a user's receipts.
func (e *Engine) ListReceipts(ctx context.Context, actor Actor, userID UserID) ([]Receipt, error) {
	if err := requireActFor(actor, userID); err != nil {
		return nil, err
	}
	return e.Store.ListReceipts(ctx, ReceiptFilter{UserID: userID})
}

// GetReceipt returns one receipt visible to actor.
func (e *Engine) GetReceipt(ctx context.Context, actor Actor, id ReceiptID) (Receipt, error) {
	r, err := e.Store.GetReceipt(ctx, id)
	if err != nil {
		return Receipt{}, err
	}
	if err := requireActFor(actor, r.UserID); err != nil {
		return Receipt{}, err
	}
	return r, nil
}
