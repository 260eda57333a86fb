/*
coupon.go - Coupon claim, release and consumption

PURPOSE:
  A coupon is single-writer: at most one claim is outstanding at a time.
  Claiming flips the coupon available -> pending with a version CAS and
  inserts a draft credit memo in the claimer's ledger, both in one
  transaction. Whoever loses the CAS gets the same generic error as a
  caller who typed a wrong code.

LIFECYCLE:
  available ──claim──► pending ──verify──► consumed (or available again
      ▲                   │                 while uses remain)
      └──release/deny─────┘
  available|pending ──time──► expired
  available|pending ──admin─► disabled

ENUMERATION:
  Every claim failure returns ErrCouponUnavailable, whatever the cause.

PERCENTAGE COUPONS:
  The memo amount is frozen at claim time from the claimer's draft
  enrollment subtotal and not revisited at verification.
*/
package enrollment

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// ClaimCoupon claims code for userID and returns the coupon and its memo.
func (e *Engine) ClaimCoupon(ctx context.Context, actor Actor, userID UserID, code string) (Coupon, LedgerItem, error) {
	if err := requireActFor(actor, userID); err != nil {
		return Coupon{}, LedgerItem{}, err
	}
	code = strings.TrimSpace(code)
	if code == "" {
		couponClaimTotal.WithLabelValues("rejected").Inc()
		return Coupon{}, LedgerItem{}, ErrCouponUnavailable
	}

	var claimed Coupon
	var memo LedgerItem
	err := e.Store.WithTx(ctx, func(st Store) error {
		c, err := st.FindCouponByCode(ctx, code)
		if err != nil {
			if IsNotFound(err) {
				return ErrCouponUnavailable
			}
			return err
		}
		now := e.now()
		if c.Status != CouponAvailable || c.ExpiredAt(now) || c.Exhausted() {
			return ErrCouponUnavailable
		}

		subtotal, err := draftSubtotal(ctx, st, userID)
		if err != nil {
			return err
		}

		memo = LedgerItem{
			ID:        ItemID(e.NewID()),
			UserID:    userID,
			Kind:      KindCreditMemo,
			Status:    StatusDraft,
			Amount:    CouponAmount(c, subtotal),
			CouponID:  c.ID,
			CreatedAt: now,
			UpdatedAt: now,
		}

		c.Status = CouponPending
		c.LinkedUserID = userID
		c.LinkedLedgerItemID = memo.ID
		c.UpdatedAt = now
		if err := st.UpdateCoupon(ctx, c); err != nil {
			if errors.Is(err, ErrConcurrentModification) {
				return ErrCouponUnavailable
			}
			return err
		}
		if err := st.InsertDraft(ctx, memo, 0); err != nil {
			return err
		}
		c.Version++
		claimed = c
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrCouponUnavailable) {
			couponClaimTotal.WithLabelValues("rejected").Inc()
		}
		return Coupon{}, LedgerItem{}, err
	}
	couponClaimTotal.WithLabelValues("claimed").Inc()

	j := newJournal(actor)
	j.add("coupon", string(claimed.ID), "coupon.claimed", fmt.Sprintf("memo=%s amount=%s", memo.ID, memo.Amount))
	e.flush(ctx, j)
	return claimed, memo, nil
}

// draftSubtotal sums the user's draft enrollment amounts.
func draftSubtotal(ctx context.Context, st Store, userID UserID) (decimal.Decimal, error) {
	drafts, err := st.ListItems(ctx, ItemFilter{UserID: userID, Kind: KindEnrollment, Statuses: []ItemStatus{StatusDraft}})
	if err != nil {
		return decimal.Zero, err
	}
	total := decimal.Zero
	for _, it := range drafts {
		total = total.Add(it.Amount)
	}
	return total, nil
}

// ReleaseCoupon returns a pending coupon to available. Only the user who
// claimed it may release it, and only while its memo is still a draft.
func (e *Engine) ReleaseCoupon(ctx context.Context, actor Actor, couponID CouponID) (Coupon, error) {
	j := newJournal(actor)
	var released Coupon
	err := e.Store.WithTx(ctx, func(st Store) error {
		c, err := st.GetCoupon(ctx, couponID)
		if err != nil {
			return err
		}
		if c.Status != CouponPending {
			return &InvalidStateError{Entity: "coupon", ID: string(c.ID), Status: string(c.Status), Operation: "release"}
		}
		if c.LinkedUserID != actor.UserID {
			return fmt.Errorf("%w: coupon is claimed by another user", ErrNotAuthorized)
		}
		if err := e.detachMemo(ctx, st, c, j); err != nil {
			return err
		}
		released, err = e.returnCoupon(ctx, st, c, CouponAvailable)
		return err
	})
	if err != nil {
		return Coupon{}, err
	}
	j.add("coupon", string(released.ID), "coupon.released", "")
	e.flush(ctx, j)
	return released, nil
}

// DisableCoupon takes a coupon out of circulation. A pending claim's draft
// memo is deleted; a memo already riding on a receipt is cancelled.
func (e *Engine) DisableCoupon(ctx context.Context, actor Actor, couponID CouponID) (Coupon, error) {
	if err := requireAdmin(actor); err != nil {
		return Coupon{}, err
	}
	j := newJournal(actor)
	var disabled Coupon
	err := e.Store.WithTx(ctx, func(st Store) error {
		c, err := st.GetCoupon(ctx, couponID)
		if err != nil {
			return err
		}
		switch c.Status {
		case CouponAvailable:
		case CouponPending:
			memo, err := st.GetItem(ctx, c.LinkedLedgerItemID)
			switch {
			case IsNotFound(err):
			case err != nil:
				return err
			case memo.Status == StatusDraft:
				if err := st.DeleteItem(ctx, memo.ID, StatusDraft); err != nil {
					return err
				}
				j.add("ledger_item", string(memo.ID), "memo.deleted", "coupon disabled")
			case memo.Status == StatusSecured:
				from := memo.Status
				memo.Status = StatusCancelled
				memo.UpdatedAt = e.now()
				if err := st.UpdateItem(ctx, memo, from); err != nil {
					return err
				}
				j.item(memo, "item.cancelled", from)
			}
		default:
			return &InvalidStateError{Entity: "coupon", ID: string(c.ID), Status: string(c.Status), Operation: "disable"}
		}
		disabled, err = e.returnCoupon(ctx, st, c, CouponDisabled)
		return err
	})
	if err != nil {
		return Coupon{}, err
	}
	j.add("coupon", string(disabled.ID), "coupon.disabled", "")
	e.flush(ctx, j)
	return disabled, nil
}

// CreateCoupon registers a new available coupon. Admin only.
func (e *Engine) CreateCoupon(ctx context.Context, actor Actor, c Coupon) (Coupon, error) {
	if err := requireAdmin(actor); err != nil {
		return Coupon{}, err
	}
	c.Code = strings.TrimSpace(c.Code)
	if c.Code == "" {
		return Coupon{}, invalid("code", "required")
	}
	if !c.DiscountValue.IsPositive() {
		return Coupon{}, invalid("discount_value", "must be positive")
	}
	switch c.DiscountType {
	case DiscountFixed:
	case DiscountPercentage:
		if c.DiscountValue.GreaterThan(decimal.NewFromInt(100)) {
			return Coupon{}, invalid("discount_value", "percentage must not exceed 100")
		}
	default:
		return Coupon{}, invalid("discount_type", fmt.Sprintf("unknown type %q", c.DiscountType))
	}
	if c.MaxUses != nil && *c.MaxUses <= 0 {
		return Coupon{}, invalid("max_uses", "must be positive")
	}
	if c.ID == "" {
		c.ID = CouponID(e.NewID())
	}
	now := e.now()
	c.Status = CouponAvailable
	c.CurrentUses = 0
	c.Version = 0
	c.unlink()
	c.CreatedAt, c.UpdatedAt = now, now
	if err := e.Store.SaveCoupon(ctx, c); err != nil {
		return Coupon{}, err
	}
	j := newJournal(actor)
	j.add("coupon", string(c.ID), "coupon.created", c.Code)
	e.flush(ctx, j)
	return c, nil
}

// ListCoupons returns coupons, optionally filtered by status. Admin only.
func (e *Engine) ListCoupons(ctx context.Context, actor Actor, statuses ...CouponStatus) ([]Coupon, error) {
	if err := requireAdmin(actor); err != nil {
		return nil, err
	}
	return e.Store.ListCoupons(ctx, statuses...)
}

// =============================================================================
// HELPERS
// =============================================================================

// detachMemo deletes a pending coupon's memo if it is still a draft. A memo
// that already rides on a receipt blocks the release.
func (e *Engine) detachMemo(ctx context.Context, st Store, c Coupon, j *journal) error {
	if c.LinkedLedgerItemID == "" {
		return nil
	}
	memo, err := st.GetItem(ctx, c.LinkedLedgerItemID)
	if IsNotFound(err) {
		return nil
	}
	if err != nil {
		return err
	}
	switch memo.Status {
	case StatusDraft:
		if err := st.DeleteItem(ctx, memo.ID, StatusDraft); err != nil {
			return err
		}
		j.add("ledger_item", string(memo.ID), "memo.deleted", "coupon released")
		return nil
	case StatusCancelled:
		return nil
	default:
		return &InvalidStateError{Entity: "coupon", ID: string(c.ID), Status: "in review", Operation: "release"}
	}
}

// returnCoupon unlinks c and moves it to status with a version CAS.
func (e *Engine) returnCoupon(ctx context.Context, st Store, c Coupon, status CouponStatus) (Coupon, error) {
	c.Status = status
	c.unlink()
	c.UpdatedAt = e.now()
	if err := st.UpdateCoupon(ctx, c); err != nil {
		return Coupon{}, err
	}
	c.Version++
	return c, nil
}

// consumeCoupon records one use of a pending coupon linked to memo. Coupons
// with uses left return to available.
func (e *Engine) consumeCoupon(ctx context.Context, st Store, memo LedgerItem, j *journal) error {
	if memo.CouponID == "" {
		return nil
	}
	c, err := st.GetCoupon(ctx, memo.CouponID)
	if err != nil {
		return err
	}
	if c.Status != CouponPending || c.LinkedLedgerItemID != memo.ID {
		return nil
	}
	c.CurrentUses++
	next := CouponConsumed
	if c.MaxUses == nil || c.CurrentUses < *c.MaxUses {
		next = CouponAvailable
	}
	c, err = e.returnCoupon(ctx, st, c, next)
	if err != nil {
		return err
	}
	j.add("coupon", string(c.ID), "coupon.consumed", fmt.Sprintf("uses=%d status=%s", c.CurrentUses, c.Status))
	return nil
}
