/*
balance.go - Per-family balance breakdown

PURPOSE:
  Answers "how much does this family still owe?" The breakdown is
  recomputed from the ledger, receipts and profile on every call. Nothing
  is cached: checkout decisions read it in real time.

FORMULA:
  Gross          = sum of non-cancelled enrollment amounts
  Weeks          = count of non-cancelled enrollments
  Tiered         = tier(Weeks)
  Returning      = per-week rate x Weeks, if returning
  Sibling        = per-week rate x Weeks, if sibling
  EarlyBird      = sum over eligible enrollments of amount x rate
  CouponCredit   = sum of |amount| over non-cancelled credit memos
  Paid           = sum of verified receipt amounts
  PendingPayment = sum of pending receipt amounts

  BalanceDue = max(0, Gross - Discounts - Credits - Paid - PendingPayment)

SEE ALSO:
  - discount.go: The rate functions
*/
package enrollment

import (
	"context"

	"github.com/shopspring/decimal"
)

// BalanceBreakdown is a point-in-time financial summary for one user.
type BalanceBreakdown struct {
	UserID          UserID
	Weeks           int
	Gross           decimal.Decimal
	TieredDiscount  decimal.Decimal
	ReturningCredit decimal.Decimal
	SiblingCredit   decimal.Decimal
	EarlyBirdCredit decimal.Decimal
	CouponCredit    decimal.Decimal
	Paid            decimal.Decimal
	PendingPayments decimal.Decimal
	BalanceDue      decimal.Decimal
}

// Discounts returns the sum of tiered and early-bird discounts.
func (b BalanceBreakdown) Discounts() decimal.Decimal {
	return b.TieredDiscount.Add(b.EarlyBirdCredit)
}

// Credits returns the sum of per-week and coupon credits.
func (b BalanceBreakdown) Credits() decimal.Decimal {
	return b.ReturningCredit.Add(b.SiblingCredit).Add(b.CouponCredit)
}

// NetTuition returns gross minus every discount and credit.
func (b BalanceBreakdown) NetTuition() decimal.Decimal {
	return b.Gross.Sub(b.Discounts()).Sub(b.Credits())
}

// Balance computes the breakdown for userID.
func (e *Engine) Balance(ctx context.Context, actor Actor, userID UserID) (BalanceBreakdown, error) {
	if err := requireActFor(actor, userID); err != nil {
		return BalanceBreakdown{}, err
	}

	live := []ItemStatus{StatusDraft, StatusReserved, StatusSecured, StatusVerified}
	items, err := e.Store.ListItems(ctx, ItemFilter{UserID: userID, Statuses: live})
	if err != nil {
		return BalanceBreakdown{}, err
	}
	profile, err := e.Store.GetProfile(ctx, userID)
	if err != nil {
		return BalanceBreakdown{}, err
	}

	b := BalanceBreakdown{
		UserID:          userID,
		Gross:           decimal.Zero,
		EarlyBirdCredit: decimal.Zero,
		CouponCredit:    decimal.Zero,
		Paid:            decimal.Zero,
		PendingPayments: decimal.Zero,
	}
	sessions := make(map[SessionID]Session)
	for _, it := range items {
		if !it.IsEnrollment() {
			b.CouponCredit = b.CouponCredit.Add(it.Amount.Abs())
			continue
		}
		b.Weeks++
		b.Gross = b.Gross.Add(it.Amount)

		s, ok := sessions[it.SessionID]
		if !ok {
			s, err = e.Store.GetSession(ctx, it.SessionID)
			if err != nil {
				return BalanceBreakdown{}, err
			}
			sessions[it.SessionID] = s
		}
		b.EarlyBirdCredit = b.EarlyBirdCredit.Add(e.Pricing.EarlyBirdCredit(it, s))
	}
	b.TieredDiscount = e.Pricing.TieredDiscount(b.Weeks)
	b.ReturningCredit = e.Pricing.ReturningCredit(profile.Returning, b.Weeks)
	b.SiblingCredit = e.Pricing.SiblingCredit(profile.HasSibling, b.Weeks)

	receipts, err := e.Store.ListReceipts(ctx, ReceiptFilter{UserID: userID})
	if err != nil {
		return BalanceBreakdown{}, err
	}
	for _, r := range receipts {
		switch r.Status {
		case ReceiptVerified:
			b.Paid = b.Paid.Add(r.Amount)
		case ReceiptPending:
			b.PendingPayments = b.PendingPayments.Add(r.Amount)
		}
	}

	due := b.NetTuition().Sub(b.Paid).Sub(b.PendingPayments)
	if due.IsNegative() {
		due = decimal.Zero
	}
	b.BalanceDue = due
	return b, nil
}
