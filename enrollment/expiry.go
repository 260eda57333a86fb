/*
expiry.go - Reservation and coupon expiry sweep

PURPOSE:
  Releases reserved seats whose hold has run out, and expires coupons past
  their end date. Runs from the background scheduler as the system actor.

GUARANTEES:
  - Each release is a per-item status CAS (reserved -> draft). An item that
    was secured or cancelled in the meantime is skipped, not overwritten.
  - Running twice, or two sweeps at once, releases each item at most once.
  - A pending coupon is expired only while its memo is still a draft;
    a memo riding on a receipt waits for the review.

SEE ALSO:
  - api/scheduler.go: Runs ExpireReservations on an interval
*/
package enrollment

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ExpiryReport summarizes one sweep.
type ExpiryReport struct {
	ItemsReleased  int
	CouponsExpired int
	Skipped        int
}

// ExpireReservations sweeps everything that expired strictly before now.
func (e *Engine) ExpireReservations(ctx context.Context, now time.Time) (ExpiryReport, error) {
	var report ExpiryReport
	j := newJournal(SystemActor)
	defer e.flush(ctx, j)

	now = now.UTC()
	expired, err := e.Store.ListItems(ctx, ItemFilter{
		Statuses:       []ItemStatus{StatusReserved},
		ExpiringBefore: &now,
	})
	if err != nil {
		return report, fmt.Errorf("list expired reservations: %w", err)
	}

	for _, it := range expired {
		it.Status = StatusDraft
		it.clearReservation()
		it.UpdatedAt = now
		err := e.Store.UpdateItem(ctx, it, StatusReserved)
		switch {
		case err == nil:
			report.ItemsReleased++
			expiredTotal.WithLabelValues("reservation").Inc()
			j.item(it, "item.expired", StatusReserved)
		case errors.Is(err, ErrConcurrentModification), IsNotFound(err):
			report.Skipped++
		default:
			return report, fmt.Errorf("release %s: %w", it.ID, err)
		}
	}

	n, skipped, err := e.expireCoupons(ctx, now, j)
	report.CouponsExpired += n
	report.Skipped += skipped
	return report, err
}

func (e *Engine) expireCoupons(ctx context.Context, now time.Time, j *journal) (int, int, error) {
	coupons, err := e.Store.ListCoupons(ctx, CouponAvailable, CouponPending)
	if err != nil {
		return 0, 0, fmt.Errorf("list coupons: %w", err)
	}

	expired, skipped := 0, 0
	for _, c := range coupons {
		if !c.ExpiredAt(now) {
			continue
		}
		err := e.Store.WithTx(ctx, func(st Store) error {
			cur, err := st.GetCoupon(ctx, c.ID)
			if err != nil {
				return err
			}
			if cur.Version != c.Version {
				return ErrConcurrentModification
			}
			if cur.Status == CouponPending {
				if err := e.detachMemo(ctx, st, cur, j); err != nil {
					return err
				}
			}
			_, err = e.returnCoupon(ctx, st, cur, CouponExpired)
			return err
		})
		switch {
		case err == nil:
			expired++
			expiredTotal.WithLabelValues("coupon").Inc()
			j.add("coupon", string(c.ID), "coupon.expired", "")
		case errors.Is(err, ErrConcurrentModification), errors.Is(err, ErrInvalidState), IsNotFound(err):
			skipped++
		default:
			return expired, skipped, fmt.Errorf("expire coupon %s: %w", c.ID, err)
		}
	}
	return expired, skipped, nil
}
