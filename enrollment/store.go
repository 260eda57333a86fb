/*
store.go - Persistence contract for the enrollment engine

PURPOSE:
  Defines the interface between the domain logic and the database. All
  cross-request coordination happens through these methods: the engine
  keeps no shared mutable state of its own.

ATOMIC PRIMITIVES:
  Every method that changes a status is a compare-and-swap:

  InsertDraft:  INSERT only if the (user, session, child) triple is free and
                committed + drafts < capacity + buffer
  AdmitItem:    draft -> reserved|secured only if committed < capacity,
                decided and written in ONE step
  UpdateItem:   write only if the current status is one of `from`
  UpdateCoupon: write only if the stored version matches
  UpdateReceipt: write only if the current status matches

  A failed CAS returns ErrConcurrentModification. The engine never reads a
  count and then writes based on it.

TRANSACTIONS:
  WithTx runs fn against a transactional view. If fn returns an error all
  writes are rolled back. Inside fn the view must be used exclusively.

IMPLEMENTATIONS:
  - enrollment/store/memory.go: In-memory, one mutex
  - store/sqlite/sqlite.go: SQLite, conditional statements in IMMEDIATE txs

SEE ALSO:
  - admission.go: Uses InsertDraft and AdmitItem
*/
package enrollment

import (
	"context"
	"time"
)

// =============================================================================
// STORE - Combined persistence interface
// =============================================================================

type Store interface {
	SessionStore
	LedgerStore
	CouponStore
	ReceiptStore
	ProfileStore

	// WithTx executes fn within a transaction.
	// If fn returns error, transaction is rolled back.
	WithTx(ctx context.Context, fn func(Store) error) error
}

// SessionStore is the session capacity ledger.
type SessionStore interface {
	SaveSession(ctx context.Context, s Session) error
	GetSession(ctx context.Context, id SessionID) (Session, error)
	ListSessions(ctx context.Context) ([]Session, error)

	// SeatUsage counts enrollment items by status for a session.
	SeatUsage(ctx context.Context, id SessionID) (SeatUsage, error)

	// IncrementEnrolled adds one to the cached enrolled counter atomically.
	IncrementEnrolled(ctx context.Context, id SessionID) error

	// RecountEnrolled replaces the cached enrolled counter with a fresh count
	// of verified enrollment items and returns it.
	RecountEnrolled(ctx context.Context, id SessionID) (int, error)
}

// AdmissionRequest asks the store to move a draft enrollment into a
// seat-holding status.
type AdmissionRequest struct {
	ItemID      ItemID
	SessionID   SessionID
	RequestedBy UserID
	To          ItemStatus // StatusReserved or StatusSecured

	PaymentMethod        PaymentMethod
	ReservedAt           *time.Time
	ReservationExpiresAt *time.Time
	ReceiptID            ReceiptID
	At                   time.Time
}

// LedgerStore holds ledger items.
type LedgerStore interface {
	// InsertDraft inserts a draft item. For enrollments it enforces the
	// triple uniqueness and the soft capacity check atomically, returning
	// *DuplicateEnrollmentError or *CapacityError. Credit memos are inserted
	// unconditionally.
	InsertDraft(ctx context.Context, item LedgerItem, draftBuffer int) error

	// AdmitItem is the hard admission primitive.
	AdmitItem(ctx context.Context, req AdmissionRequest) (SeatToken, error)

	// UpdateItem writes item if the stored status is in from. It refuses to
	// move a draft into a seat-holding status; that is AdmitItem's job.
	UpdateItem(ctx context.Context, item LedgerItem, from ...ItemStatus) error

	// DeleteItem removes an item if its stored status is from.
	DeleteItem(ctx context.Context, id ItemID, from ItemStatus) error

	GetItem(ctx context.Context, id ItemID) (LedgerItem, error)
	ListItems(ctx context.Context, filter ItemFilter) ([]LedgerItem, error)
}

// CouponStore is the coupon registry.
type CouponStore interface {
	SaveCoupon(ctx context.Context, c Coupon) error
	GetCoupon(ctx context.Context, id CouponID) (Coupon, error)
	// FindCouponByCode matches case-insensitively.
	FindCouponByCode(ctx context.Context, code string) (Coupon, error)
	ListCoupons(ctx context.Context, statuses ...CouponStatus) ([]Coupon, error)

	// UpdateCoupon writes c if the stored version equals c.Version, and
	// stores c.Version+1.
	UpdateCoupon(ctx context.Context, c Coupon) error
}

// ReceiptStore holds payment receipts.
type ReceiptStore interface {
	SaveReceipt(ctx context.Context, r Receipt) error
	GetReceipt(ctx context.Context, id ReceiptID) (Receipt, error)
	ListReceipts(ctx context.Context, filter ReceiptFilter) ([]Receipt, error)

	// UpdateReceipt writes r if the stored status equals from.
	UpdateReceipt(ctx context.Context, r Receipt, from ReceiptStatus) error
}

// ProfileStore holds per-family discount flags. A missing profile reads as
// the zero profile.
type ProfileStore interface {
	SaveProfile(ctx context.Context, p Profile) error
	GetProfile(ctx context.Context, id UserID) (Profile, error)
}
