/*
Package enrollment provides the camp enrollment admission and ledger engine.

PURPOSE:
  Sessions have a fixed number of seats. Families add sessions to a
  shopping ledger, reserve them, pay with a receipt, and an admin verifies
  the receipt. Along the way coupons are claimed and consumed and a
  balance is computed. This package holds the domain types, the state
  machine, and the operations that move entities through it.

KEY CONCEPTS IN THIS FILE (types.go):
  - Session:    A bookable camp week with a hard seat capacity
  - LedgerItem: An enrollment or a credit memo in a family's ledger
  - Coupon:     A discount code with a single-writer claim lifecycle
  - Receipt:    A payment submission reviewed by an admin
  - Money:      decimal.Decimal, never float64

SEATS:
  A seat is "committed" while an enrollment item is reserved, secured or
  verified. The committed count is never stored; stores derive it from the
  item rows inside the same atomic statement that admits a new item.

SEE ALSO:
  - admission.go: Seat admission (the correctness-critical path)
  - transitions.go: Ledger item state machine
  - store.go: Persistence contract
*/
package enrollment

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type UserID string
type ChildID string
type SessionID string
type ItemID string
type CouponID string
type ReceiptID string

// =============================================================================
// SESSION
// =============================================================================

// Session is a camp week. Capacity is the hard seat limit.
//
// EnrolledCount is a cached count of verified enrollments. It is a fast path
// for display only; cancellation recomputes it from the item rows.
// Version increases on every write that changes seat usage so clients can
// detect stale availability views. It is never used as an admission guard.
type Session struct {
	ID                SessionID
	Name              string
	Price             decimal.Decimal
	Capacity          int
	EnrolledCount     int
	Version           int64
	Active            bool
	StartsAt          time.Time
	EarlyBirdDeadline *time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// SeatUsage is a point-in-time count of enrollment items for a session.
type SeatUsage struct {
	SessionID SessionID
	Capacity  int
	Committed int // reserved + secured + verified
	Drafts    int
	Verified  int
	Version   int64
}

// Available returns the number of seats still open under the hard limit.
func (u SeatUsage) Available() int {
	if n := u.Capacity - u.Committed; n > 0 {
		return n
	}
	return 0
}

// =============================================================================
// LEDGER ITEM
// =============================================================================

type ItemKind string

const (
	KindEnrollment ItemKind = "enrollment"
	KindCreditMemo ItemKind = "credit_memo"
)

type ItemStatus string

const (
	StatusDraft     ItemStatus = "draft"
	StatusReserved  ItemStatus = "reserved"
	StatusSecured   ItemStatus = "secured"
	StatusVerified  ItemStatus = "verified"
	StatusCancelled ItemStatus = "cancelled"
)

// CommittedStatuses are the statuses that hold a seat.
var CommittedStatuses = []ItemStatus{StatusReserved, StatusSecured, StatusVerified}

// HoldsSeat reports whether an item in this status occupies a seat.
func (s ItemStatus) HoldsSeat() bool {
	return s == StatusReserved || s == StatusSecured || s == StatusVerified
}

type PaymentMethod string

const (
	PaymentZelle PaymentMethod = "zelle"
	PaymentCash  PaymentMethod = "cash"
	PaymentCheck PaymentMethod = "check"
	PaymentOther PaymentMethod = "other"
)

// Valid reports whether m is a known payment method.
func (m PaymentMethod) Valid() bool {
	switch m {
	case PaymentZelle, PaymentCash, PaymentCheck, PaymentOther:
		return true
	}
	return false
}

// DiscountSnapshot is frozen onto an enrollment when its receipt is verified.
type DiscountSnapshot struct {
	TieredDiscount  decimal.Decimal
	EarlyBirdCredit decimal.Decimal
	ReturningCredit decimal.Decimal
	SiblingCredit   decimal.Decimal
	VerifiedAt      time.Time
}

// Total returns the sum of all snapshot credits.
func (d DiscountSnapshot) Total() decimal.Decimal {
	return d.TieredDiscount.Add(d.EarlyBirdCredit).Add(d.ReturningCredit).Add(d.SiblingCredit)
}

// LedgerItem is an enrollment or a credit memo owned by a user.
type LedgerItem struct {
	ID        ItemID
	UserID    UserID
	ChildID   ChildID   // empty when the enrollment is for the account holder
	SessionID SessionID // empty for credit memos
	Kind      ItemKind
	Status    ItemStatus
	Amount    decimal.Decimal // credit memos are negative
	CouponID  CouponID
	ReceiptID ReceiptID

	PaymentMethod        PaymentMethod
	ReservedAt           *time.Time
	ReservationExpiresAt *time.Time

	// Populated only at verification.
	Snapshot *DiscountSnapshot

	CreatedAt time.Time
	UpdatedAt time.Time
}

// IsEnrollment reports whether the item is a session enrollment.
func (i LedgerItem) IsEnrollment() bool { return i.Kind == KindEnrollment }

// clearReservation drops the fields that only exist while reserved.
func (i *LedgerItem) clearReservation() {
	i.PaymentMethod = ""
	i.ReservedAt = nil
	i.ReservationExpiresAt = nil
}

// ItemFilter selects ledger items. Zero fields are ignored.
type ItemFilter struct {
	UserID         UserID
	SessionID      SessionID
	ReceiptID      ReceiptID
	Kind           ItemKind
	Statuses       []ItemStatus
	ExpiringBefore *time.Time // reserved items whose reservation ends before this instant
}

// Matches reports whether it satisfies every non-zero field of f.
func (f ItemFilter) Matches(it LedgerItem) bool {
	if f.UserID != "" && it.UserID != f.UserID {
		return false
	}
	if f.SessionID != "" && it.SessionID != f.SessionID {
		return false
	}
	if f.ReceiptID != "" && it.ReceiptID != f.ReceiptID {
		return false
	}
	if f.Kind != "" && it.Kind != f.Kind {
		return false
	}
	if len(f.Statuses) > 0 {
		found := false
		for _, s := range f.Statuses {
			if it.Status == s {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.ExpiringBefore != nil {
		if it.ReservationExpiresAt == nil || !it.ReservationExpiresAt.Before(*f.ExpiringBefore) {
			return false
		}
	}
	return true
}

// =============================================================================
// COUPON
// =============================================================================

type DiscountType string

const (
	DiscountFixed      DiscountType = "fixed"
	DiscountPercentage DiscountType = "percentage"
)

type CouponStatus string

const (
	CouponAvailable CouponStatus = "available"
	CouponPending   CouponStatus = "pending"
	CouponConsumed  CouponStatus = "consumed"
	CouponExpired   CouponStatus = "expired"
	CouponDisabled  CouponStatus = "disabled"
)

// Coupon is a discount code. A pending coupon is weakly linked to exactly
// one credit memo in the claiming user's ledger.
type Coupon struct {
	ID                 CouponID
	Code               string
	DiscountValue      decimal.Decimal
	DiscountType       DiscountType
	Status             CouponStatus
	MaxUses            *int
	CurrentUses        int
	LinkedUserID       UserID
	LinkedLedgerItemID ItemID
	ExpiresAt          *time.Time
	Version            int64
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// Exhausted reports whether the coupon has no uses left.
func (c Coupon) Exhausted() bool {
	return c.MaxUses != nil && c.CurrentUses >= *c.MaxUses
}

// ExpiredAt reports whether the coupon's time window has closed at now.
func (c Coupon) ExpiredAt(now time.Time) bool {
	return c.ExpiresAt != nil && !now.Before(*c.ExpiresAt)
}

func (c *Coupon) unlink() {
	c.LinkedUserID = ""
	c.LinkedLedgerItemID = ""
}

// =============================================================================
// RECEIPT
// =============================================================================

type ReceiptStatus string

const (
	ReceiptPending  ReceiptStatus = "pending"
	ReceiptVerified ReceiptStatus = "verified"
	ReceiptDenied   ReceiptStatus = "denied"
)

// Receipt is a payment submission. Receipts own no capacity; they drive
// ledger item transitions when an admin reviews them.
//
// A cash receipt may point at the Zelle deposit receipt that authorized it
// through RelatedReceiptID.
type Receipt struct {
	ID               ReceiptID
	UserID           UserID
	Status           ReceiptStatus
	Method           PaymentMethod
	Amount           decimal.Decimal
	LinkedItems      []ItemID
	RelatedReceiptID ReceiptID
	ImageRef         string
	DenialReason     string
	ReviewedBy       UserID
	ReviewedAt       *time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// ReceiptFilter selects receipts. Zero fields are ignored.
type ReceiptFilter struct {
	UserID           UserID
	Status           ReceiptStatus
	RelatedReceiptID ReceiptID
}

// Matches reports whether r satisfies every non-zero field of f.
func (f ReceiptFilter) Matches(r Receipt) bool {
	return (f.UserID == "" || r.UserID == f.UserID) &&
		(f.Status == "" || r.Status == f.Status) &&
		(f.RelatedReceiptID == "" || r.RelatedReceiptID == f.RelatedReceiptID)
}

// =============================================================================
// PROFILE
// =============================================================================

// Profile carries the per-family flags that drive per-week credits.
type Profile struct {
	UserID     UserID
	Returning  bool
	HasSibling bool
}

// =============================================================================
// ACTOR
// =============================================================================

type Role string

const (
	RoleParent Role = "parent"
	RoleAdmin  Role = "admin"
	RoleSystem Role = "system"
)

// Actor is the authenticated caller of an operation.
type Actor struct {
	UserID UserID
	Role   Role
}

// SystemActor runs background work such as the expiry sweep.
var SystemActor = Actor{UserID: "system", Role: RoleSystem}

// IsAdmin reports whether the actor may perform admin actions.
func (a Actor) IsAdmin() bool { return a.Role == RoleAdmin || a.Role == RoleSystem }

// CanActFor reports whether the actor may act on behalf of user.
func (a Actor) CanActFor(user UserID) bool { return a.IsAdmin() || a.UserID == user }
