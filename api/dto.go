/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the internal domain model from the external API contract. Money is
  carried as decimal strings ("350.00"), never as JSON floats.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

VALIDATION:
  Validation is done by the engine, not in DTOs. DTOs are pure data carriers.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/enrollment-engine/enrollment"
)

// =============================================================================
// SESSIONS
// =============================================================================

type SessionDTO struct {
	ID                string          `json:"id"`
	Name              string          `json:"name"`
	Price             decimal.Decimal `json:"price"`
	Capacity          int             `json:"capacity"`
	EnrolledCount     int             `json:"enrolled_count"`
	Version           int64           `json:"version"`
	Active            bool            `json:"active"`
	StartsAt          time.Time       `json:"starts_at"`
	EarlyBirdDeadline *time.Time      `json:"early_bird_deadline,omitempty"`
}

type CreateSessionRequest struct {
	ID                string          `json:"id,omitempty"`
	Name              string          `json:"name"`
	Price             decimal.Decimal `json:"price"`
	Capacity          int             `json:"capacity"`
	Active            *bool           `json:"active,omitempty"`
	StartsAt          time.Time       `json:"starts_at"`
	EarlyBirdDeadline *time.Time      `json:"early_bird_deadline,omitempty"`
}

// AvailabilityDTO is the seat picture of one session. Version changes on
// every seat-affecting write so a client can tell its view is stale.
type AvailabilityDTO struct {
	SessionID     string `json:"session_id"`
	Capacity      int    `json:"capacity"`
	Committed     int    `json:"committed"`
	Drafts        int    `json:"drafts"`
	Available     int    `json:"available"`
	EnrolledCount int    `json:"enrolled_count"`
	Version       int64  `json:"version"`
	Active        bool   `json:"active"`
}

func toSessionDTO(s enrollment.Session) SessionDTO {
	return SessionDTO{
		ID:                string(s.ID),
		Name:              s.Name,
		Price:             s.Price,
		Capacity:          s.Capacity,
		EnrolledCount:     s.EnrolledCount,
		Version:           s.Version,
		Active:            s.Active,
		StartsAt:          s.StartsAt,
		EarlyBirdDeadline: s.EarlyBirdDeadline,
	}
}

func toAvailabilityDTO(a enrollment.Availability) AvailabilityDTO {
	return AvailabilityDTO{
		SessionID:     string(a.SessionID),
		Capacity:      a.Capacity,
		Committed:     a.Committed,
		Drafts:        a.Drafts,
		Available:     a.Available(),
		EnrolledCount: a.EnrolledCount,
		Version:       a.Version,
		Active:        a.Active,
	}
}

// =============================================================================
// LEDGER
// =============================================================================

type LedgerItemDTO struct {
	ID                   string          `json:"id"`
	UserID               string          `json:"user_id"`
	ChildID              string          `json:"child_id,omitempty"`
	SessionID            string          `json:"session_id,omitempty"`
	Kind                 string          `json:"kind"`
	Status               string          `json:"status"`
	Amount               decimal.Decimal `json:"amount"`
	CouponID             string          `json:"coupon_id,omitempty"`
	ReceiptID            string          `json:"receipt_id,omitempty"`
	PaymentMethod        string          `json:"payment_method,omitempty"`
	ReservedAt           *time.Time      `json:"reserved_at,omitempty"`
	ReservationExpiresAt *time.Time      `json:"reservation_expires_at,omitempty"`
	Snapshot             *SnapshotDTO    `json:"snapshot,omitempty"`
	CreatedAt            time.Time       `json:"created_at"`
}

type SnapshotDTO struct {
	TieredDiscount  decimal.Decimal `json:"tiered_discount"`
	EarlyBirdCredit decimal.Decimal `json:"early_bird_credit"`
	ReturningCredit decimal.Decimal `json:"returning_credit"`
	SiblingCredit   decimal.Decimal `json:"sibling_credit"`
	VerifiedAt      time.Time       `json:"verified_at"`
}

type AddToLedgerRequest struct {
	SessionID string `json:"session_id"`
	ChildID   string `json:"child_id,omitempty"`
}

type ReserveRequest struct {
	ItemIDs       []string `json:"item_ids"`
	PaymentMethod string   `json:"payment_method"`
}

type ItemOutcomeDTO struct {
	ItemID  string `json:"item_id"`
	Outcome string `json:"outcome"`
	Error   string `json:"error,omitempty"`
}

type ReserveResultDTO struct {
	Items        []ItemOutcomeDTO `json:"items"`
	Reserved     []string         `json:"reserved"`
	DepositTotal decimal.Decimal  `json:"deposit_total"`
	ExpiresAt    time.Time        `json:"expires_at"`
}

type CommitSeatDTO struct {
	Outcome        string `json:"outcome"`
	SessionVersion int64  `json:"session_version,omitempty"`
	Error          string `json:"error,omitempty"`
}

func toLedgerItemDTO(it enrollment.LedgerItem) LedgerItemDTO {
	dto := LedgerItemDTO{
		ID:                   string(it.ID),
		UserID:               string(it.UserID),
		ChildID:              string(it.ChildID),
		SessionID:            string(it.SessionID),
		Kind:                 string(it.Kind),
		Status:               string(it.Status),
		Amount:               it.Amount,
		CouponID:             string(it.CouponID),
		ReceiptID:            string(it.ReceiptID),
		PaymentMethod:        string(it.PaymentMethod),
		ReservedAt:           it.ReservedAt,
		ReservationExpiresAt: it.ReservationExpiresAt,
		CreatedAt:            it.CreatedAt,
	}
	if s := it.Snapshot; s != nil {
		dto.Snapshot = &SnapshotDTO{
			TieredDiscount:  s.TieredDiscount,
			EarlyBirdCredit: s.EarlyBirdCredit,
			ReturningCredit: s.ReturningCredit,
			SiblingCredit:   s.SiblingCredit,
			VerifiedAt:      s.VerifiedAt,
		}
	}
	return dto
}

func toLedgerItemDTOs(items []enrollment.LedgerItem) []LedgerItemDTO {
	dtos := make([]LedgerItemDTO, len(items))
	for i, it := range items {
		dtos[i] = toLedgerItemDTO(it)
	}
	return dtos
}

func toReserveResultDTO(res enrollment.ReserveResult) ReserveResultDTO {
	dto := ReserveResultDTO{
		Items:        make([]ItemOutcomeDTO, len(res.Items)),
		Reserved:     make([]string, len(res.Reserved)),
		DepositTotal: res.DepositTotal,
		ExpiresAt:    res.ExpiresAt,
	}
	for i, o := range res.Items {
		dto.Items[i] = ItemOutcomeDTO{ItemID: string(o.ItemID), Outcome: string(o.Outcome), Error: o.Error}
	}
	for i, id := range res.Reserved {
		dto.Reserved[i] = string(id)
	}
	return dto
}

// =============================================================================
// COUPONS
// =============================================================================

type CouponDTO struct {
	ID            string          `json:"id"`
	Code          string          `json:"code"`
	DiscountValue decimal.Decimal `json:"discount_value"`
	DiscountType  string          `json:"discount_type"`
	Status        string          `json:"status"`
	MaxUses       *int            `json:"max_uses,omitempty"`
	CurrentUses   int             `json:"current_uses"`
	LinkedUserID  string          `json:"linked_user_id,omitempty"`
	LinkedItemID  string          `json:"linked_ledger_item_id,omitempty"`
	ExpiresAt     *time.Time      `json:"expires_at,omitempty"`
}

type CreateCouponRequest struct {
	Code          string          `json:"code"`
	DiscountValue decimal.Decimal `json:"discount_value"`
	DiscountType  string          `json:"discount_type"`
	MaxUses       *int            `json:"max_uses,omitempty"`
	ExpiresAt     *time.Time      `json:"expires_at,omitempty"`
}

type ClaimCouponRequest struct {
	Code string `json:"code"`
}

type ClaimCouponDTO struct {
	Coupon CouponDTO     `json:"coupon"`
	Memo   LedgerItemDTO `json:"memo"`
}

func toCouponDTO(c enrollment.Coupon) CouponDTO {
	return CouponDTO{
		ID:            string(c.ID),
		Code:          c.Code,
		DiscountValue: c.DiscountValue,
		DiscountType:  string(c.DiscountType),
		Status:        string(c.Status),
		MaxUses:       c.MaxUses,
		CurrentUses:   c.CurrentUses,
		LinkedUserID:  string(c.LinkedUserID),
		LinkedItemID:  string(c.LinkedLedgerItemID),
		ExpiresAt:     c.ExpiresAt,
	}
}

// =============================================================================
// RECEIPTS
// =============================================================================

type ReceiptDTO struct {
	ID               string          `json:"id"`
	UserID           string          `json:"user_id"`
	Status           string          `json:"status"`
	Method           string          `json:"method"`
	Amount           decimal.Decimal `json:"amount"`
	LinkedItems      []string        `json:"linked_items"`
	RelatedReceiptID string          `json:"related_receipt_id,omitempty"`
	ImageRef         string          `json:"image_ref,omitempty"`
	DenialReason     string          `json:"denial_reason,omitempty"`
	ReviewedBy       string          `json:"reviewed_by,omitempty"`
	ReviewedAt       *time.Time      `json:"reviewed_at,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
}

type SubmitReceiptRequest struct {
	ItemIDs          []string        `json:"item_ids"`
	Amount           decimal.Decimal `json:"amount"`
	Method           string          `json:"method"`
	ImageRef         string          `json:"image_ref,omitempty"`
	RelatedReceiptID string          `json:"related_receipt_id,omitempty"`
}

type DenyReceiptRequest struct {
	Reason string `json:"reason"`
}

func toReceiptDTO(r enrollment.Receipt) ReceiptDTO {
	linked := make([]string, len(r.LinkedItems))
	for i, id := range r.LinkedItems {
		linked[i] = string(id)
	}
	return ReceiptDTO{
		ID:               string(r.ID),
		UserID:           string(r.UserID),
		Status:           string(r.Status),
		Method:           string(r.Method),
		Amount:           r.Amount,
		LinkedItems:      linked,
		RelatedReceiptID: string(r.RelatedReceiptID),
		ImageRef:         r.ImageRef,
		DenialReason:     r.DenialReason,
		ReviewedBy:       string(r.ReviewedBy),
		ReviewedAt:       r.ReviewedAt,
		CreatedAt:        r.CreatedAt,
	}
}

func toReceiptDTOs(rs []enrollment.Receipt) []ReceiptDTO {
	dtos := make([]ReceiptDTO, len(rs))
	for i, r := range rs {
		dtos[i] = toReceiptDTO(r)
	}
	return dtos
}

// =============================================================================
// BALANCE AND PROFILE
// =============================================================================

type BalanceDTO struct {
	UserID          string          `json:"user_id"`
	Weeks           int             `json:"weeks"`
	Gross           decimal.Decimal `json:"gross"`
	TieredDiscount  decimal.Decimal `json:"tiered_discount"`
	EarlyBirdCredit decimal.Decimal `json:"early_bird_credit"`
	ReturningCredit decimal.Decimal `json:"returning_credit"`
	SiblingCredit   decimal.Decimal `json:"sibling_credit"`
	CouponCredit    decimal.Decimal `json:"coupon_credit"`
	Discounts       decimal.Decimal `json:"discounts"`
	Credits         decimal.Decimal `json:"credits"`
	NetTuition      decimal.Decimal `json:"net_tuition"`
	Paid            decimal.Decimal `json:"paid"`
	PendingPayments decimal.Decimal `json:"pending_payments"`
	BalanceDue      decimal.Decimal `json:"balance_due"`
}

func toBalanceDTO(b enrollment.BalanceBreakdown) BalanceDTO {
	return BalanceDTO{
		UserID:          string(b.UserID),
		Weeks:           b.Weeks,
		Gross:           b.Gross,
		TieredDiscount:  b.TieredDiscount,
		EarlyBirdCredit: b.EarlyBirdCredit,
		ReturningCredit: b.ReturningCredit,
		SiblingCredit:   b.SiblingCredit,
		CouponCredit:    b.CouponCredit,
		Discounts:       b.Discounts(),
		Credits:         b.Credits(),
		NetTuition:      b.NetTuition(),
		Paid:            b.Paid,
		PendingPayments: b.PendingPayments,
		BalanceDue:      b.BalanceDue,
	}
}

type ProfileRequest struct {
	Returning  bool `json:"returning"`
	HasSibling bool `json:"has_sibling"`
}

// =============================================================================
// ADMIN AND DEV
// =============================================================================

type ExpiryReportDTO struct {
	ItemsReleased  int `json:"items_released"`
	CouponsExpired int `json:"coupons_expired"`
	Skipped        int `json:"skipped"`
}

type TokenRequest struct {
	UserID string `json:"user_id"`
	Role   string `json:"role"`
}

type TokenDTO struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error     string `json:"error"`
	Details   string `json:"details,omitempty"`
	Retryable bool   `json:"retryable,omitempty"`
}
