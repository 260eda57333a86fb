/*
handlers.go - HTTP API handlers for the enrollment engine

PURPOSE:
  Exposes the enrollment engine via REST API. Handles HTTP request/response,
  JSON serialization, and delegates every decision to enrollment.Engine.

ENDPOINTS:
  Sessions:
    GET    /api/sessions                              List sessions
    GET    /api/sessions/{id}                         Get one session
    GET    /api/sessions/{id}/availability            Seat usage and version
    POST   /api/sessions/{id}/items/{itemID}/commit   Hard admission of one draft

  Ledger:
    GET    /api/users/{userID}/ledger                 List items (?status=draft,reserved)
    POST   /api/users/{userID}/ledger                 Add a draft enrollment
    POST   /api/users/{userID}/reservations           Reserve drafts, partial success
    GET    /api/users/{userID}/balance                Balance breakdown
    DELETE /api/items/{id}                            Cancel an item

  Coupons:
    POST   /api/users/{userID}/coupons/claim          Claim by code (rate limited)
    POST   /api/coupons/{id}/release                  Return a pending coupon

  Receipts:
    GET    /api/users/{userID}/receipts               List a user's receipts
    POST   /api/users/{userID}/receipts               Submit a receipt
    GET    /api/receipts/{id}                         Get one receipt

  Admin (role=admin):
    POST   /api/admin/sessions                        Create session
    GET    /api/admin/coupons                         List coupons (?status=)
    POST   /api/admin/coupons                         Create coupon
    POST   /api/admin/coupons/{id}/disable            Disable coupon
    GET    /api/admin/receipts/pending                Review queue
    POST   /api/admin/receipts/{id}/verify            Verify receipt
    POST   /api/admin/receipts/{id}/deny              Deny receipt
    PUT    /api/admin/profiles/{userID}               Set discount flags
    POST   /api/admin/expiry/run                      Run the expiry sweep now
    GET    /api/admin/activity                        Audit trail

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation errors, invalid input
  - 401: Missing or invalid token
  - 403: Not the owner, or not an admin
  - 404: Resource not found
  - 409: Capacity exceeded, invalid state, lost race (retryable=true)
  - 422: Coupon not available (one message for every cause)
  - 429: Too many coupon attempts
  - 500: Internal errors

SEE ALSO:
  - dto.go: Request/response data structures
  - scenarios.go: Demo scenario loaders
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/warp/enrollment-engine/audit"
	"github.com/warp/enrollment-engine/enrollment"
)

// ActivityLog reads back recorded audit events.
type ActivityLog interface {
	ListAuditEvents(ctx context.Context, q audit.Query) ([]audit.Event, error)
}

// Resetter wipes all persisted state. Only used by dev scenarios.
type Resetter interface {
	Reset(ctx context.Context) error
}

// Handler holds all HTTP handler dependencies.
type Handler struct {
	Engine    *enrollment.Engine
	Activity  ActivityLog
	Scheduler *ExpiryScheduler
	Auth      *Authenticator
	Resetter  Resetter

	currentScenario string
}

// NewHandler creates a handler around an engine.
func NewHandler(engine *enrollment.Engine) *Handler {
	return &Handler{Engine: engine}
}

// =============================================================================
// SESSIONS
// =============================================================================

func (h *Handler) ListSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := h.Engine.ListSessions(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	dtos := make([]SessionDTO, len(sessions))
	for i, s := range sessions {
		dtos[i] = toSessionDTO(s)
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	s, err := h.Engine.GetSession(r.Context(), enrollment.SessionID(chi.URLParam(r, "id")))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toSessionDTO(s))
}

func (h *Handler) GetAvailability(w http.ResponseWriter, r *http.Request) {
	a, err := h.Engine.SessionAvailability(r.Context(), enrollment.SessionID(chi.URLParam(r, "id")))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toAvailabilityDTO(a))
}

// CommitSeat runs hard admission for a single draft. A lost seat is a 409
// with the outcome in the body, not an error response.
func (h *Handler) CommitSeat(w http.ResponseWriter, r *http.Request) {
	actor := mustActor(r)
	res, err := h.Engine.TryCommitSeat(r.Context(),
		enrollment.SessionID(chi.URLParam(r, "id")),
		enrollment.ItemID(chi.URLParam(r, "itemID")),
		actor)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	dto := CommitSeatDTO{Outcome: string(res.Outcome)}
	if res.Token != nil {
		dto.SessionVersion = res.Token.SessionVersion
	}
	if res.Err != nil {
		dto.Error = res.Err.Error()
	}
	status := http.StatusOK
	if res.Outcome != enrollment.Admitted {
		status = http.StatusConflict
	}
	writeJSON(w, status, dto)
}

func (h *Handler) CreateSession(w http.ResponseWriter, r *http.Request) {
	var req CreateSessionRequest
	if !decode(w, r, &req) {
		return
	}
	active := true
	if req.Active != nil {
		active = *req.Active
	}
	s, err := h.Engine.CreateSession(r.Context(), mustActor(r), enrollment.Session{
		ID:                enrollment.SessionID(req.ID),
		Name:              req.Name,
		Price:             req.Price,
		Capacity:          req.Capacity,
		Active:            active,
		StartsAt:          req.StartsAt,
		EarlyBirdDeadline: req.EarlyBirdDeadline,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toSessionDTO(s))
}

// =============================================================================
// LEDGER
// =============================================================================

func (h *Handler) ListLedger(w http.ResponseWriter, r *http.Request) {
	var statuses []enrollment.ItemStatus
	for _, s := range splitQuery(r, "status") {
		statuses = append(statuses, enrollment.ItemStatus(s))
	}
	items, err := h.Engine.ListItems(r.Context(), mustActor(r), userParam(r), statuses...)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toLedgerItemDTOs(items))
}

func (h *Handler) AddToLedger(w http.ResponseWriter, r *http.Request) {
	var req AddToLedgerRequest
	if !decode(w, r, &req) {
		return
	}
	item, err := h.Engine.AddToLedger(r.Context(), mustActor(r), userParam(r),
		enrollment.SessionID(req.SessionID), enrollment.ChildID(req.ChildID))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toLedgerItemDTO(item))
}

func (h *Handler) ReserveItems(w http.ResponseWriter, r *http.Request) {
	var req ReserveRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := h.Engine.ReserveItems(r.Context(), mustActor(r), userParam(r),
		toItemIDs(req.ItemIDs), enrollment.PaymentMethod(req.PaymentMethod))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toReserveResultDTO(res))
}

func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	b, err := h.Engine.Balance(r.Context(), mustActor(r), userParam(r))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toBalanceDTO(b))
}

func (h *Handler) CancelItem(w http.ResponseWriter, r *http.Request) {
	item, err := h.Engine.CancelItem(r.Context(), mustActor(r), enrollment.ItemID(chi.URLParam(r, "id")))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toLedgerItemDTO(item))
}

// =============================================================================
// COUPONS
// =============================================================================

func (h *Handler) ClaimCoupon(w http.ResponseWriter, r *http.Request) {
	var req ClaimCouponRequest
	if !decode(w, r, &req) {
		return
	}
	c, memo, err := h.Engine.ClaimCoupon(r.Context(), mustActor(r), userParam(r), req.Code)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ClaimCouponDTO{Coupon: toCouponDTO(c), Memo: toLedgerItemDTO(memo)})
}

func (h *Handler) ReleaseCoupon(w http.ResponseWriter, r *http.Request) {
	c, err := h.Engine.ReleaseCoupon(r.Context(), mustActor(r), enrollment.CouponID(chi.URLParam(r, "id")))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toCouponDTO(c))
}

func (h *Handler) ListCoupons(w http.ResponseWriter, r *http.Request) {
	var statuses []enrollment.CouponStatus
	for _, s := range splitQuery(r, "status") {
		statuses = append(statuses, enrollment.CouponStatus(s))
	}
	coupons, err := h.Engine.ListCoupons(r.Context(), mustActor(r), statuses...)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	dtos := make([]CouponDTO, len(coupons))
	for i, c := range coupons {
		dtos[i] = toCouponDTO(c)
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) CreateCoupon(w http.ResponseWriter, r *http.Request) {
	var req CreateCouponRequest
	if !decode(w, r, &req) {
		return
	}
	c, err := h.Engine.CreateCoupon(r.Context(), mustActor(r), enrollment.Coupon{
		Code:          req.Code,
		DiscountValue: req.DiscountValue,
		DiscountType:  enrollment.DiscountType(req.DiscountType),
		MaxUses:       req.MaxUses,
		ExpiresAt:     req.ExpiresAt,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toCouponDTO(c))
}

func (h *Handler) DisableCoupon(w http.ResponseWriter, r *http.Request) {
	c, err := h.Engine.DisableCoupon(r.Context(), mustActor(r), enrollment.CouponID(chi.URLParam(r, "id")))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toCouponDTO(c))
}

// =============================================================================
// RECEIPTS
// =============================================================================

func (h *Handler) ListReceipts(w http.ResponseWriter, r *http.Request) {
	rs, err := h.Engine.ListReceipts(r.Context(), mustActor(r), userParam(r))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toReceiptDTOs(rs))
}

func (h *Handler) SubmitReceipt(w http.ResponseWriter, r *http.Request) {
	var req SubmitReceiptRequest
	if !decode(w, r, &req) {
		return
	}
	rec, err := h.Engine.SubmitReceipt(r.Context(), mustActor(r), enrollment.SubmitReceiptInput{
		UserID:           userParam(r),
		ItemIDs:          toItemIDs(req.ItemIDs),
		Amount:           req.Amount,
		Method:           enrollment.PaymentMethod(req.Method),
		ImageRef:         req.ImageRef,
		RelatedReceiptID: enrollment.ReceiptID(req.RelatedReceiptID),
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toReceiptDTO(rec))
}

func (h *Handler) GetReceipt(w http.ResponseWriter, r *http.Request) {
	rec, err := h.Engine.GetReceipt(r.Context(), mustActor(r), enrollment.ReceiptID(chi.URLParam(r, "id")))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toReceiptDTO(rec))
}

func (h *Handler) PendingReceipts(w http.ResponseWriter, r *http.Request) {
	rs, err := h.Engine.PendingReceipts(r.Context(), mustActor(r))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toReceiptDTOs(rs))
}

func (h *Handler) VerifyReceipt(w http.ResponseWriter, r *http.Request) {
	rec, err := h.Engine.VerifyReceipt(r.Context(), mustActor(r), enrollment.ReceiptID(chi.URLParam(r, "id")))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toReceiptDTO(rec))
}

func (h *Handler) DenyReceipt(w http.ResponseWriter, r *http.Request) {
	var req DenyReceiptRequest
	if !decode(w, r, &req) {
		return
	}
	rec, err := h.Engine.DenyReceipt(r.Context(), mustActor(r), enrollment.ReceiptID(chi.URLParam(r, "id")), req.Reason)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toReceiptDTO(rec))
}

// =============================================================================
// ADMIN
// =============================================================================

func (h *Handler) SetProfile(w http.ResponseWriter, r *http.Request) {
	var req ProfileRequest
	if !decode(w, r, &req) {
		return
	}
	p := enrollment.Profile{UserID: userParam(r), Returning: req.Returning, HasSibling: req.HasSibling}
	if err := h.Engine.SetProfile(r.Context(), mustActor(r), p); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

// RunExpiry triggers the expiry sweep outside its schedule.
func (h *Handler) RunExpiry(w http.ResponseWriter, r *http.Request) {
	var (
		report enrollment.ExpiryReport
		err    error
	)
	if h.Scheduler != nil {
		report, err = h.Scheduler.RunNow(r.Context())
	} else {
		report, err = h.Engine.ExpireReservations(r.Context(), h.Engine.Now())
	}
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ExpiryReportDTO{
		ItemsReleased:  report.ItemsReleased,
		CouponsExpired: report.CouponsExpired,
		Skipped:        report.Skipped,
	})
}

// ListActivity returns the audit trail, newest first. Filters: target_type,
// target_id, actor, since (RFC3339), limit.
func (h *Handler) ListActivity(w http.ResponseWriter, r *http.Request) {
	if h.Activity == nil {
		writeJSON(w, http.StatusOK, []audit.Event{})
		return
	}
	q := audit.Query{
		TargetType: r.URL.Query().Get("target_type"),
		TargetID:   r.URL.Query().Get("target_id"),
		Actor:      r.URL.Query().Get("actor"),
		Limit:      100,
	}
	if s := r.URL.Query().Get("since"); s != "" {
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid since", err)
			return
		}
		q.Since = &t
	}
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "Invalid limit", err)
			return
		}
		q.Limit = n
	}
	events, err := h.Activity.ListAuditEvents(r.Context(), q)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if events == nil {
		events = []audit.Event{}
	}
	writeJSON(w, http.StatusOK, events)
}

// =============================================================================
// DEV
// =============================================================================

// IssueToken signs a token for any user. Mounted only in dev mode.
func (h *Handler) IssueToken(w http.ResponseWriter, r *http.Request) {
	var req TokenRequest
	if !decode(w, r, &req) {
		return
	}
	if h.Auth == nil {
		writeError(w, http.StatusNotImplemented, "Token issuing not configured", nil)
		return
	}
	if req.Role == "" {
		req.Role = string(enrollment.RoleParent)
	}
	token, exp, err := h.Auth.IssueToken(enrollment.UserID(req.UserID), enrollment.Role(req.Role), 12*time.Hour)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Cannot issue token", err)
		return
	}
	writeJSON(w, http.StatusOK, TokenDTO{Token: token, ExpiresAt: exp})
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// writeDomainError maps engine error kinds to HTTP statuses.
func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, enrollment.ErrNotFound):
		writeError(w, http.StatusNotFound, "Not found", err)
	case errors.Is(err, enrollment.ErrNotAuthorized):
		writeError(w, http.StatusForbidden, "Not authorized", err)
	case errors.Is(err, enrollment.ErrCouponUnavailable):
		// One message for every cause so codes cannot be enumerated.
		writeJSON(w, http.StatusUnprocessableEntity, ErrorResponse{Error: enrollment.ErrCouponUnavailable.Error()})
	case errors.Is(err, enrollment.ErrConcurrentModification):
		writeJSON(w, http.StatusConflict, ErrorResponse{Error: "Conflict", Details: err.Error(), Retryable: true})
	case errors.Is(err, enrollment.ErrCapacityExceeded):
		writeError(w, http.StatusConflict, "Capacity exceeded", err)
	case errors.Is(err, enrollment.ErrInvalidState):
		writeError(w, http.StatusConflict, "Invalid state", err)
	case errors.Is(err, enrollment.ErrValidation):
		writeError(w, http.StatusBadRequest, "Validation failed", err)
	default:
		log.Printf("[API] Internal error: %v", err)
		writeError(w, http.StatusInternalServerError, "Internal error", nil)
	}
}

// decode reads a JSON body into dst, writing a 400 on failure.
func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return false
	}
	return true
}

// mustActor returns the authenticated actor. Routes that call it are
// always mounted behind Authenticator.Middleware.
func mustActor(r *http.Request) enrollment.Actor {
	actor, _ := ActorFrom(r.Context())
	return actor
}

func userParam(r *http.Request) enrollment.UserID {
	return enrollment.UserID(chi.URLParam(r, "userID"))
}

func toItemIDs(ids []string) []enrollment.ItemID {
	out := make([]enrollment.ItemID, len(ids))
	for i, id := range ids {
		out[i] = enrollment.ItemID(id)
	}
	return out
}

// splitQuery reads a comma-separated query parameter.
func splitQuery(r *http.Request, key string) []string {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return nil
	}
	var out []string
	for _, s := range strings.Split(raw, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
