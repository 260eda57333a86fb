/*
admission.go - Seat admission

PURPOSE:
  Decides whether a ledger item may take a seat in a session. This is the
  one place where correctness under concurrency is the deliverable: the
  number of seat-holding items for a session must never exceed capacity,
  however many callers race.

TWO POLICIES (deliberately separate):
  SoftBuffer (AddToLedger):
    committed + drafts < capacity + DraftBuffer
    A UX throttle on abandoned carts. Drafts hold no seat.

  HardLimit (ReserveItems, SubmitReceipt, TryCommitSeat):
    committed < capacity
    The seat guarantee. committed = reserved + secured + verified.

ATOMICITY:
  Both checks are evaluated and written by the store in one step
  (InsertDraft / AdmitItem). The engine never counts seats and then writes.
  The session Version is bumped by every admission so clients can detect a
  stale availability view, but it is never the admission guard.

OUTCOMES:
  Admitted          item now holds a seat, SeatToken returned
  CapacityExceeded  no seat left
  Conflict          the item changed under us (retry after re-reading)

SEE ALSO:
  - store.go: InsertDraft, AdmitItem contracts
  - enrollment/store/memory.go, store/sqlite/sqlite.go: the atomic writes
*/
package enrollment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// ADMISSION TYPES
// =============================================================================

const (
	PolicySoftBuffer = "soft_buffer"
	PolicyHardLimit  = "hard_limit"
)

// AdmissionOutcome is the tag of an admission result.
type AdmissionOutcome string

const (
	Admitted                AdmissionOutcome = "admitted"
	OutcomeCapacityExceeded AdmissionOutcome = "capacity_exceeded"
	OutcomeConflict         AdmissionOutcome = "conflict"
)

// SeatToken proves that an item was admitted.
type SeatToken struct {
	SessionID      SessionID
	ItemID         ItemID
	Status         ItemStatus
	SessionVersion int64
	AdmittedAt     time.Time
}

// AdmissionResult is Admitted with a Token, or a rejection with Err set.
type AdmissionResult struct {
	Outcome AdmissionOutcome
	Token   *SeatToken
	Err     error
}

func classifyAdmission(token SeatToken, err error) (AdmissionResult, error) {
	switch {
	case err == nil:
		admissionTotal.WithLabelValues(PolicyHardLimit, string(Admitted)).Inc()
		return AdmissionResult{Outcome: Admitted, Token: &token}, nil
	case errors.Is(err, ErrCapacityExceeded):
		admissionTotal.WithLabelValues(PolicyHardLimit, string(OutcomeCapacityExceeded)).Inc()
		return AdmissionResult{Outcome: OutcomeCapacityExceeded, Err: err}, nil
	case errors.Is(err, ErrConcurrentModification):
		admissionTotal.WithLabelValues(PolicyHardLimit, string(OutcomeConflict)).Inc()
		return AdmissionResult{Outcome: OutcomeConflict, Err: err}, nil
	default:
		return AdmissionResult{}, err
	}
}

// =============================================================================
// TRY COMMIT SEAT
// =============================================================================

// TryCommitSeat runs hard admission for one draft enrollment, moving it to
// reserved. Errors other than capacity and conflict are returned as err.
func (e *Engine) TryCommitSeat(ctx context.Context, sessionID SessionID, itemID ItemID, requestedBy Actor) (AdmissionResult, error) {
	item, err := e.Store.GetItem(ctx, itemID)
	if err != nil {
		return AdmissionResult{}, err
	}
	if err := requireActFor(requestedBy, item.UserID); err != nil {
		return AdmissionResult{}, err
	}
	if !item.IsEnrollment() || item.SessionID != sessionID {
		return AdmissionResult{}, invalid("item_id", "not an enrollment for this session")
	}

	j := newJournal(requestedBy)
	res, err := e.reserveOne(ctx, e.Store, item, "", j)
	if err != nil {
		return res, err
	}
	e.flush(ctx, j)
	return res, nil
}

func (e *Engine) reserveOne(ctx context.Context, st Store, item LedgerItem, method PaymentMethod, j *journal) (AdmissionResult, error) {
	now := e.now()
	expires := now.Add(e.Config.ReservationTTL)
	token, err := st.AdmitItem(ctx, AdmissionRequest{
		ItemID:               item.ID,
		SessionID:            item.SessionID,
		RequestedBy:          item.UserID,
		To:                   StatusReserved,
		PaymentMethod:        method,
		ReservedAt:           &now,
		ReservationExpiresAt: &expires,
		At:                   now,
	})
	res, err := classifyAdmission(token, err)
	if err != nil {
		return res, err
	}
	if res.Outcome == Admitted {
		item.Status = StatusReserved
		j.item(item, "item.reserved", StatusDraft)
	}
	return res, nil
}

// =============================================================================
// ADD TO LEDGER - Soft admission
// =============================================================================

// AddToLedger inserts a draft enrollment for (user, session, child).
func (e *Engine) AddToLedger(ctx context.Context, actor Actor, userID UserID, sessionID SessionID, childID ChildID) (LedgerItem, error) {
	if err := requireActFor(actor, userID); err != nil {
		return LedgerItem{}, err
	}
	if sessionID == "" {
		return LedgerItem{}, invalid("session_id", "required")
	}

	session, err := e.Store.GetSession(ctx, sessionID)
	if err != nil {
		return LedgerItem{}, err
	}
	if !session.Active {
		return LedgerItem{}, &InvalidStateError{Entity: "session", ID: string(sessionID), Status: "inactive", Operation: "enroll in"}
	}

	now := e.now()
	item := LedgerItem{
		ID:        ItemID(e.NewID()),
		UserID:    userID,
		ChildID:   childID,
		SessionID: sessionID,
		Kind:      KindEnrollment,
		Status:    StatusDraft,
		Amount:    session.Price,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := e.Store.InsertDraft(ctx, item, e.Config.DraftBuffer); err != nil {
		if errors.Is(err, ErrCapacityExceeded) {
			admissionTotal.WithLabelValues(PolicySoftBuffer, string(OutcomeCapacityExceeded)).Inc()
		}
		return LedgerItem{}, err
	}
	admissionTotal.WithLabelValues(PolicySoftBuffer, string(Admitted)).Inc()

	j := newJournal(actor)
	j.add("ledger_item", string(item.ID), "item.added", fmt.Sprintf("session=%s child=%s", sessionID, childID))
	e.flush(ctx, j)
	return item, nil
}

// =============================================================================
// RESERVE ITEMS - Hard admission, partial success
// =============================================================================

// ItemOutcome reports what happened to one item of a batch.
type ItemOutcome struct {
	ItemID  ItemID
	Outcome AdmissionOutcome
	Error   string
}

// ReserveResult reports a batch reservation.
type ReserveResult struct {
	Items        []ItemOutcome
	Reserved     []ItemID
	DepositTotal decimal.Decimal
	ExpiresAt    time.Time
}

// ReserveItems reserves each listed draft enrollment independently. Items
// that lose on capacity are reported and skipped; nothing is rolled back.
// The whole call fails up front if any item is not the caller's or not a
// draft enrollment.
func (e *Engine) ReserveItems(ctx context.Context, actor Actor, userID UserID, itemIDs []ItemID, method PaymentMethod) (ReserveResult, error) {
	if err := requireActFor(actor, userID); err != nil {
		return ReserveResult{}, err
	}
	if len(itemIDs) == 0 {
		return ReserveResult{}, invalid("item_ids", "at least one item required")
	}
	if !method.Valid() {
		return ReserveResult{}, invalid("payment_method", fmt.Sprintf("unknown method %q", method))
	}

	items, err := e.loadOwnedItems(ctx, userID, itemIDs)
	if err != nil {
		return ReserveResult{}, err
	}
	for _, it := range items {
		if !it.IsEnrollment() {
			return ReserveResult{}, invalid("item_ids", fmt.Sprintf("%s is not an enrollment", it.ID))
		}
		if it.Status != StatusDraft {
			return ReserveResult{}, invalidTransition(it, "reserve")
		}
	}

	j := newJournal(actor)
	result := ReserveResult{ExpiresAt: e.now().Add(e.Config.ReservationTTL)}
	for _, it := range items {
		res, err := e.reserveOne(ctx, e.Store, it, method, j)
		if err != nil {
			// Store failure mid-batch: report what was already reserved.
			e.flush(ctx, j)
			result.DepositTotal = e.deposit(len(result.Reserved))
			return result, fmt.Errorf("reserve %s: %w", it.ID, err)
		}
		out := ItemOutcome{ItemID: it.ID, Outcome: res.Outcome}
		if res.Err != nil {
			out.Error = res.Err.Error()
		}
		result.Items = append(result.Items, out)
		if res.Outcome == Admitted {
			result.Reserved = append(result.Reserved, it.ID)
		}
	}
	result.DepositTotal = e.deposit(len(result.Reserved))
	e.flush(ctx, j)
	return result, nil
}

func (e *Engine) deposit(weeks int) decimal.Decimal {
	return e.Config.DepositPerWeek.Mul(decimal.NewFromInt(int64(weeks)))
}

// loadOwnedItems loads ids in order, rejecting duplicates and items owned by
// anyone other than userID.
func (e *Engine) loadOwnedItems(ctx context.Context, userID UserID, ids []ItemID) ([]LedgerItem, error) {
	return loadOwnedItems(ctx, e.Store, userID, ids)
}

func loadOwnedItems(ctx context.Context, st Store, userID UserID, ids []ItemID) ([]LedgerItem, error) {
	seen := make(map[ItemID]bool, len(ids))
	items := make([]LedgerItem, 0, len(ids))
	for _, id := range ids {
		if seen[id] {
			return nil, invalid("item_ids", fmt.Sprintf("duplicate item %s", id))
		}
		seen[id] = true

		it, err := st.GetItem(ctx, id)
		if err != nil {
			return nil, err
		}
		if it.UserID != userID {
			return nil, fmt.Errorf("%w: item %s belongs to another user", ErrNotAuthorized, id)
		}
		items = append(items, it)
	}
	return items, nil
}

// =============================================================================
// READS
// =============================================================================

// Availability is a session's seat picture for display.
type Availability struct {
	SeatUsage
	EnrolledCount int
	Active        bool
}

// SessionAvailability returns current seat usage. The embedded Version lets
// a client detect that its view is stale.
func (e *Engine) SessionAvailability(ctx context.Context, sessionID SessionID) (Availability, error) {
	s, err := e.Store.GetSession(ctx, sessionID)
	if err != nil {
		return Availability{}, err
	}
	u, err := e.Store.SeatUsage(ctx, sessionID)
	if err != nil {
		return Availability{}, err
	}
	return Availability{SeatUsage: u, EnrolledCount: s.EnrolledCount, Active: s.Active}, nil
}

// GetSession returns one session.
func (e *Engine) GetSession(ctx context.Context, id SessionID) (Session, error) {
	return e.Store.GetSession(ctx, id)
}

// ListSessions returns every session.
func (e *Engine) ListSessions(ctx context.Context) ([]Session, error) {
	return e.Store.ListSessions(ctx)
}

// CreateSession stores a new session. Admin only.
func (e *Engine) CreateSession(ctx context.Context, actor Actor, s Session) (Session, error) {
	if err := requireAdmin(actor); err != nil {
		return Session{}, err
	}
	if s.Name == "" {
		return Session{}, invalid("name", "required")
	}
	if s.Capacity < 0 {
		return Session{}, invalid("capacity", "must not be negative")
	}
	if s.Price.IsNegative() {
		return Session{}, invalid("price", "must not be negative")
	}
	if s.ID == "" {
		s.ID = SessionID(e.NewID())
	}
	now := e.now()
	s.EnrolledCount = 0
	s.Version = 0
	s.CreatedAt, s.UpdatedAt = now, now
	if err := e.Store.SaveSession(ctx, s); err != nil {
		return Session{}, err
	}

	j := newJournal(actor)
	j.add("session", string(s.ID), "session.created", fmt.Sprintf("capacity=%d", s.Capacity))
	e.flush(ctx, j)
	return s, nil
}

// ListItems returns a user's ledger items, optionally filtered by status.
func (e *Engine) ListItems(ctx context.Context, actor Actor, userID UserID, statuses ...ItemStatus) ([]LedgerItem, error) {
	if err := requireActFor(actor, userID); err != nil {
		return nil, err
	}
	return e.Store.ListItems(ctx, ItemFilter{UserID: userID, Statuses: statuses})
}

// SetProfile stores a family's discount flags. Admin only.
func (e *Engine) SetProfile(ctx context.Context, actor Actor, p Profile) error {
	if err := requireAdmin(actor); err != nil {
		return err
	}
	if p.UserID == "" {
		return invalid("user_id", "required")
	}
	if err := e.Store.SaveProfile(ctx, p); err != nil {
		return err
	}
	j := newJournal(actor)
	j.add("profile", string(p.UserID), "profile.updated", fmt.Sprintf("returning=%t sibling=%t", p.Returning, p.HasSibling))
	e.flush(ctx, j)
	return nil
}
