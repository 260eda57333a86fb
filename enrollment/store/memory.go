// Package store provides an in-memory enrollment.Store.
package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/warp/enrollment-engine/enrollment"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory keeps every table in maps behind one mutex. Each method takes the
// lock for its whole check-and-write, which makes admission atomic.
type Memory struct {
	mu sync.RWMutex
	st *state
}

func NewMemory() *Memory {
	return &Memory{st: newState()}
}

type state struct {
	sessions map[enrollment.SessionID]enrollment.Session
	items    map[enrollment.ItemID]enrollment.LedgerItem
	coupons  map[enrollment.CouponID]enrollment.Coupon
	receipts map[enrollment.ReceiptID]enrollment.Receipt
	profiles map[enrollment.UserID]enrollment.Profile
}

func newState() *state {
	return &state{
		sessions: make(map[enrollment.SessionID]enrollment.Session),
		items:    make(map[enrollment.ItemID]enrollment.LedgerItem),
		coupons:  make(map[enrollment.CouponID]enrollment.Coupon),
		receipts: make(map[enrollment.ReceiptID]enrollment.Receipt),
		profiles: make(map[enrollment.UserID]enrollment.Profile),
	}
}

// =============================================================================
// LOCKED WRAPPERS
// =============================================================================

func (m *Memory) SaveSession(_ context.Context, s enrollment.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.saveSession(s)
}

func (m *Memory) GetSession(_ context.Context, id enrollment.SessionID) (enrollment.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.getSession(id)
}

func (m *Memory) ListSessions(_ context.Context) ([]enrollment.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.listSessions(), nil
}

func (m *Memory) SeatUsage(_ context.Context, id enrollment.SessionID) (enrollment.SeatUsage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.seatUsage(id)
}

func (m *Memory) IncrementEnrolled(_ context.Context, id enrollment.SessionID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.incrementEnrolled(id)
}

func (m *Memory) RecountEnrolled(_ context.Context, id enrollment.SessionID) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.recountEnrolled(id)
}

func (m *Memory) InsertDraft(_ context.Context, item enrollment.LedgerItem, buffer int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.insertDraft(item, buffer)
}

func (m *Memory) AdmitItem(_ context.Context, req enrollment.AdmissionRequest) (enrollment.SeatToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.admitItem(req)
}

func (m *Memory) UpdateItem(_ context.Context, item enrollment.LedgerItem, from ...enrollment.ItemStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.updateItem(item, from)
}

func (m *Memory) DeleteItem(_ context.Context, id enrollment.ItemID, from enrollment.ItemStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.deleteItem(id, from)
}

func (m *Memory) GetItem(_ context.Context, id enrollment.ItemID) (enrollment.LedgerItem, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.getItem(id)
}

func (m *Memory) ListItems(_ context.Context, f enrollment.ItemFilter) ([]enrollment.LedgerItem, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.listItems(f), nil
}

func (m *Memory) SaveCoupon(_ context.Context, c enrollment.Coupon) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.saveCoupon(c)
}

func (m *Memory) GetCoupon(_ context.Context, id enrollment.CouponID) (enrollment.Coupon, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.getCoupon(id)
}

func (m *Memory) FindCouponByCode(_ context.Context, code string) (enrollment.Coupon, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.findCouponByCode(code)
}

func (m *Memory) ListCoupons(_ context.Context, statuses ...enrollment.CouponStatus) ([]enrollment.Coupon, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.listCoupons(statuses), nil
}

func (m *Memory) UpdateCoupon(_ context.Context, c enrollment.Coupon) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.updateCoupon(c)
}

func (m *Memory) SaveReceipt(_ context.Context, r enrollment.Receipt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.saveReceipt(r)
}

func (m *Memory) GetReceipt(_ context.Context, id enrollment.ReceiptID) (enrollment.Receipt, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.getReceipt(id)
}

func (m *Memory) ListReceipts(_ context.Context, f enrollment.ReceiptFilter) ([]enrollment.Receipt, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.listReceipts(f), nil
}

func (m *Memory) UpdateReceipt(_ context.Context, r enrollment.Receipt, from enrollment.ReceiptStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.updateReceipt(r, from)
}

func (m *Memory) SaveProfile(_ context.Context, p enrollment.Profile) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.st.profiles[p.UserID] = p
	return nil
}

func (m *Memory) GetProfile(_ context.Context, id enrollment.UserID) (enrollment.Profile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.getProfile(id), nil
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// WithTx executes fn within a transaction.
// For memory store, this is simulated with a snapshot + rollback on error.
// The lock is held for the whole of fn, so fn must only use the view it is
// given.
func (m *Memory) WithTx(ctx context.Context, fn func(enrollment.Store) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.st.clone()
	if err := fn(&txView{st: m.st}); err != nil {
		m.st = snapshot
		return err
	}
	return nil
}

func (s *state) clone() *state {
	c := newState()
	for k, v := range s.sessions {
		c.sessions[k] = v
	}
	for k, v := range s.items {
		c.items[k] = v
	}
	for k, v := range s.coupons {
		c.coupons[k] = v
	}
	for k, v := range s.receipts {
		c.receipts[k] = v
	}
	for k, v := range s.profiles {
		c.profiles[k] = v
	}
	return c
}

// txView runs against the state while the parent lock is held.
type txView struct {
	st *state
}

func (t *txView) SaveSession(_ context.Context, s enrollment.Session) error {
	return t.st.saveSession(s)
}

func (t *txView) GetSession(_ context.Context, id enrollment.SessionID) (enrollment.Session, error) {
	return t.st.getSession(id)
}

func (t *txView) ListSessions(_ context.Context) ([]enrollment.Session, error) {
	return t.st.listSessions(), nil
}

func (t *txView) SeatUsage(_ context.Context, id enrollment.SessionID) (enrollment.SeatUsage, error) {
	return t.st.seatUsage(id)
}

func (t *txView) IncrementEnrolled(_ context.Context, id enrollment.SessionID) error {
	return t.st.incrementEnrolled(id)
}

func (t *txView) RecountEnrolled(_ context.Context, id enrollment.SessionID) (int, error) {
	return t.st.recountEnrolled(id)
}

func (t *txView) InsertDraft(_ context.Context, item enrollment.LedgerItem, buffer int) error {
	return t.st.insertDraft(item, buffer)
}

func (t *txView) AdmitItem(_ context.Context, req enrollment.AdmissionRequest) (enrollment.SeatToken, error) {
	return t.st.admitItem(req)
}

func (t *txView) UpdateItem(_ context.Context, item enrollment.LedgerItem, from ...enrollment.ItemStatus) error {
	return t.st.updateItem(item, from)
}

func (t *txView) DeleteItem(_ context.Context, id enrollment.ItemID, from enrollment.ItemStatus) error {
	return t.st.deleteItem(id, from)
}

func (t *txView) GetItem(_ context.Context, id enrollment.ItemID) (enrollment.LedgerItem, error) {
	return t.st.getItem(id)
}

func (t *txView) ListItems(_ context.Context, f enrollment.ItemFilter) ([]enrollment.LedgerItem, error) {
	return t.st.listItems(f), nil
}

func (t *txView) SaveCoupon(_ context.Context, c enrollment.Coupon) error {
	return t.st.saveCoupon(c)
}

func (t *txView) GetCoupon(_ context.Context, id enrollment.CouponID) (enrollment.Coupon, error) {
	return t.st.getCoupon(id)
}

func (t *txView) FindCouponByCode(_ context.Context, code string) (enrollment.Coupon, error) {
	return t.st.findCouponByCode(code)
}

func (t *txView) ListCoupons(_ context.Context, statuses ...enrollment.CouponStatus) ([]enrollment.Coupon, error) {
	return t.st.listCoupons(statuses), nil
}

func (t *txView) UpdateCoupon(_ context.Context, c enrollment.Coupon) error {
	return t.st.updateCoupon(c)
}

func (t *txView) SaveReceipt(_ context.Context, r enrollment.Receipt) error {
	return t.st.saveReceipt(r)
}

func (t *txView) GetReceipt(_ context.Context, id enrollment.ReceiptID) (enrollment.Receipt, error) {
	return t.st.getReceipt(id)
}

func (t *txView) ListReceipts(_ context.Context, f enrollment.ReceiptFilter) ([]enrollment.Receipt, error) {
	return t.st.listReceipts(f), nil
}

func (t *txView) UpdateReceipt(_ context.Context, r enrollment.Receipt, from enrollment.ReceiptStatus) error {
	return t.st.updateReceipt(r, from)
}

func (t *txView) SaveProfile(_ context.Context, p enrollment.Profile) error {
	t.st.profiles[p.UserID] = p
	return nil
}

func (t *txView) GetProfile(_ context.Context, id enrollment.UserID) (enrollment.Profile, error) {
	return t.st.getProfile(id), nil
}

// Nested transactions join the outer one.
func (t *txView) WithTx(_ context.Context, fn func(enrollment.Store) error) error {
	return fn(t)
}

// =============================================================================
// SESSIONS
// =============================================================================

func (s *state) saveSession(sess enrollment.Session) error {
	if sess.ID == "" {
		return &enrollment.ValidationError{Field: "id", Message: "required"}
	}
	s.sessions[sess.ID] = sess
	return nil
}

func (s *state) getSession(id enrollment.SessionID) (enrollment.Session, error) {
	sess, ok := s.sessions[id]
	if !ok {
		return enrollment.Session{}, &enrollment.NotFoundError{Entity: "session", ID: string(id)}
	}
	return sess, nil
}

func (s *state) listSessions() []enrollment.Session {
	out := make([]enrollment.Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartsAt.Equal(out[j].StartsAt) {
			return out[i].StartsAt.Before(out[j].StartsAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (s *state) seatUsage(id enrollment.SessionID) (enrollment.SeatUsage, error) {
	sess, err := s.getSession(id)
	if err != nil {
		return enrollment.SeatUsage{}, err
	}
	u := enrollment.SeatUsage{SessionID: id, Capacity: sess.Capacity, Version: sess.Version}
	for _, it := range s.items {
		if it.SessionID != id || !it.IsEnrollment() {
			continue
		}
		switch {
		case it.Status == enrollment.StatusDraft:
			u.Drafts++
		case it.Status.HoldsSeat():
			u.Committed++
			if it.Status == enrollment.StatusVerified {
				u.Verified++
			}
		}
	}
	return u, nil
}

func (s *state) bumpVersion(id enrollment.SessionID) {
	if sess, ok := s.sessions[id]; ok {
		sess.Version++
		s.sessions[id] = sess
	}
}

func (s *state) incrementEnrolled(id enrollment.SessionID) error {
	sess, err := s.getSession(id)
	if err != nil {
		return err
	}
	sess.EnrolledCount++
	sess.Version++
	s.sessions[id] = sess
	return nil
}

func (s *state) recountEnrolled(id enrollment.SessionID) (int, error) {
	u, err := s.seatUsage(id)
	if err != nil {
		return 0, err
	}
	sess := s.sessions[id]
	sess.EnrolledCount = u.Verified
	sess.Version++
	s.sessions[id] = sess
	return u.Verified, nil
}

// =============================================================================
// LEDGER ITEMS
// =============================================================================

func (s *state) insertDraft(item enrollment.LedgerItem, buffer int) error {
	if _, exists := s.items[item.ID]; exists {
		return fmt.Errorf("%w: item %s already exists", enrollment.ErrInvalidState, item.ID)
	}
	if item.Status != enrollment.StatusDraft {
		return &enrollment.ValidationError{Field: "status", Message: "new items must be draft"}
	}
	if !item.IsEnrollment() {
		s.items[item.ID] = item
		return nil
	}

	for _, other := range s.items {
		if other.IsEnrollment() && other.Status != enrollment.StatusCancelled &&
			other.UserID == item.UserID && other.SessionID == item.SessionID && other.ChildID == item.ChildID {
			return &enrollment.DuplicateEnrollmentError{UserID: item.UserID, SessionID: item.SessionID, ChildID: item.ChildID}
		}
	}

	u, err := s.seatUsage(item.SessionID)
	if err != nil {
		return err
	}
	if u.Committed+u.Drafts >= u.Capacity+buffer {
		return &enrollment.CapacityError{SessionID: item.SessionID, Capacity: u.Capacity, Policy: enrollment.PolicySoftBuffer}
	}
	s.items[item.ID] = item
	s.bumpVersion(item.SessionID)
	return nil
}

func (s *state) admitItem(req enrollment.AdmissionRequest) (enrollment.SeatToken, error) {
	it, err := s.getItem(req.ItemID)
	if err != nil {
		return enrollment.SeatToken{}, err
	}
	if !it.IsEnrollment() || it.SessionID != req.SessionID {
		return enrollment.SeatToken{}, &enrollment.ValidationError{Field: "item_id", Message: "not an enrollment for this session"}
	}
	if !req.To.HoldsSeat() || req.To == enrollment.StatusVerified {
		return enrollment.SeatToken{}, &enrollment.ValidationError{Field: "to", Message: "admission targets reserved or secured"}
	}
	if it.Status != enrollment.StatusDraft {
		return enrollment.SeatToken{}, fmt.Errorf("%w: item %s is %s", enrollment.ErrConcurrentModification, it.ID, it.Status)
	}

	u, err := s.seatUsage(req.SessionID)
	if err != nil {
		return enrollment.SeatToken{}, err
	}
	if u.Committed >= u.Capacity {
		return enrollment.SeatToken{}, &enrollment.CapacityError{SessionID: req.SessionID, Capacity: u.Capacity, Policy: enrollment.PolicyHardLimit}
	}

	it.Status = req.To
	it.PaymentMethod = req.PaymentMethod
	it.ReservedAt = req.ReservedAt
	it.ReservationExpiresAt = req.ReservationExpiresAt
	it.ReceiptID = req.ReceiptID
	it.UpdatedAt = req.At
	s.items[it.ID] = it
	s.bumpVersion(req.SessionID)

	return enrollment.SeatToken{
		SessionID:      req.SessionID,
		ItemID:         it.ID,
		Status:         it.Status,
		SessionVersion: s.sessions[req.SessionID].Version,
		AdmittedAt:     req.At,
	}, nil
}

func (s *state) updateItem(item enrollment.LedgerItem, from []enrollment.ItemStatus) error {
	cur, err := s.getItem(item.ID)
	if err != nil {
		return err
	}
	if !statusIn(cur.Status, from) {
		return fmt.Errorf("%w: item %s is %s", enrollment.ErrConcurrentModification, cur.ID, cur.Status)
	}
	if err := enrollment.ValidateItemWrite(cur, item); err != nil {
		return err
	}
	s.items[item.ID] = item
	if item.IsEnrollment() && cur.Status != item.Status {
		s.bumpVersion(item.SessionID)
	}
	return nil
}

func statusIn(s enrollment.ItemStatus, set []enrollment.ItemStatus) bool {
	for _, x := range set {
		if s == x {
			return true
		}
	}
	return false
}

func (s *state) deleteItem(id enrollment.ItemID, from enrollment.ItemStatus) error {
	cur, err := s.getItem(id)
	if err != nil {
		return err
	}
	if cur.Status != from {
		return fmt.Errorf("%w: item %s is %s", enrollment.ErrConcurrentModification, id, cur.Status)
	}
	delete(s.items, id)
	if cur.IsEnrollment() {
		s.bumpVersion(cur.SessionID)
	}
	return nil
}

func (s *state) getItem(id enrollment.ItemID) (enrollment.LedgerItem, error) {
	it, ok := s.items[id]
	if !ok {
		return enrollment.LedgerItem{}, &enrollment.NotFoundError{Entity: "ledger item", ID: string(id)}
	}
	return it, nil
}

func (s *state) listItems(f enrollment.ItemFilter) []enrollment.LedgerItem {
	var out []enrollment.LedgerItem
	for _, it := range s.items {
		if f.Matches(it) {
			out = append(out, it)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// =============================================================================
// COUPONS
// =============================================================================

func (s *state) saveCoupon(c enrollment.Coupon) error {
	for _, other := range s.coupons {
		if other.ID != c.ID && strings.EqualFold(other.Code, c.Code) {
			return &enrollment.ValidationError{Field: "code", Message: "already exists"}
		}
	}
	s.coupons[c.ID] = c
	return nil
}

func (s *state) getCoupon(id enrollment.CouponID) (enrollment.Coupon, error) {
	c, ok := s.coupons[id]
	if !ok {
		return enrollment.Coupon{}, &enrollment.NotFoundError{Entity: "coupon", ID: string(id)}
	}
	return c, nil
}

func (s *state) findCouponByCode(code string) (enrollment.Coupon, error) {
	for _, c := range s.coupons {
		if strings.EqualFold(c.Code, code) {
			return c, nil
		}
	}
	return enrollment.Coupon{}, &enrollment.NotFoundError{Entity: "coupon", ID: code}
}

func (s *state) listCoupons(statuses []enrollment.CouponStatus) []enrollment.Coupon {
	var out []enrollment.Coupon
	for _, c := range s.coupons {
		if len(statuses) > 0 && !couponStatusIn(c.Status, statuses) {
			continue
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out
}

func couponStatusIn(s enrollment.CouponStatus, set []enrollment.CouponStatus) bool {
	for _, x := range set {
		if s == x {
			return true
		}
	}
	return false
}

func (s *state) updateCoupon(c enrollment.Coupon) error {
	cur, err := s.getCoupon(c.ID)
	if err != nil {
		return err
	}
	if cur.Version != c.Version {
		return fmt.Errorf("%w: coupon %s version %d, expected %d", enrollment.ErrConcurrentModification, c.ID, cur.Version, c.Version)
	}
	if c.MaxUses != nil && c.CurrentUses > *c.MaxUses {
		return &enrollment.ValidationError{Field: "current_uses", Message: "exceeds max_uses"}
	}
	c.Version++
	s.coupons[c.ID] = c
	return nil
}

// =============================================================================
// RECEIPTS & PROFILES
// =============================================================================

func (s *state) saveReceipt(r enrollment.Receipt) error {
	r.LinkedItems = append([]enrollment.ItemID(nil), r.LinkedItems...)
	s.receipts[r.ID] = r
	return nil
}

func (s *state) getReceipt(id enrollment.ReceiptID) (enrollment.Receipt, error) {
	r, ok := s.receipts[id]
	if !ok {
		return enrollment.Receipt{}, &enrollment.NotFoundError{Entity: "receipt", ID: string(id)}
	}
	r.LinkedItems = append([]enrollment.ItemID(nil), r.LinkedItems...)
	return r, nil
}

func (s *state) listReceipts(f enrollment.ReceiptFilter) []enrollment.Receipt {
	var out []enrollment.Receipt
	for _, r := range s.receipts {
		if f.Matches(r) {
			r.LinkedItems = append([]enrollment.ItemID(nil), r.LinkedItems...)
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (s *state) updateReceipt(r enrollment.Receipt, from enrollment.ReceiptStatus) error {
	cur, err := s.getReceipt(r.ID)
	if err != nil {
		return err
	}
	if cur.Status != from {
		return fmt.Errorf("%w: receipt %s is %s", enrollment.ErrConcurrentModification, r.ID, cur.Status)
	}
	return s.saveReceipt(r)
}

func (s *state) getProfile(id enrollment.UserID) enrollment.Profile {
	p, ok := s.profiles[id]
	if !ok {
		return enrollment.Profile{UserID: id}
	}
	return p
}

// =============================================================================
// TEST HOOKS
// =============================================================================

// SetEnrolledCount overwrites the cached enrolled counter without touching
// the item rows. Tests use it to simulate drift.
func (m *Memory) SetEnrolledCount(_ context.Context, id enrollment.SessionID, n int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.st.sessions[id]
	if !ok {
		return &enrollment.NotFoundError{Entity: "session", ID: string(id)}
	}
	sess.EnrolledCount = n
	m.st.sessions[id] = sess
	return nil
}

var (
	_ enrollment.Store = (*Memory)(nil)
	_ enrollment.Store = (*txView)(nil)
)
