/*
Package sqlite provides a SQLite-backed implementation of enrollment.Store.

PURPOSE:
  Durable storage for sessions, ledger items, coupons, receipts and
  profiles, plus the activity log written by the audit dispatcher.

ATOMIC ADMISSION:
  Seat admission is ONE conditional statement. The committed count is
  derived from the item rows inside the statement itself, so there is no
  window between reading the count and writing the item:

    UPDATE ledger_items SET status = 'reserved', ...
    WHERE id = ? AND status = 'draft'
      AND (SELECT COUNT(*) FROM ledger_items
           WHERE session_id = ? AND status IN ('reserved','secured','verified'))
          < (SELECT capacity FROM sessions WHERE id = ?)

  Soft admission is the same idea as INSERT ... SELECT ... WHERE, backed by
  a partial unique index on (user_id, session_id, child_id).

CONCURRENCY:
  Transactions are opened with BEGIN IMMEDIATE (_txlock=immediate), so a
  transaction takes the write lock before its first read. The pool is held
  to one connection, which also keeps ":memory:" databases shared.

KEY TABLES:
  sessions:      capacity, cached enrolled_count, version
  ledger_items:  enrollments and credit memos
  coupons:       code is unique case-insensitively, version for CAS
  receipts:      linked items stored as a JSON array
  profiles:      returning / sibling flags
  audit_events:  activity log (see audit.go)

TIME AND MONEY:
  Times are stored as fixed-width UTC text so string comparison orders them.
  Money is stored as decimal text, never REAL.

MIGRATION:
  Schema is auto-migrated on New(). For production, use a proper
  migration tool (golang-migrate, goose) with versioned migrations.

SEE ALSO:
  - enrollment/store.go: Interface definitions
  - enrollment/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/warp/enrollment-engine/enrollment"
)

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// conn implements every store method against a querier.
type conn struct {
	q querier
}

// Store implements enrollment.Store using SQLite.
type Store struct {
	conn
	db *sql.DB
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_txlock=immediate&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	store := &Store{conn: conn{q: db}, db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		price TEXT NOT NULL,
		capacity INTEGER NOT NULL CHECK (capacity >= 0),
		enrolled_count INTEGER NOT NULL DEFAULT 0,
		version INTEGER NOT NULL DEFAULT 0,
		active INTEGER NOT NULL DEFAULT 1,
		starts_at TEXT NOT NULL,
		early_bird_deadline TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS ledger_items (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		child_id TEXT NOT NULL DEFAULT '',
		session_id TEXT NOT NULL DEFAULT '',
		kind TEXT NOT NULL,
		status TEXT NOT NULL,
		amount TEXT NOT NULL,
		coupon_id TEXT NOT NULL DEFAULT '',
		receipt_id TEXT NOT NULL DEFAULT '',
		payment_method TEXT NOT NULL DEFAULT '',
		reserved_at TEXT,
		reservation_expires_at TEXT,
		tiered_discount TEXT,
		early_bird_credit TEXT,
		returning_credit TEXT,
		sibling_credit TEXT,
		verified_at TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_items_user
		ON ledger_items(user_id, status);
	CREATE INDEX IF NOT EXISTS idx_items_session
		ON ledger_items(session_id, status);
	CREATE INDEX IF NOT EXISTS idx_items_expiry
		ON ledger_items(status, reservation_expires_at);
	CREATE INDEX IF NOT EXISTS idx_items_receipt
		ON ledger_items(receipt_id);

	-- CRITICAL: one live enrollment per (user, session, child)
	CREATE UNIQUE INDEX IF NOT EXISTS idx_unique_live_enrollment
		ON ledger_items(user_id, session_id, child_id)
		WHERE kind = 'enrollment' AND status <> 'cancelled';

	CREATE TABLE IF NOT EXISTS coupons (
		id TEXT PRIMARY KEY,
		code TEXT NOT NULL COLLATE NOCASE UNIQUE,
		discount_value TEXT NOT NULL,
		discount_type TEXT NOT NULL,
		status TEXT NOT NULL,
		max_uses INTEGER,
		current_uses INTEGER NOT NULL DEFAULT 0,
		linked_user_id TEXT NOT NULL DEFAULT '',
		linked_ledger_item_id TEXT NOT NULL DEFAULT '',
		expires_at TEXT,
		version INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		CHECK (max_uses IS NULL OR current_uses <= max_uses)
	);

	CREATE INDEX IF NOT EXISTS idx_coupons_status ON coupons(status);

	CREATE TABLE IF NOT EXISTS receipts (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		status TEXT NOT NULL,
		method TEXT NOT NULL,
		amount TEXT NOT NULL,
		linked_items TEXT NOT NULL DEFAULT '[]',
		related_receipt_id TEXT NOT NULL DEFAULT '',
		image_ref TEXT NOT NULL DEFAULT '',
		denial_reason TEXT NOT NULL DEFAULT '',
		reviewed_by TEXT NOT NULL DEFAULT '',
		reviewed_at TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_receipts_user ON receipts(user_id, status);
	CREATE INDEX IF NOT EXISTS idx_receipts_status ON receipts(status);
	CREATE INDEX IF NOT EXISTS idx_receipts_related ON receipts(related_receipt_id);

	CREATE TABLE IF NOT EXISTS profiles (
		user_id TEXT PRIMARY KEY,
		is_returning INTEGER NOT NULL DEFAULT 0,
		has_sibling INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS audit_events (
		id TEXT PRIMARY KEY,
		actor TEXT NOT NULL,
		role TEXT NOT NULL,
		target_type TEXT NOT NULL,
		target_id TEXT NOT NULL,
		action TEXT NOT NULL,
		detail TEXT NOT NULL DEFAULT '',
		ts TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_audit_target ON audit_events(target_type, target_id, ts);
	CREATE INDEX IF NOT EXISTS idx_audit_ts ON audit_events(ts);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// WithTx executes a function within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(store enrollment.Store) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{conn: conn{q: sqlTx}}); err != nil {
		return err
	}

	return sqlTx.Commit()
}

// txStore runs every method on the open transaction.
type txStore struct {
	conn
}

// Nested transactions join the outer one.
func (ts *txStore) WithTx(_ context.Context, fn func(enrollment.Store) error) error {
	return fn(ts)
}

// Multi-statement writes on the plain Store run in their own transaction.

func (s *Store) InsertDraft(ctx context.Context, item enrollment.LedgerItem, buffer int) error {
	return s.WithTx(ctx, func(st enrollment.Store) error { return st.InsertDraft(ctx, item, buffer) })
}

func (s *Store) AdmitItem(ctx context.Context, req enrollment.AdmissionRequest) (enrollment.SeatToken, error) {
	var token enrollment.SeatToken
	err := s.WithTx(ctx, func(st enrollment.Store) error {
		var err error
		token, err = st.AdmitItem(ctx, req)
		return err
	})
	return token, err
}

func (s *Store) UpdateItem(ctx context.Context, item enrollment.LedgerItem, from ...enrollment.ItemStatus) error {
	return s.WithTx(ctx, func(st enrollment.Store) error { return st.UpdateItem(ctx, item, from...) })
}

func (s *Store) DeleteItem(ctx context.Context, id enrollment.ItemID, from enrollment.ItemStatus) error {
	return s.WithTx(ctx, func(st enrollment.Store) error { return st.DeleteItem(ctx, id, from) })
}

func (s *Store) RecountEnrolled(ctx context.Context, id enrollment.SessionID) (int, error) {
	var n int
	err := s.WithTx(ctx, func(st enrollment.Store) error {
		var err error
		n, err = st.RecountEnrolled(ctx, id)
		return err
	})
	return n, err
}

func (s *Store) UpdateCoupon(ctx context.Context, c enrollment.Coupon) error {
	return s.WithTx(ctx, func(st enrollment.Store) error { return st.UpdateCoupon(ctx, c) })
}

func (s *Store) UpdateReceipt(ctx context.Context, r enrollment.Receipt, from enrollment.ReceiptStatus) error {
	return s.WithTx(ctx, func(st enrollment.Store) error { return st.UpdateReceipt(ctx, r, from) })
}

// =============================================================================
// SESSIONS
// =============================================================================

const sessionColumns = `id, name, price, capacity, enrolled_count, version, active,
	starts_at, early_bird_deadline, created_at, updated_at`

// SaveSession inserts or replaces a session's descriptive fields. The
// counters of an existing session are left alone.
func (c *conn) SaveSession(ctx context.Context, s enrollment.Session) error {
	if s.ID == "" {
		return &enrollment.ValidationError{Field: "id", Message: "required"}
	}
	query := `
		INSERT INTO sessions (` + sessionColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			price = excluded.price,
			capacity = excluded.capacity,
			active = excluded.active,
			starts_at = excluded.starts_at,
			early_bird_deadline = excluded.early_bird_deadline,
			version = sessions.version + 1,
			updated_at = excluded.updated_at
	`
	_, err := c.q.ExecContext(ctx, query,
		s.ID, s.Name, s.Price.String(), s.Capacity, s.EnrolledCount, s.Version, s.Active,
		formatTime(s.StartsAt), nullTime(s.EarlyBirdDeadline),
		formatTime(s.CreatedAt), formatTime(s.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	return nil
}

func (c *conn) GetSession(ctx context.Context, id enrollment.SessionID) (enrollment.Session, error) {
	row := c.q.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
	s, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return enrollment.Session{}, &enrollment.NotFoundError{Entity: "session", ID: string(id)}
	}
	return s, err
}

func (c *conn) ListSessions(ctx context.Context) ([]enrollment.Session, error) {
	rows, err := c.q.QueryContext(ctx, `SELECT `+sessionColumns+` FROM sessions ORDER BY starts_at, id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer rows.Close()

	var sessions []enrollment.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

func scanSession(sc scanner) (enrollment.Session, error) {
	var (
		s                             enrollment.Session
		price                         string
		startsAt, createdAt, updateAt string
		earlyBird                     sql.NullString
	)
	err := sc.Scan(&s.ID, &s.Name, &price, &s.Capacity, &s.EnrolledCount, &s.Version, &s.Active,
		&startsAt, &earlyBird, &createdAt, &updateAt)
	if err != nil {
		return s, err
	}
	if s.Price, err = parseDecimal("sessions.price", price); err != nil {
		return s, err
	}
	s.StartsAt = parseTime(startsAt)
	s.EarlyBirdDeadline = parseNullTime(earlyBird)
	s.CreatedAt = parseTime(createdAt)
	s.UpdatedAt = parseTime(updateAt)
	return s, nil
}

func (c *conn) SeatUsage(ctx context.Context, id enrollment.SessionID) (enrollment.SeatUsage, error) {
	query := `
		SELECT s.capacity, s.version,
			COALESCE(SUM(CASE WHEN li.status IN ('reserved', 'secured', 'verified') THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN li.status = 'draft' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN li.status = 'verified' THEN 1 ELSE 0 END), 0)
		FROM sessions s
		LEFT JOIN ledger_items li ON li.session_id = s.id AND li.kind = 'enrollment'
		WHERE s.id = ?
		GROUP BY s.id
	`
	u := enrollment.SeatUsage{SessionID: id}
	err := c.q.QueryRowContext(ctx, query, id).Scan(&u.Capacity, &u.Version, &u.Committed, &u.Drafts, &u.Verified)
	if errors.Is(err, sql.ErrNoRows) {
		return u, &enrollment.NotFoundError{Entity: "session", ID: string(id)}
	}
	if err != nil {
		return u, fmt.Errorf("failed to count seats: %w", err)
	}
	return u, nil
}

func (c *conn) IncrementEnrolled(ctx context.Context, id enrollment.SessionID) error {
	res, err := c.q.ExecContext(ctx,
		`UPDATE sessions SET enrolled_count = enrolled_count + 1, version = version + 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to increment enrolled count: %w", err)
	}
	return requireRow(res, "session", string(id))
}

func (c *conn) RecountEnrolled(ctx context.Context, id enrollment.SessionID) (int, error) {
	query := `
		UPDATE sessions SET
			enrolled_count = (
				SELECT COUNT(*) FROM ledger_items
				WHERE session_id = sessions.id AND kind = 'enrollment' AND status = 'verified'
			),
			version = version + 1
		WHERE id = ?
	`
	res, err := c.q.ExecContext(ctx, query, id)
	if err != nil {
		return 0, fmt.Errorf("failed to recount enrolled: %w", err)
	}
	if err := requireRow(res, "session", string(id)); err != nil {
		return 0, err
	}
	var n int
	err = c.q.QueryRowContext(ctx, `SELECT enrolled_count FROM sessions WHERE id = ?`, id).Scan(&n)
	return n, err
}

func (c *conn) bumpVersion(ctx context.Context, id enrollment.SessionID) (int64, error) {
	if _, err := c.q.ExecContext(ctx, `UPDATE sessions SET version = version + 1 WHERE id = ?`, id); err != nil {
		return 0, fmt.Errorf("failed to bump session version: %w", err)
	}
	var v int64
	err := c.q.QueryRowContext(ctx, `SELECT version FROM sessions WHERE id = ?`, id).Scan(&v)
	return v, err
}

// =============================================================================
// LEDGER ITEMS
// =============================================================================

const itemColumns = `id, user_id, child_id, session_id, kind, status, amount, coupon_id,
	receipt_id, payment_method, reserved_at, reservation_expires_at,
	tiered_discount, early_bird_credit, returning_credit, sibling_credit, verified_at,
	created_at, updated_at`

func itemArgs(it enrollment.LedgerItem) []any {
	var tiered, early, returning, sibling, verifiedAt any
	if it.Snapshot != nil {
		tiered = it.Snapshot.TieredDiscount.String()
		early = it.Snapshot.EarlyBirdCredit.String()
		returning = it.Snapshot.ReturningCredit.String()
		sibling = it.Snapshot.SiblingCredit.String()
		verifiedAt = formatTime(it.Snapshot.VerifiedAt)
	}
	return []any{
		it.ID, it.UserID, it.ChildID, it.SessionID, it.Kind, it.Status, it.Amount.String(), it.CouponID,
		it.ReceiptID, it.PaymentMethod, nullTime(it.ReservedAt), nullTime(it.ReservationExpiresAt),
		tiered, early, returning, sibling, verifiedAt,
		formatTime(it.CreatedAt), formatTime(it.UpdatedAt),
	}
}

// InsertDraft inserts a draft item. Enrollments go through the soft
// admission check in the same statement.
func (c *conn) InsertDraft(ctx context.Context, item enrollment.LedgerItem, buffer int) error {
	if item.Status != enrollment.StatusDraft {
		return &enrollment.ValidationError{Field: "status", Message: "new items must be draft"}
	}
	args := itemArgs(item)

	if !item.IsEnrollment() {
		_, err := c.q.ExecContext(ctx,
			`INSERT INTO ledger_items (`+itemColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			args...)
		if err != nil {
			return fmt.Errorf("failed to insert credit memo: %w", err)
		}
		return nil
	}

	query := `
		INSERT INTO ledger_items (` + itemColumns + `)
		SELECT ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?
		FROM sessions s
		WHERE s.id = ?
		  AND (SELECT COUNT(*) FROM ledger_items li
		       WHERE li.session_id = s.id AND li.kind = 'enrollment'
		         AND li.status IN ('draft', 'reserved', 'secured', 'verified'))
		      < s.capacity + ?
	`
	args = append(args, item.SessionID, buffer)
	res, err := c.q.ExecContext(ctx, query, args...)
	if err != nil {
		if isUniqueConstraintError(err) {
			return &enrollment.DuplicateEnrollmentError{UserID: item.UserID, SessionID: item.SessionID, ChildID: item.ChildID}
		}
		return fmt.Errorf("failed to insert enrollment: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		_, err := c.bumpVersion(ctx, item.SessionID)
		return err
	}

	// Nothing inserted: missing session, duplicate, or full.
	sess, err := c.GetSession(ctx, item.SessionID)
	if err != nil {
		return err
	}
	var dup int
	err = c.q.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM ledger_items
		WHERE user_id = ? AND session_id = ? AND child_id = ?
		  AND kind = 'enrollment' AND status <> 'cancelled'
	`, item.UserID, item.SessionID, item.ChildID).Scan(&dup)
	if err != nil {
		return err
	}
	if dup > 0 {
		return &enrollment.DuplicateEnrollmentError{UserID: item.UserID, SessionID: item.SessionID, ChildID: item.ChildID}
	}
	return &enrollment.CapacityError{SessionID: item.SessionID, Capacity: sess.Capacity, Policy: enrollment.PolicySoftBuffer}
}

// AdmitItem is the hard admission statement.
func (c *conn) AdmitItem(ctx context.Context, req enrollment.AdmissionRequest) (enrollment.SeatToken, error) {
	if !req.To.HoldsSeat() || req.To == enrollment.StatusVerified {
		return enrollment.SeatToken{}, &enrollment.ValidationError{Field: "to", Message: "admission targets reserved or secured"}
	}
	query := `
		UPDATE ledger_items SET
			status = ?, payment_method = ?, reserved_at = ?, reservation_expires_at = ?,
			receipt_id = ?, updated_at = ?
		WHERE id = ? AND session_id = ? AND kind = 'enrollment' AND status = 'draft'
		  AND (SELECT COUNT(*) FROM ledger_items c
		       WHERE c.session_id = ? AND c.kind = 'enrollment'
		         AND c.status IN ('reserved', 'secured', 'verified'))
		      < (SELECT capacity FROM sessions WHERE id = ?)
	`
	res, err := c.q.ExecContext(ctx, query,
		req.To, req.PaymentMethod, nullTime(req.ReservedAt), nullTime(req.ReservationExpiresAt),
		req.ReceiptID, formatTime(req.At),
		req.ItemID, req.SessionID, req.SessionID, req.SessionID,
	)
	if err != nil {
		return enrollment.SeatToken{}, fmt.Errorf("failed to admit item: %w", err)
	}

	if n, _ := res.RowsAffected(); n == 0 {
		it, err := c.GetItem(ctx, req.ItemID)
		if err != nil {
			return enrollment.SeatToken{}, err
		}
		if !it.IsEnrollment() || it.SessionID != req.SessionID {
			return enrollment.SeatToken{}, &enrollment.ValidationError{Field: "item_id", Message: "not an enrollment for this session"}
		}
		if it.Status != enrollment.StatusDraft {
			return enrollment.SeatToken{}, fmt.Errorf("%w: item %s is %s", enrollment.ErrConcurrentModification, it.ID, it.Status)
		}
		sess, err := c.GetSession(ctx, req.SessionID)
		if err != nil {
			return enrollment.SeatToken{}, err
		}
		return enrollment.SeatToken{}, &enrollment.CapacityError{SessionID: req.SessionID, Capacity: sess.Capacity, Policy: enrollment.PolicyHardLimit}
	}

	version, err := c.bumpVersion(ctx, req.SessionID)
	if err != nil {
		return enrollment.SeatToken{}, err
	}
	return enrollment.SeatToken{
		SessionID:      req.SessionID,
		ItemID:         req.ItemID,
		Status:         req.To,
		SessionVersion: version,
		AdmittedAt:     req.At,
	}, nil
}

// UpdateItem overwrites an item if its status is still one of from.
func (c *conn) UpdateItem(ctx context.Context, item enrollment.LedgerItem, from ...enrollment.ItemStatus) error {
	cur, err := c.GetItem(ctx, item.ID)
	if err != nil {
		return err
	}
	if !statusIn(cur.Status, from) {
		return fmt.Errorf("%w: item %s is %s", enrollment.ErrConcurrentModification, cur.ID, cur.Status)
	}
	if err := enrollment.ValidateItemWrite(cur, item); err != nil {
		return err
	}

	query := `
		UPDATE ledger_items SET
			id = ?, user_id = ?, child_id = ?, session_id = ?, kind = ?, status = ?, amount = ?,
			coupon_id = ?, receipt_id = ?, payment_method = ?, reserved_at = ?,
			reservation_expires_at = ?, tiered_discount = ?, early_bird_credit = ?,
			returning_credit = ?, sibling_credit = ?, verified_at = ?, created_at = ?, updated_at = ?
		WHERE id = ? AND status = ?
	`
	args := append(itemArgs(item), item.ID, cur.Status)
	res, err := c.q.ExecContext(ctx, query, args...)
	if err != nil {
		if isUniqueConstraintError(err) {
			return &enrollment.DuplicateEnrollmentError{UserID: item.UserID, SessionID: item.SessionID, ChildID: item.ChildID}
		}
		return fmt.Errorf("failed to update item: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: item %s changed", enrollment.ErrConcurrentModification, item.ID)
	}
	if item.IsEnrollment() && cur.Status != item.Status {
		_, err := c.bumpVersion(ctx, item.SessionID)
		return err
	}
	return nil
}

func (c *conn) DeleteItem(ctx context.Context, id enrollment.ItemID, from enrollment.ItemStatus) error {
	cur, err := c.GetItem(ctx, id)
	if err != nil {
		return err
	}
	res, err := c.q.ExecContext(ctx, `DELETE FROM ledger_items WHERE id = ? AND status = ?`, id, from)
	if err != nil {
		return fmt.Errorf("failed to delete item: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: item %s is %s", enrollment.ErrConcurrentModification, id, cur.Status)
	}
	if cur.IsEnrollment() {
		_, err := c.bumpVersion(ctx, cur.SessionID)
		return err
	}
	return nil
}

func (c *conn) GetItem(ctx context.Context, id enrollment.ItemID) (enrollment.LedgerItem, error) {
	row := c.q.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM ledger_items WHERE id = ?`, id)
	it, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return enrollment.LedgerItem{}, &enrollment.NotFoundError{Entity: "ledger item", ID: string(id)}
	}
	return it, err
}

func (c *conn) ListItems(ctx context.Context, f enrollment.ItemFilter) ([]enrollment.LedgerItem, error) {
	var where []string
	var args []any
	if f.UserID != "" {
		where = append(where, "user_id = ?")
		args = append(args, f.UserID)
	}
	if f.SessionID != "" {
		where = append(where, "session_id = ?")
		args = append(args, f.SessionID)
	}
	if f.ReceiptID != "" {
		where = append(where, "receipt_id = ?")
		args = append(args, f.ReceiptID)
	}
	if f.Kind != "" {
		where = append(where, "kind = ?")
		args = append(args, f.Kind)
	}
	if len(f.Statuses) > 0 {
		where = append(where, "status IN ("+placeholders(len(f.Statuses))+")")
		for _, s := range f.Statuses {
			args = append(args, s)
		}
	}
	if f.ExpiringBefore != nil {
		where = append(where, "reservation_expires_at IS NOT NULL AND reservation_expires_at < ?")
		args = append(args, formatTime(*f.ExpiringBefore))
	}

	query := `SELECT ` + itemColumns + ` FROM ledger_items`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at, id"

	rows, err := c.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query items: %w", err)
	}
	defer rows.Close()

	var items []enrollment.LedgerItem
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

func scanItem(sc scanner) (enrollment.LedgerItem, error) {
	var (
		it                                enrollment.LedgerItem
		amount, createdAt, updatedAt      string
		reservedAt, expiresAt, verifiedAt sql.NullString
		tiered, early, returning, sibling sql.NullString
	)
	err := sc.Scan(
		&it.ID, &it.UserID, &it.ChildID, &it.SessionID, &it.Kind, &it.Status, &amount, &it.CouponID,
		&it.ReceiptID, &it.PaymentMethod, &reservedAt, &expiresAt,
		&tiered, &early, &returning, &sibling, &verifiedAt,
		&createdAt, &updatedAt,
	)
	if err != nil {
		return it, err
	}
	if it.Amount, err = parseDecimal("ledger_items.amount", amount); err != nil {
		return it, err
	}
	it.ReservedAt = parseNullTime(reservedAt)
	it.ReservationExpiresAt = parseNullTime(expiresAt)
	it.CreatedAt = parseTime(createdAt)
	it.UpdatedAt = parseTime(updatedAt)
	if verifiedAt.Valid {
		snap := &enrollment.DiscountSnapshot{VerifiedAt: parseTime(verifiedAt.String)}
		for _, f := range []struct {
			col string
			src sql.NullString
			dst *decimal.Decimal
		}{
			{"tiered_discount", tiered, &snap.TieredDiscount},
			{"early_bird_credit", early, &snap.EarlyBirdCredit},
			{"returning_credit", returning, &snap.ReturningCredit},
			{"sibling_credit", sibling, &snap.SiblingCredit},
		} {
			if *f.dst, err = parseDecimal("ledger_items."+f.col, f.src.String); err != nil {
				return it, err
			}
		}
		it.Snapshot = snap
	}
	return it, nil
}

// =============================================================================
// COUPONS
// =============================================================================

const couponColumns = `id, code, discount_value, discount_type, status, max_uses, current_uses,
	linked_user_id, linked_ledger_item_id, expires_at, version, created_at, updated_at`

func (c *conn) SaveCoupon(ctx context.Context, cp enrollment.Coupon) error {
	query := `
		INSERT INTO coupons (` + couponColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := c.q.ExecContext(ctx, query,
		cp.ID, cp.Code, cp.DiscountValue.String(), cp.DiscountType, cp.Status, nullInt(cp.MaxUses), cp.CurrentUses,
		cp.LinkedUserID, cp.LinkedLedgerItemID, nullTime(cp.ExpiresAt), cp.Version,
		formatTime(cp.CreatedAt), formatTime(cp.UpdatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return &enrollment.ValidationError{Field: "code", Message: "already exists"}
		}
		return fmt.Errorf("failed to save coupon: %w", err)
	}
	return nil
}

func (c *conn) GetCoupon(ctx context.Context, id enrollment.CouponID) (enrollment.Coupon, error) {
	row := c.q.QueryRowContext(ctx, `SELECT `+couponColumns+` FROM coupons WHERE id = ?`, id)
	cp, err := scanCoupon(row)
	if errors.Is(err, sql.ErrNoRows) {
		return enrollment.Coupon{}, &enrollment.NotFoundError{Entity: "coupon", ID: string(id)}
	}
	return cp, err
}

// FindCouponByCode relies on the NOCASE collation of the code column.
func (c *conn) FindCouponByCode(ctx context.Context, code string) (enrollment.Coupon, error) {
	row := c.q.QueryRowContext(ctx, `SELECT `+couponColumns+` FROM coupons WHERE code = ?`, code)
	cp, err := scanCoupon(row)
	if errors.Is(err, sql.ErrNoRows) {
		return enrollment.Coupon{}, &enrollment.NotFoundError{Entity: "coupon", ID: code}
	}
	return cp, err
}

func (c *conn) ListCoupons(ctx context.Context, statuses ...enrollment.CouponStatus) ([]enrollment.Coupon, error) {
	query := `SELECT ` + couponColumns + ` FROM coupons`
	var args []any
	if len(statuses) > 0 {
		query += " WHERE status IN (" + placeholders(len(statuses)) + ")"
		for _, s := range statuses {
			args = append(args, s)
		}
	}
	query += " ORDER BY code"

	rows, err := c.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query coupons: %w", err)
	}
	defer rows.Close()

	var coupons []enrollment.Coupon
	for rows.Next() {
		cp, err := scanCoupon(rows)
		if err != nil {
			return nil, err
		}
		coupons = append(coupons, cp)
	}
	return coupons, rows.Err()
}

// UpdateCoupon is a version compare-and-swap.
func (c *conn) UpdateCoupon(ctx context.Context, cp enrollment.Coupon) error {
	query := `
		UPDATE coupons SET
			code = ?, discount_value = ?, discount_type = ?, status = ?, max_uses = ?,
			current_uses = ?, linked_user_id = ?, linked_ledger_item_id = ?, expires_at = ?,
			version = version + 1, updated_at = ?
		WHERE id = ? AND version = ?
	`
	res, err := c.q.ExecContext(ctx, query,
		cp.Code, cp.DiscountValue.String(), cp.DiscountType, cp.Status, nullInt(cp.MaxUses),
		cp.CurrentUses, cp.LinkedUserID, cp.LinkedLedgerItemID, nullTime(cp.ExpiresAt),
		formatTime(cp.UpdatedAt), cp.ID, cp.Version,
	)
	if err != nil {
		if isCheckConstraintError(err) {
			return &enrollment.ValidationError{Field: "current_uses", Message: "exceeds max_uses"}
		}
		return fmt.Errorf("failed to update coupon: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := c.GetCoupon(ctx, cp.ID); err != nil {
			return err
		}
		return fmt.Errorf("%w: coupon %s version %d is stale", enrollment.ErrConcurrentModification, cp.ID, cp.Version)
	}
	return nil
}

func scanCoupon(sc scanner) (enrollment.Coupon, error) {
	var (
		cp                   enrollment.Coupon
		value                string
		maxUses              sql.NullInt64
		expiresAt            sql.NullString
		createdAt, updatedAt string
	)
	err := sc.Scan(&cp.ID, &cp.Code, &value, &cp.DiscountType, &cp.Status, &maxUses, &cp.CurrentUses,
		&cp.LinkedUserID, &cp.LinkedLedgerItemID, &expiresAt, &cp.Version, &createdAt, &updatedAt)
	if err != nil {
		return cp, err
	}
	if cp.DiscountValue, err = parseDecimal("coupons.discount_value", value); err != nil {
		return cp, err
	}
	if maxUses.Valid {
		n := int(maxUses.Int64)
		cp.MaxUses = &n
	}
	cp.ExpiresAt = parseNullTime(expiresAt)
	cp.CreatedAt = parseTime(createdAt)
	cp.UpdatedAt = parseTime(updatedAt)
	return cp, nil
}

// =============================================================================
// RECEIPTS
// =============================================================================

const receiptColumns = `id, user_id, status, method, amount, linked_items, related_receipt_id,
	image_ref, denial_reason, reviewed_by, reviewed_at, created_at, updated_at`

func receiptArgs(r enrollment.Receipt) ([]any, error) {
	linked := r.LinkedItems
	if linked == nil {
		linked = []enrollment.ItemID{}
	}
	linkedJSON, err := json.Marshal(linked)
	if err != nil {
		return nil, fmt.Errorf("failed to encode linked items: %w", err)
	}
	return []any{
		r.ID, r.UserID, r.Status, r.Method, r.Amount.String(), string(linkedJSON), r.RelatedReceiptID,
		r.ImageRef, r.DenialReason, r.ReviewedBy, nullTime(r.ReviewedAt),
		formatTime(r.CreatedAt), formatTime(r.UpdatedAt),
	}, nil
}

func (c *conn) SaveReceipt(ctx context.Context, r enrollment.Receipt) error {
	args, err := receiptArgs(r)
	if err != nil {
		return err
	}
	_, err = c.q.ExecContext(ctx,
		`INSERT INTO receipts (`+receiptColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, args...)
	if err != nil {
		return fmt.Errorf("failed to save receipt: %w", err)
	}
	return nil
}

func (c *conn) GetReceipt(ctx context.Context, id enrollment.ReceiptID) (enrollment.Receipt, error) {
	row := c.q.QueryRowContext(ctx, `SELECT `+receiptColumns+` FROM receipts WHERE id = ?`, id)
	r, err := scanReceipt(row)
	if errors.Is(err, sql.ErrNoRows) {
		return enrollment.Receipt{}, &enrollment.NotFoundError{Entity: "receipt", ID: string(id)}
	}
	return r, err
}

func (c *conn) ListReceipts(ctx context.Context, f enrollment.ReceiptFilter) ([]enrollment.Receipt, error) {
	var where []string
	var args []any
	if f.UserID != "" {
		where = append(where, "user_id = ?")
		args = append(args, f.UserID)
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, f.Status)
	}
	if f.RelatedReceiptID != "" {
		where = append(where, "related_receipt_id = ?")
		args = append(args, f.RelatedReceiptID)
	}
	query := `SELECT ` + receiptColumns + ` FROM receipts`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at, id"

	rows, err := c.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query receipts: %w", err)
	}
	defer rows.Close()

	var receipts []enrollment.Receipt
	for rows.Next() {
		r, err := scanReceipt(rows)
		if err != nil {
			return nil, err
		}
		receipts = append(receipts, r)
	}
	return receipts, rows.Err()
}

// UpdateReceipt overwrites a receipt if its status is still from.
func (c *conn) UpdateReceipt(ctx context.Context, r enrollment.Receipt, from enrollment.ReceiptStatus) error {
	args, err := receiptArgs(r)
	if err != nil {
		return err
	}
	query := `
		UPDATE receipts SET
			id = ?, user_id = ?, status = ?, method = ?, amount = ?, linked_items = ?,
			related_receipt_id = ?, image_ref = ?, denial_reason = ?, reviewed_by = ?,
			reviewed_at = ?, created_at = ?, updated_at = ?
		WHERE id = ? AND status = ?
	`
	res, err := c.q.ExecContext(ctx, query, append(args, r.ID, from)...)
	if err != nil {
		return fmt.Errorf("failed to update receipt: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		cur, err := c.GetReceipt(ctx, r.ID)
		if err != nil {
			return err
		}
		return fmt.Errorf("%w: receipt %s is %s", enrollment.ErrConcurrentModification, r.ID, cur.Status)
	}
	return nil
}

func scanReceipt(sc scanner) (enrollment.Receipt, error) {
	var (
		r                    enrollment.Receipt
		amount, linked       string
		reviewedAt           sql.NullString
		createdAt, updatedAt string
	)
	err := sc.Scan(&r.ID, &r.UserID, &r.Status, &r.Method, &amount, &linked, &r.RelatedReceiptID,
		&r.ImageRef, &r.DenialReason, &r.ReviewedBy, &reviewedAt, &createdAt, &updatedAt)
	if err != nil {
		return r, err
	}
	if r.Amount, err = parseDecimal("receipts.amount", amount); err != nil {
		return r, err
	}
	if err := json.Unmarshal([]byte(linked), &r.LinkedItems); err != nil {
		return r, fmt.Errorf("failed to decode linked items of %s: %w", r.ID, err)
	}
	r.ReviewedAt = parseNullTime(reviewedAt)
	r.CreatedAt = parseTime(createdAt)
	r.UpdatedAt = parseTime(updatedAt)
	return r, nil
}

// =============================================================================
// PROFILES
// =============================================================================

func (c *conn) SaveProfile(ctx context.Context, p enrollment.Profile) error {
	_, err := c.q.ExecContext(ctx, `
		INSERT INTO profiles (user_id, is_returning, has_sibling) VALUES (?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET is_returning = excluded.is_returning, has_sibling = excluded.has_sibling
	`, p.UserID, p.Returning, p.HasSibling)
	if err != nil {
		return fmt.Errorf("failed to save profile: %w", err)
	}
	return nil
}

func (c *conn) GetProfile(ctx context.Context, id enrollment.UserID) (enrollment.Profile, error) {
	p := enrollment.Profile{UserID: id}
	err := c.q.QueryRowContext(ctx, `SELECT is_returning, has_sibling FROM profiles WHERE user_id = ?`, id).
		Scan(&p.Returning, &p.HasSibling)
	if errors.Is(err, sql.ErrNoRows) {
		return p, nil
	}
	return p, err
}

// =============================================================================
// TEST HOOKS
// =============================================================================

// SetEnrolledCount overwrites the cached enrolled counter without touching
// the item rows. Tests use it to simulate drift.
func (s *Store) SetEnrolledCount(ctx context.Context, id enrollment.SessionID, n int) error {
	_, err := s.db.ExecContext(ctx, `UPDATE sessions SET enrolled_count = ? WHERE id = ?`, n, id)
	return err
}

// Reset deletes all data. Used by the dev scenario loader.
func (s *Store) Reset(ctx context.Context) error {
	for _, table := range []string{"ledger_items", "receipts", "coupons", "profiles", "sessions", "audit_events"} {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return fmt.Errorf("failed to reset %s: %w", table, err)
		}
	}
	return nil
}

// =============================================================================
// HELPERS
// =============================================================================

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

// timeLayout is fixed width so stored values sort chronologically as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		t, _ = time.Parse(time.RFC3339Nano, s)
	}
	return t.UTC()
}

func parseNullTime(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t := parseTime(s.String)
	return &t
}

// parseDecimal reads a money column. A bad value is an error, never zero.
func parseDecimal(column, s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid decimal %q in %s: %w", s, column, err)
	}
	return d, nil
}

func nullInt(n *int) any {
	if n == nil {
		return nil
	}
	return *n
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func statusIn(s enrollment.ItemStatus, set []enrollment.ItemStatus) bool {
	for _, x := range set {
		if s == x {
			return true
		}
	}
	return false
}

func requireRow(res sql.Result, entity, id string) error {
	if n, _ := res.RowsAffected(); n == 0 {
		return &enrollment.NotFoundError{Entity: entity, ID: id}
	}
	return nil
}

func isUniqueConstraintError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func isCheckConstraintError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "CHECK constraint failed")
}

var (
	_ enrollment.Store = (*Store)(nil)
	_ enrollment.Store = (*txStore)(nil)
)
