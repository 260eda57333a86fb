/*
engine.go - Enrollment engine wiring

PURPOSE:
  Engine bundles the store, the clock, the pricing card and the audit
  recorder. Every operation is a method on Engine and takes the calling
  Actor so ownership and role checks live next to the transition they guard.

CONFIGURATION:
  ReservationTTL  How long a reserved seat is held before the sweep
                  returns it to draft (default 30m)
  DepositPerWeek  Deposit owed per reserved week (default 100)
  DraftBuffer     Extra drafts allowed over capacity by the soft
                  admission policy (default 2)

AUDIT:
  Operations collect their events while running and emit them only after
  the store has committed, so a rolled-back transition is never reported.

SEE ALSO:
  - admission.go, coupon.go, receipt.go, cancel.go, expiry.go, balance.go
*/
package enrollment

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/warp/enrollment-engine/audit"
)

// =============================================================================
// CONFIG
// =============================================================================

// Config holds the tunables of the admission and expiry policies.
type Config struct {
	ReservationTTL time.Duration
	DepositPerWeek decimal.Decimal
	DraftBuffer    int
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		ReservationTTL: 30 * time.Minute,
		DepositPerWeek: decimal.NewFromInt(100),
		DraftBuffer:    2,
	}
}

// =============================================================================
// ENGINE
// =============================================================================

type Engine struct {
	Store   Store
	Config  Config
	Pricing Pricing
	Audit   audit.Recorder
	Now     func() time.Time
	NewID   func() string
}

// Option customizes an Engine.
type Option func(*Engine)

func WithConfig(c Config) Option { return func(e *Engine) { e.Config = c } }

func WithPricing(p Pricing) Option { return func(e *Engine) { e.Pricing = p } }

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.Now = now }
}

func WithRecorder(r audit.Recorder) Option {
	return func(e *Engine) { e.Audit = r }
}

// NewEngine creates an engine over store.
func NewEngine(store Store, opts ...Option) *Engine {
	e := &Engine{
		Store:   store,
		Config:  DefaultConfig(),
		Pricing: DefaultPricing(),
		Audit:   audit.Nop{},
		Now:     func() time.Time { return time.Now().UTC() },
		NewID:   uuid.NewString,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) now() time.Time { return e.Now().UTC() }

// =============================================================================
// AUDIT JOURNAL
// =============================================================================

// journal buffers audit events until the operation has committed.
type journal struct {
	actor  Actor
	events []audit.Event
}

func newJournal(actor Actor) *journal { return &journal{actor: actor} }

func (j *journal) add(targetType, targetID, action, detail string) {
	j.events = append(j.events, audit.Event{
		Actor:      string(j.actor.UserID),
		Role:       string(j.actor.Role),
		TargetType: targetType,
		TargetID:   targetID,
		Action:     action,
		Detail:     detail,
	})
}

func (j *journal) item(it LedgerItem, action string, from ItemStatus) {
	j.add("ledger_item", string(it.ID), action, fmt.Sprintf("%s -> %s", from, it.Status))
}

// flush hands buffered events to the recorder. It never fails.
func (e *Engine) flush(ctx context.Context, j *journal) {
	ts := e.now()
	for _, ev := range j.events {
		ev.Timestamp = ts
		e.Audit.Emit(ctx, ev)
	}
	j.events = nil
}

// =============================================================================
// GUARDS
// =============================================================================

func requireAdmin(actor Actor) error {
	if !actor.IsAdmin() {
		return fmt.Errorf("%w: admin role required", ErrNotAuthorized)
	}
	return nil
}

func requireActFor(actor Actor, user UserID) error {
	if user == "" {
		return invalid("user_id", "required")
	}
	if !actor.CanActFor(user) {
		return fmt.Errorf("%w: %s may not act for %s", ErrNotAuthorized, actor.UserID, user)
	}
	return nil
}
