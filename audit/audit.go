/*
Package audit records state transitions for the activity log.

PURPOSE:
  The enrollment engine emits one Event per transition. Recording is
  fire-and-forget: Emit never blocks the caller and never returns an error.
  A failed sink write is logged and dropped.

FLOW:
  engine ──Emit──► Dispatcher (buffered channel) ──► Sink 1..n
                                                     - LogSink
                                                     - AMQPSink
                                                     - sqlite.Store

  When the buffer is full the event is dropped and counted, so a slow
  broker can never back-pressure admission.

SEE ALSO:
  - amqp.go: RabbitMQ sink
  - store/sqlite/audit.go: Queryable activity log sink
*/
package audit

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// EVENT
// =============================================================================

// Event is one recorded action.
type Event struct {
	ID         string    `json:"id"`
	Actor      string    `json:"actor"`
	Role       string    `json:"role"`
	TargetType string    `json:"target_type"`
	TargetID   string    `json:"target_id"`
	Action     string    `json:"action"`
	Detail     string    `json:"detail,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// Query selects events from a queryable sink. Zero fields are ignored.
type Query struct {
	TargetType string
	TargetID   string
	Actor      string
	Since      *time.Time
	Limit      int
}

// Recorder accepts events without blocking.
type Recorder interface {
	Emit(ctx context.Context, e Event)
}

// Sink durably writes events. Sinks may block and may fail.
type Sink interface {
	Record(ctx context.Context, e Event) error
}

// Nop discards every event.
type Nop struct{}

func (Nop) Emit(context.Context, Event) {}

// =============================================================================
// DISPATCHER
// =============================================================================

// Dispatcher fans events out to sinks from a single background goroutine.
type Dispatcher struct {
	sinks   []Sink
	events  chan Event
	timeout time.Duration

	mu      sync.Mutex
	dropped int
	closed  bool
	done    chan struct{}
}

// NewDispatcher creates a dispatcher with the given buffer size.
func NewDispatcher(buffer int, sinks ...Sink) *Dispatcher {
	if buffer <= 0 {
		buffer = 256
	}
	return &Dispatcher{
		sinks:   sinks,
		events:  make(chan Event, buffer),
		timeout: 5 * time.Second,
		done:    make(chan struct{}),
	}
}

// Start begins delivering events until Close is called.
func (d *Dispatcher) Start() {
	go d.run()
}

func (d *Dispatcher) run() {
	defer close(d.done)
	for e := range d.events {
		for _, s := range d.sinks {
			ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
			if err := s.Record(ctx, e); err != nil {
				log.Printf("[Audit] sink %T failed for %s %s: %v", s, e.Action, e.TargetID, err)
			}
			cancel()
		}
	}
}

// Emit enqueues e. It fills in ID and Timestamp when missing.
func (d *Dispatcher) Emit(_ context.Context, e Event) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		d.dropped++
		return
	}
	select {
	case d.events <- e:
	default:
		d.dropped++
		log.Printf("[Audit] buffer full, dropped %s %s", e.Action, e.TargetID)
	}
}

// Dropped returns the number of events that never reached a sink.
func (d *Dispatcher) Dropped() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dropped
}

// Close stops accepting events and waits for the buffer to drain or ctx to
// end.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.events)
	}
	d.mu.Unlock()

	select {
	case <-d.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// =============================================================================
// SINKS
// =============================================================================

// LogSink writes events to the standard logger.
type LogSink struct{}

func (LogSink) Record(_ context.Context, e Event) error {
	log.Printf("[Audit] %s %s %s/%s by %s(%s) %s",
		e.Timestamp.Format(time.RFC3339), e.Action, e.TargetType, e.TargetID, e.Actor, e.Role, e.Detail)
	return nil
}

// MemorySink keeps events in memory. Used by tests and the dev server.
type MemorySink struct {
	mu     sync.Mutex
	events []Event
}

func (m *MemorySink) Record(_ context.Context, e Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, e)
	return nil
}

// Emit lets a MemorySink be used directly as a synchronous Recorder.
func (m *MemorySink) Emit(ctx context.Context, e Event) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	_ = m.Record(ctx, e)
}

// Events returns a copy of everything recorded so far.
func (m *MemorySink) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Event(nil), m.events...)
}

// Actions returns the recorded action names in order.
func (m *MemorySink) Actions() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.events))
	for i, e := range m.events {
		out[i] = e.Action
	}
	return out
}
