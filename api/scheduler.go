/*
scheduler.go - Periodic reservation expiry sweep

PURPOSE:
  Reserved items hold a seat only until their reservation window closes.
  The scheduler runs enrollment.Engine.ExpireReservations on a fixed
  interval so lapsed holds go back to draft and stale coupon claims are
  released without any request having to trigger it.

DESIGN:
  - Runs a background goroutine with a configurable interval
  - Sweeps once immediately on start
  - RunNow serializes with the ticker so two sweeps never overlap
  - Keeps the last report for the admin UI

USAGE:
  scheduler := NewExpiryScheduler(engine, 5*time.Minute)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - handlers.go: RunExpiry endpoint (manual sweep)
  - enrollment/expiry.go: ExpireReservations
*/
package api

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/warp/enrollment-engine/enrollment"
)

// ExpiryScheduler runs the reservation expiry sweep.
type ExpiryScheduler struct {
	Engine   *enrollment.Engine
	Interval time.Duration
	Enabled  bool

	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex // guards ticker and stop
	runMu  sync.Mutex // one sweep at a time

	lastRun    time.Time
	lastReport enrollment.ExpiryReport
}

// NewExpiryScheduler creates a new scheduler.
func NewExpiryScheduler(engine *enrollment.Engine, interval time.Duration) *ExpiryScheduler {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &ExpiryScheduler{
		Engine:   engine,
		Interval: interval,
		Enabled:  true,
	}
}

// Start begins the scheduler.
func (s *ExpiryScheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.Enabled {
		log.Println("[Scheduler] Disabled, not starting")
		return
	}
	if s.ticker != nil {
		return
	}

	s.ticker = time.NewTicker(s.Interval)
	s.stop = make(chan struct{})
	s.wg.Add(1)

	go s.run(s.ticker, s.stop)

	log.Printf("[Scheduler] Started with sweep interval: %v", s.Interval)
}

// Stop stops the scheduler and waits for an in-flight sweep.
func (s *ExpiryScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ticker != nil {
		s.ticker.Stop()
		close(s.stop)
		s.wg.Wait()
		s.ticker = nil
		log.Println("[Scheduler] Stopped")
	}
}

func (s *ExpiryScheduler) run(ticker *time.Ticker, stop <-chan struct{}) {
	defer s.wg.Done()

	s.sweep(context.Background())

	for {
		select {
		case <-ticker.C:
			s.sweep(context.Background())
		case <-stop:
			return
		}
	}
}

func (s *ExpiryScheduler) sweep(ctx context.Context) {
	report, err := s.RunNow(ctx)
	if err != nil {
		log.Printf("[Scheduler] Sweep failed: %v", err)
		return
	}
	if report.ItemsReleased > 0 || report.CouponsExpired > 0 || report.Skipped > 0 {
		log.Printf("[Scheduler] Released %d reservations, expired %d coupons, skipped %d",
			report.ItemsReleased, report.CouponsExpired, report.Skipped)
	}
}

// RunNow performs one sweep at the engine's current time.
func (s *ExpiryScheduler) RunNow(ctx context.Context) (enrollment.ExpiryReport, error) {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	now := s.Engine.Now()
	report, err := s.Engine.ExpireReservations(ctx, now)
	if err != nil {
		return report, err
	}
	s.lastRun = now
	s.lastReport = report
	return report, nil
}

// LastRun returns the time and result of the most recent successful sweep.
func (s *ExpiryScheduler) LastRun() (time.Time, enrollment.ExpiryReport) {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	return s.lastRun, s.lastReport
}
