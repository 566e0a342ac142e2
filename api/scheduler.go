/*
scheduler.go - Automated booking completion scheduler

PURPOSE:
  Periodically moves CONFIRMED bookings whose flight has departed to
  COMPLETED, so the booking list reflects travel that actually happened.
  Completion writes no ledger rows; the payment was settled on confirm.

DESIGN:
  - Runs a background goroutine with configurable check interval
  - Sweeps once immediately on start, then on every tick
  - Bookings cancelled between listing and completing are skipped by the
    controller; other failures are logged and retried on the next tick

CONFIGURATION:
  - CheckInterval: How often to sweep (default: 5 minutes)
  - Enabled: Whether scheduler is active (default: true)

USAGE:
  scheduler := NewCompletionScheduler(controller, logger)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - handlers.go: CompleteDeparted endpoint (manual sweep)
  - booking/controller.go: CompleteDeparted
*/
package api

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Completer is the part of booking.Controller the scheduler drives.
type Completer interface {
	CompleteDeparted(ctx context.Context, now time.Time) (int, error)
}

// CompletionScheduler handles automated booking completion.
type CompletionScheduler struct {
	Bookings      Completer
	CheckInterval time.Duration
	Enabled       bool

	logger *zap.Logger
	now    func() time.Time

	ticker *time.Ticker
	stop   chan struct{}
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// NewCompletionScheduler creates a new scheduler.
func NewCompletionScheduler(bookings Completer, logger *zap.Logger) *CompletionScheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CompletionScheduler{
		Bookings:      bookings,
		CheckInterval: 5 * time.Minute,
		Enabled:       true,
		logger:        logger.Named("scheduler"),
		now:           func() time.Time { return time.Now().UTC() },
	}
}

// Start begins the scheduler. Calling Start on a running scheduler is a no-op.
func (cs *CompletionScheduler) Start() {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	if !cs.Enabled {
		cs.logger.Info("disabled, not starting")
		return
	}
	if cs.ticker != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	cs.cancel = cancel
	cs.stop = make(chan struct{})
	cs.ticker = time.NewTicker(cs.CheckInterval)
	cs.wg.Add(1)

	go cs.run(ctx, cs.ticker, cs.stop)

	cs.logger.Info("started", zap.Duration("check_interval", cs.CheckInterval))
}

// Stop stops the scheduler and waits for an in-flight sweep to return.
func (cs *CompletionScheduler) Stop() {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	if cs.ticker == nil {
		return
	}
	cs.ticker.Stop()
	cs.cancel()
	close(cs.stop)
	cs.wg.Wait()
	cs.ticker = nil
	cs.logger.Info("stopped")
}

func (cs *CompletionScheduler) run(ctx context.Context, ticker *time.Ticker, stop <-chan struct{}) {
	defer cs.wg.Done()

	// Run immediately on start
	cs.RunOnce(ctx)

	for {
		select {
		case <-ticker.C:
			cs.RunOnce(ctx)
		case <-stop:
			return
		}
	}
}

// RunOnce performs a single sweep and returns how many bookings completed.
func (cs *CompletionScheduler) RunOnce(ctx context.Context) int {
	now := cs.now()
	n, err := cs.Bookings.CompleteDeparted(ctx, now)
	if err != nil {
		cs.logger.Error("completion sweep failed", zap.Int("completed", n), zap.Error(err))
	}
	if n > 0 {
		cs.logger.Info("completion sweep", zap.Int("completed", n), zap.Time("as_of", now))
	}
	return n
}
