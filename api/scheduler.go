/*
scheduler.go - Automated balance reconciliation

PURPOSE:
  Periodically compares every account balance with the sum of its ledger
  entries and, when Repair is set, corrects the balances that drifted.

DESIGN:
  - Runs a background goroutine with configurable check interval
  - Runs once immediately on Start
  - Detection only by default; drift is logged and counted either way

USAGE:
  scheduler := NewReconciliationScheduler(reconciler, metrics, logger)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - rewards/reconcile.go: Reconciler
  - cmd/server: "reconcile" command for one-off runs
*/
package api

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/warp/reward-ledger/rewards"
)

// ReconciliationScheduler runs the reconciler on a ticker.
type ReconciliationScheduler struct {
	Reconciler    *rewards.Reconciler
	Metrics       *Metrics
	Logger        *slog.Logger
	CheckInterval time.Duration
	Enabled       bool
	Repair        bool

	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// NewReconciliationScheduler creates a scheduler with a one hour interval.
func NewReconciliationScheduler(reconciler *rewards.Reconciler, metrics *Metrics, logger *slog.Logger) *ReconciliationScheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &ReconciliationScheduler{
		Reconciler:    reconciler,
		Metrics:       metrics,
		Logger:        logger.With("component", "scheduler"),
		CheckInterval: time.Hour,
		Enabled:       true,
	}
}

// Start begins the scheduler. Calling Start twice is a no-op.
func (rs *ReconciliationScheduler) Start() {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if !rs.Enabled {
		rs.Logger.Info("disabled, not starting")
		return
	}
	if rs.ticker != nil {
		return
	}

	rs.ticker = time.NewTicker(rs.CheckInterval)
	rs.stop = make(chan struct{})
	rs.wg.Add(1)
	go rs.run(rs.ticker, rs.stop)

	rs.Logger.Info("started", "interval", rs.CheckInterval, "repair", rs.Repair)
}

// Stop stops the scheduler and waits for an in-flight run to finish.
func (rs *ReconciliationScheduler) Stop() {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if rs.ticker == nil {
		return
	}
	rs.ticker.Stop()
	close(rs.stop)
	rs.wg.Wait()
	rs.ticker = nil
	rs.Logger.Info("stopped")
}

func (rs *ReconciliationScheduler) run(ticker *time.Ticker, stop <-chan struct{}) {
	defer rs.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-stop
		cancel()
	}()

	rs.RunOnce(ctx)
	for {
		select {
		case <-ticker.C:
			rs.RunOnce(ctx)
		case <-stop:
			return
		}
	}
}

// RunOnce performs a single reconciliation pass and returns the drifted
// accounts.
func (rs *ReconciliationScheduler) RunOnce(ctx context.Context) []rewards.Drift {
	start := time.Now()
	drifts, err := rs.Reconciler.RunAll(ctx, rs.Repair)
	rs.Metrics.ObserveDrift(drifts)
	if err != nil {
		rs.Logger.Error("reconciliation failed", "error", err, "drifted", len(drifts))
		return drifts
	}
	if len(drifts) > 0 {
		rs.Logger.Warn("reconciliation found drift",
			"drifted", len(drifts),
			"repair", rs.Repair,
			"took", time.Since(start),
		)
	} else {
		rs.Logger.Debug("reconciliation clean", "took", time.Since(start))
	}
	return drifts
}
