package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/bookmart/bookmart/internal/metrics"
	"github.com/bookmart/bookmart/internal/retry"
)

// sweepBatchSize caps how many due escrows one sweep pass processes.
const sweepBatchSize = 100

// Timer periodically sweeps escrows whose release date has passed and pays
// them out to their sellers.
type Timer struct {
	service  *Service
	store    Store
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool
}

// NewTimer creates a new escrow release sweep timer.
func NewTimer(service *Service, store Store, interval time.Duration, logger *slog.Logger) *Timer {
	if interval <= 0 {
		interval = time.Hour
	}
	return &Timer{
		service:  service,
		store:    store,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Running reports whether the sweep loop is actively running.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// Start begins the sweep loop. Call in a goroutine.
func (t *Timer) Start(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			t.safeSweep(ctx)
		}
	}
}

// Stop signals the timer to stop.
func (t *Timer) Stop() {
	select {
	case t.stop <- struct{}{}:
	default:
	}
}

func (t *Timer) safeSweep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in escrow sweep", "panic", fmt.Sprint(r))
		}
	}()
	t.RunOnce(ctx, time.Now())
}

// SweepResult summarizes one sweep pass.
type SweepResult struct {
	Due      int `json:"due"`
	Released int `json:"released"`
	Skipped  int `json:"skipped"`
	Failed   int `json:"failed"`
}

// RunOnce sweeps all escrows due at the given time. Escrows are processed
// sequentially so a wallet is never credited twice concurrently; an
// individual failure is logged and counted but doesn't stop the pass.
func (t *Timer) RunOnce(ctx context.Context, now time.Time) SweepResult {
	start := time.Now()
	defer func() {
		metrics.SweepDuration.Observe(time.Since(start).Seconds())
	}()

	var result SweepResult

	due, err := t.store.ListReadyForRelease(ctx, now, sweepBatchSize)
	if err != nil {
		t.logger.Warn("failed to list due escrows", "error", err)
		return result
	}
	result.Due = len(due)

	for _, e := range due {
		err := retry.Do(ctx, 3, 100*time.Millisecond, func() error {
			_, err := t.service.Release(ctx, e.ID, SystemCaller)
			if err == nil {
				return nil
			}
			// A dispute or a competing release since the listing is not a
			// transient fault; don't retry it.
			if errors.Is(err, ErrDisputed) || errors.Is(err, ErrAlreadyResolved) ||
				errors.Is(err, ErrStatusConflict) || errors.Is(err, ErrInvalidStatus) {
				return retry.Permanent(err)
			}
			return err
		})

		switch {
		case err == nil:
			result.Released++
			metrics.EscrowReleasesTotal.WithLabelValues("auto").Inc()
			t.logger.Info("released escrow",
				"escrowId", e.ID, "orderId", e.OrderID,
				"seller", e.SellerID, "amount", e.Amount)
		case errors.Is(err, ErrDisputed), errors.Is(err, ErrAlreadyResolved),
			errors.Is(err, ErrStatusConflict):
			result.Skipped++
			t.logger.Debug("skipped escrow during sweep", "escrowId", e.ID, "reason", err)
		default:
			result.Failed++
			metrics.EscrowReleasesTotal.WithLabelValues("failed").Inc()
			t.logger.Warn("failed to release escrow", "escrowId", e.ID, "error", err)
		}
	}

	if result.Due > 0 {
		t.logger.Info("escrow sweep finished",
			"due", result.Due, "released", result.Released,
			"skipped", result.Skipped, "failed", result.Failed)
	}
	return result
}
