package reconciliation

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// Timer periodically runs a reconciliation pass in the background.
type Timer struct {
	service  *Service
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool
}

// NewTimer creates a new reconciliation timer.
func NewTimer(service *Service, interval time.Duration, logger *slog.Logger) *Timer {
	if interval <= 0 {
		interval = time.Hour
	}
	return &Timer{
		service:  service,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Running reports whether the reconciliation loop is actively running.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// Start begins the reconciliation loop. Call in a goroutine.
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
			t.safeRun(ctx)
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

func (t *Timer) safeRun(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in reconciliation pass", "panic", fmt.Sprint(r))
		}
	}()

	report, err := t.service.Run(ctx)
	if err != nil {
		t.logger.Error("reconciliation pass failed", "error", err)
		return
	}
	if !report.Clean {
		t.logger.Warn("reconciliation found mismatched wallets",
			"wallets", report.Wallets, "mismatches", len(report.Mismatches))
		return
	}
	t.logger.Debug("reconciliation pass clean", "wallets", report.Wallets)
}
