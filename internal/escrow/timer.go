package escrow

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// Timer periodically matures held escrows whose clearing window has passed.
type Timer struct {
	ledger   *Ledger
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool
}

// NewTimer creates a new clearing timer.
func NewTimer(ledger *Ledger, logger *slog.Logger) *Timer {
	return &Timer{
		ledger:   ledger,
		interval: 30 * time.Second,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Running reports whether the timer loop is actively running.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// Start begins the clearing loop. Call in a goroutine.
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
			t.safeMature(ctx)
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

func (t *Timer) safeMature(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in clearing timer", "panic", fmt.Sprint(r))
		}
	}()

	count, err := t.ledger.MaturePending(ctx)
	if err != nil {
		t.logger.Warn("clearing pass failed", "error", err)
		return
	}
	if count > 0 {
		t.logger.Info("clearing pass matured escrows", "count", count)
	}
}
