package market

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/debazaar/escrowd/internal/metrics"
)

// EligibilityScanner periodically reports delivered orders older than
// the grace window as eligible for seller-initiated dispute. Advisory
// only: it never transitions state, dispute submission still goes
// through the normal dispute flow.
type EligibilityScanner struct {
	store       Store
	interval    time.Duration
	graceWindow time.Duration
	logger      *slog.Logger
	now         func() time.Time
	stop        chan struct{}
	running     atomic.Bool
}

// NewEligibilityScanner creates a scanner with the given sweep interval
// and grace window.
func NewEligibilityScanner(store Store, interval, graceWindow time.Duration, logger *slog.Logger) *EligibilityScanner {
	return &EligibilityScanner{
		store:       store,
		interval:    interval,
		graceWindow: graceWindow,
		logger:      logger,
		now:         time.Now,
		stop:        make(chan struct{}),
	}
}

// WithClock overrides the scanner clock. Used in tests.
func (e *EligibilityScanner) WithClock(now func() time.Time) *EligibilityScanner {
	e.now = now
	return e
}

// Running reports whether the scan loop is actively running.
func (e *EligibilityScanner) Running() bool {
	return e.running.Load()
}

// Start begins the scan loop. Call in a goroutine.
func (e *EligibilityScanner) Start(ctx context.Context) {
	e.running.Store(true)
	defer e.running.Store(false)

	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-e.stop:
			return
		case <-ticker.C:
			e.safeScan(ctx)
		}
	}
}

// Stop signals the scanner to stop.
func (e *EligibilityScanner) Stop() {
	select {
	case e.stop <- struct{}{}:
	default:
	}
}

func (e *EligibilityScanner) safeScan(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("panic in eligibility scanner", "panic", fmt.Sprint(r))
		}
	}()
	e.Scan(ctx)
}

// Scan runs one sweep and returns the orders found eligible.
func (e *EligibilityScanner) Scan(ctx context.Context) []*Order {
	cutoff := e.now().Add(-e.graceWindow)

	eligible, err := e.store.ListDeliveredBefore(ctx, cutoff, 100)
	if err != nil {
		e.logger.Warn("failed to list delivered orders", "error", err)
		return nil
	}

	metrics.EligibleDeliveries.Set(float64(len(eligible)))
	for _, order := range eligible {
		e.logger.Info("delivered order past grace window, seller may dispute",
			"orderId", order.ID,
			"listingId", order.ListingID,
			"seller", order.Seller,
			"deliveredAt", order.DeliveredAt,
		)
	}
	return eligible
}
