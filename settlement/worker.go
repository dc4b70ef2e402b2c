package settlement

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

const (
	defaultBatchSize = 50

	// A pending claim older than this is assumed orphaned by a crashed
	// settler and returned to the queue.
	staleClaimAge = 10 * time.Minute
)

// Worker periodically sweeps completed-but-unanchored escrows through the
// bridge. Concurrent workers are safe: the CAS claim in Settle makes every
// overlap resolve to ErrAlreadyClaimed on one side.
type Worker struct {
	bridge   *Bridge
	interval time.Duration
	batch    int
	log      *slog.Logger
}

func NewWorker(bridge *Bridge, interval time.Duration, log *slog.Logger) *Worker {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	return &Worker{bridge: bridge, interval: interval, batch: defaultBatchSize, log: log}
}

// Run blocks until ctx is cancelled, executing one sweep per tick.
func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.log.Info("settlement worker started", "interval", w.interval)
	for {
		select {
		case <-ctx.Done():
			w.log.Info("settlement worker stopped")
			return
		case <-ticker.C:
			w.sweep(ctx)
		}
	}
}

func (w *Worker) sweep(ctx context.Context) {
	if n, err := w.bridge.ReclaimStale(ctx, staleClaimAge); err != nil {
		w.log.Error("stale claim reclaim failed", "err", err)
	} else if n > 0 {
		w.log.Warn("reclaimed orphaned settlement claims", "count", n)
	}

	ids, err := w.bridge.Pending(ctx, w.batch)
	if err != nil {
		w.log.Error("settlement sweep failed", "err", err)
		return
	}
	for _, id := range ids {
		switch err := w.bridge.Settle(ctx, id); {
		case err == nil:
			w.log.Info("escrow settled", "escrow_id", id)
		case errors.Is(err, ErrAlreadyClaimed):
			// Another settler won the claim; nothing to do.
		default:
			w.log.Error("settlement failed", "escrow_id", id, "err", err)
		}
	}
}
