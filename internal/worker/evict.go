package worker

import (
	"context"
	"log/slog"
	"time"
)

const defaultEvictInterval = 5 * time.Minute

// Evictor drops expired rate-limit windows from a backing store.
type Evictor interface {
	EvictExpired(ctx context.Context) (int, error)
}

// WindowEvictWorker periodically sweeps expired fixed windows out of the
// rate-limit store so key cardinality stays bounded between restarts.
type WindowEvictWorker struct {
	evictor  Evictor
	interval time.Duration
}

// NewWindowEvictWorker creates a WindowEvictWorker. A non-positive interval
// falls back to the default sweep period.
func NewWindowEvictWorker(evictor Evictor, interval time.Duration) *WindowEvictWorker {
	if interval <= 0 {
		interval = defaultEvictInterval
	}
	return &WindowEvictWorker{evictor: evictor, interval: interval}
}

// Name returns the worker identifier.
func (w *WindowEvictWorker) Name() string { return "window_evict" }

// Run sweeps expired windows on a ticker until ctx is cancelled. Sweep
// failures are logged and retried on the next tick; the store stays
// correct without eviction, it just grows.
func (w *WindowEvictWorker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			n, err := w.evictor.EvictExpired(ctx)
			if err != nil {
				slog.LogAttrs(ctx, slog.LevelError, "window eviction failed",
					slog.String("error", err.Error()),
				)
				continue
			}
			if n > 0 {
				slog.LogAttrs(ctx, slog.LevelDebug, "evicted expired rate limit windows",
					slog.Int("count", n),
				)
			}
		case <-ctx.Done():
			return nil
		}
	}
}
