package watcher

import (
	"context"
	"log/slog"
	"time"
)

// BatchWatcher applies updates when batch size reached or timeout expires
type BatchWatcher struct {
	cfg          *WatcherConfig
	maxBatchSize int
	batchTimeout time.Duration
}

// NewBatchWatcher creates a new batch watcher
func NewBatchWatcher(cfg *WatcherConfig, maxBatchSize int, batchTimeout time.Duration) *BatchWatcher {
	return &BatchWatcher{
		cfg:          cfg,
		maxBatchSize: maxBatchSize,
		batchTimeout: batchTimeout,
	}
}

// Watch starts watching Consul and applies batched updates
func (w *BatchWatcher) Watch(ctx context.Context) error {
	var batchCount int
	var latestServices []string

	batchTimer := time.NewTimer(0)
	batchTimer.Stop()
	defer batchTimer.Stop()

	flush := func(reason string) {
		slog.Info("Applying batch", "reason", reason, "changes", batchCount, "services", len(latestServices))
		if err := w.cfg.Handler(latestServices); err != nil {
			slog.Error("handler error", "strategy", "batch", "error", err)
		}
		batchCount = 0
		batchTimer.Stop()
	}

	changes := watchCatalog(ctx, w.cfg)
	for {
		select {
		case <-ctx.Done():
			slog.Info("Stopping batch watcher, context cancelled")
			for range changes {
			}
			return nil

		case <-batchTimer.C:
			if batchCount > 0 {
				flush("timeout")
			}

		case services, ok := <-changes:
			if !ok {
				return nil
			}
			latestServices = services
			batchCount++

			if batchCount >= w.maxBatchSize {
				flush("size")
			} else if batchCount == 1 {
				batchTimer.Reset(w.batchTimeout)
			}
		}
	}
}
