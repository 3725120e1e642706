package watcher

import (
	"context"
	"log/slog"
	"time"
)

// DebounceWatcher batches rapid changes with a debounce timer
type DebounceWatcher struct {
	cfg              *WatcherConfig
	debounceInterval time.Duration
}

// NewDebounceWatcher creates a new debounce watcher
func NewDebounceWatcher(cfg *WatcherConfig, debounceInterval time.Duration) *DebounceWatcher {
	return &DebounceWatcher{
		cfg:              cfg,
		debounceInterval: debounceInterval,
	}
}

// Watch applies the latest service list once no change has been seen for
// the debounce interval.
func (w *DebounceWatcher) Watch(ctx context.Context) error {
	var latestServices []string

	debounceTimer := time.NewTimer(0)
	debounceTimer.Stop()
	defer debounceTimer.Stop()

	changes := watchCatalog(ctx, w.cfg)
	for {
		select {
		case <-ctx.Done():
			slog.Info("Stopping debounce watcher, context cancelled")
			for range changes {
			}
			return nil

		case <-debounceTimer.C:
			slog.Info("Debounce timer fired, applying batched update", "services", len(latestServices))
			if err := w.cfg.Handler(latestServices); err != nil {
				slog.Error("handler error", "strategy", "debounce", "error", err)
			}

		case services, ok := <-changes:
			if !ok {
				return nil
			}
			latestServices = services
			debounceTimer.Reset(w.debounceInterval)
		}
	}
}
