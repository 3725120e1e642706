package watcher

import (
	"context"
	"log/slog"
)

// ImmediateWatcher applies updates as soon as they're detected
type ImmediateWatcher struct {
	cfg *WatcherConfig
}

// NewImmediateWatcher creates a new immediate watcher
func NewImmediateWatcher(cfg *WatcherConfig) *ImmediateWatcher {
	return &ImmediateWatcher{cfg: cfg}
}

// Watch starts watching Consul and immediately applies updates
func (w *ImmediateWatcher) Watch(ctx context.Context) error {
	for services := range watchCatalog(ctx, w.cfg) {
		if err := w.cfg.Handler(services); err != nil {
			slog.Error("handler error", "strategy", "immediate", "error", err)
		}
	}
	slog.Info("Stopping immediate watcher, context cancelled")
	return nil
}
