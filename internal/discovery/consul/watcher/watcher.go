package watcher

import (
	"context"
	"log/slog"
	"time"

	consulapi "github.com/hashicorp/consul/api"
)

// ServiceChangeHandler is called with the current service names after a
// catalog change.
type ServiceChangeHandler func(services []string) error

// Catalog is the subset of the Consul catalog API the watchers use.
type Catalog interface {
	Services(q *consulapi.QueryOptions) (map[string][]string, *consulapi.QueryMeta, error)
}

// ConsulWatcher blocks watching the catalog until its context is cancelled.
type ConsulWatcher interface {
	Watch(ctx context.Context) error
}

// WatcherConfig holds shared configuration for all watchers
type WatcherConfig struct {
	Catalog     Catalog
	WaitTimeSec int
	Handler     ServiceChangeHandler
	// RetryDelay is the pause after a failed catalog query.
	RetryDelay time.Duration
}

// NewWatcher creates a watcher with the specified strategy
func NewWatcher(strategy string, cfg *WatcherConfig) ConsulWatcher {
	switch strategy {
	case "debounce":
		return NewDebounceWatcher(cfg, 500*time.Millisecond)
	case "batch":
		return NewBatchWatcher(cfg, 5, 1*time.Second)
	default:
		return NewImmediateWatcher(cfg)
	}
}

// watchCatalog runs blocking catalog queries in the background and emits the
// service names every time the catalog index moves. The channel is closed
// once ctx is cancelled.
func watchCatalog(ctx context.Context, cfg *WatcherConfig) <-chan []string {
	out := make(chan []string)
	go func() {
		defer close(out)
		var lastIndex uint64
		for ctx.Err() == nil {
			queryOpts := (&consulapi.QueryOptions{
				WaitIndex: lastIndex,
				WaitTime:  time.Duration(cfg.WaitTimeSec) * time.Second,
			}).WithContext(ctx)

			serviceMapping, meta, err := cfg.Catalog.Services(queryOpts)
			if err != nil {
				if ctx.Err() == nil {
					slog.Error("Failed to fetch services", "error", err)
					sleep(ctx, cfg.retryDelay())
				}
				continue
			}
			if meta.LastIndex == lastIndex {
				continue
			}
			slog.Debug("Detected catalog change", "lastIndex", lastIndex, "newIndex", meta.LastIndex)
			lastIndex = meta.LastIndex

			select {
			case out <- filterServices(serviceMapping):
			case <-ctx.Done():
			}
		}
	}()
	return out
}

func (c *WatcherConfig) retryDelay() time.Duration {
	if c.RetryDelay > 0 {
		return c.RetryDelay
	}
	return time.Second
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
