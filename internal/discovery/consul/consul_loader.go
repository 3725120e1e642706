package consul

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sort"
	"strconv"
	"strings"

	consulapi "github.com/hashicorp/consul/api"
	"github.com/moonkev/rewriteds/internal/discovery/consul/watcher"
	"github.com/moonkev/rewriteds/internal/types"
)

const LoaderID = "consul_loader"

// maxRewrites bounds the rewrite_N_* keys read from service metadata.
const maxRewrites = 10

// Config holds the Consul source configuration
type Config struct {
	ConsulAddr      string
	WaitTimeSec     int
	WatcherStrategy string // "immediate", "debounce", or "batch"
}

// RuleUpdater receives the rules discovered in Consul.
type RuleUpdater interface {
	UpdateRules(loaderID string, rules []types.RewriteRule) error
}

// HealthClient is the subset of the Consul health API used to resolve
// service instances.
type HealthClient interface {
	Service(service, tag string, passingOnly bool, q *consulapi.QueryOptions) ([]*consulapi.ServiceEntry, *consulapi.QueryMeta, error)
}

type HeaderRoundTripper struct {
	Rt http.RoundTripper
}

func (h *HeaderRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	return h.Rt.RoundTrip(req)
}

func NewClient(addr string) (*consulapi.Client, error) {
	consulCfg := consulapi.DefaultConfig()
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	consulCfg.Address = addr
	consulCfg.HttpClient = &http.Client{
		Transport: &HeaderRoundTripper{Rt: http.DefaultTransport},
	}
	return consulapi.NewClient(consulCfg)
}

// WatchConsulBlocking watches the catalog and reports the rewrites declared
// in service metadata until ctx is cancelled.
func WatchConsulBlocking(ctx context.Context, cfg *Config, updater RuleUpdater) error {
	client, err := NewClient(cfg.ConsulAddr)
	if err != nil {
		return fmt.Errorf("create consul client: %w", err)
	}

	watcherCfg := &watcher.WatcherConfig{
		Catalog:     client.Catalog(),
		WaitTimeSec: cfg.WaitTimeSec,
		Handler:     ServiceHandler(client.Health(), updater),
	}

	strategy := cfg.WatcherStrategy
	if strategy == "" {
		strategy = "immediate"
	}
	slog.Info("Starting consul watch", "strategy", strategy, "addr", cfg.ConsulAddr)
	return watcher.NewWatcher(strategy, watcherCfg).Watch(ctx)
}

// ServiceHandler resolves each changed service to its rewrites and reports
// the full set to updater.
func ServiceHandler(health HealthClient, updater RuleUpdater) watcher.ServiceChangeHandler {
	return func(services []string) error {
		slog.Debug("Processing services", "count", len(services), "services", services)

		var rules []types.RewriteRule
		for _, svc := range services {
			entries, _, err := health.Service(svc, "", true, nil)
			if err != nil {
				slog.Error("Failed fetching healthy entries", "service", svc, "error", err)
				continue
			}
			if len(entries) == 0 {
				continue
			}

			// Use metadata from the most recently modified instance
			sort.Slice(entries, func(i, j int) bool {
				return entries[i].Service.ModifyIndex > entries[j].Service.ModifyIndex
			})
			rules = append(rules, ParseServiceRewrites(entries[0])...)
		}
		return updater.UpdateRules(LoaderID, rules)
	}
}

// ParseServiceRewrites reads rewrite rules from service metadata.
// Supported metadata keys format: rewrite_N_fieldname where N is 1..10:
//   - rewrite_N_source: source path pattern (e.g. "/api/:path*")
//   - rewrite_N_destination: destination URL template, or a bare path
//     template resolved against the instance address
//     (e.g. "http://localhost:3002/:path*" or "/:path*")
func ParseServiceRewrites(entry *consulapi.ServiceEntry) []types.RewriteRule {
	svc := entry.Service.Service
	fields := make(map[int]map[string]string)
	for key, value := range entry.Service.Meta {
		parts := strings.SplitN(key, "_", 3)
		if len(parts) != 3 || parts[0] != "rewrite" {
			continue
		}
		n, err := strconv.Atoi(parts[1])
		if err != nil || n < 1 || n > maxRewrites {
			continue
		}
		if fields[n] == nil {
			fields[n] = make(map[string]string)
		}
		fields[n][parts[2]] = value
	}

	var rules []types.RewriteRule
	for n := 1; n <= maxRewrites; n++ {
		f, ok := fields[n]
		if !ok {
			continue
		}
		rule := types.RewriteRule{
			Name:        fmt.Sprintf("%s-rewrite-%d", svc, n),
			Source:      f["source"],
			Destination: f["destination"],
			Origin:      LoaderID,
		}
		if rule.Source == "" || rule.Destination == "" {
			slog.Warn("Incomplete rewrite in service metadata", "rule", rule.Name)
			continue
		}
		if strings.HasPrefix(rule.Destination, "/") {
			rule.Destination = "http://" + instanceAddr(entry) + rule.Destination
		}
		slog.Debug("Parse rewrite", "service", svc, "rule", rule.Name, "source", rule.Source, "destination", rule.Destination)
		rules = append(rules, rule)
	}
	return rules
}

func instanceAddr(entry *consulapi.ServiceEntry) string {
	addr := entry.Service.Address
	if addr == "" && entry.Node != nil {
		addr = entry.Node.Address
	}
	return net.JoinHostPort(addr, strconv.Itoa(entry.Service.Port))
}
