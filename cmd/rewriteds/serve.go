package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	cachev3 "github.com/envoyproxy/go-control-plane/pkg/cache/v3"
	serverv3 "github.com/envoyproxy/go-control-plane/pkg/server/v3"
	"github.com/moonkev/rewriteds/internal/build"
	"github.com/moonkev/rewriteds/internal/common/config"
	"github.com/moonkev/rewriteds/internal/discovery"
	"github.com/moonkev/rewriteds/internal/discovery/consul"
	"github.com/moonkev/rewriteds/internal/discovery/yaml"
	"github.com/moonkev/rewriteds/internal/proxy"
	"github.com/moonkev/rewriteds/internal/server"
	"github.com/moonkev/rewriteds/internal/xds"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

type serveOptions struct {
	listen          string
	adminPort       int
	xdsEnabled      bool
	adsPort         int
	listenerPorts   config.Uint32SliceFlag
	consulEnabled   bool
	consulAddr      string
	watcherStrategy string
	watchConfig     bool
}

var serveOpts serveOptions

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the rewrite proxy",
	Long: "Serves the rewrite rules through the in-process proxy and, with --xds, to Envoy\n" +
		"over ADS. Requests matching no rule are passed to proxy.fallback or answered 404.",
	Args: cobra.NoArgs,
	PreRun: func(cmd *cobra.Command, _ []string) {
		// environment supplies the defaults, flags win
		o := &serveOpts
		f := cmd.Flags()
		if !f.Changed("listen") {
			o.listen = settings.Listen
		}
		if !f.Changed("admin-port") {
			o.adminPort = settings.AdminPort
		}
		if !f.Changed("xds") {
			o.xdsEnabled = settings.XDS
		}
		if !f.Changed("ads-port") {
			o.adsPort = settings.ADSPort
		}
		if !f.Changed("listener-ports") {
			o.listenerPorts = settings.ListenerPorts
		}
		if !f.Changed("consul") {
			o.consulEnabled = settings.Consul
		}
		if !f.Changed("consul-addr") {
			o.consulAddr = settings.ConsulAddr
		}
		if !f.Changed("consul-watcher-strategy") {
			o.watcherStrategy = settings.WatcherStrategy
		}
		if !f.Changed("watch") {
			o.watchConfig = settings.WatchConfig
		}
	},
	RunE: runServe,
}

func init() {
	f := serveCmd.Flags()
	f.StringVar(&serveOpts.listen, "listen", ":3000", "proxy listen address")
	f.IntVar(&serveOpts.adminPort, "admin-port", 19005, "admin port serving /metrics and /healthz")
	f.BoolVar(&serveOpts.xdsEnabled, "xds", false, "serve the rewrites to Envoy over ADS")
	f.IntVar(&serveOpts.adsPort, "ads-port", 18000, "ADS gRPC port")
	f.Var(&serveOpts.listenerPorts, "listener-ports", "comma-separated Envoy listener ports (default 18080)")
	f.BoolVar(&serveOpts.consulEnabled, "consul", false, "read additional rewrites from Consul service metadata")
	f.StringVar(&serveOpts.consulAddr, "consul-addr", "localhost:8500", "consul HTTP address (host:port)")
	f.StringVar(&serveOpts.watcherStrategy, "consul-watcher-strategy", "immediate", "consul watcher strategy: immediate, debounce, or batch")
	f.BoolVar(&serveOpts.watchConfig, "watch", false, "reload the declaration file when it changes")
}

func runServe(cmd *cobra.Command, _ []string) error {
	o := serveOpts
	if o.watchConfig && configFile == "" {
		return errors.New("--watch requires --config")
	}

	decl, err := yaml.LoadDeclaration(configFile)
	if err != nil {
		return fmt.Errorf("loading declaration: %w", err)
	}

	server.InitMetrics()

	proxyHandler, err := proxy.New(proxy.Options{
		Fallback:    decl.Proxy.Fallback,
		DialTimeout: decl.Proxy.DialTimeout.ToDuration(),
	})
	if err != nil {
		return err
	}
	publishers := []discovery.Publisher{proxyHandler}

	var snapshotCache cachev3.SnapshotCache
	if o.xdsEnabled {
		snapshotCache = cachev3.NewSnapshotCache(true, cachev3.IDHash{}, nil)
		publishers = append(publishers, xds.NewSnapshotManager(xds.Config{
			Cache:         snapshotCache,
			ListenerPorts: o.listenerPorts,
		}))
	}

	aggregator := discovery.NewRuleAggregator(build.OptionsFrom(decl), []string{yaml.LoaderID, consul.LoaderID}, publishers...).
		Strict(yaml.LoaderID)
	if err := aggregator.UpdateRules(yaml.LoaderID, decl.Rewrites); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	g, ctx := errgroup.WithContext(ctx)

	proxySrv := &http.Server{Addr: o.listen, Handler: proxyHandler, ReadHeaderTimeout: 10 * time.Second}
	g.Go(func() error {
		slog.Info("starting rewrite proxy", "addr", o.listen)
		return listenAndServe(ctx, proxySrv)
	})

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", healthz(aggregator))
	admin := &http.Server{Addr: fmt.Sprintf(":%d", o.adminPort), Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	g.Go(func() error {
		slog.Info("starting admin http server", "port", o.adminPort)
		return listenAndServe(ctx, admin)
	})

	if o.xdsEnabled {
		callbacks := &xds.ServerCallbacks{Cache: snapshotCache}
		adsServer := serverv3.NewServer(ctx, snapshotCache, callbacks)
		g.Go(func() error {
			return xds.RunGRPC(ctx, adsServer, o.adsPort)
		})
	}

	if o.consulEnabled {
		consulCfg := &consul.Config{
			ConsulAddr:      o.consulAddr,
			WaitTimeSec:     2,
			WatcherStrategy: o.watcherStrategy,
		}
		g.Go(func() error {
			return consul.WatchConsulBlocking(ctx, consulCfg, aggregator)
		})
	}

	if o.watchConfig {
		loader := &yaml.Loader{Path: configFile, Updater: aggregator}
		g.Go(func() error {
			return loader.Watch(ctx)
		})
	}

	err = g.Wait()
	slog.Info("exiting")
	return err
}

// listenAndServe runs srv until ctx is done, then shuts it down gracefully.
func listenAndServe(ctx context.Context, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown error", "addr", srv.Addr, "error", err)
	}
	return nil
}

// healthz reports ready once a table is published.
func healthz(agg *discovery.RuleAggregator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		table := agg.Current()
		if table == nil {
			http.Error(w, "no rewrite table published", http.StatusServiceUnavailable)
			return
		}
		_, _ = fmt.Fprintf(w, "ok version=%d rules=%d\n", table.Version(), table.Len())
	}
}
