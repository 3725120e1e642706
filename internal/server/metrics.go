package server

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Prometheus metrics
var (
	MetricSnapshotsPushed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "rewriteds_snapshots_pushed_total",
			Help: "Total number of xDS snapshots pushed to the cache",
		},
	)
	MetricRulesActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "rewriteds_rules_active",
			Help: "Number of rewrite rules in the published table",
		},
	)
	MetricRulesDiscovered = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "rewriteds_rules_discovered",
			Help: "Number of rewrite rules reported by each loader",
		},
		[]string{"loader"},
	)
	MetricRulesDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rewriteds_rules_dropped_total",
			Help: "Rewrite rules from dynamic loaders dropped because they fail the build",
		},
		[]string{"loader", "kind"},
	)
	MetricBuilds = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rewriteds_builds_total",
			Help: "Rewrite table builds by outcome",
		},
		[]string{"result"},
	)
	MetricBuildDiagnostics = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rewriteds_build_diagnostics_total",
			Help: "Diagnostics reported by the rewrite checker",
		},
		[]string{"severity", "kind"},
	)
	MetricRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rewriteds_proxy_requests_total",
			Help: "Requests handled by the proxy, by rule (empty when passed through)",
		},
		[]string{"rule", "outcome"},
	)
)

// InitMetrics registers Prometheus metrics
func InitMetrics() {
	prometheus.MustRegister(MetricSnapshotsPushed)
	prometheus.MustRegister(MetricRulesActive)
	prometheus.MustRegister(MetricRulesDiscovered)
	prometheus.MustRegister(MetricRulesDropped)
	prometheus.MustRegister(MetricBuilds)
	prometheus.MustRegister(MetricBuildDiagnostics)
	prometheus.MustRegister(MetricRequests)
}
