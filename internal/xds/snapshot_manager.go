package xds

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	cluster "github.com/envoyproxy/go-control-plane/envoy/config/cluster/v3"
	core "github.com/envoyproxy/go-control-plane/envoy/config/core/v3"
	endpoint "github.com/envoyproxy/go-control-plane/envoy/config/endpoint/v3"
	listener "github.com/envoyproxy/go-control-plane/envoy/config/listener/v3"
	route "github.com/envoyproxy/go-control-plane/envoy/config/route/v3"
	router "github.com/envoyproxy/go-control-plane/envoy/extensions/filters/http/router/v3"
	hcm "github.com/envoyproxy/go-control-plane/envoy/extensions/filters/network/http_connection_manager/v3"
	tls "github.com/envoyproxy/go-control-plane/envoy/extensions/transport_sockets/tls/v3"
	matcher "github.com/envoyproxy/go-control-plane/envoy/type/matcher/v3"
	"github.com/envoyproxy/go-control-plane/pkg/cache/types"
	cachev3 "github.com/envoyproxy/go-control-plane/pkg/cache/v3"
	"github.com/envoyproxy/go-control-plane/pkg/resource/v3"
	"github.com/envoyproxy/go-control-plane/pkg/wellknown"
	"github.com/moonkev/rewriteds/internal/rewrite"
	"github.com/moonkev/rewriteds/internal/server"
	"google.golang.org/protobuf/types/known/anypb"
	"google.golang.org/protobuf/types/known/durationpb"
)

var version uint64

// trailingSlash matches paths ending in a slash, other than the root.
const trailingSlash = `^(.*[^/])/+$`

type SnapshotManager struct {
	cfg Config
}

func NewSnapshotManager(cfg Config) *SnapshotManager {
	if len(cfg.ListenerPorts) == 0 {
		cfg.ListenerPorts = []uint32{18080}
	}
	if len(cfg.Domains) == 0 {
		cfg.Domains = []string{"*"}
	}
	return &SnapshotManager{cfg: cfg}
}

// Publish translates the table into Envoy resources and pushes them to every
// known node.
func (s *SnapshotManager) Publish(table *rewrite.Table) {
	snap, err := s.BuildSnapshot(table)
	if err != nil {
		slog.Error("Failed to build snapshot", "error", err)
		return
	}

	if err := s.cfg.Cache.SetSnapshot(context.Background(), referenceNode, snap); err != nil {
		slog.Error("Failed setting reference snapshot", "error", err)
	}
	nodeIDs := s.cfg.Cache.GetStatusKeys()
	slog.Debug("node IDs", "nodeIDs", nodeIDs)
	for _, nodeID := range nodeIDs {
		if nodeID == referenceNode {
			continue
		}
		if err := s.cfg.Cache.SetSnapshot(context.Background(), nodeID, snap); err != nil {
			slog.Error("Failed setting snapshot", "nodeID", nodeID, "error", err)
		}
	}
	slog.Info("Snapshot pushed",
		"version", snap.GetVersion(resource.RouteType),
		"tableVersion", table.Version(),
		"rules", table.Len(),
		"clusters", len(snap.GetResources(resource.ClusterType)))
	server.MetricSnapshotsPushed.Inc()
}

// BuildSnapshot constructs clusters, routes and listeners for the table. An
// empty table yields an empty snapshot.
func (s *SnapshotManager) BuildSnapshot(table *rewrite.Table) (*cachev3.Snapshot, error) {
	snapVer := strconv.FormatUint(atomic.AddUint64(&version, 1), 10)
	if table.Len() == 0 {
		slog.Warn("No rewrite rules, pushing empty snapshot")
		return cachev3.NewSnapshot(snapVer, map[resource.Type][]types.Resource{})
	}

	var clusters []types.Resource
	seen := make(map[string]bool)
	for _, rule := range table.Rules() {
		target := rule.Target()
		name := clusterName(target.Scheme, target.Host)
		if seen[name] {
			continue
		}
		seen[name] = true
		cl, err := buildCluster(name, target.Scheme, target.Host)
		if err != nil {
			return nil, err
		}
		clusters = append(clusters, cl)
	}

	listeners := make([]types.Resource, 0, len(s.cfg.ListenerPorts))
	for _, port := range s.cfg.ListenerPorts {
		ln, err := buildListener(port)
		if err != nil {
			return nil, err
		}
		listeners = append(listeners, ln)
	}

	return cachev3.NewSnapshot(snapVer, map[resource.Type][]types.Resource{
		resource.ClusterType:  clusters,
		resource.RouteType:    {s.RouteConfiguration(table)},
		resource.ListenerType: listeners,
	})
}

// RouteConfiguration renders the rules as one virtual host. Rules keep their
// table order so Envoy picks the first match as well. A leading route
// redirects paths with a trailing slash to their clean form, matching the
// in-process proxy.
func (s *SnapshotManager) RouteConfiguration(table *rewrite.Table) *route.RouteConfiguration {
	routes := make([]*route.Route, 0, table.Len()+1)
	routes = append(routes, &route.Route{
		Name: "trailing-slash",
		Match: &route.RouteMatch{
			PathSpecifier: &route.RouteMatch_SafeRegex{
				SafeRegex: &matcher.RegexMatcher{Regex: trailingSlash},
			},
		},
		Action: &route.Route_Redirect{Redirect: &route.RedirectAction{
			PathRewriteSpecifier: &route.RedirectAction_RegexRewrite{
				RegexRewrite: &matcher.RegexMatchAndSubstitute{
					Pattern:      &matcher.RegexMatcher{Regex: trailingSlash},
					Substitution: `\1`,
				},
			},
			ResponseCode: route.RedirectAction_PERMANENT_REDIRECT,
		}},
	})
	for _, rule := range table.Rules() {
		target := rule.Target()
		if target.RawQuery != "" {
			slog.Warn("Destination query is not forwarded by envoy", "rule", rule.Name, "query", target.RawQuery)
		}
		pattern, substitution := rule.RegexRewrite()
		slog.Debug("configuring regex rewrite", "rule", rule.Name, "pattern", pattern, "substitution", substitution)

		routes = append(routes, &route.Route{
			Name: rule.Name,
			Match: &route.RouteMatch{
				PathSpecifier: &route.RouteMatch_SafeRegex{
					SafeRegex: &matcher.RegexMatcher{Regex: pattern},
				},
			},
			Action: &route.Route_Route{Route: &route.RouteAction{
				ClusterSpecifier: &route.RouteAction_Cluster{Cluster: clusterName(target.Scheme, target.Host)},
				RegexRewrite: &matcher.RegexMatchAndSubstitute{
					Pattern:      &matcher.RegexMatcher{Regex: pattern},
					Substitution: substitution,
				},
				HostRewriteSpecifier: &route.RouteAction_HostRewriteLiteral{HostRewriteLiteral: target.Host},
			}},
		})
	}

	return &route.RouteConfiguration{
		Name: routeConfigName,
		VirtualHosts: []*route.VirtualHost{{
			Name:    "rewrites",
			Domains: s.cfg.Domains,
			Routes:  routes,
		}},
	}
}

func clusterName(scheme, host string) string {
	return scheme + "_" + strings.NewReplacer(":", "_", ".", "_").Replace(host)
}

func buildCluster(name, scheme, hostport string) (*cluster.Cluster, error) {
	host, portStr, err := net.SplitHostPort(hostport)
	if err != nil {
		host = hostport
		portStr = "80"
		if scheme == "https" {
			portStr = "443"
		}
	}
	port, err := strconv.ParseUint(portStr, 10, 32)
	if err != nil {
		return nil, fmt.Errorf("cluster %s: invalid port %q: %w", name, portStr, err)
	}

	cl := &cluster.Cluster{
		Name:           name,
		ConnectTimeout: durationpb.New(2 * time.Second),
		ClusterDiscoveryType: &cluster.Cluster_Type{
			Type: cluster.Cluster_STRICT_DNS,
		},
		LoadAssignment: &endpoint.ClusterLoadAssignment{
			ClusterName: name,
			Endpoints: []*endpoint.LocalityLbEndpoints{{
				LbEndpoints: []*endpoint.LbEndpoint{{
					HostIdentifier: &endpoint.LbEndpoint_Endpoint{
						Endpoint: &endpoint.Endpoint{
							Address: socketAddress(host, uint32(port)),
						},
					},
				}},
			}},
		},
		LbPolicy:        cluster.Cluster_ROUND_ROBIN,
		DnsLookupFamily: cluster.Cluster_V4_ONLY,
		DnsRefreshRate:  durationpb.New(60 * time.Second),
	}

	if scheme == "https" {
		slog.Debug("configuring TLS support", "cluster", name)
		tlsContextAny, err := anypb.New(&tls.UpstreamTlsContext{Sni: host})
		if err != nil {
			return nil, fmt.Errorf("cluster %s: %w", name, err)
		}
		cl.TransportSocket = &core.TransportSocket{
			Name:       "envoy.transport_sockets.tls",
			ConfigType: &core.TransportSocket_TypedConfig{TypedConfig: tlsContextAny},
		}
	}
	return cl, nil
}

func buildListener(port uint32) (*listener.Listener, error) {
	routerAny, err := anypb.New(&router.Router{})
	if err != nil {
		return nil, err
	}
	hcmCfg := &hcm.HttpConnectionManager{
		StatPrefix:   "ingress_http",
		CodecType:    hcm.HttpConnectionManager_AUTO,
		MergeSlashes: true,
		RouteSpecifier: &hcm.HttpConnectionManager_Rds{
			Rds: &hcm.Rds{
				ConfigSource: &core.ConfigSource{
					ResourceApiVersion: core.ApiVersion_V3,
					ConfigSourceSpecifier: &core.ConfigSource_Ads{
						Ads: &core.AggregatedConfigSource{},
					},
				},
				RouteConfigName: routeConfigName,
			},
		},
		HttpFilters: []*hcm.HttpFilter{{
			Name:       wellknown.Router,
			ConfigType: &hcm.HttpFilter_TypedConfig{TypedConfig: routerAny},
		}},
	}
	hcmAny, err := anypb.New(hcmCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal HCM: %w", err)
	}

	return &listener.Listener{
		Name:    fmt.Sprintf("listener_%d", port),
		Address: socketAddress("0.0.0.0", port),
		FilterChains: []*listener.FilterChain{{
			Filters: []*listener.Filter{{
				Name:       wellknown.HTTPConnectionManager,
				ConfigType: &listener.Filter_TypedConfig{TypedConfig: hcmAny},
			}},
		}},
	}, nil
}

func socketAddress(host string, port uint32) *core.Address {
	return &core.Address{
		Address: &core.Address_SocketAddress{
			SocketAddress: &core.SocketAddress{
				Address:       host,
				PortSpecifier: &core.SocketAddress_PortValue{PortValue: port},
			},
		},
	}
}
