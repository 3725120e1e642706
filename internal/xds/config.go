package xds

import (
	cachev3 "github.com/envoyproxy/go-control-plane/pkg/cache/v3"
)

const (
	// referenceNode holds the latest snapshot for nodes that have not
	// connected yet.
	referenceNode   = "__REFERENCE_SNAPSHOT__"
	routeConfigName = "rewrite_route"
)

// Config controls the Envoy resources generated from a rewrite table.
type Config struct {
	Cache         cachev3.SnapshotCache
	ListenerPorts []uint32
	// Domains matched by the virtual host; defaults to any.
	Domains []string
}
