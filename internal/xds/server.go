package xds

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	core "github.com/envoyproxy/go-control-plane/envoy/config/core/v3"
	clusterservice "github.com/envoyproxy/go-control-plane/envoy/service/cluster/v3"
	discovery "github.com/envoyproxy/go-control-plane/envoy/service/discovery/v3"
	listenerservice "github.com/envoyproxy/go-control-plane/envoy/service/listener/v3"
	routeservice "github.com/envoyproxy/go-control-plane/envoy/service/route/v3"
	cachev3 "github.com/envoyproxy/go-control-plane/pkg/cache/v3"
	serverv3 "github.com/envoyproxy/go-control-plane/pkg/server/v3"
	"google.golang.org/grpc"
	"google.golang.org/grpc/keepalive"
)

// RunGRPC serves ADS on port until ctx is cancelled.
func RunGRPC(ctx context.Context, adsServer serverv3.Server, port int) error {
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return fmt.Errorf("listen on %d: %w", port, err)
	}

	grpcServer := grpc.NewServer(
		grpc.MaxConcurrentStreams(1000000),
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    30 * time.Second,
			Timeout: 5 * time.Second,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             30 * time.Second,
			PermitWithoutStream: true,
		}),
	)

	discovery.RegisterAggregatedDiscoveryServiceServer(grpcServer, adsServer)
	clusterservice.RegisterClusterDiscoveryServiceServer(grpcServer, adsServer)
	listenerservice.RegisterListenerDiscoveryServiceServer(grpcServer, adsServer)
	routeservice.RegisterRouteDiscoveryServiceServer(grpcServer, adsServer)

	serveErr := make(chan error, 1)
	go func() {
		slog.Info("ADS server listening", "port", port)
		serveErr <- grpcServer.Serve(lis)
	}()

	select {
	case <-ctx.Done():
		slog.Info("context cancelled, stopping gRPC server")
		grpcServer.GracefulStop()
		<-serveErr
		return nil
	case err := <-serveErr:
		return fmt.Errorf("ads serve: %w", err)
	}
}

// ServerCallbacks hands the reference snapshot to nodes as they connect.
type ServerCallbacks struct {
	serverv3.CallbackFuncs
	Cache cachev3.SnapshotCache
}

func (cb *ServerCallbacks) OnStreamOpen(ctx context.Context, streamID int64, typeURL string) error {
	slog.Debug("OnStreamOpen", "streamID", streamID, "typeURL", typeURL)
	return nil
}

func (cb *ServerCallbacks) OnStreamClosed(streamID int64, node *core.Node) {
	slog.Debug("OnStreamClosed", "streamID", streamID, "nodeID", node.GetId())
}

func (cb *ServerCallbacks) OnStreamRequest(streamID int64, req *discovery.DiscoveryRequest) error {
	nodeID := req.GetNode().GetId()
	slog.Debug("OnStreamRequest",
		"streamID", streamID,
		"nodeID", nodeID,
		"typeURL", req.TypeUrl,
		"versionInfo", req.VersionInfo)
	if nodeID == "" {
		return nil
	}
	if _, err := cb.Cache.GetSnapshot(nodeID); err == nil {
		return nil
	}
	snapshot, err := cb.Cache.GetSnapshot(referenceNode)
	if err != nil {
		slog.Debug("No reference snapshot yet", "nodeID", nodeID)
		return nil
	}
	if err := cb.Cache.SetSnapshot(context.Background(), nodeID, snapshot); err != nil {
		slog.Error("error setting snapshot for node", "nodeID", nodeID, "error", err)
		return err
	}
	return nil
}

func (cb *ServerCallbacks) OnStreamResponse(ctx context.Context, streamID int64, req *discovery.DiscoveryRequest, resp *discovery.DiscoveryResponse) {
	slog.Debug("OnStreamResponse",
		"streamID", streamID,
		"nodeID", req.GetNode().GetId(),
		"typeURL", req.TypeUrl,
		"resources", len(resp.GetResources()),
		"version", resp.GetVersionInfo())
}
