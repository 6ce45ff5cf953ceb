package agent

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"google.golang.org/grpc"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

func (a *Agent) runProbeListener(ctx context.Context) error {
	addr := strings.TrimSpace(a.cfg.ProbeAddr)
	if addr == "" {
		return nil
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen probe endpoint %s: %w", addr, err)
	}
	a.logger.Info("probe endpoint listening", "addr", ln.Addr().String())
	return serveProbe(ctx, ln, a.health)
}

// serveProbe serves the gRPC health service on ln until ctx is done.
func serveProbe(ctx context.Context, ln net.Listener, h *HealthStatus) error {
	srv := grpc.NewServer()
	healthpb.RegisterHealthServer(srv, h.server)

	go func() {
		<-ctx.Done()
		h.Shutdown()
		srv.GracefulStop()
	}()

	if err := srv.Serve(ln); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return fmt.Errorf("serve probe endpoint: %w", err)
	}
	return nil
}
