package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
)

// run closes accounted once the scheduler has returned, final cycle included.
func (a *Agent) run(ctx context.Context, accounted chan<- struct{}) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(accounted)
		return a.scheduler.Run(gctx)
	})
	g.Go(func() error {
		return a.runMetricsServer(gctx)
	})
	g.Go(func() error {
		return a.runProbeListener(gctx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (a *Agent) runMetricsServer(ctx context.Context) error {
	addr := strings.TrimSpace(a.cfg.MetricsAddr)
	if addr == "" {
		return nil
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen metrics endpoint %s: %w", addr, err)
	}
	a.logger.Info("metrics endpoint listening", "addr", ln.Addr().String())
	return serveHTTP(ctx, ln, a.httpHandler())
}

func (a *Agent) httpHandler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", a.metrics.Handler())
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(a.health.Snapshot()); err != nil {
			a.logger.Debug("health snapshot encode failed", "error", err)
		}
	})
	return mux
}

func serveHTTP(ctx context.Context, ln net.Listener, h http.Handler) error {
	srv := &http.Server{Handler: h, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve metrics endpoint: %w", err)
	}
	return nil
}

func (a *Agent) logHealth(status string) {
	a.logger.Log(context.Background(), slog.LevelDebug, "agent health", "status", status, "snapshot", a.health.Snapshot())
}

func (a *Agent) shutdown() {
	a.health.Shutdown()
	a.logHealth("stopped")
}
