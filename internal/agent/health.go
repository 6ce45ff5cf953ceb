package agent

import (
	"sync/atomic"
	"time"

	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"sdwear-agent/internal/collector"
)

// ProbeService is the gRPC health service name reported next to the
// server-wide "" entry.
const ProbeService = "sdwear.Agent"

// HealthStatus tracks cycle outcomes and mirrors them into the gRPC health
// server. The agent serves once a cycle completes without failures.
type HealthStatus struct {
	lastCycleAt   atomic.Int64
	lastPersistAt atomic.Int64
	lastFailed    atomic.Int64
	cycles        atomic.Int64
	server        *health.Server
}

func NewHealthStatus() *HealthStatus {
	h := &HealthStatus{server: health.NewServer()}
	h.setServing(false)
	return h
}

// CycleDone implements collector.Reporter.
func (h *HealthStatus) CycleDone(r collector.Report) {
	h.cycles.Add(1)
	h.lastCycleAt.Store(r.At.UnixNano())
	h.lastFailed.Store(int64(r.Failed))
	if r.Persisted > 0 {
		h.lastPersistAt.Store(r.At.UnixNano())
	}
	h.setServing(r.Failed == 0)
}

func (h *HealthStatus) setServing(ok bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if ok {
		status = healthpb.HealthCheckResponse_SERVING
	}
	h.server.SetServingStatus("", status)
	h.server.SetServingStatus(ProbeService, status)
}

// Shutdown marks every service NOT_SERVING and ignores later updates.
func (h *HealthStatus) Shutdown() {
	h.server.Shutdown()
}

func (h *HealthStatus) Snapshot() map[string]any {
	out := map[string]any{
		"cycles":              h.cycles.Load(),
		"last_cycle_failures": h.lastFailed.Load(),
	}
	if v := h.lastCycleAt.Load(); v > 0 {
		out["last_cycle_at"] = time.Unix(0, v).UTC()
	}
	if v := h.lastPersistAt.Load(); v > 0 {
		out["last_persist_at"] = time.Unix(0, v).UTC()
	}
	return out
}
