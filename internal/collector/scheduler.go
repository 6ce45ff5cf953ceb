package collector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"sdwear-agent/internal/config"
	"sdwear-agent/internal/metrics"
	"sdwear-agent/internal/store"
)

const (
	TriggerStartup  = "startup"
	TriggerTick     = "tick"
	TriggerShutdown = "shutdown"
)

// Report summarizes one pass over all devices.
type Report struct {
	Trigger   string
	At        time.Time
	Persisted int
	Idle      int
	Failed    int
}

type Reporter interface {
	CycleDone(r Report)
}

type Scheduler struct {
	logger   *slog.Logger
	devices  []*DeviceCollector
	interval time.Duration
	policy   config.FailurePolicy
	metrics  *metrics.Metrics
	reporter Reporter
}

func NewScheduler(
	logger *slog.Logger,
	devices []*DeviceCollector,
	interval time.Duration,
	policy config.FailurePolicy,
	m *metrics.Metrics,
	reporter Reporter,
) *Scheduler {
	return &Scheduler{
		logger:   logger,
		devices:  devices,
		interval: interval,
		policy:   policy,
		metrics:  m,
		reporter: reporter,
	}
}

// Run performs a startup cycle, one cycle per interval, and a final cycle
// once ctx is cancelled. The final cycle runs on a context detached from ctx
// so its write is never interrupted. A fatal cycle error stops the loop
// without the final cycle.
func (s *Scheduler) Run(ctx context.Context) error {
	if err := s.runCycle(ctx, TriggerStartup); err != nil {
		return err
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			ticker.Stop()
			return s.runCycle(context.WithoutCancel(ctx), TriggerShutdown)
		case <-ticker.C:
			if ctx.Err() != nil {
				continue
			}
			if err := s.runCycle(ctx, TriggerTick); err != nil {
				return err
			}
		}
	}
}

func (s *Scheduler) runCycle(ctx context.Context, trigger string) error {
	report := Report{Trigger: trigger}
	defer func() {
		report.At = time.Now().UTC()
		if s.reporter != nil {
			s.reporter.CycleDone(report)
		}
	}()

	for _, d := range s.devices {
		outcome, err := d.Cycle(ctx)
		s.metrics.Cycle(string(outcome))
		switch outcome {
		case OutcomePersisted:
			report.Persisted++
		case OutcomeIdle:
			report.Idle++
		default:
			report.Failed++
		}
		if err == nil {
			continue
		}
		if IsFatal(err, s.policy) {
			s.logger.Error("accounting cycle failed", "trigger", trigger, "device", d.Device().Node, "error", err)
			return fmt.Errorf("%s cycle: %w", trigger, err)
		}
		s.logger.Warn("accounting cycle incomplete, retrying next interval", "trigger", trigger, "device", d.Device().Node, "error", err)
	}
	s.logger.Debug("accounting cycle done", "trigger", trigger, "persisted", report.Persisted, "idle", report.Idle, "failed", report.Failed)
	return nil
}

// IsFatal decides whether err ends the process. Store corruption and
// rejected records always do, failed writes never do, and sampling failures
// depend on policy.
func IsFatal(err error, policy config.FailurePolicy) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, store.ErrCorrupt), errors.Is(err, store.ErrInvalidRecord):
		return true
	case errors.Is(err, store.ErrWriteFailed):
		return false
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return false
	}
	return policy != config.PolicyIsolate
}
