package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"sdwear-agent/internal/collector"
	"sdwear-agent/internal/config"
	"sdwear-agent/internal/identity"
	"sdwear-agent/internal/metrics"
	"sdwear-agent/internal/store"
	"sdwear-agent/internal/system"
	"sdwear-agent/internal/wear"
)

type Agent struct {
	cfg       config.Config
	logger    *slog.Logger
	scheduler *collector.Scheduler
	metrics   *metrics.Metrics
	health    *HealthStatus
}

// New validates the configured devices, resolves their identities and loads
// their prior state. Any failure here is a setup error.
func New(ctx context.Context, cfg config.Config, logger *slog.Logger) (*Agent, error) {
	width := wear.Width(cfg.CounterBits)
	if err := width.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", config.ErrInvalid, err)
	}
	if cfg.FileErr != nil {
		logger.Warn("config file unusable, monitoring the device given on the command line",
			"path", cfg.ConfigFilePath, "error", cfg.FileErr)
	}

	if err := store.EnsureDir(cfg.StatsFilePath); err != nil {
		return nil, fmt.Errorf("stats directory: %w", err)
	}
	st := store.New(cfg.StatsFilePath)
	doc, err := st.Load()
	if err != nil {
		return nil, err
	}

	source := system.NewSysfsSource(cfg.SysfsRoot, cfg.DevRoot)
	resolver := identity.NewDefaultResolver(logger, cfg.SysfsRoot)
	m := metrics.New()
	health := NewHealthStatus()

	byFingerprint := make(map[string]string, len(cfg.Devices))
	devices := make([]*collector.DeviceCollector, 0, len(cfg.Devices))
	for _, spec := range cfg.Devices {
		dev, err := source.ResolveDevice(spec.Path, spec.Name)
		if err != nil {
			return nil, err
		}
		id, err := resolver.Resolve(ctx, dev)
		if err != nil {
			return nil, err
		}
		if other, dup := byFingerprint[id.Fingerprint]; dup {
			return nil, fmt.Errorf("%w: %s and %s report the same serial %q", config.ErrInvalid, other, dev.Node, id.Fingerprint)
		}
		byFingerprint[id.Fingerprint] = dev.Node

		tracker, known, err := collector.NewTracker(ctx, source, doc, dev, id.Fingerprint, width, cfg.SectorSize, time.Now())
		if err != nil {
			return nil, err
		}

		attrs := []any{
			"device", dev.Node,
			"name", dev.Name,
			"fingerprint", id.Fingerprint,
			"identity", id.Strategy,
			"size_bytes", source.SizeBytes(dev),
			"known", known,
		}
		if id.ManfID != "" {
			attrs = append(attrs,
				"manfid", id.ManfID,
				"oemid", id.OEMID,
				"card_name", id.Name,
				"hwrev", id.HWRev,
				"fwrev", id.FWRev,
				"manufactured", id.Manufactured,
			)
		}
		logger.Info("monitoring device", attrs...)

		if known {
			m.ObserveRecord(dev.Node, tracker.Record())
		}
		devices = append(devices, collector.NewDeviceCollector(logger, dev, source, st, tracker, m, cfg.SectorSize))
	}

	return &Agent{
		cfg:       cfg,
		logger:    logger,
		scheduler: collector.NewScheduler(logger, devices, cfg.UpdateRate, cfg.FailurePolicy, m, health),
		metrics:   m,
		health:    health,
	}, nil
}

func (a *Agent) Run(ctx context.Context) error {
	a.logger.Info("starting sdwear-agent",
		"devices", len(a.cfg.Devices),
		"stats_file", a.cfg.StatsFilePath,
		"update_rate", a.cfg.UpdateRate,
		"failure_policy", a.cfg.FailurePolicy,
	)
	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	runErrCh := make(chan error, 1)
	accounted := make(chan struct{})
	go func() {
		runErrCh <- a.run(runCtx, accounted)
	}()

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	var runErr error
	select {
	case runErr = <-runErrCh:
		// Stopped by itself: fatal cycle error, listener failure or parent ctx.
	case sig := <-sigCh:
		a.logger.Info("shutdown signal received, running final cycle", "signal", sig.String(), "timeout", a.cfg.ShutdownTimeout)
		cancelRun()
		runErr = a.awaitStop(runErrCh, accounted, sigCh)
	}

	a.shutdown()

	if runErr != nil && !errors.Is(runErr, context.Canceled) && !errors.Is(runErr, context.DeadlineExceeded) {
		return runErr
	}
	a.logger.Info("sdwear-agent stopped")
	return nil
}

// awaitStop waits for run to return after cancellation. The grace timeout
// only bounds the listeners: once it fires, the final accounting cycle is
// still awaited unless a second signal arrives.
func (a *Agent) awaitStop(runErrCh <-chan error, accounted <-chan struct{}, sigCh <-chan os.Signal) error {
	graceTimer := time.NewTimer(a.cfg.ShutdownTimeout)
	defer graceTimer.Stop()

	select {
	case err := <-runErrCh:
		return err
	case sig := <-sigCh:
		a.logger.Warn("second signal received, forcing immediate shutdown", "signal", sig.String())
		return context.Canceled
	case <-graceTimer.C:
	}

	a.logger.Warn("graceful shutdown timeout reached, waiting for final cycle", "timeout", a.cfg.ShutdownTimeout)
	select {
	case err := <-runErrCh:
		return err
	case <-accounted:
		return context.DeadlineExceeded
	case sig := <-sigCh:
		a.logger.Warn("second signal received, forcing immediate shutdown", "signal", sig.String())
		return context.Canceled
	}
}

func BuildLogger(cfg config.Config) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	hOpts := &slog.HandlerOptions{Level: level}
	if cfg.LogJSON {
		return slog.New(slog.NewJSONHandler(os.Stdout, hOpts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, hOpts))
}
