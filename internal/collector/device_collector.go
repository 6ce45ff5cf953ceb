package collector

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"sdwear-agent/internal/metrics"
	"sdwear-agent/internal/model"
	"sdwear-agent/internal/store"
	"sdwear-agent/internal/system"
	"sdwear-agent/internal/wear"
)

// Persister merges one record into the stats file.
type Persister interface {
	Merge(rec model.DeviceRecord) (model.DeviceRecord, error)
}

type Outcome string

const (
	OutcomeIdle      Outcome = Outcome(metrics.ResultIdle)
	OutcomePersisted Outcome = Outcome(metrics.ResultPersisted)
	OutcomeFailed    Outcome = Outcome(metrics.ResultFailed)
)

// DeviceCollector runs the accounting cycle of one configured device. It owns
// the device's tracker and remembers whether the last persist failed.
type DeviceCollector struct {
	logger     *slog.Logger
	dev        model.Device
	source     system.Source
	persister  Persister
	tracker    *wear.Tracker
	metrics    *metrics.Metrics
	sectorSize uint64
	dirty      bool
	now        func() time.Time
}

func NewDeviceCollector(
	logger *slog.Logger,
	dev model.Device,
	source system.Source,
	persister Persister,
	tracker *wear.Tracker,
	m *metrics.Metrics,
	sectorSize uint64,
) *DeviceCollector {
	return &DeviceCollector{
		logger:     logger.With("device", dev.Node),
		dev:        dev,
		source:     source,
		persister:  persister,
		tracker:    tracker,
		metrics:    m,
		sectorSize: sectorSize,
		now:        time.Now,
	}
}

func (c *DeviceCollector) Device() model.Device {
	return c.dev
}

func (c *DeviceCollector) Record() model.DeviceRecord {
	return c.tracker.Record()
}

// Dirty reports whether folded changes are waiting for a successful write.
func (c *DeviceCollector) Dirty() bool {
	return c.dirty
}

// Cycle samples the device, folds the change and persists the record. An
// unchanged device is not written unless an earlier write failed.
func (c *DeviceCollector) Cycle(ctx context.Context) (Outcome, error) {
	snap, err := c.read(ctx)
	if err != nil {
		c.metrics.SampleFailed(c.dev.Node)
		return OutcomeFailed, err
	}

	step := c.tracker.Advance(snap)
	if step.Rebound {
		c.logger.Info("disk sequence changed, counters restarted", "fingerprint", step.Record.Fingerprint, "disk_seq", snap.BindingSequence)
		c.metrics.Rebound(step.Record.Fingerprint)
	}
	if step.Idle && !c.dirty {
		c.logger.Debug("device idle", "fingerprint", step.Record.Fingerprint)
		return OutcomeIdle, nil
	}

	start := c.now()
	merged, err := c.persister.Merge(step.Record)
	c.metrics.Persisted(c.now().Sub(start), start, err)
	if err != nil {
		c.dirty = true
		return OutcomeFailed, fmt.Errorf("persist %s: %w", c.dev.Node, err)
	}
	c.dirty = false
	c.metrics.ObserveRecord(c.dev.Node, merged)
	c.logger.Info("device stats persisted",
		"fingerprint", merged.Fingerprint,
		"sampled_at", snap.TakenAt,
		"total_bytes_written", merged.TotalBytesWritten,
		"written_bytes", step.Delta[model.WriteSectors]*c.sectorSize,
		"avg_write_size", wear.AverageWriteSize(step.Delta, c.sectorSize),
	)

	// The stats file may live on this device; take its own write into the
	// baseline so it is not counted as activity next cycle.
	after, err := c.read(ctx)
	if err != nil {
		c.metrics.SampleFailed(c.dev.Node)
		return OutcomePersisted, fmt.Errorf("resample after persist: %w", err)
	}
	c.tracker.Rebaseline(after)
	return OutcomePersisted, nil
}

func (c *DeviceCollector) read(ctx context.Context) (model.RawSnapshot, error) {
	seq, err := c.source.BindingSequence(ctx, c.dev)
	if err != nil {
		return model.RawSnapshot{}, fmt.Errorf("disk sequence of %s: %w", c.dev.Node, err)
	}
	snap, err := c.source.Sample(ctx, c.dev)
	if err != nil {
		return model.RawSnapshot{}, fmt.Errorf("sample %s: %w", c.dev.Node, err)
	}
	snap.BindingSequence = seq
	return snap, nil
}

// NewTracker prepares the accounting state of dev from doc. A stored record
// keeps its disk sequence and is seeded with the counters read now; an unknown
// fingerprint starts a fresh record with a zero baseline.
func NewTracker(
	ctx context.Context,
	source system.Source,
	doc *store.Document,
	dev model.Device,
	fingerprint string,
	width wear.Width,
	sectorSize uint64,
	now time.Time,
) (*wear.Tracker, bool, error) {
	rec, ok, err := doc.Record(fingerprint)
	if err != nil {
		return nil, false, err
	}
	if !ok {
		rec = model.NewDeviceRecord(fingerprint, dev.Node, now)
		return wear.NewTracker(width, sectorSize, rec), false, nil
	}

	t := wear.NewTracker(width, sectorSize, rec)
	t.SetPath(dev.Node)
	snap, err := source.Sample(ctx, dev)
	if err != nil {
		return nil, true, fmt.Errorf("sample %s: %w", dev.Node, err)
	}
	t.Seed(snap.Counters)
	return t, true, nil
}
