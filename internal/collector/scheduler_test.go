package collector

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"sdwear-agent/internal/config"
	"sdwear-agent/internal/metrics"
	"sdwear-agent/internal/model"
	"sdwear-agent/internal/store"
	"sdwear-agent/internal/system"
	"sdwear-agent/internal/wear"
)

type corruptPersister struct{}

func (corruptPersister) Merge(model.DeviceRecord) (model.DeviceRecord, error) {
	return model.DeviceRecord{}, fmt.Errorf("%w: truncated", store.ErrCorrupt)
}

type recordingReporter struct {
	mu      sync.Mutex
	reports []Report
	onDone  func(n int)
}

func (r *recordingReporter) CycleDone(rep Report) {
	r.mu.Lock()
	r.reports = append(r.reports, rep)
	n := len(r.reports)
	r.mu.Unlock()
	if r.onDone != nil {
		r.onDone(n)
	}
}

func (r *recordingReporter) triggers() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.reports))
	for _, rep := range r.reports {
		out = append(out, rep.Trigger)
	}
	return out
}

func TestSchedulerRunsStartupTicksAndFinalCycle(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stats.json")
	src := &fakeSource{seq: 1}
	src.set(100, 10)
	c := newCollector(t, src, store.New(path), path, "A", wear.NativeWidth)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rep := &recordingReporter{}
	rep.onDone = func(n int) {
		if n == 3 {
			// Writes land between the last tick and shutdown.
			src.set(300, 30)
			cancel()
		}
	}

	m := metrics.New()
	s := NewScheduler(discardLogger(), []*DeviceCollector{c}, 5*time.Millisecond, config.PolicyAbort, m, rep)
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler did not stop")
	}

	want := []string{TriggerStartup, TriggerTick, TriggerTick, TriggerShutdown}
	got := rep.triggers()
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("triggers = %v, want %v", got, want)
	}
	if src.cancelled != 0 {
		t.Fatalf("final cycle saw a cancelled context %d times", src.cancelled)
	}
	if rec := loadRecord(t, path, "A"); rec.TotalBytesWritten != 300*512 {
		t.Fatalf("final cycle did not persist: total %d", rec.TotalBytesWritten)
	}
}

func TestSchedulerAbortStopsOnSampleFailure(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stats.json")
	src := &fakeSource{seq: 1, sampleErr: fmt.Errorf("%w: gone", system.ErrSampleFailed)}
	c := newCollector(t, src, store.New(path), path, "A", wear.NativeWidth)

	s := NewScheduler(discardLogger(), []*DeviceCollector{c}, time.Hour, config.PolicyAbort, metrics.New(), nil)
	err := s.Run(context.Background())
	if !errors.Is(err, system.ErrSampleFailed) {
		t.Fatalf("expected ErrSampleFailed, got %v", err)
	}
}

func TestSchedulerIsolateKeepsHealthyDevices(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stats.json")
	broken := &fakeSource{seq: 1, sampleErr: fmt.Errorf("%w: gone", system.ErrSampleFailed)}
	healthy := &fakeSource{seq: 1}
	healthy.set(100, 10)

	bad := newCollector(t, broken, store.New(path), path, "BAD", wear.NativeWidth)
	good := newCollector(t, healthy, store.New(path), path, "GOOD", wear.NativeWidth)

	ctx, cancel := context.WithCancel(context.Background())
	rep := &recordingReporter{onDone: func(int) { cancel() }}
	s := NewScheduler(discardLogger(), []*DeviceCollector{bad, good}, time.Hour, config.PolicyIsolate, metrics.New(), rep)

	if err := s.Run(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}
	rep.mu.Lock()
	first := rep.reports[0]
	rep.mu.Unlock()
	if first.Failed != 1 || first.Persisted != 1 {
		t.Fatalf("startup report = %+v", first)
	}
	if rec := loadRecord(t, path, "GOOD"); rec.TotalBytesWritten != 51200 {
		t.Fatalf("healthy device total = %d", rec.TotalBytesWritten)
	}
}

func TestSchedulerCorruptStoreIsFatalUnderIsolate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stats.json")
	src := &fakeSource{seq: 1}
	src.set(100, 10)
	c := newCollector(t, src, store.New(path), path, "A", wear.NativeWidth)

	c.persister = corruptPersister{}

	s := NewScheduler(discardLogger(), []*DeviceCollector{c}, time.Hour, config.PolicyIsolate, metrics.New(), nil)
	if err := s.Run(context.Background()); !errors.Is(err, store.ErrCorrupt) {
		t.Fatalf("expected ErrCorrupt, got %v", err)
	}
}

func TestSchedulerSlowCycleDoesNotQueueTicks(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stats.json")
	src := &fakeSource{seq: 1}
	src.set(100, 10)
	c := newCollector(t, src, store.New(path), path, "A", wear.NativeWidth)

	const interval = 20 * time.Millisecond
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rep := &recordingReporter{}
	rep.onDone = func(n int) {
		switch n {
		case 1:
			// The first tick blocks for many intervals.
			src.mu.Lock()
			src.stall = 15 * interval
			src.mu.Unlock()
		case 2:
			time.AfterFunc(3*interval, cancel)
		}
	}

	s := NewScheduler(discardLogger(), []*DeviceCollector{c}, interval, config.PolicyAbort, metrics.New(), rep)
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler did not stop")
	}

	rep.mu.Lock()
	reports := append([]Report(nil), rep.reports...)
	rep.mu.Unlock()
	if len(reports) < 3 || reports[1].Trigger != TriggerTick {
		t.Fatalf("reports = %+v", reports)
	}
	slowDone := reports[1].At
	burst := 0
	for _, r := range reports[2:] {
		if r.Trigger == TriggerTick && r.At.Before(slowDone.Add(interval)) {
			burst++
		}
	}
	// One tick may be pending when the slow cycle returns, plus the next
	// regular one.
	if burst > 2 {
		t.Fatalf("%d ticks ran within one interval after the slow cycle", burst)
	}
}

type invalidPersister struct{}

func (invalidPersister) Merge(model.DeviceRecord) (model.DeviceRecord, error) {
	return model.DeviceRecord{}, fmt.Errorf("%w: record fingerprint must not be empty", store.ErrInvalidRecord)
}

func TestSchedulerInvalidRecordIsFatalUnderIsolate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stats.json")
	src := &fakeSource{seq: 1}
	src.set(100, 10)
	c := newCollector(t, src, invalidPersister{}, path, "A", wear.NativeWidth)

	s := NewScheduler(discardLogger(), []*DeviceCollector{c}, time.Hour, config.PolicyIsolate, metrics.New(), nil)
	if err := s.Run(context.Background()); !errors.Is(err, store.ErrInvalidRecord) {
		t.Fatalf("expected ErrInvalidRecord, got %v", err)
	}
	if !c.Dirty() {
		t.Fatal("rejected record should leave the collector dirty")
	}
}
