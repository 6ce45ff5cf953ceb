package wear

import (
	"testing"
	"time"

	"sdwear-agent/internal/model"
)

func TestSubWithoutWrap(t *testing.T) {
	for _, w := range []Width{32, 64} {
		cases := []struct{ prev, cur uint64 }{
			{0, 0},
			{0, 100},
			{7, 7},
			{1000, 4000},
		}
		for _, tc := range cases {
			if got := w.Sub(tc.cur, tc.prev); got != tc.cur-tc.prev {
				t.Fatalf("width %d: Sub(%d, %d) = %d, want %d", w, tc.cur, tc.prev, got, tc.cur-tc.prev)
			}
		}
	}
}

func TestSubWraps32(t *testing.T) {
	w := Width(32)
	modulus, ok := w.Modulus()
	if !ok || modulus != 4294967296 {
		t.Fatalf("modulus = %d, %v", modulus, ok)
	}
	cases := []struct{ prev, cur uint64 }{
		{4294967290, 5},
		{4294967295, 0},
		{1, 0},
		{200, 100},
	}
	for _, tc := range cases {
		want := (modulus - tc.prev) + tc.cur
		if got := w.Sub(tc.cur, tc.prev); got != want {
			t.Fatalf("Sub(%d, %d) = %d, want %d", tc.cur, tc.prev, got, want)
		}
	}
	if got := w.Sub(5, 4294967290); got != 11 {
		t.Fatalf("near-modulus wrap = %d, want 11", got)
	}
}

func TestSubWraps64(t *testing.T) {
	w := Width(64)
	if _, ok := w.Modulus(); ok {
		t.Fatal("64-bit modulus should not be representable")
	}
	top := ^uint64(0)
	if got := w.Sub(3, top-1); got != 5 {
		t.Fatalf("Sub(3, max-1) = %d, want 5", got)
	}
}

func TestWidthValidate(t *testing.T) {
	for _, w := range []Width{0, 65} {
		if err := w.Validate(); err == nil {
			t.Fatalf("width %d should be invalid", w)
		}
	}
	for _, w := range []Width{8, 32, 64, NativeWidth} {
		if err := w.Validate(); err != nil {
			t.Fatalf("width %d: %v", w, err)
		}
	}
}

func TestDeltaAndFold(t *testing.T) {
	w := Width(32)
	var prev, cur model.CounterSet
	for i := range cur {
		prev[i] = uint64(i)
		cur[i] = uint64(i * 3)
	}
	prev[model.WriteSectors] = 4294967290
	cur[model.WriteSectors] = 5

	d := w.Delta(prev, cur)
	for i := range d {
		if i == model.WriteSectors {
			continue
		}
		if d[i] != uint64(2*i) {
			t.Fatalf("delta %s = %d, want %d", model.CounterNames[i], d[i], 2*i)
		}
	}
	if d[model.WriteSectors] != 11 {
		t.Fatalf("writeSectors delta = %d, want 11", d[model.WriteSectors])
	}

	var out model.Accumulators
	out[model.WriteSectors] = 1000
	out = Fold(out, d)
	if out[model.WriteSectors] != 1011 {
		t.Fatalf("folded writeSectors = %d, want 1011", out[model.WriteSectors])
	}
	out = Fold(out, model.CounterSet{})
	if out[model.WriteSectors] != 1011 {
		t.Fatal("folding a zero delta changed the totals")
	}
}

func TestBytesWritten(t *testing.T) {
	w := Width(32)
	if got := w.BytesWritten(512, 100, 0, 0); got != 51200 {
		t.Fatalf("fresh total = %d, want 51200", got)
	}
	if got := w.BytesWritten(512, 5, 4294967290, 1000); got != 1000+11*512 {
		t.Fatalf("wrapped total = %d, want %d", got, 1000+11*512)
	}
}

func TestAverageWriteSize(t *testing.T) {
	var d model.CounterSet
	if got := AverageWriteSize(d, 512); got != 0 {
		t.Fatalf("no writes: %d", got)
	}
	d[model.WriteIO] = 4
	d[model.WriteSectors] = 32
	if got := AverageWriteSize(d, 512); got != 4096 {
		t.Fatalf("average = %d, want 4096", got)
	}
}

func snapshot(binding uint64, writeSectors uint64) model.RawSnapshot {
	var c model.CounterSet
	c[model.WriteSectors] = writeSectors
	c[model.WriteIO] = writeSectors / 8
	return model.RawSnapshot{Counters: c, BindingSequence: binding, TakenAt: time.Unix(0, 0)}
}

func TestTrackerFirstCycleOnEmptyStore(t *testing.T) {
	rec := model.NewDeviceRecord("SN1", "/dev/mmcblk0", time.Unix(0, 0))
	tr := NewTracker(32, 512, rec)

	step := tr.Advance(snapshot(1, 100))
	if step.Idle {
		t.Fatal("first reading should not be idle")
	}
	if step.Record.TotalBytesWritten != 51200 {
		t.Fatalf("total = %d, want 51200", step.Record.TotalBytesWritten)
	}
	if step.Record.OutputStats[model.WriteSectors] != 100 {
		t.Fatalf("writeSectors = %d, want 100", step.Record.OutputStats[model.WriteSectors])
	}
	if step.Record.BindingSequence != 1 {
		t.Fatalf("binding = %d, want 1", step.Record.BindingSequence)
	}
}

func TestTrackerUnchangedReadingIsIdle(t *testing.T) {
	tr := NewTracker(32, 512, model.DeviceRecord{Fingerprint: "SN1"})
	first := tr.Advance(snapshot(1, 100))

	second := tr.Advance(snapshot(1, 100))
	if !second.Idle {
		t.Fatal("identical reading should be idle")
	}
	if second.Record != first.Record {
		t.Fatalf("idle step changed record: %+v vs %+v", second.Record, first.Record)
	}
}

func TestTrackerWrapsWithinBinding(t *testing.T) {
	var stored model.DeviceRecord
	stored.Fingerprint = "SN1"
	stored.BindingSequence = 7
	stored.OutputStats[model.WriteSectors] = 4294967290
	stored.TotalBytesWritten = 4294967290 * 512

	tr := NewTracker(32, 512, stored)
	var seed model.CounterSet
	seed[model.WriteSectors] = 4294967290
	tr.Seed(seed)

	step := tr.Advance(model.RawSnapshot{Counters: model.CounterSet{model.WriteSectors: 5}, BindingSequence: 7})
	if step.Rebound {
		t.Fatal("same binding reported as rebound")
	}
	if step.Delta[model.WriteSectors] != 11 {
		t.Fatalf("delta = %d, want 11", step.Delta[model.WriteSectors])
	}
	if step.Record.TotalBytesWritten != stored.TotalBytesWritten+11*512 {
		t.Fatalf("total = %d", step.Record.TotalBytesWritten)
	}
}

func TestTrackerBindingChangeResetsBaseline(t *testing.T) {
	var stored model.DeviceRecord
	stored.Fingerprint = "X"
	stored.BindingSequence = 3
	stored.OutputStats[model.WriteSectors] = 5000
	stored.OutputStats[model.ReadIO] = 900
	stored.TotalBytesWritten = 5000 * 512

	tr := NewTracker(32, 512, stored)
	var seed model.CounterSet
	seed[model.WriteSectors] = 4000
	seed[model.ReadIO] = 800
	tr.Seed(seed)

	var cur model.CounterSet
	cur[model.WriteSectors] = 40
	cur[model.ReadIO] = 12
	step := tr.Advance(model.RawSnapshot{Counters: cur, BindingSequence: 4})
	if !step.Rebound {
		t.Fatal("binding change not detected")
	}
	if step.Delta != cur {
		t.Fatalf("delta = %v, want full counters %v", step.Delta, cur)
	}
	if step.Record.OutputStats[model.WriteSectors] != 5040 {
		t.Fatalf("writeSectors = %d, want 5040", step.Record.OutputStats[model.WriteSectors])
	}
	if step.Record.OutputStats[model.ReadIO] != 912 {
		t.Fatalf("readIo = %d, want 912", step.Record.OutputStats[model.ReadIO])
	}
	if step.Record.TotalBytesWritten != 5040*512 {
		t.Fatalf("total = %d", step.Record.TotalBytesWritten)
	}
	if step.Record.BindingSequence != 4 {
		t.Fatalf("binding = %d, want 4", step.Record.BindingSequence)
	}
}

func TestTrackerOutputNeverDecreases(t *testing.T) {
	tr := NewTracker(16, 512, model.DeviceRecord{Fingerprint: "SN"})
	readings := []uint64{10, 60000, 65535, 3, 3, 900, 10}
	bindings := []uint64{1, 1, 1, 1, 1, 1, 2}
	var last model.Accumulators
	for i, ws := range readings {
		step := tr.Advance(snapshot(bindings[i], ws))
		for f := range step.Record.OutputStats {
			if step.Record.OutputStats[f] < last[f] {
				t.Fatalf("reading %d: %s decreased", i, model.CounterNames[f])
			}
		}
		last = step.Record.OutputStats
	}
}

func TestTrackerRebaseline(t *testing.T) {
	tr := NewTracker(32, 512, model.DeviceRecord{Fingerprint: "SN"})
	tr.Advance(snapshot(1, 100))

	if !tr.Rebaseline(snapshot(1, 108)) {
		t.Fatal("rebaseline on same binding refused")
	}
	if step := tr.Advance(snapshot(1, 108)); !step.Idle {
		t.Fatal("reading equal to new baseline should be idle")
	}
	if tr.Rebaseline(snapshot(2, 5)) {
		t.Fatal("rebaseline across bindings accepted")
	}
	step := tr.Advance(snapshot(2, 5))
	if !step.Rebound || step.Delta[model.WriteSectors] != 5 {
		t.Fatalf("unexpected step after swap: %+v", step)
	}
}
