package wear

import "sdwear-agent/internal/model"

// Step is the outcome of feeding one raw reading into a Tracker.
type Step struct {
	// Idle is set when the reading matches the effective baseline; nothing
	// was folded.
	Idle bool
	// Rebound is set when the binding sequence changed and the baseline was
	// reset to zero before computing the delta.
	Rebound bool
	Delta   model.CounterSet
	Record  model.DeviceRecord
}

// Tracker owns the accounting state of one device between cycles.
type Tracker struct {
	width      Width
	sectorSize uint64
	record     model.DeviceRecord
	baseline   model.CounterSet
	binding    uint64
}

// NewTracker starts from rec. The baseline is all zero and the binding is the
// record's stored diskSeq, so a fresh record folds the full counters on its
// first reading.
func NewTracker(width Width, sectorSize uint64, rec model.DeviceRecord) *Tracker {
	return &Tracker{
		width:      width,
		sectorSize: sectorSize,
		record:     rec,
		binding:    rec.BindingSequence,
	}
}

// Seed sets the baseline to counters read at startup for a record loaded from
// the store. If the card was not re-inserted meanwhile, the next reading only
// folds writes made after startup.
func (t *Tracker) Seed(current model.CounterSet) {
	t.baseline = current
}

func (t *Tracker) Record() model.DeviceRecord {
	return t.record
}

func (t *Tracker) SetPath(path string) {
	t.record.LastKnownPath = path
}

// Advance folds the difference between the baseline and snap into the record.
func (t *Tracker) Advance(snap model.RawSnapshot) Step {
	prev := t.baseline
	rebound := snap.BindingSequence != t.binding
	if rebound {
		prev = model.CounterSet{}
	}
	t.binding = snap.BindingSequence
	t.record.BindingSequence = snap.BindingSequence
	t.baseline = snap.Counters

	if snap.Counters == prev {
		return Step{Idle: true, Rebound: rebound, Record: t.record}
	}

	delta := t.width.Delta(prev, snap.Counters)
	t.record.OutputStats = Fold(t.record.OutputStats, delta)
	t.record.TotalBytesWritten = t.width.BytesWritten(
		t.sectorSize,
		snap.Counters[model.WriteSectors],
		prev[model.WriteSectors],
		t.record.TotalBytesWritten,
	)
	return Step{Rebound: rebound, Delta: delta, Record: t.record}
}

// Rebaseline moves the baseline to snap without folding. Readings from a
// different binding are ignored; the next Advance handles the swap.
func (t *Tracker) Rebaseline(snap model.RawSnapshot) bool {
	if snap.BindingSequence != t.binding {
		return false
	}
	t.baseline = snap.Counters
	return true
}
