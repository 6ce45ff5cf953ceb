package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// Counter indexes follow the field order of the kernel's block/stat file.
const (
	ReadIO = iota
	ReadMerges
	ReadSectors
	ReadTicks
	WriteIO
	WriteMerges
	WriteSectors
	WriteTicks
	InFlight
	IOTicks
	TimeInQueue
	DiscardIO
	DiscardMerges
	DiscardSectors
	DiscardTicks

	NumCounters
)

// CounterNames are the JSON member names used in the stats document.
var CounterNames = [NumCounters]string{
	"readIo",
	"readMerges",
	"readSectors",
	"readTicks",
	"writeIo",
	"writeMerges",
	"writeSectors",
	"writeTicks",
	"inFlight",
	"ioTicks",
	"timeInQueue",
	"discardIo",
	"discardMerges",
	"discardSectors",
	"discardTicks",
}

// CounterSet holds raw lifetime counters as reported by the kernel.
type CounterSet [NumCounters]uint64

// RawSnapshot is one reading of a device. It is replaced, never mutated.
type RawSnapshot struct {
	Counters        CounterSet
	BindingSequence uint64
	TakenAt         time.Time
}

// Accumulators are the running per-field totals persisted per device.
type Accumulators [NumCounters]int64

func (a Accumulators) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, name := range CounterNames {
		if i > 0 {
			buf.WriteByte(',')
		}
		fmt.Fprintf(&buf, "%q:%d", name, a[i])
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON requires every counter member to be present.
func (a *Accumulators) UnmarshalJSON(data []byte) error {
	var raw map[string]json.Number
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return fmt.Errorf("decode counters: %w", err)
	}
	if raw == nil {
		return fmt.Errorf("counters must be an object")
	}
	var out Accumulators
	for i, name := range CounterNames {
		num, ok := raw[name]
		if !ok {
			return fmt.Errorf("missing counter %q", name)
		}
		v, err := num.Int64()
		if err != nil {
			return fmt.Errorf("counter %q: %w", name, err)
		}
		out[i] = v
	}
	*a = out
	return nil
}
