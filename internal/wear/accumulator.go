// Package wear turns successive raw block-device counter readings into
// monotonic lifetime totals.
//
// Kernel counters wrap at the width of an unsigned long and restart from
// zero whenever the device node is rebound to another physical card. The
// delta rule handles the first case; the binding sequence handles the second.
package wear

import (
	"fmt"
	"math/bits"

	"sdwear-agent/internal/model"
)

// Width is the bit width of the platform's block counters.
type Width uint

// NativeWidth matches the kernel's unsigned long on this platform.
const NativeWidth = Width(bits.UintSize)

func (w Width) Validate() error {
	if w == 0 || w > 64 {
		return fmt.Errorf("counter width must be in 1..64, got %d", w)
	}
	return nil
}

func (w Width) mask() uint64 {
	if w >= 64 {
		return ^uint64(0)
	}
	return uint64(1)<<w - 1
}

// Modulus is one past the largest counter value. The 64-bit modulus does not
// fit in a uint64; ok is false in that case.
func (w Width) Modulus() (modulus uint64, ok bool) {
	if w >= 64 {
		return 0, false
	}
	return uint64(1) << w, true
}

// Sub returns cur-prev, or (modulus-prev)+cur when the counter wrapped.
func (w Width) Sub(cur, prev uint64) uint64 {
	return (cur - prev) & w.mask()
}

// Delta applies the wraparound rule to every counter.
func (w Width) Delta(prev, cur model.CounterSet) model.CounterSet {
	var out model.CounterSet
	for i := range out {
		out[i] = w.Sub(cur[i], prev[i])
	}
	return out
}

// Fold adds a delta into the running totals. It is the only way OutputStats
// changes.
func Fold(out model.Accumulators, d model.CounterSet) model.Accumulators {
	for i := range out {
		out[i] += int64(d[i])
	}
	return out
}

// BytesWritten adds the write-sector delta, in bytes, to previousTotal.
//
// The same number can be derived from the folded writeSectors accumulator;
// it is computed from the raw sectors here so the byte total stays an
// independent running sum.
func (w Width) BytesWritten(sectorSize, curWriteSectors, prevWriteSectors uint64, previousTotal int64) int64 {
	return previousTotal + int64(w.Sub(curWriteSectors, prevWriteSectors)*sectorSize)
}

// AverageWriteSize is the mean size in bytes of the write requests in d.
func AverageWriteSize(d model.CounterSet, sectorSize uint64) uint64 {
	if d[model.WriteIO] == 0 {
		return 0
	}
	return d[model.WriteSectors] * sectorSize / d[model.WriteIO]
}
