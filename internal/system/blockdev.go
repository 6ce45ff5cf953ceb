package system

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sys/unix"

	"sdwear-agent/internal/model"
)

var (
	ErrDeviceUnavailable = errors.New("device unavailable")
	ErrSampleFailed      = errors.New("sample failed")
)

const sectorBytes = 512

// Source supplies raw lifetime counters for a block device.
type Source interface {
	Sample(ctx context.Context, dev model.Device) (model.RawSnapshot, error)
	BindingSequence(ctx context.Context, dev model.Device) (uint64, error)
}

// SysfsSource reads counters from sysfs. Roots are configurable so tests can
// point it at a synthetic tree.
type SysfsSource struct {
	sysRoot string
	devRoot string
	now     func() time.Time
}

func NewSysfsSource(sysRoot, devRoot string) *SysfsSource {
	if sysRoot == "" {
		sysRoot = "/sys"
	}
	if devRoot == "" {
		devRoot = "/dev"
	}
	return &SysfsSource{sysRoot: sysRoot, devRoot: devRoot, now: time.Now}
}

func (s *SysfsSource) Sample(ctx context.Context, dev model.Device) (model.RawSnapshot, error) {
	if err := ctx.Err(); err != nil {
		return model.RawSnapshot{}, err
	}
	path := s.blockPath(dev.Name, "stat")
	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return model.RawSnapshot{}, fmt.Errorf("%w: %w: %s", ErrSampleFailed, ErrDeviceUnavailable, path)
		}
		return model.RawSnapshot{}, fmt.Errorf("%w: read %s: %w", ErrSampleFailed, path, err)
	}
	counters, err := ParseStatLine(string(raw))
	if err != nil {
		return model.RawSnapshot{}, fmt.Errorf("%w: parse %s: %w", ErrSampleFailed, path, err)
	}
	return model.RawSnapshot{Counters: counters, TakenAt: s.now().UTC()}, nil
}

func (s *SysfsSource) BindingSequence(ctx context.Context, dev model.Device) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	path := s.blockPath(dev.Name, "diskseq")
	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, fmt.Errorf("%w: %w: %s", ErrSampleFailed, ErrDeviceUnavailable, path)
		}
		return 0, fmt.Errorf("%w: read %s: %w", ErrSampleFailed, path, err)
	}
	seq, err := strconv.ParseUint(strings.TrimSpace(string(raw)), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: parse %s: %w", ErrSampleFailed, path, err)
	}
	return seq, nil
}

// SizeBytes reports the device capacity, or 0 when sysfs does not expose it.
func (s *SysfsSource) SizeBytes(dev model.Device) uint64 {
	raw, err := os.ReadFile(s.blockPath(dev.Name, "size"))
	if err != nil {
		return 0
	}
	sectors, err := strconv.ParseUint(strings.TrimSpace(string(raw)), 10, 64)
	if err != nil {
		return 0
	}
	return sectors * sectorBytes
}

// FindDevices lists block device nodes directly under the dev root.
func (s *SysfsSource) FindDevices() ([]string, error) {
	entries, err := os.ReadDir(s.devRoot)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", s.devRoot, err)
	}
	out := make([]string, 0, len(entries))
	for _, entry := range entries {
		mode := entry.Type()
		if mode&os.ModeDevice == 0 || mode&os.ModeCharDevice != 0 {
			continue
		}
		out = append(out, filepath.Join(s.devRoot, entry.Name()))
	}
	sort.Strings(out)
	return out, nil
}

// ResolveDevice checks that node is a block device and finds its kernel name.
// A non-empty name overrides the lookup.
func (s *SysfsSource) ResolveDevice(node, name string) (model.Device, error) {
	var st unix.Stat_t
	if err := unix.Stat(node, &st); err != nil {
		return model.Device{}, fmt.Errorf("%w: %s: %w", ErrDeviceUnavailable, node, err)
	}
	if st.Mode&unix.S_IFMT != unix.S_IFBLK {
		return model.Device{}, fmt.Errorf("%w: %s is not a block device", ErrDeviceUnavailable, node)
	}
	name = strings.TrimSpace(name)
	if name == "" {
		name = s.kernelName(uint64(st.Rdev), node)
	}
	return model.Device{Node: node, Name: name}, nil
}

func (s *SysfsSource) kernelName(rdev uint64, node string) string {
	link := filepath.Join(s.sysRoot, "dev", "block", fmt.Sprintf("%d:%d", unix.Major(rdev), unix.Minor(rdev)))
	if target, err := os.Readlink(link); err == nil {
		if base := filepath.Base(target); base != "." && base != "/" {
			return base
		}
	}
	return filepath.Base(node)
}

// ClassBlockDir is the sysfs directory of a block device or partition.
func (s *SysfsSource) ClassBlockDir(name string) string {
	return filepath.Join(s.sysRoot, "class", "block", name)
}

func (s *SysfsSource) blockPath(name, file string) string {
	return filepath.Join(s.ClassBlockDir(name), file)
}

// ParseStatLine parses a block/stat line. Kernels before 4.18 report 11
// fields; the discard counters are zero-filled in that case.
func ParseStatLine(line string) (model.CounterSet, error) {
	fields := strings.Fields(line)
	var out model.CounterSet
	switch {
	case len(fields) >= model.NumCounters:
		fields = fields[:model.NumCounters]
	case len(fields) == model.DiscardIO:
	default:
		return out, fmt.Errorf("unexpected field count %d", len(fields))
	}
	for i, f := range fields {
		v, err := strconv.ParseUint(f, 10, 64)
		if err != nil {
			return model.CounterSet{}, fmt.Errorf("field %s: %w", model.CounterNames[i], err)
		}
		out[i] = v
	}
	return out, nil
}
