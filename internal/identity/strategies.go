package identity

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/shirou/gopsutil/v4/disk"

	"sdwear-agent/internal/model"
)

// CIDStrategy reads the card identification register exported by the MMC
// driver under the device's sysfs directory.
type CIDStrategy struct {
	sysRoot string
}

func NewCIDStrategy(sysRoot string) *CIDStrategy {
	if sysRoot == "" {
		sysRoot = "/sys"
	}
	return &CIDStrategy{sysRoot: sysRoot}
}

func (s *CIDStrategy) Name() string { return "cid" }

func (s *CIDStrategy) Resolve(ctx context.Context, dev model.Device) (model.Identity, error) {
	if err := ctx.Err(); err != nil {
		return model.Identity{}, err
	}
	base := filepath.Join(s.sysRoot, "class", "block", dev.Name, "device")
	if _, err := os.Stat(base); err != nil {
		return model.Identity{}, fmt.Errorf("stat %s: %w", base, err)
	}

	var id model.Identity
	required := []struct {
		attr string
		dst  *string
	}{
		{"manfid", &id.ManfID},
		{"oemid", &id.OEMID},
		{"serial", &id.Fingerprint},
	}
	for _, r := range required {
		v, err := readAttr(base, r.attr)
		if err != nil {
			return model.Identity{}, err
		}
		*r.dst = v
	}

	// Informational, absent on some hosts.
	id.Name, _ = readAttr(base, "name")
	id.HWRev, _ = readAttr(base, "hwrev")
	id.FWRev, _ = readAttr(base, "fwrev")
	id.Manufactured, _ = readAttr(base, "date")
	return id, nil
}

func readAttr(dir, attr string) (string, error) {
	raw, err := os.ReadFile(filepath.Join(dir, attr))
	if err != nil {
		return "", fmt.Errorf("read %s: %w", attr, err)
	}
	return strings.TrimSpace(string(raw)), nil
}

type commandRunner func(ctx context.Context, name string, args ...string) ([]byte, error)

func runCommand(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return nil, fmt.Errorf("%s: %w: %s", name, err, msg)
		}
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return out, nil
}

// LsblkStrategy asks util-linux for the serial, which works through most USB
// card readers.
type LsblkStrategy struct {
	binary string
	run    commandRunner
}

func NewLsblkStrategy(binary string) *LsblkStrategy {
	if binary == "" {
		binary = "lsblk"
	}
	return &LsblkStrategy{binary: binary, run: runCommand}
}

func (s *LsblkStrategy) Name() string { return "lsblk" }

func (s *LsblkStrategy) Resolve(ctx context.Context, dev model.Device) (model.Identity, error) {
	out, err := s.run(ctx, s.binary, "--raw", "--noheadings", "--nodeps", "--output", "SERIAL", "--all", dev.Node)
	if err != nil {
		return model.Identity{}, err
	}
	line, _, _ := strings.Cut(string(out), "\n")
	serial := unescapeRaw(strings.TrimSpace(line))
	if serial == "" {
		return model.Identity{}, errors.New("lsblk reported no serial")
	}
	return model.Identity{Fingerprint: serial}, nil
}

// unescapeRaw undoes the \xHH escaping lsblk applies in --raw mode.
func unescapeRaw(s string) string {
	if !strings.Contains(s, `\x`) {
		return s
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+4 <= len(s) && s[i+1] == 'x' {
			if v, err := strconv.ParseUint(s[i+2:i+4], 16, 8); err == nil {
				b.WriteByte(byte(v))
				i += 3
				continue
			}
		}
		b.WriteByte(s[i])
	}
	return b.String()
}

// UdevStrategy reads ID_SERIAL_SHORT from the udev database.
type UdevStrategy struct {
	lookup func(ctx context.Context, node string) (string, error)
}

func NewUdevStrategy() *UdevStrategy {
	return &UdevStrategy{lookup: disk.SerialNumberWithContext}
}

func (s *UdevStrategy) Name() string { return "udev" }

func (s *UdevStrategy) Resolve(ctx context.Context, dev model.Device) (model.Identity, error) {
	serial, err := s.lookup(ctx, dev.Node)
	if err != nil {
		return model.Identity{}, fmt.Errorf("udev serial: %w", err)
	}
	return model.Identity{Fingerprint: serial}, nil
}
