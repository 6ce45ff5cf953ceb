package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/bits"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"
)

var ErrInvalid = errors.New("invalid configuration")

type FailurePolicy string

const (
	// PolicyAbort stops the process on the first sampling failure.
	PolicyAbort FailurePolicy = "abort"
	// PolicyIsolate skips the failing device for the cycle and keeps going.
	PolicyIsolate FailurePolicy = "isolate"
)

const (
	DefaultConfigPath = "/usr/share/sdwear/config.json"
	DefaultStatsPath  = "/usr/share/sdwear/stats.json"
	DefaultUpdateRate = 3600 * time.Second
	DefaultSectorSize = 512
)

// DeviceSpec is one monitored node. Name overrides the kernel name lookup.
type DeviceSpec struct {
	Path string
	Name string
}

type Config struct {
	ConfigFilePath  string
	Devices         []DeviceSpec
	StatsFilePath   string
	UpdateRate      time.Duration
	CounterBits     uint
	SectorSize      uint64
	FailurePolicy   FailurePolicy
	MetricsAddr     string
	ProbeAddr       string
	LogLevel        string
	LogJSON         bool
	ShutdownTimeout time.Duration
	SysfsRoot       string
	DevRoot         string
	PrintDevices    bool

	// FileErr is set when the config file could not be used and the
	// device flags were taken instead.
	FileErr error
}

type fileConfig struct {
	Devices       []string `json:"devices" yaml:"devices"`
	UpdateRate    *int64   `json:"updateRate" yaml:"updateRate"`
	StatsFilePath *string  `json:"statsFilePath" yaml:"statsFilePath"`
	CounterBits   *uint    `json:"counterBits" yaml:"counterBits"`
	SectorSize    *uint64  `json:"sectorSize" yaml:"sectorSize"`
	FailurePolicy *string  `json:"failurePolicy" yaml:"failurePolicy"`
	MetricsAddr   *string  `json:"metricsAddr" yaml:"metricsAddr"`
	ProbeAddr     *string  `json:"probeAddr" yaml:"probeAddr"`
	LogLevel      *string  `json:"logLevel" yaml:"logLevel"`
	LogJSON       *bool    `json:"logJSON" yaml:"logJSON"`
}

type flagValues struct {
	configFile   string
	statsFile    string
	devicePath   string
	deviceName   string
	updateRate   int64
	printDevices bool
	logLevel     string
	metricsAddr  string
	probeAddr    string
}

func newFlagSet(v *flagValues) *pflag.FlagSet {
	fs := pflag.NewFlagSet("sdwear-agent", pflag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.StringVarP(&v.configFile, "config-file", "c", DefaultConfigPath, "config file path (.json, .jsonc, .yaml)")
	fs.StringVarP(&v.statsFile, "stats-file", "s", DefaultStatsPath, "stats file path")
	fs.StringVarP(&v.devicePath, "device-path", "d", "", "block device node, used when the config file is missing or invalid")
	fs.StringVarP(&v.deviceName, "device-name", "n", "", "kernel name of --device-path (looked up when empty)")
	fs.Int64VarP(&v.updateRate, "update-rate", "r", int64(DefaultUpdateRate/time.Second), "seconds between accounting cycles")
	fs.BoolVarP(&v.printDevices, "print-devices", "p", false, "print available block devices and exit")
	fs.StringVar(&v.logLevel, "log-level", "info", "debug, info, warn or error")
	fs.StringVar(&v.metricsAddr, "metrics-addr", "", "prometheus listen address, empty disables")
	fs.StringVar(&v.probeAddr, "probe-addr", "", "gRPC health probe listen address, empty disables")
	return fs
}

// Usage returns the flag help text.
func Usage() string {
	var v flagValues
	return newFlagSet(&v).FlagUsages()
}

// Load builds the configuration from defaults, SDWEAR_* environment
// variables, the config file and the command line, later sources winning.
// Flags only override when given explicitly. Help requests return
// pflag.ErrHelp.
func Load(args []string) (Config, error) {
	cfg := Config{
		ConfigFilePath:  env("SDWEAR_CONFIG_FILE", DefaultConfigPath),
		StatsFilePath:   env("SDWEAR_STATS_FILE", DefaultStatsPath),
		UpdateRate:      envSeconds("SDWEAR_UPDATE_RATE", DefaultUpdateRate),
		CounterBits:     uint(envInt("SDWEAR_COUNTER_BITS", bits.UintSize)),
		SectorSize:      uint64(envInt("SDWEAR_SECTOR_SIZE", DefaultSectorSize)),
		FailurePolicy:   FailurePolicy(strings.ToLower(env("SDWEAR_FAILURE_POLICY", string(PolicyAbort)))),
		MetricsAddr:     env("SDWEAR_METRICS_ADDR", "127.0.0.1:9477"),
		ProbeAddr:       env("SDWEAR_PROBE_ADDR", ""),
		LogLevel:        strings.ToLower(env("SDWEAR_LOG_LEVEL", "info")),
		LogJSON:         envBool("SDWEAR_LOG_JSON", false),
		ShutdownTimeout: envDuration("SDWEAR_SHUTDOWN_TIMEOUT", 20*time.Second),
		SysfsRoot:       env("SDWEAR_SYSFS_ROOT", "/sys"),
		DevRoot:         env("SDWEAR_DEV_ROOT", "/dev"),
	}

	var fv flagValues
	fs := newFlagSet(&fv)
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return Config{}, err
		}
		return Config{}, fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	if extra := fs.Args(); len(extra) > 0 {
		return Config{}, fmt.Errorf("%w: unexpected arguments %q", ErrInvalid, extra)
	}

	if fv.printDevices {
		cfg.PrintDevices = true
		return cfg, nil
	}
	if fs.Changed("config-file") {
		cfg.ConfigFilePath = fv.configFile
	}

	fc, err := readFile(cfg.ConfigFilePath)
	if err == nil {
		err = fc.apply(&cfg)
	}
	if err != nil {
		if fv.devicePath == "" {
			return Config{}, fmt.Errorf("%w: %w; --device-path is required when the config file is missing or invalid", ErrInvalid, err)
		}
		cfg.FileErr = err
		cfg.Devices = []DeviceSpec{{Path: fv.devicePath, Name: fv.deviceName}}
	}

	if fs.Changed("stats-file") {
		cfg.StatsFilePath = fv.statsFile
	}
	if fs.Changed("update-rate") {
		cfg.UpdateRate = time.Duration(fv.updateRate) * time.Second
	}
	if fs.Changed("log-level") {
		cfg.LogLevel = strings.ToLower(fv.logLevel)
	}
	if fs.Changed("metrics-addr") {
		cfg.MetricsAddr = fv.metricsAddr
	}
	if fs.Changed("probe-addr") {
		cfg.ProbeAddr = fv.probeAddr
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func readFile(path string) (fileConfig, error) {
	var fc fileConfig
	data, err := os.ReadFile(path)
	if err != nil {
		return fc, fmt.Errorf("read config file: %w", err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &fc); err != nil {
			return fc, fmt.Errorf("parse config file %s: %w", path, err)
		}
	default:
		if err := json.Unmarshal(jsonc.ToJSON(data), &fc); err != nil {
			return fc, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}
	if len(fc.Devices) == 0 {
		return fc, fmt.Errorf("config file %s lists no devices", path)
	}
	return fc, nil
}

func (fc fileConfig) apply(cfg *Config) error {
	cfg.Devices = cfg.Devices[:0]
	for _, d := range fc.Devices {
		cfg.Devices = append(cfg.Devices, DeviceSpec{Path: strings.TrimSpace(d)})
	}
	if fc.UpdateRate != nil {
		if *fc.UpdateRate <= 0 {
			return fmt.Errorf("updateRate must be > 0, got %d", *fc.UpdateRate)
		}
		cfg.UpdateRate = time.Duration(*fc.UpdateRate) * time.Second
	}
	if fc.StatsFilePath != nil {
		cfg.StatsFilePath = *fc.StatsFilePath
	}
	if fc.CounterBits != nil {
		cfg.CounterBits = *fc.CounterBits
	}
	if fc.SectorSize != nil {
		cfg.SectorSize = *fc.SectorSize
	}
	if fc.FailurePolicy != nil {
		cfg.FailurePolicy = FailurePolicy(strings.ToLower(*fc.FailurePolicy))
	}
	if fc.MetricsAddr != nil {
		cfg.MetricsAddr = *fc.MetricsAddr
	}
	if fc.ProbeAddr != nil {
		cfg.ProbeAddr = *fc.ProbeAddr
	}
	if fc.LogLevel != nil {
		cfg.LogLevel = strings.ToLower(*fc.LogLevel)
	}
	if fc.LogJSON != nil {
		cfg.LogJSON = *fc.LogJSON
	}
	return nil
}

func (c Config) Validate() error {
	if len(c.Devices) == 0 {
		return fmt.Errorf("%w: no devices configured", ErrInvalid)
	}
	seen := make(map[string]struct{}, len(c.Devices))
	for _, d := range c.Devices {
		if d.Path == "" {
			return fmt.Errorf("%w: empty device path", ErrInvalid)
		}
		if _, dup := seen[d.Path]; dup {
			return fmt.Errorf("%w: device %s listed twice", ErrInvalid, d.Path)
		}
		seen[d.Path] = struct{}{}
	}
	if strings.TrimSpace(c.StatsFilePath) == "" {
		return fmt.Errorf("%w: stats file path is required", ErrInvalid)
	}
	if c.UpdateRate < time.Second {
		return fmt.Errorf("%w: update rate must be at least one second", ErrInvalid)
	}
	if c.CounterBits < 1 || c.CounterBits > 64 {
		return fmt.Errorf("%w: counterBits must be within 1..64, got %d", ErrInvalid, c.CounterBits)
	}
	if c.SectorSize == 0 {
		return fmt.Errorf("%w: sectorSize must be > 0", ErrInvalid)
	}
	switch c.FailurePolicy {
	case PolicyAbort, PolicyIsolate:
	default:
		return fmt.Errorf("%w: unsupported failure policy %q", ErrInvalid, c.FailurePolicy)
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("%w: unsupported log level %q", ErrInvalid, c.LogLevel)
	}
	if c.ShutdownTimeout <= 0 {
		return fmt.Errorf("%w: SDWEAR_SHUTDOWN_TIMEOUT must be > 0", ErrInvalid)
	}
	return nil
}

func env(key, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return v
}

func envInt(key string, fallback int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return i
}

func envBool(key string, fallback bool) bool {
	v := strings.TrimSpace(strings.ToLower(os.Getenv(key)))
	if v == "" {
		return fallback
	}
	switch v {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return fallback
	}
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}

// envSeconds accepts a bare number of seconds or a Go duration.
func envSeconds(key string, fallback time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	if n, err := strconv.ParseInt(v, 10, 64); err == nil {
		return time.Duration(n) * time.Second
	}
	return envDuration(key, fallback)
}
