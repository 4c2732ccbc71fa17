// Package config loads the daemon configuration: built-in defaults, then an
// optional YAML file named by GPUSCHED_CONFIG, then GPUSCHED_* environment
// overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/ALEYI17/gpusched/pkg/types"
	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"
)

const EnvConfigFile = "GPUSCHED_CONFIG"

type Config struct {
	Backend        string        `yaml:"backend"`
	Version        int           `yaml:"version"`
	JobTimeout     time.Duration `yaml:"job_timeout"`
	StatsWindow    time.Duration `yaml:"stats_window"`
	PurgeInterval  time.Duration `yaml:"purge_interval"`
	OverflowSize   uint32        `yaml:"overflow_size"`
	MetricsAddr    string        `yaml:"metrics_addr"`
	ReportInterval time.Duration `yaml:"report_interval"`

	Sim      Sim      `yaml:"sim"`
	Workload Workload `yaml:"workload"`
}

// Sim tunes the simulated hardware backend.
type Sim struct {
	BaseLatency    time.Duration `yaml:"base_latency"`
	BytesPerSecond uint64        `yaml:"bytes_per_second"`
	HangEvery      uint64        `yaml:"hang_every"`
	OverflowEvery  uint64        `yaml:"overflow_every"`
	ResetLatency   time.Duration `yaml:"reset_latency"`
	MemoryLimit    uint64        `yaml:"memory_limit"`
}

// Workload describes the synthetic clients the daemon runs.
type Workload struct {
	Sessions int `yaml:"sessions"`
	// JobsPerSession stops each client after that many frames; zero runs
	// until shutdown.
	JobsPerSession int           `yaml:"jobs_per_session"`
	MaxInFlight    int64         `yaml:"max_in_flight"`
	Interval       time.Duration `yaml:"interval"`
	// PerfmonEvery attaches a Perfmon to every Nth frame; zero never does.
	PerfmonEvery int `yaml:"perfmon_every"`
}

func Default() Config {
	return Config{
		Backend:        "sim",
		Version:        types.Gen42,
		JobTimeout:     types.DefaultJobTimeout,
		StatsWindow:    types.DefaultStatsWindow,
		PurgeInterval:  10 * time.Second,
		OverflowSize:   256 * 1024,
		MetricsAddr:    ":9477",
		ReportInterval: 5 * time.Second,
		Sim: Sim{
			BaseLatency:    2 * time.Millisecond,
			BytesPerSecond: 4 << 30,
			OverflowEvery:  16,
			ResetLatency:   10 * time.Millisecond,
			MemoryLimit:    512 << 20,
		},
		Workload: Workload{
			Sessions:     4,
			MaxInFlight:  8,
			Interval:     16 * time.Millisecond,
			PerfmonEvery: 8,
		},
	}
}

// LoadConfig reads the process environment.
func LoadConfig() (Config, error) {
	return Load(os.LookupEnv)
}

// Load builds a Config using lookup for every environment read.
func Load(lookup func(string) (string, bool)) (Config, error) {
	cfg := Default()

	if path, ok := lookup(EnvConfigFile); ok && path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(lookup); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	var errs error
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok {
			*dst = v
		}
	}
	dur := func(key string, dst *time.Duration) {
		if v, ok := lookup(key); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = multierr.Append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = d
		}
	}
	parseInt := func(key string, bits int) (int64, bool) {
		v, ok := lookup(key)
		if !ok {
			return 0, false
		}
		n, err := strconv.ParseInt(v, 10, bits)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("%s: %w", key, err))
			return 0, false
		}
		return n, true
	}
	parseUint := func(key string, bits int) (uint64, bool) {
		v, ok := lookup(key)
		if !ok {
			return 0, false
		}
		n, err := strconv.ParseUint(v, 10, bits)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("%s: %w", key, err))
			return 0, false
		}
		return n, true
	}
	integer := func(key string, dst *int) {
		if n, ok := parseInt(key, strconv.IntSize); ok {
			*dst = int(n)
		}
	}
	integer64 := func(key string, dst *int64) {
		if n, ok := parseInt(key, 64); ok {
			*dst = n
		}
	}
	unsigned := func(key string, dst *uint64) {
		if n, ok := parseUint(key, 64); ok {
			*dst = n
		}
	}
	unsigned32 := func(key string, dst *uint32) {
		if n, ok := parseUint(key, 32); ok {
			*dst = uint32(n)
		}
	}

	str("GPUSCHED_BACKEND", &c.Backend)
	integer("GPUSCHED_VERSION", &c.Version)
	dur("GPUSCHED_JOB_TIMEOUT", &c.JobTimeout)
	dur("GPUSCHED_STATS_WINDOW", &c.StatsWindow)
	dur("GPUSCHED_PURGE_INTERVAL", &c.PurgeInterval)
	str("GPUSCHED_METRICS_ADDR", &c.MetricsAddr)
	dur("GPUSCHED_REPORT_INTERVAL", &c.ReportInterval)
	unsigned32("GPUSCHED_OVERFLOW_SIZE", &c.OverflowSize)
	dur("GPUSCHED_SIM_BASE_LATENCY", &c.Sim.BaseLatency)
	unsigned("GPUSCHED_SIM_BYTES_PER_SECOND", &c.Sim.BytesPerSecond)
	unsigned("GPUSCHED_SIM_HANG_EVERY", &c.Sim.HangEvery)
	unsigned("GPUSCHED_SIM_OVERFLOW_EVERY", &c.Sim.OverflowEvery)
	dur("GPUSCHED_SIM_RESET_LATENCY", &c.Sim.ResetLatency)
	unsigned("GPUSCHED_SIM_MEMORY_LIMIT", &c.Sim.MemoryLimit)
	integer("GPUSCHED_WORKLOAD_SESSIONS", &c.Workload.Sessions)
	integer("GPUSCHED_WORKLOAD_JOBS", &c.Workload.JobsPerSession)
	integer64("GPUSCHED_WORKLOAD_MAX_IN_FLIGHT", &c.Workload.MaxInFlight)
	dur("GPUSCHED_WORKLOAD_INTERVAL", &c.Workload.Interval)
	integer("GPUSCHED_WORKLOAD_PERFMON_EVERY", &c.Workload.PerfmonEvery)
	return errs
}

// Validate reports every out-of-range setting.
func (c Config) Validate() error {
	var errs error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = multierr.Append(errs, fmt.Errorf("%w: "+format, append([]any{types.ErrInvalidArgument}, args...)...))
		}
	}

	check(c.Backend != "", "backend must be set")
	check(c.Version == types.Gen33 || c.Version == types.Gen41 || c.Version == types.Gen42 || c.Version == types.Gen71,
		"unknown hardware version %d", c.Version)
	check(c.JobTimeout >= 0, "job_timeout %s is negative", c.JobTimeout)
	check(c.StatsWindow > 0, "stats_window must be positive")
	check(c.PurgeInterval > 0, "purge_interval must be positive")
	check(c.OverflowSize > 0, "overflow_size must be positive")
	check(c.ReportInterval >= 0, "report_interval %s is negative", c.ReportInterval)
	check(c.Sim.BaseLatency >= 0, "sim.base_latency %s is negative", c.Sim.BaseLatency)
	check(c.Workload.Sessions >= 0, "workload.sessions %d is negative", c.Workload.Sessions)
	check(c.Workload.JobsPerSession >= 0, "workload.jobs_per_session %d is negative", c.Workload.JobsPerSession)
	check(c.Workload.MaxInFlight > 0, "workload.max_in_flight must be positive")
	return errs
}
