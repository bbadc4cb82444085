// Package config loads the daemon configuration file.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/edirooss/tinysched/internal/kernel"
	"github.com/edirooss/tinysched/internal/sched"
	"github.com/edirooss/tinysched/pkg/hostutil"
	"gopkg.in/yaml.v3"
)

// DefaultPath is read when no -config flag is given.
const DefaultPath = "schedd.yaml"

type Redis struct {
	Address string `yaml:"address"`
	DB      int    `yaml:"db"`
}

type Sched struct {
	MaxThreads    int           `yaml:"max_threads"`
	HZ            int           `yaml:"hz"`
	LoadAvgPeriod time.Duration `yaml:"loadavg_period"`
	WakeTimers    int           `yaml:"wake_timers"`
	KStacks       int           `yaml:"kstacks"` // 0: one per thread slot
	TraceSize     int           `yaml:"trace_size"`
}

type Config struct {
	Listen          string        `yaml:"listen"`
	Dev             bool          `yaml:"dev"`
	Redis           Redis         `yaml:"redis"`
	Sched           Sched         `yaml:"sched"`
	PublishInterval time.Duration `yaml:"publish_interval"`
	MaxBlocking     int           `yaml:"max_blocking"` // concurrent blocking requests (sleep, join, yield)
}

// Default returns the configuration used for keys the file leaves out.
func Default() Config {
	return Config{
		Listen: "127.0.0.1:8080",
		Redis:  Redis{Address: "localhost:6379"},
		Sched: Sched{
			MaxThreads:    16,
			HZ:            100,
			LoadAvgPeriod: 5 * time.Second,
			WakeTimers:    32,
			TraceSize:     256,
		},
		PublishInterval: 5 * time.Second,
		MaxBlocking:     64,
	}
}

// Load reads path over the defaults and validates the result. A missing
// file yields the defaults.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, cfg.Validate()
	}
	if err != nil {
		return Config{}, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks ranges the scheduler cannot recover from at runtime.
func (c Config) Validate() error {
	var errs []error
	if err := hostutil.ValidateHostPort(c.Listen); err != nil {
		errs = append(errs, fmt.Errorf("listen: %w", err))
	}
	if c.Redis.Address != "" { // empty: publishing disabled
		if err := hostutil.ValidateHostPort(c.Redis.Address); err != nil {
			errs = append(errs, fmt.Errorf("redis.address: %w", err))
		}
	}
	if c.Sched.MaxThreads < 2 {
		errs = append(errs, fmt.Errorf("sched.max_threads: %d < 2", c.Sched.MaxThreads))
	}
	if c.Sched.HZ <= 0 || c.Sched.HZ > 10000 {
		errs = append(errs, fmt.Errorf("sched.hz: %d out of range (0, 10000]", c.Sched.HZ))
	}
	if p := c.Sched.LoadAvgPeriod; p != 5*time.Second && p != 11*time.Second {
		errs = append(errs, fmt.Errorf("sched.loadavg_period: %s (want 5s or 11s)", p))
	}
	if c.Sched.WakeTimers < 0 {
		errs = append(errs, fmt.Errorf("sched.wake_timers: %d < 0", c.Sched.WakeTimers))
	}
	if k := c.Sched.KStacks; k != 0 && k < c.Sched.MaxThreads {
		errs = append(errs, fmt.Errorf("sched.kstacks: %d < max_threads %d", k, c.Sched.MaxThreads))
	}
	if c.Sched.TraceSize < 1 {
		errs = append(errs, fmt.Errorf("sched.trace_size: %d < 1", c.Sched.TraceSize))
	}
	if c.PublishInterval < 0 {
		errs = append(errs, fmt.Errorf("publish_interval: %s < 0", c.PublishInterval))
	}
	if c.MaxBlocking < 1 {
		errs = append(errs, fmt.Errorf("max_blocking: %d < 1", c.MaxBlocking))
	}
	return errors.Join(errs...)
}

// Kernel returns the kernel configuration.
func (c Config) Kernel() kernel.Config {
	kstacks := c.Sched.KStacks
	if kstacks == 0 {
		kstacks = c.Sched.MaxThreads
	}
	return kernel.Config{
		Sched: sched.Config{
			MaxThreads:    c.Sched.MaxThreads,
			HZ:            c.Sched.HZ,
			LoadAvgPeriod: c.Sched.LoadAvgPeriod,
			TraceSize:     c.Sched.TraceSize,
		},
		WakeTimers: c.Sched.WakeTimers,
		KStacks:    kstacks,
	}
}
