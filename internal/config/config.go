// Package config loads engine settings from an optional YAML file.
// Durations are written as Go duration strings ("30s", "5m").
package config

import (
	"fmt"
	"os"
	"time"

	yaml "go.yaml.in/yaml/v3"
)

type Config struct {
	Addr    string `yaml:"addr"`
	DBPath  string `yaml:"db_path"`
	Workers int    `yaml:"workers"`
	Backlog int    `yaml:"backlog"`

	DispatchTick  Duration `yaml:"dispatch_tick"`
	DispatchBatch int      `yaml:"dispatch_batch"`

	WatchdogInterval Duration `yaml:"watchdog_interval"`

	Monitor MonitorConfig `yaml:"monitor"`

	NotifyPerMinute int `yaml:"notify_per_minute"`

	RetryMaxDelay Duration `yaml:"retry_max_delay"`
}

type MonitorConfig struct {
	SweepInterval     Duration `yaml:"sweep_interval"`
	GracePeriod       Duration `yaml:"grace_period"`
	RecentWindow      Duration `yaml:"recent_window"`
	BaselineWindow    Duration `yaml:"baseline_window"`
	MinSamples        int      `yaml:"min_samples"`
	ThresholdFraction float64  `yaml:"threshold_fraction"`
}

// Duration wraps time.Duration with YAML duration-string decoding.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	if parsed < 0 {
		return fmt.Errorf("duration must be >= 0, got %q", raw)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

func Default() Config {
	return Config{
		Addr:             ":8080",
		DBPath:           "medflow.db",
		Workers:          8,
		Backlog:          256,
		DispatchTick:     Duration(time.Second),
		DispatchBatch:    50,
		WatchdogInterval: Duration(30 * time.Second),
		Monitor: MonitorConfig{
			SweepInterval:     Duration(time.Minute),
			GracePeriod:       Duration(5 * time.Minute),
			RecentWindow:      Duration(24 * time.Hour),
			BaselineWindow:    Duration(7 * 24 * time.Hour),
			MinSamples:        5,
			ThresholdFraction: 0.5,
		},
		NotifyPerMinute: 30,
		RetryMaxDelay:   Duration(10 * time.Minute),
	}
}

// Load reads the YAML file at path over the defaults. An empty path
// returns the defaults untouched.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.validate(); err != nil {
		return Config{}, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.Workers <= 0 {
		return fmt.Errorf("workers must be positive")
	}
	if c.DispatchTick.Std() <= 0 {
		return fmt.Errorf("dispatch_tick must be positive")
	}
	if c.Monitor.ThresholdFraction < 0 {
		return fmt.Errorf("monitor.threshold_fraction must be >= 0")
	}
	return nil
}
