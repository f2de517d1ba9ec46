// Package configs loads the agent configuration from config.yml and
// converts it into the per-subsystem config structs.
package configs

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	kucoin "github.com/CAJUDA30/kucoin"
	"github.com/CAJUDA30/kucoin/internal/optimizer"
	"github.com/CAJUDA30/kucoin/internal/scheduler"
	"github.com/CAJUDA30/kucoin/pkg/ratelimit"
)

// Config represents the entire configuration structure from config.yml.
type Config struct {
	RateLimit  RateLimitYAMLData  `yaml:"rate_limit"`
	Controller ControllerYAMLData `yaml:"controller"`
	Scheduler  SchedulerYAMLData  `yaml:"scheduler"`
	Optimizer  OptimizerYAMLData  `yaml:"optimizer"`
	Bus        BusYAMLData        `yaml:"bus"`
	Metrics    MetricsYAMLData    `yaml:"metrics"`
	Database   DatabaseYAMLData   `yaml:"database"`
	ReportSec  int                `yaml:"reportIntervalSec"`
}

// RateLimitYAMLData configures the weight-window limiter.
type RateLimitYAMLData struct {
	CeilingWeight     int64   `yaml:"ceilingWeight"`
	SafetyMargin      float64 `yaml:"safetyMargin"`
	WindowSec         int     `yaml:"windowSec"`
	MaxConcurrent     int64   `yaml:"maxConcurrent"`
	BreakerThreshold  float64 `yaml:"breakerThreshold"`
	BreakerCooldownMS int     `yaml:"breakerCooldownMs"`
}

// ControllerYAMLData configures the unified rate controller.
type ControllerYAMLData struct {
	Capacity            int64   `yaml:"capacity"`
	WindowSec           int     `yaml:"windowSec"`
	TradingShare        float64 `yaml:"tradingShare"`
	ScanningShare       float64 `yaml:"scanningShare"`
	AdminShare          float64 `yaml:"adminShare"`
	ThrottleThreshold   float64 `yaml:"throttleThreshold"`
	RecoveryThreshold   float64 `yaml:"recoveryThreshold"`
	AlertThreshold      float64 `yaml:"alertThreshold"`
	MinThroughput       float64 `yaml:"minThroughput"`
	MonitorIntervalMS   int     `yaml:"monitorIntervalMs"`
	ScanIntervalSec     int     `yaml:"scanIntervalSec"`
	ScanIntervalHighSec int     `yaml:"scanIntervalHighLoadSec"`
	SLACriticalMS       int     `yaml:"slaCriticalMs"`
	SLAHighMS           int     `yaml:"slaHighMs"`
	SLAMediumMS         int     `yaml:"slaMediumMs"`
	SLALowMS            int     `yaml:"slaLowMs"`
}

// SchedulerYAMLData configures the adaptive scheduler.
type SchedulerYAMLData struct {
	MaxWeight           int64   `yaml:"maxWeight"`
	WindowSec           int     `yaml:"windowSec"`
	SafetyBufferSec     int     `yaml:"safetyBufferSec"`
	HeartbeatIntervalMS int     `yaml:"heartbeatIntervalMs"`
	ThrottleThreshold   float64 `yaml:"throttleThreshold"`
	HeavyThreshold      float64 `yaml:"heavyThreshold"`
	CooldownThreshold   float64 `yaml:"cooldownThreshold"`
}

// OptimizerYAMLData configures the adaptive optimizer and its bounds.
type OptimizerYAMLData struct {
	PeriodSec          int     `yaml:"periodSec"`
	MinCapacityTarget  float64 `yaml:"minCapacityTarget"`
	MaxCapacityTarget  float64 `yaml:"maxCapacityTarget"`
	MinScanIntervalSec int     `yaml:"minScanIntervalSec"`
	MaxScanIntervalSec int     `yaml:"maxScanIntervalSec"`
	MinBatchSize       int     `yaml:"minBatchSize"`
	MaxBatchSize       int     `yaml:"maxBatchSize"`
}

// BusYAMLData configures the event bus.
type BusYAMLData struct {
	BufferSize int `yaml:"bufferSize"`
}

// MetricsYAMLData configures the metrics scrape endpoint.
type MetricsYAMLData struct {
	ListenAddr string `yaml:"listenAddr"`
}

// DatabaseYAMLData configures the stats recorder. The DSN may also come
// from the environment; the YAML value wins when both are set.
type DatabaseYAMLData struct {
	DSN string `yaml:"dsn"`
}

// LoadConfig reads and parses config.yml into a Config struct.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}

	return &config, nil
}

// ToRateLimitConfig converts the YAML block into a limiter config; zero
// fields keep the limiter's defaults.
func (c *Config) ToRateLimitConfig() ratelimit.Config {
	return ratelimit.Config{
		CeilingWeight:    c.RateLimit.CeilingWeight,
		SafetyMargin:     c.RateLimit.SafetyMargin,
		Window:           time.Duration(c.RateLimit.WindowSec) * time.Second,
		MaxConcurrent:    c.RateLimit.MaxConcurrent,
		BreakerThreshold: c.RateLimit.BreakerThreshold,
		BreakerCooldown:  time.Duration(c.RateLimit.BreakerCooldownMS) * time.Millisecond,
	}
}

// ToControllerConfig converts the YAML block into the controller config,
// falling back to the stock defaults for unset fields.
func (c *Config) ToControllerConfig() kucoin.ControllerConfig {
	cfg := kucoin.DefaultControllerConfig()
	y := c.Controller
	if y.Capacity > 0 {
		cfg.Capacity = y.Capacity
	}
	if y.WindowSec > 0 {
		cfg.Window = time.Duration(y.WindowSec) * time.Second
	}
	if y.TradingShare > 0 {
		cfg.TradingShare = y.TradingShare
	}
	if y.ScanningShare > 0 {
		cfg.ScanningShare = y.ScanningShare
	}
	if y.AdminShare > 0 {
		cfg.AdminShare = y.AdminShare
	}
	if y.ThrottleThreshold > 0 {
		cfg.ThrottleThreshold = y.ThrottleThreshold
	}
	if y.RecoveryThreshold > 0 {
		cfg.RecoveryThreshold = y.RecoveryThreshold
	}
	if y.AlertThreshold > 0 {
		cfg.AlertThreshold = y.AlertThreshold
	}
	if y.MinThroughput > 0 {
		cfg.MinThroughput = y.MinThroughput
	}
	if y.MonitorIntervalMS > 0 {
		cfg.MonitorInterval = time.Duration(y.MonitorIntervalMS) * time.Millisecond
	}
	if y.ScanIntervalSec > 0 {
		cfg.ScanIntervalNormal = time.Duration(y.ScanIntervalSec) * time.Second
	}
	if y.ScanIntervalHighSec > 0 {
		cfg.ScanIntervalHighLoad = time.Duration(y.ScanIntervalHighSec) * time.Second
	}
	if y.SLACriticalMS > 0 {
		cfg.SLACritical = time.Duration(y.SLACriticalMS) * time.Millisecond
	}
	if y.SLAHighMS > 0 {
		cfg.SLAHigh = time.Duration(y.SLAHighMS) * time.Millisecond
	}
	if y.SLAMediumMS > 0 {
		cfg.SLAMedium = time.Duration(y.SLAMediumMS) * time.Millisecond
	}
	if y.SLALowMS > 0 {
		cfg.SLALow = time.Duration(y.SLALowMS) * time.Millisecond
	}
	return cfg
}

// ToSchedulerConfig converts the YAML block into the scheduler config; zero
// fields keep the scheduler's defaults.
func (c *Config) ToSchedulerConfig() scheduler.Config {
	return scheduler.Config{
		MaxWeight:         c.Scheduler.MaxWeight,
		Window:            time.Duration(c.Scheduler.WindowSec) * time.Second,
		SafetyBuffer:      time.Duration(c.Scheduler.SafetyBufferSec) * time.Second,
		HeartbeatInterval: time.Duration(c.Scheduler.HeartbeatIntervalMS) * time.Millisecond,
		ThrottleThreshold: c.Scheduler.ThrottleThreshold,
		HeavyThreshold:    c.Scheduler.HeavyThreshold,
		CooldownThreshold: c.Scheduler.CooldownThreshold,
	}
}

// ToOptimizerBounds converts the YAML block into safety bounds, falling
// back to the stock defaults for unset fields.
func (c *Config) ToOptimizerBounds() optimizer.Bounds {
	b := optimizer.DefaultBounds()
	y := c.Optimizer
	if y.MinCapacityTarget > 0 {
		b.MinCapacityTarget = y.MinCapacityTarget
	}
	if y.MaxCapacityTarget > 0 {
		b.MaxCapacityTarget = y.MaxCapacityTarget
	}
	if y.MinScanIntervalSec > 0 {
		b.MinScanInterval = time.Duration(y.MinScanIntervalSec) * time.Second
	}
	if y.MaxScanIntervalSec > 0 {
		b.MaxScanInterval = time.Duration(y.MaxScanIntervalSec) * time.Second
	}
	if y.MinBatchSize > 0 {
		b.MinBatchSize = y.MinBatchSize
	}
	if y.MaxBatchSize > 0 {
		b.MaxBatchSize = y.MaxBatchSize
	}
	return b
}

// OptimizerPeriod returns the optimization cycle period (default 60s).
func (c *Config) OptimizerPeriod() time.Duration {
	if c.Optimizer.PeriodSec > 0 {
		return time.Duration(c.Optimizer.PeriodSec) * time.Second
	}
	return time.Minute
}

// BusBufferSize returns the per-subscriber buffer size (default 1000).
func (c *Config) BusBufferSize() int {
	if c.Bus.BufferSize > 0 {
		return c.Bus.BufferSize
	}
	return 1000
}

// ReportInterval returns the periodic report cadence (default 30s).
func (c *Config) ReportInterval() time.Duration {
	if c.ReportSec > 0 {
		return time.Duration(c.ReportSec) * time.Second
	}
	return 30 * time.Second
}
