// SPDX-License-Identifier: MIT

// Package config loads and validates the daemon configuration. Values come
// from an optional YAML file overlaid by ESTOP_-prefixed environment
// variables; environment always wins.
package config

import (
	"errors"
	"fmt"
	"time"
)

// Validation errors returned by Validate.
var (
	ErrInvalidStopTimeout       = errors.New("stop timeout must be positive")
	ErrInvalidRecoveryTimeout   = errors.New("recovery timeout must be positive")
	ErrInvalidHeartbeatInterval = errors.New("heartbeat interval must be positive")
	ErrInvalidHeartbeatMisses   = errors.New("heartbeat miss limit must be at least 1")
	ErrInvalidBroadcastTopic    = errors.New("broadcast topic must not be empty")
)

// Config is the full daemon configuration.
type Config struct {
	// Controller timing.
	StopTimeout       time.Duration `yaml:"stop_timeout"`
	RecoveryTimeout   time.Duration `yaml:"recovery_timeout"`
	AutoRecovery      bool          `yaml:"auto_recovery_enabled"`
	AutoRecoveryGrace time.Duration `yaml:"auto_recovery_grace"`

	// Heartbeat monitor.
	HeartbeatInterval  time.Duration `yaml:"heartbeat_interval"`
	HeartbeatMissLimit int           `yaml:"heartbeat_miss_limit"`

	// Broadcast transports.
	BroadcastTopic string `yaml:"broadcast_topic"`
	RedisAddr      string `yaml:"redis_addr"`
	RedisPassword  string `yaml:"redis_password"`
	RedisDB        int    `yaml:"redis_db"`
	MQTTBroker     string `yaml:"mqtt_broker"`
	MQTTClientID   string `yaml:"mqtt_client_id"`

	// Durable episode journal and snapshot export.
	JournalPath string `yaml:"journal_path"`
	StateFile   string `yaml:"state_file"`

	// Servers.
	ListenAddr      string        `yaml:"listen"`
	MetricsAddr     string        `yaml:"metrics_listen"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	RateLimitRPM    int           `yaml:"rate_limit_rpm"`

	// Logging.
	LogLevel string `yaml:"log_level"`
}

// Default returns the configuration defaults.
func Default() Config {
	return Config{
		StopTimeout:        5 * time.Second,
		RecoveryTimeout:    30 * time.Second,
		AutoRecovery:       false,
		AutoRecoveryGrace:  5 * time.Second,
		HeartbeatInterval:  time.Second,
		HeartbeatMissLimit: 3,
		BroadcastTopic:     "/emergency_stop",
		MQTTClientID:       "estopd",
		ListenAddr:         ":8080",
		MetricsAddr:        ":9090",
		ShutdownTimeout:    30 * time.Second,
		RateLimitRPM:       60,
		LogLevel:           "info",
	}
}

// FromEnv overlays ESTOP_-prefixed environment variables on top of c.
func (c Config) FromEnv() Config {
	c.StopTimeout = ParseDuration("ESTOP_STOP_TIMEOUT", c.StopTimeout)
	c.RecoveryTimeout = ParseDuration("ESTOP_RECOVERY_TIMEOUT", c.RecoveryTimeout)
	c.AutoRecovery = ParseBool("ESTOP_AUTO_RECOVERY_ENABLED", c.AutoRecovery)
	c.AutoRecoveryGrace = ParseDuration("ESTOP_AUTO_RECOVERY_GRACE", c.AutoRecoveryGrace)
	c.HeartbeatInterval = ParseDuration("ESTOP_HEARTBEAT_INTERVAL", c.HeartbeatInterval)
	c.HeartbeatMissLimit = ParseInt("ESTOP_HEARTBEAT_MISS_LIMIT", c.HeartbeatMissLimit)
	c.BroadcastTopic = ParseString("ESTOP_BROADCAST_TOPIC", c.BroadcastTopic)
	c.RedisAddr = ParseString("ESTOP_REDIS_ADDR", c.RedisAddr)
	c.RedisPassword = ParseString("ESTOP_REDIS_PASSWORD", c.RedisPassword)
	c.RedisDB = ParseInt("ESTOP_REDIS_DB", c.RedisDB)
	c.MQTTBroker = ParseString("ESTOP_MQTT_BROKER", c.MQTTBroker)
	c.MQTTClientID = ParseString("ESTOP_MQTT_CLIENT_ID", c.MQTTClientID)
	c.JournalPath = ParseString("ESTOP_JOURNAL_PATH", c.JournalPath)
	c.StateFile = ParseString("ESTOP_STATE_FILE", c.StateFile)
	c.ListenAddr = ParseString("ESTOP_LISTEN", c.ListenAddr)
	c.MetricsAddr = ParseString("ESTOP_METRICS_LISTEN", c.MetricsAddr)
	c.ShutdownTimeout = ParseDuration("ESTOP_SHUTDOWN_TIMEOUT", c.ShutdownTimeout)
	c.RateLimitRPM = ParseInt("ESTOP_RATE_LIMIT_RPM", c.RateLimitRPM)
	c.LogLevel = ParseString("ESTOP_LOG_LEVEL", c.LogLevel)
	return c
}

// Validate checks the configuration for values the daemon cannot run with.
func (c Config) Validate() error {
	var errs []error
	if c.StopTimeout <= 0 {
		errs = append(errs, ErrInvalidStopTimeout)
	}
	if c.RecoveryTimeout <= 0 {
		errs = append(errs, ErrInvalidRecoveryTimeout)
	}
	if c.HeartbeatInterval <= 0 {
		errs = append(errs, ErrInvalidHeartbeatInterval)
	}
	if c.HeartbeatMissLimit < 1 {
		errs = append(errs, ErrInvalidHeartbeatMisses)
	}
	if c.BroadcastTopic == "" {
		errs = append(errs, ErrInvalidBroadcastTopic)
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
	}
	return nil
}

// Load builds the effective configuration: defaults, then the optional YAML
// file at path (empty path skips the file), then environment overrides.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		fileCfg, err := loadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("load config file: %w", err)
		}
		cfg = fileCfg.overlay(cfg)
	}
	cfg = cfg.FromEnv()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
