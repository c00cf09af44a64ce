// SPDX-License-Identifier: MIT

package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// duration accepts Go duration strings ("10s") in YAML.
type duration time.Duration

func (d *duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = duration(v)
	return nil
}

// fileConfig mirrors Config with pointer fields so absent YAML keys are
// distinguishable from zero values during overlay.
type fileConfig struct {
	StopTimeout        *duration `yaml:"stop_timeout"`
	RecoveryTimeout    *duration `yaml:"recovery_timeout"`
	AutoRecovery       *bool     `yaml:"auto_recovery_enabled"`
	AutoRecoveryGrace  *duration `yaml:"auto_recovery_grace"`
	HeartbeatInterval  *duration `yaml:"heartbeat_interval"`
	HeartbeatMissLimit *int      `yaml:"heartbeat_miss_limit"`
	BroadcastTopic     *string   `yaml:"broadcast_topic"`
	RedisAddr          *string   `yaml:"redis_addr"`
	RedisPassword      *string   `yaml:"redis_password"`
	RedisDB            *int      `yaml:"redis_db"`
	MQTTBroker         *string   `yaml:"mqtt_broker"`
	MQTTClientID       *string   `yaml:"mqtt_client_id"`
	JournalPath        *string   `yaml:"journal_path"`
	StateFile          *string   `yaml:"state_file"`
	ListenAddr         *string   `yaml:"listen"`
	MetricsAddr        *string   `yaml:"metrics_listen"`
	ShutdownTimeout    *duration `yaml:"shutdown_timeout"`
	RateLimitRPM       *int      `yaml:"rate_limit_rpm"`
	LogLevel           *string   `yaml:"log_level"`
}

func loadFile(path string) (fileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return fileConfig{}, err
	}
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fileConfig{}, fmt.Errorf("parse yaml: %w", err)
	}
	return fc, nil
}

// overlay applies the file values present in fc on top of base.
func (fc fileConfig) overlay(base Config) Config {
	if fc.StopTimeout != nil {
		base.StopTimeout = time.Duration(*fc.StopTimeout)
	}
	if fc.RecoveryTimeout != nil {
		base.RecoveryTimeout = time.Duration(*fc.RecoveryTimeout)
	}
	if fc.AutoRecovery != nil {
		base.AutoRecovery = *fc.AutoRecovery
	}
	if fc.AutoRecoveryGrace != nil {
		base.AutoRecoveryGrace = time.Duration(*fc.AutoRecoveryGrace)
	}
	if fc.HeartbeatInterval != nil {
		base.HeartbeatInterval = time.Duration(*fc.HeartbeatInterval)
	}
	if fc.HeartbeatMissLimit != nil {
		base.HeartbeatMissLimit = *fc.HeartbeatMissLimit
	}
	if fc.BroadcastTopic != nil {
		base.BroadcastTopic = *fc.BroadcastTopic
	}
	if fc.RedisAddr != nil {
		base.RedisAddr = *fc.RedisAddr
	}
	if fc.RedisPassword != nil {
		base.RedisPassword = *fc.RedisPassword
	}
	if fc.RedisDB != nil {
		base.RedisDB = *fc.RedisDB
	}
	if fc.MQTTBroker != nil {
		base.MQTTBroker = *fc.MQTTBroker
	}
	if fc.MQTTClientID != nil {
		base.MQTTClientID = *fc.MQTTClientID
	}
	if fc.JournalPath != nil {
		base.JournalPath = *fc.JournalPath
	}
	if fc.StateFile != nil {
		base.StateFile = *fc.StateFile
	}
	if fc.ListenAddr != nil {
		base.ListenAddr = *fc.ListenAddr
	}
	if fc.MetricsAddr != nil {
		base.MetricsAddr = *fc.MetricsAddr
	}
	if fc.ShutdownTimeout != nil {
		base.ShutdownTimeout = time.Duration(*fc.ShutdownTimeout)
	}
	if fc.RateLimitRPM != nil {
		base.RateLimitRPM = *fc.RateLimitRPM
	}
	if fc.LogLevel != nil {
		base.LogLevel = *fc.LogLevel
	}
	return base
}
