// Package config loads node configuration from defaults, an optional YAML
// file named by CONFIG_FILE, and environment overrides, in that order.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	yaml "go.yaml.in/yaml/v3"
)

type Config struct {
	NodeID      string
	PostgresDSN string
	RedisAddr   string
	Port        string

	CollectionInterval   time.Duration
	HistoryWindow        time.Duration
	MaxFailedJobRetry    int
	FailedJobInterval    time.Duration
	DistributorPeriod    time.Duration
	FailedJobSweepPeriod time.Duration
	LeaderTTL            time.Duration
	HeartbeatPeriod      time.Duration
	NodeDeadTimeout      time.Duration
	RPCCallTimeout       time.Duration
	DistributorCastRate  int

	LogLevel  string
	LogFormat string
}

// fileConfig mirrors Config with raw duration strings, as written in YAML.
type fileConfig struct {
	NodeID               string `yaml:"node_id"`
	PostgresDSN          string `yaml:"postgres_dsn"`
	RedisAddr            string `yaml:"redis_addr"`
	Port                 string `yaml:"port"`
	CollectionInterval   string `yaml:"collection_interval"`
	HistoryWindow        string `yaml:"history_window"`
	MaxFailedJobRetry    int    `yaml:"max_failed_job_retry_count"`
	FailedJobInterval    string `yaml:"failed_job_interval"`
	DistributorPeriod    string `yaml:"distributor_period"`
	FailedJobSweepPeriod string `yaml:"failed_job_sweep_period"`
	LeaderTTL            string `yaml:"leader_ttl"`
	HeartbeatPeriod      string `yaml:"heartbeat_period"`
	NodeDeadTimeout      string `yaml:"node_dead_timeout"`
	RPCCallTimeout       string `yaml:"rpc_call_timeout"`
	DistributorCastRate  int    `yaml:"distributor_cast_rate"`
	LogLevel             string `yaml:"log_level"`
	LogFormat            string `yaml:"log_format"`
}

func Default() Config {
	return Config{
		NodeID:               defaultNodeID(),
		RedisAddr:            "localhost:6379",
		Port:                 "8080",
		CollectionInterval:   900 * time.Second,
		HistoryWindow:        300 * time.Second,
		MaxFailedJobRetry:    5,
		FailedJobInterval:    240 * time.Second,
		DistributorPeriod:    180 * time.Second,
		FailedJobSweepPeriod: 120 * time.Second,
		LeaderTTL:            30 * time.Second,
		HeartbeatPeriod:      10 * time.Second,
		NodeDeadTimeout:      60 * time.Second,
		RPCCallTimeout:       60 * time.Second,
		DistributorCastRate:  50,
		LogLevel:             "info",
		LogFormat:            "json",
	}
}

// Load builds the configuration and validates it.
func Load() (Config, error) {
	cfg := Default()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := cfg.applyYAML(data); err != nil {
			return Config{}, err
		}
	}

	if err := cfg.applyEnv(os.Getenv); err != nil {
		return Config{}, err
	}

	return cfg, cfg.Validate()
}

func (c *Config) applyYAML(data []byte) error {
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("yaml unmarshal: %w", err)
	}

	setString(&c.NodeID, fc.NodeID)
	setString(&c.PostgresDSN, fc.PostgresDSN)
	setString(&c.RedisAddr, fc.RedisAddr)
	setString(&c.Port, fc.Port)
	setString(&c.LogLevel, fc.LogLevel)
	setString(&c.LogFormat, fc.LogFormat)
	if fc.MaxFailedJobRetry > 0 {
		c.MaxFailedJobRetry = fc.MaxFailedJobRetry
	}
	if fc.DistributorCastRate > 0 {
		c.DistributorCastRate = fc.DistributorCastRate
	}

	return c.applyDurations(map[string]string{
		"collection_interval":     fc.CollectionInterval,
		"history_window":          fc.HistoryWindow,
		"failed_job_interval":     fc.FailedJobInterval,
		"distributor_period":      fc.DistributorPeriod,
		"failed_job_sweep_period": fc.FailedJobSweepPeriod,
		"leader_ttl":              fc.LeaderTTL,
		"heartbeat_period":        fc.HeartbeatPeriod,
		"node_dead_timeout":       fc.NodeDeadTimeout,
		"rpc_call_timeout":        fc.RPCCallTimeout,
	})
}

func (c *Config) applyEnv(getenv func(string) string) error {
	setString(&c.NodeID, getenv("NODE_ID"))
	setString(&c.PostgresDSN, getenv("POSTGRES_DSN"))
	setString(&c.RedisAddr, getenv("REDIS_ADDR"))
	setString(&c.Port, getenv("PORT"))
	setString(&c.LogLevel, getenv("LOG_LEVEL"))
	setString(&c.LogFormat, getenv("LOG_FORMAT"))

	if raw := getenv("MAX_FAILED_JOB_RETRY_COUNT"); raw != "" {
		n, err := strconv.Atoi(strings.TrimSpace(raw))
		if err != nil {
			return fmt.Errorf("MAX_FAILED_JOB_RETRY_COUNT: invalid integer %q: %w", raw, err)
		}
		c.MaxFailedJobRetry = n
	}
	if raw := getenv("DISTRIBUTOR_CAST_RATE"); raw != "" {
		n, err := strconv.Atoi(strings.TrimSpace(raw))
		if err != nil {
			return fmt.Errorf("DISTRIBUTOR_CAST_RATE: invalid integer %q: %w", raw, err)
		}
		c.DistributorCastRate = n
	}

	return c.applyDurations(map[string]string{
		"collection_interval":     getenv("COLLECTION_INTERVAL"),
		"history_window":          getenv("HISTORY_WINDOW"),
		"failed_job_interval":     getenv("FAILED_JOB_INTERVAL"),
		"distributor_period":      getenv("DISTRIBUTOR_PERIOD"),
		"failed_job_sweep_period": getenv("FAILED_JOB_SWEEP_PERIOD"),
		"leader_ttl":              getenv("LEADER_TTL"),
		"heartbeat_period":        getenv("HEARTBEAT_PERIOD"),
		"node_dead_timeout":       getenv("NODE_DEAD_TIMEOUT"),
		"rpc_call_timeout":        getenv("RPC_CALL_TIMEOUT"),
	})
}

func (c *Config) applyDurations(raw map[string]string) error {
	targets := map[string]*time.Duration{
		"collection_interval":     &c.CollectionInterval,
		"history_window":          &c.HistoryWindow,
		"failed_job_interval":     &c.FailedJobInterval,
		"distributor_period":      &c.DistributorPeriod,
		"failed_job_sweep_period": &c.FailedJobSweepPeriod,
		"leader_ttl":              &c.LeaderTTL,
		"heartbeat_period":        &c.HeartbeatPeriod,
		"node_dead_timeout":       &c.NodeDeadTimeout,
		"rpc_call_timeout":        &c.RPCCallTimeout,
	}

	for key, value := range raw {
		d, err := ParseDurationOrDefault(key, value, *targets[key])
		if err != nil {
			return err
		}
		*targets[key] = d
	}

	return nil
}

func (c Config) Validate() error {
	var errs []error

	positive := map[string]time.Duration{
		"collection_interval":     c.CollectionInterval,
		"failed_job_interval":     c.FailedJobInterval,
		"distributor_period":      c.DistributorPeriod,
		"failed_job_sweep_period": c.FailedJobSweepPeriod,
		"leader_ttl":              c.LeaderTTL,
		"heartbeat_period":        c.HeartbeatPeriod,
		"node_dead_timeout":       c.NodeDeadTimeout,
		"rpc_call_timeout":        c.RPCCallTimeout,
	}
	for key, d := range positive {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s: must be > 0", key))
		}
	}
	if c.HistoryWindow < 0 {
		errs = append(errs, errors.New("history_window: must be >= 0"))
	}
	if c.MaxFailedJobRetry < 1 {
		errs = append(errs, errors.New("max_failed_job_retry_count: must be >= 1"))
	}
	if c.DistributorCastRate < 1 {
		errs = append(errs, errors.New("distributor_cast_rate: must be >= 1"))
	}
	if strings.TrimSpace(c.NodeID) == "" {
		errs = append(errs, errors.New("node_id: required"))
	}

	return errors.Join(errs...)
}

// defaultNodeID is the host name, which survives restarts so a worker finds
// the tasks it owned. Without one NODE_ID must be set.
func defaultNodeID() string {
	host, err := os.Hostname()
	if err != nil {
		return ""
	}
	return host
}

func setString(dst *string, v string) {
	if s := strings.TrimSpace(v); s != "" {
		*dst = s
	}
}
