// Package config loads process configuration from a YAML file, with
// environment variable overrides applied on top. There is no viper/cobra
// indirection: Load reads one file into a Config, then lets a handful of
// environment variables override specific fields via small envOr/envIntOr/
// envDurationOr helpers.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is process-wide configuration: a default task queue name, the
// supervisor's heartbeat cadence, the agent loop's default iteration/token
// caps, the HTTP surface's listen address, and the scheduler's default cron
// timezone.
type Config struct {
	// DefaultTaskQueue is a task queue name loaded from YAML and
	// BRAINS_TASK_QUEUE. No other package in this module reads it.
	DefaultTaskQueue string `yaml:"defaultTaskQueue"`

	HTTP       HTTPConfig       `yaml:"http"`
	Supervisor SupervisorConfig `yaml:"supervisor"`
	AgentLoop  AgentLoopConfig  `yaml:"agentLoop"`
	Scheduler  SchedulerConfig  `yaml:"scheduler"`
}

// HTTPConfig configures the httpapi.Server's listener.
type HTTPConfig struct {
	ListenAddr string `yaml:"listenAddr"`
}

// SupervisorConfig configures a supervisor.Supervisor.
type SupervisorConfig struct {
	HeartbeatInterval time.Duration `yaml:"heartbeatInterval"`
	SubscriberBuffer  int           `yaml:"subscriberBuffer"`
}

// AgentLoopConfig holds default agent iteration/token caps loaded from YAML
// and environment overrides. No other package reads these values: an
// AgentConfig that leaves MaxIterations at zero gets agentloop's built-in
// default of 100, and one that leaves MaxTokens at zero is unbounded.
type AgentLoopConfig struct {
	MaxIterations int `yaml:"maxIterations"`
	MaxTokens     int `yaml:"maxTokens"`
}

// SchedulerConfig configures a scheduler.Scheduler.
type SchedulerConfig struct {
	DefaultTimezone string `yaml:"defaultTimezone"`
}

// Default returns the configuration used when no file is loaded and no
// environment overrides are set.
func Default() *Config {
	return &Config{
		DefaultTaskQueue: "brains-default",
		HTTP: HTTPConfig{
			ListenAddr: ":8080",
		},
		Supervisor: SupervisorConfig{
			HeartbeatInterval: 15 * time.Second,
			SubscriberBuffer:  64,
		},
		AgentLoop: AgentLoopConfig{
			MaxIterations: 100,
			MaxTokens:     0,
		},
		Scheduler: SchedulerConfig{
			DefaultTimezone: "UTC",
		},
	}
}

// Load reads a YAML file at path into a Config seeded with Default, then
// applies environment variable overrides. An empty path skips the file read
// and returns Default with overrides applied.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path) // #nosec G304 -- path is an operator-supplied config file, not user input
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	cfg.DefaultTaskQueue = envOr("BRAINS_TASK_QUEUE", cfg.DefaultTaskQueue)
	cfg.HTTP.ListenAddr = envOr("BRAINS_HTTP_LISTEN_ADDR", cfg.HTTP.ListenAddr)
	cfg.Supervisor.HeartbeatInterval = envDurationOr("BRAINS_HEARTBEAT_INTERVAL", cfg.Supervisor.HeartbeatInterval)
	cfg.Supervisor.SubscriberBuffer = envIntOr("BRAINS_SUBSCRIBER_BUFFER", cfg.Supervisor.SubscriberBuffer)
	cfg.AgentLoop.MaxIterations = envIntOr("BRAINS_AGENT_MAX_ITERATIONS", cfg.AgentLoop.MaxIterations)
	cfg.AgentLoop.MaxTokens = envIntOr("BRAINS_AGENT_MAX_TOKENS", cfg.AgentLoop.MaxTokens)
	cfg.Scheduler.DefaultTimezone = envOr("BRAINS_SCHEDULER_TIMEZONE", cfg.Scheduler.DefaultTimezone)
}

func envOr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envIntOr(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultVal
}

func envDurationOr(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}
