// Package config provides configuration loading and validation for the
// orchestrator. Settings come from a YAML file with environment variable
// expansion; everything has a working default so an empty file is valid.
package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that unmarshals from YAML strings like "8h".
type Duration time.Duration

// Std returns the standard library representation.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Defaults for the orchestration core.
const (
	DefaultQueueMaxDepth    = 10
	DefaultExecutorSlots    = 1
	DefaultSameIssueMax     = 3
	DefaultNoProgressMax    = 5
	DefaultTotalCyclesMax   = 20
	DefaultMaxSessionAge    = Duration(8 * time.Hour)
	DefaultWatchdogInterval = Duration(time.Minute)
	DefaultCommandsPerMin   = 30
	DefaultDBPath           = "legba.db"
	DefaultRegistryPath     = "projects.json"
	DefaultEventLogDir      = "logs"
)

// QueueConfig controls admission.
type QueueConfig struct {
	MaxDepth int `yaml:"max_depth"`
	// DisabledProjectPolicy is "drop" (notify the user with E002) or
	// "defer" (keep the request pending at the tail).
	DisabledProjectPolicy string `yaml:"disabled_project_policy"`
}

// ExecutorConfig controls the execution-slot pool and the sandbox runner.
type ExecutorConfig struct {
	Slots int `yaml:"slots"`
	// Command is the sandbox runner argv. The runner receives session
	// context via LEGBA_* environment variables and emits one JSON event
	// per stdout line.
	Command []string `yaml:"command"`
}

// BreakerConfig holds circuit breaker thresholds.
type BreakerConfig struct {
	SameIssueMax       int      `yaml:"same_issue_max"`
	NoProgressMax      int      `yaml:"no_progress_max"`
	TotalCyclesMax     int      `yaml:"total_cycles_max"`
	MaxSessionAge      Duration `yaml:"max_session_age"`
	ResetClockOnResume bool     `yaml:"reset_clock_on_resume"`
}

// RateLimitConfig guards inbound commands.
type RateLimitConfig struct {
	CommandsPerMinute int `yaml:"commands_per_minute"`
}

// Config is the root configuration.
type Config struct {
	DBPath           string          `yaml:"db_path"`
	RegistryPath     string          `yaml:"registry_path"`
	EventLogDir      string          `yaml:"event_log_dir"`
	MetricsAddr      string          `yaml:"metrics_addr"` // empty disables the metrics endpoint
	Queue            QueueConfig     `yaml:"queue"`
	Executor         ExecutorConfig  `yaml:"executor"`
	Breaker          BreakerConfig   `yaml:"breaker"`
	RateLimit        RateLimitConfig `yaml:"rate_limit"`
	WatchdogInterval Duration        `yaml:"watchdog_interval"`
}

// Default returns a config with all defaults applied.
func Default() *Config {
	return &Config{
		DBPath:       DefaultDBPath,
		RegistryPath: DefaultRegistryPath,
		EventLogDir:  DefaultEventLogDir,
		Queue: QueueConfig{
			MaxDepth:              DefaultQueueMaxDepth,
			DisabledProjectPolicy: "drop",
		},
		Executor: ExecutorConfig{Slots: DefaultExecutorSlots},
		Breaker: BreakerConfig{
			SameIssueMax:   DefaultSameIssueMax,
			NoProgressMax:  DefaultNoProgressMax,
			TotalCyclesMax: DefaultTotalCyclesMax,
			MaxSessionAge:  DefaultMaxSessionAge,
		},
		RateLimit:        RateLimitConfig{CommandsPerMinute: DefaultCommandsPerMin},
		WatchdogInterval: DefaultWatchdogInterval,
	}
}

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// expandEnv substitutes ${VAR} references with environment values.
// Unset variables expand to the empty string.
func expandEnv(data []byte) []byte {
	return envVarPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		name := envVarPattern.FindSubmatch(match)[1]
		return []byte(os.Getenv(string(name)))
	})
}

// Load reads a YAML config file, applies defaults for anything unset, and
// validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(expandEnv(data), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.DBPath == "" {
		cfg.DBPath = DefaultDBPath
	}
	if cfg.RegistryPath == "" {
		cfg.RegistryPath = DefaultRegistryPath
	}
	if cfg.EventLogDir == "" {
		cfg.EventLogDir = DefaultEventLogDir
	}
	if cfg.Queue.MaxDepth == 0 {
		cfg.Queue.MaxDepth = DefaultQueueMaxDepth
	}
	if cfg.Queue.DisabledProjectPolicy == "" {
		cfg.Queue.DisabledProjectPolicy = "drop"
	}
	if cfg.Executor.Slots == 0 {
		cfg.Executor.Slots = DefaultExecutorSlots
	}
	if cfg.Breaker.SameIssueMax == 0 {
		cfg.Breaker.SameIssueMax = DefaultSameIssueMax
	}
	if cfg.Breaker.NoProgressMax == 0 {
		cfg.Breaker.NoProgressMax = DefaultNoProgressMax
	}
	if cfg.Breaker.TotalCyclesMax == 0 {
		cfg.Breaker.TotalCyclesMax = DefaultTotalCyclesMax
	}
	if cfg.Breaker.MaxSessionAge == 0 {
		cfg.Breaker.MaxSessionAge = DefaultMaxSessionAge
	}
	if cfg.RateLimit.CommandsPerMinute == 0 {
		cfg.RateLimit.CommandsPerMinute = DefaultCommandsPerMin
	}
	if cfg.WatchdogInterval == 0 {
		cfg.WatchdogInterval = DefaultWatchdogInterval
	}
}

// Validate rejects configurations the orchestrator cannot run with.
func (c *Config) Validate() error {
	if c.Queue.MaxDepth < 1 {
		return fmt.Errorf("queue.max_depth must be at least 1, got %d", c.Queue.MaxDepth)
	}
	if p := c.Queue.DisabledProjectPolicy; p != "drop" && p != "defer" {
		return fmt.Errorf("queue.disabled_project_policy must be \"drop\" or \"defer\", got %q", p)
	}
	if c.Executor.Slots < 1 {
		return fmt.Errorf("executor.slots must be at least 1, got %d", c.Executor.Slots)
	}
	if c.Breaker.SameIssueMax < 1 || c.Breaker.NoProgressMax < 1 || c.Breaker.TotalCyclesMax < 1 {
		return fmt.Errorf("breaker thresholds must all be at least 1")
	}
	if c.Breaker.MaxSessionAge.Std() < time.Minute {
		return fmt.Errorf("breaker.max_session_age must be at least 1m, got %s", c.Breaker.MaxSessionAge)
	}
	if c.WatchdogInterval.Std() < time.Second {
		return fmt.Errorf("watchdog_interval must be at least 1s, got %s", c.WatchdogInterval)
	}
	return nil
}
