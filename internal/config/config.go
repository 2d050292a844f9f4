// Package config provides YAML-based configuration loading for Workforce.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level Workforce configuration, loaded from workforce.yaml.
type Config struct {
	Owner    string                `yaml:"owner"`
	Database DatabaseConfig        `yaml:"database"`
	Workers  WorkersConfig         `yaml:"workers"`
	Steps    StepsConfig           `yaml:"steps"`
	Pricing  map[string]ModelPrice `yaml:"pricing"`
	Lease    LeaseConfig           `yaml:"lease"`
	Notify   NotifyConfig          `yaml:"notify"`
	HTTP     HTTPConfig            `yaml:"http"`
	Log      LogConfig             `yaml:"log"`
	Catalog  string                `yaml:"catalog"`
}

// DatabaseConfig selects and addresses the backing SQL store.
type DatabaseConfig struct {
	Driver   string `yaml:"driver"` // mysql or sqlite
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Name     string `yaml:"name"`
	Path     string `yaml:"path"` // sqlite file
}

// WorkersConfig sizes the work queue and worker pool.
type WorkersConfig struct {
	Count        int           `yaml:"count"`
	QueueSize    int           `yaml:"queue_size"`
	PollInterval time.Duration `yaml:"poll_interval"`
}

// StepsConfig controls step execution: timeouts, retry and approval gating.
type StepsConfig struct {
	CallTimeout         time.Duration `yaml:"call_timeout"`
	MaxAttempts         int           `yaml:"max_attempts"`
	InitialBackoff      time.Duration `yaml:"initial_backoff"`
	MaxBackoff          time.Duration `yaml:"max_backoff"`
	ParallelIndependent bool          `yaml:"parallel_independent"`
	ApprovalRiskLevels  []string      `yaml:"approval_risk_levels"`
	// HoldPerCall is reserved on the wallet before each model call and
	// released when the call's step or plan settles. Zero disables holds.
	HoldPerCall int64 `yaml:"hold_per_call"`
}

// ModelPrice is the cost of a model in micro-credits per 1K tokens.
type ModelPrice struct {
	PromptPer1K     int64 `yaml:"prompt_per_1k"`
	CompletionPer1K int64 `yaml:"completion_per_1k"`
}

// LeaseConfig controls the lease sweeper.
type LeaseConfig struct {
	SweepSchedule string `yaml:"sweep_schedule"`
}

// NotifyConfig configures where approval requests are announced.
type NotifyConfig struct {
	Slack   SlackConfig   `yaml:"slack"`
	Discord DiscordConfig `yaml:"discord"`
}

// SlackConfig holds Slack bot credentials.
type SlackConfig struct {
	BotToken  string `yaml:"bot_token"`
	ChannelID string `yaml:"channel_id"`
}

// DiscordConfig holds Discord bot credentials.
type DiscordConfig struct {
	BotToken  string `yaml:"bot_token"`
	ChannelID string `yaml:"channel_id"`
}

// HTTPConfig configures the control-surface HTTP server.
type HTTPConfig struct {
	Port int `yaml:"port"`
}

// LogConfig configures structured logging.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads a YAML config file from path and returns a validated Config.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse unmarshals YAML bytes into a validated Config.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns a validated configuration for owner using only defaults.
func Default(owner string) *Config {
	cfg := &Config{Owner: owner}
	cfg.applyDefaults()
	return cfg
}

// applyDefaults fills in derived and default values.
func (c *Config) applyDefaults() {
	if c.Database.Driver == "" {
		c.Database.Driver = "mysql"
	}
	if c.Database.Host == "" {
		c.Database.Host = "127.0.0.1"
	}
	if c.Database.Port == 0 {
		c.Database.Port = 3306
	}
	if c.Database.User == "" {
		c.Database.User = "root"
	}
	if c.Database.Name == "" && c.Owner != "" {
		c.Database.Name = "workforce_" + c.Owner
	}
	if c.Database.Path == "" && c.Owner != "" {
		c.Database.Path = "workforce_" + c.Owner + ".db"
	}
	if c.Workers.Count == 0 {
		c.Workers.Count = 16
	}
	if c.Workers.QueueSize == 0 {
		c.Workers.QueueSize = 256
	}
	if c.Workers.PollInterval == 0 {
		c.Workers.PollInterval = 5 * time.Second
	}
	if c.Steps.CallTimeout == 0 {
		c.Steps.CallTimeout = 60 * time.Second
	}
	if c.Steps.MaxAttempts == 0 {
		c.Steps.MaxAttempts = 3
	}
	if c.Steps.InitialBackoff == 0 {
		c.Steps.InitialBackoff = 200 * time.Millisecond
	}
	if c.Steps.MaxBackoff == 0 {
		c.Steps.MaxBackoff = 5 * time.Second
	}
	if len(c.Steps.ApprovalRiskLevels) == 0 {
		c.Steps.ApprovalRiskLevels = []string{"high"}
	}
	if c.Lease.SweepSchedule == "" {
		c.Lease.SweepSchedule = "@every 1m"
	}
	if c.HTTP.Port == 0 {
		c.HTTP.Port = 8080
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
}

// validate checks that all required fields are present and consistent.
func (c *Config) validate() error {
	var errs []string
	if c.Owner == "" {
		errs = append(errs, "owner is required")
	}
	switch c.Database.Driver {
	case "mysql", "sqlite":
	default:
		errs = append(errs, fmt.Sprintf("database.driver %q must be mysql or sqlite", c.Database.Driver))
	}
	if c.Workers.Count < 0 {
		errs = append(errs, "workers.count must not be negative")
	}
	if c.Workers.QueueSize < 0 {
		errs = append(errs, "workers.queue_size must not be negative")
	}
	if c.Steps.MaxAttempts < 0 {
		errs = append(errs, "steps.max_attempts must not be negative")
	}
	if c.Steps.HoldPerCall < 0 {
		errs = append(errs, "steps.hold_per_call must not be negative")
	}
	if c.Steps.InitialBackoff > c.Steps.MaxBackoff {
		errs = append(errs, "steps.initial_backoff must not exceed steps.max_backoff")
	}
	for _, lvl := range c.Steps.ApprovalRiskLevels {
		switch lvl {
		case "low", "medium", "high":
		default:
			errs = append(errs, fmt.Sprintf("steps.approval_risk_levels: unknown level %q", lvl))
		}
	}
	for model, p := range c.Pricing {
		if p.PromptPer1K < 0 || p.CompletionPer1K < 0 {
			errs = append(errs, fmt.Sprintf("pricing[%s]: prices must not be negative", model))
		}
	}
	switch strings.ToLower(c.Log.Format) {
	case "json", "text":
	default:
		errs = append(errs, fmt.Sprintf("log.format %q must be json or text", c.Log.Format))
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

// RequiresApproval reports whether a skill with the given risk level must be
// approved before it runs.
func (s StepsConfig) RequiresApproval(riskLevel string) bool {
	for _, lvl := range s.ApprovalRiskLevels {
		if lvl == riskLevel {
			return true
		}
	}
	return false
}
