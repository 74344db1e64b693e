// Package config loads and watches writebot's configuration file.
//
// Files may be JSON or YAML; YAML is coerced to JSON so both formats go
// through the same strict decoder (unknown fields are rejected).
package config

import (
	"errors"
	"fmt"
	"time"

	"writebot/internal/logging"
)

type Config struct {
	Telegram  TelegramConfig  `json:"telegram"`
	Storage   StorageConfig   `json:"storage"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Sprint    SprintConfig    `json:"sprint"`
	Goal      GoalConfig      `json:"goal"`
	Metrics   MetricsConfig   `json:"metrics"`
	Log       logging.Config  `json:"log"`
}

type TelegramConfig struct {
	Enabled bool   `json:"enabled"`
	Token   string `json:"token"`
	// RatePerSec bounds outgoing sends; Telegram throttles around 30/s
	// globally, far less per chat.
	RatePerSec int `json:"rate_per_sec"`
}

type StorageConfig struct {
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout"`
}

type SchedulerConfig struct {
	PollInterval    string `json:"poll_interval"`
	CleanupInterval string `json:"cleanup_interval"`
	ClaimTTL        string `json:"claim_ttl"`
	MaxAttempts     int    `json:"max_attempts"`
}

// SprintConfig values are minutes, matching how users type them.
type SprintConfig struct {
	DefaultLength int `json:"default_length"`
	MaxLength     int `json:"max_length"`
	DefaultDelay  int `json:"default_delay"`
	MaxDelay      int `json:"max_delay"`
	EndDelay      int `json:"end_delay"`
	MaxEndDelay   int `json:"max_end_delay"`
}

type GoalConfig struct {
	ResetInterval string `json:"reset_interval"`
}

type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Listen  string `json:"listen"`
}

const (
	DefaultPollInterval    = 30 * time.Second
	DefaultCleanupInterval = time.Hour
	DefaultClaimTTL        = time.Hour
	DefaultMaxAttempts     = 10
	DefaultGoalResetEvery  = 15 * time.Minute
)

func (c SchedulerConfig) PollEvery() (time.Duration, error) {
	return ParseDurationOrDefault("scheduler.poll_interval", c.PollInterval, DefaultPollInterval)
}

func (c SchedulerConfig) CleanupEvery() (time.Duration, error) {
	return ParseDurationOrDefault("scheduler.cleanup_interval", c.CleanupInterval, DefaultCleanupInterval)
}

func (c SchedulerConfig) ClaimLease() (time.Duration, error) {
	return ParseDurationOrDefault("scheduler.claim_ttl", c.ClaimTTL, DefaultClaimTTL)
}

func (c SchedulerConfig) Attempts() int {
	if c.MaxAttempts <= 0 {
		return DefaultMaxAttempts
	}
	return c.MaxAttempts
}

func (c StorageConfig) BusyWait() (time.Duration, error) {
	return ParseDurationOrDefault("storage.busy_timeout", c.BusyTimeout, 5*time.Second)
}

func (c GoalConfig) ResetEvery() (time.Duration, error) {
	return ParseDurationOrDefault("goal.reset_interval", c.ResetInterval, DefaultGoalResetEvery)
}

// Normalize fills sprint bounds with the writebot defaults and clamps
// nonsense values the same way the sprint commands do: out of range
// means "use the default", not an error.
func (c *Config) Normalize() {
	s := &c.Sprint
	if s.DefaultLength <= 0 {
		s.DefaultLength = 20
	}
	if s.MaxLength <= 0 {
		s.MaxLength = 60
	}
	if s.DefaultDelay < 0 {
		s.DefaultDelay = 2
	}
	if s.DefaultDelay == 0 {
		s.DefaultDelay = 2
	}
	if s.MaxDelay <= 0 {
		s.MaxDelay = 60 * 24
	}
	if s.EndDelay <= 0 {
		s.EndDelay = 2
	}
	if s.MaxEndDelay <= 0 {
		s.MaxEndDelay = 15
	}
	if c.Telegram.RatePerSec <= 0 {
		c.Telegram.RatePerSec = 3
	}
}

func (c *Config) Validate() error {
	if c == nil {
		return errors.New("nil config")
	}
	if c.Storage.Path == "" {
		return errors.New("storage.path is required")
	}
	if c.Telegram.Enabled && c.Telegram.Token == "" {
		return errors.New("telegram.token is required when telegram.enabled")
	}
	for _, probe := range []func() (time.Duration, error){
		c.Scheduler.PollEvery,
		c.Scheduler.CleanupEvery,
		c.Scheduler.ClaimLease,
		c.Storage.BusyWait,
		c.Goal.ResetEvery,
	} {
		if _, err := probe(); err != nil {
			return err
		}
	}
	if c.Sprint.MaxEndDelay > 0 && c.Sprint.EndDelay > c.Sprint.MaxEndDelay {
		return fmt.Errorf("sprint.end_delay %d exceeds sprint.max_end_delay %d", c.Sprint.EndDelay, c.Sprint.MaxEndDelay)
	}
	return nil
}
