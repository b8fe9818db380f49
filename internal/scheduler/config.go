package scheduler

import "time"

// Config controls the background worker interval and batch sizes.
type Config struct {
	RunInterval    time.Duration
	BatchSize      int
	RolloutTimeout time.Duration
	ExpiryTimeout  time.Duration
}

func DefaultConfig() Config {
	return Config{
		RunInterval:    2 * time.Minute,
		BatchSize:      500,
		RolloutTimeout: 5 * time.Minute,
		ExpiryTimeout:  time.Minute,
	}
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.RunInterval <= 0 {
		c.RunInterval = defaults.RunInterval
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaults.BatchSize
	}
	if c.RolloutTimeout <= 0 {
		c.RolloutTimeout = defaults.RolloutTimeout
	}
	if c.ExpiryTimeout <= 0 {
		c.ExpiryTimeout = defaults.ExpiryTimeout
	}
	return c
}
