package engine

import (
	"errors"
	"fmt"
	"time"

	"campaignd/internal/governor"
	"campaignd/internal/retry"
)

const DefaultCheckpointEvery = 5

type Config struct {
	Governor governor.Config
	Retry    retry.Config
	// CheckpointEvery is how many resolved recipients trigger a checkpoint.
	CheckpointEvery int
	// Unsubscribe is a List-Unsubscribe target; {{ tokens }} are filled from
	// the recipient's variables plus campaign_id.
	Unsubscribe string
	// SaveTimeout bounds every store write made by the loop.
	SaveTimeout time.Duration
}

var ErrInvalidConfig = errors.New("invalid dispatch config")

func (c Config) Validate() error {
	if err := c.Governor.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if err := c.Retry.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if c.CheckpointEvery < 0 || c.SaveTimeout < 0 {
		return ErrInvalidConfig
	}
	return nil
}

func (c Config) withDefaults() Config {
	if c.CheckpointEvery == 0 {
		c.CheckpointEvery = DefaultCheckpointEvery
	}
	if c.SaveTimeout == 0 {
		c.SaveTimeout = 10 * time.Second
	}
	return c
}

// DefaultConfig mirrors the limits of a typical transactional email provider.
func DefaultConfig() Config {
	return Config{
		Governor: governor.Config{
			PerHourCap:     500,
			PerMinuteCap:   30,
			BaseDelay:      2 * time.Second,
			MaxDelay:       10 * time.Second,
			BurstSize:      10,
			BurstCooldown:  30 * time.Second,
			ProgressFactor: 0.5,
		},
		Retry: retry.Config{
			MaxRetries:      3,
			BaseDelay:       2 * time.Second,
			DelayMultiplier: 1.5,
		},
		CheckpointEvery: DefaultCheckpointEvery,
	}
}
