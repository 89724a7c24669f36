// Package agent runs one train over its route as an independent goroutine.
package agent

import (
	"time"
)

// Config holds the per-train run parameters.
type Config struct {
	// StartDelay is how long the train stays pending before touching any
	// resource.
	// Default: 0
	StartDelay time.Duration

	// SpeedMultiplier divides every dwell and travel time.
	// Default: 1
	SpeedMultiplier float64

	// SectionTimeout bounds each section acquisition. Zero waits forever.
	// Default: 0
	SectionTimeout time.Duration
}

// DefaultConfig returns a Config that starts immediately at normal speed
// and waits indefinitely for sections.
func DefaultConfig() Config {
	return Config{SpeedMultiplier: 1}
}

// ApplyDefaults replaces invalid fields: a non-positive speed becomes 1 and
// a negative start delay or section timeout becomes 0.
func (c Config) ApplyDefaults() Config {
	if c.SpeedMultiplier <= 0 {
		c.SpeedMultiplier = 1
	}
	if c.StartDelay < 0 {
		c.StartDelay = 0
	}
	if c.SectionTimeout < 0 {
		c.SectionTimeout = 0
	}
	return c
}

// scale converts a nominal duration into wall time at this speed.
func (c Config) scale(d time.Duration) time.Duration {
	return time.Duration(float64(d) / c.SpeedMultiplier)
}
