// Package config loads simulator settings from RAILSIM_* environment
// variables. Command-line flags override what Load returns.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/signalsfoundry/rail-simulator/internal/logging"
	"github.com/signalsfoundry/rail-simulator/internal/observability"
)

type Config struct {
	// ScenarioPath is a JSON scenario file. Empty selects the built-in demo.
	ScenarioPath string

	PlanMaxDelay time.Duration
	PlanStep     time.Duration

	DispatchTick   time.Duration
	SectionTimeout time.Duration
	TimeScale      float64

	MetricsAddr     string
	FeedAddr        string
	ShutdownTimeout time.Duration

	Logging logging.Config
	Tracing observability.TracingConfig
}

// Load reads the environment. It never fails; call Validate on the result.
func Load() *Config {
	return &Config{
		ScenarioPath: getEnv("RAILSIM_SCENARIO", ""),

		PlanMaxDelay: getDurationEnv("RAILSIM_PLAN_MAX_DELAY", time.Hour),
		PlanStep:     getDurationEnv("RAILSIM_PLAN_STEP", time.Minute),

		DispatchTick:   getDurationEnv("RAILSIM_DISPATCH_TICK", time.Second),
		SectionTimeout: getDurationEnv("RAILSIM_SECTION_TIMEOUT", 0),
		TimeScale:      getFloatEnv("RAILSIM_TIME_SCALE", 1),

		MetricsAddr:     getEnv("RAILSIM_METRICS_ADDR", ""),
		FeedAddr:        getEnv("RAILSIM_FEED_ADDR", ""),
		ShutdownTimeout: getDurationEnv("RAILSIM_SHUTDOWN_TIMEOUT", 5*time.Second),

		Logging: logging.Config{
			Level:     getEnv("LOG_LEVEL", "info"),
			Format:    getEnv("LOG_FORMAT", "text"),
			AddSource: getBoolEnv("LOG_ADD_SOURCE", false),
		},
		Tracing: observability.TracingConfigFromEnv(),
	}
}

// Validate reports every invalid field at once.
func (c *Config) Validate() error {
	var errs []error
	if c.PlanStep <= 0 {
		errs = append(errs, fmt.Errorf("plan step must be positive, got %v", c.PlanStep))
	}
	if c.PlanMaxDelay < 0 {
		errs = append(errs, fmt.Errorf("plan max delay must not be negative, got %v", c.PlanMaxDelay))
	}
	if c.DispatchTick < 0 {
		errs = append(errs, fmt.Errorf("dispatch tick must not be negative, got %v", c.DispatchTick))
	}
	if c.SectionTimeout < 0 {
		errs = append(errs, fmt.Errorf("section timeout must not be negative, got %v", c.SectionTimeout))
	}
	if c.TimeScale < 1 {
		errs = append(errs, fmt.Errorf("time scale must be at least 1, got %v", c.TimeScale))
	}
	if err := c.Tracing.Validate(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func getEnv(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getDurationEnv(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}

func getFloatEnv(key string, defaultVal float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func getBoolEnv(key string, defaultVal bool) bool {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultVal
}
