package cli

import (
	"context"
	"fmt"

	"github.com/signalsfoundry/rail-simulator/core"
	"github.com/signalsfoundry/rail-simulator/internal/config"
	"github.com/signalsfoundry/rail-simulator/internal/logging"
	"github.com/signalsfoundry/rail-simulator/internal/observability"
	"github.com/signalsfoundry/rail-simulator/kb"
	"github.com/signalsfoundry/rail-simulator/timectrl"
	"github.com/spf13/cobra"
)

// world is a loaded topology plus its trains.
type world struct {
	Source string
	KB     *kb.KnowledgeBase
	Trains []kb.TrainSpec
}

// loadWorld reads cfg.ScenarioPath, or the demo scenario when it is empty.
func loadWorld(cfg *config.Config, opts ...core.Option) (*world, error) {
	base := kb.NewKnowledgeBase()
	if cfg.ScenarioPath == "" {
		trains, err := kb.Populate(base, kb.DemoDefinition(), opts...)
		if err != nil {
			return nil, fmt.Errorf("demo scenario: %w", err)
		}
		return &world{Source: "built-in demo", KB: base, Trains: trains}, nil
	}
	trains, err := kb.LoadScenarioFile(base, cfg.ScenarioPath, opts...)
	if err != nil {
		return nil, err
	}
	return &world{Source: cfg.ScenarioPath, KB: base, Trains: trains}, nil
}

// newLogger opens the run journal on the command's error stream.
func newLogger(cmd *cobra.Command, cfg *config.Config, clock timectrl.Clock) logging.Logger {
	return logging.NewJournal(cmd.ErrOrStderr(), cfg.Logging, clock)
}

// startTracing installs the configured tracer provider, exporting stdout
// spans to the command's error stream. The returned func flushes it and
// never fails.
func startTracing(ctx context.Context, cmd *cobra.Command, cfg *config.Config, log logging.Logger) (func(), error) {
	tracing, err := observability.InitTracing(ctx, cfg.Tracing, cmd.ErrOrStderr(), log)
	if err != nil {
		return nil, fmt.Errorf("init tracing: %w", err)
	}
	return func() { tracing.Shutdown(ctx, cfg.ShutdownTimeout) }, nil
}
