package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/signalsfoundry/rail-simulator/core"
	"github.com/signalsfoundry/rail-simulator/internal/agent"
	"github.com/signalsfoundry/rail-simulator/internal/config"
	"github.com/signalsfoundry/rail-simulator/internal/feed"
	"github.com/signalsfoundry/rail-simulator/internal/logging"
	"github.com/signalsfoundry/rail-simulator/internal/observability"
	"github.com/signalsfoundry/rail-simulator/internal/runtime"
	"github.com/signalsfoundry/rail-simulator/timectrl"
	"github.com/spf13/cobra"
)

func newRunCmd(cfg *config.Config) *cobra.Command {
	var (
		plan   = true
		noPlan bool
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the simulation",
		Long: `Run plans the timetable (unless --no-plan), starts one goroutine per train
and a dispatcher that logs occupied sections every tick, and prints a
summary once every train has finished or stopped. Interrupting the run
asks each train to stop at its next step boundary.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cfg.Validate(); err != nil {
				return err
			}
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runSimulation(ctx, cmd, cfg, plan && !noPlan)
		},
	}
	cmd.Flags().BoolVar(&plan, "plan", true, "Plan a conflict-free timetable before running")
	cmd.Flags().BoolVar(&noPlan, "no-plan", false, "Start trains at their desired times without planning")
	cmd.Flags().DurationVar(&cfg.PlanMaxDelay, "max-delay", cfg.PlanMaxDelay, "Largest delay a train may be given")
	cmd.Flags().DurationVar(&cfg.PlanStep, "step", cfg.PlanStep, "Granularity of candidate start times")
	cmd.Flags().DurationVar(&cfg.DispatchTick, "dispatch-tick", cfg.DispatchTick, "Dispatcher monitoring interval")
	cmd.Flags().DurationVar(&cfg.SectionTimeout, "section-timeout", cfg.SectionTimeout, "Abandon a leg after waiting this long for its section (0 waits forever)")
	cmd.Flags().Float64Var(&cfg.TimeScale, "time-scale", cfg.TimeScale, "Simulated seconds per wall second")
	cmd.Flags().StringVar(&cfg.MetricsAddr, "metrics-addr", cfg.MetricsAddr, "Serve Prometheus metrics on this address")
	cmd.Flags().StringVar(&cfg.FeedAddr, "feed-addr", cfg.FeedAddr, "Serve the occupancy websocket feed on this address")
	return cmd
}

func runSimulation(ctx context.Context, cmd *cobra.Command, cfg *config.Config, planFirst bool) error {
	var clock timectrl.Clock = timectrl.RealClock{}
	tc := runtime.AcceleratedClock(cfg.TimeScale)
	if tc != nil {
		clock = tc
	}
	log := newLogger(cmd, cfg, clock)

	stopTracing, err := startTracing(ctx, cmd, cfg, log)
	if err != nil {
		return err
	}
	defer stopTracing()

	reg := prometheus.NewRegistry()
	collector, err := observability.NewRailCollector(reg)
	if err != nil {
		return err
	}

	w, err := loadWorld(cfg, core.WithClock(clock), core.WithLogger(log), core.WithObserver(collector))
	if err != nil {
		return err
	}
	collector.PrimeTopology(w.KB.ListSections(), w.KB.ListStations())

	departures := runtime.FromDesired(w.Trains)
	if planFirst {
		res, scheduled, err := planWorld(ctx, cfg, w, log, reg)
		if err != nil {
			return err
		}
		if len(res.Violations) > 0 {
			return fmt.Errorf("timetable failed verification: %d violation(s)", len(res.Violations))
		}
		departures = runtime.FromSchedule(scheduled, w.Trains)
	}

	opts := []runtime.Option{
		runtime.WithLogger(log),
		runtime.WithAgentMetrics(collector),
		runtime.WithDispatchMetrics(collector),
	}
	if tc != nil {
		opts = append(opts, runtime.WithDrivenClock(tc))
	}

	var servers []*observability.Server
	defer func() {
		shutdownServers(ctx, cfg, log, servers)
	}()
	if cfg.MetricsAddr != "" {
		srv, err := observability.ServeMetrics(cfg.MetricsAddr, collector, log)
		if err != nil {
			return fmt.Errorf("metrics server: %w", err)
		}
		servers = append(servers, srv)
	}
	if cfg.FeedAddr != "" {
		hubCtx, stopHub := context.WithCancel(context.WithoutCancel(ctx))
		defer stopHub()
		hub := feed.NewHub(log)
		go hub.Run(hubCtx)
		srv, err := observability.Serve("occupancy feed", cfg.FeedAddr, feed.NewHandler(hub, log).Mux(), log)
		if err != nil {
			return fmt.Errorf("feed server: %w", err)
		}
		servers = append(servers, srv)
		opts = append(opts, runtime.WithPublisher(hub))
	}

	rt, err := runtime.New(w.KB, departures, runtime.Config{
		DispatchTick:   cfg.DispatchTick,
		SectionTimeout: cfg.SectionTimeout,
	}, opts...)
	if err != nil {
		return err
	}
	report, err := rt.Run(ctx)
	if err != nil {
		return err
	}
	printReport(cmd.OutOrStdout(), w.Source, report)
	return nil
}

func shutdownServers(ctx context.Context, cfg *config.Config, log logging.Logger, servers []*observability.Server) {
	if len(servers) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.ShutdownTimeout)
	defer cancel()
	for _, srv := range servers {
		if err := srv.Shutdown(ctx); err != nil {
			log.Warn(ctx, "server shutdown failed", logging.String("addr", srv.Addr()), logging.Err(err))
		}
	}
}

func printReport(out io.Writer, source string, report runtime.Report) {
	PrintSection(out, "Run summary ("+source+")")
	rows := make([][]string, 0, len(report.Outcomes))
	for _, o := range report.Outcomes {
		rows = append(rows, []string{
			o.TrainID,
			o.State.String(),
			fmt.Sprint(o.StepsCompleted),
			fmt.Sprint(o.LegsAbandoned),
			fmt.Sprint(o.StationsSkipped),
		})
	}
	PrintTable(out, []string{"TRAIN", "STATE", "STEPS", "ABANDONED", "SKIPPED"}, rows)
	fmt.Fprintln(out)
	PrintLabelValue(out, "run", report.RunID)
	PrintLabelValue(out, "elapsed", formatOffset(report.Elapsed))
	PrintLabelValue(out, "dispatcher ticks", fmt.Sprint(report.Ticks))

	finished := report.Count(agent.Finished)
	if finished == len(report.Outcomes) {
		PrintSuccess(out, fmt.Sprintf("%d train(s) finished", finished))
		return
	}
	PrintWarning(out, fmt.Sprintf("%d of %d train(s) finished, %d stopped", finished, len(report.Outcomes), report.Count(agent.Stopped)))
}
