package cli

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/signalsfoundry/rail-simulator/internal/config"
	"github.com/signalsfoundry/rail-simulator/internal/logging"
	"github.com/signalsfoundry/rail-simulator/internal/observability"
	"github.com/signalsfoundry/rail-simulator/internal/planner"
	"github.com/signalsfoundry/rail-simulator/internal/runtime"
	"github.com/signalsfoundry/rail-simulator/timectrl"
	"github.com/spf13/cobra"
)

type plannedTrain struct {
	ID       string  `json:"id"`
	Route    string  `json:"route"`
	StartS   float64 `json:"scheduled_start_s"`
	DelayS   float64 `json:"delay_s"`
	DesiredS float64 `json:"desired_start_s"`

	start, delay, desired time.Duration
}

type planResult struct {
	Scenario   string         `json:"scenario"`
	Scheduled  []plannedTrain `json:"scheduled"`
	Dropped    []string       `json:"dropped"`
	Violations []string       `json:"violations"`
}

func newPlanCmd(cfg *config.Config) *cobra.Command {
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Compute a conflict-free timetable",
		Long: `Plan assigns each train the earliest start at or after its desired time,
in steps, such that no section is shared and no station exceeds its
platform count. Trains with no such start inside the delay budget are
dropped.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cfg.Validate(); err != nil {
				return err
			}
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			log := newLogger(cmd, cfg, timectrl.RealClock{})
			stopTracing, err := startTracing(ctx, cmd, cfg, log)
			if err != nil {
				return err
			}
			defer stopTracing()

			w, err := loadWorld(cfg)
			if err != nil {
				return err
			}
			res, _, err := planWorld(ctx, cfg, w, log, prometheus.NewRegistry())
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if jsonOut {
				if err := outputJSON(out, res); err != nil {
					return err
				}
			} else {
				printPlan(out, res)
			}
			if len(res.Violations) > 0 {
				return fmt.Errorf("timetable failed verification: %d violation(s)", len(res.Violations))
			}
			return nil
		},
	}
	cmd.Flags().DurationVar(&cfg.PlanMaxDelay, "max-delay", cfg.PlanMaxDelay, "Largest delay a train may be given")
	cmd.Flags().DurationVar(&cfg.PlanStep, "step", cfg.PlanStep, "Granularity of candidate start times")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Output in JSON format")
	return cmd
}

// planWorld plans every train in w and verifies the result. Planner
// metrics are registered on reg.
func planWorld(ctx context.Context, cfg *config.Config, w *world, log logging.Logger, reg prometheus.Registerer) (planResult, []planner.ScheduledTrain, error) {
	metrics, err := observability.NewPlannerCollector(reg)
	if err != nil {
		return planResult{}, nil, err
	}
	p := planner.New(planner.WithLogger(log), planner.WithMetricsRecorder(metrics))
	requests := runtime.Requests(w.Trains)
	scheduled, err := p.Plan(ctx, requests, cfg.PlanMaxDelay, cfg.PlanStep)
	if err != nil {
		return planResult{}, nil, err
	}

	res := planResult{
		Scenario:   w.Source,
		Scheduled:  make([]plannedTrain, 0, len(scheduled)),
		Dropped:    planner.Dropped(requests, scheduled),
		Violations: []string{},
	}
	if res.Dropped == nil {
		res.Dropped = []string{}
	}
	for _, st := range scheduled {
		res.Scheduled = append(res.Scheduled, plannedTrain{
			ID:       st.ID,
			Route:    st.Route.String(),
			StartS:   st.ScheduledStart.Seconds(),
			DelayS:   st.Delay.Seconds(),
			DesiredS: (st.ScheduledStart - st.Delay).Seconds(),
			start:    st.ScheduledStart,
			delay:    st.Delay,
			desired:  st.ScheduledStart - st.Delay,
		})
	}
	for _, v := range planner.Verify(scheduled) {
		res.Violations = append(res.Violations, v.String())
	}
	return res, scheduled, nil
}

func printPlan(out io.Writer, res planResult) {
	PrintSection(out, "Timetable ("+res.Scenario+")")
	rows := make([][]string, 0, len(res.Scheduled))
	for _, t := range res.Scheduled {
		rows = append(rows, []string{
			t.ID,
			formatOffset(t.desired),
			formatOffset(t.start),
			formatOffset(t.delay),
			t.Route,
		})
	}
	if len(rows) == 0 {
		PrintWarning(out, "no trains scheduled")
	}
	PrintTable(out, []string{"TRAIN", "DESIRED", "START", "DELAY", "ROUTE"}, rows)
	fmt.Fprintln(out)

	if len(res.Dropped) > 0 {
		PrintWarning(out, "dropped: "+strings.Join(res.Dropped, ", "))
	}
	if len(res.Violations) == 0 {
		PrintSuccess(out, fmt.Sprintf("verified: %d train(s), no section or platform conflicts", len(res.Scheduled)))
		return
	}
	PrintError(out, "verification failed")
	PrintList(out, res.Violations, 1)
}
