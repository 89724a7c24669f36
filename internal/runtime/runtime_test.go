package runtime

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/signalsfoundry/rail-simulator/core"
	"github.com/signalsfoundry/rail-simulator/internal/agent"
	"github.com/signalsfoundry/rail-simulator/internal/dispatch"
	"github.com/signalsfoundry/rail-simulator/internal/logging"
	"github.com/signalsfoundry/rail-simulator/internal/planner"
	"github.com/signalsfoundry/rail-simulator/kb"
	"github.com/signalsfoundry/rail-simulator/timectrl"
)

func demoWorld(t *testing.T, scale float64) (*kb.KnowledgeBase, []kb.TrainSpec, *timectrl.TimeController) {
	t.Helper()
	tc := AcceleratedClock(scale)
	if tc == nil {
		t.Fatalf("AcceleratedClock(%v) returned nil", scale)
	}
	base := kb.NewKnowledgeBase()
	specs, err := kb.Populate(base, kb.DemoDefinition(), core.WithClock(tc))
	if err != nil {
		t.Fatalf("Populate: %v", err)
	}
	return base, specs, tc
}

func runWithTimeout(t *testing.T, ctx context.Context, r *SimRuntime) Report {
	t.Helper()
	type result struct {
		rep Report
		err error
	}
	ch := make(chan result, 1)
	go func() {
		rep, err := r.Run(ctx)
		ch <- result{rep, err}
	}()
	select {
	case res := <-ch:
		if res.err != nil {
			t.Fatalf("Run: %v", res.err)
		}
		return res.rep
	case <-time.After(10 * time.Second):
		t.Fatalf("run did not finish")
	}
	return Report{}
}

type snapshotCounter struct{ n chan struct{} }

func (s snapshotCounter) Publish(dispatch.Snapshot) {
	select {
	case s.n <- struct{}{}:
	default:
	}
}

func TestAcceleratedClockOnlyAboveRealTime(t *testing.T) {
	if AcceleratedClock(1) != nil || AcceleratedClock(0.5) != nil {
		t.Fatalf("scale <= 1 should use the wall clock")
	}
	tc := AcceleratedClock(60)
	if tc.Mode != timectrl.Accelerated || tc.Scale != 60 {
		t.Fatalf("controller = mode %v scale %v", tc.Mode, tc.Scale)
	}
}

func TestSimRuntime_DemoWithoutPlanningFinishesEveryTrain(t *testing.T) {
	base, specs, tc := demoWorld(t, 100)
	log := logging.NewCapture()
	pub := snapshotCounter{n: make(chan struct{}, 1)}

	r, err := New(base, FromDesired(specs), Config{DispatchTick: time.Second},
		WithDrivenClock(tc), WithLogger(log), WithPublisher(pub))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	rep := runWithTimeout(t, context.Background(), r)

	if got := rep.Count(agent.Finished); got != 3 {
		t.Fatalf("finished = %d, want 3: %+v", got, rep.Outcomes)
	}
	for _, o := range rep.Outcomes {
		if o.LegsAbandoned != 0 || o.StationsSkipped != 0 {
			t.Fatalf("unexpected outcome %+v", o)
		}
	}
	if rep.Ticks == 0 {
		t.Fatalf("dispatcher never ticked")
	}
	if rep.RunID == "" || rep.RunID != r.RunID() {
		t.Fatalf("run id = %q, runtime %q", rep.RunID, r.RunID())
	}
	for _, msg := range []string{"Simulation started", "Simulation finished", "dispatcher started", "dispatcher ended"} {
		if log.Count(msg) != 1 {
			t.Fatalf("expected one %q line, got %v", msg, log.Messages())
		}
	}
	for _, e := range log.Entries() {
		if e.Field("run_id") != r.RunID() {
			t.Fatalf("entry %q missing run id", e.Message)
		}
	}
	for _, s := range base.ListSections() {
		if s.Owner() != "" {
			t.Fatalf("section %s still held by %s", s, s.Owner())
		}
	}
}

func TestSimRuntime_PlannedScheduleStartsAtAssignedOffsets(t *testing.T) {
	base, specs, tc := demoWorld(t, 100)
	scheduled, err := planner.Plan(Requests(specs), time.Hour, time.Minute)
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	deps := FromSchedule(scheduled, specs)
	if len(deps) != 3 || deps[2].Start != 61*time.Second {
		t.Fatalf("departures = %+v", deps)
	}

	r, err := New(base, deps, Config{}, WithDrivenClock(tc))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	rep := runWithTimeout(t, context.Background(), r)

	if got := rep.Count(agent.Finished); got != 3 {
		t.Fatalf("finished = %d, want 3", got)
	}
	if rep.Elapsed < 61*time.Second+7300*time.Millisecond {
		t.Fatalf("elapsed = %v, want at least the last train's end", rep.Elapsed)
	}
}

func TestSimRuntime_StopBeforeRun(t *testing.T) {
	base, specs, tc := demoWorld(t, 100)
	r, err := New(base, FromDesired(specs), Config{}, WithDrivenClock(tc))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	r.Stop()
	rep := runWithTimeout(t, context.Background(), r)
	if got := rep.Count(agent.Stopped); got != 3 {
		t.Fatalf("stopped = %d, want 3: %+v", got, rep.Outcomes)
	}
	for _, o := range rep.Outcomes {
		if o.StepsCompleted != 0 {
			t.Fatalf("train %s moved after stop: %+v", o.TrainID, o)
		}
	}
}

func TestSimRuntime_CancelEndsBlockedTrains(t *testing.T) {
	base := kb.NewKnowledgeBase()
	specs, err := kb.Populate(base, kb.DemoDefinition())
	if err != nil {
		t.Fatalf("Populate: %v", err)
	}
	if err := base.GetStation("A").Arrive(context.Background(), "Parked"); err != nil {
		t.Fatalf("Arrive: %v", err)
	}
	log := logging.NewCapture()
	r, err := New(base, FromDesired(specs[:1]), Config{}, WithLogger(log))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		deadline := time.Now().Add(2 * time.Second)
		for log.Count("station full") == 0 && time.Now().Before(deadline) {
			time.Sleep(time.Millisecond)
		}
		cancel()
	}()
	rep := runWithTimeout(t, ctx, r)

	if rep.Count(agent.Stopped) != 1 || rep.Outcomes[0].StationsSkipped != 1 {
		t.Fatalf("outcomes = %+v", rep.Outcomes)
	}
	if log.Count("run cancelled, stopping trains") != 1 {
		t.Fatalf("messages = %v", log.Messages())
	}
}

func TestSimRuntime_RunOnlyOnce(t *testing.T) {
	base, _, tc := demoWorld(t, 100)
	r, err := New(base, nil, Config{}, WithDrivenClock(tc))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	runWithTimeout(t, context.Background(), r)
	if _, err := r.Run(context.Background()); !errors.Is(err, ErrAlreadyRun) {
		t.Fatalf("second Run err = %v, want ErrAlreadyRun", err)
	}
}

func TestNew_RejectsBadDepartures(t *testing.T) {
	base, specs, _ := demoWorld(t, 100)
	deps := FromDesired(specs)

	if _, err := New(nil, deps, Config{}); err == nil {
		t.Fatalf("expected error for nil knowledge base")
	}
	dup := append(deps, deps[0])
	if _, err := New(base, dup, Config{}); err == nil {
		t.Fatalf("expected duplicate id error")
	}
	bad := []Departure{{ID: "X", Route: core.Route{}}}
	if _, err := New(base, bad, Config{}); !errors.Is(err, core.ErrEmptyRoute) {
		t.Fatalf("err = %v, want ErrEmptyRoute", err)
	}
}
