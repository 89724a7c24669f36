package planner

import (
	"context"
	"errors"
	"math"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/signalsfoundry/rail-simulator/core"
	"github.com/signalsfoundry/rail-simulator/internal/logging"
	"github.com/signalsfoundry/rail-simulator/kb"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func station(t *testing.T, name string, platforms int) *core.Station {
	t.Helper()
	st, err := core.NewStation(name, platforms)
	if err != nil {
		t.Fatalf("NewStation(%s): %v", name, err)
	}
	return st
}

func section(t *testing.T, id int, name string, travel time.Duration) *core.Section {
	t.Helper()
	s, err := core.NewSection(id, name, travel)
	if err != nil {
		t.Fatalf("NewSection(%s): %v", name, err)
	}
	return s
}

// singleLeg crosses sec between two stations with zero dwell, so only the
// section interval can conflict.
func singleLeg(from, to *core.Station, sec *core.Section) core.Route {
	return core.Route{
		{Station: from, Section: sec},
		{Station: to},
	}
}

func starts(scheduled []ScheduledTrain) map[string]time.Duration {
	out := make(map[string]time.Duration, len(scheduled))
	for _, s := range scheduled {
		out[s.ID] = s.ScheduledStart
	}
	return out
}

func TestPlan_SectionExclusive(t *testing.T) {
	p, q := station(t, "P", 1), station(t, "Q", 1)
	x := section(t, 1, "X", 2*time.Second)

	got, err := Plan([]TrainRequest{
		{ID: "R1", Route: singleLeg(p, q, x)},
		{ID: "R2", Route: singleLeg(p, q, x)},
	}, 10*time.Second, time.Second)
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("scheduled = %d, want 2", len(got))
	}
	if got[0].ID != "R1" || got[0].ScheduledStart != 0 || got[0].Delay != 0 {
		t.Fatalf("first = %+v, want R1 at 0 delay 0", got[0])
	}
	if got[1].ID != "R2" || got[1].ScheduledStart != 2*time.Second || got[1].Delay != 2*time.Second {
		t.Fatalf("second = %+v, want R2 at 2s delay 2s", got[1])
	}

	occ := ComputeOccupancy(got[1].Route, got[1].ScheduledStart)
	if ivs := occ.Sections[x]; len(ivs) != 1 || ivs[0] != (Interval{2 * time.Second, 4 * time.Second}) {
		t.Fatalf("R2 section interval = %v, want [2s,4s)", ivs)
	}
}

func TestPlan_StationCapacityOne(t *testing.T) {
	s := station(t, "S", 1)
	dwell := core.Route{{Station: s, Dwell: 3 * time.Second}}

	got, err := Plan([]TrainRequest{
		{ID: "R1", Route: dwell},
		{ID: "R2", Route: dwell},
	}, 10*time.Second, time.Second)
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	want := map[string]time.Duration{"R1": 0, "R2": 3 * time.Second}
	if !reflect.DeepEqual(starts(got), want) {
		t.Fatalf("starts = %v, want %v", starts(got), want)
	}
}

func TestPlan_StationCapacityTwoAdmitsOneOverlap(t *testing.T) {
	s := station(t, "S", 2)
	dwell := core.Route{{Station: s, Dwell: 3 * time.Second}}

	got, err := Plan([]TrainRequest{
		{ID: "R1", Route: dwell},
		{ID: "R2", Route: dwell},
		{ID: "R3", Route: dwell},
	}, 10*time.Second, time.Second)
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	want := map[string]time.Duration{"R1": 0, "R2": 0, "R3": 3 * time.Second}
	if !reflect.DeepEqual(starts(got), want) {
		t.Fatalf("starts = %v, want %v", starts(got), want)
	}
}

func TestPlan_DropsUnschedulableAndContinues(t *testing.T) {
	blocked := station(t, "S", 1)
	other := station(t, "O", 1)
	log := logging.NewCapture()

	requests := []TrainRequest{
		{ID: "Parked", Route: core.Route{{Station: blocked, Dwell: 1000 * time.Hour}}},
		{ID: "Late", Route: core.Route{{Station: blocked, Dwell: time.Second}}, DesiredStart: time.Second},
		{ID: "Free", Route: core.Route{{Station: other, Dwell: time.Second}}, DesiredStart: 2 * time.Second},
	}
	got, err := New(WithLogger(log)).Plan(context.Background(), requests, 10*time.Second, time.Second)
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}

	want := map[string]time.Duration{"Parked": 0, "Free": 2 * time.Second}
	if !reflect.DeepEqual(starts(got), want) {
		t.Fatalf("starts = %v, want %v", starts(got), want)
	}
	if d := Dropped(requests, got); !reflect.DeepEqual(d, []string{"Late"}) {
		t.Fatalf("Dropped = %v, want [Late]", d)
	}
	warnings := log.Find("dropped")
	if len(warnings) != 1 || warnings[0].Level != "warn" || warnings[0].Field("train") != "Late" {
		t.Fatalf("unexpected dropped entries: %+v", warnings)
	}
	// desired, +1s ... +10s
	if got := warnings[0].Field("candidates"); got != 11 {
		t.Fatalf("candidates = %v, want 11", got)
	}
	if log.Count("planned") != 2 {
		t.Fatalf("planned lines = %d, want 2", log.Count("planned"))
	}
}

func TestPlan_ZeroBudgetTriesOnlyDesired(t *testing.T) {
	s := station(t, "S", 1)
	dwell := core.Route{{Station: s, Dwell: time.Second}}
	got, err := Plan([]TrainRequest{
		{ID: "R1", Route: dwell},
		{ID: "R2", Route: dwell},
	}, 0, time.Second)
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if len(got) != 1 || got[0].ID != "R1" {
		t.Fatalf("scheduled = %+v, want only R1", got)
	}
}

func TestPlan_BudgetSaturatesNearMaxDuration(t *testing.T) {
	p, q := station(t, "P", 1), station(t, "Q", 1)
	x := section(t, 1, "X", 2*time.Second)
	late := time.Duration(math.MaxInt64) - 10*time.Second

	got, err := Plan([]TrainRequest{
		{ID: "R1", Route: singleLeg(p, q, x), DesiredStart: late},
		{ID: "R2", Route: singleLeg(p, q, x), DesiredStart: late},
	}, time.Hour, time.Second)
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	want := map[string]time.Duration{"R1": late, "R2": late + 2*time.Second}
	if s := starts(got); !reflect.DeepEqual(s, want) {
		t.Fatalf("starts = %v, want %v", s, want)
	}
}

func TestNextCandidate_StopsBeforeWrapping(t *testing.T) {
	limit := searchLimit(time.Duration(math.MaxInt64)-time.Second, time.Hour)
	if limit != time.Duration(math.MaxInt64) {
		t.Fatalf("limit = %d, want saturated", limit)
	}

	candidate := time.Duration(math.MaxInt64) - 3*time.Second
	steps := 0
	for ok := true; ok; candidate, ok = nextCandidate(candidate, limit, 2*time.Second) {
		if candidate < 0 {
			t.Fatalf("candidate wrapped to %d", candidate)
		}
		steps++
		if steps > 10 {
			t.Fatalf("search did not terminate")
		}
	}
	if steps != 2 {
		t.Fatalf("steps = %d, want 2", steps)
	}

	if _, ok := nextCandidate(5*time.Second, 5*time.Second, time.Second); ok {
		t.Fatalf("candidate at the limit should end the search")
	}
}

func TestPlan_OrdersByDesiredStartStable(t *testing.T) {
	s := station(t, "S", 1)
	dwell := core.Route{{Station: s, Dwell: 2 * time.Second}}

	got, err := Plan([]TrainRequest{
		{ID: "Later", Route: dwell, DesiredStart: 5 * time.Second},
		{ID: "TieA", Route: dwell},
		{ID: "TieB", Route: dwell},
	}, time.Minute, time.Second)
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	var order []string
	for _, s := range got {
		order = append(order, s.ID)
	}
	if !reflect.DeepEqual(order, []string{"TieA", "TieB", "Later"}) {
		t.Fatalf("order = %v, want [TieA TieB Later]", order)
	}
	want := map[string]time.Duration{"TieA": 0, "TieB": 2 * time.Second, "Later": 5 * time.Second}
	if !reflect.DeepEqual(starts(got), want) {
		t.Fatalf("starts = %v, want %v", starts(got), want)
	}
}

func TestPlan_Deterministic(t *testing.T) {
	store := kb.NewKnowledgeBase()
	trains, err := kb.Populate(store, kb.DemoDefinition())
	if err != nil {
		t.Fatalf("Populate: %v", err)
	}
	requests := make([]TrainRequest, 0, len(trains))
	for _, tr := range trains {
		requests = append(requests, TrainRequest{ID: tr.ID, Route: tr.Route, DesiredStart: tr.DesiredStart})
	}

	first, err := Plan(requests, time.Hour, time.Second)
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	for i := 0; i < 5; i++ {
		again, _ := Plan(requests, time.Hour, time.Second)
		if !reflect.DeepEqual(first, again) {
			t.Fatalf("run %d differs:\n%+v\n%+v", i, first, again)
		}
	}
}

func TestPlan_DemoWorld(t *testing.T) {
	store := kb.NewKnowledgeBase()
	trains, _ := kb.Populate(store, kb.DemoDefinition())
	requests := make([]TrainRequest, 0, len(trains))
	for _, tr := range trains {
		requests = append(requests, TrainRequest{ID: tr.ID, Route: tr.Route, DesiredStart: tr.DesiredStart})
	}

	got, err := Plan(requests, time.Hour, time.Minute)
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	want := []ScheduledTrain{
		{ID: "T1", ScheduledStart: 0, Delay: 0},
		{ID: "T2", ScheduledStart: 60500 * time.Millisecond, Delay: time.Minute},
		{ID: "T3", ScheduledStart: 61 * time.Second, Delay: time.Minute},
	}
	if len(got) != len(want) {
		t.Fatalf("scheduled = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i].ID != want[i].ID || got[i].ScheduledStart != want[i].ScheduledStart || got[i].Delay != want[i].Delay {
			t.Errorf("entry %d = %s at %v delay %v, want %s at %v delay %v",
				i, got[i].ID, got[i].ScheduledStart, got[i].Delay, want[i].ID, want[i].ScheduledStart, want[i].Delay)
		}
	}
	if v := Verify(got); len(v) != 0 {
		t.Fatalf("demo plan has violations: %v", v)
	}
}

func TestPlan_RejectsInvalidParameters(t *testing.T) {
	if _, err := Plan(nil, time.Second, 0); !errors.Is(err, ErrInvalidStep) {
		t.Fatalf("zero step err = %v, want ErrInvalidStep", err)
	}
	if _, err := Plan(nil, -time.Second, time.Second); !errors.Is(err, ErrInvalidBudget) {
		t.Fatalf("negative budget err = %v, want ErrInvalidBudget", err)
	}
	got, err := Plan(nil, time.Second, time.Second)
	if err != nil || len(got) != 0 {
		t.Fatalf("empty batch = %v, %v", got, err)
	}
}

func TestPlan_DoesNotReorderInput(t *testing.T) {
	s := station(t, "S", 1)
	dwell := core.Route{{Station: s, Dwell: time.Second}}
	requests := []TrainRequest{
		{ID: "B", Route: dwell, DesiredStart: time.Second},
		{ID: "A", Route: dwell},
	}
	if _, err := Plan(requests, time.Minute, time.Second); err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if requests[0].ID != "B" || requests[1].ID != "A" {
		t.Fatalf("input slice was reordered: %v", requests)
	}
}

type recordingMetrics struct {
	mu         sync.Mutex
	planned    []time.Duration
	dropped    []int
	candidates []int
	durations  int
}

func (r *recordingMetrics) RecordPlanned(delay time.Duration, candidates int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.planned = append(r.planned, delay)
	r.candidates = append(r.candidates, candidates)
}

func (r *recordingMetrics) RecordDropped(candidates int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dropped = append(r.dropped, candidates)
}

func (r *recordingMetrics) ObservePlanDuration(time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.durations++
}

func TestPlanner_RecordsMetricsAndSpan(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	metrics := &recordingMetrics{}

	s := station(t, "S", 1)
	dwell := core.Route{{Station: s, Dwell: 2 * time.Second}}
	p := New(WithMetricsRecorder(metrics), WithTracer(tp.Tracer("test")))

	_, err := p.Plan(context.Background(), []TrainRequest{
		{ID: "R1", Route: dwell},
		{ID: "R2", Route: dwell},
		{ID: "R3", Route: dwell},
	}, 3*time.Second, time.Second)
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}

	if !reflect.DeepEqual(metrics.planned, []time.Duration{0, 2 * time.Second}) {
		t.Fatalf("planned delays = %v", metrics.planned)
	}
	if !reflect.DeepEqual(metrics.candidates, []int{1, 3}) {
		t.Fatalf("candidates = %v, want [1 3]", metrics.candidates)
	}
	if !reflect.DeepEqual(metrics.dropped, []int{4}) {
		t.Fatalf("dropped = %v, want [4]", metrics.dropped)
	}
	if metrics.durations != 1 {
		t.Fatalf("plan durations observed = %d, want 1", metrics.durations)
	}

	spans := rec.Ended()
	if len(spans) != 1 {
		t.Fatalf("spans = %d, want 1", len(spans))
	}
	span := spans[0]
	if span.Name() != "planner.plan" {
		t.Fatalf("span name = %q", span.Name())
	}
	var names []string
	for _, ev := range span.Events() {
		names = append(names, ev.Name)
	}
	if !reflect.DeepEqual(names, []string{"train.planned", "train.planned", "train.dropped"}) {
		t.Fatalf("events = %v", names)
	}
}
