package dispatch

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/signalsfoundry/rail-simulator/core"
	"github.com/signalsfoundry/rail-simulator/internal/logging"
	"github.com/signalsfoundry/rail-simulator/timectrl"
)

type collectingPublisher struct {
	mu    sync.Mutex
	snaps []Snapshot
}

func (c *collectingPublisher) Publish(s Snapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.snaps = append(c.snaps, s)
}

func (c *collectingPublisher) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.snaps)
}

func (c *collectingPublisher) at(i int) Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snaps[i]
}

type tickCounter struct {
	mu       sync.Mutex
	occupied []int
	failed   int
}

func (m *tickCounter) DispatchTick(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.occupied = append(m.occupied, n)
}

func (m *tickCounter) DispatchTickFailed() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failed++
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func sections(t *testing.T) []*core.Section {
	t.Helper()
	ab, _ := core.NewSection(1, "AB", time.Second)
	bc, _ := core.NewSection(2, "BC", time.Second)
	bd, _ := core.NewSection(3, "BD", time.Second)
	return []*core.Section{ab, bc, bd}
}

func TestDispatcher_LogsOccupiedSectionsEachTick(t *testing.T) {
	ctx := context.Background()
	clock := timectrl.NewTimeController(time.Unix(0, 0), time.Second, timectrl.RealTime)
	log := logging.NewCapture()
	pub := &collectingPublisher{}
	secs := sections(t)
	secs[0].Acquire(ctx, "T1", 0)
	secs[1].Acquire(ctx, "T2", 0)

	d := New(secs, time.Second, WithClock(clock), WithLogger(log), WithPublisher(pub))
	d.Start(ctx)

	waitFor(t, "first tick", func() bool { return pub.count() == 1 && clock.PendingTimers() == 1 })
	lines := log.Find("occupied sections")
	if len(lines) != 1 || lines[0].Field("sections") != "AB:T1, BC:T2" {
		t.Fatalf("occupied lines = %+v", lines)
	}
	if lines[0].Field("unit") != "Dispatcher" {
		t.Fatalf("unit = %v, want Dispatcher", lines[0].Field("unit"))
	}

	secs[0].Release(ctx, "T1")
	secs[1].Release(ctx, "T2")
	clock.Advance(time.Second)
	waitFor(t, "second tick", func() bool { return pub.count() == 2 })

	if got := log.Count("occupied sections"); got != 1 {
		t.Fatalf("free network should not log, got %d lines", got)
	}
	snap := pub.at(1)
	if snap.Seq != 2 || snap.Elapsed != time.Second || len(snap.Occupied()) != 0 {
		t.Fatalf("second snapshot = %+v", snap)
	}
	if got := d.Last().Seq; got != 2 {
		t.Fatalf("Last().Seq = %d, want 2", got)
	}

	d.RequestStop()
	d.Join()
	if log.Count("dispatcher started") != 1 || log.Count("dispatcher ended") != 1 {
		t.Fatalf("messages = %v", log.Messages())
	}
}

func TestDispatcher_TickFailureDoesNotStopLoop(t *testing.T) {
	clock := timectrl.NewTimeController(time.Unix(0, 0), time.Second, timectrl.RealTime)
	log := logging.NewCapture()
	metrics := &tickCounter{}
	pub := &collectingPublisher{}

	d := New(sections(t), time.Second, WithClock(clock), WithLogger(log),
		WithMetricsRecorder(metrics), WithPublisher(pub))
	calls := 0
	d.tickHook = func() {
		calls++
		if calls == 1 {
			panic("sensor glitch")
		}
	}
	d.Start(context.Background())

	waitFor(t, "failed tick", func() bool { return log.Count("dispatcher tick failed") == 1 && clock.PendingTimers() == 1 })
	clock.Advance(time.Second)
	waitFor(t, "recovered tick", func() bool { return pub.count() == 1 })

	d.RequestStop()
	d.Join()

	metrics.mu.Lock()
	defer metrics.mu.Unlock()
	if metrics.failed != 1 || len(metrics.occupied) != 1 {
		t.Fatalf("failed=%d ticks=%v", metrics.failed, metrics.occupied)
	}
	if log.Count("dispatcher ended") != 1 {
		t.Fatalf("missing ended marker: %v", log.Messages())
	}
}

func TestDispatcher_StopsOnContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	d := New(sections(t), 0)
	if d.Tick() != DefaultTick {
		t.Fatalf("tick = %v, want default %v", d.Tick(), DefaultTick)
	}
	d.Start(ctx)
	cancel()

	done := make(chan struct{})
	go func() {
		d.Join()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("dispatcher ignored context cancellation")
	}
	d.RequestStop()
}
