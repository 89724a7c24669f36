package cli

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/fatih/color"
)

func init() {
	color.NoColor = true
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"RAILSIM_SCENARIO", "RAILSIM_PLAN_MAX_DELAY", "RAILSIM_PLAN_STEP",
		"RAILSIM_DISPATCH_TICK", "RAILSIM_SECTION_TIMEOUT", "RAILSIM_TIME_SCALE",
		"RAILSIM_METRICS_ADDR", "RAILSIM_FEED_ADDR", "RAILSIM_TRACING_ENABLED",
	} {
		t.Setenv(key, "")
	}
}

func execute(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	clearEnv(t)
	root := newRootCmd()
	var out, errOut bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), errOut.String(), err
}

func TestPlanJSONOnDemo(t *testing.T) {
	out, _, err := execute(t, "plan", "--json")
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	var res planResult
	if err := json.Unmarshal([]byte(out), &res); err != nil {
		t.Fatalf("decode %q: %v", out, err)
	}
	if len(res.Scheduled) != 3 || len(res.Dropped) != 0 || len(res.Violations) != 0 {
		t.Fatalf("result = %+v", res)
	}
	want := map[string]float64{"T1": 0, "T2": 60.5, "T3": 61}
	for _, tr := range res.Scheduled {
		if tr.StartS != want[tr.ID] {
			t.Fatalf("%s start = %v, want %v", tr.ID, tr.StartS, want[tr.ID])
		}
	}
}

func TestPlanTableReportsVerification(t *testing.T) {
	out, logs, err := execute(t, "plan", "--step", "30s")
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	for _, want := range []string{"Timetable (built-in demo)", "TRAIN", "A -AB-> B -BC-> C", "verified: 3 train(s)"} {
		if !strings.Contains(out, want) {
			t.Fatalf("output missing %q:\n%s", want, out)
		}
	}
	if !strings.Contains(logs, "planned") {
		t.Fatalf("expected planner log lines on stderr, got:\n%s", logs)
	}
}

func TestPlanZeroBudgetDropsConflictingTrains(t *testing.T) {
	out, _, err := execute(t, "plan", "--max-delay", "0s", "--json")
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	var res planResult
	if err := json.Unmarshal([]byte(out), &res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(res.Scheduled) != 1 || res.Scheduled[0].ID != "T1" || len(res.Dropped) != 2 {
		t.Fatalf("result = %+v", res)
	}
}

func TestPlanRejectsInvalidStep(t *testing.T) {
	if _, _, err := execute(t, "plan", "--step", "0s"); err == nil || !strings.Contains(err.Error(), "plan step") {
		t.Fatalf("err = %v, want plan step error", err)
	}
}

func TestValidateScenarioFile(t *testing.T) {
	out, _, err := execute(t, "validate", "--scenario", "../../examples/scenarios/junction.json")
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	for _, want := range []string{"junction.json is valid", "stations: 4", "sections: 3", "trains: 3", "R2: D -BD-> B"} {
		if !strings.Contains(out, want) {
			t.Fatalf("output missing %q:\n%s", want, out)
		}
	}
}

func TestValidateRejectsBrokenScenario(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broken.json")
	body := `{"stations":[{"name":"A","platforms":1}],"sections":[],"trains":[{"id":"T1","route":[{"station":"A","section":"AX"},{"station":"A"}]}]}`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	_, _, err := execute(t, "validate", "--scenario", path)
	if err == nil || !strings.Contains(err.Error(), "invalid scenario") {
		t.Fatalf("err = %v, want invalid scenario", err)
	}
}

func TestRunDemoWithoutPlanning(t *testing.T) {
	out, logs, err := execute(t, "run", "--no-plan", "--time-scale", "100")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !strings.Contains(out, "3 train(s) finished") || !strings.Contains(out, "Run summary (built-in demo)") {
		t.Fatalf("summary:\n%s", out)
	}
	for _, want := range []string{"Simulation finished", "occupied sections", "starting route"} {
		if !strings.Contains(logs, want) {
			t.Fatalf("logs missing %q:\n%s", want, logs)
		}
	}
}

func TestRunPlannedJunction(t *testing.T) {
	out, _, err := execute(t, "run", "--scenario", "../../examples/scenarios/junction.json", "--time-scale", "200", "--step", "5s")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !strings.Contains(out, "3 train(s) finished") {
		t.Fatalf("summary:\n%s", out)
	}
}

func TestRunRejectsSlowTimeScale(t *testing.T) {
	if _, _, err := execute(t, "run", "--time-scale", "0.5"); err == nil {
		t.Fatalf("expected time scale error")
	}
}

func TestHelpShowsGroups(t *testing.T) {
	out, _, err := execute(t, "--help")
	if err != nil {
		t.Fatalf("help: %v", err)
	}
	for _, want := range []string{"Simulation:", "plan", "run", "validate", "CLI & Tooling:"} {
		if !strings.Contains(out, want) {
			t.Fatalf("help missing %q:\n%s", want, out)
		}
	}
}

func TestVersion(t *testing.T) {
	SetVersion("1.2.3")
	defer SetVersion("dev")
	out, _, err := execute(t, "version")
	if err != nil || strings.TrimSpace(out) != "1.2.3" {
		t.Fatalf("version = %q, %v", out, err)
	}
}
