package workflow

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"substrate/internal/executor"
	"substrate/internal/tools"
)

type stepArgs struct {
	Path string `json:"path,omitempty"`
	Fail string `json:"fail,omitempty"`
}

type trace struct {
	mu     sync.Mutex
	order  []string
	starts map[string]time.Time
	ends   map[string]time.Time
}

func newTestEngine(t *testing.T, failuresLeft map[string]int) (*Engine, *trace) {
	t.Helper()
	tr := &trace{starts: map[string]time.Time{}, ends: map[string]time.Time{}}
	var mu sync.Mutex
	handler := func(_ context.Context, in stepArgs) (tools.Output, error) {
		tr.mu.Lock()
		tr.order = append(tr.order, in.Path)
		now := time.Now()
		if _, seen := tr.starts[in.Path]; !seen {
			tr.starts[in.Path] = now
		}
		tr.ends[in.Path] = now
		tr.mu.Unlock()

		if in.Fail != "" {
			mu.Lock()
			left := failuresLeft[in.Fail]
			if left > 0 {
				failuresLeft[in.Fail] = left - 1
			}
			mu.Unlock()
			if left > 0 {
				return tools.Output{}, errors.New("transient failure")
			}
		}
		return tools.Output{Text: "ok " + in.Path}, nil
	}
	registry := tools.NewRegistry(
		tools.NewTool("probe", "", tools.ClassReadOnly, handler),
	)
	return New(executor.New(registry), WithCwd("/work")), tr
}

func step(id, path string, deps ...string) Step {
	return Step{ID: id, Tool: "probe", Params: map[string]string{"path": path}, DependsOn: deps}
}

func TestSequentialDependentSteps(t *testing.T) {
	e, tr := newTestEngine(t, nil)
	cfg := Config{
		Name:    "two-step",
		Version: "1",
		Steps:   []Step{step("a", "a"), step("b", "b", "a")},
	}

	run, err := e.Run(context.Background(), cfg)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if run.StepsExecuted != 2 || run.StepsFailed != 0 {
		t.Fatalf("executed=%d failed=%d", run.StepsExecuted, run.StepsFailed)
	}
	if run.Steps[1].StartTime.Before(run.Steps[0].EndTime) {
		t.Fatal("step b started before step a finished")
	}
	if len(tr.order) != 2 || tr.order[0] != "a" {
		t.Fatalf("order=%v", tr.order)
	}
}

func TestCycleFailsBeforeAnyStepRuns(t *testing.T) {
	e, tr := newTestEngine(t, nil)
	cfg := Config{
		Name:    "cyclic",
		Version: "1",
		Steps: []Step{
			{ID: "a", Tool: "probe", DependsOn: []string{"b"}},
			{ID: "b", Tool: "probe", DependsOn: []string{"a"}},
		},
	}

	if _, err := e.Run(context.Background(), cfg); err == nil {
		t.Fatal("expected validation error")
	}
	if len(tr.order) != 0 {
		t.Fatalf("steps executed despite invalid config: %v", tr.order)
	}
}

func TestConditionSkipsStep(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	cfg := Config{
		Name:      "conditional",
		Version:   "1",
		Variables: map[string]string{"ENV": "dev"},
		Steps: []Step{
			{ID: "always", Tool: "probe", Params: map[string]string{"path": "x"}},
			{ID: "prod-only", Tool: "probe", Condition: "${ENV} == prod"},
		},
	}

	run, err := e.Run(context.Background(), cfg)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if run.StepsExecuted != 1 || run.StepsSkipped != 1 {
		t.Fatalf("executed=%d skipped=%d", run.StepsExecuted, run.StepsSkipped)
	}
	if run.Steps[1].Status != StatusSkipped || run.Steps[1].Reason == "" {
		t.Fatalf("result=%+v", run.Steps[1])
	}
}

func TestSkippedDependencyIsUnmet(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	cfg := Config{
		Name:    "strict-chain",
		Version: "1",
		Steps: []Step{
			{ID: "gate", Tool: "probe", Condition: "false"},
			step("downstream", "d", "gate"),
		},
	}

	run, err := e.Run(context.Background(), cfg)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if run.Steps[1].Status != StatusSkipped {
		t.Fatalf("downstream status=%q, want skipped", run.Steps[1].Status)
	}
	if run.StepsSkipped != 2 {
		t.Fatalf("skipped=%d", run.StepsSkipped)
	}
}

func TestRetryBackoffDelays(t *testing.T) {
	e, _ := newTestEngine(t, map[string]int{"flaky": 2})
	var delays []time.Duration
	e.sleep = func(_ context.Context, d time.Duration) { delays = append(delays, d) }

	cfg := Config{
		Name:    "retrying",
		Version: "1",
		Steps: []Step{{
			ID:     "flaky",
			Tool:   "probe",
			Params: map[string]string{"path": "f", "fail": "flaky"},
			Retry:  &RetryPolicy{Count: 3, DelayMs: 100, ExponentialBackoff: true},
		}},
	}

	run, err := e.Run(context.Background(), cfg)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if run.Steps[0].Status != StatusCompleted {
		t.Fatalf("status=%q", run.Steps[0].Status)
	}
	if run.Steps[0].Attempts != 3 {
		t.Fatalf("attempts=%d, want 3", run.Steps[0].Attempts)
	}
	if len(delays) != 2 || delays[0] != 100*time.Millisecond || delays[1] != 200*time.Millisecond {
		t.Fatalf("delays=%v", delays)
	}
}

func TestRetryExhaustion(t *testing.T) {
	e, _ := newTestEngine(t, map[string]int{"doomed": 10})
	e.sleep = func(context.Context, time.Duration) {}

	cfg := Config{
		Name:    "exhausted",
		Version: "1",
		Steps: []Step{{
			ID:     "doomed",
			Tool:   "probe",
			Params: map[string]string{"path": "d", "fail": "doomed"},
			Retry:  &RetryPolicy{Count: 2, DelayMs: 10},
		}},
	}

	run, err := e.Run(context.Background(), cfg)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	result := run.Steps[0]
	if result.Status != StatusFailed || result.Attempts != 3 {
		t.Fatalf("result=%+v", result)
	}
	if result.Reason != "all retry attempts exhausted" {
		t.Fatalf("reason=%q", result.Reason)
	}
}

func TestSequentialAbortsWithoutContinueOnError(t *testing.T) {
	e, _ := newTestEngine(t, map[string]int{"boom": 10})
	cfg := Config{
		Name:    "abort",
		Version: "1",
		Steps: []Step{
			{ID: "boom", Tool: "probe", Params: map[string]string{"fail": "boom"}},
			step("never", "n"),
		},
	}

	run, err := e.Run(context.Background(), cfg)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if run.StepsFailed != 1 || run.StepsSkipped != 1 {
		t.Fatalf("failed=%d skipped=%d", run.StepsFailed, run.StepsSkipped)
	}
}

func TestContinueOnErrorKeepsGoing(t *testing.T) {
	e, _ := newTestEngine(t, map[string]int{"boom": 10})
	cfg := Config{
		Name:    "lenient",
		Version: "1",
		Steps: []Step{
			{ID: "boom", Tool: "probe", Params: map[string]string{"fail": "boom"}, ContinueOnError: true},
			step("after", "n"),
		},
	}

	run, err := e.Run(context.Background(), cfg)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if run.StepsFailed != 1 || run.StepsExecuted != 1 {
		t.Fatalf("failed=%d executed=%d", run.StepsFailed, run.StepsExecuted)
	}
}

func TestParallelLayersSettleBeforeNext(t *testing.T) {
	e, tr := newTestEngine(t, nil)
	cfg := Config{
		Name:     "diamond",
		Version:  "1",
		Parallel: true,
		Steps: []Step{
			step("root", "root"),
			step("left", "left", "root"),
			step("right", "right", "root"),
			step("join", "join", "left", "right"),
		},
	}

	run, err := e.Run(context.Background(), cfg)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if run.StepsExecuted != 4 {
		t.Fatalf("executed=%d", run.StepsExecuted)
	}
	if tr.starts["join"].Before(tr.ends["left"]) || tr.starts["join"].Before(tr.ends["right"]) {
		t.Fatal("join started before its layer's dependencies settled")
	}
}

func TestParallelFailureAbortsLaterLayers(t *testing.T) {
	e, _ := newTestEngine(t, map[string]int{"boom": 10})
	cfg := Config{
		Name:     "abort-parallel",
		Version:  "1",
		Parallel: true,
		Steps: []Step{
			{ID: "boom", Tool: "probe", Params: map[string]string{"fail": "boom"}},
			step("sibling", "s"),
			step("later", "l", "sibling"),
		},
	}

	run, err := e.Run(context.Background(), cfg)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	// The failing step's sibling still completes; the next layer is skipped.
	if statusOf(&run, "sibling") != StatusCompleted {
		t.Fatalf("sibling status=%q", statusOf(&run, "sibling"))
	}
	if statusOf(&run, "later") != StatusSkipped {
		t.Fatalf("later status=%q", statusOf(&run, "later"))
	}
}

func TestVariableExpansionInParams(t *testing.T) {
	e, tr := newTestEngine(t, nil)
	cfg := Config{
		Name:      "vars",
		Version:   "1",
		Variables: map[string]string{"TARGET": "main.go"},
		Steps:     []Step{step("read", "${TARGET}")},
	}

	if _, err := e.Run(context.Background(), cfg); err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(tr.order) != 1 || tr.order[0] != "main.go" {
		t.Fatalf("order=%v", tr.order)
	}
}
