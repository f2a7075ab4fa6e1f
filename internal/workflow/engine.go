package workflow

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"substrate/internal/executor"
)

// Status is the lifecycle state of one step.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusSkipped   Status = "skipped"
)

// StepResult records one step's outcome in the execution trace.
type StepResult struct {
	ID        string                  `json:"id"`
	Status    Status                  `json:"status"`
	StartTime time.Time               `json:"start_time,omitempty"`
	EndTime   time.Time               `json:"end_time,omitempty"`
	Attempts  int                     `json:"attempts"`
	Reason    string                  `json:"reason,omitempty"`
	Execution *executor.ToolExecution `json:"execution,omitempty"`
}

// Execution 一次工作流运行的完整轨迹
// Execution is the full trace of one run. The counters are recomputed from
// Steps after the run settles.
type Execution struct {
	ID            string        `json:"id"`
	Workflow      string        `json:"workflow"`
	Version       string        `json:"version"`
	StartTime     time.Time     `json:"start_time"`
	EndTime       time.Time     `json:"end_time"`
	Steps         []StepResult  `json:"steps"`
	StepsExecuted int           `json:"steps_executed"`
	StepsFailed   int           `json:"steps_failed"`
	StepsSkipped  int           `json:"steps_skipped"`
	Duration      time.Duration `json:"duration_ms"`
}

// Engine runs workflows against the tool executor. Steps always go through
// the executor directly so that retries re-issue the call fresh instead of
// hitting the result cache.
type Engine struct {
	executor *executor.Executor
	cwd      string
	logger   *slog.Logger
	sleep    func(ctx context.Context, d time.Duration)
}

type Option func(*Engine)

func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

func WithCwd(cwd string) Option {
	return func(e *Engine) { e.cwd = cwd }
}

func New(exec *executor.Executor, opts ...Option) *Engine {
	e := &Engine{
		executor: exec,
		logger:   slog.Default(),
		sleep:    sleepCtx,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run 校验并执行一个工作流
// Run validates cfg and executes it. A validation error is returned before
// any step runs; execution failures are reported in the trace, not as an
// error from Run.
func (e *Engine) Run(ctx context.Context, cfg Config) (Execution, error) {
	if err := cfg.Validate(); err != nil {
		return Execution{}, err
	}

	run := Execution{
		ID:        uuid.NewString(),
		Workflow:  cfg.Name,
		Version:   cfg.Version,
		StartTime: time.Now(),
		Steps:     make([]StepResult, len(cfg.Steps)),
	}
	for i, step := range cfg.Steps {
		run.Steps[i] = StepResult{ID: step.ID, Status: StatusPending}
	}

	e.logger.Info("workflow started",
		"id", run.ID, "workflow", cfg.Name, "parallel", cfg.Parallel, "steps", len(cfg.Steps))

	if cfg.Parallel {
		e.runParallel(ctx, cfg, &run)
	} else {
		e.runSequential(ctx, cfg, &run)
	}

	run.EndTime = time.Now()
	run.Duration = run.EndTime.Sub(run.StartTime)
	for _, step := range run.Steps {
		switch step.Status {
		case StatusCompleted:
			run.StepsExecuted++
		case StatusFailed:
			run.StepsFailed++
		case StatusSkipped:
			run.StepsSkipped++
		}
	}

	e.logger.Info("workflow finished",
		"id", run.ID,
		"executed", run.StepsExecuted,
		"failed", run.StepsFailed,
		"skipped", run.StepsSkipped,
		"duration", run.Duration)
	return run, nil
}

func (e *Engine) runSequential(ctx context.Context, cfg Config, run *Execution) {
	aborted := false
	for i, step := range cfg.Steps {
		if aborted {
			run.Steps[i].Status = StatusSkipped
			run.Steps[i].Reason = "workflow aborted by earlier failure"
			continue
		}
		e.runStep(ctx, cfg, step, run, i)
		if run.Steps[i].Status == StatusFailed && !step.ContinueOnError {
			aborted = true
		}
	}
}

func (e *Engine) runParallel(ctx context.Context, cfg Config, run *Execution) {
	layers, err := cfg.layers()
	if err != nil {
		// Validate already rejected cycles; unreachable.
		return
	}

	aborted := false
	for _, layer := range layers {
		if aborted {
			for _, idx := range layer {
				run.Steps[idx].Status = StatusSkipped
				run.Steps[idx].Reason = "workflow aborted by earlier failure"
			}
			continue
		}

		var wg sync.WaitGroup
		for _, idx := range layer {
			wg.Add(1)
			go func(idx int) {
				defer wg.Done()
				e.runStep(ctx, cfg, cfg.Steps[idx], run, idx)
			}(idx)
		}
		wg.Wait()

		// One failing step never stops its siblings; the run stops between
		// layers when a failed step did not opt into continueOnError.
		for _, idx := range layer {
			if run.Steps[idx].Status == StatusFailed && !cfg.Steps[idx].ContinueOnError {
				aborted = true
			}
		}
	}
}

// runStep executes one step with its condition, dependency check, and retry
// policy. Dependency completion, not truthiness, is what downstream steps
// require: a skipped or failed dependency counts as unmet and skips the step.
func (e *Engine) runStep(ctx context.Context, cfg Config, step Step, run *Execution, idx int) {
	result := &run.Steps[idx]

	for _, dep := range step.DependsOn {
		if statusOf(run, dep) != StatusCompleted {
			result.Status = StatusSkipped
			result.Reason = "dependency " + dep + " did not complete"
			return
		}
	}

	if step.Condition != "" && !evalCondition(step.Condition, e.cwd, cfg.Variables) {
		result.Status = StatusSkipped
		result.Reason = "condition not met: " + step.Condition
		e.logger.Debug("step skipped", "step", step.ID, "condition", step.Condition)
		return
	}

	result.Status = StatusRunning
	result.StartTime = time.Now()
	defer func() { result.EndTime = time.Now() }()

	call := executor.Call{
		Name:   step.Tool,
		Params: expandParams(step.Params, e.cwd, cfg.Variables),
	}

	attempts := 1
	if step.Retry != nil {
		attempts += step.Retry.Count
	}
	var exec executor.ToolExecution
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			e.sleep(ctx, retryDelay(step.Retry, attempt))
			e.logger.Debug("step retry", "step", step.ID, "attempt", attempt)
		}
		exec = e.executor.Execute(ctx, call)
		result.Attempts = attempt + 1
		if exec.OK() {
			break
		}
	}

	result.Execution = &exec
	if exec.OK() {
		result.Status = StatusCompleted
		return
	}
	result.Status = StatusFailed
	if result.Attempts > 1 {
		result.Reason = "all retry attempts exhausted"
	}
	e.logger.Warn("step failed",
		"step", step.ID, "tool", step.Tool, "attempts", result.Attempts)
}

// retryDelay returns the wait before the given attempt (1-based for the
// first retry). Exponential backoff doubles per attempt.
func retryDelay(policy *RetryPolicy, attempt int) time.Duration {
	if policy == nil || policy.DelayMs <= 0 {
		return 0
	}
	delay := time.Duration(policy.DelayMs) * time.Millisecond
	if policy.ExponentialBackoff {
		delay *= time.Duration(1 << (attempt - 1))
	}
	return delay
}

// expandParams applies ${VAR} substitution to every step parameter.
func expandParams(params map[string]string, cwd string, variables map[string]string) map[string]string {
	if len(params) == 0 {
		return params
	}
	out := make(map[string]string, len(params))
	for k, v := range params {
		out[k] = substitute(v, cwd, variables)
	}
	return out
}

func statusOf(run *Execution, id string) Status {
	for i := range run.Steps {
		if run.Steps[i].ID == id {
			return run.Steps[i].Status
		}
	}
	return StatusPending
}

func sleepCtx(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
