// Package batch executes a list of tool calls either sequentially, in
// fixed-size concurrency windows, or following the planner's batches. Within
// one batch all calls settle before the next batch starts; a failing call
// never cancels its siblings.
package batch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"substrate/internal/cache"
	"substrate/internal/executor"
	"substrate/internal/planner"
)

// Mode selects how calls are grouped for execution.
type Mode string

const (
	ModeSequential Mode = "sequential"
	// ModeFixed chunks calls into windows of Options.Concurrency.
	ModeFixed Mode = "fixed"
	// ModePlanned asks the planner for batches and falls back to sequential
	// execution when the plan is high risk.
	ModePlanned Mode = "planned"
)

// Progress is invoked after each call settles. done counts settled calls.
type Progress func(done, total int, exec executor.ToolExecution)

// Options configure one run.
type Options struct {
	Mode        Mode
	Concurrency int // window size for ModeFixed, minimum 1
	Progress    Progress
}

// Execution 一次批量运行的汇总结果
// Execution is the aggregate result of one run. SuccessCount and ErrorCount
// are recomputed from Executions after everything settles, never accumulated
// during concurrent execution.
type Execution struct {
	ID            string                   `json:"id"`
	Mode          Mode                     `json:"mode"`
	Executions    []executor.ToolExecution `json:"executions"`
	TotalDuration time.Duration            `json:"total_duration_ms"`
	SuccessCount  int                      `json:"success_count"`
	ErrorCount    int                      `json:"error_count"`
	Summary       string                   `json:"summary"`
}

// Runner drives batches against the executor, routing cacheable calls
// through the result cache when one is attached.
type Runner struct {
	executor *executor.Executor
	planner  *planner.Planner
	cache    *cache.Cache
	logger   *slog.Logger
	metrics  *metricsProvider
}

type Option func(*Runner)

func WithCache(c *cache.Cache) Option {
	return func(r *Runner) { r.cache = c }
}

func WithLogger(logger *slog.Logger) Option {
	return func(r *Runner) { r.logger = logger }
}

func New(exec *executor.Executor, pl *planner.Planner, opts ...Option) *Runner {
	r := &Runner{
		executor: exec,
		planner:  pl,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run 执行一组工具调用并汇总结果
// Run executes calls under the given options. Results keep submission order
// regardless of mode.
func (r *Runner) Run(ctx context.Context, calls []executor.Call, opts Options) Execution {
	start := time.Now()
	run := Execution{
		ID:   uuid.NewString(),
		Mode: opts.Mode,
	}
	if opts.Mode == "" {
		run.Mode = ModeSequential
	}

	batches := r.group(calls, &run, opts)
	results := make([]executor.ToolExecution, len(calls))
	done := 0

	for _, batch := range batches {
		if len(batch) == 1 {
			idx := batch[0]
			results[idx] = r.runOne(ctx, calls[idx])
			done++
			if opts.Progress != nil {
				opts.Progress(done, len(calls), results[idx])
			}
			continue
		}

		var wg sync.WaitGroup
		for _, idx := range batch {
			wg.Add(1)
			go func(idx int) {
				defer wg.Done()
				results[idx] = r.runOne(ctx, calls[idx])
			}(idx)
		}
		wg.Wait()

		for _, idx := range batch {
			done++
			if opts.Progress != nil {
				opts.Progress(done, len(calls), results[idx])
			}
		}
	}

	run.Executions = results
	run.TotalDuration = time.Since(start)
	for _, exec := range results {
		if exec.OK() {
			run.SuccessCount++
		} else {
			run.ErrorCount++
		}
	}
	run.Summary = fmt.Sprintf("%d calls: %d succeeded, %d failed in %s",
		len(results), run.SuccessCount, run.ErrorCount, run.TotalDuration.Round(time.Millisecond))

	r.metrics.ObserveRun(string(run.Mode), len(results), run.ErrorCount)
	r.logger.Info("batch finished",
		"id", run.ID,
		"mode", run.Mode,
		"calls", len(results),
		"errors", run.ErrorCount,
		"duration", run.TotalDuration)
	return run
}

// group resolves the options into index batches. ModePlanned downgrades the
// recorded mode to sequential when the plan is refused.
func (r *Runner) group(calls []executor.Call, run *Execution, opts Options) [][]int {
	switch run.Mode {
	case ModeFixed:
		n := opts.Concurrency
		if n < 1 {
			n = 1
		}
		var batches [][]int
		for lo := 0; lo < len(calls); lo += n {
			hi := lo + n
			if hi > len(calls) {
				hi = len(calls)
			}
			batch := make([]int, 0, hi-lo)
			for i := lo; i < hi; i++ {
				batch = append(batch, i)
			}
			batches = append(batches, batch)
		}
		return batches

	case ModePlanned:
		plan := r.planner.Plan(calls)
		if plan.Risk == planner.RiskHigh {
			r.logger.Warn("parallel plan refused", "risk", plan.Risk, "calls", len(calls))
			run.Mode = ModeSequential
			return sequentialBatches(len(calls))
		}
		return plan.Indices

	default:
		return sequentialBatches(len(calls))
	}
}

func (r *Runner) runOne(ctx context.Context, call executor.Call) executor.ToolExecution {
	if r.cache != nil {
		return r.cache.GetOrExecute(ctx, call, r.executor.Execute)
	}
	return r.executor.Execute(ctx, call)
}

func sequentialBatches(n int) [][]int {
	batches := make([][]int, n)
	for i := range batches {
		batches[i] = []int{i}
	}
	return batches
}
