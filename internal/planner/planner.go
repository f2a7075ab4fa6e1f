// Package planner analyzes an ordered list of tool calls for static
// dependencies and resource conflicts and proposes batches that are safe to
// execute concurrently. Planning is one-shot per request: the plan is derived,
// never persisted, and never re-planned mid-execution.
package planner

import (
	"log/slog"
	"path/filepath"

	"substrate/internal/executor"
	"substrate/internal/tools"
)

// Risk 并行计划的整体风险级别
// Risk is the coarse safety estimate for a proposed parallel plan, based on
// dependency density and write ratio.
type Risk string

const (
	RiskLow    Risk = "low"
	RiskMedium Risk = "medium"
	RiskHigh   Risk = "high"
)

// Thresholds above which a plan is classified RiskHigh. Callers must fall
// back to sequential execution when the plan is high risk.
const (
	dependentRatioHigh = 0.30
	writeRatioHigh     = 0.40
)

// nominalCallMs is the per-call cost assumed when estimating how much wall
// time a batched plan saves over sequential execution.
const nominalCallMs = 100

// Edge records that the call at index Before must settle before the call at
// index After may start.
type Edge struct {
	Before int `json:"before"`
	After  int `json:"after"`
}

// Plan is the result of analyzing one turn's calls.
type Plan struct {
	Batches            [][]executor.Call `json:"batches"`
	EstimatedSavingsMs int64             `json:"estimated_savings_ms"`
	Risk               Risk              `json:"risk_level"`
	Dependencies       []Edge            `json:"dependencies"`

	// Indices mirrors Batches with positions into the original call list,
	// letting runners report results in submission order.
	Indices [][]int `json:"-"`
}

// Sequential reports whether the plan degenerated to one call per batch.
func (p Plan) Sequential() bool {
	for _, batch := range p.Batches {
		if len(batch) > 1 {
			return false
		}
	}
	return true
}

// Planner builds plans against a static tool registry. The registry supplies
// each tool's side-effect class and parallelization hint.
type Planner struct {
	registry *tools.Registry
	logger   *slog.Logger
}

type Option func(*Planner)

func WithLogger(logger *slog.Logger) Option {
	return func(p *Planner) { p.logger = logger }
}

func New(registry *tools.Registry, opts ...Option) *Planner {
	p := &Planner{
		registry: registry,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Plan 对一轮工具调用做依赖分析并生成并行批次
// Plan analyzes calls in their given order and packs each call into the
// earliest batch holding nothing it conflicts with or depends on.
func (p *Planner) Plan(calls []executor.Call) Plan {
	if len(calls) == 0 {
		return Plan{Risk: RiskLow}
	}

	edges := p.dependencies(calls)

	after := make(map[int][]int, len(calls))
	for _, e := range edges {
		after[e.After] = append(after[e.After], e.Before)
	}

	// Greedy earliest-batch packing. A call may not land before the batch
	// following its latest dependency, and never shares a batch with a call
	// it conflicts with (conflicts are edges, so the dependency floor covers
	// both).
	batchOf := make([]int, len(calls))
	var batches [][]int
	for i := range calls {
		floor := 0
		for _, dep := range after[i] {
			if batchOf[dep]+1 > floor {
				floor = batchOf[dep] + 1
			}
		}
		if floor >= len(batches) {
			batches = append(batches, nil)
			floor = len(batches) - 1
		}
		batches[floor] = append(batches[floor], i)
		batchOf[i] = floor
	}

	plan := Plan{
		Batches:      make([][]executor.Call, len(batches)),
		Dependencies: edges,
		Risk:         p.classifyRisk(calls, edges),
	}
	plan.Indices = batches
	for b, members := range batches {
		for _, i := range members {
			plan.Batches[b] = append(plan.Batches[b], calls[i])
		}
	}
	if saved := len(calls) - len(batches); saved > 0 {
		plan.EstimatedSavingsMs = int64(saved) * nominalCallMs
	}

	p.logger.Debug("parallel plan built",
		"calls", len(calls),
		"batches", len(batches),
		"edges", len(edges),
		"risk", plan.Risk)
	return plan
}

// dependencies builds the ordering edges for one turn. Rules, applied to
// every ordered pair (i, j):
//   - a call that must run alone acts as a barrier in both directions
//   - two calls touching the same path conflict when either one mutates
//   - a non-read process spawn or network call conflicts with any mutation,
//     since its resource footprint is unknowable statically
func (p *Planner) dependencies(calls []executor.Call) []Edge {
	var edges []Edge
	for j := 1; j < len(calls); j++ {
		for i := 0; i < j; i++ {
			if p.conflicts(calls[i], calls[j]) {
				edges = append(edges, Edge{Before: i, After: j})
			}
		}
	}
	return edges
}

func (p *Planner) conflicts(a, b executor.Call) bool {
	if !p.parallelizable(a) || !p.parallelizable(b) {
		return true
	}
	if samePath(a, b) && (p.mutates(a) || p.mutates(b)) {
		return true
	}
	// Opaque side effects conflict with every mutation regardless of path.
	if p.opaque(a) && p.mutates(b) || p.opaque(b) && p.mutates(a) {
		return true
	}
	return false
}

// parallelizable evaluates the allow/deny/conditional sets. Unknown tools
// are denied; the executor will reject them anyway, but a barrier keeps the
// surrounding calls ordered the way the model emitted them.
func (p *Planner) parallelizable(call executor.Call) bool {
	tool, ok := p.registry.Get(call.Name)
	if !ok {
		return false
	}
	switch tool.Parallel {
	case tools.ParallelAlways:
		return true
	case tools.ParallelConditional:
		return tool.SafeConcurrent != nil && tool.SafeConcurrent(call.Params)
	default:
		return false
	}
}

func (p *Planner) mutates(call executor.Call) bool {
	tool, ok := p.registry.Get(call.Name)
	if !ok {
		return true
	}
	switch tool.Class {
	case tools.ClassFileMutating, tools.ClassProcessSpawning:
		return true
	}
	return false
}

// opaque reports whether a call's touched resources cannot be determined
// from its parameters.
func (p *Planner) opaque(call executor.Call) bool {
	tool, ok := p.registry.Get(call.Name)
	if !ok {
		return true
	}
	return tool.Class == tools.ClassProcessSpawning || tool.Class == tools.ClassNetwork
}

func samePath(a, b executor.Call) bool {
	pa, oka := callPath(a)
	pb, okb := callPath(b)
	return oka && okb && pa == pb
}

// callPath extracts the file path a call references, cleaned so that
// "./x" and "x" compare equal.
func callPath(call executor.Call) (string, bool) {
	for _, key := range []string{"path", "file", "pattern"} {
		if v, ok := call.Params[key]; ok && v != "" {
			return filepath.Clean(v), true
		}
	}
	return "", false
}

func (p *Planner) classifyRisk(calls []executor.Call, edges []Edge) Risk {
	dependent := make(map[int]struct{})
	for _, e := range edges {
		dependent[e.Before] = struct{}{}
		dependent[e.After] = struct{}{}
	}
	writes := 0
	for _, call := range calls {
		if p.mutates(call) {
			writes++
		}
	}

	n := float64(len(calls))
	depRatio := float64(len(dependent)) / n
	writeRatio := float64(writes) / n

	switch {
	case depRatio > dependentRatioHigh || writeRatio > writeRatioHigh:
		return RiskHigh
	case len(edges) > 0 || writes > 0:
		return RiskMedium
	default:
		return RiskLow
	}
}
