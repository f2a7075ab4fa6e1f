package planner

import (
	"context"
	"testing"
	"time"

	"substrate/internal/executor"
	"substrate/internal/tools"
)

func testRegistry(t *testing.T) *tools.Registry {
	t.Helper()
	noop := func(_ context.Context, _ struct{}) (tools.Output, error) {
		return tools.Output{Text: "ok"}, nil
	}
	return tools.NewRegistry(
		tools.NewTool("read_file", "", tools.ClassReadOnly, noop,
			tools.WithCache(time.Minute, tools.PriorityMedium)),
		tools.NewTool("list_files", "", tools.ClassReadOnly, noop),
		tools.NewTool("write_file", "", tools.ClassFileMutating, noop),
		tools.NewTool("execute_command", "", tools.ClassProcessSpawning, noop,
			tools.WithSafeConcurrent(func(params map[string]string) bool {
				return params["command"] == "git status"
			})),
		tools.NewTool("ask_question", "", tools.ClassReadOnly, noop,
			tools.WithParallel(tools.ParallelNever)),
	)
}

func call(name string, kv ...string) executor.Call {
	params := map[string]string{}
	for i := 0; i+1 < len(kv); i += 2 {
		params[kv[i]] = kv[i+1]
	}
	return executor.Call{Name: name, Params: params}
}

func batchSizes(p Plan) []int {
	sizes := make([]int, len(p.Batches))
	for i, b := range p.Batches {
		sizes[i] = len(b)
	}
	return sizes
}

func TestIndependentReadsShareOneBatch(t *testing.T) {
	p := New(testRegistry(t))
	plan := p.Plan([]executor.Call{
		call("read_file", "path", "a.go"),
		call("read_file", "path", "b.go"),
		call("list_files", "path", "src"),
	})

	if len(plan.Batches) != 1 || len(plan.Batches[0]) != 3 {
		t.Fatalf("batches=%v", batchSizes(plan))
	}
	if plan.Risk != RiskLow {
		t.Fatalf("risk=%q, want low", plan.Risk)
	}
	if plan.EstimatedSavingsMs <= 0 {
		t.Fatal("expected positive savings for a merged batch")
	}
	if len(plan.Dependencies) != 0 {
		t.Fatalf("unexpected edges: %v", plan.Dependencies)
	}
}

func TestSamePathConflictExcluded(t *testing.T) {
	p := New(testRegistry(t))
	target := "src/main.go"

	// Either direction of write/read on one path must split batches.
	for _, pair := range [][2]executor.Call{
		{call("write_file", "path", target), call("read_file", "path", target)},
		{call("read_file", "path", target), call("write_file", "path", target)},
		{call("write_file", "path", target), call("write_file", "path", target)},
	} {
		plan := p.Plan(pair[:])
		for _, batch := range plan.Batches {
			if len(batch) > 1 {
				t.Fatalf("conflicting pair %q/%q share a batch", pair[0].Name, pair[1].Name)
			}
		}
		if len(plan.Dependencies) == 0 {
			t.Fatal("conflict produced no ordering edge")
		}
	}
}

func TestCleanedPathsCompareEqual(t *testing.T) {
	p := New(testRegistry(t))
	plan := p.Plan([]executor.Call{
		call("write_file", "path", "./src/main.go"),
		call("read_file", "path", "src/main.go"),
	})
	if len(plan.Batches) != 2 {
		t.Fatalf("batches=%v, want split on equivalent paths", batchSizes(plan))
	}
}

func TestDistinctPathsReadAfterWriteBatchTogether(t *testing.T) {
	p := New(testRegistry(t))
	plan := p.Plan([]executor.Call{
		call("read_file", "path", "a.go"),
		call("read_file", "path", "b.go"),
	})
	if len(plan.Batches) != 1 {
		t.Fatalf("batches=%v", batchSizes(plan))
	}
}

func TestDenyListedToolIsBarrier(t *testing.T) {
	p := New(testRegistry(t))
	plan := p.Plan([]executor.Call{
		call("read_file", "path", "a.go"),
		call("ask_question", "question", "which one?"),
		call("read_file", "path", "b.go"),
	})

	if len(plan.Batches) != 3 {
		t.Fatalf("batches=%v, want 3 with the question alone", batchSizes(plan))
	}
	if got := plan.Batches[1][0].Name; got != "ask_question" {
		t.Fatalf("middle batch holds %q", got)
	}
}

func TestConditionalCommandSafety(t *testing.T) {
	p := New(testRegistry(t))

	safe := p.Plan([]executor.Call{
		call("read_file", "path", "a.go"),
		call("execute_command", "command", "git status"),
	})
	if len(safe.Batches) != 1 {
		t.Fatalf("read-only command split out: %v", batchSizes(safe))
	}

	unsafe := p.Plan([]executor.Call{
		call("read_file", "path", "a.go"),
		call("execute_command", "command", "make build"),
	})
	if len(unsafe.Batches) != 2 {
		t.Fatalf("mutating command shared a batch: %v", batchSizes(unsafe))
	}
}

func TestUnknownToolIsBarrier(t *testing.T) {
	p := New(testRegistry(t))
	plan := p.Plan([]executor.Call{
		call("read_file", "path", "a.go"),
		call("no_such_tool"),
		call("read_file", "path", "b.go"),
	})
	if len(plan.Batches) != 3 {
		t.Fatalf("batches=%v", batchSizes(plan))
	}
}

func TestHighRiskOnWriteHeavyTurn(t *testing.T) {
	p := New(testRegistry(t))
	plan := p.Plan([]executor.Call{
		call("write_file", "path", "a.go"),
		call("write_file", "path", "b.go"),
		call("read_file", "path", "c.go"),
	})
	if plan.Risk != RiskHigh {
		t.Fatalf("risk=%q, want high for 2/3 writes", plan.Risk)
	}
}

func TestHighRiskOnDenseDependencies(t *testing.T) {
	p := New(testRegistry(t))
	plan := p.Plan([]executor.Call{
		call("write_file", "path", "shared.go"),
		call("read_file", "path", "shared.go"),
		call("read_file", "path", "other.go"),
		call("read_file", "path", "another.go"),
	})
	// Two of four calls sit on an edge (50% > 30%).
	if plan.Risk != RiskHigh {
		t.Fatalf("risk=%q, want high", plan.Risk)
	}
}

func TestOrderPreservedAcrossBatches(t *testing.T) {
	p := New(testRegistry(t))
	calls := []executor.Call{
		call("write_file", "path", "x.go"),
		call("read_file", "path", "x.go"),
	}
	plan := p.Plan(calls)
	if plan.Batches[0][0].Name != "write_file" || plan.Batches[1][0].Name != "read_file" {
		t.Fatal("write must precede the dependent read")
	}
}

func TestEmptyPlan(t *testing.T) {
	p := New(testRegistry(t))
	plan := p.Plan(nil)
	if len(plan.Batches) != 0 || plan.Risk != RiskLow {
		t.Fatalf("plan=%+v", plan)
	}
}
