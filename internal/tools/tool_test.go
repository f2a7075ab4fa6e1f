package tools

import (
	"context"
	"encoding/json"
	"testing"

	"substrate/internal/security"
)

func testWorkspace(t *testing.T) *security.Workspace {
	t.Helper()
	ws, err := security.NewWorkspace(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	return ws
}

func TestNewToolDefaultsParallelFromClass(t *testing.T) {
	ro := NewTool("ro", "", ClassReadOnly, func(_ context.Context, _ struct{}) (Output, error) {
		return Output{}, nil
	})
	if ro.Parallel != ParallelAlways {
		t.Fatalf("read-only default parallel=%v", ro.Parallel)
	}
	mut := NewTool("mut", "", ClassFileMutating, func(_ context.Context, _ struct{}) (Output, error) {
		return Output{}, nil
	})
	if mut.Parallel != ParallelNever {
		t.Fatalf("mutating default parallel=%v", mut.Parallel)
	}
}

func TestToolDefinitionCarriesRequired(t *testing.T) {
	ws := testWorkspace(t)
	def := NewReadFileTool(ws).Definition()
	if def.Function.Name != "read_file" {
		t.Fatalf("name=%q", def.Function.Name)
	}
	required, ok := def.Function.Parameters["required"].([]string)
	if !ok || len(required) == 0 || required[0] != "path" {
		t.Fatalf("required=%v", def.Function.Parameters["required"])
	}
}

func TestEncodeArgsCoercesBySchema(t *testing.T) {
	ws := testWorkspace(t)
	tool := NewReadFileTool(ws)

	raw, err := tool.EncodeArgs(map[string]string{
		"path":   "go.mod",
		"offset": "5",
		"limit":  "10",
	})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	var decoded struct {
		Path   string `json:"path"`
		Offset int    `json:"offset"`
		Limit  int    `json:"limit"`
	}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded.Path != "go.mod" || decoded.Offset != 5 || decoded.Limit != 10 {
		t.Fatalf("decoded=%+v", decoded)
	}
}

func TestEncodeArgsRejectsBadInteger(t *testing.T) {
	ws := testWorkspace(t)
	tool := NewReadFileTool(ws)
	if _, err := tool.EncodeArgs(map[string]string{"path": "a", "offset": "five"}); err == nil {
		t.Fatal("expected error for non-integer offset")
	}
}

func TestCacheableOnlyForReadOnlyWithTTL(t *testing.T) {
	ws := testWorkspace(t)
	if !NewReadFileTool(ws).Cacheable() {
		t.Fatal("read_file should be cacheable")
	}
	if NewWriteFileTool(ws).Cacheable() {
		t.Fatal("write_file must not be cacheable")
	}
	if NewFetchURLTool().Cacheable() {
		t.Fatal("network tool must not be cacheable")
	}
}

func TestRegistryRejectsDuplicate(t *testing.T) {
	r := NewRegistry(NewAskQuestionTool())
	if err := r.Register(NewAskQuestionTool()); err == nil {
		t.Fatal("expected duplicate registration error")
	}
}
