package tools

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func decodeResult(t *testing.T, out Output) map[string]any {
	t.Helper()
	var result map[string]any
	if err := json.Unmarshal([]byte(out.Text), &result); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	return result
}

func TestReadFileToolPagination(t *testing.T) {
	ws := testWorkspace(t)
	target := filepath.Join(ws.Root(), "a.txt")
	if err := os.WriteFile(target, []byte("l1\nl2\nl3\nl4\nl5\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	tool := NewReadFileTool(ws)

	args, _ := json.Marshal(map[string]any{"path": "a.txt", "offset": 2, "limit": 2})
	out, err := tool.Invoke(context.Background(), args)
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	result := decodeResult(t, out)
	if result["content"] != "l2\nl3" {
		t.Fatalf("content=%q", result["content"])
	}
	if result["has_more"] != true {
		t.Fatalf("has_more=%v", result["has_more"])
	}
}

func TestReadFileToolTailMode(t *testing.T) {
	ws := testWorkspace(t)
	if err := os.WriteFile(filepath.Join(ws.Root(), "a.txt"), []byte("l1\nl2\nl3\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	args, _ := json.Marshal(map[string]any{"path": "a.txt", "offset": -1, "limit": 2})
	out, err := NewReadFileTool(ws).Invoke(context.Background(), args)
	if err != nil {
		t.Fatal(err)
	}
	result := decodeResult(t, out)
	if result["content"] != "l2\nl3" {
		t.Fatalf("content=%q", result["content"])
	}
}

func TestWriteFileToolCreatesAndReportsOperation(t *testing.T) {
	ws := testWorkspace(t)
	tool := NewWriteFileTool(ws)

	args, _ := json.Marshal(map[string]any{"path": "sub/new.txt", "content": "hello\n"})
	out, err := tool.Invoke(context.Background(), args)
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	result := decodeResult(t, out)
	if result["operation"] != "created" {
		t.Fatalf("operation=%v", result["operation"])
	}
	if len(out.FilesAffected) != 1 {
		t.Fatalf("filesAffected=%v", out.FilesAffected)
	}

	out, err = tool.Invoke(context.Background(), args)
	if err != nil {
		t.Fatal(err)
	}
	if decodeResult(t, out)["operation"] != "unchanged" {
		t.Fatal("rewrite with same content should be unchanged")
	}
}

func TestWriteFileToolRefusesEscape(t *testing.T) {
	ws := testWorkspace(t)
	args, _ := json.Marshal(map[string]any{"path": "../escape.txt", "content": "x"})
	if _, err := NewWriteFileTool(ws).Invoke(context.Background(), args); err == nil {
		t.Fatal("expected workspace escape error")
	}
}

func TestEditFileToolUniqueMatch(t *testing.T) {
	ws := testWorkspace(t)
	target := filepath.Join(ws.Root(), "a.go")
	if err := os.WriteFile(target, []byte("alpha\nbeta\ngamma\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	args, _ := json.Marshal(map[string]any{"path": "a.go", "old_string": "beta", "new_string": "delta"})
	out, err := NewEditFileTool(ws).Invoke(context.Background(), args)
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if decodeResult(t, out)["replacements"] != float64(1) {
		t.Fatalf("result=%v", out.Text)
	}
	data, _ := os.ReadFile(target)
	if !strings.Contains(string(data), "delta") {
		t.Fatalf("file=%q", data)
	}
}

func TestEditFileToolAmbiguousMatchFails(t *testing.T) {
	ws := testWorkspace(t)
	if err := os.WriteFile(filepath.Join(ws.Root(), "a.go"), []byte("x\nx\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	args, _ := json.Marshal(map[string]any{"path": "a.go", "old_string": "x", "new_string": "y"})
	if _, err := NewEditFileTool(ws).Invoke(context.Background(), args); err == nil {
		t.Fatal("expected ambiguity error")
	}
}

func TestListFilesTool(t *testing.T) {
	ws := testWorkspace(t)
	for _, name := range []string{"b.txt", "a.txt"} {
		if err := os.WriteFile(filepath.Join(ws.Root(), name), []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	out, err := NewListFilesTool(ws).Invoke(context.Background(), json.RawMessage(`{}`))
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	result := decodeResult(t, out)
	if result["count"] != float64(2) {
		t.Fatalf("count=%v", result["count"])
	}
}

func TestSearchFilesTool(t *testing.T) {
	ws := testWorkspace(t)
	if err := os.WriteFile(filepath.Join(ws.Root(), "a.txt"), []byte("needle here\nnothing\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	args, _ := json.Marshal(map[string]any{"pattern": "needle"})
	out, err := NewSearchFilesTool(ws).Invoke(context.Background(), args)
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if decodeResult(t, out)["count"] != float64(1) {
		t.Fatalf("result=%v", out.Text)
	}
}
