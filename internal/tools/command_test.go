package tools

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestExecuteCommandToolSuccess(t *testing.T) {
	tool := NewExecuteCommandTool(t.TempDir(), 5*time.Second, 64*1024)
	args, _ := json.Marshal(map[string]any{"command": "echo hello"})
	out, err := tool.Invoke(context.Background(), args)
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	result := decodeResult(t, out)
	if result["exit_code"] != float64(0) {
		t.Fatalf("exit_code=%v", result["exit_code"])
	}
	if !strings.Contains(result["stdout"].(string), "hello") {
		t.Fatalf("stdout=%q", result["stdout"])
	}
}

func TestExecuteCommandToolNonZeroExit(t *testing.T) {
	tool := NewExecuteCommandTool(t.TempDir(), 5*time.Second, 64*1024)
	args, _ := json.Marshal(map[string]any{"command": "exit 3"})
	out, err := tool.Invoke(context.Background(), args)
	if err == nil {
		t.Fatal("expected error for non-zero exit")
	}
	result := decodeResult(t, out)
	if result["exit_code"] != float64(3) {
		t.Fatalf("exit_code=%v", result["exit_code"])
	}
}

func TestExecuteCommandToolTimeout(t *testing.T) {
	tool := NewExecuteCommandTool(t.TempDir(), 100*time.Millisecond, 64*1024)
	args, _ := json.Marshal(map[string]any{"command": "sleep 5"})
	out, err := tool.Invoke(context.Background(), args)
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if decodeResult(t, out)["exit_code"] != float64(124) {
		t.Fatalf("result=%v", out.Text)
	}
}

func TestExecuteCommandToolRefusesDangerous(t *testing.T) {
	tool := NewExecuteCommandTool(t.TempDir(), time.Second, 64*1024)
	args, _ := json.Marshal(map[string]any{"command": "rm -rf /"})
	if _, err := tool.Invoke(context.Background(), args); err == nil {
		t.Fatal("expected refusal")
	}
}

func TestExecuteCommandToolTruncatesOutput(t *testing.T) {
	tool := NewExecuteCommandTool(t.TempDir(), 5*time.Second, 16)
	args, _ := json.Marshal(map[string]any{"command": "echo aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"})
	out, err := tool.Invoke(context.Background(), args)
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if !out.Warning {
		t.Fatal("truncated output must set Warning")
	}
	if decodeResult(t, out)["truncated"] != true {
		t.Fatalf("result=%v", out.Text)
	}
}

func TestExecuteCommandSafeConcurrent(t *testing.T) {
	tool := NewExecuteCommandTool(t.TempDir(), time.Second, 1024)
	if tool.Parallel != ParallelConditional {
		t.Fatalf("parallel=%v", tool.Parallel)
	}
	if !tool.SafeConcurrent(map[string]string{"command": "ls -la"}) {
		t.Fatal("ls should be safe")
	}
	if tool.SafeConcurrent(map[string]string{"command": "go build ./..."}) {
		t.Fatal("go build must not be safe")
	}
}
