package tools

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"substrate/internal/security"
)

type executeCommandInput struct {
	Command string `json:"command" jsonschema:"required,description=Shell command to run in the working directory"`
}

// NewExecuteCommandTool 在工作目录内运行 shell 命令，带超时与输出上限
// NewExecuteCommandTool returns the execute_command tool: sh -c in the
// working directory with a hard timeout and capped output buffers. A timeout
// kills the process and reports exit code 124; committed side effects are not
// rolled back.
func NewExecuteCommandTool(workspaceRoot string, commandTimeout time.Duration, outputLimitBytes int) Tool {
	return NewTool("execute_command", "Run a shell command in the working directory",
		ClassProcessSpawning,
		func(ctx context.Context, in executeCommandInput) (Output, error) {
			command := strings.TrimSpace(in.Command)
			if command == "" {
				return Output{}, errors.New("command is required")
			}
			if risk := security.AnalyzeCommand(command); risk.Dangerous {
				return Output{}, fmt.Errorf("command refused: %s", risk.Reason)
			}

			execCtx, cancel := context.WithTimeout(ctx, commandTimeout)
			defer cancel()

			cmd := exec.CommandContext(execCtx, "/bin/sh", "-c", command)
			cmd.Dir = workspaceRoot

			stdout := newCappedBuffer(outputLimitBytes)
			stderr := newCappedBuffer(outputLimitBytes)
			cmd.Stdout = stdout
			cmd.Stderr = stderr

			start := time.Now()
			err := cmd.Run()
			dur := time.Since(start)

			exitCode := 0
			ok := true
			if err != nil {
				ok = false
				var ee *exec.ExitError
				switch {
				case errors.Is(execCtx.Err(), context.DeadlineExceeded):
					exitCode = 124
				case errors.As(err, &ee):
					exitCode = ee.ExitCode()
				default:
					return Output{}, fmt.Errorf("run command: %w", err)
				}
			}

			out := Output{
				Text: mustJSON(map[string]any{
					"ok":          ok,
					"command":     command,
					"exit_code":   exitCode,
					"stdout":      stdout.String(),
					"stderr":      stderr.String(),
					"truncated":   stdout.truncated || stderr.truncated,
					"duration_ms": dur.Milliseconds(),
				}),
				Warning:        stdout.truncated || stderr.truncated,
				BytesProcessed: int64(stdout.Len() + stderr.Len()),
			}
			if !ok {
				return out, fmt.Errorf("command exited with code %d: %s", exitCode, command)
			}
			return out, nil
		},
		WithSafeConcurrent(func(params map[string]string) bool {
			return security.IsReadOnlyCommand(params["command"])
		}),
	)
}

// cappedBuffer keeps at most limit bytes and flags truncation.
type cappedBuffer struct {
	limit     int
	data      []byte
	truncated bool
}

func newCappedBuffer(limit int) *cappedBuffer {
	if limit <= 0 {
		limit = 64 * 1024
	}
	return &cappedBuffer{limit: limit}
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	remain := b.limit - len(b.data)
	if remain <= 0 {
		b.truncated = true
		return len(p), nil
	}
	if len(p) > remain {
		b.data = append(b.data, p[:remain]...)
		b.truncated = true
		return len(p), nil
	}
	b.data = append(b.data, p...)
	return len(p), nil
}

func (b *cappedBuffer) String() string {
	return string(b.data)
}

func (b *cappedBuffer) Len() int {
	return len(b.data)
}
