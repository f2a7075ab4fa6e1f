// Package executor maps tool-call blocks onto registered tools and
// normalizes every outcome into a uniform execution record. Execute never
// returns an error: all failure modes are encoded in the record itself.
package executor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"substrate/internal/parser"
	"substrate/internal/tools"
)

// Status is the uniform outcome classification of one tool execution.
type Status string

const (
	StatusSuccess Status = "success"
	StatusWarning Status = "warning"
	StatusError   Status = "error"
)

// Call 一次待执行的工具调用
// Call is one tool invocation request: name plus string parameters as
// recovered by the output parser.
type Call struct {
	Name   string            `json:"name"`
	Params map[string]string `json:"params"`
}

// CallFromBlock converts a parsed tool-call block into a Call.
func CallFromBlock(block parser.ContentBlock) Call {
	return Call{Name: block.ToolName, Params: block.ParamMap()}
}

// Metadata describes one execution beyond its textual output.
type Metadata struct {
	Duration       time.Duration `json:"duration_ms"`
	Status         Status        `json:"status"`
	ErrorKind      ErrorKind     `json:"error_kind,omitempty"`
	FilesAffected  []string      `json:"files_affected,omitempty"`
	BytesProcessed int64         `json:"bytes_processed,omitempty"`
}

// ToolExecution is the uniform result record. Status is derived from the
// outcome alone and is never hand-set by handlers.
type ToolExecution struct {
	Name     string            `json:"name"`
	Params   map[string]string `json:"params"`
	Output   string            `json:"output"`
	Metadata Metadata          `json:"metadata"`
}

// OK reports whether the execution completed without error.
func (e ToolExecution) OK() bool {
	return e.Metadata.Status != StatusError
}

// Executor dispatches calls against a static tool registry.
type Executor struct {
	registry *tools.Registry
	logger   *slog.Logger
}

type Option func(*Executor)

func WithLogger(logger *slog.Logger) Option {
	return func(e *Executor) { e.logger = logger }
}

func New(registry *tools.Registry, opts ...Option) *Executor {
	e := &Executor{
		registry: registry,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Registry exposes the dispatch table for planner and cache lookups.
func (e *Executor) Registry() *tools.Registry {
	return e.registry
}

// Execute runs one call and returns its execution record. It never returns
// an error and never panics: handler panics are recovered and reported as
// execution failures.
func (e *Executor) Execute(ctx context.Context, call Call) (execution ToolExecution) {
	start := time.Now()
	execution = ToolExecution{Name: call.Name, Params: call.Params}

	defer func() {
		if r := recover(); r != nil {
			execution.Output = fmt.Sprintf("Tool %s panicked: %v", call.Name, r)
			execution.Metadata.Status = StatusError
			execution.Metadata.ErrorKind = KindExecution
			execution.Metadata.Duration = time.Since(start)
			e.logger.Error("tool panic recovered", "tool", call.Name, "panic", r)
		}
	}()

	tool, ok := e.registry.Get(call.Name)
	if !ok {
		execution.Output = fmt.Sprintf("Unsupported tool: %s", call.Name)
		execution.Metadata.Status = StatusError
		execution.Metadata.ErrorKind = KindValidation
		execution.Metadata.Duration = time.Since(start)
		return execution
	}

	args, err := tool.EncodeArgs(call.Params)
	if err != nil {
		execution.Output = fmt.Sprintf("Invalid parameters for %s: %v", call.Name, err)
		execution.Metadata.Status = StatusError
		execution.Metadata.ErrorKind = KindValidation
		execution.Metadata.Duration = time.Since(start)
		return execution
	}

	out, err := tool.Invoke(ctx, args)
	execution.Metadata.Duration = time.Since(start)
	execution.Metadata.FilesAffected = out.FilesAffected
	execution.Metadata.BytesProcessed = out.BytesProcessed

	if err != nil {
		execution.Metadata.Status = StatusError
		execution.Metadata.ErrorKind = Classify(err)
		execution.Output = failureOutput(call.Name, out, err)
		e.logger.Debug("tool failed",
			"tool", call.Name,
			"kind", execution.Metadata.ErrorKind,
			"duration", execution.Metadata.Duration,
		)
		return execution
	}

	execution.Output = out.Text
	if out.Warning {
		execution.Metadata.Status = StatusWarning
	} else {
		execution.Metadata.Status = StatusSuccess
	}
	e.logger.Debug("tool executed",
		"tool", call.Name,
		"status", execution.Metadata.Status,
		"duration", execution.Metadata.Duration,
	)
	return execution
}

// failureOutput prefers the handler's structured envelope (commands report
// exit code and captured output there) and falls back to a classified
// message with enough context to retry manually.
func failureOutput(name string, out tools.Output, err error) string {
	if out.Text != "" {
		return out.Text
	}
	switch Classify(err) {
	case KindIO:
		return humanizeIOError(err)
	case KindSecurity:
		return fmt.Sprintf("Security check failed for %s: %v", name, err)
	case KindValidation:
		return fmt.Sprintf("Invalid parameters for %s: %v", name, err)
	default:
		return fmt.Sprintf("Tool %s failed: %v", name, err)
	}
}
