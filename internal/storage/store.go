// Package storage keeps durable execution history in SQLite: sessions, the
// tool calls they ran, and workflow runs.
package storage

import (
	"substrate/internal/executor"
	"substrate/internal/workflow"
)

// SessionRow 会话表的一行
// SessionRow is one row of the sessions table.
type SessionRow struct {
	ID        string `json:"id"`
	CWD       string `json:"cwd"`
	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at"`
}

// ExecutionRow is one recorded tool execution.
type ExecutionRow struct {
	SessionID  string `json:"session_id"`
	Seq        int    `json:"seq"`
	Tool       string `json:"tool"`
	Params     string `json:"params"`
	Status     string `json:"status"`
	ErrorKind  string `json:"error_kind,omitempty"`
	DurationMs int64  `json:"duration_ms"`
	Bytes      int64  `json:"bytes"`
	Files      string `json:"files,omitempty"`
	CreatedAt  string `json:"created_at"`
}

// WorkflowRunRow is one recorded workflow run with its full trace.
type WorkflowRunRow struct {
	ID            string `json:"id"`
	Workflow      string `json:"workflow"`
	Version       string `json:"version"`
	StepsExecuted int    `json:"steps_executed"`
	StepsFailed   int    `json:"steps_failed"`
	StepsSkipped  int    `json:"steps_skipped"`
	DurationMs    int64  `json:"duration_ms"`
	Trace         string `json:"trace"`
	CreatedAt     string `json:"created_at"`
}

// Store 持久化历史接口
// Store is the durable-history interface. SQLiteStore is the only backend;
// the interface keeps callers testable.
type Store interface {
	UpsertSession(id, cwd string) error
	ListSessions() ([]SessionRow, error)

	AppendExecution(sessionID string, exec executor.ToolExecution) error
	ListExecutions(sessionID string, limit int) ([]ExecutionRow, error)

	SaveWorkflowRun(run workflow.Execution) error
	ListWorkflowRuns(name string, limit int) ([]WorkflowRunRow, error)

	Close() error
}
