package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"substrate/internal/executor"
	"substrate/internal/workflow"

	_ "modernc.org/sqlite"
)

// SQLiteStore 基于 SQLite (WAL 模式) 的历史存储
// SQLiteStore implements Store using SQLite with WAL mode. The schema is
// applied on open, so a new database is ready after NewSQLiteStore returns.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

// NewSQLiteStore 创建并初始化 SQLite 数据库
// NewSQLiteStore creates and initializes a SQLite database.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	dbPath = strings.TrimSpace(dbPath)
	if dbPath == "" {
		return nil, fmt.Errorf("sqlite db path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// 启用 WAL 模式和优化 PRAGMA / Enable WAL and performance PRAGMAs
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA synchronous=NORMAL",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("exec %q: %w", p, err)
		}
	}

	store := &SQLiteStore{db: db, path: dbPath}
	if err := store.ensureSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	return store, nil
}

func (s *SQLiteStore) ensureSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		id         TEXT PRIMARY KEY,
		cwd        TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS tool_executions (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id  TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
		seq         INTEGER NOT NULL,
		tool        TEXT NOT NULL,
		params      TEXT NOT NULL DEFAULT '{}',
		status      TEXT NOT NULL,
		error_kind  TEXT NOT NULL DEFAULT '',
		duration_ms INTEGER NOT NULL DEFAULT 0,
		bytes       INTEGER NOT NULL DEFAULT 0,
		files       TEXT NOT NULL DEFAULT '[]',
		created_at  TEXT NOT NULL,
		UNIQUE(session_id, seq)
	);

	CREATE TABLE IF NOT EXISTS workflow_runs (
		id             TEXT PRIMARY KEY,
		workflow       TEXT NOT NULL,
		version        TEXT NOT NULL DEFAULT '',
		steps_executed INTEGER NOT NULL DEFAULT 0,
		steps_failed   INTEGER NOT NULL DEFAULT 0,
		steps_skipped  INTEGER NOT NULL DEFAULT 0,
		duration_ms    INTEGER NOT NULL DEFAULT 0,
		trace          TEXT NOT NULL DEFAULT '[]',
		created_at     TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_executions_session ON tool_executions(session_id, seq);
	CREATE INDEX IF NOT EXISTS idx_workflow_runs_name ON workflow_runs(workflow, created_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close 关闭数据库连接 / Close the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// UpsertSession creates the session row or refreshes its cwd and timestamp.
func (s *SQLiteStore) UpsertSession(id, cwd string) error {
	if id == "" {
		return fmt.Errorf("session id is empty")
	}
	now := timestamp()
	_, err := s.db.Exec(`
		INSERT INTO sessions (id, cwd, created_at, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET cwd = excluded.cwd, updated_at = excluded.updated_at`,
		id, cwd, now, now)
	if err != nil {
		return fmt.Errorf("upsert session %s: %w", id, err)
	}
	return nil
}

// ListSessions returns all sessions, most recently updated first.
func (s *SQLiteStore) ListSessions() ([]SessionRow, error) {
	rows, err := s.db.Query(`
		SELECT id, cwd, created_at, updated_at
		FROM sessions ORDER BY updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []SessionRow
	for rows.Next() {
		var row SessionRow
		if err := rows.Scan(&row.ID, &row.CWD, &row.CreatedAt, &row.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// AppendExecution 追加一条工具执行记录，序号在会话内单调递增
// AppendExecution appends one execution with the next per-session sequence
// number. The session row is created on demand so the mirror never fails on
// ordering.
func (s *SQLiteStore) AppendExecution(sessionID string, exec executor.ToolExecution) error {
	if sessionID == "" {
		return fmt.Errorf("session id is empty")
	}
	if err := s.ensureSession(sessionID); err != nil {
		return err
	}

	params, err := json.Marshal(exec.Params)
	if err != nil {
		params = []byte("{}")
	}
	files, err := json.Marshal(exec.Metadata.FilesAffected)
	if err != nil || exec.Metadata.FilesAffected == nil {
		files = []byte("[]")
	}

	_, err = s.db.Exec(`
		INSERT INTO tool_executions
			(session_id, seq, tool, params, status, error_kind, duration_ms, bytes, files, created_at)
		VALUES (?,
			(SELECT COALESCE(MAX(seq), 0) + 1 FROM tool_executions WHERE session_id = ?),
			?, ?, ?, ?, ?, ?, ?, ?)`,
		sessionID, sessionID,
		exec.Name, string(params),
		string(exec.Metadata.Status), string(exec.Metadata.ErrorKind),
		exec.Metadata.Duration.Milliseconds(), exec.Metadata.BytesProcessed,
		string(files), timestamp())
	if err != nil {
		return fmt.Errorf("append execution for %s: %w", sessionID, err)
	}
	return nil
}

// ListExecutions returns a session's executions in sequence order. A limit
// of 0 returns everything.
func (s *SQLiteStore) ListExecutions(sessionID string, limit int) ([]ExecutionRow, error) {
	query := `
		SELECT session_id, seq, tool, params, status, error_kind, duration_ms, bytes, files, created_at
		FROM tool_executions WHERE session_id = ? ORDER BY seq`
	args := []any{sessionID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	defer rows.Close()

	var out []ExecutionRow
	for rows.Next() {
		var row ExecutionRow
		if err := rows.Scan(&row.SessionID, &row.Seq, &row.Tool, &row.Params,
			&row.Status, &row.ErrorKind, &row.DurationMs, &row.Bytes,
			&row.Files, &row.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// SaveWorkflowRun records one workflow execution with its full step trace.
func (s *SQLiteStore) SaveWorkflowRun(run workflow.Execution) error {
	trace, err := json.Marshal(run.Steps)
	if err != nil {
		return fmt.Errorf("marshal trace: %w", err)
	}
	_, err = s.db.Exec(`
		INSERT INTO workflow_runs
			(id, workflow, version, steps_executed, steps_failed, steps_skipped, duration_ms, trace, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.Workflow, run.Version,
		run.StepsExecuted, run.StepsFailed, run.StepsSkipped,
		run.Duration.Milliseconds(), string(trace), timestamp())
	if err != nil {
		return fmt.Errorf("save workflow run %s: %w", run.ID, err)
	}
	return nil
}

// ListWorkflowRuns returns recorded runs, newest first, optionally filtered
// by workflow name.
func (s *SQLiteStore) ListWorkflowRuns(name string, limit int) ([]WorkflowRunRow, error) {
	query := `
		SELECT id, workflow, version, steps_executed, steps_failed, steps_skipped, duration_ms, trace, created_at
		FROM workflow_runs`
	var args []any
	if name != "" {
		query += " WHERE workflow = ?"
		args = append(args, name)
	}
	query += " ORDER BY created_at DESC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list workflow runs: %w", err)
	}
	defer rows.Close()

	var out []WorkflowRunRow
	for rows.Next() {
		var row WorkflowRunRow
		if err := rows.Scan(&row.ID, &row.Workflow, &row.Version,
			&row.StepsExecuted, &row.StepsFailed, &row.StepsSkipped,
			&row.DurationMs, &row.Trace, &row.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) ensureSession(id string) error {
	now := timestamp()
	_, err := s.db.Exec(`
		INSERT INTO sessions (id, cwd, created_at, updated_at)
		VALUES (?, '', ?, ?)
		ON CONFLICT(id) DO UPDATE SET updated_at = excluded.updated_at`,
		id, now, now)
	return err
}

func timestamp() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}
