package session

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/afero"

	"substrate/internal/executor"
	"substrate/internal/tools"
)

const (
	DefaultLockTimeout    = 2 * time.Second
	DefaultConflictWindow = 5 * time.Minute

	lockPollInterval = 20 * time.Millisecond
)

// HistorySink receives a durable mirror of every recorded execution.
// The SQLite store implements it.
type HistorySink interface {
	AppendExecution(sessionID string, exec executor.ToolExecution) error
}

// Manager 会话状态管理器，实现 tools.TodoStore
// Manager owns one session's state and its on-disk files. It implements
// tools.TodoStore so the todo tools read and write through it.
type Manager struct {
	fs  *afero.Afero
	dir string

	mu    sync.Mutex
	state State

	toolLimit      int
	errorLimit     int
	lockTimeout    time.Duration
	conflictWindow time.Duration
	sink           HistorySink
	logger         *slog.Logger
	now            func() time.Time
}

type Option func(*Manager)

func WithHistoryLimits(toolLimit, errorLimit int) Option {
	return func(m *Manager) {
		if toolLimit > 0 {
			m.toolLimit = toolLimit
		}
		if errorLimit > 0 {
			m.errorLimit = errorLimit
		}
	}
}

func WithLockTimeout(d time.Duration) Option {
	return func(m *Manager) { m.lockTimeout = d }
}

func WithConflictWindow(d time.Duration) Option {
	return func(m *Manager) { m.conflictWindow = d }
}

func WithHistorySink(sink HistorySink) Option {
	return func(m *Manager) { m.sink = sink }
}

func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

func NewManager(fs *afero.Afero, dir string, opts ...Option) *Manager {
	m := &Manager{
		fs:             fs,
		dir:            dir,
		toolLimit:      DefaultToolHistoryLimit,
		errorLimit:     DefaultErrorHistoryLimit,
		lockTimeout:    DefaultLockTimeout,
		conflictWindow: DefaultConflictWindow,
		logger:         slog.Default(),
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Open loads the session with the given id, or creates a fresh one when id
// is empty or no file exists yet.
func (m *Manager) Open(id, workingDir string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if id != "" {
		data, err := m.fs.ReadFile(m.statePath(id))
		if err == nil {
			var state State
			if err := json.Unmarshal(data, &state); err != nil {
				return fmt.Errorf("parse session %s: %w", id, err)
			}
			state.LastAccessed = m.now()
			m.state = state
			m.logger.Info("session resumed", "id", id, "todos", len(state.Todos))
			return nil
		}
		if !os.IsNotExist(err) {
			return fmt.Errorf("read session %s: %w", id, err)
		}
	}

	if id == "" {
		id = uuid.NewString()
	}
	now := m.now()
	m.state = State{
		SessionID:    id,
		WorkingDir:   workingDir,
		Preferences:  map[string]string{},
		CreatedAt:    now,
		LastAccessed: now,
	}
	m.logger.Info("session created", "id", id, "cwd", workingDir)
	return nil
}

// State returns a copy of the current state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Manager) SessionID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.SessionID
}

// RecordExecution appends one execution to the histories and mirrors it to
// the durable sink when one is attached.
func (m *Manager) RecordExecution(exec executor.ToolExecution) {
	m.mu.Lock()
	m.state.recordExecution(exec, m.toolLimit, m.errorLimit)
	m.state.LastAccessed = m.now()
	id := m.state.SessionID
	m.mu.Unlock()

	if m.sink != nil {
		if err := m.sink.AppendExecution(id, exec); err != nil {
			m.logger.Warn("history mirror failed", "tool", exec.Name, "error", err)
		}
	}
}

// ListTodos implements tools.TodoStore.
func (m *Manager) ListTodos() ([]tools.TodoItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]tools.TodoItem, len(m.state.Todos))
	copy(out, m.state.Todos)
	return out, nil
}

// ReplaceTodos implements tools.TodoStore.
func (m *Manager) ReplaceTodos(items []tools.TodoItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.Todos = items
	m.state.LastAccessed = m.now()
	return nil
}

// IngestMarkdown replaces the todo list from a markdown task list.
func (m *Manager) IngestMarkdown(text string) int {
	items := ParseMarkdownTodos(text)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.Todos = items
	m.state.LastAccessed = m.now()
	return len(items)
}

// Save 持久化会话：备份旧文件 → 写新文件 → 释放锁
// Save persists the state under the advisory lock: back up the existing
// file, write the new one, release the lock. The lock is best-effort; after
// the bounded wait expires the write proceeds anyway.
func (m *Manager) Save() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state.SessionID == "" {
		return fmt.Errorf("session: no session open")
	}
	if err := m.fs.MkdirAll(m.dir, 0o755); err != nil {
		return fmt.Errorf("session dir: %w", err)
	}

	lockPath := m.lockPath(m.state.SessionID)
	acquired := m.acquireLock(lockPath)
	defer m.releaseLock(lockPath)
	if !acquired {
		m.logger.Warn("session lock wait expired, writing anyway",
			"id", m.state.SessionID, "timeout", m.lockTimeout)
	}

	path := m.statePath(m.state.SessionID)
	if exists, _ := m.fs.Exists(path); exists {
		if data, err := m.fs.ReadFile(path); err == nil {
			backup := m.backupPath(m.state.SessionID)
			if err := m.fs.WriteFile(backup, data, 0o644); err != nil {
				return fmt.Errorf("backup session %s: %w", m.state.SessionID, err)
			}
		}
	}

	data, err := json.MarshalIndent(m.state, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal session %s: %w", m.state.SessionID, err)
	}
	if err := m.fs.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write session %s: %w", m.state.SessionID, err)
	}
	return nil
}

// acquireLock polls for the advisory lock file up to the bounded wait.
// Returns false when the wait expired without acquiring.
func (m *Manager) acquireLock(path string) bool {
	deadline := m.now().Add(m.lockTimeout)
	for {
		f, err := m.fs.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			f.Close()
			return true
		}
		if m.now().After(deadline) {
			return false
		}
		time.Sleep(lockPollInterval)
	}
}

func (m *Manager) releaseLock(path string) {
	if err := m.fs.Remove(path); err != nil && !os.IsNotExist(err) {
		m.logger.Warn("session lock release failed", "path", path, "error", err)
	}
}

func (m *Manager) statePath(id string) string {
	return filepath.Join(m.dir, id+".json")
}

func (m *Manager) backupPath(id string) string {
	return filepath.Join(m.dir, id+".backup.json")
}

func (m *Manager) lockPath(id string) string {
	return filepath.Join(m.dir, id+".lock")
}
