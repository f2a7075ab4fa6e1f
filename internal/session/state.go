// Package session tracks per-session working state: todos, tool and error
// history, and preferences, persisted as JSON with an advisory lock.
package session

import (
	"strconv"
	"strings"
	"time"

	"substrate/internal/executor"
	"substrate/internal/tools"
)

// History caps. The tool history is a ring: the oldest record falls off
// when the cap is reached.
const (
	DefaultToolHistoryLimit  = 100
	DefaultErrorHistoryLimit = 50
)

// ToolRecord is one tool execution in the session history.
type ToolRecord struct {
	Tool     string            `json:"tool"`
	Params   map[string]string `json:"params,omitempty"`
	Status   string            `json:"status"`
	Duration time.Duration     `json:"duration_ms"`
	At       time.Time         `json:"at"`
}

// ErrorRecord is one failed execution kept for diagnosis.
type ErrorRecord struct {
	Tool    string    `json:"tool"`
	Kind    string    `json:"kind,omitempty"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

// State 会话状态，持久化为 JSON 文件
// State is everything a session persists between runs.
type State struct {
	SessionID    string            `json:"session_id"`
	WorkingDir   string            `json:"working_dir"`
	Todos        []tools.TodoItem  `json:"todos,omitempty"`
	ToolHistory  []ToolRecord      `json:"tool_history,omitempty"`
	ErrorHistory []ErrorRecord     `json:"error_history,omitempty"`
	Preferences  map[string]string `json:"preferences,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
	LastAccessed time.Time         `json:"last_accessed"`
}

// Progress returns todo completion as a percentage.
func (s *State) Progress() float64 {
	if len(s.Todos) == 0 {
		return 0
	}
	done := 0
	for _, todo := range s.Todos {
		if todo.Status == "completed" {
			done++
		}
	}
	return float64(done) / float64(len(s.Todos)) * 100
}

func (s *State) recordExecution(exec executor.ToolExecution, toolLimit, errorLimit int) {
	s.ToolHistory = append(s.ToolHistory, ToolRecord{
		Tool:     exec.Name,
		Params:   exec.Params,
		Status:   string(exec.Metadata.Status),
		Duration: exec.Metadata.Duration,
		At:       time.Now(),
	})
	if len(s.ToolHistory) > toolLimit {
		s.ToolHistory = s.ToolHistory[len(s.ToolHistory)-toolLimit:]
	}

	if !exec.OK() {
		s.ErrorHistory = append(s.ErrorHistory, ErrorRecord{
			Tool:    exec.Name,
			Kind:    string(exec.Metadata.ErrorKind),
			Message: exec.Output,
			At:      time.Now(),
		})
		if len(s.ErrorHistory) > errorLimit {
			s.ErrorHistory = s.ErrorHistory[len(s.ErrorHistory)-errorLimit:]
		}
	}
}

// ParseMarkdownTodos 解析 markdown 任务列表
// ParseMarkdownTodos extracts todo items from "- [ ]" / "- [x]" lines.
// Non-list lines are ignored.
func ParseMarkdownTodos(text string) []tools.TodoItem {
	var out []tools.TodoItem
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		var status, body string
		switch {
		case strings.HasPrefix(line, "- [x]"), strings.HasPrefix(line, "- [X]"):
			status = "completed"
			body = line[len("- [x]"):]
		case strings.HasPrefix(line, "- [ ]"):
			status = "pending"
			body = line[len("- [ ]"):]
		default:
			continue
		}
		body = strings.TrimSpace(body)
		if body == "" {
			continue
		}
		out = append(out, tools.TodoItem{
			ID:     strconv.Itoa(len(out) + 1),
			Text:   body,
			Status: status,
		})
	}
	return out
}
