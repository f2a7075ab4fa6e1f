package session

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"substrate/internal/tools"
)

// globalState is the recorded cross-session pointer. A mismatch against the
// live session is a workspace conflict, resolved by overwriting the pointer.
type globalState struct {
	ActiveSession string    `json:"active_session"`
	WorkingDir    string    `json:"working_dir"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// ResolveConflicts 检测并合并并发会话
// ResolveConflicts merges concurrent sessions. When several session files
// were modified within the conflict window, their todos and tool history
// fold into the most recently accessed one and the superseded files are
// deleted. Returns the ids of removed sessions.
func (m *Manager) ResolveConflicts() ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	states, err := m.loadRecentSessions()
	if err != nil {
		return nil, err
	}
	if len(states) < 2 {
		return nil, nil
	}

	// Most recently accessed session wins; everything else merges into it.
	winner := &states[0]
	for i := range states[1:] {
		if states[i+1].LastAccessed.After(winner.LastAccessed) {
			winner = &states[i+1]
		}
	}

	var removed []string
	for i := range states {
		loser := &states[i]
		if loser.SessionID == winner.SessionID {
			continue
		}
		mergeInto(winner, loser, m.toolLimit)
		for _, path := range []string{
			m.statePath(loser.SessionID),
			m.backupPath(loser.SessionID),
			m.lockPath(loser.SessionID),
		} {
			if err := m.fs.Remove(path); err != nil && !os.IsNotExist(err) {
				return removed, fmt.Errorf("remove superseded session: %w", err)
			}
		}
		removed = append(removed, loser.SessionID)
	}

	if winner.SessionID == m.state.SessionID {
		winner.Todos = mergeTodos(winner.Todos, m.state.Todos)
		m.state = *winner
	} else {
		m.state = *winner
	}
	m.logger.Info("session conflict resolved",
		"winner", winner.SessionID, "merged", len(removed))

	data, err := json.MarshalIndent(*winner, "", "  ")
	if err != nil {
		return removed, err
	}
	if err := m.fs.WriteFile(m.statePath(winner.SessionID), data, 0o644); err != nil {
		return removed, err
	}
	return removed, nil
}

// SyncGlobal reconciles the recorded global pointer with this session.
// Returns true when a workspace conflict was detected and overwritten.
func (m *Manager) SyncGlobal() (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	path := filepath.Join(m.dir, "global.json")
	conflict := false

	if data, err := m.fs.ReadFile(path); err == nil {
		var recorded globalState
		if err := json.Unmarshal(data, &recorded); err == nil {
			conflict = recorded.WorkingDir != m.state.WorkingDir &&
				recorded.WorkingDir != ""
			if conflict {
				m.logger.Warn("workspace pointer mismatch, overwriting",
					"recorded", recorded.WorkingDir, "current", m.state.WorkingDir)
			}
		}
	}

	next := globalState{
		ActiveSession: m.state.SessionID,
		WorkingDir:    m.state.WorkingDir,
		UpdatedAt:     m.now(),
	}
	data, err := json.MarshalIndent(next, "", "  ")
	if err != nil {
		return conflict, err
	}
	if err := m.fs.MkdirAll(m.dir, 0o755); err != nil {
		return conflict, err
	}
	return conflict, m.fs.WriteFile(path, data, 0o644)
}

// loadRecentSessions reads every session file modified within the conflict
// window.
func (m *Manager) loadRecentSessions() ([]State, error) {
	entries, err := m.fs.ReadDir(m.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list sessions: %w", err)
	}

	cutoff := m.now().Add(-m.conflictWindow)
	var out []State
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") ||
			strings.HasSuffix(name, ".backup.json") || name == "global.json" {
			continue
		}
		if entry.ModTime().Before(cutoff) {
			continue
		}
		data, err := m.fs.ReadFile(filepath.Join(m.dir, name))
		if err != nil {
			continue
		}
		var state State
		if err := json.Unmarshal(data, &state); err != nil || state.SessionID == "" {
			continue
		}
		out = append(out, state)
	}
	return out, nil
}

func mergeInto(winner, loser *State, toolLimit int) {
	winner.Todos = mergeTodos(winner.Todos, loser.Todos)

	winner.ToolHistory = append(winner.ToolHistory, loser.ToolHistory...)
	sortRecords(winner.ToolHistory)
	if len(winner.ToolHistory) > toolLimit {
		winner.ToolHistory = winner.ToolHistory[len(winner.ToolHistory)-toolLimit:]
	}

	for key, value := range loser.Preferences {
		if _, taken := winner.Preferences[key]; !taken {
			if winner.Preferences == nil {
				winner.Preferences = map[string]string{}
			}
			winner.Preferences[key] = value
		}
	}
	if loser.CreatedAt.Before(winner.CreatedAt) {
		winner.CreatedAt = loser.CreatedAt
	}
}

// mergeTodos de-duplicates by todo text; a completed status wins over a
// pending one for the same text.
func mergeTodos(a, b []tools.TodoItem) []tools.TodoItem {
	seen := make(map[string]int)
	var out []tools.TodoItem
	for _, item := range append(append([]tools.TodoItem{}, a...), b...) {
		idx, ok := seen[item.Text]
		if !ok {
			seen[item.Text] = len(out)
			out = append(out, item)
			continue
		}
		if item.Status == "completed" && out[idx].Status != "completed" {
			out[idx].Status = item.Status
		}
	}
	return out
}

func sortRecords(records []ToolRecord) {
	sort.Slice(records, func(i, j int) bool { return records[i].At.Before(records[j].At) })
}
