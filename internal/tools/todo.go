package tools

import (
	"context"
	"fmt"
)

// TodoItem mirrors the session manager's todo shape; the tools package keeps
// its own view to avoid importing the session package.
type TodoItem struct {
	ID     string `json:"id,omitempty"`
	Text   string `json:"text"`
	Status string `json:"status"`
}

// TodoStore 待办读写接口，由会话状态管理器实现
// TodoStore is implemented by the session state manager.
type TodoStore interface {
	ListTodos() ([]TodoItem, error)
	ReplaceTodos(items []TodoItem) error
}

type todoReadInput struct{}

type todoWriteInput struct {
	Todos []TodoItem `json:"todos" jsonschema:"required,description=Full replacement todo list"`
}

// NewTodoReadTool returns the todo_read tool. Todo tools are on the planner's
// deny-list: they order the conversation and never run concurrently.
func NewTodoReadTool(store TodoStore) Tool {
	return NewTool("todo_read", "Read the current todo list for this session",
		ClassReadOnly,
		func(_ context.Context, _ todoReadInput) (Output, error) {
			if store == nil {
				return Output{}, fmt.Errorf("todo store unavailable")
			}
			items, err := store.ListTodos()
			if err != nil {
				return Output{}, err
			}
			completed := 0
			for _, item := range items {
				if item.Status == "completed" {
					completed++
				}
			}
			return Output{
				Text: mustJSON(map[string]any{
					"ok":        true,
					"items":     items,
					"count":     len(items),
					"completed": completed,
				}),
			}, nil
		},
		WithParallel(ParallelNever),
	)
}

// NewTodoWriteTool returns the todo_write tool.
func NewTodoWriteTool(store TodoStore) Tool {
	return NewTool("todo_write", "Replace the todo list for this session",
		ClassFileMutating,
		func(_ context.Context, in todoWriteInput) (Output, error) {
			if store == nil {
				return Output{}, fmt.Errorf("todo store unavailable")
			}
			for i, item := range in.Todos {
				if item.Text == "" {
					return Output{}, fmt.Errorf("todo %d: text is required", i)
				}
				switch item.Status {
				case "pending", "in_progress", "completed":
				default:
					return Output{}, fmt.Errorf("todo %d: invalid status %q", i, item.Status)
				}
			}
			if err := store.ReplaceTodos(in.Todos); err != nil {
				return Output{}, err
			}
			return Output{
				Text: mustJSON(map[string]any{
					"ok":    true,
					"count": len(in.Todos),
				}),
			}, nil
		},
		WithParallel(ParallelNever),
	)
}
