package tools

import (
	"time"

	"substrate/internal/security"
)

// DefaultRegistry 按默认配置装配全部内建工具
// DefaultRegistry assembles the built-in tool set for one workspace.
func DefaultRegistry(ws *security.Workspace, todoStore TodoStore, commandTimeout time.Duration, outputLimitBytes int) *Registry {
	return NewRegistry(
		NewReadFileTool(ws),
		NewWriteFileTool(ws),
		NewEditFileTool(ws),
		NewListFilesTool(ws),
		NewSearchFilesTool(ws),
		NewGlobTool(ws),
		NewExecuteCommandTool(ws.Root(), commandTimeout, outputLimitBytes),
		NewFetchURLTool(),
		NewTodoReadTool(todoStore),
		NewTodoWriteTool(todoStore),
		NewAskQuestionTool(),
		NewAttemptCompletionTool(),
		NewSwitchModeTool(),
	)
}
