package tools

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"substrate/internal/security"
)

type writeFileInput struct {
	Path    string `json:"path" jsonschema:"required,description=Path relative to the working directory"`
	Content string `json:"content" jsonschema:"required,description=Full file content to write"`
}

// NewWriteFileTool returns the write_file tool: full-content writes for
// creating new files or replacing existing ones.
func NewWriteFileTool(ws *security.Workspace) Tool {
	return NewTool("write_file", "Write full content to a file in the working directory; creates parent directories as needed",
		ClassFileMutating,
		func(_ context.Context, in writeFileInput) (Output, error) {
			if strings.TrimSpace(in.Path) == "" {
				return Output{}, fmt.Errorf("path is required")
			}
			resolved, err := ws.Resolve(in.Path)
			if err != nil {
				return Output{}, err
			}

			original := ""
			existed := false
			if data, readErr := os.ReadFile(resolved); readErr == nil {
				existed = true
				original = string(data)
			} else if !os.IsNotExist(readErr) {
				return Output{}, fmt.Errorf("read original file: %w", readErr)
			}

			parent, err := ws.Resolve(filepath.Dir(in.Path))
			if err != nil {
				return Output{}, err
			}
			if err := os.MkdirAll(parent, 0o755); err != nil {
				return Output{}, fmt.Errorf("create parent directories: %w", err)
			}
			if err := os.WriteFile(resolved, []byte(in.Content), 0o644); err != nil {
				return Output{}, err
			}

			operation := "created"
			if existed {
				operation = "updated"
				if normalizeLineEndings(original) == normalizeLineEndings(in.Content) {
					operation = "unchanged"
				}
			}

			return Output{
				Text: mustJSON(map[string]any{
					"ok":        true,
					"path":      resolved,
					"size":      len(in.Content),
					"operation": operation,
				}),
				FilesAffected:  []string{resolved},
				BytesProcessed: int64(len(in.Content)),
			}, nil
		},
	)
}

// normalizeLineEndings makes CRLF/LF content comparable for no-op detection.
func normalizeLineEndings(s string) string {
	return strings.ReplaceAll(s, "\r\n", "\n")
}
