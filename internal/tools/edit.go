package tools

import (
	"context"
	"fmt"
	"os"
	"strings"

	"substrate/internal/security"
)

type editFileInput struct {
	Path       string `json:"path" jsonschema:"required,description=Path relative to the working directory"`
	OldString  string `json:"old_string" jsonschema:"required,description=Exact text to replace"`
	NewString  string `json:"new_string" jsonschema:"required,description=Replacement text"`
	ReplaceAll bool   `json:"replace_all,omitempty" jsonschema:"description=Replace every match instead of requiring a unique one"`
}

// NewEditFileTool 提供基于 old_string/new_string 的安全局部替换
// NewEditFileTool returns the edit_file tool: safe localized edits based on
// old_string/new_string instead of model-authored diffs.
func NewEditFileTool(ws *security.Workspace) Tool {
	return NewTool("edit_file", "Edit an existing file by replacing old_string with new_string. Prefer this for small localized edits over write_file",
		ClassFileMutating,
		func(_ context.Context, in editFileInput) (Output, error) {
			if strings.TrimSpace(in.Path) == "" {
				return Output{}, fmt.Errorf("path is required")
			}
			if in.OldString == "" {
				return Output{}, fmt.Errorf("old_string must not be empty")
			}
			if in.OldString == in.NewString {
				return Output{}, fmt.Errorf("old_string and new_string must be different")
			}

			resolved, err := ws.Resolve(in.Path)
			if err != nil {
				return Output{}, err
			}
			data, err := os.ReadFile(resolved)
			if err != nil {
				return Output{}, err
			}
			original := string(data)

			updated, replacements, err := applyStringEdit(original, in.OldString, in.NewString, in.ReplaceAll)
			if err != nil {
				return Output{}, err
			}

			operation := "updated"
			if normalizeLineEndings(original) == normalizeLineEndings(updated) {
				operation = "unchanged"
			}
			if operation != "unchanged" {
				if err := os.WriteFile(resolved, []byte(updated), 0o644); err != nil {
					return Output{}, err
				}
			}

			return Output{
				Text: mustJSON(map[string]any{
					"ok":           true,
					"path":         resolved,
					"size":         len(updated),
					"operation":    operation,
					"replacements": replacements,
				}),
				FilesAffected:  []string{resolved},
				BytesProcessed: int64(len(updated)),
			}, nil
		},
	)
}

// applyStringEdit 查找 oldString 并安全替换；先精确匹配，失败则按行 trim 匹配
// applyStringEdit replaces oldString with newString. It tries exact substring
// matching first, then falls back to line-trimmed block matching.
func applyStringEdit(content, oldString, newString string, replaceAll bool) (string, int, error) {
	exactCount := strings.Count(content, oldString)
	if exactCount > 0 {
		if replaceAll {
			return strings.ReplaceAll(content, oldString, newString), exactCount, nil
		}
		if exactCount == 1 {
			idx := strings.Index(content, oldString)
			return content[:idx] + newString + content[idx+len(oldString):], 1, nil
		}
		return "", 0, fmt.Errorf("old_string matches multiple locations (matches=%d); provide more surrounding context or set replace_all=true", exactCount)
	}

	contentLines := strings.Split(content, "\n")
	searchLines := strings.Split(oldString, "\n")
	if len(searchLines) > 0 && searchLines[len(searchLines)-1] == "" {
		searchLines = searchLines[:len(searchLines)-1]
	}
	if len(searchLines) == 0 {
		return "", 0, fmt.Errorf("old_string must not be only whitespace")
	}

	type span struct{ start, end int }
	var matches []span
	for i := 0; i <= len(contentLines)-len(searchLines); i++ {
		ok := true
		for j := range searchLines {
			if strings.TrimSpace(contentLines[i+j]) != strings.TrimSpace(searchLines[j]) {
				ok = false
				break
			}
		}
		if !ok {
			continue
		}
		startOffset := 0
		for k := 0; k < i; k++ {
			startOffset += len(contentLines[k]) + 1
		}
		endOffset := startOffset
		for k := i; k < i+len(searchLines); k++ {
			endOffset += len(contentLines[k])
			if k < len(contentLines)-1 {
				endOffset++
			}
		}
		matches = append(matches, span{start: startOffset, end: endOffset})
	}

	if len(matches) == 0 {
		return "", 0, fmt.Errorf("old_string not found in content (even after trimming line whitespace); copy the exact text including indentation from a recent read result")
	}
	if !replaceAll && len(matches) > 1 {
		return "", 0, fmt.Errorf("old_string matches multiple locations (matches=%d); provide more surrounding context or set replace_all=true", len(matches))
	}

	var b strings.Builder
	prev := 0
	count := 0
	for _, m := range matches {
		b.WriteString(content[prev:m.start])
		b.WriteString(newString)
		prev = m.end
		count++
		if !replaceAll {
			break
		}
	}
	b.WriteString(content[prev:])
	return b.String(), count, nil
}
