package tools

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"substrate/internal/security"
)

type readFileInput struct {
	Path   string `json:"path" jsonschema:"required,description=Path relative to the working directory"`
	Offset int    `json:"offset,omitempty" jsonschema:"description=Line offset (1-based); negative reads the last N lines"`
	Limit  int    `json:"limit,omitempty" jsonschema:"description=Max number of lines; defaults to 200 and is capped at 500"`
}

// NewReadFileTool returns the read_file tool: paginated line-oriented reads
// confined to the workspace.
func NewReadFileTool(ws *security.Workspace) Tool {
	return NewTool("read_file", "Read file content from the working directory",
		ClassReadOnly,
		func(_ context.Context, in readFileInput) (Output, error) {
			const (
				defaultLimit = 200
				maxLimit     = 500
			)
			if strings.TrimSpace(in.Path) == "" {
				return Output{}, fmt.Errorf("path is required")
			}
			// Negative offset means tail mode: read the last N lines.
			isTail := in.Offset < 0
			if !isTail && in.Offset <= 0 {
				in.Offset = 1
			}
			if in.Limit <= 0 {
				in.Limit = defaultLimit
			}
			if in.Limit > maxLimit {
				in.Limit = maxLimit
			}

			resolved, err := ws.Resolve(in.Path)
			if err != nil {
				return Output{}, err
			}
			f, err := os.Open(resolved)
			if err != nil {
				return Output{}, err
			}
			defer f.Close()

			var (
				lines     []string
				lineNo    int
				collected int
				startLine int
				endLine   int
				bytes     int64
			)
			scanner := bufio.NewScanner(f)
			scanner.Buffer(make([]byte, 64*1024), 1024*1024)
			for scanner.Scan() {
				lineNo++
				text := scanner.Text()
				bytes += int64(len(text)) + 1

				if isTail {
					if len(lines) == in.Limit {
						lines = lines[1:]
					}
					lines = append(lines, text)
					continue
				}
				if lineNo < in.Offset {
					continue
				}
				if collected < in.Limit {
					if startLine == 0 {
						startLine = lineNo
					}
					lines = append(lines, text)
					collected++
					endLine = lineNo
				}
			}
			if err := scanner.Err(); err != nil {
				return Output{}, fmt.Errorf("read file: %w", err)
			}

			if isTail {
				endLine = lineNo
				if len(lines) > 0 {
					startLine = endLine - len(lines) + 1
				}
			}
			hasMore := false
			if isTail {
				hasMore = startLine > 1
			} else if lineNo > endLine && endLine != 0 {
				hasMore = true
			}

			return Output{
				Text: mustJSON(map[string]any{
					"ok":         true,
					"path":       resolved,
					"content":    strings.Join(lines, "\n"),
					"start_line": startLine,
					"end_line":   endLine,
					"total":      lineNo,
					"has_more":   hasMore,
				}),
				FilesAffected:  []string{resolved},
				BytesProcessed: bytes,
			}, nil
		},
		WithCache(60*time.Second, PriorityMedium),
	)
}
