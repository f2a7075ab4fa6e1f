package tools

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"substrate/internal/security"
)

type globInput struct {
	Pattern string `json:"pattern" jsonschema:"required,description=Glob pattern relative to the working directory"`
}

// NewGlobTool returns the glob tool.
func NewGlobTool(ws *security.Workspace) Tool {
	return NewTool("glob", "Find files matching a glob pattern inside the working directory",
		ClassReadOnly,
		func(_ context.Context, in globInput) (Output, error) {
			pattern := strings.TrimSpace(in.Pattern)
			if pattern == "" {
				return Output{}, fmt.Errorf("pattern is required")
			}
			if filepath.IsAbs(pattern) {
				return Output{}, fmt.Errorf("absolute glob pattern is not allowed")
			}

			matches, err := filepath.Glob(filepath.Join(ws.Root(), pattern))
			if err != nil {
				return Output{}, fmt.Errorf("run glob: %w", err)
			}

			rel := make([]string, 0, len(matches))
			for _, m := range matches {
				resolved, err := ws.Resolve(m)
				if err != nil {
					continue
				}
				r, _ := filepath.Rel(ws.Root(), resolved)
				rel = append(rel, r)
			}

			return Output{
				Text: mustJSON(map[string]any{
					"ok":      true,
					"pattern": pattern,
					"matches": rel,
					"count":   len(rel),
				}),
			}, nil
		},
		WithCache(30*time.Second, PriorityLow),
	)
}
