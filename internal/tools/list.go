package tools

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"substrate/internal/security"
)

type listFilesInput struct {
	Path      string `json:"path,omitempty" jsonschema:"description=Directory to list; defaults to the working directory root"`
	Recursive bool   `json:"recursive,omitempty" jsonschema:"description=Descend into subdirectories (depth capped)"`
}

const listMaxDepth = 4

// NewListFilesTool returns the list_files tool.
func NewListFilesTool(ws *security.Workspace) Tool {
	return NewTool("list_files", "List directory entries in the working directory",
		ClassReadOnly,
		func(_ context.Context, in listFilesInput) (Output, error) {
			if in.Path == "" {
				in.Path = "."
			}
			resolved, err := ws.Resolve(in.Path)
			if err != nil {
				return Output{}, err
			}

			var items []map[string]any
			if in.Recursive {
				items, err = walkEntries(ws, resolved, 1)
			} else {
				items, err = listEntries(ws, resolved)
			}
			if err != nil {
				return Output{}, err
			}
			sort.Slice(items, func(i, j int) bool {
				return fmt.Sprint(items[i]["path"]) < fmt.Sprint(items[j]["path"])
			})

			return Output{
				Text: mustJSON(map[string]any{
					"ok":    true,
					"path":  resolved,
					"items": items,
					"count": len(items),
				}),
				FilesAffected: []string{resolved},
			}, nil
		},
		WithCache(30*time.Second, PriorityLow),
	)
}

func listEntries(ws *security.Workspace, dir string) ([]map[string]any, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(entries))
	for _, e := range entries {
		info, err := e.Info()
		if err != nil {
			continue
		}
		rel, _ := filepath.Rel(ws.Root(), filepath.Join(dir, e.Name()))
		items = append(items, map[string]any{
			"name":       e.Name(),
			"path":       rel,
			"is_dir":     e.IsDir(),
			"size_bytes": info.Size(),
		})
	}
	return items, nil
}

func walkEntries(ws *security.Workspace, dir string, depth int) ([]map[string]any, error) {
	items, err := listEntries(ws, dir)
	if err != nil {
		return nil, err
	}
	if depth >= listMaxDepth {
		return items, nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		if !e.IsDir() || e.Name() == ".git" {
			continue
		}
		sub, err := walkEntries(ws, filepath.Join(dir, e.Name()), depth+1)
		if err != nil {
			continue
		}
		items = append(items, sub...)
	}
	return items, nil
}
