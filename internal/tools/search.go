package tools

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"substrate/internal/security"
)

type searchFilesInput struct {
	Pattern    string `json:"pattern" jsonschema:"required,description=Regular expression to search for"`
	Path       string `json:"path,omitempty" jsonschema:"description=Directory to search; defaults to the working directory root"`
	MaxMatches int    `json:"max_matches,omitempty" jsonschema:"description=Stop after this many matches; defaults to 200"`
}

type searchMatch struct {
	Path string `json:"path"`
	Line int    `json:"line"`
	Text string `json:"text"`
}

// NewSearchFilesTool returns the search_files tool: recursive regex search
// over text files in the workspace.
func NewSearchFilesTool(ws *security.Workspace) Tool {
	return NewTool("search_files", "Search file content recursively in the working directory using a regular expression",
		ClassReadOnly,
		func(_ context.Context, in searchFilesInput) (Output, error) {
			if strings.TrimSpace(in.Pattern) == "" {
				return Output{}, fmt.Errorf("pattern is required")
			}
			if in.Path == "" {
				in.Path = "."
			}
			if in.MaxMatches <= 0 {
				in.MaxMatches = 200
			}

			root, err := ws.Resolve(in.Path)
			if err != nil {
				return Output{}, err
			}
			re, err := regexp.Compile(in.Pattern)
			if err != nil {
				return Output{}, fmt.Errorf("compile pattern: %w", err)
			}

			matches := make([]searchMatch, 0, in.MaxMatches)
			var scanned int64
			walkErr := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
				if err != nil {
					return nil
				}
				if d.IsDir() {
					if d.Name() == ".git" {
						return filepath.SkipDir
					}
					return nil
				}
				if len(matches) >= in.MaxMatches {
					return io.EOF
				}
				ok, err := isTextFile(path)
				if err != nil || !ok {
					return nil
				}
				scanned += searchFile(path, re, ws.Root(), &matches, in.MaxMatches)
				return nil
			})
			if walkErr != nil && walkErr != io.EOF {
				return Output{}, fmt.Errorf("walk files: %w", walkErr)
			}

			return Output{
				Text: mustJSON(map[string]any{
					"ok":      true,
					"pattern": in.Pattern,
					"matches": matches,
					"count":   len(matches),
				}),
				BytesProcessed: scanned,
			}, nil
		},
		WithCache(30*time.Second, PriorityMedium),
	)
}

func searchFile(path string, re *regexp.Regexp, root string, matches *[]searchMatch, max int) int64 {
	f, err := os.Open(path)
	if err != nil {
		return 0
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 1024*1024), 1024*1024)
	lineNo := 0
	var scanned int64
	rel, _ := filepath.Rel(root, path)
	for scanner.Scan() {
		lineNo++
		line := scanner.Text()
		scanned += int64(len(line)) + 1
		if re.MatchString(line) {
			*matches = append(*matches, searchMatch{Path: rel, Line: lineNo, Text: line})
			if len(*matches) >= max {
				break
			}
		}
	}
	return scanned
}

// isTextFile samples the head of the file and treats NUL bytes as binary.
func isTextFile(path string) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return false, err
	}
	defer f.Close()

	buf := make([]byte, 2048)
	n, err := f.Read(buf)
	if err != nil && err != io.EOF {
		return false, err
	}
	return !bytes.Contains(buf[:n], []byte{0}), nil
}
