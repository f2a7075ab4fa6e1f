package security

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

var ErrPathOutsideWorkspace = errors.New("path outside workspace")

// Workspace 把所有相对路径限制在一个根目录内
// Workspace confines every resolved path to a single root directory. Every
// file-touching tool resolves its path arguments through Resolve; paths that
// escape the root are refused, absolute or not.
type Workspace struct {
	root string
}

func NewWorkspace(root string) (*Workspace, error) {
	if strings.TrimSpace(root) == "" {
		return nil, errors.New("workspace root is empty")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("abs workspace root: %w", err)
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		// Root may not resolve (e.g. not created yet); keep the abs path.
		resolved = abs
	}
	return &Workspace{root: resolved}, nil
}

func (w *Workspace) Root() string {
	return w.root
}

// Resolve maps path (relative or absolute) into the workspace and returns the
// cleaned absolute target, or ErrPathOutsideWorkspace when the target escapes
// the root after symlink resolution.
func (w *Workspace) Resolve(path string) (string, error) {
	target := strings.TrimSpace(path)
	if target == "" {
		target = w.root
	}
	if !filepath.IsAbs(target) {
		target = filepath.Join(w.root, target)
	}

	clean := filepath.Clean(target)
	resolved, err := resolveWithParentSymlink(clean)
	if err != nil {
		return "", err
	}

	rel, err := filepath.Rel(w.root, resolved)
	if err != nil {
		return "", fmt.Errorf("relative path check: %w", err)
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(os.PathSeparator)) {
		return "", ErrPathOutsideWorkspace
	}
	return resolved, nil
}

// resolveWithParentSymlink resolves symlinks for the target, falling back to
// resolving the parent when the target itself does not exist yet (writes
// create new files).
func resolveWithParentSymlink(path string) (string, error) {
	resolved, err := filepath.EvalSymlinks(path)
	if err == nil {
		return resolved, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("resolve symlink: %w", err)
	}

	parent := filepath.Dir(path)
	base := filepath.Base(path)
	parentResolved, perr := filepath.EvalSymlinks(parent)
	if perr != nil {
		if errors.Is(perr, os.ErrNotExist) {
			parentResolved = parent
		} else {
			return "", fmt.Errorf("resolve parent symlink: %w", perr)
		}
	}
	return filepath.Join(parentResolved, base), nil
}
