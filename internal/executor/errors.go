package executor

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"syscall"

	"substrate/internal/security"
)

// ErrorKind 执行失败的分类
// ErrorKind classifies a tool failure. Everything except KindPlanning is
// recovered locally and encoded in the execution record; planning errors
// surface before any step runs.
type ErrorKind string

const (
	KindValidation     ErrorKind = "validation"
	KindSecurity       ErrorKind = "security"
	KindIO             ErrorKind = "io"
	KindExecution      ErrorKind = "execution"
	KindPlanning       ErrorKind = "planning"
	KindRetryExhausted ErrorKind = "retry_exhausted"
)

// ToolError carries a classified failure with its wrapped cause.
type ToolError struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *ToolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ToolError) Unwrap() error {
	return e.Err
}

func Errorf(kind ErrorKind, format string, a ...any) *ToolError {
	return &ToolError{Kind: kind, Message: fmt.Sprintf(format, a...)}
}

func Wrap(kind ErrorKind, err error, format string, a ...any) *ToolError {
	return &ToolError{Kind: kind, Message: fmt.Sprintf(format, a...), Err: err}
}

// Classify derives the error kind from an arbitrary handler error.
func Classify(err error) ErrorKind {
	var te *ToolError
	if errors.As(err, &te) {
		return te.Kind
	}
	if errors.Is(err, security.ErrPathOutsideWorkspace) {
		return KindSecurity
	}
	if isIOError(err) {
		return KindIO
	}
	msg := err.Error()
	if strings.Contains(msg, "is required") ||
		strings.Contains(msg, "must not be empty") ||
		strings.Contains(msg, "must be different") ||
		strings.Contains(msg, "invalid") {
		return KindValidation
	}
	if strings.Contains(msg, "command refused") {
		return KindSecurity
	}
	return KindExecution
}

func isIOError(err error) bool {
	var pathErr *fs.PathError
	if errors.As(err, &pathErr) {
		return true
	}
	return errors.Is(err, os.ErrNotExist) ||
		errors.Is(err, os.ErrPermission) ||
		errors.Is(err, syscall.EISDIR) ||
		errors.Is(err, syscall.ENOSPC) ||
		errors.Is(err, syscall.EROFS)
}

// humanizeIOError maps well-known errno failures to stable user-facing
// messages that include the path needed to retry manually.
func humanizeIOError(err error) string {
	path := ""
	var pathErr *fs.PathError
	if errors.As(err, &pathErr) {
		path = pathErr.Path
	}
	suffix := ""
	if path != "" {
		suffix = ": " + path
	}
	switch {
	case errors.Is(err, os.ErrNotExist):
		return "File or directory does not exist" + suffix
	case errors.Is(err, os.ErrPermission):
		return "Permission denied" + suffix
	case errors.Is(err, syscall.EISDIR):
		return "Target is a directory, not a file" + suffix
	case errors.Is(err, syscall.ENOSPC):
		return "No space left on device" + suffix
	case errors.Is(err, syscall.EROFS):
		return "File system is read-only" + suffix
	default:
		return err.Error()
	}
}
