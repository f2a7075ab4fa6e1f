package security

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

var dangerousCmdPattern = regexp.MustCompile(`(^|[\s;&|()])(rm|mv|chmod|chown|dd|mkfs|shutdown|reboot)([\s;&|()]|$)`)

// readOnlyPrefixes 只读命令前缀白名单，并行规划器据此判定 shell 命令是否可并行
// readOnlyPrefixes is the allow-list of command prefixes considered read-only.
// The parallel planner treats a shell command as safe to run concurrently only
// when it matches one of these and carries no shell chaining or redirection.
var readOnlyPrefixes = []string{
	"ls", "cat", "head", "tail", "wc", "file", "stat", "du", "df",
	"pwd", "echo", "date", "whoami", "which", "env", "find", "grep",
	"rg", "git status", "git log", "git diff", "git show", "git branch",
	"go version", "go env",
}

// CommandRisk describes the outcome of analyzing one shell command.
type CommandRisk struct {
	Dangerous bool
	ReadOnly  bool
	Reason    string
}

// AnalyzeCommand classifies a shell command. Parse failures fail closed:
// the command is reported dangerous and never read-only.
func AnalyzeCommand(command string) CommandRisk {
	trimmed := strings.TrimSpace(command)
	if trimmed == "" {
		return CommandRisk{}
	}

	if strings.Contains(trimmed, "$(") || strings.Contains(trimmed, "`") {
		return CommandRisk{
			Dangerous: true,
			Reason:    "contains command substitution/backticks",
		}
	}

	if _, err := parseShellWords(trimmed); err != nil {
		return CommandRisk{
			Dangerous: true,
			Reason:    "command parse failed (fail closed)",
		}
	}

	if dangerousCmdPattern.MatchString(trimmed) {
		return CommandRisk{
			Dangerous: true,
			Reason:    "matches dangerous command policy",
		}
	}

	return CommandRisk{ReadOnly: isReadOnlyCommand(trimmed)}
}

// IsReadOnlyCommand 判断命令是否只读（无副作用，可安全并行）
// IsReadOnlyCommand reports whether the command is side-effect free.
func IsReadOnlyCommand(command string) bool {
	risk := AnalyzeCommand(command)
	return !risk.Dangerous && risk.ReadOnly
}

func isReadOnlyCommand(trimmed string) bool {
	// Chained or redirected commands may hide writes; refuse wholesale.
	if strings.ContainsAny(trimmed, "|&;><") {
		return false
	}
	for _, prefix := range readOnlyPrefixes {
		if trimmed == prefix || strings.HasPrefix(trimmed, prefix+" ") {
			return true
		}
	}
	return false
}

func parseShellWords(input string) ([]string, error) {
	var (
		out         []string
		cur         strings.Builder
		inSingle    bool
		inDouble    bool
		escaped     bool
		justFlushed bool
	)

	flush := func() {
		if cur.Len() > 0 || justFlushed {
			out = append(out, cur.String())
			cur.Reset()
			justFlushed = false
		}
	}

	for _, r := range input {
		switch {
		case escaped:
			cur.WriteRune(r)
			escaped = false
		case r == '\\' && !inSingle:
			escaped = true
		case r == '\'' && !inDouble:
			inSingle = !inSingle
			justFlushed = true
		case r == '"' && !inSingle:
			inDouble = !inDouble
			justFlushed = true
		case isSpace(r) && !inSingle && !inDouble:
			flush()
		default:
			cur.WriteRune(r)
			justFlushed = false
		}
	}

	if escaped {
		return nil, errors.New("dangling escape")
	}
	if inSingle || inDouble {
		return nil, fmt.Errorf("unmatched quote")
	}
	flush()
	return out, nil
}

func isSpace(r rune) bool {
	return r == ' ' || r == '\t' || r == '\n' || r == '\r'
}
