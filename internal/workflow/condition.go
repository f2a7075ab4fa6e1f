package workflow

import (
	"strconv"
	"strings"
	"time"
)

// comparison operators, two-character forms first so ">=" never splits as ">".
var comparisonOps = []string{"==", "!=", ">=", "<=", ">", "<"}

// evalCondition 对步骤条件求值，空条件恒为真
// evalCondition evaluates a step condition after variable substitution.
// Grammar: an optional single comparison, otherwise a bare truthiness check.
// Both sides compare numerically when they parse as numbers.
func evalCondition(expr, cwd string, variables map[string]string) bool {
	expr = strings.TrimSpace(substitute(expr, cwd, variables))
	if expr == "" {
		return true
	}

	for _, op := range comparisonOps {
		lhs, rhs, found := splitOnOp(expr, op)
		if !found {
			continue
		}
		return compare(unquote(lhs), unquote(rhs), op)
	}
	return truthy(unquote(expr))
}

// substitute expands ${VAR} references. CWD and TIMESTAMP are built in;
// unknown variables expand to the empty string.
func substitute(expr, cwd string, variables map[string]string) string {
	var out strings.Builder
	for {
		start := strings.Index(expr, "${")
		if start < 0 {
			out.WriteString(expr)
			return out.String()
		}
		end := strings.Index(expr[start:], "}")
		if end < 0 {
			out.WriteString(expr)
			return out.String()
		}
		out.WriteString(expr[:start])
		name := expr[start+2 : start+end]
		switch name {
		case "CWD":
			out.WriteString(cwd)
		case "TIMESTAMP":
			out.WriteString(strconv.FormatInt(time.Now().Unix(), 10))
		default:
			out.WriteString(variables[name])
		}
		expr = expr[start+end+1:]
	}
}

func splitOnOp(expr, op string) (string, string, bool) {
	idx := strings.Index(expr, op)
	if idx < 0 {
		return "", "", false
	}
	return strings.TrimSpace(expr[:idx]), strings.TrimSpace(expr[idx+len(op):]), true
}

func compare(lhs, rhs, op string) bool {
	ln, lok := strconv.ParseFloat(lhs, 64)
	rn, rok := strconv.ParseFloat(rhs, 64)
	if lok == nil && rok == nil {
		switch op {
		case "==":
			return ln == rn
		case "!=":
			return ln != rn
		case ">":
			return ln > rn
		case "<":
			return ln < rn
		case ">=":
			return ln >= rn
		case "<=":
			return ln <= rn
		}
	}
	switch op {
	case "==":
		return lhs == rhs
	case "!=":
		return lhs != rhs
	case ">":
		return lhs > rhs
	case "<":
		return lhs < rhs
	case ">=":
		return lhs >= rhs
	case "<=":
		return lhs <= rhs
	}
	return false
}

func truthy(v string) bool {
	switch strings.ToLower(v) {
	case "", "0", "false", "no":
		return false
	}
	return true
}

func unquote(v string) string {
	v = strings.TrimSpace(v)
	if len(v) >= 2 {
		if (v[0] == '"' && v[len(v)-1] == '"') || (v[0] == '\'' && v[len(v)-1] == '\'') {
			return v[1 : len(v)-1]
		}
	}
	return v
}
