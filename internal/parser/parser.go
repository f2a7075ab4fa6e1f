// Package parser turns raw model output into an ordered sequence of typed
// content blocks: plain text segments and tool-call segments. It performs no
// semantic validation; unknown tool names stay opaque and are rejected later
// by the executor.
package parser

import (
	"encoding/json"
	"regexp"
	"sort"
	"strings"
)

// BlockKind distinguishes the two content block variants.
type BlockKind string

const (
	BlockText     BlockKind = "text"
	BlockToolCall BlockKind = "tool_call"
)

// Param 单个工具参数，保持出现顺序
// Param is a single tool parameter; order of appearance is preserved.
type Param struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// ContentBlock is one parsed segment of model output. Finalized blocks are
// immutable; exactly one block per stream may carry Partial=true at a time.
type ContentBlock struct {
	Kind     BlockKind `json:"kind"`
	Text     string    `json:"text,omitempty"`
	ToolName string    `json:"tool_name,omitempty"`
	Params   []Param   `json:"params,omitempty"`
	Partial  bool      `json:"partial,omitempty"`
}

// Param returns the value of the named parameter.
func (b ContentBlock) Param(key string) (string, bool) {
	for _, p := range b.Params {
		if p.Key == key {
			return p.Value, true
		}
	}
	return "", false
}

// ParamMap flattens ordered params into a map. Later duplicates win.
func (b ContentBlock) ParamMap() map[string]string {
	m := make(map[string]string, len(b.Params))
	for _, p := range b.Params {
		m[p.Key] = p.Value
	}
	return m
}

// Result is the outcome of parsing one complete text.
type Result struct {
	Blocks   []ContentBlock
	HasTools bool
	HasText  bool
}

var (
	openTagPattern = regexp.MustCompile(`<([A-Za-z_][A-Za-z0-9_\-]*)>`)
	// Degraded recovery markup emitted by some models.
	functionCallPattern = regexp.MustCompile(`(?is)<function=([a-zA-Z0-9_\-]+)>\s*(.*?)\s*</function>`)
	parameterPattern    = regexp.MustCompile(`(?is)<parameter=([a-zA-Z0-9_\-]+)>\s*(.*?)\s*</parameter>`)
)

// Parse parses a complete (non-streaming) text. An unterminated tool region at
// the end of input degrades to plain text; Parse never reports partial blocks.
func Parse(text string) Result {
	s := NewStream()
	blocks := s.Feed(text)
	blocks = append(blocks, s.Finish()...)
	return summarize(blocks)
}

func summarize(blocks []ContentBlock) Result {
	res := Result{Blocks: blocks}
	for _, b := range blocks {
		switch b.Kind {
		case BlockToolCall:
			res.HasTools = true
		case BlockText:
			if strings.TrimSpace(b.Text) != "" {
				res.HasText = true
			}
		}
	}
	return res
}

// parseParams extracts ordered <key>value</key> pairs from a tool-call body.
// An opening param tag without its close is returned separately as a partial
// trailing param (used for in-flight blocks).
func parseParams(body string) (params []Param, trailing *Param) {
	rest := body
	for {
		m := openTagPattern.FindStringSubmatchIndex(rest)
		if m == nil {
			return params, nil
		}
		name := rest[m[2]:m[3]]
		after := rest[m[1]:]
		closing := "</" + name + ">"
		end := strings.Index(after, closing)
		if end < 0 {
			return params, &Param{Key: name, Value: after}
		}
		params = append(params, Param{Key: name, Value: after[:end]})
		rest = after[end+len(closing):]
	}
}

// recoverToolCall parses the degraded recovery markup inside a
// <tool_call> region:
//  1. {"name":"execute_command","arguments":{"command":"uname"}}
//  2. <function=execute_command><parameter=command>uname</parameter></function>
//
// Reports ok=false when the region cannot be recovered; callers keep the raw
// text to avoid data loss.
func recoverToolCall(inner string) (ContentBlock, bool) {
	inner = strings.TrimSpace(inner)
	if block, ok := recoverJSONToolCall(inner); ok {
		return block, true
	}
	return recoverTaggedToolCall(inner)
}

func recoverJSONToolCall(inner string) (ContentBlock, bool) {
	var payload struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	}
	if err := json.Unmarshal([]byte(inner), &payload); err != nil {
		return ContentBlock{}, false
	}
	name := strings.ToLower(strings.TrimSpace(payload.Name))
	if name == "" {
		return ContentBlock{}, false
	}
	block := ContentBlock{Kind: BlockToolCall, ToolName: name}
	raw := strings.TrimSpace(string(payload.Arguments))
	if raw == "" {
		return block, true
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return ContentBlock{}, false
	}
	for _, key := range sortedKeys(args) {
		block.Params = append(block.Params, Param{Key: key, Value: stringifyArg(args[key])})
	}
	return block, true
}

func recoverTaggedToolCall(inner string) (ContentBlock, bool) {
	m := functionCallPattern.FindStringSubmatch(inner)
	if len(m) != 3 {
		return ContentBlock{}, false
	}
	name := strings.ToLower(strings.TrimSpace(m[1]))
	if name == "" {
		return ContentBlock{}, false
	}
	block := ContentBlock{Kind: BlockToolCall, ToolName: name}
	for _, pm := range parameterPattern.FindAllStringSubmatch(m[2], -1) {
		if len(pm) != 3 {
			continue
		}
		key := strings.TrimSpace(pm[1])
		if key == "" {
			continue
		}
		block.Params = append(block.Params, Param{Key: key, Value: strings.TrimSpace(pm[2])})
	}
	if len(block.Params) == 0 {
		return ContentBlock{}, false
	}
	return block, true
}

func stringifyArg(v any) string {
	switch val := v.(type) {
	case string:
		return val
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return ""
		}
		return string(data)
	}
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
