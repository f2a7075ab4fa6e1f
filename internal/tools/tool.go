// Package tools defines the tool contract consumed by the executor and the
// parallelization planner: every tool carries a typed handler, a reflected
// parameter schema, and static side-effect metadata.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/invopop/jsonschema"

	"substrate/internal/chat"
)

// Class 工具副作用类别，规划器据此做冲突分析
// Class is the declared side-effect class of a tool. The planner's conflict
// analysis relies on this classification and never inspects tool internals.
type Class string

const (
	ClassReadOnly        Class = "read-only"
	ClassFileMutating    Class = "file-mutating"
	ClassProcessSpawning Class = "process-spawning"
	ClassNetwork         Class = "network"
)

// Parallel is the static parallelization hint for a tool.
type Parallel int

const (
	// ParallelNever marks tools that must run alone: user-facing questions,
	// mode switches, task completion, todo updates.
	ParallelNever Parallel = iota
	// ParallelConditional defers to the tool's SafeConcurrent check per call.
	ParallelConditional
	// ParallelAlways marks pure reads that are always safe to batch.
	ParallelAlways
)

// Priority is the cache priority tier of a tool family.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
)

// Output is what a tool handler produces. Handlers communicate failures via
// the returned error; the executor translates both into a ToolExecution.
type Output struct {
	Text           string
	Warning        bool
	FilesAffected  []string
	BytesProcessed int64
}

// Tool is one registered operation. The struct is immutable after NewTool.
type Tool struct {
	Name        string
	Description string
	Class       Class
	Parallel    Parallel

	// CacheTTL and CachePriority configure the result cache for this tool
	// family. Zero TTL means the tool is never cached.
	CacheTTL      time.Duration
	CachePriority Priority

	// SafeConcurrent is consulted for ParallelConditional tools with the
	// call's parameters; nil means never safe.
	SafeConcurrent func(params map[string]string) bool

	schema  *jsonschema.Schema
	handler func(ctx context.Context, args json.RawMessage) (Output, error)
}

// Handler is a typed tool handler; T is the parameter struct whose JSON
// schema is reflected into the tool definition.
type Handler[T any] func(ctx context.Context, in T) (Output, error)

type Option func(*Tool)

func WithParallel(p Parallel) Option {
	return func(t *Tool) { t.Parallel = p }
}

func WithSafeConcurrent(fn func(params map[string]string) bool) Option {
	return func(t *Tool) {
		t.Parallel = ParallelConditional
		t.SafeConcurrent = fn
	}
}

func WithCache(ttl time.Duration, priority Priority) Option {
	return func(t *Tool) {
		t.CacheTTL = ttl
		t.CachePriority = priority
	}
}

// NewTool 构建一个带反射参数 schema 的工具
// NewTool builds a Tool whose parameter schema is reflected from T. The
// default parallel hint follows the class: read-only tools are always safe,
// everything else never.
func NewTool[T any](name, description string, class Class, handler Handler[T], opts ...Option) Tool {
	reflector := jsonschema.Reflector{
		AllowAdditionalProperties: false,
		DoNotReference:            true,
	}
	var input T
	schema := reflector.Reflect(input)

	parallel := ParallelNever
	if class == ClassReadOnly {
		parallel = ParallelAlways
	}

	t := Tool{
		Name:          name,
		Description:   description,
		Class:         class,
		Parallel:      parallel,
		CachePriority: PriorityMedium,
		schema:        schema,
		handler: func(ctx context.Context, args json.RawMessage) (Output, error) {
			var in T
			if len(args) > 0 {
				if err := json.Unmarshal(args, &in); err != nil {
					return Output{}, fmt.Errorf("%s args: %w", name, err)
				}
			}
			return handler(ctx, in)
		},
	}
	for _, opt := range opts {
		opt(&t)
	}
	return t
}

// Invoke runs the tool with raw JSON arguments.
func (t Tool) Invoke(ctx context.Context, args json.RawMessage) (Output, error) {
	if t.handler == nil {
		return Output{}, fmt.Errorf("tool %s has no handler", t.Name)
	}
	return t.handler(ctx, args)
}

// Definition exposes the tool as a model-facing function definition.
func (t Tool) Definition() chat.ToolDef {
	params := map[string]any{
		"type":       "object",
		"properties": t.schema.Properties,
	}
	if len(t.schema.Required) > 0 {
		params["required"] = t.schema.Required
	}
	return chat.ToolDef{
		Type: "function",
		Function: chat.ToolFunction{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  params,
		},
	}
}

// Cacheable reports whether results of this tool may be served from cache.
// Only read-only tools with a configured TTL qualify.
func (t Tool) Cacheable() bool {
	return t.Class == ClassReadOnly && t.CacheTTL > 0
}

// EncodeArgs converts string parameters (as produced by the output parser)
// into JSON arguments, coercing values whose schema type is numeric or
// boolean. Unknown keys pass through as strings; the handler's own
// unmarshalling rejects them.
func (t Tool) EncodeArgs(params map[string]string) (json.RawMessage, error) {
	types := map[string]string{}
	if t.schema != nil && t.schema.Properties != nil {
		for pair := t.schema.Properties.Oldest(); pair != nil; pair = pair.Next() {
			types[pair.Key] = pair.Value.Type
		}
	}

	args := make(map[string]any, len(params))
	for key, val := range params {
		switch types[key] {
		case "integer":
			n, err := strconv.Atoi(val)
			if err != nil {
				return nil, fmt.Errorf("parameter %s: %q is not an integer", key, val)
			}
			args[key] = n
		case "number":
			f, err := strconv.ParseFloat(val, 64)
			if err != nil {
				return nil, fmt.Errorf("parameter %s: %q is not a number", key, val)
			}
			args[key] = f
		case "boolean":
			b, err := strconv.ParseBool(val)
			if err != nil {
				return nil, fmt.Errorf("parameter %s: %q is not a boolean", key, val)
			}
			args[key] = b
		default:
			args[key] = val
		}
	}
	data, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("encode args: %w", err)
	}
	return data, nil
}

func mustJSON(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf(`{"ok":false,"error":"marshal result: %s"}`, err.Error())
	}
	return string(data)
}
