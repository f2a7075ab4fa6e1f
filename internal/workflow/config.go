// Package workflow executes declarative, dependency-ordered pipelines of
// tool calls with per-step conditions and retry policy. Validation is
// pre-flight: a bad definition fails before any step's status leaves pending.
package workflow

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/afero"
)

// RetryPolicy configures extra attempts for one step. Delay doubles per
// attempt when ExponentialBackoff is set, otherwise stays constant.
type RetryPolicy struct {
	Count              int  `json:"count"`
	DelayMs            int  `json:"delay_ms"`
	ExponentialBackoff bool `json:"exponential_backoff"`
}

// Step 工作流中的一个步骤，对应一次工具调用
// Step is one tool call in a workflow. DependsOn references other step ids;
// Condition is evaluated against the workflow variables before execution.
type Step struct {
	ID              string            `json:"id"`
	Name            string            `json:"name,omitempty"`
	Tool            string            `json:"tool"`
	Params          map[string]string `json:"params,omitempty"`
	Condition       string            `json:"condition,omitempty"`
	DependsOn       []string          `json:"depends_on,omitempty"`
	Retry           *RetryPolicy      `json:"retry,omitempty"`
	ContinueOnError bool              `json:"continue_on_error,omitempty"`
}

// Config is a named, versioned workflow definition.
type Config struct {
	Name      string            `json:"name"`
	Version   string            `json:"version"`
	Steps     []Step            `json:"steps"`
	Variables map[string]string `json:"variables,omitempty"`
	Parallel  bool              `json:"parallel,omitempty"`
}

// LoadConfig reads and validates a workflow definition from a JSON file.
func LoadConfig(fs *afero.Afero, path string) (Config, error) {
	data, err := fs.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read workflow %s: %w", path, err)
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse workflow %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate 校验工作流定义，循环依赖是硬失败
// Validate rejects definitions with missing fields, duplicate step ids,
// unknown dependency references, or a cyclic dependency graph.
func (c Config) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("workflow: name is required")
	}
	if c.Version == "" {
		return fmt.Errorf("workflow %s: version is required", c.Name)
	}
	if len(c.Steps) == 0 {
		return fmt.Errorf("workflow %s: at least one step is required", c.Name)
	}

	ids := make(map[string]struct{}, len(c.Steps))
	for _, step := range c.Steps {
		if step.ID == "" {
			return fmt.Errorf("workflow %s: step without id", c.Name)
		}
		if step.Tool == "" {
			return fmt.Errorf("workflow %s: step %s has no tool", c.Name, step.ID)
		}
		if _, dup := ids[step.ID]; dup {
			return fmt.Errorf("workflow %s: duplicate step id %s", c.Name, step.ID)
		}
		ids[step.ID] = struct{}{}
	}
	for _, step := range c.Steps {
		for _, dep := range step.DependsOn {
			if _, ok := ids[dep]; !ok {
				return fmt.Errorf("workflow %s: step %s depends on unknown step %s",
					c.Name, step.ID, dep)
			}
			if dep == step.ID {
				return fmt.Errorf("workflow %s: step %s depends on itself", c.Name, step.ID)
			}
		}
	}

	if _, err := c.layers(); err != nil {
		return err
	}
	return nil
}

// layers computes topological batches of step indices. An iteration that
// places no step while steps remain means the graph is cyclic, which is the
// same check execution uses, so a config that validates always schedules.
func (c Config) layers() ([][]int, error) {
	placed := make(map[string]struct{}, len(c.Steps))
	remaining := make([]int, 0, len(c.Steps))
	for i := range c.Steps {
		remaining = append(remaining, i)
	}

	var out [][]int
	for len(remaining) > 0 {
		var layer []int
		var rest []int
		for _, idx := range remaining {
			ready := true
			for _, dep := range c.Steps[idx].DependsOn {
				if _, ok := placed[dep]; !ok {
					ready = false
					break
				}
			}
			if ready {
				layer = append(layer, idx)
			} else {
				rest = append(rest, idx)
			}
		}
		if len(layer) == 0 {
			return nil, fmt.Errorf("workflow %s: cyclic dependency involving %s",
				c.Name, c.Steps[rest[0]].ID)
		}
		for _, idx := range layer {
			placed[c.Steps[idx].ID] = struct{}{}
		}
		out = append(out, layer)
		remaining = rest
	}
	return out, nil
}
