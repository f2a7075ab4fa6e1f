package tools

import (
	"context"
	"fmt"
	"strings"
)

// Control tools do not touch the environment; they steer the conversation
// loop. All of them sit on the planner's deny-list.

type askQuestionInput struct {
	Question string `json:"question" jsonschema:"required,description=Question to put to the user"`
}

type attemptCompletionInput struct {
	Result string `json:"result" jsonschema:"required,description=Final result presented to the user"`
}

type switchModeInput struct {
	Mode string `json:"mode" jsonschema:"required,description=Target mode name"`
}

func NewAskQuestionTool() Tool {
	return NewTool("ask_question", "Ask the user a clarifying question and wait for the answer",
		ClassReadOnly,
		func(_ context.Context, in askQuestionInput) (Output, error) {
			if strings.TrimSpace(in.Question) == "" {
				return Output{}, fmt.Errorf("question is required")
			}
			return Output{
				Text: mustJSON(map[string]any{
					"ok":       true,
					"question": in.Question,
				}),
			}, nil
		},
		WithParallel(ParallelNever),
	)
}

func NewAttemptCompletionTool() Tool {
	return NewTool("attempt_completion", "Present the final result of the task to the user",
		ClassReadOnly,
		func(_ context.Context, in attemptCompletionInput) (Output, error) {
			if strings.TrimSpace(in.Result) == "" {
				return Output{}, fmt.Errorf("result is required")
			}
			return Output{
				Text: mustJSON(map[string]any{
					"ok":     true,
					"result": in.Result,
				}),
			}, nil
		},
		WithParallel(ParallelNever),
	)
}

func NewSwitchModeTool(modes ...string) Tool {
	allowed := map[string]bool{}
	for _, m := range modes {
		allowed[m] = true
	}
	return NewTool("switch_mode", "Switch the agent to a different operating mode",
		ClassReadOnly,
		func(_ context.Context, in switchModeInput) (Output, error) {
			mode := strings.TrimSpace(in.Mode)
			if mode == "" {
				return Output{}, fmt.Errorf("mode is required")
			}
			if len(allowed) > 0 && !allowed[mode] {
				return Output{}, fmt.Errorf("unknown mode %q", mode)
			}
			return Output{
				Text: mustJSON(map[string]any{
					"ok":   true,
					"mode": mode,
				}),
			}, nil
		},
		WithParallel(ParallelNever),
	)
}
