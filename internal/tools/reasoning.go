package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/MakeNowJust/heredoc"

	"github.com/ashureev/datalab/internal/llm"
)

// ReasoningInstructions explains the reasoning tools to the model.
var ReasoningInstructions = heredoc.Doc(`
	## 使用 think 和 analyze 工具
	- 在调用其他工具或回答之前，用 think 工具梳理问题、拆分步骤、规划方法。
	- 每次得到工具结果后，用 analyze 工具评估结果是否正确、充分，并决定 next_action：
	  continue（继续下一步）、validate（需要验证）或 final_answer（可以给出最终回答）。
	- 保持思考简洁，专注于数据本身。
`)

// Reasoning records the scratchpad thoughts of a run.
type Reasoning struct {
	mu    sync.Mutex
	steps []string
}

// NewReasoning returns an empty scratchpad.
func NewReasoning() *Reasoning { return &Reasoning{} }

// Steps returns the recorded steps.
func (r *Reasoning) Steps() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.steps...)
}

func (r *Reasoning) record(step string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.steps = append(r.steps, step)
	var b strings.Builder
	for i, s := range r.steps {
		fmt.Fprintf(&b, "%d. %s\n", i+1, s)
	}
	return strings.TrimRight(b.String(), "\n")
}

// Tools returns the think and analyze tools bound to r.
func (r *Reasoning) Tools() []Tool {
	think := New(llm.ToolSpec{
		Name:        "think",
		Description: "Use this tool as a scratchpad to reason about the question and plan the next steps before acting.",
		Parameters: schema(map[string]any{
			"title":   prop("string", "A short title for this thought."),
			"thought": prop("string", "Your detailed thought for this step."),
			"action":  prop("string", "What you will do next based on this thought."),
		}, "thought"),
	}, func(_ context.Context, args json.RawMessage) (string, error) {
		var in struct {
			Title   string `json:"title"`
			Thought string `json:"thought"`
			Action  string `json:"action"`
		}
		if err := decode(args, &in); err != nil {
			return "", err
		}
		if strings.TrimSpace(in.Thought) == "" {
			return "", fmt.Errorf("thought is required")
		}
		step := "Thought: " + in.Thought
		if in.Title != "" {
			step = in.Title + " | " + step
		}
		if in.Action != "" {
			step += " | Action: " + in.Action
		}
		return r.record(step), nil
	})

	analyze := New(llm.ToolSpec{
		Name:        "analyze",
		Description: "Use this tool to evaluate the result of the previous step and decide whether to continue, validate or give the final answer.",
		Parameters: schema(map[string]any{
			"title":       prop("string", "A short title for this analysis."),
			"result":      prop("string", "The outcome of the previous action."),
			"analysis":    prop("string", "Your evaluation of the result."),
			"next_action": map[string]any{"type": "string", "enum": []string{"continue", "validate", "final_answer"}},
			"confidence":  prop("number", "Confidence in the analysis between 0 and 1."),
		}, "result", "analysis"),
	}, func(_ context.Context, args json.RawMessage) (string, error) {
		var in struct {
			Title      string  `json:"title"`
			Result     string  `json:"result"`
			Analysis   string  `json:"analysis"`
			NextAction string  `json:"next_action"`
			Confidence float64 `json:"confidence"`
		}
		if err := decode(args, &in); err != nil {
			return "", err
		}
		switch in.NextAction {
		case "", "continue", "validate", "final_answer":
		default:
			return "", fmt.Errorf("next_action must be continue, validate or final_answer")
		}
		if in.NextAction == "" {
			in.NextAction = "continue"
		}
		step := fmt.Sprintf("Analysis: %s | Result: %s | Next: %s", in.Analysis, in.Result, in.NextAction)
		if in.Title != "" {
			step = in.Title + " | " + step
		}
		if in.Confidence > 0 {
			step += fmt.Sprintf(" | Confidence: %.2f", in.Confidence)
		}
		return r.record(step), nil
	})

	return []Tool{think, analyze}
}
