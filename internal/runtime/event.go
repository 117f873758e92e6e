// Package runtime runs tool-using agents and teams against an llm.Client and
// reports progress as a stream of tagged events.
package runtime

import (
	"context"
	"iter"

	"github.com/ashureev/datalab/internal/llm"
)

// Event tags emitted by agents.
const (
	RunStarted             = "RunStarted"
	RunContent             = "RunContent"
	RunIntermediateContent = "RunIntermediateContent"
	ToolCallStarted        = "ToolCallStarted"
	ToolCallCompleted      = "ToolCallCompleted"
	RunCompleted           = "RunCompleted"
	RunError               = "RunError"
)

// Event tags emitted by team leaders.
const (
	TeamRunStarted        = "TeamRunStarted"
	TeamRunContent        = "TeamRunContent"
	TeamToolCallStarted   = "TeamToolCallStarted"
	TeamToolCallCompleted = "TeamToolCallCompleted"
	TeamRunCompleted      = "TeamRunCompleted"
	TeamRunError          = "TeamRunError"
)

// ToolExecution describes one tool call.
type ToolExecution struct {
	ToolCallID string         `json:"tool_call_id"`
	ToolName   string         `json:"tool_name"`
	ToolArgs   map[string]any `json:"tool_args,omitempty"`
	Result     string         `json:"result,omitempty"`
	IsError    bool           `json:"is_error,omitempty"`
}

// RunOutput is the final output of a run.
type RunOutput struct {
	RunID     string        `json:"run_id"`
	AgentName string        `json:"agent_name"`
	Content   string        `json:"content"`
	Messages  []llm.Message `json:"messages"`
}

// Event is one item of a run stream. Type selects which fields are set:
// content events carry Content, tool events carry Tool, completion events
// carry Output and error events carry the message in Content.
type Event struct {
	Type      string         `json:"event"`
	RunID     string         `json:"run_id,omitempty"`
	AgentName string         `json:"agent_name,omitempty"`
	Content   string         `json:"content,omitempty"`
	Tool      *ToolExecution `json:"tool,omitempty"`
	Output    *RunOutput     `json:"output,omitempty"`
}

// Runner streams the events of one run for prompt.
type Runner interface {
	Run(ctx context.Context, prompt string) iter.Seq2[Event, error]
}

// tagSet names the events of one kind of runner.
type tagSet struct {
	started, content, toolStarted, toolCompleted, completed, failed string
}

var (
	agentTags = tagSet{RunStarted, RunContent, ToolCallStarted, ToolCallCompleted, RunCompleted, RunError}
	teamTags  = tagSet{TeamRunStarted, TeamRunContent, TeamToolCallStarted, TeamToolCallCompleted, TeamRunCompleted, TeamRunError}
)
