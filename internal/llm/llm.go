// Package llm defines a provider-neutral streaming chat interface with tool calls.
package llm

import (
	"context"
	"encoding/json"
)

// Role identifies the sender of a message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ToolCall is a function call requested by the model.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`

	// Signature is opaque model state that must be sent back with the call.
	Signature []byte `json:"signature,omitempty"`
}

// Message is one entry of a conversation.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
	// Name is the tool name on tool-role messages.
	Name       string     `json:"name,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

// ToolSpec declares a tool to the model. Parameters is a JSON schema object.
type ToolSpec struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// Request is one model call.
type Request struct {
	Model    string
	System   string
	Messages []Message
	Tools    []ToolSpec
}

// TextFunc receives streamed text deltas in order.
type TextFunc func(delta string)

// Client streams a completion for req. Text deltas are passed to onText as
// they arrive and the assembled assistant message is returned at the end.
type Client interface {
	Stream(ctx context.Context, req Request, onText TextFunc) (Message, error)
}

// ClientFunc adapts a function to Client.
type ClientFunc func(ctx context.Context, req Request, onText TextFunc) (Message, error)

// Stream calls f.
func (f ClientFunc) Stream(ctx context.Context, req Request, onText TextFunc) (Message, error) {
	return f(ctx, req, onText)
}

// ArgsMap decodes tool call arguments into a map. Empty arguments decode to
// an empty map.
func ArgsMap(raw json.RawMessage) (map[string]any, error) {
	out := map[string]any{}
	if len(raw) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}
