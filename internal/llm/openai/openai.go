// Package openai implements llm.Client for OpenAI-compatible chat endpoints,
// including DeepSeek's native API.
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"

	"github.com/google/uuid"
	goopenai "github.com/sashabaranov/go-openai"

	"github.com/ashureev/datalab/internal/llm"
)

// DeepSeekBaseURL is the endpoint of DeepSeek's own chat API.
const DeepSeekBaseURL = "https://api.deepseek.com"

// Client streams chat completions from an OpenAI-compatible endpoint.
type Client struct {
	api     *goopenai.Client
	baseURL string
}

var _ llm.Client = (*Client)(nil)

// New creates a client for baseURL. An empty baseURL targets OpenAI itself.
func New(apiKey, baseURL string) *Client {
	cfg := goopenai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = strings.TrimRight(baseURL, "/")
	}
	return &Client{api: goopenai.NewClientWithConfig(cfg), baseURL: cfg.BaseURL}
}

// Stream sends req and assembles the streamed reply.
func (c *Client) Stream(ctx context.Context, req llm.Request, onText llm.TextFunc) (llm.Message, error) {
	slog.Debug("OpenAI.Stream", "base_url", c.baseURL, "model", req.Model, "messages", len(req.Messages), "tools", len(req.Tools))

	stream, err := c.api.CreateChatCompletionStream(ctx, goopenai.ChatCompletionRequest{
		Model:    req.Model,
		Messages: toMessages(req),
		Tools:    toTools(req.Tools),
		Stream:   true,
	})
	if err != nil {
		return llm.Message{}, fmt.Errorf("create chat stream: %w", err)
	}
	defer stream.Close()

	var text strings.Builder
	calls := map[int]*llm.ToolCall{}
	args := map[int]*strings.Builder{}

	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return llm.Message{}, fmt.Errorf("receive chat stream: %w", err)
		}
		for _, choice := range resp.Choices {
			if d := choice.Delta.Content; d != "" {
				text.WriteString(d)
				if onText != nil {
					onText(d)
				}
			}
			for i, tc := range choice.Delta.ToolCalls {
				idx := i
				if tc.Index != nil {
					idx = *tc.Index
				}
				call, ok := calls[idx]
				if !ok {
					call = &llm.ToolCall{}
					calls[idx] = call
					args[idx] = &strings.Builder{}
				}
				if tc.ID != "" {
					call.ID = tc.ID
				}
				if tc.Function.Name != "" {
					call.Name = tc.Function.Name
				}
				args[idx].WriteString(tc.Function.Arguments)
			}
		}
	}

	msg := llm.Message{Role: llm.RoleAssistant, Content: text.String()}
	indexes := make([]int, 0, len(calls))
	for idx := range calls {
		indexes = append(indexes, idx)
	}
	sort.Ints(indexes)
	for _, idx := range indexes {
		call := calls[idx]
		if call.ID == "" {
			call.ID = "call-" + uuid.NewString()
		}
		raw := strings.TrimSpace(args[idx].String())
		if raw == "" {
			raw = "{}"
		}
		call.Arguments = json.RawMessage(raw)
		msg.ToolCalls = append(msg.ToolCalls, *call)
	}
	return msg, nil
}

func toMessages(req llm.Request) []goopenai.ChatCompletionMessage {
	out := make([]goopenai.ChatCompletionMessage, 0, len(req.Messages)+1)
	if req.System != "" {
		out = append(out, goopenai.ChatCompletionMessage{Role: goopenai.ChatMessageRoleSystem, Content: req.System})
	}
	for _, m := range req.Messages {
		msg := goopenai.ChatCompletionMessage{Content: m.Content}
		switch m.Role {
		case llm.RoleSystem:
			msg.Role = goopenai.ChatMessageRoleSystem
		case llm.RoleAssistant:
			msg.Role = goopenai.ChatMessageRoleAssistant
			for _, tc := range m.ToolCalls {
				msg.ToolCalls = append(msg.ToolCalls, goopenai.ToolCall{
					ID:   tc.ID,
					Type: goopenai.ToolTypeFunction,
					Function: goopenai.FunctionCall{
						Name:      tc.Name,
						Arguments: string(tc.Arguments),
					},
				})
			}
		case llm.RoleTool:
			msg.Role = goopenai.ChatMessageRoleTool
			msg.ToolCallID = m.ToolCallID
			msg.Name = m.Name
		default:
			msg.Role = goopenai.ChatMessageRoleUser
		}
		out = append(out, msg)
	}
	return out
}

func toTools(specs []llm.ToolSpec) []goopenai.Tool {
	if len(specs) == 0 {
		return nil
	}
	tools := make([]goopenai.Tool, 0, len(specs))
	for _, s := range specs {
		tools = append(tools, goopenai.Tool{
			Type: goopenai.ToolTypeFunction,
			Function: &goopenai.FunctionDefinition{
				Name:        s.Name,
				Description: s.Description,
				Parameters:  s.Parameters,
			},
		})
	}
	return tools
}
