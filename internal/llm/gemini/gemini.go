// Package gemini implements llm.Client using the Google Gen AI SDK.
package gemini

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"google.golang.org/genai"

	"github.com/ashureev/datalab/internal/llm"
)

const (
	roleUser  = "user"
	roleModel = "model"
)

// Client streams completions from the Gemini API.
type Client struct {
	client *genai.Client
}

var _ llm.Client = (*Client)(nil)

// New creates a Gemini client authenticated with apiKey.
func New(ctx context.Context, apiKey string) (*Client, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}
	return &Client{client: client}, nil
}

// Stream sends req and assembles the streamed reply.
func (c *Client) Stream(ctx context.Context, req llm.Request, onText llm.TextFunc) (llm.Message, error) {
	slog.Debug("Gemini.Stream", "model", req.Model, "messages", len(req.Messages), "tools", len(req.Tools))

	config := &genai.GenerateContentConfig{Tools: toTools(req.Tools)}
	if req.System != "" {
		config.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: req.System}}}
	}

	var text strings.Builder
	var calls []llm.ToolCall
	for resp, err := range c.client.Models.GenerateContentStream(ctx, req.Model, toContents(req.Messages), config) {
		if err != nil {
			return llm.Message{}, fmt.Errorf("gemini stream: %w", err)
		}
		if resp == nil {
			continue
		}
		for _, cand := range resp.Candidates {
			if cand.Content == nil {
				continue
			}
			for _, part := range cand.Content.Parts {
				if part.Text != "" && !part.Thought {
					text.WriteString(part.Text)
					if onText != nil {
						onText(part.Text)
					}
				}
				if fc := part.FunctionCall; fc != nil {
					args, err := json.Marshal(fc.Args)
					if err != nil {
						return llm.Message{}, fmt.Errorf("encode function args: %w", err)
					}
					id := fc.ID
					if id == "" {
						id = "call-" + uuid.NewString()
					}
					calls = append(calls, llm.ToolCall{
						ID:        id,
						Name:      fc.Name,
						Arguments: args,
						Signature: part.ThoughtSignature,
					})
				}
			}
		}
	}
	return llm.Message{Role: llm.RoleAssistant, Content: text.String(), ToolCalls: calls}, nil
}

// toContents converts history into Gemini contents. Tool results are sent
// back as user-role function responses named after their call.
func toContents(messages []llm.Message) []*genai.Content {
	names := map[string]string{}
	var contents []*genai.Content
	for _, m := range messages {
		var parts []*genai.Part
		role := roleUser
		switch m.Role {
		case llm.RoleSystem:
			continue
		case llm.RoleAssistant:
			role = roleModel
			if m.Content != "" {
				parts = append(parts, &genai.Part{Text: m.Content})
			}
			for _, tc := range m.ToolCalls {
				names[tc.ID] = tc.Name
				args, _ := llm.ArgsMap(tc.Arguments)
				parts = append(parts, &genai.Part{
					FunctionCall:     &genai.FunctionCall{ID: tc.ID, Name: tc.Name, Args: args},
					ThoughtSignature: tc.Signature,
				})
			}
		case llm.RoleTool:
			name := m.Name
			if name == "" {
				name = names[m.ToolCallID]
			}
			parts = append(parts, &genai.Part{
				FunctionResponse: &genai.FunctionResponse{
					ID:       m.ToolCallID,
					Name:     name,
					Response: map[string]any{"result": m.Content},
				},
			})
		default:
			if m.Content != "" {
				parts = append(parts, &genai.Part{Text: m.Content})
			}
		}
		if len(parts) == 0 {
			continue
		}
		// Consecutive function responses belong in one user turn.
		if n := len(contents); n > 0 && m.Role == llm.RoleTool && contents[n-1].Role == roleUser && contents[n-1].Parts[0].FunctionResponse != nil {
			contents[n-1].Parts = append(contents[n-1].Parts, parts...)
			continue
		}
		contents = append(contents, &genai.Content{Role: role, Parts: parts})
	}
	return contents
}

func toTools(specs []llm.ToolSpec) []*genai.Tool {
	if len(specs) == 0 {
		return nil
	}
	decls := make([]*genai.FunctionDeclaration, 0, len(specs))
	for _, s := range specs {
		decls = append(decls, &genai.FunctionDeclaration{
			Name:        s.Name,
			Description: s.Description,
			Parameters:  toSchema(s.Parameters),
		})
	}
	return []*genai.Tool{{FunctionDeclarations: decls}}
}

// toSchema converts a JSON schema object into a genai.Schema.
func toSchema(js map[string]any) *genai.Schema {
	if js == nil {
		return nil
	}
	s := &genai.Schema{}
	if t, ok := js["type"].(string); ok {
		s.Type = schemaType(t)
	}
	if d, ok := js["description"].(string); ok {
		s.Description = d
	}
	if props, ok := js["properties"].(map[string]any); ok {
		s.Properties = make(map[string]*genai.Schema, len(props))
		for name, p := range props {
			if pm, ok := p.(map[string]any); ok {
				s.Properties[name] = toSchema(pm)
			}
		}
	}
	if items, ok := js["items"].(map[string]any); ok {
		s.Items = toSchema(items)
	}
	s.Required = stringList(js["required"])
	s.Enum = stringList(js["enum"])
	return s
}

func schemaType(t string) genai.Type {
	switch t {
	case "object":
		return genai.TypeObject
	case "array":
		return genai.TypeArray
	case "integer":
		return genai.TypeInteger
	case "number":
		return genai.TypeNumber
	case "boolean":
		return genai.TypeBoolean
	default:
		return genai.TypeString
	}
}

func stringList(v any) []string {
	switch vals := v.(type) {
	case []string:
		return vals
	case []any:
		out := make([]string, 0, len(vals))
		for _, x := range vals {
			if s, ok := x.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
