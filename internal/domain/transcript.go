// Package domain contains core domain types shared across the datalab server.
package domain

import "time"

// Role identifies the author of a transcript entry.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// TranscriptEntry is one visible chat message.
type TranscriptEntry struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// ToolLogEntry records a single tool invocation of a turn.
// Result is stored truncated.
type ToolLogEntry struct {
	Tool   string `json:"tool"`
	Args   string `json:"args"`
	Result string `json:"result"`
	Agent  string `json:"agent,omitempty"`
}

// NewTranscriptEntry returns an entry stamped with the current time.
func NewTranscriptEntry(role Role, content string) TranscriptEntry {
	return TranscriptEntry{Role: role, Content: content, Timestamp: time.Now().UTC()}
}
