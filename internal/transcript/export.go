package transcript

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ashureev/datalab/internal/domain"
)

// Export formats.
const (
	FormatJSON     = "json"
	FormatMarkdown = "md"
)

// ErrUnknownFormat is returned for an unsupported export format.
var ErrUnknownFormat = errors.New("unknown transcript format")

// Document is an exported transcript.
type Document struct {
	ExportedAt time.Time                `json:"exported_at"`
	Messages   []domain.TranscriptEntry `json:"messages"`
	ToolLog    []domain.ToolLogEntry    `json:"tool_log"`
}

// Export renders messages and the tool log in format. It returns the body,
// its content type and a download file name.
func Export(format string, messages []domain.TranscriptEntry, tools []domain.ToolLogEntry) ([]byte, string, string, error) {
	doc := Document{ExportedAt: time.Now().UTC(), Messages: messages, ToolLog: tools}
	if doc.Messages == nil {
		doc.Messages = []domain.TranscriptEntry{}
	}
	if doc.ToolLog == nil {
		doc.ToolLog = []domain.ToolLogEntry{}
	}

	switch strings.ToLower(format) {
	case "", FormatJSON:
		body, err := json.MarshalIndent(doc, "", "  ")
		if err != nil {
			return nil, "", "", fmt.Errorf("marshal transcript: %w", err)
		}
		return body, "application/json", "对话记录.json", nil
	case FormatMarkdown, "markdown":
		return []byte(markdown(doc)), "text/markdown; charset=utf-8", "对话记录.md", nil
	default:
		return nil, "", "", fmt.Errorf("%w: %s", ErrUnknownFormat, format)
	}
}

func markdown(doc Document) string {
	var b strings.Builder
	b.WriteString("# 对话记录\n\n")
	fmt.Fprintf(&b, "导出时间: %s\n\n", doc.ExportedAt.Format(time.RFC3339))
	for _, m := range doc.Messages {
		who := "用户"
		if m.Role == domain.RoleAssistant {
			who = "助手"
		}
		fmt.Fprintf(&b, "## %s (%s)\n\n%s\n\n", who, m.Timestamp.Format("2006-01-02 15:04:05"), m.Content)
	}
	if len(doc.ToolLog) == 0 {
		return b.String()
	}
	b.WriteString("# 分析过程\n\n")
	for i, e := range doc.ToolLog {
		fmt.Fprintf(&b, "### %d. %s", i+1, e.Tool)
		if e.Agent != "" {
			fmt.Fprintf(&b, " (%s)", e.Agent)
		}
		b.WriteString("\n\n")
		if e.Args != "" {
			fmt.Fprintf(&b, "```\n%s\n```\n\n", e.Args)
		}
		if e.Result != "" {
			fmt.Fprintf(&b, "```text\n%s\n```\n\n", e.Result)
		}
	}
	return b.String()
}
