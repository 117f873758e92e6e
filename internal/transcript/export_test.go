package transcript

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/ashureev/datalab/internal/domain"
)

func sample() ([]domain.TranscriptEntry, []domain.ToolLogEntry) {
	msgs := []domain.TranscriptEntry{
		domain.NewTranscriptEntry(domain.RoleUser, "多少行？"),
		domain.NewTranscriptEntry(domain.RoleAssistant, "共 3 行"),
	}
	tools := []domain.ToolLogEntry{
		{Tool: "run_python_code", Args: `{"code":"len(df)"}`, Result: "3", Agent: "数据分析助手"},
	}
	return msgs, tools
}

func TestExportJSON(t *testing.T) {
	t.Parallel()

	msgs, tools := sample()
	body, ctype, name, err := Export("json", msgs, tools)
	if err != nil {
		t.Fatal(err)
	}
	if ctype != "application/json" || !strings.HasSuffix(name, ".json") {
		t.Fatalf("content type %q, name %q", ctype, name)
	}
	var doc Document
	if err := json.Unmarshal(body, &doc); err != nil {
		t.Fatal(err)
	}
	if len(doc.Messages) != 2 || doc.Messages[1].Content != "共 3 行" || len(doc.ToolLog) != 1 {
		t.Fatalf("doc = %+v", doc)
	}
}

func TestExportMarkdown(t *testing.T) {
	t.Parallel()

	msgs, tools := sample()
	body, ctype, _, err := Export("md", msgs, tools)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(ctype, "text/markdown") {
		t.Fatalf("content type = %q", ctype)
	}
	md := string(body)
	for _, want := range []string{"## 用户", "多少行？", "## 助手", "共 3 行", "### 1. run_python_code (数据分析助手)", "len(df)"} {
		if !strings.Contains(md, want) {
			t.Errorf("markdown missing %q:\n%s", want, md)
		}
	}
}

func TestExportUnknownFormat(t *testing.T) {
	t.Parallel()

	if _, _, _, err := Export("pdf", nil, nil); !errors.Is(err, ErrUnknownFormat) {
		t.Fatalf("err = %v", err)
	}
	body, _, _, err := Export("", nil, nil)
	if err != nil || !strings.Contains(string(body), `"messages": []`) {
		t.Fatalf("empty export = %s, %v", body, err)
	}
}
