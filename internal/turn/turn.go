// Package turn consumes the event stream of one agent run and turns it into
// the visible response and the tool-invocation log.
package turn

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/ashureev/datalab/internal/domain"
	"github.com/ashureev/datalab/internal/llm"
	"github.com/ashureev/datalab/internal/runtime"
)

const (
	// MaxResultRunes bounds a stored tool result.
	MaxResultRunes = 2000
	// EmptyOutput is shown when a run produced no text at all.
	EmptyOutput = "（无输出）"
	// ErrorPrefix starts the visible message of a failed turn.
	ErrorPrefix = "出错了: "
)

type eventKind int

const (
	kindIgnored eventKind = iota
	kindContent
	kindToolCompleted
	kindCompleted
	kindFailed
)

// eventKinds maps event tags onto what the consumer does with them. Tags not
// listed are ignored.
var eventKinds = map[string]eventKind{
	runtime.RunContent:             kindContent,
	runtime.RunIntermediateContent: kindContent,
	runtime.TeamRunContent:         kindContent,
	runtime.ToolCallCompleted:      kindToolCompleted,
	runtime.TeamToolCallCompleted:  kindToolCompleted,
	runtime.RunCompleted:           kindCompleted,
	runtime.TeamRunCompleted:       kindCompleted,
	runtime.RunError:               kindFailed,
	runtime.TeamRunError:           kindFailed,
}

// Hooks observe a turn while it runs. Nil hooks are skipped.
type Hooks struct {
	OnContent func(agent, delta string)
	OnTool    func(entry domain.ToolLogEntry)
}

// Result is the outcome of a turn. Err is set when the turn failed; Text then
// already carries the visible error message.
type Result struct {
	Text    string
	Entries []domain.ToolLogEntry
	Err     error
}

// Run drives runner with prompt until the stream ends. It never panics and
// never returns a Go error: failures become part of Text.
func Run(ctx context.Context, runner runtime.Runner, prompt string, hooks Hooks) (res Result) {
	var fragments strings.Builder
	var final *runtime.RunOutput

	fail := func(err error) {
		res.Err = err
		partial := fragments.String()
		if partial != "" {
			partial += "\n\n"
		}
		res.Text = partial + ErrorPrefix + err.Error()
	}

	defer func() {
		if p := recover(); p != nil {
			slog.Error("Turn panicked", "panic", p)
			fail(fmt.Errorf("%v", p))
		}
	}()

	if runner == nil {
		fail(errors.New("agent is not configured"))
		return res
	}

	for ev, err := range runner.Run(ctx, prompt) {
		if err != nil {
			fail(err)
			return res
		}
		switch eventKinds[ev.Type] {
		case kindContent:
			if ev.Content == "" {
				continue
			}
			fragments.WriteString(ev.Content)
			if hooks.OnContent != nil {
				hooks.OnContent(ev.AgentName, ev.Content)
			}
		case kindToolCompleted:
			if ev.Tool == nil {
				continue
			}
			entry := domain.ToolLogEntry{
				Tool:   ev.Tool.ToolName,
				Args:   formatArgs(ev.Tool.ToolArgs),
				Result: Truncate(ev.Tool.Result),
				Agent:  ev.AgentName,
			}
			res.Entries = append(res.Entries, entry)
			if hooks.OnTool != nil {
				hooks.OnTool(entry)
			}
		case kindCompleted:
			if ev.Output != nil {
				final = ev.Output
			}
		case kindFailed:
			msg := ev.Content
			if msg == "" {
				msg = "run failed"
			}
			fail(errors.New(msg))
			return res
		}
	}

	if err := ctx.Err(); err != nil {
		fail(err)
		return res
	}

	res.Text = fragments.String()
	if res.Text == "" && final != nil {
		res.Text = final.Content
	}
	if res.Text == "" {
		res.Text = EmptyOutput
	}
	if len(res.Entries) == 0 && final != nil {
		res.Entries = entriesFromMessages(final.Messages, final.AgentName)
	}
	return res
}

// Truncate keeps s when it is shorter than MaxResultRunes runes and
// otherwise cuts it to MaxResultRunes runes followed by "...".
func Truncate(s string) string {
	if utf8.RuneCountInString(s) < MaxResultRunes {
		return s
	}
	runes := []rune(s)
	return string(runes[:MaxResultRunes]) + "..."
}

// entriesFromMessages rebuilds the tool log from a run transcript. Each tool
// result pairs to its call by id, otherwise to the earliest call still
// waiting for a result.
func entriesFromMessages(messages []llm.Message, agent string) []domain.ToolLogEntry {
	var entries []domain.ToolLogEntry
	var ids []string
	var pending []int

	for _, m := range messages {
		for _, call := range m.ToolCalls {
			entries = append(entries, domain.ToolLogEntry{Tool: call.Name, Args: string(call.Arguments), Agent: agent})
			ids = append(ids, call.ID)
			pending = append(pending, len(entries)-1)
		}
		if m.Role != llm.RoleTool || len(pending) == 0 {
			continue
		}
		at := 0
		if m.ToolCallID != "" {
			for i, idx := range pending {
				if ids[idx] == m.ToolCallID {
					at = i
					break
				}
			}
		}
		entries[pending[at]].Result = Truncate(m.Content)
		pending = append(pending[:at], pending[at+1:]...)
	}
	return entries
}

func formatArgs(args map[string]any) string {
	if len(args) == 0 {
		return ""
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(args); err != nil {
		return fmt.Sprint(args)
	}
	return strings.TrimSuffix(buf.String(), "\n")
}
