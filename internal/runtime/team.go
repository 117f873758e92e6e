package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"strings"

	"github.com/ashureev/datalab/internal/llm"
	"github.com/ashureev/datalab/internal/tools"
)

// DelegateToolName is the leader tool that hands a task to a member.
const DelegateToolName = "delegate_task_to_member"

// Team is a leader agent that delegates tasks to member agents. Member
// content is forwarded as RunIntermediateContent and member tool events are
// forwarded unchanged.
type Team struct {
	leader  *Agent
	members []*Agent
}

var _ Runner = (*Team)(nil)

// NewTeam returns a team led by an agent built from cfg.
func NewTeam(cfg Config, members ...*Agent) *Team {
	return &Team{leader: NewAgent(cfg), members: members}
}

// Name returns the team name.
func (t *Team) Name() string { return t.leader.Name() }

// Leader returns the leader agent.
func (t *Team) Leader() *Agent { return t.leader }

// Members returns the member agents.
func (t *Team) Members() []*Agent { return t.members }

// Run streams one team run.
func (t *Team) Run(ctx context.Context, prompt string) iter.Seq2[Event, error] {
	return func(yield func(Event, error) bool) {
		stopped := false
		emit := func(ev Event) bool {
			if stopped {
				return false
			}
			if !yield(ev, nil) {
				stopped = true
			}
			return !stopped
		}
		registry := t.leader.Tools().With(t.delegateTool(emit))
		t.leader.execute(ctx, prompt, teamTags, registry, emit)
	}
}

func (t *Team) member(name string) *Agent {
	for _, m := range t.members {
		if m.Name() == name {
			return m
		}
	}
	return nil
}

func (t *Team) delegateTool(emit func(Event) bool) tools.Tool {
	names := make([]string, 0, len(t.members))
	for _, m := range t.members {
		names = append(names, m.Name())
	}
	return tools.New(llm.ToolSpec{
		Name:        DelegateToolName,
		Description: "Delegate a task to a team member and return the member's response.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"member_id":       map[string]any{"type": "string", "enum": names, "description": "Name of the member to delegate to."},
				"task":            map[string]any{"type": "string", "description": "A clear description of the task."},
				"expected_output": map[string]any{"type": "string", "description": "The expected output."},
			},
			"required": []string{"member_id", "task"},
		},
	}, func(ctx context.Context, raw json.RawMessage) (string, error) {
		var in struct {
			MemberID       string `json:"member_id"`
			Task           string `json:"task"`
			ExpectedOutput string `json:"expected_output"`
		}
		if err := json.Unmarshal(raw, &in); err != nil {
			return "", fmt.Errorf("invalid arguments: %w", err)
		}
		m := t.member(in.MemberID)
		if m == nil {
			return "", fmt.Errorf("unknown member %q; members: %s", in.MemberID, strings.Join(names, ", "))
		}
		task := in.Task
		if in.ExpectedOutput != "" {
			task += "\n\n期望输出：" + in.ExpectedOutput
		}

		var failure string
		out := m.execute(ctx, task, agentTags, m.Tools(), func(ev Event) bool {
			switch ev.Type {
			case RunContent:
				ev.Type = RunIntermediateContent
				return emit(ev)
			case ToolCallStarted, ToolCallCompleted:
				return emit(ev)
			case RunError:
				failure = ev.Content
			}
			return true
		})
		if out == nil {
			if failure == "" {
				failure = "member run stopped"
			}
			return "", errors.New(failure)
		}
		return out.Content, nil
	})
}
