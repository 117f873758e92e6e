package runtime

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/ashureev/datalab/internal/llm"
	"github.com/ashureev/datalab/internal/tools"
)

const (
	defaultMaxSteps = 24
	defaultBackoff  = time.Second
)

// stopToolsNotice is sent once a run has had too many failed tool calls.
const stopToolsNotice = "工具调用已失败 %d 次。请停止重试，不要再调用工具，直接根据已有信息回答，并说明遇到的问题。"

// Config configures an agent.
type Config struct {
	Name         string
	Model        string
	Client       llm.Client
	Instructions string
	Tools        *tools.Registry

	// Retries is how many times a failed model call is retried.
	Retries int
	// MaxSteps bounds the number of model calls in one run.
	MaxSteps int
	// MaxToolFailures is the number of failed tool calls after which the
	// model is asked to answer without tools. Zero disables the bound.
	MaxToolFailures int
	// Backoff is the delay before the first retry. It doubles on each retry.
	Backoff time.Duration

	Memory Memory
}

// Agent is a single tool-using model loop.
type Agent struct {
	cfg Config
}

var _ Runner = (*Agent)(nil)

// NewAgent returns an agent for cfg.
func NewAgent(cfg Config) *Agent {
	if cfg.MaxSteps <= 0 {
		cfg.MaxSteps = defaultMaxSteps
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = defaultBackoff
	}
	if cfg.Tools == nil {
		cfg.Tools = tools.NewRegistry()
	}
	return &Agent{cfg: cfg}
}

// Name returns the agent name.
func (a *Agent) Name() string { return a.cfg.Name }

// Instructions returns the system instructions.
func (a *Agent) Instructions() string { return a.cfg.Instructions }

// Tools returns the agent's tool registry.
func (a *Agent) Tools() *tools.Registry { return a.cfg.Tools }

// Run streams one run of the agent.
func (a *Agent) Run(ctx context.Context, prompt string) iter.Seq2[Event, error] {
	return func(yield func(Event, error) bool) {
		a.execute(ctx, prompt, agentTags, a.cfg.Tools, func(ev Event) bool { return yield(ev, nil) })
	}
}

// execute runs the loop and returns the final output, or nil when the run
// failed or the consumer stopped early.
func (a *Agent) execute(ctx context.Context, prompt string, tags tagSet, registry *tools.Registry, emit func(Event) bool) *RunOutput {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	runID := uuid.NewString()
	log := slog.With("agent", a.cfg.Name, "run_id", runID)
	if !emit(Event{Type: tags.started, RunID: runID, AgentName: a.cfg.Name}) {
		return nil
	}
	fail := func(err error) *RunOutput {
		log.Warn("Agent run failed", "error", err)
		emit(Event{Type: tags.failed, RunID: runID, AgentName: a.cfg.Name, Content: err.Error()})
		return nil
	}

	var history []llm.Message
	if a.cfg.Memory != nil {
		h, err := a.cfg.Memory.History(ctx, a.cfg.Name)
		if err != nil {
			log.Warn("Failed to load agent memory", "error", err)
		}
		history = h
	}

	msgs := []llm.Message{{Role: llm.RoleUser, Content: prompt}}
	failures := 0
	toolsEnabled := true
	var final llm.Message

	for step := 0; ; step++ {
		if step == a.cfg.MaxSteps-1 {
			toolsEnabled = false
		}
		req := llm.Request{
			Model:    a.cfg.Model,
			System:   a.cfg.Instructions,
			Messages: append(append([]llm.Message(nil), history...), msgs...),
		}
		if toolsEnabled {
			req.Tools = registry.Specs()
		}

		stopped := false
		msg, err := a.complete(ctx, req, func(delta string) {
			if stopped {
				return
			}
			if !emit(Event{Type: tags.content, RunID: runID, AgentName: a.cfg.Name, Content: delta}) {
				stopped = true
				cancel()
			}
		})
		if stopped {
			return nil
		}
		if err != nil {
			return fail(err)
		}
		if !toolsEnabled {
			// Calls that cannot be answered would leave the history unpaired.
			msg.ToolCalls = nil
		}
		msgs = append(msgs, msg)
		final = msg

		if len(msg.ToolCalls) == 0 || !toolsEnabled {
			break
		}

		for _, call := range msg.ToolCalls {
			args, _ := llm.ArgsMap(call.Arguments)
			exec := &ToolExecution{ToolCallID: call.ID, ToolName: call.Name, ToolArgs: args}
			if !emit(Event{Type: tags.toolStarted, RunID: runID, AgentName: a.cfg.Name, Tool: exec}) {
				return nil
			}

			res := registry.Call(ctx, call)
			if ctx.Err() != nil {
				return fail(fmt.Errorf("tool %s: %w", call.Name, ctx.Err()))
			}
			if res.IsError {
				failures++
			}
			done := *exec
			done.Result = res.Content
			done.IsError = res.IsError
			msgs = append(msgs, llm.Message{Role: llm.RoleTool, Name: call.Name, ToolCallID: call.ID, Content: res.Content})
			if !emit(Event{Type: tags.toolCompleted, RunID: runID, AgentName: a.cfg.Name, Tool: &done}) {
				return nil
			}
		}

		if a.cfg.MaxToolFailures > 0 && failures >= a.cfg.MaxToolFailures {
			log.Info("Tool failure bound reached, answering without tools", "failures", failures)
			msgs = append(msgs, llm.Message{Role: llm.RoleUser, Content: fmt.Sprintf(stopToolsNotice, failures)})
			toolsEnabled = false
		}
	}

	if a.cfg.Memory != nil {
		if err := a.cfg.Memory.Record(ctx, a.cfg.Name, msgs); err != nil {
			log.Warn("Failed to record agent memory", "error", err)
		}
	}

	out := &RunOutput{RunID: runID, AgentName: a.cfg.Name, Content: final.Content, Messages: msgs}
	emit(Event{Type: tags.completed, RunID: runID, AgentName: a.cfg.Name, Content: final.Content, Output: out})
	return out
}

// complete calls the model, retrying with exponential backoff. A call that
// already streamed text is not retried, since the text has been shown.
func (a *Agent) complete(ctx context.Context, req llm.Request, onText llm.TextFunc) (llm.Message, error) {
	delay := a.cfg.Backoff
	for attempt := 0; ; attempt++ {
		streamed := false
		msg, err := a.cfg.Client.Stream(ctx, req, func(d string) {
			streamed = true
			onText(d)
		})
		if err == nil {
			return msg, nil
		}
		if streamed || attempt >= a.cfg.Retries || errors.Is(err, context.Canceled) || ctx.Err() != nil {
			return llm.Message{}, fmt.Errorf("model call: %w", err)
		}
		slog.Debug("Model call failed, retrying", "agent", a.cfg.Name, "attempt", attempt+1, "delay", delay, "error", err)
		select {
		case <-ctx.Done():
			return llm.Message{}, fmt.Errorf("model call: %w", ctx.Err())
		case <-time.After(delay):
		}
		delay *= 2
	}
}
