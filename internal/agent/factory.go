// Package agent builds the analysis agent for a session's configuration and
// tables.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/ashureev/datalab/internal/config"
	"github.com/ashureev/datalab/internal/llm"
	"github.com/ashureev/datalab/internal/llm/gemini"
	"github.com/ashureev/datalab/internal/llm/openai"
	"github.com/ashureev/datalab/internal/provider"
	"github.com/ashureev/datalab/internal/runtime"
	"github.com/ashureev/datalab/internal/sandbox"
	"github.com/ashureev/datalab/internal/store"
	"github.com/ashureev/datalab/internal/table"
	"github.com/ashureev/datalab/internal/tools"
)

// Variant is the shape of a built agent.
type Variant string

const (
	VariantSingle Variant = "single"
	VariantTeam   Variant = "team"
)

// ErrUnsupportedBackend is returned for a native provider with no client.
var ErrUnsupportedBackend = errors.New("unsupported provider backend")

// ClientFactory binds a model client for a provider. baseURL has already been
// resolved and is empty for native providers.
type ClientFactory func(ctx context.Context, p provider.Provider, credential, baseURL string) (llm.Client, error)

// DefaultClients binds DeepSeek and OpenAI-compatible providers to the
// chat-completions client and Gemini to the genai client.
func DefaultClients(ctx context.Context, p provider.Provider, credential, baseURL string) (llm.Client, error) {
	switch p.Kind {
	case provider.KindOpenAICompatible:
		return openai.New(credential, baseURL), nil
	case provider.KindNative:
		switch p.Backend {
		case provider.BackendDeepSeek:
			return openai.New(credential, openai.DeepSeekBaseURL), nil
		case provider.BackendGemini:
			return gemini.New(ctx, credential)
		}
	}
	return nil, fmt.Errorf("%w: %s/%s", ErrUnsupportedBackend, p.Kind, p.Backend)
}

// BuildConfig is one session's agent configuration.
type BuildConfig struct {
	Provider   provider.Provider
	Credential string
	Model      string
	BaseURL    string
	Tables     *table.Store
	// OutDir is CHART_DIR and the working directory of generated code.
	OutDir string
	// DataDir holds the uploaded source files.
	DataDir string
	// Scope keys the agent memory, normally the session identity.
	Scope string
}

// Handle is a built agent. It holds its own snapshot of the tables.
type Handle struct {
	ID           string
	Variant      Variant
	Runner       runtime.Runner
	Instructions string
	Tables       *table.Store
	Provider     string
	Model        string
	BaseURL      string
}

// Factory builds agents.
type Factory struct {
	Sandbox sandbox.Executor
	Repo    store.Repository
	Clients ClientFactory
	Agent   config.AgentConfig
}

// Build returns the agent for cfg, or nil when no credential is set. More
// than one table yields a Team, otherwise a single agent.
func (f *Factory) Build(ctx context.Context, cfg BuildConfig) (*Handle, error) {
	credential := strings.TrimSpace(cfg.Credential)
	if credential == "" {
		return nil, nil
	}
	model := cfg.Model
	if model == "" {
		model = cfg.Provider.DefaultModel
	}
	baseURL := cfg.Provider.ResolveBaseURL(cfg.BaseURL)

	clients := f.Clients
	if clients == nil {
		clients = DefaultClients
	}
	client, err := clients(ctx, cfg.Provider, credential, baseURL)
	if err != nil {
		return nil, fmt.Errorf("bind model %s/%s: %w", cfg.Provider.Name, model, err)
	}

	tables := cfg.Tables
	if tables == nil {
		tables = table.NewStore()
	}

	var memory runtime.Memory
	if f.Repo != nil {
		memory = runtime.NewStoreMemory(f.Repo, cfg.Scope, f.Agent.HistoryRuns)
	}
	base := runtime.Config{
		Model:           model,
		Client:          client,
		Retries:         f.Agent.Retries,
		MaxSteps:        f.Agent.MaxSteps,
		MaxToolFailures: f.Agent.MaxToolFailures,
		Memory:          memory,
	}

	tabular := tools.NewTabular(tables, cfg.OutDir).Tools()
	python := tools.NewPython(f.Sandbox, tables, cfg.OutDir, cfg.DataDir).Tool()
	reasoning := tools.NewReasoning().Tools()

	h := &Handle{
		ID:       uuid.NewString(),
		Tables:   tables,
		Provider: cfg.Provider.Name,
		Model:    model,
		BaseURL:  baseURL,
	}

	if tables.Len() > 1 {
		analysis := base
		analysis.Name = AnalysisAgentName
		analysis.Instructions = memberInstructions(analysisInstructions, tables)
		analysis.Tools = tools.NewRegistry(tabular...)

		visual := base
		visual.Name = VisualAgentName
		visual.Instructions = memberInstructions(visualInstructions+"\n"+rules, tables)
		visual.Tools = tools.NewRegistry(python)

		leader := base
		leader.Name = TeamName
		leader.Retries = teamRetries
		leader.Instructions = teamInstructions(tables)
		leader.Tools = tools.NewRegistry(reasoning...)

		h.Variant = VariantTeam
		h.Instructions = leader.Instructions
		h.Runner = runtime.NewTeam(leader, runtime.NewAgent(analysis), runtime.NewAgent(visual))
	} else {
		single := base
		single.Name = SingleAgentName
		single.Instructions = Instructions(tables)
		single.Tools = tools.NewRegistry(append(append(tabular, python), reasoning...)...)

		h.Variant = VariantSingle
		h.Instructions = single.Instructions
		h.Runner = runtime.NewAgent(single)
	}

	slog.Info("Agent built",
		"agent_id", h.ID,
		"variant", h.Variant,
		"provider", h.Provider,
		"model", h.Model,
		"tables", tables.Len(),
	)
	return h, nil
}

const teamRetries = 3
