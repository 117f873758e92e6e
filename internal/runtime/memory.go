package runtime

import (
	"context"

	"github.com/ashureev/datalab/internal/domain"
	"github.com/ashureev/datalab/internal/llm"
	"github.com/ashureev/datalab/internal/store"
)

// Memory supplies prior conversation to an agent and records new runs.
type Memory interface {
	History(ctx context.Context, agent string) ([]llm.Message, error)
	Record(ctx context.Context, agent string, messages []llm.Message) error
}

// StoreMemory keeps the last runs of each agent of one browser session in a
// store.Repository under the fixed memory session id.
type StoreMemory struct {
	repo  store.Repository
	scope string
	runs  int
}

var _ Memory = (*StoreMemory)(nil)

// NewStoreMemory returns memory for scope replaying the last runs runs.
func NewStoreMemory(repo store.Repository, scope string, runs int) *StoreMemory {
	return &StoreMemory{repo: repo, scope: scope, runs: runs}
}

// History returns the messages of the latest runs, oldest first.
func (m *StoreMemory) History(ctx context.Context, agent string) ([]llm.Message, error) {
	runs, err := m.repo.ListRuns(ctx, m.scope, agent, domain.MemorySessionID, m.runs)
	if err != nil {
		return nil, err
	}
	var msgs []llm.Message
	for _, r := range runs {
		msgs = append(msgs, r.Messages...)
	}
	return msgs, nil
}

// Record stores a completed run.
func (m *StoreMemory) Record(ctx context.Context, agent string, messages []llm.Message) error {
	return m.repo.SaveRun(ctx, &domain.Run{
		Scope:     m.scope,
		Agent:     agent,
		SessionID: domain.MemorySessionID,
		Messages:  messages,
	})
}
