package domain

import (
	"time"

	"github.com/ashureev/datalab/internal/llm"
)

// MemorySessionID is the memory session every agent run is recorded under.
const MemorySessionID = "app_session"

// Run is one completed agent run kept as conversation memory.
type Run struct {
	ID        string
	Scope     string // browser session the run belongs to
	Agent     string
	SessionID string
	Messages  []llm.Message
	CreatedAt time.Time
}
