package memory

import (
	"context"
	"errors"
	"time"

	"github.com/becomeliminal/tiermem/core"
)

// NoSummaryAvailable is the documented fallback text used wherever a summary
// must be produced but the summarizer is absent or failed.
const NoSummaryAvailable = "no summary available."

// Summarizer condenses text. Implementations may call an LLM; the engine
// wraps every call with a timeout and treats failure or empty output as
// "keep the original" rather than an error.
type Summarizer interface {
	Summarize(ctx context.Context, text string) (string, error)
}

// Embedder converts batches of text to embedding vectors.
// Implementations: mock (testing), onnx (local SDK), API-based (production).
type Embedder interface {
	// EmbedBatch converts texts to vectors, one per input, same order.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the embedding vector size.
	Dimensions() int
}

// Scorer rates how relevant an entry is to an instruction, in [0, 1].
// A score of 0 excludes the entry from projection. The default is the
// lexical scorer; semantic implementations can be swapped in as long as the
// stable-sort-then-greedy-budget semantics downstream are preserved.
type Scorer interface {
	Score(instruction string, entry *core.MemoryEntry) float64
}

// PersistRecord is the unit of durable L4 persistence exchanged with
// pluggable persistence handlers.
type PersistRecord struct {
	AgentID    string                 `json:"agent_id"`
	Content    string                 `json:"content"`
	Importance float64                `json:"importance"`
	Timestamp  time.Time              `json:"timestamp"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
}

// PersistFunc durably stores one record.
type PersistFunc func(ctx context.Context, rec PersistRecord) error

// LoadFunc retrieves all records previously persisted for an agent.
type LoadFunc func(ctx context.Context, agentID string) ([]PersistRecord, error)

// collaboratorTimeout bounds every summarizer/embedder call so a stuck
// collaborator degrades to the documented fallback instead of blocking the
// engine.
const collaboratorTimeout = 30 * time.Second

var errEmptySummary = errors.New("summarizer returned empty text")

// summarizeWithTimeout invokes the summarizer under the collaborator
// timeout. It returns an error for absent summarizers, failures, and empty
// results; callers decide the fallback.
func summarizeWithTimeout(ctx context.Context, s Summarizer, text string) (string, error) {
	if s == nil {
		return "", errors.New("no summarizer configured")
	}
	ctx, cancel := context.WithTimeout(ctx, collaboratorTimeout)
	defer cancel()

	summary, err := s.Summarize(ctx, text)
	if err != nil {
		return "", err
	}
	if summary == "" {
		return "", errEmptySummary
	}
	return summary, nil
}

// embedBatchWithTimeout invokes the embedder under the collaborator timeout.
// The deadline is enforced here, so even an embedder that ignores its
// context cannot block the caller past it.
func embedBatchWithTimeout(ctx context.Context, e Embedder, texts []string) ([][]float32, error) {
	if e == nil {
		return nil, errors.New("no embedder configured")
	}
	ctx, cancel := context.WithTimeout(ctx, collaboratorTimeout)
	defer cancel()

	type embedResult struct {
		vectors [][]float32
		err     error
	}
	out := make(chan embedResult, 1)
	go func() {
		vectors, err := e.EmbedBatch(ctx, texts)
		out <- embedResult{vectors: vectors, err: err}
	}()

	select {
	case r := <-out:
		return r.vectors, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
