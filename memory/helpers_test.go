package memory_test

import (
	"context"
	"errors"
	"sync"

	"github.com/becomeliminal/tiermem/core"
)

// stubSummarizer returns a fixed summary, or a fixed error.
type stubSummarizer struct {
	mu      sync.Mutex
	summary string
	err     error
	calls   int
}

func (s *stubSummarizer) Summarize(ctx context.Context, text string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return "", s.err
	}
	return s.summary, nil
}

func (s *stubSummarizer) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

var errSummarizerDown = errors.New("summarizer down")

// stubEmbedder returns a fixed vector for every text.
type stubEmbedder struct {
	mu     sync.Mutex
	vector []float32
	err    error
}

func (e *stubEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.err != nil {
		return nil, e.err
	}
	out := make([][]float32, len(texts))
	for i := range texts {
		v := make([]float32, len(e.vector))
		copy(v, e.vector)
		out[i] = v
	}
	return out, nil
}

func (e *stubEmbedder) Dimensions() int { return len(e.vector) }

// fact stores an L4 fact with the given content and tags.
func addFact(s interface {
	Add(*core.MemoryEntry) error
}, content string, importance float64, tags ...string) *core.MemoryEntry {
	e := core.NewEntry(content, core.TierL4Global, core.TypeFact, importance)
	if len(tags) > 0 {
		e.Metadata[core.MetaTags] = tags
	}
	if err := s.Add(e); err != nil {
		panic(err)
	}
	return e
}
