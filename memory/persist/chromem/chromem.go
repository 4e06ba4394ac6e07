// Package chromem backs L4 persistence with chromem-go, a pure Go embedded
// vector database. Each agent gets its own collection, and records carry
// their embeddings so the store can also answer similarity queries.
package chromem

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	chromem "github.com/philippgille/chromem-go"
	"go.uber.org/zap"

	"github.com/becomeliminal/tiermem/memory"
)

// Store is a chromem-backed persistence layer for global facts. Its Persist
// and Load methods satisfy memory.PersistFunc and memory.LoadFunc.
type Store struct {
	db          *chromem.DB
	embedder    memory.Embedder
	logger      *zap.Logger
	mu          sync.RWMutex
	collections map[string]*chromem.Collection

	// chromem has no way to enumerate a collection, so Load is served from
	// this shadow list kept alongside the vector index.
	records map[string][]memory.PersistRecord
}

// Option configures the store.
type Option func(*Store)

// WithLogger sets the store logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// New creates a chromem-backed store. The embedder is used to vectorize
// record content at persist time and queries at search time.
func New(embedder memory.Embedder, opts ...Option) (*Store, error) {
	if embedder == nil {
		return nil, fmt.Errorf("embedder is required")
	}
	s := &Store{
		db:          chromem.NewDB(),
		embedder:    embedder,
		logger:      zap.NewNop(),
		collections: make(map[string]*chromem.Collection),
		records:     make(map[string][]memory.PersistRecord),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// getOrCreateCollection returns the collection for an agent. Each agent gets
// its own collection for namespace isolation.
func (s *Store) getOrCreateCollection(agentID string) (*chromem.Collection, error) {
	s.mu.RLock()
	col, exists := s.collections[agentID]
	s.mu.RUnlock()

	if exists {
		return col, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Double-check after acquiring write lock
	if col, exists := s.collections[agentID]; exists {
		return col, nil
	}

	collectionName := fmt.Sprintf("agent_%s", agentID)
	if agentID == "" {
		collectionName = "global"
	}

	col, err := s.db.CreateCollection(
		collectionName,
		nil, // No custom embedding func (we provide embeddings)
		nil, // No custom distance func (use default cosine)
	)
	if err != nil {
		return nil, fmt.Errorf("create collection: %w", err)
	}

	s.collections[agentID] = col
	return col, nil
}

// Persist durably stores one record, embedding its content for later
// similarity search.
func (s *Store) Persist(ctx context.Context, rec memory.PersistRecord) error {
	col, err := s.getOrCreateCollection(rec.AgentID)
	if err != nil {
		return err
	}

	vectors, err := s.embedder.EmbedBatch(ctx, []string{rec.Content})
	if err != nil {
		return fmt.Errorf("embed record: %w", err)
	}
	if len(vectors) != 1 {
		return fmt.Errorf("embedder returned %d vectors for 1 input", len(vectors))
	}

	doc := chromem.Document{
		ID:        fmt.Sprintf("%s-%d", rec.AgentID, rec.Timestamp.UnixNano()),
		Content:   rec.Content,
		Embedding: vectors[0],
		Metadata:  recordMetadata(rec),
	}
	if err := col.AddDocument(ctx, doc); err != nil {
		return fmt.Errorf("add document: %w", err)
	}

	s.mu.Lock()
	s.records[rec.AgentID] = append(s.records[rec.AgentID], rec)
	s.mu.Unlock()

	s.logger.Debug("persisted record",
		zap.String("agent_id", rec.AgentID),
		zap.Int("content_len", len(rec.Content)))
	return nil
}

// Load retrieves every record previously persisted for an agent, in persist
// order.
func (s *Store) Load(ctx context.Context, agentID string) ([]memory.PersistRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	recs := s.records[agentID]
	out := make([]memory.PersistRecord, len(recs))
	copy(out, recs)
	return out, nil
}

// Search retrieves an agent's records by vector similarity to the query
// text, most similar first. An empty collection returns nil.
func (s *Store) Search(ctx context.Context, agentID, query string, limit int) ([]memory.PersistRecord, error) {
	col, err := s.getOrCreateCollection(agentID)
	if err != nil {
		return nil, err
	}

	vectors, err := s.embedder.EmbedBatch(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	// chromem requires nResults <= collection size. Retry with smaller
	// limits until the query fits.
	var results []chromem.Result
	for currentLimit := limit; currentLimit >= 1; currentLimit-- {
		results, err = col.QueryEmbedding(ctx, vectors[0], currentLimit, nil, nil)
		if err == nil {
			break
		}
		if isInsufficientDocsError(err) {
			if currentLimit == 1 {
				return nil, nil
			}
			continue
		}
		return nil, fmt.Errorf("chromem query: %w", err)
	}

	recs := make([]memory.PersistRecord, 0, len(results))
	for i, result := range results {
		rec, err := recordFromResult(agentID, result)
		if err != nil {
			s.logger.Warn("skipping result",
				zap.Int("index", i),
				zap.Error(err))
			continue
		}
		recs = append(recs, rec)
	}
	return recs, nil
}

// recordMetadata flattens a record's fields into chromem's string metadata.
func recordMetadata(rec memory.PersistRecord) map[string]string {
	metadata := map[string]string{
		"agent_id":   rec.AgentID,
		"importance": fmt.Sprintf("%g", rec.Importance),
		"timestamp":  rec.Timestamp.Format(time.RFC3339Nano),
	}
	for k, v := range rec.Metadata {
		if str, ok := v.(string); ok {
			metadata[k] = str
			continue
		}
		if bytes, err := json.Marshal(v); err == nil {
			metadata[k] = string(bytes)
		}
	}
	return metadata
}

// recordFromResult converts a chromem result back into a record.
func recordFromResult(agentID string, result chromem.Result) (memory.PersistRecord, error) {
	rec := memory.PersistRecord{
		AgentID: agentID,
		Content: result.Content,
	}

	ts, err := time.Parse(time.RFC3339Nano, result.Metadata["timestamp"])
	if err != nil {
		return rec, fmt.Errorf("parse timestamp: %w", err)
	}
	rec.Timestamp = ts

	if _, err := fmt.Sscanf(result.Metadata["importance"], "%g", &rec.Importance); err != nil {
		return rec, fmt.Errorf("parse importance: %w", err)
	}

	metadata := make(map[string]interface{})
	for k, v := range result.Metadata {
		if k == "agent_id" || k == "importance" || k == "timestamp" {
			continue
		}
		metadata[k] = v
	}
	if len(metadata) > 0 {
		rec.Metadata = metadata
	}
	return rec, nil
}

// isInsufficientDocsError checks if error is due to insufficient documents.
func isInsufficientDocsError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "nResults must be") || strings.Contains(msg, "number of documents")
}
