package memory

import (
	"sync"

	"go.uber.org/zap"

	"github.com/becomeliminal/tiermem/core"
)

// Store is the tiered arena holding all memory entries. Each tier keeps its
// entries in insertion order; an id index gives O(1) lookup for point
// mutation (embedding write-back). No entry is ever deleted except by
// explicit replacement during compaction.
//
// Concurrency: the store's RWMutex guards the tier slices and index. The
// separate l4PassMu is the coarse pass lock over the global tier: a
// compaction or persistence pass holds it for the whole pass so it observes
// a stable snapshot, and L4 additions arriving mid-pass queue on the lock
// until the pass completes.
type Store struct {
	mu    sync.RWMutex
	tiers map[core.Tier][]*core.MemoryEntry
	index map[string]*core.MemoryEntry

	l4PassMu sync.Mutex

	logger *zap.Logger
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithStoreLogger sets the store's logger. Default is a no-op logger.
func WithStoreLogger(l *zap.Logger) StoreOption {
	return func(s *Store) {
		s.logger = l
	}
}

// NewStore creates an empty tiered store.
func NewStore(opts ...StoreOption) *Store {
	s := &Store{
		tiers: map[core.Tier][]*core.MemoryEntry{
			core.TierL1Ephemeral:      nil,
			core.TierL2Working:        nil,
			core.TierL3SessionSummary: nil,
			core.TierL4Global:         nil,
		},
		index:  make(map[string]*core.MemoryEntry),
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Add appends an entry to its tier. Entries without a valid tier default to
// L2 working memory. Duplicate ids are rejected so the id index stays
// coherent.
func (s *Store) Add(entry *core.MemoryEntry) error {
	if entry == nil {
		return core.NewOperationError("invalid_entry", "nil entry")
	}
	if !entry.Tier.Valid() {
		entry.Tier = core.TierL2Working
	}
	entry.Importance = core.ClampImportance(entry.Importance)

	// L4 additions respect the pass lock so a compaction pass in flight
	// sees a stable snapshot.
	if entry.Tier == core.TierL4Global {
		s.l4PassMu.Lock()
		defer s.l4PassMu.Unlock()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.index[entry.ID]; exists {
		return core.NewOperationError("duplicate_id", "entry id already stored: "+entry.ID)
	}

	s.tiers[entry.Tier] = append(s.tiers[entry.Tier], entry)
	s.index[entry.ID] = entry

	s.logger.Debug("entry added",
		zap.String("id", entry.ID),
		zap.Stringer("tier", entry.Tier),
		zap.String("type", string(entry.Type)))
	return nil
}

// AddAll appends entries in order, stopping at the first failure.
func (s *Store) AddAll(entries []*core.MemoryEntry) error {
	for _, e := range entries {
		if err := s.Add(e); err != nil {
			return err
		}
	}
	return nil
}

// Get returns the entry with the given id.
func (s *Store) Get(id string) (*core.MemoryEntry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.index[id]
	return e, ok
}

// GetTier returns the entries of a tier in insertion order. The returned
// slice is a copy; the entries themselves are shared.
func (s *Store) GetTier(tier core.Tier) []*core.MemoryEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entries := s.tiers[tier]
	out := make([]*core.MemoryEntry, len(entries))
	copy(out, entries)
	return out
}

// TierLen returns the number of entries in a tier.
func (s *Store) TierLen(tier core.Tier) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.tiers[tier])
}

// Len returns the total number of entries across all tiers.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.index)
}

// SetEmbedding writes an embedding back onto a stored entry. This is the
// single point mutation the vectorization consumer performs; with exactly
// one consumer it never races with itself.
func (s *Store) SetEmbedding(id string, embedding []float32) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.index[id]
	if !ok {
		return false
	}
	e.Embedding = embedding
	return true
}

// LockL4Pass acquires the coarse pass lock over the global tier. Callers
// must pair it with UnlockL4Pass.
func (s *Store) LockL4Pass() {
	s.l4PassMu.Lock()
}

// UnlockL4Pass releases the pass lock.
func (s *Store) UnlockL4Pass() {
	s.l4PassMu.Unlock()
}

// ReplaceL4 atomically removes the identified L4 entries and appends their
// replacement, preserving the insertion order of untouched entries. The
// replacement inherits the position of the first removed entry so repeated
// compaction stays stable. Callers must hold the L4 pass lock.
func (s *Store) ReplaceL4(removeIDs []string, replacement *core.MemoryEntry) error {
	if replacement == nil {
		return core.NewOperationError("invalid_entry", "nil replacement")
	}
	replacement.Tier = core.TierL4Global

	remove := make(map[string]bool, len(removeIDs))
	for _, id := range removeIDs {
		remove[id] = true
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	old := s.tiers[core.TierL4Global]
	next := make([]*core.MemoryEntry, 0, len(old)-len(remove)+1)
	inserted := false
	removed := 0
	for _, e := range old {
		if remove[e.ID] {
			delete(s.index, e.ID)
			removed++
			if !inserted {
				next = append(next, replacement)
				inserted = true
			}
			continue
		}
		next = append(next, e)
	}
	if !inserted {
		next = append(next, replacement)
	}

	s.tiers[core.TierL4Global] = next
	s.index[replacement.ID] = replacement

	s.logger.Debug("l4 entries replaced",
		zap.Int("removed", removed),
		zap.String("replacement", replacement.ID))
	return nil
}
