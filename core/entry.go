package core

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Tier identifies one of the four nested memory levels.
// Content only ever moves upward: an entry promoted out of a tier is
// re-materialized at the higher tier, never demoted back.
type Tier int

const (
	// TierL1Ephemeral holds the raw per-session task/message log.
	TierL1Ephemeral Tier = iota + 1

	// TierL2Working holds working memory for active sessions.
	TierL2Working

	// TierL3SessionSummary holds per-session digests shared across steps.
	TierL3SessionSummary

	// TierL4Global holds long-lived global facts. Only L4 entries are
	// eligible for compaction.
	TierL4Global
)

// String returns the canonical tier name.
func (t Tier) String() string {
	switch t {
	case TierL1Ephemeral:
		return "l1_ephemeral"
	case TierL2Working:
		return "l2_working"
	case TierL3SessionSummary:
		return "l3_session_summary"
	case TierL4Global:
		return "l4_global"
	default:
		return "unknown"
	}
}

// Valid reports whether t is one of the four defined tiers.
func (t Tier) Valid() bool {
	return t >= TierL1Ephemeral && t <= TierL4Global
}

// ParseTier resolves a tier name to its Tier value. Unknown names return
// an OperationError so a tool-calling LLM can react in-band rather than
// crashing the caller.
func ParseTier(name string) (Tier, error) {
	switch name {
	case "l1", "l1_ephemeral":
		return TierL1Ephemeral, nil
	case "l2", "l2_working":
		return TierL2Working, nil
	case "l3", "l3_session_summary":
		return TierL3SessionSummary, nil
	case "l4", "l4_global":
		return TierL4Global, nil
	default:
		return 0, NewOperationError("unknown_tier", "unknown tier name: "+name)
	}
}

// EntryType classifies what kind of content a MemoryEntry carries.
type EntryType string

const (
	TypeMessage    EntryType = "message"
	TypeFact       EntryType = "fact"
	TypePlan       EntryType = "plan"
	TypeSummary    EntryType = "summary"
	TypeToolResult EntryType = "tool_result"
)

// Recognized metadata keys. Anything else is free-form and carried opaquely.
const (
	// MetaCompressedFrom records how many source entries a compaction
	// summary replaced (int).
	MetaCompressedFrom = "compressed_from"

	// MetaSummarized marks content that passed through the summarizer
	// during promotion (bool).
	MetaSummarized = "summarized"

	// MetaTags holds scorer-visible topic tags ([]string or
	// comma-separated string).
	MetaTags = "tags"
)

// Metadata is a flexible key-value map attached to each entry.
type Metadata map[string]interface{}

// CompressedFrom returns the recognized compressed_from value, or 0 when
// absent or mistyped.
func (m Metadata) CompressedFrom() int {
	switch v := m[MetaCompressedFrom].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return 0
	}
}

// Summarized reports whether the entry content was condensed by the
// summarizer before storage.
func (m Metadata) Summarized() bool {
	b, _ := m[MetaSummarized].(bool)
	return b
}

// MemoryEntry is the unit of storage across all four tiers.
//
// Invariants:
//   - Importance is always within [0, 1] (clamped at construction).
//   - Tier only ever increases for a given logical piece of content.
//   - Embedding is non-nil iff background vectorization completed.
//   - An entry produced by compaction replaces its sources, it never
//     supplements them.
type MemoryEntry struct {
	ID         string
	Content    string
	Tier       Tier
	Type       EntryType
	Importance float64
	Timestamp  time.Time
	Embedding  []float32
	Metadata   Metadata

	// SessionIDs tags the sessions this entry belongs to. Empty means
	// global: visible to every session.
	SessionIDs []string
}

// NewEntry creates a MemoryEntry with a fresh ID and clamped importance.
// A zero tier defaults to L2 working memory.
func NewEntry(content string, tier Tier, entryType EntryType, importance float64) *MemoryEntry {
	if !tier.Valid() {
		tier = TierL2Working
	}
	return &MemoryEntry{
		ID:         uuid.New().String(),
		Content:    content,
		Tier:       tier,
		Type:       entryType,
		Importance: ClampImportance(importance),
		Timestamp:  time.Now(),
		Metadata:   make(Metadata),
	}
}

// ClampImportance forces a score into the [0, 1] invariant range.
func ClampImportance(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// TagSession adds a session tag, ignoring duplicates.
func (e *MemoryEntry) TagSession(sessionID string) {
	if sessionID == "" || e.HasSession(sessionID) {
		return
	}
	e.SessionIDs = append(e.SessionIDs, sessionID)
}

// HasSession reports whether the entry is tagged with sessionID.
func (e *MemoryEntry) HasSession(sessionID string) bool {
	for _, id := range e.SessionIDs {
		if id == sessionID {
			return true
		}
	}
	return false
}

// IsGlobal reports whether the entry is visible to all sessions.
func (e *MemoryEntry) IsGlobal() bool {
	return len(e.SessionIDs) == 0
}

// Clone returns a deep copy so projection results stay read-only snapshots
// even while the store keeps mutating.
func (e *MemoryEntry) Clone() *MemoryEntry {
	cp := *e
	if e.Embedding != nil {
		cp.Embedding = make([]float32, len(e.Embedding))
		copy(cp.Embedding, e.Embedding)
	}
	if e.Metadata != nil {
		cp.Metadata = make(Metadata, len(e.Metadata))
		for k, v := range e.Metadata {
			cp.Metadata[k] = v
		}
	}
	if e.SessionIDs != nil {
		cp.SessionIDs = append([]string(nil), e.SessionIDs...)
	}
	return &cp
}

// Tags returns the scorer-visible tags from metadata, tolerating both
// []string and comma-separated string encodings.
func (e *MemoryEntry) Tags() []string {
	if e.Metadata == nil {
		return nil
	}
	switch v := e.Metadata[MetaTags].(type) {
	case []string:
		return v
	case []interface{}:
		tags := make([]string, 0, len(v))
		for _, t := range v {
			if s, ok := t.(string); ok {
				tags = append(tags, s)
			}
		}
		return tags
	case string:
		return splitTags(v)
	default:
		return nil
	}
}

func splitTags(s string) []string {
	var tags []string
	for _, part := range strings.Split(s, ",") {
		if tag := strings.TrimSpace(part); tag != "" {
			tags = append(tags, tag)
		}
	}
	return tags
}
