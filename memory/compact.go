package memory

import (
	"context"
	"math"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/becomeliminal/tiermem/core"
)

// CompactionEngine bounds the size of the global L4 tier by clustering
// similar entries and replacing each qualifying cluster with one summary.
// The reduction is lossy but faithful: the summary carries the maximum
// importance of its members and records how many entries it replaced.
//
// The engine is inert until Enable is called with a summarizer and
// thresholds. Only L4 entries are ever eligible.
type CompactionEngine struct {
	store  *Store
	logger *zap.Logger

	mu         sync.Mutex
	enabled    bool
	summarizer Summarizer
	cfg        CompactionConfig
}

// CompactionReport summarizes one compaction pass.
type CompactionReport struct {
	EntriesBefore int
	EntriesAfter  int
	Clusters      int
	Compressed    int
	Failed        int
}

// NewCompactionEngine creates a disabled engine over the store.
func NewCompactionEngine(store *Store, logger *zap.Logger) *CompactionEngine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CompactionEngine{store: store, logger: logger}
}

// Enable activates compaction with the given summarizer and thresholds.
func (c *CompactionEngine) Enable(summarizer Summarizer, cfg CompactionConfig) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.enabled = true
	c.summarizer = summarizer
	c.cfg = cfg
}

// Enabled reports whether compaction has been activated.
func (c *CompactionEngine) Enabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.enabled
}

// ShouldCompress reports whether the L4 tier has grown past the configured
// threshold. A disabled engine never wants to compress.
func (c *CompactionEngine) ShouldCompress() bool {
	c.mu.Lock()
	enabled, threshold := c.enabled, c.cfg.Threshold
	c.mu.Unlock()
	if !enabled || threshold <= 0 {
		return false
	}
	return c.store.TierLen(core.TierL4Global) >= threshold
}

// Compress runs one compaction pass over L4. The whole pass holds the L4
// pass lock so it observes a stable snapshot; additions arriving mid-pass
// queue until the pass completes. Summarizer failure leaves the affected
// cluster uncompressed rather than dropping its entries, so the store
// never shrinks below what was faithfully summarized.
func (c *CompactionEngine) Compress(ctx context.Context) (*CompactionReport, error) {
	c.mu.Lock()
	enabled, summarizer, cfg := c.enabled, c.summarizer, c.cfg
	c.mu.Unlock()

	if !enabled {
		return nil, core.NewOperationError("compaction_disabled", "compaction engine not enabled")
	}

	c.store.LockL4Pass()
	defer c.store.UnlockL4Pass()

	snapshot := c.store.GetTier(core.TierL4Global)
	report := &CompactionReport{EntriesBefore: len(snapshot)}

	clusters := clusterBySimilarity(snapshot, cfg.SimilarityThreshold)
	report.Clusters = len(clusters)

	// Summaries are computed off-store; each cluster is replaced
	// atomically only after its summary exists.
	for _, cluster := range clusters {
		if len(cluster) < cfg.MinClusterSize {
			continue // members stay as individual entries
		}
		if err := ctx.Err(); err != nil {
			report.EntriesAfter = c.store.TierLen(core.TierL4Global)
			return report, err
		}

		replacement, err := c.summarizeCluster(ctx, summarizer, cluster)
		if err != nil {
			report.Failed++
			c.logger.Warn("cluster summarization failed, leaving members uncompressed",
				zap.Int("cluster_size", len(cluster)),
				zap.Error(err))
			continue
		}

		ids := make([]string, len(cluster))
		for i, e := range cluster {
			ids[i] = e.ID
		}
		if err := c.store.ReplaceL4(ids, replacement); err != nil {
			report.Failed++
			continue
		}
		report.Compressed++
	}

	report.EntriesAfter = c.store.TierLen(core.TierL4Global)
	c.logger.Info("compaction pass complete",
		zap.Int("before", report.EntriesBefore),
		zap.Int("after", report.EntriesAfter),
		zap.Int("clusters", report.Clusters),
		zap.Int("compressed", report.Compressed),
		zap.Int("failed", report.Failed))
	return report, nil
}

// summarizeCluster produces the replacement entry for one cluster.
func (c *CompactionEngine) summarizeCluster(ctx context.Context, summarizer Summarizer, cluster []*core.MemoryEntry) (*core.MemoryEntry, error) {
	contents := make([]string, len(cluster))
	maxImportance := 0.0
	for i, e := range cluster {
		contents[i] = e.Content
		if e.Importance > maxImportance {
			maxImportance = e.Importance
		}
	}

	summary, err := summarizeWithTimeout(ctx, summarizer, strings.Join(contents, "\n"))
	if err != nil {
		return nil, err
	}

	replacement := core.NewEntry(summary, core.TierL4Global, core.TypeSummary, maxImportance)
	replacement.Metadata[core.MetaCompressedFrom] = len(cluster)
	for _, e := range cluster {
		for _, sid := range e.SessionIDs {
			replacement.TagSession(sid)
		}
	}
	return replacement, nil
}

// clusterBySimilarity performs greedy single-link clustering: seed a
// cluster with the first unclustered entry, absorb every remaining
// unclustered entry whose embedding cosine similarity to the seed meets
// the threshold, repeat until all entries are visited. Entries without an
// embedding can never be absorbed and end up as singletons.
func clusterBySimilarity(entries []*core.MemoryEntry, threshold float64) [][]*core.MemoryEntry {
	var clusters [][]*core.MemoryEntry
	clustered := make([]bool, len(entries))

	for i, seed := range entries {
		if clustered[i] {
			continue
		}
		clustered[i] = true
		cluster := []*core.MemoryEntry{seed}

		if seed.Embedding != nil {
			for j := i + 1; j < len(entries); j++ {
				if clustered[j] || entries[j].Embedding == nil {
					continue
				}
				if CosineSimilarity(seed.Embedding, entries[j].Embedding) >= threshold {
					clustered[j] = true
					cluster = append(cluster, entries[j])
				}
			}
		}
		clusters = append(clusters, cluster)
	}
	return clusters
}

// CosineSimilarity computes the cosine similarity of two vectors, 0 for
// mismatched or zero-length inputs.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
