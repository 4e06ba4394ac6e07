// Package memory implements the tiered context memory and projection engine.
//
// Observations enter at the bottom of a four-tier hierarchy and are
// promoted, vectorized, and compacted over time; on each reasoning step the
// agent asks for a projection: a budget-bounded, relevance-ordered slice of
// everything the system remembers.
//
// Architecture:
//   - Store: the tiered arena holding entries (L1 ephemeral through L4 global)
//   - BudgetAllocator: splits a total token budget across tiers
//   - PromotionPipeline: filters/summarizes content moving to higher tiers
//   - VectorizationQueue: background batch embedding of promoted entries
//   - CompactionEngine: similarity clustering + summarization of oversized L4
//   - ProjectionEngine: mode detection + greedy budgeted context assembly
//   - Controller: session ownership, sharing, persistence, maintenance
//
// Collaborators (Summarizer, Embedder, Scorer, persistence handlers) are
// interfaces with safe no-op defaults so the engine degrades instead of
// failing when one is absent, slow, or broken.
//
// SDK-provided collaborator implementations:
//   - memory/embedder/mock: deterministic hash embeddings for tests
//   - memory/embedder/onnx: all-MiniLM-L6-v2 via ONNX Runtime (offline)
//   - memory/summarizer/anthropic: Claude-backed summarization
//   - memory/persist/chromem: embedded vector database persistence
package memory
