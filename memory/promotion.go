package memory

import (
	"context"
	"strings"
	"sync"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/becomeliminal/tiermem/core"
)

// trivialPhrases is the fixed set of low-information acknowledgement
// phrases (case-insensitive, multilingual). Content matching one of these
// is discarded by promotion: it must never reach L2/L3/L4.
var trivialPhrases = map[string]bool{
	"ok":        true,
	"okay":      true,
	"k":         true,
	"kk":        true,
	"thanks":    true,
	"thank you": true,
	"thx":       true,
	"yes":       true,
	"no":        true,
	"yep":       true,
	"yeah":      true,
	"sure":      true,
	"cool":      true,
	"got it":    true,
	"fine":      true,
	"好的":        true,
	"谢谢":        true,
	"明白":        true,
	"嗯":         true,
	"是的":        true,
	"收到":        true,
	"了解":        true,
}

// PromotionReport summarizes one promotion pass. A nil stage pointer means
// the stage was not requested; a non-nil pointer reports whether the stage
// promoted anything.
type PromotionReport struct {
	SessionsProcessed int
	L2ToL3            *bool
	L3ToL4            *bool

	// Per-stage entry counts for diagnostics.
	IngestedL2 int
	PromotedL3 int
	PromotedL4 int
	Discarded  int
}

// merge folds another session's report into this one.
func (r *PromotionReport) merge(other *PromotionReport) {
	r.SessionsProcessed += other.SessionsProcessed
	r.IngestedL2 += other.IngestedL2
	r.PromotedL3 += other.PromotedL3
	r.PromotedL4 += other.PromotedL4
	r.Discarded += other.Discarded
	r.L2ToL3 = mergeStage(r.L2ToL3, other.L2ToL3)
	r.L3ToL4 = mergeStage(r.L3ToL4, other.L3ToL4)
}

func mergeStage(a, b *bool) *bool {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	v := *a || *b
	return &v
}

// PromotionPipeline moves qualifying content up the tier hierarchy:
// session L1 logs feed L2 working memory, working memory feeds L3 session
// summaries, and high-importance summaries feed the global L4 tier.
//
// Content below the minimum promotion length or matching the trivial
// phrase set is discarded. Content above the summarization threshold is
// condensed by the Summarizer collaborator first; if the summarizer is
// absent, fails, or returns empty text, the original unsummarized content
// is stored instead. Information is never silently dropped because a
// collaborator failed.
//
// Cancellation safety: each pass computes its new entries off-store and
// appends them only at the end, so a cancelled pass leaves the store
// exactly as it found it.
type PromotionPipeline struct {
	store      *Store
	summarizer Summarizer
	vectorizer *VectorizationQueue
	cfg        *Config
	logger     *zap.Logger

	// promoted tracks source entry ids that already produced a
	// higher-tier copy, enforcing the tier-only-increases invariant.
	mu       sync.Mutex
	promoted map[string]bool
}

// PromotionOption configures the pipeline.
type PromotionOption func(*PromotionPipeline)

// WithSummarizer sets the summarizer collaborator.
func WithSummarizer(s Summarizer) PromotionOption {
	return func(p *PromotionPipeline) {
		p.summarizer = s
	}
}

// WithVectorizer routes newly promoted entries into the background
// embedding queue.
func WithVectorizer(v *VectorizationQueue) PromotionOption {
	return func(p *PromotionPipeline) {
		p.vectorizer = v
	}
}

// WithPromotionLogger sets the pipeline logger. Default is no-op.
func WithPromotionLogger(l *zap.Logger) PromotionOption {
	return func(p *PromotionPipeline) {
		p.logger = l
	}
}

// NewPromotionPipeline creates a pipeline over the given store.
func NewPromotionPipeline(store *Store, cfg *Config, opts ...PromotionOption) *PromotionPipeline {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	p := &PromotionPipeline{
		store:    store,
		cfg:      cfg,
		logger:   zap.NewNop(),
		promoted: make(map[string]bool),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// PromoteSession runs one promotion pass for a single session. The L1
// ingestion stage always runs; the L2->L3 and L3->L4 stages run only when
// requested. Callers are expected to serialize passes per session id.
func (p *PromotionPipeline) PromoteSession(ctx context.Context, session *core.Session, l2ToL3, l3ToL4 bool) (*PromotionReport, error) {
	if session == nil {
		return nil, core.NewOperationError("unknown_session", "nil session")
	}

	report := &PromotionReport{SessionsProcessed: 1}

	// Source ids handled this pass. Committed to the promoted set only
	// after the atomic append succeeds, so a failed pass can be retried.
	handled := make(map[string]bool)

	// Stage 0: ingest the session's L1 log into working memory.
	var pending []*core.MemoryEntry
	for _, src := range session.Log() {
		if handled[src.ID] || p.alreadyPromoted(src.ID) {
			continue
		}
		handled[src.ID] = true

		if p.isTrivial(src.Content) {
			report.Discarded++
			p.logger.Debug("trivial content discarded",
				zap.String("session", session.ID),
				zap.String("id", src.ID))
			continue
		}
		entry := p.promoteEntry(ctx, src, core.TierL2Working)
		entry.TagSession(session.ID)
		pending = append(pending, entry)
		report.IngestedL2++
	}

	if l2ToL3 {
		promoted := p.promoteStage(ctx, session.ID, core.TierL2Working, core.TierL3SessionSummary,
			p.cfg.L1ToL3Threshold, handled, report)
		pending = append(pending, promoted...)
		report.PromotedL3 = len(promoted)
		stage := len(promoted) > 0
		report.L2ToL3 = &stage
	}

	if l3ToL4 {
		promoted := p.promoteStage(ctx, session.ID, core.TierL3SessionSummary, core.TierL4Global,
			p.cfg.L3ToL4Threshold, handled, report)
		pending = append(pending, promoted...)
		report.PromotedL4 = len(promoted)
		stage := len(promoted) > 0
		report.L3ToL4 = &stage
	}

	// A cancelled pass must leave the store untouched: nothing has been
	// appended yet, so bail out before the atomic write.
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if err := p.store.AddAll(pending); err != nil {
		return nil, err
	}
	for id := range handled {
		p.markPromoted(id)
	}
	for _, e := range pending {
		if e.Tier >= core.TierL3SessionSummary && p.vectorizer != nil {
			p.vectorizer.Enqueue(e.ID, e.Content)
		}
	}

	p.logger.Info("promotion pass complete",
		zap.String("session", session.ID),
		zap.Int("ingested_l2", report.IngestedL2),
		zap.Int("promoted_l3", report.PromotedL3),
		zap.Int("promoted_l4", report.PromotedL4),
		zap.Int("discarded", report.Discarded))
	return report, nil
}

// promoteStage computes the higher-tier copies of qualifying entries from
// one tier, without mutating the store.
func (p *PromotionPipeline) promoteStage(ctx context.Context, sessionID string, from, to core.Tier, minImportance float64, handled map[string]bool, report *PromotionReport) []*core.MemoryEntry {
	var out []*core.MemoryEntry
	for _, src := range p.store.GetTier(from) {
		if !src.IsGlobal() && !src.HasSession(sessionID) {
			continue
		}
		if handled[src.ID] || p.alreadyPromoted(src.ID) {
			continue
		}
		if p.isTrivial(src.Content) {
			handled[src.ID] = true
			report.Discarded++
			continue
		}
		if src.Importance < minImportance {
			continue // stays at its tier, may qualify later
		}
		handled[src.ID] = true

		entry := p.promoteEntry(ctx, src, to)
		out = append(out, entry)
	}
	return out
}

// promoteEntry builds the higher-tier copy of src, summarizing oversized
// content first. Summarizer failure falls back to the original content.
func (p *PromotionPipeline) promoteEntry(ctx context.Context, src *core.MemoryEntry, to core.Tier) *core.MemoryEntry {
	content := src.Content
	summarized := false

	if p.cfg.SummarizationThreshold > 0 && utf8.RuneCountInString(content) > p.cfg.SummarizationThreshold {
		summary, err := summarizeWithTimeout(ctx, p.summarizer, content)
		if err != nil {
			p.logger.Warn("summarizer unavailable, storing original content",
				zap.String("source", src.ID),
				zap.Error(err))
		} else {
			content = summary
			summarized = true
		}
	}

	entryType := src.Type
	if summarized {
		entryType = core.TypeSummary
	}

	entry := core.NewEntry(content, to, entryType, src.Importance)
	for k, v := range src.Metadata {
		entry.Metadata[k] = v
	}
	if summarized {
		entry.Metadata[core.MetaSummarized] = true
	}
	for _, sid := range src.SessionIDs {
		entry.TagSession(sid)
	}
	return entry
}

// isTrivial applies the trivial filter: too short, or a known
// low-information acknowledgement phrase.
func (p *PromotionPipeline) isTrivial(content string) bool {
	normalized := strings.ToLower(strings.TrimSpace(content))
	normalized = strings.TrimRight(normalized, ".!?~！。？")
	if utf8.RuneCountInString(normalized) < p.cfg.MinPromotionLength {
		return true
	}
	return trivialPhrases[normalized]
}

func (p *PromotionPipeline) alreadyPromoted(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.promoted[id]
}

func (p *PromotionPipeline) markPromoted(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.promoted[id] = true
}
