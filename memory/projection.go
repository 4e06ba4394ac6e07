package memory

import (
	"fmt"
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/dgraph-io/ristretto"
	"go.uber.org/zap"

	"github.com/becomeliminal/tiermem/core"
)

// Mode is the coarse classification of an instruction used to tune how
// aggressively projection spends its budget and which tiers it consults.
type Mode string

const (
	// ModeMinimal: very short instruction with no actionable verb.
	// Projection skips L3/L4 entirely.
	ModeMinimal Mode = "minimal"

	// ModeStandard: the default middle ground.
	ModeStandard Mode = "standard"

	// ModeContextual: the instruction refers back to earlier context
	// ("it", "that", "continue", "继续").
	ModeContextual Mode = "contextual"

	// ModeAnalytical: deep-dive vocabulary or a long instruction.
	ModeAnalytical Mode = "analytical"

	// ModeDebug: debugging vocabulary ("fix", "error", "bug").
	ModeDebug Mode = "debug"
)

var debugVocabulary = []string{
	"fix", "error", "bug", "debug", "crash", "broken", "stacktrace",
	"修复", "报错", "错误",
}

var analyticalVocabulary = []string{
	"analyze", "analyse", "explain in detail", "in detail", "compare",
	"evaluate", "deep dive", "分析", "详细",
}

// contextualWords match on word boundaries; "detail" must not trip "it".
var contextualWords = map[string]bool{
	"it": true, "that": true, "this": true, "continue": true,
	"previous": true, "earlier": true, "them": true,
}

var contextualMarkers = []string{"继续", "之前", "刚才", "那个", "上面"}

var actionableVerbs = []string{
	"create", "write", "build", "run", "add", "delete", "make",
	"implement", "deploy", "install", "update", "写", "创建", "执行",
}

// Length thresholds for mode detection, in runes.
const (
	minimalLengthLimit    = 12
	analyticalLengthLimit = 120
)

// DetectMode classifies an instruction. Detection order matters: explicit
// debugging or analytical vocabulary wins over referential markers, and
// only an instruction that matches nothing and is very short without an
// actionable verb falls through to MINIMAL.
func DetectMode(instruction string) Mode {
	lower := strings.ToLower(strings.TrimSpace(instruction))
	if lower == "" {
		return ModeMinimal
	}

	for _, kw := range debugVocabulary {
		if strings.Contains(lower, kw) {
			return ModeDebug
		}
	}

	if utf8.RuneCountInString(lower) > analyticalLengthLimit {
		return ModeAnalytical
	}
	for _, kw := range analyticalVocabulary {
		if strings.Contains(lower, kw) {
			return ModeAnalytical
		}
	}

	for _, w := range tokenizeWords(lower) {
		if contextualWords[w] {
			return ModeContextual
		}
	}
	for _, marker := range contextualMarkers {
		if strings.Contains(lower, marker) {
			return ModeContextual
		}
	}

	if utf8.RuneCountInString(lower) <= minimalLengthLimit {
		actionable := false
		for _, verb := range actionableVerbs {
			if strings.Contains(lower, verb) {
				actionable = true
				break
			}
		}
		if !actionable {
			return ModeMinimal
		}
	}

	return ModeStandard
}

// l4BudgetFraction tunes how aggressively each mode spends the L4 budget.
func l4BudgetFraction(mode Mode) float64 {
	switch mode {
	case ModeMinimal:
		return 0
	case ModeStandard:
		return 0.8
	default:
		return 1.0
	}
}

// LexicalScorer is the default relevance scorer: a fixed ladder of lexical
// evidence. Exact case-insensitive substring match scores 0.95, a tag
// match 0.85, partial term overlap 0.75, anything else 0 (excluded).
type LexicalScorer struct{}

// Score implements Scorer.
func (LexicalScorer) Score(instruction string, entry *core.MemoryEntry) float64 {
	if entry == nil {
		return 0
	}
	instr := strings.ToLower(strings.TrimSpace(instruction))
	content := strings.ToLower(entry.Content)
	if instr == "" || content == "" {
		return 0
	}

	if strings.Contains(content, instr) || strings.Contains(instr, content) {
		return 0.95
	}

	for _, tag := range entry.Tags() {
		if tag == "" {
			continue
		}
		if strings.Contains(instr, strings.ToLower(tag)) {
			return 0.85
		}
	}

	for _, term := range tokenizeTerms(instr) {
		if strings.Contains(content, term) {
			return 0.75
		}
	}

	return 0
}

// tokenizeWords splits on non-letter/digit boundaries, lowercased.
func tokenizeWords(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// lexicalStopwords are too common to count as term overlap evidence.
var lexicalStopwords = map[string]bool{
	"the": true, "and": true, "for": true, "with": true, "what": true,
	"how": true, "are": true, "was": true, "you": true, "about": true,
}

// tokenizeTerms returns scoring terms: words of 3+ runes (minus stopwords)
// plus CJK bigrams, so Chinese instructions overlap without spaces.
func tokenizeTerms(s string) []string {
	var terms []string
	for _, w := range tokenizeWords(s) {
		if lexicalStopwords[w] {
			continue
		}
		runes := []rune(w)
		if isCJK(runes[0]) {
			for i := 0; i+1 < len(runes); i++ {
				terms = append(terms, string(runes[i:i+2]))
			}
			if len(runes) == 1 {
				terms = append(terms, w)
			}
			continue
		}
		if len(runes) >= 3 {
			terms = append(terms, w)
		}
	}
	return terms
}

func isCJK(r rune) bool {
	return unicode.Is(unicode.Han, r)
}

// TokenUsage reports the estimated tokens a projection consumed, per tier
// and in total, computed with the same heuristic used for budget checks.
type TokenUsage struct {
	L2    int
	L3    int
	L4    int
	Total int
}

// ProjectionResult is the budget-bounded, relevance-ordered context for one
// instruction. It is created fresh per call and is a read-only snapshot:
// all entries are deep copies, so later store mutation never shows through.
type ProjectionResult struct {
	Instruction      string
	Mode             Mode
	RelevantFacts    []*core.MemoryEntry
	SessionSummaries []*core.MemoryEntry
	ParentPlan       *core.MemoryEntry
	Usage            TokenUsage
}

// ProjectionEngine assembles projections from the store. Computing a
// projection never mutates the store.
type ProjectionEngine struct {
	store     *Store
	allocator *BudgetAllocator
	scorer    Scorer
	cache     *ristretto.Cache
	logger    *zap.Logger
}

// ProjectionOption configures the engine.
type ProjectionOption func(*ProjectionEngine)

// WithScorer replaces the default lexical scorer. Custom scorers must keep
// scores in [0, 1] with 0 meaning excluded, and must depend only on the
// instruction and the entry's stored state: scores are cached per
// (instruction, entry, embedding presence), so anything else the scorer
// reads will not invalidate the cache.
func WithScorer(s Scorer) ProjectionOption {
	return func(e *ProjectionEngine) {
		e.scorer = s
	}
}

// WithProjectionLogger sets the engine logger. Default is no-op.
func WithProjectionLogger(l *zap.Logger) ProjectionOption {
	return func(e *ProjectionEngine) {
		e.logger = l
	}
}

// NewProjectionEngine creates a projection engine over the store. The
// relevance-score cache keeps repeated projections against an unchanged
// store cheap.
func NewProjectionEngine(store *Store, allocator *BudgetAllocator, opts ...ProjectionOption) (*ProjectionEngine, error) {
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 100_000,
		MaxCost:     1 << 22,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("create score cache: %w", err)
	}

	e := &ProjectionEngine{
		store:     store,
		allocator: allocator,
		scorer:    LexicalScorer{},
		cache:     cache,
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// scoredFact pairs an entry with its relevance and original position, so
// the sort can stay stable on ties.
type scoredFact struct {
	entry *core.MemoryEntry
	score float64
}

// CreateProjection assembles the context for one instruction under a total
// token budget:
//
//  1. Detect the instruction mode.
//  2. Score every L4 fact's relevance (pluggable scorer, cached).
//  3. Stable-sort facts by relevance descending; ties keep insertion order.
//  4. Include an L2 PLAN entry unconditionally as the parent plan if it
//     fits the L2 budget, otherwise drop it without error.
//  5. Greedily add facts in sorted order within the L4 budget; the first
//     fact that would overflow is excluded entirely and iteration stops.
//  6. Report usage with the same deterministic token estimate used for
//     the budget checks.
func (e *ProjectionEngine) CreateProjection(instruction string, totalBudget int) (*ProjectionResult, error) {
	if totalBudget <= 0 {
		return nil, core.NewOperationError("invalid_budget",
			fmt.Sprintf("total budget must be positive, got %d", totalBudget))
	}

	budgets := e.allocator.ComputeTierBudgets(totalBudget)
	mode := DetectMode(instruction)

	result := &ProjectionResult{
		Instruction: instruction,
		Mode:        mode,
	}

	// Parent plan: the first L2 PLAN entry, included unconditionally when
	// it fits the working-memory budget.
	for _, entry := range e.store.GetTier(core.TierL2Working) {
		if entry.Type != core.TypePlan {
			continue
		}
		cost := core.EstimateEntryTokens(entry)
		if cost <= budgets.L2 {
			result.ParentPlan = entry.Clone()
			result.Usage.L2 = cost
		}
		break
	}

	// MINIMAL mode skips L3/L4 entirely.
	if mode != ModeMinimal {
		result.SessionSummaries, result.Usage.L3 = e.collectSummaries(budgets.L3)
		result.RelevantFacts, result.Usage.L4 = e.collectFacts(instruction, mode, budgets.L4)
	}

	result.Usage.Total = result.Usage.L2 + result.Usage.L3 + result.Usage.L4

	e.logger.Debug("projection created",
		zap.String("mode", string(mode)),
		zap.Int("facts", len(result.RelevantFacts)),
		zap.Int("summaries", len(result.SessionSummaries)),
		zap.Int("tokens", result.Usage.Total))
	return result, nil
}

// collectFacts scores, sorts, and greedily packs L4 facts.
func (e *ProjectionEngine) collectFacts(instruction string, mode Mode, l4Budget int) ([]*core.MemoryEntry, int) {
	budget := int(float64(l4Budget) * l4BudgetFraction(mode))
	if budget <= 0 {
		return nil, 0
	}

	entries := e.store.GetTier(core.TierL4Global)
	scored := make([]scoredFact, 0, len(entries))
	for _, entry := range entries {
		s := e.scoreEntry(instruction, entry)
		if s <= 0 {
			continue
		}
		scored = append(scored, scoredFact{entry: entry, score: s})
	}

	// Stable: equal scores preserve insertion order, keeping repeated
	// projections against an unchanged store deterministic.
	sort.SliceStable(scored, func(i, j int) bool {
		return scored[i].score > scored[j].score
	})

	var facts []*core.MemoryEntry
	used := 0
	for _, sf := range scored {
		cost := core.EstimateEntryTokens(sf.entry)
		if used+cost > budget {
			// No partial inclusion: the first overflow ends the pass.
			break
		}
		facts = append(facts, sf.entry.Clone())
		used += cost
	}
	return facts, used
}

// collectSummaries packs the most recent L3 summaries into the L3 budget,
// returned in insertion order.
func (e *ProjectionEngine) collectSummaries(l3Budget int) ([]*core.MemoryEntry, int) {
	if l3Budget <= 0 {
		return nil, 0
	}
	entries := e.store.GetTier(core.TierL3SessionSummary)

	// Walk newest-first so the budget favors recency, then restore
	// insertion order for the caller.
	var picked []*core.MemoryEntry
	used := 0
	for i := len(entries) - 1; i >= 0; i-- {
		cost := core.EstimateEntryTokens(entries[i])
		if used+cost > l3Budget {
			break
		}
		picked = append(picked, entries[i].Clone())
		used += cost
	}
	for i, j := 0, len(picked)-1; i < j; i, j = i+1, j-1 {
		picked[i], picked[j] = picked[j], picked[i]
	}
	return picked, used
}

// scoreEntry consults the score cache before the scorer. Content, tags,
// and metadata are immutable after storage, but background vectorization
// writes embeddings back, so the key carries an embedding-presence bit to
// keep embedding-aware scorers from serving stale scores.
func (e *ProjectionEngine) scoreEntry(instruction string, entry *core.MemoryEntry) float64 {
	key := instruction + "\x00" + entry.ID
	if entry.Embedding != nil {
		key += "\x01"
	}
	if v, ok := e.cache.Get(key); ok {
		if s, ok := v.(float64); ok {
			return s
		}
	}
	s := e.scorer.Score(instruction, entry)
	e.cache.Set(key, s, 1)
	return s
}
