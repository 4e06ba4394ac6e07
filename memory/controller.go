package memory

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/becomeliminal/tiermem/core"
)

// Controller owns the sessions and the shared L3/L4 stores and wires the
// engine together: it fans promotion out across sessions, shares context
// between them, and delegates durable L4 persistence to optional handlers.
type Controller struct {
	cfg        *Config
	store      *Store
	allocator  *BudgetAllocator
	pipeline   *PromotionPipeline
	compactor  *CompactionEngine
	vectorizer *VectorizationQueue
	projector  *ProjectionEngine
	logger     *zap.Logger

	summarizer Summarizer
	embedder   Embedder
	scorer     Scorer

	mu           sync.Mutex
	sessions     map[string]*core.Session
	sessionLocks map[string]*sync.Mutex

	persistMu sync.RWMutex
	persist   PersistFunc
	load      LoadFunc

	cronMu sync.Mutex
	cron   *cron.Cron
}

// ControllerOption configures the controller.
type ControllerOption func(*Controller)

// WithLogger sets the logger shared by all engine components.
func WithLogger(l *zap.Logger) ControllerOption {
	return func(c *Controller) {
		c.logger = l
	}
}

// WithControllerSummarizer installs the Summarizer collaborator used for
// promotion, compaction, and persistence digests.
func WithControllerSummarizer(s Summarizer) ControllerOption {
	return func(c *Controller) {
		c.summarizer = s
	}
}

// WithEmbedder installs the Embedder collaborator feeding background
// vectorization.
func WithEmbedder(e Embedder) ControllerOption {
	return func(c *Controller) {
		c.embedder = e
	}
}

// WithControllerScorer replaces the projection engine's default lexical
// scorer.
func WithControllerScorer(s Scorer) ControllerOption {
	return func(c *Controller) {
		c.scorer = s
	}
}

// New creates a fully wired controller. Configuration problems are fatal
// here, at startup, never later at runtime.
func New(cfg *Config, opts ...ControllerOption) (*Controller, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	c := &Controller{
		cfg:          cfg,
		logger:       zap.NewNop(),
		sessions:     make(map[string]*core.Session),
		sessionLocks: make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(c)
	}

	c.store = NewStore(WithStoreLogger(c.logger.Named("store")))

	allocator, err := NewBudgetAllocator(cfg)
	if err != nil {
		return nil, err
	}
	c.allocator = allocator

	if cfg.Vectorization.Enabled {
		c.vectorizer = NewVectorizationQueue(c.store, c.embedder,
			cfg.Vectorization, c.logger.Named("vectorize"))
		c.vectorizer.Start()
	}

	pipelineOpts := []PromotionOption{
		WithPromotionLogger(c.logger.Named("promotion")),
	}
	if c.summarizer != nil {
		pipelineOpts = append(pipelineOpts, WithSummarizer(c.summarizer))
	}
	if c.vectorizer != nil {
		pipelineOpts = append(pipelineOpts, WithVectorizer(c.vectorizer))
	}
	c.pipeline = NewPromotionPipeline(c.store, cfg, pipelineOpts...)

	c.compactor = NewCompactionEngine(c.store, c.logger.Named("compaction"))

	projOpts := []ProjectionOption{
		WithProjectionLogger(c.logger.Named("projection")),
	}
	if c.scorer != nil {
		projOpts = append(projOpts, WithScorer(c.scorer))
	}
	c.projector, err = NewProjectionEngine(c.store, allocator, projOpts...)
	if err != nil {
		return nil, err
	}

	return c, nil
}

// Store exposes the underlying tiered store.
func (c *Controller) Store() *Store {
	return c.store
}

// RegisterSession creates and registers an active session with per-session
// L1/L2 budgets derived from the configured split. Registering an existing
// live session id returns the existing session.
func (c *Controller) RegisterSession(id string) *core.Session {
	c.mu.Lock()
	defer c.mu.Unlock()

	if s, ok := c.sessions[id]; ok && s.Status() != core.SessionEnded {
		return s
	}

	budgets := c.allocator.ComputeTierBudgets(c.cfg.TotalBudget)
	s := core.NewSession(id, budgets.L1, budgets.L2)
	c.sessions[s.ID] = s
	c.logger.Info("session registered", zap.String("session", s.ID))
	return s
}

// Session returns a registered session.
func (c *Controller) Session(id string) (*core.Session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sessions[id]
	return s, ok
}

// AddTask appends a record to a session's L1 log. It fails with a
// structured session-ended error if the session has ended.
func (c *Controller) AddTask(sessionID string, entry *core.MemoryEntry) error {
	s, ok := c.Session(sessionID)
	if !ok {
		return core.NewOperationError("unknown_session", "no such session: "+sessionID)
	}
	return s.AddTask(entry)
}

// EndSession ends a session. Idempotent; unknown ids are a no-op.
func (c *Controller) EndSession(id string) {
	if s, ok := c.Session(id); ok {
		s.End()
	}
}

// PauseSession pauses an active session.
func (c *Controller) PauseSession(id string) error {
	s, ok := c.Session(id)
	if !ok {
		return core.NewOperationError("unknown_session", "no such session: "+id)
	}
	return s.Pause()
}

// ResumeSession resumes a paused session.
func (c *Controller) ResumeSession(id string) error {
	s, ok := c.Session(id)
	if !ok {
		return core.NewOperationError("unknown_session", "no such session: "+id)
	}
	return s.Resume()
}

// sessionLock returns the mutex serializing promotion passes for one
// session id, creating it on first use.
func (c *Controller) sessionLock(id string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.sessionLocks[id]
	if !ok {
		l = &sync.Mutex{}
		c.sessionLocks[id] = l
	}
	return l
}

// TriggerPromotion runs a promotion pass for one session, or for all
// registered sessions when sessionID is empty, and aggregates the
// per-session reports. Passes for the same session id never overlap.
func (c *Controller) TriggerPromotion(ctx context.Context, sessionID string, l2ToL3, l3ToL4 bool) (*PromotionReport, error) {
	var targets []*core.Session
	if sessionID != "" {
		s, ok := c.Session(sessionID)
		if !ok {
			return nil, core.NewOperationError("unknown_session", "no such session: "+sessionID)
		}
		targets = append(targets, s)
	} else {
		c.mu.Lock()
		for _, s := range c.sessions {
			targets = append(targets, s)
		}
		c.mu.Unlock()
	}

	total := &PromotionReport{}
	var reportMu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	for _, s := range targets {
		session := s
		g.Go(func() error {
			lock := c.sessionLock(session.ID)
			lock.Lock()
			defer lock.Unlock()

			report, err := c.pipeline.PromoteSession(gctx, session, l2ToL3, l3ToL4)
			if err != nil {
				return fmt.Errorf("promote session %s: %w", session.ID, err)
			}
			reportMu.Lock()
			total.merge(report)
			reportMu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return total, nil
}

// AddToL3 stores a session-level digest in the shared L3 tier. Entries
// with no session tags are global.
func (c *Controller) AddToL3(summary string, importance float64, sessionIDs ...string) (*core.MemoryEntry, error) {
	entry := core.NewEntry(summary, core.TierL3SessionSummary, core.TypeSummary, importance)
	for _, sid := range sessionIDs {
		entry.TagSession(sid)
	}
	if err := c.store.Add(entry); err != nil {
		return nil, err
	}
	if c.vectorizer != nil {
		c.vectorizer.Enqueue(entry.ID, entry.Content)
	}
	return entry, nil
}

// GetL3Summaries returns up to limit L3 summaries, newest last. An
// out-of-range limit silently clips to the valid subset.
func (c *Controller) GetL3Summaries(limit int) []*core.MemoryEntry {
	entries := c.store.GetTier(core.TierL3SessionSummary)
	if limit <= 0 || limit >= len(entries) {
		return entries
	}
	return entries[len(entries)-limit:]
}

// GetSharedL3Context returns, in insertion order, the union of L3
// summaries tagged with the session and summaries tagged with no session
// (global).
func (c *Controller) GetSharedL3Context(sessionID string) []*core.MemoryEntry {
	var out []*core.MemoryEntry
	for _, e := range c.store.GetTier(core.TierL3SessionSummary) {
		if e.IsGlobal() || e.HasSession(sessionID) {
			out = append(out, e)
		}
	}
	return out
}

// ShareContext copies (appends, never moves) the most recent messageLimit
// L1 entries from the source session into each target session, returning
// how many entries reached each target. A limit beyond the source log
// silently clips.
func (c *Controller) ShareContext(source string, targets []string, messageLimit int) (map[string]int, error) {
	src, ok := c.Session(source)
	if !ok {
		return nil, core.NewOperationError("unknown_session", "no such session: "+source)
	}

	recent := src.RecentLog(messageLimit)
	counts := make(map[string]int, len(targets))
	for _, targetID := range targets {
		counts[targetID] = 0
		target, ok := c.Session(targetID)
		if !ok {
			c.logger.Warn("share target not registered", zap.String("target", targetID))
			continue
		}
		for _, entry := range recent {
			// Fresh identity: the copy lives its own life in the target.
			fresh := core.NewEntry(entry.Content, core.TierL1Ephemeral, entry.Type, entry.Importance)
			for k, v := range entry.Metadata {
				fresh.Metadata[k] = v
			}
			if err := target.AddTask(fresh); err != nil {
				c.logger.Warn("share into session failed",
					zap.String("target", targetID), zap.Error(err))
				break
			}
			counts[targetID]++
		}
	}
	return counts, nil
}

// SetL4Handlers installs the optional async persistence handlers. Either
// may be nil; absent handlers make the corresponding calls safe no-ops.
func (c *Controller) SetL4Handlers(persist PersistFunc, load LoadFunc) {
	c.persistMu.Lock()
	defer c.persistMu.Unlock()
	c.persist = persist
	c.load = load
}

// PersistToL4 durably stores a summary for an agent via the installed
// persistence handler. With an empty summary the controller builds a
// digest of the current L4 tier (summarizer fallback: "no summary
// available."). Returns false, never an error, when no handler is
// installed or the handler fails.
func (c *Controller) PersistToL4(ctx context.Context, summary, agentID string) bool {
	c.persistMu.RLock()
	persist := c.persist
	c.persistMu.RUnlock()
	if persist == nil {
		return false
	}

	if summary == "" {
		summary = c.l4Digest(ctx)
	}

	rec := PersistRecord{
		AgentID:   agentID,
		Content:   summary,
		Timestamp: time.Now(),
	}
	if err := persist(ctx, rec); err != nil {
		c.logger.Warn("l4 persistence failed", zap.String("agent", agentID), zap.Error(err))
		return false
	}
	return true
}

// LoadFromL4 retrieves previously persisted records for an agent. Absent
// handler or handler failure yields an empty slice, never an error.
func (c *Controller) LoadFromL4(ctx context.Context, agentID string) []PersistRecord {
	c.persistMu.RLock()
	load := c.load
	c.persistMu.RUnlock()
	if load == nil {
		return []PersistRecord{}
	}

	recs, err := load(ctx, agentID)
	if err != nil {
		c.logger.Warn("l4 load failed", zap.String("agent", agentID), zap.Error(err))
		return []PersistRecord{}
	}
	return recs
}

// l4Digest summarizes the current global tier under the coarse L4 pass
// lock, so persistence observes a stable snapshot.
func (c *Controller) l4Digest(ctx context.Context) string {
	c.store.LockL4Pass()
	entries := c.store.GetTier(core.TierL4Global)
	c.store.UnlockL4Pass()

	if len(entries) == 0 {
		return NoSummaryAvailable
	}
	contents := make([]string, len(entries))
	for i, e := range entries {
		contents[i] = e.Content
	}
	digest, err := summarizeWithTimeout(ctx, c.summarizer, strings.Join(contents, "\n"))
	if err != nil {
		c.logger.Warn("l4 digest summarization failed", zap.Error(err))
		return NoSummaryAvailable
	}
	return digest
}

// EnableCompaction activates the compaction engine, defaulting to the
// controller's summarizer when none is given.
func (c *Controller) EnableCompaction(summarizer Summarizer, cfg CompactionConfig) {
	if summarizer == nil {
		summarizer = c.summarizer
	}
	c.compactor.Enable(summarizer, cfg)
}

// ShouldCompress reports whether L4 has outgrown the compaction threshold.
func (c *Controller) ShouldCompress() bool {
	return c.compactor.ShouldCompress()
}

// Compress runs one L4 compaction pass.
func (c *Controller) Compress(ctx context.Context) (*CompactionReport, error) {
	return c.compactor.Compress(ctx)
}

// CreateProjection assembles the budget-bounded context for an
// instruction. A zero budget falls back to the configured total.
func (c *Controller) CreateProjection(instruction string, totalBudget int) (*ProjectionResult, error) {
	if totalBudget <= 0 {
		totalBudget = c.cfg.TotalBudget
	}
	return c.projector.CreateProjection(instruction, totalBudget)
}

// Shutdown drains the vectorization queue and stops maintenance. No other
// component requires teardown ordering.
func (c *Controller) Shutdown(timeout time.Duration) error {
	c.StopMaintenance()
	if c.vectorizer != nil {
		return c.vectorizer.Shutdown(timeout)
	}
	return nil
}
