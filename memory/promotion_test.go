package memory_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/becomeliminal/tiermem/core"
	"github.com/becomeliminal/tiermem/memory"
)

func newTestSession(t *testing.T, id string) *core.Session {
	t.Helper()
	return core.NewSession(id, 800, 3200)
}

func TestPromotionIngestsL1Log(t *testing.T) {
	store := memory.NewStore()
	pipeline := memory.NewPromotionPipeline(store, memory.DefaultConfig())

	session := newTestSession(t, "s1")
	require.NoError(t, session.AddTask(core.NewEntry("decided to use postgres for the queue", core.TierL1Ephemeral, core.TypeMessage, 0.5)))
	require.NoError(t, session.AddTask(core.NewEntry("schema migration plan drafted", core.TierL1Ephemeral, core.TypePlan, 0.4)))

	report, err := pipeline.PromoteSession(context.Background(), session, false, false)
	require.NoError(t, err)

	assert.Equal(t, 1, report.SessionsProcessed)
	assert.Equal(t, 2, report.IngestedL2)
	assert.Equal(t, 0, report.Discarded)
	assert.Nil(t, report.L2ToL3, "unrequested stage reports nil")
	assert.Nil(t, report.L3ToL4)

	l2 := store.GetTier(core.TierL2Working)
	require.Len(t, l2, 2)
	for _, e := range l2 {
		assert.True(t, e.HasSession("s1"))
	}

	// A second pass over the same log is a no-op.
	report, err = pipeline.PromoteSession(context.Background(), session, false, false)
	require.NoError(t, err)
	assert.Equal(t, 0, report.IngestedL2)
	assert.Len(t, store.GetTier(core.TierL2Working), 2)
}

func TestPromotionDiscardsTrivialContent(t *testing.T) {
	store := memory.NewStore()
	pipeline := memory.NewPromotionPipeline(store, memory.DefaultConfig())

	session := newTestSession(t, "s1")
	for _, content := range []string{
		"ok",
		"Thanks!!",
		"好的",
		"谢谢。",
		"hi", // below the minimum promotion length
		"got it",
	} {
		require.NoError(t, session.AddTask(core.NewEntry(content, core.TierL1Ephemeral, core.TypeMessage, 0.9)))
	}
	require.NoError(t, session.AddTask(core.NewEntry("the staging cluster runs kubernetes 1.29", core.TierL1Ephemeral, core.TypeMessage, 0.9)))

	report, err := pipeline.PromoteSession(context.Background(), session, false, false)
	require.NoError(t, err)

	assert.Equal(t, 6, report.Discarded)
	assert.Equal(t, 1, report.IngestedL2)

	l2 := store.GetTier(core.TierL2Working)
	require.Len(t, l2, 1)
	assert.Equal(t, "the staging cluster runs kubernetes 1.29", l2[0].Content)
}

func TestPromotionSummarizesLongContent(t *testing.T) {
	store := memory.NewStore()
	cfg := memory.DefaultConfig()
	cfg.SummarizationThreshold = 20
	summ := &stubSummarizer{summary: "condensed version"}
	pipeline := memory.NewPromotionPipeline(store, cfg, memory.WithSummarizer(summ))

	session := newTestSession(t, "s1")
	long := "a long discussion about connection pool sizing and the final decision"
	require.NoError(t, session.AddTask(core.NewEntry(long, core.TierL1Ephemeral, core.TypeMessage, 0.5)))

	_, err := pipeline.PromoteSession(context.Background(), session, false, false)
	require.NoError(t, err)

	l2 := store.GetTier(core.TierL2Working)
	require.Len(t, l2, 1)
	assert.Equal(t, "condensed version", l2[0].Content)
	assert.Equal(t, core.TypeSummary, l2[0].Type)
	assert.True(t, l2[0].Metadata.Summarized())
	assert.Equal(t, 1, summ.callCount())
}

func TestPromotionSummarizerFailureStoresOriginal(t *testing.T) {
	store := memory.NewStore()
	cfg := memory.DefaultConfig()
	cfg.SummarizationThreshold = 20
	summ := &stubSummarizer{err: errSummarizerDown}
	pipeline := memory.NewPromotionPipeline(store, cfg, memory.WithSummarizer(summ))

	session := newTestSession(t, "s1")
	long := "a long discussion about connection pool sizing and the final decision"
	require.NoError(t, session.AddTask(core.NewEntry(long, core.TierL1Ephemeral, core.TypeMessage, 0.5)))

	_, err := pipeline.PromoteSession(context.Background(), session, false, false)
	require.NoError(t, err, "summarizer failure must not propagate")

	l2 := store.GetTier(core.TierL2Working)
	require.Len(t, l2, 1)
	assert.Equal(t, long, l2[0].Content)
	assert.Equal(t, core.TypeMessage, l2[0].Type)
	assert.False(t, l2[0].Metadata.Summarized())
}

func TestPromotionNoSummarizerStoresOriginal(t *testing.T) {
	store := memory.NewStore()
	cfg := memory.DefaultConfig()
	cfg.SummarizationThreshold = 10
	pipeline := memory.NewPromotionPipeline(store, cfg)

	session := newTestSession(t, "s1")
	require.NoError(t, session.AddTask(core.NewEntry("content well past the threshold", core.TierL1Ephemeral, core.TypeMessage, 0.5)))

	_, err := pipeline.PromoteSession(context.Background(), session, false, false)
	require.NoError(t, err)
	require.Len(t, store.GetTier(core.TierL2Working), 1)
}

func TestPromotionStagesRespectImportanceThresholds(t *testing.T) {
	store := memory.NewStore()
	cfg := memory.DefaultConfig() // L2->L3 at 0.3, L3->L4 at 0.6
	pipeline := memory.NewPromotionPipeline(store, cfg)
	session := newTestSession(t, "s1")

	important := core.NewEntry("the customer requires eu data residency", core.TierL2Working, core.TypeFact, 0.7)
	important.TagSession("s1")
	mundane := core.NewEntry("looked at the dashboard briefly", core.TierL2Working, core.TypeMessage, 0.1)
	mundane.TagSession("s1")
	require.NoError(t, store.Add(important))
	require.NoError(t, store.Add(mundane))

	report, err := pipeline.PromoteSession(context.Background(), session, true, false)
	require.NoError(t, err)

	require.NotNil(t, report.L2ToL3)
	assert.True(t, *report.L2ToL3)
	assert.Equal(t, 1, report.PromotedL3)

	l3 := store.GetTier(core.TierL3SessionSummary)
	require.Len(t, l3, 1)
	assert.Equal(t, important.Content, l3[0].Content)
	assert.Equal(t, core.TierL3SessionSummary, l3[0].Tier)

	// The source stays at L2; promotion copies upward, never moves.
	assert.Len(t, store.GetTier(core.TierL2Working), 2)

	// Next pass carries the L3 copy on to L4.
	report, err = pipeline.PromoteSession(context.Background(), session, false, true)
	require.NoError(t, err)
	require.NotNil(t, report.L3ToL4)
	assert.True(t, *report.L3ToL4)

	l4 := store.GetTier(core.TierL4Global)
	require.Len(t, l4, 1)
	assert.Equal(t, important.Content, l4[0].Content)
}

func TestPromotionStageSkipsOtherSessions(t *testing.T) {
	store := memory.NewStore()
	pipeline := memory.NewPromotionPipeline(store, memory.DefaultConfig())
	session := newTestSession(t, "s1")

	other := core.NewEntry("belongs to another session", core.TierL2Working, core.TypeFact, 0.9)
	other.TagSession("s2")
	require.NoError(t, store.Add(other))

	report, err := pipeline.PromoteSession(context.Background(), session, true, false)
	require.NoError(t, err)

	require.NotNil(t, report.L2ToL3)
	assert.False(t, *report.L2ToL3)
	assert.Empty(t, store.GetTier(core.TierL3SessionSummary))
}

func TestPromotionCancelledPassLeavesStoreUntouched(t *testing.T) {
	store := memory.NewStore()
	pipeline := memory.NewPromotionPipeline(store, memory.DefaultConfig())

	session := newTestSession(t, "s1")
	require.NoError(t, session.AddTask(core.NewEntry("will not be committed this pass", core.TierL1Ephemeral, core.TypeMessage, 0.5)))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := pipeline.PromoteSession(ctx, session, false, false)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, store.Len())

	// The entry is still eligible on retry.
	report, err := pipeline.PromoteSession(context.Background(), session, false, false)
	require.NoError(t, err)
	assert.Equal(t, 1, report.IngestedL2)
	assert.Equal(t, 1, store.TierLen(core.TierL2Working))
}
