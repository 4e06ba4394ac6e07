package core_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/becomeliminal/tiermem/core"
)

func TestSessionLifecycle(t *testing.T) {
	s := core.NewSession("s1", 800, 3200)
	assert.Equal(t, core.SessionActive, s.Status())

	require.NoError(t, s.Pause())
	assert.Equal(t, core.SessionPaused, s.Status())

	// Pausing a paused session is a no-op.
	require.NoError(t, s.Pause())

	require.NoError(t, s.Resume())
	assert.Equal(t, core.SessionActive, s.Status())
	require.NoError(t, s.Resume())

	s.End()
	assert.Equal(t, core.SessionEnded, s.Status())
	assert.False(t, s.EndedAt().IsZero())

	// End is idempotent.
	endedAt := s.EndedAt()
	s.End()
	assert.Equal(t, endedAt, s.EndedAt())

	err := s.Pause()
	oe, ok := core.IsOperationError(err)
	require.True(t, ok)
	assert.Equal(t, "session_ended", oe.Code)

	err = s.Resume()
	oe, ok = core.IsOperationError(err)
	require.True(t, ok)
	assert.Equal(t, "session_ended", oe.Code)
}

func TestSessionGeneratesID(t *testing.T) {
	s := core.NewSession("", 100, 100)
	assert.NotEmpty(t, s.ID)
}

func TestAddTaskForcesL1AndTags(t *testing.T) {
	s := core.NewSession("s1", 800, 3200)

	e := core.NewEntry("deploy finished", core.TierL4Global, core.TypeMessage, 0.4)
	require.NoError(t, s.AddTask(e))

	assert.Equal(t, core.TierL1Ephemeral, e.Tier)
	assert.True(t, e.HasSession("s1"))

	log := s.Log()
	require.Len(t, log, 1)
	assert.Equal(t, e.ID, log[0].ID)
}

func TestAddTaskAfterEnd(t *testing.T) {
	s := core.NewSession("s1", 800, 3200)
	s.End()

	err := s.AddTask(core.NewEntry("too late", core.TierL1Ephemeral, core.TypeMessage, 0.1))
	oe, ok := core.IsOperationError(err)
	require.True(t, ok)
	assert.Equal(t, "session_ended", oe.Code)
	assert.Empty(t, s.Log())
}

func TestAddTaskNilEntry(t *testing.T) {
	s := core.NewSession("s1", 800, 3200)
	require.Error(t, s.AddTask(nil))
}

func TestRecentLogClips(t *testing.T) {
	s := core.NewSession("s1", 800, 3200)
	for i := 0; i < 5; i++ {
		require.NoError(t, s.AddTask(core.NewEntry("message", core.TierL1Ephemeral, core.TypeMessage, 0.1)))
	}

	recent := s.RecentLog(3)
	require.Len(t, recent, 3)
	full := s.Log()
	assert.Equal(t, full[2].ID, recent[0].ID, "recent log keeps insertion order")

	assert.Len(t, s.RecentLog(50), 5)
	assert.Empty(t, s.RecentLog(0))
	assert.Empty(t, s.RecentLog(-1))
}
