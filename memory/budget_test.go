package memory_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/becomeliminal/tiermem/core"
	"github.com/becomeliminal/tiermem/memory"
)

func TestBudgetSplitDefaults(t *testing.T) {
	alloc, err := memory.NewBudgetAllocator(memory.DefaultConfig())
	require.NoError(t, err)

	budgets := alloc.ComputeTierBudgets(8000)
	assert.Equal(t, 800, budgets.L1)
	assert.Equal(t, 3200, budgets.L2)
	assert.Equal(t, 2400, budgets.L3)
	assert.Equal(t, 1600, budgets.L4)
}

func TestBudgetSplitFloorsRounding(t *testing.T) {
	alloc, err := memory.NewBudgetAllocator(memory.DefaultConfig())
	require.NoError(t, err)

	// 10% of 1001 is 100.1; floor keeps caps strictly within fractions.
	budgets := alloc.ComputeTierBudgets(1001)
	assert.Equal(t, 100, budgets.L1)
	assert.Equal(t, 400, budgets.L2)
	assert.Equal(t, 300, budgets.L3)
	assert.Equal(t, 200, budgets.L4)
	assert.LessOrEqual(t, budgets.L1+budgets.L2+budgets.L3+budgets.L4, 1001)
}

func TestBudgetSplitSumTolerance(t *testing.T) {
	cfg := memory.DefaultConfig()
	cfg.L2Percent = 0.44 // sum 1.04, inside ±0.05
	_, err := memory.NewBudgetAllocator(cfg)
	assert.NoError(t, err)

	cfg = memory.DefaultConfig()
	cfg.L2Percent = 0.50 // sum 1.10
	_, err = memory.NewBudgetAllocator(cfg)
	require.Error(t, err)
	var ce *core.ConfigurationError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "tier_percents", ce.Field)
}

func TestBudgetRejectsOutOfRangeFraction(t *testing.T) {
	cfg := memory.DefaultConfig()
	cfg.L1Percent = -0.1
	_, err := memory.NewBudgetAllocator(cfg)
	var ce *core.ConfigurationError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "l1_percent", ce.Field)
}

func TestBudgetZeroTotal(t *testing.T) {
	alloc, err := memory.NewBudgetAllocator(nil)
	require.NoError(t, err)
	assert.Equal(t, memory.TierBudgets{}, alloc.ComputeTierBudgets(0))
}

func TestTierBudgetsFor(t *testing.T) {
	b := memory.TierBudgets{L1: 1, L2: 2, L3: 3, L4: 4}
	assert.Equal(t, 1, b.For(core.TierL1Ephemeral))
	assert.Equal(t, 4, b.For(core.TierL4Global))
	assert.Equal(t, 0, b.For(core.Tier(99)))
}
