package memory

import (
	"github.com/becomeliminal/tiermem/core"
)

// BudgetAllocator splits a total token budget across the four tiers by
// fixed, configurable percentages. The split is validated once at
// construction; after that, allocation can never fail at runtime.
type BudgetAllocator struct {
	l1Pct float64
	l2Pct float64
	l3Pct float64
	l4Pct float64
}

// TierBudgets holds per-tier integer token caps (floor rounded).
type TierBudgets struct {
	L1 int
	L2 int
	L3 int
	L4 int
}

// For returns the cap for a tier, 0 for unknown tiers.
func (b TierBudgets) For(tier core.Tier) int {
	switch tier {
	case core.TierL1Ephemeral:
		return b.L1
	case core.TierL2Working:
		return b.L2
	case core.TierL3SessionSummary:
		return b.L3
	case core.TierL4Global:
		return b.L4
	default:
		return 0
	}
}

// NewBudgetAllocator validates the configured split and creates an
// allocator. A split whose fractions do not sum to 1.0 within ±5% is a
// fatal configuration error.
func NewBudgetAllocator(cfg *Config) (*BudgetAllocator, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &BudgetAllocator{
		l1Pct: cfg.L1Percent,
		l2Pct: cfg.L2Percent,
		l3Pct: cfg.L3Percent,
		l4Pct: cfg.L4Percent,
	}, nil
}

// ComputeTierBudgets splits totalBudget into per-tier integer caps.
// Rounding is floor: leftover tokens are never reassigned, keeping the caps
// strictly within the configured fractions.
func (a *BudgetAllocator) ComputeTierBudgets(totalBudget int) TierBudgets {
	if totalBudget <= 0 {
		return TierBudgets{}
	}
	return TierBudgets{
		L1: int(float64(totalBudget) * a.l1Pct),
		L2: int(float64(totalBudget) * a.l2Pct),
		L3: int(float64(totalBudget) * a.l3Pct),
		L4: int(float64(totalBudget) * a.l4Pct),
	}
}
