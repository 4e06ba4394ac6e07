package memory

import (
	"fmt"
	"math"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/becomeliminal/tiermem/core"
)

// Config holds the full engine configuration surface.
//
// Validation distinguishes fatal configuration errors (budget fractions not
// summing to ~1.0, non-positive caps) from recoverable runtime conditions:
// Validate runs at construction time and a failure there means the process
// must not start.
type Config struct {
	// TotalBudget is the default total token budget for projections.
	TotalBudget int `yaml:"total_budget"`

	// Per-tier fractions of the total budget. Must sum to 1.0 within ±5%.
	L1Percent float64 `yaml:"l1_percent"`
	L2Percent float64 `yaml:"l2_percent"`
	L3Percent float64 `yaml:"l3_percent"`
	L4Percent float64 `yaml:"l4_percent"`

	// MinPromotionLength is the minimum content length (in runes) for
	// promotion; shorter content is discarded as trivial.
	MinPromotionLength int `yaml:"min_promotion_length"`

	// L1ToL3Threshold and L3ToL4Threshold are the minimum importance
	// scores for content to qualify for the respective promotion stage.
	L1ToL3Threshold float64 `yaml:"l1_to_l3_threshold"`
	L3ToL4Threshold float64 `yaml:"l3_to_l4_threshold"`

	// SummarizationThreshold is the content length (in runes) above which
	// promotion invokes the summarizer before storing.
	SummarizationThreshold int `yaml:"summarization_threshold"`

	Compaction    CompactionConfig    `yaml:"compaction"`
	Vectorization VectorizationConfig `yaml:"vectorization"`

	// Debug enables verbose diagnostics (state dumps, extra logging).
	Debug bool `yaml:"debug"`
}

// CompactionConfig configures the L4 compaction engine.
type CompactionConfig struct {
	// Threshold is the L4 entry count at which compaction triggers.
	Threshold int `yaml:"threshold"`

	// SimilarityThreshold is the minimum cosine similarity for an entry
	// to join a cluster seed.
	SimilarityThreshold float64 `yaml:"similarity_threshold"`

	// MinClusterSize is the smallest cluster worth summarizing; smaller
	// clusters are left untouched.
	MinClusterSize int `yaml:"min_cluster_size"`
}

// VectorizationConfig configures the background embedding queue.
type VectorizationConfig struct {
	Enabled   bool `yaml:"enabled"`
	BatchSize int  `yaml:"batch_size"`
}

// DefaultConfig returns the engine defaults: 10/40/30/20 budget split across
// L1..L4, conservative promotion thresholds, vectorization off (opt-in).
func DefaultConfig() *Config {
	return &Config{
		TotalBudget:            8000,
		L1Percent:              0.10,
		L2Percent:              0.40,
		L3Percent:              0.30,
		L4Percent:              0.20,
		MinPromotionLength:     5,
		L1ToL3Threshold:        0.3,
		L3ToL4Threshold:        0.6,
		SummarizationThreshold: 500,
		Compaction: CompactionConfig{
			Threshold:           100,
			SimilarityThreshold: 0.75,
			MinClusterSize:      3,
		},
		Vectorization: VectorizationConfig{
			Enabled:   false,
			BatchSize: 16,
		},
	}
}

// budgetSumTolerance is the permitted deviation of the four tier fractions
// from 1.0 at configuration time.
const budgetSumTolerance = 0.05

// Validate checks the configuration, returning a fatal ConfigurationError
// on the first violation.
func (c *Config) Validate() error {
	if c.TotalBudget <= 0 {
		return core.NewConfigurationError("total_budget",
			fmt.Sprintf("must be positive, got %d", c.TotalBudget))
	}

	for _, pct := range []struct {
		name  string
		value float64
	}{
		{"l1_percent", c.L1Percent},
		{"l2_percent", c.L2Percent},
		{"l3_percent", c.L3Percent},
		{"l4_percent", c.L4Percent},
	} {
		if pct.value < 0 || pct.value > 1 {
			return core.NewConfigurationError(pct.name,
				fmt.Sprintf("must be within [0, 1], got %g", pct.value))
		}
	}

	sum := c.L1Percent + c.L2Percent + c.L3Percent + c.L4Percent
	if math.Abs(sum-1.0) > budgetSumTolerance {
		return core.NewConfigurationError("tier_percents",
			fmt.Sprintf("fractions must sum to 1.0 within ±%g, got %g", budgetSumTolerance, sum))
	}

	if c.MinPromotionLength < 0 {
		return core.NewConfigurationError("min_promotion_length", "must not be negative")
	}
	if c.SummarizationThreshold < 0 {
		return core.NewConfigurationError("summarization_threshold", "must not be negative")
	}
	if c.Compaction.Threshold < 0 {
		return core.NewConfigurationError("compaction.threshold", "must not be negative")
	}
	if c.Compaction.SimilarityThreshold < 0 || c.Compaction.SimilarityThreshold > 1 {
		return core.NewConfigurationError("compaction.similarity_threshold",
			fmt.Sprintf("must be within [0, 1], got %g", c.Compaction.SimilarityThreshold))
	}
	if c.Compaction.MinClusterSize < 1 {
		return core.NewConfigurationError("compaction.min_cluster_size", "must be at least 1")
	}
	if c.Vectorization.BatchSize < 1 {
		return core.NewConfigurationError("vectorization.batch_size", "must be at least 1")
	}

	return nil
}

// LoadConfig reads a YAML configuration file, fills unset fields from the
// defaults, and validates the result.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
