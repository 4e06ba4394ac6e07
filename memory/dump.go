package memory

import (
	"time"

	"github.com/becomeliminal/tiermem/core"
)

// previewLength is the fixed cutoff for content previews in state dumps.
const previewLength = 80

// StateDump is a read-only diagnostic snapshot of the store. It exists for
// debugging only and is never consulted by control flow.
type StateDump struct {
	TotalEntries int         `json:"total_entries"`
	Entries      []DumpEntry `json:"entries"`
}

// DumpEntry is one entry's diagnostic view.
type DumpEntry struct {
	Key            string                 `json:"key"`
	ContentPreview string                 `json:"content_preview"`
	Metadata       map[string]interface{} `json:"metadata,omitempty"`
	Tier           string                 `json:"tier"`
	Timestamp      time.Time              `json:"timestamp"`
}

// DumpState snapshots every entry across all tiers, in tier order then
// insertion order, with previews truncated past the fixed length.
func (c *Controller) DumpState() *StateDump {
	dump := &StateDump{}
	for _, tier := range []core.Tier{
		core.TierL1Ephemeral,
		core.TierL2Working,
		core.TierL3SessionSummary,
		core.TierL4Global,
	} {
		for _, e := range c.store.GetTier(tier) {
			dump.Entries = append(dump.Entries, DumpEntry{
				Key:            e.ID,
				ContentPreview: truncatePreview(e.Content, previewLength),
				Metadata:       e.Metadata,
				Tier:           tier.String(),
				Timestamp:      e.Timestamp,
			})
		}
	}
	dump.TotalEntries = len(dump.Entries)
	return dump
}

// truncatePreview truncates content to maxLen runes, adding "..." when
// truncated.
func truncatePreview(s string, maxLen int) string {
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	return string(runes[:maxLen]) + "..."
}
