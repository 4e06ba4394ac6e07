package core

// Token estimation heuristic. A fixed deterministic formula is used for
// both budget checks and usage reporting so the two can never disagree:
// character count divided by charsPerToken, plus a flat per-item overhead
// for message framing.
//
// Roughly accurate for English text under typical LLM tokenization; it is
// intentionally fast rather than exact.
const (
	charsPerToken   = 4
	perItemOverhead = 3
)

// EstimateTokens estimates the token cost of rendering one piece of content
// into a prompt, including its per-item framing overhead.
func EstimateTokens(content string) int {
	if len(content) == 0 {
		return perItemOverhead
	}
	return len(content)/charsPerToken + perItemOverhead
}

// EstimateEntryTokens estimates the token cost of rendering an entry.
func EstimateEntryTokens(e *MemoryEntry) int {
	if e == nil {
		return 0
	}
	return EstimateTokens(e.Content)
}
