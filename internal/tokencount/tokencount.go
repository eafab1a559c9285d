// Package tokencount provides token estimation for admission budget checks.
// Uses a character-based heuristic (~4 chars per token for English) which is
// sufficient for pre-admission checks; the upstream-reported usage figure is
// the authoritative one for billing.
package tokencount

import (
	gateway "github.com/autogram-ai/autogram/internal"
)

// Counter estimates token counts for requests and text.
type Counter struct{}

// NewCounter creates a new Counter.
func NewCounter() *Counter {
	return &Counter{}
}

// EstimateRequest estimates the input token count for a completion request,
// covering both the prompt and chat forms. Chat messages carry a small
// per-message formatting overhead.
func (c *Counter) EstimateRequest(req *gateway.CompletionRequest) int {
	if req.Prompt != "" {
		return max(estimateTokens(req.Prompt), 1)
	}
	total := 0
	for _, m := range req.Messages {
		total += messageOverhead
		total += estimateTokens(m.Role)
		total += estimateTokens(m.Content)
	}
	total += 3 // every reply is primed with a role preamble
	return max(total, 1)
}

// CountText estimates tokens for a plain text string.
func (c *Counter) CountText(text string) int {
	return max(estimateTokens(text), 1)
}

// estimateTokens uses the ~4 characters per token heuristic.
// ceil division so short strings still count.
func estimateTokens(s string) int {
	if len(s) == 0 {
		return 0
	}
	return (len(s) + 3) / 4
}

// messageOverhead is the per-message token overhead for chat formatting.
const messageOverhead = 4
