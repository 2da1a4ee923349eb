// Package window implements the context pruner and compactor:
// coarse token estimation, oldest-first pruning that preserves the
// tool_use/tool_result pairing invariant, and compaction via an external
// summarizer. No tokenizer library is wired in for the running estimate
// (DESIGN.md); the four-characters-per-token heuristic is intentionally
// coarse.
package window

import (
	"context"

	"github.com/openclaw/miniagent/internal/message"
)

// EstimateTokens sums the coarse per-message token estimate (message.Message
// .EstimateTokens, 4 chars ≈ 1 token) across msgs.
func EstimateTokens(msgs []message.Message) int {
	total := 0
	for _, m := range msgs {
		total += m.EstimateTokens()
	}
	return total
}

// Prune drops the oldest messages from msgs until the estimated token count
// is at or under budget, preserving the tool_use/tool_result pairing
// invariant: a tool_result is never retained without the tool_use message
// earlier in the list that it answers — if that partner would otherwise be
// dropped, both drop together. Returns the retained tail and the dropped
// prefix, in original order. Under an impossibly small budget the retained
// list may become empty; Prune never panics or returns an inconsistent
// pairing in that case.
func Prune(msgs []message.Message, budget int) (retained, dropped []message.Message) {
	if budget < 0 {
		budget = 0
	}
	if EstimateTokens(msgs) <= budget {
		return append([]message.Message{}, msgs...), nil
	}

	// Walk from the end, extending the retained suffix leftward one message
	// at a time while it stays self-contained and its token total fits
	// budget; stop at the first message that would break either. The
	// retained suffix therefore never exceeds budget, and may be empty.
	n := len(msgs)
	cut := n // index of first retained message; msgs[:cut] is dropped

	for cut > 0 {
		candidate := msgs[cut-1:]
		if selfContained(candidate) && EstimateTokens(candidate) <= budget {
			cut--
			continue
		}
		break
	}

	// Ensure the chosen cut point doesn't split a tool_use/tool_result pair:
	// extend cut backward until the suffix starting at cut is self-contained.
	for cut > 0 && !selfContained(msgs[cut:]) {
		cut--
	}

	retained = append([]message.Message{}, msgs[cut:]...)
	dropped = append([]message.Message{}, msgs[:cut]...)
	return retained, dropped
}

// selfContained reports whether every tool_result in msgs answers a
// tool_use also present in msgs.
func selfContained(msgs []message.Message) bool {
	produced := map[string]bool{}
	for _, m := range msgs {
		for _, id := range m.ToolUseIDs() {
			produced[id] = true
		}
	}
	for _, m := range msgs {
		for _, id := range m.ToolResultIDs() {
			if !produced[id] {
				return false
			}
		}
	}
	return true
}

// Summarizer produces a compact summary of a dropped message prefix. It is
// an external collaborator (the LLM itself, invoked with a fixed system
// prompt) — only its contract is specified here.
type Summarizer interface {
	Summarize(ctx context.Context, dropped []message.Message) (string, error)
}

const summarizerSystemPrompt = "Summarize the following conversation history concisely, preserving any facts, decisions, or open tasks a continuation would need. Respond with the summary only."

// Compact prunes msgs against budget; if pruning drops any messages, it
// invokes summarizer on the dropped prefix and prepends the result as a
// synthetic user-role message ahead of the retained tail. If the dropped
// prefix is empty, or the summarizer yields no text, no synthetic message is
// added.
func Compact(ctx context.Context, summarizer Summarizer, msgs []message.Message, budget int, nowMs int64) ([]message.Message, error) {
	retained, dropped := Prune(msgs, budget)
	if len(dropped) == 0 || summarizer == nil {
		return retained, nil
	}
	summary, err := summarizer.Summarize(ctx, dropped)
	if err != nil {
		return nil, err
	}
	if summary == "" {
		return retained, nil
	}
	head := message.NewUserText(summary, nowMs)
	return append([]message.Message{head}, retained...), nil
}

// SummarizerSystemPrompt returns the fixed system prompt instructing the
// summarizer to produce a compact summary, exposed so callers building the
// provider request can reuse the same text this package uses internally.
func SummarizerSystemPrompt() string { return summarizerSystemPrompt }
