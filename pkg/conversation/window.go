package conversation

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrContextOverflow is returned when truncation would drop the most recent
// user message instead of older history.
var ErrContextOverflow = errors.New("context overflow")

// Window is the bounded projection of history handed to a provider.
// It is derived state and never persisted.
type Window struct {
	System   string    `json:"system,omitempty"`
	Messages []Message `json:"messages"`
	Tokens   int       `json:"tokens"`  // estimate for Messages
	Dropped  int       `json:"dropped"` // messages truncated from the front
}

// messageOverhead is the fixed per-message token estimate added on top of
// content, covering role tags and framing.
const messageOverhead = 4

// EstimateTokens approximates the token cost of a message. Providers count
// tokens with their own tokenizers; a chars/4 estimate keeps the budget
// check provider-neutral.
func EstimateTokens(m Message) int {
	n := len(m.Content)
	if m.Payload != nil {
		if raw, err := json.Marshal(m.Payload); err == nil {
			n += len(raw)
		}
	}
	for _, call := range m.ToolCalls {
		n += len(call.Name)
		if raw, err := json.Marshal(call.Arguments); err == nil {
			n += len(raw)
		}
	}
	return n/4 + messageOverhead
}

// BuildWindow projects history into a window that fits the token budget.
// Truncation drops whole leading turns (oldest first); the suffix always
// starts at a user message so no orphan tool results survive. If even the
// suffix beginning at the most recent user message exceeds the budget, the
// build fails with ErrContextOverflow rather than losing that message.
func BuildWindow(system string, history []Message, budget int) (Window, error) {
	if budget <= 0 {
		return Window{}, fmt.Errorf("window budget must be positive: %w", ErrContextOverflow)
	}

	costs := make([]int, len(history))
	total := len(system) / 4
	for i, m := range history {
		costs[i] = EstimateTokens(m)
		total += costs[i]
	}

	start := 0
	for total > budget && start < len(history) {
		// Drop up to and including the next message, then realign to the
		// next user message so the window never opens mid-turn.
		total -= costs[start]
		start++
		for start < len(history) && history[start].Role != RoleUser {
			total -= costs[start]
			start++
		}
	}

	if total > budget {
		return Window{}, fmt.Errorf("history of %d estimated tokens exceeds budget %d: %w", total, budget, ErrContextOverflow)
	}

	// The newest user message must have survived truncation.
	lastUser := -1
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role == RoleUser {
			lastUser = i
			break
		}
	}
	if lastUser >= 0 && start > lastUser {
		return Window{}, fmt.Errorf("latest user message does not fit budget %d: %w", budget, ErrContextOverflow)
	}

	return Window{
		System:   system,
		Messages: history[start:],
		Tokens:   total,
		Dropped:  start,
	}, nil
}
