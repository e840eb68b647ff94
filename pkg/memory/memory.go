// Package memory holds the conversation history for one session and keeps
// it inside a token budget. Trimming drops the oldest turns first but never
// the system prompt and never splits an assistant tool-call message from the
// tool results that answer it, since providers reject orphaned tool results.
package memory

import (
	"log/slog"
	"sync"

	"github.com/excelmanus/excelmanus/pkg/llms"
	"github.com/excelmanus/excelmanus/pkg/utils"
)

// DefaultTokenBudget bounds the history when no budget is configured.
const DefaultTokenBudget = 96000

// Conversation is the ordered message history of one session.
type Conversation struct {
	mu       sync.Mutex
	messages []llms.Message
	budget   int
	counter  *utils.TokenCounter
	log      *slog.Logger

	trimmed int // total messages dropped by budget trims
}

// NewConversation creates an empty history. A nil counter falls back to the
// bytes/4 estimate.
func NewConversation(budget int, counter *utils.TokenCounter) *Conversation {
	if budget <= 0 {
		budget = DefaultTokenBudget
	}
	return &Conversation{
		budget:  budget,
		counter: counter,
		log:     slog.Default().With("component", "memory"),
	}
}

// Append adds messages to the history and trims if the budget is exceeded.
func (c *Conversation) Append(msgs ...llms.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = append(c.messages, msgs...)
	c.trimLocked()
}

// Messages returns a copy of the current history.
func (c *Conversation) Messages() []llms.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]llms.Message, len(c.messages))
	copy(out, c.messages)
	return out
}

// Len reports the number of messages currently held.
func (c *Conversation) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.messages)
}

// TrimmedCount reports how many messages budget trims have dropped so far.
func (c *Conversation) TrimmedCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.trimmed
}

// Tokens returns the current token footprint of the history.
func (c *Conversation) Tokens() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tokensLocked()
}

// Reset drops everything, e.g. on a new session.
func (c *Conversation) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = nil
	c.trimmed = 0
}

func (c *Conversation) tokensLocked() int {
	total := 0
	for i := range c.messages {
		total += c.messageTokens(&c.messages[i])
	}
	return total
}

func (c *Conversation) messageTokens(m *llms.Message) int {
	content := m.Content
	for _, part := range m.Parts {
		content += part.Text
	}
	for _, tc := range m.ToolCalls {
		content += tc.Name + string(tc.Arguments)
	}
	if c.counter != nil {
		return c.counter.CountWithRole(string(m.Role), content)
	}
	return 3 + utils.EstimateTokens(string(m.Role)+content)
}

// trimLocked drops the oldest non-system turns until the history fits. An
// assistant message carrying tool calls is dropped together with the tool
// results that follow it.
func (c *Conversation) trimLocked() {
	if c.tokensLocked() <= c.budget {
		return
	}

	dropped := 0
	for c.tokensLocked() > c.budget {
		idx := c.oldestDroppableLocked()
		if idx < 0 {
			break
		}
		span := 1
		if len(c.messages[idx].ToolCalls) > 0 {
			for idx+span < len(c.messages) && c.messages[idx+span].Role == llms.RoleTool {
				span++
			}
		}
		c.messages = append(c.messages[:idx], c.messages[idx+span:]...)
		dropped += span
	}

	if dropped > 0 {
		c.trimmed += dropped
		c.log.Info("conversation trimmed to fit budget",
			"dropped", dropped, "remaining", len(c.messages), "budget", c.budget)
	}
}

// oldestDroppableLocked finds the oldest message that is neither the system
// prompt nor part of the final exchange. Tool results are never selected
// directly; they go with their assistant message.
func (c *Conversation) oldestDroppableLocked() int {
	// Keep the last user message and everything after it: that is the turn
	// currently being worked on.
	lastUser := -1
	for i := len(c.messages) - 1; i >= 0; i-- {
		if c.messages[i].Role == llms.RoleUser {
			lastUser = i
			break
		}
	}

	for i, m := range c.messages {
		if m.Role == llms.RoleSystem || m.Role == llms.RoleTool {
			continue
		}
		if lastUser >= 0 && i >= lastUser {
			return -1
		}
		return i
	}
	return -1
}
