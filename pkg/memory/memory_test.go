package memory

import (
	"encoding/json"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/excelmanus/excelmanus/pkg/llms"
)

func TestAppendAndMessages(t *testing.T) {
	c := NewConversation(0, nil)
	c.Append(
		llms.Message{Role: llms.RoleSystem, Content: "you are an agent"},
		llms.Message{Role: llms.RoleUser, Content: "hello"},
	)
	require.Equal(t, 2, c.Len())

	msgs := c.Messages()
	msgs[0].Content = "mutated"
	assert.Equal(t, "you are an agent", c.Messages()[0].Content, "Messages returns a copy")
}

func TestTrimDropsOldestFirst(t *testing.T) {
	// Tiny budget: only the system prompt and the current turn survive.
	c := NewConversation(60, nil)
	c.Append(llms.Message{Role: llms.RoleSystem, Content: "sys"})
	for i := 0; i < 10; i++ {
		c.Append(
			llms.Message{Role: llms.RoleUser, Content: fmt.Sprintf("question %d %s", i, strings.Repeat("x", 100))},
			llms.Message{Role: llms.RoleAssistant, Content: fmt.Sprintf("answer %d %s", i, strings.Repeat("y", 100))},
		)
	}

	msgs := c.Messages()
	assert.Equal(t, llms.RoleSystem, msgs[0].Role, "system prompt survives trimming")
	assert.Positive(t, c.TrimmedCount())
	assert.Contains(t, msgs[len(msgs)-2].Content, "question 9", "current turn survives")
}

func TestTrimKeepsToolCallsWithResults(t *testing.T) {
	c := NewConversation(80, nil)
	c.Append(llms.Message{Role: llms.RoleSystem, Content: "sys"})
	c.Append(
		llms.Message{Role: llms.RoleUser, Content: "old turn"},
		llms.Message{
			Role:      llms.RoleAssistant,
			ToolCalls: []llms.ToolCall{{ID: "c1", Name: "read_cells", Arguments: json.RawMessage(`{}`)}},
		},
		llms.Message{Role: llms.RoleTool, ToolCallID: "c1", Content: strings.Repeat("data ", 100)},
	)
	c.Append(
		llms.Message{Role: llms.RoleUser, Content: "current turn"},
		llms.Message{Role: llms.RoleAssistant, Content: "working on it"},
	)

	for _, m := range c.Messages() {
		if m.Role == llms.RoleTool {
			t.Fatal("orphaned tool result survived a trim")
		}
	}
}

func TestResetClearsEverything(t *testing.T) {
	c := NewConversation(0, nil)
	c.Append(llms.Message{Role: llms.RoleUser, Content: "hi"})
	c.Reset()
	assert.Zero(t, c.Len())
	assert.Zero(t, c.Tokens())
}
