package interaction

import (
	"sync"
)

// Question is one pending question the agent asked the user.
type Question struct {
	ID          string   `json:"id"`
	ToolCallID  string   `json:"tool_call_id,omitempty"`
	Header      string   `json:"header,omitempty"`
	Text        string   `json:"text"`
	Options     []string `json:"options,omitempty"`
	MultiSelect bool     `json:"multi_select,omitempty"`
	Iteration   int      `json:"iteration"`
}

// QuestionFlow is a FIFO of pending questions. Only the head is "current":
// the one displayed and awaited. Enqueue hooks let the transport stream new
// questions out as they appear.
type QuestionFlow struct {
	mu     sync.Mutex
	queue  []*Question
	onPush func(*Question)
}

func NewQuestionFlow(onPush func(*Question)) *QuestionFlow {
	return &QuestionFlow{onPush: onPush}
}

// Enqueue appends a question and fires the push hook.
func (f *QuestionFlow) Enqueue(q *Question) {
	f.mu.Lock()
	f.queue = append(f.queue, q)
	hook := f.onPush
	f.mu.Unlock()

	if hook != nil {
		hook(q)
	}
}

// Current returns the head question, or nil when none is pending.
func (f *QuestionFlow) Current() *Question {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.queue) == 0 {
		return nil
	}
	return f.queue[0]
}

// PopCurrent removes the head question and returns the next one, if any.
func (f *QuestionFlow) PopCurrent() *Question {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.queue) == 0 {
		return nil
	}
	f.queue = f.queue[1:]
	if len(f.queue) == 0 {
		return nil
	}
	return f.queue[0]
}

// Len reports how many questions are queued.
func (f *QuestionFlow) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.queue)
}

// Clear drops every queued question, e.g. on session cancellation.
func (f *QuestionFlow) Clear() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queue = nil
}
