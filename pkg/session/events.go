// Package session holds the per-conversation state and the event stream
// contract shared by the dispatcher and the engine. One session owns one
// State and one event sink; nothing here is shared across sessions.
package session

import (
	"encoding/json"
	"io"
	"sync"
	"time"
)

// Event types emitted over one session's stream, in execution order.
const (
	EventLLMCallStarted   = "llm_call_started"
	EventLLMCallFinished  = "llm_call_finished"
	EventToolCallStarted  = "tool_call_started"
	EventToolCallFinished = "tool_call_finished"
	EventFilesChanged     = "files_changed"
	EventExcelDiff        = "excel_diff"
	EventPendingApproval  = "pending_approval"
	EventUserQuestion     = "user_question"
	EventPlanProposed     = "plan_proposed"
	EventTaskDone         = "task_done"
	EventTaskError        = "task_error"
)

// Event is one entry on the session stream. Fields carries the event
// specific payload; it is flattened into the JSON object on the wire.
type Event struct {
	Type       string
	Iteration  int
	ToolCallID string
	Time       time.Time
	Fields     map[string]any
}

// MarshalJSON flattens Fields next to the fixed keys, matching the
// line-oriented stream format the transport consumes.
func (e Event) MarshalJSON() ([]byte, error) {
	obj := make(map[string]any, len(e.Fields)+4)
	for k, v := range e.Fields {
		obj[k] = v
	}
	obj["event_type"] = e.Type
	obj["iteration"] = e.Iteration
	if e.ToolCallID != "" {
		obj["tool_call_id"] = e.ToolCallID
	}
	obj["ts"] = e.Time.UTC().Format(time.RFC3339Nano)
	return json.Marshal(obj)
}

// Emitter receives session events. Implementations must tolerate emission
// from the session goroutine only; ordering matches execution order.
type Emitter interface {
	Emit(e Event)
}

// EmitterFunc adapts a function to Emitter.
type EmitterFunc func(e Event)

func (f EmitterFunc) Emit(e Event) { f(e) }

// NopEmitter drops every event.
type NopEmitter struct{}

func (NopEmitter) Emit(Event) {}

// JSONLEmitter writes one JSON object per line, the format the SSE
// transport forwards verbatim.
type JSONLEmitter struct {
	mu sync.Mutex
	w  io.Writer
}

func NewJSONLEmitter(w io.Writer) *JSONLEmitter {
	return &JSONLEmitter{w: w}
}

func (j *JSONLEmitter) Emit(e Event) {
	data, err := json.Marshal(e)
	if err != nil {
		return
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	j.w.Write(append(data, '\n'))
}

// Collector retains events in order, for tests and status surfaces.
type Collector struct {
	mu     sync.Mutex
	events []Event
}

func (c *Collector) Emit(e Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
}

// Events returns a copy of everything collected so far.
func (c *Collector) Events() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Event, len(c.events))
	copy(out, c.events)
	return out
}

// OfType returns the collected events with the given type.
func (c *Collector) OfType(eventType string) []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []Event
	for _, e := range c.events {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}
