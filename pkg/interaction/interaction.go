// Package interaction manages the pause points where the agent waits for a
// human: questions, high-risk approvals and mode-switch proposals. Each
// pending interaction is a buffered-channel future; the engine blocks on it
// with a timeout while the answer arrives over a different goroutine (HTTP
// handler, CLI reader, test).
package interaction

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Kind distinguishes what the agent is waiting for.
type Kind string

const (
	KindQuestion   Kind = "question"
	KindApproval   Kind = "approval"
	KindModeSwitch Kind = "mode_switch"
)

// DefaultTimeout bounds how long the agent waits for a human before the
// interaction expires.
const DefaultTimeout = 10 * time.Minute

// Response is what the human eventually supplies.
type Response struct {
	// Approved is meaningful for approvals and mode switches.
	Approved bool
	// ApproveAll extends an approval to the rest of the session, so no
	// further approvals are requested.
	ApproveAll bool
	// Text carries the answer for questions, or an optional note.
	Text string
}

// Pending is one open interaction.
type Pending struct {
	ID        string
	Kind      Kind
	Prompt    string
	Payload   map[string]any
	CreatedAt time.Time

	ch   chan Response
	once sync.Once
}

// resolve delivers the response exactly once.
func (p *Pending) resolve(resp Response) {
	p.once.Do(func() {
		p.ch <- resp
		close(p.ch)
	})
}

// Registry tracks open interactions by id.
type Registry struct {
	mu      sync.Mutex
	pending map[string]*Pending
	timeout time.Duration
	log     *slog.Logger
}

func NewRegistry(timeout time.Duration) *Registry {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Registry{
		pending: make(map[string]*Pending),
		timeout: timeout,
		log:     slog.Default().With("component", "interaction"),
	}
}

// Create registers a new pending interaction and returns it. The caller
// blocks on Await; some other goroutine calls Resolve with the same id.
func (r *Registry) Create(kind Kind, prompt string, payload map[string]any) *Pending {
	p := &Pending{
		ID:        newInteractionID(kind),
		Kind:      kind,
		Prompt:    prompt,
		Payload:   payload,
		CreatedAt: time.Now().UTC(),
		ch:        make(chan Response, 1),
	}
	r.mu.Lock()
	r.pending[p.ID] = p
	r.mu.Unlock()

	r.log.Info("interaction opened", "id", p.ID, "kind", kind)
	return p
}

// Resolve delivers a human response to a pending interaction.
func (r *Registry) Resolve(id string, resp Response) error {
	r.mu.Lock()
	p, ok := r.pending[id]
	if ok {
		delete(r.pending, id)
	}
	r.mu.Unlock()

	if !ok {
		return fmt.Errorf("no pending interaction %s (already resolved or expired)", id)
	}
	p.resolve(resp)
	r.log.Info("interaction resolved", "id", id, "kind", p.Kind, "approved", resp.Approved)
	return nil
}

// Cancel rejects a single pending interaction.
func (r *Registry) Cancel(id string) {
	r.Resolve(id, Response{Approved: false, Text: "cancelled"})
}

// CancelAll rejects everything still pending, e.g. when a session ends.
func (r *Registry) CancelAll() {
	r.mu.Lock()
	pending := make([]*Pending, 0, len(r.pending))
	for _, p := range r.pending {
		pending = append(pending, p)
	}
	r.pending = make(map[string]*Pending)
	r.mu.Unlock()

	for _, p := range pending {
		p.resolve(Response{Approved: false, Text: "cancelled"})
	}
	if len(pending) > 0 {
		r.log.Warn("cancelled pending interactions", "count", len(pending))
	}
}

// Pending lists the open interactions, for status surfaces.
func (r *Registry) Pending() []*Pending {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Pending, 0, len(r.pending))
	for _, p := range r.pending {
		out = append(out, p)
	}
	return out
}

// Await blocks until the interaction resolves, the registry timeout
// expires, or ctx ends. Expiry removes the entry so a late Resolve errors
// instead of blocking a goroutine forever.
func (r *Registry) Await(ctx context.Context, p *Pending) (Response, error) {
	select {
	case resp := <-p.ch:
		return resp, nil

	case <-time.After(r.timeout):
		r.mu.Lock()
		delete(r.pending, p.ID)
		r.mu.Unlock()
		p.resolve(Response{})
		r.log.Warn("interaction timed out", "id", p.ID, "kind", p.Kind, "timeout", r.timeout)
		return Response{}, fmt.Errorf("interaction %s timed out after %s", p.ID, r.timeout)

	case <-ctx.Done():
		r.mu.Lock()
		delete(r.pending, p.ID)
		r.mu.Unlock()
		p.resolve(Response{})
		return Response{}, ctx.Err()
	}
}

func newInteractionID(kind Kind) string {
	return string(kind) + "_" + uuid.NewString()
}
