package llms

import (
	"context"
	"fmt"
	"sync"
)

// ScriptedProvider replays a fixed sequence of responses. It backs the
// engine and dispatcher tests, and doubles as a dry-run provider.
type ScriptedProvider struct {
	mu        sync.Mutex
	model     string
	responses []*Response
	requests  []*Request
	errs      map[int]error
	pos       int
}

func NewScriptedProvider(model string, responses ...*Response) *ScriptedProvider {
	if model == "" {
		model = "scripted"
	}
	return &ScriptedProvider{model: model, responses: responses, errs: make(map[int]error)}
}

// Enqueue appends another response to the script.
func (p *ScriptedProvider) Enqueue(resp *Response) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.responses = append(p.responses, resp)
}

// FailAt makes the i-th call (0-based) return err instead of a response.
func (p *ScriptedProvider) FailAt(i int, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.errs[i] = err
}

func (p *ScriptedProvider) Generate(ctx context.Context, req *Request) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	idx := p.pos
	p.pos++
	p.requests = append(p.requests, req)

	if err, ok := p.errs[idx]; ok {
		return nil, err
	}
	if idx >= len(p.responses) {
		return nil, fmt.Errorf("scripted provider exhausted after %d responses", len(p.responses))
	}
	return p.responses[idx], nil
}

// Requests returns the requests observed so far.
func (p *ScriptedProvider) Requests() []*Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Request, len(p.requests))
	copy(out, p.requests)
	return out
}

func (p *ScriptedProvider) GetModelName() string { return p.model }
func (p *ScriptedProvider) Close() error         { return nil }
