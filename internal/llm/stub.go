package llm

import (
	"context"
	"sync"
)

// StubProvider is the test double. Responses are served from a queue;
// when the queue runs dry it echoes the last user message. Errors can be
// injected per call.
type StubProvider struct {
	mu        sync.Mutex
	name      string
	pricing   Pricing
	responses []*Response
	errs      []error

	// Requests records every request for assertions.
	Requests []*Request
}

// NewStubProvider creates a stub named name.
func NewStubProvider(name string) *StubProvider {
	if name == "" {
		name = "stub"
	}
	return &StubProvider{name: name}
}

// Enqueue appends a canned response.
func (p *StubProvider) Enqueue(resp *Response) *StubProvider {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.responses = append(p.responses, resp)
	p.errs = append(p.errs, nil)
	return p
}

// EnqueueError appends a failing call.
func (p *StubProvider) EnqueueError(err error) *StubProvider {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.responses = append(p.responses, nil)
	p.errs = append(p.errs, err)
	return p
}

// SetPricing configures the cost basis.
func (p *StubProvider) SetPricing(pr Pricing) *StubProvider {
	p.pricing = pr
	return p
}

func (p *StubProvider) Name() string     { return p.name }
func (p *StubProvider) Pricing() Pricing { return p.pricing }

func (p *StubProvider) Complete(ctx context.Context, req *Request) (*Response, error) {
	return p.next(req)
}

func (p *StubProvider) CompleteWithTools(ctx context.Context, req *Request) (*Response, error) {
	return p.next(req)
}

func (p *StubProvider) next(req *Request) (*Response, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Requests = append(p.Requests, req)

	if len(p.responses) > 0 {
		resp, err := p.responses[0], p.errs[0]
		p.responses = p.responses[1:]
		p.errs = p.errs[1:]
		if err != nil {
			return nil, err
		}
		if resp.Provider == "" {
			resp.Provider = p.name
		}
		if resp.FinishReason == "" {
			resp.FinishReason = FinishStop
		}
		return resp, nil
	}

	// Echo fallback.
	text := ""
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == RoleUser {
			text = req.Messages[i].Content
			break
		}
	}
	return &Response{
		Text:         text,
		FinishReason: FinishStop,
		Provider:     p.name,
	}, nil
}

// CallCount reports how many completions were served.
func (p *StubProvider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.Requests)
}
