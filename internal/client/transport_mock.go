package client

import (
	"context"
	"sync"

	fetchopts "github.com/hanpama/groqlive/internal/fetchopts"
)

// MockFetch answers a single fetch in tests.
type MockFetch func(ctx context.Context, query string, params map[string]any, opts fetchopts.FetchOptions) (*Response, error)

// NewMockResponse returns a MockFetch that always answers with resp.
func NewMockResponse(resp *Response) MockFetch {
	return func(context.Context, string, map[string]any, fetchopts.FetchOptions) (*Response, error) {
		cp := *resp
		return &cp, nil
	}
}

// NewMockError returns a MockFetch that always fails with err.
func NewMockError(err error) MockFetch {
	return func(context.Context, string, map[string]any, fetchopts.FetchOptions) (*Response, error) {
		return nil, err
	}
}

// Call records one Fetch invocation.
type Call struct {
	Query   string
	Params  map[string]any
	Options fetchopts.FetchOptions
}

// MockTransport implements Transport with a swappable handler and a call log.
type MockTransport struct {
	mu    sync.Mutex
	fetch MockFetch
	calls []Call
}

var _ Transport = (*MockTransport)(nil)

func NewMockTransport(fetch MockFetch) *MockTransport {
	return &MockTransport{fetch: fetch}
}

func (m *MockTransport) Fetch(ctx context.Context, query string, params map[string]any, opts fetchopts.FetchOptions) (*Response, error) {
	m.mu.Lock()
	m.calls = append(m.calls, Call{Query: query, Params: params, Options: opts})
	fn := m.fetch
	m.mu.Unlock()
	if fn == nil {
		return &Response{Result: []byte("null")}, nil
	}
	return fn(ctx, query, params, opts)
}

// SetFetch replaces the handler.
func (m *MockTransport) SetFetch(fn MockFetch) {
	m.mu.Lock()
	m.fetch = fn
	m.mu.Unlock()
}

// Calls returns a copy of the call log.
func (m *MockTransport) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Call(nil), m.calls...)
}

// Reset clears the call log.
func (m *MockTransport) Reset() {
	m.mu.Lock()
	m.calls = nil
	m.mu.Unlock()
}
