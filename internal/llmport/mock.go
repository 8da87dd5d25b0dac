package llmport

import "context"

// MockCompleter is a scriptable Completer for tests: it returns Responses in
// order, looping on the last entry once exhausted, and records every request
// it saw.
type MockCompleter struct {
	Responses []CompleteResult
	Err       error
	Requests  []CompleteRequest
	calls     int
}

func (m *MockCompleter) Complete(ctx context.Context, req CompleteRequest) (CompleteResult, error) {
	m.Requests = append(m.Requests, req)
	if m.Err != nil {
		return CompleteResult{}, m.Err
	}
	if len(m.Responses) == 0 {
		return CompleteResult{Content: "{}"}, nil
	}
	idx := m.calls
	if idx >= len(m.Responses) {
		idx = len(m.Responses) - 1
	}
	m.calls++
	return m.Responses[idx], nil
}

// MockEmbedder returns a fixed-width deterministic vector derived from text
// length, enough to exercise link-candidate scoring paths in tests without
// a real embedding model.
type MockEmbedder struct {
	Dim int
	Err error
}

func (m *MockEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if m.Err != nil {
		return nil, m.Err
	}
	dim := m.Dim
	if dim <= 0 {
		dim = 8
	}
	vec := make([]float32, dim)
	for i, r := range text {
		vec[i%dim] += float32(r % 31)
	}
	return vec, nil
}
