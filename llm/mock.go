package llm

import "context"

// MockClient is a test double for the Client interface. Responses are
// consumed in order; the last one repeats once the queue drains.
type MockClient struct {
	Responses []string
	Err       error
	Calls     []string // records prompts sent
}

// Complete records the call and returns the next queued response.
func (m *MockClient) Complete(ctx context.Context, prompt string, opts Options) (string, error) {
	m.Calls = append(m.Calls, prompt)
	if m.Err != nil {
		return "", m.Err
	}
	if len(m.Responses) == 0 {
		return "", nil
	}
	resp := m.Responses[0]
	if len(m.Responses) > 1 {
		m.Responses = m.Responses[1:]
	}
	return resp, nil
}
