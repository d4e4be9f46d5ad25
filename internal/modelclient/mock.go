package modelclient

import (
	"context"
	"sync"
)

// MockClient is a test Provider returning a scripted sequence of Parts.
// Grounded on the teacher's provider.MockProvider, reshaped around Part
// instead of StreamChunk/ChatResponse.
type MockClient struct {
	mu sync.Mutex

	name  string
	parts []Part
	err   error
}

// NewMock builds a mock that, when streamed, emits parts in order (a
// trailing PartDone is appended automatically unless the script already
// ends with a PartDone or a PartError).
func NewMock(name string, parts ...Part) *MockClient {
	return &MockClient{name: name, parts: parts}
}

// WithConnectError makes Stream itself fail instead of returning a channel,
// for exercising WithRetry's connection-retry path.
func (m *MockClient) WithConnectError(err error) *MockClient {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
	return m
}

func (m *MockClient) Name() string { return m.name }
func (m *MockClient) Close() error { return nil }

func (m *MockClient) Stream(ctx context.Context, req StreamRequest) (<-chan Part, error) {
	m.mu.Lock()
	err := m.err
	parts := append([]Part{}, m.parts...)
	m.mu.Unlock()

	if err != nil {
		return nil, err
	}

	if len(parts) == 0 || (parts[len(parts)-1].Kind != PartDone && parts[len(parts)-1].Kind != PartError) {
		parts = append(parts, Part{Kind: PartDone, Finish: FinishStop})
	}

	ch := make(chan Part, len(parts))
	go func() {
		defer close(ch)
		for _, p := range parts {
			select {
			case ch <- p:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}
