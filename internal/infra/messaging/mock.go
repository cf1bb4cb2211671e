package messaging

import (
	"context"
	"sync"

	"skysettle/internal/domain"
)

// MockPublisher collects events in memory. It backs tests and no-broker
// deployments.
type MockPublisher struct {
	mu     sync.Mutex
	events []domain.LedgerEvent
	closed bool
}

func NewMockPublisher() *MockPublisher {
	return &MockPublisher{}
}

func (p *MockPublisher) Publish(ctx context.Context, event domain.LedgerEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

func (p *MockPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *MockPublisher) Events() []domain.LedgerEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]domain.LedgerEvent, len(p.events))
	copy(out, p.events)
	return out
}

var _ domain.EventPublisher = (*MockPublisher)(nil)
