package memstore

import (
	"context"
	"errors"
	"sync"
	"time"

	"skysettle/internal/domain"

	"github.com/google/uuid"
)

// Audit keeps the per-request hash chains in memory. Append mirrors
// the database repository: it assigns the next sequence number and
// links the new event to the previous one under the same lock.
type Audit struct {
	mu     sync.Mutex
	chains map[string][]domain.AuditEvent
	now    func() time.Time
}

func NewAudit() *Audit {
	return &Audit{
		chains: make(map[string][]domain.AuditEvent),
		now:    time.Now,
	}
}

func (a *Audit) Append(ctx context.Context, event domain.AuditEvent) (domain.AuditEvent, error) {
	if err := ctx.Err(); err != nil {
		return domain.AuditEvent{}, err
	}
	if event.EventType == "" {
		return domain.AuditEvent{}, errors.New("event_type is required")
	}
	if event.RequestID == "" {
		return domain.AuditEvent{}, errors.New("request_id is required")
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = a.now().UTC()
	} else {
		event.CreatedAt = event.CreatedAt.UTC()
	}

	_, payloadHash, err := domain.HashAuditPayload(event.Payload)
	if err != nil {
		return domain.AuditEvent{}, err
	}
	event.PayloadHash = payloadHash

	a.mu.Lock()
	defer a.mu.Unlock()

	chain := a.chains[event.RequestID]
	event.Seq = int64(len(chain)) + 1
	event.PrevEventHash = domain.ZeroAuditHash
	if len(chain) > 0 {
		event.PrevEventHash = chain[len(chain)-1].EventHash
	}
	eventHash, err := domain.ComputeAuditEventHash(event)
	if err != nil {
		return domain.AuditEvent{}, err
	}
	event.EventHash = eventHash

	a.chains[event.RequestID] = append(chain, event)
	return event, nil
}

func (a *Audit) ListByRequest(ctx context.Context, requestID string) ([]domain.AuditEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	chain := a.chains[requestID]
	out := make([]domain.AuditEvent, len(chain))
	copy(out, chain)
	return out, nil
}
