package domain

import (
	"context"
	"time"
)

type EventType string

const (
	EventRequestOpened  EventType = "request_opened"
	EventDataDelivered  EventType = "data_delivered"
	EventRequestFailed  EventType = "request_failed"
	EventEscrowRefunded EventType = "escrow_refunded"
)

// LedgerEvent is emitted on every settlement transition and published
// to downstream consumers (imagery and analysis pipelines key off the
// request id and data hash after delivery).
type LedgerEvent struct {
	Type       EventType `json:"type"`
	RequestID  string    `json:"request_id"`
	Buyer      string    `json:"buyer,omitempty"`
	AmountPaid int64     `json:"amount_paid,omitempty"`
	DataHash   string    `json:"data_hash,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

type EventPublisher interface {
	Publish(ctx context.Context, event LedgerEvent) error
	Close() error
}
