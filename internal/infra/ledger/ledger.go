// Package ledger implements the settlement state machine: escrow on
// purchase, verification-gated delivery, explicit administrative
// refund. All transitions go through the request repository's per-key
// read-modify-write, so purchase and delivery for a single request id
// are mutually exclusive while different ids proceed concurrently.
package ledger

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"skysettle/internal/domain"
	"skysettle/internal/usecase"

	"github.com/sirupsen/logrus"
)

// ProofVerifier is the local verification predicate evaluated before
// delivery, standing in for the on-chain verification contract.
type ProofVerifier interface {
	Verify(ctx context.Context, response, proof []byte) (bool, error)
}

type Config struct {
	// MinPayment is the smallest accepted escrow amount.
	MinPayment int64
	// Payee receives escrowed funds on successful delivery.
	Payee string
}

type Ledger struct {
	cfg      Config
	requests domain.RequestRepository
	verifier ProofVerifier
	events   domain.EventPublisher
	audit    *usecase.AuditEmitter
	log      logrus.FieldLogger
	now      func() time.Time
}

func New(cfg Config, requests domain.RequestRepository, verifier ProofVerifier, events domain.EventPublisher, audit *usecase.AuditEmitter, log logrus.FieldLogger) *Ledger {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Ledger{
		cfg:      cfg,
		requests: requests,
		verifier: verifier,
		events:   events,
		audit:    audit,
		log:      log,
		now:      time.Now,
	}
}

// Purchase escrows payment and opens a request in Created state. The
// repository's put-if-absent rejects duplicate ids without touching
// the existing row.
func (l *Ledger) Purchase(ctx context.Context, id domain.RequestID, buyer string, payment int64) (domain.PurchaseRequest, error) {
	if id.IsZero() {
		return domain.PurchaseRequest{}, fmt.Errorf("%w: zero request id", domain.ErrUnknownRequest)
	}
	if payment < l.cfg.MinPayment {
		return domain.PurchaseRequest{}, fmt.Errorf("%w: request %s: got %d, need %d", domain.ErrInsufficientPayment, id, payment, l.cfg.MinPayment)
	}
	req := domain.PurchaseRequest{
		ID:         id,
		Buyer:      buyer,
		AmountPaid: payment,
		State:      domain.StateCreated,
	}
	if err := l.requests.Create(ctx, req); err != nil {
		return domain.PurchaseRequest{}, fmt.Errorf("request %s: %w", id, err)
	}

	l.publish(ctx, domain.LedgerEvent{
		Type:       domain.EventRequestOpened,
		RequestID:  id.String(),
		Buyer:      buyer,
		AmountPaid: payment,
		OccurredAt: l.now().UTC(),
	})
	l.audit.Record(ctx, id.String(), string(domain.EventRequestOpened), map[string]any{
		"buyer":       buyer,
		"amount_paid": payment,
	})
	return req, nil
}

// DeliverData verifies the proof against the attestation response and,
// on success, transitions the request to Delivered exactly once,
// stores the content hash and releases escrow to the configured payee.
func (l *Ledger) DeliverData(ctx context.Context, id domain.RequestID, response, proof []byte) (domain.PurchaseRequest, error) {
	var delivered domain.PurchaseRequest
	updated, err := l.requests.Update(ctx, id, func(req *domain.PurchaseRequest) error {
		switch req.State {
		case domain.StateDelivered:
			return fmt.Errorf("request %s: %w", id, domain.ErrAlreadyDelivered)
		case domain.StateFailed:
			return fmt.Errorf("request %s (%s): %w", id, req.FailureReason, domain.ErrRequestFailed)
		}
		ok, err := l.verifier.Verify(ctx, response, proof)
		if err != nil {
			return fmt.Errorf("request %s: verify proof: %w", id, err)
		}
		if !ok {
			return fmt.Errorf("request %s: %w", id, domain.ErrInvalidProof)
		}
		sum := sha256.Sum256(response)
		req.State = domain.StateDelivered
		req.DataHash = hex.EncodeToString(sum[:])
		req.EscrowReleased = true
		return nil
	})
	if err != nil {
		return domain.PurchaseRequest{}, err
	}
	delivered = updated

	l.log.WithFields(logrus.Fields{
		"request_id": id.String(),
		"data_hash":  delivered.DataHash,
		"payee":      l.cfg.Payee,
	}).Info("data delivered, escrow released")

	l.publish(ctx, domain.LedgerEvent{
		Type:       domain.EventDataDelivered,
		RequestID:  id.String(),
		Buyer:      delivered.Buyer,
		AmountPaid: delivered.AmountPaid,
		DataHash:   delivered.DataHash,
		OccurredAt: l.now().UTC(),
	})
	l.audit.Record(ctx, id.String(), string(domain.EventDataDelivered), map[string]any{
		"data_hash": delivered.DataHash,
		"payee":     l.cfg.Payee,
	})
	return delivered, nil
}

// MarkFailed records an unrecoverable failure. Escrow is retained; a
// refund is a separate administrative operation.
func (l *Ledger) MarkFailed(ctx context.Context, id domain.RequestID, reason string) (domain.PurchaseRequest, error) {
	updated, err := l.requests.Update(ctx, id, func(req *domain.PurchaseRequest) error {
		switch req.State {
		case domain.StateDelivered:
			return fmt.Errorf("request %s: %w", id, domain.ErrAlreadyDelivered)
		case domain.StateFailed:
			// Keep the first recorded reason.
			return nil
		}
		req.State = domain.StateFailed
		req.FailureReason = reason
		return nil
	})
	if err != nil {
		return domain.PurchaseRequest{}, err
	}

	l.publish(ctx, domain.LedgerEvent{
		Type:       domain.EventRequestFailed,
		RequestID:  id.String(),
		Reason:     updated.FailureReason,
		OccurredAt: l.now().UTC(),
	})
	l.audit.Record(ctx, id.String(), string(domain.EventRequestFailed), map[string]any{
		"reason": updated.FailureReason,
	})
	return updated, nil
}

// Refund returns escrow to the buyer. Only Failed requests qualify;
// this is an explicit operator action, never triggered automatically.
func (l *Ledger) Refund(ctx context.Context, id domain.RequestID) (domain.PurchaseRequest, error) {
	updated, err := l.requests.Update(ctx, id, func(req *domain.PurchaseRequest) error {
		if req.State != domain.StateFailed {
			return fmt.Errorf("request %s in state %s: %w", id, req.State, domain.ErrRequestFailed)
		}
		if req.EscrowRefunded {
			return fmt.Errorf("request %s: %w", id, domain.ErrAlreadyRefunded)
		}
		req.EscrowRefunded = true
		return nil
	})
	if err != nil {
		return domain.PurchaseRequest{}, err
	}

	l.publish(ctx, domain.LedgerEvent{
		Type:       domain.EventEscrowRefunded,
		RequestID:  id.String(),
		Buyer:      updated.Buyer,
		AmountPaid: updated.AmountPaid,
		OccurredAt: l.now().UTC(),
	})
	l.audit.Record(ctx, id.String(), string(domain.EventEscrowRefunded), map[string]any{
		"buyer":  updated.Buyer,
		"amount": updated.AmountPaid,
	})
	return updated, nil
}

// VerifyProof exposes the verification predicate to the oracle so a
// rejected proof can be recorded without attempting delivery.
func (l *Ledger) VerifyProof(ctx context.Context, response, proof []byte) (bool, error) {
	return l.verifier.Verify(ctx, response, proof)
}

func (l *Ledger) Get(ctx context.Context, id domain.RequestID) (domain.PurchaseRequest, error) {
	return l.requests.Get(ctx, id)
}

func (l *Ledger) publish(ctx context.Context, event domain.LedgerEvent) {
	if l.events == nil {
		return
	}
	if err := l.events.Publish(ctx, event); err != nil {
		l.log.WithError(err).WithFields(logrus.Fields{
			"request_id": event.RequestID,
			"event_type": string(event.Type),
		}).Warn("ledger event publish failed")
	}
}
