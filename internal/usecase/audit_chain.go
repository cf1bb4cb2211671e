package usecase

import (
	"context"
	"errors"
	"fmt"

	"skysettle/internal/domain"
)

// VerifyRequestAuditChain replays a request's audit events and checks
// every link: seq starts at 1 with no gaps, each PrevEventHash equals
// the prior EventHash, and every payload and event hash recomputes to
// the stored value. An empty chain is valid.
func VerifyRequestAuditChain(ctx context.Context, repo domain.AuditRepository, requestID string) error {
	if repo == nil {
		return errors.New("audit repository required")
	}
	if requestID == "" {
		return errors.New("request id required")
	}
	events, err := repo.ListByRequest(ctx, requestID)
	if err != nil {
		return err
	}

	expectedSeq := int64(1)
	prevHash := domain.ZeroAuditHash
	for _, event := range events {
		if event.RequestID != requestID {
			return fmt.Errorf("audit chain request mismatch at seq %d", event.Seq)
		}
		if event.Seq != expectedSeq {
			return fmt.Errorf("audit chain seq mismatch: expected %d got %d", expectedSeq, event.Seq)
		}
		if event.PrevEventHash != prevHash {
			return fmt.Errorf("audit chain prev hash mismatch at seq %d", event.Seq)
		}
		if event.CreatedAt.IsZero() {
			return fmt.Errorf("audit chain missing created_at at seq %d", event.Seq)
		}
		_, payloadHash, err := domain.HashAuditPayload(event.Payload)
		if err != nil {
			return fmt.Errorf("audit chain payload hash failed at seq %d: %w", event.Seq, err)
		}
		if payloadHash != event.PayloadHash {
			return fmt.Errorf("audit chain payload hash mismatch at seq %d", event.Seq)
		}
		expectedHash, err := domain.ComputeAuditEventHash(event)
		if err != nil {
			return fmt.Errorf("audit chain hash compute failed at seq %d: %w", event.Seq, err)
		}
		if expectedHash != event.EventHash {
			return fmt.Errorf("audit chain hash mismatch at seq %d", event.Seq)
		}
		prevHash = event.EventHash
		expectedSeq++
	}
	return nil
}
