package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"skysettle/internal/domain"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// AuditEventRepository appends to the per-request hash chain. The chain
// serializes on a request_audit_seq row taken FOR UPDATE, so two
// concurrent appends for the same request cannot produce the same seq
// or fork the chain.
type AuditEventRepository struct {
	db *gorm.DB
}

func NewAuditEventRepository(db *gorm.DB) *AuditEventRepository {
	return &AuditEventRepository{db: db}
}

func (r *AuditEventRepository) Append(ctx context.Context, event domain.AuditEvent) (domain.AuditEvent, error) {
	if r.db == nil {
		return domain.AuditEvent{}, errDBUnavailable
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
		event.CreatedAt = time.Now().UTC()
	}
	event.CreatedAt = event.CreatedAt.UTC().Truncate(time.Microsecond)

	payloadJSON, payloadHash, err := domain.HashAuditPayload(event.Payload)
	if err != nil {
		return domain.AuditEvent{}, err
	}
	event.PayloadHash = payloadHash

	var out domain.AuditEvent
	err = r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		seq, prevHash, err := nextAuditSeq(ctx, tx, event.RequestID)
		if err != nil {
			return err
		}
		event.Seq = seq
		event.PrevEventHash = prevHash

		eventHash, err := domain.ComputeAuditEventHash(event)
		if err != nil {
			return err
		}
		event.EventHash = eventHash

		model := AuditEventModel{
			ID:            event.ID,
			RequestID:     event.RequestID,
			Seq:           event.Seq,
			EventType:     event.EventType,
			PayloadJSON:   payloadJSON,
			PayloadHash:   event.PayloadHash,
			PrevEventHash: event.PrevEventHash,
			EventHash:     event.EventHash,
			CreatedAt:     event.CreatedAt,
		}
		if err := tx.Create(&model).Error; err != nil {
			return err
		}
		out = event
		return nil
	})
	if err != nil {
		return domain.AuditEvent{}, err
	}
	return out, nil
}

func (r *AuditEventRepository) ListByRequest(ctx context.Context, requestID string) ([]domain.AuditEvent, error) {
	if r.db == nil {
		return nil, errDBUnavailable
	}
	var models []AuditEventModel
	if err := r.db.WithContext(ctx).
		Where("request_id = ?", requestID).
		Order("seq ASC").
		Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]domain.AuditEvent, 0, len(models))
	for _, model := range models {
		event, err := auditEventFromModel(model)
		if err != nil {
			return nil, err
		}
		out = append(out, event)
	}
	return out, nil
}

func auditEventFromModel(model AuditEventModel) (domain.AuditEvent, error) {
	payload, err := domain.DecodeAuditPayload(model.PayloadJSON)
	if err != nil {
		return domain.AuditEvent{}, fmt.Errorf("audit event %s: %w", model.ID, err)
	}
	return domain.AuditEvent{
		ID:            model.ID,
		RequestID:     model.RequestID,
		Seq:           model.Seq,
		EventType:     model.EventType,
		Payload:       payload,
		PayloadHash:   model.PayloadHash,
		PrevEventHash: model.PrevEventHash,
		EventHash:     model.EventHash,
		CreatedAt:     model.CreatedAt.UTC(),
	}, nil
}

func nextAuditSeq(ctx context.Context, tx *gorm.DB, requestID string) (int64, string, error) {
	if err := tx.WithContext(ctx).Exec(
		"INSERT INTO request_audit_seq (request_id, seq) VALUES (?, 0) ON CONFLICT (request_id) DO NOTHING",
		requestID,
	).Error; err != nil {
		return 0, "", err
	}

	var currentSeq int64
	if err := tx.WithContext(ctx).Raw(
		"SELECT seq FROM request_audit_seq WHERE request_id = ? FOR UPDATE",
		requestID,
	).Scan(&currentSeq).Error; err != nil {
		return 0, "", err
	}
	nextSeq := currentSeq + 1
	if err := tx.WithContext(ctx).Exec(
		"UPDATE request_audit_seq SET seq = ? WHERE request_id = ?",
		nextSeq,
		requestID,
	).Error; err != nil {
		return 0, "", err
	}

	prevHash := domain.ZeroAuditHash
	if currentSeq > 0 {
		var prev AuditEventModel
		if err := tx.WithContext(ctx).
			Where("request_id = ? AND seq = ?", requestID, currentSeq).
			Take(&prev).Error; err != nil {
			return 0, "", err
		}
		prevHash = prev.EventHash
	}
	if prevHash == "" {
		return 0, "", fmt.Errorf("missing previous event hash for request %s", requestID)
	}
	return nextSeq, prevHash, nil
}
