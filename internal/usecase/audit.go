package usecase

import (
	"context"
	"errors"

	"skysettle/internal/domain"

	"github.com/sirupsen/logrus"
)

// AuditEmitter appends settlement transitions to the per-request hash
// chain. Emission failures are logged and swallowed: the audit trail
// must never fail a core flow that has already been persisted.
type AuditEmitter struct {
	Repo domain.AuditRepository
	Log  logrus.FieldLogger
}

func NewAuditEmitter(repo domain.AuditRepository, log logrus.FieldLogger) *AuditEmitter {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &AuditEmitter{Repo: repo, Log: log}
}

func (e *AuditEmitter) Emit(ctx context.Context, event domain.AuditEvent) (domain.AuditEvent, error) {
	if e == nil || e.Repo == nil {
		return domain.AuditEvent{}, errors.New("audit repository required")
	}
	if event.EventType == "" || event.RequestID == "" {
		return domain.AuditEvent{}, errors.New("audit event missing required fields")
	}
	if event.Payload == nil {
		event.Payload = map[string]any{}
	}
	return e.Repo.Append(ctx, event)
}

// Record is the fire-and-forget form used on the hot path.
func (e *AuditEmitter) Record(ctx context.Context, requestID string, eventType string, payload map[string]any) {
	if e == nil || e.Repo == nil {
		return
	}
	if _, err := e.Emit(ctx, domain.AuditEvent{
		RequestID: requestID,
		EventType: eventType,
		Payload:   payload,
	}); err != nil {
		e.Log.WithError(err).WithFields(logrus.Fields{
			"request_id": requestID,
			"event_type": eventType,
		}).Warn("audit append failed")
	}
}
