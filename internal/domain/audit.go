package domain

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"time"
)

const AuditChainVersion = "skysettle_audit_v1"

// ZeroAuditHash seeds the per-request hash chain.
const ZeroAuditHash = "0000000000000000000000000000000000000000000000000000000000000000"

// AuditEvent is one link in a per-request hash chain. Seq starts at 1
// and PrevEventHash of the first event is ZeroAuditHash, so a verifier
// can replay the chain and detect truncation or tampering.
type AuditEvent struct {
	ID        string
	RequestID string
	Seq       int64
	EventType string
	Payload   map[string]any

	PayloadHash   string
	PrevEventHash string
	EventHash     string

	CreatedAt time.Time
}

type AuditRepository interface {
	Append(ctx context.Context, event AuditEvent) (AuditEvent, error)
	ListByRequest(ctx context.Context, requestID string) ([]AuditEvent, error)
}

// HashAuditPayload canonicalizes the payload (encoding/json sorts map
// keys) and returns the serialized bytes with their sha256 hex digest.
func HashAuditPayload(payload map[string]any) ([]byte, string, error) {
	if payload == nil {
		payload = map[string]any{}
	}
	canonical, err := json.Marshal(payload)
	if err != nil {
		return nil, "", err
	}
	sum := sha256.Sum256(canonical)
	return canonical, hex.EncodeToString(sum[:]), nil
}

// DecodeAuditPayload reverses HashAuditPayload's serialization.
func DecodeAuditPayload(raw []byte) (map[string]any, error) {
	if len(raw) == 0 {
		return map[string]any{}, nil
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ComputeAuditEventHash covers the chain-relevant fields only; payload
// contents are bound through PayloadHash.
func ComputeAuditEventHash(event AuditEvent) (string, error) {
	if event.PayloadHash == "" {
		return "", errors.New("payload_hash is required")
	}
	if event.PrevEventHash == "" {
		return "", errors.New("prev_event_hash is required")
	}
	link := map[string]any{
		"v":               AuditChainVersion,
		"request_id":      event.RequestID,
		"seq":             event.Seq,
		"event_type":      event.EventType,
		"payload_hash":    event.PayloadHash,
		"prev_event_hash": event.PrevEventHash,
		"created_at":      event.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
	canonical, err := json.Marshal(link)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}
