package domain

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// AttestationPayloadVersion is the schema version stamped on every
// payload so the opaque parameter blob stays decodable across upgrades.
const AttestationPayloadVersion = 1

// AttestationPayload wraps the opaque description of what is being
// attested. Parameters are never interpreted by this service; they are
// forwarded to the verifier as-is.
type AttestationPayload struct {
	Version    int             `json:"version"`
	Type       string          `json:"type"`
	Parameters json.RawMessage `json:"parameters"`
}

func NewAttestationPayload(attestationType string, parameters json.RawMessage) AttestationPayload {
	return AttestationPayload{
		Version:    AttestationPayloadVersion,
		Type:       attestationType,
		Parameters: parameters,
	}
}

func (p AttestationPayload) Validate() error {
	if p.Version != AttestationPayloadVersion {
		return errors.New("unsupported attestation payload version")
	}
	if p.Type == "" {
		return errors.New("attestation type is required")
	}
	return nil
}

type AttestationStatus string

const (
	AttestationPending   AttestationStatus = "pending"
	AttestationAvailable AttestationStatus = "available"
	AttestationVerified  AttestationStatus = "verified"
	AttestationRejected  AttestationStatus = "rejected"
)

// AttestationRecord tracks one request through the external consensus
// layer. Handle is the hub-assigned tracking id; it stays empty while
// submission is still being retried.
type AttestationRecord struct {
	RequestID RequestID
	Payload   AttestationPayload
	Status    AttestationStatus
	Handle    string
	Response  []byte
	Proof     []byte
	Attempts  int

	SubmittedAt time.Time
	UpdatedAt   time.Time
}

type AttestationRepository interface {
	Create(ctx context.Context, rec AttestationRecord) error
	Get(ctx context.Context, id RequestID) (AttestationRecord, error)
	Update(ctx context.Context, id RequestID, apply func(*AttestationRecord) error) (AttestationRecord, error)
}
