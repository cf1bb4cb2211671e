package domain

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// RequestID is the 32-byte idempotency key threaded through every
// ledger, oracle and randomness operation.
type RequestID [32]byte

func ParseRequestID(s string) (RequestID, error) {
	var id RequestID
	s = strings.TrimPrefix(strings.TrimSpace(s), "0x")
	raw, err := hex.DecodeString(s)
	if err != nil {
		return id, fmt.Errorf("invalid request id: %w", err)
	}
	if len(raw) != len(id) {
		return id, errors.New("invalid request id: must be 32 bytes")
	}
	copy(id[:], raw)
	return id, nil
}

// DeriveRequestID computes a request id from the purchase parameters so
// that a retried submission of the same logical purchase maps to the
// same key. Map key ordering in encoding/json is deterministic.
func DeriveRequestID(fields map[string]any) (RequestID, error) {
	var id RequestID
	canonical, err := json.Marshal(fields)
	if err != nil {
		return id, err
	}
	return RequestID(sha256.Sum256(canonical)), nil
}

func (id RequestID) String() string {
	return "0x" + hex.EncodeToString(id[:])
}

func (id RequestID) IsZero() bool {
	return id == RequestID{}
}

func (id RequestID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

func (id *RequestID) UnmarshalText(raw []byte) error {
	parsed, err := ParseRequestID(string(raw))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

type RequestState string

const (
	StateCreated              RequestState = "created"
	StateAttestationRequested RequestState = "attestation_requested"
	StateAttestationVerified  RequestState = "attestation_verified"
	StateDelivered            RequestState = "delivered"
	StateFailed               RequestState = "failed"
)

func (s RequestState) Terminal() bool {
	return s == StateDelivered || s == StateFailed
}

// PurchaseRequest is the ledger's record of one paid-for data unit.
// Rows are never deleted; the ledger is an append-only audit trail.
type PurchaseRequest struct {
	ID            RequestID
	Buyer         string
	AmountPaid    int64
	State         RequestState
	DataHash      string
	FailureReason string

	EscrowReleased bool
	EscrowRefunded bool

	CreatedAt time.Time
	UpdatedAt time.Time
}

// RequestRepository is the key-value view of the settlement substrate.
// Create is put-if-absent; Update runs apply under the per-key write
// lock so read-modify-write transitions are serialized per request id.
// Operations on different ids are independent.
type RequestRepository interface {
	Create(ctx context.Context, req PurchaseRequest) error
	Get(ctx context.Context, id RequestID) (PurchaseRequest, error)
	Update(ctx context.Context, id RequestID, apply func(*PurchaseRequest) error) (PurchaseRequest, error)
}
