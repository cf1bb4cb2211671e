package domain

import "errors"

var (
	ErrDuplicateRequest    = errors.New("duplicate request")
	ErrInsufficientPayment = errors.New("insufficient payment")
	ErrUnknownRequest      = errors.New("unknown request")
	ErrAlreadyDelivered    = errors.New("already delivered")
	ErrInvalidProof        = errors.New("invalid proof")
	ErrRequestFailed       = errors.New("request failed")
	ErrAlreadyRefunded     = errors.New("escrow already refunded")

	ErrAlreadyFulfilled = errors.New("randomness already fulfilled")
	ErrBeaconNotReady   = errors.New("beacon not ready")

	ErrHubUnavailable     = errors.New("attestation hub unavailable")
	ErrNotYetAvailable    = errors.New("attestation not yet available")
	ErrProofRejected      = errors.New("proof rejected")
	ErrAttestationTimeout = errors.New("attestation timeout")

	ErrPolicyDenied = errors.New("purchase denied by policy")
	ErrNotFound     = errors.New("not found")
)
