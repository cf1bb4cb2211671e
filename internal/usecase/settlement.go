package usecase

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"skysettle/internal/domain"

	"github.com/sirupsen/logrus"
)

// SettlementLedger is the ledger surface the coordinator composes.
type SettlementLedger interface {
	Purchase(ctx context.Context, id domain.RequestID, buyer string, payment int64) (domain.PurchaseRequest, error)
	Get(ctx context.Context, id domain.RequestID) (domain.PurchaseRequest, error)
	Refund(ctx context.Context, id domain.RequestID) (domain.PurchaseRequest, error)
}

// AttestationOracle is the oracle surface the coordinator composes.
type AttestationOracle interface {
	RequestAttestation(ctx context.Context, id domain.RequestID, payload domain.AttestationPayload) error
	FetchAttestationResult(ctx context.Context, id domain.RequestID) (domain.AttestationRecord, error)
	VerifyAndDeliver(ctx context.Context, id domain.RequestID, response, proof []byte) (domain.PurchaseRequest, error)
	Status(ctx context.Context, id domain.RequestID) (domain.AttestationRecord, error)
}

// RandomnessQuoter snapshots beacon rounds and serves price quotes.
type RandomnessQuoter interface {
	StoreRandomness(ctx context.Context, id domain.RequestID) (domain.RandomnessRecord, error)
	GetRandomPriceVariation(ctx context.Context, id domain.RequestID, basePrice, variationPercent int64) (domain.PriceQuote, error)
}

// PolicyGate admits or denies a purchase before any state is created.
type PolicyGate interface {
	EvaluatePurchase(ctx context.Context, input domain.PolicyInput) (domain.PolicyEvaluation, error)
}

// PurchaseParams is the settlement API's purchase request. DataType,
// Coordinates and DateRange identify the imagery product; together with
// the buyer they derive the idempotency key for every downstream call.
type PurchaseParams struct {
	Buyer            string          `json:"buyer"`
	DataType         string          `json:"data_type"`
	Coordinates      string          `json:"coordinates"`
	DateRange        string          `json:"date_range"`
	Payment          int64           `json:"payment"`
	AttestationType  string          `json:"attestation_type"`
	Parameters       json.RawMessage `json:"parameters"`
	BasePrice        int64           `json:"base_price"`
	VariationPercent int64           `json:"variation_percent"`
}

// PurchaseResult is returned from SubmitPurchase. Quote reflects the
// randomness-backed price at submission time; it never gates delivery.
type PurchaseResult struct {
	RequestID string                 `json:"request_id"`
	Request   domain.PurchaseRequest `json:"request"`
	Quote     domain.PriceQuote      `json:"quote"`
}

// Phase collapses the request and attestation state machines into the
// three answers a caller can act on: poll again, give up, or read the
// cached result.
type Phase string

const (
	PhaseProcessing Phase = "processing"
	PhaseFailed     Phase = "failed"
	PhaseComplete   Phase = "complete"
)

type StatusSnapshot struct {
	Request     domain.PurchaseRequest   `json:"request"`
	Attestation domain.AttestationRecord `json:"attestation"`
	Phase       Phase                    `json:"phase"`
}

// VerifyResult is returned from TriggerDelivery for the verify API.
type VerifyResult struct {
	Verified    bool   `json:"verified"`
	Status      string `json:"status"`
	Response    string `json:"attestation_response,omitempty"`
	Proof       string `json:"proof,omitempty"`
	DataHash    string `json:"data_hash,omitempty"`
	Phase       Phase  `json:"phase"`
	FailureInfo string `json:"failure_reason,omitempty"`
}

// Settlement sequences purchase, attestation and delivery. It owns no
// state of its own; every read and write goes through the ledger, the
// oracle or the randomness store.
type Settlement struct {
	ledger SettlementLedger
	oracle AttestationOracle
	quotes RandomnessQuoter
	policy PolicyGate
	log    logrus.FieldLogger
}

func NewSettlement(ledger SettlementLedger, oracle AttestationOracle, quotes RandomnessQuoter, policy PolicyGate, log logrus.FieldLogger) *Settlement {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Settlement{
		ledger: ledger,
		oracle: oracle,
		quotes: quotes,
		policy: policy,
		log:    log,
	}
}

// DeriveID computes the idempotency key for a set of purchase
// parameters. The same product for the same buyer always maps to the
// same request id, which is what makes retried submissions safe.
func (s *Settlement) DeriveID(params PurchaseParams) (domain.RequestID, error) {
	return domain.DeriveRequestID(map[string]any{
		"buyer":       params.Buyer,
		"data_type":   params.DataType,
		"coordinates": params.Coordinates,
		"date_range":  params.DateRange,
	})
}

// SubmitPurchase runs the admission policy, snapshots a beacon round
// for the derived id, quotes the price, escrows payment and submits the
// attestation request. Randomness and pricing never gate the purchase:
// a beacon outage degrades the quote to the base price. A hub outage
// after escrow leaves the request pending with the background poller
// retrying submission; the caller still gets the request id.
func (s *Settlement) SubmitPurchase(ctx context.Context, params PurchaseParams) (PurchaseResult, error) {
	if s.policy != nil {
		eval, err := s.policy.EvaluatePurchase(ctx, domain.PolicyInput{
			Buyer:            params.Buyer,
			AttestationType:  params.AttestationType,
			BasePrice:        params.BasePrice,
			VariationPercent: params.VariationPercent,
			Payment:          params.Payment,
		})
		if err != nil {
			return PurchaseResult{}, fmt.Errorf("policy evaluation: %w", err)
		}
		if !eval.Result.Allow {
			return PurchaseResult{}, fmt.Errorf("%w: %s", domain.ErrPolicyDenied, denySummary(eval.Result.Deny))
		}
	}

	id, err := s.DeriveID(params)
	if err != nil {
		return PurchaseResult{}, fmt.Errorf("derive request id: %w", err)
	}
	log := s.log.WithField("request_id", id.String())

	if _, err := s.quotes.StoreRandomness(ctx, id); err != nil {
		switch {
		case errors.Is(err, domain.ErrAlreadyFulfilled):
			// A prior or concurrent submission already pinned a round.
		case errors.Is(err, domain.ErrBeaconNotReady):
			log.Warn("beacon not ready, quoting base price")
		default:
			log.WithError(err).Warn("randomness snapshot failed")
		}
	}
	quote, err := s.quotes.GetRandomPriceVariation(ctx, id, params.BasePrice, params.VariationPercent)
	if err != nil {
		return PurchaseResult{}, fmt.Errorf("request %s: quote: %w", id, err)
	}

	req, err := s.ledger.Purchase(ctx, id, params.Buyer, params.Payment)
	if err != nil {
		return PurchaseResult{}, err
	}

	payload := domain.NewAttestationPayload(params.AttestationType, params.Parameters)
	if err := s.oracle.RequestAttestation(ctx, id, payload); err != nil {
		if errors.Is(err, domain.ErrHubUnavailable) {
			log.WithError(err).Warn("hub unavailable, submission will be retried")
		} else {
			return PurchaseResult{}, err
		}
	}

	return PurchaseResult{
		RequestID: id.String(),
		Request:   req,
		Quote:     quote,
	}, nil
}

// GetStatus composes the ledger row and the oracle's cached record. It
// never touches the network; a missing attestation record reads as a
// zero record.
func (s *Settlement) GetStatus(ctx context.Context, id domain.RequestID) (StatusSnapshot, error) {
	req, err := s.ledger.Get(ctx, id)
	if err != nil {
		return StatusSnapshot{}, err
	}
	rec, err := s.oracle.Status(ctx, id)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return StatusSnapshot{}, err
	}
	return StatusSnapshot{
		Request:     req,
		Attestation: rec,
		Phase:       phaseOf(req),
	}, nil
}

// TriggerDelivery is the idempotent verify-and-deliver entry point. A
// Delivered request returns its cached result, a Failed request reports
// the terminal failure, and a pending one attempts a single poll plus
// delivery, reporting "processing" when the result is not yet
// published.
func (s *Settlement) TriggerDelivery(ctx context.Context, id domain.RequestID) (VerifyResult, error) {
	req, err := s.ledger.Get(ctx, id)
	if err != nil {
		return VerifyResult{}, err
	}
	switch req.State {
	case domain.StateDelivered:
		return s.deliveredResult(ctx, id, req), nil
	case domain.StateFailed:
		return VerifyResult{
			Verified:    false,
			Status:      string(domain.AttestationRejected),
			Phase:       PhaseFailed,
			FailureInfo: req.FailureReason,
		}, fmt.Errorf("request %s (%s): %w", id, req.FailureReason, domain.ErrRequestFailed)
	}

	rec, err := s.oracle.FetchAttestationResult(ctx, id)
	if err != nil {
		if errors.Is(err, domain.ErrNotYetAvailable) {
			return VerifyResult{Status: string(rec.Status), Phase: PhaseProcessing}, nil
		}
		return VerifyResult{}, err
	}
	if rec.Status != domain.AttestationAvailable && rec.Status != domain.AttestationVerified {
		return VerifyResult{Status: string(rec.Status), Phase: PhaseProcessing}, nil
	}

	delivered, err := s.oracle.VerifyAndDeliver(ctx, id, rec.Response, rec.Proof)
	if err != nil {
		if errors.Is(err, domain.ErrProofRejected) {
			return VerifyResult{
				Verified:    false,
				Status:      string(domain.AttestationRejected),
				Phase:       PhaseFailed,
				FailureInfo: failureReason(ctx, s.ledger, id),
			}, err
		}
		return VerifyResult{}, err
	}
	return s.deliveredResult(ctx, id, delivered), nil
}

// Refund forwards the explicit administrative refund to the ledger.
func (s *Settlement) Refund(ctx context.Context, id domain.RequestID) (domain.PurchaseRequest, error) {
	return s.ledger.Refund(ctx, id)
}

func (s *Settlement) deliveredResult(ctx context.Context, id domain.RequestID, req domain.PurchaseRequest) VerifyResult {
	result := VerifyResult{
		Verified: true,
		Status:   string(domain.AttestationVerified),
		DataHash: req.DataHash,
		Phase:    PhaseComplete,
	}
	if rec, err := s.oracle.Status(ctx, id); err == nil {
		result.Status = string(rec.Status)
		result.Response = hexBlob(rec.Response)
		result.Proof = hexBlob(rec.Proof)
	}
	return result
}

func phaseOf(req domain.PurchaseRequest) Phase {
	switch req.State {
	case domain.StateDelivered:
		return PhaseComplete
	case domain.StateFailed:
		return PhaseFailed
	default:
		return PhaseProcessing
	}
}

func failureReason(ctx context.Context, ledger SettlementLedger, id domain.RequestID) string {
	req, err := ledger.Get(ctx, id)
	if err != nil {
		return ""
	}
	return req.FailureReason
}

func denySummary(denies []domain.PolicyDeny) string {
	if len(denies) == 0 {
		return "denied by policy"
	}
	out := denies[0].Code
	for _, d := range denies[1:] {
		out += ", " + d.Code
	}
	return out
}

func hexBlob(b []byte) string {
	if len(b) == 0 {
		return ""
	}
	return "0x" + hex.EncodeToString(b)
}
