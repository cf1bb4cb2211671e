package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"testing"

	"skysettle/internal/domain"
)

type fakeLedger struct {
	requests map[domain.RequestID]domain.PurchaseRequest
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{requests: make(map[domain.RequestID]domain.PurchaseRequest)}
}

func (l *fakeLedger) Purchase(ctx context.Context, id domain.RequestID, buyer string, payment int64) (domain.PurchaseRequest, error) {
	if _, exists := l.requests[id]; exists {
		return domain.PurchaseRequest{}, domain.ErrDuplicateRequest
	}
	req := domain.PurchaseRequest{ID: id, Buyer: buyer, AmountPaid: payment, State: domain.StateCreated}
	l.requests[id] = req
	return req, nil
}

func (l *fakeLedger) Get(ctx context.Context, id domain.RequestID) (domain.PurchaseRequest, error) {
	req, ok := l.requests[id]
	if !ok {
		return domain.PurchaseRequest{}, domain.ErrUnknownRequest
	}
	return req, nil
}

func (l *fakeLedger) Refund(ctx context.Context, id domain.RequestID) (domain.PurchaseRequest, error) {
	req, ok := l.requests[id]
	if !ok {
		return domain.PurchaseRequest{}, domain.ErrUnknownRequest
	}
	if req.State != domain.StateFailed {
		return domain.PurchaseRequest{}, domain.ErrRequestFailed
	}
	req.EscrowRefunded = true
	l.requests[id] = req
	return req, nil
}

type fakeOracle struct {
	requestErr error
	requests   int

	fetchRec domain.AttestationRecord
	fetchErr error

	deliverReq domain.PurchaseRequest
	deliverErr error
	delivers   int

	statusRec domain.AttestationRecord
	statusErr error
}

func (o *fakeOracle) RequestAttestation(ctx context.Context, id domain.RequestID, payload domain.AttestationPayload) error {
	o.requests++
	return o.requestErr
}

func (o *fakeOracle) FetchAttestationResult(ctx context.Context, id domain.RequestID) (domain.AttestationRecord, error) {
	return o.fetchRec, o.fetchErr
}

func (o *fakeOracle) VerifyAndDeliver(ctx context.Context, id domain.RequestID, response, proof []byte) (domain.PurchaseRequest, error) {
	o.delivers++
	return o.deliverReq, o.deliverErr
}

func (o *fakeOracle) Status(ctx context.Context, id domain.RequestID) (domain.AttestationRecord, error) {
	return o.statusRec, o.statusErr
}

type fakeQuoter struct {
	storeErr error
	stores   int
	value    *big.Int
}

func (q *fakeQuoter) StoreRandomness(ctx context.Context, id domain.RequestID) (domain.RandomnessRecord, error) {
	q.stores++
	if q.storeErr != nil {
		return domain.RandomnessRecord{}, q.storeErr
	}
	return domain.RandomnessRecord{ID: id, RandomValue: q.value, Fulfilled: true}, nil
}

func (q *fakeQuoter) GetRandomPriceVariation(ctx context.Context, id domain.RequestID, basePrice, variationPercent int64) (domain.PriceQuote, error) {
	quote := domain.PriceQuote{ID: id, BasePrice: basePrice}
	if q.storeErr != nil || q.value == nil {
		quote.FinalPrice = basePrice
		return quote, nil
	}
	quote.Fulfilled = true
	quote.VariationFactor = domain.PriceVariation(q.value, variationPercent)
	quote.FinalPrice = domain.FinalPrice(basePrice, quote.VariationFactor)
	return quote, nil
}

type fakePolicy struct {
	result domain.PolicyResult
	err    error
	calls  int
}

func (p *fakePolicy) EvaluatePurchase(ctx context.Context, input domain.PolicyInput) (domain.PolicyEvaluation, error) {
	p.calls++
	return domain.PolicyEvaluation{Result: p.result}, p.err
}

func allowAll() *fakePolicy {
	return &fakePolicy{result: domain.PolicyResult{Allow: true}}
}

func mustDerive(t *testing.T) domain.RequestID {
	t.Helper()
	id, err := domain.DeriveRequestID(map[string]any{"k": "v"})
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	return id
}

func testParams() PurchaseParams {
	return PurchaseParams{
		Buyer:            "0xbuyer",
		DataType:         "sar",
		Coordinates:      "51.5,-0.1",
		DateRange:        "2026-01-01/2026-01-31",
		Payment:          12_000,
		AttestationType:  "JsonApi",
		Parameters:       json.RawMessage(`{"url":"https://example.org/scene/1"}`),
		BasePrice:        10_000,
		VariationPercent: 10,
	}
}

func TestSubmitPurchaseHappyPath(t *testing.T) {
	ledger := newFakeLedger()
	oracle := &fakeOracle{}
	// value mod 21 = 15 with P=10 gives factor 5.
	quoter := &fakeQuoter{value: big.NewInt(21*1_000_000 + 15)}
	s := NewSettlement(ledger, oracle, quoter, allowAll(), nil)

	result, err := s.SubmitPurchase(context.Background(), testParams())
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if result.RequestID == "" || result.Request.State != domain.StateCreated {
		t.Fatalf("unexpected result: %+v", result)
	}
	if result.Quote.VariationFactor != 5 || result.Quote.FinalPrice != 10_500 {
		t.Fatalf("unexpected quote: %+v", result.Quote)
	}
	if quoter.stores != 1 || oracle.requests != 1 {
		t.Fatalf("stores=%d requests=%d, want 1 and 1", quoter.stores, oracle.requests)
	}
}

func TestSubmitPurchaseIsDeterministicPerProduct(t *testing.T) {
	ledger := newFakeLedger()
	s := NewSettlement(ledger, &fakeOracle{}, &fakeQuoter{value: big.NewInt(7)}, allowAll(), nil)
	ctx := context.Background()

	first, err := s.SubmitPurchase(ctx, testParams())
	if err != nil {
		t.Fatalf("first submit: %v", err)
	}
	_, err = s.SubmitPurchase(ctx, testParams())
	if !errors.Is(err, domain.ErrDuplicateRequest) {
		t.Fatalf("resubmission err = %v, want ErrDuplicateRequest", err)
	}

	other := testParams()
	other.Coordinates = "48.8,2.3"
	second, err := s.SubmitPurchase(ctx, other)
	if err != nil {
		t.Fatalf("distinct product submit: %v", err)
	}
	if second.RequestID == first.RequestID {
		t.Fatal("distinct products derived the same request id")
	}
}

func TestSubmitPurchasePolicyDenied(t *testing.T) {
	ledger := newFakeLedger()
	oracle := &fakeOracle{}
	quoter := &fakeQuoter{value: big.NewInt(1)}
	policy := &fakePolicy{result: domain.PolicyResult{
		Deny: []domain.PolicyDeny{{Code: "payment_below_floor"}},
	}}
	s := NewSettlement(ledger, oracle, quoter, policy, nil)

	_, err := s.SubmitPurchase(context.Background(), testParams())
	if !errors.Is(err, domain.ErrPolicyDenied) {
		t.Fatalf("err = %v, want ErrPolicyDenied", err)
	}
	if len(ledger.requests) != 0 || quoter.stores != 0 || oracle.requests != 0 {
		t.Fatal("denied purchase still touched downstream components")
	}
}

func TestSubmitPurchaseSurvivesBeaconOutage(t *testing.T) {
	s := NewSettlement(newFakeLedger(), &fakeOracle{}, &fakeQuoter{storeErr: domain.ErrBeaconNotReady}, allowAll(), nil)

	result, err := s.SubmitPurchase(context.Background(), testParams())
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if result.Quote.Fulfilled || result.Quote.FinalPrice != 10_000 {
		t.Fatalf("quote should fall back to base price: %+v", result.Quote)
	}
}

func TestSubmitPurchaseSurvivesHubOutage(t *testing.T) {
	ledger := newFakeLedger()
	oracle := &fakeOracle{requestErr: domain.ErrHubUnavailable}
	s := NewSettlement(ledger, oracle, &fakeQuoter{value: big.NewInt(3)}, allowAll(), nil)

	result, err := s.SubmitPurchase(context.Background(), testParams())
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, ok := ledger.requests[result.Request.ID]; !ok {
		t.Fatal("escrowed request missing after hub outage")
	}
}

func TestGetStatusPhases(t *testing.T) {
	ledger := newFakeLedger()
	oracle := &fakeOracle{statusErr: domain.ErrNotFound}
	s := NewSettlement(ledger, oracle, &fakeQuoter{value: big.NewInt(3)}, allowAll(), nil)
	ctx := context.Background()
	id := mustDerive(t)

	if _, err := s.GetStatus(ctx, id); !errors.Is(err, domain.ErrUnknownRequest) {
		t.Fatalf("unknown id err = %v, want ErrUnknownRequest", err)
	}

	for _, tc := range []struct {
		state domain.RequestState
		phase Phase
	}{
		{domain.StateCreated, PhaseProcessing},
		{domain.StateAttestationRequested, PhaseProcessing},
		{domain.StateAttestationVerified, PhaseProcessing},
		{domain.StateFailed, PhaseFailed},
		{domain.StateDelivered, PhaseComplete},
	} {
		ledger.requests[id] = domain.PurchaseRequest{ID: id, State: tc.state}
		snap, err := s.GetStatus(ctx, id)
		if err != nil {
			t.Fatalf("status in %s: %v", tc.state, err)
		}
		if snap.Phase != tc.phase {
			t.Fatalf("state %s: phase = %s, want %s", tc.state, snap.Phase, tc.phase)
		}
	}
}

func TestTriggerDeliveryReturnsCachedResult(t *testing.T) {
	ledger := newFakeLedger()
	id := mustDerive(t)
	ledger.requests[id] = domain.PurchaseRequest{ID: id, State: domain.StateDelivered, DataHash: "abc123"}
	oracle := &fakeOracle{statusRec: domain.AttestationRecord{
		RequestID: id,
		Status:    domain.AttestationVerified,
		Response:  []byte{0x01},
		Proof:     []byte{0xFF},
	}}
	s := NewSettlement(ledger, oracle, &fakeQuoter{}, allowAll(), nil)

	result, err := s.TriggerDelivery(context.Background(), id)
	if err != nil {
		t.Fatalf("trigger: %v", err)
	}
	if !result.Verified || result.Phase != PhaseComplete || result.DataHash != "abc123" {
		t.Fatalf("unexpected cached result: %+v", result)
	}
	if result.Response != "0x01" || result.Proof != "0xff" {
		t.Fatalf("blobs not surfaced: %+v", result)
	}
	if oracle.delivers != 0 {
		t.Fatal("cached result re-ran delivery")
	}
}

func TestTriggerDeliveryStillProcessing(t *testing.T) {
	ledger := newFakeLedger()
	id := mustDerive(t)
	ledger.requests[id] = domain.PurchaseRequest{ID: id, State: domain.StateAttestationRequested}
	oracle := &fakeOracle{
		fetchRec: domain.AttestationRecord{RequestID: id, Status: domain.AttestationPending},
		fetchErr: domain.ErrNotYetAvailable,
	}
	s := NewSettlement(ledger, oracle, &fakeQuoter{}, allowAll(), nil)

	result, err := s.TriggerDelivery(context.Background(), id)
	if err != nil {
		t.Fatalf("processing is not an error: %v", err)
	}
	if result.Phase != PhaseProcessing || result.Verified {
		t.Fatalf("unexpected result: %+v", result)
	}
}

func TestTriggerDeliveryFailedRequest(t *testing.T) {
	ledger := newFakeLedger()
	id := mustDerive(t)
	ledger.requests[id] = domain.PurchaseRequest{ID: id, State: domain.StateFailed, FailureReason: "attestation_timeout"}
	s := NewSettlement(ledger, &fakeOracle{}, &fakeQuoter{}, allowAll(), nil)

	result, err := s.TriggerDelivery(context.Background(), id)
	if !errors.Is(err, domain.ErrRequestFailed) {
		t.Fatalf("err = %v, want ErrRequestFailed", err)
	}
	if result.Phase != PhaseFailed || result.FailureInfo != "attestation_timeout" {
		t.Fatalf("unexpected result: %+v", result)
	}
}

func TestTriggerDeliveryCompletesAvailableResult(t *testing.T) {
	ledger := newFakeLedger()
	id := mustDerive(t)
	ledger.requests[id] = domain.PurchaseRequest{ID: id, State: domain.StateAttestationRequested}
	delivered := domain.PurchaseRequest{ID: id, State: domain.StateDelivered, DataHash: "deadbeef"}
	oracle := &fakeOracle{
		fetchRec: domain.AttestationRecord{
			RequestID: id,
			Status:    domain.AttestationAvailable,
			Response:  []byte{0x01},
			Proof:     []byte{0xFF},
		},
		deliverReq: delivered,
		statusRec:  domain.AttestationRecord{RequestID: id, Status: domain.AttestationVerified, Response: []byte{0x01}, Proof: []byte{0xFF}},
	}
	s := NewSettlement(ledger, oracle, &fakeQuoter{}, allowAll(), nil)

	result, err := s.TriggerDelivery(context.Background(), id)
	if err != nil {
		t.Fatalf("trigger: %v", err)
	}
	if !result.Verified || result.Phase != PhaseComplete || result.DataHash != "deadbeef" {
		t.Fatalf("unexpected result: %+v", result)
	}
	if oracle.delivers != 1 {
		t.Fatalf("delivers = %d, want 1", oracle.delivers)
	}
}

func TestTriggerDeliveryRejectedProof(t *testing.T) {
	ledger := newFakeLedger()
	id := mustDerive(t)
	ledger.requests[id] = domain.PurchaseRequest{ID: id, State: domain.StateAttestationRequested}
	oracle := &fakeOracle{
		fetchRec: domain.AttestationRecord{
			RequestID: id,
			Status:    domain.AttestationAvailable,
			Response:  []byte{0x01},
			Proof:     []byte{0xFF},
		},
		deliverErr: domain.ErrProofRejected,
	}
	s := NewSettlement(ledger, oracle, &fakeQuoter{}, allowAll(), nil)

	result, err := s.TriggerDelivery(context.Background(), id)
	if !errors.Is(err, domain.ErrProofRejected) {
		t.Fatalf("err = %v, want ErrProofRejected", err)
	}
	if result.Phase != PhaseFailed || result.Verified {
		t.Fatalf("unexpected result: %+v", result)
	}
}
