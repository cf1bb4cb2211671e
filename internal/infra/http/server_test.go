package http

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"
	"time"

	"skysettle/internal/config"
	"skysettle/internal/domain"
	"skysettle/internal/infra/ledger"
	"skysettle/internal/infra/memstore"
	"skysettle/internal/infra/messaging"
	"skysettle/internal/infra/oracle"
	"skysettle/internal/infra/randomness"
	"skysettle/internal/infra/ratelimit"
	"skysettle/internal/usecase"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	logrus.SetLevel(logrus.ErrorLevel)
	os.Exit(m.Run())
}

type fakeHub struct {
	mu      sync.Mutex
	submits int
	err     error
}

func (h *fakeHub) Submit(context.Context, domain.RequestID, domain.AttestationPayload) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.submits++
	if h.err != nil {
		return "", h.err
	}
	return "hdl-1", nil
}

type fakeDA struct {
	mu       sync.Mutex
	response []byte
	proof    []byte
	err      error
}

func (d *fakeDA) Fetch(context.Context, domain.RequestID) ([]byte, []byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return nil, nil, d.err
	}
	return d.response, d.proof, nil
}

type fakeBeacon struct {
	value *big.Int
	err   error
}

func (b *fakeBeacon) GetRandomNumber(context.Context) (domain.BeaconRound, error) {
	if b.err != nil {
		return domain.BeaconRound{}, b.err
	}
	return domain.BeaconRound{Value: b.value, IsSecure: true, Timestamp: 1_700_000_000}, nil
}

type fixture struct {
	srv *Server
	hub *fakeHub
	da  *fakeDA
}

// commitProof pairs a response with the proof the default verifier
// accepts.
func commitProof(response []byte) []byte {
	sum := sha256.Sum256(response)
	return sum[:]
}

func newTestServer(t *testing.T, mutate func(*config.Config, *ServerDeps, *fixture)) *fixture {
	t.Helper()

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	requests := memstore.NewRequests()
	records := memstore.NewAttestations()
	randomRepo := memstore.NewRandomness()
	auditRepo := memstore.NewAudit()
	events := messaging.NewMockPublisher()

	emitter := usecase.NewAuditEmitter(auditRepo, log)
	led := ledger.New(
		ledger.Config{MinPayment: 1000, Payee: "0xpayee"},
		requests,
		ledger.CommitmentVerifier{},
		events,
		emitter,
		log,
	)

	fx := &fixture{
		hub: &fakeHub{},
		da:  &fakeDA{err: domain.ErrNotYetAvailable},
	}
	// Long intervals keep the background poller quiet so each test
	// drives delivery through the API.
	orc := oracle.New(oracle.Config{
		PollInitial: time.Hour,
		PollMax:     time.Hour,
		PollCeiling: 24 * time.Hour,
	}, fx.hub, fx.da, led, records, requests, log)
	t.Cleanup(orc.Close)

	quotes := randomness.NewStore(&fakeBeacon{value: big.NewInt(21_000_015)}, randomRepo)
	settlement := usecase.NewSettlement(led, orc, quotes, nil, log)

	cfg := config.Config{
		BasePrice:        10_000,
		VariationPercent: 10,
		ChainID:          114,
		PurchaseContract: "0xpurchase",
		HubContract:      "0xhub",
		BeaconContract:   "0xbeacon",
		RPCURL:           "https://rpc.example",
		DALayerAPIURL:    "https://da.example",
	}
	deps := ServerDeps{
		Settlement:  settlement,
		Quotes:      quotes,
		Audit:       auditRepo,
		Oracle:      orc,
		Events:      events,
		AdminAPIKey: "test-admin-key",
	}
	if mutate != nil {
		mutate(&cfg, &deps, fx)
	}
	fx.srv = NewServerWithDeps(cfg, deps)
	return fx
}

func doJSON(t *testing.T, srv *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response %q: %v", w.Body.String(), err)
	}
	return out
}

func purchaseBody() map[string]any {
	return map[string]any{
		"buyer":            "0xbuyer",
		"data_type":        "sar",
		"coordinates":      "37.7749,-122.4194",
		"date_range":       "2026-01-01/2026-01-31",
		"payment":          12_000,
		"attestation_type": "Web2Json",
		"parameters":       map[string]any{"url": "https://imagery.example/tiles"},
		"base_price":       10_000,
	}
}

func TestPurchaseReturnsQuoteAndRequestsAttestation(t *testing.T) {
	fx := newTestServer(t, nil)

	w := doJSON(t, fx.srv, http.MethodPost, "/v1/purchase", purchaseBody())
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	body := decodeBody(t, w)
	if body["state"] != "attestation_requested" {
		t.Fatalf("state = %v", body["state"])
	}
	if body["request_id"] == "" || body["transaction_hash"] == "" {
		t.Fatalf("missing identifiers: %v", body)
	}
	quote, ok := body["quote"].(map[string]any)
	if !ok {
		t.Fatalf("quote missing: %v", body)
	}
	// 21000015 mod 21 = 15, factor 15-10 = +5, price 10000 + 500.
	if got := quote["final_price"].(float64); got != 10_500 {
		t.Fatalf("final_price = %v", got)
	}
	if fx.hub.submits != 1 {
		t.Fatalf("hub submits = %d", fx.hub.submits)
	}
}

func TestPurchaseDuplicateConflicts(t *testing.T) {
	fx := newTestServer(t, nil)

	if w := doJSON(t, fx.srv, http.MethodPost, "/v1/purchase", purchaseBody()); w.Code != http.StatusOK {
		t.Fatalf("first purchase status = %d", w.Code)
	}
	w := doJSON(t, fx.srv, http.MethodPost, "/v1/purchase", purchaseBody())
	if w.Code != http.StatusConflict {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	if body := decodeBody(t, w); body["code"] != "DUPLICATE_REQUEST" {
		t.Fatalf("code = %v", body["code"])
	}
}

func TestPurchaseRejectsUnderpayment(t *testing.T) {
	fx := newTestServer(t, nil)

	body := purchaseBody()
	body["payment"] = 5
	w := doJSON(t, fx.srv, http.MethodPost, "/v1/purchase", body)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	if resp := decodeBody(t, w); resp["code"] != "INSUFFICIENT_PAYMENT" {
		t.Fatalf("code = %v", resp["code"])
	}
}

func TestPurchaseRequiresBuyer(t *testing.T) {
	fx := newTestServer(t, nil)

	body := purchaseBody()
	body["buyer"] = ""
	w := doJSON(t, fx.srv, http.MethodPost, "/v1/purchase", body)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", w.Code)
	}
	if resp := decodeBody(t, w); resp["code"] != "BUYER_REQUIRED" {
		t.Fatalf("code = %v", resp["code"])
	}
}

func TestStatusReportsProcessingPhase(t *testing.T) {
	fx := newTestServer(t, nil)

	w := doJSON(t, fx.srv, http.MethodPost, "/v1/purchase", purchaseBody())
	id := decodeBody(t, w)["request_id"].(string)

	w = doJSON(t, fx.srv, http.MethodGet, "/v1/requests/"+id, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	body := decodeBody(t, w)
	if body["phase"] != "processing" {
		t.Fatalf("phase = %v", body["phase"])
	}
	att, ok := body["attestation"].(map[string]any)
	if !ok {
		t.Fatalf("attestation missing: %v", body)
	}
	if att["status"] != "pending" || att["handle"] != "hdl-1" {
		t.Fatalf("attestation = %v", att)
	}
}

func TestStatusUnknownRequest(t *testing.T) {
	fx := newTestServer(t, nil)

	unknown := domain.RequestID{0xaa}.String()
	w := doJSON(t, fx.srv, http.MethodGet, "/v1/requests/"+unknown, nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d", w.Code)
	}
	if body := decodeBody(t, w); body["code"] != "UNKNOWN_REQUEST" {
		t.Fatalf("code = %v", body["code"])
	}
}

func TestVerifyDeliversAndCachesResult(t *testing.T) {
	fx := newTestServer(t, nil)

	w := doJSON(t, fx.srv, http.MethodPost, "/v1/purchase", purchaseBody())
	id := decodeBody(t, w)["request_id"].(string)

	// Round still open on the data availability layer.
	w = doJSON(t, fx.srv, http.MethodPost, "/v1/verify", map[string]any{"request_id": id})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	if body := decodeBody(t, w); body["phase"] != "processing" {
		t.Fatalf("phase = %v", body["phase"])
	}

	response := []byte(`{"tile":"sf-q1"}`)
	fx.da.mu.Lock()
	fx.da.response = response
	fx.da.proof = commitProof(response)
	fx.da.err = nil
	fx.da.mu.Unlock()

	w = doJSON(t, fx.srv, http.MethodPost, "/v1/verify", map[string]any{"request_id": id})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	body := decodeBody(t, w)
	if body["phase"] != "complete" || body["verified"] != true {
		t.Fatalf("verify result = %v", body)
	}
	if body["data_hash"] == "" {
		t.Fatalf("data_hash missing: %v", body)
	}

	// A second verify reads the settled record, it never redelivers.
	w = doJSON(t, fx.srv, http.MethodPost, "/v1/verify", map[string]any{"request_id": id})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	again := decodeBody(t, w)
	if again["phase"] != "complete" || again["data_hash"] != body["data_hash"] {
		t.Fatalf("cached result = %v", again)
	}
}

func TestVerifyRejectedProofReportsFailedPhase(t *testing.T) {
	fx := newTestServer(t, nil)

	w := doJSON(t, fx.srv, http.MethodPost, "/v1/purchase", purchaseBody())
	id := decodeBody(t, w)["request_id"].(string)

	fx.da.mu.Lock()
	fx.da.response = []byte(`{"tile":"sf-q1"}`)
	fx.da.proof = []byte("not-a-commitment")
	fx.da.err = nil
	fx.da.mu.Unlock()

	w = doJSON(t, fx.srv, http.MethodPost, "/v1/verify", map[string]any{"request_id": id})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	body := decodeBody(t, w)
	if body["phase"] != "failed" || body["verified"] != false {
		t.Fatalf("verify result = %v", body)
	}

	w = doJSON(t, fx.srv, http.MethodGet, "/v1/requests/"+id, nil)
	status := decodeBody(t, w)
	if status["phase"] != "failed" {
		t.Fatalf("phase = %v", status["phase"])
	}
}

func TestAdminRefundAfterFailure(t *testing.T) {
	fx := newTestServer(t, nil)

	w := doJSON(t, fx.srv, http.MethodPost, "/v1/purchase", purchaseBody())
	id := decodeBody(t, w)["request_id"].(string)

	fx.da.mu.Lock()
	fx.da.response = []byte("imagery")
	fx.da.proof = []byte("bogus")
	fx.da.err = nil
	fx.da.mu.Unlock()
	doJSON(t, fx.srv, http.MethodPost, "/v1/verify", map[string]any{"request_id": id})

	// No key.
	w = doJSON(t, fx.srv, http.MethodPost, "/v1/requests/"+id+"/refund", nil)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status without key = %d", w.Code)
	}

	req := httptest.NewRequest(http.MethodPost, "/v1/requests/"+id+"/refund", bytes.NewReader(nil))
	req.Header.Set("X-Admin-Key", "wrong")
	rec := httptest.NewRecorder()
	fx.srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status with wrong key = %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/v1/requests/"+id+"/refund", bytes.NewReader(nil))
	req.Header.Set("X-Admin-Key", "test-admin-key")
	rec = httptest.NewRecorder()
	fx.srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	var refunded map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &refunded); err != nil {
		t.Fatalf("decode refund: %v", err)
	}
	if refunded["escrow_refunded"] != true {
		t.Fatalf("refund response = %v", refunded)
	}

	// Refund is one-shot.
	req = httptest.NewRequest(http.MethodPost, "/v1/requests/"+id+"/refund", bytes.NewReader(nil))
	req.Header.Set("X-Admin-Key", "test-admin-key")
	rec = httptest.NewRecorder()
	fx.srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusConflict {
		t.Fatalf("second refund status = %d", rec.Code)
	}
}

func TestRandomnessEndpoints(t *testing.T) {
	fx := newTestServer(t, nil)

	id := domain.RequestID{0x42}.String()
	w := doJSON(t, fx.srv, http.MethodPost, "/v1/randomness/"+id, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("store status = %d, body %s", w.Code, w.Body.String())
	}
	stored := decodeBody(t, w)
	if stored["fulfilled"] != true || stored["random_value"] != "21000015" {
		t.Fatalf("stored = %v", stored)
	}

	w = doJSON(t, fx.srv, http.MethodPost, "/v1/randomness/"+id, nil)
	if w.Code != http.StatusConflict {
		t.Fatalf("second store status = %d", w.Code)
	}
	if body := decodeBody(t, w); body["code"] != "ALREADY_FULFILLED" {
		t.Fatalf("code = %v", body["code"])
	}

	w = doJSON(t, fx.srv, http.MethodGet, "/v1/randomness/"+id, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get status = %d", w.Code)
	}
	if body := decodeBody(t, w); body["is_secure"] != true {
		t.Fatalf("get = %v", body)
	}

	w = doJSON(t, fx.srv, http.MethodGet, "/v1/randomness/"+id+"/price?base_price=10000&variation_percent=10", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("price status = %d", w.Code)
	}
	quote := decodeBody(t, w)
	if quote["final_price"].(float64) != 10_500 || quote["variation_factor"].(float64) != 5 {
		t.Fatalf("quote = %v", quote)
	}
}

func TestRandomnessUnfulfilledQuoteFallsBack(t *testing.T) {
	fx := newTestServer(t, nil)

	id := domain.RequestID{0x43}.String()
	w := doJSON(t, fx.srv, http.MethodGet, "/v1/randomness/"+id+"/price?base_price=8000", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	quote := decodeBody(t, w)
	if quote["fulfilled"] != false || quote["final_price"].(float64) != 8000 {
		t.Fatalf("quote = %v", quote)
	}
}

func TestConfigEndpoint(t *testing.T) {
	fx := newTestServer(t, nil)

	w := doJSON(t, fx.srv, http.MethodGet, "/v1/config", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	body := decodeBody(t, w)
	if body["chain_id"].(float64) != 114 {
		t.Fatalf("chain_id = %v", body["chain_id"])
	}
	addrs := body["contract_addresses"].(map[string]any)
	if addrs["purchase"] != "0xpurchase" || addrs["hub"] != "0xhub" || addrs["beacon"] != "0xbeacon" {
		t.Fatalf("contract_addresses = %v", addrs)
	}
}

func TestAuditTrailEndpoint(t *testing.T) {
	fx := newTestServer(t, nil)

	w := doJSON(t, fx.srv, http.MethodPost, "/v1/purchase", purchaseBody())
	id := decodeBody(t, w)["request_id"].(string)

	// The audit emitter appends asynchronously.
	deadline := time.Now().Add(2 * time.Second)
	for {
		w = doJSON(t, fx.srv, http.MethodGet, "/v1/requests/"+id+"/audit", nil)
		if w.Code != http.StatusOK {
			t.Fatalf("status = %d", w.Code)
		}
		body := decodeBody(t, w)
		events, _ := body["events"].([]any)
		if len(events) > 0 {
			first := events[0].(map[string]any)
			if first["seq"].(float64) != 1 {
				t.Fatalf("first seq = %v", first["seq"])
			}
			if first["prev_event_hash"] != domain.ZeroAuditHash {
				t.Fatalf("prev hash = %v", first["prev_event_hash"])
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("no audit events recorded")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestRateLimitedPurchase(t *testing.T) {
	fx := newTestServer(t, func(cfg *config.Config, deps *ServerDeps, _ *fixture) {
		cfg.RateLimitRequests = 1
		cfg.RateLimitWindowSeconds = 60
		deps.RateLimiter = ratelimit.NewMemoryLimiter(ratelimit.MemoryLimiterConfig{})
	})

	if w := doJSON(t, fx.srv, http.MethodPost, "/v1/purchase", purchaseBody()); w.Code != http.StatusOK {
		t.Fatalf("first purchase status = %d, body %s", w.Code, w.Body.String())
	}
	w := doJSON(t, fx.srv, http.MethodPost, "/v1/purchase", purchaseBody())
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	if body := decodeBody(t, w); body["code"] != "RATE_LIMITED" {
		t.Fatalf("code = %v", body["code"])
	}
	if w.Header().Get("RateLimit-Limit") != "1" {
		t.Fatalf("RateLimit-Limit = %q", w.Header().Get("RateLimit-Limit"))
	}
}

func TestUnknownRouteReturnsNotFound(t *testing.T) {
	fx := newTestServer(t, nil)

	w := doJSON(t, fx.srv, http.MethodGet, "/v1/nope", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d", w.Code)
	}
	if body := decodeBody(t, w); body["code"] != "NOT_FOUND" {
		t.Fatalf("code = %v", body["code"])
	}
}
