package http

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"skysettle/internal/domain"
	"skysettle/internal/usecase"

	"github.com/gin-gonic/gin"
)

type errorResponse struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

type purchaseResponse struct {
	RequestID       string            `json:"request_id"`
	TransactionHash string            `json:"transaction_hash"`
	State           string            `json:"state"`
	Quote           domain.PriceQuote `json:"quote"`
}

type verifyRequest struct {
	RequestID string `json:"request_id"`
}

type requestResponse struct {
	RequestID      string `json:"request_id"`
	Buyer          string `json:"buyer"`
	AmountPaid     int64  `json:"amount_paid"`
	State          string `json:"state"`
	DataHash       string `json:"data_hash,omitempty"`
	FailureReason  string `json:"failure_reason,omitempty"`
	EscrowReleased bool   `json:"escrow_released"`
	EscrowRefunded bool   `json:"escrow_refunded"`
	CreatedAt      string `json:"created_at,omitempty"`
	UpdatedAt      string `json:"updated_at,omitempty"`
}

type attestationResponse struct {
	Status      string `json:"status"`
	Handle      string `json:"handle,omitempty"`
	Attempts    int    `json:"attempts"`
	Response    string `json:"response,omitempty"`
	Proof       string `json:"proof,omitempty"`
	SubmittedAt string `json:"submitted_at,omitempty"`
}

type statusResponse struct {
	Request     requestResponse      `json:"request"`
	Attestation *attestationResponse `json:"attestation,omitempty"`
	Phase       string               `json:"phase"`
}

type configResponse struct {
	ContractAddresses map[string]string `json:"contract_addresses"`
	RPCURL            string            `json:"rpc_url"`
	DALayerAPI        string            `json:"da_layer_api"`
	ChainID           int64             `json:"chain_id"`
}

type randomnessResponse struct {
	ID              string `json:"id"`
	RandomValue     string `json:"random_value,omitempty"`
	IsSecure        bool   `json:"is_secure"`
	SourceTimestamp int64  `json:"source_timestamp,omitempty"`
	Fulfilled       bool   `json:"fulfilled"`
}

type auditEventResponse struct {
	Seq           int64          `json:"seq"`
	EventType     string         `json:"event_type"`
	Payload       map[string]any `json:"payload"`
	PayloadHash   string         `json:"payload_hash"`
	PrevEventHash string         `json:"prev_event_hash"`
	EventHash     string         `json:"event_hash"`
	CreatedAt     string         `json:"created_at"`
}

func (s *Server) handlePurchase(c *gin.Context) {
	if s.settlement == nil {
		writeError(c, domain.ErrNotFound)
		return
	}
	var params usecase.PurchaseParams
	if err := c.ShouldBindJSON(&params); err != nil {
		writeErrorCode(c, http.StatusBadRequest, "INVALID_JSON", "invalid json")
		return
	}
	if params.Buyer == "" {
		writeErrorCode(c, http.StatusBadRequest, "BUYER_REQUIRED", "buyer is required")
		return
	}
	if params.BasePrice <= 0 {
		params.BasePrice = s.cfg.BasePrice
	}
	if params.VariationPercent <= 0 {
		params.VariationPercent = s.cfg.VariationPercent
	}
	if !s.enforceRateLimit(c, "purchase", params.Buyer) {
		return
	}

	result, err := s.settlement.SubmitPurchase(c.Request.Context(), params)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, purchaseResponse{
		RequestID:       result.RequestID,
		TransactionHash: ledgerEntryHash(result.Request),
		State:           string(result.Request.State),
		Quote:           result.Quote,
	})
}

func (s *Server) handleVerify(c *gin.Context) {
	if s.settlement == nil {
		writeError(c, domain.ErrNotFound)
		return
	}
	var req verifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeErrorCode(c, http.StatusBadRequest, "INVALID_JSON", "invalid json")
		return
	}
	id, err := domain.ParseRequestID(req.RequestID)
	if err != nil {
		writeErrorCode(c, http.StatusBadRequest, "INVALID_REQUEST_ID", err.Error())
		return
	}
	if !s.enforceRateLimit(c, "verify", req.RequestID) {
		return
	}

	result, err := s.settlement.TriggerDelivery(c.Request.Context(), id)
	if err != nil {
		// A terminal request is an answer, not a transport failure;
		// callers read the phase to decide between retry and resubmit.
		if errors.Is(err, domain.ErrRequestFailed) || errors.Is(err, domain.ErrProofRejected) {
			c.JSON(http.StatusOK, result)
			return
		}
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) handleStatus(c *gin.Context) {
	if s.settlement == nil {
		writeError(c, domain.ErrNotFound)
		return
	}
	id, err := domain.ParseRequestID(c.Param("request_id"))
	if err != nil {
		writeErrorCode(c, http.StatusBadRequest, "INVALID_REQUEST_ID", err.Error())
		return
	}
	snap, err := s.settlement.GetStatus(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, buildStatusResponse(snap))
}

func (s *Server) handleAudit(c *gin.Context) {
	if s.audit == nil {
		writeError(c, domain.ErrNotFound)
		return
	}
	id, err := domain.ParseRequestID(c.Param("request_id"))
	if err != nil {
		writeErrorCode(c, http.StatusBadRequest, "INVALID_REQUEST_ID", err.Error())
		return
	}
	events, err := s.audit.ListByRequest(c.Request.Context(), id.String())
	if err != nil {
		writeError(c, err)
		return
	}
	out := make([]auditEventResponse, 0, len(events))
	for _, event := range events {
		out = append(out, auditEventResponse{
			Seq:           event.Seq,
			EventType:     event.EventType,
			Payload:       event.Payload,
			PayloadHash:   event.PayloadHash,
			PrevEventHash: event.PrevEventHash,
			EventHash:     event.EventHash,
			CreatedAt:     event.CreatedAt.UTC().Format(time.RFC3339Nano),
		})
	}
	resp := gin.H{"request_id": id.String(), "events": out}
	if c.Query("verify") == "true" {
		if err := usecase.VerifyRequestAuditChain(c.Request.Context(), s.audit, id.String()); err != nil {
			resp["chain_valid"] = false
			resp["chain_error"] = err.Error()
		} else {
			resp["chain_valid"] = true
		}
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleAdminRefund(c *gin.Context) {
	if !s.requireAdmin(c) {
		return
	}
	if s.settlement == nil {
		writeError(c, domain.ErrNotFound)
		return
	}
	id, err := domain.ParseRequestID(c.Param("request_id"))
	if err != nil {
		writeErrorCode(c, http.StatusBadRequest, "INVALID_REQUEST_ID", err.Error())
		return
	}
	refunded, err := s.settlement.Refund(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, buildRequestResponse(refunded))
}

func (s *Server) handleConfig(c *gin.Context) {
	c.JSON(http.StatusOK, configResponse{
		ContractAddresses: map[string]string{
			"purchase": s.cfg.PurchaseContract,
			"hub":      s.cfg.HubContract,
			"beacon":   s.cfg.BeaconContract,
		},
		RPCURL:     s.cfg.RPCURL,
		DALayerAPI: s.cfg.DALayerAPIURL,
		ChainID:    s.cfg.ChainID,
	})
}

func (s *Server) handleStoreRandomness(c *gin.Context) {
	if s.quotes == nil {
		writeError(c, domain.ErrNotFound)
		return
	}
	id, err := domain.ParseRequestID(c.Param("id"))
	if err != nil {
		writeErrorCode(c, http.StatusBadRequest, "INVALID_ID", err.Error())
		return
	}
	rec, err := s.quotes.StoreRandomness(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, buildRandomnessResponse(rec))
}

func (s *Server) handleGetRandomness(c *gin.Context) {
	if s.quotes == nil {
		writeError(c, domain.ErrNotFound)
		return
	}
	id, err := domain.ParseRequestID(c.Param("id"))
	if err != nil {
		writeErrorCode(c, http.StatusBadRequest, "INVALID_ID", err.Error())
		return
	}
	rec, err := s.quotes.GetRandomValue(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, buildRandomnessResponse(rec))
}

func (s *Server) handlePrice(c *gin.Context) {
	if s.quotes == nil {
		writeError(c, domain.ErrNotFound)
		return
	}
	id, err := domain.ParseRequestID(c.Param("id"))
	if err != nil {
		writeErrorCode(c, http.StatusBadRequest, "INVALID_ID", err.Error())
		return
	}
	basePrice := queryInt64(c, "base_price", s.cfg.BasePrice)
	variation := queryInt64(c, "variation_percent", s.cfg.VariationPercent)
	quote, err := s.quotes.GetRandomPriceVariation(c.Request.Context(), id, basePrice, variation)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, quote)
}

func (s *Server) handleNoRoute(c *gin.Context) {
	writeErrorCode(c, http.StatusNotFound, "NOT_FOUND", "route not found")
}

func (s *Server) requireAdmin(c *gin.Context) bool {
	if s.adminAPIKey == "" {
		writeErrorCode(c, http.StatusUnauthorized, "UNAUTHORIZED", "admin key required")
		return false
	}
	key := c.GetHeader("X-Admin-Key")
	if key == "" || subtle.ConstantTimeCompare([]byte(key), []byte(s.adminAPIKey)) != 1 {
		writeErrorCode(c, http.StatusUnauthorized, "UNAUTHORIZED", "invalid admin key")
		return false
	}
	return true
}

func buildStatusResponse(snap usecase.StatusSnapshot) statusResponse {
	out := statusResponse{
		Request: buildRequestResponse(snap.Request),
		Phase:   string(snap.Phase),
	}
	if snap.Attestation.Status != "" {
		att := attestationResponse{
			Status:   string(snap.Attestation.Status),
			Handle:   snap.Attestation.Handle,
			Attempts: snap.Attestation.Attempts,
		}
		if len(snap.Attestation.Response) > 0 {
			att.Response = "0x" + hex.EncodeToString(snap.Attestation.Response)
		}
		if len(snap.Attestation.Proof) > 0 {
			att.Proof = "0x" + hex.EncodeToString(snap.Attestation.Proof)
		}
		if !snap.Attestation.SubmittedAt.IsZero() {
			att.SubmittedAt = snap.Attestation.SubmittedAt.UTC().Format(time.RFC3339)
		}
		out.Attestation = &att
	}
	return out
}

func buildRequestResponse(req domain.PurchaseRequest) requestResponse {
	out := requestResponse{
		RequestID:      req.ID.String(),
		Buyer:          req.Buyer,
		AmountPaid:     req.AmountPaid,
		State:          string(req.State),
		DataHash:       req.DataHash,
		FailureReason:  req.FailureReason,
		EscrowReleased: req.EscrowReleased,
		EscrowRefunded: req.EscrowRefunded,
	}
	if !req.CreatedAt.IsZero() {
		out.CreatedAt = req.CreatedAt.UTC().Format(time.RFC3339)
	}
	if !req.UpdatedAt.IsZero() {
		out.UpdatedAt = req.UpdatedAt.UTC().Format(time.RFC3339)
	}
	return out
}

func buildRandomnessResponse(rec domain.RandomnessRecord) randomnessResponse {
	out := randomnessResponse{
		ID:        rec.ID.String(),
		Fulfilled: rec.Fulfilled,
	}
	if rec.Fulfilled && rec.RandomValue != nil {
		out.RandomValue = rec.RandomValue.String()
		out.IsSecure = rec.IsSecure
		out.SourceTimestamp = rec.SourceTimestamp
	}
	return out
}

// ledgerEntryHash identifies the escrow entry a purchase opened; it is
// stable across retried reads of the same request.
func ledgerEntryHash(req domain.PurchaseRequest) string {
	payload, _ := json.Marshal(map[string]any{
		"request_id":  req.ID.String(),
		"buyer":       req.Buyer,
		"amount_paid": req.AmountPaid,
	})
	sum := sha256.Sum256(payload)
	return "0x" + hex.EncodeToString(sum[:])
}

func queryInt64(c *gin.Context, name string, def int64) int64 {
	raw := c.Query(name)
	if raw == "" {
		return def
	}
	parsed, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return def
	}
	return parsed
}

func writeError(c *gin.Context, err error) {
	status, code := http.StatusInternalServerError, "INTERNAL"
	switch {
	case errors.Is(err, domain.ErrDuplicateRequest):
		status, code = http.StatusConflict, "DUPLICATE_REQUEST"
	case errors.Is(err, domain.ErrInsufficientPayment):
		status, code = http.StatusBadRequest, "INSUFFICIENT_PAYMENT"
	case errors.Is(err, domain.ErrUnknownRequest):
		status, code = http.StatusNotFound, "UNKNOWN_REQUEST"
	case errors.Is(err, domain.ErrNotFound):
		status, code = http.StatusNotFound, "NOT_FOUND"
	case errors.Is(err, domain.ErrAlreadyDelivered):
		status, code = http.StatusConflict, "ALREADY_DELIVERED"
	case errors.Is(err, domain.ErrAlreadyRefunded):
		status, code = http.StatusConflict, "ALREADY_REFUNDED"
	case errors.Is(err, domain.ErrRequestFailed):
		status, code = http.StatusConflict, "REQUEST_FAILED"
	case errors.Is(err, domain.ErrInvalidProof):
		status, code = http.StatusBadRequest, "INVALID_PROOF"
	case errors.Is(err, domain.ErrProofRejected):
		status, code = http.StatusUnprocessableEntity, "PROOF_REJECTED"
	case errors.Is(err, domain.ErrAlreadyFulfilled):
		status, code = http.StatusConflict, "ALREADY_FULFILLED"
	case errors.Is(err, domain.ErrBeaconNotReady):
		status, code = http.StatusServiceUnavailable, "BEACON_NOT_READY"
	case errors.Is(err, domain.ErrHubUnavailable):
		status, code = http.StatusBadGateway, "HUB_UNAVAILABLE"
	case errors.Is(err, domain.ErrNotYetAvailable):
		status, code = http.StatusConflict, "NOT_YET_AVAILABLE"
	case errors.Is(err, domain.ErrAttestationTimeout):
		status, code = http.StatusConflict, "ATTESTATION_TIMEOUT"
	case errors.Is(err, domain.ErrPolicyDenied):
		status, code = http.StatusForbidden, "POLICY_DENIED"
	}
	writeErrorCode(c, status, code, err.Error())
}

func writeErrorCode(c *gin.Context, status int, code, message string) {
	c.JSON(status, errorResponse{
		Code:    code,
		Message: message,
	})
}
