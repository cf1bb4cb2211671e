package oracle

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"skysettle/internal/domain"
)

// Hub talks to the external attestation hub. Submission is two-step:
// the verifier API prepares the encoded request from the payload, then
// the prepared bytes are posted to the hub, which answers with a
// tracking handle. Transport failures map to ErrHubUnavailable; the
// hub deduplicates prepared requests by payload hash, so resubmission
// is safe.
type Hub struct {
	verifierURL string
	hubURL      string
	apiKey      string
	httpDo      func(*http.Request) (*http.Response, error)
}

func NewHub(verifierURL, hubURL, apiKey string, httpClient *http.Client) (*Hub, error) {
	if strings.TrimSpace(verifierURL) == "" {
		return nil, errors.New("verifier url is required")
	}
	if strings.TrimSpace(hubURL) == "" {
		return nil, errors.New("hub url is required")
	}
	doer := http.DefaultClient.Do
	if httpClient != nil {
		doer = httpClient.Do
	}
	return &Hub{
		verifierURL: strings.TrimRight(verifierURL, "/"),
		hubURL:      strings.TrimRight(hubURL, "/"),
		apiKey:      apiKey,
		httpDo:      doer,
	}, nil
}

type prepareRequestBody struct {
	AttestationType string          `json:"attestationType"`
	Parameters      json.RawMessage `json:"requestBody"`
}

type prepareRequestResponse struct {
	ABIEncodedRequest string `json:"abiEncodedRequest"`
}

type submitRequestBody struct {
	RequestID      string `json:"requestId"`
	EncodedRequest string `json:"encodedRequest"`
}

type submitRequestResponse struct {
	Handle string `json:"handle"`
}

func (h *Hub) Submit(ctx context.Context, id domain.RequestID, payload domain.AttestationPayload) (string, error) {
	encoded, err := h.prepare(ctx, payload)
	if err != nil {
		return "", err
	}

	body, err := json.Marshal(submitRequestBody{
		RequestID:      id.String(),
		EncodedRequest: encoded,
	})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.hubURL+"/api/v1/requestAttestation", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	if h.apiKey != "" {
		req.Header.Set("X-API-KEY", h.apiKey)
	}

	resp, err := h.httpDo(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrHubUnavailable, err)
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrHubUnavailable, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("%w: hub status %d", domain.ErrHubUnavailable, resp.StatusCode)
	}
	var parsed submitRequestResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return "", fmt.Errorf("%w: decode hub response: %v", domain.ErrHubUnavailable, err)
	}
	if parsed.Handle == "" {
		return "", fmt.Errorf("%w: hub returned no handle", domain.ErrHubUnavailable)
	}
	return parsed.Handle, nil
}

func (h *Hub) prepare(ctx context.Context, payload domain.AttestationPayload) (string, error) {
	body, err := json.Marshal(prepareRequestBody{
		AttestationType: pad32(payload.Type),
		Parameters:      payload.Parameters,
	})
	if err != nil {
		return "", err
	}
	url := h.verifierURL + "/verifier/" + payload.Type + "/prepareRequest"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	if h.apiKey != "" {
		req.Header.Set("X-API-KEY", h.apiKey)
	}

	resp, err := h.httpDo(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrHubUnavailable, err)
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrHubUnavailable, err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: verifier status %d", domain.ErrHubUnavailable, resp.StatusCode)
	}
	var parsed prepareRequestResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return "", fmt.Errorf("%w: decode verifier response: %v", domain.ErrHubUnavailable, err)
	}
	if parsed.ABIEncodedRequest == "" {
		return "", fmt.Errorf("%w: verifier returned no encoded request", domain.ErrHubUnavailable)
	}
	return parsed.ABIEncodedRequest, nil
}

// pad32 renders a short type name as a 0x-prefixed 32-byte hex string,
// the encoding the verifier expects for attestation type identifiers.
func pad32(s string) string {
	encoded := hex.EncodeToString([]byte(s))
	for len(encoded) < 64 {
		encoded += "0"
	}
	return "0x" + encoded[:64]
}
