package oracle

import (
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

// DALayer polls the data availability layer for a published
// attestation result. A request that has not reached a finalized round
// yet reads as ErrNotYetAvailable, which callers treat as transient.
type DALayer struct {
	baseURL string
	httpDo  func(*http.Request) (*http.Response, error)
}

func NewDALayer(baseURL string, httpClient *http.Client) (*DALayer, error) {
	if strings.TrimSpace(baseURL) == "" {
		return nil, errors.New("da layer base url is required")
	}
	doer := http.DefaultClient.Do
	if httpClient != nil {
		doer = httpClient.Do
	}
	return &DALayer{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpDo:  doer,
	}, nil
}

type daProofResponse struct {
	AttestationResponse string `json:"attestationResponse"`
	Proof               string `json:"proof"`
	Status              string `json:"status,omitempty"`
}

func (d *DALayer) Fetch(ctx context.Context, id domain.RequestID) ([]byte, []byte, error) {
	url := d.baseURL + "/api/v1/fdc/proof-by-request-round/" + hex.EncodeToString(id[:])
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, nil, err
	}

	resp, err := d.httpDo(req)
	if err != nil {
		return nil, nil, fmt.Errorf("da layer request: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, fmt.Errorf("da layer response: %w", err)
	}
	if resp.StatusCode == http.StatusNotFound {
		return nil, nil, domain.ErrNotYetAvailable
	}
	if resp.StatusCode != http.StatusOK {
		return nil, nil, fmt.Errorf("da layer status %d", resp.StatusCode)
	}

	var parsed daProofResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, nil, fmt.Errorf("da layer decode: %w", err)
	}
	if parsed.Status == "pending" || parsed.AttestationResponse == "" {
		return nil, nil, domain.ErrNotYetAvailable
	}
	response, err := decodeHexBlob(parsed.AttestationResponse)
	if err != nil {
		return nil, nil, fmt.Errorf("da layer response blob: %w", err)
	}
	proof, err := decodeHexBlob(parsed.Proof)
	if err != nil {
		return nil, nil, fmt.Errorf("da layer proof blob: %w", err)
	}
	return response, proof, nil
}

func decodeHexBlob(s string) ([]byte, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "0x")
	if s == "" {
		return nil, nil
	}
	return hex.DecodeString(s)
}
