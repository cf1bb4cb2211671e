package randomness

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strings"

	"context"

	"skysettle/internal/domain"
)

// HTTPBeacon reads the public randomness beacon over HTTP. The beacon
// publishes a per-round value shared by all consumers; it reports a
// zero value while the current round is still being finalized.
type HTTPBeacon struct {
	baseURL string
	httpDo  func(*http.Request) (*http.Response, error)
}

func NewHTTPBeacon(baseURL string, httpClient *http.Client) (*HTTPBeacon, error) {
	if strings.TrimSpace(baseURL) == "" {
		return nil, errors.New("beacon base url is required")
	}
	doer := http.DefaultClient.Do
	if httpClient != nil {
		doer = httpClient.Do
	}
	return &HTTPBeacon{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpDo:  doer,
	}, nil
}

type beaconResponse struct {
	RandomNumber string `json:"randomNumber"`
	IsSecure     bool   `json:"isSecureRandom"`
	Timestamp    int64  `json:"randomTimestamp"`
}

func (b *HTTPBeacon) GetRandomNumber(ctx context.Context) (domain.BeaconRound, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.baseURL+"/api/v1/random-number", nil)
	if err != nil {
		return domain.BeaconRound{}, err
	}
	resp, err := b.httpDo(req)
	if err != nil {
		return domain.BeaconRound{}, fmt.Errorf("beacon request: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return domain.BeaconRound{}, fmt.Errorf("beacon response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return domain.BeaconRound{}, fmt.Errorf("beacon status %d", resp.StatusCode)
	}
	var parsed beaconResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return domain.BeaconRound{}, fmt.Errorf("beacon decode: %w", err)
	}
	value, err := parseBeaconValue(parsed.RandomNumber)
	if err != nil {
		return domain.BeaconRound{}, err
	}
	return domain.BeaconRound{
		Value:     value,
		IsSecure:  parsed.IsSecure,
		Timestamp: parsed.Timestamp,
	}, nil
}

func parseBeaconValue(s string) (*big.Int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return big.NewInt(0), nil
	}
	base := 10
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		s = s[2:]
		base = 16
	}
	value, ok := new(big.Int).SetString(s, base)
	if !ok {
		return nil, fmt.Errorf("beacon value %q is not a number", s)
	}
	return value, nil
}
