package domain

import "math/big"

// Pricing is pure integer arithmetic over a stored beacon value. The
// truncating division is a reproducible rounding rule: recomputing a
// quote from the stored random value must match the persisted quote
// exactly.

// NormalizedValue reduces a beacon value to [0, 999].
func NormalizedValue(v *big.Int) int64 {
	if v == nil {
		return 0
	}
	var m big.Int
	return m.Mod(v, big.NewInt(1000)).Int64()
}

// PriceVariation maps a beacon value and a symmetric percent bound P to
// a factor in [-P, +P]: (v mod (2P+1)) - P. A non-positive bound always
// yields zero.
func PriceVariation(v *big.Int, percent int64) int64 {
	if v == nil || percent <= 0 {
		return 0
	}
	var m big.Int
	return m.Mod(v, big.NewInt(2*percent+1)).Int64() - percent
}

// FinalPrice applies a signed percent variation to a base price with
// truncation toward zero.
func FinalPrice(basePrice int64, variationFactor int64) int64 {
	if variationFactor >= 0 {
		return basePrice + basePrice*variationFactor/100
	}
	return basePrice - basePrice*(-variationFactor)/100
}

// PriceQuote is the composed result served to buyers. Fulfilled=false
// means no randomness has been stored for the id and the other fields
// are sentinels, not a quote.
type PriceQuote struct {
	ID              RequestID `json:"request_id"`
	RandomValue     string    `json:"random_value"`
	Normalized      int64     `json:"normalized_value"`
	VariationFactor int64     `json:"variation_factor"`
	BasePrice       int64     `json:"base_price"`
	FinalPrice      int64     `json:"final_price"`
	IsSecure        bool      `json:"is_secure"`
	Fulfilled       bool      `json:"fulfilled"`
}
