package domain

// PolicyInput is the document handed to the purchase admission policy.
// Parameters mirror the settlement API request so operators can gate
// on attestation type, price bounds or buyer identity.
type PolicyInput struct {
	Buyer            string `json:"buyer"`
	AttestationType  string `json:"attestation_type"`
	BasePrice        int64  `json:"base_price"`
	VariationPercent int64  `json:"variation_percent"`
	Payment          int64  `json:"payment"`
}

type PolicyDeny struct {
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
}

type PolicyResult struct {
	Allow bool         `json:"allow"`
	Deny  []PolicyDeny `json:"deny,omitempty"`
}

type PolicyEvaluation struct {
	BundleID   string       `json:"bundle_id,omitempty"`
	BundleHash string       `json:"bundle_hash"`
	Result     PolicyResult `json:"result"`
}
