package ledger

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// CommitmentVerifier is the default verification predicate for
// deployments without an RPC endpoint: the proof must commit to the
// response, either as raw sha256 bytes or as a hex digest.
type CommitmentVerifier struct{}

func (CommitmentVerifier) Verify(_ context.Context, response, proof []byte) (bool, error) {
	if len(response) == 0 || len(proof) == 0 {
		return false, nil
	}
	sum := sha256.Sum256(response)
	if bytes.Equal(proof, sum[:]) {
		return true, nil
	}
	encoded := strings.TrimPrefix(strings.TrimSpace(string(proof)), "0x")
	return strings.EqualFold(encoded, hex.EncodeToString(sum[:])), nil
}
