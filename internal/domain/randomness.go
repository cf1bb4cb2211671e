package domain

import (
	"context"
	"math/big"
	"time"
)

// RandomnessRecord snapshots one beacon round for a logical request.
// Once Fulfilled is true the triple (RandomValue, IsSecure,
// SourceTimestamp) is immutable; a given id is fulfilled at most once.
type RandomnessRecord struct {
	ID              RequestID
	RandomValue     *big.Int
	IsSecure        bool
	SourceTimestamp int64
	Fulfilled       bool
	StoredAt        time.Time
}

// RandomnessRepository enforces first-writer-wins per id. PutIfAbsent
// is the linearization point: exactly one racing caller succeeds, the
// rest observe ErrAlreadyFulfilled. Get returns a zero record with
// Fulfilled=false (not an error) when the id is absent.
type RandomnessRepository interface {
	PutIfAbsent(ctx context.Context, rec RandomnessRecord) error
	Get(ctx context.Context, id RequestID) (RandomnessRecord, error)
}

// BeaconRound is one read of the public randomness beacon. The value
// is shared by all consumers in the round, not generated per request.
type BeaconRound struct {
	Value     *big.Int
	IsSecure  bool
	Timestamp int64
}

type Beacon interface {
	GetRandomNumber(ctx context.Context) (BeaconRound, error)
}
