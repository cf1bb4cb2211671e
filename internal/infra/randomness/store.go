// Package randomness snapshots one beacon round per logical request
// and serves the price quotes derived from it. Writes are
// first-writer-wins; reads never mutate state.
package randomness

import (
	"context"
	"fmt"
	"time"

	"skysettle/internal/domain"
)

type Store struct {
	beacon domain.Beacon
	repo   domain.RandomnessRepository
}

func NewStore(beacon domain.Beacon, repo domain.RandomnessRepository) *Store {
	return &Store{beacon: beacon, repo: repo}
}

// StoreRandomness fetches the current beacon value and persists it for
// the id. Safe to race: the repository's exclusivity check means
// exactly one caller stores a value, the rest get ErrAlreadyFulfilled.
// A second sequential call never refreshes the stored triple.
func (s *Store) StoreRandomness(ctx context.Context, id domain.RequestID) (domain.RandomnessRecord, error) {
	existing, err := s.repo.Get(ctx, id)
	if err != nil {
		return domain.RandomnessRecord{}, fmt.Errorf("randomness %s: %w", id, err)
	}
	if existing.Fulfilled {
		return domain.RandomnessRecord{}, fmt.Errorf("randomness %s: %w", id, domain.ErrAlreadyFulfilled)
	}

	if s.beacon == nil {
		return domain.RandomnessRecord{}, fmt.Errorf("randomness %s: no beacon configured: %w", id, domain.ErrBeaconNotReady)
	}
	round, err := s.beacon.GetRandomNumber(ctx)
	if err != nil {
		return domain.RandomnessRecord{}, fmt.Errorf("randomness %s: %w", id, err)
	}
	if round.Value == nil || round.Value.Sign() == 0 {
		return domain.RandomnessRecord{}, fmt.Errorf("randomness %s: %w", id, domain.ErrBeaconNotReady)
	}

	rec := domain.RandomnessRecord{
		ID:              id,
		RandomValue:     round.Value,
		IsSecure:        round.IsSecure,
		SourceTimestamp: round.Timestamp,
		Fulfilled:       true,
		StoredAt:        time.Now().UTC(),
	}
	if err := s.repo.PutIfAbsent(ctx, rec); err != nil {
		// A concurrent caller won the race; the stored value stands.
		return domain.RandomnessRecord{}, fmt.Errorf("randomness %s: %w", id, err)
	}
	return rec, nil
}

// GetRandomValue returns the stored record, or a Fulfilled=false
// sentinel when nothing has been stored. Callers must check the flag.
func (s *Store) GetRandomValue(ctx context.Context, id domain.RequestID) (domain.RandomnessRecord, error) {
	return s.repo.Get(ctx, id)
}

func (s *Store) GetNormalizedRandomValue(ctx context.Context, id domain.RequestID) (int64, bool, error) {
	rec, err := s.repo.Get(ctx, id)
	if err != nil {
		return 0, false, err
	}
	if !rec.Fulfilled {
		return 0, false, nil
	}
	return domain.NormalizedValue(rec.RandomValue), true, nil
}

// GetRandomPriceVariation composes the full quote for a base price and
// symmetric percent bound. Pure read over the stored triple.
func (s *Store) GetRandomPriceVariation(ctx context.Context, id domain.RequestID, basePrice, variationPercent int64) (domain.PriceQuote, error) {
	rec, err := s.repo.Get(ctx, id)
	if err != nil {
		return domain.PriceQuote{}, err
	}
	quote := domain.PriceQuote{
		ID:        id,
		BasePrice: basePrice,
		Fulfilled: rec.Fulfilled,
	}
	if !rec.Fulfilled {
		quote.FinalPrice = basePrice
		return quote, nil
	}
	quote.RandomValue = rec.RandomValue.String()
	quote.Normalized = domain.NormalizedValue(rec.RandomValue)
	quote.VariationFactor = domain.PriceVariation(rec.RandomValue, variationPercent)
	quote.FinalPrice = domain.FinalPrice(basePrice, quote.VariationFactor)
	quote.IsSecure = rec.IsSecure
	return quote, nil
}
