package db

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"skysettle/internal/domain"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// RandomnessRepository enforces first-writer-wins with an insert that
// does nothing on conflict; the primary key is the linearization point.
type RandomnessRepository struct {
	db *gorm.DB
}

func NewRandomnessRepository(db *gorm.DB) *RandomnessRepository {
	return &RandomnessRepository{db: db}
}

func (r *RandomnessRepository) PutIfAbsent(ctx context.Context, rec domain.RandomnessRecord) error {
	if r.db == nil {
		return errDBUnavailable
	}
	if rec.RandomValue == nil {
		return errors.New("random value is required")
	}
	if rec.StoredAt.IsZero() {
		rec.StoredAt = time.Now().UTC()
	}
	model := RandomnessRecordModel{
		ID:              rec.ID.String(),
		RandomValue:     rec.RandomValue.String(),
		IsSecure:        rec.IsSecure,
		SourceTimestamp: rec.SourceTimestamp,
		StoredAt:        rec.StoredAt,
	}
	result := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&model)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrAlreadyFulfilled
	}
	return nil
}

func (r *RandomnessRepository) Get(ctx context.Context, id domain.RequestID) (domain.RandomnessRecord, error) {
	if r.db == nil {
		return domain.RandomnessRecord{}, errDBUnavailable
	}
	var model RandomnessRecordModel
	err := r.db.WithContext(ctx).Take(&model, "id = ?", id.String()).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return domain.RandomnessRecord{ID: id}, nil
	}
	if err != nil {
		return domain.RandomnessRecord{}, err
	}
	value, ok := new(big.Int).SetString(model.RandomValue, 10)
	if !ok {
		return domain.RandomnessRecord{}, fmt.Errorf("stored random value %q is not a decimal integer", model.RandomValue)
	}
	return domain.RandomnessRecord{
		ID:              id,
		RandomValue:     value,
		IsSecure:        model.IsSecure,
		SourceTimestamp: model.SourceTimestamp,
		Fulfilled:       true,
		StoredAt:        model.StoredAt,
	}, nil
}
