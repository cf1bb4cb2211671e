package db

import (
	"context"
	"errors"
	"fmt"

	"skysettle/internal/domain"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type AttestationRepository struct {
	db *gorm.DB
}

func NewAttestationRepository(db *gorm.DB) *AttestationRepository {
	return &AttestationRepository{db: db}
}

func (r *AttestationRepository) Create(ctx context.Context, rec domain.AttestationRecord) error {
	if r.db == nil {
		return errDBUnavailable
	}
	model := attestationModelFromDomain(rec)
	err := r.db.WithContext(ctx).Create(&model).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return domain.ErrDuplicateRequest
	}
	return err
}

func (r *AttestationRepository) Get(ctx context.Context, id domain.RequestID) (domain.AttestationRecord, error) {
	if r.db == nil {
		return domain.AttestationRecord{}, errDBUnavailable
	}
	var model AttestationRecordModel
	err := r.db.WithContext(ctx).Take(&model, "request_id = ?", id.String()).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return domain.AttestationRecord{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.AttestationRecord{}, err
	}
	return attestationFromModel(model)
}

func (r *AttestationRepository) Update(ctx context.Context, id domain.RequestID, apply func(*domain.AttestationRecord) error) (domain.AttestationRecord, error) {
	if r.db == nil {
		return domain.AttestationRecord{}, errDBUnavailable
	}
	var out domain.AttestationRecord
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var model AttestationRecordModel
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Take(&model, "request_id = ?", id.String()).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.ErrNotFound
		}
		if err != nil {
			return err
		}
		rec, err := attestationFromModel(model)
		if err != nil {
			return err
		}
		if err := apply(&rec); err != nil {
			return err
		}
		rec.RequestID = id
		updated := attestationModelFromDomain(rec)
		updated.SubmittedAt = model.SubmittedAt
		if err := tx.Save(&updated).Error; err != nil {
			return err
		}
		out = rec
		out.SubmittedAt = model.SubmittedAt
		return nil
	})
	if err != nil {
		return domain.AttestationRecord{}, err
	}
	return out, nil
}

func attestationModelFromDomain(rec domain.AttestationRecord) AttestationRecordModel {
	return AttestationRecordModel{
		RequestID:      rec.RequestID.String(),
		PayloadVersion: rec.Payload.Version,
		PayloadType:    rec.Payload.Type,
		Parameters:     []byte(rec.Payload.Parameters),
		Status:         string(rec.Status),
		Handle:         rec.Handle,
		Response:       rec.Response,
		Proof:          rec.Proof,
		Attempts:       rec.Attempts,
		SubmittedAt:    rec.SubmittedAt,
		UpdatedAt:      rec.UpdatedAt,
	}
}

func attestationFromModel(model AttestationRecordModel) (domain.AttestationRecord, error) {
	id, err := domain.ParseRequestID(model.RequestID)
	if err != nil {
		return domain.AttestationRecord{}, fmt.Errorf("stored request id: %w", err)
	}
	return domain.AttestationRecord{
		RequestID: id,
		Payload: domain.AttestationPayload{
			Version:    model.PayloadVersion,
			Type:       model.PayloadType,
			Parameters: model.Parameters,
		},
		Status:      domain.AttestationStatus(model.Status),
		Handle:      model.Handle,
		Response:    model.Response,
		Proof:       model.Proof,
		Attempts:    model.Attempts,
		SubmittedAt: model.SubmittedAt,
		UpdatedAt:   model.UpdatedAt,
	}, nil
}
