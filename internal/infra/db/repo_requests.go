package db

import (
	"context"
	"errors"
	"fmt"

	"skysettle/internal/domain"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// RequestRepository persists purchase requests. Update loads the row
// FOR UPDATE inside a transaction, so read-modify-write transitions for
// one request id are serialized while other ids proceed concurrently.
type RequestRepository struct {
	db *gorm.DB
}

func NewRequestRepository(db *gorm.DB) *RequestRepository {
	return &RequestRepository{db: db}
}

func (r *RequestRepository) Create(ctx context.Context, req domain.PurchaseRequest) error {
	if r.db == nil {
		return errDBUnavailable
	}
	model := requestModelFromDomain(req)
	err := r.db.WithContext(ctx).Create(&model).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return domain.ErrDuplicateRequest
	}
	return err
}

func (r *RequestRepository) Get(ctx context.Context, id domain.RequestID) (domain.PurchaseRequest, error) {
	if r.db == nil {
		return domain.PurchaseRequest{}, errDBUnavailable
	}
	var model PurchaseRequestModel
	err := r.db.WithContext(ctx).Take(&model, "id = ?", id.String()).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return domain.PurchaseRequest{}, domain.ErrUnknownRequest
	}
	if err != nil {
		return domain.PurchaseRequest{}, err
	}
	return requestFromModel(model)
}

func (r *RequestRepository) Update(ctx context.Context, id domain.RequestID, apply func(*domain.PurchaseRequest) error) (domain.PurchaseRequest, error) {
	if r.db == nil {
		return domain.PurchaseRequest{}, errDBUnavailable
	}
	var out domain.PurchaseRequest
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var model PurchaseRequestModel
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Take(&model, "id = ?", id.String()).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.ErrUnknownRequest
		}
		if err != nil {
			return err
		}
		req, err := requestFromModel(model)
		if err != nil {
			return err
		}
		if err := apply(&req); err != nil {
			return err
		}
		req.ID = id
		updated := requestModelFromDomain(req)
		updated.CreatedAt = model.CreatedAt
		if err := tx.Save(&updated).Error; err != nil {
			return err
		}
		out = req
		out.CreatedAt = model.CreatedAt
		return nil
	})
	if err != nil {
		return domain.PurchaseRequest{}, err
	}
	return out, nil
}

func requestModelFromDomain(req domain.PurchaseRequest) PurchaseRequestModel {
	return PurchaseRequestModel{
		ID:             req.ID.String(),
		Buyer:          req.Buyer,
		AmountPaid:     req.AmountPaid,
		State:          string(req.State),
		DataHash:       req.DataHash,
		FailureReason:  req.FailureReason,
		EscrowReleased: req.EscrowReleased,
		EscrowRefunded: req.EscrowRefunded,
		CreatedAt:      req.CreatedAt,
		UpdatedAt:      req.UpdatedAt,
	}
}

func requestFromModel(model PurchaseRequestModel) (domain.PurchaseRequest, error) {
	id, err := domain.ParseRequestID(model.ID)
	if err != nil {
		return domain.PurchaseRequest{}, fmt.Errorf("stored request id: %w", err)
	}
	return domain.PurchaseRequest{
		ID:             id,
		Buyer:          model.Buyer,
		AmountPaid:     model.AmountPaid,
		State:          domain.RequestState(model.State),
		DataHash:       model.DataHash,
		FailureReason:  model.FailureReason,
		EscrowReleased: model.EscrowReleased,
		EscrowRefunded: model.EscrowRefunded,
		CreatedAt:      model.CreatedAt,
		UpdatedAt:      model.UpdatedAt,
	}, nil
}
