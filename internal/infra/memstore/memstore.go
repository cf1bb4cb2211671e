// Package memstore backs the repository interfaces with mutex-guarded
// maps. It serves tests and no-db mode; the mutex is the linearization
// point for the put-if-absent and read-modify-write guarantees the
// ledger relies on.
package memstore

import (
	"context"
	"math/big"
	"sync"
	"time"

	"skysettle/internal/domain"
)

type Requests struct {
	mu   sync.Mutex
	data map[domain.RequestID]domain.PurchaseRequest
	now  func() time.Time
}

func NewRequests() *Requests {
	return &Requests{
		data: make(map[domain.RequestID]domain.PurchaseRequest),
		now:  time.Now,
	}
}

func (r *Requests) Create(ctx context.Context, req domain.PurchaseRequest) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.data[req.ID]; exists {
		return domain.ErrDuplicateRequest
	}
	now := r.now().UTC()
	if req.CreatedAt.IsZero() {
		req.CreatedAt = now
	}
	req.UpdatedAt = now
	r.data[req.ID] = req
	return nil
}

func (r *Requests) Get(ctx context.Context, id domain.RequestID) (domain.PurchaseRequest, error) {
	if err := ctx.Err(); err != nil {
		return domain.PurchaseRequest{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	req, ok := r.data[id]
	if !ok {
		return domain.PurchaseRequest{}, domain.ErrUnknownRequest
	}
	return req, nil
}

func (r *Requests) Update(ctx context.Context, id domain.RequestID, apply func(*domain.PurchaseRequest) error) (domain.PurchaseRequest, error) {
	if err := ctx.Err(); err != nil {
		return domain.PurchaseRequest{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	req, ok := r.data[id]
	if !ok {
		return domain.PurchaseRequest{}, domain.ErrUnknownRequest
	}
	updated := req
	if err := apply(&updated); err != nil {
		return domain.PurchaseRequest{}, err
	}
	updated.ID = req.ID
	updated.CreatedAt = req.CreatedAt
	updated.UpdatedAt = r.now().UTC()
	r.data[id] = updated
	return updated, nil
}

type Attestations struct {
	mu   sync.Mutex
	data map[domain.RequestID]domain.AttestationRecord
	now  func() time.Time
}

func NewAttestations() *Attestations {
	return &Attestations{
		data: make(map[domain.RequestID]domain.AttestationRecord),
		now:  time.Now,
	}
}

func (r *Attestations) Create(ctx context.Context, rec domain.AttestationRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.data[rec.RequestID]; exists {
		return domain.ErrDuplicateRequest
	}
	now := r.now().UTC()
	if rec.SubmittedAt.IsZero() {
		rec.SubmittedAt = now
	}
	rec.UpdatedAt = now
	r.data[rec.RequestID] = rec
	return nil
}

func (r *Attestations) Get(ctx context.Context, id domain.RequestID) (domain.AttestationRecord, error) {
	if err := ctx.Err(); err != nil {
		return domain.AttestationRecord{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.data[id]
	if !ok {
		return domain.AttestationRecord{}, domain.ErrNotFound
	}
	return cloneAttestation(rec), nil
}

func (r *Attestations) Update(ctx context.Context, id domain.RequestID, apply func(*domain.AttestationRecord) error) (domain.AttestationRecord, error) {
	if err := ctx.Err(); err != nil {
		return domain.AttestationRecord{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.data[id]
	if !ok {
		return domain.AttestationRecord{}, domain.ErrNotFound
	}
	updated := cloneAttestation(rec)
	if err := apply(&updated); err != nil {
		return domain.AttestationRecord{}, err
	}
	updated.RequestID = rec.RequestID
	updated.SubmittedAt = rec.SubmittedAt
	updated.UpdatedAt = r.now().UTC()
	r.data[id] = updated
	return cloneAttestation(updated), nil
}

func cloneAttestation(rec domain.AttestationRecord) domain.AttestationRecord {
	out := rec
	out.Response = append([]byte(nil), rec.Response...)
	out.Proof = append([]byte(nil), rec.Proof...)
	return out
}

type Randomness struct {
	mu   sync.Mutex
	data map[domain.RequestID]domain.RandomnessRecord
	now  func() time.Time
}

func NewRandomness() *Randomness {
	return &Randomness{
		data: make(map[domain.RequestID]domain.RandomnessRecord),
		now:  time.Now,
	}
}

func (r *Randomness) PutIfAbsent(ctx context.Context, rec domain.RandomnessRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.data[rec.ID]; exists {
		return domain.ErrAlreadyFulfilled
	}
	rec.Fulfilled = true
	if rec.StoredAt.IsZero() {
		rec.StoredAt = r.now().UTC()
	}
	rec.RandomValue = cloneBig(rec.RandomValue)
	r.data[rec.ID] = rec
	return nil
}

func (r *Randomness) Get(ctx context.Context, id domain.RequestID) (domain.RandomnessRecord, error) {
	if err := ctx.Err(); err != nil {
		return domain.RandomnessRecord{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.data[id]
	if !ok {
		return domain.RandomnessRecord{ID: id}, nil
	}
	rec.RandomValue = cloneBig(rec.RandomValue)
	return rec, nil
}

func cloneBig(v *big.Int) *big.Int {
	if v == nil {
		return nil
	}
	return new(big.Int).Set(v)
}
