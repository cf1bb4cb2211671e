// Package oracle coordinates attestation requests against the external
// consensus layer: submission to the hub, polling the data availability
// layer for the published result, and verification-gated delivery
// through the ledger.
package oracle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"skysettle/internal/domain"

	"github.com/sirupsen/logrus"
)

// HubClient submits a prepared attestation request to the external
// hub. The hub deduplicates by payload hash, so retrying a failed
// submission is safe.
type HubClient interface {
	Submit(ctx context.Context, id domain.RequestID, payload domain.AttestationPayload) (string, error)
}

// DAClient polls the data availability layer for a published result.
// It returns ErrNotYetAvailable until the round closes.
type DAClient interface {
	Fetch(ctx context.Context, id domain.RequestID) (response, proof []byte, err error)
}

// SettlementLedger is the slice of the ledger the oracle drives.
type SettlementLedger interface {
	DeliverData(ctx context.Context, id domain.RequestID, response, proof []byte) (domain.PurchaseRequest, error)
	MarkFailed(ctx context.Context, id domain.RequestID, reason string) (domain.PurchaseRequest, error)
	VerifyProof(ctx context.Context, response, proof []byte) (bool, error)
}

type Config struct {
	// PollInitial is the first backoff interval; it doubles per miss
	// up to PollMax. PollCeiling is the hard budget: once exceeded the
	// request fails with AttestationTimeout.
	PollInitial time.Duration
	PollMax     time.Duration
	PollCeiling time.Duration
}

func (c *Config) applyDefaults() {
	if c.PollInitial <= 0 {
		c.PollInitial = 2 * time.Second
	}
	if c.PollMax <= 0 {
		c.PollMax = 30 * time.Second
	}
	if c.PollCeiling <= 0 {
		c.PollCeiling = 5 * time.Minute
	}
}

const (
	failureReasonTimeout  = "attestation_timeout"
	failureReasonRejected = "proof_rejected"
)

type Oracle struct {
	cfg      Config
	hub      HubClient
	da       DAClient
	ledger   SettlementLedger
	records  domain.AttestationRepository
	requests domain.RequestRepository
	log      logrus.FieldLogger

	mu       sync.Mutex
	inflight map[domain.RequestID]context.CancelFunc
	wg       sync.WaitGroup
	baseCtx  context.Context
	cancel   context.CancelFunc
}

func New(cfg Config, hub HubClient, da DAClient, ledger SettlementLedger, records domain.AttestationRepository, requests domain.RequestRepository, log logrus.FieldLogger) *Oracle {
	cfg.applyDefaults()
	if log == nil {
		log = logrus.StandardLogger()
	}
	baseCtx, cancel := context.WithCancel(context.Background())
	return &Oracle{
		cfg:      cfg,
		hub:      hub,
		da:       da,
		ledger:   ledger,
		records:  records,
		requests: requests,
		log:      log,
		inflight: make(map[domain.RequestID]context.CancelFunc),
		baseCtx:  baseCtx,
		cancel:   cancel,
	}
}

// RequestAttestation transitions the request out of Created, records a
// Pending attestation and submits it to the hub. On transport failure
// the record is kept and the background poller retries the submission;
// the caller sees ErrHubUnavailable and the request reads as Pending.
func (o *Oracle) RequestAttestation(ctx context.Context, id domain.RequestID, payload domain.AttestationPayload) error {
	if err := payload.Validate(); err != nil {
		return fmt.Errorf("request %s: %w", id, err)
	}
	_, err := o.requests.Update(ctx, id, func(req *domain.PurchaseRequest) error {
		if req.State != domain.StateCreated {
			return fmt.Errorf("request %s in state %s: %w", id, req.State, domain.ErrDuplicateRequest)
		}
		req.State = domain.StateAttestationRequested
		return nil
	})
	if err != nil {
		return err
	}
	rec := domain.AttestationRecord{
		RequestID: id,
		Payload:   payload,
		Status:    domain.AttestationPending,
	}
	if err := o.records.Create(ctx, rec); err != nil {
		return fmt.Errorf("request %s: %w", id, err)
	}

	submitErr := o.submit(ctx, id, payload)
	o.StartPolling(id)
	if submitErr != nil {
		return fmt.Errorf("request %s: %w", id, submitErr)
	}
	return nil
}

func (o *Oracle) submit(ctx context.Context, id domain.RequestID, payload domain.AttestationPayload) error {
	if o.hub == nil {
		return fmt.Errorf("no hub configured: %w", domain.ErrHubUnavailable)
	}
	handle, err := o.hub.Submit(ctx, id, payload)
	if err != nil {
		o.log.WithError(err).WithField("request_id", id.String()).Warn("hub submission failed")
		_, _ = o.records.Update(ctx, id, func(rec *domain.AttestationRecord) error {
			rec.Attempts++
			return nil
		})
		return err
	}
	_, err = o.records.Update(ctx, id, func(rec *domain.AttestationRecord) error {
		rec.Handle = handle
		rec.Attempts++
		return nil
	})
	return err
}

// FetchAttestationResult performs one poll of the DA layer and stores
// the published result. ErrNotYetAvailable is an expected transient
// state, not a failure.
func (o *Oracle) FetchAttestationResult(ctx context.Context, id domain.RequestID) (domain.AttestationRecord, error) {
	rec, err := o.records.Get(ctx, id)
	if err != nil {
		return domain.AttestationRecord{}, fmt.Errorf("request %s: %w", id, err)
	}
	if rec.Status != domain.AttestationPending {
		return rec, nil
	}
	if o.da == nil {
		return rec, fmt.Errorf("no da layer configured: %w", domain.ErrNotYetAvailable)
	}
	response, proof, err := o.da.Fetch(ctx, id)
	if err != nil {
		if errors.Is(err, domain.ErrNotYetAvailable) {
			return rec, fmt.Errorf("request %s: %w", id, domain.ErrNotYetAvailable)
		}
		return rec, fmt.Errorf("request %s: %w", id, err)
	}
	return o.records.Update(ctx, id, func(rec *domain.AttestationRecord) error {
		if rec.Status != domain.AttestationPending {
			return nil
		}
		rec.Status = domain.AttestationAvailable
		rec.Response = response
		rec.Proof = proof
		return nil
	})
}

// VerifyAndDeliver runs the ledger's verification predicate and, on
// success, completes delivery. A rejected proof is terminal for the
// request: the record is marked Rejected, the request Failed, and no
// silent retry happens. Delivery racing another deliverer treats
// AlreadyDelivered as success.
func (o *Oracle) VerifyAndDeliver(ctx context.Context, id domain.RequestID, response, proof []byte) (domain.PurchaseRequest, error) {
	ok, err := o.ledger.VerifyProof(ctx, response, proof)
	if err != nil {
		return domain.PurchaseRequest{}, fmt.Errorf("request %s: verify: %w", id, err)
	}
	if !ok {
		if _, err := o.records.Update(ctx, id, func(rec *domain.AttestationRecord) error {
			rec.Status = domain.AttestationRejected
			return nil
		}); err != nil {
			o.log.WithError(err).WithField("request_id", id.String()).Warn("mark rejected failed")
		}
		if _, err := o.ledger.MarkFailed(ctx, id, failureReasonRejected); err != nil {
			o.log.WithError(err).WithField("request_id", id.String()).Warn("mark failed failed")
		}
		return domain.PurchaseRequest{}, fmt.Errorf("request %s: %w", id, domain.ErrProofRejected)
	}

	if _, err := o.records.Update(ctx, id, func(rec *domain.AttestationRecord) error {
		rec.Status = domain.AttestationVerified
		if len(rec.Response) == 0 {
			rec.Response = response
			rec.Proof = proof
		}
		return nil
	}); err != nil {
		return domain.PurchaseRequest{}, fmt.Errorf("request %s: %w", id, err)
	}
	if _, err := o.requests.Update(ctx, id, func(req *domain.PurchaseRequest) error {
		if req.State == domain.StateAttestationRequested {
			req.State = domain.StateAttestationVerified
		}
		return nil
	}); err != nil {
		return domain.PurchaseRequest{}, err
	}

	delivered, err := o.ledger.DeliverData(ctx, id, response, proof)
	if err != nil {
		if errors.Is(err, domain.ErrAlreadyDelivered) {
			return o.requests.Get(ctx, id)
		}
		return domain.PurchaseRequest{}, err
	}
	return delivered, nil
}

// Status reads the last-known state without touching the network; a
// caller asking for status never blocks on DA layer I/O.
func (o *Oracle) Status(ctx context.Context, id domain.RequestID) (domain.AttestationRecord, error) {
	return o.records.Get(ctx, id)
}

// StartPolling launches the per-request background poll loop. At most
// one loop runs per request id.
func (o *Oracle) StartPolling(id domain.RequestID) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, running := o.inflight[id]; running {
		return
	}
	ctx, cancel := context.WithCancel(o.baseCtx)
	o.inflight[id] = cancel
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer func() {
			o.mu.Lock()
			delete(o.inflight, id)
			o.mu.Unlock()
			cancel()
		}()
		o.pollLoop(ctx, id)
	}()
}

func (o *Oracle) pollLoop(ctx context.Context, id domain.RequestID) {
	deadline := time.Now().Add(o.cfg.PollCeiling)
	backoff := o.cfg.PollInitial
	log := o.log.WithField("request_id", id.String())

	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}

		rec, err := o.records.Get(ctx, id)
		if err != nil {
			log.WithError(err).Warn("poll: record read failed")
			return
		}
		if rec.Status != domain.AttestationPending {
			return
		}

		if rec.Handle == "" {
			// Submission is still outstanding; retry it before
			// asking the DA layer for a result.
			if err := o.submit(ctx, id, rec.Payload); err == nil {
				continue
			}
		} else {
			rec, err = o.FetchAttestationResult(ctx, id)
			if err == nil && rec.Status == domain.AttestationAvailable {
				if _, err := o.VerifyAndDeliver(ctx, id, rec.Response, rec.Proof); err != nil {
					log.WithError(err).Warn("verify and deliver failed")
				}
				return
			}
			if err != nil && !errors.Is(err, domain.ErrNotYetAvailable) {
				log.WithError(err).Debug("poll: transient DA layer error")
			}
		}

		if time.Now().After(deadline) {
			o.timeout(ctx, id)
			return
		}
		backoff *= 2
		if backoff > o.cfg.PollMax {
			backoff = o.cfg.PollMax
		}
	}
}

func (o *Oracle) timeout(ctx context.Context, id domain.RequestID) {
	o.log.WithField("request_id", id.String()).Warn("attestation polling budget exhausted")
	if _, err := o.ledger.MarkFailed(ctx, id, failureReasonTimeout); err != nil {
		o.log.WithError(err).WithField("request_id", id.String()).Warn("mark timeout failed")
	}
}

// Close stops all polling loops and waits for them to drain.
func (o *Oracle) Close() {
	o.cancel()
	o.wg.Wait()
}
