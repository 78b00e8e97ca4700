package override

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/opengavel/gavel/pkg/telemetry"
)

// DefaultRequiredApprovals is the default approval count for a new
// override request.
const DefaultRequiredApprovals = 2

// DefaultWindow is the default maximum override validity window.
const DefaultWindow = 4 * time.Hour

// Config configures a Registry.
type Config struct {
	// RequiredApprovals is the approval count needed to approve a
	// request. Defaults to DefaultRequiredApprovals.
	RequiredApprovals int

	// Window is the validity window from creation to expiry. Defaults
	// to DefaultWindow.
	Window time.Duration
}

// Registry manages the override lifecycle: request, approve, consume,
// revoke, expire. Operations on different request ids run concurrently;
// operations on the same id are mutually exclusive.
type Registry struct {
	cfg    Config
	store  Store
	authz  Authorizer
	events *telemetry.EventPublisher
	logger zerolog.Logger
	now    func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewRegistry creates an override registry.
func NewRegistry(cfg Config, store Store, authz Authorizer, events *telemetry.EventPublisher, logger zerolog.Logger) *Registry {
	if cfg.RequiredApprovals <= 0 {
		cfg.RequiredApprovals = DefaultRequiredApprovals
	}
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	return &Registry{
		cfg:    cfg,
		store:  store,
		authz:  authz,
		events: events,
		logger: logger.With().Str("component", "override-registry").Logger(),
		now:    time.Now,
		locks:  make(map[string]*sync.Mutex),
	}
}

// lockFor returns the mutex guarding one request id.
func (r *Registry) lockFor(id string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.locks[id]
	if !ok {
		l = &sync.Mutex{}
		r.locks[id] = l
	}
	return l
}

// Request creates a new override request in the pending state.
func (r *Registry) Request(ctx context.Context, subjectRef, justification, requestor string) (*Request, error) {
	if !r.authz.Can(requestor, CapabilityRequest) {
		r.logger.Warn().Str("actor", requestor).Msg("Unauthorized override request")
		return nil, &UnauthorizedError{Actor: requestor, Capability: CapabilityRequest}
	}
	if justification == "" {
		return nil, fmt.Errorf("justification is required")
	}
	if subjectRef == "" {
		return nil, fmt.Errorf("subject reference is required")
	}

	now := r.now()
	req := &Request{
		ID:                uuid.New().String(),
		SubjectRef:        subjectRef,
		Requestor:         requestor,
		Justification:     justification,
		CreatedAt:         now,
		ExpiresAt:         now.Add(r.cfg.Window),
		RequiredApprovals: r.cfg.RequiredApprovals,
		Status:            StatusPending,
	}

	if err := r.store.Put(ctx, req); err != nil {
		return nil, fmt.Errorf("failed to persist override request: %w", err)
	}

	r.logger.Info().
		Str("override_id", req.ID).
		Str("subject_ref", subjectRef).
		Str("requestor", requestor).
		Time("expires_at", req.ExpiresAt).
		Msg("Override requested")
	r.events.PublishOverrideRequested(req.ID, subjectRef, requestor)

	return req, nil
}

// Approve records one approval. On reaching the required approval
// count the request transitions to approved.
func (r *Registry) Approve(ctx context.Context, id, approver, signature string) error {
	if !r.authz.Can(approver, CapabilityApprove) {
		r.logger.Warn().Str("actor", approver).Str("override_id", id).Msg("Unauthorized override approval")
		return &UnauthorizedError{Actor: approver, Capability: CapabilityApprove}
	}

	l := r.lockFor(id)
	l.Lock()
	defer l.Unlock()

	req, err := r.store.Get(ctx, id)
	if err != nil {
		return err
	}

	// Expiry is rechecked under the lock; a sweep may race a late
	// approval and both must agree.
	if r.now().After(req.ExpiresAt) {
		if !req.Status.Terminal() {
			req.Status = StatusExpired
			if err := r.store.Put(ctx, req); err != nil {
				return fmt.Errorf("failed to persist expiry: %w", err)
			}
		}
		return &ExpiredRequestError{RequestID: id, ExpiredAt: req.ExpiresAt}
	}

	if req.Status != StatusPending {
		return &StateError{RequestID: id, Status: req.Status, Op: "approve"}
	}

	for _, a := range req.Approvals {
		if a.Approver == approver {
			return &DuplicateApprovalError{RequestID: id, Approver: approver}
		}
	}

	req.Approvals = append(req.Approvals, Approval{
		Approver:  approver,
		Timestamp: r.now(),
		Signature: signature,
	})

	if len(req.Approvals) >= req.RequiredApprovals {
		req.Status = StatusApproved
	}

	if err := r.store.Put(ctx, req); err != nil {
		return fmt.Errorf("failed to persist approval: %w", err)
	}

	r.logger.Info().
		Str("override_id", id).
		Str("approver", approver).
		Int("approvals", len(req.Approvals)).
		Int("required", req.RequiredApprovals).
		Str("status", string(req.Status)).
		Msg("Override approval recorded")

	if req.Status == StatusApproved {
		r.events.PublishOverrideApproved(id, req.SubjectRef, approver)
	}

	return nil
}

// Consume issues a one-time Token for an approved, unexpired request
// whose subject reference matches. The request transitions to used.
func (r *Registry) Consume(ctx context.Context, id, subjectRef string) (*Token, error) {
	l := r.lockFor(id)
	l.Lock()
	defer l.Unlock()

	req, err := r.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	now := r.now()
	if now.After(req.ExpiresAt) {
		if !req.Status.Terminal() {
			req.Status = StatusExpired
			if err := r.store.Put(ctx, req); err != nil {
				return nil, fmt.Errorf("failed to persist expiry: %w", err)
			}
		}
		return nil, &ExpiredRequestError{RequestID: id, ExpiredAt: req.ExpiresAt}
	}

	if req.Status != StatusApproved {
		return nil, &StateError{RequestID: id, Status: req.Status, Op: "consume"}
	}

	if req.SubjectRef != subjectRef {
		return nil, &SubjectMismatchError{RequestID: id, Want: req.SubjectRef, Got: subjectRef}
	}

	req.Status = StatusUsed
	if err := r.store.Put(ctx, req); err != nil {
		return nil, fmt.Errorf("failed to persist consumption: %w", err)
	}

	r.logger.Info().
		Str("override_id", id).
		Str("subject_ref", subjectRef).
		Msg("Override consumed")
	r.events.PublishOverrideUsed(id, subjectRef, req.Requestor)

	return &Token{
		OverrideID: id,
		SubjectRef: req.SubjectRef,
		IssuedAt:   now,
		ExpiresAt:  req.ExpiresAt,
	}, nil
}

// Revoke explicitly terminates a request. Terminal states cannot be
// revoked.
func (r *Registry) Revoke(ctx context.Context, id, actor string) error {
	if !r.authz.Can(actor, CapabilityRevoke) {
		return &UnauthorizedError{Actor: actor, Capability: CapabilityRevoke}
	}

	l := r.lockFor(id)
	l.Lock()
	defer l.Unlock()

	req, err := r.store.Get(ctx, id)
	if err != nil {
		return err
	}

	if req.Status.Terminal() {
		return &StateError{RequestID: id, Status: req.Status, Op: "revoke"}
	}

	req.Status = StatusRevoked
	if err := r.store.Put(ctx, req); err != nil {
		return fmt.Errorf("failed to persist revocation: %w", err)
	}

	r.logger.Info().Str("override_id", id).Str("actor", actor).Msg("Override revoked")
	r.events.PublishOverrideRevoked(id, req.SubjectRef, actor)
	return nil
}

// RecordConsumption cross-references the decision log record that
// consumed an override.
func (r *Registry) RecordConsumption(ctx context.Context, id, logID string) error {
	l := r.lockFor(id)
	l.Lock()
	defer l.Unlock()

	req, err := r.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if req.Status != StatusUsed {
		return &StateError{RequestID: id, Status: req.Status, Op: "record consumption for"}
	}

	req.ConsumedLogID = logID
	return r.store.Put(ctx, req)
}

// Get returns one override request.
func (r *Registry) Get(ctx context.Context, id string) (*Request, error) {
	return r.store.Get(ctx, id)
}

// List returns all override requests.
func (r *Registry) List(ctx context.Context) ([]*Request, error) {
	return r.store.List(ctx)
}

// Sweep flips overdue non-terminal requests to expired. Consume and
// Approve recheck wall-clock expiry independently, so the sweep is an
// optimization, not the enforcement mechanism.
func (r *Registry) Sweep(ctx context.Context) (int, error) {
	reqs, err := r.store.List(ctx)
	if err != nil {
		return 0, err
	}

	expired := 0
	now := r.now()
	for _, req := range reqs {
		if req.Status.Terminal() || !now.After(req.ExpiresAt) {
			continue
		}

		l := r.lockFor(req.ID)
		l.Lock()
		fresh, err := r.store.Get(ctx, req.ID)
		if err == nil && !fresh.Status.Terminal() && now.After(fresh.ExpiresAt) {
			fresh.Status = StatusExpired
			if err := r.store.Put(ctx, fresh); err == nil {
				expired++
			}
		}
		l.Unlock()
	}

	if expired > 0 {
		r.logger.Info().Int("expired", expired).Msg("Override sweep completed")
	}
	return expired, nil
}

// StartSweeper runs Sweep on the given interval until the context is
// cancelled.
func (r *Registry) StartSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := r.Sweep(ctx); err != nil {
					r.logger.Error().Err(err).Msg("Override sweep failed")
				}
			}
		}
	}()
}
