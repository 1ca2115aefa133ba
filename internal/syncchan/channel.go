// Package syncchan is the request/response transport between a form view and
// the lease store. Calls are plain blocking functions; callers that must not
// block run them on their own goroutines and treat every reply as a possibly
// stale observation.
package syncchan

import (
	"context"

	"github.com/ehr/formlock/internal/domain/formlease"
	"github.com/ehr/formlock/pkg/lease"
)

// AcquireRequest carries the optional parameters of an acquisition.
type AcquireRequest struct {
	// OwnerHint is a display name shown to other sessions.
	OwnerHint string
	// ExpectOwner is the holder seen when the decision to acquire was made.
	// Stores in conditional mode decline if it no longer matches.
	ExpectOwner string
}

// Channel reaches the lease store and the form data store.
type Channel interface {
	TryAcquire(ctx context.Context, formID, sessionID string, req AcquireRequest) (lease.AcquireResult, error)
	Release(ctx context.Context, formID, sessionID string) error
	Peek(ctx context.Context, formID string) (lease.Lease, error)
	// WriteSnapshot returns an error matching lease.ErrRejected when the
	// store discarded the write. Any other error is transient.
	WriteSnapshot(ctx context.Context, formID, sessionID string, fields lease.Fields) (*lease.Snapshot, error)
	// Pull returns the latest saved fields of formID.
	Pull(ctx context.Context, formID string) (lease.Fields, error)
}

// Local is a Channel that calls a lease service in the same process.
type Local struct {
	svc *formlease.Service
}

func NewLocal(svc *formlease.Service) *Local {
	return &Local{svc: svc}
}

func (l *Local) TryAcquire(ctx context.Context, formID, sessionID string, req AcquireRequest) (lease.AcquireResult, error) {
	return l.svc.TryAcquire(ctx, formID, sessionID, formlease.AcquireOptions{
		OwnerHint:   req.OwnerHint,
		ExpectOwner: req.ExpectOwner,
	})
}

func (l *Local) Release(ctx context.Context, formID, sessionID string) error {
	return l.svc.Release(ctx, formID, sessionID)
}

func (l *Local) Peek(ctx context.Context, formID string) (lease.Lease, error) {
	return l.svc.Peek(ctx, formID)
}

func (l *Local) WriteSnapshot(ctx context.Context, formID, sessionID string, fields lease.Fields) (*lease.Snapshot, error) {
	return l.svc.WriteSnapshot(ctx, formID, sessionID, fields)
}

func (l *Local) Pull(ctx context.Context, formID string) (lease.Fields, error) {
	snap, err := l.svc.ReadSnapshot(ctx, formID)
	if err != nil {
		return nil, err
	}
	return snap.Fields, nil
}
