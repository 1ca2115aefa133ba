package formlease

import (
	"context"
	"time"

	"github.com/ehr/formlock/pkg/lease"
)

// Repository is the durable side of the lease store. Each mutating method is
// atomic with respect to other calls on the same form.
type Repository interface {
	// Acquire records sessionID as owner as of now and returns the lease as
	// it was before. With opts.Conditional it may decline and leave the lease
	// untouched.
	Acquire(ctx context.Context, formID, sessionID string, now time.Time, opts AcquireOptions) (lease.AcquireResult, error)
	// Release clears ownership when sessionID holds the lease. It reports
	// whether anything changed.
	Release(ctx context.Context, formID, sessionID string) (bool, error)
	GetLease(ctx context.Context, formID string) (lease.Lease, error)
	// SaveSnapshot stores fields and renews the lease to sessionID, or
	// returns lease.ErrRejected when another session holds it.
	SaveSnapshot(ctx context.Context, formID, sessionID string, fields lease.Fields, now time.Time) (*lease.Snapshot, error)
	GetSnapshot(ctx context.Context, formID string) (*lease.Snapshot, error)
}
