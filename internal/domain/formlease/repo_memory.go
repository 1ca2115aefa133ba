package formlease

import (
	"context"
	"sync"
	"time"

	"github.com/ehr/formlock/pkg/lease"
)

// MemoryRepo keeps leases and snapshots in process. It backs single-node
// deployments and tests.
type MemoryRepo struct {
	mu        sync.Mutex
	leases    map[string]lease.Lease
	snapshots map[string]*lease.Snapshot
}

// NewMemoryRepo creates an empty MemoryRepo.
func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{
		leases:    make(map[string]lease.Lease),
		snapshots: make(map[string]*lease.Snapshot),
	}
}

func (m *MemoryRepo) current(formID string) lease.Lease {
	l, ok := m.leases[formID]
	if !ok {
		return lease.Lease{FormID: formID}
	}
	return l
}

func (m *MemoryRepo) Acquire(_ context.Context, formID, sessionID string, now time.Time, opts AcquireOptions) (lease.AcquireResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	prev := m.current(formID)
	if opts.Conditional && !mayAcquire(prev, sessionID, opts.ExpectOwner) {
		return lease.AcquireResult{Granted: false, Lease: prev, Previous: prev}, nil
	}
	next := lease.Lease{FormID: formID, OwnerID: sessionID, OwnerHint: opts.OwnerHint, AcquiredAt: now}
	m.leases[formID] = next
	return lease.AcquireResult{Granted: true, Lease: next, Previous: prev}, nil
}

func (m *MemoryRepo) Release(_ context.Context, formID, sessionID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur := m.current(formID)
	if !cur.HeldBy(sessionID) {
		return false, nil
	}
	cur.OwnerID, cur.OwnerHint = "", ""
	m.leases[formID] = cur
	return true, nil
}

func (m *MemoryRepo) GetLease(_ context.Context, formID string) (lease.Lease, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current(formID), nil
}

func (m *MemoryRepo) SaveSnapshot(_ context.Context, formID, sessionID string, fields lease.Fields, now time.Time) (*lease.Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, exists := m.leases[formID]
	if !mayWrite(cur, exists, sessionID) {
		return nil, lease.ErrRejected
	}
	m.leases[formID] = lease.Lease{FormID: formID, OwnerID: sessionID, OwnerHint: cur.OwnerHint, AcquiredAt: now}
	snap := &lease.Snapshot{FormID: formID, Fields: fields.Clone(), SavedBy: sessionID, SavedAt: now}
	m.snapshots[formID] = snap

	out := *snap
	out.Fields = snap.Fields.Clone()
	return &out, nil
}

func (m *MemoryRepo) GetSnapshot(_ context.Context, formID string) (*lease.Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap, ok := m.snapshots[formID]
	if !ok {
		return &lease.Snapshot{FormID: formID, Fields: lease.Fields{}}, nil
	}
	out := *snap
	out.Fields = snap.Fields.Clone()
	return &out, nil
}

// SetLease overwrites the stored lease. Used to seed fixtures such as a lease
// abandoned by a closed tab.
func (m *MemoryRepo) SetLease(l lease.Lease) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.leases[l.FormID] = l
}
