package lease

import (
	"errors"
	"time"
)

// StalenessWindow is how long a held lease stays authoritative without being
// renewed. Past it, a newly opened session may take the lease silently.
const StalenessWindow = time.Hour

// RejectedSentinel is the response body returned in place of a snapshot echo
// when a write comes from a session that does not own the lease.
const RejectedSentinel = "Code 400"

// Form body keys with protocol meaning. Everything else in an update body is
// a form field.
const (
	KeyAcquireLock = "acquire_lock"
	KeyUnlock      = "unlock"
	KeySessionID   = "sessionId"
	KeyOwnerHint   = "ownerHint"
	KeyExpectOwner = "expectOwner"
)

// Query values on the form endpoint.
const (
	ModeUpdate   = "update"
	CopyReadOnly = "READONLY"
)

// ErrRejected reports that the store discarded a write because the caller
// does not hold the lease.
var ErrRejected = errors.New("write rejected: lease held by another session")

// IsRejected reports whether err is a write rejection.
func IsRejected(err error) bool {
	return errors.Is(err, ErrRejected)
}

// Fields is the full set of field values of one form.
type Fields map[string]string

// Clone returns an independent copy of f.
func (f Fields) Clone() Fields {
	out := make(Fields, len(f))
	for k, v := range f {
		out[k] = v
	}
	return out
}

// IsReserved reports whether key is a protocol key rather than a form field.
func IsReserved(key string) bool {
	switch key {
	case KeyAcquireLock, KeyUnlock, KeySessionID, KeyOwnerHint, KeyExpectOwner:
		return true
	}
	return false
}

// Lease is the exclusive-write permission on one form instance.
type Lease struct {
	FormID     string    `json:"formId"`
	OwnerID    string    `json:"ownerId"`
	OwnerHint  string    `json:"ownerHint,omitempty"`
	AcquiredAt time.Time `json:"acquiredAt"`
}

// Locked reports whether some session holds the lease.
func (l Lease) Locked() bool {
	return l.OwnerID != ""
}

// HeldBy reports whether sessionID is the current owner.
func (l Lease) HeldBy(sessionID string) bool {
	return l.OwnerID != "" && l.OwnerID == sessionID
}

// Age returns how long ago the lease was last granted or renewed.
func (l Lease) Age(now time.Time) time.Duration {
	if l.AcquiredAt.IsZero() {
		return 0
	}
	return now.Sub(l.AcquiredAt)
}

// Stale reports whether a held lease has gone unrenewed for longer than
// window. An unowned lease is never stale.
func (l Lease) Stale(now time.Time, window time.Duration) bool {
	if !l.Locked() {
		return false
	}
	return l.Age(now) > window
}

// AcquireResult is the outcome of a lease acquisition. Previous holds the
// lease as it was before the call.
type AcquireResult struct {
	Granted  bool  `json:"granted"`
	Lease    Lease `json:"lease"`
	Previous Lease `json:"previous"`
}

// Snapshot is the full field map of a form as saved by one session.
type Snapshot struct {
	FormID  string    `json:"formId"`
	Fields  Fields    `json:"fields"`
	SavedBy string    `json:"savedBy,omitempty"`
	SavedAt time.Time `json:"savedAt,omitempty"`
}
