package formlease

import (
	"errors"
	"fmt"
	"regexp"

	"github.com/ehr/formlock/pkg/lease"
)

// AcquireMode selects how TryAcquire treats a lease held by someone else.
type AcquireMode string

const (
	// AcquireOverwrite hands the lease to every caller and reports the
	// previous holder. Two sessions racing through "peek, decide, acquire"
	// can both believe they won; the loser finds out on its next write.
	AcquireOverwrite AcquireMode = "overwrite"

	// AcquireConditional only grants the lease when the current holder is
	// nobody, the caller, or the holder the caller saw when it decided.
	AcquireConditional AcquireMode = "conditional"
)

// ParseAcquireMode validates a configured acquire mode. Empty means overwrite.
func ParseAcquireMode(s string) (AcquireMode, error) {
	switch AcquireMode(s) {
	case "", AcquireOverwrite:
		return AcquireOverwrite, nil
	case AcquireConditional:
		return AcquireConditional, nil
	}
	return "", fmt.Errorf("unknown acquire mode %q", s)
}

// AcquireOptions carries per-call acquisition parameters.
type AcquireOptions struct {
	// Conditional is set by the service when running in AcquireConditional.
	Conditional bool
	// ExpectOwner is the holder the caller observed before deciding to take
	// the lease. Only consulted when Conditional is set.
	ExpectOwner string
	// OwnerHint is a display name for the acquiring session.
	OwnerHint string
}

var (
	// ErrInvalidForm is returned for malformed form identifiers.
	ErrInvalidForm = errors.New("invalid form identifier")
	// ErrInvalidSession is returned when a mutating call carries no session.
	ErrInvalidSession = errors.New("session id is required")
)

var formIDPattern = regexp.MustCompile(`^[A-Za-z0-9_.:-]{1,128}$`)

func validateFormID(formID string) error {
	if !formIDPattern.MatchString(formID) {
		return fmt.Errorf("%w: %q", ErrInvalidForm, formID)
	}
	return nil
}

// mayAcquire decides a conditional acquisition against the current lease.
func mayAcquire(cur lease.Lease, sessionID, expectOwner string) bool {
	return !cur.Locked() || cur.OwnerID == sessionID || cur.OwnerID == expectOwner
}

// mayWrite reports whether sessionID may store a snapshot under cur. Only a
// form that has never been leased is claimed by its first writer; once a
// lease record exists, writes come from its holder or are rejected, even
// after the holder released it.
func mayWrite(cur lease.Lease, exists bool, sessionID string) bool {
	return !exists || cur.HeldBy(sessionID)
}
