// Package conflict decides what a read-only session does when its user asks
// to write while another session holds the lease.
package conflict

import (
	"context"
	"time"
)

// Decision is the outcome of a conflict.
type Decision int

const (
	// Watch keeps the session read-only.
	Watch Decision = iota
	// TakeOwnership overwrites the current holder.
	TakeOwnership
)

func (d Decision) String() string {
	if d == TakeOwnership {
		return "take_ownership"
	}
	return "watch"
}

// Conflict describes the lease that blocks a write.
type Conflict struct {
	FormID     string
	Owner      string
	// OwnerHint is the display name the owner registered with, if any.
	OwnerHint  string
	AcquiredAt time.Time
	Age        time.Duration
}

// Resolver presents the choice and returns the user's answer. Resolve blocks
// until the user answers or ctx is done; on cancellation it returns Watch.
type Resolver interface {
	Resolve(ctx context.Context, c Conflict) Decision
}

// Func adapts a function to Resolver.
type Func func(ctx context.Context, c Conflict) Decision

func (f Func) Resolve(ctx context.Context, c Conflict) Decision {
	if ctx.Err() != nil {
		return Watch
	}
	return f(ctx, c)
}

// Always returns a Resolver that answers d without asking.
func Always(d Decision) Resolver {
	return Func(func(context.Context, Conflict) Decision { return d })
}
