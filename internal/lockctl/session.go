package lockctl

import (
	"time"

	"github.com/ehr/formlock/pkg/lease"
)

// Mode is the write permission of a session.
type Mode int

const (
	// ReadOnly: another session owns the lease; the view refreshes on a timer.
	ReadOnly Mode = iota
	// Active: this session owns the lease and may write.
	Active
	// Contested: the user asked to write while another session holds the
	// lease, and a decision is pending.
	Contested
)

func (m Mode) String() string {
	switch m {
	case Active:
		return "Active"
	case ReadOnly:
		return "ReadOnly"
	case Contested:
		return "Contested"
	}
	return "Unknown"
}

// Ticker is the refresh timer.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

type realTicker struct {
	t *time.Ticker
}

func (r realTicker) C() <-chan time.Time { return r.t.C }
func (r realTicker) Stop()               { r.t.Stop() }

func newRealTicker(d time.Duration) Ticker {
	return realTicker{t: time.NewTicker(d)}
}

// Session is the lock state of one open form view. It is owned by the
// controller loop and never shared.
type Session struct {
	ID     string
	FormID string
	Mode   Mode
	// Generation increases on every mode transition. Replies tagged with an
	// older generation are dropped.
	Generation uint64
	// Lease is the most recent lease observation.
	Lease lease.Lease
	// View holds the fields pulled while read-only.
	View lease.Fields

	started   bool
	pending   bool // peek, acquire or release in flight
	acquiring bool // TryAcquire sent, reply not yet applied
	polling   bool
	refresh   Ticker
}

func (s *Session) timerC() <-chan time.Time {
	if s.refresh == nil {
		return nil
	}
	return s.refresh.C()
}

// State is a point-in-time copy of the session safe to read from any
// goroutine.
type State struct {
	Mode       Mode
	Generation uint64
	Lease      lease.Lease
	Polling    bool
}
