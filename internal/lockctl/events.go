package lockctl

import (
	"github.com/ehr/formlock/pkg/lease"
)

// EventKind identifies a controller notification.
type EventKind int

const (
	// ModeChanged fires on every transition and once when start settles.
	ModeChanged EventKind = iota
	// SnapshotPulled carries the owner's latest fields to a read-only view.
	SnapshotPulled
	// WriteRejected is the blocking notice shown when the store refused a
	// write and the session lost write permission.
	WriteRejected
	// TransportError reports a failed call that was absorbed.
	TransportError
)

func (k EventKind) String() string {
	switch k {
	case ModeChanged:
		return "mode_changed"
	case SnapshotPulled:
		return "snapshot_pulled"
	case WriteRejected:
		return "write_rejected"
	case TransportError:
		return "transport_error"
	}
	return "unknown"
}

// Event is delivered to listeners on the controller goroutine. Listeners
// must not block.
type Event struct {
	Kind     EventKind
	Mode     Mode
	Previous Mode
	Lease    lease.Lease
	Fields   lease.Fields
	Op       string
	Err      error
	Notice   string
}
