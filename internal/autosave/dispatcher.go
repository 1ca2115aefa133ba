// Package autosave turns field edits into full-snapshot writes. It keeps at
// most one write in flight per form and coalesces edits made meanwhile into
// a single follow-up write.
package autosave

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc"

	"github.com/ehr/formlock/internal/lockctl"
	"github.com/ehr/formlock/internal/syncchan"
	"github.com/ehr/formlock/pkg/lease"
)

var (
	// ErrReadOnly is returned for edits made without write permission.
	ErrReadOnly = errors.New("form is read-only")
	// ErrReservedField is returned for field names that collide with
	// protocol keys.
	ErrReservedField = errors.New("field name is reserved")
)

// Lock is the part of the lock controller the dispatcher depends on.
type Lock interface {
	State() lockctl.State
	Rejected(gen uint64)
}

// Dispatcher holds the local copy of a form and saves it.
type Dispatcher struct {
	formID    string
	sessionID string
	ch        syncchan.Channel
	lock      Lock
	logger    zerolog.Logger
	onSaved   func(*lease.Snapshot)

	mu       sync.Mutex
	form     lease.Fields
	inFlight bool
	dirty    bool
	resync   bool // local edits were refused; the next pull replaces the form
	workers  conc.WaitGroup
}

// NewDispatcher creates a Dispatcher for one session's view of formID.
func NewDispatcher(formID, sessionID string, ch syncchan.Channel, lock Lock) *Dispatcher {
	return &Dispatcher{
		formID:    formID,
		sessionID: sessionID,
		ch:        ch,
		lock:      lock,
		logger:    zerolog.Nop(),
		form:      lease.Fields{},
	}
}

func (d *Dispatcher) SetLogger(l zerolog.Logger) {
	d.logger = l.With().Str("form_id", d.formID).Str("session_id", d.sessionID).Logger()
}

// OnSaved registers fn to run after every accepted write.
func (d *Dispatcher) OnSaved(fn func(*lease.Snapshot)) {
	d.onSaved = fn
}

// FieldChanged records an edit and schedules a save of the whole form. It
// fails with ErrReadOnly unless the session is Active.
func (d *Dispatcher) FieldChanged(ctx context.Context, name, value string) error {
	if lease.IsReserved(name) {
		return fmt.Errorf("%w: %s", ErrReservedField, name)
	}
	st := d.lock.State()
	if st.Mode != lockctl.Active {
		return ErrReadOnly
	}

	d.mu.Lock()
	d.form[name] = value
	if d.inFlight {
		d.dirty = true
		d.mu.Unlock()
		return nil
	}
	d.inFlight = true
	fields := d.form.Clone()
	d.mu.Unlock()

	d.workers.Go(func() {
		d.submit(context.WithoutCancel(ctx), fields, st.Generation)
	})
	return nil
}

// submit writes fields and then any edits that arrived while it ran.
func (d *Dispatcher) submit(ctx context.Context, fields lease.Fields, gen uint64) {
	for {
		snap, err := d.ch.WriteSnapshot(ctx, d.formID, d.sessionID, fields)
		switch {
		case lease.IsRejected(err):
			d.mu.Lock()
			d.inFlight, d.dirty = false, false
			d.resync = true
			d.mu.Unlock()
			d.logger.Info().Uint64("generation", gen).Msg("autosave rejected")
			d.lock.Rejected(gen)
			return
		case err != nil:
			d.logger.Warn().Err(err).Msg("autosave failed")
		case d.onSaved != nil:
			d.onSaved(snap)
		}

		d.mu.Lock()
		if !d.dirty {
			d.inFlight = false
			d.mu.Unlock()
			return
		}
		st := d.lock.State()
		if st.Mode != lockctl.Active {
			d.inFlight, d.dirty = false, false
			d.mu.Unlock()
			return
		}
		d.dirty = false
		fields, gen = d.form.Clone(), st.Generation
		d.mu.Unlock()
	}
}

// Apply merges fields pulled from the current owner into the local form. The
// first pull after a rejected write replaces the form, dropping the edits the
// store refused.
func (d *Dispatcher) Apply(fields lease.Fields) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.resync {
		d.form = fields.Clone()
		if d.form == nil {
			d.form = lease.Fields{}
		}
		d.resync = false
		return
	}
	for k, v := range fields {
		d.form[k] = v
	}
}

// Form returns a copy of the local form.
func (d *Dispatcher) Form() lease.Fields {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.form.Clone()
}

// Listen applies pulled snapshots from ctl to the local form.
func (d *Dispatcher) Listen(ctl *lockctl.Controller) {
	ctl.Subscribe(func(ev lockctl.Event) {
		if ev.Kind == lockctl.SnapshotPulled {
			d.Apply(ev.Fields)
		}
	})
}

// Wait blocks until no write is in flight.
func (d *Dispatcher) Wait() {
	d.workers.Wait()
}
