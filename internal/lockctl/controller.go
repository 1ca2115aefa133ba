// Package lockctl runs the per-session lock state machine. A Controller owns
// one Session and moves it between Active, ReadOnly and Contested in response
// to user intent and Sync Channel replies. All state changes happen on the
// goroutine that calls Run; channel calls run on worker goroutines and post
// their results back.
package lockctl

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc"

	"github.com/ehr/formlock/internal/conflict"
	"github.com/ehr/formlock/internal/syncchan"
	"github.com/ehr/formlock/pkg/lease"
)

const (
	DefaultPollInterval = 15 * time.Second
	DefaultCallTimeout  = 10 * time.Second
)

// RejectedNotice is shown when a write is refused because another session
// took the form.
const RejectedNotice = "Another session took over this form. Your last edits were not saved."

var (
	ErrStopped        = errors.New("lock controller stopped")
	ErrAlreadyRunning = errors.New("lock controller already running")
)

// Config identifies the session and tunes its timers.
type Config struct {
	FormID    string
	SessionID string
	// OwnerHint is the display name other sessions see.
	OwnerHint       string
	PollInterval    time.Duration
	StalenessWindow time.Duration
	CallTimeout     time.Duration
}

// Option configures a Controller.
type Option func(*Controller)

// WithLogger sets the controller logger.
func WithLogger(l zerolog.Logger) Option {
	return func(c *Controller) {
		c.logger = l
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) {
		c.now = now
	}
}

// WithTicker replaces the refresh timer factory.
func WithTicker(f func(time.Duration) Ticker) Option {
	return func(c *Controller) {
		c.newTicker = f
	}
}

// Controller drives one Session.
type Controller struct {
	cfg       Config
	ch        syncchan.Channel
	resolver  conflict.Resolver
	logger    zerolog.Logger
	now       func() time.Time
	newTicker func(time.Duration) Ticker

	sess      *Session
	listeners []func(Event)

	cmds    chan func(context.Context)
	results chan func(context.Context)
	stopped chan struct{}
	running atomic.Bool
	workers conc.WaitGroup

	mu    sync.RWMutex
	state State
}

// New creates a Controller. Call Subscribe before Run.
func New(cfg Config, ch syncchan.Channel, resolver conflict.Resolver, opts ...Option) (*Controller, error) {
	if cfg.FormID == "" {
		return nil, fmt.Errorf("lock controller: form id is required")
	}
	if cfg.SessionID == "" {
		return nil, fmt.Errorf("lock controller: session id is required")
	}
	if ch == nil || resolver == nil {
		return nil, fmt.Errorf("lock controller: channel and resolver are required")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.StalenessWindow <= 0 {
		cfg.StalenessWindow = lease.StalenessWindow
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = DefaultCallTimeout
	}
	c := &Controller{
		cfg:       cfg,
		ch:        ch,
		resolver:  resolver,
		logger:    zerolog.Nop(),
		now:       time.Now,
		newTicker: newRealTicker,
		sess: &Session{
			ID:     cfg.SessionID,
			FormID: cfg.FormID,
			Mode:   ReadOnly,
			Lease:  lease.Lease{FormID: cfg.FormID},
		},
		cmds:    make(chan func(context.Context)),
		results: make(chan func(context.Context), 4),
		stopped: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With().Str("form_id", cfg.FormID).Str("session_id", cfg.SessionID).Logger()
	c.publishState()
	return c, nil
}

// Subscribe registers fn for every event. Listeners run on the controller
// goroutine and must not call back into the controller synchronously.
func (c *Controller) Subscribe(fn func(Event)) {
	c.listeners = append(c.listeners, fn)
}

// State returns the current mode, generation and last observed lease.
func (c *Controller) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Run starts the session and processes events until ctx is done. On exit an
// Active session releases its lease.
func (c *Controller) Run(ctx context.Context) error {
	if !c.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer func() {
		close(c.stopped)
		c.workers.Wait()
	}()

	c.enter(ctx, true)
	for {
		select {
		case <-ctx.Done():
			c.teardown(ctx)
			return nil
		case fn := <-c.cmds:
			fn(ctx)
		case fn := <-c.results:
			fn(ctx)
		case <-c.sess.timerC():
			c.poll(ctx)
		}
	}
}

// RequestWrite asks for write permission. In ReadOnly it takes a free or
// stale lease directly, and otherwise enters Contested and consults the
// resolver. It returns once the request has been handled; acquisition
// completes asynchronously.
func (c *Controller) RequestWrite(ctx context.Context) error {
	return c.post(ctx, c.requestWrite, true)
}

// Release gives up an Active lease and re-enters ReadOnly.
func (c *Controller) Release(ctx context.Context) error {
	return c.post(ctx, c.release, true)
}

// Rejected reports that a write tagged with generation gen was refused. It is
// ignored unless the session is still Active in that generation.
func (c *Controller) Rejected(gen uint64) {
	_ = c.post(context.Background(), func(ctx context.Context) { c.rejected(ctx, gen) }, false)
}

// Nudge refreshes a ReadOnly view now instead of at the next tick.
func (c *Controller) Nudge() {
	_ = c.post(context.Background(), c.poll, false)
}

func (c *Controller) post(ctx context.Context, fn func(context.Context), wait bool) error {
	done := make(chan struct{})
	cmd := func(lctx context.Context) {
		defer close(done)
		fn(lctx)
	}
	select {
	case c.cmds <- cmd:
	case <-c.stopped:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	if !wait {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-c.stopped:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// async runs op on a worker. The closure op returns is applied on the
// controller goroutine.
func (c *Controller) async(ctx context.Context, op func(context.Context) func(context.Context)) {
	c.workers.Go(func() {
		cctx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
		apply := op(cctx)
		cancel()
		select {
		case c.results <- apply:
		case <-c.stopped:
		}
	})
}

// enter peeks at the lease and settles the session. With allowAcquire a free,
// own or stale lease is taken; otherwise the session watches.
func (c *Controller) enter(ctx context.Context, allowAcquire bool) {
	c.sess.pending = true
	gen := c.sess.Generation
	c.async(ctx, func(cctx context.Context) func(context.Context) {
		l, err := c.ch.Peek(cctx, c.cfg.FormID)
		return func(ctx context.Context) {
			c.onEntryPeek(ctx, gen, allowAcquire, l, err)
		}
	})
}

func (c *Controller) onEntryPeek(ctx context.Context, gen uint64, allowAcquire bool, l lease.Lease, err error) {
	if gen != c.sess.Generation {
		c.logger.Debug().Uint64("generation", gen).Msg("dropping stale peek")
		return
	}
	c.sess.pending = false
	if err != nil {
		c.transportError("peek", err)
		c.enterReadOnly()
		return
	}
	c.observe(l)
	if allowAcquire && c.takeable(l) {
		c.acquire(ctx, l.OwnerID)
		return
	}
	c.enterReadOnly()
}

func (c *Controller) takeable(l lease.Lease) bool {
	return !l.Locked() || l.HeldBy(c.cfg.SessionID) || l.Stale(c.now(), c.cfg.StalenessWindow)
}

func (c *Controller) acquire(ctx context.Context, expect string) {
	c.sess.pending = true
	c.sess.acquiring = true
	gen := c.sess.Generation
	req := syncchan.AcquireRequest{OwnerHint: c.cfg.OwnerHint, ExpectOwner: expect}
	c.async(ctx, func(cctx context.Context) func(context.Context) {
		res, err := c.ch.TryAcquire(cctx, c.cfg.FormID, c.cfg.SessionID, req)
		return func(context.Context) {
			c.onAcquire(gen, res, err)
		}
	})
}

func (c *Controller) onAcquire(gen uint64, res lease.AcquireResult, err error) {
	c.sess.acquiring = false
	if gen != c.sess.Generation {
		c.logger.Debug().Uint64("generation", gen).Msg("dropping stale acquire reply")
		return
	}
	c.sess.pending = false
	if err != nil {
		c.transportError("acquire", err)
		c.enterReadOnly()
		return
	}
	c.observe(res.Lease)
	if !res.Granted {
		c.logger.Info().Str("owner_id", res.Lease.OwnerID).Msg("lease not granted")
		c.enterReadOnly()
		return
	}
	c.enterActive()
}

func (c *Controller) requestWrite(ctx context.Context) {
	if c.sess.Mode != ReadOnly || c.sess.pending || !c.sess.started {
		return
	}
	c.stopTimer()
	l := c.sess.Lease
	if c.takeable(l) {
		c.acquire(ctx, l.OwnerID)
		return
	}

	c.setMode(Contested)
	decision := c.resolver.Resolve(ctx, conflict.Conflict{
		FormID:     c.cfg.FormID,
		Owner:      l.OwnerID,
		OwnerHint:  l.OwnerHint,
		AcquiredAt: l.AcquiredAt,
		Age:        l.Age(c.now()),
	})
	c.logger.Info().Str("decision", decision.String()).Str("owner_id", l.OwnerID).Msg("conflict resolved")
	if decision == conflict.TakeOwnership {
		c.acquire(ctx, l.OwnerID)
		return
	}
	c.enterReadOnly()
}

func (c *Controller) release(ctx context.Context) {
	if c.sess.Mode != Active || c.sess.pending {
		return
	}
	c.setMode(ReadOnly)
	c.sess.pending = true
	gen := c.sess.Generation
	c.async(ctx, func(cctx context.Context) func(context.Context) {
		err := c.ch.Release(cctx, c.cfg.FormID, c.cfg.SessionID)
		return func(ctx context.Context) {
			if gen != c.sess.Generation {
				return
			}
			c.sess.pending = false
			if err != nil {
				c.transportError("release", err)
				c.enterReadOnly()
				return
			}
			c.enter(ctx, false)
		}
	})
}

func (c *Controller) rejected(ctx context.Context, gen uint64) {
	if c.sess.Mode != Active || gen != c.sess.Generation {
		c.logger.Debug().Uint64("generation", gen).Msg("ignoring stale rejection")
		return
	}
	c.logger.Warn().Msg("write rejected, lease lost")
	c.emit(Event{Kind: WriteRejected, Mode: Active, Lease: c.sess.Lease, Notice: RejectedNotice})
	c.enterReadOnly()
	c.poll(ctx)
}

// poll pulls the latest fields and re-reads the lease. It never acquires.
func (c *Controller) poll(ctx context.Context) {
	if c.sess.Mode != ReadOnly || c.sess.pending || c.sess.polling {
		return
	}
	c.sess.polling = true
	c.publishState()
	gen := c.sess.Generation
	c.async(ctx, func(cctx context.Context) func(context.Context) {
		fields, pullErr := c.ch.Pull(cctx, c.cfg.FormID)
		l, peekErr := c.ch.Peek(cctx, c.cfg.FormID)
		return func(context.Context) {
			c.onPoll(gen, fields, pullErr, l, peekErr)
		}
	})
}

func (c *Controller) onPoll(gen uint64, fields lease.Fields, pullErr error, l lease.Lease, peekErr error) {
	c.sess.polling = false
	if gen != c.sess.Generation || c.sess.Mode != ReadOnly {
		c.publishState()
		c.logger.Debug().Uint64("generation", gen).Msg("dropping stale poll")
		return
	}
	if peekErr != nil {
		c.publishState()
		c.transportError("peek", peekErr)
	} else {
		c.observe(l)
	}
	if pullErr != nil {
		c.transportError("pull", pullErr)
		return
	}
	if c.sess.View == nil {
		c.sess.View = lease.Fields{}
	}
	for k, v := range fields {
		c.sess.View[k] = v
	}
	c.emit(Event{Kind: SnapshotPulled, Mode: ReadOnly, Lease: c.sess.Lease, Fields: fields.Clone()})
}

// teardown releases the lease if this session holds it or may be granted it
// by an acquire still in flight.
func (c *Controller) teardown(ctx context.Context) {
	c.stopTimer()
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.CallTimeout)
	defer cancel()
	inFlight := c.sess.acquiring
	if inFlight {
		// A cancelled request may still have been granted server side.
		c.awaitAcquire(rctx)
		c.stopTimer()
	}
	if c.sess.Mode != Active && !inFlight {
		return
	}
	if err := c.ch.Release(rctx, c.cfg.FormID, c.cfg.SessionID); err != nil {
		c.logger.Warn().Err(err).Msg("release on teardown failed")
		return
	}
	c.logger.Info().Msg("lease released on teardown")
}

// awaitAcquire applies worker replies until the pending acquire has answered
// or ctx expires.
func (c *Controller) awaitAcquire(ctx context.Context) {
	for c.sess.acquiring {
		select {
		case fn := <-c.results:
			fn(ctx)
		case <-ctx.Done():
			c.logger.Warn().Msg("acquire still in flight at teardown")
			return
		}
	}
}

func (c *Controller) enterActive() {
	c.stopTimer()
	c.sess.View = nil
	c.setMode(Active)
}

// enterReadOnly (re)starts the refresh timer.
func (c *Controller) enterReadOnly() {
	c.stopTimer()
	c.sess.refresh = c.newTicker(c.cfg.PollInterval)
	c.setMode(ReadOnly)
}

func (c *Controller) stopTimer() {
	if c.sess.refresh != nil {
		c.sess.refresh.Stop()
		c.sess.refresh = nil
	}
}

func (c *Controller) setMode(m Mode) {
	prev := c.sess.Mode
	changed := prev != m || !c.sess.started
	c.sess.Mode = m
	c.sess.Generation++
	c.sess.started = true
	c.publishState()
	if !changed {
		return
	}
	c.logger.Info().
		Str("mode", m.String()).
		Str("previous", prev.String()).
		Str("owner_id", c.sess.Lease.OwnerID).
		Msg("lock mode changed")
	c.emit(Event{Kind: ModeChanged, Mode: m, Previous: prev, Lease: c.sess.Lease})
}

func (c *Controller) observe(l lease.Lease) {
	if l.FormID == "" {
		l.FormID = c.cfg.FormID
	}
	c.sess.Lease = l
	c.publishState()
}

func (c *Controller) transportError(op string, err error) {
	c.logger.Warn().Err(err).Str("op", op).Msg("sync channel call failed")
	c.emit(Event{Kind: TransportError, Mode: c.sess.Mode, Op: op, Err: err})
}

func (c *Controller) emit(ev Event) {
	for _, fn := range c.listeners {
		fn(ev)
	}
}

func (c *Controller) publishState() {
	c.mu.Lock()
	c.state = State{
		Mode:       c.sess.Mode,
		Generation: c.sess.Generation,
		Lease:      c.sess.Lease,
		Polling:    c.sess.polling,
	}
	c.mu.Unlock()
}
