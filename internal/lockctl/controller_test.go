package lockctl

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehr/formlock/internal/conflict"
	"github.com/ehr/formlock/internal/domain/formlease"
	"github.com/ehr/formlock/internal/syncchan"
	"github.com/ehr/formlock/pkg/lease"
)

const waitFor = 2 * time.Second

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock() *clock {
	return &clock{t: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type manualTicker struct {
	ch      chan time.Time
	stopped atomic.Bool
}

func (m *manualTicker) C() <-chan time.Time { return m.ch }
func (m *manualTicker) Stop()               { m.stopped.Store(true) }

type tickerFactory struct {
	mu   sync.Mutex
	made []*manualTicker
}

func (f *tickerFactory) New(time.Duration) Ticker {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := &manualTicker{ch: make(chan time.Time)}
	f.made = append(f.made, t)
	return t
}

func (f *tickerFactory) Count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.made)
}

func (f *tickerFactory) at(i int) *manualTicker {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.made[i]
}

func (f *tickerFactory) latest() *manualTicker {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.made) == 0 {
		return nil
	}
	return f.made[len(f.made)-1]
}

func (f *tickerFactory) Fire(t *testing.T) {
	t.Helper()
	tk := f.latest()
	require.NotNil(t, tk, "no refresh timer")
	require.False(t, tk.stopped.Load(), "refresh timer is stopped")
	select {
	case tk.ch <- time.Now():
	case <-time.After(waitFor):
		t.Fatal("controller did not take the tick")
	}
}

// scriptedChannel wraps a channel with injectable failures. Fields must be
// set before the controller runs.
type scriptedChannel struct {
	syncchan.Channel
	peekErr     error
	acquireErr  error
	gate        chan struct{}
	// acquireSent and acquireGate hold a TryAcquire after the request has
	// reached the store side, regardless of the caller's context.
	acquireSent chan struct{}
	acquireGate chan struct{}
}

func (s *scriptedChannel) Peek(ctx context.Context, formID string) (lease.Lease, error) {
	if s.peekErr != nil {
		return lease.Lease{}, s.peekErr
	}
	return s.Channel.Peek(ctx, formID)
}

func (s *scriptedChannel) TryAcquire(ctx context.Context, formID, sessionID string, req syncchan.AcquireRequest) (lease.AcquireResult, error) {
	if s.acquireErr != nil {
		return lease.AcquireResult{}, s.acquireErr
	}
	if s.acquireGate != nil {
		s.acquireSent <- struct{}{}
		<-s.acquireGate
		res, err := s.Channel.TryAcquire(context.WithoutCancel(ctx), formID, sessionID, req)
		if ctx.Err() != nil {
			return lease.AcquireResult{}, ctx.Err()
		}
		return res, err
	}
	return s.Channel.TryAcquire(ctx, formID, sessionID, req)
}

func (s *scriptedChannel) Pull(ctx context.Context, formID string) (lease.Fields, error) {
	if s.gate != nil {
		select {
		case <-s.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return s.Channel.Pull(ctx, formID)
}

type harness struct {
	svc   *formlease.Service
	clock *clock
}

func newHarness() *harness {
	clk := newClock()
	svc := formlease.NewService(formlease.NewMemoryRepo())
	svc.SetClock(clk.Now)
	return &harness{svc: svc, clock: clk}
}

type peer struct {
	ctl     *Controller
	events  chan Event
	tickers *tickerFactory
	stop    func()
}

func (h *harness) open(t *testing.T, sid string, r conflict.Resolver, ch syncchan.Channel) *peer {
	t.Helper()
	if ch == nil {
		ch = syncchan.NewLocal(h.svc)
	}
	tf := &tickerFactory{}
	ctl, err := New(Config{FormID: "F1", SessionID: sid}, ch, r,
		WithClock(h.clock.Now),
		WithTicker(tf.New),
	)
	require.NoError(t, err)

	p := &peer{ctl: ctl, events: make(chan Event, 64), tickers: tf}
	ctl.Subscribe(func(ev Event) { p.events <- ev })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = ctl.Run(ctx)
		close(done)
	}()
	p.stop = func() {
		cancel()
		<-done
	}
	t.Cleanup(p.stop)
	return p
}

func (p *peer) waitEvent(t *testing.T, match func(Event) bool) Event {
	t.Helper()
	deadline := time.After(waitFor)
	for {
		select {
		case ev := <-p.events:
			if match(ev) {
				return ev
			}
		case <-deadline:
			t.Fatal("timed out waiting for event")
			return Event{}
		}
	}
}

func (p *peer) waitMode(t *testing.T, m Mode) Event {
	t.Helper()
	return p.waitEvent(t, func(ev Event) bool { return ev.Kind == ModeChanged && ev.Mode == m })
}

func (p *peer) waitKind(t *testing.T, k EventKind) Event {
	t.Helper()
	return p.waitEvent(t, func(ev Event) bool { return ev.Kind == k })
}

func (p *peer) drained(kind EventKind) bool {
	for {
		select {
		case ev := <-p.events:
			if ev.Kind == kind {
				return false
			}
		default:
			return true
		}
	}
}

func neverAsk(t *testing.T) conflict.Resolver {
	return conflict.Func(func(context.Context, conflict.Conflict) conflict.Decision {
		t.Error("resolver must not be consulted")
		return conflict.Watch
	})
}

func (h *harness) owner(t *testing.T) string {
	t.Helper()
	l, err := h.svc.Peek(context.Background(), "F1")
	require.NoError(t, err)
	return l.OwnerID
}

func TestNew_Validation(t *testing.T) {
	ch := syncchan.NewLocal(formlease.NewService(formlease.NewMemoryRepo()))
	r := conflict.Always(conflict.Watch)

	_, err := New(Config{SessionID: "A"}, ch, r)
	assert.Error(t, err)
	_, err = New(Config{FormID: "F1"}, ch, r)
	assert.Error(t, err)
	_, err = New(Config{FormID: "F1", SessionID: "A"}, nil, r)
	assert.Error(t, err)

	c, err := New(Config{FormID: "F1", SessionID: "A"}, ch, r)
	require.NoError(t, err)
	assert.Equal(t, DefaultPollInterval, c.cfg.PollInterval)
	assert.Equal(t, lease.StalenessWindow, c.cfg.StalenessWindow)
	assert.Equal(t, ReadOnly, c.State().Mode)
}

func TestController_SingleUserBecomesActive(t *testing.T) {
	h := newHarness()
	a := h.open(t, "A", neverAsk(t), nil)

	ev := a.waitMode(t, Active)
	assert.Equal(t, "A", ev.Lease.OwnerID)
	assert.Equal(t, Active, a.ctl.State().Mode)
	assert.Equal(t, "A", h.owner(t))
	assert.Equal(t, 0, a.tickers.Count(), "active session must not poll")

	_, err := h.svc.WriteSnapshot(context.Background(), "F1", "A", lease.Fields{"bp": "120/80"})
	assert.NoError(t, err)
}

func TestController_SecondUserOpensReadOnly(t *testing.T) {
	h := newHarness()
	a := h.open(t, "A", neverAsk(t), nil)
	a.waitMode(t, Active)
	_, err := h.svc.WriteSnapshot(context.Background(), "F1", "A", lease.Fields{"bp": "120/80"})
	require.NoError(t, err)

	b := h.open(t, "B", neverAsk(t), nil)
	ev := b.waitMode(t, ReadOnly)
	assert.Equal(t, "A", ev.Lease.OwnerID)
	assert.Equal(t, 1, b.tickers.Count())

	b.tickers.Fire(t)
	pulled := b.waitKind(t, SnapshotPulled)
	assert.Equal(t, "120/80", pulled.Fields["bp"])
	assert.Equal(t, "A", pulled.Lease.OwnerID)
	assert.Equal(t, ReadOnly, b.ctl.State().Mode)
	assert.Equal(t, "A", h.owner(t), "poll must never acquire")
}

func TestController_TakeoverDemotesPreviousOwner(t *testing.T) {
	h := newHarness()
	a := h.open(t, "A", neverAsk(t), nil)
	a.waitMode(t, Active)

	h.clock.Advance(2 * time.Minute)

	var seen conflict.Conflict
	take := conflict.Func(func(_ context.Context, c conflict.Conflict) conflict.Decision {
		seen = c
		return conflict.TakeOwnership
	})
	b := h.open(t, "B", take, nil)
	b.waitMode(t, ReadOnly)

	require.NoError(t, b.ctl.RequestWrite(context.Background()))
	b.waitMode(t, Contested)
	b.waitMode(t, Active)
	assert.Equal(t, "A", seen.Owner)
	assert.Equal(t, 2*time.Minute, seen.Age)
	assert.Equal(t, "B", h.owner(t))

	// A's next autosave is refused.
	gen := a.ctl.State().Generation
	_, err := h.svc.WriteSnapshot(context.Background(), "F1", "A", lease.Fields{"bp": "999"})
	require.True(t, lease.IsRejected(err))
	a.ctl.Rejected(gen)

	notice := a.waitKind(t, WriteRejected)
	assert.Equal(t, RejectedNotice, notice.Notice)
	a.waitMode(t, ReadOnly)
	assert.Equal(t, 1, a.tickers.Count())
	require.Eventually(t, func() bool { return a.ctl.State().Lease.OwnerID == "B" }, waitFor, 10*time.Millisecond)
}

func TestController_WatchKeepsReadOnlyAndRestartsTimer(t *testing.T) {
	h := newHarness()
	a := h.open(t, "A", neverAsk(t), nil)
	a.waitMode(t, Active)

	b := h.open(t, "B", conflict.Always(conflict.Watch), nil)
	b.waitMode(t, ReadOnly)
	require.Equal(t, 1, b.tickers.Count())

	require.NoError(t, b.ctl.RequestWrite(context.Background()))
	b.waitMode(t, Contested)
	b.waitMode(t, ReadOnly)

	assert.Equal(t, 2, b.tickers.Count())
	assert.True(t, b.tickers.at(0).stopped.Load(), "old timer must be stopped")
	assert.Equal(t, "A", h.owner(t))
	b.tickers.Fire(t)
	b.waitKind(t, SnapshotPulled)
}

func TestController_StaleLeaseTakenWithoutAsking(t *testing.T) {
	h := newHarness()
	_, err := h.svc.TryAcquire(context.Background(), "F1", "A", formlease.AcquireOptions{})
	require.NoError(t, err)

	h.clock.Advance(61 * time.Minute)

	b := h.open(t, "B", neverAsk(t), nil)
	b.waitMode(t, Active)
	assert.Equal(t, "B", h.owner(t))
}

func TestController_LeaseExactlyAtWindowIsNotStale(t *testing.T) {
	h := newHarness()
	_, err := h.svc.TryAcquire(context.Background(), "F1", "A", formlease.AcquireOptions{})
	require.NoError(t, err)

	h.clock.Advance(lease.StalenessWindow)

	b := h.open(t, "B", neverAsk(t), nil)
	b.waitMode(t, ReadOnly)
	assert.Equal(t, "A", h.owner(t))
}

func TestController_RequestWriteOnFreedLeaseSkipsResolver(t *testing.T) {
	h := newHarness()
	a := h.open(t, "A", neverAsk(t), nil)
	a.waitMode(t, Active)

	b := h.open(t, "B", neverAsk(t), nil)
	b.waitMode(t, ReadOnly)

	a.stop()
	require.Equal(t, "", h.owner(t))

	b.tickers.Fire(t)
	b.waitKind(t, SnapshotPulled)
	require.Equal(t, "", b.ctl.State().Lease.OwnerID)

	require.NoError(t, b.ctl.RequestWrite(context.Background()))
	b.waitMode(t, Active)
	assert.Equal(t, "B", h.owner(t))
}

func TestController_StalePollReplyDropped(t *testing.T) {
	h := newHarness()
	a := h.open(t, "A", neverAsk(t), nil)
	a.waitMode(t, Active)
	_, err := h.svc.WriteSnapshot(context.Background(), "F1", "A", lease.Fields{"bp": "120/80"})
	require.NoError(t, err)

	gated := &scriptedChannel{Channel: syncchan.NewLocal(h.svc), gate: make(chan struct{})}
	b := h.open(t, "B", conflict.Always(conflict.TakeOwnership), gated)
	b.waitMode(t, ReadOnly)

	b.tickers.Fire(t)
	require.Eventually(t, func() bool { return b.ctl.State().Polling }, waitFor, 5*time.Millisecond)

	require.NoError(t, b.ctl.RequestWrite(context.Background()))
	b.waitMode(t, Active)

	close(gated.gate)
	require.Eventually(t, func() bool { return !b.ctl.State().Polling }, waitFor, 5*time.Millisecond)
	assert.True(t, b.drained(SnapshotPulled), "poll reply from an older generation must be dropped")
	assert.Equal(t, Active, b.ctl.State().Mode)
}

func TestController_StaleRejectionIgnored(t *testing.T) {
	h := newHarness()
	a := h.open(t, "A", neverAsk(t), nil)
	a.waitMode(t, Active)

	gen := a.ctl.State().Generation
	a.ctl.Rejected(gen - 1)
	// Commands are processed in order; this returns after the rejection.
	require.NoError(t, a.ctl.RequestWrite(context.Background()))

	assert.Equal(t, Active, a.ctl.State().Mode)
	assert.True(t, a.drained(WriteRejected))
}

func TestController_ReleaseReturnsToReadOnly(t *testing.T) {
	h := newHarness()
	a := h.open(t, "A", neverAsk(t), nil)
	a.waitMode(t, Active)

	require.NoError(t, a.ctl.Release(context.Background()))
	a.waitMode(t, ReadOnly)
	require.Eventually(t, func() bool { return a.tickers.Count() == 1 }, waitFor, 5*time.Millisecond)
	assert.Equal(t, "", h.owner(t))

	b := h.open(t, "B", neverAsk(t), nil)
	b.waitMode(t, Active)
}

func TestController_TeardownReleasesActiveLease(t *testing.T) {
	h := newHarness()
	a := h.open(t, "A", neverAsk(t), nil)
	a.waitMode(t, Active)

	a.stop()
	assert.Equal(t, "", h.owner(t))
	assert.ErrorIs(t, a.ctl.RequestWrite(context.Background()), ErrStopped)
}

func TestController_TeardownLeavesOthersLease(t *testing.T) {
	h := newHarness()
	a := h.open(t, "A", neverAsk(t), nil)
	a.waitMode(t, Active)
	b := h.open(t, "B", neverAsk(t), nil)
	b.waitMode(t, ReadOnly)

	b.stop()
	assert.Equal(t, "A", h.owner(t))
}

func TestController_TeardownReleasesLeaseGrantedInFlight(t *testing.T) {
	h := newHarness()
	a := h.open(t, "A", neverAsk(t), nil)
	a.waitMode(t, Active)

	slow := &scriptedChannel{
		Channel:     syncchan.NewLocal(h.svc),
		acquireSent: make(chan struct{}, 1),
		acquireGate: make(chan struct{}),
	}
	b := h.open(t, "B", conflict.Always(conflict.TakeOwnership), slow)
	b.waitMode(t, ReadOnly)

	require.NoError(t, b.ctl.RequestWrite(context.Background()))
	b.waitMode(t, Contested)
	<-slow.acquireSent

	stopped := make(chan struct{})
	go func() {
		b.stop()
		close(stopped)
	}()
	time.Sleep(50 * time.Millisecond)
	close(slow.acquireGate)

	select {
	case <-stopped:
	case <-time.After(waitFor):
		t.Fatal("controller did not stop")
	}
	assert.Equal(t, "", h.owner(t), "a lease granted to a closed session must be released")
}

func TestController_PeekFailureStartsReadOnly(t *testing.T) {
	h := newHarness()
	failing := &scriptedChannel{Channel: syncchan.NewLocal(h.svc), peekErr: errors.New("connection refused")}
	a := h.open(t, "A", neverAsk(t), failing)

	ev := a.waitKind(t, TransportError)
	assert.Equal(t, "peek", ev.Op)
	a.waitMode(t, ReadOnly)
	assert.Equal(t, 1, a.tickers.Count())
	assert.Equal(t, "", h.owner(t))
}

func TestController_ContestedAcquireFailureFallsBack(t *testing.T) {
	h := newHarness()
	_, err := h.svc.TryAcquire(context.Background(), "F1", "A", formlease.AcquireOptions{})
	require.NoError(t, err)

	failing := &scriptedChannel{Channel: syncchan.NewLocal(h.svc), acquireErr: errors.New("timeout")}
	b := h.open(t, "B", conflict.Always(conflict.TakeOwnership), failing)
	b.waitMode(t, ReadOnly)

	require.NoError(t, b.ctl.RequestWrite(context.Background()))
	b.waitMode(t, Contested)
	ev := b.waitKind(t, TransportError)
	assert.Equal(t, "acquire", ev.Op)
	b.waitMode(t, ReadOnly)
	assert.Equal(t, 2, b.tickers.Count())
	assert.Equal(t, "A", h.owner(t))
}

func TestController_NudgeRefreshesReadOnlyView(t *testing.T) {
	h := newHarness()
	a := h.open(t, "A", neverAsk(t), nil)
	a.waitMode(t, Active)
	b := h.open(t, "B", neverAsk(t), nil)
	b.waitMode(t, ReadOnly)

	_, err := h.svc.WriteSnapshot(context.Background(), "F1", "A", lease.Fields{"pulse": "72"})
	require.NoError(t, err)
	b.ctl.Nudge()

	ev := b.waitKind(t, SnapshotPulled)
	assert.Equal(t, "72", ev.Fields["pulse"])
}

func TestController_NudgeIgnoredWhenActive(t *testing.T) {
	h := newHarness()
	a := h.open(t, "A", neverAsk(t), nil)
	a.waitMode(t, Active)

	a.ctl.Nudge()
	require.NoError(t, a.ctl.RequestWrite(context.Background()))
	assert.True(t, a.drained(SnapshotPulled))
}

func TestController_RunTwice(t *testing.T) {
	h := newHarness()
	a := h.open(t, "A", neverAsk(t), nil)
	a.waitMode(t, Active)
	assert.ErrorIs(t, a.ctl.Run(context.Background()), ErrAlreadyRunning)
}

func TestMode_String(t *testing.T) {
	assert.Equal(t, "Active", Active.String())
	assert.Equal(t, "ReadOnly", ReadOnly.String())
	assert.Equal(t, "Contested", Contested.String())
	assert.Equal(t, "write_rejected", WriteRejected.String())
}
