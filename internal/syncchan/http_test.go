package syncchan

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"runtime"
	"testing"
	"time"

	gorillawebsocket "github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/formlock/internal/domain/formlease"
	"github.com/ehr/formlock/internal/platform/websocket"
	"github.com/ehr/formlock/pkg/lease"
)

func newTestServer(t *testing.T) (*httptest.Server, *formlease.Service, *websocket.Hub) {
	t.Helper()
	svc := formlease.NewService(formlease.NewMemoryRepo())
	hub := websocket.NewHub(zerolog.Nop())
	svc.SetPublisher(hub)

	e := echo.New()
	g := e.Group("")
	formlease.NewHandler(svc).RegisterRoutes(g)
	websocket.NewHandler(hub).RegisterRoutes(g)

	srv := httptest.NewServer(e)
	t.Cleanup(srv.Close)
	return srv, svc, hub
}

func TestHTTP_AcquirePeekRelease(t *testing.T) {
	srv, _, _ := newTestServer(t)
	ch := NewHTTP(srv.URL)
	ctx := context.Background()

	res, err := ch.TryAcquire(ctx, "F1", "A", AcquireRequest{OwnerHint: "tech"})
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if !res.Granted || res.Lease.OwnerID != "A" || res.Previous.Locked() {
		t.Errorf("unexpected acquire result %+v", res)
	}

	res, err = ch.TryAcquire(ctx, "F1", "B", AcquireRequest{OwnerHint: "Dr. Rao"})
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if res.Previous.OwnerID != "A" || res.Previous.AcquiredAt.IsZero() {
		t.Errorf("expected previous owner A with timestamp, got %+v", res.Previous)
	}

	l, err := ch.Peek(ctx, "F1")
	if err != nil {
		t.Fatalf("peek: %v", err)
	}
	if l.OwnerID != "B" || l.OwnerHint != "Dr. Rao" {
		t.Errorf("expected B (Dr. Rao), got %s (%s)", l.OwnerID, l.OwnerHint)
	}

	if err := ch.Release(ctx, "F1", "B"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if l, _ := ch.Peek(ctx, "F1"); l.Locked() {
		t.Errorf("expected free lease, got %+v", l)
	}
}

func TestHTTP_WriteAndPull(t *testing.T) {
	srv, _, _ := newTestServer(t)
	ch := NewHTTP(srv.URL)
	ctx := context.Background()

	snap, err := ch.WriteSnapshot(ctx, "F1", "A", lease.Fields{"temp": "37.1", "note": "a & b = c"})
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	if snap.SavedBy != "A" {
		t.Errorf("expected SavedBy A, got %s", snap.SavedBy)
	}

	fields, err := ch.Pull(ctx, "F1")
	if err != nil {
		t.Fatalf("pull: %v", err)
	}
	if fields["note"] != "a & b = c" || fields["temp"] != "37.1" {
		t.Errorf("unexpected fields %v", fields)
	}
}

func TestHTTP_WriteRejectedMapsToSentinelError(t *testing.T) {
	srv, svc, _ := newTestServer(t)
	ch := NewHTTP(srv.URL)
	ctx := context.Background()

	_, _ = svc.TryAcquire(ctx, "F1", "B", formlease.AcquireOptions{})

	_, err := ch.WriteSnapshot(ctx, "F1", "A", lease.Fields{"temp": "37"})
	if !lease.IsRejected(err) {
		t.Fatalf("expected rejection, got %v", err)
	}
}

func TestHTTP_ReservedFieldName(t *testing.T) {
	ch := NewHTTP("http://unused.invalid")
	_, err := ch.WriteSnapshot(context.Background(), "F1", "A", lease.Fields{"sessionId": "x"})
	if err == nil || lease.IsRejected(err) {
		t.Fatalf("expected a local error, got %v", err)
	}
}

func TestHTTP_ServerErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	ch := NewHTTP(srv.URL)
	_, err := ch.WriteSnapshot(context.Background(), "F1", "A", lease.Fields{"x": "1"})
	if err == nil {
		t.Fatal("expected error")
	}
	if lease.IsRejected(err) {
		t.Fatal("a 500 must not be read as a rejection")
	}
	var se *StatusError
	if !errors.As(err, &se) || se.Code != http.StatusInternalServerError {
		t.Errorf("expected StatusError 500, got %v", err)
	}
}

func TestHTTP_NewSession(t *testing.T) {
	srv, _, _ := newTestServer(t)
	sid, tok, err := NewHTTP(srv.URL).NewSession(context.Background())
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	if sid == "" {
		t.Error("expected a session id")
	}
	if tok != "" {
		t.Error("expected no token when signing is disabled")
	}
}

func TestLocal_MatchesService(t *testing.T) {
	svc := formlease.NewService(formlease.NewMemoryRepo())
	ch := NewLocal(svc)
	ctx := context.Background()

	if _, err := ch.TryAcquire(ctx, "F1", "A", AcquireRequest{}); err != nil {
		t.Fatal(err)
	}
	if _, err := ch.WriteSnapshot(ctx, "F1", "B", lease.Fields{"x": "1"}); !lease.IsRejected(err) {
		t.Fatalf("expected rejection, got %v", err)
	}
	if _, err := ch.WriteSnapshot(ctx, "F1", "A", lease.Fields{"x": "2"}); err != nil {
		t.Fatal(err)
	}
	fields, err := ch.Pull(ctx, "F1")
	if err != nil || fields["x"] != "2" {
		t.Fatalf("unexpected pull %v %v", fields, err)
	}
}

func TestNotifier_Watch(t *testing.T) {
	srv, svc, hub := newTestServer(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan websocket.Event, 4)
	done := make(chan error, 1)
	go func() {
		done <- NewNotifier(srv.URL).Watch(ctx, "F1", func(e websocket.Event) { got <- e })
	}()

	deadline := time.Now().Add(2 * time.Second)
	for hub.TopicCount(formlease.Topic("F1")) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("notifier never subscribed")
		}
		time.Sleep(10 * time.Millisecond)
	}

	if _, err := svc.WriteSnapshot(context.Background(), "F1", "A", lease.Fields{"x": "1"}); err != nil {
		t.Fatal(err)
	}

	select {
	case e := <-got:
		if e.Type != formlease.EventSnapshotSaved || e.ResourceID != "F1" {
			t.Errorf("unexpected event %+v", e)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no event received")
	}

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Watch did not return after cancel")
	}
}

func TestNotifier_DroppedConnectionsDoNotLeak(t *testing.T) {
	upgrader := gorillawebsocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conn.Close()
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	n := NewNotifier(srv.URL)

	// Warm up the transport before counting.
	_ = n.Watch(ctx, "F1", func(websocket.Event) {})
	time.Sleep(50 * time.Millisecond)
	base := runtime.NumGoroutine()

	for i := 0; i < 20; i++ {
		err := n.Watch(ctx, "F1", func(websocket.Event) {})
		if err == nil || errors.Is(err, context.Canceled) {
			t.Fatalf("expected a connection error, got %v", err)
		}
	}

	deadline := time.Now().Add(2 * time.Second)
	for runtime.NumGoroutine() > base+2 {
		if time.Now().After(deadline) {
			t.Fatalf("goroutines grew from %d to %d across reconnects", base, runtime.NumGoroutine())
		}
		time.Sleep(10 * time.Millisecond)
	}
}
