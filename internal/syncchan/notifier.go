package syncchan

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	gorillawebsocket "github.com/gorilla/websocket"

	"github.com/ehr/formlock/internal/domain/formlease"
	"github.com/ehr/formlock/internal/platform/websocket"
)

// Notifier subscribes to a form's push topic on the lease server.
type Notifier struct {
	base   string
	dialer *gorillawebsocket.Dialer
}

// NewNotifier returns a Notifier for the server at baseURL (http or https).
func NewNotifier(baseURL string) *Notifier {
	return &Notifier{base: strings.TrimRight(baseURL, "/"), dialer: gorillawebsocket.DefaultDialer}
}

func (n *Notifier) wsURL(formID string) (string, error) {
	u, err := url.Parse(n.base + "/ws")
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	u.RawQuery = url.Values{"topic": {formlease.Topic(formID)}}.Encode()
	return u.String(), nil
}

// Watch delivers every event published for formID to fn until ctx is done or
// the connection fails. fn runs on the caller's goroutine.
func (n *Notifier) Watch(ctx context.Context, formID string, fn func(websocket.Event)) error {
	target, err := n.wsURL(formID)
	if err != nil {
		return fmt.Errorf("watch %s: %w", formID, err)
	}
	conn, _, err := n.dialer.DialContext(ctx, target, nil)
	if err != nil {
		return fmt.Errorf("watch %s: dial: %w", formID, err)
	}
	defer conn.Close()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		var evt websocket.Event
		if err := conn.ReadJSON(&evt); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("watch %s: %w", formID, err)
		}
		fn(evt)
	}
}
