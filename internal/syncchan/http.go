package syncchan

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ehr/formlock/internal/platform/auth"
	"github.com/ehr/formlock/pkg/lease"
)

const maxResponseBytes = 4 << 20

// HTTP is a Channel speaking the form endpoint protocol of the lease server.
type HTTP struct {
	base   string
	client *http.Client
	token  string
}

// NewHTTP returns a Channel for the server at baseURL.
func NewHTTP(baseURL string) *HTTP {
	return &HTTP{
		base:   strings.TrimRight(baseURL, "/"),
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// SetToken attaches the signed session token sent with mutating calls.
func (h *HTTP) SetToken(token string) {
	h.token = token
}

// StatusError is a non-2xx reply from the server.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("lease server returned %d: %s", e.Code, e.Body)
}

func (h *HTTP) formURL(formID string, q url.Values) string {
	return h.base + "/form/" + url.PathEscape(formID) + "?" + q.Encode()
}

func (h *HTTP) do(ctx context.Context, method, target string, body url.Values) ([]byte, int, error) {
	var rd io.Reader
	if body != nil {
		rd = strings.NewReader(body.Encode())
	}
	req, err := http.NewRequestWithContext(ctx, method, target, rd)
	if err != nil {
		return nil, 0, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	if h.token != "" {
		req.Header.Set(auth.SessionTokenHeader, h.token)
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, resp.StatusCode, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, resp.StatusCode, &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}
	return data, resp.StatusCode, nil
}

func (h *HTTP) update(ctx context.Context, formID string, body url.Values) ([]byte, int, error) {
	return h.do(ctx, http.MethodPost, h.formURL(formID, url.Values{"mode": {lease.ModeUpdate}}), body)
}

type acquireReply struct {
	Granted            bool       `json:"granted"`
	OwnerID            string     `json:"ownerId"`
	AcquiredAt         time.Time  `json:"acquiredAt"`
	PreviousOwnerID    string     `json:"previousOwnerId"`
	PreviousAcquiredAt *time.Time `json:"previousAcquiredAt"`
}

func (h *HTTP) TryAcquire(ctx context.Context, formID, sessionID string, req AcquireRequest) (lease.AcquireResult, error) {
	body := url.Values{
		lease.KeyAcquireLock: {"1"},
		lease.KeySessionID:   {sessionID},
		lease.KeyOwnerHint:   {req.OwnerHint},
	}
	if req.ExpectOwner != "" {
		body.Set(lease.KeyExpectOwner, req.ExpectOwner)
	}
	data, _, err := h.update(ctx, formID, body)
	if err != nil {
		return lease.AcquireResult{}, fmt.Errorf("acquire %s: %w", formID, err)
	}
	var r acquireReply
	if err := json.Unmarshal(data, &r); err != nil {
		return lease.AcquireResult{}, fmt.Errorf("acquire %s: decode: %w", formID, err)
	}
	res := lease.AcquireResult{
		Granted:  r.Granted,
		Lease:    lease.Lease{FormID: formID, OwnerID: r.OwnerID, AcquiredAt: r.AcquiredAt},
		Previous: lease.Lease{FormID: formID, OwnerID: r.PreviousOwnerID},
	}
	if r.PreviousAcquiredAt != nil {
		res.Previous.AcquiredAt = *r.PreviousAcquiredAt
	}
	return res, nil
}

func (h *HTTP) Release(ctx context.Context, formID, sessionID string) error {
	_, _, err := h.update(ctx, formID, url.Values{
		lease.KeyUnlock:    {"1"},
		lease.KeySessionID: {sessionID},
	})
	if err != nil {
		return fmt.Errorf("release %s: %w", formID, err)
	}
	return nil
}

func (h *HTTP) Peek(ctx context.Context, formID string) (lease.Lease, error) {
	data, _, err := h.do(ctx, http.MethodGet, h.base+"/form/"+url.PathEscape(formID)+"/lease", nil)
	if err != nil {
		return lease.Lease{}, fmt.Errorf("peek %s: %w", formID, err)
	}
	var r struct {
		OwnerID    string     `json:"ownerId"`
		OwnerHint  string     `json:"ownerHint"`
		AcquiredAt *time.Time `json:"acquiredAt"`
	}
	if err := json.Unmarshal(data, &r); err != nil {
		return lease.Lease{}, fmt.Errorf("peek %s: decode: %w", formID, err)
	}
	l := lease.Lease{FormID: formID, OwnerID: r.OwnerID, OwnerHint: r.OwnerHint}
	if r.AcquiredAt != nil {
		l.AcquiredAt = *r.AcquiredAt
	}
	return l, nil
}

func (h *HTTP) WriteSnapshot(ctx context.Context, formID, sessionID string, fields lease.Fields) (*lease.Snapshot, error) {
	body := url.Values{}
	for k, v := range fields {
		if lease.IsReserved(k) {
			return nil, fmt.Errorf("write %s: field name %q is reserved", formID, k)
		}
		body.Set(k, v)
	}
	body.Set(lease.KeySessionID, sessionID)

	data, _, err := h.update(ctx, formID, body)
	if err != nil {
		return nil, fmt.Errorf("write %s: %w", formID, err)
	}
	if strings.TrimSpace(string(data)) == lease.RejectedSentinel {
		return nil, fmt.Errorf("write %s: %w", formID, lease.ErrRejected)
	}
	var snap lease.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("write %s: decode: %w", formID, err)
	}
	return &snap, nil
}

func (h *HTTP) Pull(ctx context.Context, formID string) (lease.Fields, error) {
	target := h.formURL(formID, url.Values{"copy": {lease.CopyReadOnly}})
	data, _, err := h.do(ctx, http.MethodPost, target, url.Values{})
	if err != nil {
		return nil, fmt.Errorf("pull %s: %w", formID, err)
	}
	fields := lease.Fields{}
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, fmt.Errorf("pull %s: decode: %w", formID, err)
	}
	return fields, nil
}

// NewSession asks the server for a fresh session id and, when the server
// signs sessions, its token.
func (h *HTTP) NewSession(ctx context.Context) (sessionID, token string, err error) {
	data, _, err := h.do(ctx, http.MethodPost, h.base+"/sessions", url.Values{})
	if err != nil {
		return "", "", fmt.Errorf("new session: %w", err)
	}
	var r struct {
		SessionID string `json:"sessionId"`
		Token     string `json:"token"`
	}
	if err := json.Unmarshal(data, &r); err != nil {
		return "", "", fmt.Errorf("new session: decode: %w", err)
	}
	return r.SessionID, r.Token, nil
}
