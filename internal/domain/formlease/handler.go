package formlease

import (
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/formlock/internal/platform/auth"
	"github.com/ehr/formlock/pkg/lease"
)

type Handler struct {
	svc    *Service
	tokens *auth.SessionTokens
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// SetSessionTokens makes mutating requests prove the session id they carry
// with a signed token issued by POST /sessions.
func (h *Handler) SetSessionTokens(t *auth.SessionTokens) {
	h.tokens = t
}

func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.POST("/sessions", h.NewSession)
	g.POST("/form/:formId", h.PostForm)
	g.GET("/form/:formId/lease", h.PeekLease)
}

type acquireResponse struct {
	Granted            bool       `json:"granted"`
	OwnerID            string     `json:"ownerId"`
	AcquiredAt         time.Time  `json:"acquiredAt"`
	PreviousOwnerID    string     `json:"previousOwnerId"`
	PreviousAcquiredAt *time.Time `json:"previousAcquiredAt,omitempty"`
}

type leaseResponse struct {
	FormID     string     `json:"formId"`
	OwnerID    string     `json:"ownerId"`
	OwnerHint  string     `json:"ownerHint,omitempty"`
	AcquiredAt *time.Time `json:"acquiredAt,omitempty"`
	Locked     bool       `json:"locked"`
}

type sessionResponse struct {
	SessionID string `json:"sessionId"`
	Token     string `json:"token,omitempty"`
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

// NewSession mints an identity for a newly opened form view.
func (h *Handler) NewSession(c echo.Context) error {
	resp := sessionResponse{SessionID: uuid.New().String()}
	if h.tokens != nil {
		tok, err := h.tokens.Issue(resp.SessionID)
		if err != nil {
			return echo.NewHTTPError(http.StatusInternalServerError, "issue session token")
		}
		resp.Token = tok
	}
	return c.JSON(http.StatusCreated, resp)
}

// PostForm serves the single form endpoint. The query selects a read-only
// pull (copy=READONLY) or an update (mode=update); an update body carries
// either acquire_lock, unlock, or the full field map.
func (h *Handler) PostForm(c echo.Context) error {
	formID := c.Param("formId")

	if c.QueryParam("copy") == lease.CopyReadOnly {
		return h.pull(c, formID)
	}
	if c.QueryParam("mode") != lease.ModeUpdate {
		return echo.NewHTTPError(http.StatusBadRequest, "mode=update or copy=READONLY is required")
	}

	params, err := c.FormParams()
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	sessionID := params.Get(lease.KeySessionID)
	if err := h.checkSession(c, sessionID); err != nil {
		return err
	}

	switch {
	case params.Get(lease.KeyAcquireLock) == "1":
		return h.acquire(c, formID, sessionID, AcquireOptions{
			OwnerHint:   params.Get(lease.KeyOwnerHint),
			ExpectOwner: params.Get(lease.KeyExpectOwner),
		})
	case params.Get(lease.KeyUnlock) == "1":
		if err := h.svc.Release(c.Request().Context(), formID, sessionID); err != nil {
			return httpError(err)
		}
		return c.NoContent(http.StatusNoContent)
	}

	fields := lease.Fields{}
	for k, v := range params {
		if lease.IsReserved(k) || len(v) == 0 {
			continue
		}
		fields[k] = v[0]
	}
	snap, err := h.svc.WriteSnapshot(c.Request().Context(), formID, sessionID, fields)
	if lease.IsRejected(err) {
		// Rejection is a domain answer, not a transport failure.
		return c.String(http.StatusOK, lease.RejectedSentinel)
	}
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, snap)
}

func (h *Handler) acquire(c echo.Context, formID, sessionID string, opts AcquireOptions) error {
	res, err := h.svc.TryAcquire(c.Request().Context(), formID, sessionID, opts)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, acquireResponse{
		Granted:            res.Granted,
		OwnerID:            res.Lease.OwnerID,
		AcquiredAt:         res.Lease.AcquiredAt,
		PreviousOwnerID:    res.Previous.OwnerID,
		PreviousAcquiredAt: timePtr(res.Previous.AcquiredAt),
	})
}

func (h *Handler) pull(c echo.Context, formID string) error {
	snap, err := h.svc.ReadSnapshot(c.Request().Context(), formID)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, snap.Fields)
}

func (h *Handler) PeekLease(c echo.Context) error {
	formID := c.Param("formId")
	l, err := h.svc.Peek(c.Request().Context(), formID)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, leaseResponse{
		FormID:     l.FormID,
		OwnerID:    l.OwnerID,
		OwnerHint:  l.OwnerHint,
		AcquiredAt: timePtr(l.AcquiredAt),
		Locked:     l.Locked(),
	})
}

func (h *Handler) checkSession(c echo.Context, sessionID string) error {
	if sessionID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "sessionId is required")
	}
	if h.tokens == nil {
		return nil
	}
	sub, err := h.tokens.Verify(c.Request().Header.Get(auth.SessionTokenHeader))
	if err != nil {
		return echo.NewHTTPError(http.StatusUnauthorized, "invalid session token")
	}
	if sub != sessionID {
		return echo.NewHTTPError(http.StatusForbidden, "session token does not match sessionId")
	}
	return nil
}

func httpError(err error) error {
	if errors.Is(err, ErrInvalidForm) || errors.Is(err, ErrInvalidSession) {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
}
