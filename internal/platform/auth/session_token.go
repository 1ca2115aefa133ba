package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// SessionTokenHeader carries the signed token that proves a session id.
const SessionTokenHeader = "X-Session-Token"

const sessionIssuer = "formlock"

// ErrInvalidSessionToken is returned for tokens that fail verification.
var ErrInvalidSessionToken = errors.New("invalid session token")

// SessionTokens issues and verifies HMAC-signed tokens binding a form-view
// session id to the client that was given it. Without them any client could
// release or overwrite a lease by naming another session's id.
type SessionTokens struct {
	key []byte
	now func() time.Time
}

// NewSessionTokens returns a signer for key. key must be non-empty.
func NewSessionTokens(key []byte) (*SessionTokens, error) {
	if len(key) == 0 {
		return nil, errors.New("session signing key is empty")
	}
	return &SessionTokens{key: key, now: time.Now}, nil
}

// Issue returns a token whose subject is sessionID.
func (s *SessionTokens) Issue(sessionID string) (string, error) {
	claims := jwt.RegisteredClaims{
		Issuer:   sessionIssuer,
		Subject:  sessionID,
		IssuedAt: jwt.NewNumericDate(s.now()),
		ID:       uuid.New().String(),
	}
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.key)
	if err != nil {
		return "", fmt.Errorf("sign session token: %w", err)
	}
	return tok, nil
}

// Verify checks the signature of token and returns the session id it names.
func (s *SessionTokens) Verify(token string) (string, error) {
	if token == "" {
		return "", ErrInvalidSessionToken
	}
	claims := &jwt.RegisteredClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		return s.key, nil
	},
		jwt.WithValidMethods([]string{"HS256"}),
		jwt.WithIssuer(sessionIssuer),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil || !parsed.Valid || claims.Subject == "" {
		return "", ErrInvalidSessionToken
	}
	return claims.Subject, nil
}
