package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Token audiences keep a consent state token from being replayed as a
// bearer token and vice versa.
const (
	audienceAPI   = "drivebroker-api"
	audienceState = "drivebroker-oauth-state"

	// SessionCookie may carry the bearer token for browser redirects.
	SessionCookie = "drivebroker_session"
)

// ErrInvalidToken is returned for any token that fails verification.
var ErrInvalidToken = errors.New("server: invalid token")

// Auth issues and verifies HS256 tokens. The subject of a verified token
// is the user id; the broker trusts it as-is.
type Auth struct {
	secret   []byte
	issuer   string
	stateTTL time.Duration
	nowFunc  func() time.Time
}

// NewAuth creates an Auth signing with secret.
func NewAuth(secret, issuer string, stateTTL time.Duration) *Auth {
	return &Auth{
		secret:   []byte(secret),
		issuer:   issuer,
		stateTTL: stateTTL,
		nowFunc:  time.Now,
	}
}

// IssueToken mints a bearer token for userID valid for ttl.
func (a *Auth) IssueToken(userID string, ttl time.Duration) (string, error) {
	return a.sign(userID, audienceAPI, ttl)
}

// IssueState mints the OAuth state parameter binding a consent round
// trip to userID.
func (a *Auth) IssueState(userID string) (string, error) {
	return a.sign(userID, audienceState, a.stateTTL)
}

// VerifyToken returns the user id of a bearer token.
func (a *Auth) VerifyToken(token string) (string, error) {
	return a.verify(token, audienceAPI)
}

// VerifyState returns the user id bound to a state parameter.
func (a *Auth) VerifyState(state string) (string, error) {
	return a.verify(state, audienceState)
}

func (a *Auth) sign(userID, audience string, ttl time.Duration) (string, error) {
	if userID == "" {
		return "", errors.New("server: signing token: empty user id")
	}

	now := a.nowFunc().UTC()
	claims := jwt.RegisteredClaims{
		Issuer:    a.issuer,
		Subject:   userID,
		Audience:  jwt.ClaimStrings{audience},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		ID:        uuid.NewString(),
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
	if err != nil {
		return "", fmt.Errorf("server: signing token: %w", err)
	}

	return signed, nil
}

func (a *Auth) verify(token, audience string) (string, error) {
	claims := &jwt.RegisteredClaims{}

	_, err := jwt.ParseWithClaims(token, claims,
		func(*jwt.Token) (any, error) { return a.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(a.issuer),
		jwt.WithAudience(audience),
		jwt.WithTimeFunc(a.nowFunc),
	)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}

	if claims.ExpiresAt == nil {
		return "", fmt.Errorf("%w: no expiry", ErrInvalidToken)
	}

	if claims.Subject == "" {
		return "", fmt.Errorf("%w: no subject", ErrInvalidToken)
	}

	return claims.Subject, nil
}

type ctxKey struct{}

// userID returns the identity resolved by the identity middleware, or "".
func userID(ctx context.Context) string {
	id, _ := ctx.Value(ctxKey{}).(string)
	return id
}

// identify resolves the caller from the Authorization header, falling back
// to the session cookie. Missing or invalid tokens yield "".
func (a *Auth) identify(r *http.Request) string {
	var token string

	if h := r.Header.Get("Authorization"); h != "" {
		scheme, value, ok := strings.Cut(h, " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			token = strings.TrimSpace(value)
		}
	} else if c, err := r.Cookie(SessionCookie); err == nil {
		token = c.Value
	}

	if token == "" {
		return ""
	}

	id, err := a.VerifyToken(token)
	if err != nil {
		return ""
	}

	return id
}

// identity attaches the caller's user id (possibly empty) to the request
// context.
func (a *Auth) identity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := context.WithValue(r.Context(), ctxKey{}, a.identify(r))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requireUser rejects requests without a resolved identity.
func requireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if userID(r.Context()) == "" {
			writeError(w, http.StatusUnauthorized, "unauthenticated", "Authentication required")
			return
		}

		next.ServeHTTP(w, r)
	})
}
