// Package oauth wraps the Google OAuth2 authorization-code flow: building
// the consent URL, exchanging a code for a long-lived grant, and refreshing
// access tokens. Refresh failures are split into permanent ones, which need
// the user to reconnect, and transient ones that may succeed later.
package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

// DefaultScopes are requested on consent: per-file Drive access for objects
// this app creates, and the account email for display.
var DefaultScopes = []string{
	"https://www.googleapis.com/auth/drive.file",
	"https://www.googleapis.com/auth/userinfo.email",
}

// defaultTokenLifetime is assumed when the token endpoint omits expires_in.
const defaultTokenLifetime = time.Hour

// DefaultUserinfoURL is Google's userinfo endpoint.
const DefaultUserinfoURL = "https://www.googleapis.com/oauth2/v2/userinfo"

// Sentinel errors. Both refresh outcomes wrap ErrRefreshFailed.
var (
	ErrRefreshFailed      = errors.New("oauth: token refresh failed")
	ErrReconnectRequired  = fmt.Errorf("%w: grant revoked or invalid, reconnect required", ErrRefreshFailed)
	ErrRefreshUnavailable = fmt.Errorf("%w: token endpoint unavailable", ErrRefreshFailed)
	ErrNoRefreshToken     = errors.New("oauth: provider returned no refresh token")
	ErrExchangeFailed     = errors.New("oauth: authorization code exchange failed")
)

// Grant is the token material produced by an exchange or refresh.
type Grant struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
	Scope        string // space-delimited
	Email        string // set by Exchange only
}

// IsStale reports whether an access token expiring at expiresAt is no
// longer usable at now. A token is invalid at and after its expiry instant.
func IsStale(expiresAt, now time.Time) bool {
	return !now.Before(expiresAt)
}

// Config configures a Provider. Endpoint defaults to Google's; tests
// point it at an httptest server.
type Config struct {
	ClientID     string
	ClientSecret string
	RedirectURI  string
	UserinfoURL  string
	Scopes       []string
	Endpoint     oauth2.Endpoint
	HTTPClient   *http.Client
}

// Provider performs OAuth2 operations against Google.
type Provider struct {
	cfg         *oauth2.Config
	userinfoURL string
	httpClient  *http.Client
	logger      *slog.Logger
	nowFunc     func() time.Time
}

// NewProvider creates a Provider. A zero Endpoint selects Google's.
func NewProvider(cfg Config, logger *slog.Logger) *Provider {
	if logger == nil {
		logger = slog.Default()
	}

	endpoint := cfg.Endpoint
	if endpoint.TokenURL == "" {
		endpoint = google.Endpoint
	}

	scopes := cfg.Scopes
	if len(scopes) == 0 {
		scopes = DefaultScopes
	}

	userinfo := cfg.UserinfoURL
	if userinfo == "" {
		userinfo = DefaultUserinfoURL
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	return &Provider{
		cfg: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURI,
			Scopes:       scopes,
			Endpoint:     endpoint,
		},
		userinfoURL: userinfo,
		httpClient:  httpClient,
		logger:      logger,
		nowFunc:     time.Now,
	}
}

// Configured reports whether a client id and secret are set.
func (p *Provider) Configured() bool {
	return p.cfg.ClientID != "" && p.cfg.ClientSecret != ""
}

// AuthCodeURL returns the consent URL. Offline access with forced consent
// makes Google issue a refresh token on every connect.
func (p *Provider) AuthCodeURL(state string) string {
	return p.cfg.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce)
}

// Exchange trades an authorization code for a grant and looks up the
// linked account's email. A grant without a refresh token is useless to
// the broker and is rejected.
func (p *Provider) Exchange(ctx context.Context, code string) (*Grant, error) {
	tok, err := p.cfg.Exchange(p.withClient(ctx), code)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrExchangeFailed, err)
	}

	if tok.AccessToken == "" {
		return nil, fmt.Errorf("%w: empty access token", ErrExchangeFailed)
	}

	if tok.RefreshToken == "" {
		return nil, ErrNoRefreshToken
	}

	g := p.grantFrom(tok, tok.RefreshToken)

	email, err := p.fetchEmail(ctx, tok.AccessToken)
	if err != nil {
		// The email is display-only; a connect still succeeds without it.
		p.logger.Warn("fetching linked account email failed", slog.String("error", err.Error()))
	}

	g.Email = email

	return g, nil
}

// Refresh obtains a new access token. The returned grant carries the same
// refresh token that was passed in.
func (p *Provider) Refresh(ctx context.Context, refreshToken string) (*Grant, error) {
	if refreshToken == "" {
		return nil, fmt.Errorf("%w: no refresh token stored", ErrReconnectRequired)
	}

	// An already-expired token forces the source to hit the endpoint.
	src := p.cfg.TokenSource(p.withClient(ctx), &oauth2.Token{
		RefreshToken: refreshToken,
		Expiry:       time.Unix(1, 0),
	})

	tok, err := src.Token()
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %w", ErrRefreshUnavailable, ctx.Err())
		}

		if isPermanentRefreshError(err) {
			return nil, fmt.Errorf("%w: %w", ErrReconnectRequired, err)
		}

		return nil, fmt.Errorf("%w: %w", ErrRefreshUnavailable, err)
	}

	if tok.AccessToken == "" {
		return nil, fmt.Errorf("%w: empty access token", ErrRefreshUnavailable)
	}

	p.logger.Debug("access token refreshed", slog.Time("expires_at", tok.Expiry))

	return p.grantFrom(tok, refreshToken), nil
}

func (p *Provider) grantFrom(tok *oauth2.Token, refreshToken string) *Grant {
	expires := tok.Expiry
	if expires.IsZero() {
		expires = p.nowFunc().Add(defaultTokenLifetime)
	}

	scope, _ := tok.Extra("scope").(string)
	if scope == "" {
		scope = strings.Join(p.cfg.Scopes, " ")
	}

	return &Grant{
		AccessToken:  tok.AccessToken,
		RefreshToken: refreshToken,
		ExpiresAt:    expires,
		Scope:        scope,
	}
}

func (p *Provider) withClient(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, p.httpClient)
}

func (p *Provider) fetchEmail(ctx context.Context, accessToken string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.userinfoURL, http.NoBody)
	if err != nil {
		return "", fmt.Errorf("oauth: creating userinfo request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("oauth: userinfo request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096)) //nolint:errcheck // best-effort error detail
		return "", fmt.Errorf("oauth: userinfo HTTP %d: %s", resp.StatusCode, body)
	}

	var info struct {
		Email string `json:"email"`
	}

	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return "", fmt.Errorf("oauth: decoding userinfo: %w", err)
	}

	return info.Email, nil
}

// permanentMarkers are OAuth error codes and Google messages that mean the
// grant is gone for good.
var permanentMarkers = []string{
	"invalid_grant",
	"invalid_client",
	"unauthorized_client",
	"token has been expired or revoked",
	"revoked",
}

// isPermanentRefreshError reports whether a refresh failure needs the user
// to reconnect. Server errors from the token endpoint are never permanent.
func isPermanentRefreshError(err error) bool {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		if re.Response != nil && re.Response.StatusCode >= http.StatusInternalServerError {
			return false
		}

		for _, m := range permanentMarkers {
			if re.ErrorCode == m {
				return true
			}
		}
	}

	msg := strings.ToLower(err.Error())
	for _, m := range permanentMarkers {
		if strings.Contains(msg, m) {
			return true
		}
	}

	return false
}
