package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/sendany/drivebroker/internal/gdrive"
	"github.com/sendany/drivebroker/internal/oauth"
	"github.com/sendany/drivebroker/internal/store"
)

// loadCredential returns userID's credential record. A user without one
// gets ErrNotConnected.
func (b *Broker) loadCredential(ctx context.Context, userID string) (*store.Credential, error) {
	cred, err := b.creds.GetCredential(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: user %s", ErrNotConnected, userID)
	}

	if err != nil {
		return nil, fmt.Errorf("broker: loading credentials: %w", err)
	}

	return cred, nil
}

// ensureFresh refreshes cred in place when its access token has expired.
func (b *Broker) ensureFresh(ctx context.Context, cred *store.Credential) error {
	if !oauth.IsStale(cred.ExpiresAt, b.nowFunc()) {
		return nil
	}

	return b.refresh(ctx, cred)
}

// refresh obtains a new access token and persists it before returning, so
// a crash after the refresh never loses the new token. cred is updated in
// place.
func (b *Broker) refresh(ctx context.Context, cred *store.Credential) error {
	if b.refresher == nil {
		return fmt.Errorf("%w: oauth client not configured", ErrRemoteUnavailable)
	}

	grant, err := b.refresher.Refresh(ctx, cred.RefreshToken)
	if err != nil {
		b.logger.Warn("credential refresh failed",
			slog.String("user_id", cred.UserID),
			slog.String("error", err.Error()),
		)

		if errors.Is(err, oauth.ErrReconnectRequired) {
			return fmt.Errorf("%w: %w", ErrReconnectRequired, err)
		}

		return fmt.Errorf("%w: %w", ErrRemoteUnavailable, err)
	}

	cred.AccessToken = grant.AccessToken
	cred.RefreshToken = grant.RefreshToken
	cred.ExpiresAt = grant.ExpiresAt
	cred.Scope = grant.Scope

	if err := b.creds.UpsertCredential(ctx, cred); err != nil {
		return fmt.Errorf("broker: persisting refreshed credentials: %w", err)
	}

	b.logger.Debug("credentials refreshed",
		slog.String("user_id", cred.UserID),
		slog.Time("expires_at", cred.ExpiresAt),
	)

	return nil
}

// withRefresh runs op with cred's tokens. When Drive rejects the access
// token, cred is refreshed once and op runs again; a second rejection
// means the grant itself is unusable.
func (b *Broker) withRefresh(ctx context.Context, cred *store.Credential, op func(gdrive.Credentials) error) error {
	err := op(remoteCredentials(cred))
	if !errors.Is(err, gdrive.ErrUnauthorized) {
		return err
	}

	b.logger.Info("access token rejected, forcing refresh", slog.String("user_id", cred.UserID))

	if err := b.refresh(ctx, cred); err != nil {
		return err
	}

	err = op(remoteCredentials(cred))
	if errors.Is(err, gdrive.ErrUnauthorized) {
		return fmt.Errorf("%w: %w", ErrReconnectRequired, err)
	}

	return err
}

func remoteCredentials(cred *store.Credential) gdrive.Credentials {
	return gdrive.Credentials{AccessToken: cred.AccessToken, RefreshToken: cred.RefreshToken}
}

// isBrokerFailure reports whether err already carries one of the
// credential outcomes, which pass through unchanged.
func isBrokerFailure(err error) bool {
	return errors.Is(err, ErrReconnectRequired) || errors.Is(err, ErrRemoteUnavailable)
}

// Connect exchanges an authorization code and links the resulting grant
// to userID, replacing any previous link. The cached usage counter of an
// existing record is kept.
func (b *Broker) Connect(ctx context.Context, userID, code string) (*store.Credential, error) {
	if userID == "" {
		return nil, ErrUnauthenticated
	}

	if code == "" {
		return nil, fmt.Errorf("%w: missing authorization code", ErrInvalidRequest)
	}

	if b.exchanger == nil {
		return nil, fmt.Errorf("%w: oauth client not configured", ErrNotConnected)
	}

	grant, err := b.exchanger.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("broker: linking account for user %s: %w", userID, err)
	}

	cred := &store.Credential{
		UserID:       userID,
		AccessToken:  grant.AccessToken,
		RefreshToken: grant.RefreshToken,
		ExpiresAt:    grant.ExpiresAt,
		Scope:        grant.Scope,
		DriveEmail:   grant.Email,
	}

	if err := b.creds.UpsertCredential(ctx, cred); err != nil {
		return nil, fmt.Errorf("broker: storing linked account for user %s: %w", userID, err)
	}

	b.logger.Info("remote storage connected",
		slog.String("user_id", userID),
		slog.String("drive_email", grant.Email),
	)

	return cred, nil
}
