package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Credential is one user's linked storage account. The refresh token never
// expires from the broker's point of view; ExpiresAt applies to the access
// token only. TotalStorageUsed is a cached counter maintained by AddUsage
// and SetUsage, never by UpsertCredential.
type Credential struct {
	UserID           string
	AccessToken      string
	RefreshToken     string
	ExpiresAt        time.Time
	Scope            string
	DriveEmail       string
	TotalStorageUsed int64
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

const (
	sqlGetCredential = `SELECT user_id, access_token, refresh_token, expires_at, scope,
		drive_email, total_storage_used, created_at, updated_at
		FROM user_drive_credentials WHERE user_id = ?`

	// An empty email arrives as NULL and keeps whatever is stored, so a
	// token refresh (which carries no email) does not erase it.
	sqlUpsertCredential = `INSERT INTO user_drive_credentials
		(user_id, access_token, refresh_token, expires_at, scope, drive_email,
		 total_storage_used, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, 0, ?, ?)
		ON CONFLICT (user_id) DO UPDATE SET
		 access_token = excluded.access_token,
		 refresh_token = excluded.refresh_token,
		 expires_at = excluded.expires_at,
		 scope = excluded.scope,
		 drive_email = COALESCE(excluded.drive_email, user_drive_credentials.drive_email),
		 updated_at = excluded.updated_at`

	sqlSetUsage = `UPDATE user_drive_credentials
		SET total_storage_used = ?, updated_at = ? WHERE user_id = ?`

	// Single-statement increment clamped at zero. The delta is bound twice.
	sqlAddUsage = `UPDATE user_drive_credentials
		SET total_storage_used = CASE
		  WHEN total_storage_used + ? < 0 THEN 0
		  ELSE total_storage_used + ? END,
		 updated_at = ?
		WHERE user_id = ?
		RETURNING total_storage_used`

	sqlListCredentialUsers = `SELECT user_id FROM user_drive_credentials ORDER BY user_id`

	sqlDeleteCredential = `DELETE FROM user_drive_credentials WHERE user_id = ?`
)

// GetCredential returns the credential record for userID, or ErrNotFound
// when the user has not linked an account.
func (s *Store) GetCredential(ctx context.Context, userID string) (*Credential, error) {
	var (
		c                         Credential
		expires, created, updated int64
		email                     sql.NullString
	)

	err := s.queryRow(ctx, sqlGetCredential, userID).Scan(
		&c.UserID, &c.AccessToken, &c.RefreshToken, &expires, &c.Scope,
		&email, &c.TotalStorageUsed, &created, &updated,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("store: credential for user %s: %w", userID, ErrNotFound)
	}

	if err != nil {
		return nil, fmt.Errorf("store: loading credential for user %s: %w", userID, err)
	}

	c.ExpiresAt = fromNanos(expires)
	c.DriveEmail = email.String
	c.CreatedAt = fromNanos(created)
	c.UpdatedAt = fromNanos(updated)

	return &c, nil
}

// UpsertCredential inserts or replaces the token fields of a credential.
// The usage counter of an existing record is left untouched, and an empty
// DriveEmail keeps the stored one.
func (s *Store) UpsertCredential(ctx context.Context, c *Credential) error {
	if c.UserID == "" {
		return errors.New("store: upsert credential: empty user id")
	}

	now := s.now()

	_, err := s.exec(ctx, sqlUpsertCredential,
		c.UserID, c.AccessToken, c.RefreshToken, c.ExpiresAt.UnixNano(), c.Scope,
		nullString(c.DriveEmail), now, now,
	)
	if err != nil {
		return fmt.Errorf("store: upserting credential for user %s: %w", c.UserID, err)
	}

	return nil
}

// SetUsage overwrites the cached usage counter.
func (s *Store) SetUsage(ctx context.Context, userID string, bytes int64) error {
	res, err := s.exec(ctx, sqlSetUsage, bytes, s.now(), userID)
	if err != nil {
		return fmt.Errorf("store: setting usage for user %s: %w", userID, err)
	}

	return affectedOne(res, "setting usage for user "+userID)
}

// AddUsage atomically adds delta (which may be negative) to the cached
// usage counter and returns the new value. The counter never drops below
// zero.
func (s *Store) AddUsage(ctx context.Context, userID string, delta int64) (int64, error) {
	var total int64

	err := s.queryRow(ctx, sqlAddUsage, delta, delta, s.now(), userID).Scan(&total)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("store: adding usage for user %s: %w", userID, ErrNotFound)
	}

	if err != nil {
		return 0, fmt.Errorf("store: adding usage for user %s: %w", userID, err)
	}

	return total, nil
}

// ListCredentialUsers returns the ids of every user with a linked account.
func (s *Store) ListCredentialUsers(ctx context.Context) ([]string, error) {
	rows, err := s.query(ctx, sqlListCredentialUsers)
	if err != nil {
		return nil, fmt.Errorf("store: listing credential users: %w", err)
	}
	defer rows.Close()

	var users []string

	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("store: scanning credential user: %w", err)
		}

		users = append(users, id)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterating credential users: %w", err)
	}

	return users, nil
}

// DeleteCredential unlinks a user's account.
func (s *Store) DeleteCredential(ctx context.Context, userID string) error {
	res, err := s.exec(ctx, sqlDeleteCredential, userID)
	if err != nil {
		return fmt.Errorf("store: deleting credential for user %s: %w", userID, err)
	}

	return affectedOne(res, "deleting credential for user "+userID)
}
