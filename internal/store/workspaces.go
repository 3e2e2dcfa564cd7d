package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Workspace is the metadata the broker needs about a workspace. UserID is
// empty for anonymous workspaces, ExpiresAt is zero when the workspace
// never expires, and RemoteFolderID is empty until the first upload.
type Workspace struct {
	ID             string
	Slug           string
	Title          string
	UserID         string
	ExpiresAt      time.Time
	RemoteFolderID string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

const (
	workspaceColumns = `id, slug, title, user_id, expires_at, remote_folder_id, created_at, updated_at`

	sqlInsertWorkspace = `INSERT INTO workspaces (` + workspaceColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

	sqlGetWorkspace = `SELECT ` + workspaceColumns + ` FROM workspaces WHERE id = ?`

	// The IS NULL guard makes the first writer win; the folder id is never
	// overwritten once set.
	sqlSetRemoteFolder = `UPDATE workspaces SET remote_folder_id = ?, updated_at = ?
		WHERE id = ? AND remote_folder_id IS NULL`

	sqlListExpired = `SELECT ` + workspaceColumns + ` FROM workspaces
		WHERE expires_at IS NOT NULL AND expires_at < ?
		ORDER BY expires_at, id`

	sqlDeleteWorkspaceFiles = `DELETE FROM workspace_files WHERE workspace_id = ?`
	sqlDeleteWorkspaceViews = `DELETE FROM workspace_views WHERE workspace_id = ?`
	sqlDeleteWorkspace      = `DELETE FROM workspaces WHERE id = ?`

	sqlSumFileSizes = `SELECT COALESCE(SUM(file_size), 0) FROM workspace_files WHERE workspace_id = ?`

	sqlSumFileSizesForUser = `SELECT COALESCE(SUM(f.file_size), 0)
		FROM workspace_files f
		JOIN workspaces w ON w.id = f.workspace_id
		WHERE w.user_id = ?`
)

// CreateWorkspace inserts a workspace. Empty ID and Slug are generated.
func (s *Store) CreateWorkspace(ctx context.Context, w *Workspace) error {
	if w.ID == "" {
		w.ID = uuid.NewString()
	}

	if w.Slug == "" {
		w.Slug = w.ID
	}

	now := s.nowFunc().UTC()
	w.CreatedAt, w.UpdatedAt = now, now

	_, err := s.exec(ctx, sqlInsertWorkspace,
		w.ID, w.Slug, w.Title, nullString(w.UserID), nullTime(w.ExpiresAt),
		nullString(w.RemoteFolderID), now.UnixNano(), now.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("store: creating workspace %s: %w", w.ID, err)
	}

	return nil
}

// GetWorkspace returns the workspace with id, or ErrNotFound.
func (s *Store) GetWorkspace(ctx context.Context, id string) (*Workspace, error) {
	w, err := scanWorkspace(s.queryRow(ctx, sqlGetWorkspace, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("store: workspace %s: %w", id, ErrNotFound)
	}

	if err != nil {
		return nil, fmt.Errorf("store: loading workspace %s: %w", id, err)
	}

	return w, nil
}

// SetRemoteFolder records the remote folder for a workspace. Setting the
// value that is already stored is a no-op; a different value is rejected
// with ErrRemoteFolderAlreadySet.
func (s *Store) SetRemoteFolder(ctx context.Context, workspaceID, folderID string) error {
	if folderID == "" {
		return errors.New("store: set remote folder: empty folder id")
	}

	res, err := s.exec(ctx, sqlSetRemoteFolder, folderID, s.now(), workspaceID)
	if err != nil {
		return fmt.Errorf("store: setting remote folder for workspace %s: %w", workspaceID, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: setting remote folder for workspace %s: %w", workspaceID, err)
	}

	if n == 1 {
		return nil
	}

	w, err := s.GetWorkspace(ctx, workspaceID)
	if err != nil {
		return err
	}

	if w.RemoteFolderID == folderID {
		return nil
	}

	s.logger.Warn("refusing to replace workspace remote folder",
		slog.String("workspace_id", workspaceID),
		slog.String("stored_folder_id", w.RemoteFolderID),
		slog.String("rejected_folder_id", folderID),
	)

	return fmt.Errorf("store: workspace %s: %w", workspaceID, ErrRemoteFolderAlreadySet)
}

// ListExpiredWorkspaces returns workspaces whose expiry is strictly before
// now, oldest first. Workspaces without an expiry never appear.
func (s *Store) ListExpiredWorkspaces(ctx context.Context, now time.Time) ([]Workspace, error) {
	rows, err := s.query(ctx, sqlListExpired, now.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("store: listing expired workspaces: %w", err)
	}
	defer rows.Close()

	var out []Workspace

	for rows.Next() {
		w, err := scanWorkspace(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scanning expired workspace: %w", err)
		}

		out = append(out, *w)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterating expired workspaces: %w", err)
	}

	return out, nil
}

// DeleteWorkspaceCascade removes a workspace with its files and views in
// one transaction. The explicit child deletes keep the cascade independent
// of whether the engine enforces foreign keys.
func (s *Store) DeleteWorkspaceCascade(ctx context.Context, id string) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: beginning workspace delete: %w", err)
	}

	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
				err = errors.Join(err, fmt.Errorf("store: rollback: %w", rbErr))
			}
		}
	}()

	for _, q := range []string{sqlDeleteWorkspaceFiles, sqlDeleteWorkspaceViews} {
		if _, err = tx.ExecContext(ctx, s.dialect.rebind(q), id); err != nil {
			return fmt.Errorf("store: deleting children of workspace %s: %w", id, err)
		}
	}

	res, err := tx.ExecContext(ctx, s.dialect.rebind(sqlDeleteWorkspace), id)
	if err != nil {
		return fmt.Errorf("store: deleting workspace %s: %w", id, err)
	}

	if err = affectedOne(res, "deleting workspace "+id); err != nil {
		return err
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("store: committing workspace delete: %w", err)
	}

	return nil
}

// SumFileSizes returns the total recorded size of a workspace's files.
func (s *Store) SumFileSizes(ctx context.Context, workspaceID string) (int64, error) {
	var total int64
	if err := s.queryRow(ctx, sqlSumFileSizes, workspaceID).Scan(&total); err != nil {
		return 0, fmt.Errorf("store: summing files of workspace %s: %w", workspaceID, err)
	}

	return total, nil
}

// SumFileSizesForUser returns the total recorded size of every file in
// every workspace owned by userID.
func (s *Store) SumFileSizesForUser(ctx context.Context, userID string) (int64, error) {
	var total int64
	if err := s.queryRow(ctx, sqlSumFileSizesForUser, userID).Scan(&total); err != nil {
		return 0, fmt.Errorf("store: summing files of user %s: %w", userID, err)
	}

	return total, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanWorkspace(r rowScanner) (*Workspace, error) {
	var (
		w                Workspace
		userID, folderID sql.NullString
		expires          sql.NullInt64
		created, updated int64
	)

	if err := r.Scan(&w.ID, &w.Slug, &w.Title, &userID, &expires, &folderID, &created, &updated); err != nil {
		return nil, err
	}

	w.UserID = userID.String
	w.ExpiresAt = fromNullNanos(expires)
	w.RemoteFolderID = folderID.String
	w.CreatedAt = fromNanos(created)
	w.UpdatedAt = fromNanos(updated)

	return &w, nil
}
