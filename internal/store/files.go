package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// File is a workspace file row. A row holds either inline Content or a
// remote object (RemoteFileID); attaching a remote object clears Content.
type File struct {
	ID           string
	WorkspaceID  string
	Filename     string
	Content      *string
	RemoteFileID string
	FileSize     int64
	MimeType     string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// View is one recorded visit to a workspace.
type View struct {
	WorkspaceID string
	ViewedAt    time.Time
	IPAddress   string
	UserAgent   string
}

const (
	fileColumns = `id, workspace_id, filename, content, remote_file_id, file_size, mime_type, created_at, updated_at`

	sqlInsertFile = `INSERT INTO workspace_files (` + fileColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

	sqlGetFile = `SELECT ` + fileColumns + ` FROM workspace_files WHERE id = ?`

	sqlListFiles = `SELECT ` + fileColumns + ` FROM workspace_files
		WHERE workspace_id = ? ORDER BY created_at, id`

	sqlAttachRemoteFile = `UPDATE workspace_files
		SET remote_file_id = ?, file_size = ?, mime_type = ?, content = NULL, updated_at = ?
		WHERE id = ?`

	sqlDeleteFile = `DELETE FROM workspace_files WHERE id = ?`

	sqlInsertView = `INSERT INTO workspace_views (workspace_id, viewed_at, ip_address, user_agent)
		VALUES (?, ?, ?, ?)`

	sqlCountViews = `SELECT COUNT(*) FROM workspace_views WHERE workspace_id = ?`
)

// CreateFile inserts a file row. An empty ID is generated.
func (s *Store) CreateFile(ctx context.Context, f *File) error {
	if f.ID == "" {
		f.ID = uuid.NewString()
	}

	now := s.nowFunc().UTC()
	f.CreatedAt, f.UpdatedAt = now, now

	var size sql.NullInt64
	if f.FileSize > 0 || f.RemoteFileID != "" {
		size = sql.NullInt64{Int64: f.FileSize, Valid: true}
	}

	var content sql.NullString
	if f.Content != nil {
		content = sql.NullString{String: *f.Content, Valid: true}
	}

	_, err := s.exec(ctx, sqlInsertFile,
		f.ID, f.WorkspaceID, f.Filename, content, nullString(f.RemoteFileID),
		size, nullString(f.MimeType), now.UnixNano(), now.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("store: creating file %s in workspace %s: %w", f.ID, f.WorkspaceID, err)
	}

	return nil
}

// GetFile returns the file row with id, or ErrNotFound.
func (s *Store) GetFile(ctx context.Context, id string) (*File, error) {
	f, err := scanFile(s.queryRow(ctx, sqlGetFile, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("store: file %s: %w", id, ErrNotFound)
	}

	if err != nil {
		return nil, fmt.Errorf("store: loading file %s: %w", id, err)
	}

	return f, nil
}

// ListFiles returns a workspace's files in creation order.
func (s *Store) ListFiles(ctx context.Context, workspaceID string) ([]File, error) {
	rows, err := s.query(ctx, sqlListFiles, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("store: listing files of workspace %s: %w", workspaceID, err)
	}
	defer rows.Close()

	var out []File

	for rows.Next() {
		f, err := scanFile(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scanning file: %w", err)
		}

		out = append(out, *f)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterating files: %w", err)
	}

	return out, nil
}

// AttachRemoteFile points a file row at an uploaded remote object and
// drops any inline content.
func (s *Store) AttachRemoteFile(ctx context.Context, fileID, remoteID string, size int64, mimeType string) error {
	res, err := s.exec(ctx, sqlAttachRemoteFile, remoteID, size, nullString(mimeType), s.now(), fileID)
	if err != nil {
		return fmt.Errorf("store: attaching remote object to file %s: %w", fileID, err)
	}

	return affectedOne(res, "attaching remote object to file "+fileID)
}

// DeleteFile removes a file row.
func (s *Store) DeleteFile(ctx context.Context, id string) error {
	res, err := s.exec(ctx, sqlDeleteFile, id)
	if err != nil {
		return fmt.Errorf("store: deleting file %s: %w", id, err)
	}

	return affectedOne(res, "deleting file "+id)
}

// RecordView stores a visit. A zero ViewedAt is stamped with the current
// time.
func (s *Store) RecordView(ctx context.Context, v View) error {
	at := v.ViewedAt
	if at.IsZero() {
		at = s.nowFunc()
	}

	_, err := s.exec(ctx, sqlInsertView, v.WorkspaceID, at.UnixNano(), nullString(v.IPAddress), nullString(v.UserAgent))
	if err != nil {
		return fmt.Errorf("store: recording view of workspace %s: %w", v.WorkspaceID, err)
	}

	return nil
}

// CountViews returns the number of recorded visits to a workspace.
func (s *Store) CountViews(ctx context.Context, workspaceID string) (int64, error) {
	var n int64
	if err := s.queryRow(ctx, sqlCountViews, workspaceID).Scan(&n); err != nil {
		return 0, fmt.Errorf("store: counting views of workspace %s: %w", workspaceID, err)
	}

	return n, nil
}

func scanFile(r rowScanner) (*File, error) {
	var (
		f                  File
		content            sql.NullString
		remoteID, mimeType sql.NullString
		size               sql.NullInt64
		created, updated   int64
	)

	err := r.Scan(&f.ID, &f.WorkspaceID, &f.Filename, &content, &remoteID, &size, &mimeType, &created, &updated)
	if err != nil {
		return nil, err
	}

	if content.Valid {
		f.Content = &content.String
	}

	f.RemoteFileID = remoteID.String
	f.FileSize = size.Int64
	f.MimeType = mimeType.String
	f.CreatedAt = fromNanos(created)
	f.UpdatedAt = fromNanos(updated)

	return &f, nil
}
