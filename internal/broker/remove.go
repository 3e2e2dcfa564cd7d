package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/sendany/drivebroker/internal/gdrive"
	"github.com/sendany/drivebroker/internal/store"
)

// Removal is the outcome of RemoveFile. The file row is always gone when
// RemoveFile returns nil; the remote object may survive, in which case
// RemoteErr says why.
type Removal struct {
	FileID        string
	RemoteID      string
	RemoteDeleted bool
	RemoteErr     error
	Freed         int64
}

// RemoveFile deletes a file from a workspace the user owns. The remote
// object is deleted best-effort first; the row is then removed and its
// size released from the user's cached counter.
func (b *Broker) RemoveFile(ctx context.Context, userID, workspaceID, fileID string) (*Removal, error) {
	if userID == "" {
		return nil, ErrUnauthenticated
	}

	ws, err := b.ownedWorkspace(ctx, userID, workspaceID)
	if err != nil {
		return nil, err
	}

	f, err := b.workspaceFile(ctx, ws.ID, fileID)
	if err != nil {
		return nil, err
	}

	out := &Removal{FileID: f.ID, RemoteID: f.RemoteFileID}

	if f.RemoteFileID != "" {
		out.RemoteErr = b.deleteRemoteFile(ctx, userID, f.RemoteFileID)
		out.RemoteDeleted = out.RemoteErr == nil

		if out.RemoteErr != nil {
			b.logger.Warn("remote object not deleted",
				slog.String("file_id", f.ID),
				slog.String("remote_id", f.RemoteFileID),
				slog.String("error", out.RemoteErr.Error()),
			)
		}
	}

	if err := b.workspaces.DeleteFile(ctx, f.ID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrFileNotFound, fileID)
		}

		return nil, fmt.Errorf("broker: deleting file row: %w", err)
	}

	if f.FileSize > 0 {
		if _, err := b.creds.AddUsage(ctx, userID, -f.FileSize); err != nil && !errors.Is(err, store.ErrNotFound) {
			b.logger.Warn("cached storage usage not released",
				slog.String("user_id", userID),
				slog.String("error", err.Error()),
			)
		}

		out.Freed = f.FileSize
	}

	b.logger.Info("file removed",
		slog.String("workspace_id", ws.ID),
		slog.String("file_id", f.ID),
		slog.Bool("remote_deleted", out.RemoteDeleted),
	)

	return out, nil
}

func (b *Broker) deleteRemoteFile(ctx context.Context, userID, remoteID string) error {
	cred, err := b.loadCredential(ctx, userID)
	if err != nil {
		return err
	}

	if err := b.ensureFresh(ctx, cred); err != nil {
		return err
	}

	return b.withRefresh(ctx, cred, func(creds gdrive.Credentials) error {
		return b.remote.DeleteFile(ctx, creds, remoteID)
	})
}
