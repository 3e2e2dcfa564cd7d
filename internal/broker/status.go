package broker

import (
	"context"
	"errors"
	"fmt"

	"github.com/sendany/drivebroker/internal/gdrive"
	"github.com/sendany/drivebroker/internal/quota"
	"github.com/sendany/drivebroker/internal/store"
)

// Human-readable status reasons.
const (
	StatusNotConfigured   = "Google Drive integration not configured"
	StatusUnauthenticated = "User not authenticated"
	StatusNotConnected    = "Google Drive not connected"
)

// Status is the linked-storage summary shown to a user. Used is the sum of
// the user's recorded file sizes, not the cached counter.
type Status struct {
	Available  bool
	Connected  bool
	DriveEmail string
	Reason     string
	Used       int64
	Limit      int64
	Percentage int
	Limits     quota.Limits
}

// Status reports whether storage is available and linked for userID, and
// how much of the user ceiling is in use. An empty userID is not an error;
// the result just says nobody is signed in.
func (b *Broker) Status(ctx context.Context, userID string) (*Status, error) {
	st := &Status{
		Available: b.available,
		Limit:     b.limits.MaxUserStorage,
		Limits:    b.limits,
	}

	switch {
	case !b.available:
		st.Reason = StatusNotConfigured
		return st, nil
	case userID == "":
		st.Reason = StatusUnauthenticated
		return st, nil
	}

	cred, err := b.creds.GetCredential(ctx, userID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		st.Reason = StatusNotConnected
	case err != nil:
		return nil, fmt.Errorf("broker: loading credentials: %w", err)
	default:
		st.Connected = true
		st.DriveEmail = cred.DriveEmail
	}

	used, err := b.workspaces.SumFileSizesForUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("broker: computing user usage: %w", err)
	}

	st.Used = used
	st.Percentage = quota.Percentage(used, st.Limit)

	return st, nil
}

// WorkspaceUsage compares a workspace's recorded usage with what its
// remote folder actually holds.
type WorkspaceUsage struct {
	WorkspaceID    string
	RemoteFolderID string
	Recorded       int64
	Remote         int64
	RemoteChecked  bool
}

// InspectWorkspace returns the recorded size of a workspace and, when the
// workspace has a folder and its owner is connected, the remote folder's
// size. Remote failures are returned; a workspace without a folder or
// owner simply has RemoteChecked false.
func (b *Broker) InspectWorkspace(ctx context.Context, workspaceID string) (*WorkspaceUsage, error) {
	ws, err := b.workspaces.GetWorkspace(ctx, workspaceID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrWorkspaceNotFound, workspaceID)
	}

	if err != nil {
		return nil, fmt.Errorf("broker: loading workspace: %w", err)
	}

	recorded, err := b.workspaces.SumFileSizes(ctx, ws.ID)
	if err != nil {
		return nil, fmt.Errorf("broker: computing workspace usage: %w", err)
	}

	out := &WorkspaceUsage{WorkspaceID: ws.ID, RemoteFolderID: ws.RemoteFolderID, Recorded: recorded}

	if ws.RemoteFolderID == "" || ws.UserID == "" {
		return out, nil
	}

	cred, err := b.loadCredential(ctx, ws.UserID)
	if err != nil {
		return nil, err
	}

	if err := b.ensureFresh(ctx, cred); err != nil {
		return nil, err
	}

	err = b.withRefresh(ctx, cred, func(creds gdrive.Credentials) error {
		size, err := b.remote.FolderSize(ctx, creds, ws.RemoteFolderID)
		out.Remote = size

		return err
	})
	if err != nil {
		if isBrokerFailure(err) {
			return nil, err
		}

		return nil, fmt.Errorf("%w: %w", ErrRemoteUnavailable, err)
	}

	out.RemoteChecked = true

	return out, nil
}
