package broker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/sendany/drivebroker/internal/gdrive"
	"github.com/sendany/drivebroker/internal/store"
)

// uploadState names a step of the upload state machine for logging.
type uploadState string

const (
	stateUnauthenticated    uploadState = "unauthenticated"
	stateCredentialCheck    uploadState = "credential_check"
	stateQuotaCheck         uploadState = "quota_check"
	stateFolderResolution   uploadState = "folder_resolution"
	stateUploading          uploadState = "uploading"
	statePersistingMetadata uploadState = "persisting_metadata"
	stateDone               uploadState = "done"
)

// errNotReplayable is returned when a rejected upload cannot be resent
// because its content was already consumed.
var errNotReplayable = errors.New("broker: upload content cannot be replayed")

// UploadRequest describes one upload. Size is the declared content length
// and is what the quota is checked against; content longer than Size is
// cut off and the upload fails with ErrInvalidRequest. FileID, when set,
// names an existing file row in the workspace that the uploaded object
// replaces. Content that also implements io.Seeker can be resent once
// after a rejected access token.
type UploadRequest struct {
	UserID      string
	WorkspaceID string
	FileID      string
	Filename    string
	MimeType    string
	Size        int64
	Content     io.Reader
}

// UploadResult is the outcome of a successful upload.
type UploadResult struct {
	FileID       string
	RemoteID     string
	Name         string
	Size         int64
	MimeType     string
	PublicURL    string
	WebViewLink  string
	Shared       bool
	StorageUsed  int64
	StorageLimit int64
}

// Upload stores req.Content in the workspace's remote folder and records
// it in the workspace metadata.
//
// Local checks run first: identity, linked account, workspace ownership
// and quota. Nothing remote happens until all of them pass. The access
// token is then refreshed if stale, the workspace folder is resolved (and
// its id persisted before any content moves), the content is streamed,
// and finally the file row and the cached usage counter are updated.
//
// A retry after a failure reuses the persisted folder. A retry after a
// partial remote write may leave a duplicate remote object.
func (b *Broker) Upload(ctx context.Context, req UploadRequest) (*UploadResult, error) {
	logger := b.logger.With(
		slog.String("user_id", req.UserID),
		slog.String("workspace_id", req.WorkspaceID),
	)

	logState := func(s uploadState) {
		logger.Debug("upload state", slog.String("state", string(s)))
	}

	logState(stateUnauthenticated)

	if req.UserID == "" {
		return nil, ErrUnauthenticated
	}

	if err := validateUploadRequest(req); err != nil {
		return nil, err
	}

	logState(stateCredentialCheck)

	cred, err := b.loadCredential(ctx, req.UserID)
	if err != nil {
		return nil, err
	}

	ws, err := b.ownedWorkspace(ctx, req.UserID, req.WorkspaceID)
	if err != nil {
		return nil, err
	}

	var replaced *store.File
	if req.FileID != "" {
		if replaced, err = b.workspaceFile(ctx, ws.ID, req.FileID); err != nil {
			return nil, err
		}
	}

	logState(stateQuotaCheck)

	if err := b.checkQuota(ctx, req.UserID, ws.ID, req.Size, replaced); err != nil {
		logger.Info("upload rejected by quota",
			slog.Int64("size", req.Size),
			slog.String("error", err.Error()),
		)

		return nil, err
	}

	if err := b.ensureFresh(ctx, cred); err != nil {
		return nil, err
	}

	logState(stateFolderResolution)

	folderID, err := b.resolveFolder(ctx, cred, ws)
	if err != nil {
		return nil, err
	}

	logState(stateUploading)

	res, err := b.send(ctx, cred, req, folderID)
	if errors.Is(err, errContentTooLong) {
		logger.Warn("upload content longer than declared", slog.Int64("declared", req.Size))

		return nil, fmt.Errorf("%w: content longer than declared size %d", ErrInvalidRequest, req.Size)
	}

	if err != nil {
		if isBrokerFailure(err) {
			return nil, err
		}

		return nil, fmt.Errorf("%w: %w", ErrUploadFailed, err)
	}

	logState(statePersistingMetadata)

	size := res.Size
	if size == 0 {
		size = req.Size
	}

	fileID, used, err := b.persistUpload(ctx, req, res, size, replaced)
	if err != nil {
		logger.Error("uploaded object not recorded",
			slog.String("remote_id", res.ID),
			slog.String("error", err.Error()),
		)

		return nil, err
	}

	logState(stateDone)
	logger.Info("upload complete",
		slog.String("file_id", fileID),
		slog.String("remote_id", res.ID),
		slog.Int64("size", size),
		slog.Bool("shared", res.Shared),
	)

	return &UploadResult{
		FileID:       fileID,
		RemoteID:     res.ID,
		Name:         res.Name,
		Size:         size,
		MimeType:     res.MimeType,
		PublicURL:    res.PublicURL,
		WebViewLink:  res.WebViewLink,
		Shared:       res.Shared,
		StorageUsed:  used,
		StorageLimit: b.limits.MaxUserStorage,
	}, nil
}

func validateUploadRequest(req UploadRequest) error {
	switch {
	case req.WorkspaceID == "":
		return fmt.Errorf("%w: missing workspace id", ErrInvalidRequest)
	case strings.TrimSpace(req.Filename) == "":
		return fmt.Errorf("%w: missing file name", ErrInvalidRequest)
	case req.Content == nil:
		return fmt.Errorf("%w: missing content", ErrInvalidRequest)
	case req.Size < 0:
		return fmt.Errorf("%w: negative size", ErrInvalidRequest)
	}

	return nil
}

// ownedWorkspace loads a workspace and checks that userID owns it.
func (b *Broker) ownedWorkspace(ctx context.Context, userID, workspaceID string) (*store.Workspace, error) {
	ws, err := b.workspaces.GetWorkspace(ctx, workspaceID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrWorkspaceNotFound, workspaceID)
	}

	if err != nil {
		return nil, fmt.Errorf("broker: loading workspace: %w", err)
	}

	if ws.UserID != userID {
		return nil, fmt.Errorf("%w: %s", ErrForbidden, workspaceID)
	}

	return ws, nil
}

// workspaceFile loads a file row and checks it belongs to workspaceID.
func (b *Broker) workspaceFile(ctx context.Context, workspaceID, fileID string) (*store.File, error) {
	f, err := b.workspaces.GetFile(ctx, fileID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrFileNotFound, fileID)
	}

	if err != nil {
		return nil, fmt.Errorf("broker: loading file: %w", err)
	}

	if f.WorkspaceID != workspaceID {
		return nil, fmt.Errorf("%w: %s", ErrFileNotFound, fileID)
	}

	return f, nil
}

// checkQuota validates size against usage recomputed from the file rows.
// The cached counter is never consulted here. A replaced row's size does
// not count, since the upload supersedes it.
func (b *Broker) checkQuota(ctx context.Context, userID, workspaceID string, size int64, replaced *store.File) error {
	wsSize, err := b.workspaces.SumFileSizes(ctx, workspaceID)
	if err != nil {
		return fmt.Errorf("broker: computing workspace usage: %w", err)
	}

	userSize, err := b.workspaces.SumFileSizesForUser(ctx, userID)
	if err != nil {
		return fmt.Errorf("broker: computing user usage: %w", err)
	}

	if replaced != nil {
		wsSize = max(wsSize-replaced.FileSize, 0)
		userSize = max(userSize-replaced.FileSize, 0)
	}

	return b.limits.Validate(size, wsSize, userSize)
}

// resolveFolder returns the workspace's remote folder, creating the root
// and workspace folders on first use. A new folder id is persisted before
// it is returned.
func (b *Broker) resolveFolder(ctx context.Context, cred *store.Credential, ws *store.Workspace) (string, error) {
	if ws.RemoteFolderID != "" {
		return ws.RemoteFolderID, nil
	}

	var folderID string

	err := b.withRefresh(ctx, cred, func(creds gdrive.Credentials) error {
		rootID, err := b.remote.FindOrCreateFolder(ctx, creds, b.rootFolder, "", rootFolderDescription)
		if err != nil {
			return err
		}

		name := fmt.Sprintf("%s (%s)", ws.Title, ws.ID)

		folderID, err = b.remote.FindOrCreateFolder(ctx, creds, name, rootID, "Workspace: "+ws.Title)

		return err
	})
	if err != nil {
		if isBrokerFailure(err) {
			return "", err
		}

		return "", fmt.Errorf("%w: resolving workspace folder: %w", ErrRemoteUnavailable, err)
	}

	err = b.workspaces.SetRemoteFolder(ctx, ws.ID, folderID)
	if errors.Is(err, store.ErrRemoteFolderAlreadySet) {
		// A concurrent upload stored its folder first; use that one.
		current, getErr := b.workspaces.GetWorkspace(ctx, ws.ID)
		if getErr != nil {
			return "", fmt.Errorf("broker: reloading workspace: %w", getErr)
		}

		ws.RemoteFolderID = current.RemoteFolderID

		return current.RemoteFolderID, nil
	}

	if err != nil {
		return "", fmt.Errorf("broker: persisting workspace folder: %w", err)
	}

	ws.RemoteFolderID = folderID

	b.logger.Info("workspace folder provisioned",
		slog.String("workspace_id", ws.ID),
		slog.String("folder_id", folderID),
	)

	return folderID, nil
}

// send streams the content. Only seekable content is resent after a
// forced refresh.
func (b *Broker) send(
	ctx context.Context, cred *store.Credential, req UploadRequest, folderID string,
) (*gdrive.UploadResult, error) {
	var (
		res      *gdrive.UploadResult
		attempts int
		start    int64
	)

	seeker, seekable := req.Content.(io.Seeker)
	if seekable {
		pos, err := seeker.Seek(0, io.SeekCurrent)
		if err != nil {
			seekable = false
		}

		start = pos
	}

	err := b.withRefresh(ctx, cred, func(creds gdrive.Credentials) error {
		if attempts > 0 {
			if !seekable {
				return errNotReplayable
			}

			if _, err := seeker.Seek(start, io.SeekStart); err != nil {
				return fmt.Errorf("%w: %w", errNotReplayable, err)
			}
		}

		attempts++

		body := &boundedReader{r: req.Content, remaining: req.Size}

		var err error
		res, err = b.remote.Upload(ctx, creds, body, req.Filename, req.MimeType, folderID)

		// The transport may not surface the reader's error as-is.
		if body.exceeded {
			if err == nil {
				b.discardRemote(ctx, creds, res.ID)
			}

			return errContentTooLong
		}

		return err
	})

	return res, err
}

// discardRemote deletes an object that must not be kept. Failures only
// leave an orphan behind, so they are logged.
func (b *Broker) discardRemote(ctx context.Context, creds gdrive.Credentials, remoteID string) {
	if err := b.remote.DeleteFile(ctx, creds, remoteID); err != nil {
		b.logger.Warn("discarding remote object failed",
			slog.String("remote_id", remoteID),
			slog.String("error", err.Error()),
		)
	}
}

var errContentTooLong = errors.New("broker: content longer than declared size")

// boundedReader fails once more than remaining bytes are read.
type boundedReader struct {
	r         io.Reader
	remaining int64
	exceeded  bool
}

func (br *boundedReader) Read(p []byte) (int, error) {
	if br.exceeded {
		return 0, errContentTooLong
	}

	// One byte past the limit is enough to detect overflow.
	if int64(len(p)) > br.remaining+1 {
		p = p[:br.remaining+1]
	}

	n, err := br.r.Read(p)
	if int64(n) > br.remaining {
		br.exceeded = true
		br.remaining = 0

		return 0, errContentTooLong
	}

	br.remaining -= int64(n)

	return n, err
}

// persistUpload records the uploaded object and charges its size to the
// user's cached counter. A replaced row is charged only the difference and
// its previous remote object is deleted best-effort. It returns the file
// row id and the new counter.
func (b *Broker) persistUpload(
	ctx context.Context, req UploadRequest, res *gdrive.UploadResult, size int64, replaced *store.File,
) (string, int64, error) {
	fileID := req.FileID
	delta := size

	if replaced != nil {
		if err := b.workspaces.AttachRemoteFile(ctx, fileID, res.ID, size, res.MimeType); err != nil {
			return "", 0, fmt.Errorf("broker: attaching remote object: %w", err)
		}

		delta -= replaced.FileSize

		if replaced.RemoteFileID != "" && replaced.RemoteFileID != res.ID {
			if err := b.deleteRemoteFile(ctx, req.UserID, replaced.RemoteFileID); err != nil {
				b.logger.Warn("replaced remote object not deleted",
					slog.String("file_id", fileID),
					slog.String("remote_id", replaced.RemoteFileID),
					slog.String("error", err.Error()),
				)
			}
		}
	} else {
		name := res.Name
		if name == "" {
			name = req.Filename
		}

		f := &store.File{
			WorkspaceID:  req.WorkspaceID,
			Filename:     name,
			RemoteFileID: res.ID,
			FileSize:     size,
			MimeType:     res.MimeType,
		}

		if err := b.workspaces.CreateFile(ctx, f); err != nil {
			return "", 0, fmt.Errorf("broker: recording uploaded file: %w", err)
		}

		fileID = f.ID
	}

	used, err := b.creds.AddUsage(ctx, req.UserID, delta)
	if err != nil {
		// The file row is already written, so the upload stands. The next
		// reconcile pass corrects the counter.
		b.logger.Warn("cached storage usage not updated",
			slog.String("user_id", req.UserID),
			slog.String("error", err.Error()),
		)

		used, _ = b.workspaces.SumFileSizesForUser(ctx, req.UserID)
	}

	return fileID, used, nil
}
