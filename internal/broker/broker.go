// Package broker coordinates a user's linked Google Drive account with
// workspace metadata: credential freshness, lazy folder provisioning,
// quota-checked uploads, file removal, expiry sweeps and usage
// reconciliation. It depends only on the small interfaces below; the
// concrete store, OAuth provider and Drive client are wired in by the
// caller.
package broker

import (
	"context"
	"io"
	"log/slog"
	"time"

	"github.com/sendany/drivebroker/internal/gdrive"
	"github.com/sendany/drivebroker/internal/oauth"
	"github.com/sendany/drivebroker/internal/quota"
	"github.com/sendany/drivebroker/internal/store"
)

// Folder naming for the two-level hierarchy.
const (
	DefaultRootFolderName = "SendAny"
	rootFolderDescription = "Files uploaded to SendAny application"
)

// CredentialStore persists one credential record per user.
type CredentialStore interface {
	GetCredential(ctx context.Context, userID string) (*store.Credential, error)
	UpsertCredential(ctx context.Context, c *store.Credential) error
	SetUsage(ctx context.Context, userID string, bytes int64) error
	AddUsage(ctx context.Context, userID string, delta int64) (int64, error)
	ListCredentialUsers(ctx context.Context) ([]string, error)
}

// WorkspaceStore is the slice of workspace metadata the broker reads and
// writes.
type WorkspaceStore interface {
	GetWorkspace(ctx context.Context, id string) (*store.Workspace, error)
	SetRemoteFolder(ctx context.Context, workspaceID, folderID string) error
	ListExpiredWorkspaces(ctx context.Context, now time.Time) ([]store.Workspace, error)
	DeleteWorkspaceCascade(ctx context.Context, id string) error
	SumFileSizes(ctx context.Context, workspaceID string) (int64, error)
	SumFileSizesForUser(ctx context.Context, userID string) (int64, error)
	CreateFile(ctx context.Context, f *store.File) error
	GetFile(ctx context.Context, id string) (*store.File, error)
	AttachRemoteFile(ctx context.Context, fileID, remoteID string, size int64, mimeType string) error
	DeleteFile(ctx context.Context, id string) error
}

// Refresher trades a refresh token for a new access token.
type Refresher interface {
	Refresh(ctx context.Context, refreshToken string) (*oauth.Grant, error)
}

// Exchanger trades an authorization code for a grant.
type Exchanger interface {
	Exchange(ctx context.Context, code string) (*oauth.Grant, error)
}

// Remote is the Drive surface the broker uses. Every call carries the
// credentials explicitly.
type Remote interface {
	FindOrCreateFolder(ctx context.Context, creds gdrive.Credentials, name, parentID, description string) (string, error)
	Upload(ctx context.Context, creds gdrive.Credentials, r io.Reader, filename, mimeType, parentID string) (*gdrive.UploadResult, error)
	DeleteFile(ctx context.Context, creds gdrive.Credentials, fileID string) error
	DeleteFolder(ctx context.Context, creds gdrive.Credentials, folderID string) error
	FolderSize(ctx context.Context, creds gdrive.Credentials, folderID string) (int64, error)
}

// Config wires a Broker. Available reports whether the OAuth client is
// configured at all; it only affects Status.
type Config struct {
	Credentials    CredentialStore
	Workspaces     WorkspaceStore
	Refresher      Refresher
	Exchanger      Exchanger
	Remote         Remote
	Limits         quota.Limits
	RootFolderName string
	Available      bool
	Logger         *slog.Logger
}

// Broker runs the storage operations for authenticated users. It holds no
// per-user state and is safe for concurrent use.
type Broker struct {
	creds      CredentialStore
	workspaces WorkspaceStore
	refresher  Refresher
	exchanger  Exchanger
	remote     Remote
	limits     quota.Limits
	rootFolder string
	available  bool
	logger     *slog.Logger
	nowFunc    func() time.Time // injectable for deterministic tests
}

// New creates a Broker from cfg.
func New(cfg Config) *Broker {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	root := cfg.RootFolderName
	if root == "" {
		root = DefaultRootFolderName
	}

	return &Broker{
		creds:      cfg.Credentials,
		workspaces: cfg.Workspaces,
		refresher:  cfg.Refresher,
		exchanger:  cfg.Exchanger,
		remote:     cfg.Remote,
		limits:     cfg.Limits,
		rootFolder: root,
		available:  cfg.Available,
		logger:     logger,
		nowFunc:    time.Now,
	}
}

// Limits returns the configured ceilings.
func (b *Broker) Limits() quota.Limits {
	return b.limits
}
