package broker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sendany/drivebroker/internal/gdrive"
	"github.com/sendany/drivebroker/internal/oauth"
	"github.com/sendany/drivebroker/internal/quota"
	"github.com/sendany/drivebroker/internal/store"
)

const (
	mib = int64(1) << 20
	mb  = int64(1_000_000)
)

type testLogWriter struct {
	t *testing.T
}

func (w testLogWriter) Write(p []byte) (int, error) {
	w.t.Log(string(p))
	return len(p), nil
}

func testLogger(t *testing.T) *slog.Logger {
	t.Helper()

	return slog.New(slog.NewTextHandler(testLogWriter{t: t}, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

// remoteFolder is one folder held by fakeRemote.
type remoteFolder struct {
	id          string
	name        string
	parent      string
	description string
}

// fakeRemote is an in-memory Drive. Tokens listed in rejected get a 401.
type fakeRemote struct {
	mu sync.Mutex

	folders []remoteFolder
	objects map[string]int64 // remote id -> size
	deleted []string
	seq     int

	rejected map[string]bool
	tokens   []string // access tokens seen, in call order

	calls         int
	folderLookups int
	folderCreates int
	uploads       int

	failUpload       error
	failDeleteFolder map[string]error
	failDeleteFile   error
	folderSizes      map[string]int64

	// onWorkspaceFolder runs after a non-root folder is resolved.
	onWorkspaceFolder func(id string)
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{
		objects:          make(map[string]int64),
		rejected:         make(map[string]bool),
		failDeleteFolder: make(map[string]error),
		folderSizes:      make(map[string]int64),
	}
}

func unauthorizedErr() error {
	return &gdrive.DriveError{StatusCode: 401, Message: "Invalid Credentials", Err: gdrive.ErrUnauthorized}
}

// enter records a call and reports whether the token is accepted.
func (f *fakeRemote) enter(creds gdrive.Credentials) error {
	f.calls++
	f.tokens = append(f.tokens, creds.AccessToken)

	if f.rejected[creds.AccessToken] {
		return unauthorizedErr()
	}

	return nil
}

func (f *fakeRemote) FindOrCreateFolder(
	_ context.Context, creds gdrive.Credentials, name, parentID, description string,
) (string, error) {
	f.mu.Lock()

	if err := f.enter(creds); err != nil {
		f.mu.Unlock()
		return "", err
	}

	f.folderLookups++

	id := ""

	for _, fo := range f.folders {
		if fo.name == name && fo.parent == parentID {
			id = fo.id
			break
		}
	}

	if id == "" {
		f.seq++
		f.folderCreates++
		id = fmt.Sprintf("folder-%d", f.seq)
		f.folders = append(f.folders, remoteFolder{id: id, name: name, parent: parentID, description: description})
	}

	hook := f.onWorkspaceFolder
	f.mu.Unlock()

	if parentID != "" && hook != nil {
		hook(id)
	}

	return id, nil
}

func (f *fakeRemote) Upload(
	_ context.Context, creds gdrive.Credentials, r io.Reader, filename, mimeType, parentID string,
) (*gdrive.UploadResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.enter(creds); err != nil {
		return nil, err
	}

	if f.failUpload != nil {
		return nil, f.failUpload
	}

	n, err := io.Copy(io.Discard, r)
	if err != nil {
		return nil, err
	}

	f.uploads++
	f.seq++
	id := fmt.Sprintf("obj-%d", f.seq)
	f.objects[id] = n

	if mimeType == "" {
		mimeType = "application/octet-stream"
	}

	return &gdrive.UploadResult{
		Item:      gdrive.Item{ID: id, Name: filename, MimeType: mimeType, Size: n},
		PublicURL: gdrive.PublicURL(id, mimeType),
		Shared:    true,
	}, nil
}

func (f *fakeRemote) DeleteFile(_ context.Context, creds gdrive.Credentials, fileID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.enter(creds); err != nil {
		return err
	}

	if f.failDeleteFile != nil {
		return f.failDeleteFile
	}

	delete(f.objects, fileID)
	f.deleted = append(f.deleted, fileID)

	return nil
}

func (f *fakeRemote) DeleteFolder(_ context.Context, creds gdrive.Credentials, folderID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.enter(creds); err != nil {
		return err
	}

	if err := f.failDeleteFolder[folderID]; err != nil {
		return err
	}

	f.deleted = append(f.deleted, folderID)

	return nil
}

func (f *fakeRemote) FolderSize(_ context.Context, creds gdrive.Credentials, folderID string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.enter(creds); err != nil {
		return 0, err
	}

	return f.folderSizes[folderID], nil
}

func (f *fakeRemote) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.calls
}

func (f *fakeRemote) folder(id string) *remoteFolder {
	f.mu.Lock()
	defer f.mu.Unlock()

	for i := range f.folders {
		if f.folders[i].id == id {
			return &f.folders[i]
		}
	}

	return nil
}

// fakeOAuth issues access tokens "fresh-1", "fresh-2", ... and keeps the
// refresh token it was given.
type fakeOAuth struct {
	mu       sync.Mutex
	now      func() time.Time
	err      error
	refreshs int
	grant    *oauth.Grant // returned by Exchange
}

func (o *fakeOAuth) Refresh(_ context.Context, refreshToken string) (*oauth.Grant, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.refreshs++

	if o.err != nil {
		return nil, o.err
	}

	return &oauth.Grant{
		AccessToken:  fmt.Sprintf("fresh-%d", o.refreshs),
		RefreshToken: refreshToken,
		ExpiresAt:    o.now().Add(time.Hour),
		Scope:        "drive.file",
	}, nil
}

func (o *fakeOAuth) Exchange(_ context.Context, code string) (*oauth.Grant, error) {
	if code != "good-code" {
		return nil, errors.Join(oauth.ErrExchangeFailed, errors.New("invalid_grant"))
	}

	return o.grant, nil
}

func (o *fakeOAuth) refreshCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()

	return o.refreshs
}

// harness wires a Broker to a temp-dir SQLite store and the fakes.
type harness struct {
	t      *testing.T
	ctx    context.Context
	now    time.Time
	store  *store.Store
	remote *fakeRemote
	oauth  *fakeOAuth
	broker *Broker
}

var testLimits = quota.Limits{
	MaxFileSize:      1000 * mb,
	MaxWorkspaceSize: 500 * mb,
	MaxUserStorage:   5000 * mb,
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	ctx := context.Background()
	now := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

	s, err := store.Open(ctx, store.DriverSQLite, filepath.Join(t.TempDir(), "broker.db"), testLogger(t))
	require.NoError(t, err)

	t.Cleanup(func() { _ = s.Close() })

	remote := newFakeRemote()
	oa := &fakeOAuth{now: func() time.Time { return now }}

	b := New(Config{
		Credentials: s,
		Workspaces:  s,
		Refresher:   oa,
		Exchanger:   oa,
		Remote:      remote,
		Limits:      testLimits,
		Available:   true,
		Logger:      testLogger(t),
	})
	b.nowFunc = func() time.Time { return now }

	return &harness{t: t, ctx: ctx, now: now, store: s, remote: remote, oauth: oa, broker: b}
}

// link stores a credential for userID whose access token expires at
// expiresAt.
func (h *harness) link(userID string, expiresAt time.Time) {
	h.t.Helper()

	require.NoError(h.t, h.store.UpsertCredential(h.ctx, &store.Credential{
		UserID:       userID,
		AccessToken:  "access-" + userID,
		RefreshToken: "refresh-" + userID,
		ExpiresAt:    expiresAt,
		Scope:        "drive.file",
		DriveEmail:   userID + "@example.com",
	}))
}

func (h *harness) workspace(userID, title string, expiresAt time.Time) *store.Workspace {
	h.t.Helper()

	w := &store.Workspace{Title: title, UserID: userID, ExpiresAt: expiresAt}
	require.NoError(h.t, h.store.CreateWorkspace(h.ctx, w))

	return w
}

func (h *harness) usage(userID string) int64 {
	h.t.Helper()

	c, err := h.store.GetCredential(h.ctx, userID)
	require.NoError(h.t, err)

	return c.TotalStorageUsed
}
