package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sendany/drivebroker/internal/broker"
	"github.com/sendany/drivebroker/internal/quota"
	"github.com/sendany/drivebroker/internal/store"
)

const (
	testSecret  = "0123456789abcdef0123456789abcdef"
	testIssuer  = "drivebroker-test"
	testAppURL  = "https://app.example.com"
	testCleanup = "cleanup-key"
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

// fakeBroker records calls and returns canned results.
type fakeBroker struct {
	mu sync.Mutex

	uploads  []broker.UploadRequest
	bodies   [][]byte
	removes  [][3]string
	connects [][2]string
	statuses []string

	uploadErr  error
	removeErr  error
	connectErr error
	status     *broker.Status
	removal    *broker.Removal
}

func (f *fakeBroker) Upload(_ context.Context, req broker.UploadRequest) (*broker.UploadResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	body, err := io.ReadAll(req.Content)
	if err != nil {
		return nil, err
	}

	f.uploads = append(f.uploads, req)
	f.bodies = append(f.bodies, body)

	if f.uploadErr != nil {
		return nil, f.uploadErr
	}

	return &broker.UploadResult{
		FileID:       "file-1",
		RemoteID:     "obj-1",
		Name:         req.Filename,
		Size:         int64(len(body)),
		MimeType:     req.MimeType,
		PublicURL:    "https://drive.google.com/uc?export=download&id=obj-1",
		WebViewLink:  "https://drive.google.com/file/d/obj-1/view",
		Shared:       true,
		StorageUsed:  int64(len(body)),
		StorageLimit: 5 << 30,
	}, nil
}

func (f *fakeBroker) Status(_ context.Context, userID string) (*broker.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.statuses = append(f.statuses, userID)

	if f.status != nil {
		return f.status, nil
	}

	return &broker.Status{Available: true, Reason: broker.StatusUnauthenticated, Limit: 100}, nil
}

func (f *fakeBroker) RemoveFile(_ context.Context, userID, workspaceID, fileID string) (*broker.Removal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.removes = append(f.removes, [3]string{userID, workspaceID, fileID})

	if f.removeErr != nil {
		return nil, f.removeErr
	}

	if f.removal != nil {
		return f.removal, nil
	}

	return &broker.Removal{FileID: fileID, RemoteDeleted: true, Freed: 10}, nil
}

func (f *fakeBroker) Connect(_ context.Context, userID, code string) (*store.Credential, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.connects = append(f.connects, [2]string{userID, code})

	if f.connectErr != nil {
		return nil, f.connectErr
	}

	return &store.Credential{UserID: userID}, nil
}

type fakeSweeper struct {
	report  *broker.SweepReport
	expired []store.Workspace
	err     error
	sweeps  int
}

func (f *fakeSweeper) Sweep(context.Context) (*broker.SweepReport, error) {
	f.sweeps++
	return f.report, f.err
}

func (f *fakeSweeper) Preview(context.Context) ([]store.Workspace, error) {
	return f.expired, f.err
}

type fakeConsent struct{}

func (fakeConsent) AuthCodeURL(state string) string {
	return "https://accounts.example.com/o/oauth2/auth?state=" + url.QueryEscape(state)
}

type fakePinger struct {
	err error
}

func (p fakePinger) Ping(context.Context) error { return p.err }

type testServer struct {
	t       *testing.T
	auth    *Auth
	broker  *fakeBroker
	sweeper *fakeSweeper
	handler http.Handler
}

func newTestServer(t *testing.T, mutate func(*Config)) *testServer {
	t.Helper()

	ts := &testServer{
		t:      t,
		auth:   NewAuth(testSecret, testIssuer, 10*time.Minute),
		broker: &fakeBroker{},
		sweeper: &fakeSweeper{report: &broker.SweepReport{
			CleanedCount: 2,
			TotalExpired: 2,
			Errors: []broker.WorkspaceError{
				{WorkspaceID: "w1", Stage: broker.StageRemote, Err: errors.New("HTTP 503")},
			},
		}},
	}

	cfg := Config{
		Broker:        ts.broker,
		Sweeper:       ts.sweeper,
		Consent:       fakeConsent{},
		Auth:          ts.auth,
		Health:        fakePinger{},
		AppURL:        testAppURL,
		CleanupSecret: testCleanup,
		MaxUploadSize: 1 << 20,
	}

	if mutate != nil {
		mutate(&cfg)
	}

	ts.handler = New(cfg, testLogger(t)).Handler()

	return ts
}

func (ts *testServer) token(userID string) string {
	ts.t.Helper()

	tok, err := ts.auth.IssueToken(userID, time.Hour)
	require.NoError(ts.t, err)

	return tok
}

func (ts *testServer) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)

	return rec
}

func multipartUpload(t *testing.T, fields map[string]string, filename, mimeType string, content []byte) (*bytes.Buffer, string) {
	t.Helper()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}

	if content != nil {
		h := textproto.MIMEHeader{}
		h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, filename))

		if mimeType != "" {
			h.Set("Content-Type", mimeType)
		}

		part, err := mw.CreatePart(h)
		require.NoError(t, err)

		_, err = part.Write(content)
		require.NoError(t, err)
	}

	require.NoError(t, mw.Close())

	return &buf, mw.FormDataContentType()
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()

	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())

	return v
}

func TestUpload_Success(t *testing.T) {
	ts := newTestServer(t, nil)

	body, ct := multipartUpload(t, map[string]string{"workspaceId": "w1", "fileId": "f9"}, "cat.png", "image/png", []byte("meow"))
	req := httptest.NewRequest(http.MethodPost, "/api/upload", body)
	req.Header.Set("Content-Type", ct)
	req.Header.Set("Authorization", "Bearer "+ts.token("u1"))

	rec := ts.do(req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	resp := decode[uploadResponse](t, rec)
	assert.True(t, resp.Success)
	assert.Equal(t, "obj-1", resp.DriveFile.ID)
	assert.Equal(t, "file-1", resp.DriveFile.FileID)
	assert.Equal(t, int64(4), resp.DriveFile.Size)
	assert.Equal(t, int64(4), resp.Storage.Used)

	require.Len(t, ts.broker.uploads, 1)
	got := ts.broker.uploads[0]
	assert.Equal(t, "u1", got.UserID)
	assert.Equal(t, "w1", got.WorkspaceID)
	assert.Equal(t, "f9", got.FileID)
	assert.Equal(t, "cat.png", got.Filename)
	assert.Equal(t, "image/png", got.MimeType)
	assert.Equal(t, int64(4), got.Size)
	assert.Equal(t, []byte("meow"), ts.broker.bodies[0])
}

func TestUpload_RequiresIdentity(t *testing.T) {
	ts := newTestServer(t, nil)

	body, ct := multipartUpload(t, map[string]string{"workspaceId": "w1"}, "a.txt", "", []byte("x"))

	for name, header := range map[string]string{
		"missing":  "",
		"garbage":  "Bearer not-a-jwt",
		"wrong":    "Basic dXNlcjpwYXNz",
		"stateJWT": "",
	} {
		t.Run(name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/api/upload", bytes.NewReader(body.Bytes()))
			req.Header.Set("Content-Type", ct)

			if name == "stateJWT" {
				state, err := ts.auth.IssueState("u1")
				require.NoError(t, err)

				header = "Bearer " + state
			}

			if header != "" {
				req.Header.Set("Authorization", header)
			}

			rec := ts.do(req)
			assert.Equal(t, http.StatusUnauthorized, rec.Code)
			assert.Equal(t, "unauthenticated", decode[errorBody](t, rec).Error)
		})
	}

	assert.Empty(t, ts.broker.uploads)
}

func TestUpload_SessionCookieIdentifies(t *testing.T) {
	ts := newTestServer(t, nil)

	body, ct := multipartUpload(t, map[string]string{"workspaceId": "w1"}, "a.txt", "", []byte("x"))
	req := httptest.NewRequest(http.MethodPost, "/api/upload", body)
	req.Header.Set("Content-Type", ct)
	req.AddCookie(&http.Cookie{Name: SessionCookie, Value: ts.token("u7")})

	rec := ts.do(req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "u7", ts.broker.uploads[0].UserID)
	assert.Equal(t, defaultContentType, ts.broker.uploads[0].MimeType)
}

func TestUpload_BadForms(t *testing.T) {
	ts := newTestServer(t, nil)
	tok := ts.token("u1")

	noWorkspace, ct1 := multipartUpload(t, nil, "a.txt", "", []byte("x"))
	noFile, ct2 := multipartUpload(t, map[string]string{"workspaceId": "w1"}, "", "", nil)
	tooBig, ct3 := multipartUpload(t, map[string]string{"workspaceId": "w1"}, "big.bin", "", make([]byte, 3<<20))

	tests := []struct {
		name   string
		body   io.Reader
		ct     string
		status int
		reason string
	}{
		{"no workspace", noWorkspace, ct1, http.StatusBadRequest, "bad_request"},
		{"no file", noFile, ct2, http.StatusBadRequest, "bad_request"},
		{"not multipart", bytes.NewBufferString("{}"), "application/json", http.StatusBadRequest, "bad_request"},
		{"over ceiling", tooBig, ct3, http.StatusRequestEntityTooLarge, "quota_exceeded:file"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/api/upload", tt.body)
			req.Header.Set("Content-Type", tt.ct)
			req.Header.Set("Authorization", "Bearer "+tok)

			rec := ts.do(req)
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
			assert.Equal(t, tt.reason, decode[errorBody](t, rec).Error)
		})
	}

	assert.Empty(t, ts.broker.uploads)
}

func TestUpload_ErrorMapping(t *testing.T) {
	tests := []struct {
		err    error
		status int
		reason string
	}{
		{broker.ErrNotConnected, http.StatusBadRequest, "not_connected"},
		{fmt.Errorf("%w: revoked", broker.ErrReconnectRequired), http.StatusUnauthorized, "reconnect_required"},
		{&quota.ExceededError{Scope: quota.ScopeWorkspace, Limit: 5, Requested: 6}, http.StatusRequestEntityTooLarge, "quota_exceeded:workspace"},
		{fmt.Errorf("%w: boom", broker.ErrUploadFailed), http.StatusBadGateway, "upload_failed"},
		{broker.ErrRemoteUnavailable, http.StatusServiceUnavailable, "remote_unavailable"},
		{broker.ErrWorkspaceNotFound, http.StatusNotFound, "workspace_not_found"},
		{broker.ErrForbidden, http.StatusForbidden, "forbidden"},
		{errors.New("database is locked"), http.StatusInternalServerError, "internal_error"},
	}

	for _, tt := range tests {
		t.Run(tt.reason, func(t *testing.T) {
			ts := newTestServer(t, nil)
			ts.broker.uploadErr = tt.err

			body, ct := multipartUpload(t, map[string]string{"workspaceId": "w1"}, "a.txt", "", []byte("x"))
			req := httptest.NewRequest(http.MethodPost, "/api/upload", body)
			req.Header.Set("Content-Type", ct)
			req.Header.Set("Authorization", "Bearer "+ts.token("u1"))

			rec := ts.do(req)
			assert.Equal(t, tt.status, rec.Code)

			resp := decode[errorBody](t, rec)
			assert.Equal(t, tt.reason, resp.Error)
			assert.NotEmpty(t, resp.Message)
			assert.NotContains(t, resp.Message, "database is locked")
		})
	}
}

func TestDriveStatus_AnonymousAndSignedIn(t *testing.T) {
	ts := newTestServer(t, nil)

	rec := ts.do(httptest.NewRequest(http.MethodGet, "/api/drive-status", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	resp := decode[statusResponse](t, rec)
	assert.True(t, resp.Available)
	assert.False(t, resp.Connected)
	assert.Equal(t, broker.StatusUnauthenticated, resp.Reason)
	require.NotNil(t, resp.Storage.Percentage)

	ts.broker.status = &broker.Status{
		Available: true, Connected: true, DriveEmail: "me@example.com",
		Used: 50, Limit: 200, Percentage: 25,
		Limits: quota.Limits{MaxFileSize: 10, MaxWorkspaceSize: 100, MaxUserStorage: 200},
	}

	req := httptest.NewRequest(http.MethodGet, "/api/drive-status", nil)
	req.Header.Set("Authorization", "Bearer "+ts.token("u1"))

	rec = ts.do(req)
	resp = decode[statusResponse](t, rec)
	assert.True(t, resp.Connected)
	assert.Equal(t, "me@example.com", resp.DriveEmail)
	assert.Equal(t, 25, *resp.Storage.Percentage)
	assert.Equal(t, int64(100), resp.Limits.MaxWorkspaceSize)
	assert.Equal(t, []string{"", "u1"}, ts.broker.statuses)

	// The upload-info variant needs a user.
	rec = ts.do(httptest.NewRequest(http.MethodGet, "/api/upload", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestCleanup(t *testing.T) {
	ts := newTestServer(t, nil)

	rec := ts.do(httptest.NewRequest(http.MethodPost, "/api/cleanup", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/api/cleanup", nil)
	req.Header.Set(apiKeyHeader, "wrong")
	assert.Equal(t, http.StatusUnauthorized, ts.do(req).Code)
	assert.Zero(t, ts.sweeper.sweeps)

	req = httptest.NewRequest(http.MethodPost, "/api/cleanup", nil)
	req.Header.Set(apiKeyHeader, testCleanup)

	rec = ts.do(req)
	require.Equal(t, http.StatusOK, rec.Code)

	resp := decode[cleanupResponse](t, rec)
	assert.True(t, resp.Success)
	assert.Equal(t, 2, resp.CleanedCount)
	assert.Equal(t, 2, resp.TotalExpired)
	require.Len(t, resp.Errors, 1)
	assert.Contains(t, resp.Errors[0], "w1")
	assert.Equal(t, "Cleanup completed. 2 workspace(s) cleaned up.", resp.Message)
}

func TestCleanupPreview(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.sweeper.expired = []store.Workspace{
		{ID: "w1", Title: "Old", UserID: "u1", ExpiresAt: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), RemoteFolderID: "f1"},
	}

	req := httptest.NewRequest(http.MethodGet, "/api/cleanup", nil)
	req.Header.Set(apiKeyHeader, testCleanup)

	rec := ts.do(req)
	require.Equal(t, http.StatusOK, rec.Code)

	resp := decode[previewResponse](t, rec)
	assert.Equal(t, 1, resp.Count)
	assert.Equal(t, "f1", resp.Workspaces[0].RemoteFolderID)
	assert.Zero(t, ts.sweeper.sweeps)
}

func TestCleanup_DisabledWithoutSecret(t *testing.T) {
	ts := newTestServer(t, func(c *Config) { c.CleanupSecret = "" })

	req := httptest.NewRequest(http.MethodPost, "/api/cleanup", nil)
	req.Header.Set(apiKeyHeader, "")

	assert.Equal(t, http.StatusNotFound, ts.do(req).Code)
	assert.Zero(t, ts.sweeper.sweeps)
}

func TestAuthStart_RedirectsWithVerifiableState(t *testing.T) {
	ts := newTestServer(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/auth/google", nil)
	req.Header.Set("Authorization", "Bearer "+ts.token("u1"))

	rec := ts.do(req)
	require.Equal(t, http.StatusFound, rec.Code)

	loc, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "accounts.example.com", loc.Host)

	uid, err := ts.auth.VerifyState(loc.Query().Get("state"))
	require.NoError(t, err)
	assert.Equal(t, "u1", uid)
}

func TestAuthStart_NotConfigured(t *testing.T) {
	ts := newTestServer(t, func(c *Config) { c.Consent = nil })

	req := httptest.NewRequest(http.MethodGet, "/api/auth/google", nil)
	req.Header.Set("Authorization", "Bearer "+ts.token("u1"))

	rec := ts.do(req)
	require.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, testAppURL+"/dashboard?error=google_drive_not_configured", rec.Header().Get("Location"))
}

func TestAuthCallback(t *testing.T) {
	ts := newTestServer(t, nil)

	state, err := ts.auth.IssueState("u1")
	require.NoError(t, err)

	bearer := ts.token("u1")

	tests := []struct {
		name       string
		query      url.Values
		connectErr error
		want       string
		connected  bool
	}{
		{"provider error", url.Values{"error": {"access_denied"}}, nil, "error=google_auth_failed", false},
		{"missing code", url.Values{"state": {state}}, nil, "error=missing_auth_code", false},
		{"missing state", url.Values{"code": {"c"}}, nil, "error=invalid_state", false},
		{"bearer as state", url.Values{"code": {"c"}, "state": {bearer}}, nil, "error=invalid_state", false},
		{"exchange fails", url.Values{"code": {"c"}, "state": {state}}, errors.New("invalid_grant"), "error=google_auth_processing_failed", true},
		{"success", url.Values{"code": {"c"}, "state": {state}}, nil, "success=google_drive_connected", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts.broker.connects = nil
			ts.broker.connectErr = tt.connectErr

			rec := ts.do(httptest.NewRequest(http.MethodGet, "/api/auth/google/callback?"+tt.query.Encode(), nil))
			require.Equal(t, http.StatusFound, rec.Code)
			assert.Equal(t, testAppURL+"/dashboard?"+tt.want, rec.Header().Get("Location"))

			if tt.connected {
				assert.Equal(t, [][2]string{{"u1", "c"}}, ts.broker.connects)
			} else {
				assert.Empty(t, ts.broker.connects)
			}
		})
	}
}

func TestRemoveFile(t *testing.T) {
	ts := newTestServer(t, nil)

	req := httptest.NewRequest(http.MethodDelete, "/api/workspaces/w1/files/f1", nil)
	req.Header.Set("Authorization", "Bearer "+ts.token("u1"))

	rec := ts.do(req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, [][3]string{{"u1", "w1", "f1"}}, ts.broker.removes)

	resp := decode[removeResponse](t, rec)
	assert.True(t, resp.RemoteDeleted)
	assert.Equal(t, int64(10), resp.Freed)
	assert.Empty(t, resp.Warning)

	ts.broker.removal = &broker.Removal{FileID: "f1", RemoteErr: errors.New("HTTP 500")}
	rec = ts.do(req.Clone(context.Background()))
	assert.NotEmpty(t, decode[removeResponse](t, rec).Warning)

	ts.broker.removeErr = broker.ErrFileNotFound
	rec = ts.do(req.Clone(context.Background()))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t, nil)
	assert.Equal(t, http.StatusOK, ts.do(httptest.NewRequest(http.MethodGet, "/healthz", nil)).Code)

	ts = newTestServer(t, func(c *Config) { c.Health = fakePinger{err: errors.New("down")} })
	assert.Equal(t, http.StatusServiceUnavailable, ts.do(httptest.NewRequest(http.MethodGet, "/healthz", nil)).Code)
}
