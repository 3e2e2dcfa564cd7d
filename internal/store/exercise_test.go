package store

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// The exercise* helpers run against any engine so the SQLite and
// PostgreSQL tests check identical behavior.

func exerciseCredentials(t *testing.T, s *Store) {
	t.Helper()

	ctx := context.Background()

	_, err := s.GetCredential(ctx, "nobody")
	require.ErrorIs(t, err, ErrNotFound)

	expires := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, s.UpsertCredential(ctx, &Credential{
		UserID: "u1", AccessToken: "a1", RefreshToken: "r1",
		ExpiresAt: expires, Scope: "drive.file userinfo.email",
	}))

	c, err := s.GetCredential(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "a1", c.AccessToken)
	assert.Equal(t, "r1", c.RefreshToken)
	assert.True(t, expires.Equal(c.ExpiresAt))
	assert.Empty(t, c.DriveEmail)
	assert.Zero(t, c.TotalStorageUsed)

	total, err := s.AddUsage(ctx, "u1", 1500)
	require.NoError(t, err)
	assert.Equal(t, int64(1500), total)

	require.NoError(t, s.SetUsage(ctx, "u1", 900))

	c, err = s.GetCredential(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(900), c.TotalStorageUsed)

	_, err = s.AddUsage(ctx, "nobody", 1)
	require.ErrorIs(t, err, ErrNotFound)
	require.ErrorIs(t, s.SetUsage(ctx, "nobody", 1), ErrNotFound)

	require.NoError(t, s.UpsertCredential(ctx, &Credential{UserID: "u0", AccessToken: "a", RefreshToken: "r", Scope: "s"}))

	users, err := s.ListCredentialUsers(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"u0", "u1"}, users)

	require.NoError(t, s.DeleteCredential(ctx, "u0"))
	require.ErrorIs(t, s.DeleteCredential(ctx, "u0"), ErrNotFound)
}

func exerciseWorkspaces(t *testing.T, s *Store) {
	t.Helper()

	ctx := context.Background()
	now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

	expired := &Workspace{Title: "Old", UserID: "u1", ExpiresAt: now.Add(-time.Hour)}
	boundary := &Workspace{Title: "Boundary", UserID: "u1", ExpiresAt: now}
	fresh := &Workspace{Title: "Fresh", UserID: "u1", ExpiresAt: now.Add(time.Hour)}
	forever := &Workspace{Title: "Forever", UserID: "u2"}
	anon := &Workspace{Title: "Anon", ExpiresAt: now.Add(-2 * time.Hour)}

	for _, w := range []*Workspace{expired, boundary, fresh, forever, anon} {
		require.NoError(t, s.CreateWorkspace(ctx, w))
	}

	got, err := s.GetWorkspace(ctx, expired.ID)
	require.NoError(t, err)
	assert.Equal(t, "Old", got.Title)
	assert.Equal(t, "u1", got.UserID)
	assert.Empty(t, got.RemoteFolderID)
	assert.True(t, expired.ExpiresAt.Equal(got.ExpiresAt))

	_, err = s.GetWorkspace(ctx, "missing")
	require.ErrorIs(t, err, ErrNotFound)

	list, err := s.ListExpiredWorkspaces(ctx, now)
	require.NoError(t, err)

	ids := make([]string, 0, len(list))
	for _, w := range list {
		ids = append(ids, w.ID)
	}

	assert.Equal(t, []string{anon.ID, expired.ID}, ids, "strictly before now, oldest first")

	// Remote folder is write-once.
	require.NoError(t, s.SetRemoteFolder(ctx, fresh.ID, "folder-A"))
	require.NoError(t, s.SetRemoteFolder(ctx, fresh.ID, "folder-A"))
	require.ErrorIs(t, s.SetRemoteFolder(ctx, fresh.ID, "folder-B"), ErrRemoteFolderAlreadySet)
	require.ErrorIs(t, s.SetRemoteFolder(ctx, "missing", "folder-A"), ErrNotFound)

	got, err = s.GetWorkspace(ctx, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, "folder-A", got.RemoteFolderID)

	// Derived usage sums.
	for i, size := range []int64{100, 250} {
		require.NoError(t, s.CreateFile(ctx, &File{
			WorkspaceID: fresh.ID, Filename: fmt.Sprintf("f%d", i), RemoteFileID: fmt.Sprintf("r%d", i), FileSize: size,
		}))
	}

	require.NoError(t, s.CreateFile(ctx, &File{WorkspaceID: expired.ID, Filename: "x", RemoteFileID: "rx", FileSize: 50}))
	require.NoError(t, s.CreateFile(ctx, &File{WorkspaceID: forever.ID, Filename: "y", RemoteFileID: "ry", FileSize: 7}))

	inline := "text only"
	require.NoError(t, s.CreateFile(ctx, &File{WorkspaceID: fresh.ID, Filename: "note", Content: &inline}))

	ws, err := s.SumFileSizes(ctx, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(350), ws)

	empty, err := s.SumFileSizes(ctx, boundary.ID)
	require.NoError(t, err)
	assert.Zero(t, empty)

	us, err := s.SumFileSizesForUser(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(400), us)

	none, err := s.SumFileSizesForUser(ctx, "nobody")
	require.NoError(t, err)
	assert.Zero(t, none)

	require.NoError(t, s.DeleteWorkspaceCascade(ctx, expired.ID))

	us, err = s.SumFileSizesForUser(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(350), us)
}

func exerciseConcurrentAddUsage(t *testing.T, s *Store) {
	t.Helper()

	ctx := context.Background()
	require.NoError(t, s.UpsertCredential(ctx, &Credential{UserID: "busy", AccessToken: "a", RefreshToken: "r", Scope: "s"}))

	const (
		workers   = 8
		perWorker = 25
	)

	var wg sync.WaitGroup

	for range workers {
		wg.Add(1)

		go func() {
			defer wg.Done()

			for range perWorker {
				_, err := s.AddUsage(ctx, "busy", 10)
				assert.NoError(t, err)
			}
		}()
	}

	wg.Wait()

	c, err := s.GetCredential(ctx, "busy")
	require.NoError(t, err)
	assert.Equal(t, int64(workers*perWorker*10), c.TotalStorageUsed, "no increment is lost")
}
