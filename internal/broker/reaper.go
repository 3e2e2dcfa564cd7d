package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/sendany/drivebroker/internal/gdrive"
	"github.com/sendany/drivebroker/internal/store"
)

// DefaultReaperConcurrency bounds how many workspaces a sweep cleans at
// once.
const DefaultReaperConcurrency = 4

// Sweep stages a workspace error can come from.
const (
	StageCredentials = "credentials"
	StageRemote      = "remote"
	StageMetadata    = "metadata"
)

// WorkspaceError is a non-fatal failure while reaping one workspace.
type WorkspaceError struct {
	WorkspaceID string
	Stage       string
	Err         error
}

func (e *WorkspaceError) Error() string {
	return fmt.Sprintf("workspace %s: %s cleanup: %v", e.WorkspaceID, e.Stage, e.Err)
}

func (e *WorkspaceError) Unwrap() error {
	return e.Err
}

// SweepReport summarises one sweep. CleanedCount counts workspaces whose
// metadata was removed, whether or not their remote folder was.
type SweepReport struct {
	StartedAt    time.Time
	CleanedCount int
	TotalExpired int
	Errors       []WorkspaceError
}

// Reaper deletes expired workspaces: their remote folder first
// (best-effort), then their metadata (always).
//
// A workspace whose remote folder could not be deleted still loses its
// metadata, and with it the folder id, so the folder is orphaned.
type Reaper struct {
	broker      *Broker
	concurrency int
	logger      *slog.Logger
}

// NewReaper creates a Reaper that cleans up to concurrency workspaces at
// a time.
func NewReaper(b *Broker, concurrency int, logger *slog.Logger) *Reaper {
	if logger == nil {
		logger = slog.Default()
	}

	if concurrency < 1 {
		concurrency = DefaultReaperConcurrency
	}

	return &Reaper{broker: b, concurrency: concurrency, logger: logger}
}

// Preview lists the workspaces the next sweep would remove.
func (r *Reaper) Preview(ctx context.Context) ([]store.Workspace, error) {
	expired, err := r.broker.workspaces.ListExpiredWorkspaces(ctx, r.broker.nowFunc())
	if err != nil {
		return nil, fmt.Errorf("broker: listing expired workspaces: %w", err)
	}

	return expired, nil
}

// Sweep removes every workspace that had expired when the sweep started.
// Workspaces are processed independently; a failure in one is recorded
// in the report and never stops the others. The returned error is non-nil
// only when the expired set could not be listed.
func (r *Reaper) Sweep(ctx context.Context) (*SweepReport, error) {
	start := r.broker.nowFunc()

	expired, err := r.broker.workspaces.ListExpiredWorkspaces(ctx, start)
	if err != nil {
		return nil, fmt.Errorf("broker: listing expired workspaces: %w", err)
	}

	report := &SweepReport{StartedAt: start, TotalExpired: len(expired)}
	if len(expired) == 0 {
		r.logger.Debug("reaper: nothing expired")
		return report, nil
	}

	r.logger.Info("reaper: sweep started", slog.Int("expired", len(expired)))

	// Each worker writes only its own slot; the report keeps listing order.
	type outcome struct {
		cleaned bool
		errs    []WorkspaceError
	}

	outcomes := make([]outcome, len(expired))

	var g errgroup.Group
	g.SetLimit(r.concurrency)

	for i := range expired {
		ws := &expired[i]
		g.Go(func() error {
			cleaned, errs := r.reap(ctx, ws)
			outcomes[i] = outcome{cleaned: cleaned, errs: errs}

			return nil // failures are isolated per workspace
		})
	}

	_ = g.Wait()

	for _, o := range outcomes {
		if o.cleaned {
			report.CleanedCount++
		}

		report.Errors = append(report.Errors, o.errs...)
	}

	r.logger.Info("reaper: sweep finished",
		slog.Int("cleaned", report.CleanedCount),
		slog.Int("expired", report.TotalExpired),
		slog.Int("errors", len(report.Errors)),
		slog.Duration("elapsed", r.broker.nowFunc().Sub(start)),
	)

	return report, nil
}

// reap cleans one workspace and reports whether its metadata is gone.
func (r *Reaper) reap(ctx context.Context, ws *store.Workspace) (bool, []WorkspaceError) {
	logger := r.logger.With(slog.String("workspace_id", ws.ID))

	var errs []WorkspaceError

	if ws.UserID != "" && ws.RemoteFolderID != "" {
		stage, err := r.deleteRemoteFolder(ctx, ws)
		if err != nil {
			logger.Warn("reaper: remote cleanup skipped or failed",
				slog.String("stage", stage),
				slog.String("folder_id", ws.RemoteFolderID),
				slog.String("error", err.Error()),
			)

			errs = append(errs, WorkspaceError{WorkspaceID: ws.ID, Stage: stage, Err: err})
		}
	}

	err := r.broker.workspaces.DeleteWorkspaceCascade(ctx, ws.ID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		logger.Error("reaper: metadata cleanup failed", slog.String("error", err.Error()))

		return false, append(errs, WorkspaceError{WorkspaceID: ws.ID, Stage: StageMetadata, Err: err})
	}

	logger.Info("reaper: workspace removed", slog.String("title", ws.Title))

	return true, errs
}

// deleteRemoteFolder removes the workspace's folder with its owner's
// credentials. An owner who never connected (or disconnected) is not an
// error; the folder is simply left alone.
func (r *Reaper) deleteRemoteFolder(ctx context.Context, ws *store.Workspace) (string, error) {
	b := r.broker

	cred, err := b.loadCredential(ctx, ws.UserID)
	if errors.Is(err, ErrNotConnected) {
		r.logger.Info("reaper: owner not connected, leaving remote folder",
			slog.String("workspace_id", ws.ID),
			slog.String("user_id", ws.UserID),
		)

		return "", nil
	}

	if err != nil {
		return StageCredentials, err
	}

	if err := b.ensureFresh(ctx, cred); err != nil {
		return StageCredentials, err
	}

	err = b.withRefresh(ctx, cred, func(creds gdrive.Credentials) error {
		return b.remote.DeleteFolder(ctx, creds, ws.RemoteFolderID)
	})
	if err != nil {
		return StageRemote, err
	}

	return "", nil
}
