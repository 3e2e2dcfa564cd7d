package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/sendany/drivebroker/internal/broker"
)

type reapPreviewJSON struct {
	Count      int                    `json:"count"`
	Workspaces []expiredWorkspaceJSON `json:"workspaces"`
}

type expiredWorkspaceJSON struct {
	ID             string    `json:"id"`
	Title          string    `json:"title"`
	UserID         string    `json:"userId,omitempty"`
	ExpiresAt      time.Time `json:"expiresAt"`
	RemoteFolderID string    `json:"remoteFolderId,omitempty"`
}

type reapReportJSON struct {
	CleanedCount int      `json:"cleanedCount"`
	TotalExpired int      `json:"totalExpired"`
	Errors       []string `json:"errors,omitempty"`
}

func newReapCmd() *cobra.Command {
	var dryRun bool

	cmd := &cobra.Command{
		Use:   "reap",
		Short: "Delete expired workspaces now",
		Long: `Run one expiry sweep: delete each expired workspace's Google Drive
folder (best-effort), then its metadata. Exits non-zero when any
workspace reported an error, even though its metadata was removed.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger := buildLogger(os.Stderr)

			a, err := openApp(cmd.Context(), resolvedCfg, logger)
			if err != nil {
				return err
			}
			defer a.close()

			reaper := broker.NewReaper(a.broker, resolvedCfg.ReaperConcurrency, logger)

			if dryRun {
				return runReapPreview(cmd, reaper)
			}

			return runReap(cmd, reaper)
		},
	}

	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "list expired workspaces without deleting anything")

	return cmd
}

func runReapPreview(cmd *cobra.Command, reaper *broker.Reaper) error {
	expired, err := reaper.Preview(cmd.Context())
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()

	if flagJSON {
		resp := reapPreviewJSON{Count: len(expired), Workspaces: make([]expiredWorkspaceJSON, 0, len(expired))}
		for _, ws := range expired {
			resp.Workspaces = append(resp.Workspaces, expiredWorkspaceJSON{
				ID: ws.ID, Title: ws.Title, UserID: ws.UserID,
				ExpiresAt: ws.ExpiresAt, RemoteFolderID: ws.RemoteFolderID,
			})
		}

		return printJSON(out, resp)
	}

	if len(expired) == 0 {
		fmt.Fprintln(out, "No expired workspaces.")
		return nil
	}

	rows := make([][]string, 0, len(expired))
	for _, ws := range expired {
		owner := ws.UserID
		if owner == "" {
			owner = "-"
		}

		folder := ws.RemoteFolderID
		if folder == "" {
			folder = "-"
		}

		rows = append(rows, []string{ws.ID, owner, formatExpiry(ws.ExpiresAt), folder})
	}

	printTable(out, []string{"WORKSPACE", "OWNER", "EXPIRED", "FOLDER"}, rows)

	return nil
}

func runReap(cmd *cobra.Command, reaper *broker.Reaper) error {
	report, err := reaper.Sweep(cmd.Context())
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()

	if flagJSON {
		resp := reapReportJSON{CleanedCount: report.CleanedCount, TotalExpired: report.TotalExpired}
		for i := range report.Errors {
			resp.Errors = append(resp.Errors, report.Errors[i].Error())
		}

		if err := printJSON(out, resp); err != nil {
			return err
		}
	} else {
		fmt.Fprintf(out, "Cleanup completed. %d workspace(s) cleaned up.\n", report.CleanedCount)

		for i := range report.Errors {
			fmt.Fprintf(out, "  %s\n", report.Errors[i].Error())
		}
	}

	if len(report.Errors) > 0 {
		return fmt.Errorf("%d cleanup error(s) across %d expired workspace(s)", len(report.Errors), report.TotalExpired)
	}

	return nil
}
