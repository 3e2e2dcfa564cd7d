package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

type usageJSON struct {
	UserID     string               `json:"userId"`
	Connected  bool                 `json:"connected"`
	DriveEmail string               `json:"driveEmail,omitempty"`
	Reason     string               `json:"reason,omitempty"`
	Used       int64                `json:"used"`
	Limit      int64                `json:"limit"`
	Percentage int                  `json:"percentage"`
	Workspaces []workspaceUsageJSON `json:"workspaces,omitempty"`
}

type workspaceUsageJSON struct {
	WorkspaceID    string `json:"workspaceId"`
	RemoteFolderID string `json:"remoteFolderId,omitempty"`
	Recorded       int64  `json:"recorded"`
	Remote         *int64 `json:"remote,omitempty"`
}

func newUsageCmd() *cobra.Command {
	var workspaces []string

	cmd := &cobra.Command{
		Use:   "usage <user-id>",
		Short: "Show a user's storage usage and connection state",
		Long: `Show a user's derived storage usage against the per-user ceiling.

Each --workspace also reports the recorded size of that workspace and the
size of its Google Drive folder, which needs the owner's credentials.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), resolvedCfg, buildLogger(os.Stderr))
			if err != nil {
				return err
			}
			defer a.close()

			st, err := a.broker.Status(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			resp := usageJSON{
				UserID:     args[0],
				Connected:  st.Connected,
				DriveEmail: st.DriveEmail,
				Reason:     st.Reason,
				Used:       st.Used,
				Limit:      st.Limit,
				Percentage: st.Percentage,
			}

			for _, id := range workspaces {
				wu, err := a.broker.InspectWorkspace(cmd.Context(), id)
				if err != nil {
					return fmt.Errorf("workspace %s: %w", id, err)
				}

				row := workspaceUsageJSON{WorkspaceID: wu.WorkspaceID, RemoteFolderID: wu.RemoteFolderID, Recorded: wu.Recorded}
				if wu.RemoteChecked {
					remote := wu.Remote
					row.Remote = &remote
				}

				resp.Workspaces = append(resp.Workspaces, row)
			}

			if flagJSON {
				return printJSON(cmd.OutOrStdout(), resp)
			}

			printUsage(cmd, resp)

			return nil
		},
	}

	cmd.Flags().StringSliceVar(&workspaces, "workspace", nil, "workspace id to inspect (repeatable)")

	return cmd
}

func printUsage(cmd *cobra.Command, u usageJSON) {
	out := cmd.OutOrStdout()

	state := "connected"
	if !u.Connected {
		state = "not connected"
		if u.Reason != "" {
			state += " (" + u.Reason + ")"
		}
	}

	fmt.Fprintf(out, "User:    %s\n", u.UserID)
	fmt.Fprintf(out, "Drive:   %s\n", state)

	if u.DriveEmail != "" {
		fmt.Fprintf(out, "Account: %s\n", u.DriveEmail)
	}

	fmt.Fprintf(out, "Usage:   %s of %s (%d%%)\n", formatSize(u.Used), formatSize(u.Limit), u.Percentage)

	if len(u.Workspaces) == 0 {
		return
	}

	fmt.Fprintln(out)

	rows := make([][]string, 0, len(u.Workspaces))
	for _, w := range u.Workspaces {
		remote := "-"
		if w.Remote != nil {
			remote = formatSize(*w.Remote)
		}

		rows = append(rows, []string{w.WorkspaceID, formatSize(w.Recorded), remote})
	}

	printTable(out, []string{"WORKSPACE", "RECORDED", "DRIVE"}, rows)
}
