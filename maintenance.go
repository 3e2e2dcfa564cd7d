package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/sendany/drivebroker/internal/store"
)

type adjustmentJSON struct {
	UserID  string `json:"userId"`
	Cached  int64  `json:"cached"`
	Derived int64  `json:"derived"`
}

type reconcileJSON struct {
	Users    int              `json:"users"`
	Adjusted []adjustmentJSON `json:"adjusted"`
	Errors   []string         `json:"errors,omitempty"`
}

func newReconcileCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Reset cached usage counters to the recorded file sizes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := openApp(cmd.Context(), resolvedCfg, buildLogger(os.Stderr))
			if err != nil {
				return err
			}
			defer a.close()

			report, err := a.broker.Reconcile(cmd.Context())
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()

			if flagJSON {
				resp := reconcileJSON{Users: report.Users, Adjusted: make([]adjustmentJSON, 0, len(report.Adjusted))}
				for _, adj := range report.Adjusted {
					resp.Adjusted = append(resp.Adjusted, adjustmentJSON(adj))
				}

				for _, e := range report.Errors {
					resp.Errors = append(resp.Errors, e.Error())
				}

				return printJSON(out, resp)
			}

			fmt.Fprintf(out, "Checked %d user(s), adjusted %d.\n", report.Users, len(report.Adjusted))

			if len(report.Adjusted) > 0 {
				rows := make([][]string, 0, len(report.Adjusted))
				for _, adj := range report.Adjusted {
					rows = append(rows, []string{adj.UserID, formatSize(adj.Cached), formatSize(adj.Derived)})
				}

				printTable(out, []string{"USER", "WAS", "NOW"}, rows)
			}

			if len(report.Errors) > 0 {
				return fmt.Errorf("%d user(s) could not be reconciled: %w", len(report.Errors), report.Errors[0])
			}

			return nil
		},
	}
}

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations and print the schema version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, err := store.Open(cmd.Context(), resolvedCfg.DatabaseDriver, resolvedCfg.DatabaseDSN, buildLogger(os.Stderr))
			if err != nil {
				return fmt.Errorf("opening store: %w", err)
			}
			defer st.Close()

			v, err := st.SchemaVersion(cmd.Context())
			if err != nil {
				return err
			}

			if flagJSON {
				return printJSON(cmd.OutOrStdout(), map[string]any{
					"driver":        resolvedCfg.DatabaseDriver,
					"schemaVersion": v,
				})
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Schema at version %d (%s).\n", v, resolvedCfg.DatabaseDriver)

			return nil
		},
	}
}
