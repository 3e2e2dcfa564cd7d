package broker

import (
	"context"
	"fmt"
	"log/slog"
)

// UsageAdjustment records one corrected cached counter.
type UsageAdjustment struct {
	UserID  string
	Cached  int64
	Derived int64
}

// ReconcileReport summarises a reconciliation pass.
type ReconcileReport struct {
	Users    int
	Adjusted []UsageAdjustment
	Errors   []error
}

// Reconcile resets every linked user's cached usage counter to the sum of
// their recorded file sizes. Per-user failures are collected and do not
// stop the pass.
//
// An upload that lands between reading the sum and writing the counter is
// lost from the counter until the next pass; quota checks never read the
// counter, so this only affects display.
func (b *Broker) Reconcile(ctx context.Context) (*ReconcileReport, error) {
	users, err := b.creds.ListCredentialUsers(ctx)
	if err != nil {
		return nil, fmt.Errorf("broker: listing linked users: %w", err)
	}

	report := &ReconcileReport{Users: len(users)}

	for _, userID := range users {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		adj, err := b.reconcileUser(ctx, userID)
		if err != nil {
			b.logger.Warn("reconcile: user skipped",
				slog.String("user_id", userID),
				slog.String("error", err.Error()),
			)

			report.Errors = append(report.Errors, err)

			continue
		}

		if adj != nil {
			report.Adjusted = append(report.Adjusted, *adj)
		}
	}

	b.logger.Info("reconcile: pass finished",
		slog.Int("users", report.Users),
		slog.Int("adjusted", len(report.Adjusted)),
		slog.Int("errors", len(report.Errors)),
	)

	return report, nil
}

func (b *Broker) reconcileUser(ctx context.Context, userID string) (*UsageAdjustment, error) {
	cred, err := b.creds.GetCredential(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("broker: reconcile user %s: %w", userID, err)
	}

	derived, err := b.workspaces.SumFileSizesForUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("broker: reconcile user %s: %w", userID, err)
	}

	if derived == cred.TotalStorageUsed {
		return nil, nil
	}

	if err := b.creds.SetUsage(ctx, userID, derived); err != nil {
		return nil, fmt.Errorf("broker: reconcile user %s: %w", userID, err)
	}

	b.logger.Info("reconcile: usage corrected",
		slog.String("user_id", userID),
		slog.Int64("cached", cred.TotalStorageUsed),
		slog.Int64("derived", derived),
	)

	return &UsageAdjustment{UserID: userID, Cached: cred.TotalStorageUsed, Derived: derived}, nil
}
