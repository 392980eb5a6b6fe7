package cli

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"tapcash/engagement-service/internal/db"
	"tapcash/engagement-service/internal/money"
	"tapcash/engagement-service/internal/settlement"
)

func newMigrateCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the embedded database migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := opts.load()
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()
			if cfg.Store.Driver != "postgres" {
				return fmt.Errorf("migrate needs store.driver postgres, got %q", cfg.Store.Driver)
			}
			return db.Migrate(cfg.Store.DatabaseURL, log)
		},
	}
}

func newReconcileCommand(opts *rootOptions) *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Run one reconciliation pass and print the report",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := opts.load()
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			parent := cmd.Context()
			if parent == nil {
				parent = context.Background()
			}
			ctx, cancel := context.WithTimeout(parent, timeout)
			defer cancel()

			a, err := buildApp(ctx, cfg, log)
			if err != nil {
				return err
			}
			defer a.Close()

			report, err := a.reconciler.Run(ctx)
			if err != nil {
				return err
			}
			printReport(cmd.OutOrStdout(), report)
			return nil
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Minute, "abort the pass after this long")
	return cmd
}

func printReport(w io.Writer, r settlement.ReconcileReport) {
	fmt.Fprintf(w, "checked %d users in %s, %d failed, %d diverged\n",
		r.Checked, r.Duration.Round(time.Millisecond), r.Failed, len(r.Diverged))
	for _, d := range r.Diverged {
		fmt.Fprintf(w, "  %s (%s): off-chain %s, on-chain %s\n",
			d.UserID, d.Wallet, money.Format(d.OffChain), money.Format(d.OnChain))
	}
}
