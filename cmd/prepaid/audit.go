package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/alecgard/prepaid/internal/config"
	"github.com/alecgard/prepaid/internal/ledger"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Check every wallet balance against its history",
	Long:  "audit recomputes each wallet's balance from its entries and exits non-zero if any stored balance disagrees.",
	RunE:  runAudit,
}

func init() {
	rootCmd.AddCommand(auditCmd)
}

func runAudit(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, cfg.Database.URL)
	if err != nil {
		return err
	}
	defer pool.Close()

	violations, checked, err := auditAll(ctx, ledger.NewPGStore(pool))
	if err != nil {
		return err
	}
	fmt.Printf("audited %d wallets, %d inconsistent\n", checked, violations)
	if violations > 0 {
		return fmt.Errorf("%d wallets fail audit: %w", violations, ledger.ErrInvariantViolation)
	}
	return nil
}

// auditAll audits every wallet in store. Inconsistent wallets are logged and
// counted; only storage failures abort the run.
func auditAll(ctx context.Context, store ledger.Store) (violations, checked int, err error) {
	tenants, err := store.Tenants(ctx)
	if err != nil {
		return 0, 0, err
	}
	for _, id := range tenants {
		report, err := store.Audit(ctx, id)
		if report == nil {
			return violations, checked, fmt.Errorf("auditing %s: %w", id, err)
		}
		checked++
		if !report.Consistent() {
			violations++
			slog.Error("wallet balance does not match history",
				"tenant_id", id, "balance", report.Balance, "computed", report.Computed,
				"entries", report.EntryCount, "alert", true)
		}
	}
	return violations, checked, nil
}
