package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/alecgard/prepaid/internal/auth"
	"github.com/alecgard/prepaid/internal/config"
	"github.com/alecgard/prepaid/internal/ledger"
	"github.com/alecgard/prepaid/internal/money"
	"github.com/alecgard/prepaid/internal/notify"
	"github.com/alecgard/prepaid/internal/settlement"
	"github.com/alecgard/prepaid/internal/subscription"
	"github.com/alecgard/prepaid/internal/tenant"
	"github.com/alecgard/prepaid/internal/txlog"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
)

var (
	seedEmail  string
	seedCredit string
)

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Seed a demo tenant subscribed to the whole catalog",
	RunE:  runSeed,
}

func init() {
	seedCmd.Flags().StringVar(&seedEmail, "email", "demo@prepaid.local", "email of the demo tenant")
	seedCmd.Flags().StringVar(&seedCredit, "credit", "1000.00", "opening wallet balance in major units (0 for none)")
	rootCmd.AddCommand(seedCmd)
}

func runSeed(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	credit, err := money.Parse(seedCredit)
	if err != nil {
		return fmt.Errorf("parsing --credit: %w", err)
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, cfg.Database.URL)
	if err != nil {
		return err
	}
	defer pool.Close()

	tenantStore := tenant.NewStore(pool)
	subStore := subscription.NewStore(pool)

	// Check if seed has already run.
	existing, err := tenantStore.GetByEmail(ctx, seedEmail)
	if err != nil && !errors.Is(err, tenant.ErrNotFound) {
		return fmt.Errorf("checking existing tenant: %w", err)
	}
	if existing != nil {
		slog.Info("demo tenant already exists, skipping seed", "tenant_id", existing.ID)
		return nil
	}

	apiKey, plaintext, err := auth.GenerateAPIKey()
	if err != nil {
		return fmt.Errorf("generating api key: %w", err)
	}
	t, err := tenantStore.Create(ctx, tenant.CreateInput{
		Name:         "Demo Tenant",
		Email:        seedEmail,
		APIKeyHash:   apiKey.Hash,
		APIKeyPrefix: apiKey.Prefix,
		RateLimit:    120,
	})
	if err != nil {
		return fmt.Errorf("creating demo tenant: %w", err)
	}
	slog.Info("created demo tenant", "tenant_id", t.ID, "email", t.Email)

	entries := cfg.Billing.Catalog.Entries()
	for _, e := range entries {
		if _, err := subStore.Upsert(ctx, subscription.UpsertInput{
			TenantID:    t.ID,
			ServiceType: e.ServiceType,
			SubService:  e.SubService,
			Active:      true,
		}); err != nil {
			return fmt.Errorf("subscribing to %s: %w", e.SubService, err)
		}
	}

	if credit.IsPositive() {
		engine := settlement.NewEngine(settlement.Config{}, ledger.NewPGStore(pool), txlog.NewPGStore(pool), notify.Discard{})
		if _, err := engine.Credit(ctx, t.ID, credit, "Opening balance"); err != nil {
			return fmt.Errorf("crediting opening balance: %w", err)
		}
	}

	fmt.Printf("\n=== Demo Data Seeded ===\n")
	fmt.Printf("Tenant:        %s (%s)\n", t.Name, t.ID)
	fmt.Printf("Subscriptions: %d\n", len(entries))
	fmt.Printf("Balance:       %s %s\n", credit, cfg.Billing.Currency)
	fmt.Printf("API Key:       %s\n", plaintext)
	fmt.Printf("\nTry it:\n")
	fmt.Printf("  curl -H 'Authorization: Bearer %s' http://localhost:%d/api/v1/wallet\n", plaintext, cfg.Server.Port)
	fmt.Printf("  curl -H 'Authorization: Bearer %s' -d '{\"sub_service\":\"sms\"}' http://localhost:%d/api/v1/charges\n", plaintext, cfg.Server.Port)

	return nil
}
