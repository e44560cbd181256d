package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecgard/prepaid/internal/admission"
	"github.com/alecgard/prepaid/internal/api"
	"github.com/alecgard/prepaid/internal/auth"
	"github.com/alecgard/prepaid/internal/config"
	"github.com/alecgard/prepaid/internal/crypto"
	"github.com/alecgard/prepaid/internal/ledger"
	"github.com/alecgard/prepaid/internal/metrics"
	"github.com/alecgard/prepaid/internal/notify"
	"github.com/alecgard/prepaid/internal/provider/flutterwave"
	"github.com/alecgard/prepaid/internal/provider/paystack"
	"github.com/alecgard/prepaid/internal/provider/telegram"
	"github.com/alecgard/prepaid/internal/ratelimit"
	"github.com/alecgard/prepaid/internal/reconcile"
	"github.com/alecgard/prepaid/internal/settlement"
	"github.com/alecgard/prepaid/internal/subscription"
	"github.com/alecgard/prepaid/internal/tenant"
	"github.com/alecgard/prepaid/internal/txlog"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the billing API server",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.Database.URL)
	if err != nil {
		return err
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		return err
	}
	slog.Info("connected to database")

	m := metrics.New()
	m.RegisterDBPoolCollector(func() metrics.DBPoolStats {
		s := pool.Stat()
		return metrics.DBPoolStats{
			Total:             s.TotalConns(),
			Idle:              s.IdleConns(),
			Acquired:          s.AcquiredConns(),
			Max:               s.MaxConns(),
			AcquireCount:      s.AcquireCount(),
			EmptyAcquireCount: s.EmptyAcquireCount(),
		}
	})

	ledgerStore := ledger.NewPGStore(pool)
	txStore := txlog.NewPGStore(pool)
	tenantStore := tenant.NewStore(pool)
	subStore := subscription.NewStore(pool)

	sinks, closeSinks, err := buildSinks(ctx, cfg.Notify)
	if err != nil {
		return err
	}
	defer closeSinks()
	dispatcher := notify.NewDispatcher(notify.Options{
		BufferSize:    cfg.Notify.BufferSize,
		BatchSize:     cfg.Notify.BatchSize,
		FlushInterval: cfg.Notify.FlushInterval,
	}, sinks...)
	dispatcher.SetMetrics(m)

	engine := settlement.NewEngine(settlement.Config{
		LowBalanceThreshold: cfg.Billing.LowBalanceThreshold(),
	}, ledgerStore, txStore, dispatcher)
	engine.SetMetrics(m)

	checker := admission.NewChecker(subStore, ledgerStore, cfg.Billing.Catalog)
	checker.SetMetrics(m)

	sealer, err := crypto.NewSealer(cfg.Auth.EncryptionKey)
	switch {
	case errors.Is(err, crypto.ErrNoKey):
		slog.Warn("no encryption key configured, card tokenization disabled")
	case err != nil:
		return fmt.Errorf("loading encryption key: %w", err)
	}

	reconciler := reconcile.NewService(engine, tenantStore, sealer)
	reconciler.SetMetrics(m)
	registerProviders(reconciler, cfg.Providers, m)

	limiter := ratelimit.New(cfg.RateLimit.Default, cfg.RateLimit.Window)
	authService := auth.NewService(tenant.NewAuthAdapter(tenantStore))

	router := api.NewRouter(api.RouterDeps{
		Engine:         engine,
		Admission:      checker,
		Reconcile:      reconciler,
		Ledger:         ledgerStore,
		Transactions:   txStore,
		Tenants:        tenantStore,
		Catalog:        cfg.Billing.Catalog,
		Auth:           authService,
		AdminKeyHash:   cfg.Auth.AdminKeyHash,
		Limiter:        limiter,
		Metrics:        m,
		DBPool:         pool,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		MaxBodySize:    cfg.Server.MaxBodySize,
	})
	if cfg.Auth.AdminKeyHash == "" {
		slog.Warn("no admin key hash configured, admin routes will reject every request")
	}

	srv := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)

	// The dispatcher outlives the server so events from in-flight requests
	// are flushed; it is stopped after Shutdown returns.
	g.Go(func() error {
		dispatcher.Start(context.Background())
		return nil
	})

	g.Go(func() error {
		slog.Info("server starting", "addr", cfg.Addr())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		ticker := time.NewTicker(cfg.RateLimit.Window)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				if n := limiter.Sweep(10 * cfg.RateLimit.Window); n > 0 {
					slog.Debug("swept idle rate limit buckets", "count", n)
				}
			}
		}
	})

	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)
		dispatcher.Stop()
		return err
	})

	return g.Wait()
}

// buildSinks turns the notify config into sinks. The returned func closes
// any connections the sinks hold.
func buildSinks(ctx context.Context, cfg config.NotifyConfig) ([]notify.Sink, func(), error) {
	var sinks []notify.Sink
	closeFn := func() {}

	if cfg.Log {
		sinks = append(sinks, notify.LogSink{})
	}
	if cfg.WebhookURL != "" {
		sinks = append(sinks, notify.NewWebhookSink(cfg.WebhookURL, &http.Client{Timeout: 10 * time.Second}))
	}
	if cfg.RedisURL != "" {
		client, err := notify.DialRedis(ctx, cfg.RedisURL)
		if err != nil {
			return nil, closeFn, err
		}
		sinks = append(sinks, notify.NewRedisSink(client, cfg.RedisChannel))
		closeFn = func() { _ = client.Close() }
	}
	return sinks, closeFn, nil
}

// registerProviders enables every provider that has credentials.
func registerProviders(svc *reconcile.Service, cfg config.ProvidersConfig, m *metrics.Metrics) {
	if ps := cfg.Paystack; ps.SecretKey != "" {
		client := paystack.New(ps.BaseURL, ps.SecretKey, ps.CallbackURL, ps.Timeout, nil)
		client.SetMetrics(m)
		svc.RegisterFunding(txlog.ProviderPaystack, client)
		svc.RegisterTokens(txlog.ProviderPaystack, client)
		// Paystack signs the whole body with the secret key, so the
		// webhook is trusted as is.
		svc.RegisterWebhook(txlog.ProviderPaystack, client, false)
		slog.Info("provider enabled", "provider", txlog.ProviderPaystack)
	}

	if fw := cfg.Flutterwave; fw.SecretKey != "" {
		client := flutterwave.New(fw.BaseURL, fw.SecretKey, fw.WebhookHash, fw.CallbackURL, fw.Timeout, nil)
		client.SetMetrics(m)
		svc.RegisterFunding(txlog.ProviderFlutterwave, client)
		if fw.WebhookHash != "" {
			svc.RegisterWebhook(txlog.ProviderFlutterwave, client, true)
		} else {
			slog.Warn("flutterwave webhook hash not set, webhooks disabled")
		}
		slog.Info("provider enabled", "provider", txlog.ProviderFlutterwave)
	}

	if tg := cfg.Telegram; tg.GatewayToken != "" {
		svc.RegisterWebhook(txlog.ProviderTelegram, telegram.NewParser(tg.GatewayToken, tg.FreshnessWindow), false)
		slog.Info("provider enabled", "provider", txlog.ProviderTelegram)
	}
}
