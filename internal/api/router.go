package api

import (
	"context"
	"net/http"
	"time"

	"github.com/alecgard/prepaid/internal/admission"
	"github.com/alecgard/prepaid/internal/auth"
	"github.com/alecgard/prepaid/internal/config"
	"github.com/alecgard/prepaid/internal/ledger"
	"github.com/alecgard/prepaid/internal/metrics"
	"github.com/alecgard/prepaid/internal/ratelimit"
	"github.com/alecgard/prepaid/internal/reconcile"
	"github.com/alecgard/prepaid/internal/settlement"
	"github.com/alecgard/prepaid/internal/tenant"
	"github.com/alecgard/prepaid/internal/txlog"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
)

// Pinger reports database reachability for the health check.
type Pinger interface {
	Ping(ctx context.Context) error
}

// TenantDirectory looks up tenants for admin routes.
type TenantDirectory interface {
	GetByID(ctx context.Context, id string) (*tenant.Tenant, error)
}

// RouterDeps holds all dependencies for the API router.
type RouterDeps struct {
	Engine       *settlement.Engine
	Admission    *admission.Checker
	Reconcile    *reconcile.Service
	Ledger       ledger.Store
	Transactions txlog.Store
	Tenants      TenantDirectory
	Catalog      config.Catalog
	Auth         *auth.Service
	AdminKeyHash string
	Limiter      *ratelimit.Limiter
	Metrics      *metrics.Metrics
	DBPool       Pinger

	AllowedOrigins []string
	MaxBodySize    int64
}

// NewRouter builds the chi router with all routes and middleware.
func NewRouter(deps RouterDeps) http.Handler {
	if deps.MaxBodySize <= 0 {
		deps.MaxBodySize = defaultMaxBodySize
	}

	r := chi.NewRouter()

	// Global middleware.
	r.Use(chimw.Recoverer)
	r.Use(requestIDMiddleware)
	r.Use(secureHeaders)
	r.Use(corsMiddleware(deps.AllowedOrigins))
	r.Use(slogRequestLogger)
	if deps.Metrics != nil {
		r.Use(metricsMiddleware(deps.Metrics))
	}

	// Handlers.
	wallet := newWalletHandler(deps.Ledger, deps.Transactions, deps.Admission, deps.Catalog)
	charges := newChargesHandler(deps.Engine, deps.Admission, deps.MaxBodySize)
	funding := newFundingHandler(deps.Reconcile, deps.MaxBodySize)
	webhooks := newWebhookHandler(deps.Reconcile, deps.MaxBodySize)
	admin := newAdminHandler(deps.Engine, deps.Ledger, deps.Transactions, deps.Tenants, deps.MaxBodySize)
	usage := newUsageHandler(deps.Transactions)

	r.Get("/health", healthHandler(deps.DBPool))
	r.Get("/.well-known/prepaid.json", WellKnownHandler)
	if deps.Metrics != nil {
		r.Handle("/metrics", deps.Metrics.PrometheusHandler())
	}

	// Provider callbacks authenticate themselves by signature.
	r.Post("/webhooks/{provider}", webhooks.Receive)

	// Admin routes (require operator key).
	r.Route("/api/v1/admin", func(ar chi.Router) {
		ar.Use(auth.AdminKeyMiddleware(deps.AdminKeyHash))

		ar.Post("/tenants/{id}/credit", admin.Credit)
		ar.Post("/tenants/{id}/adjust", admin.Adjust)
		ar.Get("/tenants/{id}/wallet", admin.Wallet)
		ar.Get("/tenants/{id}/audit", admin.Audit)
		ar.Get("/tenants/{id}/transactions", admin.Transactions)
		ar.Get("/usage", usage.GetUsageAdmin)
		if deps.Metrics != nil {
			ar.Get("/metrics", deps.Metrics.Handler())
		}
	})

	// Tenant routes (require API key + rate limiting).
	r.Route("/api/v1", func(ar chi.Router) {
		ar.Use(auth.TenantAuthMiddleware(deps.Auth))
		if deps.Limiter != nil {
			var onReject func(string)
			if deps.Metrics != nil {
				onReject = deps.Metrics.IncRateLimitRejection
			}
			ar.Use(ratelimit.Middleware(deps.Limiter, onReject))
		}

		ar.Get("/wallet", wallet.Get)
		ar.Get("/wallet/history", wallet.History)
		ar.Get("/transactions", wallet.Transactions)
		ar.Get("/transactions/{reference}", wallet.Transaction)
		ar.Get("/catalog", wallet.Catalog)
		ar.Get("/admission/{subService}", wallet.Admission)
		ar.Get("/usage", usage.GetUsage)

		ar.Post("/charges", charges.Charge)
		ar.Post("/charges/open", charges.Open)
		ar.Post("/charges/{reference}/finalize", charges.Finalize)
		ar.Post("/charges/{reference}/compensate", charges.Compensate)

		ar.Post("/funding", funding.Initiate)
		ar.Post("/funding/{reference}/confirm", funding.Confirm)
		ar.Post("/funding/cards", funding.Tokenize)
		ar.Post("/funding/cards/{reference}/otp", funding.SubmitOTP)
		ar.Post("/funding/cards/{reference}/charge", funding.ChargeCard)
	})

	return r
}

// healthHandler reports liveness and, when a pool is configured, database
// reachability.
func healthHandler(pool Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if pool == nil {
			writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "database": "not_configured"})
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := pool.Ping(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "database": "unreachable"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "database": "connected"})
	}
}
