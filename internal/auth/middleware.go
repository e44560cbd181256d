package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
)

type contextKey int

const tenantContextKey contextKey = iota

// AdminKeyHeader carries the operator key on admin routes.
const AdminKeyHeader = "X-Admin-Key"

// ContextWithTenant returns a new context carrying the given tenant.
func ContextWithTenant(ctx context.Context, tenant *Tenant) context.Context {
	return context.WithValue(ctx, tenantContextKey, tenant)
}

// TenantFromContext extracts the tenant from the context, or nil if not present.
func TenantFromContext(ctx context.Context) *Tenant {
	tenant, _ := ctx.Value(tenantContextKey).(*Tenant)
	return tenant
}

// TenantAuthMiddleware returns middleware that authenticates requests using an
// API key in the Authorization header. The key is hashed and looked up via the
// service's tenant store. On success the tenant is injected into the request
// context.
func TenantAuthMiddleware(svc *Service) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := extractBearerToken(r)
			if token == "" {
				writeUnauthorized(w, "missing or malformed authorization header")
				return
			}

			tenant, err := svc.store.GetByKeyHash(r.Context(), HashKey(token))
			if err != nil || tenant == nil {
				writeUnauthorized(w, "invalid api key")
				return
			}

			ctx := ContextWithTenant(r.Context(), tenant)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// AdminKeyMiddleware checks the X-Admin-Key header against a bcrypt hash.
// An empty hash disables every admin route.
func AdminKeyMiddleware(hash string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get(AdminKeyHeader)
			if key == "" {
				writeUnauthorized(w, "missing admin key")
				return
			}
			if !CheckAdminKey(hash, key) {
				writeUnauthorized(w, "invalid admin key")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func extractBearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return ""
	}
	parts := strings.SplitN(auth, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return parts[1]
}

type errorResponse struct {
	Error errorBody `json:"error"`
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeUnauthorized(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(errorResponse{
		Error: errorBody{
			Code:    "unauthorized",
			Message: message,
		},
	})
}
