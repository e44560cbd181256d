package api

import (
	"log/slog"
	"net/http"
)

// auditLog emits a structured audit entry for an operator action that moved
// money or exposed a wallet.
func auditLog(r *http.Request, action, tenantID string, detail ...any) {
	attrs := []any{
		"action", action,
		"tenant_id", tenantID,
		"ip", clientIP(r),
		"request_id", RequestIDFromContext(r.Context()),
	}
	attrs = append(attrs, detail...)
	slog.Info("audit", attrs...)
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return fwd
	}
	return r.RemoteAddr
}
