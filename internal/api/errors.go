package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/alecgard/prepaid/internal/crypto"
	"github.com/alecgard/prepaid/internal/ledger"
	"github.com/alecgard/prepaid/internal/provider"
	"github.com/alecgard/prepaid/internal/reconcile"
	"github.com/alecgard/prepaid/internal/settlement"
	"github.com/alecgard/prepaid/internal/tenant"
	"github.com/alecgard/prepaid/internal/txlog"
)

// defaultMaxBodySize is used when RouterDeps.MaxBodySize is unset (1 MB).
const defaultMaxBodySize = 1 << 20

// errorEnvelope is the standard error response shape.
type errorEnvelope struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// writeError writes a JSON error response with the given status code.
func writeError(w http.ResponseWriter, statusCode int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(errorEnvelope{
		Error: errorDetail{
			Code:    code,
			Message: message,
		},
	})
}

// writeJSON writes a JSON response with the given status code and data.
func writeJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

// readJSON decodes the request body into v, enforcing a size limit.
func readJSON(w http.ResponseWriter, r *http.Request, limit int64, v interface{}) error {
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	return json.NewDecoder(r.Body).Decode(v)
}

// errorMapping ties a domain sentinel to its HTTP representation.
type errorMapping struct {
	target error
	status int
	code   string
}

// Order matters: the first sentinel found in the chain wins.
var errorMappings = []errorMapping{
	{ledger.ErrInsufficientFunds, http.StatusPaymentRequired, "insufficient_funds"},
	{txlog.ErrNotFound, http.StatusNotFound, "not_found"},
	{reconcile.ErrTenantMismatch, http.StatusNotFound, "not_found"},
	{tenant.ErrNotFound, http.StatusNotFound, "tenant_not_found"},
	{txlog.ErrDuplicateReference, http.StatusConflict, "duplicate_reference"},
	{settlement.ErrReferenceConflict, http.StatusConflict, "reference_conflict"},
	{settlement.ErrNotCompensable, http.StatusConflict, "not_compensable"},
	{settlement.ErrChargeFailed, http.StatusConflict, "charge_failed"},
	{reconcile.ErrWrongPurpose, http.StatusConflict, "wrong_purpose"},
	{reconcile.ErrNotTokenized, http.StatusConflict, "not_tokenized"},
	{reconcile.ErrAmountMismatch, http.StatusConflict, "amount_mismatch"},
	{ledger.ErrInvalidAmount, http.StatusBadRequest, "invalid_amount"},
	{settlement.ErrInvalidOutcome, http.StatusBadRequest, "invalid_outcome"},
	{reconcile.ErrUnknownProvider, http.StatusBadRequest, "unknown_provider"},
	{txlog.ErrInvalidCursor, http.StatusBadRequest, "invalid_cursor"},
	{ledger.ErrInvalidCursor, http.StatusBadRequest, "invalid_cursor"},
	{provider.ErrMalformedPayload, http.StatusBadRequest, "malformed_payload"},
	{provider.ErrSignatureInvalid, http.StatusUnauthorized, "invalid_signature"},
	{provider.ErrStaleTimestamp, http.StatusUnauthorized, "stale_timestamp"},
	{provider.ErrProviderUnavailable, http.StatusServiceUnavailable, "provider_unavailable"},
	{provider.ErrNotConfigured, http.StatusNotImplemented, "not_configured"},
	{crypto.ErrNoKey, http.StatusNotImplemented, "not_configured"},
	{ledger.ErrInvariantViolation, http.StatusInternalServerError, "invariant_violation"},
}

// writeServiceError maps a domain error to a response. Anything unmapped is
// logged and reported as an internal error without its detail.
func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	for _, m := range errorMappings {
		if errors.Is(err, m.target) {
			if m.status >= http.StatusInternalServerError {
				slog.Error("request failed", "path", r.URL.Path, "request_id", RequestIDFromContext(r.Context()), "error", err, "alert", true)
			}
			writeError(w, m.status, m.code, m.target.Error())
			return
		}
	}

	var apiErr *provider.APIError
	if errors.As(err, &apiErr) {
		writeError(w, http.StatusBadGateway, "provider_error", apiErr.Error())
		return
	}

	slog.Error("request failed", "path", r.URL.Path, "request_id", RequestIDFromContext(r.Context()), "error", err)
	writeError(w, http.StatusInternalServerError, "internal_error", "internal error")
}
