package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/alecgard/prepaid/internal/ledger"
	"github.com/alecgard/prepaid/internal/money"
	"github.com/alecgard/prepaid/internal/settlement"
	"github.com/alecgard/prepaid/internal/txlog"
	"github.com/go-chi/chi/v5"
)

// adminHandler serves operator routes: manual top-ups, corrections and
// wallet inspection.
type adminHandler struct {
	engine  *settlement.Engine
	ledger  ledger.Store
	txns    txlog.Store
	tenants TenantDirectory
	maxBody int64
}

func newAdminHandler(engine *settlement.Engine, l ledger.Store, txns txlog.Store, tenants TenantDirectory, maxBody int64) *adminHandler {
	return &adminHandler{engine: engine, ledger: l, txns: txns, tenants: tenants, maxBody: maxBody}
}

// tenantID resolves the {id} path parameter, writing 404 for unknown tenants.
func (h *adminHandler) tenantID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := chi.URLParam(r, "id")
	if h.tenants == nil {
		return id, true
	}
	if _, err := h.tenants.GetByID(r.Context(), id); err != nil {
		writeServiceError(w, r, err)
		return "", false
	}
	return id, true
}

type creditRequest struct {
	Amount      money.Amount `json:"amount"`
	Description string       `json:"description"`
}

// Credit handles POST /api/v1/admin/tenants/{id}/credit (manual recharge).
func (h *adminHandler) Credit(w http.ResponseWriter, r *http.Request) {
	id, ok := h.tenantID(w, r)
	if !ok {
		return
	}

	var req creditRequest
	if err := readJSON(w, r, h.maxBody, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}
	if req.Description == "" {
		req.Description = "Manual wallet recharge"
	}

	applied, err := h.engine.Credit(r.Context(), id, req.Amount, req.Description)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	auditLog(r, "wallet.credit", id, "amount", req.Amount.String(), "entry_id", applied.Entry.ID)
	writeJSON(w, http.StatusCreated, applied)
}

type adjustRequest struct {
	Direction   ledger.Direction `json:"direction"`
	Amount      money.Amount     `json:"amount"`
	Description string           `json:"description"`
}

// Adjust handles POST /api/v1/admin/tenants/{id}/adjust. A debit adjustment
// is subject to the same non-negative balance rule as any other debit.
func (h *adminHandler) Adjust(w http.ResponseWriter, r *http.Request) {
	id, ok := h.tenantID(w, r)
	if !ok {
		return
	}

	var req adjustRequest
	if err := readJSON(w, r, h.maxBody, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}
	if req.Direction != ledger.Credit && req.Direction != ledger.Debit {
		writeError(w, http.StatusBadRequest, "validation_error", "direction must be credit or debit")
		return
	}
	if req.Description == "" {
		writeError(w, http.StatusBadRequest, "validation_error", "description is required")
		return
	}

	applied, err := h.engine.Adjust(r.Context(), id, req.Direction, req.Amount, req.Description)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	auditLog(r, "wallet.adjust", id, "direction", req.Direction, "amount", req.Amount.String(), "entry_id", applied.Entry.ID)
	writeJSON(w, http.StatusCreated, applied)
}

// Wallet handles GET /api/v1/admin/tenants/{id}/wallet.
func (h *adminHandler) Wallet(w http.ResponseWriter, r *http.Request) {
	id, ok := h.tenantID(w, r)
	if !ok {
		return
	}
	wallet, err := h.ledger.Wallet(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, wallet)
}

type auditResponse struct {
	*ledger.AuditReport
	Consistent bool `json:"consistent"`
}

// Audit handles GET /api/v1/admin/tenants/{id}/audit: recompute the balance
// from history and compare it with the stored one.
func (h *adminHandler) Audit(w http.ResponseWriter, r *http.Request) {
	id, ok := h.tenantID(w, r)
	if !ok {
		return
	}
	report, err := h.ledger.Audit(r.Context(), id)
	if report == nil || (err != nil && !errors.Is(err, ledger.ErrInvariantViolation)) {
		writeServiceError(w, r, err)
		return
	}
	if !report.Consistent() {
		slog.Error("wallet balance does not match history",
			"tenant_id", id, "balance", report.Balance, "computed", report.Computed, "alert", true)
	}
	auditLog(r, "wallet.audit", id, "consistent", report.Consistent())
	writeJSON(w, http.StatusOK, auditResponse{AuditReport: report, Consistent: report.Consistent()})
}

// Transactions handles GET /api/v1/admin/tenants/{id}/transactions.
func (h *adminHandler) Transactions(w http.ResponseWriter, r *http.Request) {
	id, ok := h.tenantID(w, r)
	if !ok {
		return
	}
	writeTransactions(w, r, h.txns, id)
}
