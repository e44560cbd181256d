package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/alecgard/prepaid/internal/admission"
	"github.com/alecgard/prepaid/internal/auth"
	"github.com/alecgard/prepaid/internal/config"
	"github.com/alecgard/prepaid/internal/ledger"
	"github.com/alecgard/prepaid/internal/money"
	"github.com/alecgard/prepaid/internal/txlog"
	"github.com/go-chi/chi/v5"
)

// walletHandler serves the read side of a tenant's account.
type walletHandler struct {
	ledger    ledger.Store
	txns      txlog.Store
	admission *admission.Checker
	catalog   config.Catalog
}

func newWalletHandler(l ledger.Store, txns txlog.Store, a *admission.Checker, catalog config.Catalog) *walletHandler {
	return &walletHandler{ledger: l, txns: txns, admission: a, catalog: catalog}
}

var errInvalidLimit = errors.New("limit must be a positive integer")

// parseLimit reads the optional limit query parameter.
func parseLimit(r *http.Request) (int, error) {
	limitStr := r.URL.Query().Get("limit")
	if limitStr == "" {
		return 0, nil
	}
	l, err := strconv.Atoi(limitStr)
	if err != nil || l < 1 {
		return 0, errInvalidLimit
	}
	if l > 200 {
		l = 200
	}
	return l, nil
}

// Get handles GET /api/v1/wallet.
func (h *walletHandler) Get(w http.ResponseWriter, r *http.Request) {
	t := auth.TenantFromContext(r.Context())
	wallet, err := h.ledger.Wallet(r.Context(), t.ID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, wallet)
}

// History handles GET /api/v1/wallet/history.
func (h *walletHandler) History(w http.ResponseWriter, r *http.Request) {
	t := auth.TenantFromContext(r.Context())
	writeHistory(w, r, h.ledger, t.ID)
}

func writeHistory(w http.ResponseWriter, r *http.Request, l ledger.Store, tenantID string) {
	limit, err := parseLimit(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_limit", err.Error())
		return
	}

	entries, nextCursor, err := l.History(r.Context(), ledger.HistoryQuery{
		TenantID: tenantID,
		Cursor:   r.URL.Query().Get("cursor"),
		Limit:    limit,
	})
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	if entries == nil {
		entries = []*ledger.Entry{}
	}

	resp := map[string]interface{}{
		"entries": entries,
	}
	if nextCursor != "" {
		resp["next_cursor"] = nextCursor
	}
	writeJSON(w, http.StatusOK, resp)
}

// Transactions handles GET /api/v1/transactions.
func (h *walletHandler) Transactions(w http.ResponseWriter, r *http.Request) {
	t := auth.TenantFromContext(r.Context())
	writeTransactions(w, r, h.txns, t.ID)
}

func writeTransactions(w http.ResponseWriter, r *http.Request, txns txlog.Store, tenantID string) {
	limit, err := parseLimit(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_limit", err.Error())
		return
	}

	q := txlog.Query{
		TenantID: tenantID,
		Purpose:  txlog.Purpose(r.URL.Query().Get("purpose")),
		State:    txlog.State(r.URL.Query().Get("state")),
		Cursor:   r.URL.Query().Get("cursor"),
		Limit:    limit,
	}
	switch q.Purpose {
	case "", txlog.PurposeFunding, txlog.PurposeConsumption, txlog.PurposeTokenization:
	default:
		writeError(w, http.StatusBadRequest, "invalid_purpose", "purpose must be funding, consumption or tokenization")
		return
	}
	switch q.State {
	case "", txlog.StatePending, txlog.StateSuccessful, txlog.StateTokenized, txlog.StateFailed:
	default:
		writeError(w, http.StatusBadRequest, "invalid_state", "unknown transaction state")
		return
	}

	list, nextCursor, err := txns.List(r.Context(), q)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	if list == nil {
		list = []*txlog.Transaction{}
	}

	resp := map[string]interface{}{
		"transactions": list,
	}
	if nextCursor != "" {
		resp["next_cursor"] = nextCursor
	}
	writeJSON(w, http.StatusOK, resp)
}

// Transaction handles GET /api/v1/transactions/{reference}. Records of other
// tenants are reported as not found.
func (h *walletHandler) Transaction(w http.ResponseWriter, r *http.Request) {
	t := auth.TenantFromContext(r.Context())
	tx, err := h.txns.Get(r.Context(), chi.URLParam(r, "reference"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	if tx.TenantID != t.ID {
		writeServiceError(w, r, txlog.ErrNotFound)
		return
	}
	writeJSON(w, http.StatusOK, tx)
}

type catalogItem struct {
	ServiceType string       `json:"service_type"`
	SubService  string       `json:"sub_service"`
	Cost        money.Amount `json:"cost"`
}

// Catalog handles GET /api/v1/catalog.
func (h *walletHandler) Catalog(w http.ResponseWriter, r *http.Request) {
	entries := h.catalog.Entries()
	items := make([]catalogItem, 0, len(entries))
	for _, e := range entries {
		items = append(items, catalogItem{ServiceType: e.ServiceType, SubService: e.SubService, Cost: e.Cost})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"services": items})
}

// Admission handles GET /api/v1/admission/{subService}. A denial is a normal
// answer, not an error.
func (h *walletHandler) Admission(w http.ResponseWriter, r *http.Request) {
	t := auth.TenantFromContext(r.Context())
	d, err := h.admission.CanConsume(r.Context(), t.ID, chi.URLParam(r, "subService"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}
