package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/alecgard/prepaid/internal/admission"
	"github.com/alecgard/prepaid/internal/auth"
	"github.com/alecgard/prepaid/internal/ledger"
	"github.com/alecgard/prepaid/internal/money"
	"github.com/alecgard/prepaid/internal/settlement"
	"github.com/alecgard/prepaid/internal/txlog"
	"github.com/go-chi/chi/v5"
)

// chargesHandler meters consumption against the tenant's wallet.
type chargesHandler struct {
	engine    *settlement.Engine
	admission *admission.Checker
	maxBody   int64
}

func newChargesHandler(engine *settlement.Engine, a *admission.Checker, maxBody int64) *chargesHandler {
	return &chargesHandler{engine: engine, admission: a, maxBody: maxBody}
}

type chargeRequest struct {
	Reference   string          `json:"reference"`
	SubService  string          `json:"sub_service"`
	Provider    txlog.Provider  `json:"provider"`
	Description string          `json:"description"`
	Payload     json.RawMessage `json:"payload,omitempty"`
}

type chargeResponse struct {
	Applied     bool               `json:"applied"`
	Transaction *txlog.Transaction `json:"transaction"`
	Balance     *money.Amount      `json:"balance,omitempty"`
}

func newChargeResponse(res *settlement.Result) chargeResponse {
	out := chargeResponse{Applied: res.Applied, Transaction: res.Transaction}
	if b, ok := res.Balance(); ok {
		out.Balance = &b
	}
	return out
}

// serviceProviders is the delivery provider assumed for each service when a
// caller does not name one.
var serviceProviders = map[string]txlog.Provider{
	"sms":      txlog.ProviderMobishastra,
	"whatsapp": txlog.ProviderWhatsApp,
	"telegram": txlog.ProviderTelegram,
}

func defaultProvider(serviceType, subService string) txlog.Provider {
	if p, ok := serviceProviders[subService]; ok {
		return p
	}
	switch serviceType {
	case "kyc":
		return txlog.ProviderKYC
	case "email":
		return txlog.ProviderEmail
	}
	return txlog.ProviderManual
}

// prepare validates req and resolves its cost. ok=false means a response was
// already written.
func (h *chargesHandler) prepare(w http.ResponseWriter, r *http.Request, tenantID string, req *chargeRequest) (admission.Decision, bool) {
	if req.SubService == "" {
		writeError(w, http.StatusBadRequest, "validation_error", "sub_service is required")
		return admission.Decision{}, false
	}
	if req.Provider != "" && !req.Provider.Valid() {
		writeError(w, http.StatusBadRequest, "validation_error", fmt.Sprintf("unknown provider %q", req.Provider))
		return admission.Decision{}, false
	}

	d, err := h.admission.CanConsume(r.Context(), tenantID, req.SubService)
	if err != nil {
		writeServiceError(w, r, err)
		return d, false
	}
	if d.Reason == admission.ReasonNotSubscribed {
		writeError(w, http.StatusForbidden, "not_subscribed", fmt.Sprintf("not subscribed to %s", req.SubService))
		return d, false
	}

	if req.Provider == "" {
		req.Provider = defaultProvider(d.ServiceType, req.SubService)
	}
	if req.Description == "" {
		req.Description = fmt.Sprintf("%s %s", d.ServiceType, req.SubService)
	}
	return d, true
}

// Charge handles POST /api/v1/charges: debit for an action already
// delivered. Replaying a reference returns the original outcome.
func (h *chargesHandler) Charge(w http.ResponseWriter, r *http.Request) {
	t := auth.TenantFromContext(r.Context())

	var req chargeRequest
	if err := readJSON(w, r, h.maxBody, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}
	d, ok := h.prepare(w, r, t.ID, &req)
	if !ok {
		return
	}

	res, err := h.engine.Charge(r.Context(), settlement.ChargeInput{
		Reference:       req.Reference,
		TenantID:        t.ID,
		Provider:        req.Provider,
		Amount:          d.Cost,
		ServiceCategory: d.ServiceType,
		SubCategory:     req.SubService,
		Description:     req.Description,
		Payload:         req.Payload,
	})
	if errors.Is(err, ledger.ErrInsufficientFunds) {
		writeError(w, http.StatusPaymentRequired, "insufficient_funds",
			fmt.Sprintf("balance too low for %s (cost %s)", req.SubService, d.Cost))
		return
	}
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	status := http.StatusOK
	if res.Applied {
		status = http.StatusCreated
	}
	writeJSON(w, status, newChargeResponse(res))
}

// Open handles POST /api/v1/charges/open: record a pending charge before
// the action is attempted. The tenant must be admitted.
func (h *chargesHandler) Open(w http.ResponseWriter, r *http.Request) {
	t := auth.TenantFromContext(r.Context())

	var req chargeRequest
	if err := readJSON(w, r, h.maxBody, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}
	d, ok := h.prepare(w, r, t.ID, &req)
	if !ok {
		return
	}
	if !d.Allowed {
		writeError(w, http.StatusPaymentRequired, string(d.Reason),
			fmt.Sprintf("balance too low for %s (cost %s)", req.SubService, d.Cost))
		return
	}

	tx, err := h.engine.Open(r.Context(), settlement.OpenInput{
		Reference:       req.Reference,
		TenantID:        t.ID,
		Purpose:         txlog.PurposeConsumption,
		Provider:        req.Provider,
		Amount:          d.Cost,
		ServiceCategory: d.ServiceType,
		SubCategory:     req.SubService,
		Description:     req.Description,
		Payload:         req.Payload,
	})
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, tx)
}

type finalizeRequest struct {
	Outcome txlog.State     `json:"outcome"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Finalize handles POST /api/v1/charges/{reference}/finalize.
func (h *chargesHandler) Finalize(w http.ResponseWriter, r *http.Request) {
	ref, ok := h.ownedConsumption(w, r)
	if !ok {
		return
	}

	var req finalizeRequest
	if err := readJSON(w, r, h.maxBody, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}

	res, err := h.engine.Finalize(r.Context(), settlement.FinalizeInput{
		Reference: ref,
		Outcome:   req.Outcome,
		Payload:   req.Payload,
	})
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newChargeResponse(res))
}

type compensateRequest struct {
	Reason string `json:"reason"`
}

// Compensate handles POST /api/v1/charges/{reference}/compensate: the
// delivery failed, so give the money back. The body is optional.
func (h *chargesHandler) Compensate(w http.ResponseWriter, r *http.Request) {
	ref, ok := h.ownedConsumption(w, r)
	if !ok {
		return
	}

	var req compensateRequest
	if r.ContentLength != 0 {
		if err := readJSON(w, r, h.maxBody, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
			return
		}
	}
	var payload []byte
	if req.Reason != "" {
		payload, _ = json.Marshal(req)
	}

	res, err := h.engine.Compensate(r.Context(), ref, payload)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newChargeResponse(res))
}

// ownedConsumption loads the path reference and checks it belongs to the
// caller and is a consumption record.
func (h *chargesHandler) ownedConsumption(w http.ResponseWriter, r *http.Request) (string, bool) {
	t := auth.TenantFromContext(r.Context())
	ref := chi.URLParam(r, "reference")

	tx, err := h.engine.Get(r.Context(), ref)
	if err != nil {
		writeServiceError(w, r, err)
		return "", false
	}
	if tx.TenantID != t.ID {
		writeServiceError(w, r, txlog.ErrNotFound)
		return "", false
	}
	if tx.Purpose != txlog.PurposeConsumption {
		writeError(w, http.StatusConflict, "wrong_purpose", fmt.Sprintf("%s is a %s record", ref, tx.Purpose))
		return "", false
	}
	return ref, true
}
