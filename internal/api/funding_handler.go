package api

import (
	"net/http"

	"github.com/alecgard/prepaid/internal/auth"
	"github.com/alecgard/prepaid/internal/money"
	"github.com/alecgard/prepaid/internal/provider"
	"github.com/alecgard/prepaid/internal/reconcile"
	"github.com/alecgard/prepaid/internal/txlog"
	"github.com/go-chi/chi/v5"
)

// fundingHandler tops up wallets through the payment providers.
type fundingHandler struct {
	svc     *reconcile.Service
	maxBody int64
}

func newFundingHandler(svc *reconcile.Service, maxBody int64) *fundingHandler {
	return &fundingHandler{svc: svc, maxBody: maxBody}
}

type initiateFundingRequest struct {
	Provider txlog.Provider `json:"provider"`
	Amount   money.Amount   `json:"amount"`
}

// Initiate handles POST /api/v1/funding and returns a checkout link.
func (h *fundingHandler) Initiate(w http.ResponseWriter, r *http.Request) {
	t := auth.TenantFromContext(r.Context())

	var req initiateFundingRequest
	if err := readJSON(w, r, h.maxBody, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}
	if req.Provider == "" {
		writeError(w, http.StatusBadRequest, "validation_error", "provider is required")
		return
	}

	f, err := h.svc.InitiateFunding(r.Context(), t.ID, req.Provider, req.Amount)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, f)
}

// Confirm handles POST /api/v1/funding/{reference}/confirm, the redirect
// return path. The provider is asked for the authoritative state.
func (h *fundingHandler) Confirm(w http.ResponseWriter, r *http.Request) {
	t := auth.TenantFromContext(r.Context())

	out, err := h.svc.ConfirmFunding(r.Context(), t.ID, chi.URLParam(r, "reference"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

type tokenizeRequest struct {
	Provider txlog.Provider `json:"provider"`
	Amount   money.Amount   `json:"amount"`
	Card     provider.Card  `json:"card"`
}

// Tokenize handles POST /api/v1/funding/cards. The card details are passed
// to the provider and never stored or logged.
func (h *fundingHandler) Tokenize(w http.ResponseWriter, r *http.Request) {
	t := auth.TenantFromContext(r.Context())

	var req tokenizeRequest
	if err := readJSON(w, r, h.maxBody, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}
	if req.Provider == "" {
		req.Provider = txlog.ProviderPaystack
	}
	if req.Card.Number == "" || req.Card.CVV == "" || req.Card.ExpiryMonth == "" || req.Card.ExpiryYear == "" {
		writeError(w, http.StatusBadRequest, "validation_error", "card number, cvv and expiry are required")
		return
	}

	tok, err := h.svc.TokenizeCard(r.Context(), t.ID, req.Provider, req.Card, req.Amount)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, tok)
}

type otpRequest struct {
	OTP string `json:"otp"`
}

// SubmitOTP handles POST /api/v1/funding/cards/{reference}/otp.
func (h *fundingHandler) SubmitOTP(w http.ResponseWriter, r *http.Request) {
	t := auth.TenantFromContext(r.Context())

	var req otpRequest
	if err := readJSON(w, r, h.maxBody, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}
	if req.OTP == "" {
		writeError(w, http.StatusBadRequest, "validation_error", "otp is required")
		return
	}

	tok, err := h.svc.SubmitOTP(r.Context(), t.ID, chi.URLParam(r, "reference"), req.OTP)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tok)
}

type chargeCardRequest struct {
	Amount money.Amount `json:"amount"`
}

// ChargeCard handles POST /api/v1/funding/cards/{reference}/charge: top up
// from a tokenized card.
func (h *fundingHandler) ChargeCard(w http.ResponseWriter, r *http.Request) {
	t := auth.TenantFromContext(r.Context())

	var req chargeCardRequest
	if err := readJSON(w, r, h.maxBody, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}

	out, err := h.svc.ChargeToken(r.Context(), t.ID, chi.URLParam(r, "reference"), req.Amount)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}
