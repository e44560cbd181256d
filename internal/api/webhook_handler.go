package api

import (
	"errors"
	"io"
	"net/http"

	"github.com/alecgard/prepaid/internal/reconcile"
	"github.com/alecgard/prepaid/internal/txlog"
	"github.com/go-chi/chi/v5"
)

// webhookHandler receives provider callbacks. The body is read raw because
// signatures are computed over the exact bytes sent.
type webhookHandler struct {
	svc     *reconcile.Service
	maxBody int64
}

func newWebhookHandler(svc *reconcile.Service, maxBody int64) *webhookHandler {
	return &webhookHandler{svc: svc, maxBody: maxBody}
}

// Receive handles POST /webhooks/{provider}. A 2xx response tells the
// provider to stop retrying.
func (h *webhookHandler) Receive(w http.ResponseWriter, r *http.Request) {
	p := txlog.Provider(chi.URLParam(r, "provider"))

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "body_too_large", "webhook body too large")
			return
		}
		writeError(w, http.StatusBadRequest, "invalid_body", "could not read webhook body")
		return
	}

	res, err := h.svc.HandleWebhook(r.Context(), p, r.Header, body)
	if err != nil {
		if errors.Is(err, reconcile.ErrUnknownProvider) {
			writeError(w, http.StatusNotFound, "unknown_provider", "no webhook configured for this provider")
			return
		}
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
