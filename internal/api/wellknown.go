package api

import "net/http"

// wellKnownManifest is the static JSON manifest for /.well-known/prepaid.json.
const wellKnownManifest = `{
  "name": "prepaid",
  "description": "Prepaid wallet billing and settlement for metered services",
  "version": "0.1.0",
  "api_base": "/api/v1",
  "auth": {
    "type": "bearer",
    "header": "Authorization"
  },
  "endpoints": {
    "wallet": "/api/v1/wallet",
    "transactions": "/api/v1/transactions",
    "catalog": "/api/v1/catalog",
    "admission": "/api/v1/admission/{subService}",
    "charges": "/api/v1/charges",
    "funding": "/api/v1/funding",
    "usage": "/api/v1/usage",
    "webhooks": "/webhooks/{provider}"
  },
  "health": "/health"
}`

// WellKnownHandler returns the static service manifest.
func WellKnownHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(wellKnownManifest))
}
