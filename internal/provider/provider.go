// Package provider holds what the payment and delivery providers have in
// common: typed webhook events, signature checks, and the gateway contracts
// the reconciliation service drives.
package provider

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/alecgard/prepaid/internal/money"
	"github.com/alecgard/prepaid/internal/txlog"
)

var (
	ErrSignatureInvalid    = errors.New("webhook signature invalid")
	ErrStaleTimestamp      = errors.New("webhook timestamp outside freshness window")
	ErrProviderUnavailable = errors.New("provider unavailable")
	ErrMalformedPayload    = errors.New("malformed provider payload")
	ErrNotConfigured       = errors.New("provider not configured")
)

// Status is a provider's normalized view of a payment.
type Status string

const (
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
	StatusPending Status = "pending"
)

// Event is a parsed, authenticated webhook. It is either a *FundingEvent or
// a *DeliveryEvent.
type Event interface {
	provider() txlog.Provider
}

// FundingEvent reports the state of a wallet top-up.
type FundingEvent struct {
	Provider  txlog.Provider  `json:"provider"`
	Kind      string          `json:"kind"` // provider event name, e.g. charge.success
	Reference string          `json:"reference"`
	Status    Status          `json:"status"`
	Amount    money.Amount    `json:"amount"`
	Currency  string          `json:"currency"`
	TenantID  string          `json:"tenant_id,omitempty"` // echoed metadata
	Raw       json.RawMessage `json:"-"`
}

func (e *FundingEvent) provider() txlog.Provider { return e.Provider }

// DeliveryStatus is the delivery state reported for a metered message.
type DeliveryStatus string

const (
	DeliverySent      DeliveryStatus = "sent"
	DeliveryDelivered DeliveryStatus = "delivered"
	DeliveryRead      DeliveryStatus = "read"
	DeliveryExpired   DeliveryStatus = "expired"
	DeliveryRevoked   DeliveryStatus = "revoked"
	DeliveryUnknown   DeliveryStatus = ""
)

// DeliveryEvent reports the fate of a delivered metered action.
type DeliveryEvent struct {
	Provider  txlog.Provider  `json:"provider"`
	Reference string          `json:"reference"`
	RequestID string          `json:"request_id"`
	Status    DeliveryStatus  `json:"status"`
	Refunded  bool            `json:"refunded"`
	Raw       json.RawMessage `json:"-"`
}

func (e *DeliveryEvent) provider() txlog.Provider { return e.Provider }

// Charged reports whether the provider considers the message delivered.
func (e *DeliveryEvent) Charged() bool {
	switch e.Status {
	case DeliverySent, DeliveryDelivered, DeliveryRead:
		return true
	}
	return false
}

// Reversed reports whether the fee for the message must be given back.
func (e *DeliveryEvent) Reversed() bool {
	return e.Refunded || e.Status == DeliveryExpired || e.Status == DeliveryRevoked
}

// ProviderOf returns the provider that produced e.
func ProviderOf(e Event) txlog.Provider { return e.provider() }

// WebhookParser authenticates and parses a raw webhook body. It must verify
// before it parses.
type WebhookParser interface {
	ParseWebhook(header http.Header, body []byte) (Event, error)
}

// InitRequest starts a hosted-redirect payment.
type InitRequest struct {
	Reference   string
	TenantID    string
	Email       string
	Amount      money.Amount
	Currency    string
	CallbackURL string
}

// InitResponse carries where to send the payer.
type InitResponse struct {
	AuthorizationURL string `json:"authorization_url"`
	AccessCode       string `json:"access_code,omitempty"`
}

// FundingGateway is a provider that can host a payment page and verify it.
type FundingGateway interface {
	Initialize(ctx context.Context, req InitRequest) (*InitResponse, error)
	Verify(ctx context.Context, reference string) (*FundingEvent, error)
}

// Card is a payment card presented for tokenization. It is never stored.
type Card struct {
	Number      string `json:"number"`
	CVV         string `json:"cvv"`
	ExpiryMonth string `json:"expiry_month"`
	ExpiryYear  string `json:"expiry_year"`
	PIN         string `json:"pin,omitempty"`
}

// TokenizeRequest charges a card once to obtain a reusable authorization.
type TokenizeRequest struct {
	Reference string
	TenantID  string
	Email     string
	Amount    money.Amount
	Card      Card
}

// TokenStatus is the state of a tokenization attempt.
type TokenStatus string

const (
	TokenSendOTP TokenStatus = "send_otp"
	TokenSuccess TokenStatus = "success"
	TokenFailed  TokenStatus = "failed"
	TokenPending TokenStatus = "pending"
)

// TokenResult is the provider's answer to a tokenize or OTP step.
type TokenResult struct {
	Status        TokenStatus     `json:"status"`
	Authorization string          `json:"-"`
	Message       string          `json:"message,omitempty"`
	Raw           json.RawMessage `json:"-"`
}

// ChargeRequest charges a stored authorization.
type ChargeRequest struct {
	Reference     string
	TenantID      string
	Email         string
	Amount        money.Amount
	Authorization string
}

// TokenGateway is a provider that supports tokenized recurring charges.
type TokenGateway interface {
	Tokenize(ctx context.Context, req TokenizeRequest) (*TokenResult, error)
	SubmitOTP(ctx context.Context, reference, otp string) (*TokenResult, error)
	ChargeAuthorization(ctx context.Context, req ChargeRequest) (*FundingEvent, error)
}
