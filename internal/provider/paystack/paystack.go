// Package paystack talks to the Paystack API: hosted checkout, verification,
// card tokenization with OTP, recurring authorization charges and signed
// webhooks. Amounts on the wire are in kobo.
package paystack

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/alecgard/prepaid/internal/money"
	"github.com/alecgard/prepaid/internal/provider"
	"github.com/alecgard/prepaid/internal/txlog"
)

// SignatureHeader carries the HMAC-SHA512 of the raw webhook body.
const SignatureHeader = "X-Paystack-Signature"

// Client is a Paystack funding and token gateway.
type Client struct {
	api         *provider.Client
	secret      string
	callbackURL string
}

// New creates a Paystack client.
func New(baseURL, secretKey, callbackURL string, timeout time.Duration, httpClient *http.Client) *Client {
	return &Client{
		api:         provider.NewClient(txlog.ProviderPaystack, baseURL, secretKey, timeout, httpClient),
		secret:      secretKey,
		callbackURL: callbackURL,
	}
}

// SetMetrics sets the optional metrics recorder.
func (c *Client) SetMetrics(m provider.MetricsRecorder) {
	c.api.SetMetrics(m)
}

type metadata struct {
	TenantID string `json:"tenant_id"`
	Purpose  string `json:"purpose,omitempty"`
}

type envelope[T any] struct {
	Status  bool   `json:"status"`
	Message string `json:"message"`
	Data    T      `json:"data"`
}

type authorization struct {
	AuthorizationCode string `json:"authorization_code"`
	Reusable          bool   `json:"reusable"`
}

type transaction struct {
	Reference     string          `json:"reference"`
	Status        string          `json:"status"`
	Amount        int64           `json:"amount"`
	Currency      string          `json:"currency"`
	Metadata      json.RawMessage `json:"metadata"`
	Authorization authorization   `json:"authorization"`
	DisplayText   string          `json:"display_text"`
	GatewayResp   string          `json:"gateway_response"`
}

// Initialize starts a hosted checkout.
func (c *Client) Initialize(ctx context.Context, req provider.InitRequest) (*provider.InitResponse, error) {
	callback := req.CallbackURL
	if callback == "" {
		callback = c.callbackURL
	}
	body := map[string]any{
		"email":     req.Email,
		"amount":    req.Amount.Minor(),
		"reference": req.Reference,
		"metadata":  metadata{TenantID: req.TenantID, Purpose: "wallet_topup"},
	}
	if req.Currency != "" {
		body["currency"] = req.Currency
	}
	if callback != "" {
		body["callback_url"] = callback
	}

	var resp envelope[struct {
		AuthorizationURL string `json:"authorization_url"`
		AccessCode       string `json:"access_code"`
		Reference        string `json:"reference"`
	}]
	if err := c.api.Do(ctx, http.MethodPost, "/transaction/initialize", body, &resp); err != nil {
		return nil, err
	}
	if !resp.Status || resp.Data.AuthorizationURL == "" {
		return nil, fmt.Errorf("paystack initialize: %s: %w", resp.Message, provider.ErrMalformedPayload)
	}
	return &provider.InitResponse{
		AuthorizationURL: resp.Data.AuthorizationURL,
		AccessCode:       resp.Data.AccessCode,
	}, nil
}

// Verify asks Paystack for the authoritative state of reference.
func (c *Client) Verify(ctx context.Context, reference string) (*provider.FundingEvent, error) {
	var resp envelope[json.RawMessage]
	if err := c.api.Do(ctx, http.MethodGet, "/transaction/verify/"+url.PathEscape(reference), nil, &resp); err != nil {
		return nil, err
	}
	return fundingEvent("verify", resp.Data)
}

// Tokenize charges a card to obtain a reusable authorization. Paystack may
// answer send_otp, in which case SubmitOTP completes the step.
func (c *Client) Tokenize(ctx context.Context, req provider.TokenizeRequest) (*provider.TokenResult, error) {
	card := map[string]string{
		"number":       req.Card.Number,
		"cvv":          req.Card.CVV,
		"expiry_month": req.Card.ExpiryMonth,
		"expiry_year":  req.Card.ExpiryYear,
	}
	body := map[string]any{
		"email":     req.Email,
		"amount":    req.Amount.Minor(),
		"reference": req.Reference,
		"card":      card,
		"metadata":  metadata{TenantID: req.TenantID, Purpose: "card_tokenization"},
	}
	if req.Card.PIN != "" {
		body["pin"] = req.Card.PIN
	}
	return c.tokenStep(ctx, "/charge", body)
}

// SubmitOTP completes a tokenization that answered send_otp.
func (c *Client) SubmitOTP(ctx context.Context, reference, otp string) (*provider.TokenResult, error) {
	return c.tokenStep(ctx, "/charge/submit_otp", map[string]string{
		"reference": reference,
		"otp":       otp,
	})
}

func (c *Client) tokenStep(ctx context.Context, path string, body any) (*provider.TokenResult, error) {
	var resp envelope[json.RawMessage]
	if err := c.api.Do(ctx, http.MethodPost, path, body, &resp); err != nil {
		return nil, err
	}
	var tx transaction
	if err := json.Unmarshal(resp.Data, &tx); err != nil {
		return nil, fmt.Errorf("paystack %s: %w", path, provider.ErrMalformedPayload)
	}

	res := &provider.TokenResult{Message: tx.DisplayText, Raw: resp.Data}
	if res.Message == "" {
		res.Message = tx.GatewayResp
	}
	if res.Message == "" {
		res.Message = resp.Message
	}
	switch tx.Status {
	case "send_otp":
		res.Status = provider.TokenSendOTP
	case "success":
		if tx.Authorization.AuthorizationCode == "" {
			return nil, fmt.Errorf("paystack %s: success without authorization: %w", path, provider.ErrMalformedPayload)
		}
		res.Status = provider.TokenSuccess
		res.Authorization = tx.Authorization.AuthorizationCode
	case "failed", "abandoned":
		res.Status = provider.TokenFailed
	default:
		res.Status = provider.TokenPending
	}
	return res, nil
}

// ChargeAuthorization charges a stored authorization code.
func (c *Client) ChargeAuthorization(ctx context.Context, req provider.ChargeRequest) (*provider.FundingEvent, error) {
	body := map[string]any{
		"authorization_code": req.Authorization,
		"email":              req.Email,
		"amount":             req.Amount.Minor(),
		"reference":          req.Reference,
		"metadata":           metadata{TenantID: req.TenantID, Purpose: "wallet_topup_token"},
	}
	var resp envelope[json.RawMessage]
	if err := c.api.Do(ctx, http.MethodPost, "/transaction/charge_authorization", body, &resp); err != nil {
		return nil, err
	}
	return fundingEvent("charge_authorization", resp.Data)
}

// ParseWebhook verifies the signature over the raw body, then decodes it.
func (c *Client) ParseWebhook(header http.Header, body []byte) (provider.Event, error) {
	if err := provider.VerifyHMACSHA512(c.secret, body, header.Get(SignatureHeader)); err != nil {
		return nil, err
	}
	var ev struct {
		Event string          `json:"event"`
		Data  json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(body, &ev); err != nil {
		return nil, fmt.Errorf("paystack webhook: %w", provider.ErrMalformedPayload)
	}
	fe, err := fundingEvent(ev.Event, ev.Data)
	if err != nil {
		return nil, err
	}
	fe.Raw = json.RawMessage(body)
	return fe, nil
}

func fundingEvent(kind string, data json.RawMessage) (*provider.FundingEvent, error) {
	var tx transaction
	if err := json.Unmarshal(data, &tx); err != nil || tx.Reference == "" {
		return nil, fmt.Errorf("paystack %s: %w", kind, provider.ErrMalformedPayload)
	}
	return &provider.FundingEvent{
		Provider:  txlog.ProviderPaystack,
		Kind:      kind,
		Reference: tx.Reference,
		Status:    status(tx.Status),
		Amount:    money.FromMinor(tx.Amount),
		Currency:  tx.Currency,
		TenantID:  tenantFromMetadata(tx.Metadata),
		Raw:       data,
	}, nil
}

// tenantFromMetadata reads the echoed tenant id. Paystack sends an empty
// string instead of an object when no metadata was attached.
func tenantFromMetadata(raw json.RawMessage) string {
	var m metadata
	if len(raw) == 0 || raw[0] != '{' {
		return ""
	}
	if err := json.Unmarshal(raw, &m); err != nil {
		return ""
	}
	return m.TenantID
}

func status(s string) provider.Status {
	switch s {
	case "success":
		return provider.StatusSuccess
	case "failed", "reversed", "abandoned":
		return provider.StatusFailed
	}
	return provider.StatusPending
}
