// Package flutterwave is the Flutterwave Standard checkout client. Amounts
// on the wire are major-unit decimals. Webhooks are authenticated with the
// static verif-hash header only, so callers must re-verify them through
// Verify before moving money.
package flutterwave

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
	"github.com/shopspring/decimal"
)

// HashHeader carries the merchant's configured webhook secret.
const HashHeader = "verif-hash"

// Client is a Flutterwave funding gateway.
type Client struct {
	api         *provider.Client
	webhookHash string
	callbackURL string
}

// New creates a Flutterwave client.
func New(baseURL, secretKey, webhookHash, callbackURL string, timeout time.Duration, httpClient *http.Client) *Client {
	return &Client{
		api:         provider.NewClient(txlog.ProviderFlutterwave, baseURL, secretKey, timeout, httpClient),
		webhookHash: webhookHash,
		callbackURL: callbackURL,
	}
}

// SetMetrics sets the optional metrics recorder.
func (c *Client) SetMetrics(m provider.MetricsRecorder) {
	c.api.SetMetrics(m)
}

type response[T any] struct {
	Status  string `json:"status"`
	Message string `json:"message"`
	Data    T      `json:"data"`
}

type charge struct {
	TxRef    string          `json:"tx_ref"`
	Status   string          `json:"status"`
	Amount   decimal.Decimal `json:"amount"`
	Currency string          `json:"currency"`
	Meta     map[string]any  `json:"meta"`
}

// Initialize creates a hosted payment link.
func (c *Client) Initialize(ctx context.Context, req provider.InitRequest) (*provider.InitResponse, error) {
	redirect := req.CallbackURL
	if redirect == "" {
		redirect = c.callbackURL
	}
	currency := req.Currency
	if currency == "" {
		currency = money.DefaultCurrency
	}
	body := map[string]any{
		"tx_ref":       req.Reference,
		"amount":       req.Amount,
		"currency":     currency,
		"redirect_url": redirect,
		"customer":     map[string]string{"email": req.Email},
		"meta":         map[string]string{"tenant_id": req.TenantID},
	}

	var resp response[struct {
		Link string `json:"link"`
	}]
	if err := c.api.Do(ctx, http.MethodPost, "/payments", body, &resp); err != nil {
		return nil, err
	}
	if resp.Status != "success" || resp.Data.Link == "" {
		return nil, fmt.Errorf("flutterwave payments: %s: %w", resp.Message, provider.ErrMalformedPayload)
	}
	return &provider.InitResponse{AuthorizationURL: resp.Data.Link}, nil
}

// Verify looks up the authoritative state of a payment by its tx_ref.
func (c *Client) Verify(ctx context.Context, reference string) (*provider.FundingEvent, error) {
	var resp response[json.RawMessage]
	path := "/transactions/verify_by_reference?tx_ref=" + url.QueryEscape(reference)
	if err := c.api.Do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return fundingEvent("verify", resp.Data)
}

// ParseWebhook checks the verif-hash header and decodes the event. The
// decoded amount and status are hints only.
func (c *Client) ParseWebhook(header http.Header, body []byte) (provider.Event, error) {
	if err := provider.VerifySharedSecret(c.webhookHash, header.Get(HashHeader)); err != nil {
		return nil, err
	}
	var ev struct {
		Event string          `json:"event"`
		Data  json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(body, &ev); err != nil {
		return nil, fmt.Errorf("flutterwave webhook: %w", provider.ErrMalformedPayload)
	}
	fe, err := fundingEvent(ev.Event, ev.Data)
	if err != nil {
		return nil, err
	}
	fe.Raw = json.RawMessage(body)
	return fe, nil
}

func fundingEvent(kind string, data json.RawMessage) (*provider.FundingEvent, error) {
	var ch charge
	if err := json.Unmarshal(data, &ch); err != nil || ch.TxRef == "" {
		return nil, fmt.Errorf("flutterwave %s: %w", kind, provider.ErrMalformedPayload)
	}
	amount, err := money.FromDecimal(ch.Amount)
	if err != nil {
		return nil, fmt.Errorf("flutterwave %s amount: %w", kind, provider.ErrMalformedPayload)
	}
	tenantID, _ := ch.Meta["tenant_id"].(string)
	return &provider.FundingEvent{
		Provider:  txlog.ProviderFlutterwave,
		Kind:      kind,
		Reference: ch.TxRef,
		Status:    status(ch.Status),
		Amount:    amount,
		Currency:  ch.Currency,
		TenantID:  tenantID,
		Raw:       data,
	}, nil
}

func status(s string) provider.Status {
	switch s {
	case "successful":
		return provider.StatusSuccess
	case "failed", "cancelled":
		return provider.StatusFailed
	}
	return provider.StatusPending
}
