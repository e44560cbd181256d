// Package telegram parses delivery-status callbacks from the Telegram
// Gateway verification API.
package telegram

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/alecgard/prepaid/internal/provider"
	"github.com/alecgard/prepaid/internal/txlog"
)

const (
	TimestampHeader = "X-Request-Timestamp"
	SignatureHeader = "X-Request-Signature"

	// DefaultWindow is how far a callback timestamp may drift from now.
	DefaultWindow = 300 * time.Second
)

// Parser authenticates and decodes gateway callbacks.
type Parser struct {
	token  string
	window time.Duration
	now    func() time.Time
}

// NewParser creates a parser keyed with the gateway API token.
func NewParser(token string, window time.Duration) *Parser {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Parser{token: token, window: window, now: time.Now}
}

type callback struct {
	RequestID      string `json:"request_id"`
	Payload        string `json:"payload"`
	IsRefunded     bool   `json:"is_refunded"`
	DeliveryStatus *struct {
		Status    string `json:"status"`
		UpdatedAt int64  `json:"updated_at"`
	} `json:"delivery_status"`
}

// ParseWebhook verifies the timestamped signature and returns a
// *provider.DeliveryEvent. The metering reference is the payload the
// message was sent with, falling back to the gateway request id.
func (p *Parser) ParseWebhook(header http.Header, body []byte) (provider.Event, error) {
	err := provider.VerifyTimestampedHMAC(p.token, header.Get(TimestampHeader), body,
		header.Get(SignatureHeader), p.now(), p.window)
	if err != nil {
		return nil, err
	}

	var cb callback
	if err := json.Unmarshal(body, &cb); err != nil {
		return nil, fmt.Errorf("telegram callback: %w", provider.ErrMalformedPayload)
	}
	ref := cb.Payload
	if ref == "" {
		ref = cb.RequestID
	}
	if ref == "" {
		return nil, fmt.Errorf("telegram callback without reference: %w", provider.ErrMalformedPayload)
	}

	ev := &provider.DeliveryEvent{
		Provider:  txlog.ProviderTelegram,
		Reference: ref,
		RequestID: cb.RequestID,
		Refunded:  cb.IsRefunded,
		Raw:       json.RawMessage(body),
	}
	if cb.DeliveryStatus != nil {
		ev.Status = provider.DeliveryStatus(cb.DeliveryStatus.Status)
	}
	return ev, nil
}
