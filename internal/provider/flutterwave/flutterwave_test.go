package flutterwave

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alecgard/prepaid/internal/money"
	"github.com/alecgard/prepaid/internal/provider"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return New(srv.URL, "FLWSECK_TEST", "whsec", "https://app.example.com/wallet", 2*time.Second, srv.Client())
}

func TestInitialize(t *testing.T) {
	var got map[string]any
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/payments" {
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer FLWSECK_TEST" {
			t.Errorf("missing bearer secret")
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		_, _ = w.Write([]byte(`{"status":"success","message":"Hosted Link","data":{"link":"https://checkout.flutterwave.com/v3/hosted/pay/abc"}}`))
	})

	resp, err := c.Initialize(context.Background(), provider.InitRequest{
		Reference: "fund_1",
		TenantID:  "tenant-1",
		Email:     "ops@acme.test",
		Amount:    money.MustParse("1500.50"),
	})
	if err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if resp.AuthorizationURL == "" {
		t.Fatal("expected a payment link")
	}
	if got["tx_ref"] != "fund_1" || got["currency"] != "NGN" {
		t.Errorf("unexpected body %v", got)
	}
	if got["amount"].(float64) != 1500.5 {
		t.Errorf("expected major-unit amount, got %v", got["amount"])
	}
	if got["redirect_url"] != "https://app.example.com/wallet" {
		t.Errorf("expected default redirect, got %v", got["redirect_url"])
	}
}

func TestVerify(t *testing.T) {
	tests := []struct {
		name   string
		body   string
		status provider.Status
		amount money.Amount
	}{
		{"successful", `{"status":"success","data":{"tx_ref":"fund_1","status":"successful","amount":5000,"currency":"NGN","meta":{"tenant_id":"tenant-1"}}}`, provider.StatusSuccess, money.MustParse("5000")},
		{"fractional", `{"status":"success","data":{"tx_ref":"fund_1","status":"successful","amount":99.99,"currency":"NGN"}}`, provider.StatusSuccess, money.FromMinor(9999)},
		{"failed", `{"status":"success","data":{"tx_ref":"fund_1","status":"failed","amount":5000}}`, provider.StatusFailed, money.MustParse("5000")},
		{"pending", `{"status":"success","data":{"tx_ref":"fund_1","status":"pending","amount":5000}}`, provider.StatusPending, money.MustParse("5000")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path != "/transactions/verify_by_reference" || r.URL.Query().Get("tx_ref") != "fund_1" {
					t.Errorf("unexpected request %s", r.URL.String())
				}
				_, _ = w.Write([]byte(tt.body))
			})
			ev, err := c.Verify(context.Background(), "fund_1")
			if err != nil {
				t.Fatalf("Verify: %v", err)
			}
			if ev.Status != tt.status || ev.Amount != tt.amount {
				t.Errorf("got status=%s amount=%s", ev.Status, ev.Amount)
			}
		})
	}
}

func TestVerify_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()
	c := New(srv.URL, "FLWSECK_TEST", "whsec", "", 50*time.Millisecond, srv.Client())

	if _, err := c.Verify(context.Background(), "fund_1"); !errors.Is(err, provider.ErrProviderUnavailable) {
		t.Fatalf("expected ErrProviderUnavailable, got %v", err)
	}
}

func TestParseWebhook(t *testing.T) {
	c := New("http://unused", "FLWSECK_TEST", "whsec", "", time.Second, nil)
	body := []byte(`{"event":"charge.completed","data":{"tx_ref":"fund_1","status":"successful","amount":5000,"currency":"NGN"}}`)

	tests := []struct {
		name    string
		hash    string
		wantErr error
	}{
		{"valid", "whsec", nil},
		{"wrong hash", "nope", provider.ErrSignatureInvalid},
		{"missing hash", "", provider.ErrSignatureInvalid},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := http.Header{}
			if tt.hash != "" {
				h.Set(HashHeader, tt.hash)
			}
			ev, err := c.ParseWebhook(h, body)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("expected %v, got %v", tt.wantErr, err)
			}
			if tt.wantErr != nil {
				return
			}
			fe := ev.(*provider.FundingEvent)
			if fe.Reference != "fund_1" || fe.Kind != "charge.completed" {
				t.Errorf("unexpected event %+v", fe)
			}
		})
	}
}

func TestParseWebhook_Malformed(t *testing.T) {
	c := New("http://unused", "FLWSECK_TEST", "whsec", "", time.Second, nil)
	h := http.Header{}
	h.Set(HashHeader, "whsec")
	if _, err := c.ParseWebhook(h, []byte(`{"event":"charge.completed","data":{}}`)); !errors.Is(err, provider.ErrMalformedPayload) {
		t.Fatalf("expected ErrMalformedPayload, got %v", err)
	}
}
