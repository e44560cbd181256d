package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alecgard/prepaid/internal/admission"
	"github.com/alecgard/prepaid/internal/auth"
	"github.com/alecgard/prepaid/internal/config"
	"github.com/alecgard/prepaid/internal/ledger"
	"github.com/alecgard/prepaid/internal/metrics"
	"github.com/alecgard/prepaid/internal/money"
	"github.com/alecgard/prepaid/internal/notify"
	"github.com/alecgard/prepaid/internal/provider"
	"github.com/alecgard/prepaid/internal/provider/paystack"
	"github.com/alecgard/prepaid/internal/ratelimit"
	"github.com/alecgard/prepaid/internal/reconcile"
	"github.com/alecgard/prepaid/internal/settlement"
	"github.com/alecgard/prepaid/internal/subscription"
	"github.com/alecgard/prepaid/internal/tenant"
	"github.com/alecgard/prepaid/internal/txlog"
)

// ---------------------------------------------------------------------------
// Test fixtures
// ---------------------------------------------------------------------------

const (
	adminKey       = "admin-secret"
	paystackSecret = "sk_test"
)

// memTenants implements both the auth lookup and the tenant directory.
type memTenants struct {
	byID  map[string]*tenant.Tenant
	byKey map[string]string
}

func (m *memTenants) GetByID(_ context.Context, id string) (*tenant.Tenant, error) {
	t, ok := m.byID[id]
	if !ok {
		return nil, tenant.ErrNotFound
	}
	return t, nil
}

func (m *memTenants) GetByKeyHash(_ context.Context, hash string) (*auth.Tenant, error) {
	id, ok := m.byKey[hash]
	if !ok {
		return nil, fmt.Errorf("no tenant")
	}
	t := m.byID[id]
	return &auth.Tenant{ID: t.ID, Name: t.Name, RateLimit: t.RateLimit}, nil
}

// memSubs implements admission.SubscriptionLookup.
type memSubs map[string]*subscription.Subscription

func (m memSubs) Get(_ context.Context, tenantID, subService string) (*subscription.Subscription, error) {
	s, ok := m[tenantID+"/"+subService]
	if !ok {
		return nil, subscription.ErrNotFound
	}
	return s, nil
}

type fakePinger struct {
	err error
}

func (f *fakePinger) Ping(context.Context) error { return f.err }

type testEnv struct {
	handler http.Handler
	ledger  *ledger.MemoryStore
	txns    *txlog.MemoryStore
	engine  *settlement.Engine
	metrics *metrics.Metrics
}

var adminHash = func() string {
	h, err := auth.HashAdminKey(adminKey)
	if err != nil {
		panic(err)
	}
	return h
}()

// newTestEnv wires the router over in-memory stores with two tenants:
// tenant-a (key "key-a", subscribed to sms and premium_nin) and tenant-b
// (key "key-b", no subscriptions).
func newTestEnv(t *testing.T, limiter *ratelimit.Limiter) *testEnv {
	t.Helper()

	tenants := &memTenants{
		byID: map[string]*tenant.Tenant{
			"tenant-a": {ID: "tenant-a", Name: "Acme", Email: "ops@acme.test"},
			"tenant-b": {ID: "tenant-b", Name: "Beta", Email: "ops@beta.test"},
		},
		byKey: map[string]string{
			auth.HashKey("key-a"): "tenant-a",
			auth.HashKey("key-b"): "tenant-b",
		},
	}
	subs := memSubs{
		"tenant-a/sms":         {TenantID: "tenant-a", ServiceType: "otp", SubService: "sms", Active: true},
		"tenant-a/premium_nin": {TenantID: "tenant-a", ServiceType: "kyc", SubService: "premium_nin", Active: true},
	}
	catalog := config.Catalog{
		"otp": {"sms": money.MustParse("4.00"), "whatsapp": money.MustParse("3.50")},
		"kyc": {"premium_nin": money.MustParse("150.00")},
	}

	l := ledger.NewMemoryStore()
	txns := txlog.NewMemoryStore(l)
	engine := settlement.NewEngine(settlement.Config{}, l, txns, notify.Discard{})
	rec := reconcile.NewService(engine, tenants, nil)
	rec.RegisterWebhook(txlog.ProviderPaystack, paystack.New("http://unused", paystackSecret, "", time.Second, nil), false)
	m := metrics.New()

	handler := NewRouter(RouterDeps{
		Engine:       engine,
		Admission:    admission.NewChecker(subs, l, catalog),
		Reconcile:    rec,
		Ledger:       l,
		Transactions: txns,
		Tenants:      tenants,
		Catalog:      catalog,
		Auth:         auth.NewService(tenants),
		AdminKeyHash: adminHash,
		Limiter:      limiter,
		Metrics:      m,
	})
	return &testEnv{handler: handler, ledger: l, txns: txns, engine: engine, metrics: m}
}

func (e *testEnv) do(t *testing.T, method, path, key string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if s, ok := body.(string); ok {
			buf.WriteString(s)
		} else if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encoding body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) admin(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encoding body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set(auth.AdminKeyHeader, adminKey)
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) fund(t *testing.T, tenantID, amount string) {
	t.Helper()
	if _, err := e.engine.Credit(context.Background(), tenantID, money.MustParse(amount), "test funding"); err != nil {
		t.Fatalf("funding %s: %v", tenantID, err)
	}
}

func (e *testEnv) balance(t *testing.T, tenantID string) money.Amount {
	t.Helper()
	w, err := e.ledger.Wallet(context.Background(), tenantID)
	if err != nil {
		t.Fatalf("wallet: %v", err)
	}
	return w.Balance
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(rec.Body).Decode(&v); err != nil {
		t.Fatalf("decoding response %q: %v", rec.Body.String(), err)
	}
	return v
}

func assertStatus(t *testing.T, rec *httptest.ResponseRecorder, want int) {
	t.Helper()
	if rec.Code != want {
		t.Fatalf("expected status %d, got %d: %s", want, rec.Code, rec.Body.String())
	}
}

func assertErrorCode(t *testing.T, rec *httptest.ResponseRecorder, status int, code string) {
	t.Helper()
	assertStatus(t, rec, status)
	env := decode[errorEnvelope](t, rec)
	if env.Error.Code != code {
		t.Errorf("expected error code %q, got %q", code, env.Error.Code)
	}
}

// ---------------------------------------------------------------------------
// System routes
// ---------------------------------------------------------------------------

func TestHealthCheck(t *testing.T) {
	tests := []struct {
		name     string
		pool     Pinger
		status   int
		database string
	}{
		{"no pool", nil, http.StatusOK, "not_configured"},
		{"connected", &fakePinger{}, http.StatusOK, "connected"},
		{"unreachable", &fakePinger{err: errors.New("refused")}, http.StatusServiceUnavailable, "unreachable"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := NewRouter(RouterDeps{DBPool: tt.pool})
			req := httptest.NewRequest(http.MethodGet, "/health", nil)
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			assertStatus(t, rec, tt.status)
			body := decode[map[string]string](t, rec)
			if body["database"] != tt.database {
				t.Errorf("expected database=%q, got %q", tt.database, body["database"])
			}
			if rec.Header().Get("X-Request-ID") == "" {
				t.Error("expected X-Request-ID header")
			}
		})
	}
}

func TestWellKnownHandler(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/.well-known/prepaid.json", nil)
	rec := httptest.NewRecorder()
	WellKnownHandler(rec, req)

	assertStatus(t, rec, http.StatusOK)
	manifest := decode[map[string]any](t, rec)
	for _, field := range []string{"name", "version", "api_base", "auth", "endpoints", "health"} {
		if _, ok := manifest[field]; !ok {
			t.Errorf("manifest missing field %q", field)
		}
	}
}

func TestPrometheusEndpoint(t *testing.T) {
	env := newTestEnv(t, nil)
	env.do(t, http.MethodGet, "/api/v1/wallet", "key-a", nil)

	rec := env.do(t, http.MethodGet, "/metrics", "", nil)
	assertStatus(t, rec, http.StatusOK)
	if !strings.Contains(rec.Body.String(), "prepaid_http_requests_total") {
		t.Error("expected prepaid_http_requests_total in exposition")
	}
	if !strings.Contains(rec.Body.String(), `path_pattern="/api/v1/wallet"`) {
		t.Error("expected requests to be labelled by route pattern")
	}
}

// ---------------------------------------------------------------------------
// Tenant routes
// ---------------------------------------------------------------------------

func TestTenantRoutes_RequireAPIKey(t *testing.T) {
	env := newTestEnv(t, nil)

	for _, key := range []string{"", "wrong-key"} {
		rec := env.do(t, http.MethodGet, "/api/v1/wallet", key, nil)
		assertErrorCode(t, rec, http.StatusUnauthorized, "unauthorized")
	}

	summary, err := env.metrics.Summarize()
	if err != nil {
		t.Fatalf("Summarize: %v", err)
	}
	if summary.Auth.Rejections != 2 {
		t.Errorf("expected 2 auth failures, got %v", summary.Auth.Rejections)
	}
}

func TestGetWallet(t *testing.T) {
	env := newTestEnv(t, nil)
	env.fund(t, "tenant-a", "250.75")

	rec := env.do(t, http.MethodGet, "/api/v1/wallet", "key-a", nil)
	assertStatus(t, rec, http.StatusOK)
	w := decode[ledger.Wallet](t, rec)
	if w.TenantID != "tenant-a" || w.Balance != money.MustParse("250.75") {
		t.Errorf("unexpected wallet %+v", w)
	}

	// A tenant that never funded still has an empty wallet.
	rec = env.do(t, http.MethodGet, "/api/v1/wallet", "key-b", nil)
	assertStatus(t, rec, http.StatusOK)
	if w := decode[ledger.Wallet](t, rec); w.Balance != 0 {
		t.Errorf("expected zero balance, got %s", w.Balance)
	}
}

func TestCharge(t *testing.T) {
	env := newTestEnv(t, nil)
	env.fund(t, "tenant-a", "10.00")

	body := map[string]any{"reference": "sms-1", "sub_service": "sms"}
	rec := env.do(t, http.MethodPost, "/api/v1/charges", "key-a", body)
	assertStatus(t, rec, http.StatusCreated)
	resp := decode[chargeResponse](t, rec)
	if !resp.Applied || resp.Transaction.State != txlog.StateSuccessful {
		t.Fatalf("unexpected response %+v", resp)
	}
	if resp.Transaction.Provider != txlog.ProviderMobishastra {
		t.Errorf("expected default sms provider, got %s", resp.Transaction.Provider)
	}
	if resp.Balance == nil || *resp.Balance != money.MustParse("6.00") {
		t.Errorf("expected balance 6.00, got %v", resp.Balance)
	}

	// Replaying the reference does not debit again.
	rec = env.do(t, http.MethodPost, "/api/v1/charges", "key-a", body)
	assertStatus(t, rec, http.StatusOK)
	if resp := decode[chargeResponse](t, rec); resp.Applied {
		t.Error("expected replay to report applied=false")
	}
	if got := env.balance(t, "tenant-a"); got != money.MustParse("6.00") {
		t.Errorf("expected balance 6.00 after replay, got %s", got)
	}
}

func TestCharge_Rejections(t *testing.T) {
	env := newTestEnv(t, nil)
	env.fund(t, "tenant-a", "100.00")

	tests := []struct {
		name   string
		key    string
		body   any
		status int
		code   string
	}{
		{"bad json", "key-a", "{", http.StatusBadRequest, "invalid_json"},
		{"missing sub service", "key-a", map[string]any{}, http.StatusBadRequest, "validation_error"},
		{"unknown provider", "key-a", map[string]any{"sub_service": "sms", "provider": "pigeon"}, http.StatusBadRequest, "validation_error"},
		{"not subscribed", "key-b", map[string]any{"sub_service": "sms"}, http.StatusForbidden, "not_subscribed"},
		{"insufficient funds", "key-a", map[string]any{"reference": "kyc-1", "sub_service": "premium_nin"}, http.StatusPaymentRequired, "insufficient_funds"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(t, http.MethodPost, "/api/v1/charges", tt.key, tt.body)
			assertErrorCode(t, rec, tt.status, tt.code)
		})
	}

	// The underfunded attempt is kept as a failed record.
	tx, err := env.txns.Get(context.Background(), "kyc-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if tx.State != txlog.StateFailed {
		t.Errorf("expected failed record, got %s", tx.State)
	}
	if got := env.balance(t, "tenant-a"); got != money.MustParse("100.00") {
		t.Errorf("balance moved: %s", got)
	}
}

func TestCharge_RetryAfterInsufficientFunds(t *testing.T) {
	env := newTestEnv(t, nil)
	body := map[string]any{"reference": "sms-retry", "sub_service": "sms"}

	rec := env.do(t, http.MethodPost, "/api/v1/charges", "key-a", body)
	assertErrorCode(t, rec, http.StatusPaymentRequired, "insufficient_funds")

	env.fund(t, "tenant-a", "10.00")

	// The failed record is terminal, so the same reference is never a 200.
	rec = env.do(t, http.MethodPost, "/api/v1/charges", "key-a", body)
	assertErrorCode(t, rec, http.StatusConflict, "charge_failed")
	if got := env.balance(t, "tenant-a"); got != money.MustParse("10.00") {
		t.Errorf("balance moved: %s", got)
	}

	rec = env.do(t, http.MethodPost, "/api/v1/charges", "key-a",
		map[string]any{"reference": "sms-retry-2", "sub_service": "sms"})
	assertStatus(t, rec, http.StatusCreated)
	if got := env.balance(t, "tenant-a"); got != money.MustParse("6.00") {
		t.Errorf("expected balance 6.00, got %s", got)
	}
}

func TestOpenAndFinalize(t *testing.T) {
	env := newTestEnv(t, nil)
	env.fund(t, "tenant-a", "200.00")

	rec := env.do(t, http.MethodPost, "/api/v1/charges/open", "key-a",
		map[string]any{"reference": "kyc-open", "sub_service": "premium_nin"})
	assertStatus(t, rec, http.StatusCreated)
	tx := decode[txlog.Transaction](t, rec)
	if tx.State != txlog.StatePending || tx.Amount != money.MustParse("150.00") {
		t.Fatalf("unexpected transaction %+v", tx)
	}
	if got := env.balance(t, "tenant-a"); got != money.MustParse("200.00") {
		t.Errorf("opening must not move money, balance %s", got)
	}

	rec = env.do(t, http.MethodPost, "/api/v1/charges/kyc-open/finalize", "key-a", map[string]any{"outcome": "bogus"})
	assertErrorCode(t, rec, http.StatusBadRequest, "invalid_outcome")

	rec = env.do(t, http.MethodPost, "/api/v1/charges/kyc-open/finalize", "key-a", map[string]any{"outcome": "successful"})
	assertStatus(t, rec, http.StatusOK)
	if resp := decode[chargeResponse](t, rec); !resp.Applied {
		t.Error("expected first finalize to apply")
	}

	rec = env.do(t, http.MethodPost, "/api/v1/charges/kyc-open/finalize", "key-a", map[string]any{"outcome": "failed"})
	assertStatus(t, rec, http.StatusOK)
	resp := decode[chargeResponse](t, rec)
	if resp.Applied || resp.Transaction.State != txlog.StateSuccessful {
		t.Errorf("expected second finalize to be a no-op, got %+v", resp)
	}
	if got := env.balance(t, "tenant-a"); got != money.MustParse("50.00") {
		t.Errorf("expected balance 50.00, got %s", got)
	}
}

func TestOpen_DeniedWhenUnderfunded(t *testing.T) {
	env := newTestEnv(t, nil)
	env.fund(t, "tenant-a", "1.00")

	rec := env.do(t, http.MethodPost, "/api/v1/charges/open", "key-a", map[string]any{"sub_service": "sms"})
	assertErrorCode(t, rec, http.StatusPaymentRequired, "insufficient_funds")

	list, _, err := env.txns.List(context.Background(), txlog.Query{TenantID: "tenant-a"})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 0 {
		t.Errorf("expected no record for a denied open, got %d", len(list))
	}
}

func TestCompensate(t *testing.T) {
	env := newTestEnv(t, nil)
	env.fund(t, "tenant-a", "10.00")

	rec := env.do(t, http.MethodPost, "/api/v1/charges", "key-a", map[string]any{"reference": "sms-2", "sub_service": "sms"})
	assertStatus(t, rec, http.StatusCreated)

	rec = env.do(t, http.MethodPost, "/api/v1/charges/sms-2/compensate", "key-a", map[string]any{"reason": "undelivered"})
	assertStatus(t, rec, http.StatusOK)
	resp := decode[chargeResponse](t, rec)
	if !resp.Applied || resp.Transaction.State != txlog.StateFailed {
		t.Fatalf("unexpected response %+v", resp)
	}
	if got := env.balance(t, "tenant-a"); got != money.MustParse("10.00") {
		t.Errorf("expected refund to restore 10.00, got %s", got)
	}

	// A second reversal finds nothing left to give back.
	rec = env.do(t, http.MethodPost, "/api/v1/charges/sms-2/compensate", "key-a", nil)
	assertStatus(t, rec, http.StatusOK)
	if resp := decode[chargeResponse](t, rec); resp.Applied {
		t.Error("expected second compensation to be a no-op")
	}
	if got := env.balance(t, "tenant-a"); got != money.MustParse("10.00") {
		t.Errorf("expected balance unchanged, got %s", got)
	}
}

func TestChargeRoutes_OtherTenant(t *testing.T) {
	env := newTestEnv(t, nil)
	env.fund(t, "tenant-a", "10.00")
	env.do(t, http.MethodPost, "/api/v1/charges", "key-a", map[string]any{"reference": "sms-3", "sub_service": "sms"})

	paths := []string{
		"/api/v1/charges/sms-3/compensate",
		"/api/v1/charges/sms-3/finalize",
	}
	for _, p := range paths {
		rec := env.do(t, http.MethodPost, p, "key-b", map[string]any{"outcome": "failed"})
		assertErrorCode(t, rec, http.StatusNotFound, "not_found")
	}

	rec := env.do(t, http.MethodGet, "/api/v1/transactions/sms-3", "key-b", nil)
	assertErrorCode(t, rec, http.StatusNotFound, "not_found")

	rec = env.do(t, http.MethodGet, "/api/v1/transactions/sms-3", "key-a", nil)
	assertStatus(t, rec, http.StatusOK)
}

func TestCompensate_FundingRecordRejected(t *testing.T) {
	env := newTestEnv(t, nil)
	_, err := env.engine.Open(context.Background(), settlement.OpenInput{
		Reference: "fund_x",
		TenantID:  "tenant-a",
		Purpose:   txlog.PurposeFunding,
		Provider:  txlog.ProviderPaystack,
		Amount:    money.MustParse("500.00"),
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	rec := env.do(t, http.MethodPost, "/api/v1/charges/fund_x/compensate", "key-a", nil)
	assertErrorCode(t, rec, http.StatusConflict, "wrong_purpose")
}

func TestListTransactionsAndHistory(t *testing.T) {
	env := newTestEnv(t, nil)
	env.fund(t, "tenant-a", "20.00")
	for i := 0; i < 3; i++ {
		rec := env.do(t, http.MethodPost, "/api/v1/charges", "key-a", map[string]any{"reference": fmt.Sprintf("sms-l%d", i), "sub_service": "sms"})
		assertStatus(t, rec, http.StatusCreated)
	}

	rec := env.do(t, http.MethodGet, "/api/v1/transactions?limit=2&purpose=consumption", "key-a", nil)
	assertStatus(t, rec, http.StatusOK)
	page := decode[struct {
		Transactions []txlog.Transaction `json:"transactions"`
		NextCursor   string              `json:"next_cursor"`
	}](t, rec)
	if len(page.Transactions) != 2 || page.NextCursor == "" {
		t.Fatalf("expected 2 transactions and a cursor, got %d %q", len(page.Transactions), page.NextCursor)
	}

	rec = env.do(t, http.MethodGet, "/api/v1/transactions?limit=2&purpose=consumption&cursor="+page.NextCursor, "key-a", nil)
	assertStatus(t, rec, http.StatusOK)
	if rest := decode[map[string]any](t, rec); len(rest["transactions"].([]any)) != 1 {
		t.Errorf("expected 1 transaction on the second page, got %v", rest["transactions"])
	}

	rec = env.do(t, http.MethodGet, "/api/v1/wallet/history", "key-a", nil)
	assertStatus(t, rec, http.StatusOK)
	hist := decode[struct {
		Entries []ledger.Entry `json:"entries"`
	}](t, rec)
	if len(hist.Entries) != 4 {
		t.Fatalf("expected 4 entries, got %d", len(hist.Entries))
	}
	if hist.Entries[0].BalanceAfter != money.MustParse("8.00") {
		t.Errorf("expected newest entry balance 8.00, got %s", hist.Entries[0].BalanceAfter)
	}

	bad := []struct {
		path string
		code string
	}{
		{"/api/v1/transactions?limit=0", "invalid_limit"},
		{"/api/v1/transactions?purpose=gift", "invalid_purpose"},
		{"/api/v1/transactions?state=lost", "invalid_state"},
		{"/api/v1/transactions?cursor=%25%25%25", "invalid_cursor"},
		{"/api/v1/wallet/history?cursor=not-a-cursor", "invalid_cursor"},
	}
	for _, b := range bad {
		rec := env.do(t, http.MethodGet, b.path, "key-a", nil)
		assertErrorCode(t, rec, http.StatusBadRequest, b.code)
	}
}

func TestAdmissionAndCatalog(t *testing.T) {
	env := newTestEnv(t, nil)
	env.fund(t, "tenant-a", "5.00")

	tests := []struct {
		key     string
		sub     string
		allowed bool
		reason  admission.Reason
	}{
		{"key-a", "sms", true, admission.ReasonNone},
		{"key-a", "premium_nin", false, admission.ReasonInsufficientFunds},
		{"key-b", "sms", false, admission.ReasonNotSubscribed},
	}
	for _, tt := range tests {
		rec := env.do(t, http.MethodGet, "/api/v1/admission/"+tt.sub, tt.key, nil)
		assertStatus(t, rec, http.StatusOK)
		d := decode[admission.Decision](t, rec)
		if d.Allowed != tt.allowed || d.Reason != tt.reason {
			t.Errorf("%s/%s: expected allowed=%v reason=%q, got %+v", tt.key, tt.sub, tt.allowed, tt.reason, d)
		}
	}

	rec := env.do(t, http.MethodGet, "/api/v1/catalog", "key-b", nil)
	assertStatus(t, rec, http.StatusOK)
	cat := decode[struct {
		Services []catalogItem `json:"services"`
	}](t, rec)
	if len(cat.Services) != 3 || cat.Services[0].ServiceType != "kyc" {
		t.Errorf("unexpected catalog %+v", cat.Services)
	}
}

func TestFundingRoutes_Unconfigured(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, http.MethodPost, "/api/v1/funding", "key-a", map[string]any{"provider": "flutterwave", "amount": 1000})
	assertErrorCode(t, rec, http.StatusBadRequest, "unknown_provider")

	rec = env.do(t, http.MethodPost, "/api/v1/funding", "key-a", map[string]any{"amount": 1000})
	assertErrorCode(t, rec, http.StatusBadRequest, "validation_error")

	card := map[string]any{"number": "4084084084084081", "cvv": "408", "expiry_month": "12", "expiry_year": "30"}
	rec = env.do(t, http.MethodPost, "/api/v1/funding/cards", "key-a", map[string]any{"amount": 100, "card": card})
	assertErrorCode(t, rec, http.StatusNotImplemented, "not_configured")
}

func TestRateLimit(t *testing.T) {
	env := newTestEnv(t, ratelimit.New(2, time.Minute))

	for i := 0; i < 2; i++ {
		rec := env.do(t, http.MethodGet, "/api/v1/wallet", "key-a", nil)
		assertStatus(t, rec, http.StatusOK)
	}
	rec := env.do(t, http.MethodGet, "/api/v1/wallet", "key-a", nil)
	assertErrorCode(t, rec, http.StatusTooManyRequests, "rate_limited")

	// Buckets are per tenant.
	rec = env.do(t, http.MethodGet, "/api/v1/wallet", "key-b", nil)
	assertStatus(t, rec, http.StatusOK)
}

// ---------------------------------------------------------------------------
// Webhooks
// ---------------------------------------------------------------------------

func TestPaystackWebhook(t *testing.T) {
	env := newTestEnv(t, nil)
	_, err := env.engine.Open(context.Background(), settlement.OpenInput{
		Reference: "fund_wh",
		TenantID:  "tenant-a",
		Purpose:   txlog.PurposeFunding,
		Provider:  txlog.ProviderPaystack,
		Amount:    money.MustParse("500.00"),
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	body := `{"event":"charge.success","data":{"reference":"fund_wh","status":"success","amount":50000,"currency":"NGN","metadata":{"tenant_id":"tenant-a"}}}`
	post := func(sig string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/webhooks/paystack", strings.NewReader(body))
		req.Header.Set(paystack.SignatureHeader, sig)
		rec := httptest.NewRecorder()
		env.handler.ServeHTTP(rec, req)
		return rec
	}

	rec := post("deadbeef")
	assertErrorCode(t, rec, http.StatusUnauthorized, "invalid_signature")

	sig := provider.SignHMACSHA512(paystackSecret, []byte(body))
	for i := 0; i < 2; i++ {
		rec = post(sig)
		assertStatus(t, rec, http.StatusOK)
		res := decode[reconcile.WebhookResult](t, rec)
		if res.Action != reconcile.ActionSettled {
			t.Errorf("delivery %d: expected settled, got %q", i, res.Action)
		}
	}
	if got := env.balance(t, "tenant-a"); got != money.MustParse("500.00") {
		t.Errorf("expected a single credit of 500.00, got %s", got)
	}
}

func TestWebhook_UnknownProvider(t *testing.T) {
	env := newTestEnv(t, nil)
	req := httptest.NewRequest(http.MethodPost, "/webhooks/carrier-pigeon", strings.NewReader(`{}`))
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	assertErrorCode(t, rec, http.StatusNotFound, "unknown_provider")
}

// ---------------------------------------------------------------------------
// Admin routes
// ---------------------------------------------------------------------------

func TestAdminRoutes_RequireKey(t *testing.T) {
	env := newTestEnv(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/admin/tenants/tenant-a/wallet", nil)
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	assertErrorCode(t, rec, http.StatusUnauthorized, "unauthorized")

	req = httptest.NewRequest(http.MethodGet, "/api/v1/admin/tenants/tenant-a/wallet", nil)
	req.Header.Set(auth.AdminKeyHeader, "guess")
	rec = httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	assertErrorCode(t, rec, http.StatusUnauthorized, "unauthorized")

	// A tenant API key is not an admin key.
	rec = env.do(t, http.MethodGet, "/api/v1/admin/tenants/tenant-a/wallet", "key-a", nil)
	assertStatus(t, rec, http.StatusUnauthorized)
}

func TestAdminCreditAndAdjust(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.admin(t, http.MethodPost, "/api/v1/admin/tenants/tenant-a/credit", map[string]any{"amount": "1500.50"})
	assertStatus(t, rec, http.StatusCreated)
	applied := decode[ledger.Applied](t, rec)
	if applied.Wallet.Balance != money.MustParse("1500.50") || applied.Entry.Description != "Manual wallet recharge" {
		t.Errorf("unexpected credit %+v", applied)
	}

	tests := []struct {
		name   string
		path   string
		body   any
		status int
		code   string
	}{
		{"unknown tenant", "/api/v1/admin/tenants/ghost/credit", map[string]any{"amount": 10}, http.StatusNotFound, "tenant_not_found"},
		{"zero credit", "/api/v1/admin/tenants/tenant-a/credit", map[string]any{"amount": 0}, http.StatusBadRequest, "invalid_amount"},
		{"bad direction", "/api/v1/admin/tenants/tenant-a/adjust", map[string]any{"direction": "sideways", "amount": 1, "description": "x"}, http.StatusBadRequest, "validation_error"},
		{"missing description", "/api/v1/admin/tenants/tenant-a/adjust", map[string]any{"direction": "debit", "amount": 1}, http.StatusBadRequest, "validation_error"},
		{"overdraw", "/api/v1/admin/tenants/tenant-a/adjust", map[string]any{"direction": "debit", "amount": 2000, "description": "chargeback"}, http.StatusPaymentRequired, "insufficient_funds"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.admin(t, http.MethodPost, tt.path, tt.body)
			assertErrorCode(t, rec, tt.status, tt.code)
		})
	}

	rec = env.admin(t, http.MethodPost, "/api/v1/admin/tenants/tenant-a/adjust",
		map[string]any{"direction": "debit", "amount": "0.50", "description": "rounding correction"})
	assertStatus(t, rec, http.StatusCreated)

	rec = env.admin(t, http.MethodGet, "/api/v1/admin/tenants/tenant-a/wallet", nil)
	assertStatus(t, rec, http.StatusOK)
	if w := decode[ledger.Wallet](t, rec); w.Balance != money.MustParse("1500.00") {
		t.Errorf("expected 1500.00, got %s", w.Balance)
	}

	rec = env.admin(t, http.MethodGet, "/api/v1/admin/tenants/tenant-a/audit", nil)
	assertStatus(t, rec, http.StatusOK)
	report := decode[map[string]any](t, rec)
	if report["consistent"] != true || report["entry_count"] != float64(2) {
		t.Errorf("unexpected audit report %v", report)
	}
}

func TestAdminTransactions(t *testing.T) {
	env := newTestEnv(t, nil)
	env.fund(t, "tenant-a", "10.00")
	env.do(t, http.MethodPost, "/api/v1/charges", "key-a", map[string]any{"sub_service": "sms"})

	rec := env.admin(t, http.MethodGet, "/api/v1/admin/tenants/tenant-a/transactions", nil)
	assertStatus(t, rec, http.StatusOK)
	body := decode[map[string][]txlog.Transaction](t, rec)
	if len(body["transactions"]) != 1 {
		t.Errorf("expected 1 transaction, got %d", len(body["transactions"]))
	}

	rec = env.admin(t, http.MethodGet, "/api/v1/admin/metrics", nil)
	assertStatus(t, rec, http.StatusOK)
}

func TestUsage(t *testing.T) {
	env := newTestEnv(t, nil)
	env.fund(t, "tenant-a", "200.00")
	for _, body := range []map[string]any{
		{"reference": "u-sms-1", "sub_service": "sms"},
		{"reference": "u-sms-2", "sub_service": "sms"},
		{"reference": "u-nin-1", "sub_service": "premium_nin"},
	} {
		assertStatus(t, env.do(t, http.MethodPost, "/api/v1/charges", "key-a", body), http.StatusCreated)
	}
	// Compensated charges are not billed usage.
	assertStatus(t, env.do(t, http.MethodPost, "/api/v1/charges/u-sms-2/compensate", "key-a", nil), http.StatusOK)

	rec := env.do(t, http.MethodGet, "/api/v1/usage?service=otp", "key-a", nil)
	assertStatus(t, rec, http.StatusOK)
	resp := decode[usageResponse](t, rec)
	wantOTP := txlog.Usage{Calls: 1, Spent: money.MustParse("4.00")}
	if resp.Totals.Today != wantOTP || resp.Totals.Week != wantOTP || resp.Totals.Month != wantOTP {
		t.Errorf("unexpected otp totals %+v", resp.Totals)
	}
	if resp.Range != "all" || len(resp.SubServices) != 1 || resp.SubServices[0].SubService != "sms" {
		t.Errorf("unexpected sub-services %+v", resp)
	}

	rec = env.do(t, http.MethodGet, "/api/v1/usage?range=month", "key-a", nil)
	assertStatus(t, rec, http.StatusOK)
	if resp := decode[usageResponse](t, rec); resp.Totals.Month.Calls != 2 || resp.Totals.Month.Spent != money.MustParse("154.00") {
		t.Errorf("unexpected totals across services %+v", resp.Totals)
	}

	// Another tenant sees only its own usage.
	rec = env.do(t, http.MethodGet, "/api/v1/usage", "key-b", nil)
	assertStatus(t, rec, http.StatusOK)
	if resp := decode[usageResponse](t, rec); resp.Totals.Month.Calls != 0 || len(resp.SubServices) != 0 {
		t.Errorf("expected empty usage for tenant-b, got %+v", resp)
	}

	rec = env.do(t, http.MethodGet, "/api/v1/usage?range=year", "key-a", nil)
	assertErrorCode(t, rec, http.StatusBadRequest, "invalid_range")

	rec = env.admin(t, http.MethodGet, "/api/v1/admin/usage?tenant_id=tenant-a&service=kyc", nil)
	assertStatus(t, rec, http.StatusOK)
	if resp := decode[usageResponse](t, rec); resp.TenantID != "tenant-a" || resp.Totals.Today.Calls != 1 {
		t.Errorf("unexpected admin usage %+v", resp)
	}
}

// ---------------------------------------------------------------------------
// Error mapping
// ---------------------------------------------------------------------------

func TestWriteServiceError(t *testing.T) {
	tests := []struct {
		err    error
		status int
		code   string
	}{
		{fmt.Errorf("debit: %w", ledger.ErrInsufficientFunds), http.StatusPaymentRequired, "insufficient_funds"},
		{reconcile.ErrTenantMismatch, http.StatusNotFound, "not_found"},
		{settlement.ErrReferenceConflict, http.StatusConflict, "reference_conflict"},
		{fmt.Errorf("charging x: %w", settlement.ErrChargeFailed), http.StatusConflict, "charge_failed"},
		{reconcile.ErrAmountMismatch, http.StatusConflict, "amount_mismatch"},
		{fmt.Errorf("verify: %w", provider.ErrProviderUnavailable), http.StatusServiceUnavailable, "provider_unavailable"},
		{&provider.APIError{Provider: txlog.ProviderPaystack, Status: 400, Message: "Declined"}, http.StatusBadGateway, "provider_error"},
		{ledger.ErrInvariantViolation, http.StatusInternalServerError, "invariant_violation"},
		{errors.New("boom"), http.StatusInternalServerError, "internal_error"},
	}
	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			rec := httptest.NewRecorder()
			writeServiceError(rec, req, tt.err)
			assertErrorCode(t, rec, tt.status, tt.code)
		})
	}
}

func TestCORSPreflight(t *testing.T) {
	handler := NewRouter(RouterDeps{AllowedOrigins: []string{"https://dash.example"}})
	req := httptest.NewRequest(http.MethodOptions, "/api/v1/wallet", nil)
	req.Header.Set("Origin", "https://dash.example")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assertStatus(t, rec, http.StatusNoContent)
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://dash.example" {
		t.Errorf("expected origin echoed, got %q", got)
	}
	if rec.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Error("expected secure headers")
	}
}
