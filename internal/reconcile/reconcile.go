// Package reconcile turns provider traffic into settlement calls: hosted
// checkout funding, tokenized card charges, and signed webhooks. Every path
// records a pending transaction before it talks to a provider and ends in a
// guarded finalize, so confirm calls and webhooks race safely.
package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/alecgard/prepaid/internal/crypto"
	"github.com/alecgard/prepaid/internal/ledger"
	"github.com/alecgard/prepaid/internal/money"
	"github.com/alecgard/prepaid/internal/provider"
	"github.com/alecgard/prepaid/internal/settlement"
	"github.com/alecgard/prepaid/internal/tenant"
	"github.com/alecgard/prepaid/internal/txlog"
)

var (
	ErrUnknownProvider = errors.New("provider not supported for this operation")
	ErrTenantMismatch  = errors.New("transaction belongs to another tenant")
	ErrAmountMismatch  = errors.New("provider amount does not match transaction")
	ErrWrongPurpose    = errors.New("transaction has the wrong purpose for this operation")
	ErrNotTokenized    = errors.New("card is not tokenized")
)

// Settler is the part of the settlement engine reconciliation drives.
type Settler interface {
	Open(ctx context.Context, in settlement.OpenInput) (*txlog.Transaction, error)
	Finalize(ctx context.Context, in settlement.FinalizeInput) (*settlement.Result, error)
	Compensate(ctx context.Context, reference string, payload []byte) (*settlement.Result, error)
	MarkTokenized(ctx context.Context, reference, authorization string, payload []byte) (*settlement.Result, error)
	Get(ctx context.Context, reference string) (*txlog.Transaction, error)
}

// TenantDirectory resolves the payer identity sent to providers.
type TenantDirectory interface {
	GetByID(ctx context.Context, id string) (*tenant.Tenant, error)
}

// MetricsRecorder is an optional interface for counting webhook outcomes.
type MetricsRecorder interface {
	IncWebhook(provider, result string)
}

type webhookSource struct {
	parser   provider.WebhookParser
	reverify bool
}

// Service is the provider reconciliation adapter.
type Service struct {
	engine   Settler
	tenants  TenantDirectory
	sealer   *crypto.Sealer
	funding  map[txlog.Provider]provider.FundingGateway
	tokens   map[txlog.Provider]provider.TokenGateway
	webhooks map[txlog.Provider]webhookSource
	metrics  MetricsRecorder
}

// NewService creates a Service. A nil sealer disables card tokenization.
func NewService(engine Settler, tenants TenantDirectory, sealer *crypto.Sealer) *Service {
	return &Service{
		engine:   engine,
		tenants:  tenants,
		sealer:   sealer,
		funding:  make(map[txlog.Provider]provider.FundingGateway),
		tokens:   make(map[txlog.Provider]provider.TokenGateway),
		webhooks: make(map[txlog.Provider]webhookSource),
	}
}

// SetMetrics sets the optional metrics recorder.
func (s *Service) SetMetrics(m MetricsRecorder) {
	s.metrics = m
}

// RegisterFunding enables hosted checkout through g.
func (s *Service) RegisterFunding(p txlog.Provider, g provider.FundingGateway) {
	s.funding[p] = g
}

// RegisterTokens enables tokenized card charges through g.
func (s *Service) RegisterTokens(p txlog.Provider, g provider.TokenGateway) {
	s.tokens[p] = g
}

// RegisterWebhook accepts webhooks from p. With reverify set, a funding
// event is treated as a hint and re-fetched through the funding gateway
// before it moves money.
func (s *Service) RegisterWebhook(p txlog.Provider, parser provider.WebhookParser, reverify bool) {
	s.webhooks[p] = webhookSource{parser: parser, reverify: reverify}
}

// Funding is a started hosted checkout.
type Funding struct {
	Reference        string         `json:"reference"`
	Provider         txlog.Provider `json:"provider"`
	Amount           money.Amount   `json:"amount"`
	AuthorizationURL string         `json:"authorization_url"`
	AccessCode       string         `json:"access_code,omitempty"`
}

// Outcome is the state of a funding or consumption record after a
// reconciliation step.
type Outcome struct {
	Reference string        `json:"reference"`
	State     txlog.State   `json:"state"`
	Applied   bool          `json:"applied"`
	Balance   *money.Amount `json:"balance,omitempty"`
}

func outcomeOf(res *settlement.Result, fallback *txlog.Transaction) *Outcome {
	out := &Outcome{Reference: fallback.Reference, State: fallback.State}
	if res == nil {
		return out
	}
	out.Applied = res.Applied
	if res.Transaction != nil {
		out.Reference = res.Transaction.Reference
		out.State = res.Transaction.State
	}
	if b, ok := res.Balance(); ok {
		out.Balance = &b
	}
	return out
}

// InitiateFunding opens a pending funding record and asks the provider for
// a checkout link. A provider rejection fails the record. An outage leaves
// it pending: the checkout may exist, and a later webhook or confirm settles
// it.
func (s *Service) InitiateFunding(ctx context.Context, tenantID string, p txlog.Provider, amount money.Amount) (*Funding, error) {
	gw, ok := s.funding[p]
	if !ok {
		return nil, fmt.Errorf("funding via %q: %w", p, ErrUnknownProvider)
	}
	if !amount.IsPositive() {
		return nil, ledger.ErrInvalidAmount
	}
	t, err := s.tenants.GetByID(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("looking up tenant: %w", err)
	}

	tx, err := s.engine.Open(ctx, settlement.OpenInput{
		TenantID:    tenantID,
		Purpose:     txlog.PurposeFunding,
		Provider:    p,
		Amount:      amount,
		Description: fundingDescription(p),
	})
	if err != nil {
		return nil, err
	}

	resp, err := gw.Initialize(ctx, provider.InitRequest{
		Reference: tx.Reference,
		TenantID:  tenantID,
		Email:     t.Email,
		Amount:    amount,
		Currency:  tx.Currency,
	})
	if err != nil {
		var apiErr *provider.APIError
		if errors.As(err, &apiErr) {
			s.failQuietly(ctx, tx.Reference, nil)
		}
		return nil, fmt.Errorf("initializing %s checkout: %w", p, err)
	}

	slog.Info("funding initiated", "tenant_id", tenantID, "reference", tx.Reference, "provider", p, "amount", amount)
	return &Funding{
		Reference:        tx.Reference,
		Provider:         p,
		Amount:           amount,
		AuthorizationURL: resp.AuthorizationURL,
		AccessCode:       resp.AccessCode,
	}, nil
}

// ConfirmFunding asks the provider for the authoritative state of a funding
// record and finalizes it. A provider outage leaves the record pending.
func (s *Service) ConfirmFunding(ctx context.Context, tenantID, reference string) (*Outcome, error) {
	tx, err := s.engine.Get(ctx, reference)
	if err != nil {
		return nil, err
	}
	if tx.TenantID != tenantID {
		return nil, ErrTenantMismatch
	}
	if tx.Purpose != txlog.PurposeFunding {
		return nil, ErrWrongPurpose
	}
	if tx.State.Terminal() {
		return outcomeOf(nil, tx), nil
	}
	return s.verifyAndSettle(ctx, tx)
}

func (s *Service) verifyAndSettle(ctx context.Context, tx *txlog.Transaction) (*Outcome, error) {
	gw, ok := s.funding[tx.Provider]
	if !ok {
		return nil, fmt.Errorf("verifying via %q: %w", tx.Provider, ErrUnknownProvider)
	}
	ev, err := gw.Verify(ctx, tx.Reference)
	if err != nil {
		return nil, fmt.Errorf("verifying %s: %w", tx.Reference, err)
	}
	return s.settleFunding(ctx, tx, ev)
}

// settleFunding finalizes tx from an authenticated provider view. A success
// whose amount or currency disagrees with the record is failed instead of
// credited and reported as ErrAmountMismatch.
func (s *Service) settleFunding(ctx context.Context, tx *txlog.Transaction, ev *provider.FundingEvent) (*Outcome, error) {
	if ev.Reference != tx.Reference {
		return nil, fmt.Errorf("provider answered for %q: %w", ev.Reference, provider.ErrMalformedPayload)
	}

	var outcome txlog.State
	switch ev.Status {
	case provider.StatusPending:
		return outcomeOf(nil, tx), nil
	case provider.StatusFailed:
		outcome = txlog.StateFailed
	case provider.StatusSuccess:
		outcome = txlog.StateSuccessful
	}

	var mismatch error
	if outcome == txlog.StateSuccessful && !sameMoney(tx, ev) {
		slog.Error("provider amount disagrees with funding record",
			"reference", tx.Reference, "tenant_id", tx.TenantID, "provider", tx.Provider,
			"expected", tx.Amount, "reported", ev.Amount, "currency", ev.Currency, "alert", true)
		outcome = txlog.StateFailed
		mismatch = ErrAmountMismatch
	}

	res, err := s.engine.Finalize(ctx, settlement.FinalizeInput{
		Reference: tx.Reference,
		Outcome:   outcome,
		Payload:   ev.Raw,
	})
	if err != nil {
		return nil, err
	}
	if res.Applied && outcome == txlog.StateSuccessful {
		slog.Info("funding settled", "tenant_id", tx.TenantID, "reference", tx.Reference, "amount", tx.Amount)
	}
	return outcomeOf(res, tx), mismatch
}

func sameMoney(tx *txlog.Transaction, ev *provider.FundingEvent) bool {
	if ev.Amount != tx.Amount {
		return false
	}
	return ev.Currency == "" || strings.EqualFold(ev.Currency, tx.Currency)
}

// WebhookResult says what a webhook did. Every result is acknowledged to the
// provider; only errors are retried.
type WebhookResult struct {
	Provider  txlog.Provider `json:"provider"`
	Reference string         `json:"reference,omitempty"`
	Action    string         `json:"action"`
	Outcome   *Outcome       `json:"outcome,omitempty"`
}

const (
	ActionSettled     = "settled"
	ActionCompensated = "compensated"
	ActionIgnored     = "ignored"
	ActionPending     = "pending"
)

// HandleWebhook authenticates a raw webhook and applies it. Unknown
// references are acknowledged and ignored so the provider stops retrying.
func (s *Service) HandleWebhook(ctx context.Context, p txlog.Provider, header http.Header, body []byte) (*WebhookResult, error) {
	src, ok := s.webhooks[p]
	if !ok {
		s.countWebhook(p, "unknown_provider")
		return nil, fmt.Errorf("webhook from %q: %w", p, ErrUnknownProvider)
	}

	ev, err := src.parser.ParseWebhook(header, body)
	if err != nil {
		if errors.Is(err, provider.ErrSignatureInvalid) || errors.Is(err, provider.ErrStaleTimestamp) {
			slog.Warn("webhook rejected", "provider", p, "error", err)
			s.countWebhook(p, "rejected")
		} else {
			s.countWebhook(p, "malformed")
		}
		return nil, err
	}

	var res *WebhookResult
	switch e := ev.(type) {
	case *provider.FundingEvent:
		res, err = s.handleFunding(ctx, src, e)
	case *provider.DeliveryEvent:
		res, err = s.handleDelivery(ctx, e)
	default:
		err = fmt.Errorf("unexpected event %T: %w", ev, provider.ErrMalformedPayload)
	}
	if err != nil && !errors.Is(err, ErrAmountMismatch) {
		s.countWebhook(p, "error")
		return res, err
	}
	res.Provider = p
	s.countWebhook(p, res.Action)
	return res, err
}

func (s *Service) handleFunding(ctx context.Context, src webhookSource, ev *provider.FundingEvent) (*WebhookResult, error) {
	res := &WebhookResult{Reference: ev.Reference, Action: ActionIgnored}

	tx, err := s.engine.Get(ctx, ev.Reference)
	if errors.Is(err, txlog.ErrNotFound) {
		slog.Info("webhook for unknown reference", "provider", ev.Provider, "reference", ev.Reference)
		return res, nil
	}
	if err != nil {
		return nil, err
	}
	if tx.Purpose != txlog.PurposeFunding || tx.Provider != ev.Provider {
		slog.Warn("funding webhook for non-funding record", "provider", ev.Provider,
			"reference", ev.Reference, "purpose", tx.Purpose)
		return res, nil
	}
	if ev.TenantID != "" && ev.TenantID != tx.TenantID {
		slog.Error("webhook tenant disagrees with funding record", "provider", ev.Provider,
			"reference", ev.Reference, "tenant_id", tx.TenantID, "reported_tenant", ev.TenantID, "alert", true)
		return nil, ErrTenantMismatch
	}
	if tx.State.Terminal() {
		if tx.State == txlog.StateFailed && ev.Status == provider.StatusSuccess {
			slog.Error("provider reports payment for failed funding record", "provider", ev.Provider,
				"reference", ev.Reference, "tenant_id", tx.TenantID, "amount", ev.Amount, "alert", true)
		}
		res.Action = ActionSettled
		res.Outcome = outcomeOf(nil, tx)
		return res, nil
	}

	var out *Outcome
	if src.reverify {
		out, err = s.verifyAndSettle(ctx, tx)
	} else {
		out, err = s.settleFunding(ctx, tx, ev)
	}
	if out != nil {
		res.Outcome = out
		res.Action = ActionSettled
		if out.State == txlog.StatePending {
			res.Action = ActionPending
		}
	}
	return res, err
}

func (s *Service) handleDelivery(ctx context.Context, ev *provider.DeliveryEvent) (*WebhookResult, error) {
	res := &WebhookResult{Reference: ev.Reference, Action: ActionIgnored}

	tx, err := s.engine.Get(ctx, ev.Reference)
	if errors.Is(err, txlog.ErrNotFound) {
		slog.Info("delivery report for unknown reference", "provider", ev.Provider,
			"reference", ev.Reference, "request_id", ev.RequestID)
		return res, nil
	}
	if err != nil {
		return nil, err
	}
	if tx.Purpose != txlog.PurposeConsumption {
		return res, nil
	}

	switch {
	case ev.Reversed():
		r, err := s.engine.Compensate(ctx, ev.Reference, ev.Raw)
		if err != nil {
			return nil, err
		}
		res.Action = ActionCompensated
		res.Outcome = outcomeOf(r, tx)
	case ev.Charged():
		r, err := s.engine.Finalize(ctx, settlement.FinalizeInput{
			Reference: ev.Reference,
			Outcome:   txlog.StateSuccessful,
			Payload:   ev.Raw,
		})
		if err != nil && !errors.Is(err, ledger.ErrInsufficientFunds) {
			return nil, err
		}
		if err != nil {
			slog.Warn("delivered message could not be charged", "tenant_id", tx.TenantID,
				"reference", ev.Reference, "error", err)
		}
		res.Action = ActionSettled
		res.Outcome = outcomeOf(r, tx)
	}
	return res, nil
}

// Tokenization is the state of a card tokenization attempt.
type Tokenization struct {
	Reference string               `json:"reference"`
	Status    provider.TokenStatus `json:"status"`
	Message   string               `json:"message,omitempty"`
	Funding   *Outcome             `json:"funding,omitempty"`
}

// TokenizeCard charges amount to a card to obtain a reusable
// authorization. The charge is credited to the wallet once the card is
// tokenized. The provider may ask for an OTP, finished by SubmitOTP.
func (s *Service) TokenizeCard(ctx context.Context, tenantID string, p txlog.Provider, card provider.Card, amount money.Amount) (*Tokenization, error) {
	if s.sealer == nil {
		return nil, crypto.ErrNoKey
	}
	gw, ok := s.tokens[p]
	if !ok {
		return nil, fmt.Errorf("tokenizing via %q: %w", p, ErrUnknownProvider)
	}
	if !amount.IsPositive() {
		return nil, ledger.ErrInvalidAmount
	}
	t, err := s.tenants.GetByID(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("looking up tenant: %w", err)
	}

	tx, err := s.engine.Open(ctx, settlement.OpenInput{
		TenantID:    tenantID,
		Purpose:     txlog.PurposeTokenization,
		Provider:    p,
		Amount:      amount,
		Description: "Card tokenization",
	})
	if err != nil {
		return nil, err
	}

	tr, err := gw.Tokenize(ctx, provider.TokenizeRequest{
		Reference: tx.Reference,
		TenantID:  tenantID,
		Email:     t.Email,
		Amount:    amount,
		Card:      card,
	})
	if err != nil {
		var apiErr *provider.APIError
		if errors.As(err, &apiErr) {
			s.failQuietly(ctx, tx.Reference, nil)
		}
		return nil, fmt.Errorf("tokenizing card: %w", err)
	}
	return s.applyTokenResult(ctx, tx, tr)
}

// SubmitOTP completes a tokenization that is waiting for a one-time code.
func (s *Service) SubmitOTP(ctx context.Context, tenantID, reference, otp string) (*Tokenization, error) {
	tx, err := s.tokenizationFor(ctx, tenantID, reference)
	if err != nil {
		return nil, err
	}
	if tx.State.Terminal() {
		return &Tokenization{Reference: reference, Status: tokenStatusOf(tx.State)}, nil
	}
	gw, ok := s.tokens[tx.Provider]
	if !ok {
		return nil, fmt.Errorf("tokenizing via %q: %w", tx.Provider, ErrUnknownProvider)
	}
	tr, err := gw.SubmitOTP(ctx, reference, otp)
	if err != nil {
		return nil, fmt.Errorf("submitting otp: %w", err)
	}
	return s.applyTokenResult(ctx, tx, tr)
}

func (s *Service) applyTokenResult(ctx context.Context, tx *txlog.Transaction, tr *provider.TokenResult) (*Tokenization, error) {
	out := &Tokenization{Reference: tx.Reference, Status: tr.Status, Message: tr.Message}

	switch tr.Status {
	case provider.TokenSendOTP, provider.TokenPending:
		return out, nil
	case provider.TokenFailed:
		if _, err := s.engine.Finalize(ctx, settlement.FinalizeInput{
			Reference: tx.Reference,
			Outcome:   txlog.StateFailed,
			Payload:   tr.Raw,
		}); err != nil {
			return nil, err
		}
		return out, nil
	}

	sealed, err := s.sealer.Seal(tx.Reference, tr.Authorization)
	if err != nil {
		return nil, fmt.Errorf("sealing authorization: %w", err)
	}
	res, err := s.engine.MarkTokenized(ctx, tx.Reference, sealed, tr.Raw)
	if err != nil {
		return nil, err
	}
	if res.Transaction == nil || res.Transaction.State != txlog.StateTokenized {
		// The record was failed while the provider was answering.
		slog.Warn("token result for closed tokenization", "tenant_id", tx.TenantID,
			"reference", tx.Reference, "provider", tx.Provider)
		out.Status = provider.TokenFailed
		return out, nil
	}

	funding, err := s.creditTokenizationCharge(ctx, tx, tr.Raw)
	if err != nil {
		return nil, err
	}
	out.Funding = funding
	slog.Info("card tokenized", "tenant_id", tx.TenantID, "reference", tx.Reference, "provider", tx.Provider)
	return out, nil
}

// creditTokenizationCharge credits the amount charged while tokenizing. Its
// funding reference is derived from the tokenization reference so a retry
// finds the same record.
func (s *Service) creditTokenizationCharge(ctx context.Context, tok *txlog.Transaction, raw json.RawMessage) (*Outcome, error) {
	ref := "fund_" + strings.TrimPrefix(tok.Reference, "tok_")
	_, err := s.engine.Open(ctx, settlement.OpenInput{
		Reference:   ref,
		TenantID:    tok.TenantID,
		Purpose:     txlog.PurposeFunding,
		Provider:    tok.Provider,
		Amount:      tok.Amount,
		Description: fundingDescription(tok.Provider) + " (card)",
	})
	if err != nil && !errors.Is(err, txlog.ErrDuplicateReference) {
		return nil, err
	}
	res, err := s.engine.Finalize(ctx, settlement.FinalizeInput{
		Reference: ref,
		Outcome:   txlog.StateSuccessful,
		Payload:   raw,
	})
	if err != nil {
		return nil, err
	}
	return outcomeOf(res, &txlog.Transaction{Reference: ref}), nil
}

// ChargeToken tops up the wallet by charging a tokenized card.
func (s *Service) ChargeToken(ctx context.Context, tenantID, tokenReference string, amount money.Amount) (*Outcome, error) {
	tok, err := s.tokenizationFor(ctx, tenantID, tokenReference)
	if err != nil {
		return nil, err
	}
	if tok.State != txlog.StateTokenized {
		return nil, ErrNotTokenized
	}
	if !amount.IsPositive() {
		return nil, ledger.ErrInvalidAmount
	}
	gw, ok := s.tokens[tok.Provider]
	if !ok {
		return nil, fmt.Errorf("charging via %q: %w", tok.Provider, ErrUnknownProvider)
	}
	authorization, err := s.sealer.Open(tok.Reference, tok.Authorization)
	if err != nil {
		return nil, fmt.Errorf("opening authorization: %w", err)
	}
	t, err := s.tenants.GetByID(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("looking up tenant: %w", err)
	}

	tx, err := s.engine.Open(ctx, settlement.OpenInput{
		TenantID:    tenantID,
		Purpose:     txlog.PurposeFunding,
		Provider:    tok.Provider,
		Amount:      amount,
		Description: fundingDescription(tok.Provider) + " (saved card)",
	})
	if err != nil {
		return nil, err
	}

	ev, err := gw.ChargeAuthorization(ctx, provider.ChargeRequest{
		Reference:     tx.Reference,
		TenantID:      tenantID,
		Email:         t.Email,
		Amount:        amount,
		Authorization: authorization,
	})
	if err != nil {
		var apiErr *provider.APIError
		if errors.As(err, &apiErr) {
			s.failQuietly(ctx, tx.Reference, nil)
		}
		return nil, fmt.Errorf("charging saved card: %w", err)
	}
	return s.settleFunding(ctx, tx, ev)
}

func (s *Service) tokenizationFor(ctx context.Context, tenantID, reference string) (*txlog.Transaction, error) {
	tx, err := s.engine.Get(ctx, reference)
	if err != nil {
		return nil, err
	}
	if tx.TenantID != tenantID {
		return nil, ErrTenantMismatch
	}
	if tx.Purpose != txlog.PurposeTokenization {
		return nil, ErrWrongPurpose
	}
	return tx, nil
}

// failQuietly fails a pending record after a definitive provider rejection.
func (s *Service) failQuietly(ctx context.Context, reference string, payload json.RawMessage) {
	if _, err := s.engine.Finalize(ctx, settlement.FinalizeInput{
		Reference: reference,
		Outcome:   txlog.StateFailed,
		Payload:   payload,
	}); err != nil {
		slog.Warn("failed to close rejected transaction", "reference", reference, "error", err)
	}
}

func (s *Service) countWebhook(p txlog.Provider, result string) {
	if s.metrics != nil {
		s.metrics.IncWebhook(string(p), result)
	}
}

func tokenStatusOf(st txlog.State) provider.TokenStatus {
	switch st {
	case txlog.StateTokenized:
		return provider.TokenSuccess
	case txlog.StateFailed:
		return provider.TokenFailed
	}
	return provider.TokenPending
}

func fundingDescription(p txlog.Provider) string {
	name := string(p)
	if name == "" {
		return "Wallet funding"
	}
	return "Wallet funding via " + strings.ToUpper(name[:1]) + name[1:]
}
