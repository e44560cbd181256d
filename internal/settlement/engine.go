// Package settlement moves money between tenants' wallets and the outside
// world. Every mutation goes through the ledger's atomic postings, and every
// mutation tied to a reference goes through the transaction log's guarded
// transition, so retries and racing confirmations settle exactly once.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/alecgard/prepaid/internal/ledger"
	"github.com/alecgard/prepaid/internal/money"
	"github.com/alecgard/prepaid/internal/notify"
	"github.com/alecgard/prepaid/internal/txlog"
	"github.com/google/uuid"
)

const refundPrefix = "Refund: "

// MetricsRecorder is an optional interface for recording settlement metrics.
type MetricsRecorder interface {
	IncLedgerPosting(direction, kind string)
	IncInsufficientFunds()
	IncFinalize(outcome string, applied bool)
}

// Engine performs debits, credits, refunds and guarded finalization.
type Engine struct {
	cfg     Config
	ledger  ledger.Store
	txns    txlog.Store
	events  notify.Publisher
	metrics MetricsRecorder
}

// NewEngine creates an engine. A nil publisher discards events.
func NewEngine(cfg Config, l ledger.Store, txns txlog.Store, events notify.Publisher) *Engine {
	if events == nil {
		events = notify.Discard{}
	}
	return &Engine{cfg: cfg, ledger: l, txns: txns, events: events}
}

// SetMetrics sets the optional metrics recorder.
func (e *Engine) SetMetrics(m MetricsRecorder) {
	e.metrics = m
}

// Debit takes amount from the tenant. ErrInsufficientFunds is an expected,
// retryable outcome.
func (e *Engine) Debit(ctx context.Context, tenantID string, amount money.Amount, desc string) (*ledger.Applied, error) {
	return e.post(ctx, tenantID, ledger.Posting{
		Direction:   ledger.Debit,
		Kind:        ledger.KindConsumption,
		Amount:      amount,
		Description: desc,
	}, notify.KindDebited)
}

// Credit adds amount to the tenant. It has no precondition.
func (e *Engine) Credit(ctx context.Context, tenantID string, amount money.Amount, desc string) (*ledger.Applied, error) {
	return e.post(ctx, tenantID, ledger.Posting{
		Direction:   ledger.Credit,
		Kind:        ledger.KindFunding,
		Amount:      amount,
		Description: desc,
	}, notify.KindCredited)
}

// Refund is a credit tagged as a refund in the history.
func (e *Engine) Refund(ctx context.Context, tenantID string, amount money.Amount, desc string) (*ledger.Applied, error) {
	return e.post(ctx, tenantID, ledger.Posting{
		Direction:   ledger.Credit,
		Kind:        ledger.KindRefund,
		Amount:      amount,
		Description: refundDescription(desc),
	}, notify.KindRefunded)
}

// Adjust posts an operator correction in either direction.
func (e *Engine) Adjust(ctx context.Context, tenantID string, dir ledger.Direction, amount money.Amount, desc string) (*ledger.Applied, error) {
	kind := notify.KindCredited
	if dir == ledger.Debit {
		kind = notify.KindDebited
	}
	return e.post(ctx, tenantID, ledger.Posting{
		Direction:   dir,
		Kind:        ledger.KindAdjustment,
		Amount:      amount,
		Description: desc,
	}, kind)
}

func (e *Engine) post(ctx context.Context, tenantID string, p ledger.Posting, kind notify.Kind) (*ledger.Applied, error) {
	applied, err := e.ledger.Apply(ctx, tenantID, p)
	if err != nil {
		if errors.Is(err, ledger.ErrInsufficientFunds) && e.metrics != nil {
			e.metrics.IncInsufficientFunds()
		}
		return nil, fmt.Errorf("%s %s for tenant %s: %w", p.Direction, p.Amount, tenantID, err)
	}
	e.afterPosting(applied, kind)
	return applied, nil
}

// Open records a pending attempt before any external side effect.
func (e *Engine) Open(ctx context.Context, in OpenInput) (*txlog.Transaction, error) {
	if in.Purpose != txlog.PurposeTokenization && !in.Amount.IsPositive() {
		return nil, ledger.ErrInvalidAmount
	}
	if in.Reference == "" {
		in.Reference = NewReference(in.Purpose)
	}
	tx := &txlog.Transaction{
		Reference:       in.Reference,
		TenantID:        in.TenantID,
		Purpose:         in.Purpose,
		Provider:        in.Provider,
		Amount:          in.Amount,
		Currency:        in.Currency,
		ServiceCategory: in.ServiceCategory,
		SubCategory:     in.SubCategory,
		Description:     in.Description,
		RawPayload:      in.Payload,
	}
	if err := e.txns.Create(ctx, tx); err != nil {
		return nil, fmt.Errorf("opening %s: %w", in.Reference, err)
	}
	return tx, nil
}

// Charge records and debits a delivered metered action. Retrying with the
// same reference never debits twice. A retry of a charge that failed, for
// example on insufficient funds, returns ErrChargeFailed.
func (e *Engine) Charge(ctx context.Context, in ChargeInput) (*Result, error) {
	open := OpenInput{
		Reference:       in.Reference,
		TenantID:        in.TenantID,
		Purpose:         txlog.PurposeConsumption,
		Provider:        in.Provider,
		Amount:          in.Amount,
		ServiceCategory: in.ServiceCategory,
		SubCategory:     in.SubCategory,
		Description:     in.Description,
	}
	if open.Reference == "" {
		open.Reference = NewReference(txlog.PurposeConsumption)
	}

	_, err := e.Open(ctx, open)
	switch {
	case err == nil:
	case errors.Is(err, txlog.ErrDuplicateReference):
		existing, gerr := e.txns.Get(ctx, open.Reference)
		if gerr != nil {
			return nil, gerr
		}
		if existing.TenantID != in.TenantID || existing.Purpose != txlog.PurposeConsumption {
			return nil, ErrReferenceConflict
		}
		if existing.State == txlog.StateFailed {
			return nil, fmt.Errorf("charging %s: %w", open.Reference, ErrChargeFailed)
		}
	default:
		return nil, err
	}

	return e.Finalize(ctx, FinalizeInput{
		Reference: open.Reference,
		Outcome:   txlog.StateSuccessful,
		Payload:   in.Payload,
	})
}

// Finalize moves a pending record to its terminal outcome exactly once. On
// success it applies the posting implied by the record's purpose in the same
// atomic step. Losing the race yields Applied=false.
//
// An unknown reference is not applied and is not an error. A consumption
// whose debit finds insufficient funds is finalized as failed and
// ErrInsufficientFunds is returned alongside the result.
func (e *Engine) Finalize(ctx context.Context, in FinalizeInput) (*Result, error) {
	if in.Outcome != txlog.StateSuccessful && in.Outcome != txlog.StateFailed {
		return nil, ErrInvalidOutcome
	}

	tx, err := e.txns.Get(ctx, in.Reference)
	if errors.Is(err, txlog.ErrNotFound) {
		slog.Info("finalize for unknown reference", "reference", in.Reference)
		return &Result{}, nil
	}
	if err != nil {
		return nil, err
	}

	var posting *ledger.Posting
	if in.Outcome == txlog.StateSuccessful {
		posting = postingFor(tx)
	}

	res, err := e.txns.Transition(ctx, txlog.TransitionInput{
		Reference: in.Reference,
		From:      []txlog.State{txlog.StatePending},
		To:        in.Outcome,
		Payload:   in.Payload,
		Posting:   posting,
	})
	if errors.Is(err, ledger.ErrInsufficientFunds) {
		if e.metrics != nil {
			e.metrics.IncInsufficientFunds()
		}
		failed, ferr := e.Finalize(ctx, FinalizeInput{Reference: in.Reference, Outcome: txlog.StateFailed, Payload: in.Payload})
		if ferr != nil {
			return nil, ferr
		}
		return failed, fmt.Errorf("finalizing %s: %w", in.Reference, ledger.ErrInsufficientFunds)
	}
	if err != nil {
		return nil, fmt.Errorf("finalizing %s: %w", in.Reference, err)
	}

	if e.metrics != nil {
		e.metrics.IncFinalize(string(in.Outcome), res.Applied)
	}

	if !res.Applied {
		return e.alreadyHandled(ctx, in.Reference)
	}

	if res.Ledger != nil {
		e.afterPosting(res.Ledger, eventKindFor(tx.Purpose))
	}
	return &Result{Applied: true, Transaction: res.Transaction, Ledger: res.Ledger}, nil
}

// Compensate reverses a consumption record. A successful charge is refunded
// and flipped to failed; a pending one is failed without moving money; a
// failed one is left alone.
func (e *Engine) Compensate(ctx context.Context, reference string, payload []byte) (*Result, error) {
	tx, err := e.txns.Get(ctx, reference)
	if err != nil {
		return nil, err
	}
	if tx.Purpose != txlog.PurposeConsumption {
		return nil, fmt.Errorf("%s is a %s record: %w", reference, tx.Purpose, ErrNotCompensable)
	}

	in := txlog.TransitionInput{
		Reference: reference,
		To:        txlog.StateFailed,
		Payload:   payload,
	}
	switch tx.State {
	case txlog.StateFailed:
		return &Result{Transaction: tx}, nil
	case txlog.StatePending:
		in.From = []txlog.State{txlog.StatePending}
	case txlog.StateSuccessful:
		in.From = []txlog.State{txlog.StateSuccessful}
		in.Posting = &ledger.Posting{
			Direction:   ledger.Credit,
			Kind:        ledger.KindRefund,
			Amount:      tx.Amount,
			Description: refundDescription(tx.Description),
		}
	default:
		return nil, fmt.Errorf("%s is %s: %w", reference, tx.State, ErrNotCompensable)
	}

	res, err := e.txns.Transition(ctx, in)
	if err != nil {
		return nil, fmt.Errorf("compensating %s: %w", reference, err)
	}
	if !res.Applied {
		// The state moved under us; report whatever won.
		current, gerr := e.txns.Get(ctx, reference)
		if gerr != nil {
			return nil, gerr
		}
		return &Result{Transaction: current}, nil
	}

	if res.Ledger != nil {
		e.afterPosting(res.Ledger, notify.KindRefunded)
	}
	return &Result{Applied: true, Transaction: res.Transaction, Ledger: res.Ledger}, nil
}

// MarkTokenized records that a payment instrument was verified and stores
// its sealed authorization.
func (e *Engine) MarkTokenized(ctx context.Context, reference, authorization string, payload []byte) (*Result, error) {
	res, err := e.txns.Transition(ctx, txlog.TransitionInput{
		Reference:     reference,
		From:          []txlog.State{txlog.StatePending},
		To:            txlog.StateTokenized,
		Payload:       payload,
		Authorization: authorization,
	})
	if err != nil {
		return nil, fmt.Errorf("tokenizing %s: %w", reference, err)
	}
	if !res.Applied {
		return e.alreadyHandled(ctx, reference)
	}
	return &Result{Applied: true, Transaction: res.Transaction}, nil
}

// Get returns the record for reference.
func (e *Engine) Get(ctx context.Context, reference string) (*txlog.Transaction, error) {
	return e.txns.Get(ctx, reference)
}

// alreadyHandled loads a record whose guarded transition matched nothing.
// States only move forward, so a record still pending here means storage
// is lying to us.
func (e *Engine) alreadyHandled(ctx context.Context, reference string) (*Result, error) {
	current, err := e.txns.Get(ctx, reference)
	if err != nil {
		return nil, err
	}
	if current.State == txlog.StatePending {
		slog.Error("guarded transition matched no row but record is pending",
			"reference", reference, "tenant_id", current.TenantID, "alert", true)
		return nil, fmt.Errorf("%s: %w", reference, ledger.ErrInvariantViolation)
	}
	return &Result{Transaction: current}, nil
}

// afterPosting counts the posting and publishes its events. It never fails.
func (e *Engine) afterPosting(a *ledger.Applied, kind notify.Kind) {
	if e.metrics != nil {
		e.metrics.IncLedgerPosting(string(a.Entry.Direction), string(a.Entry.Kind))
	}

	e.events.Publish(notify.Event{
		Kind:        kind,
		TenantID:    a.Wallet.TenantID,
		Balance:     a.Wallet.Balance,
		Delta:       a.Delta(),
		Reference:   a.Entry.Reference,
		Description: a.Entry.Description,
		At:          a.Entry.CreatedAt,
	})

	if crossedLowBalance(e.cfg.LowBalanceThreshold, a.Previous, a.Wallet.Balance) {
		e.events.Publish(notify.Event{
			Kind:      notify.KindLowBalance,
			TenantID:  a.Wallet.TenantID,
			Balance:   a.Wallet.Balance,
			Delta:     a.Delta(),
			Threshold: e.cfg.LowBalanceThreshold,
			Reference: a.Entry.Reference,
			At:        a.Entry.CreatedAt,
		})
	}
}

// crossedLowBalance is true only for the posting that takes the balance from
// above the threshold to at or below it.
func crossedLowBalance(threshold, prev, next money.Amount) bool {
	if threshold <= 0 {
		return false
	}
	return prev > threshold && next <= threshold
}

func postingFor(tx *txlog.Transaction) *ledger.Posting {
	switch tx.Purpose {
	case txlog.PurposeFunding:
		return &ledger.Posting{
			Direction:   ledger.Credit,
			Kind:        ledger.KindFunding,
			Amount:      tx.Amount,
			Description: tx.Description,
		}
	case txlog.PurposeConsumption:
		return &ledger.Posting{
			Direction:   ledger.Debit,
			Kind:        ledger.KindConsumption,
			Amount:      tx.Amount,
			Description: tx.Description,
		}
	}
	return nil
}

func eventKindFor(p txlog.Purpose) notify.Kind {
	if p == txlog.PurposeFunding {
		return notify.KindFunded
	}
	return notify.KindDebited
}

func refundDescription(desc string) string {
	if strings.HasPrefix(desc, refundPrefix) {
		return desc
	}
	return refundPrefix + desc
}

// NewReference generates a locally unique reference for purpose.
func NewReference(p txlog.Purpose) string {
	prefix := "chg_"
	switch p {
	case txlog.PurposeFunding:
		prefix = "fund_"
	case txlog.PurposeTokenization:
		prefix = "tok_"
	}
	return prefix + uuid.NewString()
}
