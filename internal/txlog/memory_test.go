package txlog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alecgard/prepaid/internal/ledger"
	"github.com/alecgard/prepaid/internal/money"
)

func newStores() (*MemoryStore, *ledger.MemoryStore) {
	l := ledger.NewMemoryStore()
	return NewMemoryStore(l), l
}

func fundingTx(ref string, amount int64) *Transaction {
	return &Transaction{
		Reference:   ref,
		TenantID:    "tenant-1",
		Purpose:     PurposeFunding,
		Provider:    ProviderPaystack,
		Amount:      money.FromMinor(amount),
		Description: "Wallet funding",
	}
}

func creditPosting(amount int64) *ledger.Posting {
	return &ledger.Posting{
		Direction:   ledger.Credit,
		Kind:        ledger.KindFunding,
		Amount:      money.FromMinor(amount),
		Description: "Wallet funding via Paystack",
	}
}

func TestCreate_ForcesPendingAndRejectsDuplicates(t *testing.T) {
	s, _ := newStores()
	ctx := context.Background()

	tx := fundingTx("fund_1", 500)
	tx.State = StateSuccessful
	if err := s.Create(ctx, tx); err != nil {
		t.Fatalf("Create: %v", err)
	}
	got, err := s.Get(ctx, "fund_1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.State != StatePending {
		t.Errorf("expected pending, got %s", got.State)
	}
	if got.Currency != money.DefaultCurrency {
		t.Errorf("expected default currency, got %s", got.Currency)
	}

	if err := s.Create(ctx, fundingTx("fund_1", 500)); !errors.Is(err, ErrDuplicateReference) {
		t.Fatalf("expected ErrDuplicateReference, got %v", err)
	}
}

func TestGet_NotFound(t *testing.T) {
	s, _ := newStores()
	if _, err := s.Get(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestTransition_GuardedOnce(t *testing.T) {
	s, l := newStores()
	ctx := context.Background()
	if err := s.Create(ctx, fundingTx("fund_1", 500)); err != nil {
		t.Fatal(err)
	}

	in := TransitionInput{
		Reference: "fund_1",
		From:      []State{StatePending},
		To:        StateSuccessful,
		Payload:   json.RawMessage(`{"status":"success"}`),
		Posting:   creditPosting(500),
	}
	res, err := s.Transition(ctx, in)
	if err != nil {
		t.Fatalf("first transition: %v", err)
	}
	if !res.Applied || res.Ledger == nil || res.Ledger.Wallet.Balance != 500 {
		t.Fatalf("expected applied with credit, got %+v", res)
	}
	if res.Ledger.Entry.Reference != "fund_1" {
		t.Errorf("expected posting to carry the reference, got %q", res.Ledger.Entry.Reference)
	}

	res, err = s.Transition(ctx, in)
	if err != nil {
		t.Fatalf("second transition: %v", err)
	}
	if res.Applied {
		t.Fatal("second transition must not apply")
	}
	w, _ := l.Wallet(ctx, "tenant-1")
	if w.Balance != 500 {
		t.Errorf("expected balance 500, got %d", w.Balance)
	}
}

func TestTransition_ConcurrentCreditsOnce(t *testing.T) {
	s, l := newStores()
	ctx := context.Background()
	if err := s.Create(ctx, fundingTx("fund_race", 1000)); err != nil {
		t.Fatal(err)
	}

	var applied atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := s.Transition(ctx, TransitionInput{
				Reference: "fund_race",
				From:      []State{StatePending},
				To:        StateSuccessful,
				Posting:   creditPosting(1000),
			})
			if err != nil {
				t.Errorf("transition: %v", err)
				return
			}
			if res.Applied {
				applied.Add(1)
			}
		}()
	}
	wg.Wait()

	if applied.Load() != 1 {
		t.Fatalf("expected exactly one applied transition, got %d", applied.Load())
	}
	w, _ := l.Wallet(ctx, "tenant-1")
	if w.Balance != 1000 {
		t.Errorf("expected balance 1000, got %d", w.Balance)
	}
}

func TestTransition_PostingFailureKeepsState(t *testing.T) {
	s, _ := newStores()
	ctx := context.Background()
	tx := fundingTx("otp_1", 100)
	tx.Purpose = PurposeConsumption
	if err := s.Create(ctx, tx); err != nil {
		t.Fatal(err)
	}

	_, err := s.Transition(ctx, TransitionInput{
		Reference: "otp_1",
		From:      []State{StatePending},
		To:        StateSuccessful,
		Posting: &ledger.Posting{
			Direction: ledger.Debit,
			Kind:      ledger.KindConsumption,
			Amount:    money.FromMinor(100),
		},
	})
	if !errors.Is(err, ledger.ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
	got, _ := s.Get(ctx, "otp_1")
	if got.State != StatePending {
		t.Errorf("expected state to stay pending, got %s", got.State)
	}
}

func TestTransition_IllegalEdges(t *testing.T) {
	s, _ := newStores()
	tests := []struct {
		name string
		from []State
		to   State
	}{
		{name: "back to pending", from: []State{StateSuccessful}, to: StatePending},
		{name: "failed is final", from: []State{StateFailed}, to: StateSuccessful},
		{name: "tokenized cannot succeed", from: []State{StateTokenized}, to: StateSuccessful},
		{name: "no source", from: nil, to: StateFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.Transition(context.Background(), TransitionInput{Reference: "x", From: tt.from, To: tt.to})
			if err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestTransition_UnknownReferenceNotApplied(t *testing.T) {
	s, _ := newStores()
	res, err := s.Transition(context.Background(), TransitionInput{
		Reference: "nope",
		From:      []State{StatePending},
		To:        StateFailed,
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Applied {
		t.Fatal("unknown reference must not apply")
	}
}

func TestTransition_KeepsAuthorization(t *testing.T) {
	s, _ := newStores()
	ctx := context.Background()
	tx := fundingTx("tok_1", 0)
	tx.Purpose = PurposeTokenization
	if err := s.Create(ctx, tx); err != nil {
		t.Fatal(err)
	}
	res, err := s.Transition(ctx, TransitionInput{
		Reference:     "tok_1",
		From:          []State{StatePending},
		To:            StateTokenized,
		Authorization: "sealed-auth",
	})
	if err != nil || !res.Applied {
		t.Fatalf("expected applied, got %+v %v", res, err)
	}
	got, _ := s.Get(ctx, "tok_1")
	if got.Authorization != "sealed-auth" || got.State != StateTokenized {
		t.Errorf("unexpected record %+v", got)
	}
}

func TestList_FiltersAndPaginates(t *testing.T) {
	s, _ := newStores()
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	i := 0
	s.now = func() time.Time {
		i++
		return base.Add(time.Duration(i) * time.Second)
	}

	for n := 0; n < 5; n++ {
		if err := s.Create(ctx, fundingTx(fmt.Sprintf("fund_%d", n), 100)); err != nil {
			t.Fatal(err)
		}
	}
	other := fundingTx("other", 100)
	other.TenantID = "tenant-2"
	if err := s.Create(ctx, other); err != nil {
		t.Fatal(err)
	}

	page, next, err := s.List(ctx, Query{TenantID: "tenant-1", Limit: 3})
	if err != nil {
		t.Fatal(err)
	}
	if len(page) != 3 || next == "" {
		t.Fatalf("expected 3 results and a cursor, got %d %q", len(page), next)
	}
	if page[0].Reference != "fund_4" {
		t.Errorf("expected newest first, got %s", page[0].Reference)
	}

	page2, next2, err := s.List(ctx, Query{TenantID: "tenant-1", Limit: 3, Cursor: next})
	if err != nil {
		t.Fatal(err)
	}
	if len(page2) != 2 || next2 != "" {
		t.Fatalf("expected final page of 2, got %d %q", len(page2), next2)
	}
	if page2[1].Reference != "fund_0" {
		t.Errorf("expected oldest last, got %s", page2[1].Reference)
	}
}

func TestEncodeCursor(t *testing.T) {
	ts := time.Date(2024, 6, 15, 12, 30, 0, 123456789, time.UTC)
	id := "550e8400-e29b-41d4-a716-446655440000"

	gotTime, gotID, err := decodeCursor(encodeCursor(ts, id))
	if err != nil {
		t.Fatalf("unexpected error decoding cursor: %v", err)
	}
	if !gotTime.Equal(ts) {
		t.Errorf("time mismatch: got %v, want %v", gotTime, ts)
	}
	if gotID != id {
		t.Errorf("id mismatch: got %q, want %q", gotID, id)
	}
}

func TestDecodeCursorInvalid(t *testing.T) {
	for _, c := range []string{"not-valid-base64!!!", "bm9waXBl", "YmFkLXRpbWV8c29tZS1pZA"} {
		if _, _, err := decodeCursor(c); err == nil {
			t.Errorf("expected error for cursor %q", c)
		}
	}
}

func TestCanTransition(t *testing.T) {
	if !CanTransition(StatePending, StateTokenized) {
		t.Error("pending -> tokenized should be legal")
	}
	if CanTransition(StateFailed, StatePending) {
		t.Error("failed -> pending should be illegal")
	}
}

func TestUsage(t *testing.T) {
	s, l := newStores()
	ctx := context.Background()
	if _, err := l.Apply(ctx, "tenant-1", ledger.Posting{Direction: ledger.Credit, Kind: ledger.KindFunding, Amount: money.FromMinor(100000), Description: "topup"}); err != nil {
		t.Fatal(err)
	}

	lastMonth := time.Date(2026, 2, 27, 9, 0, 0, 0, time.UTC)
	thisMonth := time.Date(2026, 3, 4, 9, 0, 0, 0, time.UTC)
	clock := lastMonth
	s.now = func() time.Time { return clock }

	charge := func(ref, tenantID, category, sub string, amount int64, settle bool) {
		t.Helper()
		tx := &Transaction{
			Reference:       ref,
			TenantID:        tenantID,
			Purpose:         PurposeConsumption,
			Provider:        ProviderManual,
			Amount:          money.FromMinor(amount),
			ServiceCategory: category,
			SubCategory:     sub,
		}
		if err := s.Create(ctx, tx); err != nil {
			t.Fatal(err)
		}
		if !settle {
			return
		}
		if _, err := s.Transition(ctx, TransitionInput{Reference: ref, From: []State{StatePending}, To: StateSuccessful}); err != nil {
			t.Fatal(err)
		}
	}

	charge("old", "tenant-1", "otp", "sms", 400, true)
	clock = thisMonth
	charge("sms_1", "tenant-1", "otp", "sms", 400, true)
	charge("sms_2", "tenant-1", "otp", "sms", 400, true)
	charge("wa_1", "tenant-1", "otp", "whatsapp", 500, true)
	charge("nin_1", "tenant-1", "kyc", "premium_nin", 15000, true)
	charge("pending", "tenant-1", "otp", "sms", 400, false)
	charge("other", "tenant-2", "otp", "sms", 400, true)

	tests := []struct {
		name string
		q    UsageQuery
		want Usage
	}{
		{"all time otp", UsageQuery{TenantID: "tenant-1", ServiceCategory: "otp"}, Usage{Calls: 4, Spent: 1700}},
		{"this month otp", UsageQuery{TenantID: "tenant-1", ServiceCategory: "otp", From: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)}, Usage{Calls: 3, Spent: 1300}},
		{"before march", UsageQuery{TenantID: "tenant-1", To: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)}, Usage{Calls: 1, Spent: 400}},
		{"every service", UsageQuery{TenantID: "tenant-1"}, Usage{Calls: 5, Spent: 16700}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.Usage(ctx, tt.q)
			if err != nil {
				t.Fatal(err)
			}
			if *got != tt.want {
				t.Errorf("got %+v, want %+v", *got, tt.want)
			}
		})
	}

	subs, err := s.UsageBySubService(ctx, UsageQuery{TenantID: "tenant-1", ServiceCategory: "otp"})
	if err != nil {
		t.Fatal(err)
	}
	if len(subs) != 2 || subs[0].SubService != "sms" || subs[0].Calls != 3 || subs[1].SubService != "whatsapp" {
		t.Errorf("unexpected sub-service usage %+v", subs)
	}
}

func TestPeriodStarts(t *testing.T) {
	// Wednesday 2026-03-04.
	now := time.Date(2026, 3, 4, 15, 30, 0, 0, time.UTC)
	day, week, month := PeriodStarts(now)

	if want := time.Date(2026, 3, 4, 0, 0, 0, 0, time.UTC); !day.Equal(want) {
		t.Errorf("day = %v, want %v", day, want)
	}
	if want := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC); !week.Equal(want) {
		t.Errorf("week = %v, want %v", week, want)
	}
	if want := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC); !month.Equal(want) {
		t.Errorf("month = %v, want %v", month, want)
	}

	// A Sunday belongs to the week that started the previous Monday.
	_, week, _ = PeriodStarts(time.Date(2026, 3, 8, 23, 0, 0, 0, time.UTC))
	if want := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC); !week.Equal(want) {
		t.Errorf("sunday week = %v, want %v", week, want)
	}
}
