package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/alecgard/prepaid/internal/money"
	"github.com/google/uuid"
)

type memWallet struct {
	balance   money.Amount
	updatedAt time.Time
	entries   []Entry
}

// MemoryStore is an in-process Store. A single mutex stands in for the row
// lock Postgres takes, so it offers the same atomicity per posting. It backs
// tests and single-node development runs.
type MemoryStore struct {
	mu      sync.Mutex
	wallets map[string]*memWallet
	seq     int64
	now     func() time.Time
}

// NewMemoryStore creates an empty in-memory ledger.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		wallets: make(map[string]*memWallet),
		now:     time.Now,
	}
}

// Apply posts p atomically.
func (s *MemoryStore) Apply(_ context.Context, tenantID string, p Posting) (*Applied, error) {
	if err := validatePosting(p); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.wallets[tenantID]
	if !ok {
		w = &memWallet{}
		s.wallets[tenantID] = w
	}

	prev := w.balance
	switch p.Direction {
	case Credit:
		w.balance += p.Amount
	case Debit:
		if w.balance < p.Amount {
			return nil, ErrInsufficientFunds
		}
		w.balance -= p.Amount
	}

	now := s.now().UTC()
	s.seq++
	e := Entry{
		ID:           uuid.NewString(),
		Seq:          s.seq,
		TenantID:     tenantID,
		Direction:    p.Direction,
		Kind:         p.Kind,
		Amount:       p.Amount,
		Description:  p.Description,
		Reference:    p.Reference,
		BalanceAfter: w.balance,
		CreatedAt:    now,
	}
	w.entries = append(w.entries, e)
	w.updatedAt = now

	return &Applied{
		Wallet: Wallet{
			TenantID:  tenantID,
			Balance:   w.balance,
			Currency:  money.DefaultCurrency,
			UpdatedAt: now,
		},
		Entry:    e,
		Previous: prev,
	}, nil
}

// Wallet returns the tenant's wallet, empty if it does not exist yet.
func (s *MemoryStore) Wallet(_ context.Context, tenantID string) (*Wallet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := &Wallet{TenantID: tenantID, Currency: money.DefaultCurrency}
	if w, ok := s.wallets[tenantID]; ok {
		out.Balance = w.balance
		out.UpdatedAt = w.updatedAt
	}
	return out, nil
}

// History returns entries newest first.
func (s *MemoryStore) History(_ context.Context, q HistoryQuery) ([]*Entry, string, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 50
	}
	before := int64(-1)
	if q.Cursor != "" {
		seq, err := decodeSeqCursor(q.Cursor)
		if err != nil {
			return nil, "", fmt.Errorf("%w: %v", ErrInvalidCursor, err)
		}
		before = seq
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.wallets[q.TenantID]
	if !ok {
		return nil, "", nil
	}

	var out []*Entry
	for i := len(w.entries) - 1; i >= 0; i-- {
		e := w.entries[i]
		if before >= 0 && e.Seq >= before {
			continue
		}
		out = append(out, &e)
		if len(out) > limit {
			break
		}
	}

	var next string
	if len(out) > limit {
		next = encodeSeqCursor(out[limit-1].Seq)
		out = out[:limit]
	}
	return out, next, nil
}

// Audit recomputes the balance from history.
func (s *MemoryStore) Audit(_ context.Context, tenantID string) (*AuditReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r := &AuditReport{TenantID: tenantID}
	w, ok := s.wallets[tenantID]
	if !ok {
		return r, nil
	}
	r.Balance = w.balance
	for i := range w.entries {
		r.Computed += w.entries[i].Signed()
	}
	r.EntryCount = int64(len(w.entries))
	if !r.Consistent() {
		return r, fmt.Errorf("%w: tenant %s balance %s, history sums to %s",
			ErrInvariantViolation, tenantID, r.Balance, r.Computed)
	}
	return r, nil
}

// Tenants lists every tenant that owns a wallet.
func (s *MemoryStore) Tenants(_ context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]string, 0, len(s.wallets))
	for id := range s.wallets {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}
