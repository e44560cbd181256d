package txlog

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/alecgard/prepaid/internal/ledger"
	"github.com/alecgard/prepaid/internal/money"
	"github.com/google/uuid"
)

// MemoryStore is an in-process Store. Postings requested by a transition are
// applied to the ledger while the log's lock is held, and the state change
// is committed only if the posting succeeds.
type MemoryStore struct {
	mu     sync.Mutex
	txns   map[string]*Transaction
	ledger ledger.Store
	now    func() time.Time
}

// NewMemoryStore creates an empty log that posts to the given ledger.
func NewMemoryStore(l ledger.Store) *MemoryStore {
	return &MemoryStore{
		txns:   make(map[string]*Transaction),
		ledger: l,
		now:    time.Now,
	}
}

// Create inserts tx in the pending state.
func (s *MemoryStore) Create(_ context.Context, tx *Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.txns[tx.Reference]; ok {
		return ErrDuplicateReference
	}
	now := s.now().UTC()
	tx.ID = uuid.NewString()
	tx.State = StatePending
	if tx.Currency == "" {
		tx.Currency = money.DefaultCurrency
	}
	if len(tx.RawPayload) == 0 {
		tx.RawPayload = json.RawMessage(`{}`)
	}
	tx.CreatedAt = now
	tx.UpdatedAt = now

	cp := *tx
	s.txns[tx.Reference] = &cp
	return nil
}

// Get returns a copy of the transaction with the given reference.
func (s *MemoryStore) Get(_ context.Context, reference string) (*Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.txns[reference]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *t
	return &cp, nil
}

// Transition performs the guarded update.
func (s *MemoryStore) Transition(ctx context.Context, in TransitionInput) (*TransitionResult, error) {
	if err := validateTransition(in); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.txns[in.Reference]
	if !ok || !stateIn(t.State, in.From) {
		return &TransitionResult{}, nil
	}

	res := &TransitionResult{Applied: true}
	if in.Posting != nil {
		p := *in.Posting
		p.Reference = t.Reference
		applied, err := s.ledger.Apply(ctx, t.TenantID, p)
		if err != nil {
			return nil, err
		}
		res.Ledger = applied
	}

	t.State = in.To
	if len(in.Payload) > 0 {
		t.RawPayload = in.Payload
	}
	if in.Authorization != "" {
		t.Authorization = in.Authorization
	}
	t.UpdatedAt = s.now().UTC()

	cp := *t
	res.Transaction = &cp
	return res, nil
}

// List returns transactions newest first.
func (s *MemoryStore) List(_ context.Context, q Query) ([]*Transaction, string, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 50
	}
	var (
		cursorTS time.Time
		cursorID string
	)
	if q.Cursor != "" {
		var err error
		cursorTS, cursorID, err = decodeCursor(q.Cursor)
		if err != nil {
			return nil, "", fmt.Errorf("%w: %v", ErrInvalidCursor, err)
		}
	}

	s.mu.Lock()
	all := make([]*Transaction, 0, len(s.txns))
	for _, t := range s.txns {
		if q.TenantID != "" && t.TenantID != q.TenantID {
			continue
		}
		if q.Purpose != "" && t.Purpose != q.Purpose {
			continue
		}
		if q.State != "" && t.State != q.State {
			continue
		}
		cp := *t
		all = append(all, &cp)
	}
	s.mu.Unlock()

	sort.Slice(all, func(i, j int) bool {
		return after(all[i].CreatedAt, all[i].ID, all[j].CreatedAt, all[j].ID)
	})

	var out []*Transaction
	for _, t := range all {
		if q.Cursor != "" && !after(cursorTS, cursorID, t.CreatedAt, t.ID) {
			continue
		}
		out = append(out, t)
		if len(out) > limit {
			break
		}
	}

	var next string
	if len(out) > limit {
		last := out[limit-1]
		next = encodeCursor(last.CreatedAt, last.ID)
		out = out[:limit]
	}
	return out, next, nil
}

// after reports whether (ts1, id1) sorts after (ts2, id2).
func after(ts1 time.Time, id1 string, ts2 time.Time, id2 string) bool {
	if !ts1.Equal(ts2) {
		return ts1.After(ts2)
	}
	return id1 > id2
}

func stateIn(s State, set []State) bool {
	for _, c := range set {
		if s == c {
			return true
		}
	}
	return false
}

// Usage totals successful consumption matching q.
func (s *MemoryStore) Usage(_ context.Context, q UsageQuery) (*Usage, error) {
	var u Usage
	s.eachBilled(q, func(t *Transaction) {
		u.Calls++
		u.Spent += t.Amount
	})
	return &u, nil
}

// UsageBySubService returns usage per sub-service, busiest first.
func (s *MemoryStore) UsageBySubService(_ context.Context, q UsageQuery) ([]SubServiceUsage, error) {
	bySub := make(map[string]*SubServiceUsage)
	s.eachBilled(q, func(t *Transaction) {
		name := t.SubCategory
		if name == "" {
			name = unknownSubService
		}
		u, ok := bySub[name]
		if !ok {
			u = &SubServiceUsage{SubService: name}
			bySub[name] = u
		}
		u.Calls++
		u.Spent += t.Amount
	})

	out := make([]SubServiceUsage, 0, len(bySub))
	for _, u := range bySub {
		out = append(out, *u)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Calls != out[j].Calls {
			return out[i].Calls > out[j].Calls
		}
		return out[i].SubService < out[j].SubService
	})
	return out, nil
}

func (s *MemoryStore) eachBilled(q UsageQuery, fn func(*Transaction)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.txns {
		if t.Purpose != PurposeConsumption || t.State != StateSuccessful {
			continue
		}
		if q.TenantID != "" && t.TenantID != q.TenantID {
			continue
		}
		if q.ServiceCategory != "" && t.ServiceCategory != q.ServiceCategory {
			continue
		}
		if !q.From.IsZero() && t.CreatedAt.Before(q.From) {
			continue
		}
		if !q.To.IsZero() && !t.CreatedAt.Before(q.To) {
			continue
		}
		fn(t)
	}
}
