package ledger

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/alecgard/prepaid/internal/money"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store is the durable home of wallets and their history. Implementations
// must make each posting atomic: a debit checks and applies balance >= amount
// in one storage operation.
type Store interface {
	Apply(ctx context.Context, tenantID string, p Posting) (*Applied, error)
	Wallet(ctx context.Context, tenantID string) (*Wallet, error)
	History(ctx context.Context, q HistoryQuery) ([]*Entry, string, error)
	Audit(ctx context.Context, tenantID string) (*AuditReport, error)
	Tenants(ctx context.Context) ([]string, error)
}

// PGStore is the Postgres-backed ledger.
type PGStore struct {
	pool *pgxpool.Pool
}

// NewPGStore creates a ledger store backed by the given connection pool.
func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

// Apply posts p to the tenant's wallet in its own database transaction.
func (s *PGStore) Apply(ctx context.Context, tenantID string, p Posting) (*Applied, error) {
	var applied *Applied
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var err error
		applied, err = ApplyTx(ctx, tx, tenantID, p)
		return err
	})
	if err != nil {
		return nil, err
	}
	return applied, nil
}

// ApplyTx posts p inside an existing transaction. The wallet row stays
// locked until tx ends, which serializes postings per tenant and gives
// history its acceptance order.
func ApplyTx(ctx context.Context, tx pgx.Tx, tenantID string, p Posting) (*Applied, error) {
	if err := validatePosting(p); err != nil {
		return nil, err
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO wallets (tenant_id, currency) VALUES ($1, $2)
		 ON CONFLICT (tenant_id) DO NOTHING`,
		tenantID, money.DefaultCurrency,
	); err != nil {
		return nil, fmt.Errorf("ensuring wallet: %w", err)
	}

	var (
		balance   int64
		currency  string
		updatedAt time.Time
	)
	var err error
	switch p.Direction {
	case Credit:
		err = tx.QueryRow(ctx,
			`UPDATE wallets SET balance = balance + $2, updated_at = now()
			 WHERE tenant_id = $1
			 RETURNING balance, currency, updated_at`,
			tenantID, p.Amount.Minor(),
		).Scan(&balance, &currency, &updatedAt)
	case Debit:
		err = tx.QueryRow(ctx,
			`UPDATE wallets SET balance = balance - $2, updated_at = now()
			 WHERE tenant_id = $1 AND balance >= $2
			 RETURNING balance, currency, updated_at`,
			tenantID, p.Amount.Minor(),
		).Scan(&balance, &currency, &updatedAt)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrInsufficientFunds
		}
	}
	if err != nil {
		return nil, fmt.Errorf("updating wallet balance: %w", err)
	}

	e := Entry{
		TenantID:     tenantID,
		Direction:    p.Direction,
		Kind:         p.Kind,
		Amount:       p.Amount,
		Description:  p.Description,
		Reference:    p.Reference,
		BalanceAfter: money.FromMinor(balance),
	}
	err = tx.QueryRow(ctx,
		`INSERT INTO wallet_entries
			(tenant_id, direction, kind, amount, description, reference, balance_after)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 RETURNING id, seq, created_at`,
		tenantID, string(p.Direction), string(p.Kind), p.Amount.Minor(), p.Description, p.Reference, balance,
	).Scan(&e.ID, &e.Seq, &e.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("appending wallet entry: %w", err)
	}

	prev := money.FromMinor(balance) - e.Signed()
	return &Applied{
		Wallet: Wallet{
			TenantID:  tenantID,
			Balance:   money.FromMinor(balance),
			Currency:  currency,
			UpdatedAt: updatedAt,
		},
		Entry:    e,
		Previous: prev,
	}, nil
}

// Wallet returns the tenant's wallet. A tenant that never transacted has an
// empty wallet; reads never create one.
func (s *PGStore) Wallet(ctx context.Context, tenantID string) (*Wallet, error) {
	w := &Wallet{TenantID: tenantID}
	var balance int64
	err := s.pool.QueryRow(ctx,
		`SELECT balance, currency, updated_at FROM wallets WHERE tenant_id = $1`,
		tenantID,
	).Scan(&balance, &w.Currency, &w.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		w.Currency = money.DefaultCurrency
		return w, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting wallet: %w", err)
	}
	w.Balance = money.FromMinor(balance)
	return w, nil
}

// History returns a page of entries ordered by seq DESC and the cursor for
// the next page (empty when exhausted).
func (s *PGStore) History(ctx context.Context, q HistoryQuery) ([]*Entry, string, error) {
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

	rows, err := s.pool.Query(ctx,
		`SELECT id, seq, tenant_id, direction, kind, amount, description, reference, balance_after, created_at
		 FROM wallet_entries
		 WHERE tenant_id = $1 AND ($2 < 0 OR seq < $2)
		 ORDER BY seq DESC
		 LIMIT $3`,
		q.TenantID, before, limit+1,
	)
	if err != nil {
		return nil, "", fmt.Errorf("listing wallet entries: %w", err)
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		var e Entry
		var dir, kind string
		var amount, after int64
		if err := rows.Scan(&e.ID, &e.Seq, &e.TenantID, &dir, &kind, &amount, &e.Description, &e.Reference, &after, &e.CreatedAt); err != nil {
			return nil, "", fmt.Errorf("scanning wallet entry: %w", err)
		}
		e.Direction = Direction(dir)
		e.Kind = Kind(kind)
		e.Amount = money.FromMinor(amount)
		e.BalanceAfter = money.FromMinor(after)
		entries = append(entries, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, "", fmt.Errorf("iterating wallet entries: %w", err)
	}

	var next string
	if len(entries) > limit {
		next = encodeSeqCursor(entries[limit-1].Seq)
		entries = entries[:limit]
	}
	return entries, next, nil
}

// Audit recomputes the balance from history.
func (s *PGStore) Audit(ctx context.Context, tenantID string) (*AuditReport, error) {
	r := &AuditReport{TenantID: tenantID}
	var balance, computed int64
	err := s.pool.QueryRow(ctx,
		`SELECT w.balance,
			COALESCE(SUM(CASE WHEN e.direction = 'credit' THEN e.amount ELSE -e.amount END), 0),
			COUNT(e.id)
		 FROM wallets w
		 LEFT JOIN wallet_entries e ON e.tenant_id = w.tenant_id
		 WHERE w.tenant_id = $1
		 GROUP BY w.balance`,
		tenantID,
	).Scan(&balance, &computed, &r.EntryCount)
	if errors.Is(err, pgx.ErrNoRows) {
		return r, nil
	}
	if err != nil {
		return nil, fmt.Errorf("auditing wallet: %w", err)
	}
	r.Balance = money.FromMinor(balance)
	r.Computed = money.FromMinor(computed)
	if !r.Consistent() {
		return r, fmt.Errorf("%w: tenant %s balance %s, history sums to %s",
			ErrInvariantViolation, tenantID, r.Balance, r.Computed)
	}
	return r, nil
}

// Tenants lists every tenant that owns a wallet.
func (s *PGStore) Tenants(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT tenant_id FROM wallets ORDER BY tenant_id`)
	if err != nil {
		return nil, fmt.Errorf("listing wallets: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning wallet tenant: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func encodeSeqCursor(seq int64) string {
	return base64.RawURLEncoding.EncodeToString([]byte(strconv.FormatInt(seq, 10)))
}

func decodeSeqCursor(cursor string) (int64, error) {
	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return 0, fmt.Errorf("decoding cursor: %w", err)
	}
	seq, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil || seq < 0 {
		return 0, fmt.Errorf("malformed cursor")
	}
	return seq, nil
}
