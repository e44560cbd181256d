package txlog

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/alecgard/prepaid/internal/ledger"
	"github.com/alecgard/prepaid/internal/money"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store is the metering transaction log. Transition is the only way a
// record's state changes and must be a single conditional update.
type Store interface {
	Create(ctx context.Context, tx *Transaction) error
	Get(ctx context.Context, reference string) (*Transaction, error)
	Transition(ctx context.Context, in TransitionInput) (*TransitionResult, error)
	List(ctx context.Context, q Query) ([]*Transaction, string, error)
	Usage(ctx context.Context, q UsageQuery) (*Usage, error)
	UsageBySubService(ctx context.Context, q UsageQuery) ([]SubServiceUsage, error)
}

// PGStore is the Postgres-backed transaction log. Postings requested by a
// transition go through ledger.ApplyTx in the same database transaction.
type PGStore struct {
	pool *pgxpool.Pool
}

// NewPGStore creates a transaction log backed by the given connection pool.
func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

const txColumns = `id, reference, tenant_id, purpose, provider, amount, currency, state,
	service_category, sub_category, description, authorization_code, raw_payload, created_at, updated_at`

// Create inserts tx in the pending state and fills its server-generated fields.
func (s *PGStore) Create(ctx context.Context, tx *Transaction) error {
	tx.State = StatePending
	if tx.Currency == "" {
		tx.Currency = money.DefaultCurrency
	}
	payload := tx.RawPayload
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}

	err := s.pool.QueryRow(ctx,
		`INSERT INTO metering_transactions
			(reference, tenant_id, purpose, provider, amount, currency, state,
			 service_category, sub_category, description, authorization_code, raw_payload)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		 RETURNING id, created_at, updated_at`,
		tx.Reference, tx.TenantID, string(tx.Purpose), string(tx.Provider), tx.Amount.Minor(), tx.Currency,
		string(tx.State), tx.ServiceCategory, tx.SubCategory, tx.Description, tx.Authorization, []byte(payload),
	).Scan(&tx.ID, &tx.CreatedAt, &tx.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrDuplicateReference
		}
		return fmt.Errorf("creating transaction: %w", err)
	}
	tx.RawPayload = payload
	return nil
}

// Get looks up a transaction by reference.
func (s *PGStore) Get(ctx context.Context, reference string) (*Transaction, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+txColumns+` FROM metering_transactions WHERE reference = $1`,
		reference,
	)
	t, err := scanTransaction(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting transaction: %w", err)
	}
	return t, nil
}

// Transition performs the guarded update. Zero matched rows is reported as
// Applied=false, never as an error.
func (s *PGStore) Transition(ctx context.Context, in TransitionInput) (*TransitionResult, error) {
	if err := validateTransition(in); err != nil {
		return nil, err
	}

	from := make([]string, len(in.From))
	for i, st := range in.From {
		from[i] = string(st)
	}
	var payload any
	if len(in.Payload) > 0 {
		payload = []byte(in.Payload)
	}

	res := &TransitionResult{}
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx,
			`UPDATE metering_transactions
			 SET state = $2,
			     raw_payload = COALESCE($3::jsonb, raw_payload),
			     authorization_code = COALESCE(NULLIF($4, ''), authorization_code),
			     updated_at = now()
			 WHERE reference = $1 AND state = ANY($5)
			 RETURNING `+txColumns,
			in.Reference, string(in.To), payload, in.Authorization, from,
		)
		t, err := scanTransaction(row)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("transitioning transaction: %w", err)
		}

		if in.Posting != nil {
			p := *in.Posting
			p.Reference = t.Reference
			applied, err := ledger.ApplyTx(ctx, tx, t.TenantID, p)
			if err != nil {
				return err
			}
			res.Ledger = applied
		}
		res.Applied = true
		res.Transaction = t
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// List returns a page of transactions ordered by created_at DESC, id DESC and
// the cursor for the next page.
func (s *PGStore) List(ctx context.Context, q Query) ([]*Transaction, string, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 50
	}

	where, args := buildWhereClause(q)

	// The cursor encodes "created_at|id".
	if q.Cursor != "" {
		ts, id, err := decodeCursor(q.Cursor)
		if err != nil {
			return nil, "", fmt.Errorf("%w: %v", ErrInvalidCursor, err)
		}
		n := len(args)
		if where == "" {
			where = " WHERE"
		} else {
			where += " AND"
		}
		where += fmt.Sprintf(" (created_at, id) < ($%d, $%d)", n+1, n+2)
		args = append(args, ts, id)
	}

	query := `SELECT ` + txColumns + ` FROM metering_transactions` + where +
		` ORDER BY created_at DESC, id DESC LIMIT $` + strconv.Itoa(len(args)+1)
	args = append(args, limit+1)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, "", fmt.Errorf("listing transactions: %w", err)
	}
	defer rows.Close()

	var txns []*Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, "", fmt.Errorf("scanning transaction row: %w", err)
		}
		txns = append(txns, t)
	}
	if err := rows.Err(); err != nil {
		return nil, "", fmt.Errorf("iterating transaction rows: %w", err)
	}

	var next string
	if len(txns) > limit {
		last := txns[limit-1]
		next = encodeCursor(last.CreatedAt, last.ID)
		txns = txns[:limit]
	}
	return txns, next, nil
}

// Usage totals successful consumption matching q.
func (s *PGStore) Usage(ctx context.Context, q UsageQuery) (*Usage, error) {
	where, args := buildUsageWhere(q)
	query := `SELECT COUNT(*), COALESCE(SUM(amount), 0)::bigint FROM metering_transactions` + where

	var (
		u     Usage
		spent int64
	)
	if err := s.pool.QueryRow(ctx, query, args...).Scan(&u.Calls, &spent); err != nil {
		return nil, fmt.Errorf("querying usage: %w", err)
	}
	u.Spent = money.FromMinor(spent)
	return &u, nil
}

// UsageBySubService returns usage per sub-service, busiest first.
func (s *PGStore) UsageBySubService(ctx context.Context, q UsageQuery) ([]SubServiceUsage, error) {
	where, args := buildUsageWhere(q)
	rows, err := s.pool.Query(ctx,
		`SELECT sub_category, COUNT(*), COALESCE(SUM(amount), 0)::bigint FROM metering_transactions`+where+
			` GROUP BY sub_category ORDER BY COUNT(*) DESC, sub_category`, args...)
	if err != nil {
		return nil, fmt.Errorf("querying usage by sub-service: %w", err)
	}
	defer rows.Close()

	var out []SubServiceUsage
	for rows.Next() {
		var (
			u     SubServiceUsage
			spent int64
		)
		if err := rows.Scan(&u.SubService, &u.Calls, &spent); err != nil {
			return nil, fmt.Errorf("scanning usage row: %w", err)
		}
		if u.SubService == "" {
			u.SubService = unknownSubService
		}
		u.Spent = money.FromMinor(spent)
		out = append(out, u)
	}
	return out, rows.Err()
}

// buildUsageWhere restricts to successful consumption plus the filters in q.
func buildUsageWhere(q UsageQuery) (string, []any) {
	args := []any{string(PurposeConsumption), string(StateSuccessful)}
	conditions := []string{"purpose = $1", "state = $2"}

	if q.TenantID != "" {
		args = append(args, q.TenantID)
		conditions = append(conditions, fmt.Sprintf("tenant_id = $%d", len(args)))
	}
	if q.ServiceCategory != "" {
		args = append(args, q.ServiceCategory)
		conditions = append(conditions, fmt.Sprintf("service_category = $%d", len(args)))
	}
	if !q.From.IsZero() {
		args = append(args, q.From)
		conditions = append(conditions, fmt.Sprintf("created_at >= $%d", len(args)))
	}
	if !q.To.IsZero() {
		args = append(args, q.To)
		conditions = append(conditions, fmt.Sprintf("created_at < $%d", len(args)))
	}
	return " WHERE " + strings.Join(conditions, " AND "), args
}

func scanTransaction(row pgx.Row) (*Transaction, error) {
	var (
		t                        Transaction
		purpose, provider, state string
		amount                   int64
		payload                  []byte
	)
	err := row.Scan(
		&t.ID, &t.Reference, &t.TenantID, &purpose, &provider, &amount, &t.Currency, &state,
		&t.ServiceCategory, &t.SubCategory, &t.Description, &t.Authorization, &payload,
		&t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	t.Purpose = Purpose(purpose)
	t.Provider = Provider(provider)
	t.State = State(state)
	t.Amount = money.FromMinor(amount)
	t.RawPayload = payload
	return &t, nil
}

// buildWhereClause constructs a WHERE clause and positional arguments from a
// Query. The returned string starts with " WHERE" or is empty.
func buildWhereClause(q Query) (string, []any) {
	var conditions []string
	var args []any

	if q.TenantID != "" {
		args = append(args, q.TenantID)
		conditions = append(conditions, fmt.Sprintf("tenant_id = $%d", len(args)))
	}
	if q.Purpose != "" {
		args = append(args, string(q.Purpose))
		conditions = append(conditions, fmt.Sprintf("purpose = $%d", len(args)))
	}
	if q.State != "" {
		args = append(args, string(q.State))
		conditions = append(conditions, fmt.Sprintf("state = $%d", len(args)))
	}

	if len(conditions) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conditions, " AND "), args
}

// encodeCursor encodes a timestamp and id into an opaque cursor string.
func encodeCursor(ts time.Time, id string) string {
	raw := ts.Format(time.RFC3339Nano) + "|" + id
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// decodeCursor decodes an opaque cursor string into a timestamp and id.
func decodeCursor(cursor string) (time.Time, string, error) {
	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return time.Time{}, "", fmt.Errorf("decoding cursor: %w", err)
	}
	parts := strings.SplitN(string(raw), "|", 2)
	if len(parts) != 2 {
		return time.Time{}, "", fmt.Errorf("malformed cursor")
	}
	ts, err := time.Parse(time.RFC3339Nano, parts[0])
	if err != nil {
		return time.Time{}, "", fmt.Errorf("parsing cursor timestamp: %w", err)
	}
	return ts, parts[1], nil
}
