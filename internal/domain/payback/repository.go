package payback

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/paybackrewards/payback-api/internal/pkg/database"
)

const (
	queryTimeout            = 3 * time.Second
	sqlStateUniqueViolation = "23505"
)

// Repository defines payback transaction data access.
type Repository interface {
	Create(ctx context.Context, t *Transaction) error
	// Update writes t only if the stored row still has t.LockVersion and
	// fails with ErrInvalidTransition otherwise.
	Update(ctx context.Context, t *Transaction) error
	// Claim marks a created transaction as being sent until the given time.
	// Only one caller can hold an unexpired claim.
	Claim(ctx context.Context, t *Transaction, now, until time.Time) error
	// DeleteWaiting removes a transaction that never left the waiting queue.
	DeleteWaiting(ctx context.Context, id uuid.UUID) error
	GetByID(ctx context.Context, id uuid.UUID) (*Transaction, error)
	GetByParentID(ctx context.Context, parentID uuid.UUID) (*Transaction, error)
	ListBySubject(ctx context.Context, subject Subject) ([]*Transaction, error)
	// ListByStates returns a customer's transactions of the given type, oldest first.
	ListByStates(ctx context.Context, mandateID uuid.UUID, txType TransactionType, states []State) ([]*Transaction, error)
	CountByStates(ctx context.Context, mandateID uuid.UUID, txType TransactionType, states []State) (int, error)
	// ListDueForUnlock returns locked book transactions whose locking period
	// is over and to_unlock ones left behind by an interrupted unlock.
	ListDueForUnlock(ctx context.Context, now time.Time, limit int) ([]*Transaction, error)
	// ListMandatesWithWaiting returns customers that have queued book transactions.
	ListMandatesWithWaiting(ctx context.Context) ([]uuid.UUID, error)
	// WithExclusiveAccess runs fn while holding the per-customer serialization
	// point. The repository passed to fn shares the lock; nested calls reuse it.
	WithExclusiveAccess(ctx context.Context, mandateID uuid.UUID, fn func(ctx context.Context, repo Repository) error) error
}

// queryer is satisfied by both *sqlx.DB and *sqlx.Tx.
type queryer interface {
	GetContext(ctx context.Context, dest any, query string, args ...any) error
	SelectContext(ctx context.Context, dest any, query string, args ...any) error
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type repository struct {
	db     *sqlx.DB
	q      queryer
	locked bool
}

// NewRepository creates payback transaction repository
func NewRepository(db *sqlx.DB) Repository {
	return &repository{db: db, q: db}
}

const selectColumns = `id, mandate_id, subject_id, subject_type, parent_transaction_id, transaction_type,
	state, retry_order_count, response_code, points_amount, receipt_no, locked_until, info,
	claimed_until, lock_version, created_at, updated_at`

func (r *repository) Create(ctx context.Context, t *Transaction) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	now := time.Now()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now

	_, err := r.q.ExecContext(ctx, `
		INSERT INTO payback_transactions (
			id, mandate_id, subject_id, subject_type, parent_transaction_id, transaction_type,
			state, retry_order_count, response_code, points_amount, receipt_no, locked_until, info,
			lock_version, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, 0, $14, $15)
	`,
		t.ID, t.MandateID, t.SubjectID, t.SubjectType, t.ParentTransactionID, t.TransactionType,
		t.State, t.RetryOrderCount, t.ResponseCode, t.PointsAmount, t.ReceiptNo, t.LockedUntil, t.Info,
		t.CreatedAt, t.UpdatedAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == sqlStateUniqueViolation {
			return newError(ErrDuplicate, fmt.Sprintf("receipt number %s is already in use", t.ReceiptNo))
		}
		return fmt.Errorf("%w: create transaction", ErrInternal)
	}
	t.LockVersion = 0
	t.ClaimedUntil = sql.NullTime{}
	return nil
}

func (r *repository) Update(ctx context.Context, t *Transaction) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	updatedAt := time.Now()
	result, err := r.q.ExecContext(ctx, `
		UPDATE payback_transactions
		SET state = $2, retry_order_count = $3, response_code = $4, points_amount = $5,
			locked_until = $6, info = $7, claimed_until = $8, updated_at = $9,
			lock_version = lock_version + 1
		WHERE id = $1 AND lock_version = $10
	`, t.ID, t.State, t.RetryOrderCount, t.ResponseCode, t.PointsAmount, t.LockedUntil, t.Info,
		t.ClaimedUntil, updatedAt, t.LockVersion)
	if err != nil {
		return fmt.Errorf("%w: update transaction", ErrInternal)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: rows affected", ErrInternal)
	}
	if rows == 0 {
		return staleWrite(t)
	}
	t.LockVersion++
	t.UpdatedAt = updatedAt
	return nil
}

func (r *repository) Claim(ctx context.Context, t *Transaction, now, until time.Time) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	result, err := r.q.ExecContext(ctx, `
		UPDATE payback_transactions
		SET claimed_until = $3, updated_at = $2, lock_version = lock_version + 1
		WHERE id = $1 AND lock_version = $4 AND state = 'created'
			AND (claimed_until IS NULL OR claimed_until <= $2)
	`, t.ID, now, until, t.LockVersion)
	if err != nil {
		return fmt.Errorf("%w: claim transaction", ErrInternal)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: rows affected", ErrInternal)
	}
	if rows == 0 {
		return newError(ErrInvalidTransition, "transaction is already being sent or was changed")
	}
	t.ClaimedUntil = sql.NullTime{Time: until, Valid: true}
	t.LockVersion++
	t.UpdatedAt = now
	return nil
}

func (r *repository) DeleteWaiting(ctx context.Context, id uuid.UUID) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	result, err := r.q.ExecContext(ctx, `DELETE FROM payback_transactions WHERE id = $1 AND state = 'waiting'`, id)
	if err != nil {
		return fmt.Errorf("%w: delete transaction", ErrInternal)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: rows affected", ErrInternal)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *repository) GetByID(ctx context.Context, id uuid.UUID) (*Transaction, error) {
	return r.get(ctx, `SELECT `+selectColumns+` FROM payback_transactions WHERE id = $1`, id)
}

func (r *repository) GetByParentID(ctx context.Context, parentID uuid.UUID) (*Transaction, error) {
	return r.get(ctx, `
		SELECT `+selectColumns+`
		FROM payback_transactions
		WHERE parent_transaction_id = $1
		ORDER BY created_at
		LIMIT 1
	`, parentID)
}

func (r *repository) ListBySubject(ctx context.Context, subject Subject) ([]*Transaction, error) {
	return r.list(ctx, `
		SELECT `+selectColumns+`
		FROM payback_transactions
		WHERE subject_id = $1 AND subject_type = $2
		ORDER BY created_at
	`, subject.ID, subject.Type)
}

func (r *repository) ListByStates(ctx context.Context, mandateID uuid.UUID, txType TransactionType, states []State) ([]*Transaction, error) {
	return r.list(ctx, `
		SELECT `+selectColumns+`
		FROM payback_transactions
		WHERE mandate_id = $1 AND transaction_type = $2 AND state = ANY($3)
		ORDER BY created_at, id
	`, mandateID, txType, pq.Array(stateStrings(states)))
}

func (r *repository) CountByStates(ctx context.Context, mandateID uuid.UUID, txType TransactionType, states []State) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var count int
	err := r.q.GetContext(ctx, &count, `
		SELECT COUNT(*)
		FROM payback_transactions
		WHERE mandate_id = $1 AND transaction_type = $2 AND state = ANY($3)
	`, mandateID, txType, pq.Array(stateStrings(states)))
	if err != nil {
		return 0, fmt.Errorf("%w: count transactions", ErrInternal)
	}
	return count, nil
}

func (r *repository) ListDueForUnlock(ctx context.Context, now time.Time, limit int) ([]*Transaction, error) {
	if limit <= 0 {
		limit = 500
	}
	return r.list(ctx, `
		SELECT `+selectColumns+`
		FROM payback_transactions
		WHERE transaction_type = 'book'
			AND (state = 'to_unlock' OR (state = 'locked' AND locked_until <= $1))
		ORDER BY locked_until
		LIMIT $2
	`, now, limit)
}

func (r *repository) ListMandatesWithWaiting(ctx context.Context) ([]uuid.UUID, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	ids := make([]uuid.UUID, 0)
	err := r.q.SelectContext(ctx, &ids, `
		SELECT DISTINCT mandate_id
		FROM payback_transactions
		WHERE transaction_type = 'book' AND state = 'waiting'
	`)
	if err != nil {
		return nil, fmt.Errorf("%w: list waiting mandates", ErrInternal)
	}
	return ids, nil
}

// WithExclusiveAccess serializes callers on a transaction-scoped advisory
// lock keyed by the customer id.
func (r *repository) WithExclusiveAccess(ctx context.Context, mandateID uuid.UUID, fn func(ctx context.Context, repo Repository) error) error {
	if r.locked {
		return fn(ctx, r)
	}
	return database.InTx(ctx, r.db, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, mandateID.String()); err != nil {
			return fmt.Errorf("%w: acquire customer lock", ErrInternal)
		}
		return fn(ctx, &repository{db: r.db, q: tx, locked: true})
	})
}

func (r *repository) get(ctx context.Context, query string, args ...any) (*Transaction, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var t Transaction
	if err := r.q.GetContext(ctx, &t, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: get transaction", ErrInternal)
	}
	return &t, nil
}

func (r *repository) list(ctx context.Context, query string, args ...any) ([]*Transaction, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	txs := make([]*Transaction, 0)
	if err := r.q.SelectContext(ctx, &txs, query, args...); err != nil {
		return nil, fmt.Errorf("%w: list transactions", ErrInternal)
	}
	return txs, nil
}

// staleWrite reports an update against a row another writer changed since
// t was loaded.
func staleWrite(t *Transaction) error {
	return newError(ErrInvalidTransition, fmt.Sprintf("transaction %s was changed concurrently, reload and retry", t.ID))
}

func stateStrings(states []State) []string {
	out := make([]string, len(states))
	for i, s := range states {
		out[i] = string(s)
	}
	return out
}
