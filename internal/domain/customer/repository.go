package customer

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

const queryTimeout = 3 * time.Second

// Repository defines customer (mandate) data access used by the payback engine.
type Repository interface {
	GetByID(ctx context.Context, id uuid.UUID) (*Customer, error)
	UpdatePaybackNumber(ctx context.Context, id uuid.UUID, paybackNumber string) error
	AddLockedPoints(ctx context.Context, id uuid.UUID, amount int) error
	SubtractLockedPoints(ctx context.Context, id uuid.UUID, amount int) error
	SubtractUnlockedPoints(ctx context.Context, id uuid.UUID, amount int) error
	UnlockPoints(ctx context.Context, id uuid.UUID, amount int) error
	SaveAuthenticationFailure(ctx context.Context, id uuid.UUID) error
	SaveSanityCheckResult(ctx context.Context, id uuid.UUID, result SanityCheck) error
	// ListPaybackEnabled returns accepted, payback-enabled customers ordered by id, after the given id.
	ListPaybackEnabled(ctx context.Context, afterID uuid.UUID, limit int) ([]*Customer, error)
	// ListRevoked returns payback-enabled customers whose mandate was revoked.
	ListRevoked(ctx context.Context, afterID uuid.UUID, limit int) ([]*Customer, error)
}

type repository struct {
	db *sqlx.DB
}

// NewRepository creates customer repository
func NewRepository(db *sqlx.DB) Repository {
	return &repository{db: db}
}

const selectColumns = `id, mandate_state, accepted_at, payback_enabled, payback_data, created_at, updated_at`

func (r *repository) GetByID(ctx context.Context, id uuid.UUID) (*Customer, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var c Customer
	err := r.db.GetContext(ctx, &c, `SELECT `+selectColumns+` FROM mandates WHERE id = $1`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: get customer", ErrInternal)
	}
	return &c, nil
}

func (r *repository) UpdatePaybackNumber(ctx context.Context, id uuid.UUID, paybackNumber string) error {
	return r.exec(ctx, `
		UPDATE mandates
		SET payback_data = jsonb_set(
				jsonb_set(COALESCE(payback_data, '{}'::jsonb), '{paybackNumber}', to_jsonb($2::text)),
				'{authenticationFailed}', 'false'::jsonb),
			updated_at = NOW()
		WHERE id = $1
	`, id, paybackNumber)
}

func (r *repository) AddLockedPoints(ctx context.Context, id uuid.UUID, amount int) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	return r.adjustPoints(ctx, id, "locked", amount)
}

func (r *repository) SubtractLockedPoints(ctx context.Context, id uuid.UUID, amount int) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	return r.adjustPoints(ctx, id, "locked", -amount)
}

func (r *repository) SubtractUnlockedPoints(ctx context.Context, id uuid.UUID, amount int) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	return r.adjustPoints(ctx, id, "unlocked", -amount)
}

// UnlockPoints moves amount from locked to unlocked in a single statement.
func (r *repository) UnlockPoints(ctx context.Context, id uuid.UUID, amount int) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	return r.exec(ctx, `
		UPDATE mandates
		SET payback_data = jsonb_set(
				jsonb_set(COALESCE(payback_data, '{}'::jsonb), '{rewardedPoints,locked}',
					to_jsonb(GREATEST(COALESCE((payback_data->'rewardedPoints'->>'locked')::int, 0) - $2, 0))),
				'{rewardedPoints,unlocked}',
				to_jsonb(COALESCE((payback_data->'rewardedPoints'->>'unlocked')::int, 0) + $2)),
			updated_at = NOW()
		WHERE id = $1
	`, id, amount)
}

func (r *repository) SaveAuthenticationFailure(ctx context.Context, id uuid.UUID) error {
	return r.exec(ctx, `
		UPDATE mandates
		SET payback_data = jsonb_set(COALESCE(payback_data, '{}'::jsonb), '{authenticationFailed}', 'true'::jsonb),
			updated_at = NOW()
		WHERE id = $1
	`, id)
}

func (r *repository) SaveSanityCheckResult(ctx context.Context, id uuid.UUID, result SanityCheck) error {
	return r.exec(ctx, `
		UPDATE mandates
		SET payback_data = jsonb_set(COALESCE(payback_data, '{}'::jsonb), '{sanityCheck}',
				jsonb_build_object('matched', $2::boolean, 'expectedAmount', $3::int, 'checkedAt', $4::timestamptz)),
			updated_at = NOW()
		WHERE id = $1
	`, id, result.Matched, result.ExpectedAmount, result.CheckedAt)
}

func (r *repository) ListPaybackEnabled(ctx context.Context, afterID uuid.UUID, limit int) ([]*Customer, error) {
	return r.list(ctx, `
		SELECT `+selectColumns+`
		FROM mandates
		WHERE mandate_state = 'accepted' AND payback_enabled = TRUE AND id > $1
		ORDER BY id
		LIMIT $2
	`, afterID, limit)
}

func (r *repository) ListRevoked(ctx context.Context, afterID uuid.UUID, limit int) ([]*Customer, error) {
	return r.list(ctx, `
		SELECT `+selectColumns+`
		FROM mandates
		WHERE mandate_state = 'revoked' AND payback_enabled = TRUE AND id > $1
		ORDER BY id
		LIMIT $2
	`, afterID, limit)
}

func (r *repository) list(ctx context.Context, query string, afterID uuid.UUID, limit int) ([]*Customer, error) {
	if limit <= 0 {
		limit = 100
	}

	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	customers := make([]*Customer, 0)
	if err := r.db.SelectContext(ctx, &customers, query, afterID, limit); err != nil {
		return nil, fmt.Errorf("%w: list customers", ErrInternal)
	}
	return customers, nil
}

func (r *repository) adjustPoints(ctx context.Context, id uuid.UUID, bucket string, delta int) error {
	// bucket is one of the two fixed keys above, never user input
	query := fmt.Sprintf(`
		UPDATE mandates
		SET payback_data = jsonb_set(COALESCE(payback_data, '{}'::jsonb), '{rewardedPoints,%[1]s}',
				to_jsonb(GREATEST(COALESCE((payback_data->'rewardedPoints'->>'%[1]s')::int, 0) + $2, 0))),
			updated_at = NOW()
		WHERE id = $1
	`, bucket)
	return r.exec(ctx, query, id, delta)
}

func (r *repository) exec(ctx context.Context, query string, args ...any) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%w: update customer", ErrInternal)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: rows affected", ErrInternal)
	}
	if rows == 0 {
		return ErrCustomerNotFound
	}
	return nil
}
