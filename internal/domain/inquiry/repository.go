package inquiry

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

var ErrInternal = errors.New("internal error")

// Repository defines read access to inquiry categories
type Repository interface {
	GetByID(ctx context.Context, id uuid.UUID) (*Category, error)
	// ListByCustomer returns the customer's categories created before the given time, oldest first.
	ListByCustomer(ctx context.Context, mandateID uuid.UUID, createdBefore time.Time) ([]*Category, error)
	// NotRewardedIDs returns categories of the customer without any payback transaction.
	NotRewardedIDs(ctx context.Context, mandateID uuid.UUID) ([]uuid.UUID, error)
	// WasCompleted reports whether the category reached the completed state at some point.
	WasCompleted(ctx context.Context, id uuid.UUID) (bool, error)
}

type repository struct {
	db *sqlx.DB
}

// NewRepository creates inquiry category repository
func NewRepository(db *sqlx.DB) Repository {
	return &repository{db: db}
}

const selectColumns = `ic.id, i.mandate_id, ic.state, ic.category_ident, ic.category_name, i.company_name, ic.created_at`

func (r *repository) GetByID(ctx context.Context, id uuid.UUID) (*Category, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var c Category
	err := r.db.GetContext(ctx, &c, `
		SELECT `+selectColumns+`
		FROM inquiry_categories ic
		JOIN inquiries i ON i.id = ic.inquiry_id
		WHERE ic.id = $1
	`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: get inquiry category", ErrInternal)
	}
	return &c, nil
}

func (r *repository) ListByCustomer(ctx context.Context, mandateID uuid.UUID, createdBefore time.Time) ([]*Category, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	categories := make([]*Category, 0)
	err := r.db.SelectContext(ctx, &categories, `
		SELECT `+selectColumns+`
		FROM inquiry_categories ic
		JOIN inquiries i ON i.id = ic.inquiry_id
		WHERE i.mandate_id = $1 AND ic.created_at < $2
		ORDER BY ic.created_at ASC
	`, mandateID, createdBefore)
	if err != nil {
		return nil, fmt.Errorf("%w: list inquiry categories", ErrInternal)
	}
	return categories, nil
}

func (r *repository) NotRewardedIDs(ctx context.Context, mandateID uuid.UUID) ([]uuid.UUID, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	ids := make([]uuid.UUID, 0)
	err := r.db.SelectContext(ctx, &ids, `
		SELECT ic.id
		FROM inquiry_categories ic
		JOIN inquiries i ON i.id = ic.inquiry_id
		WHERE i.mandate_id = $1
		  AND NOT EXISTS (
			SELECT 1 FROM payback_transactions pt
			WHERE pt.subject_type = $2 AND pt.subject_id = ic.id::text
		  )
		ORDER BY ic.created_at ASC
	`, mandateID, SubjectType)
	if err != nil {
		return nil, fmt.Errorf("%w: not rewarded inquiry categories", ErrInternal)
	}
	return ids, nil
}

func (r *repository) WasCompleted(ctx context.Context, id uuid.UUID) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var completed bool
	err := r.db.GetContext(ctx, &completed, `
		SELECT EXISTS (
			SELECT 1 FROM inquiry_category_state_changes
			WHERE inquiry_category_id = $1 AND to_state = $2
		)
	`, id, StateCompleted)
	if err != nil {
		return false, fmt.Errorf("%w: completion history", ErrInternal)
	}
	return completed, nil
}
