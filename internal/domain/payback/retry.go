package payback

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/paybackrewards/payback-api/internal/domain/customer"
	"github.com/paybackrewards/payback-api/internal/domain/inquiry"
	"github.com/paybackrewards/payback-api/internal/pkg/notify"
)

// RetryOptions tune a reschedule.
type RetryOptions struct {
	// ForcedRetryInterval delays the successor's job; zero sends it right away.
	ForcedRetryInterval time.Duration
	// RetryForced bypasses the retry count limit and allows
	// authentication failures to be retried.
	RetryForced bool
}

// Retries creates successors for failed transactions.
type Retries struct {
	repo      Repository
	customers customer.Repository
	inquiries inquiry.Repository
	gate      *Gate
	alerter   notify.Alerter
	settings  Settings
	now       func() time.Time
}

func NewRetries(repo Repository, customers customer.Repository, inquiries inquiry.Repository, gate *Gate, alerter notify.Alerter, settings Settings, now func() time.Time) *Retries {
	if now == nil {
		now = time.Now
	}
	return &Retries{
		repo:      repo,
		customers: customers,
		inquiries: inquiries,
		gate:      gate,
		alerter:   alerter,
		settings:  settings,
		now:       now,
	}
}

// RescheduleFailedTransaction creates the successor of a failed transaction.
// The failed transaction itself is never modified.
func (r *Retries) RescheduleFailedTransaction(ctx context.Context, id uuid.UUID, opts RetryOptions) (*Transaction, error) {
	t, err := r.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if t == nil {
		return nil, newError(ErrNotFound, "transaction not found")
	}
	if t.State != StateFailed {
		return nil, newError(ErrNotAllowed, fmt.Sprintf("transaction is %s, only failed transactions can be rescheduled", t.State))
	}

	if t.IsBook() {
		if err := r.checkSubject(ctx, t); err != nil {
			return nil, err
		}
	}

	if !opts.RetryForced && t.RetryOrderCount >= r.settings.MaxRetriesCount {
		r.alertExhausted(ctx, t)
		return nil, newError(ErrRetryCountExceeded, fmt.Sprintf("transaction was already retried %d times", t.RetryOrderCount))
	}

	if !IsRetryableResponseCode(t.ResponseCode.String, opts.RetryForced) {
		return nil, newError(ErrWrongResponseCode, fmt.Sprintf("response code %q is not retryable", t.ResponseCode.String))
	}

	existing, err := r.repo.GetByParentID(ctx, t.ID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, newError(ErrDuplicate, "transaction was already rescheduled")
	}

	successor := r.successor(t, opts)

	if t.IsBook() {
		c, err := r.customers.GetByID(ctx, t.MandateID)
		if err != nil {
			return nil, err
		}
		if err := r.gate.Create(ctx, c, successor, true, nil); err != nil {
			return nil, err
		}
	} else if err := r.repo.Create(ctx, successor); err != nil {
		return nil, err
	}

	log.Info().
		Str("transaction_id", successor.ID.String()).
		Str("parent_transaction_id", t.ID.String()).
		Int("retry_order_count", successor.RetryOrderCount).
		Str("state", string(successor.State)).
		Bool("retry_forced", opts.RetryForced).
		Msg("Failed transaction rescheduled")

	r.gate.schedule(ctx, successor, opts.ForcedRetryInterval)
	return successor, nil
}

func (r *Retries) checkSubject(ctx context.Context, t *Transaction) error {
	subjectID, err := uuid.Parse(t.SubjectID)
	if err != nil {
		return newError(ErrNotFound, "inquiry category not found")
	}
	cat, err := r.inquiries.GetByID(ctx, subjectID)
	if err != nil {
		return err
	}
	if cat == nil {
		return newError(ErrNotFound, "inquiry category not found")
	}
	if cat.IsCancelled() {
		return newError(ErrNotAllowed, "inquiry category is cancelled")
	}
	return nil
}

func (r *Retries) successor(t *Transaction, opts RetryOptions) *Transaction {
	now := r.now()
	s := &Transaction{
		ID:                  uuid.New(),
		MandateID:           t.MandateID,
		SubjectID:           t.SubjectID,
		SubjectType:         t.SubjectType,
		ParentTransactionID: uuid.NullUUID{UUID: t.ID, Valid: true},
		TransactionType:     t.TransactionType,
		State:               StateCreated,
		RetryOrderCount:     t.RetryOrderCount + 1,
		PointsAmount:        t.PointsAmount,
		ReceiptNo:           t.ReceiptNo,
		LockedUntil:         t.LockedUntil,
		Info:                t.Info,
		CreatedAt:           now,
	}
	s.Info.ResponseBody = ""
	s.Info.AutomaticallyResponse = false
	s.Info.RetryForced = opts.RetryForced

	if opts.RetryForced && now.Sub(t.EffectiveDate()) > r.settings.StaleEffectiveDateThreshold {
		s.Info.EffectiveDate = timePtr(now)
		s.LockedUntil = sql.NullTime{Time: now.Add(r.settings.DefaultLockingInterval), Valid: true}
	}
	return s
}

func (r *Retries) alertExhausted(ctx context.Context, t *Transaction) {
	err := r.alerter.Alert(ctx, notify.Alert{
		Subject: "Payback transaction retries exhausted",
		Message: fmt.Sprintf("Transaction %s of customer %s failed %d times (last response %s) and needs manual attention",
			t.ID, t.MandateID, t.RetryOrderCount+1, t.ResponseCode.String),
	})
	if err != nil {
		log.Error().Err(err).Str("transaction_id", t.ID.String()).Msg("Failed to raise retry alert")
	}
}
