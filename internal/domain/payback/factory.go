package payback

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/paybackrewards/payback-api/internal/domain/customer"
)

// ReceiptGenerator issues fresh receipt numbers.
type ReceiptGenerator interface {
	Next(prefix string) string
}

// BookRequest describes a new book transaction.
type BookRequest struct {
	MandateID uuid.UUID
	Subject   Subject
	Points    int
	// State defaults to created; the gate may downgrade it to waiting.
	State State
	// ReceiptNo defaults to the subject-derived receipt number.
	ReceiptNo     string
	SkipTableLock bool
	Info          Info
}

// DuplicateOverrides replace copied fields on a duplicated transaction.
type DuplicateOverrides struct {
	State        State
	PointsAmount int
	LockedUntil  *time.Time
}

// Factory creates book transactions.
type Factory struct {
	repo      Repository
	customers customer.Repository
	gate      *Gate
	receipts  ReceiptGenerator
	settings  Settings
	now       func() time.Time
}

func NewFactory(repo Repository, customers customer.Repository, gate *Gate, receipts ReceiptGenerator, settings Settings, now func() time.Time) *Factory {
	if now == nil {
		now = time.Now
	}
	return &Factory{
		repo:      repo,
		customers: customers,
		gate:      gate,
		receipts:  receipts,
		settings:  settings,
		now:       now,
	}
}

// CreateBookTransaction validates uniqueness and the customer-wide ceiling,
// then admits the transaction through the gate and schedules it.
func (f *Factory) CreateBookTransaction(ctx context.Context, req BookRequest) (*Transaction, error) {
	if req.Points <= 0 {
		return nil, newError(ErrNotAllowed, "points amount must be positive")
	}

	c, err := f.customers.GetByID(ctx, req.MandateID)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, newError(ErrNotFound, "customer not found")
	}

	now := f.now()
	t := &Transaction{
		ID:              uuid.New(),
		MandateID:       req.MandateID,
		SubjectID:       req.Subject.ID,
		SubjectType:     req.Subject.Type,
		TransactionType: TypeBook,
		State:           req.State,
		PointsAmount:    req.Points,
		ReceiptNo:       req.ReceiptNo,
		LockedUntil:     sql.NullTime{Time: now.Add(f.settings.DefaultLockingInterval), Valid: true},
		Info:            req.Info,
		CreatedAt:       now,
	}
	if t.ReceiptNo == "" {
		t.ReceiptNo = DefaultReceiptNo(req.Subject)
	}
	if t.Info.InitialPointsAmount == 0 {
		t.Info.InitialPointsAmount = req.Points
	}
	if t.Info.EffectiveDate == nil {
		t.Info.EffectiveDate = timePtr(now)
	}

	guard := func(ctx context.Context, repo Repository) error {
		existing, err := repo.ListBySubject(ctx, req.Subject)
		if err != nil {
			return err
		}
		for _, e := range existing {
			if e.ReceiptNo == t.ReceiptNo {
				return newError(ErrDuplicate, fmt.Sprintf("receipt number %s already exists for this subject", t.ReceiptNo))
			}
		}

		count, err := repo.CountByStates(ctx, req.MandateID, TypeBook, CeilingStates)
		if err != nil {
			return err
		}
		if count >= f.settings.MaxBookTransactionsCount {
			return newError(ErrMaximumReached, fmt.Sprintf("customer already has %d book transactions", count))
		}
		return nil
	}

	if err := f.gate.Create(ctx, c, t, !req.SkipTableLock, guard); err != nil {
		return nil, err
	}

	log.Info().
		Str("transaction_id", t.ID.String()).
		Str("mandate_id", t.MandateID.String()).
		Str("state", string(t.State)).
		Int("points", t.PointsAmount).
		Msg("Book transaction created")

	f.gate.schedule(ctx, t, 0)
	return t, nil
}

// DuplicateBookTransaction relaunches src under a fresh identity and receipt.
func (f *Factory) DuplicateBookTransaction(ctx context.Context, src *Transaction, overrides DuplicateOverrides) (*Transaction, error) {
	if !src.IsBook() {
		return nil, newError(ErrNotBookTransaction, "only book transactions can be duplicated")
	}

	c, err := f.customers.GetByID(ctx, src.MandateID)
	if err != nil {
		return nil, err
	}

	info := src.Info
	info.ResponseBody = ""
	info.AutomaticallyResponse = false
	info.RetryForced = false
	info.DuplicatedFromID = uuidPtr(src.ID)

	t := &Transaction{
		ID:              uuid.New(),
		MandateID:       src.MandateID,
		SubjectID:       src.SubjectID,
		SubjectType:     src.SubjectType,
		TransactionType: TypeBook,
		State:           StateCreated,
		PointsAmount:    src.PointsAmount,
		ReceiptNo:       f.receipts.Next(receiptPrefix(src.SubjectType)),
		LockedUntil:     src.LockedUntil,
		Info:            info,
		CreatedAt:       f.now(),
	}
	if overrides.State != "" {
		t.State = overrides.State
	}
	if overrides.PointsAmount > 0 {
		t.PointsAmount = overrides.PointsAmount
	}
	if overrides.LockedUntil != nil {
		t.LockedUntil = sql.NullTime{Time: *overrides.LockedUntil, Valid: true}
	}

	if err := f.gate.Create(ctx, c, t, true, nil); err != nil {
		return nil, err
	}

	log.Info().
		Str("transaction_id", t.ID.String()).
		Str("duplicated_from", src.ID.String()).
		Str("state", string(t.State)).
		Msg("Book transaction duplicated")

	f.gate.schedule(ctx, t, 0)
	return t, nil
}

// DefaultReceiptNo derives the receipt number of the first booking for subject.
func DefaultReceiptNo(subject Subject) string {
	return receiptPrefix(subject.Type) + strings.ReplaceAll(subject.ID, "-", "")
}

func receiptPrefix(subjectType string) string {
	switch subjectType {
	case SubjectInquiryCategory:
		return "IC-"
	case SubjectBlackFridayBonus:
		return "BF-"
	default:
		return "TX-"
	}
}
