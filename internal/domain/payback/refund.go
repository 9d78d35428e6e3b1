package payback

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/paybackrewards/payback-api/internal/domain/customer"
)

// RefundOutcome lists everything a refund touched.
type RefundOutcome struct {
	Refunds    []*Transaction
	Canceled   []*Transaction
	Promoted   []*Transaction
	Duplicated *Transaction
}

// Refunds reverses book transactions.
type Refunds struct {
	repo      Repository
	customers customer.Repository
	gate      *Gate
	factory   *Factory
	settings  Settings
	policy    PromotionPolicy
	now       func() time.Time
}

func NewRefunds(repo Repository, customers customer.Repository, gate *Gate, factory *Factory, settings Settings, policy PromotionPolicy, now func() time.Time) *Refunds {
	if now == nil {
		now = time.Now
	}
	return &Refunds{
		repo:      repo,
		customers: customers,
		gate:      gate,
		factory:   factory,
		settings:  settings,
		policy:    policy,
		now:       now,
	}
}

// RefundBookTransaction moves t to refund_initiated, creates its paired
// refund transaction and promotes waiting transactions of the customer.
func (r *Refunds) RefundBookTransaction(ctx context.Context, t *Transaction) (*Transaction, error) {
	refund, err := r.refund(ctx, t)
	if err != nil {
		return nil, err
	}
	if _, err := r.gate.PromoteWaiting(ctx, t.MandateID); err != nil {
		log.Error().Err(err).Str("mandate_id", t.MandateID.String()).Msg("Failed to promote waiting transactions")
	}
	return refund, nil
}

func (r *Refunds) refund(ctx context.Context, t *Transaction) (*Transaction, error) {
	if !t.IsBook() {
		return nil, newError(ErrNotBookTransaction, "only book transactions can be refunded")
	}

	c, err := r.customers.GetByID(ctx, t.MandateID)
	if err != nil {
		return nil, err
	}

	var refund *Transaction
	err = r.repo.WithExclusiveAccess(ctx, t.MandateID, func(ctx context.Context, repo Repository) error {
		current, err := repo.GetByID(ctx, t.ID)
		if err != nil {
			return err
		}
		if current == nil {
			return newError(ErrNotFound, "transaction not found")
		}

		now := r.now()
		if current.Sending(now) {
			return errSending()
		}

		originalState := current.State
		if err := current.Fire(EventRefund); err != nil {
			return err
		}

		refund = &Transaction{
			ID:              uuid.New(),
			MandateID:       current.MandateID,
			SubjectID:       current.SubjectID,
			SubjectType:     current.SubjectType,
			TransactionType: TypeRefund,
			State:           StateCreated,
			PointsAmount:    current.InitialPointsAmount(),
			ReceiptNo:       RefundReceiptNo(current.ReceiptNo),
			Info: Info{
				InitialPointsAmount:     current.InitialPointsAmount(),
				EffectiveDate:           timePtr(now),
				CompanyName:             current.Info.CompanyName,
				CategoryID:              current.Info.CategoryID,
				CategoryName:            current.Info.CategoryName,
				OriginalTransactionID:   uuidPtr(current.ID),
				OriginalTransactionDate: timePtr(current.CreatedAt),
				OriginalState:           originalState,
			},
			CreatedAt: now,
		}
		if c != nil {
			// kept so the refund can still be sent if the customer detaches
			refund.Info.PaybackNumber = c.PaybackNumber()
		}

		if err := repo.Update(ctx, current); err != nil {
			return fmt.Errorf("mark transaction %s refunded: %w", current.ID, err)
		}
		if err := repo.Create(ctx, refund); err != nil {
			return err
		}
		*t = *current
		return nil
	})
	if err != nil {
		return nil, err
	}

	log.Info().
		Str("transaction_id", t.ID.String()).
		Str("refund_transaction_id", refund.ID.String()).
		Str("original_state", string(refund.Info.OriginalState)).
		Msg("Refund initiated")

	r.gate.schedule(ctx, refund, 0)
	return refund, nil
}

// ProcessRefund refunds t. For black-friday customers holding exactly one
// other live book transaction, that sibling is resolved as well:
// locked/to_unlock are refunded, created/failed are canceled, completed is
// left alone. When the customer had a waiting transaction and is still in
// the rewardable period, the resolved sibling is relaunched as waiting.
func (r *Refunds) ProcessRefund(ctx context.Context, t *Transaction, c *customer.Customer) (*RefundOutcome, error) {
	out := &RefundOutcome{}

	refund, err := r.refund(ctx, t)
	if err != nil {
		return nil, err
	}
	out.Refunds = append(out.Refunds, refund)

	var resolved *Transaction
	if r.policy.IsBlackFridayCustomer(c) {
		resolved, err = r.resolveSibling(ctx, t, out)
		if err != nil {
			return out, err
		}
	}

	hadWaiting := false
	if resolved != nil {
		waiting, err := r.repo.CountByStates(ctx, t.MandateID, TypeBook, []State{StateWaiting})
		if err != nil {
			return out, err
		}
		hadWaiting = waiting > 0
	}

	promoted, err := r.gate.PromoteWaiting(ctx, t.MandateID)
	if err != nil {
		log.Error().Err(err).Str("mandate_id", t.MandateID.String()).Msg("Failed to promote waiting transactions")
	}
	out.Promoted = promoted

	if hadWaiting && c.InRewardablePeriod(r.now(), r.settings.RewardablePeriodMonths) {
		dup, err := r.factory.DuplicateBookTransaction(ctx, resolved, DuplicateOverrides{State: StateWaiting})
		if err != nil {
			return out, err
		}
		out.Duplicated = dup
	}
	return out, nil
}

func (r *Refunds) resolveSibling(ctx context.Context, t *Transaction, out *RefundOutcome) (*Transaction, error) {
	live, err := r.repo.ListByStates(ctx, t.MandateID, TypeBook, LiveStates)
	if err != nil {
		return nil, err
	}
	siblings := make([]*Transaction, 0, len(live))
	for _, s := range live {
		if s.ID != t.ID {
			siblings = append(siblings, s)
		}
	}
	if len(siblings) != 1 {
		return nil, nil
	}

	sibling := siblings[0]
	switch sibling.State {
	case StateLocked, StateToUnlock:
		refund, err := r.refund(ctx, sibling)
		if err != nil {
			return nil, err
		}
		out.Refunds = append(out.Refunds, refund)
		return sibling, nil
	case StateCreated, StateFailed:
		if sibling.Sending(r.now()) {
			log.Warn().Str("transaction_id", sibling.ID.String()).Msg("Sibling transaction is being sent, leaving it unresolved")
			return nil, nil
		}
		if err := sibling.Fire(EventCancel); err != nil {
			return nil, err
		}
		if err := r.repo.Update(ctx, sibling); err != nil {
			return nil, err
		}
		out.Canceled = append(out.Canceled, sibling)
		log.Info().Str("transaction_id", sibling.ID.String()).Msg("Sibling transaction canceled")
		return sibling, nil
	}
	return nil, nil
}

// Cancel moves a transaction that never booked points to canceled.
func (r *Refunds) Cancel(ctx context.Context, t *Transaction) error {
	if t.Sending(r.now()) {
		return errSending()
	}
	wasActive := t.State.IsActive()
	if err := t.Fire(EventCancel); err != nil {
		return err
	}
	if err := r.repo.Update(ctx, t); err != nil {
		return err
	}
	if wasActive {
		if _, err := r.gate.PromoteWaiting(ctx, t.MandateID); err != nil {
			log.Error().Err(err).Str("mandate_id", t.MandateID.String()).Msg("Failed to promote waiting transactions")
		}
	}
	return nil
}

func errSending() error {
	return newError(ErrNotAllowed, "transaction is being sent to the partner, retry once it is settled")
}
