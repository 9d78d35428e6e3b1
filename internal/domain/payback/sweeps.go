package payback

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/paybackrewards/payback-api/internal/domain/customer"
	"github.com/paybackrewards/payback-api/internal/pkg/notify"
)

const sweepBatchSize = 500

// Sweeper runs the periodic maintenance passes. Every pass logs and skips
// failing records instead of aborting.
type Sweeper struct {
	repo      Repository
	customers customer.Repository
	gate      *Gate
	refunds   *Refunds
	notifier  notify.Dispatcher
	settings  Settings
	now       func() time.Time
}

func NewSweeper(repo Repository, customers customer.Repository, gate *Gate, refunds *Refunds, notifier notify.Dispatcher, settings Settings, now func() time.Time) *Sweeper {
	if now == nil {
		now = time.Now
	}
	return &Sweeper{
		repo:      repo,
		customers: customers,
		gate:      gate,
		refunds:   refunds,
		notifier:  notifier,
		settings:  settings,
		now:       now,
	}
}

// UnlockExpired completes locked transactions whose locking period is over
// and moves their points to the customer's unlocked balance. Transactions
// an earlier run left in to_unlock are picked up again.
func (s *Sweeper) UnlockExpired(ctx context.Context) (int, error) {
	expired, err := s.repo.ListDueForUnlock(ctx, s.now(), sweepBatchSize)
	if err != nil {
		return 0, err
	}

	unlocked := 0
	for _, t := range expired {
		if err := s.unlock(ctx, t); err != nil {
			log.Error().Err(err).Str("transaction_id", t.ID.String()).Msg("Failed to unlock transaction")
			continue
		}
		unlocked++
	}
	if unlocked > 0 {
		log.Info().Int("count", unlocked).Msg("Unlocked expired transactions")
	}
	return unlocked, nil
}

func (s *Sweeper) unlock(ctx context.Context, t *Transaction) error {
	if t.State == StateLocked {
		if err := t.Fire(EventPrepareUnlock); err != nil {
			return err
		}
		if err := s.repo.Update(ctx, t); err != nil {
			return err
		}
	}
	// to_unlock means the balance move is still owed; the next run retries it
	if err := s.customers.UnlockPoints(ctx, t.MandateID, t.PointsAmount); err != nil {
		return err
	}
	if err := t.Fire(EventComplete); err != nil {
		return err
	}
	if err := s.repo.Update(ctx, t); err != nil {
		log.Error().Err(err).Str("transaction_id", t.ID.String()).Int("points", t.PointsAmount).
			Msg("Points unlocked but transaction could not be completed")
		return err
	}

	err := s.notifier.Dispatch(ctx, notify.Message{
		Kind:          notify.KindPointsUnlocked,
		MandateID:     t.MandateID.String(),
		TransactionID: t.ID.String(),
		SubjectID:     t.SubjectID,
		Points:        t.PointsAmount,
		SentAt:        s.now(),
	})
	if err != nil {
		log.Error().Err(err).Str("transaction_id", t.ID.String()).Msg("Failed to dispatch unlock notification")
	}

	if _, err := s.gate.PromoteWaiting(ctx, t.MandateID); err != nil {
		log.Error().Err(err).Str("mandate_id", t.MandateID.String()).Msg("Failed to promote waiting transactions")
	}
	return nil
}

// CleanupWaiting destroys waiting transactions of customers that left the
// rewardable period or no longer exist.
func (s *Sweeper) CleanupWaiting(ctx context.Context) (int, error) {
	mandates, err := s.repo.ListMandatesWithWaiting(ctx)
	if err != nil {
		return 0, err
	}

	removed := 0
	now := s.now()
	for _, mandateID := range mandates {
		c, err := s.customers.GetByID(ctx, mandateID)
		if err != nil {
			log.Error().Err(err).Str("mandate_id", mandateID.String()).Msg("Failed to load customer for cleanup")
			continue
		}
		if c != nil && c.InRewardablePeriod(now, s.settings.RewardablePeriodMonths) {
			continue
		}

		waiting, err := s.repo.ListByStates(ctx, mandateID, TypeBook, []State{StateWaiting})
		if err != nil {
			log.Error().Err(err).Str("mandate_id", mandateID.String()).Msg("Failed to list waiting transactions")
			continue
		}
		for _, t := range waiting {
			if err := s.repo.DeleteWaiting(ctx, t.ID); err != nil {
				log.Error().Err(err).Str("transaction_id", t.ID.String()).Msg("Failed to destroy waiting transaction")
				continue
			}
			removed++
		}
	}
	if removed > 0 {
		log.Info().Int("count", removed).Msg("Destroyed waiting transactions outside rewardable period")
	}
	return removed, nil
}

// PromoteAllWaiting promotes queued transactions of every customer with a
// free slot.
func (s *Sweeper) PromoteAllWaiting(ctx context.Context) (int, error) {
	mandates, err := s.repo.ListMandatesWithWaiting(ctx)
	if err != nil {
		return 0, err
	}

	total := 0
	for _, mandateID := range mandates {
		promoted, err := s.gate.PromoteWaiting(ctx, mandateID)
		if err != nil {
			log.Error().Err(err).Str("mandate_id", mandateID.String()).Msg("Failed to promote waiting transactions")
			continue
		}
		total += len(promoted)
	}
	return total, nil
}

// RefundRevokedCustomers reverses the bookings of customers whose mandate
// was revoked and cancels what never reached the partner.
func (s *Sweeper) RefundRevokedCustomers(ctx context.Context) (int, error) {
	processed := 0
	after := uuid.Nil
	for {
		batch, err := s.customers.ListRevoked(ctx, after, sweepBatchSize)
		if err != nil {
			return processed, err
		}
		for _, c := range batch {
			n, err := s.refundCustomer(ctx, c)
			if err != nil {
				log.Error().Err(err).Str("mandate_id", c.ID.String()).Msg("Failed to refund revoked customer")
			}
			processed += n
		}
		if len(batch) < sweepBatchSize {
			return processed, nil
		}
		after = batch[len(batch)-1].ID
	}
}

// refundCustomer cancels the queue before touching active transactions so
// freed slots never promote anything.
func (s *Sweeper) refundCustomer(ctx context.Context, c *customer.Customer) (int, error) {
	processed := 0
	for _, states := range [][]State{
		{StateWaiting},
		{StateCreated, StateFailed},
		{StateLocked, StateToUnlock, StateCompleted},
	} {
		txs, err := s.repo.ListByStates(ctx, c.ID, TypeBook, states)
		if err != nil {
			return processed, err
		}
		for _, t := range txs {
			if t.State == StateWaiting || t.State == StateCreated || t.State == StateFailed {
				err = s.refunds.Cancel(ctx, t)
			} else {
				_, err = s.refunds.RefundBookTransaction(ctx, t)
			}
			if err != nil {
				log.Error().Err(err).Str("transaction_id", t.ID.String()).Msg("Failed to reverse transaction of revoked customer")
				continue
			}
			processed++
		}
	}
	return processed, nil
}
