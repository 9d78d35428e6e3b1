package payback

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/paybackrewards/payback-api/internal/domain/customer"
)

// Gate caps the number of simultaneously active book transactions per
// customer. Exceeding the cap is not an error: the transaction waits.
type Gate struct {
	repo      Repository
	customers customer.Repository
	jobs      Jobs
	settings  Settings
	policy    PromotionPolicy
}

func NewGate(repo Repository, customers customer.Repository, jobs Jobs, settings Settings, policy PromotionPolicy) *Gate {
	return &Gate{
		repo:      repo,
		customers: customers,
		jobs:      jobs,
		settings:  settings,
		policy:    policy,
	}
}

// MaxActive returns the concurrency limit for c. c may be nil.
func (g *Gate) MaxActive(c *customer.Customer) int {
	return g.policy.MaxActiveFor(c, g.settings.MaxActiveTransactions)
}

// WithExclusiveAccess serializes fn against other admissions for the customer.
func (g *Gate) WithExclusiveAccess(ctx context.Context, mandateID uuid.UUID, fn func(ctx context.Context, repo Repository) error) error {
	return g.repo.WithExclusiveAccess(ctx, mandateID, fn)
}

// Create inserts t. If t.State is an active state and the customer is at
// capacity, t is inserted as waiting instead. guard, if set, runs first
// under the same exclusive access and may veto the insert.
func (g *Gate) Create(ctx context.Context, c *customer.Customer, t *Transaction, lockTable bool, guard func(ctx context.Context, repo Repository) error) error {
	desired := t.State
	if desired == "" {
		desired = StateCreated
	}

	create := func(ctx context.Context, repo Repository) error {
		if guard != nil {
			if err := guard(ctx, repo); err != nil {
				return err
			}
		}

		t.State = desired
		if desired.IsActive() {
			active, err := repo.CountByStates(ctx, t.MandateID, TypeBook, ActiveStates)
			if err != nil {
				return err
			}
			if active >= g.MaxActive(c) {
				t.State = StateWaiting
			}
		}
		return repo.Create(ctx, t)
	}

	if !lockTable {
		return create(ctx, g.repo)
	}
	return g.repo.WithExclusiveAccess(ctx, t.MandateID, create)
}

// PromoteWaiting promotes the oldest waiting transactions of the customer
// while active slots are free and schedules each promoted one.
func (g *Gate) PromoteWaiting(ctx context.Context, mandateID uuid.UUID) ([]*Transaction, error) {
	c, err := g.customers.GetByID(ctx, mandateID)
	if err != nil {
		return nil, err
	}
	max := g.MaxActive(c)

	var promoted []*Transaction
	err = g.repo.WithExclusiveAccess(ctx, mandateID, func(ctx context.Context, repo Repository) error {
		active, err := repo.CountByStates(ctx, mandateID, TypeBook, ActiveStates)
		if err != nil {
			return err
		}
		if active >= max {
			return nil
		}

		waiting, err := repo.ListByStates(ctx, mandateID, TypeBook, []State{StateWaiting})
		if err != nil {
			return err
		}
		for _, w := range waiting {
			if active >= max {
				break
			}
			if err := w.Fire(EventPromote); err != nil {
				return err
			}
			if err := repo.Update(ctx, w); err != nil {
				return fmt.Errorf("promote transaction %s: %w", w.ID, err)
			}
			promoted = append(promoted, w)
			active++
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	for _, t := range promoted {
		log.Info().
			Str("transaction_id", t.ID.String()).
			Str("mandate_id", mandateID.String()).
			Msg("Waiting transaction promoted")
		g.schedule(ctx, t, 0)
	}
	return promoted, nil
}

// schedule enqueues outbound processing for transactions ready to be sent.
func (g *Gate) schedule(ctx context.Context, t *Transaction, delay time.Duration) {
	if t.State != StateCreated {
		return
	}

	var err error
	if delay > 0 {
		err = g.jobs.EnqueueIn(ctx, t.ID, delay)
	} else {
		err = g.jobs.Enqueue(ctx, t.ID)
	}
	if err != nil {
		log.Error().Err(err).Str("transaction_id", t.ID.String()).Msg("Failed to enqueue transaction job")
	}
}
