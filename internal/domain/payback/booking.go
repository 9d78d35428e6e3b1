package payback

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/paybackrewards/payback-api/internal/domain/customer"
	"github.com/paybackrewards/payback-api/internal/domain/inquiry"
)

// RewardService books points for inquiry categories and reacts to their
// cancellation.
type RewardService struct {
	repo       Repository
	customers  customer.Repository
	inquiries  inquiry.Repository
	classifier *inquiry.Classifier
	factory    *Factory
	refunds    *Refunds
	settings   Settings
	policy     PromotionPolicy
	now        func() time.Time
}

func NewRewardService(
	repo Repository,
	customers customer.Repository,
	inquiries inquiry.Repository,
	classifier *inquiry.Classifier,
	factory *Factory,
	refunds *Refunds,
	settings Settings,
	policy PromotionPolicy,
	now func() time.Time,
) *RewardService {
	if now == nil {
		now = time.Now
	}
	return &RewardService{
		repo:       repo,
		customers:  customers,
		inquiries:  inquiries,
		classifier: classifier,
		factory:    factory,
		refunds:    refunds,
		settings:   settings,
		policy:     policy,
		now:        now,
	}
}

// BookInquiryCategory books the default reward for a category.
func (s *RewardService) BookInquiryCategory(ctx context.Context, categoryID uuid.UUID) (*Transaction, error) {
	cat, c, err := s.loadEligible(ctx, categoryID)
	if err != nil {
		return nil, err
	}
	return s.factory.CreateBookTransaction(ctx, BookRequest{
		MandateID: c.ID,
		Subject:   Subject{ID: cat.ID.String(), Type: SubjectInquiryCategory},
		Points:    s.settings.DefaultPointsAmount,
		Info:      categoryInfo(cat),
	})
}

// BookPromotionBonus books the black-friday bonus for a category.
func (s *RewardService) BookPromotionBonus(ctx context.Context, categoryID uuid.UUID) (*Transaction, error) {
	if !s.policy.Enabled {
		return nil, newError(ErrFeatureDisabled, "black friday promotion is not active")
	}
	cat, c, err := s.loadEligible(ctx, categoryID)
	if err != nil {
		return nil, err
	}
	if !s.policy.IsBlackFridayCustomer(c) {
		return nil, newError(ErrNotAllowed, "customer did not join during the promotion")
	}
	return s.factory.CreateBookTransaction(ctx, BookRequest{
		MandateID: c.ID,
		Subject:   Subject{ID: cat.ID.String(), Type: SubjectBlackFridayBonus},
		Points:    s.policy.BonusPoints,
		Info:      categoryInfo(cat),
	})
}

func (s *RewardService) loadEligible(ctx context.Context, categoryID uuid.UUID) (*inquiry.Category, *customer.Customer, error) {
	cat, err := s.inquiries.GetByID(ctx, categoryID)
	if err != nil {
		return nil, nil, err
	}
	if cat == nil {
		return nil, nil, newError(ErrNotFound, "inquiry category not found")
	}

	c, err := s.customers.GetByID(ctx, cat.MandateID)
	if err != nil {
		return nil, nil, err
	}
	if c == nil {
		return nil, nil, newError(ErrNotFound, "customer not found")
	}

	var messages []string
	if !c.IsAccepted() {
		messages = append(messages, "mandate is not accepted")
	}
	if !c.PaybackEnabled {
		messages = append(messages, "payback is not enabled for this customer")
	}
	if !c.HasPaybackNumber() {
		messages = append(messages, "customer has no payback number")
	}
	if c.IsAccepted() && !c.InRewardablePeriod(s.now(), s.settings.RewardablePeriodMonths) {
		messages = append(messages, "customer is outside the rewardable period")
	}
	if c.IsAccepted() && cat.CreatedAt.After(c.RewardableUntil(s.settings.RewardablePeriodMonths)) {
		messages = append(messages, "inquiry category was created after the rewardable period")
	}
	if s.classifier.IsDenied(cat) {
		messages = append(messages, "inquiry category is not eligible for payback")
	} else if !s.classifier.IsRewardable(cat) {
		messages = append(messages, "inquiry category is not in a rewardable state")
	}
	if len(messages) > 0 {
		return nil, nil, newError(ErrNotAllowed, messages...)
	}
	return cat, c, nil
}

// HandleSubjectCancelled reverses every booking of a cancelled subject.
func (s *RewardService) HandleSubjectCancelled(ctx context.Context, subject Subject) error {
	txs, err := s.repo.ListBySubject(ctx, subject)
	if err != nil {
		return err
	}

	for _, listed := range txs {
		if !listed.IsBook() {
			continue
		}
		// an earlier refund in this loop may already have resolved it
		t, err := s.repo.GetByID(ctx, listed.ID)
		if err != nil {
			return err
		}
		if t == nil {
			continue
		}
		switch t.State {
		case StateWaiting, StateCreated, StateFailed:
			err = s.refunds.Cancel(ctx, t)
		case StateLocked, StateToUnlock, StateCompleted:
			var c *customer.Customer
			c, err = s.customers.GetByID(ctx, t.MandateID)
			if err == nil {
				_, err = s.refunds.ProcessRefund(ctx, t, c)
			}
		default:
			continue
		}
		if err != nil {
			return err
		}
		log.Info().
			Str("transaction_id", t.ID.String()).
			Str("subject", subject.String()).
			Str("state", string(t.State)).
			Msg("Transaction reversed after subject cancellation")
	}
	return nil
}

// HandleInquiryCategoryCancelled reverses the default reward and the
// promotion bonus of a cancelled category.
func (s *RewardService) HandleInquiryCategoryCancelled(ctx context.Context, categoryID uuid.UUID) error {
	for _, subjectType := range []string{SubjectInquiryCategory, SubjectBlackFridayBonus} {
		if err := s.HandleSubjectCancelled(ctx, Subject{ID: categoryID.String(), Type: subjectType}); err != nil {
			return err
		}
	}
	return nil
}

// UpdatePaybackNumber stores a new payback number and clears a recorded
// authentication failure so transactions can be retried.
func (s *RewardService) UpdatePaybackNumber(ctx context.Context, mandateID uuid.UUID, paybackNumber string) error {
	c, err := s.customers.GetByID(ctx, mandateID)
	if err != nil {
		return err
	}
	if c == nil {
		return newError(ErrNotFound, "customer not found")
	}
	return s.customers.UpdatePaybackNumber(ctx, mandateID, paybackNumber)
}

// BookNotRewarded books every eligible category of the customer that has no
// transaction yet. Ineligible categories are skipped.
func (s *RewardService) BookNotRewarded(ctx context.Context, mandateID uuid.UUID) ([]*Transaction, error) {
	ids, err := s.inquiries.NotRewardedIDs(ctx, mandateID)
	if err != nil {
		return nil, err
	}

	booked := make([]*Transaction, 0, len(ids))
	for _, id := range ids {
		t, err := s.BookInquiryCategory(ctx, id)
		if err != nil {
			if isBusinessError(err) {
				log.Info().Err(err).Str("inquiry_category_id", id.String()).Msg("Skipping category")
				continue
			}
			return booked, err
		}
		booked = append(booked, t)
	}
	return booked, nil
}

func categoryInfo(cat *inquiry.Category) Info {
	return Info{
		CompanyName:  cat.CompanyName,
		CategoryID:   cat.ID.String(),
		CategoryName: cat.CategoryName,
	}
}
