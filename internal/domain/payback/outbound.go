package payback

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/paybackrewards/payback-api/internal/domain/customer"
	"github.com/paybackrewards/payback-api/internal/domain/inquiry"
	"github.com/paybackrewards/payback-api/internal/pkg/logger"
	"github.com/paybackrewards/payback-api/internal/pkg/notify"
	"github.com/paybackrewards/payback-api/internal/pkg/paybackapi"
)

// sendClaimLease bounds how long a crashed worker can keep a transaction
// from being sent again. It is well above the partner client timeout.
const sendClaimLease = 5 * time.Minute

// PartnerClient sends bookings and refunds to the Payback partner API.
type PartnerClient interface {
	Execute(ctx context.Context, req paybackapi.Request) *paybackapi.Response
}

// Outbound sends created transactions to the partner and records the outcome.
type Outbound struct {
	repo       Repository
	customers  customer.Repository
	inquiries  inquiry.Repository
	classifier *inquiry.Classifier
	partner    PartnerClient
	notifier   notify.Dispatcher
	gate       *Gate
	now        func() time.Time
}

func NewOutbound(
	repo Repository,
	customers customer.Repository,
	inquiries inquiry.Repository,
	classifier *inquiry.Classifier,
	partner PartnerClient,
	notifier notify.Dispatcher,
	gate *Gate,
	now func() time.Time,
) *Outbound {
	if now == nil {
		now = time.Now
	}
	return &Outbound{
		repo:       repo,
		customers:  customers,
		inquiries:  inquiries,
		classifier: classifier,
		partner:    partner,
		notifier:   notifier,
		gate:       gate,
		now:        now,
	}
}

// Trigger processes one created transaction and returns the time the
// request was initiated. The partner call happens outside any lock; the
// transaction is claimed first so concurrent triggers send it once.
func (o *Outbound) Trigger(ctx context.Context, id uuid.UUID) (time.Time, error) {
	startedAt := o.now()

	t, err := o.repo.GetByID(ctx, id)
	if err != nil {
		return startedAt, err
	}
	if t == nil {
		return startedAt, newError(ErrNotFound, "transaction not found")
	}

	ctx = logger.WithFields(ctx, map[string]string{
		"transaction_id": t.ID.String(),
		"mandate_id":     t.MandateID.String(),
	})
	l := logger.FromContext(ctx)

	if t.State != StateCreated {
		return startedAt, newError(ErrInvalidTransition, fmt.Sprintf("transaction is %s, only created transactions can be sent", t.State))
	}
	if t.Sending(startedAt) {
		return startedAt, newError(ErrInvalidTransition, "transaction is already being sent")
	}

	if t.IsBook() {
		rewardable, err := o.subjectRewardable(ctx, t)
		if err != nil {
			return startedAt, err
		}
		if !rewardable {
			l.Info().Msg("Subject missing or not rewardable, canceling transaction")
			return startedAt, o.cancel(ctx, t)
		}
	}

	c, err := o.customers.GetByID(ctx, t.MandateID)
	if err != nil {
		return startedAt, err
	}
	if t.IsBook() && c == nil {
		return startedAt, newError(ErrNotFound, "customer not found")
	}

	if c != nil && c.PaybackData.AuthenticationFailed {
		l.Warn().Msg("Customer payback number failed authentication before, failing without partner call")
		t.ResponseCode = sql.NullString{String: AuthenticationFailureResponseCode, Valid: true}
		t.Info.AutomaticallyResponse = true
		if err := t.Fire(EventFail); err != nil {
			return startedAt, err
		}
		return startedAt, o.repo.Update(ctx, t)
	}

	if t.IsRefund() && !o.originalWasBooked(t) {
		// nothing reached the partner for the original, so nothing to reverse
		t.Info.AutomaticallyResponse = true
		if err := t.Fire(EventRelease); err != nil {
			return startedAt, err
		}
		if err := o.repo.Update(ctx, t); err != nil {
			return startedAt, err
		}
		return startedAt, o.finishOriginal(ctx, t)
	}

	paybackNumber := ""
	if c != nil {
		paybackNumber = c.PaybackNumber()
	}
	if paybackNumber == "" && t.IsRefund() {
		paybackNumber = t.Info.PaybackNumber
	}
	if paybackNumber == "" {
		return startedAt, newError(ErrPaybackNumberRequired, "no payback number available for this transaction")
	}

	if err := o.repo.Claim(ctx, t, startedAt, startedAt.Add(sendClaimLease)); err != nil {
		return startedAt, err
	}

	resp := o.partner.Execute(ctx, o.buildRequest(t, paybackNumber))
	t.ClaimedUntil = sql.NullTime{}

	if !resp.Successful() {
		return startedAt, o.recordFailure(ctx, l, t, c, resp)
	}
	return startedAt, o.recordSuccess(ctx, l, t, c, resp)
}

func (o *Outbound) subjectRewardable(ctx context.Context, t *Transaction) (bool, error) {
	id, err := uuid.Parse(t.SubjectID)
	if err != nil {
		return false, nil
	}
	cat, err := o.inquiries.GetByID(ctx, id)
	if err != nil {
		return false, err
	}
	return o.classifier.IsRewardable(cat), nil
}

func (o *Outbound) originalWasBooked(t *Transaction) bool {
	switch t.Info.OriginalState {
	case StateCreated, StateFailed:
		return false
	}
	return true
}

func (o *Outbound) buildRequest(t *Transaction, paybackNumber string) paybackapi.Request {
	req := paybackapi.Request{
		Kind:          paybackapi.KindBook,
		ReceiptNo:     t.ReceiptNo,
		PaybackNumber: paybackNumber,
		Points:        t.PointsAmount,
		EffectiveDate: t.EffectiveDate(),
		CompanyName:   t.Info.CompanyName,
		CategoryName:  t.Info.CategoryName,
	}
	if t.IsRefund() {
		req.Kind = paybackapi.KindRefund
		if t.Info.OriginalTransactionDate != nil {
			req.OriginalDate = *t.Info.OriginalTransactionDate
		}
		req.OriginalReceiptNo = strings.TrimSuffix(t.ReceiptNo, "R")
	}
	return req
}

func (o *Outbound) recordFailure(ctx context.Context, l *zerolog.Logger, t *Transaction, c *customer.Customer, resp *paybackapi.Response) error {
	code := UnprocessableResponseCode
	if resp.Parseable {
		code = FormatResponseCode(resp.HTTPCode, resp.ErrorCode)
	}
	t.ResponseCode = sql.NullString{String: code, Valid: true}
	t.Info.ResponseBody = resp.RawBody
	if err := t.Fire(EventFail); err != nil {
		return err
	}
	if err := o.repo.Update(ctx, t); err != nil {
		return err
	}

	l.Warn().Str("response_code", code).Msg("Partner rejected transaction")

	if resp.ErrorCode == AuthenticationFailedErrorCode && c != nil {
		if err := o.customers.SaveAuthenticationFailure(ctx, c.ID); err != nil {
			l.Error().Err(err).Msg("Failed to persist authentication failure")
		}
	}
	return nil
}

func (o *Outbound) recordSuccess(ctx context.Context, l *zerolog.Logger, t *Transaction, c *customer.Customer, resp *paybackapi.Response) error {
	t.ResponseCode = sql.NullString{String: FormatResponseCode(resp.HTTPCode, resp.ErrorCode), Valid: true}
	t.Info.ResponseBody = resp.RawBody

	if t.IsRefund() {
		if err := t.Fire(EventRelease); err != nil {
			return err
		}
		if err := o.repo.Update(ctx, t); err != nil {
			return err
		}
		if c != nil {
			o.reverseBalance(ctx, l, t, c)
		}
		if err := o.finishOriginal(ctx, t); err != nil {
			return err
		}
		o.dispatch(ctx, t, notify.KindTransactionRefunded)
		l.Info().Msg("Refund released")
		return nil
	}

	attrs := resp.Attributes()
	if attrs.LockedUntil != nil {
		t.LockedUntil = sql.NullTime{Time: *attrs.LockedUntil, Valid: true}
	}
	if attrs.PointsAmount != nil {
		t.PointsAmount = *attrs.PointsAmount
	}
	if err := t.Fire(EventLock); err != nil {
		return err
	}
	if err := o.repo.Update(ctx, t); err != nil {
		l.Error().Err(err).Msg("Partner booked points but the lock could not be recorded")
		return err
	}
	// points follow the committed lock only
	if err := o.customers.AddLockedPoints(ctx, c.ID, t.PointsAmount); err != nil {
		return fmt.Errorf("add locked points: %w", err)
	}
	o.dispatch(ctx, t, notify.KindInquiryCategoryAdded)
	l.Info().Int("points", t.PointsAmount).Msg("Points booked")
	return nil
}

// reverseBalance removes refunded points from the bucket they were in.
func (o *Outbound) reverseBalance(ctx context.Context, l *zerolog.Logger, t *Transaction, c *customer.Customer) {
	var err error
	if t.Info.OriginalState == StateCompleted {
		err = o.customers.SubtractUnlockedPoints(ctx, c.ID, t.PointsAmount)
	} else {
		err = o.customers.SubtractLockedPoints(ctx, c.ID, t.PointsAmount)
	}
	if err != nil {
		l.Error().Err(err).Msg("Failed to subtract refunded points")
	}
}

// finishOriginal moves the refunded book transaction to refunded.
func (o *Outbound) finishOriginal(ctx context.Context, refund *Transaction) error {
	if refund.Info.OriginalTransactionID == nil {
		return nil
	}
	original, err := o.repo.GetByID(ctx, *refund.Info.OriginalTransactionID)
	if err != nil {
		return err
	}
	if original == nil {
		return newError(ErrNotFound, "original transaction not found")
	}
	if err := original.Fire(EventFinishRefund); err != nil {
		return err
	}
	return o.repo.Update(ctx, original)
}

func (o *Outbound) cancel(ctx context.Context, t *Transaction) error {
	if err := t.Fire(EventCancel); err != nil {
		return err
	}
	if err := o.repo.Update(ctx, t); err != nil {
		return err
	}
	if _, err := o.gate.PromoteWaiting(ctx, t.MandateID); err != nil {
		log.Error().Err(err).Str("mandate_id", t.MandateID.String()).Msg("Failed to promote waiting transactions")
	}
	return nil
}

func (o *Outbound) dispatch(ctx context.Context, t *Transaction, kind notify.Kind) {
	err := o.notifier.Dispatch(ctx, notify.Message{
		Kind:          kind,
		MandateID:     t.MandateID.String(),
		TransactionID: t.ID.String(),
		SubjectID:     t.SubjectID,
		Points:        t.PointsAmount,
		SentAt:        o.now(),
	})
	if err != nil {
		logger.FromContext(ctx).Error().Err(err).Str("kind", string(kind)).Msg("Failed to dispatch notification")
	}
}
