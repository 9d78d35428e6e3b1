package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/smithy-go"
	"github.com/rs/zerolog/log"
)

// Kind of customer notification
type Kind string

const (
	KindPointsUnlocked       Kind = "points_unlocked"
	KindTransactionRefunded  Kind = "transaction_refunded"
	KindInquiryCategoryAdded Kind = "inquiry_category_added"
)

// Message is a customer notification handed to the delivery pipeline.
type Message struct {
	Kind          Kind      `json:"kind"`
	MandateID     string    `json:"mandate_id"`
	TransactionID string    `json:"transaction_id"`
	SubjectID     string    `json:"subject_id,omitempty"`
	Points        int       `json:"points"`
	SentAt        time.Time `json:"sent_at"`
}

// Dispatcher delivers customer notifications.
type Dispatcher interface {
	Dispatch(ctx context.Context, msg Message) error
}

// Alert is an operational alert for a human.
type Alert struct {
	Subject string
	Message string
}

// Alerter raises operational alerts.
type Alerter interface {
	Alert(ctx context.Context, alert Alert) error
}

// LogDispatcher only logs; used when no queue is configured.
type LogDispatcher struct{}

func (LogDispatcher) Dispatch(ctx context.Context, msg Message) error {
	log.Info().
		Str("kind", string(msg.Kind)).
		Str("mandate_id", msg.MandateID).
		Str("transaction_id", msg.TransactionID).
		Int("points", msg.Points).
		Msg("Notification (no queue configured)")
	return nil
}

// LogAlerter only logs; used when no topic is configured.
type LogAlerter struct{}

func (LogAlerter) Alert(ctx context.Context, alert Alert) error {
	log.Warn().Str("subject", alert.Subject).Msg(alert.Message)
	return nil
}

// wrapAPIError keeps the AWS error code visible in logs.
func wrapAPIError(op string, err error) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return fmt.Errorf("%s failed [%s]: %w", op, apiErr.ErrorCode(), err)
	}
	return fmt.Errorf("%s failed: %w", op, err)
}
