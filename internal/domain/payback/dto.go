package payback

import (
	"time"

	"github.com/google/uuid"
)

// RetryRequest for rescheduling a failed transaction
type RetryRequest struct {
	RetryForced       bool `json:"retry_forced"`
	RetryAfterMinutes int  `json:"retry_after_minutes" validate:"gte=0,lte=10080"`
}

// PaybackNumberRequest for updating a customer's payback number
type PaybackNumberRequest struct {
	PaybackNumber string `json:"payback_number" validate:"required,payback_number"`
}

// TransactionResponse represents a transaction in API responses
type TransactionResponse struct {
	ID                  uuid.UUID  `json:"id"`
	MandateID           uuid.UUID  `json:"mandate_id"`
	SubjectID           string     `json:"subject_id"`
	SubjectType         string     `json:"subject_type"`
	TransactionType     string     `json:"transaction_type"`
	State               string     `json:"state"`
	ParentTransactionID *uuid.UUID `json:"parent_transaction_id,omitempty"`
	RetryOrderCount     int        `json:"retry_order_count"`
	ResponseCode        string     `json:"response_code,omitempty"`
	PointsAmount        int        `json:"points_amount"`
	ReceiptNo           string     `json:"receipt_no"`
	LockedUntil         *time.Time `json:"locked_until,omitempty"`
	EffectiveDate       time.Time  `json:"effective_date"`
	Info                Info       `json:"info"`
	CreatedAt           time.Time  `json:"created_at"`
}

func TransactionResponseFromEntity(t *Transaction) *TransactionResponse {
	resp := &TransactionResponse{
		ID:              t.ID,
		MandateID:       t.MandateID,
		SubjectID:       t.SubjectID,
		SubjectType:     t.SubjectType,
		TransactionType: string(t.TransactionType),
		State:           string(t.State),
		RetryOrderCount: t.RetryOrderCount,
		ResponseCode:    t.ResponseCode.String,
		PointsAmount:    t.PointsAmount,
		ReceiptNo:       t.ReceiptNo,
		EffectiveDate:   t.EffectiveDate(),
		Info:            t.Info,
		CreatedAt:       t.CreatedAt,
	}
	if t.ParentTransactionID.Valid {
		resp.ParentTransactionID = uuidPtr(t.ParentTransactionID.UUID)
	}
	if t.LockedUntil.Valid {
		resp.LockedUntil = timePtr(t.LockedUntil.Time)
	}
	return resp
}

func transactionResponses(txs []*Transaction) []*TransactionResponse {
	out := make([]*TransactionResponse, 0, len(txs))
	for _, t := range txs {
		out = append(out, TransactionResponseFromEntity(t))
	}
	return out
}

// RefundResponse lists the transactions a refund touched
type RefundResponse struct {
	Refunds    []*TransactionResponse `json:"refunds"`
	Canceled   []*TransactionResponse `json:"canceled"`
	Promoted   []*TransactionResponse `json:"promoted"`
	Duplicated *TransactionResponse   `json:"duplicated,omitempty"`
}

func RefundResponseFromOutcome(o *RefundOutcome) *RefundResponse {
	resp := &RefundResponse{
		Refunds:  transactionResponses(o.Refunds),
		Canceled: transactionResponses(o.Canceled),
		Promoted: transactionResponses(o.Promoted),
	}
	if o.Duplicated != nil {
		resp.Duplicated = TransactionResponseFromEntity(o.Duplicated)
	}
	return resp
}

// TriggerResponse reports the state after an outbound attempt
type TriggerResponse struct {
	RequestInitiatedAt time.Time            `json:"request_initiated_at"`
	Transaction        *TransactionResponse `json:"transaction"`
}
