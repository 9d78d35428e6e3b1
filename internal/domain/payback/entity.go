package payback

import (
	"bytes"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// TransactionType distinguishes bookings from their reversals
type TransactionType string

const (
	TypeBook   TransactionType = "book"
	TypeRefund TransactionType = "refund"
)

// Subject types a transaction can be triggered by.
const (
	SubjectInquiryCategory  = "inquiry_category"
	SubjectBlackFridayBonus = "black_friday_bonus"
)

// InfoSchemaVersion is written with every Info payload.
const InfoSchemaVersion = 1

// Subject is the business object that triggered a transaction.
type Subject struct {
	ID   string `json:"id"`
	Type string `json:"type"`
}

func (s Subject) String() string {
	return s.Type + ":" + s.ID
}

// Info is the structured side-payload of a transaction, stored as JSONB.
// Decoding rejects unknown keys.
type Info struct {
	SchemaVersion int `json:"schemaVersion"`

	InitialPointsAmount int        `json:"initialPointsAmount,omitempty"`
	EffectiveDate       *time.Time `json:"effectiveDate,omitempty"`
	CompanyName         string     `json:"companyName,omitempty"`
	CategoryID          string     `json:"categoryId,omitempty"`
	CategoryName        string     `json:"categoryName,omitempty"`
	ResponseBody        string     `json:"responseBody,omitempty"`

	OriginalTransactionID   *uuid.UUID `json:"originalTransactionId,omitempty"`
	OriginalTransactionDate *time.Time `json:"originalTransactionDate,omitempty"`
	OriginalState           State      `json:"originalState,omitempty"`
	PaybackNumber           string     `json:"paybackNumber,omitempty"`

	AutomaticallyResponse bool       `json:"automaticallyResponse,omitempty"`
	DuplicatedFromID      *uuid.UUID `json:"duplicatedFromId,omitempty"`
	RetryForced           bool       `json:"retryForced,omitempty"`
}

func (i *Info) Scan(src any) error {
	var raw []byte
	switch v := src.(type) {
	case nil:
		*i = Info{SchemaVersion: InfoSchemaVersion}
		return nil
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("unsupported type: %T", src)
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	var decoded Info
	if err := dec.Decode(&decoded); err != nil {
		return fmt.Errorf("decode transaction info: %w", err)
	}
	if decoded.SchemaVersion > InfoSchemaVersion {
		return fmt.Errorf("transaction info schema version %d is newer than supported %d", decoded.SchemaVersion, InfoSchemaVersion)
	}
	*i = decoded
	return nil
}

func (i Info) Value() (driver.Value, error) {
	i.SchemaVersion = InfoSchemaVersion
	return json.Marshal(i)
}

// Transaction is a payback transaction: a booking of points or its refund.
type Transaction struct {
	ID                  uuid.UUID       `db:"id" json:"id"`
	MandateID           uuid.UUID       `db:"mandate_id" json:"mandate_id"`
	SubjectID           string          `db:"subject_id" json:"subject_id"`
	SubjectType         string          `db:"subject_type" json:"subject_type"`
	ParentTransactionID uuid.NullUUID   `db:"parent_transaction_id" json:"parent_transaction_id"`
	TransactionType     TransactionType `db:"transaction_type" json:"transaction_type"`
	State               State           `db:"state" json:"state"`
	RetryOrderCount     int             `db:"retry_order_count" json:"retry_order_count"`
	ResponseCode        sql.NullString  `db:"response_code" json:"response_code"`
	PointsAmount        int             `db:"points_amount" json:"points_amount"`
	ReceiptNo           string          `db:"receipt_no" json:"receipt_no"`
	LockedUntil         sql.NullTime    `db:"locked_until" json:"locked_until"`
	Info                Info            `db:"info" json:"info"`
	ClaimedUntil        sql.NullTime    `db:"claimed_until" json:"claimed_until"`
	LockVersion         int             `db:"lock_version" json:"-"`
	CreatedAt           time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt           time.Time       `db:"updated_at" json:"updated_at"`
}

func (t *Transaction) Subject() Subject {
	return Subject{ID: t.SubjectID, Type: t.SubjectType}
}

func (t *Transaction) IsBook() bool {
	return t.TransactionType == TypeBook
}

func (t *Transaction) IsRefund() bool {
	return t.TransactionType == TypeRefund
}

// Fire applies event to the transaction's state. Type-specific events are
// rejected for the wrong transaction type.
func (t *Transaction) Fire(event Event) error {
	if !eventAllowedFor(t.TransactionType, event) {
		return invalidTransition(t.State, event)
	}
	next, err := Fire(t.State, event)
	if err != nil {
		return err
	}
	t.State = next
	return nil
}

// Sending reports whether a worker holds an unexpired claim to send t to
// the partner.
func (t *Transaction) Sending(now time.Time) bool {
	return t.State == StateCreated && t.ClaimedUntil.Valid && t.ClaimedUntil.Time.After(now)
}

// EffectiveDate falls back to the creation time for legacy rows.
func (t *Transaction) EffectiveDate() time.Time {
	if t.Info.EffectiveDate != nil {
		return *t.Info.EffectiveDate
	}
	return t.CreatedAt
}

// InitialPointsAmount is the amount originally booked, used for refunds.
func (t *Transaction) InitialPointsAmount() int {
	if t.Info.InitialPointsAmount > 0 {
		return t.Info.InitialPointsAmount
	}
	return t.PointsAmount
}

// RefundReceiptNo derives the receipt number of the refund for a booking.
func RefundReceiptNo(bookReceiptNo string) string {
	return bookReceiptNo + "R"
}

func timePtr(t time.Time) *time.Time {
	return &t
}

func uuidPtr(id uuid.UUID) *uuid.UUID {
	return &id
}
