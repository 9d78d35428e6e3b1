package customer

import (
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// MandateState represents the lifecycle of a customer's mandate
type MandateState string

const (
	MandateStateCreated  MandateState = "created"
	MandateStateAccepted MandateState = "accepted"
	MandateStateRevoked  MandateState = "revoked"
)

// RewardedPoints is the customer's balance as mirrored from the loyalty partner.
type RewardedPoints struct {
	Locked   int `json:"locked"`
	Unlocked int `json:"unlocked"`
}

// SanityCheck is the outcome of the last reconciliation run for the customer.
type SanityCheck struct {
	Matched        bool      `json:"matched"`
	ExpectedAmount int       `json:"expectedAmount"`
	CheckedAt      time.Time `json:"checkedAt"`
}

// PaybackData is stored as JSONB on the mandate row.
type PaybackData struct {
	PaybackNumber        string         `json:"paybackNumber,omitempty"`
	RewardedPoints       RewardedPoints `json:"rewardedPoints"`
	AuthenticationFailed bool           `json:"authenticationFailed"`
	SanityCheck          *SanityCheck   `json:"sanityCheck,omitempty"`
}

func (p *PaybackData) Scan(src any) error {
	var raw []byte
	switch v := src.(type) {
	case nil:
		*p = PaybackData{}
		return nil
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("unsupported type: %T", src)
	}
	if len(raw) == 0 {
		*p = PaybackData{}
		return nil
	}
	return json.Unmarshal(raw, p)
}

func (p PaybackData) Value() (driver.Value, error) {
	return json.Marshal(p)
}

// Customer is the owner of payback transactions (one mandate per customer).
type Customer struct {
	ID             uuid.UUID    `db:"id" json:"id"`
	MandateState   MandateState `db:"mandate_state" json:"mandate_state"`
	AcceptedAt     sql.NullTime `db:"accepted_at" json:"accepted_at"`
	PaybackEnabled bool         `db:"payback_enabled" json:"payback_enabled"`
	PaybackData    PaybackData  `db:"payback_data" json:"payback_data"`
	CreatedAt      time.Time    `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time    `db:"updated_at" json:"updated_at"`
}

// IsAccepted checks if the mandate has been accepted
func (c *Customer) IsAccepted() bool {
	return c.MandateState == MandateStateAccepted && c.AcceptedAt.Valid
}

// IsRevoked checks if the mandate was revoked
func (c *Customer) IsRevoked() bool {
	return c.MandateState == MandateStateRevoked
}

func (c *Customer) PaybackNumber() string {
	return c.PaybackData.PaybackNumber
}

func (c *Customer) HasPaybackNumber() bool {
	return c.PaybackData.PaybackNumber != ""
}

// TotalPoints is locked plus unlocked points.
func (c *Customer) TotalPoints() int {
	return c.PaybackData.RewardedPoints.Locked + c.PaybackData.RewardedPoints.Unlocked
}

// RewardableUntil is the end of the rewardable window. Zero if never accepted.
func (c *Customer) RewardableUntil(periodMonths int) time.Time {
	if !c.AcceptedAt.Valid {
		return time.Time{}
	}
	return c.AcceptedAt.Time.AddDate(0, periodMonths, 0)
}

// InRewardablePeriod reports whether now - acceptedAt <= rewardable period.
func (c *Customer) InRewardablePeriod(now time.Time, periodMonths int) bool {
	if !c.AcceptedAt.Valid {
		return false
	}
	return !now.After(c.RewardableUntil(periodMonths))
}
