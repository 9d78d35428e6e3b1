package inquiry

import (
	"time"

	"github.com/google/uuid"
)

// State of an inquiry category
type State string

const (
	StateInCreation State = "in_creation"
	StatePending    State = "pending"
	StateContacted  State = "contacted"
	StateCompleted  State = "completed"
	StateCancelled  State = "cancelled"
)

// SubjectType is the payback subject type of inquiry categories.
const SubjectType = "inquiry_category"

// Category is an insurance category the customer asked offers for.
type Category struct {
	ID            uuid.UUID `db:"id" json:"id"`
	MandateID     uuid.UUID `db:"mandate_id" json:"mandate_id"`
	State         State     `db:"state" json:"state"`
	CategoryIdent string    `db:"category_ident" json:"category_ident"`
	CategoryName  string    `db:"category_name" json:"category_name"`
	CompanyName   string    `db:"company_name" json:"company_name"`
	CreatedAt     time.Time `db:"created_at" json:"created_at"`
}

func (c *Category) IsCancelled() bool {
	return c.State == StateCancelled
}

// Classifier decides which categories earn points.
type Classifier struct {
	denied map[string]struct{}
}

func NewClassifier(deniedIdents []string) *Classifier {
	denied := make(map[string]struct{}, len(deniedIdents))
	for _, ident := range deniedIdents {
		denied[ident] = struct{}{}
	}
	return &Classifier{denied: denied}
}

// IsDenied reports whether the category ident is on the deny-list.
func (c *Classifier) IsDenied(cat *Category) bool {
	_, ok := c.denied[cat.CategoryIdent]
	return ok
}

// IsRewardable is false for deny-listed idents and cancelled categories.
func (c *Classifier) IsRewardable(cat *Category) bool {
	if cat == nil {
		return false
	}
	return !c.IsDenied(cat) && !cat.IsCancelled()
}
