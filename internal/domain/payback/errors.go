package payback

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound              = errors.New("not found")
	ErrNotAllowed            = errors.New("not allowed")
	ErrDuplicate             = errors.New("duplicate receipt number")
	ErrMaximumReached        = errors.New("maximum points reached")
	ErrInvalidTransition     = errors.New("invalid transition")
	ErrWrongResponseCode     = errors.New("wrong response code")
	ErrRetryCountExceeded    = errors.New("retry count exceeded")
	ErrPaybackNumberRequired = errors.New("payback number required")
	ErrFeatureDisabled       = errors.New("feature disabled")
	ErrNotBookTransaction    = errors.New("not a book transaction")
	ErrInternal              = errors.New("internal error")
)

// Error is a business error carrying user-facing messages. It unwraps to
// one of the sentinels above.
type Error struct {
	Kind     error
	Messages []string
}

func (e *Error) Error() string {
	if len(e.Messages) == 0 {
		return e.Kind.Error()
	}
	return fmt.Sprintf("%s: %s", e.Kind.Error(), e.Messages[0])
}

func (e *Error) Unwrap() error {
	return e.Kind
}

func newError(kind error, messages ...string) *Error {
	if len(messages) == 0 {
		messages = []string{kind.Error()}
	}
	return &Error{Kind: kind, Messages: messages}
}

func invalidTransition(from State, event Event) error {
	return newError(ErrInvalidTransition, fmt.Sprintf("cannot %s a transaction in state %s", event, from))
}

// Messages returns the non-empty list of user-facing messages for err.
func Messages(err error) []string {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) && len(e.Messages) > 0 {
		return e.Messages
	}
	for _, kind := range []error{
		ErrNotFound, ErrNotAllowed, ErrDuplicate, ErrMaximumReached, ErrInvalidTransition,
		ErrWrongResponseCode, ErrRetryCountExceeded, ErrPaybackNumberRequired, ErrFeatureDisabled,
		ErrNotBookTransaction,
	} {
		if errors.Is(err, kind) {
			return []string{kind.Error()}
		}
	}
	return []string{"An unexpected error occurred"}
}

// isBusinessError reports whether err is an expected business condition
// rather than an infrastructure failure.
func isBusinessError(err error) bool {
	var e *Error
	return errors.As(err, &e)
}
