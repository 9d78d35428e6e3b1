package payback

// State of a payback transaction
type State string

const (
	StateWaiting         State = "waiting"
	StateCreated         State = "created"
	StateLocked          State = "locked"
	StateToUnlock        State = "to_unlock"
	StateCompleted       State = "completed"
	StateFailed          State = "failed"
	StateCanceled        State = "canceled"
	StateRefundInitiated State = "refund_initiated"
	StateRefunded        State = "refunded"
	StateReleased        State = "released"
)

// Event drives a state transition
type Event string

const (
	EventPromote       Event = "promote"
	EventLock          Event = "lock"
	EventFail          Event = "fail"
	EventRelease       Event = "release"
	EventPrepareUnlock Event = "prepare_unlock"
	EventComplete      Event = "complete"
	EventCancel        Event = "cancel"
	EventRefund        Event = "refund"
	EventFinishRefund  Event = "finish_refund"
)

// transitions maps each event to its legal source states and the target.
var transitions = map[Event]map[State]State{
	EventPromote: {
		StateWaiting: StateCreated,
	},
	EventLock: {
		StateCreated: StateLocked,
	},
	EventFail: {
		StateCreated: StateFailed,
	},
	EventRelease: {
		StateCreated: StateReleased,
	},
	EventPrepareUnlock: {
		StateLocked: StateToUnlock,
	},
	EventComplete: {
		StateToUnlock: StateCompleted,
	},
	EventCancel: {
		StateWaiting:  StateCanceled,
		StateCreated:  StateCanceled,
		StateFailed:   StateCanceled,
		StateLocked:   StateCanceled,
		StateToUnlock: StateCanceled,
	},
	EventRefund: {
		StateCreated:   StateRefundInitiated,
		StateFailed:    StateRefundInitiated,
		StateLocked:    StateRefundInitiated,
		StateToUnlock:  StateRefundInitiated,
		StateCompleted: StateRefundInitiated,
	},
	EventFinishRefund: {
		StateRefundInitiated: StateRefunded,
	},
}

// bookOnlyEvents and refundOnlyEvents restrict events by transaction type.
var (
	bookOnlyEvents = map[Event]bool{
		EventPromote:       true,
		EventLock:          true,
		EventPrepareUnlock: true,
		EventComplete:      true,
		EventRefund:        true,
		EventFinishRefund:  true,
	}
	refundOnlyEvents = map[Event]bool{
		EventRelease: true,
	}
)

// ActiveStates count against the per-customer concurrency limit.
var ActiveStates = []State{StateCreated, StateLocked, StateToUnlock}

// CeilingStates count against the customer-wide booking ceiling.
var CeilingStates = []State{StateWaiting, StateCreated, StateLocked, StateToUnlock, StateCompleted}

// LiveStates are book states that still matter for the refund waterfall.
var LiveStates = []State{StateCreated, StateFailed, StateLocked, StateToUnlock, StateCompleted}

// Fire returns the state reached by applying event to from.
func Fire(from State, event Event) (State, error) {
	if to, ok := transitions[event][from]; ok {
		return to, nil
	}
	return from, invalidTransition(from, event)
}

// CanFire reports whether event is defined for from.
func CanFire(from State, event Event) bool {
	_, ok := transitions[event][from]
	return ok
}

func (s State) IsActive() bool {
	return s == StateCreated || s == StateLocked || s == StateToUnlock
}

func (s State) IsTerminal() bool {
	switch s {
	case StateCompleted, StateCanceled, StateRefunded, StateReleased:
		return true
	}
	return false
}

func eventAllowedFor(t TransactionType, event Event) bool {
	switch t {
	case TypeBook:
		return !refundOnlyEvents[event]
	case TypeRefund:
		return !bookOnlyEvents[event]
	}
	return false
}
