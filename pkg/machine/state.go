package machine

// EventStatus reports whether a unit accepted an event.
type EventStatus int

const (
	Dropped EventStatus = iota
	Consumed
)

func (s EventStatus) String() string {
	if s == Consumed {
		return "consumed"
	}
	return "dropped"
}

// StateStatus reports whether an update pass changed any value.
type StateStatus int

const (
	Same StateStatus = iota
	Changed
)

func (s StateStatus) String() string {
	if s == Changed {
		return "changed"
	}
	return "same"
}

// Node is the type-erased view of a Store. A parent unit declares its
// children as Nodes so it can hold stores of different unit types.
type Node interface {
	// Process routes raw event text through the subtree.
	Process(event string) (EventStatus, Actions)

	// Update runs one settling pass over the subtree.
	Update() (StateStatus, Actions)
}

// State is the capability implemented by application state units.
//
// S is the unit type itself and E its event type. Methods are expected to be
// pure functions of the receiver: they return the next value instead of
// mutating the current one.
type State[S any, E any] interface {
	// Process consumes an external event decoded as E.
	Process(event E) (S, EventStatus, Actions)

	// Update runs a self-transition. Returning a value equal to the receiver
	// means the unit has settled.
	Update() (S, Actions)

	// Children returns the nested stores owned by the unit, in the fixed
	// order used for both routing and settling.
	Children() []Node
}

// Entry builds the initial value of a root unit from its parameter.
type Entry[S any, P any] func(parameter P) (S, Actions)

// Equaler can be implemented by units whose equality is cheaper than
// comparing serialized values. Equal must compare nested stores by value.
type Equaler[S any] interface {
	Equal(other S) bool
}

// Cloner can be implemented by units that copy themselves cheaper than a
// JSON round trip. Clone must deep-copy nested stores.
type Cloner[S any] interface {
	Clone() S
}

// Validator can be implemented by event types to reject values that decode
// cleanly but are not a valid variant, such as an empty object.
type Validator interface {
	Validate() error
}
