package protocol

import (
	"encoding/json"
	"fmt"
)

// OperationKind tags the variant of an Operation.
type OperationKind string

const (
	// OperationEvent carries a serialized outgoing event.
	OperationEvent OperationKind = "Event"
	// OperationInfo carries an informational message.
	OperationInfo OperationKind = "Info"
	// OperationError carries an error message emitted by the machine itself.
	OperationError OperationKind = "Error"
)

func (k OperationKind) valid() bool {
	switch k {
	case OperationEvent, OperationInfo, OperationError:
		return true
	}
	return false
}

// Operation is a caller-visible side-effect record produced while a request
// is processed. The Value is opaque to the protocol.
type Operation struct {
	Kind  OperationKind
	Value string
}

// EventOperation builds an Event operation.
func EventOperation(payload string) Operation {
	return Operation{Kind: OperationEvent, Value: payload}
}

// InfoOperation builds an Info operation.
func InfoOperation(message string) Operation {
	return Operation{Kind: OperationInfo, Value: message}
}

// ErrorOperation builds an Error operation.
func ErrorOperation(message string) Operation {
	return Operation{Kind: OperationError, Value: message}
}

// MarshalJSON encodes the operation as a single-key object.
func (o Operation) MarshalJSON() ([]byte, error) {
	if !o.Kind.valid() {
		return nil, fmt.Errorf("%w: unknown operation kind %q", ErrMalformed, o.Kind)
	}
	return json.Marshal(map[OperationKind]string{o.Kind: o.Value})
}

// UnmarshalJSON decodes a single-key object into the operation.
func (o *Operation) UnmarshalJSON(data []byte) error {
	var raw map[OperationKind]string
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("%w: operation: %v", ErrMalformed, err)
	}
	if len(raw) != 1 {
		return fmt.Errorf("%w: operation must have exactly one variant, got %d", ErrMalformed, len(raw))
	}
	for kind, value := range raw {
		if !kind.valid() {
			return fmt.Errorf("%w: unknown operation kind %q", ErrMalformed, kind)
		}
		o.Kind = kind
		o.Value = value
	}
	return nil
}

func (o Operation) String() string {
	return string(o.Kind) + "(" + o.Value + ")"
}
