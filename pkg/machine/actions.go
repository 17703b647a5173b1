package machine

import (
	"encoding/json"
	"fmt"
	"slices"

	"github.com/aretw0/espalier/pkg/protocol"
)

type actionLog struct {
	kind    protocol.OperationKind
	message string
	payload any
}

// Actions is the ordered, append-only log of side effects emitted during one
// process or update pass. The zero value is an empty log.
//
// Every method returns a new log; the receiver is never modified, so a log
// can be shared and extended from several places without aliasing.
type Actions struct {
	logs []actionLog
}

// NewActions returns an empty log.
func NewActions() Actions {
	return Actions{}
}

// Info appends an informational message.
func (a Actions) Info(message string) Actions {
	return a.push(actionLog{kind: protocol.OperationInfo, message: message})
}

// Event appends an outgoing event. The payload is serialized by Build.
func (a Actions) Event(payload any) Actions {
	return a.push(actionLog{kind: protocol.OperationEvent, payload: payload})
}

// Error appends an error message emitted by the machine.
func (a Actions) Error(message string) Actions {
	return a.push(actionLog{kind: protocol.OperationError, message: message})
}

// Merge appends every entry of other after the entries of a.
func (a Actions) Merge(other Actions) Actions {
	if len(other.logs) == 0 {
		return a
	}
	return Actions{logs: append(slices.Clip(a.logs), other.logs...)}
}

// Len returns the number of entries.
func (a Actions) Len() int {
	return len(a.logs)
}

// Build converts the log into wire operations, serializing event payloads.
func (a Actions) Build() ([]protocol.Operation, error) {
	ops := make([]protocol.Operation, 0, len(a.logs))
	for i, entry := range a.logs {
		switch entry.kind {
		case protocol.OperationEvent:
			raw, err := json.Marshal(entry.payload)
			if err != nil {
				return nil, fmt.Errorf("failed to serialize event action %d: %w", i, err)
			}
			ops = append(ops, protocol.EventOperation(string(raw)))
		default:
			ops = append(ops, protocol.Operation{Kind: entry.kind, Value: entry.message})
		}
	}
	return ops, nil
}

func (a Actions) push(entry actionLog) Actions {
	return Actions{logs: append(slices.Clip(a.logs), entry)}
}
