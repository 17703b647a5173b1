package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// Request is sent by the host into the guest. Exactly one variant is set.
type Request struct {
	Initialization *Initialization `json:"Initialization,omitempty"`
	Event          *EventRequest   `json:"Event,omitempty"`
}

// Initialization asks the guest to build a fresh root state.
type Initialization struct {
	Parameter string `json:"parameter"`
}

// EventRequest asks the guest to apply an event to a previously returned state.
type EventRequest struct {
	State string `json:"state"`
	Event string `json:"event"`
}

// NewInitialization builds an Initialization request.
func NewInitialization(parameter string) Request {
	return Request{Initialization: &Initialization{Parameter: parameter}}
}

// NewEvent builds an Event request.
func NewEvent(state, event string) Request {
	return Request{Event: &EventRequest{State: state, Event: event}}
}

// Validate reports whether exactly one variant is set.
func (r Request) Validate() error {
	switch {
	case r.Initialization != nil && r.Event != nil:
		return fmt.Errorf("%w: request has both Initialization and Event", ErrMalformed)
	case r.Initialization == nil && r.Event == nil:
		return fmt.Errorf("%w: request has no variant", ErrMalformed)
	}
	return nil
}

// UnmarshalJSON rejects a missing parameter field.
func (i *Initialization) UnmarshalJSON(data []byte) error {
	var aux struct {
		Parameter *string `json:"parameter"`
	}
	if err := strictUnmarshal(data, &aux); err != nil {
		return err
	}
	if aux.Parameter == nil {
		return errors.New("Initialization: missing field parameter")
	}
	i.Parameter = *aux.Parameter
	return nil
}

// UnmarshalJSON rejects missing state or event fields.
func (e *EventRequest) UnmarshalJSON(data []byte) error {
	var aux struct {
		State *string `json:"state"`
		Event *string `json:"event"`
	}
	if err := strictUnmarshal(data, &aux); err != nil {
		return err
	}
	if aux.State == nil {
		return errors.New("Event: missing field state")
	}
	if aux.Event == nil {
		return errors.New("Event: missing field event")
	}
	e.State = *aux.State
	e.Event = *aux.Event
	return nil
}

// Response is returned by the guest. Exactly one variant is set.
type Response struct {
	Error    *string   `json:"Error,omitempty"`
	Snapshot *Snapshot `json:"Snapshot,omitempty"`
}

// Snapshot is the externally visible result of a successful request.
type Snapshot struct {
	Operations []Operation `json:"operations"`
	State      string      `json:"state"`
}

// ErrorResponse builds an Error response.
func ErrorResponse(message string) Response {
	return Response{Error: &message}
}

// SnapshotResponse builds a Snapshot response.
func SnapshotResponse(s Snapshot) Response {
	return Response{Snapshot: &s}
}

// Validate reports whether exactly one variant is set.
func (r Response) Validate() error {
	switch {
	case r.Error != nil && r.Snapshot != nil:
		return fmt.Errorf("%w: response has both Error and Snapshot", ErrMalformed)
	case r.Error == nil && r.Snapshot == nil:
		return fmt.Errorf("%w: response has no variant", ErrMalformed)
	}
	return nil
}

// MarshalJSON always emits an operations array, never null.
func (s Snapshot) MarshalJSON() ([]byte, error) {
	ops := s.Operations
	if ops == nil {
		ops = []Operation{}
	}
	return json.Marshal(struct {
		Operations []Operation `json:"operations"`
		State      string      `json:"state"`
	}{ops, s.State})
}

// UnmarshalJSON rejects a missing state field.
func (s *Snapshot) UnmarshalJSON(data []byte) error {
	var aux struct {
		Operations []Operation `json:"operations"`
		State      *string     `json:"state"`
	}
	if err := strictUnmarshal(data, &aux); err != nil {
		return err
	}
	if aux.State == nil {
		return errors.New("Snapshot: missing field state")
	}
	s.Operations = aux.Operations
	if s.Operations == nil {
		s.Operations = []Operation{}
	}
	s.State = *aux.State
	return nil
}

// EncodeRequest serializes a request envelope.
func EncodeRequest(r Request) ([]byte, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(r)
}

// DecodeRequest parses a request envelope.
func DecodeRequest(data []byte) (Request, error) {
	var r Request
	if err := strictUnmarshal(data, &r); err != nil {
		return Request{}, fmt.Errorf("%w: request: %v", ErrMalformed, err)
	}
	if err := r.Validate(); err != nil {
		return Request{}, err
	}
	return r, nil
}

// EncodeResponse serializes a response envelope.
func EncodeResponse(r Response) ([]byte, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(r)
}

// DecodeResponse parses a response envelope.
func DecodeResponse(data []byte) (Response, error) {
	var r Response
	if err := strictUnmarshal(data, &r); err != nil {
		return Response{}, fmt.Errorf("%w: response: %v", ErrMalformed, err)
	}
	if err := r.Validate(); err != nil {
		return Response{}, err
	}
	return r, nil
}

func strictUnmarshal(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if _, err := dec.Token(); err != io.EOF {
		return errors.New("unexpected data after top-level value")
	}
	return nil
}
