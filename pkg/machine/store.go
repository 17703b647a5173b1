package machine

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"reflect"
	"strings"
	"sync"
)

// Store exclusively owns one state unit and gives it the uniform Node
// operations. A nil *Store behaves as an empty subtree.
type Store[S State[S, E], E any] struct {
	state S
}

// NewStore wraps a unit value.
func NewStore[S State[S, E], E any](state S) *Store[S, E] {
	return &Store[S, E]{state: state}
}

// Value returns the currently held unit value.
func (s *Store[S, E]) Value() S {
	return s.state
}

// Process routes event text: children first in declared order, then the
// unit itself. The first child that consumes the event short-circuits the
// walk and its result is returned verbatim.
func (s *Store[S, E]) Process(event string) (EventStatus, Actions) {
	if s == nil {
		return Dropped, NewActions()
	}
	for _, child := range s.state.Children() {
		if status, actions := child.Process(event); status == Consumed {
			return status, actions
		}
	}
	decoded, err := DecodeEvent[E](event)
	if err != nil {
		return Dropped, NewActions()
	}
	next, status, actions := s.clone().Process(decoded)
	s.state = next
	return status, actions
}

// Update settles children depth-first, then the unit itself. The subtree is
// Changed when any child changed or the unit's new value differs from the
// held one. The unit works on a deep copy, so a unit that drives its own
// children during Update is still seen as changed.
func (s *Store[S, E]) Update() (StateStatus, Actions) {
	if s == nil {
		return Same, NewActions()
	}
	status := Same
	actions := NewActions()
	for _, child := range s.state.Children() {
		childStatus, childActions := child.Update()
		if childStatus == Changed {
			status = Changed
		}
		actions = actions.Merge(childActions)
	}
	next, own := s.clone().Update()
	if !equal(next, s.state) {
		status = Changed
		s.state = next
	}
	return status, actions.Merge(own)
}

// MarshalJSON encodes the store as exactly the wrapped value.
func (s *Store[S, E]) MarshalJSON() ([]byte, error) {
	if s == nil {
		return []byte("null"), nil
	}
	return json.Marshal(s.state)
}

// UnmarshalJSON decodes the wrapped value. Nested stores inside the value
// decode themselves, which rebuilds the whole tree.
func (s *Store[S, E]) UnmarshalJSON(data []byte) error {
	var state S
	if err := json.Unmarshal(data, &state); err != nil {
		return err
	}
	s.state = state
	return nil
}

// clone returns a deep copy of the held value: through Cloner when the unit
// implements it, otherwise through a JSON round trip. Nested stores are
// rebuilt by the round trip, so the copy shares no children with the held
// value.
func (s *Store[S, E]) clone() S {
	if c, ok := any(s.state).(Cloner[S]); ok {
		return c.Clone()
	}
	data, err := json.Marshal(s.state)
	if err != nil {
		return s.state
	}
	var out S
	if err := json.Unmarshal(data, &out); err != nil {
		return s.state
	}
	return out
}

// DecodeEvent decodes event text strictly. See Decode.
func DecodeEvent[E any](text string) (E, error) {
	event, err := Decode[E](text)
	if err != nil {
		return event, fmt.Errorf("invalid event: %w", err)
	}
	return event, nil
}

// Decode decodes text into T strictly: object keys must match the json
// names of T exactly (case included), unknown fields and trailing data are
// rejected, and a Validator implementation gets the final word.
func Decode[T any](text string) (T, error) {
	var v T
	if err := checkKeys(reflect.TypeOf(v), []byte(text)); err != nil {
		return v, err
	}
	dec := json.NewDecoder(bytes.NewReader([]byte(text)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&v); err != nil {
		return v, err
	}
	if _, err := dec.Token(); err != io.EOF {
		return v, errors.New("unexpected data after value")
	}
	if err := validate(&v); err != nil {
		return v, err
	}
	return v, nil
}

// fieldNames caches the exact json names of struct types.
var fieldNames sync.Map // reflect.Type -> map[string]struct{}

// checkKeys rejects a top-level object whose keys differ in case from the
// json names of t. encoding/json alone would accept {"add":1} for Add.
func checkKeys(t reflect.Type, data []byte) error {
	for t != nil && t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t == nil || t.Kind() != reflect.Struct {
		return nil
	}
	data = bytes.TrimSpace(data)
	if len(data) == 0 || data[0] != '{' {
		return nil
	}
	var keys map[string]json.RawMessage
	if err := json.Unmarshal(data, &keys); err != nil {
		// Left to the decoder, which reports it with position.
		return nil
	}
	names := namesOf(t)
	for key := range keys {
		if _, ok := names[key]; !ok {
			return fmt.Errorf("json: unknown field %q", key)
		}
	}
	return nil
}

func namesOf(t reflect.Type) map[string]struct{} {
	if cached, ok := fieldNames.Load(t); ok {
		return cached.(map[string]struct{})
	}
	names := make(map[string]struct{})
	collectNames(t, names)
	fieldNames.Store(t, names)
	return names
}

func collectNames(t reflect.Type, names map[string]struct{}) {
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		tag := f.Tag.Get("json")
		if tag == "-" {
			continue
		}
		name, _, _ := strings.Cut(tag, ",")
		if f.Anonymous && name == "" {
			ft := f.Type
			if ft.Kind() == reflect.Pointer {
				ft = ft.Elem()
			}
			if ft.Kind() == reflect.Struct {
				collectNames(ft, names)
				continue
			}
		}
		if !f.IsExported() {
			continue
		}
		if name == "" {
			name = f.Name
		}
		names[name] = struct{}{}
	}
}

func validate[E any](event *E) error {
	if v, ok := any(*event).(Validator); ok {
		return v.Validate()
	}
	if v, ok := any(event).(Validator); ok {
		return v.Validate()
	}
	return nil
}

// equal compares two unit values through Equaler, or else through their
// serialized form, which is what the host persists.
func equal[S any](a, b S) bool {
	if eq, ok := any(a).(Equaler[S]); ok {
		return eq.Equal(b)
	}
	left, errA := json.Marshal(a)
	right, errB := json.Marshal(b)
	if errA != nil || errB != nil {
		return reflect.DeepEqual(a, b)
	}
	return bytes.Equal(left, right)
}
