package appflow

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// MergePolicy decides how a patch value combines with the current value.
type MergePolicy int

const (
	// Overwrite replaces the current value (last write wins).
	Overwrite MergePolicy = iota

	// Append concatenates new values onto an ordered list. A slice value
	// appends each element; any other value appends itself.
	Append
)

// String returns the policy name.
func (p MergePolicy) String() string {
	switch p {
	case Overwrite:
		return "overwrite"
	case Append:
		return "append"
	default:
		return fmt.Sprintf("MergePolicy(%d)", int(p))
	}
}

// FieldErrors is the reserved append field the executor records failures in.
// Every schema gets it whether or not it is declared.
const FieldErrors = "errors"

// Schema is the merge-policy table: one declared policy per state field.
type Schema map[string]MergePolicy

func (s Schema) validate() []error {
	var errs []error
	for field, policy := range s {
		switch {
		case field == "":
			errs = append(errs, fmt.Errorf("%w: empty field name", ErrInvalidSchema))
		case strings.ContainsAny(field, " \t\n\r"):
			errs = append(errs, fmt.Errorf("%w: field %q contains whitespace", ErrInvalidSchema, field))
		case policy != Overwrite && policy != Append:
			errs = append(errs, fmt.Errorf("%w: field %q has unknown policy %d", ErrInvalidSchema, field, int(policy)))
		case field == FieldErrors && policy != Append:
			errs = append(errs, fmt.Errorf("%w: reserved field %q must use append", ErrInvalidSchema, FieldErrors))
		}
	}
	return errs
}

// withReserved returns a copy with the reserved fields added.
func (s Schema) withReserved() Schema {
	out := make(Schema, len(s)+1)
	for k, v := range s {
		out[k] = v
	}
	out[FieldErrors] = Append
	return out
}

// Patch is a partial state update returned by a node.
// Fields it doesn't name are left untouched.
type Patch map[string]any

// State is an immutable snapshot of a thread's named fields.
//
// Values are held in their JSON form (string, float64, bool, []any,
// map[string]any, nil) so a state read back from a checkpoint is identical
// to the one that was saved. Use Decode to recover structured values.
type State struct {
	values map[string]any
}

// NewState builds a state from plain values. Values are normalized to
// their JSON form; an unencodable value yields an error.
func NewState(values map[string]any) (State, error) {
	out := make(map[string]any, len(values))
	for k, v := range values {
		nv, err := normalize(v)
		if err != nil {
			return State{}, fmt.Errorf("%w: field %q: %v", ErrInvalidFieldValue, k, err)
		}
		out[k] = nv
	}
	return State{values: out}, nil
}

// Get returns a field's raw value.
func (s State) Get(key string) (any, bool) {
	v, ok := s.values[key]
	return v, ok
}

// Has reports whether the field is set to a non-nil value.
func (s State) Has(key string) bool {
	v, ok := s.values[key]
	return ok && v != nil
}

// String returns a string field, or "" if absent or not a string.
func (s State) String(key string) string {
	v, _ := s.values[key].(string)
	return v
}

// Int returns a numeric field as int, or 0 if absent or not a number.
func (s State) Int(key string) int {
	switch v := s.values[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case int64:
		return int(v)
	default:
		return 0
	}
}

// Bool returns a bool field, or false if absent or not a bool.
func (s State) Bool(key string) bool {
	v, _ := s.values[key].(bool)
	return v
}

// Strings returns the string elements of a list field.
func (s State) Strings(key string) []string {
	list := s.List(key)
	if list == nil {
		return nil
	}
	out := make([]string, 0, len(list))
	for _, item := range list {
		if str, ok := item.(string); ok {
			out = append(out, str)
		}
	}
	return out
}

// List returns a list field, or nil if absent or not a list.
// The returned slice is a copy.
func (s State) List(key string) []any {
	v, ok := s.values[key].([]any)
	if !ok {
		return nil
	}
	out := make([]any, len(v))
	copy(out, v)
	return out
}

// Decode re-decodes a field into v, which must be a pointer.
// Returns false if the field is absent.
func (s State) Decode(key string, v any) (bool, error) {
	raw, ok := s.values[key]
	if !ok || raw == nil {
		return false, nil
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return true, err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return true, fmt.Errorf("decode field %q: %w", key, err)
	}
	return true, nil
}

// Keys returns the field names in sorted order.
func (s State) Keys() []string {
	keys := make([]string, 0, len(s.values))
	for k := range s.values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Len returns the number of fields set.
func (s State) Len() int {
	return len(s.values)
}

// Values returns a shallow copy of the fields.
func (s State) Values() map[string]any {
	out := make(map[string]any, len(s.values))
	for k, v := range s.values {
		out[k] = v
	}
	return out
}

// MarshalJSON implements json.Marshaler.
func (s State) MarshalJSON() ([]byte, error) {
	if s.values == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(s.values)
}

// UnmarshalJSON implements json.Unmarshaler.
func (s *State) UnmarshalJSON(data []byte) error {
	var values map[string]any
	if err := json.Unmarshal(data, &values); err != nil {
		return err
	}
	if values == nil {
		values = map[string]any{}
	}
	s.values = values
	return nil
}

// Merge applies a patch under the schema and returns the new state.
// The receiver is never modified.
func (s State) Merge(schema Schema, p Patch) (State, error) {
	if len(p) == 0 {
		return s, nil
	}

	// Reject the whole patch before touching anything.
	fields := make([]string, 0, len(p))
	for field := range p {
		if _, ok := schema[field]; !ok && field != FieldErrors {
			return s, fmt.Errorf("%w: %q", ErrUndeclaredField, field)
		}
		fields = append(fields, field)
	}
	sort.Strings(fields)

	out := s.Values()
	for _, field := range fields {
		v, err := normalize(p[field])
		if err != nil {
			return s, fmt.Errorf("%w: field %q: %v", ErrInvalidFieldValue, field, err)
		}

		policy := schema[field]
		if field == FieldErrors {
			policy = Append
		}

		switch policy {
		case Append:
			if v == nil {
				continue
			}
			existing, _ := out[field].([]any)
			merged := make([]any, 0, len(existing)+1)
			merged = append(merged, existing...)
			if items, ok := v.([]any); ok {
				merged = append(merged, items...)
			} else {
				merged = append(merged, v)
			}
			out[field] = merged
		default:
			out[field] = v
		}
	}
	return State{values: out}, nil
}

// normalize converts a value to its JSON form.
func normalize(v any) (any, error) {
	switch v.(type) {
	case nil, string, bool, float64:
		return v, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}
