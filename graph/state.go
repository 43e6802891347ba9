package graph

import (
	"encoding/json"
	"fmt"
)

// Reserved state fields written by the engine and its suspension contract.
const (
	// CorrelationField holds the token a suspension node hands to the external
	// channel. The Resume Gateway looks instances up by this value.
	CorrelationField = "_correlation_token"

	// DecisionField holds the categorical decision merged in on resume.
	DecisionField = "_decision"
)

// State is the record threaded through every node of an instance. It is an
// open mapping of field name to JSON-compatible value.
//
// Nodes never mutate State directly. They receive a snapshot and return a
// partial update (delta) that the executor merges additively: fields absent
// from the delta are left untouched, so concurrent fan-out branches writing
// disjoint fields cannot clobber each other.
//
// Values are normalized through JSON on every merge, which makes an in-memory
// state indistinguishable from one restored from a checkpoint. Numbers are
// therefore float64; use the typed accessors rather than raw type assertions.
type State map[string]any

// Reducer combines the previous value of a field with the value from a delta.
// prev is nil when the field is absent.
type Reducer func(prev, delta any) any

// Clone returns a deep copy of s.
func (s State) Clone() State {
	out, err := deepCopy(s)
	if err != nil {
		// s only ever holds normalized JSON values, so a marshal failure means
		// a caller bypassed Merge.
		panic(fmt.Sprintf("graph: clone state: %v", err))
	}
	if out == nil {
		out = State{}
	}
	return out
}

// Merge applies delta to s in place. Fields with a registered reducer are
// combined; every other field is overwritten.
func (s State) Merge(delta State, reducers map[string]Reducer) error {
	if len(delta) == 0 {
		return nil
	}
	normalized, err := deepCopy(delta)
	if err != nil {
		return fmt.Errorf("normalize delta: %w", err)
	}
	for key, value := range normalized {
		if r, ok := reducers[key]; ok && r != nil {
			combined, err := normalizeValue(r(s[key], value))
			if err != nil {
				return fmt.Errorf("reduce field %q: %w", key, err)
			}
			s[key] = combined
			continue
		}
		s[key] = value
	}
	return nil
}

// String returns the string stored at key, or "".
func (s State) String(key string) string {
	v, _ := s[key].(string)
	return v
}

// Float returns the numeric value stored at key, or 0.
func (s State) Float(key string) float64 {
	return toFloat(s[key])
}

// Int returns the numeric value stored at key truncated to int, or 0.
func (s State) Int(key string) int {
	return int(toFloat(s[key]))
}

// Bool returns the bool stored at key, or false.
func (s State) Bool(key string) bool {
	v, _ := s[key].(bool)
	return v
}

// Map returns the nested object stored at key, or nil.
func (s State) Map(key string) map[string]any {
	switch v := s[key].(type) {
	case map[string]any:
		return v
	case State:
		return v
	}
	return nil
}

// Strings returns the string elements of the list stored at key.
func (s State) Strings(key string) []string {
	switch v := s[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if str, ok := item.(string); ok {
				out = append(out, str)
			}
		}
		return out
	}
	return nil
}

func toFloat(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case float32:
		return float64(n)
	case int:
		return float64(n)
	case int64:
		return float64(n)
	case int32:
		return float64(n)
	case json.Number:
		f, _ := n.Float64()
		return f
	}
	return 0
}

// MergeMaps is a Reducer that shallow-merges object fields, keeping keys from
// prev that the delta does not name.
func MergeMaps(prev, delta any) any {
	out := map[string]any{}
	if p, ok := prev.(map[string]any); ok {
		for k, v := range p {
			out[k] = v
		}
	}
	d, ok := delta.(map[string]any)
	if !ok {
		return delta
	}
	for k, v := range d {
		out[k] = v
	}
	return out
}

// AppendSlice is a Reducer that appends list values. A scalar delta is
// appended as a single element.
func AppendSlice(prev, delta any) any {
	var out []any
	if p, ok := prev.([]any); ok {
		out = append(out, p...)
	}
	if d, ok := delta.([]any); ok {
		return append(out, d...)
	}
	if delta == nil {
		return out
	}
	return append(out, delta)
}

// deepCopy creates a deep copy of v using a JSON round trip.
func deepCopy[S any](v S) (S, error) {
	var zero S

	data, err := json.Marshal(v)
	if err != nil {
		return zero, fmt.Errorf("failed to marshal state: %w", err)
	}

	var copied S
	if err := json.Unmarshal(data, &copied); err != nil {
		return zero, fmt.Errorf("failed to unmarshal state: %w", err)
	}

	return copied, nil
}

func normalizeValue(v any) (any, error) {
	return deepCopy(v)
}
