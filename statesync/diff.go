// Package statesync keeps replicas of a domain state convergent by sending
// only the top-level keys that changed since the last confirmed delivery.
package statesync

import (
	"bytes"
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"strings"
)

// State is an opaque JSON-compatible snapshot keyed at the top level.
// States returned by this package carry numbers as json.Number.
type State map[string]any

// Delta lists changed keys with their new encoded values and the keys that
// were removed.
type Delta struct {
	Set        map[string]json.RawMessage
	Tombstones []string
}

// Len counts the keys the delta touches.
func (d *Delta) Len() int {
	if d == nil {
		return 0
	}
	return len(d.Set) + len(d.Tombstones)
}

// snapshot is a State with every value in canonical JSON form, so equality
// is a byte comparison.
type snapshot map[string]json.RawMessage

func canonical(v any) (json.RawMessage, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	// Round trip through any so struct field order and map order agree.
	generic, err := decodeValue(b)
	if err != nil {
		return nil, err
	}
	return json.Marshal(normalizeNumbers(generic))
}

// decodeValue keeps numbers as json.Number so integers beyond 2^53 survive.
func decodeValue(raw []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	return v, nil
}

// normalizeNumbers leaves integer literals untouched and rewrites the rest
// in Go's float formatting, so 1.0 and 1 encode alike.
func normalizeNumbers(v any) any {
	switch t := v.(type) {
	case map[string]any:
		for k, e := range t {
			t[k] = normalizeNumbers(e)
		}
	case []any:
		for i, e := range t {
			t[i] = normalizeNumbers(e)
		}
	case json.Number:
		if !strings.ContainsAny(string(t), ".eE") {
			return t
		}
		if f, err := t.Float64(); err == nil {
			return f
		}
	}
	return v
}

func encode(s State) (snapshot, error) {
	out := make(snapshot, len(s))
	for k, v := range s {
		raw, err := canonical(v)
		if err != nil {
			return nil, fmt.Errorf("encode state key %q: %w", k, err)
		}
		out[k] = raw
	}
	return out, nil
}

func (s snapshot) decode() (State, error) {
	out := make(State, len(s))
	for k, raw := range s {
		v, err := decodeValue(raw)
		if err != nil {
			return nil, fmt.Errorf("decode state key %q: %w", k, err)
		}
		out[k] = v
	}
	return out, nil
}

func diffSnapshots(current, previous snapshot) *Delta {
	d := &Delta{Set: make(map[string]json.RawMessage)}
	for k, v := range current {
		if old, ok := previous[k]; !ok || !bytes.Equal(old, v) {
			d.Set[k] = v
		}
	}
	for k := range previous {
		if _, ok := current[k]; !ok {
			d.Tombstones = append(d.Tombstones, k)
		}
	}
	if d.Len() == 0 {
		return nil
	}
	slices.Sort(d.Tombstones)
	return d
}

func applySnapshot(base snapshot, d *Delta) snapshot {
	out := maps.Clone(base)
	if out == nil {
		out = make(snapshot)
	}
	if d == nil {
		return out
	}
	for k, v := range d.Set {
		out[k] = v
	}
	for _, k := range d.Tombstones {
		delete(out, k)
	}
	return out
}

// Diff compares current with previous key by key and returns nil when they
// are structurally equal. Keys present only in previous become tombstones.
func Diff(current, previous State) (*Delta, error) {
	cur, err := encode(current)
	if err != nil {
		return nil, err
	}
	prev, err := encode(previous)
	if err != nil {
		return nil, err
	}
	return diffSnapshots(cur, prev), nil
}

// Apply returns base with d applied. base is not modified.
func Apply(base State, d *Delta) (State, error) {
	b, err := encode(base)
	if err != nil {
		return nil, err
	}
	return applySnapshot(b, d).decode()
}

// Equal reports whether a and b are structurally equal.
func Equal(a, b State) bool {
	d, err := Diff(a, b)
	return err == nil && d == nil
}
