package config

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Kind is the value type a key accepts.
type Kind int

const (
	KindString Kind = iota
	KindInt
	KindFloat
	KindBool
	KindDuration
)

func (k Kind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindBool:
		return "bool"
	case KindDuration:
		return "duration"
	}
	return "unknown"
}

// Schema describes one tunable.
type Schema struct {
	Kind        Kind
	Default     any
	Description string

	// Min and Max bound numeric and duration values when HasRange is set.
	// Durations compare in milliseconds.
	HasRange bool
	Min, Max float64

	// Check runs after type and range checks pass.
	Check func(v any) error
}

// SchemaViolation is returned by Set when a value does not fit its key.
type SchemaViolation struct {
	Key    string
	Reason string
}

func (e *SchemaViolation) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Key, e.Reason)
}

// normalize coerces v into the canonical Go type for the kind: string,
// int64, float64, bool or time.Duration. It accepts what JSON and TOML
// decoders produce as well as native Go values. Bare numbers for durations
// are milliseconds.
func (s Schema) normalize(v any) (any, error) {
	switch s.Kind {
	case KindString:
		if str, ok := v.(string); ok {
			return str, nil
		}
	case KindBool:
		switch b := v.(type) {
		case bool:
			return b, nil
		case string:
			return strconv.ParseBool(b)
		}
	case KindInt:
		switch n := v.(type) {
		case int:
			return int64(n), nil
		case int32:
			return int64(n), nil
		case int64:
			return n, nil
		case uint64:
			if n > math.MaxInt64 {
				return nil, fmt.Errorf("%d overflows int64", n)
			}
			return int64(n), nil
		case float64:
			if n != math.Trunc(n) {
				return nil, fmt.Errorf("%v is not an integer", n)
			}
			return int64(n), nil
		case json.Number:
			return n.Int64()
		case string:
			return strconv.ParseInt(strings.TrimSpace(n), 10, 64)
		}
	case KindFloat:
		switch n := v.(type) {
		case float64:
			return n, nil
		case float32:
			return float64(n), nil
		case int:
			return float64(n), nil
		case int64:
			return float64(n), nil
		case json.Number:
			return n.Float64()
		case string:
			return strconv.ParseFloat(strings.TrimSpace(n), 64)
		}
	case KindDuration:
		switch d := v.(type) {
		case time.Duration:
			return d, nil
		case string:
			return time.ParseDuration(strings.TrimSpace(d))
		case int:
			return time.Duration(d) * time.Millisecond, nil
		case int64:
			return time.Duration(d) * time.Millisecond, nil
		case float64:
			return time.Duration(d * float64(time.Millisecond)), nil
		case json.Number:
			f, err := d.Float64()
			if err != nil {
				return nil, err
			}
			return time.Duration(f * float64(time.Millisecond)), nil
		}
	}
	return nil, fmt.Errorf("expected %s, got %T", s.Kind, v)
}

// validate normalizes v and applies range and custom checks.
func (s Schema) validate(key string, v any) (any, error) {
	nv, err := s.normalize(v)
	if err != nil {
		return nil, &SchemaViolation{Key: key, Reason: err.Error()}
	}
	if s.HasRange {
		var f float64
		switch x := nv.(type) {
		case int64:
			f = float64(x)
		case float64:
			f = x
		case time.Duration:
			f = float64(x) / float64(time.Millisecond)
		}
		if f < s.Min || f > s.Max {
			return nil, &SchemaViolation{Key: key, Reason: fmt.Sprintf("%v outside [%v, %v]", f, s.Min, s.Max)}
		}
	}
	if s.Check != nil {
		if err := s.Check(nv); err != nil {
			return nil, &SchemaViolation{Key: key, Reason: err.Error()}
		}
	}
	return nv, nil
}

// encode renders a canonical value for persistence.
func encode(v any) (json.RawMessage, error) {
	if d, ok := v.(time.Duration); ok {
		return json.Marshal(d.String())
	}
	return json.Marshal(v)
}

// decode parses a persisted value back into something normalize accepts.
func decode(raw json.RawMessage) (any, error) {
	var v any
	dec := json.NewDecoder(strings.NewReader(string(raw)))
	dec.UseNumber()
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	return v, nil
}
