package envelope

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync"

	"github.com/invopop/jsonschema"
)

// SchemaViolation describes why an envelope was rejected.
type SchemaViolation struct {
	Type          Type
	MissingFields []string
	Reason        string

	cause error
}

func (e *SchemaViolation) Error() string {
	var b strings.Builder
	b.WriteString("schema violation")
	if e.Type != "" {
		fmt.Fprintf(&b, " (%s)", e.Type)
	}
	if e.Reason != "" {
		b.WriteString(": ")
		b.WriteString(e.Reason)
	}
	if len(e.MissingFields) > 0 {
		fmt.Fprintf(&b, " missing=%s", strings.Join(e.MissingFields, ","))
	}
	return b.String()
}

func (e *SchemaViolation) Unwrap() error { return e.cause }

// rule is the compiled field set for one message kind. A kind of "" accepts
// any JSON value.
type rule struct {
	freeform bool
	required []string
	kinds    map[string]string
}

// Validator checks envelopes against the per-type payload schemas. The schemas
// are reflected from the typed variants so the wire contract cannot drift from
// the Go types.
type Validator struct {
	rules   map[Type]rule
	schemas map[Type]*jsonschema.Schema
}

var compiled = sync.OnceValues(compileRules)

// NewValidator returns a validator for the known message kinds.
func NewValidator() *Validator {
	rules, schemas := compiled()
	return &Validator{rules: rules, schemas: schemas}
}

// Schema returns the reflected payload schema for t, or nil.
func (v *Validator) Schema(t Type) *jsonschema.Schema {
	return v.schemas[t]
}

// Validate returns nil or a *SchemaViolation. Unknown types fail closed and
// unwrap to ErrUnknownType.
func (v *Validator) Validate(env Envelope) error {
	var missing []string
	if env.Type == "" {
		missing = append(missing, "type")
	}
	if env.Timestamp <= 0 {
		missing = append(missing, "timestamp")
	}
	if len(missing) > 0 {
		return &SchemaViolation{Type: env.Type, MissingFields: missing, Reason: "incomplete envelope"}
	}

	r, ok := v.rules[env.Type]
	if !ok {
		return &SchemaViolation{Type: env.Type, Reason: "unknown message type", cause: ErrUnknownType}
	}
	if env.Type.IsReply() && env.RequestID == "" {
		return &SchemaViolation{Type: env.Type, MissingFields: []string{"requestId"}, Reason: "reply without correlation id"}
	}
	if r.freeform {
		if len(env.Payload) > 0 && !json.Valid(env.Payload) {
			return &SchemaViolation{Type: env.Type, Reason: "payload is not valid JSON"}
		}
		return nil
	}

	payload := bytes.TrimSpace(env.Payload)
	if len(payload) == 0 || bytes.Equal(payload, []byte("null")) {
		payload = []byte("{}")
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(payload, &fields); err != nil {
		return &SchemaViolation{Type: env.Type, Reason: "payload must be an object"}
	}

	for _, name := range r.required {
		raw, ok := fields[name]
		if !ok || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return &SchemaViolation{Type: env.Type, MissingFields: missing, Reason: "required fields absent"}
	}

	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		want, ok := r.kinds[name]
		if !ok || want == "" {
			continue
		}
		raw := bytes.TrimSpace(fields[name])
		if bytes.Equal(raw, []byte("null")) {
			continue
		}
		if !matchesKind(raw, want) {
			return &SchemaViolation{Type: env.Type, Reason: fmt.Sprintf("field %q must be %s", name, want)}
		}
	}
	return nil
}

func matchesKind(raw []byte, kind string) bool {
	if len(raw) == 0 {
		return false
	}
	switch kind {
	case "string":
		return raw[0] == '"'
	case "boolean":
		return bytes.Equal(raw, []byte("true")) || bytes.Equal(raw, []byte("false"))
	case "object":
		return raw[0] == '{'
	case "array":
		return raw[0] == '['
	case "number":
		var n json.Number
		return json.Unmarshal(raw, &n) == nil
	case "integer":
		var n json.Number
		if json.Unmarshal(raw, &n) != nil {
			return false
		}
		_, err := n.Int64()
		if err == nil {
			return true
		}
		// uint64 values above MaxInt64 are still integers.
		return !strings.ContainsAny(n.String(), ".eE-")
	}
	return true
}

var rawMessageType = reflect.TypeOf(json.RawMessage(nil))

func compileRules() (map[Type]rule, map[Type]*jsonschema.Schema) {
	rules := make(map[Type]rule, len(factories))
	schemas := make(map[Type]*jsonschema.Schema, len(factories))
	for t, mk := range factories {
		if t == TypeResponse {
			rules[t] = rule{freeform: true}
			schemas[t] = &jsonschema.Schema{}
			continue
		}
		sample := mk()
		r := &jsonschema.Reflector{
			DoNotReference:            true,
			ExpandedStruct:            true,
			AllowAdditionalProperties: true,
		}
		s := r.Reflect(sample)
		schemas[t] = s

		cr := rule{kinds: map[string]string{}}
		if s != nil && s.Properties != nil {
			for el := s.Properties.Oldest(); el != nil; el = el.Next() {
				cr.kinds[el.Key] = el.Value.Type
			}
		}
		if s != nil {
			cr.required = append(cr.required, s.Required...)
		}
		// Raw JSON fields accept any value regardless of how they reflect.
		st := reflect.TypeOf(sample).Elem()
		for i := 0; i < st.NumField(); i++ {
			f := st.Field(i)
			if f.Type != rawMessageType {
				continue
			}
			name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
			if name == "" {
				name = f.Name
			}
			cr.kinds[name] = ""
		}
		rules[t] = cr
	}
	return rules, schemas
}
