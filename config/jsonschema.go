package config

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/invopop/jsonschema"
)

// durationPattern matches what time.ParseDuration accepts.
const durationPattern = `^([0-9]+(\.[0-9]+)?(ns|us|µs|ms|s|m|h))+$`

// JSONSchema renders the schema as JSON Schema. Durations accept a Go
// duration string or a number of milliseconds; range bounds are in
// milliseconds.
func (s Schema) JSONSchema() *jsonschema.Schema {
	js := &jsonschema.Schema{Description: s.Description, Default: s.Default}
	bounded := func(t string) *jsonschema.Schema {
		b := &jsonschema.Schema{Type: t}
		if s.HasRange {
			b.Minimum = number(s.Min)
			b.Maximum = number(s.Max)
		}
		return b
	}
	switch s.Kind {
	case KindString:
		js.Type = "string"
	case KindBool:
		js.Type = "boolean"
	case KindInt:
		*js = *bounded("integer")
		js.Description, js.Default = s.Description, s.Default
	case KindFloat:
		*js = *bounded("number")
		js.Description, js.Default = s.Description, s.Default
	case KindDuration:
		if d, ok := s.Default.(time.Duration); ok {
			js.Default = d.String()
		}
		js.AnyOf = []*jsonschema.Schema{
			{Type: "string", Pattern: durationPattern},
			bounded("number"),
		}
	}
	return js
}

// JSONSchema describes the object of every tunable in entries, keyed by name.
func JSONSchema(entries []Entry) *jsonschema.Schema {
	props := jsonschema.NewProperties()
	for _, e := range entries {
		props.Set(e.Key, e.Schema.JSONSchema())
	}
	return &jsonschema.Schema{
		Version:              jsonschema.Version,
		Type:                 "object",
		Properties:           props,
		AdditionalProperties: jsonschema.FalseSchema,
	}
}

func number(f float64) json.Number {
	return json.Number(strconv.FormatFloat(f, 'f', -1, 64))
}
