package api

import (
	"fmt"
	"reflect"
	"slices"
)

// DataType is the declared type of one key of the run data.
type DataType string

const (
	TypeString DataType = "string"
	TypeNumber DataType = "number"
	TypeBool   DataType = "bool"
	TypeObject DataType = "object"
	TypeArray  DataType = "array"
	TypeAny    DataType = "any"
)

// DataSchema types the keys of a workflow's run data. Keys not listed are
// unconstrained.
type DataSchema map[string]DataType

// Check returns an ErrSchemaViolation-wrapped error if value does not match
// the declared type of key. nil values always match.
func (s DataSchema) Check(key string, value any) error {
	want, ok := s[key]
	if !ok || want == TypeAny || want == "" || value == nil {
		return nil
	}
	if got := typeOf(value); got != want {
		return fmt.Errorf("%w: key %q is %s, want %s", ErrSchemaViolation, key, got, want)
	}
	return nil
}

// ValidateOutput checks a step's result data against the step's declared
// outputs and the workflow schema.
func ValidateOutput(step StepConfig, schema DataSchema, data map[string]any) error {
	for k, v := range data {
		if len(step.Outputs) > 0 && !slices.Contains(step.Outputs, k) {
			return fmt.Errorf("%w: step %q wrote undeclared key %q", ErrSchemaViolation, step.ID, k)
		}
		if err := schema.Check(k, v); err != nil {
			return err
		}
	}
	return nil
}

func typeOf(v any) DataType {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.String:
		return TypeString
	case reflect.Bool:
		return TypeBool
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return TypeNumber
	case reflect.Map, reflect.Struct:
		return TypeObject
	case reflect.Slice, reflect.Array:
		return TypeArray
	default:
		return TypeAny
	}
}
