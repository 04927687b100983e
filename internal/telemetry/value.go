package telemetry

import (
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"sort"
	"strings"
)

// Value is the typed union carried by a Record. Only the member matching
// Kind is meaningful. Vector and Fields are private copies and must not be
// modified once the value is built.
type Value struct {
	Kind   Kind
	Scalar float64
	Bool   bool
	Vector []float64
	Fields map[string]float64
}

func ScalarValue(v float64) Value {
	return Value{Kind: KindScalar, Scalar: v}
}

func BoolValue(b bool) Value {
	return Value{Kind: KindBool, Bool: b}
}

func VectorValue(v ...float64) Value {
	return Value{Kind: KindVector, Vector: slices.Clone(v)}
}

func StructValue(fields map[string]float64) Value {
	return Value{Kind: KindStruct, Fields: maps.Clone(fields)}
}

// Equal compares the meaningful member of both values.
func (v Value) Equal(o Value) bool {
	if v.Kind != o.Kind {
		return false
	}
	switch v.Kind {
	case KindScalar:
		return v.Scalar == o.Scalar
	case KindBool:
		return v.Bool == o.Bool
	case KindVector:
		return slices.Equal(v.Vector, o.Vector)
	case KindStruct:
		return maps.Equal(v.Fields, o.Fields)
	default:
		return true
	}
}

func (v Value) String() string {
	switch v.Kind {
	case KindScalar:
		return fmt.Sprintf("%g", v.Scalar)
	case KindBool:
		return fmt.Sprintf("%t", v.Bool)
	case KindVector:
		parts := make([]string, len(v.Vector))
		for i, x := range v.Vector {
			parts[i] = fmt.Sprintf("%g", x)
		}
		return "[" + strings.Join(parts, " ") + "]"
	case KindStruct:
		keys := make([]string, 0, len(v.Fields))
		for k := range v.Fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, len(keys))
		for i, k := range keys {
			parts[i] = fmt.Sprintf("%s=%g", k, v.Fields[k])
		}
		return "{" + strings.Join(parts, " ") + "}"
	default:
		return "<empty>"
	}
}

// MarshalJSON renders the value in its natural JSON shape.
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.Kind {
	case KindScalar:
		return json.Marshal(v.Scalar)
	case KindBool:
		return json.Marshal(v.Bool)
	case KindVector:
		return json.Marshal(v.Vector)
	case KindStruct:
		return json.Marshal(v.Fields)
	default:
		return []byte("null"), nil
	}
}
