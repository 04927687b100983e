package telemetry

import (
	"fmt"
	"strings"

	"codeberg.org/mutker/avrlink/internal/errors"
)

// Kind is the shape of a channel's value.
type Kind uint8

const (
	KindScalar Kind = iota + 1
	KindBool
	KindVector
	KindStruct
)

func (k Kind) String() string {
	switch k {
	case KindScalar:
		return "scalar"
	case KindBool:
		return "bool"
	case KindVector:
		return "vector"
	case KindStruct:
		return "struct"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// ParseKind is the inverse of Kind.String.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "scalar":
		return KindScalar, nil
	case "bool":
		return KindBool, nil
	case "vector":
		return KindVector, nil
	case "struct":
		return KindStruct, nil
	default:
		return 0, errors.New().WithData(ErrInvalidSchema, "unknown kind "+s)
	}
}

// Field is one named component of a payload. Min and Max only apply when
// Ranged is set.
type Field struct {
	Name   string
	Min    float64
	Max    float64
	Ranged bool
}

// InRange reports whether v satisfies the field's declared range.
func (f Field) InRange(v float64) bool {
	if !f.Ranged {
		return true
	}
	return v >= f.Min && v <= f.Max
}

// Schema describes the expected payload of a channel.
type Schema struct {
	Kind   Kind
	Fields []Field
}

// Validate checks that the schema is internally consistent.
func (s Schema) Validate() error {
	errFactory := errors.New()

	if len(s.Fields) == 0 {
		return errFactory.WithData(ErrInvalidSchema, "schema has no fields")
	}

	switch s.Kind {
	case KindScalar, KindBool:
		if len(s.Fields) != 1 {
			return errFactory.WithData(ErrInvalidSchema,
				fmt.Sprintf("%s schema needs exactly one field, got %d", s.Kind, len(s.Fields)))
		}
	case KindVector, KindStruct:
	default:
		return errFactory.WithData(ErrInvalidSchema, s.Kind.String())
	}

	seen := make(map[string]struct{}, len(s.Fields))
	for _, f := range s.Fields {
		if f.Name == "" {
			return errFactory.WithData(ErrInvalidSchema, "field without name")
		}
		if _, dup := seen[f.Name]; dup {
			return errFactory.WithData(ErrInvalidSchema, "duplicate field "+f.Name)
		}
		seen[f.Name] = struct{}{}
		if f.Ranged && f.Min > f.Max {
			return errFactory.WithData(ErrInvalidSchema,
				fmt.Sprintf("field %s: min %g > max %g", f.Name, f.Min, f.Max))
		}
	}

	return nil
}

// FieldNames returns the field names in declaration order.
func (s Schema) FieldNames() []string {
	names := make([]string, len(s.Fields))
	for i, f := range s.Fields {
		names[i] = f.Name
	}
	return names
}
