package router

import "fmt"

// FieldKind names the accepted value type of a schema field.
type FieldKind string

const (
    KindString FieldKind = "string"
    KindNumber FieldKind = "number"
    KindBool   FieldKind = "bool"
    KindAny    FieldKind = "any"
)

// Field declares one input field.
type Field struct {
    Kind     FieldKind
    Optional bool
}

// Schema is a minimal field-level input validator. It is intentionally flat:
// nested validation belongs in the handler.
type Schema map[string]Field

// ValidationError reports a single failed check. Kind is machine-matchable
// ("invalid_type", "required"); Error() keeps it as the message prefix so
// callers can identify the failure class from the message alone.
type ValidationError struct {
    Kind  string
    Field string
    Want  FieldKind
}

func (e *ValidationError) Error() string {
    if e.Kind == "required" {
        return fmt.Sprintf("required: missing field %q", e.Field)
    }
    return fmt.Sprintf("%s: field %q must be %s", e.Kind, e.Field, e.Want)
}

// Check validates input against the schema. Fields not declared in the
// schema pass through untouched (forward compatibility).
func (s Schema) Check(input map[string]any) error {
    for name, f := range s {
        v, ok := input[name]
        if !ok || v == nil {
            if f.Optional {
                continue
            }
            return &ValidationError{Kind: "required", Field: name}
        }
        if !f.Kind.matches(v) {
            return &ValidationError{Kind: "invalid_type", Field: name, Want: f.Kind}
        }
    }
    return nil
}

func (k FieldKind) matches(v any) bool {
    switch k {
    case KindAny, "":
        return true
    case KindString:
        _, ok := v.(string)
        return ok
    case KindBool:
        _, ok := v.(bool)
        return ok
    case KindNumber:
        switch v.(type) {
        // msgpack decodes integers into the narrowest signed/unsigned type.
        case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64:
            return true
        }
        return false
    }
    return false
}
