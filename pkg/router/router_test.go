package router

import (
    "context"
    "errors"
    "testing"
)

func TestMux_ResolveAndValidate(t *testing.T) {
    m := NewMux()
    err := m.Handle(Procedure{
        Name:  "users/create",
        Input: Schema{"name": {Kind: KindString}},
        Handler: func(ctx context.Context, call *CallContext) (map[string]any, error) {
            return map[string]any{"user": map[string]any{"name": call.Input["name"]}}, nil
        },
    })
    if err != nil {
        t.Fatalf("handle: %v", err)
    }

    if _, ok := m.Resolve("users/create"); !ok {
        t.Fatalf("expected procedure to resolve")
    }
    if _, ok := m.Resolve("nope"); ok {
        t.Fatalf("unexpected resolution")
    }

    if _, err := m.Validate("users/create", map[string]any{"name": "foo"}); err != nil {
        t.Fatalf("validate: %v", err)
    }
}

func TestSchema_InvalidType(t *testing.T) {
    s := Schema{"name": {Kind: KindString}}
    err := s.Check(map[string]any{"name": int64(7)})
    var ve *ValidationError
    if !errors.As(err, &ve) {
        t.Fatalf("err = %v, want *ValidationError", err)
    }
    if ve.Kind != "invalid_type" {
        t.Fatalf("kind = %q, want invalid_type", ve.Kind)
    }
}

func TestSchema_Required(t *testing.T) {
    s := Schema{"name": {Kind: KindString}}
    err := s.Check(map[string]any{})
    var ve *ValidationError
    if !errors.As(err, &ve) || ve.Kind != "required" {
        t.Fatalf("err = %v, want required ValidationError", err)
    }
}

func TestSchema_OptionalAndNumbers(t *testing.T) {
    s := Schema{
        "count": {Kind: KindNumber, Optional: true},
        "flag":  {Kind: KindBool, Optional: true},
    }
    if err := s.Check(map[string]any{}); err != nil {
        t.Fatalf("optional fields should pass: %v", err)
    }
    if err := s.Check(map[string]any{"count": int8(3), "flag": true}); err != nil {
        t.Fatalf("check: %v", err)
    }
    if err := s.Check(map[string]any{"count": "three"}); err == nil {
        t.Fatalf("expected invalid_type for string count")
    }
}

func TestCallContext_ResponseSink(t *testing.T) {
    c := NewCallContext("c1", "echo", nil, nil)
    c.SetResponse("traceId", "t-1")
    c.SetResponse("traceId", "t-2")
    fields := c.ResponseFields()
    if fields["traceId"] != "t-2" {
        t.Fatalf("fields = %v", fields)
    }
}

func TestCallContext_TransactWithoutStore(t *testing.T) {
    c := NewCallContext("c1", "echo", nil, nil)
    if err := c.Transact(func(tx Tx) error { return nil }); err != ErrNoStore {
        t.Fatalf("err = %v, want ErrNoStore", err)
    }
}
