package entry

import (
    "testing"

    "github.com/vmihailenco/msgpack/v5"
)

func TestCall_RoundTrip(t *testing.T) {
    c := NewCall("users/create", map[string]any{"name": "foo"}, "")
    if c.ID == "" {
        t.Fatalf("expected generated id")
    }
    raw, err := c.Encode()
    if err != nil {
        t.Fatalf("encode: %v", err)
    }
    v, err := Decode(raw)
    if err != nil {
        t.Fatalf("decode: %v", err)
    }
    got, ok := v.(*Call)
    if !ok {
        t.Fatalf("decoded %T, want *Call", v)
    }
    if got.ID != c.ID || got.Procedure != "users/create" {
        t.Fatalf("round trip mismatch: %+v", got)
    }
    if got.Input["name"] != "foo" {
        t.Fatalf("input name = %v, want foo", got.Input["name"])
    }
}

func TestCall_ExplicitID(t *testing.T) {
    c := NewCall("echo", nil, "my-id")
    if c.ID != "my-id" {
        t.Fatalf("id = %q, want my-id", c.ID)
    }
}

func TestResponse_RoundTrip(t *testing.T) {
    r := Failure("c1", "NOT_FOUND", "no such procedure")
    raw, err := r.Encode()
    if err != nil {
        t.Fatalf("encode: %v", err)
    }
    v, err := Decode(raw)
    if err != nil {
        t.Fatalf("decode: %v", err)
    }
    got, ok := v.(*Response)
    if !ok {
        t.Fatalf("decoded %T, want *Response", v)
    }
    if got.CallID != "c1" || got.Outcome.OK || got.Outcome.Code != "NOT_FOUND" {
        t.Fatalf("round trip mismatch: %+v", got)
    }
}

func TestDecode_Malformed(t *testing.T) {
    if _, err := Decode([]byte{0xc1, 0xff, 0x00}); err == nil {
        t.Fatalf("expected error for malformed bytes")
    }
}

func TestDecode_UnknownKind(t *testing.T) {
    raw, _ := msgpack.Marshal(map[string]any{"kind": "checkpoint", "at": 42})
    if _, err := Decode(raw); err != ErrUnknownKind {
        t.Fatalf("err = %v, want ErrUnknownKind", err)
    }
}

func TestDecode_IgnoresForeignFields(t *testing.T) {
    raw, _ := msgpack.Marshal(map[string]any{
        "kind":      KindCall,
        "id":        "c9",
        "procedure": "echo",
        "input":     map[string]any{"x": 1},
        "priority":  "high", // written by a newer peer
    })
    v, err := Decode(raw)
    if err != nil {
        t.Fatalf("decode: %v", err)
    }
    c := v.(*Call)
    if c.ID != "c9" || c.Procedure != "echo" {
        t.Fatalf("unexpected call: %+v", c)
    }
}
