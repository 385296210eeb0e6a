package entry

import (
    "errors"
    "fmt"

    "github.com/google/uuid"
    "github.com/vmihailenco/msgpack/v5"
)

// Entry kinds stored in the queue document. The discriminant travels inside
// the record so observers can skip kinds they do not understand.
const (
    KindCall     = "call"
    KindResponse = "response"
)

// ErrUnknownKind is returned by Decode for records whose kind discriminant is
// missing or not recognized. Observers treat it the same as a decode failure:
// skip the record.
var ErrUnknownKind = errors.New("entry: unknown entry kind")

// Call is a single remote invocation request. It is immutable once appended
// to the queue document and is never deleted by the protocol.
type Call struct {
    Kind      string         `msgpack:"kind"`
    ID        string         `msgpack:"id"`
    Procedure string         `msgpack:"procedure"`
    Input     map[string]any `msgpack:"input"`
    // BatchID groups calls that were committed to the document as one atomic
    // change. Empty for calls issued outside a batch.
    BatchID   string         `msgpack:"batchId,omitempty"`
}

// Outcome is the tagged result union of a Response: either a success carrying
// a result object, or a failure carrying a machine-matchable code and a
// human-readable message.
type Outcome struct {
    OK      bool           `msgpack:"ok"`
    Result  map[string]any `msgpack:"result,omitempty"`
    Code    string         `msgpack:"code,omitempty"`
    Message string         `msgpack:"message,omitempty"`
}

// Response records the outcome of exactly one Call, referenced by CallID.
// The dispatcher guarantees that at most one Response ever exists per call id.
type Response struct {
    Kind    string  `msgpack:"kind"`
    CallID  string  `msgpack:"callId"`
    Outcome Outcome `msgpack:"outcome"`
}

// NewCall builds a Call for the given procedure and input. When id is empty a
// fresh UUID is generated; callers may supply their own id as long as it is
// never reused.
func NewCall(procedure string, input map[string]any, id string) Call {
    if id == "" {
        id = uuid.NewString()
    }
    return Call{Kind: KindCall, ID: id, Procedure: procedure, Input: input}
}

// Success builds a Response for callID carrying result.
func Success(callID string, result map[string]any) Response {
    return Response{Kind: KindResponse, CallID: callID, Outcome: Outcome{OK: true, Result: result}}
}

// Failure builds a Response for callID carrying an error code and message.
func Failure(callID, code, message string) Response {
    return Response{Kind: KindResponse, CallID: callID, Outcome: Outcome{Code: code, Message: message}}
}

// Encode serializes the call into the document's storable representation.
func (c Call) Encode() ([]byte, error) {
    c.Kind = KindCall
    return msgpack.Marshal(c)
}

// Encode serializes the response into the document's storable representation.
func (r Response) Encode() ([]byte, error) {
    r.Kind = KindResponse
    return msgpack.Marshal(r)
}

// kindProbe reads only the discriminant; remaining fields are skipped.
type kindProbe struct {
    Kind string `msgpack:"kind"`
}

// Decode parses a stored record into *Call or *Response. Fields not known to
// this version are ignored, so newer writers remain readable. Malformed bytes
// and unknown kinds yield an error, never a panic; callers are expected to
// skip such records.
func Decode(raw []byte) (any, error) {
    var probe kindProbe
    if err := msgpack.Unmarshal(raw, &probe); err != nil {
        return nil, fmt.Errorf("entry: decode: %w", err)
    }
    switch probe.Kind {
    case KindCall:
        var c Call
        if err := msgpack.Unmarshal(raw, &c); err != nil {
            return nil, fmt.Errorf("entry: decode call: %w", err)
        }
        return &c, nil
    case KindResponse:
        var r Response
        if err := msgpack.Unmarshal(raw, &r); err != nil {
            return nil, fmt.Errorf("entry: decode response: %w", err)
        }
        return &r, nil
    default:
        return nil, ErrUnknownKind
    }
}
