package transport

import "context"

// StatusFunc returns a JSON-encoded status payload for management /status.
// Using []byte avoids import cycles on node types.
type StatusFunc func(ctx context.Context) ([]byte, error)

// InvokeRequest asks a replica to issue a procedure call into its queue
// document on the caller's behalf. ID is optional; when empty, the replica
// assigns one.
type InvokeRequest struct {
    Procedure string         `json:"procedure"`
    Input     map[string]any `json:"input,omitempty"`
    ID        string         `json:"id,omitempty"`
}

// InvokeResponse carries the settled outcome of a forwarded call. Code is
// empty on success; otherwise it is one of the protocol error codes.
type InvokeResponse struct {
    ID     string         `json:"id"`
    Result map[string]any `json:"result,omitempty"`
    Code   string         `json:"code,omitempty"`
    Error  string         `json:"error,omitempty"`
}

// InvokeFunc handles forwarded calls. A procedure failure is reported inside
// the response, not as a Go error; the error return is for transport-level
// trouble (document unavailable, replica shutting down).
type InvokeFunc func(ctx context.Context, req InvokeRequest) (InvokeResponse, error)

// RPCServer exposes management endpoints (/status, /invoke) for operator
// tooling and replica-to-replica calls.
type RPCServer interface {
    Start(ctx context.Context, status StatusFunc, invoke InvokeFunc) error
    Addr() string
    Stop(ctx context.Context) error
}

// RPCClient performs management calls against another replica using the
// chosen protocol (HTTP/JSON or gRPC JSON codec).
type RPCClient interface {
    GetStatus(ctx context.Context, addr string) ([]byte, error)
    PostInvoke(ctx context.Context, addr string, req InvokeRequest) (InvokeResponse, error)
}
