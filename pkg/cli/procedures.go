package cli

import (
    "context"
    "fmt"

    "github.com/psycho-baller/trpc-crdt/pkg/router"
)

// DefaultRouter registers the built-in procedures served by the trpcctl
// binary: a small shared key/value surface plus echo for connectivity checks.
func DefaultRouter() *router.Mux {
    m := router.NewMux()
    _ = m.Handle(router.Procedure{
        Name:  "kv/put",
        Input: router.Schema{"key": {Kind: router.KindString}, "value": {Kind: router.KindAny}},
        Handler: func(ctx context.Context, call *router.CallContext) (map[string]any, error) {
            key := call.Input["key"].(string)
            value := call.Input["value"]
            err := call.Transact(func(tx router.Tx) error {
                tx.Put(key, value)
                tx.Append(map[string]any{"op": "put", "key": key})
                return nil
            })
            if err != nil {
                return nil, err
            }
            return map[string]any{"key": key}, nil
        },
    })
    _ = m.Handle(router.Procedure{
        Name:  "kv/get",
        Input: router.Schema{"key": {Kind: router.KindString}},
        Handler: func(ctx context.Context, call *router.CallContext) (map[string]any, error) {
            key := call.Input["key"].(string)
            if call.Store == nil {
                return nil, router.ErrNoStore
            }
            value, ok := call.Store.Get(key)
            if !ok {
                return nil, fmt.Errorf("no value for key %q", key)
            }
            return map[string]any{"key": key, "value": value}, nil
        },
    })
    _ = m.Handle(router.Procedure{
        Name: "kv/log",
        Handler: func(ctx context.Context, call *router.CallContext) (map[string]any, error) {
            if call.Store == nil {
                return nil, router.ErrNoStore
            }
            recs := call.Store.Records()
            out := make([]any, 0, len(recs))
            for _, r := range recs {
                out = append(out, r)
            }
            return map[string]any{"entries": out, "count": len(out)}, nil
        },
    })
    _ = m.Handle(router.Procedure{
        Name: "echo",
        Handler: func(ctx context.Context, call *router.CallContext) (map[string]any, error) {
            out := make(map[string]any, len(call.Input))
            for k, v := range call.Input {
                out[k] = v
            }
            return out, nil
        },
    })
    return m
}
