package rpc

import (
    "context"

    "github.com/oklog/ulid/v2"

    obsmetrics "github.com/psycho-baller/trpc-crdt/pkg/observability/metrics"
)

// batch accumulates call entries issued inside a WithBatch scope.
type batch struct {
    id      string
    records [][]byte
    ids     []string
}

// WithBatch runs fn and commits every call issued through this client while
// fn runs as one atomic document change sharing a fresh batch id. Only the
// visibility of the call entries is atomic; each call still completes
// independently.
//
// Nesting policy: a nested WithBatch collapses into the outermost batch;
// fn runs inside the same batch and the commit happens when the outermost
// scope returns. The batch scope is per client, so calls issued on this
// client from other goroutines while fn runs join the batch as well.
//
// When fn returns an error, nothing is appended and the calls issued inside
// the scope are settled with that error.
func (c *Client) WithBatch(ctx context.Context, fn func() error) error {
    c.mu.Lock()
    if c.closed {
        c.mu.Unlock()
        return ErrClientClosed
    }
    if c.batch != nil {
        c.mu.Unlock()
        return fn()
    }
    b := &batch{id: ulid.Make().String()}
    c.batch = b
    c.mu.Unlock()

    err := fn()

    c.mu.Lock()
    c.batch = nil
    c.mu.Unlock()

    if err != nil {
        c.abandonBatch(b, err)
        return err
    }
    if len(b.records) == 0 {
        return nil
    }
    obsmetrics.BatchSize.Observe(float64(len(b.records)))
    if err := c.doc.Append(ctx, b.records...); err != nil {
        c.abandonBatch(b, err)
        return err
    }
    return nil
}

// abandonBatch settles the batch's futures with err; their entries were never
// committed.
func (c *Client) abandonBatch(b *batch, err error) {
    for _, id := range b.ids {
        c.mu.Lock()
        fut, ok := c.pending[id]
        if ok {
            delete(c.pending, id)
            obsmetrics.PendingCalls.Dec()
        }
        c.mu.Unlock()
        if ok {
            fut.settle(nil, err)
        }
    }
}
