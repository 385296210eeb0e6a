package rpc

import (
    "context"
    "sync"
)

// Future is the caller-side handle of one pending call. It settles exactly
// once, when the matching response entry is observed, or locally on cancel.
type Future struct {
    id   string
    done chan struct{}
    once sync.Once
    drop func(id string)

    result map[string]any
    err    error
}

func newFuture(id string, drop func(id string)) *Future {
    return &Future{id: id, done: make(chan struct{}), drop: drop}
}

// ID returns the correlation id of the underlying call entry.
func (f *Future) ID() string { return f.id }

// Done is closed once the future has settled.
func (f *Future) Done() <-chan struct{} { return f.done }

// Await blocks until the future settles or ctx expires. Expiry cancels the
// call locally: the call entry already appended stays in the document and a
// late response for it is ignored.
func (f *Future) Await(ctx context.Context) (map[string]any, error) {
    select {
    case <-f.done:
        return f.result, f.err
    case <-ctx.Done():
        f.fail(ctx.Err())
        return nil, ctx.Err()
    }
}

// Cancel abandons local interest in the call. It never retracts the call
// entry from the document.
func (f *Future) Cancel() { f.fail(ErrCanceled) }

func (f *Future) settle(result map[string]any, err error) {
    f.once.Do(func() {
        f.result, f.err = result, err
        close(f.done)
    })
}

// fail settles locally and prunes the pending table.
func (f *Future) fail(err error) {
    if f.drop != nil {
        f.drop(f.id)
    }
    f.settle(nil, err)
}
