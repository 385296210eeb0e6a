package memdoc

import (
    "context"
    "sync"

    "github.com/psycho-baller/trpc-crdt/pkg/document"
)

// Doc is an in-memory queue document. It provides the full Document contract
// (atomic multi-record append, snapshot reads, change notification) within a
// single process and is the reference backend for tests and embedded use.
type Doc struct {
    mu      sync.Mutex
    records []document.Record
    nextSeq uint64
    subs    map[int]func()
    nextSub int
}

func New() *Doc {
    return &Doc{subs: make(map[int]func())}
}

// Append commits records as one atomic change and notifies subscribers.
func (d *Doc) Append(ctx context.Context, records ...[]byte) error {
    if err := ctx.Err(); err != nil {
        return err
    }
    if len(records) == 0 {
        return nil
    }
    d.mu.Lock()
    for _, data := range records {
        d.nextSeq++
        cp := append([]byte(nil), data...)
        d.records = append(d.records, document.Record{Seq: d.nextSeq, Data: cp})
    }
    listeners := make([]func(), 0, len(d.subs))
    for _, fn := range d.subs {
        listeners = append(listeners, fn)
    }
    d.mu.Unlock()
    // Notify outside the lock so listeners may read the document.
    for _, fn := range listeners {
        fn()
    }
    return nil
}

// ReadAll returns an ordered snapshot of the current content.
func (d *Doc) ReadAll(ctx context.Context) ([]document.Record, error) {
    if err := ctx.Err(); err != nil {
        return nil, err
    }
    d.mu.Lock()
    defer d.mu.Unlock()
    return append([]document.Record(nil), d.records...), nil
}

// Len reports the current number of records.
func (d *Doc) Len() int {
    d.mu.Lock()
    defer d.mu.Unlock()
    return len(d.records)
}

// OnChange registers a change listener. Listeners run synchronously on the
// appending goroutine and must not block.
func (d *Doc) OnChange(fn func()) (unsubscribe func()) {
    d.mu.Lock()
    id := d.nextSub
    d.nextSub++
    d.subs[id] = fn
    d.mu.Unlock()
    return func() {
        d.mu.Lock()
        delete(d.subs, id)
        d.mu.Unlock()
    }
}

var _ document.Document = (*Doc)(nil)
