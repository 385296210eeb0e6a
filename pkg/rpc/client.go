package rpc

import (
    "context"
    "errors"
    "log"
    "sync"

    "github.com/psycho-baller/trpc-crdt/pkg/document"
    "github.com/psycho-baller/trpc-crdt/pkg/entry"
    "github.com/psycho-baller/trpc-crdt/pkg/internal/logutil"
    obsmetrics "github.com/psycho-baller/trpc-crdt/pkg/observability/metrics"
    "github.com/psycho-baller/trpc-crdt/pkg/observability/tracing"
)

// ClientOptions carries the dependencies of a Client.
type ClientOptions struct {
    // Document is the shared queue document (required).
    Document document.Document
    // Logger is used for operational messages. If nil, log.Default() is used.
    Logger *log.Logger
}

// CallOptions tunes a single call.
type CallOptions struct {
    // ID overrides the generated correlation id. Ids must never be reused.
    ID string
}

// Client is the caller-facing half of the protocol. It appends call entries
// to the queue document, keeps an in-memory pending table keyed by call id,
// and settles the matching future when a response entry is observed.
type Client struct {
    doc document.Document
    log *log.Logger

    mu      sync.Mutex
    pending map[string]*Future
    cursor  int
    batch   *batch
    unsub   func()
    started bool
    closed  bool
}

// NewClient constructs a Client. It performs no document activity; call
// Start to begin observing responses.
func NewClient(opts ClientOptions) (*Client, error) {
    if opts.Document == nil {
        return nil, errors.New("rpc: nil Document")
    }
    if opts.Logger == nil {
        opts.Logger = log.Default()
    }
    obsmetrics.Register()
    return &Client{doc: opts.Document, log: opts.Logger, pending: make(map[string]*Future)}, nil
}

// Start subscribes to document changes. The client shuts down when ctx is
// canceled.
func (c *Client) Start(ctx context.Context) error {
    c.mu.Lock()
    if c.started {
        c.mu.Unlock()
        return nil
    }
    c.started = true
    c.mu.Unlock()
    c.unsub = c.doc.OnChange(c.scan)
    c.scan()
    go func() {
        <-ctx.Done()
        _ = c.Close()
    }()
    return nil
}

// Close unsubscribes and rejects every pending call with ErrClientClosed.
func (c *Client) Close() error {
    c.mu.Lock()
    if c.closed {
        c.mu.Unlock()
        return nil
    }
    c.closed = true
    unsub := c.unsub
    orphans := make([]*Future, 0, len(c.pending))
    for id, fut := range c.pending {
        delete(c.pending, id)
        obsmetrics.PendingCalls.Dec()
        orphans = append(orphans, fut)
    }
    c.mu.Unlock()
    if unsub != nil {
        unsub()
    }
    for _, fut := range orphans {
        fut.settle(nil, ErrClientClosed)
    }
    return nil
}

// Go issues a call and returns its future without waiting. Inside a batch
// scope the call entry is buffered and committed atomically with the rest of
// the batch; otherwise it is appended immediately.
func (c *Client) Go(ctx context.Context, procedure string, input map[string]any, opts *CallOptions) (*Future, error) {
    _, end := tracing.StartSpan(ctx, "rpc.call")
    defer end()
    var id string
    if opts != nil {
        id = opts.ID
    }
    call := entry.NewCall(procedure, input, id)

    c.mu.Lock()
    if c.closed {
        c.mu.Unlock()
        return nil, ErrClientClosed
    }
    if _, dup := c.pending[call.ID]; dup {
        c.mu.Unlock()
        return nil, ErrDuplicateID
    }
    b := c.batch
    if b != nil {
        call.BatchID = b.id
    }
    raw, err := call.Encode()
    if err != nil {
        c.mu.Unlock()
        return nil, err
    }
    fut := newFuture(call.ID, c.dropPending)
    c.pending[call.ID] = fut
    if b != nil {
        b.records = append(b.records, raw)
        b.ids = append(b.ids, call.ID)
    }
    c.mu.Unlock()

    obsmetrics.CallsIssued.Inc()
    obsmetrics.PendingCalls.Inc()

    if b == nil {
        if err := c.doc.Append(ctx, raw); err != nil {
            c.dropPending(call.ID)
            fut.settle(nil, err)
            return nil, err
        }
    }
    return fut, nil
}

// Call issues a call and waits for its outcome. Remote failures are returned
// as *Error; context expiry cancels the call locally.
func (c *Client) Call(ctx context.Context, procedure string, input map[string]any, opts *CallOptions) (map[string]any, error) {
    fut, err := c.Go(ctx, procedure, input, opts)
    if err != nil {
        return nil, err
    }
    return fut.Await(ctx)
}

// Pending reports the number of not-yet-settled calls.
func (c *Client) Pending() int {
    c.mu.Lock()
    defer c.mu.Unlock()
    return len(c.pending)
}

func (c *Client) dropPending(id string) {
    c.mu.Lock()
    if _, ok := c.pending[id]; ok {
        delete(c.pending, id)
        obsmetrics.PendingCalls.Dec()
    }
    c.mu.Unlock()
}

// scan settles pending calls against response entries that appeared since the
// last scan. Responses with no matching pending call belong to other clients
// sharing the document, or were already resolved; both are expected.
func (c *Client) scan() {
    recs, err := c.doc.ReadAll(context.Background())
    if err != nil {
        logutil.Warnf(c.log, "client: read document: %v", err)
        return
    }
    obsmetrics.DocumentRecords.Set(float64(len(recs)))

    c.mu.Lock()
    from := c.cursor
    if len(recs) > c.cursor {
        c.cursor = len(recs)
    }
    if from >= len(recs) {
        c.mu.Unlock()
        return
    }
    var settle []*Future
    var outcomes []entry.Outcome
    for _, rec := range recs[from:] {
        v, err := entry.Decode(rec.Data)
        if err != nil {
            if !errors.Is(err, entry.ErrUnknownKind) {
                obsmetrics.DecodeErrors.Inc()
                logutil.Warnf(c.log, "client: skipping record seq=%d: %v", rec.Seq, err)
            }
            continue
        }
        resp, ok := v.(*entry.Response)
        if !ok {
            continue
        }
        fut, ok := c.pending[resp.CallID]
        if !ok {
            continue
        }
        delete(c.pending, resp.CallID)
        obsmetrics.PendingCalls.Dec()
        settle = append(settle, fut)
        outcomes = append(outcomes, resp.Outcome)
    }
    c.mu.Unlock()

    for i, fut := range settle {
        o := outcomes[i]
        if o.OK {
            fut.settle(o.Result, nil)
        } else {
            fut.settle(nil, &Error{Code: o.Code, Message: o.Message})
        }
    }
}
