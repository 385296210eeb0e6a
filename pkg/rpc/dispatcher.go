package rpc

import (
    "context"
    "errors"
    "fmt"
    "log"
    "sync"
    "time"

    "github.com/psycho-baller/trpc-crdt/pkg/document"
    "github.com/psycho-baller/trpc-crdt/pkg/entry"
    "github.com/psycho-baller/trpc-crdt/pkg/internal/logutil"
    obsmetrics "github.com/psycho-baller/trpc-crdt/pkg/observability/metrics"
    "github.com/psycho-baller/trpc-crdt/pkg/observability/tracing"
    "github.com/psycho-baller/trpc-crdt/pkg/router"
)

// DispatcherOptions carries the dependencies of a Dispatcher.
type DispatcherOptions struct {
    // Document is the shared queue document (required).
    Document document.Document
    // Router resolves and validates procedures (required).
    Router router.Router
    // Store is the optional side-channel state handed to handlers.
    Store router.Store
    // Logger is used for operational messages. If nil, log.Default() is used.
    Logger *log.Logger
    // Serve optionally gates dispatching. When it returns false the scan
    // leaves the cursor untouched so another replica (or a later Resync)
    // can pick the entries up. Used to restrict serving to the raft leader.
    Serve func() bool
}

// Dispatcher is the serving half of the protocol. It observes the queue
// document, executes unseen call entries through the router and appends
// exactly one response entry per call id.
//
// Processing is at-most-once: a call is marked seen before its handler runs
// and is never retried, even when the handler fails. Handlers run
// concurrently; a slow handler does not delay later entries.
type Dispatcher struct {
    doc   document.Document
    rt    router.Router
    st    router.Store
    log   *log.Logger
    serve func() bool

    mu      sync.Mutex
    cursor  int
    seen    map[string]struct{}
    unsub   func()
    started bool
    closed  bool
    wg      sync.WaitGroup
}

// NewDispatcher constructs a Dispatcher. Call Start to begin observing.
func NewDispatcher(opts DispatcherOptions) (*Dispatcher, error) {
    if opts.Document == nil {
        return nil, errors.New("rpc: nil Document")
    }
    if opts.Router == nil {
        return nil, errors.New("rpc: nil Router")
    }
    if opts.Logger == nil {
        opts.Logger = log.Default()
    }
    obsmetrics.Register()
    return &Dispatcher{doc: opts.Document, rt: opts.Router, st: opts.Store, log: opts.Logger, serve: opts.Serve, seen: make(map[string]struct{})}, nil
}

// Start subscribes to document changes and processes anything already
// present. The dispatcher shuts down when ctx is canceled.
func (d *Dispatcher) Start(ctx context.Context) error {
    d.mu.Lock()
    if d.started {
        d.mu.Unlock()
        return nil
    }
    d.started = true
    d.mu.Unlock()
    d.unsub = d.doc.OnChange(func() { d.scan(ctx) })
    d.scan(ctx)
    go func() {
        <-ctx.Done()
        _ = d.Stop()
    }()
    return nil
}

// Stop unsubscribes and waits for in-flight handlers to finish.
func (d *Dispatcher) Stop() error {
    d.mu.Lock()
    if d.closed {
        d.mu.Unlock()
        return nil
    }
    d.closed = true
    unsub := d.unsub
    d.mu.Unlock()
    if unsub != nil {
        unsub()
    }
    d.wg.Wait()
    return nil
}

// Dispatched reports how many distinct call ids this dispatcher has picked up.
func (d *Dispatcher) Dispatched() int {
    d.mu.Lock()
    defer d.mu.Unlock()
    return len(d.seen)
}

// Resync forces a scan outside of change notifications. A replica that just
// became the serving node uses this to pick up entries that arrived while it
// was standing by.
func (d *Dispatcher) Resync(ctx context.Context) {
    d.scan(ctx)
}

// scan picks up call entries at or after the processing cursor. Change
// notifications deliver state rather than events and may re-observe the same
// records, so the seen-set keyed by call id is what guarantees at-most-once.
func (d *Dispatcher) scan(ctx context.Context) {
    if d.serve != nil && !d.serve() {
        return
    }
    recs, err := d.doc.ReadAll(ctx)
    if err != nil {
        logutil.Warnf(d.log, "dispatcher: read document: %v", err)
        return
    }
    obsmetrics.DocumentRecords.Set(float64(len(recs)))

    d.mu.Lock()
    if d.closed {
        d.mu.Unlock()
        return
    }
    from := d.cursor
    if len(recs) > d.cursor {
        d.cursor = len(recs)
    }
    if from >= len(recs) {
        d.mu.Unlock()
        return
    }
    // Calls that already carry a response in the unseen range were answered
    // by a previous serving replica; a takeover must not run them again.
    answered := make(map[string]struct{})
    var calls []*entry.Call
    for _, rec := range recs[from:] {
        v, err := entry.Decode(rec.Data)
        if err != nil {
            if !errors.Is(err, entry.ErrUnknownKind) {
                obsmetrics.DecodeErrors.Inc()
                logutil.Warnf(d.log, "dispatcher: skipping record seq=%d: %v", rec.Seq, err)
            }
            continue
        }
        switch e := v.(type) {
        case *entry.Call:
            calls = append(calls, e)
        case *entry.Response:
            answered[e.CallID] = struct{}{}
        }
    }
    var todo []*entry.Call
    for _, call := range calls {
        if _, dup := d.seen[call.ID]; dup {
            continue
        }
        d.seen[call.ID] = struct{}{}
        if _, ok := answered[call.ID]; ok {
            continue
        }
        todo = append(todo, call)
    }
    d.mu.Unlock()

    for _, call := range todo {
        d.wg.Add(1)
        go func(call *entry.Call) {
            defer d.wg.Done()
            d.dispatch(ctx, call)
        }(call)
    }
}

// dispatch executes one call and appends its response entry.
func (d *Dispatcher) dispatch(ctx context.Context, call *entry.Call) {
    ctx, end := tracing.StartSpan(ctx, "rpc.dispatch")
    defer end()

    resp := d.execute(ctx, call)
    raw, err := resp.Encode()
    if err != nil {
        logutil.Errorf(d.log, "dispatcher: encode response for %s: %v", call.ID, err)
        return
    }
    if err := d.doc.Append(ctx, raw); err != nil {
        // The call stays marked seen: at-most-once, never automatic retry.
        logutil.Errorf(d.log, "dispatcher: append response for %s: %v", call.ID, err)
        return
    }
    code := "ok"
    if !resp.Outcome.OK {
        code = resp.Outcome.Code
        logutil.Warnf(d.log, "dispatcher: call %s %s failed: %s: %s", call.ID, call.Procedure, code, resp.Outcome.Message)
    }
    obsmetrics.CallsDispatched.WithLabelValues(code).Inc()
}

func (d *Dispatcher) execute(ctx context.Context, call *entry.Call) entry.Response {
    h, ok := d.rt.Resolve(call.Procedure)
    if !ok {
        return entry.Failure(call.ID, CodeNotFound, fmt.Sprintf("no procedure named %q", call.Procedure))
    }
    input, err := d.rt.Validate(call.Procedure, call.Input)
    if err != nil {
        return entry.Failure(call.ID, CodeBadInput, err.Error())
    }

    cc := router.NewCallContext(call.ID, call.Procedure, input, d.st)
    start := time.Now()
    result, err := runHandler(ctx, h, cc)
    obsmetrics.HandlerDuration.Observe(time.Since(start).Seconds())
    if err != nil {
        return entry.Failure(call.ID, CodeApplication, err.Error())
    }

    extra := cc.ResponseFields()
    if len(extra) == 0 {
        return entry.Success(call.ID, result)
    }
    // Sink fields supplement the result; handler fields win on conflict.
    merged := make(map[string]any, len(extra)+len(result))
    for k, v := range extra {
        merged[k] = v
    }
    for k, v := range result {
        merged[k] = v
    }
    return entry.Success(call.ID, merged)
}

// runHandler isolates handler panics so one failing call never stops the
// dispatch loop.
func runHandler(ctx context.Context, h router.Handler, cc *router.CallContext) (result map[string]any, err error) {
    defer func() {
        if r := recover(); r != nil {
            err = fmt.Errorf("handler panic: %v", r)
        }
    }()
    return h(ctx, cc)
}
