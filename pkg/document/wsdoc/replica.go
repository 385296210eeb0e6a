package wsdoc

import (
    "context"
    "errors"
    "log"
    "sync"

    "github.com/gorilla/websocket"

    "github.com/psycho-baller/trpc-crdt/pkg/document"
    "github.com/psycho-baller/trpc-crdt/pkg/internal/logutil"
)

// ErrReplicaClosed is returned by Append after the connection is gone.
var ErrReplicaClosed = errors.New("wsdoc: replica closed")

// Replica mirrors a hub's queue document over a websocket. Appends are sent
// to the hub and become visible locally once the hub broadcasts them back,
// so every replica observes the same record order as the hub.
type Replica struct {
    url  string
    log  *log.Logger
    ws   *websocket.Conn
    done chan struct{}

    writeMu sync.Mutex // serializes frames to the hub

    mu      sync.Mutex
    records []document.Record
    lastSeq uint64
    subs    map[int]func()
    nextSub int
    closed  bool
}

var _ document.Document = (*Replica)(nil)

// Dial connects to a hub and starts mirroring its document. The returned
// replica is usable once Dial returns; the hub's snapshot arrives on the
// read loop and change listeners fire as it lands.
func Dial(ctx context.Context, url string, logger *log.Logger) (*Replica, error) {
    if logger == nil {
        logger = log.Default()
    }
    ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
    if err != nil {
        return nil, err
    }
    r := &Replica{
        url:  url,
        log:  logger,
        ws:   ws,
        done: make(chan struct{}),
        subs: make(map[int]func()),
    }
    go r.readLoop()
    go func() {
        select {
        case <-ctx.Done():
            r.Close()
        case <-r.done:
        }
    }()
    return r, nil
}

// Append sends the records to the hub as a single atomic frame.
func (r *Replica) Append(ctx context.Context, records ...[]byte) error {
    if len(records) == 0 {
        return nil
    }
    r.mu.Lock()
    closed := r.closed
    r.mu.Unlock()
    if closed {
        return ErrReplicaClosed
    }
    r.writeMu.Lock()
    defer r.writeMu.Unlock()
    if dl, ok := ctx.Deadline(); ok {
        _ = r.ws.SetWriteDeadline(dl)
    }
    return r.ws.WriteJSON(frame{Type: frameAppend, Append: records})
}

// ReadAll returns a snapshot of the mirrored records.
func (r *Replica) ReadAll(ctx context.Context) ([]document.Record, error) {
    r.mu.Lock()
    defer r.mu.Unlock()
    out := make([]document.Record, len(r.records))
    copy(out, r.records)
    return out, nil
}

// OnChange registers fn to run after each frame of new records lands.
func (r *Replica) OnChange(fn func()) func() {
    r.mu.Lock()
    id := r.nextSub
    r.nextSub++
    r.subs[id] = fn
    r.mu.Unlock()
    return func() {
        r.mu.Lock()
        delete(r.subs, id)
        r.mu.Unlock()
    }
}

// Close tears the connection down and stops the read loop.
func (r *Replica) Close() {
    r.mu.Lock()
    if r.closed {
        r.mu.Unlock()
        return
    }
    r.closed = true
    r.mu.Unlock()
    close(r.done)
    _ = r.ws.Close()
}

func (r *Replica) readLoop() {
    for {
        var f frame
        if err := r.ws.ReadJSON(&f); err != nil {
            select {
            case <-r.done:
            default:
                logutil.Warnf(r.log, "wsdoc: read from hub: %v", err)
                r.Close()
            }
            return
        }
        if f.Type != frameRecords {
            continue
        }
        r.apply(f.Records)
    }
}

// apply appends the frame's unseen records in one step. Hub frames never
// split a batch, so observers see whole batches here as well.
func (r *Replica) apply(recs []document.Record) {
    r.mu.Lock()
    added := false
    for _, rec := range recs {
        if rec.Seq <= r.lastSeq {
            continue
        }
        r.records = append(r.records, rec)
        r.lastSeq = rec.Seq
        added = true
    }
    var fns []func()
    if added {
        fns = make([]func(), 0, len(r.subs))
        for _, fn := range r.subs {
            fns = append(fns, fn)
        }
    }
    r.mu.Unlock()
    for _, fn := range fns {
        fn()
    }
}
