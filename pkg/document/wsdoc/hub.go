package wsdoc

import (
    "context"
    "log"
    "net/http"
    "sync"

    "github.com/gorilla/websocket"

    "github.com/psycho-baller/trpc-crdt/pkg/document"
    "github.com/psycho-baller/trpc-crdt/pkg/internal/logutil"
)

// frame is the wire unit between hub and replicas. Append carries raw records
// a replica wants committed; Records carries stored records flowing from the
// hub to replicas. One frame is always applied atomically on the far side.
type frame struct {
    Type    string            `json:"type"` // "append" | "records"
    Append  [][]byte          `json:"append,omitempty"`
    Records []document.Record `json:"records,omitempty"`
}

const (
    frameAppend  = "append"
    frameRecords = "records"
)

// Hub exposes an inner queue document to remote replicas over websockets.
// A replica that attaches receives the current content as its first frame
// and incremental records afterwards; append frames from replicas are
// committed to the inner document as one atomic change each.
type Hub struct {
    doc      document.Document
    log      *log.Logger
    upgrader websocket.Upgrader

    mu    sync.Mutex
    conns map[*hubConn]struct{}
    unsub func()
}

type hubConn struct {
    ws     *websocket.Conn
    send   chan []document.Record
    cursor int
}

func NewHub(doc document.Document, logger *log.Logger) *Hub {
    if logger == nil {
        logger = log.Default()
    }
    return &Hub{doc: doc, log: logger, conns: make(map[*hubConn]struct{})}
}

// Start begins forwarding inner document changes to attached replicas.
func (h *Hub) Start(ctx context.Context) error {
    h.unsub = h.doc.OnChange(func() { h.broadcast(ctx) })
    go func() {
        <-ctx.Done()
        h.Stop()
    }()
    return nil
}

// Stop detaches every replica.
func (h *Hub) Stop() {
    if h.unsub != nil {
        h.unsub()
    }
    h.mu.Lock()
    for c := range h.conns {
        close(c.send)
        _ = c.ws.Close()
        delete(h.conns, c)
    }
    h.mu.Unlock()
}

// ServeHTTP upgrades the request and attaches the peer as a replica.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
    ws, err := h.upgrader.Upgrade(w, r, nil)
    if err != nil {
        logutil.Warnf(h.log, "wsdoc: upgrade: %v", err)
        return
    }
    snap, err := h.doc.ReadAll(r.Context())
    if err != nil {
        logutil.Warnf(h.log, "wsdoc: snapshot: %v", err)
        _ = ws.Close()
        return
    }

    c := &hubConn{ws: ws, send: make(chan []document.Record, 16), cursor: len(snap)}
    h.mu.Lock()
    h.conns[c] = struct{}{}
    h.mu.Unlock()

    go h.writeLoop(c, snap)
    h.readLoop(r.Context(), c)
}

func (h *Hub) writeLoop(c *hubConn, snap []document.Record) {
    // The snapshot is the first frame; replicas rely on it arriving before
    // any incremental records.
    if err := c.ws.WriteJSON(frame{Type: frameRecords, Records: snap}); err != nil {
        h.drop(c)
        return
    }
    for recs := range c.send {
        if err := c.ws.WriteJSON(frame{Type: frameRecords, Records: recs}); err != nil {
            h.drop(c)
            return
        }
    }
}

func (h *Hub) readLoop(ctx context.Context, c *hubConn) {
    for {
        var f frame
        if err := c.ws.ReadJSON(&f); err != nil {
            h.drop(c)
            return
        }
        if f.Type != frameAppend || len(f.Append) == 0 {
            continue
        }
        if err := h.doc.Append(ctx, f.Append...); err != nil {
            logutil.Warnf(h.log, "wsdoc: append from replica: %v", err)
        }
    }
}

// broadcast fans records past each connection's cursor out to its queue.
func (h *Hub) broadcast(ctx context.Context) {
    recs, err := h.doc.ReadAll(ctx)
    if err != nil {
        logutil.Warnf(h.log, "wsdoc: read: %v", err)
        return
    }
    h.mu.Lock()
    for c := range h.conns {
        if len(recs) <= c.cursor {
            continue
        }
        delta := append([]document.Record(nil), recs[c.cursor:]...)
        select {
        case c.send <- delta:
            c.cursor = len(recs)
        default:
            // Slow replica: leave the cursor in place so the next broadcast
            // re-sends everything still owed instead of back-pressuring the
            // hub. Replicas skip records they already hold.
            logutil.Warnf(h.log, "wsdoc: replica lagging, deferring %d records", len(delta))
        }
    }
    h.mu.Unlock()
}

func (h *Hub) drop(c *hubConn) {
    h.mu.Lock()
    if _, ok := h.conns[c]; ok {
        delete(h.conns, c)
        close(c.send)
    }
    h.mu.Unlock()
    _ = c.ws.Close()
}
