package wsdoc

import (
    "context"
    "net/http/httptest"
    "strings"
    "sync"
    "testing"
    "time"

    "github.com/psycho-baller/trpc-crdt/pkg/document"
    "github.com/psycho-baller/trpc-crdt/pkg/document/memdoc"
)

func startHub(t *testing.T) (*Hub, *memdoc.Doc, string, func()) {
    t.Helper()
    inner := memdoc.New()
    hub := NewHub(inner, nil)
    ctx, cancel := context.WithCancel(context.Background())
    if err := hub.Start(ctx); err != nil {
        t.Fatalf("start hub: %v", err)
    }
    srv := httptest.NewServer(hub)
    url := "ws" + strings.TrimPrefix(srv.URL, "http")
    return hub, inner, url, func() {
        cancel()
        srv.Close()
    }
}

func waitLen(t *testing.T, r *Replica, n int) {
    t.Helper()
    deadline := time.Now().Add(3 * time.Second)
    for time.Now().Before(deadline) {
        recs, err := r.ReadAll(context.Background())
        if err != nil {
            t.Fatalf("read: %v", err)
        }
        if len(recs) >= n {
            return
        }
        time.Sleep(5 * time.Millisecond)
    }
    t.Fatalf("replica never reached %d records", n)
}

func TestReplica_ReceivesSnapshotOnAttach(t *testing.T) {
    _, inner, url, stop := startHub(t)
    defer stop()

    if err := inner.Append(context.Background(), []byte("a"), []byte("b")); err != nil {
        t.Fatalf("seed: %v", err)
    }

    r, err := Dial(context.Background(), url, nil)
    if err != nil {
        t.Fatalf("dial: %v", err)
    }
    defer r.Close()

    waitLen(t, r, 2)
    recs, _ := r.ReadAll(context.Background())
    if string(recs[0].Data) != "a" || string(recs[1].Data) != "b" {
        t.Fatalf("unexpected snapshot: %q %q", recs[0].Data, recs[1].Data)
    }
    if recs[0].Seq != 1 || recs[1].Seq != 2 {
        t.Fatalf("hub sequence not preserved: %d %d", recs[0].Seq, recs[1].Seq)
    }
}

func TestReplica_AppendRoundTripsThroughHub(t *testing.T) {
    _, inner, url, stop := startHub(t)
    defer stop()

    a, err := Dial(context.Background(), url, nil)
    if err != nil {
        t.Fatalf("dial a: %v", err)
    }
    defer a.Close()
    b, err := Dial(context.Background(), url, nil)
    if err != nil {
        t.Fatalf("dial b: %v", err)
    }
    defer b.Close()

    if err := a.Append(context.Background(), []byte("hello")); err != nil {
        t.Fatalf("append: %v", err)
    }

    waitLen(t, a, 1)
    waitLen(t, b, 1)
    recs, _ := b.ReadAll(context.Background())
    if string(recs[0].Data) != "hello" {
        t.Fatalf("unexpected record: %q", recs[0].Data)
    }
    if inner.Len() != 1 {
        t.Fatalf("hub document has %d records, want 1", inner.Len())
    }
}

func TestReplica_MultiRecordAppendArrivesAtomically(t *testing.T) {
    _, _, url, stop := startHub(t)
    defer stop()

    r, err := Dial(context.Background(), url, nil)
    if err != nil {
        t.Fatalf("dial: %v", err)
    }
    defer r.Close()

    var mu sync.Mutex
    var counts []int
    unsub := r.OnChange(func() {
        recs, _ := r.ReadAll(context.Background())
        mu.Lock()
        counts = append(counts, len(recs))
        mu.Unlock()
    })
    defer unsub()

    if err := r.Append(context.Background(), []byte("x"), []byte("y"), []byte("z")); err != nil {
        t.Fatalf("append: %v", err)
    }
    waitLen(t, r, 3)

    mu.Lock()
    defer mu.Unlock()
    for _, n := range counts {
        if n > 0 && n < 3 {
            t.Fatalf("observer saw a partial append: %d of 3 records", n)
        }
    }
}

func TestHub_LaggingConnEventuallyReceivesEverything(t *testing.T) {
    inner := memdoc.New()
    hub := NewHub(inner, nil)
    ctx, cancel := context.WithCancel(context.Background())
    defer cancel()
    if err := hub.Start(ctx); err != nil {
        t.Fatalf("start hub: %v", err)
    }
    defer hub.Stop()

    // Attach a connection whose queue holds a single frame and is not
    // drained while records arrive, so some broadcasts overflow it.
    c := &hubConn{send: make(chan []document.Record, 1)}
    hub.mu.Lock()
    hub.conns[c] = struct{}{}
    hub.mu.Unlock()
    // Detach the synthetic conn before Stop runs: it has no websocket for
    // Stop to close.
    defer func() {
        hub.mu.Lock()
        delete(hub.conns, c)
        hub.mu.Unlock()
    }()

    for _, d := range []string{"r1", "r2", "r3"} {
        if err := inner.Append(ctx, []byte(d)); err != nil {
            t.Fatalf("append %s: %v", d, err)
        }
    }

    got := map[string]bool{}
    drain := func() {
        for {
            select {
            case recs := <-c.send:
                for _, rec := range recs {
                    got[string(rec.Data)] = true
                }
            default:
                return
            }
        }
    }
    drain()

    // Overflowed frames must stay owed: the cursor may only cover records
    // that made it into the queue.
    hub.mu.Lock()
    cursor := c.cursor
    hub.mu.Unlock()
    if cursor > len(got) {
        t.Fatalf("cursor %d covers undelivered records (delivered %d)", cursor, len(got))
    }

    // The next change re-sends everything still owed.
    if err := inner.Append(ctx, []byte("r4")); err != nil {
        t.Fatalf("append r4: %v", err)
    }
    deadline := time.Now().Add(3 * time.Second)
    for time.Now().Before(deadline) {
        drain()
        if got["r1"] && got["r2"] && got["r3"] && got["r4"] {
            return
        }
        if err := inner.Append(ctx, []byte("nudge")); err != nil {
            t.Fatalf("append nudge: %v", err)
        }
        time.Sleep(5 * time.Millisecond)
    }
    t.Fatalf("records lost to a lagging connection: got %v", got)
}

func TestReplica_AppendAfterCloseFails(t *testing.T) {
    _, _, url, stop := startHub(t)
    defer stop()

    r, err := Dial(context.Background(), url, nil)
    if err != nil {
        t.Fatalf("dial: %v", err)
    }
    r.Close()

    if err := r.Append(context.Background(), []byte("late")); err == nil {
        t.Fatal("append after close succeeded")
    }
}
