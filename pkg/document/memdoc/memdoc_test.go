package memdoc

import (
    "context"
    "testing"
)

func TestDoc_AppendAtomicVisibility(t *testing.T) {
    d := New()
    ctx := context.Background()

    var observed []int
    unsub := d.OnChange(func() {
        recs, _ := d.ReadAll(ctx)
        observed = append(observed, len(recs))
    })
    defer unsub()

    if err := d.Append(ctx, []byte("a"), []byte("b"), []byte("c")); err != nil {
        t.Fatalf("append: %v", err)
    }
    // A multi-record append must never be observable partially.
    for _, n := range observed {
        if n != 0 && n != 3 {
            t.Fatalf("observed partial batch of %d records", n)
        }
    }
    recs, err := d.ReadAll(ctx)
    if err != nil {
        t.Fatalf("read: %v", err)
    }
    if len(recs) != 3 {
        t.Fatalf("len = %d, want 3", len(recs))
    }
    for i, r := range recs {
        if r.Seq != uint64(i+1) {
            t.Fatalf("seq[%d] = %d, want %d", i, r.Seq, i+1)
        }
    }
}

func TestDoc_SnapshotIsolation(t *testing.T) {
    d := New()
    ctx := context.Background()
    _ = d.Append(ctx, []byte("x"))
    snap, _ := d.ReadAll(ctx)
    _ = d.Append(ctx, []byte("y"))
    if len(snap) != 1 {
        t.Fatalf("snapshot grew after later append: len=%d", len(snap))
    }
}

func TestDoc_Unsubscribe(t *testing.T) {
    d := New()
    ctx := context.Background()
    fired := 0
    unsub := d.OnChange(func() { fired++ })
    _ = d.Append(ctx, []byte("a"))
    unsub()
    _ = d.Append(ctx, []byte("b"))
    if fired != 1 {
        t.Fatalf("fired = %d, want 1", fired)
    }
}

func TestDoc_EmptyAppendNoNotify(t *testing.T) {
    d := New()
    fired := 0
    defer d.OnChange(func() { fired++ })()
    if err := d.Append(context.Background()); err != nil {
        t.Fatalf("append: %v", err)
    }
    if fired != 0 {
        t.Fatalf("notified on empty append")
    }
}
