package httpjson

import (
    "context"
    "encoding/json"
    "net/http"
    "net/http/httptest"
    "strings"
    "sync"
    "testing"
    "time"

    "github.com/psycho-baller/trpc-crdt/pkg/transport"
)

func TestPostInvoke_RetriesCarryOneCallID(t *testing.T) {
    var mu sync.Mutex
    var ids []string
    srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
        var req transport.InvokeRequest
        if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
            t.Errorf("decode invoke body: %v", err)
        }
        mu.Lock()
        ids = append(ids, req.ID)
        n := len(ids)
        mu.Unlock()
        // The first attempt dies after the server accepted the call; the
        // client must retry without minting a new call entry.
        if n == 1 {
            w.WriteHeader(http.StatusInternalServerError)
            return
        }
        _ = json.NewEncoder(w).Encode(transport.InvokeResponse{ID: req.ID, Result: map[string]any{"ok": true}})
    }))
    defer srv.Close()

    c := NewClient(2 * time.Second)
    addr := strings.TrimPrefix(srv.URL, "http://")
    resp, err := c.PostInvoke(context.Background(), addr, transport.InvokeRequest{Procedure: "echo"})
    if err != nil {
        t.Fatalf("invoke: %v", err)
    }

    mu.Lock()
    defer mu.Unlock()
    if len(ids) != 2 {
        t.Fatalf("attempts = %d, want 2", len(ids))
    }
    if ids[0] == "" {
        t.Fatal("first attempt carried no call id")
    }
    if ids[0] != ids[1] {
        t.Fatalf("retry minted a new call id: %q then %q", ids[0], ids[1])
    }
    if resp.ID != ids[0] {
        t.Fatalf("response id = %q, want %q", resp.ID, ids[0])
    }
}

func TestPostInvoke_ExplicitIDPreserved(t *testing.T) {
    srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
        var req transport.InvokeRequest
        _ = json.NewDecoder(r.Body).Decode(&req)
        _ = json.NewEncoder(w).Encode(transport.InvokeResponse{ID: req.ID})
    }))
    defer srv.Close()

    c := NewClient(2 * time.Second)
    addr := strings.TrimPrefix(srv.URL, "http://")
    resp, err := c.PostInvoke(context.Background(), addr, transport.InvokeRequest{Procedure: "echo", ID: "call-7"})
    if err != nil {
        t.Fatalf("invoke: %v", err)
    }
    if resp.ID != "call-7" {
        t.Fatalf("response id = %q, want call-7", resp.ID)
    }
}
