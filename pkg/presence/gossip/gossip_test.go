package gossip

import (
    "context"
    "log"
    "net"
    "strconv"
    "testing"
    "time"

    "github.com/psycho-baller/trpc-crdt/pkg/presence"
)

func freePort(t *testing.T) int {
    t.Helper()
    a, err := net.ListenPacket("udp", "127.0.0.1:0")
    if err != nil {
        t.Fatalf("freePort: %v", err)
    }
    defer a.Close()
    return a.LocalAddr().(*net.UDPAddr).Port
}

func startReplica(t *testing.T, ctx context.Context, id string, meta map[string]string) (presence.Presence, string) {
    t.Helper()
    g, err := New(Options{
        NodeID:        id,
        Bind:          "127.0.0.1:0",
        Meta:          meta,
        Logger:        log.Default(),
        ProbeInterval: 100 * time.Millisecond,
        SuspicionMult: 2,
    })
    if err != nil {
        t.Fatalf("new %s: %v", id, err)
    }
    if err := g.Start(ctx); err != nil {
        t.Fatalf("start %s: %v", id, err)
    }
    addr := g.Local().Addr
    if addr == "" {
        t.Fatalf("local addr empty for %s", id)
    }
    return g, addr
}

func awaitReplicas(t *testing.T, g presence.Presence, want int, timeout time.Duration) {
    t.Helper()
    deadline := time.Now().Add(timeout)
    for {
        got := g.Replicas()
        if len(got) == want {
            return
        }
        if time.Now().After(deadline) {
            t.Fatalf("replicas timeout: got=%d want=%d list=%v", len(got), want, got)
        }
        time.Sleep(100 * time.Millisecond)
    }
}

func TestGossip_StartLocal(t *testing.T) {
    addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(freePort(t)))
    g, err := New(Options{NodeID: "r1", Bind: addr, Advertise: addr, Logger: log.Default()})
    if err != nil {
        t.Fatalf("new: %v", err)
    }
    ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
    defer cancel()
    if err := g.Start(ctx); err != nil {
        t.Fatalf("start: %v", err)
    }
    defer g.Stop()

    if got := g.Local().ID; got != "r1" {
        t.Fatalf("local id = %q, want r1", got)
    }
    hr, ok := g.(presence.HealthReporter)
    if !ok {
        t.Fatal("impl does not implement HealthReporter")
    }
    if s := hr.HealthScore(); s < -1 {
        t.Fatalf("unexpected health score: %d", s)
    }
}

func TestGossip_ValidateOptions(t *testing.T) {
    if _, err := New(Options{Bind: ":0"}); err == nil {
        t.Fatal("empty NodeID accepted")
    }
    if _, err := New(Options{NodeID: "r1"}); err == nil {
        t.Fatal("empty Bind accepted")
    }
}

func TestGossip_MetaPropagation(t *testing.T) {
    ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
    defer cancel()

    r1, addr1 := startReplica(t, ctx, "r1", map[string]string{"mgmt": "127.0.0.1:9101"})
    defer r1.Stop()
    r2, _ := startReplica(t, ctx, "r2", map[string]string{"mgmt": "127.0.0.1:9102"})
    defer r2.Stop()

    if err := r2.Join([]string{addr1}); err != nil {
        t.Fatalf("join: %v", err)
    }
    awaitReplicas(t, r1, 2, 5*time.Second)

    var seen string
    for _, info := range r1.Replicas() {
        if info.ID == "r2" {
            seen = info.Meta["mgmt"]
        }
    }
    if seen != "127.0.0.1:9102" {
        t.Fatalf("meta not gossiped: %q", seen)
    }
}

func TestGossip_MultiReplicaJoinLeave(t *testing.T) {
    ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
    defer cancel()

    r1, addr1 := startReplica(t, ctx, "r1", nil)
    defer r1.Stop()
    r2, _ := startReplica(t, ctx, "r2", nil)
    defer r2.Stop()
    if err := r2.Join([]string{addr1}); err != nil {
        t.Fatalf("r2 join: %v", err)
    }
    r3, _ := startReplica(t, ctx, "r3", nil)
    defer r3.Stop()
    if err := r3.Join([]string{addr1}); err != nil {
        t.Fatalf("r3 join: %v", err)
    }

    awaitReplicas(t, r1, 3, 5*time.Second)
    awaitReplicas(t, r2, 3, 5*time.Second)
    awaitReplicas(t, r3, 3, 5*time.Second)

    _ = r2.Leave()
    _ = r2.Stop()

    awaitReplicas(t, r1, 2, 5*time.Second)
    awaitReplicas(t, r3, 2, 5*time.Second)
}
