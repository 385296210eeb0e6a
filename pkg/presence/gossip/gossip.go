package gossip

import (
    "context"
    "encoding/json"
    "fmt"
    "log"
    "net"
    "sync"
    "time"

    "github.com/hashicorp/memberlist"

    "github.com/psycho-baller/trpc-crdt/pkg/internal/logutil"
    "github.com/psycho-baller/trpc-crdt/pkg/presence"
)

// Options configures the memberlist-backed presence implementation.
type Options struct {
    // NodeID is the unique replica identifier.
    NodeID string

    // Bind is the gossip bind address in host:port form (e.g. ":7946").
    Bind string

    // Advertise is the address peers use to reach this replica. If empty,
    // memberlist derives it from Bind.
    Advertise string

    // Meta is gossiped alongside the node (management address, backend kind).
    Meta map[string]string

    // Logger is optional. If nil, log.Default() is used.
    Logger *log.Logger

    // Tuning parameters (optional). Zero means memberlist defaults.
    ProbeInterval time.Duration
    ProbeTimeout  time.Duration
    SuspicionMult int
}

func (o Options) validate() error {
    if o.NodeID == "" {
        return fmt.Errorf("gossip: empty NodeID")
    }
    if o.Bind == "" {
        return fmt.Errorf("gossip: empty Bind address")
    }
    return nil
}

type impl struct {
    mu     sync.RWMutex
    opts   Options
    ml     *memberlist.Memberlist
    evts   chan presence.Event
    closed bool
}

var _ presence.Presence = (*impl)(nil)
var _ presence.HealthReporter = (*impl)(nil)

// New constructs a memberlist-backed presence layer.
func New(opts Options) (presence.Presence, error) {
    if err := opts.validate(); err != nil {
        return nil, err
    }
    if opts.Logger == nil {
        opts.Logger = log.Default()
    }
    return &impl{opts: opts, evts: make(chan presence.Event, 64)}, nil
}

// Start creates and launches the underlying memberlist instance.
func (g *impl) Start(ctx context.Context) error {
    g.mu.Lock()
    defer g.mu.Unlock()
    if g.ml != nil {
        return nil
    }

    cfg := memberlist.DefaultLANConfig()
    cfg.Name = g.opts.NodeID
    var err error
    if cfg.BindAddr, cfg.BindPort, err = splitHostPort(g.opts.Bind); err != nil {
        return fmt.Errorf("gossip: invalid bind address %q: %w", g.opts.Bind, err)
    }
    if g.opts.Advertise != "" {
        if cfg.AdvertiseAddr, cfg.AdvertisePort, err = splitHostPort(g.opts.Advertise); err != nil {
            return fmt.Errorf("gossip: invalid advertise address %q: %w", g.opts.Advertise, err)
        }
    }
    if g.opts.ProbeInterval > 0 {
        cfg.ProbeInterval = g.opts.ProbeInterval
    }
    if g.opts.ProbeTimeout > 0 {
        cfg.ProbeTimeout = g.opts.ProbeTimeout
    }
    if g.opts.SuspicionMult > 0 {
        cfg.SuspicionMult = g.opts.SuspicionMult
    }

    // Meta is encoded once and rides every alive broadcast.
    metaBytes, _ := json.Marshal(g.opts.Meta)
    cfg.Events = &eventDelegate{emit: g.emit}
    cfg.Delegate = &nodeDelegate{meta: metaBytes}

    ml, err := memberlist.Create(cfg)
    if err != nil {
        return err
    }
    g.ml = ml

    go func() {
        <-ctx.Done()
        _ = g.Stop()
    }()
    return nil
}

func (g *impl) Join(seeds []string) error {
    g.mu.RLock()
    ml := g.ml
    g.mu.RUnlock()
    if ml == nil {
        return fmt.Errorf("gossip: not started")
    }
    if len(seeds) == 0 {
        return nil
    }
    _, err := ml.Join(seeds)
    return err
}

func (g *impl) Local() presence.ReplicaInfo {
    g.mu.RLock()
    defer g.mu.RUnlock()
    if g.ml == nil {
        return presence.ReplicaInfo{}
    }
    info := nodeInfo(g.ml.LocalNode())
    if len(info.Meta) == 0 && g.opts.Meta != nil {
        info.Meta = g.opts.Meta
    }
    return info
}

func (g *impl) Replicas() []presence.ReplicaInfo {
    g.mu.RLock()
    defer g.mu.RUnlock()
    if g.ml == nil {
        return nil
    }
    nodes := g.ml.Members()
    out := make([]presence.ReplicaInfo, 0, len(nodes))
    for _, n := range nodes {
        out = append(out, nodeInfo(n))
    }
    return out
}

func (g *impl) Events() <-chan presence.Event { return g.evts }

func (g *impl) Leave() error {
    g.mu.RLock()
    ml := g.ml
    g.mu.RUnlock()
    if ml == nil {
        return nil
    }
    // best-effort: leave and give some time to broadcast
    _ = ml.Leave(time.Second)
    return nil
}

func (g *impl) Stop() error {
    g.mu.Lock()
    defer g.mu.Unlock()
    if g.closed {
        return nil
    }
    g.closed = true
    if g.ml != nil {
        _ = g.ml.Shutdown()
        g.ml = nil
    }
    close(g.evts)
    return nil
}

// HealthScore exposes memberlist's awareness score.
func (g *impl) HealthScore() int {
    g.mu.RLock()
    defer g.mu.RUnlock()
    if g.ml == nil {
        return -1
    }
    return g.ml.GetHealthScore()
}

func (g *impl) emit(e presence.Event) {
    defer func() { recover() }()
    select {
    case g.evts <- e:
    default:
        // drop if the channel is full to avoid blocking gossip callbacks
        logutil.Warnf(g.opts.Logger, "gossip: dropping %s event: channel full", e.Type)
    }
}

func nodeInfo(n *memberlist.Node) presence.ReplicaInfo {
    meta := map[string]string{}
    if len(n.Meta) > 0 {
        _ = json.Unmarshal(n.Meta, &meta)
    }
    return presence.ReplicaInfo{
        ID:   n.Name,
        Addr: net.JoinHostPort(n.Addr.String(), fmt.Sprintf("%d", n.Port)),
        Meta: meta,
    }
}

func splitHostPort(s string) (string, int, error) {
    host, portStr, err := net.SplitHostPort(s)
    if err != nil {
        return "", 0, err
    }
    var p int
    if _, err := fmt.Sscanf(portStr, "%d", &p); err != nil || p < 0 || p > 65535 {
        return "", 0, fmt.Errorf("invalid port: %q", portStr)
    }
    return host, p, nil
}

// eventDelegate adapts memberlist events to presence events.
type eventDelegate struct {
    emit func(e presence.Event)
}

func (d *eventDelegate) NotifyJoin(n *memberlist.Node) {
    if n == nil {
        return
    }
    d.emit(presence.Event{Type: presence.EventJoin, Replica: nodeInfo(n), At: time.Now()})
}

func (d *eventDelegate) NotifyLeave(n *memberlist.Node) {
    if n == nil {
        return
    }
    // memberlist conflates explicit leave and failure timeout; both map to leave.
    d.emit(presence.Event{Type: presence.EventLeave, Replica: nodeInfo(n), At: time.Now()})
}

func (d *eventDelegate) NotifyUpdate(n *memberlist.Node) {
    if n == nil {
        return
    }
    // Meta updates re-announce the replica.
    d.emit(presence.Event{Type: presence.EventJoin, Replica: nodeInfo(n), At: time.Now()})
}

// nodeDelegate carries the encoded replica metadata in gossip broadcasts.
type nodeDelegate struct{ meta []byte }

func (d *nodeDelegate) NodeMeta(limit int) []byte {
    if len(d.meta) <= limit {
        return d.meta
    }
    if limit <= 0 {
        return nil
    }
    return d.meta[:limit]
}

func (d *nodeDelegate) NotifyMsg([]byte)                {}
func (d *nodeDelegate) GetBroadcasts(int, int) [][]byte { return nil }
func (d *nodeDelegate) LocalState(bool) []byte          { return nil }
func (d *nodeDelegate) MergeRemoteState([]byte, bool)   {}
