package bootstrap

import (
    "context"
    "crypto/tls"
    "encoding/json"
    "errors"
    "fmt"
    "log"
    "net/http"
    "time"

    "github.com/BurntSushi/toml"

    "github.com/psycho-baller/trpc-crdt/pkg/discovery"
    dFile "github.com/psycho-baller/trpc-crdt/pkg/discovery/file"
    dStatic "github.com/psycho-baller/trpc-crdt/pkg/discovery/static"
    "github.com/psycho-baller/trpc-crdt/pkg/document"
    "github.com/psycho-baller/trpc-crdt/pkg/document/memdoc"
    "github.com/psycho-baller/trpc-crdt/pkg/document/raftdoc"
    "github.com/psycho-baller/trpc-crdt/pkg/document/wsdoc"
    "github.com/psycho-baller/trpc-crdt/pkg/internal/logutil"
    "github.com/psycho-baller/trpc-crdt/pkg/observability/tracing"
    "github.com/psycho-baller/trpc-crdt/pkg/presence"
    "github.com/psycho-baller/trpc-crdt/pkg/presence/gossip"
    "github.com/psycho-baller/trpc-crdt/pkg/router"
    "github.com/psycho-baller/trpc-crdt/pkg/rpc"
    tlsx "github.com/psycho-baller/trpc-crdt/pkg/security/tlsconfig"
    "github.com/psycho-baller/trpc-crdt/pkg/store"
    "github.com/psycho-baller/trpc-crdt/pkg/transport"
    mgmtgrpc "github.com/psycho-baller/trpc-crdt/pkg/transport/grpc"
    "github.com/psycho-baller/trpc-crdt/pkg/transport/httpjson"
)

// Config defines high-level inputs to assemble a replica with sensible
// defaults. Applications embed a replica by providing this structure and
// calling Build/Run. Fields carry TOML tags so a config file can populate
// everything except the runtime-only Router/Store/Logger.
type Config struct {
    // Identity and queue document backend: "mem" (default), "raft" or "ws".
    NodeID  string `toml:"node_id"`
    Backend string `toml:"backend"`

    // Raft backend settings.
    RaftBind  string `toml:"raft_bind"`
    DataDir   string `toml:"data_dir"` // empty → in-memory stores
    Bootstrap bool   `toml:"bootstrap"`

    // Websocket backend settings. HubBind hosts a hub over the local
    // document; HubURL attaches to a remote hub instead.
    HubBind string `toml:"hub_bind"`
    HubURL  string `toml:"hub_url"`

    // Presence (gossip) settings. Empty GossipBind disables presence.
    GossipBind      string `toml:"gossip_bind"`
    GossipAdvertise string `toml:"gossip_advertise"`

    // Discovery settings for seeding presence.
    DiscoveryKind string `toml:"discovery"` // "static" (default) or "file"
    SeedsCSV      string `toml:"seeds"`
    SeedsFile     string `toml:"seeds_file"`
    SeedsEnv      string `toml:"seeds_env"`
    DiscRefreshMS int64  `toml:"discovery_refresh_ms"`

    // Management API (status/invoke/metrics).
    MgmtAddr  string `toml:"mgmt_addr"`
    MgmtProto string `toml:"mgmt_proto"` // "http" (default) or "grpc"

    // TLS (optional) for the management API.
    TLSEnable     bool   `toml:"tls_enable"`
    TLSCA         string `toml:"tls_ca"`
    TLSCert       string `toml:"tls_cert"`
    TLSKey        string `toml:"tls_key"`
    TLSServerName string `toml:"tls_server_name"`
    TLSSkipVerify bool   `toml:"tls_skip_verify"`

    // Tracing enables the stdout span exporter.
    Tracing bool `toml:"tracing"`

    // Runtime-only wiring.
    Logger *log.Logger  `toml:"-"`
    Router *router.Mux  `toml:"-"`
    Store  *store.Store `toml:"-"`
}

// LoadFile populates a Config from a TOML file. Runtime-only fields must be
// set by the caller afterwards.
func LoadFile(path string) (Config, error) {
    var cfg Config
    if _, err := toml.DecodeFile(path, &cfg); err != nil {
        return cfg, fmt.Errorf("bootstrap: load %s: %w", path, err)
    }
    return cfg, nil
}

func (c *Config) validate() error {
    if c.NodeID == "" {
        return errors.New("bootstrap: NodeID is required")
    }
    if c.Router == nil {
        return errors.New("bootstrap: Router is required")
    }
    switch c.Backend {
    case "", "mem", "raft", "ws":
    default:
        return fmt.Errorf("bootstrap: unknown backend %q", c.Backend)
    }
    if c.Backend == "raft" && c.RaftBind == "" {
        return errors.New("bootstrap: RaftBind is required for the raft backend")
    }
    if c.Backend == "ws" && c.HubBind == "" && c.HubURL == "" {
        return errors.New("bootstrap: the ws backend needs HubBind or HubURL")
    }
    return nil
}

// NodeStatus is the JSON payload served on the management /status endpoint.
type NodeStatus struct {
    NodeID     string   `json:"nodeId"`
    Backend    string   `json:"backend"`
    Records    int      `json:"records"`
    Pending    int      `json:"pending"`
    Dispatched int      `json:"dispatched"`
    IsLeader   bool     `json:"isLeader,omitempty"`
    Leader     string   `json:"leader,omitempty"`
    Replicas   []string `json:"replicas,omitempty"`
}

// Node is a fully wired replica: queue document, store, dispatcher, client,
// optional presence and management API.
type Node struct {
    cfg Config
    log *log.Logger

    doc     document.Document
    raft    *raftdoc.Doc
    hub     *wsdoc.Hub
    hubSrv  *http.Server
    replica *wsdoc.Replica

    st     *store.Store
    disp   *rpc.Dispatcher
    client *rpc.Client
    pres   presence.Presence
    disc   discovery.Discovery

    mgmtSrv transport.RPCServer
    mgmtCli transport.RPCClient

    cancel      context.CancelFunc
    stopTracing func(context.Context) error
}

// Build assembles a Node from Config without starting it.
func Build(cfg Config) (*Node, error) {
    if cfg.Logger == nil {
        cfg.Logger = log.Default()
    }
    if err := cfg.validate(); err != nil {
        return nil, err
    }
    n := &Node{cfg: cfg, log: cfg.Logger, st: cfg.Store}
    if n.st == nil {
        n.st = store.New()
    }

    refresh := time.Duration(cfg.DiscRefreshMS) * time.Millisecond
    switch cfg.DiscoveryKind {
    case "file":
        n.disc = dFile.New(dFile.Options{Path: cfg.SeedsFile, Env: cfg.SeedsEnv, Refresh: refresh})
    default:
        n.disc = dStatic.New(dStatic.Parse(cfg.SeedsCSV)...)
    }
    return n, nil
}

// Run builds and starts a node, returning the instance for lifecycle control.
// The caller is responsible for calling Close() when finished.
func Run(ctx context.Context, cfg Config) (*Node, error) {
    n, err := Build(cfg)
    if err != nil {
        return nil, err
    }
    if err := n.Start(ctx); err != nil {
        return nil, err
    }
    return n, nil
}

// Start brings the document backend, dispatcher, client, presence and
// management API up. Components stop when ctx is canceled or Close is called.
func (n *Node) Start(ctx context.Context) error {
    ctx, n.cancel = context.WithCancel(ctx)

    shutdown, err := tracing.Setup(n.cfg.Tracing)
    if err != nil {
        return err
    }
    n.stopTracing = shutdown

    if err := n.startDocument(ctx); err != nil {
        return err
    }

    // A ws replica mirrors a remote hub that already dispatches; everything
    // else serves locally. With raft, only the leader serves: standby
    // replicas leave entries in place and resync on taking leadership.
    if n.replica == nil {
        dopts := rpc.DispatcherOptions{
            Document: n.doc,
            Router:   n.cfg.Router,
            Store:    n.st,
            Logger:   n.log,
        }
        if n.raft != nil {
            dopts.Serve = n.raft.IsLeader
        }
        disp, err := rpc.NewDispatcher(dopts)
        if err != nil {
            return err
        }
        if err := disp.Start(ctx); err != nil {
            return err
        }
        n.disp = disp
        if n.raft != nil {
            go n.watchLeadership(ctx)
        }
    }

    client, err := rpc.NewClient(rpc.ClientOptions{Document: n.doc, Logger: n.log})
    if err != nil {
        return err
    }
    if err := client.Start(ctx); err != nil {
        return err
    }
    n.client = client

    if err := n.startPresence(ctx); err != nil {
        return err
    }
    if err := n.startMgmt(ctx); err != nil {
        return err
    }
    logutil.Infof(n.log, "bootstrap: node %s up (backend=%s)", n.cfg.NodeID, n.backendName())
    return nil
}

func (n *Node) backendName() string {
    if n.cfg.Backend == "" {
        return "mem"
    }
    return n.cfg.Backend
}

func (n *Node) startDocument(ctx context.Context) error {
    switch n.cfg.Backend {
    case "", "mem":
        n.doc = memdoc.New()
    case "raft":
        d, err := raftdoc.New(raftdoc.Options{
            NodeID:    n.cfg.NodeID,
            BindAddr:  n.cfg.RaftBind,
            DataDir:   n.cfg.DataDir,
            Bootstrap: n.cfg.Bootstrap,
            Logger:    n.log,
        })
        if err != nil {
            return err
        }
        if err := d.Start(ctx); err != nil {
            return err
        }
        n.raft = d
        n.doc = d
    case "ws":
        if n.cfg.HubURL != "" {
            r, err := wsdoc.Dial(ctx, n.cfg.HubURL, n.log)
            if err != nil {
                return err
            }
            n.replica = r
            n.doc = r
            return nil
        }
        inner := memdoc.New()
        hub := wsdoc.NewHub(inner, n.log)
        if err := hub.Start(ctx); err != nil {
            return err
        }
        n.hub = hub
        n.doc = inner
        n.hubSrv = &http.Server{Addr: n.cfg.HubBind, Handler: hub}
        go func() {
            if err := n.hubSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
                logutil.Errorf(n.log, "bootstrap: hub server: %v", err)
            }
        }()
        go func() {
            <-ctx.Done()
            _ = n.hubSrv.Close()
        }()
    }
    return nil
}

func (n *Node) startPresence(ctx context.Context) error {
    if n.cfg.GossipBind == "" {
        return nil
    }
    meta := map[string]string{"backend": n.backendName()}
    if n.cfg.MgmtAddr != "" {
        meta["mgmt"] = n.cfg.MgmtAddr
    }
    if n.raft != nil {
        meta["raft"] = n.raft.Addr()
    }
    p, err := gossip.New(gossip.Options{
        NodeID:    n.cfg.NodeID,
        Bind:      n.cfg.GossipBind,
        Advertise: n.cfg.GossipAdvertise,
        Meta:      meta,
        Logger:    n.log,
    })
    if err != nil {
        return err
    }
    if err := p.Start(ctx); err != nil {
        return err
    }
    n.pres = p
    if seeds := n.disc.Seeds(); len(seeds) > 0 {
        if err := p.Join(seeds); err != nil {
            logutil.Warnf(n.log, "bootstrap: gossip join: %v", err)
        }
    }
    go n.watchPresence(ctx)
    return nil
}

// watchLeadership resyncs the dispatcher when this replica takes over as
// raft leader, so calls queued while standing by get served.
func (n *Node) watchLeadership(ctx context.Context) {
    for {
        select {
        case <-ctx.Done():
            return
        case li, ok := <-n.raft.LeaderCh():
            if !ok {
                return
            }
            if li.ID == n.cfg.NodeID {
                logutil.Infof(n.log, "bootstrap: leading term %d, resyncing dispatcher", li.Term)
                n.disp.Resync(ctx)
            }
        }
    }
}

// watchPresence folds presence events into the raft membership: when this
// replica leads, joining peers that advertise a raft address are added as
// voters and leaving peers are removed.
func (n *Node) watchPresence(ctx context.Context) {
    for {
        select {
        case <-ctx.Done():
            return
        case ev, ok := <-n.pres.Events():
            if !ok {
                return
            }
            if n.raft == nil || !n.raft.IsLeader() {
                continue
            }
            switch ev.Type {
            case presence.EventJoin:
                raftAddr := ev.Replica.Meta["raft"]
                if raftAddr == "" || ev.Replica.ID == n.cfg.NodeID {
                    continue
                }
                if err := n.raft.AddVoter(ev.Replica.ID, raftAddr, 5*time.Second); err != nil {
                    logutil.Warnf(n.log, "bootstrap: add voter %s: %v", ev.Replica.ID, err)
                }
            case presence.EventLeave:
                if ev.Replica.ID == n.cfg.NodeID {
                    continue
                }
                if err := n.raft.RemoveServer(ev.Replica.ID, 5*time.Second); err != nil {
                    logutil.Warnf(n.log, "bootstrap: remove server %s: %v", ev.Replica.ID, err)
                }
            }
        }
    }
}

func (n *Node) startMgmt(ctx context.Context) error {
    if n.cfg.MgmtAddr == "" {
        return nil
    }
    var srvTLS, cliTLS *tls.Config
    if n.cfg.TLSEnable {
        topts := tlsx.Options{
            Enable:             true,
            CAFile:             n.cfg.TLSCA,
            CertFile:           n.cfg.TLSCert,
            KeyFile:            n.cfg.TLSKey,
            InsecureSkipVerify: n.cfg.TLSSkipVerify,
            ServerName:         n.cfg.TLSServerName,
        }
        var err error
        if srvTLS, err = topts.Server(); err != nil {
            return err
        }
        if cliTLS, err = topts.Client(); err != nil {
            return err
        }
    }
    switch n.cfg.MgmtProto {
    case "grpc":
        s := mgmtgrpc.NewServer(n.cfg.MgmtAddr)
        if srvTLS != nil {
            s.UseTLS(srvTLS)
        }
        c := mgmtgrpc.NewClient(3 * time.Second)
        if cliTLS != nil {
            c.UseTLS(cliTLS)
        }
        n.mgmtSrv, n.mgmtCli = s, c
    default:
        s := httpjson.NewServer(n.cfg.MgmtAddr, n.log)
        if srvTLS != nil {
            s.UseTLS(srvTLS)
        }
        c := httpjson.NewClient(3 * time.Second)
        if cliTLS != nil {
            c.UseTLS(cliTLS)
        }
        n.mgmtSrv, n.mgmtCli = s, c
    }
    return n.mgmtSrv.Start(ctx, n.statusJSON, n.invoke)
}

// Status reports a point-in-time view of the replica.
func (n *Node) Status(ctx context.Context) NodeStatus {
    st := NodeStatus{
        NodeID:  n.cfg.NodeID,
        Backend: n.backendName(),
        Pending: n.client.Pending(),
    }
    if n.disp != nil {
        st.Dispatched = n.disp.Dispatched()
    }
    if recs, err := n.doc.ReadAll(ctx); err == nil {
        st.Records = len(recs)
    }
    if n.raft != nil {
        st.IsLeader = n.raft.IsLeader()
        if _, addr, ok := n.raft.Leader(); ok {
            st.Leader = addr
        }
    }
    if n.pres != nil {
        for _, r := range n.pres.Replicas() {
            st.Replicas = append(st.Replicas, r.ID)
        }
    }
    return st
}

func (n *Node) statusJSON(ctx context.Context) ([]byte, error) {
    return json.Marshal(n.Status(ctx))
}

// invoke issues a forwarded call through the local correlator and waits for
// its settlement. Procedure failures land in the response code, not the error.
func (n *Node) invoke(ctx context.Context, req transport.InvokeRequest) (transport.InvokeResponse, error) {
    var opts *rpc.CallOptions
    if req.ID != "" {
        opts = &rpc.CallOptions{ID: req.ID}
    }
    fut, err := n.client.Go(ctx, req.Procedure, req.Input, opts)
    if err != nil {
        return transport.InvokeResponse{ID: req.ID}, err
    }
    out := transport.InvokeResponse{ID: fut.ID()}
    result, err := fut.Await(ctx)
    if err != nil {
        var perr *rpc.Error
        if errors.As(err, &perr) {
            out.Code = perr.Code
            out.Error = perr.Message
            return out, nil
        }
        return out, err
    }
    out.Result = result
    return out, nil
}

// Client returns the node's correlator for embedding applications.
func (n *Node) Client() *rpc.Client { return n.client }

// Store returns the node's shared state store.
func (n *Node) Store() *store.Store { return n.st }

// Document exposes the underlying queue document.
func (n *Node) Document() document.Document { return n.doc }

// RPCClient returns the management client matching the configured protocol,
// or nil when no management API is configured.
func (n *Node) RPCClient() transport.RPCClient { return n.mgmtCli }

// MgmtAddr returns the bound management address, or "".
func (n *Node) MgmtAddr() string {
    if n.mgmtSrv == nil {
        return ""
    }
    return n.mgmtSrv.Addr()
}

// Close stops all components in reverse start order.
func (n *Node) Close() error {
    if n.cancel != nil {
        n.cancel()
    }
    if n.mgmtSrv != nil {
        _ = n.mgmtSrv.Stop(context.Background())
    }
    if n.pres != nil {
        _ = n.pres.Leave()
        _ = n.pres.Stop()
    }
    if n.client != nil {
        _ = n.client.Close()
    }
    if n.disp != nil {
        _ = n.disp.Stop()
    }
    if n.replica != nil {
        n.replica.Close()
    }
    if n.hubSrv != nil {
        _ = n.hubSrv.Close()
    }
    if n.hub != nil {
        n.hub.Stop()
    }
    if n.raft != nil {
        _ = n.raft.Stop()
    }
    if n.stopTracing != nil {
        ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
        defer cancel()
        _ = n.stopTracing(ctx)
    }
    return nil
}
