package raftdoc

import (
    "context"
    "encoding/json"
    "errors"
    "fmt"
    "log"
    "os"
    "path/filepath"
    "strconv"
    "time"

    "github.com/hashicorp/go-hclog"
    "github.com/hashicorp/raft"
    raftboltdb "github.com/hashicorp/raft-boltdb"

    "github.com/psycho-baller/trpc-crdt/pkg/document"
)

// ErrNotLeader is returned by Append on a follower replica. Callers either
// retry against the leader or route appends through it.
var ErrNotLeader = errors.New("raftdoc: not leader")

// LeaderInfo describes an observed leadership state.
type LeaderInfo struct {
    ID   string
    Addr string
    Term uint64
}

// Doc is a queue document replicated with HashiCorp Raft. The raft log
// carries atomic multi-record appends; the FSM materializes the record
// sequence every replica observes in the same order.
type Doc struct {
    opts Options
    log  *log.Logger
    r    *raft.Raft
    fsm  *logFSM
    lch  chan LeaderInfo

    addr  raft.ServerAddress
    trans raft.Transport
}

func New(opts Options) (*Doc, error) {
    if opts.NodeID == "" {
        return nil, fmt.Errorf("raftdoc: empty NodeID")
    }
    if opts.Logger == nil {
        opts.Logger = log.Default()
    }
    return &Doc{opts: opts, log: opts.Logger, fsm: newLogFSM(), lch: make(chan LeaderInfo, 16)}, nil
}

// Start launches the raft replica. It is idempotent.
func (d *Doc) Start(ctx context.Context) error {
    if d.r != nil {
        return nil
    }

    cfg := raft.DefaultConfig()
    cfg.LocalID = raft.ServerID(d.opts.NodeID)
    cfg.Logger = hclog.New(&hclog.LoggerOptions{
        Name:   "raftdoc",
        Output: d.log.Writer(),
        Level:  hclog.Warn,
    })
    if d.opts.HeartbeatTimeout > 0 {
        cfg.HeartbeatTimeout = d.opts.HeartbeatTimeout
        if cfg.LeaderLeaseTimeout > cfg.HeartbeatTimeout {
            cfg.LeaderLeaseTimeout = cfg.HeartbeatTimeout
        }
    }
    if d.opts.ElectionTimeout > 0 {
        cfg.ElectionTimeout = d.opts.ElectionTimeout
    }

    var (
        logs   raft.LogStore
        stable raft.StableStore
        snaps  raft.SnapshotStore
        addr   raft.ServerAddress
        trans  raft.Transport
    )

    // Storage selection: on-disk when DataDir provided, else in-memory.
    if d.opts.DataDir != "" {
        if d.opts.SnapshotsRetained == 0 {
            d.opts.SnapshotsRetained = 2
        }
        if err := os.MkdirAll(d.opts.DataDir, 0o755); err != nil {
            return err
        }
        bstore, err := raftboltdb.NewBoltStore(filepath.Join(d.opts.DataDir, "queue.db"))
        if err != nil {
            return err
        }
        logs = bstore
        stable = bstore
        snaps, err = raft.NewFileSnapshotStore(d.opts.DataDir, d.opts.SnapshotsRetained, os.Stderr)
        if err != nil {
            return err
        }
    } else {
        logs = raft.NewInmemStore()
        stable = raft.NewInmemStore()
        snaps = raft.NewInmemSnapshotStore()
    }

    if d.opts.BindAddr != "" {
        nt, err := raft.NewTCPTransport(d.opts.BindAddr, nil, 3, 1*time.Second, os.Stderr)
        if err != nil {
            return err
        }
        trans = nt
        addr = nt.LocalAddr()
    } else {
        addr, trans = raft.NewInmemTransport(raft.ServerAddress(d.opts.NodeID))
    }

    r, err := raft.NewRaft(cfg, d.fsm, logs, stable, snaps, trans)
    if err != nil {
        return err
    }
    d.r = r
    d.addr = addr
    d.trans = trans

    // Forward leadership observations to LeaderCh.
    obsCh := make(chan raft.Observation, 32)
    observer := raft.NewObserver(obsCh, false, func(o *raft.Observation) bool {
        _, ok := o.Data.(raft.LeaderObservation)
        return ok
    })
    d.r.RegisterObserver(observer)
    go func() {
        for range obsCh {
            if id, a, ok := d.Leader(); ok {
                d.emitLeader(LeaderInfo{ID: id, Addr: a, Term: d.Term()})
            }
        }
    }()

    if d.opts.Bootstrap {
        cfgs := raft.Configuration{Servers: []raft.Server{{ID: cfg.LocalID, Address: addr}}}
        if err := d.r.BootstrapCluster(cfgs).Error(); err != nil {
            return err
        }
    }

    go func() {
        <-ctx.Done()
        _ = d.Stop()
    }()
    return nil
}

// Append replicates records as one atomic change. Only the leader accepts
// appends; followers get ErrNotLeader.
func (d *Doc) Append(ctx context.Context, records ...[]byte) error {
    if d.r == nil {
        return fmt.Errorf("raftdoc: not started")
    }
    if len(records) == 0 {
        return nil
    }
    if d.r.State() != raft.Leader {
        return ErrNotLeader
    }
    data, err := json.Marshal(command{Op: "append", Records: records})
    if err != nil {
        return err
    }
    t := d.opts.ApplyTimeout
    if t <= 0 {
        t = 5 * time.Second
    }
    if deadline, ok := ctx.Deadline(); ok {
        if until := time.Until(deadline); until < t {
            t = until
        }
    }
    af := d.r.Apply(data, t)
    if err := af.Error(); err != nil {
        return err
    }
    if v := af.Response(); v != nil {
        if e, ok := v.(error); ok && e != nil {
            return e
        }
    }
    return nil
}

// ReadAll returns the locally materialized record sequence.
func (d *Doc) ReadAll(ctx context.Context) ([]document.Record, error) {
    if err := ctx.Err(); err != nil {
        return nil, err
    }
    return d.fsm.readAll(), nil
}

// OnChange registers fn against FSM applies. Followers observe appends this
// way as replication delivers them.
func (d *Doc) OnChange(fn func()) (unsubscribe func()) {
    return d.fsm.subscribe(fn)
}

// Addr returns the raft transport address of this replica.
func (d *Doc) Addr() string { return string(d.addr) }

func (d *Doc) IsLeader() bool {
    if d.r == nil {
        return false
    }
    return d.r.State() == raft.Leader
}

func (d *Doc) Leader() (id string, addr string, ok bool) {
    if d.r == nil {
        return "", "", false
    }
    a, sid := d.r.LeaderWithID()
    if sid == "" {
        return "", "", false
    }
    return string(sid), string(a), true
}

func (d *Doc) Term() uint64 {
    if d.r == nil {
        return 0
    }
    if v := d.r.Stats()["current_term"]; v != "" {
        if u, err := strconv.ParseUint(v, 10, 64); err == nil {
            return u
        }
    }
    return 0
}

// LeaderCh delivers leadership changes (best-effort, buffered).
func (d *Doc) LeaderCh() <-chan LeaderInfo { return d.lch }

func (d *Doc) emitLeader(li LeaderInfo) {
    select {
    case d.lch <- li:
    default:
        // drop; last-writer-wins semantics are fine for leadership
    }
}

// AddVoter adds a replica to the raft configuration if not already present.
func (d *Doc) AddVoter(id, addr string, timeout time.Duration) error {
    if d.r == nil {
        return fmt.Errorf("raftdoc: not started")
    }
    cfg := d.r.GetConfiguration()
    if err := cfg.Error(); err == nil {
        for _, srv := range cfg.Configuration().Servers {
            if string(srv.ID) == id {
                if string(srv.Address) == addr {
                    return nil
                }
                // Stale entry with a different address: remove before re-adding.
                if err := d.r.RemoveServer(srv.ID, 0, timeout).Error(); err != nil {
                    return err
                }
                break
            }
        }
    }
    return d.r.AddVoter(raft.ServerID(id), raft.ServerAddress(addr), 0, timeout).Error()
}

// RemoveServer removes a replica from the raft configuration if present.
func (d *Doc) RemoveServer(id string, timeout time.Duration) error {
    if d.r == nil {
        return fmt.Errorf("raftdoc: not started")
    }
    return d.r.RemoveServer(raft.ServerID(id), 0, timeout).Error()
}

func (d *Doc) Stop() error {
    if d.r == nil {
        return nil
    }
    f := d.r.Shutdown()
    if err := f.Error(); err != nil {
        return err
    }
    d.r = nil
    return nil
}

var _ document.Document = (*Doc)(nil)
