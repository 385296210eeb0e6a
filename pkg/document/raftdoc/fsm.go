package raftdoc

import (
    "encoding/json"
    "io"
    "sync"
    "time"

    "github.com/hashicorp/raft"

    "github.com/psycho-baller/trpc-crdt/pkg/document"
)

// command is the replicated log payload: one atomic multi-record append.
type command struct {
    Op      string   `json:"op"`
    Records [][]byte `json:"records"`
}

// logFSM materializes the replicated record log and fans change
// notifications out to local observers.
type logFSM struct {
    mu      sync.Mutex
    records []document.Record
    nextSeq uint64
    subs    map[int]func()
    nextSub int
}

func newLogFSM() *logFSM {
    return &logFSM{subs: make(map[int]func())}
}

func (f *logFSM) Apply(l *raft.Log) interface{} {
    var cmd command
    if err := json.Unmarshal(l.Data, &cmd); err != nil {
        return err
    }
    if cmd.Op != "append" {
        return nil
    }
    f.mu.Lock()
    for _, data := range cmd.Records {
        f.nextSeq++
        f.records = append(f.records, document.Record{Seq: f.nextSeq, Data: data})
    }
    listeners := make([]func(), 0, len(f.subs))
    for _, fn := range f.subs {
        listeners = append(listeners, fn)
    }
    f.mu.Unlock()
    // Notify off the raft apply path.
    for _, fn := range listeners {
        go fn()
    }
    return nil
}

func (f *logFSM) readAll() []document.Record {
    f.mu.Lock()
    defer f.mu.Unlock()
    return append([]document.Record(nil), f.records...)
}

func (f *logFSM) subscribe(fn func()) func() {
    f.mu.Lock()
    id := f.nextSub
    f.nextSub++
    f.subs[id] = fn
    f.mu.Unlock()
    return func() {
        f.mu.Lock()
        delete(f.subs, id)
        f.mu.Unlock()
    }
}

func (f *logFSM) Snapshot() (raft.FSMSnapshot, error) {
    f.mu.Lock()
    blob, err := json.Marshal(struct {
        Version int               `json:"version"`
        NextSeq uint64            `json:"nextSeq"`
        Records []document.Record `json:"records"`
    }{Version: 1, NextSeq: f.nextSeq, Records: f.records})
    f.mu.Unlock()
    if err != nil {
        return nil, err
    }
    return &snapshot{blob: blob, at: time.Now()}, nil
}

func (f *logFSM) Restore(rc io.ReadCloser) error {
    defer rc.Close()
    data, err := io.ReadAll(rc)
    if err != nil {
        return err
    }
    var snap struct {
        Version int               `json:"version"`
        NextSeq uint64            `json:"nextSeq"`
        Records []document.Record `json:"records"`
    }
    if err := json.Unmarshal(data, &snap); err != nil {
        return err
    }
    f.mu.Lock()
    f.records = snap.Records
    f.nextSeq = snap.NextSeq
    f.mu.Unlock()
    return nil
}

type snapshot struct {
    blob []byte
    at   time.Time
}

func (s *snapshot) Persist(sink raft.SnapshotSink) error {
    if _, err := sink.Write(s.blob); err != nil {
        _ = sink.Cancel()
        return err
    }
    return sink.Close()
}

func (s *snapshot) Release() {}

var _ raft.FSM = (*logFSM)(nil)
