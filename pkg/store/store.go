package store

import (
    "encoding/json"
    "fmt"
    "sort"
    "sync"

    "github.com/psycho-baller/trpc-crdt/pkg/router"
)

// Store is the in-memory application state exposed to procedure handlers as
// their side channel. It combines a key/value map with an append-only record
// log, and commits handler mutations atomically through Transact.
type Store struct {
    mu  sync.RWMutex
    kv  map[string]any
    log []map[string]any
}

func New() *Store {
    return &Store{kv: make(map[string]any)}
}

func (s *Store) Get(key string) (any, bool) {
    s.mu.RLock()
    defer s.mu.RUnlock()
    v, ok := s.kv[key]
    return v, ok
}

// Records returns a copy of the append-only record log.
func (s *Store) Records() []map[string]any {
    s.mu.RLock()
    defer s.mu.RUnlock()
    out := make([]map[string]any, len(s.log))
    copy(out, s.log)
    return out
}

// Transact runs fn against a staging transaction and applies every staged
// mutation under one lock acquisition when fn succeeds. When fn returns an
// error nothing is applied.
func (s *Store) Transact(fn func(tx router.Tx) error) error {
    t := &tx{kv: make(map[string]any)}
    if err := fn(t); err != nil {
        return err
    }
    s.mu.Lock()
    for k, v := range t.kv {
        s.kv[k] = v
    }
    s.log = append(s.log, t.log...)
    s.mu.Unlock()
    return nil
}

// tx stages mutations until the surrounding Transact commits.
type tx struct {
    kv  map[string]any
    log []map[string]any
}

func (t *tx) Put(key string, value any) { t.kv[key] = value }

func (t *tx) Append(record map[string]any) { t.log = append(t.log, record) }

// Snapshot encodes the store as stable JSON for replica transfer and
// inspection.
func (s *Store) Snapshot() ([]byte, error) {
    s.mu.RLock()
    defer s.mu.RUnlock()
    keys := make([]string, 0, len(s.kv))
    for k := range s.kv {
        keys = append(keys, k)
    }
    sort.Strings(keys)
    pairs := make([]kvPair, 0, len(keys))
    for _, k := range keys {
        pairs = append(pairs, kvPair{Key: k, Value: s.kv[k]})
    }
    return json.Marshal(snapshot{Version: 1, KV: pairs, Log: s.log})
}

// Restore replaces the store content from a Snapshot payload.
func (s *Store) Restore(buf []byte) error {
    var snap snapshot
    if err := json.Unmarshal(buf, &snap); err != nil {
        return err
    }
    if snap.Version != 1 {
        return fmt.Errorf("store: unsupported snapshot version %d", snap.Version)
    }
    s.mu.Lock()
    defer s.mu.Unlock()
    s.kv = make(map[string]any, len(snap.KV))
    for _, p := range snap.KV {
        s.kv[p.Key] = p.Value
    }
    s.log = snap.Log
    return nil
}

type kvPair struct {
    Key   string `json:"key"`
    Value any    `json:"value"`
}

type snapshot struct {
    Version int              `json:"version"`
    KV      []kvPair         `json:"kv"`
    Log     []map[string]any `json:"log"`
}

var _ router.Store = (*Store)(nil)
