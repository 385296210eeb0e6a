package raftdoc

import (
    "log"
    "time"
)

// Options configures the raft-replicated queue document.
type Options struct {
    // NodeID is the unique identifier of this replica (required).
    NodeID string

    // BindAddr is the TCP bind address for raft traffic. Empty selects an
    // in-memory transport (single process, tests).
    BindAddr string

    // DataDir enables on-disk log/stable/snapshot stores. Empty keeps
    // everything in memory.
    DataDir string

    // Bootstrap starts a fresh single-replica cluster (development or the
    // first node of a new document).
    Bootstrap bool

    // SnapshotsRetained defaults to 2 when DataDir is set.
    SnapshotsRetained int

    // ApplyTimeout bounds each replicated append. Zero means 5s.
    ApplyTimeout time.Duration

    // Raft tuning (optional). Zero means library defaults.
    HeartbeatTimeout time.Duration
    ElectionTimeout  time.Duration

    // Logger is optional. If nil, log.Default() is used.
    Logger *log.Logger
}
