package presence

import (
    "context"
    "time"
)

// ReplicaInfo describes a peer replica as observed by the presence layer.
// Meta carries auxiliary data such as the replica's management address
// ("mgmt") and its document backend ("backend").
type ReplicaInfo struct {
    ID   string
    Addr string
    Meta map[string]string
}

type EventType string

const (
    // EventJoin indicates a replica joined or became visible.
    EventJoin EventType = "join"
    // EventLeave indicates a replica left or was marked unreachable.
    EventLeave EventType = "leave"
)

// Event is the translated presence change notification.
type Event struct {
    Type    EventType
    Replica ReplicaInfo
    At      time.Time
}

// Presence is the abstraction over the underlying gossip/failure-detection
// layer. It answers which replicas share the queue document right now and
// delivers join/leave events as they happen.
type Presence interface {
    Start(ctx context.Context) error
    Join(seeds []string) error
    Local() ReplicaInfo
    Replicas() []ReplicaInfo
    Events() <-chan Event
    Leave() error
    Stop() error
}

// HealthReporter is an optional interface a Presence implementation may
// provide. Higher scores indicate degraded health; -1 means not started.
type HealthReporter interface {
    HealthScore() int
}
