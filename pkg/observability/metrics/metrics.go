package metrics

import (
    "sync"

    "github.com/prometheus/client_golang/prometheus"
)

var (
    once sync.Once

    CallsDispatched = prometheus.NewCounterVec(prometheus.CounterOpts{
        Namespace: "trpc_crdt",
        Name:      "calls_dispatched_total",
        Help:      "Total call entries dispatched, by outcome code (ok on success)",
    }, []string{"code"})

    HandlerDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
        Namespace: "trpc_crdt",
        Name:      "handler_duration_seconds",
        Help:      "Wall time of procedure handlers",
        Buckets:   prometheus.DefBuckets,
    })

    PendingCalls = prometheus.NewGauge(prometheus.GaugeOpts{
        Namespace: "trpc_crdt",
        Name:      "pending_calls",
        Help:      "Calls issued and not yet settled on this client",
    })

    CallsIssued = prometheus.NewCounter(prometheus.CounterOpts{
        Namespace: "trpc_crdt",
        Name:      "calls_issued_total",
        Help:      "Total calls issued by this client",
    })

    BatchSize = prometheus.NewHistogram(prometheus.HistogramOpts{
        Namespace: "trpc_crdt",
        Name:      "batch_size",
        Help:      "Number of call entries committed per batch",
        Buckets:   []float64{1, 2, 3, 5, 8, 13, 21},
    })

    DecodeErrors = prometheus.NewCounter(prometheus.CounterOpts{
        Namespace: "trpc_crdt",
        Name:      "decode_errors_total",
        Help:      "Records skipped because they failed to decode",
    })

    DocumentRecords = prometheus.NewGauge(prometheus.GaugeOpts{
        Namespace: "trpc_crdt",
        Name:      "document_records",
        Help:      "Records in the queue document as last observed",
    })

    GRPCConnDials = prometheus.NewCounter(prometheus.CounterOpts{
        Namespace: "trpc_crdt",
        Subsystem: "grpc_conn",
        Name:      "dials_total",
        Help:      "Total number of new gRPC connections dialed",
    })
    GRPCConnReuse = prometheus.NewCounter(prometheus.CounterOpts{
        Namespace: "trpc_crdt",
        Subsystem: "grpc_conn",
        Name:      "reuse_total",
        Help:      "Total number of gRPC connection reuses from cache",
    })
    GRPCConnEvictions = prometheus.NewCounter(prometheus.CounterOpts{
        Namespace: "trpc_crdt",
        Subsystem: "grpc_conn",
        Name:      "evictions_total",
        Help:      "Total number of cached gRPC connections evicted",
    })
    GRPCConnActive = prometheus.NewGauge(prometheus.GaugeOpts{
        Namespace: "trpc_crdt",
        Subsystem: "grpc_conn",
        Name:      "active",
        Help:      "Number of active cached gRPC connections",
    })
)

// Register registers metrics into the default Prometheus registry (idempotent).
func Register() {
    once.Do(func() {
        prometheus.MustRegister(CallsDispatched)
        prometheus.MustRegister(HandlerDuration)
        prometheus.MustRegister(PendingCalls)
        prometheus.MustRegister(CallsIssued)
        prometheus.MustRegister(BatchSize)
        prometheus.MustRegister(DecodeErrors)
        prometheus.MustRegister(DocumentRecords)
        prometheus.MustRegister(GRPCConnDials)
        prometheus.MustRegister(GRPCConnReuse)
        prometheus.MustRegister(GRPCConnEvictions)
        prometheus.MustRegister(GRPCConnActive)
    })
}
