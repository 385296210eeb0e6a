package document

import "context"

// Record is one stored entry of the queue document. Seq is assigned by the
// backend at append time and is strictly increasing in local observation
// order; Data is the opaque storable representation produced by the entry
// codec.
type Record struct {
    Seq  uint64 `json:"seq"`
    Data []byte `json:"data"`
}

// Document abstracts the replicated queue document. Replication and merge
// are the backend's concern; the protocol layer only relies on the contract
// below.
//
// The document is append-only from the protocol's point of view: no record is
// ever removed. Multi-record appends are atomic: an observer either sees all
// records of one Append or none of them.
type Document interface {
    // Append commits the given records as a single atomic change.
    Append(ctx context.Context, records ...[]byte) error

    // ReadAll returns a consistent ordered snapshot at call time.
    ReadAll(ctx context.Context) ([]Record, error)

    // OnChange registers fn to be invoked after the document content changed.
    // Notifications deliver state, not discrete events: fn may fire once for
    // several appends, or spuriously. The returned func unsubscribes.
    OnChange(fn func()) (unsubscribe func())
}
