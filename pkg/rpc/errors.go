package rpc

import "errors"

// Remote error codes carried inside failure response entries. Codes are
// machine-matchable; messages are for humans. The set is extensible: unknown
// codes still surface as *Error on the caller side.
const (
    CodeNotFound    = "NOT_FOUND"
    CodeBadInput    = "BAD_INPUT"
    CodeApplication = "APPLICATION_ERROR"
)

// Error is a remote-originating failure, re-raised at the client boundary
// from a failure response entry.
type Error struct {
    Code    string
    Message string
}

func (e *Error) Error() string { return e.Code + ": " + e.Message }

// Local errors. These never enter the queue document.
var (
    ErrCanceled     = errors.New("rpc: call canceled")
    ErrClientClosed = errors.New("rpc: client closed")
    ErrDuplicateID  = errors.New("rpc: call id already pending")
)
