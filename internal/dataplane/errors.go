// Package dataplane implements the proxy's single-threaded event loop: byte
// transport, transaction records, the frontend stage machine, the upstream
// pool, the verdict channel, and the reporter.
package dataplane

import (
	"errors"
	"fmt"
)

// Sentinel errors for the transport layer (component A). Callers distinguish
// these with errors.Is rather than string matching.
var (
	// ErrWouldBlock signals a non-blocking operation has no data/space
	// available right now; the caller defers and retries on the next tick.
	ErrWouldBlock = errors.New("dataplane: would block")
	// ErrEOF signals the peer closed its end of the connection in an
	// orderly way. Whether this is a normal terminator or a drop depends on
	// the caller's stage.
	ErrEOF = errors.New("dataplane: eof")
)

// FatalError wraps an unrecoverable transport error (ECONNRESET, EPIPE, and
// similar). The transaction owning the descriptor is dropped; both
// descriptors are closed.
type FatalError struct {
	Op    string
	Cause error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("dataplane: fatal transport error during %s: %v", e.Op, e.Cause)
}

func (e *FatalError) Unwrap() error { return e.Cause }

// ParseError reports a malformed or over-budget request: either the header
// terminator never arrived within MaxMessage bytes, or no usable id could be
// extracted. The transaction is dropped before any upstream contact is made.
type ParseError struct {
	Reason string
}

func (e *ParseError) Error() string { return "dataplane: parse failure: " + e.Reason }

// ErrCapacityExceeded is a specific ParseError reason: req_buf would exceed
// MaxMessage bytes without observing the CRLFCRLF terminator.
var ErrCapacityExceeded = &ParseError{Reason: "request exceeds max message size"}

// UpstreamUnavailableError reports a failed connect to a trusted replica or
// the sandbox. Per spec.md §4.C, the reference behavior is indefinite retry:
// the transaction stays in Routing and the loop tries again next tick. This
// error type exists for logging/metrics; it is not propagated to the client.
type UpstreamUnavailableError struct {
	Endpoint string
	Cause    error
}

func (e *UpstreamUnavailableError) Error() string {
	return fmt.Sprintf("dataplane: upstream %s unavailable: %v", e.Endpoint, e.Cause)
}

func (e *UpstreamUnavailableError) Unwrap() error { return e.Cause }

// ErrVerdictMalformed signals a verdict connection that didn't carry a
// parseable decimal id within the filler cap. The connection is closed and
// the error is otherwise ignored (spec.md §7).
var ErrVerdictMalformed = errors.New("dataplane: malformed verdict message")

// ErrCycleInFlight signals a cycle() call arriving while another cycle is
// already coalescing; the caller should treat this as success, not failure
// (spec.md §7: "coalesced, not surfaced").
var ErrCycleInFlight = errors.New("dataplane: cycle already in flight")

// ErrArenaExhausted signals the transaction arena has no free slot. The
// caller should refuse the new accept rather than block the loop.
var ErrArenaExhausted = errors.New("dataplane: transaction arena exhausted")

// ErrStaleHandle signals a TxnHandle whose generation no longer matches the
// slot's current occupant — the transaction it referred to already
// completed and the slot was reused.
var ErrStaleHandle = errors.New("dataplane: stale transaction handle")

// Sentinel errors for the poller (component G's substrate).
var (
	// ErrPollerClosed signals an operation attempted after Close.
	ErrPollerClosed = errors.New("dataplane: poller closed")
	// ErrFDOutOfRange signals a descriptor outside the poller's indexable range.
	ErrFDOutOfRange = errors.New("dataplane: fd out of range")
	// ErrFDAlreadyRegistered signals RegisterFD called twice for the same fd
	// without an intervening UnregisterFD.
	ErrFDAlreadyRegistered = errors.New("dataplane: fd already registered")
	// ErrFDNotRegistered signals ModifyFD/UnregisterFD called for a fd with
	// no active registration.
	ErrFDNotRegistered = errors.New("dataplane: fd not registered")
)
