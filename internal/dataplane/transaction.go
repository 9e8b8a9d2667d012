package dataplane

import (
	"bytes"
	"strconv"
)

// MaxMessage is the default bound on ReqBuf (see AppendRequest), matching
// the reference's MAX_MSG. ResBuf is not bounded: the stage machine appends
// every response chunk it reads.
const MaxMessage = 100000

// uniqueIDHeader is the literal header name the proxy scans for; this is
// intentionally not general HTTP parsing (spec.md §6).
var uniqueIDHeader = []byte("X-Unique-ID:")

var headerTerminator = []byte("\r\n\r\n")

// Stage is a transaction's position in the per-connection state machine
// (spec.md §4.C).
type Stage int

const (
	Accepting Stage = iota
	ReadingRequest
	Routing
	AwaitingResponse
	WritingResponse
	Done
)

func (s Stage) String() string {
	switch s {
	case Accepting:
		return "accepting"
	case ReadingRequest:
		return "reading-request"
	case Routing:
		return "routing"
	case AwaitingResponse:
		return "awaiting-response"
	case WritingResponse:
		return "writing-response"
	case Done:
		return "done"
	default:
		return "unknown"
	}
}

// UpstreamKind distinguishes a trusted replica from the sandbox endpoint.
type UpstreamKind int

const (
	UpstreamNone UpstreamKind = iota
	UpstreamTrusted
	UpstreamSandbox
)

// Transaction is per-in-flight-request state (spec.md §3). A zero value is
// not meaningful; the engine creates transactions only through an Arena so
// that handles stay generation-safe.
type Transaction struct {
	ID    int64 // -1 until the full request is parsed
	Stage Stage

	ClientFD   int
	UpstreamFD int // -1 when absent

	UpstreamKind    UpstreamKind
	ReplicaIndex    int // valid when UpstreamKind == UpstreamTrusted
	writeOffsetResp int // bytes of ResBuf already flushed to the client
	writeOffsetReq  int // bytes of ReqBuf already written to the upstream

	// clientRegistered/upstreamRegistered and their *PollEvents track each
	// descriptor's current poller registration, so the stage machine can
	// switch a fd's interest (e.g. client read → client write) with ModifyFD
	// instead of erroring on a duplicate RegisterFD call.
	clientRegistered   bool
	clientPollEvents   PollEvents
	upstreamRegistered bool
	upstreamPollEvents PollEvents

	ReqBuf []byte
	ResBuf []byte

	EnqueueSeq int64

	// maxMessage bounds AppendRequest; set by Arena.Alloc from the arena's
	// configured limit so WithMaxMessage (options.go) actually takes effect
	// instead of every transaction silently falling back to the package
	// default.
	maxMessage int

	TAccept            int64
	TRequestDone       int64
	TUpstreamWriteDone int64
	TResponseDone      int64
	TReplyDone         int64
}

func (t *Transaction) reset() {
	t.ID = -1
	t.Stage = Accepting
	t.ClientFD = -1
	t.UpstreamFD = -1
	t.UpstreamKind = UpstreamNone
	t.ReplicaIndex = -1
	t.writeOffsetResp = 0
	t.writeOffsetReq = 0
	t.clientRegistered = false
	t.clientPollEvents = 0
	t.upstreamRegistered = false
	t.upstreamPollEvents = 0
	t.ReqBuf = t.ReqBuf[:0]
	t.ResBuf = t.ResBuf[:0]
	t.EnqueueSeq = 0
	t.TAccept = 0
	t.TRequestDone = 0
	t.TUpstreamWriteDone = 0
	t.TResponseDone = 0
	t.TReplyDone = 0
}

// AppendRequest appends bytes to ReqBuf, failing once the configured message
// limit would be exceeded. Exactly that many bytes is accepted; one more is
// not. A zero t.maxMessage (a Transaction built outside an Arena) falls back
// to the package default.
func (t *Transaction) AppendRequest(b []byte) (int, error) {
	limit := t.maxMessage
	if limit == 0 {
		limit = MaxMessage
	}
	if len(t.ReqBuf)+len(b) > limit {
		return len(t.ReqBuf), ErrCapacityExceeded
	}
	t.ReqBuf = append(t.ReqBuf, b...)
	return len(t.ReqBuf), nil
}

// HeadersComplete reports whether ReqBuf's tail carries the CRLFCRLF
// terminator (spec.md §4.B).
func (t *Transaction) HeadersComplete() bool {
	return bytes.HasSuffix(t.ReqBuf, headerTerminator)
}

// ParseID scans ReqBuf for the literal "X-Unique-ID:" header and the
// decimal integer following it. Returns (id, true) on success.
func (t *Transaction) ParseID() (int64, bool) {
	return parseUniqueID(t.ReqBuf)
}

func parseUniqueID(buf []byte) (int64, bool) {
	idx := bytes.Index(buf, uniqueIDHeader)
	if idx < 0 {
		return 0, false
	}
	rest := buf[idx+len(uniqueIDHeader):]

	i := 0
	for i < len(rest) && (rest[i] == ' ' || rest[i] == '\t') {
		i++
	}
	start := i
	for i < len(rest) && rest[i] >= '0' && rest[i] <= '9' {
		i++
	}
	if i == start {
		return 0, false
	}
	id, err := strconv.ParseInt(string(rest[start:i]), 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}
