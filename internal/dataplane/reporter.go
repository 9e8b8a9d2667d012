package dataplane

import (
	"encoding/binary"
	"fmt"
	"net"
)

// TupleType distinguishes a request tuple from a response tuple on the
// collector wire (spec.md §6).
type TupleType int32

const (
	TupleRequest  TupleType = 0
	TupleResponse TupleType = 1
)

// anomalyLatencyThresholdUs is the 500ms boundary in the admission policy
// (spec.md §4.F).
const anomalyLatencyThresholdUs = 500000

// Reporter emits request/response tuples to the UDP collector under an
// admission policy that caps steady-state volume, and optionally speaks
// the downstream TCP latency-report wire format for completeness (spec.md
// §4.F, §6). Grounded on the reference's reporter_t/send_report and the
// main loop's cnt/latency admission branch (http_proxy.cpp).
type Reporter struct {
	collectorFD int

	latencyHost string
	latencyPort int
	latencyOn   bool

	quota   int
	emitted int
}

// NewReporter dials the UDP collector endpoint. latencyHost empty disables
// the optional downstream latency-report emission.
func NewReporter(collectorAddr [4]byte, collectorPort int, latencyHost string, latencyPort int, quota int) (*Reporter, error) {
	fd, err := dialUDP(collectorAddr, collectorPort)
	if err != nil {
		return nil, err
	}
	return &Reporter{
		collectorFD: fd,
		latencyHost: latencyHost,
		latencyPort: latencyPort,
		latencyOn:   latencyHost != "",
		quota:       quota,
	}, nil
}

// Close releases the collector socket.
func (r *Reporter) Close() error {
	return closeSocket(r.collectorFD)
}

// shouldEmit implements spec.md §4.F's admission policy: unconditional for
// the first `quota` transactions, then anomaly-shaped only.
func (r *Reporter) shouldEmit(kind UpstreamKind, latencyUs int64) bool {
	if r.emitted < r.quota {
		return true
	}
	trustedSlow := kind == UpstreamTrusted && latencyUs >= anomalyLatencyThresholdUs
	sandboxFast := kind == UpstreamSandbox && latencyUs < anomalyLatencyThresholdUs
	return trustedSlow || sandboxFast
}

// EmitTransaction evaluates the admission policy for a completed
// transaction and, if admitted, emits both the request and response
// tuples (spec.md §4.F: "emit both tuples"). Round-trip latency is
// measured from the request being fully written upstream to the full
// response being received, i.e. the upstream's own turnaround time.
func (r *Reporter) EmitTransaction(t *Transaction) bool {
	latencyUs := t.TResponseDone - t.TUpstreamWriteDone
	if !r.shouldEmit(t.UpstreamKind, latencyUs) {
		return false
	}
	r.emitted++

	r.emitTuple(TupleRequest, t.ID, t.TRequestDone, t.ReqBuf)
	r.emitTuple(TupleResponse, t.ID, t.TResponseDone, t.ResBuf)

	if r.latencyOn {
		r.emitLatencyReport(t.ID, latencyUs, t.ReqBuf)
	}
	return true
}

// emitTuple packs and sends one collector datagram. EmitTransaction
// discards the returned error; it is not logged. The collector socket is
// non-blocking, so this method never blocks the loop.
func (r *Reporter) emitTuple(kind TupleType, id int64, timestampUs int64, payload []byte) error {
	buf := make([]byte, 20+len(payload))
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(payload)))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(kind))
	binary.LittleEndian.PutUint32(buf[8:12], uint32(id))
	binary.LittleEndian.PutUint64(buf[12:20], uint64(timestampUs))
	copy(buf[20:], payload)

	_, err := writeSocket(r.collectorFD, buf)
	return err
}

const latencyReportMetaSize = 128

// emitLatencyReport speaks the downstream TCP wire format from spec.md §6:
// a fixed 128-byte ASCII metadata block, the request payload, then a
// half-closed write side. This consumer remains out of scope; the proxy
// implements the protocol "for completeness" (spec.md §4.F).
func (r *Reporter) emitLatencyReport(id int64, latencyUs int64, payload []byte) error {
	fd, result, err := connectTCP(latencyAddrBytes(r.latencyHost), r.latencyPort)
	if err != nil {
		return err
	}
	defer closeSocket(fd)

	if result == ConnectInProgress {
		// Best-effort: connectCheck only detects a connect that has already
		// failed (a still-pending connect reports SO_ERROR 0 and ends this
		// loop at once); writeAllBlocking then retries until it completes.
		for i := 0; i < connectSpinAttempts; i++ {
			if connectCheck(fd) == nil {
				break
			}
		}
	}

	meta := formatLatencyMeta(id, latencyUs)
	if _, err := writeAllBlocking(fd, meta); err != nil {
		return err
	}
	if _, err := writeAllBlocking(fd, payload); err != nil {
		return err
	}
	return shutdownWrite(fd)
}

const connectSpinAttempts = 1000

// formatLatencyMeta builds the fixed 128-byte metadata block. The visible
// prefix follows the reference's "%32d; %64lld;" layout; the remainder is
// space-padded to the fixed 128-byte size the wire format specifies.
func formatLatencyMeta(id int64, latencyUs int64) []byte {
	prefix := fmt.Sprintf("%32d; %64d;", id, latencyUs)
	out := make([]byte, latencyReportMetaSize)
	for i := range out {
		out[i] = ' '
	}
	copy(out, prefix)
	return out
}

// writeAllBlocking retries non-blocking writes until buf is fully sent.
// The latency-report path is not registered with the poller (it's an
// optional, low-volume side channel), so a short retry loop here is
// simpler than threading it through the event loop's readiness machinery.
func writeAllBlocking(fd int, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := writeSocket(fd, buf[total:])
		if err == ErrWouldBlock {
			continue
		}
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

// latencyAddrBytes resolves a dotted-quad host string to its 4-byte form.
// The latency collector endpoint is configuration (always a literal IPv4
// address in this deployment model), so no DNS resolution is needed.
func latencyAddrBytes(host string) [4]byte {
	var addr [4]byte
	if ip := net.ParseIP(host).To4(); ip != nil {
		copy(addr[:], ip)
	}
	return addr
}
