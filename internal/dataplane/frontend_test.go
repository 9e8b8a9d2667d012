package dataplane

import (
	"net"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

// newTestEngine builds an Engine with every listener on an ephemeral port
// and a fakeSupervisor backing the replica pool, so stage-machine tests can
// drive real (but fully loopback, test-owned) descriptors without spawning
// any external process.
func newTestEngine(t *testing.T, replicaPorts []int) *Engine {
	t.Helper()

	collectorRx, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0})
	require.NoError(t, err)
	t.Cleanup(func() { collectorRx.Close() })
	collectorPort := collectorRx.LocalAddr().(*net.UDPAddr).Port

	e, err := NewEngine(
		WithFrontend([4]byte{127, 0, 0, 1}, 0),
		WithVerdictChannel([4]byte{127, 0, 0, 1}, 0),
		WithReplicaPorts(replicaPorts),
		WithSandbox([4]byte{127, 0, 0, 1}, 0),
		WithCollector([4]byte{127, 0, 0, 1}, collectorPort),
		WithLatencyCollector([4]byte{}, 0),
		WithArenaCapacity(16),
		WithWorkerSupervisor(newFakeSupervisor()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })
	return e
}

func fdPair(t *testing.T) (a, b int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK, 0)
	require.NoError(t, err)
	return fds[0], fds[1]
}

func TestStepReadingRequest_WaitsOnPartialHeaders(t *testing.T) {
	e := newTestEngine(t, nil)
	h, txn, err := e.arena.Alloc()
	require.NoError(t, err)

	client, peer := fdPair(t)
	defer unix.Close(peer)
	txn.ClientFD = client
	txn.Stage = ReadingRequest

	_, werr := unix.Write(peer, []byte("GET / HTTP/1.1\r\n"))
	require.NoError(t, werr)

	cont := e.stepReadingRequest(h, txn)
	assert.True(t, cont, "partial but non-blocking read keeps advancing the outer loop")
	assert.Equal(t, ReadingRequest, txn.Stage)

	cont = e.stepReadingRequest(h, txn)
	assert.False(t, cont, "no more data available; must stop and wait for readiness")
}

func TestStepReadingRequest_CompletesAndParsesID(t *testing.T) {
	e := newTestEngine(t, nil)
	h, txn, err := e.arena.Alloc()
	require.NoError(t, err)

	client, peer := fdPair(t)
	defer unix.Close(peer)
	txn.ClientFD = client
	txn.Stage = ReadingRequest

	req := "GET / HTTP/1.1\r\nX-Unique-ID: 777\r\n\r\n"
	_, werr := unix.Write(peer, []byte(req))
	require.NoError(t, werr)

	cont := e.stepReadingRequest(h, txn)
	assert.True(t, cont)
	assert.Equal(t, Routing, txn.Stage)
	assert.Equal(t, int64(777), txn.ID)
}

func TestStepReadingRequest_DropsOnEOF(t *testing.T) {
	e := newTestEngine(t, nil)
	h, txn, err := e.arena.Alloc()
	require.NoError(t, err)

	client, peer := fdPair(t)
	txn.ClientFD = client
	require.NoError(t, unix.Close(peer)) // orderly close before any data

	cont := e.stepReadingRequest(h, txn)
	assert.False(t, cont)
	assert.Equal(t, Done, txn.Stage)

	_, getErr := e.arena.Get(h)
	assert.ErrorIs(t, getErr, ErrStaleHandle, "dropTransaction must free the slot immediately")
}

func TestRouteDecision_SandboxWhenMarked(t *testing.T) {
	e := newTestEngine(t, []int{8881})
	e.verdicts.Mark(99, 0, 0)

	txn := &Transaction{ID: 99}
	e.routeDecision(txn)

	assert.Equal(t, UpstreamSandbox, txn.UpstreamKind)
	assert.Equal(t, -1, txn.ReplicaIndex)
}

func TestRouteDecision_TrustedWhenUnmarked(t *testing.T) {
	e := newTestEngine(t, []int{8881, 8882})

	txn := &Transaction{ID: 1}
	e.routeDecision(txn)

	assert.Equal(t, UpstreamTrusted, txn.UpstreamKind)
	assert.Equal(t, 0, txn.ReplicaIndex)
}

func TestDemote_SwitchesToSandboxAndReenqueues(t *testing.T) {
	e := newTestEngine(t, []int{8881})
	h, txn, err := e.arena.Alloc()
	require.NoError(t, err)

	client, upstream := fdPair(t)
	defer unix.Close(client)
	txn.ClientFD = client
	txn.UpstreamFD = upstream
	txn.Stage = AwaitingResponse
	txn.UpstreamKind = UpstreamTrusted

	e.demote(h, txn)

	assert.Equal(t, Routing, txn.Stage)
	assert.Equal(t, UpstreamSandbox, txn.UpstreamKind)
	assert.Equal(t, -1, txn.UpstreamFD, "demote must close the trusted upstream descriptor")
	assert.Len(t, e.ready, 1)
	assert.Equal(t, h, e.ready[0])
}

func TestDemote_NoopWhenNotAwaitingResponse(t *testing.T) {
	e := newTestEngine(t, []int{8881})
	h, txn, err := e.arena.Alloc()
	require.NoError(t, err)
	txn.Stage = Routing

	e.demote(h, txn)

	assert.Equal(t, Routing, txn.Stage)
	assert.Empty(t, e.ready)
}

func TestDropTransaction_ReleasesDescriptorsAndMetrics(t *testing.T) {
	e := newTestEngine(t, nil)
	h, txn, err := e.arena.Alloc()
	require.NoError(t, err)

	client, peer := fdPair(t)
	defer unix.Close(peer)
	upstream, upstreamPeer := fdPair(t)
	defer unix.Close(upstreamPeer)
	txn.ClientFD = client
	txn.UpstreamFD = upstream
	txn.ID = 5
	e.verdicts.Mark(5, 0, 0)

	e.dropTransaction(h, txn, ErrEOF)

	assert.Equal(t, -1, txn.ClientFD)
	assert.Equal(t, -1, txn.UpstreamFD)
	assert.Equal(t, float64(1), testutil.ToFloat64(e.metrics.dropped))
	assert.False(t, e.verdicts.IsMarked(5))
	_, getErr := e.arena.Get(h)
	assert.ErrorIs(t, getErr, ErrStaleHandle)
}

func TestEnsureClientInterest_RegistersOnceThenModifies(t *testing.T) {
	e := newTestEngine(t, nil)
	_, txn, err := e.arena.Alloc()
	require.NoError(t, err)

	client, peer := fdPair(t)
	defer unix.Close(peer)
	defer unix.Close(client)
	txn.ClientFD = client

	require.NoError(t, e.ensureClientInterest(txn, EventRead, func(PollEvents) {}))
	assert.True(t, txn.clientRegistered)
	assert.Equal(t, EventRead, txn.clientPollEvents)

	require.NoError(t, e.ensureClientInterest(txn, EventWrite, func(PollEvents) {}))
	assert.Equal(t, EventWrite, txn.clientPollEvents)
}
