package dataplane

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestVerdictSet_MarkIsIdempotentOnFirstArrival(t *testing.T) {
	v := NewVerdictSet()

	v.Mark(7, 100, 1)
	assert.True(t, v.IsMarked(7))

	v.Mark(7, 200, 2) // a later duplicate must not overwrite arrival metadata
	assert.Equal(t, WarningMeta{ArrivalUs: 100, EnqueueSeq: 1}, v.malicious[7])
}

func TestVerdictSet_ClearRemovesEntry(t *testing.T) {
	v := NewVerdictSet()
	v.Mark(1, 0, 0)
	require.True(t, v.IsMarked(1))

	v.Clear(1)
	assert.False(t, v.IsMarked(1))
}

func TestVerdictSet_IsMarkedUnknownID(t *testing.T) {
	v := NewVerdictSet()
	assert.False(t, v.IsMarked(404))
}

func TestParseDecimalPrefix(t *testing.T) {
	cases := []struct {
		name   string
		in     string
		wantID int64
		wantOK bool
	}{
		{"plain", "12345", 12345, true},
		{"leadingWhitespace", "  42", 42, true},
		{"negative", "-7", -7, true},
		{"empty", "", 0, false},
		{"nonDigit", "abc", 0, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			id, ok := parseDecimalPrefix([]byte(tc.in))
			assert.Equal(t, tc.wantOK, ok)
			if tc.wantOK {
				assert.Equal(t, tc.wantID, id)
			}
		})
	}
}

func TestVerdictListener_AcceptAndParse(t *testing.T) {
	defer goleak.VerifyNone(t)

	poller := NewPoller()
	require.NoError(t, poller.Init())
	defer poller.Close()

	woke := make(chan struct{}, 1)
	wake, err := newWakeup(poller, func() {
		select {
		case woke <- struct{}{}:
		default:
		}
	})
	require.NoError(t, err)
	defer wake.Close()

	clock := func() int64 { return 42 }
	vl, err := NewVerdictListener("127.0.0.1", 0, wake, clock)
	require.NoError(t, err)
	defer vl.Close()

	go vl.Serve()

	conn, err := net.Dial("tcp", vl.Addr().String())
	require.NoError(t, err)
	_, err = conn.Write([]byte("555"))
	require.NoError(t, err)
	require.NoError(t, conn.Close())

	// The handler goroutine notifies wake and pushes onto the queue
	// concurrently with this test goroutine; drive the poller until the
	// wakeup callback fires, then drain.
	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, err := poller.PollIO(50); err != nil {
			t.Fatalf("PollIO: %v", err)
		}
		select {
		case <-woke:
			goto drained
		default:
		}
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for verdict wakeup")
		}
	}
drained:
	msgs := vl.Drain()
	require.Len(t, msgs, 1)
	assert.Equal(t, int64(555), msgs[0].id)
	assert.Equal(t, int64(42), msgs[0].arrivalUs)
}

func TestVerdictListener_MalformedMessageIsDropped(t *testing.T) {
	defer goleak.VerifyNone(t)

	poller := NewPoller()
	require.NoError(t, poller.Init())
	defer poller.Close()

	wake, err := newWakeup(poller, func() {})
	require.NoError(t, err)
	defer wake.Close()

	vl, err := NewVerdictListener("127.0.0.1", 0, wake, func() int64 { return 0 })
	require.NoError(t, err)
	defer vl.Close()

	go vl.Serve()

	conn, err := net.Dial("tcp", vl.Addr().String())
	require.NoError(t, err)
	_, err = conn.Write([]byte("not-a-number"))
	require.NoError(t, err)
	require.NoError(t, conn.Close())

	time.Sleep(100 * time.Millisecond)
	assert.Empty(t, vl.Drain())
}
