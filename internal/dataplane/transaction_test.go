package dataplane

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTransaction_AppendRequest_CapacityExceeded(t *testing.T) {
	var txn Transaction
	txn.reset()

	_, err := txn.AppendRequest(make([]byte, MaxMessage))
	assert.NoError(t, err)

	_, err = txn.AppendRequest([]byte("x"))
	assert.ErrorIs(t, err, ErrCapacityExceeded)
}

func TestTransaction_HeadersComplete(t *testing.T) {
	var txn Transaction
	txn.reset()

	_, _ = txn.AppendRequest([]byte("GET / HTTP/1.1\r\nHost: x\r\n"))
	assert.False(t, txn.HeadersComplete())

	_, _ = txn.AppendRequest([]byte("\r\n"))
	assert.True(t, txn.HeadersComplete())
}

func TestTransaction_ParseID(t *testing.T) {
	cases := []struct {
		name    string
		req     string
		wantID  int64
		wantOK  bool
	}{
		{"present", "GET / HTTP/1.1\r\nX-Unique-ID: 12345\r\n\r\n", 12345, true},
		{"tabWhitespace", "X-Unique-ID:\t99\r\n\r\n", 99, true},
		{"absent", "GET / HTTP/1.1\r\n\r\n", 0, false},
		{"noDigits", "X-Unique-ID: \r\n\r\n", 0, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var txn Transaction
			txn.reset()
			_, _ = txn.AppendRequest([]byte(tc.req))

			id, ok := txn.ParseID()
			assert.Equal(t, tc.wantOK, ok)
			if tc.wantOK {
				assert.Equal(t, tc.wantID, id)
			}
		})
	}
}

func TestStage_String(t *testing.T) {
	assert.Equal(t, "routing", Routing.String())
	assert.Equal(t, "unknown", Stage(99).String())
}
