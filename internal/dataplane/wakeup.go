package dataplane

import "sync/atomic"

// Wakeup lets a goroutine outside the event loop (verdict intake, per
// spec.md §5) interrupt a blocking PollIO call without the loop taking a
// lock on any of its own state. Notify is safe to call concurrently and
// coalesces: N calls before the loop drains produce at most one wake byte
// per fd-backed mechanism, but Drain always clears everything pending, so
// no wakeup is ever lost.
type Wakeup struct {
	readFD  int
	writeFD int
	pending atomic.Bool
}

// newWakeup creates the platform wake mechanism (eventfd on Linux, a
// non-blocking pipe on Darwin) and registers its read end with the poller.
func newWakeup(p Poller, onWake func()) (*Wakeup, error) {
	r, w, err := createWakeFD()
	if err != nil {
		return nil, err
	}
	wk := &Wakeup{readFD: r, writeFD: w}
	if err := p.RegisterFD(r, EventRead, func(PollEvents) {
		wk.Drain()
		onWake()
	}); err != nil {
		closeWakeFD(r, w)
		return nil, err
	}
	return wk, nil
}

// Notify wakes the loop out of a blocking poll. Best-effort: an EAGAIN from
// an already-full eventfd/pipe buffer is fine, since the loop only needs to
// observe readiness once per batch of notifications.
func (w *Wakeup) Notify() {
	if !w.pending.CompareAndSwap(false, true) {
		return
	}
	var buf [8]byte
	buf[0] = 1
	_, _ = writeFD(w.writeFD, buf[:])
}

// Drain consumes whatever is pending and resets the coalescing flag so a
// subsequent Notify will write again.
func (w *Wakeup) Drain() {
	w.pending.Store(false)
	var buf [64]byte
	for {
		n, err := readFD(w.readFD, buf[:])
		if n <= 0 || err != nil {
			return
		}
	}
}

// Close releases the underlying descriptors. The poller registration must
// already have been torn down by the caller.
func (w *Wakeup) Close() error {
	return closeWakeFD(w.readFD, w.writeFD)
}
