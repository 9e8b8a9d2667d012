//go:build linux

package dataplane

import (
	"golang.org/x/sys/unix"
)

// EpollPoller multiplexes readiness over epoll, backed by the shared
// descriptorTable (poller.go) for registration bookkeeping. Unlike the
// teacher's FastPoller — a general-purpose library safe for registration
// calls from arbitrary goroutines, and so built around an RWMutex plus an
// atomic version counter to detect mutation racing a syscall — this poller
// is only ever driven by Engine.tick, so no synchronization is needed at all:
// PollIO, dispatch, and every Register/Modify/Unregister call happen on the
// same goroutine in sequence.
type EpollPoller struct {
	epfd     int
	eventBuf [256]unix.EpollEvent
	table    descriptorTable
	closed   bool
}

func NewPoller() Poller { return &EpollPoller{epfd: -1} }

func (p *EpollPoller) Init() error {
	if p.closed {
		return ErrPollerClosed
	}
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return err
	}
	p.epfd = fd
	return nil
}

func (p *EpollPoller) Close() error {
	p.closed = true
	if p.epfd >= 0 {
		err := unix.Close(p.epfd)
		p.epfd = -1
		return err
	}
	return nil
}

func (p *EpollPoller) RegisterFD(fd int, events PollEvents, cb PollCallback) error {
	if p.closed {
		return ErrPollerClosed
	}
	if err := p.table.register(fd, events, cb); err != nil {
		return err
	}

	ev := unix.EpollEvent{Events: toEpollBits(events), Fd: int32(fd)}
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		p.table.rollback(fd)
		return err
	}
	return nil
}

func (p *EpollPoller) ModifyFD(fd int, events PollEvents) error {
	if _, err := p.table.modify(fd, events); err != nil {
		return err
	}

	ev := unix.EpollEvent{Events: toEpollBits(events), Fd: int32(fd)}
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_MOD, fd, &ev)
}

func (p *EpollPoller) UnregisterFD(fd int) error {
	if _, err := p.table.unregister(fd); err != nil {
		return err
	}
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil)
}

func (p *EpollPoller) PollIO(timeoutMs int) (int, error) {
	if p.closed {
		return 0, ErrPollerClosed
	}

	n, err := unix.EpollWait(p.epfd, p.eventBuf[:], timeoutMs)
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, err
	}

	p.dispatch(n)
	return n, nil
}

func (p *EpollPoller) dispatch(n int) {
	for i := 0; i < n; i++ {
		fd := int(p.eventBuf[i].Fd)
		cb, ok := p.table.lookup(fd)
		if ok && cb != nil {
			cb(fromEpollBits(p.eventBuf[i].Events))
		}
	}
}

func toEpollBits(events PollEvents) uint32 {
	var bits uint32
	if events&EventRead != 0 {
		bits |= unix.EPOLLIN
	}
	if events&EventWrite != 0 {
		bits |= unix.EPOLLOUT
	}
	return bits
}

func fromEpollBits(bits uint32) PollEvents {
	var events PollEvents
	if bits&unix.EPOLLIN != 0 {
		events |= EventRead
	}
	if bits&unix.EPOLLOUT != 0 {
		events |= EventWrite
	}
	if bits&unix.EPOLLERR != 0 {
		events |= EventError
	}
	if bits&unix.EPOLLHUP != 0 {
		events |= EventHangup
	}
	return events
}
