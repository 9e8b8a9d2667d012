//go:build darwin

package dataplane

import (
	"golang.org/x/sys/unix"
)

// KqueuePoller multiplexes readiness over kqueue, backed by the same shared
// descriptorTable (poller.go) as the Linux implementation — both platforms
// now grow their registration table identically, rather than the teacher's
// split strategy (a fixed 65536-entry array on Linux, a separately
// hand-rolled growable slice here). As with EpollPoller, Engine.tick is the
// only caller of every method below, so no lock guards the table.
type KqueuePoller struct {
	kq       int
	eventBuf [256]unix.Kevent_t
	table    descriptorTable
	closed   bool
}

func NewPoller() Poller { return &KqueuePoller{kq: -1} }

func (p *KqueuePoller) Init() error {
	if p.closed {
		return ErrPollerClosed
	}
	kq, err := unix.Kqueue()
	if err != nil {
		return err
	}
	unix.CloseOnExec(kq)
	p.kq = kq
	return nil
}

func (p *KqueuePoller) Close() error {
	p.closed = true
	if p.kq >= 0 {
		err := unix.Close(p.kq)
		p.kq = -1
		return err
	}
	return nil
}

func (p *KqueuePoller) RegisterFD(fd int, events PollEvents, cb PollCallback) error {
	if p.closed {
		return ErrPollerClosed
	}
	if err := p.table.register(fd, events, cb); err != nil {
		return err
	}

	if kevs := eventsToKevents(fd, events, unix.EV_ADD|unix.EV_ENABLE); len(kevs) > 0 {
		if _, err := unix.Kevent(p.kq, kevs, nil, nil); err != nil {
			p.table.rollback(fd)
			return err
		}
	}
	return nil
}

func (p *KqueuePoller) ModifyFD(fd int, events PollEvents) error {
	old, err := p.table.modify(fd, events)
	if err != nil {
		return err
	}

	if removed := old &^ events; removed != 0 {
		if kevs := eventsToKevents(fd, removed, unix.EV_DELETE); len(kevs) > 0 {
			unix.Kevent(p.kq, kevs, nil, nil)
		}
	}
	if added := events &^ old; added != 0 {
		if kevs := eventsToKevents(fd, added, unix.EV_ADD|unix.EV_ENABLE); len(kevs) > 0 {
			if _, err := unix.Kevent(p.kq, kevs, nil, nil); err != nil {
				return err
			}
		}
	}
	return nil
}

func (p *KqueuePoller) UnregisterFD(fd int) error {
	events, err := p.table.unregister(fd)
	if err != nil {
		return err
	}

	if kevs := eventsToKevents(fd, events, unix.EV_DELETE); len(kevs) > 0 {
		unix.Kevent(p.kq, kevs, nil, nil)
	}
	return nil
}

func (p *KqueuePoller) PollIO(timeoutMs int) (int, error) {
	if p.closed {
		return 0, ErrPollerClosed
	}

	var ts *unix.Timespec
	if timeoutMs >= 0 {
		ts = &unix.Timespec{
			Sec:  int64(timeoutMs / 1000),
			Nsec: int64((timeoutMs % 1000) * 1000000),
		}
	}

	n, err := unix.Kevent(p.kq, nil, p.eventBuf[:], ts)
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, err
	}

	p.dispatch(n)
	return n, nil
}

func (p *KqueuePoller) dispatch(n int) {
	for i := 0; i < n; i++ {
		fd := int(p.eventBuf[i].Ident)
		cb, ok := p.table.lookup(fd)
		if ok && cb != nil {
			cb(keventToEvents(&p.eventBuf[i]))
		}
	}
}

func eventsToKevents(fd int, events PollEvents, flags uint16) []unix.Kevent_t {
	var kevs []unix.Kevent_t
	if events&EventRead != 0 {
		kevs = append(kevs, unix.Kevent_t{Ident: uint64(fd), Filter: unix.EVFILT_READ, Flags: flags})
	}
	if events&EventWrite != 0 {
		kevs = append(kevs, unix.Kevent_t{Ident: uint64(fd), Filter: unix.EVFILT_WRITE, Flags: flags})
	}
	return kevs
}

func keventToEvents(kev *unix.Kevent_t) PollEvents {
	var events PollEvents
	switch kev.Filter {
	case unix.EVFILT_READ:
		events |= EventRead
	case unix.EVFILT_WRITE:
		events |= EventWrite
	}
	if kev.Flags&unix.EV_ERROR != 0 {
		events |= EventError
	}
	if kev.Flags&unix.EV_EOF != 0 {
		events |= EventHangup
	}
	return events
}
