package dataplane

import (
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

// ConnectResult reports the outcome of a non-blocking connect attempt.
type ConnectResult int

const (
	// ConnectInProgress means the connect has not resolved yet; the caller
	// must watch EventWrite on the descriptor and call connectCheck once it
	// fires.
	ConnectInProgress ConnectResult = iota
	// ConnectEstablished means the connection completed immediately
	// (uncommon, but possible for loopback targets).
	ConnectEstablished
)

// listenTCP creates a non-blocking, listening TCP socket bound to addr:port.
func listenTCP(addr [4]byte, port int) (int, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, err
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return -1, err
	}
	sa := &unix.SockaddrInet4{Port: port, Addr: addr}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return -1, err
	}
	if err := unix.Listen(fd, 128); err != nil {
		unix.Close(fd)
		return -1, err
	}
	return fd, nil
}

// acceptTCP accepts one pending connection from a listening socket. It
// returns ErrWouldBlock when nothing is pending.
func acceptTCP(listenFD int) (int, error) {
	connFD, _, err := unix.Accept4(listenFD, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
	if err != nil {
		if err == unix.EAGAIN {
			return -1, ErrWouldBlock
		}
		return -1, &FatalError{Op: "accept", Cause: err}
	}
	return connFD, nil
}

// connectTCP starts a non-blocking connect to addr:port, returning the new
// descriptor and whether it completed immediately.
func connectTCP(addr [4]byte, port int) (int, ConnectResult, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, 0, err
	}
	sa := &unix.SockaddrInet4{Port: port, Addr: addr}
	err = unix.Connect(fd, sa)
	if err == nil {
		return fd, ConnectEstablished, nil
	}
	if err == unix.EINPROGRESS {
		return fd, ConnectInProgress, nil
	}
	unix.Close(fd)
	return -1, 0, &UpstreamUnavailableError{Cause: err}
}

// connectCheck resolves a previously-EINPROGRESS connect once the
// descriptor reports writable. A non-zero SO_ERROR means the connect
// failed.
func connectCheck(fd int) error {
	errno, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return err
	}
	if errno != 0 {
		return unix.Errno(errno)
	}
	return nil
}

// readSocket performs one non-blocking read. It returns (n, nil) for a
// successful read, (0, ErrWouldBlock) if nothing is available, (0, ErrEOF)
// on an orderly close, or a *FatalError for anything else.
func readSocket(fd int, buf []byte) (int, error) {
	n, err := unix.Read(fd, buf)
	if err != nil {
		if err == unix.EAGAIN {
			return 0, ErrWouldBlock
		}
		return 0, &FatalError{Op: "read", Cause: err}
	}
	if n == 0 {
		return 0, ErrEOF
	}
	return n, nil
}

// writeSocket performs one non-blocking write, returning the number of
// bytes accepted by the kernel buffer. Partial writes are normal; the
// caller tracks how much of its buffer remains.
func writeSocket(fd int, buf []byte) (int, error) {
	n, err := unix.Write(fd, buf)
	if err != nil {
		if err == unix.EAGAIN {
			return 0, ErrWouldBlock
		}
		return 0, &FatalError{Op: "write", Cause: err}
	}
	return n, nil
}

// shutdownWrite half-closes the write side of a socket, used by the
// latency-report emitter to signal end-of-payload without closing the
// read side (spec.md §6).
func shutdownWrite(fd int) error {
	return unix.Shutdown(fd, unix.SHUT_WR)
}

// closeSocket closes a descriptor, ignoring EBADF (already closed).
func closeSocket(fd int) error {
	if fd < 0 {
		return nil
	}
	err := unix.Close(fd)
	if err == unix.EBADF {
		return nil
	}
	return err
}

// boundTCPAddr reads back the address a socket (typically bound with port 0)
// was actually assigned, via getsockname.
func boundTCPAddr(fd int) (net.Addr, error) {
	sa, err := unix.Getsockname(fd)
	if err != nil {
		return nil, err
	}
	in4, ok := sa.(*unix.SockaddrInet4)
	if !ok {
		return nil, fmt.Errorf("dataplane: unexpected sockaddr type %T", sa)
	}
	return &net.TCPAddr{IP: net.IP(in4.Addr[:]), Port: in4.Port}, nil
}

// listenUDP creates a non-blocking UDP socket bound to addr:port, the
// receiving counterpart of dialUDP. The verdict channel is TCP and does not
// use it.
func listenUDP(addr [4]byte, port int) (int, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, err
	}
	sa := &unix.SockaddrInet4{Port: port, Addr: addr}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return -1, err
	}
	return fd, nil
}

// dialUDP creates a UDP socket connected to addr:port so subsequent writes
// can use plain write(2) instead of sendto, matching the reporter's
// fire-and-forget tuple emission (spec.md §4.F).
func dialUDP(addr [4]byte, port int) (int, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, err
	}
	sa := &unix.SockaddrInet4{Port: port, Addr: addr}
	if err := unix.Connect(fd, sa); err != nil {
		unix.Close(fd)
		return -1, err
	}
	return fd, nil
}
