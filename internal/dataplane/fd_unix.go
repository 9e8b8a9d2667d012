//go:build linux || darwin

package dataplane

import (
	"golang.org/x/sys/unix"
)

// readFD performs a single non-blocking read.
func readFD(fd int, buf []byte) (int, error) {
	return unix.Read(fd, buf)
}

// writeFD performs a single non-blocking write.
func writeFD(fd int, buf []byte) (int, error) {
	return unix.Write(fd, buf)
}
