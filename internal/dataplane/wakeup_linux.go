//go:build linux

package dataplane

import "golang.org/x/sys/unix"

// createWakeFD creates an eventfd, returned as both read and write ends.
func createWakeFD() (readFD, writeFD int, err error) {
	fd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		return -1, -1, err
	}
	return fd, fd, nil
}

func closeWakeFD(readFD, writeFD int) error {
	if readFD >= 0 {
		return unix.Close(readFD)
	}
	return nil
}
