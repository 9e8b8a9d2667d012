//go:build darwin

package dataplane

import "syscall"

// createWakeFD creates a non-blocking self-pipe: Darwin has no eventfd.
func createWakeFD() (readFD, writeFD int, err error) {
	var fds [2]int
	if err := syscall.Pipe(fds[:]); err != nil {
		return -1, -1, err
	}
	syscall.CloseOnExec(fds[0])
	syscall.CloseOnExec(fds[1])
	if err := syscall.SetNonblock(fds[0], true); err != nil {
		syscall.Close(fds[0])
		syscall.Close(fds[1])
		return -1, -1, err
	}
	if err := syscall.SetNonblock(fds[1], true); err != nil {
		syscall.Close(fds[0])
		syscall.Close(fds[1])
		return -1, -1, err
	}
	return fds[0], fds[1], nil
}

func closeWakeFD(readFD, writeFD int) error {
	if readFD >= 0 {
		syscall.Close(readFD)
	}
	if writeFD >= 0 && writeFD != readFD {
		syscall.Close(writeFD)
	}
	return nil
}
