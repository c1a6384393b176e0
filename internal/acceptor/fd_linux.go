//go:build linux

package acceptor

import (
	"fmt"
	"net"
	"syscall"

	"golang.org/x/sys/unix"
)

// extractNonblockingFD dups the raw fd out of conn (grounded on the
// gaio-style dupconn pattern: SyscallConn().Control() + syscall.Dup,
// which avoids the os.File finalizer hazard of TCPConn.File()) and
// leaves the duplicate in non-blocking mode for registration with a
// selector thread's epoll instance. The original conn is closed: the
// dup is now the sole owner of the underlying socket.
func extractNonblockingFD(conn *net.TCPConn) (int, error) {
	raw, err := conn.SyscallConn()
	if err != nil {
		return -1, fmt.Errorf("acceptor: SyscallConn: %w", err)
	}

	var newFD int
	var dupErr error
	ctrlErr := raw.Control(func(fd uintptr) {
		newFD, dupErr = syscall.Dup(int(fd))
	})
	if ctrlErr != nil {
		return -1, fmt.Errorf("acceptor: Control: %w", ctrlErr)
	}
	if dupErr != nil {
		return -1, fmt.Errorf("acceptor: dup: %w", dupErr)
	}

	if err := syscall.SetNonblock(newFD, true); err != nil {
		unix.Close(newFD)
		return -1, fmt.Errorf("acceptor: set nonblock: %w", err)
	}

	conn.Close()
	return newFD, nil
}

// closeLingerZero fast-closes fd with SO_LINGER=0 so the kernel discards
// any unread buffers instead of lingering in TIME_WAIT.
func closeLingerZero(fd int) {
	unix.SetsockoptLinger(fd, unix.SOL_SOCKET, unix.SO_LINGER, &unix.Linger{Onoff: 1, Linger: 0})
	unix.Close(fd)
}
