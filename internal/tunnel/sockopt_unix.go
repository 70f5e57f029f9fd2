//go:build unix

package tunnel

import (
	"net"

	"golang.org/x/sys/unix"
)

// setSocketBuffers sets SO_RCVBUF and SO_SNDBUF on conn.
func setSocketBuffers(conn *net.UDPConn, size int) error {
	raw, err := conn.SyscallConn()
	if err != nil {
		return err
	}

	var opErr error
	err = raw.Control(func(fd uintptr) {
		if opErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_RCVBUF, size); opErr != nil {
			return
		}
		opErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_SNDBUF, size)
	})
	if err != nil {
		return err
	}
	return opErr
}
