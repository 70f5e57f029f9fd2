//go:build !unix

package tunnel

import "net"

func setSocketBuffers(conn *net.UDPConn, size int) error {
	if err := conn.SetReadBuffer(size); err != nil {
		return err
	}
	return conn.SetWriteBuffer(size)
}
