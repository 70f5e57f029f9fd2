package packet

import (
	"encoding/binary"
	"fmt"
)

const (
	// FlowInitHeaderLen is the fixed part of a FlowInit: total size and
	// remote port.
	FlowInitHeaderLen = 4

	// MaxHostLen bounds the remote host name. It is the longest textual DNS
	// name plus slack for a bracketed IPv6 literal.
	MaxHostLen = 255

	// MaxFlowInitLen is the largest FlowInit a peer may declare.
	MaxFlowInitLen = FlowInitHeaderLen + MaxHostLen
)

// FlowInit tells the server which remote endpoint a tunnel is for.
type FlowInit struct {
	RemoteHost string
	RemotePort uint16
}

// BuildFlowInit encodes {size, remote_port, remote_host}. The host is not
// NUL-terminated.
func BuildFlowInit(remoteHost string, remotePort uint16) ([]byte, error) {
	if remoteHost == "" {
		return nil, ErrEmptyHost
	}
	if len(remoteHost) > MaxHostLen {
		return nil, fmt.Errorf("%w: %d bytes, max %d", ErrHostTooLong, len(remoteHost), MaxHostLen)
	}

	size := FlowInitHeaderLen + len(remoteHost)
	b := make([]byte, size)
	binary.BigEndian.PutUint16(b[0:2], uint16(size))
	binary.BigEndian.PutUint16(b[2:4], remotePort)
	copy(b[FlowInitHeaderLen:], remoteHost)
	return b, nil
}

// ParseFlowInit decodes a FlowInit from the head of buf.
//
// It returns n == 0 and a nil error while buf holds fewer bytes than the
// declared size; the caller keeps buffering and retries. On success n is the
// declared size, which the caller must consume; bytes after it belong to the
// stream. A declared size below the header or above MaxFlowInitLen is an error
// and nothing should be consumed.
func ParseFlowInit(buf []byte) (init FlowInit, n int, err error) {
	if len(buf) < FlowInitHeaderLen {
		return FlowInit{}, 0, nil
	}

	size := int(binary.BigEndian.Uint16(buf[0:2]))
	switch {
	case size <= FlowInitHeaderLen:
		return FlowInit{}, 0, fmt.Errorf("%w: declared size %d", ErrFlowInitMalformed, size)
	case size > MaxFlowInitLen:
		return FlowInit{}, 0, fmt.Errorf("%w: declared size %d, max %d", ErrFlowInitTooLarge, size, MaxFlowInitLen)
	case len(buf) < size:
		return FlowInit{}, 0, nil
	}

	return FlowInit{
		RemoteHost: string(buf[FlowInitHeaderLen:size]),
		RemotePort: binary.BigEndian.Uint16(buf[2:4]),
	}, size, nil
}
