package packet

import (
	"cmp"
	"fmt"
	"net/netip"
)

// ClientID identifies one client session on the server. Every field is
// recoverable from a received TTL-exceeded signal: the address from the
// datagram's sender and the other two from the embedded echo.
type ClientID struct {
	Address    netip.Addr
	FlowID     uint16
	ClientPort uint16
}

// Compare orders client ids lexicographically by address, flow id, then
// client port. It returns -1, 0 or +1.
func (c ClientID) Compare(other ClientID) int {
	if r := c.Address.Compare(other.Address); r != 0 {
		return r
	}
	if r := cmp.Compare(c.FlowID, other.FlowID); r != 0 {
		return r
	}
	return cmp.Compare(c.ClientPort, other.ClientPort)
}

// Less reports whether c sorts before other.
func (c ClientID) Less(other ClientID) bool {
	return c.Compare(other) < 0
}

// String formats the id as "address/flow:port".
func (c ClientID) String() string {
	return fmt.Sprintf("%s/%d:%d", c.Address, c.FlowID, c.ClientPort)
}
