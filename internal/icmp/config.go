package icmp

import (
	"net/netip"
	"time"

	"github.com/postalsys/pwnat/internal/packet"
)

// DefaultInterval is how often the server re-sends its echo probe and the
// client re-sends its TTL-exceeded signal.
const DefaultInterval = 5 * time.Second

var (
	// DefaultEchoDestinationV4 is an address no host answers for. The server
	// probes it and clients claim their signal came from the path toward it.
	DefaultEchoDestinationV4 = netip.MustParseAddr("3.3.3.3")

	// DefaultEchoDestinationV6 is the IPv6 counterpart, from the
	// documentation prefix.
	DefaultEchoDestinationV6 = netip.MustParseAddr("2001:db8::3")
)

// DefaultEchoDestination returns the echo destination for family.
func DefaultEchoDestination(family packet.Family) netip.Addr {
	if family == packet.IPv6 {
		return DefaultEchoDestinationV6
	}
	return DefaultEchoDestinationV4
}

// MaxDatagram is the read buffer size for received ICMP datagrams.
const MaxDatagram = 1500
