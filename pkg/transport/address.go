package transport

import (
	"net"
)

// PeerKey is a comparable identity for a remote endpoint, suitable as a
// map key. Two addresses with the same network and string form map to the
// same key.
type PeerKey string

// KeyOf returns the PeerKey for addr. A nil address maps to the empty key.
func KeyOf(addr net.Addr) PeerKey {
	if addr == nil {
		return ""
	}
	return PeerKey(addr.Network() + "|" + addr.String())
}

// UDPAddrFromString parses an address string into a UDP address.
func UDPAddrFromString(addr string) (net.Addr, error) {
	return net.ResolveUDPAddr("udp", addr)
}
