// Package endpoint implements the addressing model consumed by the RUDP
// connection layer: UDP (address, port) pairs, the local/external pairing
// used during rendezvous connect, and the contact record exchanged during
// bootstrap.
package endpoint

import (
	"fmt"
	"net"
)

// Endpoint is a UDP (IP address, port) pair.
//
//export RudpEndpoint
type Endpoint struct {
	IP   net.IP
	Port uint16
}

// Nil is the null endpoint, returned by lookups that fail to find a
// peer and rejected by IsValid.
var Nil = Endpoint{}

// New builds an Endpoint from an IP and port.
func New(ip net.IP, port uint16) Endpoint {
	return Endpoint{IP: ip, Port: port}
}

// FromUDPAddr converts a net.UDPAddr, the type the multiplexer's socket
// read loop hands back for every received datagram.
func FromUDPAddr(addr *net.UDPAddr) Endpoint {
	if addr == nil {
		return Nil
	}
	return Endpoint{IP: addr.IP, Port: uint16(addr.Port)}
}

// UDPAddr converts back to the stdlib type for dialing and writing.
func (e Endpoint) UDPAddr() *net.UDPAddr {
	return &net.UDPAddr{IP: e.IP, Port: int(e.Port)}
}

// Equal compares two endpoints for equality by IP and port.
func (e Endpoint) Equal(other Endpoint) bool {
	return e.Port == other.Port && e.IP.Equal(other.IP)
}

// String renders the endpoint as "ip:port".
func (e Endpoint) String() string {
	if e.IP == nil {
		return "<nil>:0"
	}
	return fmt.Sprintf("%s:%d", e.IP.String(), e.Port)
}

// IsValid rejects the null endpoint: a nil or unspecified address, or a
// zero port.
func IsValid(e Endpoint) bool {
	if e.Port == 0 {
		return false
	}
	if e.IP == nil || e.IP.IsUnspecified() {
		return false
	}
	return true
}

// IsPrivate reports whether the endpoint's address is RFC1918 private,
// loopback, or link-local — the set of addresses that endpoint revision
// (see manager.ConnectionManager's symmetric-NAT handling) must never
// rewrite a peer onto.
func IsPrivate(e Endpoint) bool {
	if e.IP == nil {
		return true
	}
	ip := e.IP
	return ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.IsPrivate()
}

// SameAddress reports whether two endpoints share an IP address,
// regardless of port — the comparison symmetric-NAT endpoint revision
// uses to match a socket by address alone.
func SameAddress(a, b Endpoint) bool {
	if a.IP == nil || b.IP == nil {
		return false
	}
	return a.IP.Equal(b.IP)
}

// Pair is (local, external): the local-network and externally-observed
// endpoints of a peer, used during rendezvous connect where NAT makes
// them differ.
//
//export RudpEndpointPair
type Pair struct {
	Local    Endpoint
	External Endpoint
}
