// Package packet implements the wire format consumed by the Dispatcher:
// every datagram begins with a destination socket id, and an id of zero
// marks an unbound handshake packet carrying the peer's node id and
// public key.
//
// This package is a narrow codec, not a protocol: it decodes just enough
// of a datagram to route it, and leaves the reliable-delivery payload
// opaque. The wire details (field order, lengths) are internal to this
// module and have no compatibility requirement with any other RUDP
// implementation.
package packet

import (
	"encoding/binary"
	"errors"

	"github.com/opd-ai/rudpcore/crypto"
	"github.com/opd-ai/rudpcore/endpoint"
)

// ErrTooShort is returned when a buffer is too small to contain a valid
// header for the type being decoded.
var ErrTooShort = errors.New("packet: buffer too short")

// socketIDSize is the width of the destination socket id header that
// begins every datagram.
const socketIDSize = 4

// Packet is a datagram already bound to a socket: everything after the
// destination socket id header is opaque payload handed to that socket.
//
//export RudpPacket
type Packet struct {
	DestinationSocketID uint32
	Payload             []byte
}

// DecodeDestinationSocketID reads just the routing header of a datagram
// without touching the rest of the buffer. This is the first thing the
// Dispatcher does with every received datagram.
func DecodeDestinationSocketID(buf []byte) (uint32, error) {
	if len(buf) < socketIDSize {
		return 0, ErrTooShort
	}
	return binary.BigEndian.Uint32(buf[:socketIDSize]), nil
}

// Decode splits a datagram into its socket id and payload.
func Decode(buf []byte) (Packet, error) {
	id, err := DecodeDestinationSocketID(buf)
	if err != nil {
		return Packet{}, err
	}
	payload := make([]byte, len(buf)-socketIDSize)
	copy(payload, buf[socketIDSize:])
	return Packet{DestinationSocketID: id, Payload: payload}, nil
}

// Encode serializes a Packet back to wire format.
func Encode(p Packet) []byte {
	out := make([]byte, socketIDSize+len(p.Payload))
	binary.BigEndian.PutUint32(out[:socketIDSize], p.DestinationSocketID)
	copy(out[socketIDSize:], p.Payload)
	return out
}

// ConnectionReason is carried by a HandshakePacket to tell the receiver
// why the handshake is happening.
type ConnectionReason uint8

const (
	// ReasonNormal is an ordinary connect attempt, bound for the normal
	// connection states.
	ReasonNormal ConnectionReason = iota
	// ReasonBootstrapAndDrop is a one-shot bootstrap handshake; the
	// connection is torn down immediately after it succeeds.
	ReasonBootstrapAndDrop
	// ReasonNATDetection probes an endpoint to determine whether the
	// local NAT is symmetric.
	ReasonNATDetection
	// ReasonPing is a one-shot liveness check.
	ReasonPing
)

// String renders the reason for logging.
func (r ConnectionReason) String() string {
	switch r {
	case ReasonNormal:
		return "normal"
	case ReasonBootstrapAndDrop:
		return "bootstrap-and-drop"
	case ReasonNATDetection:
		return "nat-detection"
	case ReasonPing:
		return "ping"
	default:
		return "unknown"
	}
}

// handshakeHeaderSize is the fixed-width portion of a HandshakePacket:
// destination socket id (always 0, 4 bytes) + node id (32) + public key
// (32) + reason (1) + nat-detection endpoint marker (1) + port (2).
const handshakeHeaderSize = 4 + crypto.NodeIDSize + 32 + 1 + 1 + 2

// HandshakePacket is the unbound packet exchanged before a Connection has
// a destination socket id: it carries the sender's identity and the
// reason for the handshake.
//
//export RudpHandshakePacket
type HandshakePacket struct {
	NodeID                    crypto.NodeID
	PublicKey                 [32]byte
	ConnectionReason          ConnectionReason
	RemoteNATDetectionAddress []byte // IPv4 or IPv6, nil if none advertised
	RemoteNATDetectionPort    uint16
	// NoisePayload carries one message of the socket package's Noise IK
	// session, nil when the sender has no peer static key to bootstrap
	// one from (or the reply to a peer that never started one).
	NoisePayload []byte
}

// RemoteNATDetectionEndpoint reconstructs the advertised NAT-detection
// endpoint, or the null endpoint if none was carried.
func (h HandshakePacket) RemoteNATDetectionEndpoint() endpoint.Endpoint {
	if len(h.RemoteNATDetectionAddress) == 0 {
		return endpoint.Nil
	}
	return endpoint.New(h.RemoteNATDetectionAddress, h.RemoteNATDetectionPort)
}

// EncodeHandshake serializes a HandshakePacket. The destination socket id
// is always 0: a handshake is by definition unbound. NoisePayload trails
// the fixed fields behind its own 2-byte length prefix, since an IK
// message is at most on the order of a hundred bytes but has no fixed
// width across handshake steps.
func EncodeHandshake(h HandshakePacket) []byte {
	addrLen := len(h.RemoteNATDetectionAddress)
	if addrLen > 16 {
		addrLen = 16
	}
	noiseLen := len(h.NoisePayload)
	out := make([]byte, handshakeHeaderSize+addrLen+2+noiseLen)

	binary.BigEndian.PutUint32(out[0:4], 0)
	copy(out[4:4+crypto.NodeIDSize], h.NodeID[:])
	off := 4 + crypto.NodeIDSize
	copy(out[off:off+32], h.PublicKey[:])
	off += 32
	out[off] = byte(h.ConnectionReason)
	off++
	out[off] = byte(addrLen)
	off++
	binary.BigEndian.PutUint16(out[off:off+2], h.RemoteNATDetectionPort)
	off += 2
	copy(out[off:off+addrLen], h.RemoteNATDetectionAddress[:addrLen])
	off += addrLen
	binary.BigEndian.PutUint16(out[off:off+2], uint16(noiseLen))
	off += 2
	copy(out[off:], h.NoisePayload)

	return out
}

// DecodeHandshake parses a HandshakePacket. It returns an error on any
// malformed or undersized buffer; callers must drop the datagram rather
// than propagate the error, per this layer's decoding-error policy.
func DecodeHandshake(buf []byte) (HandshakePacket, error) {
	if len(buf) < handshakeHeaderSize {
		return HandshakePacket{}, ErrTooShort
	}

	var h HandshakePacket
	off := 4
	copy(h.NodeID[:], buf[off:off+crypto.NodeIDSize])
	off += crypto.NodeIDSize
	copy(h.PublicKey[:], buf[off:off+32])
	off += 32
	h.ConnectionReason = ConnectionReason(buf[off])
	off++
	addrLen := int(buf[off])
	off++
	h.RemoteNATDetectionPort = binary.BigEndian.Uint16(buf[off : off+2])
	off += 2

	if addrLen > 0 {
		if len(buf) < off+addrLen {
			return HandshakePacket{}, ErrTooShort
		}
		h.RemoteNATDetectionAddress = make([]byte, addrLen)
		copy(h.RemoteNATDetectionAddress, buf[off:off+addrLen])
	}
	off += addrLen

	if len(buf) < off+2 {
		return HandshakePacket{}, ErrTooShort
	}
	noiseLen := int(binary.BigEndian.Uint16(buf[off : off+2]))
	off += 2
	if noiseLen > 0 {
		if len(buf) < off+noiseLen {
			return HandshakePacket{}, ErrTooShort
		}
		h.NoisePayload = make([]byte, noiseLen)
		copy(h.NoisePayload, buf[off:off+noiseLen])
	}

	return h, nil
}
