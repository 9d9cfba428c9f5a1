// Package socket implements the external collaborator specified only at
// its interface by the connection layer above it: a congestion-controlled
// stream abstraction bound to a single peer. This package's Socket does
// not implement congestion control, ACKs, or retransmission — those are
// the concern of the reliable-delivery engine this module treats as out
// of scope. What it implements is the narrow contract the Connection and
// Dispatcher layers actually depend on: identity exchange via a
// HandshakePacket round-trip, and a place to deliver bound-channel bytes
// once that round-trip completes.
package socket

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/opd-ai/rudpcore/crypto"
	"github.com/opd-ai/rudpcore/endpoint"
	"github.com/opd-ai/rudpcore/packet"
	"github.com/sirupsen/logrus"
)

// ErrAlreadyHandshaking is returned by StartHandshake if called twice on
// the same socket.
var ErrAlreadyHandshaking = errors.New("socket: handshake already in progress")

// ErrClosed is returned by operations attempted on a closed socket.
var ErrClosed = errors.New("socket: closed")

// ErrHandshakeTimedOut is returned when a handshake reply does not arrive
// within the caller-supplied timeout.
var ErrHandshakeTimedOut = errors.New("socket: handshake timed out")

// Sender is the raw datagram transmission capability a Socket needs from
// its owning Multiplexer. It is narrower than the full Multiplexer
// interface so this package does not depend on it.
type Sender interface {
	SendTo(buf []byte, to endpoint.Endpoint) error
}

// Socket is owned by exactly one Connection and registered in a
// SocketRegistry under a non-zero id the moment it is created. The
// fields mirror the data-model contract: peer identity becomes known
// only once the handshake round-trip completes.
type Socket interface {
	// ID returns the registry id assigned to this socket, or 0 if unregistered.
	ID() uint32
	// SetID records the id assigned by SocketRegistry.Add.
	SetID(id uint32)

	ThisEndpoint() endpoint.Endpoint
	PeerEndpoint() endpoint.Endpoint
	PeerNodeID() crypto.NodeID
	PeerPublicKey() [32]byte
	RemoteNATDetectionEndpoint() endpoint.Endpoint
	// PeerGuessedPort is the port originally advertised by the peer before
	// symmetric-NAT endpoint revision rewrote PeerEndpoint's port.
	PeerGuessedPort() uint16

	IsConnected() bool
	// UpdatePeerEndpoint is called by the Dispatcher's endpoint-revision
	// path when a handshake reply arrives from an address that matches
	// this socket's peer address but not its exact endpoint.
	UpdatePeerEndpoint(ep endpoint.Endpoint)

	// SetExpectedPeerPublicKey records the peer's static key when the
	// caller already knows it (a bootstrap Contact, or Ping/Connect's
	// publicKey argument). StartHandshake uses it to run the Noise IK
	// session as the initiator; without it, StartHandshake falls back to
	// a plaintext-only identity exchange, since IK's initiator role
	// cannot proceed without the peer's static key.
	SetExpectedPeerPublicKey(pub [32]byte)

	// StartHandshake sends the outbound HandshakePacket and blocks the
	// calling goroutine (expected to be a goroutine of its own, not the
	// strand) until a reply arrives, the timeout elapses, or the socket
	// is closed. It is the Socket-side implementation of "starts
	// handshake via Socket" from the connection lifecycle.
	StartHandshake(reason packet.ConnectionReason, timeout time.Duration) error

	// DeliverHandshakeReply is called by ConnectionManager's routing
	// (manager.Route) when an inbound HandshakePacket is matched to this socket,
	// either by exact peer-endpoint match or by symmetric-NAT revision.
	DeliverHandshakeReply(hs packet.HandshakePacket, from endpoint.Endpoint) error

	// CompleteInboundHandshake answers an unsolicited HandshakePacket:
	// it adopts the sender's identity directly from peer (already known,
	// unlike the initiator side which must wait for a reply) and sends
	// one HandshakePacket of its own back to replyTo without blocking.
	// This is the responder half of the handshake exchange; the
	// initiator's StartHandshake on the other end is what this unblocks.
	CompleteInboundHandshake(peer packet.HandshakePacket, replyTo endpoint.Endpoint) error

	// OnPacket delivers a bound-channel payload (destination socket id
	// equal to this socket's id) received after the handshake completes.
	OnPacket(buf []byte) error

	// StartSending hands a message to the underlying delivery engine.
	// This layer's responsibility ends at forwarding; reliability and
	// framing belong to the engine behind this interface.
	StartSending(message []byte, onSent func(error))

	Close() error
}

// basicSocket is a minimal, real implementation of Socket: it runs the
// HandshakePacket round-trip described by the dispatch spec, carrying a
// Noise IK session (handshake.go) inside it whenever the caller already
// knows the peer's static key. It does not implement retransmission or
// congestion control.
type basicSocket struct {
	mu sync.Mutex

	id uint32

	thisEndpoint endpoint.Endpoint
	thisNodeID   crypto.NodeID
	thisPriv     [32]byte
	thisPub      [32]byte

	peerEndpoint     endpoint.Endpoint
	peerGuessedPort  uint16
	peerNodeID       crypto.NodeID
	peerPublicKey    [32]byte
	peerNATDetection endpoint.Endpoint

	expectedPeerPub [32]byte
	noiseSession    *sessionHandshake

	connected bool
	closed    bool

	sender Sender
	logger *logrus.Entry

	handshakeStarted bool
	replyCh          chan packet.HandshakePacket
}

// New constructs a Socket bound to a single peer endpoint. thisEndpoint
// is the local address the Multiplexer will advertise on the wire;
// thisNodeID/thisKeyPair identify this side of the handshake.
func New(sender Sender, thisEndpoint endpoint.Endpoint, thisNodeID crypto.NodeID, thisPub, thisPriv [32]byte, peerEndpoint endpoint.Endpoint, logger *logrus.Entry) Socket {
	if logger == nil {
		logger = logrus.WithField("component", "socket")
	}
	return &basicSocket{
		thisEndpoint: thisEndpoint,
		thisNodeID:   thisNodeID,
		thisPub:      thisPub,
		thisPriv:     thisPriv,
		peerEndpoint: peerEndpoint,
		sender:       sender,
		logger:       logger,
		replyCh:      make(chan packet.HandshakePacket, 1),
	}
}

func (s *basicSocket) ID() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id
}

func (s *basicSocket) SetID(id uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.id = id
}

func (s *basicSocket) ThisEndpoint() endpoint.Endpoint {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.thisEndpoint
}

func (s *basicSocket) PeerEndpoint() endpoint.Endpoint {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peerEndpoint
}

func (s *basicSocket) PeerNodeID() crypto.NodeID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peerNodeID
}

func (s *basicSocket) PeerPublicKey() [32]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peerPublicKey
}

func (s *basicSocket) RemoteNATDetectionEndpoint() endpoint.Endpoint {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peerNATDetection
}

func (s *basicSocket) PeerGuessedPort() uint16 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peerGuessedPort
}

func (s *basicSocket) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

func (s *basicSocket) UpdatePeerEndpoint(ep endpoint.Endpoint) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.peerGuessedPort = s.peerEndpoint.Port
	s.peerEndpoint = ep
}

func (s *basicSocket) SetExpectedPeerPublicKey(pub [32]byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expectedPeerPub = pub
}

func (s *basicSocket) StartHandshake(reason packet.ConnectionReason, timeout time.Duration) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.handshakeStarted {
		s.mu.Unlock()
		return ErrAlreadyHandshaking
	}
	s.handshakeStarted = true

	var noisePayload []byte
	if s.expectedPeerPub != [32]byte{} {
		session, err := newSessionHandshake(s.thisPriv, s.expectedPeerPub[:], sessionInitiator)
		if err != nil {
			s.mu.Unlock()
			return fmt.Errorf("socket: start noise session: %w", err)
		}
		msg, _, err := session.step(nil)
		if err != nil {
			s.mu.Unlock()
			return fmt.Errorf("socket: noise initiator write: %w", err)
		}
		s.noiseSession = session
		noisePayload = msg
	}

	hs := packet.HandshakePacket{
		NodeID:           s.thisNodeID,
		PublicKey:        s.thisPub,
		ConnectionReason: reason,
		NoisePayload:     noisePayload,
	}
	dest := s.peerEndpoint
	sender := s.sender
	s.mu.Unlock()

	if err := sender.SendTo(packet.EncodeHandshake(hs), dest); err != nil {
		return fmt.Errorf("socket: send handshake: %w", err)
	}

	select {
	case reply := <-s.replyCh:
		s.mu.Lock()
		s.peerNodeID = reply.NodeID
		s.peerPublicKey = reply.PublicKey
		s.peerNATDetection = reply.RemoteNATDetectionEndpoint()

		if s.noiseSession != nil {
			if len(reply.NoisePayload) == 0 {
				s.mu.Unlock()
				return fmt.Errorf("socket: handshake reply carried no noise message")
			}
			if _, done, err := s.noiseSession.step(reply.NoisePayload); err != nil || !done {
				s.mu.Unlock()
				if err == nil {
					err = fmt.Errorf("socket: noise session did not complete")
				}
				return fmt.Errorf("socket: noise initiator read reply: %w", err)
			}
		}

		s.connected = true
		peerID := reply.NodeID
		s.mu.Unlock()

		s.logger.WithFields(logrus.Fields{
			"peer":   peerID.String(),
			"reason": reason.String(),
		}).Debug("handshake completed")

		return nil
	case <-time.After(timeout):
		return ErrHandshakeTimedOut
	}
}

func (s *basicSocket) DeliverHandshakeReply(hs packet.HandshakePacket, from endpoint.Endpoint) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	ch := s.replyCh
	s.mu.Unlock()

	select {
	case ch <- hs:
		return nil
	default:
		return fmt.Errorf("socket: reply already delivered or not awaited")
	}
}

func (s *basicSocket) CompleteInboundHandshake(peer packet.HandshakePacket, replyTo endpoint.Endpoint) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}

	var noiseReply []byte
	if len(peer.NoisePayload) > 0 {
		session, err := newSessionHandshake(s.thisPriv, nil, sessionResponder)
		if err != nil {
			s.mu.Unlock()
			return fmt.Errorf("socket: start noise session: %w", err)
		}
		msg, done, err := session.step(peer.NoisePayload)
		if err != nil || !done {
			s.mu.Unlock()
			if err == nil {
				err = fmt.Errorf("socket: noise session did not complete")
			}
			return fmt.Errorf("socket: noise responder read: %w", err)
		}
		s.noiseSession = session
		noiseReply = msg
		if remote := session.peerStaticKey(); len(remote) == 32 {
			copy(s.peerPublicKey[:], remote)
		}
	} else {
		s.peerPublicKey = peer.PublicKey
	}

	s.peerNodeID = peer.NodeID
	s.peerNATDetection = peer.RemoteNATDetectionEndpoint()
	s.connected = true
	s.handshakeStarted = true
	reply := packet.HandshakePacket{
		NodeID:           s.thisNodeID,
		PublicKey:        s.thisPub,
		ConnectionReason: peer.ConnectionReason,
		NoisePayload:     noiseReply,
	}
	sender := s.sender
	s.mu.Unlock()

	if err := sender.SendTo(packet.EncodeHandshake(reply), replyTo); err != nil {
		return fmt.Errorf("socket: send handshake reply: %w", err)
	}
	return nil
}

func (s *basicSocket) OnPacket(buf []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	// Bound-channel traffic beyond the handshake (keepalive pings,
	// session-key confirmation) is opaque at this layer; application
	// framing above a completed connection is out of scope here.
	s.logger.WithField("bytes", len(buf)).Trace("bound packet received")
	return nil
}

// StartSending addresses the datagram using this socket's own registry
// id. Learning the peer's registry id for addressing traffic back to it
// is the concern of the reliable-delivery engine this interface treats
// as out of scope; this layer only forwards.
func (s *basicSocket) StartSending(message []byte, onSent func(error)) {
	s.mu.Lock()
	dest := s.peerEndpoint
	id := s.id
	sender := s.sender
	closed := s.closed
	s.mu.Unlock()

	if closed {
		if onSent != nil {
			onSent(ErrClosed)
		}
		return
	}

	err := sender.SendTo(packet.Encode(packet.Packet{DestinationSocketID: id, Payload: message}), dest)
	if onSent != nil {
		onSent(err)
	}
}

func (s *basicSocket) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	crypto.ZeroBytes(s.thisPriv[:])
	return nil
}

