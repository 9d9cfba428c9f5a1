// Package connection implements the Connection and ConnectionSet: a
// Connection owns exactly one Socket and carries a mutable lifecycle
// state, and a ConnectionSet enforces the one-normal-connection-per-
// peer invariant across concurrent add/remove/close.
package connection

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/opd-ai/rudpcore/crypto"
	"github.com/opd-ai/rudpcore/endpoint"
	"github.com/opd-ai/rudpcore/packet"
	"github.com/opd-ai/rudpcore/socket"
	"github.com/sirupsen/logrus"
)

// Connection owns a Socket, carries a mutable state, and learns the
// peer's identity once the handshake completes.
type Connection struct {
	mu sync.Mutex

	sessionID uuid.UUID
	state     State
	sock      socket.Socket
	peerID    crypto.NodeID

	reason          packet.ConnectionReason
	validationData  string
	attemptTimeout  time.Duration
	lifespan        time.Duration
	createdAt       time.Time

	transport *WeakRef

	onAdded  func(*Connection)
	onClosed func(*Connection, bool)

	logger *logrus.Entry
}

// New constructs a Pending connection around sock. peerID may be the
// zero NodeID if the peer's identity is not yet known (the common case
// for connect; already known when responding to an inbound handshake).
func New(sock socket.Socket, peerID crypto.NodeID, reason packet.ConnectionReason,
	validationData string, attemptTimeout, lifespan time.Duration,
	transport *WeakRef, onAdded func(*Connection), onClosed func(*Connection, bool),
	logger *logrus.Entry) *Connection {

	if logger == nil {
		logger = logrus.WithField("component", "connection")
	}
	sessionID := uuid.New()

	return &Connection{
		sessionID:      sessionID,
		state:          Pending,
		sock:           sock,
		peerID:         peerID,
		reason:         reason,
		validationData: validationData,
		attemptTimeout: attemptTimeout,
		lifespan:       lifespan,
		createdAt:      time.Now(),
		transport:      transport,
		onAdded:        onAdded,
		onClosed:       onClosed,
		logger:         logger.WithField("session", sessionID7(sessionID)),
	}
}

func sessionID7(id uuid.UUID) string {
	s := id.String()
	if len(s) < 7 {
		return s
	}
	return s[:7]
}

// SessionID uniquely identifies this Connection instance, distinct from
// the peer's NodeID, for log correlation across reconnects.
func (c *Connection) SessionID() uuid.UUID {
	return c.sessionID
}

// State returns the connection's current lifecycle state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// PeerID returns the peer's node id, valid once the handshake has
// completed (or immediately, if known up front as with handle_ping_from).
func (c *Connection) PeerID() crypto.NodeID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peerID
}

// Socket returns the owned socket.
func (c *Connection) Socket() socket.Socket {
	return c.sock
}

// Reason returns the connection reason the handshake was started with.
func (c *Connection) Reason() packet.ConnectionReason {
	return c.reason
}

// IsTemporary reports whether this connection serves a one-shot ping or
// bootstrap-and-drop handshake and must never enter the ConnectionSet.
func (c *Connection) IsTemporary() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == Temporary
}

// setState transitions the connection's state. Transitions are expected
// to be monotonic per the concurrency model's ordering guarantee; this
// layer does not itself enforce every legal edge, trusting callers
// (ConnectionManager, Transport) that already encode the state machine.
func (c *Connection) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// Handshake drives the owned Socket through the HandshakePacket
// round-trip and transitions state on success: Temporary connections
// (Ping, BootstrapAndDrop) land in Temporary; everything else lands in
// Bootstrapping if reason is Normal during a bootstrap attempt, or
// Unvalidated otherwise. The caller (ConnectionManager) decides which
// of those two normal landings applies via intoState.
func (c *Connection) Handshake(intoState State) error {
	c.setState(Pending)

	if err := c.sock.StartHandshake(c.reason, c.attemptTimeout); err != nil {
		c.logger.WithError(err).Debug("handshake failed")
		return fmt.Errorf("connection: handshake: %w", err)
	}

	c.mu.Lock()
	c.peerID = c.sock.PeerNodeID()
	if c.reason == packet.ReasonPing || c.reason == packet.ReasonBootstrapAndDrop {
		c.state = Temporary
	} else {
		c.state = intoState
	}
	final := c.state
	c.mu.Unlock()

	c.logger.WithFields(logrus.Fields{
		"peer":  c.peerID.String(),
		"state": final.String(),
	}).Debug("handshake completed")

	if c.onAdded != nil {
		c.onAdded(c)
	}
	return nil
}

// CompleteInbound answers an unsolicited HandshakePacket without itself
// blocking: the peer's identity is already known from hs, so this side
// adopts it directly and has the socket send a single reply datagram.
// Used by ConnectionManager.HandlePingFrom, the responder half of a
// handshake exchange; Handshake above is the initiator half.
func (c *Connection) CompleteInbound(hs packet.HandshakePacket, from endpoint.Endpoint, intoState State) error {
	c.setState(Pending)

	if err := c.sock.CompleteInboundHandshake(hs, from); err != nil {
		c.logger.WithError(err).Debug("inbound handshake failed")
		return fmt.Errorf("connection: complete inbound: %w", err)
	}

	c.mu.Lock()
	c.peerID = hs.NodeID
	if c.reason == packet.ReasonPing || c.reason == packet.ReasonBootstrapAndDrop {
		c.state = Temporary
	} else {
		c.state = intoState
	}
	final := c.state
	c.mu.Unlock()

	c.logger.WithFields(logrus.Fields{
		"peer":  c.peerID.String(),
		"state": final.String(),
	}).Debug("inbound handshake completed")

	if c.onAdded != nil {
		c.onAdded(c)
	}
	return nil
}

// MarkDuplicate labels the connection as the loser of an add_connection
// race. Per the design notes, the label must be set before Close is
// invoked so the owning Transport can recognise it and suppress
// on_connection_lost.
func (c *Connection) MarkDuplicate() {
	c.setState(Duplicate)
}

// MakePermanent transitions an Unvalidated connection to Permanent.
func (c *Connection) MakePermanent() {
	c.setState(Permanent)
}

// StartSending forwards a message to the owned Socket.
func (c *Connection) StartSending(message []byte, onSent func(error)) {
	c.sock.StartSending(message, onSent)
}

// Close tears the connection down: closes the owned socket and invokes
// onClosed(timedOut) exactly once. The weak transport reference is
// upgraded first; if the owning transport is already gone, onClosed is
// still invoked (it is local to this Connection, not a Transport
// method) but NotifyClosed on the transport is skipped.
func (c *Connection) Close(timedOut bool) {
	_ = c.sock.Close()

	if c.transport != nil {
		if owner := c.transport.Get(); owner != nil {
			owner.NotifyClosed(c, timedOut)
		}
	}

	if c.onClosed != nil {
		c.onClosed(c, timedOut)
	}
}

// Expired reports whether a Bootstrapping connection has outlived its
// lifespan and must be upgraded or torn down. A zero lifespan never
// expires.
func (c *Connection) Expired(now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lifespan <= 0 {
		return false
	}
	return now.After(c.createdAt.Add(c.lifespan))
}

// ValidationData returns the data carried alongside the handshake for
// application-level validation, opaque at this layer.
func (c *Connection) ValidationData() string {
	return c.validationData
}

// PeerEndpoint, ThisEndpoint, and RemoteNATDetectionEndpoint forward to
// the owned socket for ConnectionManager's read-only lookups.
func (c *Connection) PeerEndpoint() endpoint.Endpoint             { return c.sock.PeerEndpoint() }
func (c *Connection) ThisEndpoint() endpoint.Endpoint             { return c.sock.ThisEndpoint() }
func (c *Connection) RemoteNATDetectionEndpoint() endpoint.Endpoint {
	return c.sock.RemoteNATDetectionEndpoint()
}
