// Package manager implements ConnectionManager: the component that
// owns the SocketRegistry and the ConnectionSet, and is the one
// downstream consumer the Dispatcher ever talks to. It turns the
// public connect/ping/send surface into Socket and Connection
// operations, and implements the inbound matching policy (exact
// endpoint match, symmetric-NAT endpoint revision, handshake without a
// pending connection) that decides where every unbound HandshakePacket
// goes.
package manager

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/opd-ai/rudpcore/connection"
	"github.com/opd-ai/rudpcore/crypto"
	"github.com/opd-ai/rudpcore/endpoint"
	"github.com/opd-ai/rudpcore/packet"
	"github.com/opd-ai/rudpcore/registry"
	"github.com/opd-ai/rudpcore/socket"
	"github.com/opd-ai/rudpcore/strand"
	"github.com/sirupsen/logrus"
)

// Manager is the ConnectionManager. One Manager belongs to exactly one
// Transport, sharing that Transport's strand so connection-set
// mutations and handshake-completion callbacks all observe the same
// total order.
type Manager struct {
	mu     sync.Mutex
	closed bool

	registry *registry.Registry
	connSet  *connection.Set
	strand   *strand.Strand

	sender       socket.Sender
	thisEndpoint endpoint.Endpoint
	thisNodeID   crypto.NodeID
	thisPub      [32]byte
	thisPriv     [32]byte

	transport *connection.WeakRef

	cfg          Config
	pingSuppress *expirable.LRU[string, struct{}]
	clk          clock.Clock

	// onInboundAdded fires for connections HandlePingFrom accepts, since
	// those have no per-call caller the way Connect/Ping do. Transport
	// sets this once at construction time.
	onInboundAdded func(*connection.Connection)

	logger *logrus.Entry
}

// SetInboundHandler installs the callback fired when HandlePingFrom
// accepts an unsolicited handshake into a normal connection. Transport
// calls this once, right after New, before any packet can arrive.
func (m *Manager) SetInboundHandler(f func(*connection.Connection)) {
	m.mu.Lock()
	m.onInboundAdded = f
	m.mu.Unlock()
}

// New constructs a Manager bound to sender (ordinarily the Transport's
// Multiplexer) and thisEndpoint/thisNodeID/thisPub/thisPriv, this
// side's own identity. strand must be the same strand the owning
// Transport posts its own work to.
func New(sender socket.Sender, thisEndpoint endpoint.Endpoint, thisNodeID crypto.NodeID,
	thisPub, thisPriv [32]byte, transport *connection.WeakRef, strd *strand.Strand,
	cfg Config, logger *logrus.Entry) *Manager {

	if logger == nil {
		logger = logrus.WithField("component", "manager")
	}

	var suppress *expirable.LRU[string, struct{}]
	if cfg.PingSuppressWindow > 0 {
		size := cfg.PingSuppressSize
		if size <= 0 {
			size = 256
		}
		suppress = expirable.NewLRU[string, struct{}](size, nil, cfg.PingSuppressWindow)
	}

	clk := cfg.Clock
	if clk == nil {
		clk = clock.New()
	}

	return &Manager{
		registry:     registry.New(),
		connSet:      connection.NewSet(),
		strand:       strd,
		sender:       sender,
		thisEndpoint: thisEndpoint,
		thisNodeID:   thisNodeID,
		thisPub:      thisPub,
		thisPriv:     thisPriv,
		transport:    transport,
		cfg:          cfg,
		pingSuppress: suppress,
		clk:          clk,
		logger:       logger,
	}
}

// ReapExpired closes every Bootstrapping connection whose
// bootstrap_connection_lifespan has elapsed without being upgraded to
// Unvalidated/Permanent by the owning Transport. Intended to be called
// periodically (see Transport's reap ticker), and is itself a short,
// non-blocking set walk safe to call from any goroutine.
func (m *Manager) ReapExpired() {
	now := m.clk.Now()
	for _, conn := range m.connSet.Snapshot() {
		if conn.State() == connection.Bootstrapping && conn.Expired(now) {
			m.logger.WithField("peer", conn.PeerID().String()).Debug("bootstrap connection lifespan expired")
			m.CloseConnection(conn.PeerID())
		}
	}
}

// Connect starts a connection attempt toward peerID at peerEndpoint.
// publicKey, when non-zero, is the peer's already-known static key (a
// bootstrap Contact's, or whatever the rendezvous caller learned it
// through); the socket uses it to run the handshake as a real Noise IK
// session instead of a plaintext-only identity exchange. The handshake
// round-trip blocks on a goroutine Connect starts for it, not the strand: only
// the outcome (add-to-set, duplicate handling, callback invocation) is
// posted to the strand, per the concurrency model's rule that the
// strand guards state transitions, not network waits.
func (m *Manager) Connect(peerID crypto.NodeID, peerEndpoint endpoint.Endpoint, publicKey [32]byte, validationData string,
	attemptTimeout, lifespan time.Duration, onAdded func(*connection.Connection), onClosed func(*connection.Connection, bool)) {
	go m.attemptConnect(peerID, peerEndpoint, publicKey, packet.ReasonNormal, validationData, attemptTimeout, lifespan, onAdded, onClosed)
}

// Ping performs a one-shot liveness check: a Temporary connection that
// is never added to the ConnectionSet and is torn down as soon as the
// handshake resolves. publicKey seeds the socket's Noise IK session the
// same way Connect's does. onResult receives the transient Connection
// alongside the outcome so Transport can still fire
// on_connection_added(temporary=true) for it.
func (m *Manager) Ping(peerID crypto.NodeID, peerEndpoint endpoint.Endpoint, publicKey [32]byte, onResult func(*connection.Connection, error)) {
	go func() {
		logger := m.logger.WithField("peer", peerID.String())
		sock := socket.New(m.sender, m.thisEndpoint, m.thisNodeID, m.thisPub, m.thisPriv, peerEndpoint, logger)
		sock.SetExpectedPeerPublicKey(publicKey)
		m.registry.Add(sock)

		conn := connection.New(sock, peerID, packet.ReasonPing, "", m.cfg.BootstrapConnectTimeout, 0,
			nil, nil, nil, logger)

		err := conn.Handshake(connection.Temporary)
		m.registry.Remove(sock.ID())
		if onResult != nil {
			onResult(conn, err)
		}
		conn.Close(false)
	}()
}

// attemptConnect runs the blocking Socket handshake off the strand,
// then posts the (short, non-blocking) completion to it.
func (m *Manager) attemptConnect(peerID crypto.NodeID, peerEndpoint endpoint.Endpoint, publicKey [32]byte, reason packet.ConnectionReason,
	validationData string, attemptTimeout, lifespan time.Duration,
	onAdded func(*connection.Connection), onClosed func(*connection.Connection, bool)) {

	// Checked before any socket or handshake goroutine is spun up: a
	// normal connect attempt that can never fit has no reason to pay
	// for a handshake round-trip first.
	if reason == packet.ReasonNormal && m.cfg.MaxConnections > 0 && m.connSet.Len() >= m.cfg.MaxConnections {
		m.logger.WithField("peer", peerID.String()).Debug("rejecting connect attempt: max_connections reached")
		if onClosed != nil {
			onClosed(nil, false)
		}
		return
	}

	logger := m.logger.WithField("peer", peerID.String())
	sock := socket.New(m.sender, m.thisEndpoint, m.thisNodeID, m.thisPub, m.thisPriv, peerEndpoint, logger)
	sock.SetExpectedPeerPublicKey(publicKey)
	m.registry.Add(sock)

	conn := connection.New(sock, peerID, reason, validationData, attemptTimeout, lifespan,
		m.transport, nil, onClosed, logger)

	handshakeErr := conn.Handshake(connection.Bootstrapping)
	if handshakeErr != nil {
		m.strand.Post(func() {
			m.registry.Remove(conn.Socket().ID())
			if onClosed != nil {
				onClosed(conn, errors.Is(handshakeErr, socket.ErrHandshakeTimedOut))
			}
		})
		return
	}

	m.strand.Post(func() {
		m.completeConnect(conn, nil, onAdded)
	})
}

// completeConnect runs on the strand: it is the single place a
// Connection is added to the ConnectionSet, so the AlreadyExists race
// dedup and max_connections enforcement are both serialized here.
func (m *Manager) completeConnect(conn *connection.Connection, handshakeErr error, onAdded func(*connection.Connection)) {
	if handshakeErr != nil {
		m.registry.Remove(conn.Socket().ID())
		return
	}

	// Temporary connections (ping, bootstrap-and-drop) never occupy a
	// ConnectionSet slot: the caller learns of the contact, then the
	// connection is dropped immediately.
	if conn.State() == connection.Temporary {
		if onAdded != nil {
			onAdded(conn)
		}
		conn.Close(false)
		return
	}

	if conn.State().IsNormal() && m.cfg.MaxConnections > 0 && m.connSet.Len() >= m.cfg.MaxConnections {
		m.logger.WithField("peer", conn.PeerID().String()).Debug("dropping connection: max_connections reached")
		conn.Close(false)
		return
	}

	switch m.connSet.Add(conn) {
	case connection.Added:
		if onAdded != nil {
			onAdded(conn)
		}
	case connection.AlreadyExists:
		conn.MarkDuplicate()
		conn.Close(false)
	case connection.InvalidConnection:
		conn.Close(false)
	}
}

// newInboundSocket constructs a Socket bound to peerEndpoint for the
// responder half of a handshake exchange.
func (m *Manager) newInboundSocket(peerEndpoint endpoint.Endpoint, logger *logrus.Entry) socket.Socket {
	return socket.New(m.sender, m.thisEndpoint, m.thisNodeID, m.thisPub, m.thisPriv, peerEndpoint, logger)
}

// AddConnection exposes the ConnectionSet's atomic check-and-insert
// directly, for connections assembled outside the Connect/HandlePingFrom
// paths (e.g. a Transport-level rendezvous race that already completed
// its own handshake on both candidate endpoints).
func (m *Manager) AddConnection(conn *connection.Connection) connection.AddResult {
	return m.connSet.Add(conn)
}

// CloseConnection closes and removes the normal connection registered
// for peerID, reporting whether one was found.
func (m *Manager) CloseConnection(peerID crypto.NodeID) bool {
	conn := m.connSet.Get(peerID)
	if conn == nil {
		return false
	}
	m.connSet.Remove(conn)
	conn.Close(false)
	return true
}

// RemoveConnection deletes conn from the ConnectionSet without closing
// it, for callers (Connection.Close's caller chain) that have already
// decided to tear conn down themselves.
func (m *Manager) RemoveConnection(conn *connection.Connection) {
	m.connSet.Remove(conn)
}

// Send forwards message to the connection registered for peerID,
// reporting whether one was found.
func (m *Manager) Send(peerID crypto.NodeID, message []byte, onSent func(error)) bool {
	conn := m.connSet.Get(peerID)
	if conn == nil {
		return false
	}
	conn.StartSending(message, onSent)
	return true
}

// GetConnection returns the normal connection registered for peerID,
// or nil.
func (m *Manager) GetConnection(peerID crypto.NodeID) *connection.Connection {
	return m.connSet.Get(peerID)
}

// ThisEndpoint returns the local endpoint this side's socket to peerID
// is bound to.
func (m *Manager) ThisEndpoint(peerID crypto.NodeID) (endpoint.Endpoint, bool) {
	conn := m.connSet.Get(peerID)
	if conn == nil {
		return endpoint.Nil, false
	}
	return conn.ThisEndpoint(), true
}

// RemoteNatDetectionEndpoint returns the NAT-detection endpoint peerID
// advertised during its handshake.
func (m *Manager) RemoteNatDetectionEndpoint(peerID crypto.NodeID) (endpoint.Endpoint, bool) {
	conn := m.connSet.Get(peerID)
	if conn == nil {
		return endpoint.Nil, false
	}
	return conn.RemoteNATDetectionEndpoint(), true
}

// MakeConnectionPermanent promotes peerID's connection to Permanent if
// validated is true, and returns the peer's endpoint — but only if it
// is publicly reachable; a private/loopback/link-local endpoint is
// withheld, mirroring the symmetric-NAT endpoint-revision policy that
// such an address must never be announced to third parties.
func (m *Manager) MakeConnectionPermanent(peerID crypto.NodeID, validated bool) (endpoint.Endpoint, bool) {
	conn := m.connSet.Get(peerID)
	if conn == nil || !validated {
		return endpoint.Nil, false
	}
	conn.MakePermanent()

	peerEndpoint := conn.PeerEndpoint()
	if endpoint.IsPrivate(peerEndpoint) {
		return endpoint.Nil, true
	}
	return peerEndpoint, true
}

// AddSocket and RemoveSocket forward directly to the SocketRegistry,
// for sockets Transport creates outside the Connect/Ping/HandlePingFrom
// paths (NAT-detection probes).
func (m *Manager) AddSocket(sock socket.Socket) uint32 { return m.registry.Add(sock) }
func (m *Manager) RemoveSocket(id uint32)              { m.registry.Remove(id) }

// NormalConnectionsCount reports the ConnectionSet's size.
func (m *Manager) NormalConnectionsCount() int { return m.connSet.Len() }

// IsIdle reports whether the ConnectionSet is empty.
func (m *Manager) IsIdle() bool { return m.connSet.Len() == 0 }

// Close detaches from further dispatch and drains the ConnectionSet:
// every entry is removed before its Connection is closed, so
// NormalConnectionsCount reads zero as soon as Close returns regardless
// of whether the owning Transport's weak back-reference is still live
// to run the usual NotifyClosed -> RemoveConnection path (per §8
// invariant 5, close must drive connections_.size() to 0). Removing
// before closing rather than after also means a Connection.Close that
// re-enters RemoveConnection finds the entry already gone — Set.Remove
// is a no-op on a missing or superseded entry, so that's harmless.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.mu.Unlock()

	for _, conn := range m.connSet.Snapshot() {
		m.connSet.Remove(conn)
		conn.Close(false)
	}
}

// DebugString renders a one-line summary for operator tooling.
func (m *Manager) DebugString() string {
	return fmt.Sprintf("manager: sockets=%d connections=%d", m.registry.Len(), m.connSet.Len())
}
