package manager

import (
	"fmt"

	"github.com/opd-ai/rudpcore/connection"
	"github.com/opd-ai/rudpcore/endpoint"
	"github.com/opd-ai/rudpcore/packet"
)

// Route implements multiplexer.Router. It is called directly from the
// Dispatcher on the Multiplexer's own receive goroutine, not the
// strand: every branch here only takes short mutexes (the Manager's,
// the SocketRegistry's, a socket's) or posts to the strand, never
// blocks. Once Close has run, every datagram is dropped.
func (m *Manager) Route(destinationSocketID uint32, buf []byte, sender endpoint.Endpoint) {
	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return
	}

	if destinationSocketID != 0 {
		sock := m.registry.Find(destinationSocketID)
		if sock == nil {
			m.logger.WithFields(map[string]interface{}{
				"socket_id": destinationSocketID,
				"sender":    sender.String(),
			}).Debug("dropping bound packet for unknown socket")
			return
		}
		if err := sock.OnPacket(buf[4:]); err != nil {
			m.logger.WithError(err).Debug("socket rejected bound packet")
		}
		return
	}

	hs, err := packet.DecodeHandshake(buf)
	if err != nil {
		m.logger.WithField("sender", sender.String()).Debug("dropping malformed handshake")
		return
	}
	m.routeHandshake(hs, sender)
}

// routeHandshake implements the matching policy for unbound handshake
// packets: first an exact peer-endpoint match (the common case, both
// sides behind no NAT or a full-cone one), then — for an ordinary
// connect attempt only — the symmetric-NAT endpoint-revision match
// (address matches, port does not, and the candidate socket is public
// and not yet connected), and only once both fail does this become a
// handshake without a pending connection. Endpoint revision is reserved
// for reason == Normal: rewriting a socket's peer endpoint on an
// incoming Ping or NatDetection reply would scramble a legitimate
// session's address instead of tracking a peer's actual NAT rebinding.
func (m *Manager) routeHandshake(hs packet.HandshakePacket, sender endpoint.Endpoint) {
	if sock := m.registry.FindByExactPeerEndpoint(sender); sock != nil && !sock.IsConnected() {
		if err := sock.DeliverHandshakeReply(hs, sender); err == nil {
			return
		}
	}

	if hs.ConnectionReason == packet.ReasonNormal {
		if sock := m.registry.FindByPeerAddress(sender); sock != nil {
			sock.UpdatePeerEndpoint(sender)
			if err := sock.DeliverHandshakeReply(hs, sender); err == nil {
				return
			}
		}
	}

	m.strand.Post(func() {
		m.handlePingFrom(hs, sender)
	})
}

// handlePingFrom runs on the strand: an unbound handshake arrived that
// does not match any socket awaiting a reply, so this is either a
// stranger announcing itself (bootstrap, ping) or a peer re-announcing
// itself while we still hold a stale connection to it. A BootstrapAndDrop
// handshake from a peer we already hold a normal connection to is
// neither of those — it doesn't replace the existing connection, it just
// gets serviced as its own one-shot Temporary connection below.
func (m *Manager) handlePingFrom(hs packet.HandshakePacket, sender endpoint.Endpoint) {
	if hs.NodeID.Equal(m.thisNodeID) {
		return
	}
	if !endpoint.IsValid(sender) {
		return
	}

	if m.pingSuppress != nil {
		key := fmt.Sprintf("%s|%s", sender.String(), hs.NodeID.String())
		if _, seen := m.pingSuppress.Get(key); seen {
			return
		}
		m.pingSuppress.Add(key, struct{}{})
	}

	if existing := m.connSet.Get(hs.NodeID); existing != nil {
		if hs.ConnectionReason != packet.ReasonBootstrapAndDrop {
			m.connSet.Remove(existing)
			existing.Close(false)
			return
		}
		// A bootstrap-and-drop handshake from a peer we already hold a
		// normal connection to leaves that connection untouched —
		// joining_connection stays null here just as it does in the
		// original, so this falls through and services the ping as its
		// own fresh Temporary connection below instead of returning.
	}

	lifespan := m.cfg.BootstrapConnectionLifespan
	if hs.ConnectionReason == packet.ReasonBootstrapAndDrop {
		lifespan = 0
	}

	logger := m.logger.WithField("peer", hs.NodeID.String())
	sock := m.newInboundSocket(sender, logger)
	m.registry.Add(sock)

	conn := connection.New(sock, hs.NodeID, hs.ConnectionReason, "", m.cfg.BootstrapConnectTimeout, lifespan,
		m.transport, nil, nil, logger)

	if err := conn.CompleteInbound(hs, sender, connection.Unvalidated); err != nil {
		logger.WithError(err).Debug("failed to answer inbound handshake")
		m.registry.Remove(sock.ID())
		return
	}

	m.mu.Lock()
	onAdded := m.onInboundAdded
	m.mu.Unlock()
	m.completeConnect(conn, nil, onAdded)
}
