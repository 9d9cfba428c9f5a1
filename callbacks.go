package rudp

import (
	"github.com/opd-ai/rudpcore/connection"
	"github.com/opd-ai/rudpcore/crypto"
	"github.com/opd-ai/rudpcore/endpoint"
)

// OnMessage reports application data arrived on a normal connection.
// Delivering bound-channel bytes up to this callback is the concern of
// the reliable-delivery engine layered above Socket; this module only
// reserves the callback slot (§6).
type OnMessage func(peerID crypto.NodeID, data []byte)

// OnConnectionAdded reports a connection reached a normal state (or, if
// temporary is true, completed a one-shot ping/bootstrap-and-drop
// handshake).
type OnConnectionAdded func(peerID crypto.NodeID, t *Transport, temporary bool, conn *connection.Connection)

// OnConnectionLost reports a connection was torn down, unless it was
// the loser of an add_connection race (those are silent, per §4.6).
type OnConnectionLost func(peerID crypto.NodeID, t *Transport, temporary bool, timedOut bool)

// OnNATDetectionRequested delegates the §4.5 probe step: Transport asks
// the caller to ping target using the peer's public key and report
// whether it succeeded. A nil handler falls back to Transport's own
// Ping.
type OnNATDetectionRequested func(peerID crypto.NodeID, target endpoint.Endpoint, publicKey [32]byte) error

// OnBootstrap reports Bootstrap's outcome: either the contact that
// yielded a successful handshake, or ErrNotConnectable with the null
// contact once every candidate has been exhausted.
type OnBootstrap func(err error, contact endpoint.Contact)
