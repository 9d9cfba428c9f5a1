package manager

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/opd-ai/rudpcore/connection"
	"github.com/opd-ai/rudpcore/crypto"
	"github.com/opd-ai/rudpcore/endpoint"
	"github.com/opd-ai/rudpcore/packet"
	"github.com/opd-ai/rudpcore/socket"
	"github.com/opd-ai/rudpcore/strand"
	"github.com/stretchr/testify/require"
)

// recordingSender stands in for the Multiplexer: it never touches a
// real socket, only records what would have been sent.
type recordingSender struct {
	mu   sync.Mutex
	sent [][]byte
}

func (s *recordingSender) SendTo(buf []byte, to endpoint.Endpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]byte, len(buf))
	copy(cp, buf)
	s.sent = append(s.sent, cp)
	return nil
}

func (s *recordingSender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}

// stubSocket is a fully scripted Socket double: StartHandshake and
// CompleteInboundHandshake both succeed immediately, letting tests
// drive ConnectionManager's bookkeeping without a real handshake wait.
type stubSocket struct {
	id              uint32
	peerID          crypto.NodeID
	peerEP          endpoint.Endpoint
	connected       bool
	closed          bool
	receivedPayload []byte
}

func (s *stubSocket) ID() uint32      { return s.id }
func (s *stubSocket) SetID(id uint32) { s.id = id }
func (s *stubSocket) ThisEndpoint() endpoint.Endpoint { return endpoint.Nil }
func (s *stubSocket) PeerEndpoint() endpoint.Endpoint { return s.peerEP }
func (s *stubSocket) PeerNodeID() crypto.NodeID       { return s.peerID }
func (s *stubSocket) PeerPublicKey() [32]byte         { return [32]byte{} }
func (s *stubSocket) RemoteNATDetectionEndpoint() endpoint.Endpoint { return endpoint.Nil }
func (s *stubSocket) PeerGuessedPort() uint16                      { return 0 }
func (s *stubSocket) IsConnected() bool                            { return s.connected }
func (s *stubSocket) UpdatePeerEndpoint(ep endpoint.Endpoint)      { s.peerEP = ep }
func (s *stubSocket) SetExpectedPeerPublicKey(pub [32]byte)        {}

func (s *stubSocket) StartHandshake(reason packet.ConnectionReason, timeout time.Duration) error {
	s.connected = true
	return nil
}

func (s *stubSocket) DeliverHandshakeReply(hs packet.HandshakePacket, from endpoint.Endpoint) error {
	return nil
}

func (s *stubSocket) CompleteInboundHandshake(peer packet.HandshakePacket, replyTo endpoint.Endpoint) error {
	s.connected = true
	return nil
}

func (s *stubSocket) OnPacket(buf []byte) error {
	s.receivedPayload = buf
	return nil
}

func (s *stubSocket) StartSending(message []byte, onSent func(error)) {
	if onSent != nil {
		onSent(nil)
	}
}

func (s *stubSocket) Close() error {
	s.closed = true
	return nil
}

func randomNodeID(t *testing.T) crypto.NodeID {
	t.Helper()
	keys, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	return crypto.NewNodeID(keys.Public)
}

func newTestManager(t *testing.T, cfg Config) (*Manager, *recordingSender) {
	t.Helper()
	sender := &recordingSender{}
	s := strand.New()
	t.Cleanup(s.Close)

	var priv, pub [32]byte
	m := New(sender, endpoint.New([]byte{203, 0, 113, 1}, 40000), randomNodeID(t), pub, priv, nil, s, cfg, nil)
	return m, sender
}

func handshakenConnection(t *testing.T, peerID crypto.NodeID) *connection.Connection {
	t.Helper()
	sock := &stubSocket{peerID: peerID}
	conn := connection.New(sock, peerID, packet.ReasonNormal, "", time.Second, 0, nil, nil, nil, nil)
	require.NoError(t, conn.Handshake(connection.Bootstrapping))
	return conn
}

func TestCompleteConnectAddsNormalConnection(t *testing.T) {
	m, _ := newTestManager(t, DefaultConfig())
	peerID := randomNodeID(t)
	conn := handshakenConnection(t, peerID)

	var added *connection.Connection
	m.completeConnect(conn, nil, func(c *connection.Connection) { added = c })

	require.Same(t, conn, added)
	require.Same(t, conn, m.GetConnection(peerID))
	require.Equal(t, 1, m.NormalConnectionsCount())
}

func TestCompleteConnectMarksDuplicateLoser(t *testing.T) {
	m, _ := newTestManager(t, DefaultConfig())
	peerID := randomNodeID(t)

	first := handshakenConnection(t, peerID)
	m.completeConnect(first, nil, nil)

	second := handshakenConnection(t, peerID)
	m.completeConnect(second, nil, nil)

	require.Equal(t, connection.Duplicate, second.State())
	require.Same(t, first, m.GetConnection(peerID))
	require.Equal(t, 1, m.NormalConnectionsCount())
}

func TestCompleteConnectRejectsWhenMaxConnectionsReached(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxConnections = 1
	m, _ := newTestManager(t, cfg)

	first := handshakenConnection(t, randomNodeID(t))
	m.completeConnect(first, nil, nil)

	secondPeer := randomNodeID(t)
	second := handshakenConnection(t, secondPeer)
	m.completeConnect(second, nil, nil)

	require.Equal(t, 1, m.NormalConnectionsCount())
	require.Nil(t, m.GetConnection(secondPeer))
}

func TestCompleteConnectOnHandshakeErrorRemovesSocket(t *testing.T) {
	m, _ := newTestManager(t, DefaultConfig())
	sock := &stubSocket{}
	id := m.AddSocket(sock)

	conn := connection.New(sock, randomNodeID(t), packet.ReasonNormal, "", time.Second, 0, nil, nil, nil, nil)
	m.completeConnect(conn, errors.New("handshake failed"), nil)

	require.Nil(t, m.registry.Find(id))
}

func TestHandlePingFromCreatesConnectionAndReplies(t *testing.T) {
	m, sender := newTestManager(t, DefaultConfig())
	peerKeys, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	peerID := crypto.NewNodeID(peerKeys.Public)
	from := endpoint.New([]byte{203, 0, 113, 9}, 9000)

	hs := packet.HandshakePacket{NodeID: peerID, PublicKey: peerKeys.Public, ConnectionReason: packet.ReasonNormal}
	m.handlePingFrom(hs, from)

	require.Equal(t, 1, m.NormalConnectionsCount())
	conn := m.GetConnection(peerID)
	require.NotNil(t, conn)
	require.Equal(t, connection.Unvalidated, conn.State())
	require.Equal(t, 1, sender.count())
}

func TestHandlePingFromDropsSelfAnnouncement(t *testing.T) {
	m, sender := newTestManager(t, DefaultConfig())
	hs := packet.HandshakePacket{NodeID: m.thisNodeID, ConnectionReason: packet.ReasonNormal}
	m.handlePingFrom(hs, endpoint.New([]byte{203, 0, 113, 9}, 9000))

	require.Equal(t, 0, m.NormalConnectionsCount())
	require.Equal(t, 0, sender.count())
}

func TestHandlePingFromClosesStaleConnection(t *testing.T) {
	m, _ := newTestManager(t, DefaultConfig())
	peerID := randomNodeID(t)

	existing := handshakenConnection(t, peerID)
	m.completeConnect(existing, nil, nil)
	require.Equal(t, 1, m.NormalConnectionsCount())

	hs := packet.HandshakePacket{NodeID: peerID, ConnectionReason: packet.ReasonNormal}
	m.handlePingFrom(hs, endpoint.New([]byte{203, 0, 113, 9}, 9000))

	sock := existing.Socket().(*stubSocket)
	require.True(t, sock.closed)
	require.Equal(t, 0, m.NormalConnectionsCount())
}

func TestHandlePingFromBootstrapAndDropServicesExistingPeerWithoutClosingIt(t *testing.T) {
	m, sender := newTestManager(t, DefaultConfig())
	peerID := randomNodeID(t)

	existing := handshakenConnection(t, peerID)
	m.completeConnect(existing, nil, nil)
	require.Equal(t, 1, m.NormalConnectionsCount())

	peerKeys, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	hs := packet.HandshakePacket{
		NodeID:           peerID,
		PublicKey:        peerKeys.Public,
		ConnectionReason: packet.ReasonBootstrapAndDrop,
	}
	m.handlePingFrom(hs, endpoint.New([]byte{203, 0, 113, 9}, 9000))

	sock := existing.Socket().(*stubSocket)
	require.False(t, sock.closed, "an existing normal connection must survive a bootstrap-and-drop ping from the same peer")
	require.Equal(t, 1, m.NormalConnectionsCount(), "the bootstrap-and-drop ping must not replace the existing connection")
	require.Equal(t, 1, sender.count(), "the bootstrap-and-drop ping must still be answered")
}

func TestRouteDispatchesBoundPacketToSocket(t *testing.T) {
	m, _ := newTestManager(t, DefaultConfig())
	sock := &stubSocket{}
	id := m.AddSocket(sock)

	buf := packet.Encode(packet.Packet{DestinationSocketID: id, Payload: []byte("payload")})
	m.Route(id, buf, endpoint.Nil)

	require.Equal(t, []byte("payload"), sock.receivedPayload)
}

func TestRouteDropsBoundPacketForUnknownSocket(t *testing.T) {
	m, _ := newTestManager(t, DefaultConfig())
	buf := packet.Encode(packet.Packet{DestinationSocketID: 42, Payload: []byte("x")})
	require.NotPanics(t, func() { m.Route(42, buf, endpoint.Nil) })
}

func TestMakeConnectionPermanentWithholdsPrivateEndpoint(t *testing.T) {
	m, _ := newTestManager(t, DefaultConfig())
	peerID := randomNodeID(t)

	sock := &stubSocket{peerID: peerID, peerEP: endpoint.New([]byte{127, 0, 0, 1}, 1234)}
	conn := connection.New(sock, peerID, packet.ReasonNormal, "", time.Second, 0, nil, nil, nil, nil)
	require.NoError(t, conn.Handshake(connection.Bootstrapping))
	m.completeConnect(conn, nil, nil)

	ep, found := m.MakeConnectionPermanent(peerID, true)
	require.True(t, found)
	require.Equal(t, endpoint.Nil, ep)
	require.Equal(t, connection.Permanent, conn.State())
}

func TestMakeConnectionPermanentReturnsPublicEndpoint(t *testing.T) {
	m, _ := newTestManager(t, DefaultConfig())
	peerID := randomNodeID(t)

	sock := &stubSocket{peerID: peerID, peerEP: endpoint.New([]byte{203, 0, 113, 50}, 4321)}
	conn := connection.New(sock, peerID, packet.ReasonNormal, "", time.Second, 0, nil, nil, nil, nil)
	require.NoError(t, conn.Handshake(connection.Bootstrapping))
	m.completeConnect(conn, nil, nil)

	ep, found := m.MakeConnectionPermanent(peerID, true)
	require.True(t, found)
	require.Equal(t, sock.peerEP, ep)
}

func TestCloseClosesEveryConnection(t *testing.T) {
	m, _ := newTestManager(t, DefaultConfig())
	conn := handshakenConnection(t, randomNodeID(t))
	m.completeConnect(conn, nil, nil)
	require.Equal(t, 1, m.NormalConnectionsCount())

	m.Close()

	sock := conn.Socket().(*stubSocket)
	require.True(t, sock.closed)
	require.Equal(t, 0, m.NormalConnectionsCount())
	require.True(t, m.IsIdle())
}

var _ socket.Sender = (*recordingSender)(nil)
