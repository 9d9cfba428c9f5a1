package rudp

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/opd-ai/rudpcore/connection"
	"github.com/opd-ai/rudpcore/crypto"
	"github.com/opd-ai/rudpcore/endpoint"
	"github.com/opd-ai/rudpcore/nat"
	"github.com/stretchr/testify/require"
)

func loopback(port uint16) endpoint.Endpoint {
	return endpoint.New(net.ParseIP("127.0.0.1"), port)
}

func newTestTransport(t *testing.T) (*Transport, crypto.NodeID, *crypto.KeyPair) {
	t.Helper()
	keys, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	id := crypto.NewNodeID(keys.Public)
	opts := DefaultOptions()
	opts.BootstrapConnectTimeout = 300 * time.Millisecond
	tr := New(id, keys, opts)
	return tr, id, keys
}

// TestBootstrapDirectSuccess covers S1: a direct bootstrap to a single
// live candidate succeeds, fires on_connection_added, and leaves the
// NAT type non-symmetric.
func TestBootstrapDirectSuccess(t *testing.T) {
	b, bID, bKeys := newTestTransport(t)
	defer b.Close()

	bReady := make(chan struct{}, 1)
	b.Bootstrap(nil, loopback(0), false, nil, nil, nil, nil,
		func(error, endpoint.Contact) { bReady <- struct{}{} })
	<-bReady
	bAddr := b.LocalEndpoint()

	a, _, _ := newTestTransport(t)
	defer a.Close()

	addedCh := make(chan crypto.NodeID, 1)
	bootstrapCh := make(chan error, 1)

	candidate := endpoint.Contact{
		ID:           bID,
		EndpointPair: endpoint.Pair{Local: bAddr, External: bAddr},
		PublicKey:    bKeys.Public,
	}

	a.Bootstrap([]endpoint.Contact{candidate}, loopback(0), false, nil,
		func(peerID crypto.NodeID, tr *Transport, temporary bool, conn *connection.Connection) {
			require.False(t, temporary)
			addedCh <- peerID
		}, nil, nil,
		func(err error, c endpoint.Contact) { bootstrapCh <- err })

	select {
	case err := <-bootstrapCh:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("bootstrap did not complete")
	}

	select {
	case peerID := <-addedCh:
		require.Equal(t, bID, peerID)
	case <-time.After(time.Second):
		t.Fatal("on_connection_added did not fire")
	}

	require.Equal(t, 1, a.NormalConnectionsCount())
	require.NotEqual(t, nat.Symmetric, a.NATType())
}

// TestBootstrapAllCandidatesFail covers S2: every candidate times out,
// so bootstrap reports NotConnectable and never fires on_connection_added.
func TestBootstrapAllCandidatesFail(t *testing.T) {
	tr, _, _ := newTestTransport(t)
	defer tr.Close()

	deadKeys, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	deadID := crypto.NewNodeID(deadKeys.Public)

	candidate := endpoint.Contact{
		ID:           deadID,
		EndpointPair: endpoint.Pair{External: loopback(1)},
		PublicKey:    deadKeys.Public,
	}

	addedCh := make(chan struct{}, 1)
	bootstrapCh := make(chan error, 1)

	tr.Bootstrap([]endpoint.Contact{candidate}, loopback(0), false, nil,
		func(crypto.NodeID, *Transport, bool, *connection.Connection) { addedCh <- struct{}{} },
		nil, nil,
		func(err error, c endpoint.Contact) { bootstrapCh <- err })

	select {
	case err := <-bootstrapCh:
		require.ErrorIs(t, err, ErrNotConnectable)
	case <-time.After(3 * time.Second):
		t.Fatal("bootstrap did not complete")
	}

	select {
	case <-addedCh:
		t.Fatal("on_connection_added must not fire when every candidate fails")
	default:
	}
}

// TestPingFiresTemporaryAdded covers S5: a ping to a listening peer
// completes, reports success, never occupies the ConnectionSet, and
// still fires on_connection_added(temporary=true).
func TestPingFiresTemporaryAdded(t *testing.T) {
	b, bID, bKeys := newTestTransport(t)
	defer b.Close()
	bReady := make(chan struct{}, 1)
	b.Bootstrap(nil, loopback(0), false, nil, nil, nil, nil,
		func(error, endpoint.Contact) { bReady <- struct{}{} })
	<-bReady
	bAddr := b.LocalEndpoint()

	a, _, _ := newTestTransport(t)
	defer a.Close()

	addedCh := make(chan bool, 1)
	aReady := make(chan struct{}, 1)
	a.Bootstrap(nil, loopback(0), false, nil,
		func(peerID crypto.NodeID, tr *Transport, temporary bool, conn *connection.Connection) {
			addedCh <- temporary
		}, nil, nil,
		func(error, endpoint.Contact) { aReady <- struct{}{} })
	<-aReady

	resultCh := make(chan error, 1)
	a.Ping(bID, bAddr, bKeys.Public, func(err error) { resultCh <- err })

	select {
	case err := <-resultCh:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("ping did not complete")
	}

	select {
	case temporary := <-addedCh:
		require.True(t, temporary)
	case <-time.After(time.Second):
		t.Fatal("on_connection_added did not fire for the ping")
	}

	require.Equal(t, 0, a.NormalConnectionsCount())
}

// TestCloseDuringInFlightHandshakeIsSafe covers S6: closing while a
// connect attempt is in flight must not panic and must not deliver a
// callback to the now-dropped transport once the handshake resolves.
func TestCloseDuringInFlightHandshakeIsSafe(t *testing.T) {
	tr, _, _ := newTestTransport(t)

	peerKeys, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	peerID := crypto.NewNodeID(peerKeys.Public)
	candidate := endpoint.Contact{
		ID:           peerID,
		EndpointPair: endpoint.Pair{External: loopback(2)},
		PublicKey:    peerKeys.Public,
	}

	var mu sync.Mutex
	fired := false
	tr.Bootstrap([]endpoint.Contact{candidate}, loopback(0), false, nil,
		func(crypto.NodeID, *Transport, bool, *connection.Connection) {
			mu.Lock()
			fired = true
			mu.Unlock()
		},
		func(crypto.NodeID, *Transport, bool, bool) {
			mu.Lock()
			fired = true
			mu.Unlock()
		},
		nil, nil)

	time.Sleep(20 * time.Millisecond)
	require.NotPanics(t, func() { tr.Close() })
	time.Sleep(500 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.False(t, fired, "a closed transport must never observe a late connect callback")
}

func TestCloseIsIdempotent(t *testing.T) {
	tr, _, _ := newTestTransport(t)
	ready := make(chan struct{}, 1)
	tr.Bootstrap(nil, loopback(0), false, nil, nil, nil, nil,
		func(error, endpoint.Contact) { ready <- struct{}{} })
	<-ready

	require.NotPanics(t, func() {
		tr.Close()
		tr.Close()
	})
}

func TestSetBestGuessExternalEndpoint(t *testing.T) {
	tr, _, _ := newTestTransport(t)
	require.Equal(t, endpoint.Nil, tr.BestGuessExternalEndpoint())

	ep := loopback(33445)
	tr.SetBestGuessExternalEndpoint(ep)
	require.Equal(t, ep, tr.BestGuessExternalEndpoint())
}

func TestDebugStringBeforeBootstrapReportsNotBootstrapped(t *testing.T) {
	tr, _, _ := newTestTransport(t)
	require.Contains(t, tr.DebugString(), "not bootstrapped")
}
