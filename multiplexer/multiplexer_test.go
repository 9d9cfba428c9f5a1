package multiplexer

import (
	"sync"
	"testing"
	"time"

	"github.com/opd-ai/rudpcore/endpoint"
	"github.com/opd-ai/rudpcore/packet"
	"github.com/stretchr/testify/require"
)

func TestOpenTwiceFails(t *testing.T) {
	m := New(nil)
	defer m.Close()

	require.NoError(t, m.Open(endpoint.New([]byte{127, 0, 0, 1}, 0)))
	require.ErrorIs(t, m.Open(endpoint.New([]byte{127, 0, 0, 1}, 0)), ErrAlreadyOpen)
}

func TestSendToClosedReturnsError(t *testing.T) {
	m := New(nil)
	require.NoError(t, m.Open(endpoint.New([]byte{127, 0, 0, 1}, 0)))
	require.NoError(t, m.Close())

	err := m.SendTo([]byte("hi"), endpoint.New([]byte{127, 0, 0, 1}, 1))
	require.ErrorIs(t, err, ErrClosed)
}

func TestCloseIsIdempotent(t *testing.T) {
	m := New(nil)
	require.NoError(t, m.Open(endpoint.New([]byte{127, 0, 0, 1}, 0)))
	require.NoError(t, m.Close())
	require.NoError(t, m.Close())
}

func TestTwoMultiplexersExchangeDatagrams(t *testing.T) {
	a := New(nil)
	b := New(nil)
	defer a.Close()
	defer b.Close()

	require.NoError(t, a.Open(endpoint.New([]byte{127, 0, 0, 1}, 0)))
	require.NoError(t, b.Open(endpoint.New([]byte{127, 0, 0, 1}, 0)))

	received := make(chan endpoint.Endpoint, 1)
	b.AsyncDispatch(func(buf []byte, sender endpoint.Endpoint) {
		received <- sender
	})

	payload := packet.Encode(packet.Packet{DestinationSocketID: 7, Payload: []byte("hello")})
	require.NoError(t, a.SendTo(payload, b.LocalEndpoint()))

	select {
	case sender := <-received:
		require.True(t, sender.IP.IsLoopback())
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for datagram")
	}
}

type recordingRouter struct {
	mu    sync.Mutex
	ids   []uint32
	count int
}

func (r *recordingRouter) Route(id uint32, buf []byte, sender endpoint.Endpoint) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ids = append(r.ids, id)
	r.count++
}

func TestDispatcherExtractsDestinationID(t *testing.T) {
	router := &recordingRouter{}
	d := NewDispatcher(router, nil)

	buf := packet.Encode(packet.Packet{DestinationSocketID: 99, Payload: []byte("x")})
	d.Receive(buf, endpoint.Nil)

	router.mu.Lock()
	defer router.mu.Unlock()
	require.Equal(t, []uint32{99}, router.ids)
}

func TestDispatcherDropsUndersizedDatagram(t *testing.T) {
	router := &recordingRouter{}
	d := NewDispatcher(router, nil)

	d.Receive([]byte{1, 2}, endpoint.Nil)

	router.mu.Lock()
	defer router.mu.Unlock()
	require.Equal(t, 0, router.count)
}
