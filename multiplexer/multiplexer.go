// Package multiplexer implements the two external collaborators the
// connection layer consumes at the bottom of the stack: the raw UDP
// read/write loop (Multiplexer) and the single entry point for every
// inbound datagram (Dispatcher). Per this module's scope, the
// multiplexer does not itself decode anything beyond what it needs to
// hand a datagram and its sender to the Dispatcher; the packet codec
// lives in the packet package and connection-routing semantics live in
// the manager package.
package multiplexer

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/opd-ai/rudpcore/endpoint"
	"github.com/sirupsen/logrus"
)

// ErrAlreadyOpen is returned by Open when called on an already-open
// Multiplexer.
var ErrAlreadyOpen = errors.New("multiplexer: already open")

// ErrClosed is returned by operations on a closed or never-opened
// Multiplexer.
var ErrClosed = errors.New("multiplexer: closed")

// Handler is invoked on the Multiplexer's own receive goroutine (not
// the strand) for every received datagram, after the Multiplexer has
// done nothing more than receive the raw bytes — all routing happens
// downstream in the Dispatcher.
type Handler func(buf []byte, sender endpoint.Endpoint)

// Multiplexer is the UDP read/write loop this module's connection
// layer treats as an external collaborator, specified only at this
// interface: open/close a single local endpoint, and dispatch every
// received datagram to a Handler.
type Multiplexer interface {
	Open(local endpoint.Endpoint) error
	IsOpen() bool
	Close() error
	// AsyncDispatch starts the background receive loop, invoking
	// handler for every datagram. Must be called after Open.
	AsyncDispatch(handler Handler)
	SendTo(buf []byte, to endpoint.Endpoint) error
	LocalEndpoint() endpoint.Endpoint
}

// readTimeout bounds each blocking read so Close can be noticed
// promptly without requiring platform-specific read cancellation.
const readTimeout = 100 * time.Millisecond

// udpMultiplexer is the concrete Multiplexer backed by a real UDP
// socket, modeled on the read-loop/deadline-polling pattern this
// module's reference packet connection uses for cancellable reads.
type udpMultiplexer struct {
	mu     sync.RWMutex
	conn   *net.UDPConn
	local  endpoint.Endpoint
	closed bool

	ctx    context.Context
	cancel context.CancelFunc

	logger *logrus.Entry
}

// New constructs an unopened Multiplexer.
func New(logger *logrus.Entry) Multiplexer {
	if logger == nil {
		logger = logrus.WithField("component", "multiplexer")
	}
	return &udpMultiplexer{logger: logger}
}

func (m *udpMultiplexer) Open(local endpoint.Endpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.conn != nil {
		return ErrAlreadyOpen
	}

	conn, err := net.ListenUDP("udp", local.UDPAddr())
	if err != nil {
		return fmt.Errorf("multiplexer: open %s: %w", local.String(), err)
	}

	m.conn = conn
	m.local = endpoint.FromUDPAddr(conn.LocalAddr().(*net.UDPAddr))
	m.ctx, m.cancel = context.WithCancel(context.Background())

	m.logger.WithField("local", m.local.String()).Info("multiplexer opened")
	return nil
}

func (m *udpMultiplexer) IsOpen() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.conn != nil && !m.closed
}

func (m *udpMultiplexer) LocalEndpoint() endpoint.Endpoint {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.local
}

func (m *udpMultiplexer) AsyncDispatch(handler Handler) {
	m.mu.RLock()
	conn := m.conn
	ctx := m.ctx
	m.mu.RUnlock()
	if conn == nil {
		return
	}
	go m.receiveLoop(ctx, conn, handler)
}

func (m *udpMultiplexer) receiveLoop(ctx context.Context, conn *net.UDPConn, handler Handler) {
	buf := make([]byte, 65536)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := conn.SetReadDeadline(time.Now().Add(readTimeout)); err != nil {
			return
		}
		n, addr, err := conn.ReadFromUDP(buf)
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			select {
			case <-ctx.Done():
				return
			default:
				m.logger.WithError(err).Debug("read error")
				continue
			}
		}

		payload := make([]byte, n)
		copy(payload, buf[:n])
		handler(payload, endpoint.FromUDPAddr(addr))
	}
}

func (m *udpMultiplexer) SendTo(buf []byte, to endpoint.Endpoint) error {
	m.mu.RLock()
	conn := m.conn
	closed := m.closed
	m.mu.RUnlock()

	if conn == nil || closed {
		return ErrClosed
	}
	_, err := conn.WriteToUDP(buf, to.UDPAddr())
	if err != nil {
		return fmt.Errorf("multiplexer: send to %s: %w", to.String(), err)
	}
	return nil
}

func (m *udpMultiplexer) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed || m.conn == nil {
		m.closed = true
		return nil
	}
	m.closed = true
	m.cancel()
	err := m.conn.Close()
	m.logger.Info("multiplexer closed")
	return err
}
