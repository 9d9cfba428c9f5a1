package multiplexer

import (
	"github.com/opd-ai/rudpcore/endpoint"
	"github.com/opd-ai/rudpcore/packet"
	"github.com/sirupsen/logrus"
)

// Router is the single downstream consumer a Dispatcher forwards every
// decoded datagram to. ConnectionManager implements this: it owns the
// SocketRegistry and ConnectionSet this routing decision depends on,
// so the full step 2–3 matching logic (registry lookup, symmetric-NAT
// endpoint revision, handshake-without-connection handling) lives
// there rather than in this package.
type Router interface {
	Route(destinationSocketID uint32, buf []byte, sender endpoint.Endpoint)
}

// Dispatcher is the single entry point for every inbound datagram. It
// never blocks and never allocates beyond the decoded socket id: it
// extracts just enough of the header to route, then hands the rest of
// the work to the Router.
type Dispatcher struct {
	router Router
	logger *logrus.Entry
}

// NewDispatcher binds a Dispatcher to its Router.
func NewDispatcher(router Router, logger *logrus.Entry) *Dispatcher {
	if logger == nil {
		logger = logrus.WithField("component", "dispatcher")
	}
	return &Dispatcher{router: router, logger: logger}
}

// Receive is installed as the Multiplexer's async dispatch handler.
func (d *Dispatcher) Receive(buf []byte, sender endpoint.Endpoint) {
	id, err := packet.DecodeDestinationSocketID(buf)
	if err != nil {
		d.logger.WithField("sender", sender.String()).Debug("dropping undersized datagram")
		return
	}
	d.router.Route(id, buf, sender)
}
