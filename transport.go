package rudp

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/opd-ai/rudpcore/connection"
	"github.com/opd-ai/rudpcore/crypto"
	"github.com/opd-ai/rudpcore/endpoint"
	"github.com/opd-ai/rudpcore/manager"
	"github.com/opd-ai/rudpcore/multiplexer"
	"github.com/opd-ai/rudpcore/nat"
	"github.com/opd-ai/rudpcore/strand"
	"github.com/sirupsen/logrus"
)

// Transport is the façade described by §4.4: it owns one Multiplexer,
// one Dispatcher, one ConnectionManager, and the strand they all
// execute on, plus the four callback slots an application installs
// through Bootstrap.
type Transport struct {
	// mu guards the callback slots and bestGuessExternal, deliberately
	// disjoint from the strand so Close can null the callbacks out
	// without waiting on posted work (§5's shared-resources note).
	mu sync.Mutex

	closed bool
	// onMessage is stored and nulled on Close like the other callback
	// slots, but nothing currently invokes it: delivering bound-channel
	// bytes upward as an on_message event belongs to the reliable-
	// delivery engine layered above Socket.OnPacket, which §1's
	// Non-goals place out of this module's scope. The slot stays wired
	// through Bootstrap rather than removed so that engine has a ready
	// hook once it exists, instead of every caller needing a signature
	// change to add one.
	onMessage               OnMessage
	onConnectionAdded       OnConnectionAdded
	onConnectionLost        OnConnectionLost
	onNATDetectionRequested OnNATDetectionRequested
	bestGuessExternal       endpoint.Endpoint

	mgr        *manager.Manager
	dispatcher *multiplexer.Dispatcher
	mux        multiplexer.Multiplexer
	strand     *strand.Strand
	selfRef    *connection.WeakRef
	natDet     *nat.Detector

	thisNodeID crypto.NodeID
	keys       *crypto.KeyPair
	opts       Options

	reapStop chan struct{}
	logger   *logrus.Entry
}

// New constructs a Transport identified by thisNodeID/keys. The
// multiplexer is not opened and no ConnectionManager exists until
// Bootstrap is called, matching §4.4 step 1-2's ordering.
func New(thisNodeID crypto.NodeID, keys *crypto.KeyPair, opts Options) *Transport {
	opts = opts.withDefaults()

	t := &Transport{
		thisNodeID: thisNodeID,
		keys:       keys,
		opts:       opts,
		logger:     opts.Logger,
		natDet:     nat.NewDetector(opts.Logger.WithField("component", "nat")),
		strand:     strand.New(),
	}
	t.selfRef = connection.NewWeakRef(t)
	t.mux = multiplexer.New(opts.Logger.WithField("component", "multiplexer"))
	return t
}

// NATType reports this transport's current NAT classification.
func (t *Transport) NATType() nat.Type {
	return t.natDet.Type()
}

// LocalEndpoint returns the address the multiplexer actually bound to,
// valid only once Bootstrap has opened it.
func (t *Transport) LocalEndpoint() endpoint.Endpoint {
	return t.mux.LocalEndpoint()
}

// Bootstrap implements §4.4's bootstrap operation. It runs on its own
// goroutine and reports its outcome through onBootstrap once a
// candidate succeeds, every candidate is exhausted, or opening the
// multiplexer itself fails.
func (t *Transport) Bootstrap(candidates []endpoint.Contact, localEndpoint endpoint.Endpoint, bootstrapOffExisting bool,
	onMsg OnMessage, onAdded OnConnectionAdded, onLost OnConnectionLost,
	onNATRequested OnNATDetectionRequested, onBootstrap OnBootstrap) {
	go t.runBootstrap(candidates, localEndpoint, bootstrapOffExisting, onMsg, onAdded, onLost, onNATRequested, onBootstrap)
}

func (t *Transport) runBootstrap(candidates []endpoint.Contact, localEndpoint endpoint.Endpoint, bootstrapOffExisting bool,
	onMsg OnMessage, onAdded OnConnectionAdded, onLost OnConnectionLost,
	onNATRequested OnNATDetectionRequested, onBootstrap OnBootstrap) {

	if err := t.mux.Open(localEndpoint); err != nil {
		t.logger.WithError(err).Warn("bootstrap: open multiplexer failed")
		if onBootstrap != nil {
			onBootstrap(fmt.Errorf("rudp: bootstrap: %w", manager.ErrFailedToConnect), endpoint.NilContact)
		}
		return
	}

	// Runs in the background: it only feeds runNATDetection's decision to
	// skip the ping-based probe, never gates a candidate connect attempt.
	go t.tryPortMapping()

	t.mu.Lock()
	t.onMessage = onMsg
	t.onConnectionAdded = onAdded
	t.onConnectionLost = onLost
	t.onNATDetectionRequested = onNATRequested
	t.mu.Unlock()

	cfg := manager.Config{
		BootstrapConnectTimeout:     t.opts.BootstrapConnectTimeout,
		BootstrapConnectionLifespan: t.opts.BootstrapConnectionLifespan,
		MaxConnections:              t.opts.MaxConnections,
		PingSuppressWindow:          t.opts.PingSuppressWindow,
		PingSuppressSize:            t.opts.PingSuppressSize,
		Clock:                       t.opts.Clock,
	}
	mgr := manager.New(t.mux, t.mux.LocalEndpoint(), t.thisNodeID, t.keys.Public, t.keys.Private,
		t.selfRef, t.strand, cfg, t.logger.WithField("component", "manager"))
	mgr.SetInboundHandler(t.handleConnectionAdded)
	dispatcher := multiplexer.NewDispatcher(mgr, t.logger.WithField("component", "dispatcher"))

	t.mu.Lock()
	t.mgr = mgr
	t.dispatcher = dispatcher
	t.mu.Unlock()

	t.mux.AsyncDispatch(dispatcher.Receive)
	t.startReapLoop(mgr)

	if bootstrapOffExisting && t.natDet.Type() == nat.Symmetric {
		t.logger.Info("bootstrap: symmetric nat and bootstrap_off_existing set, skipping outgoing attempts")
		if onBootstrap != nil {
			onBootstrap(nil, endpoint.NilContact)
		}
		return
	}

	for _, candidate := range candidates {
		if !candidate.IsValid() {
			continue
		}
		// Open Question (i): a self-referential candidate is skipped
		// rather than left as undefined behavior.
		if candidate.EndpointPair.Local.Equal(localEndpoint) || candidate.EndpointPair.External.Equal(localEndpoint) {
			t.logger.WithField("candidate", candidate.ID.String()).Debug("bootstrap: skipping self-referential candidate")
			continue
		}

		conn, err := t.connectToBootstrapEndpoint(candidate, mgr)
		if err != nil {
			t.logger.WithFields(logrus.Fields{"candidate": candidate.ID.String(), "error": err}).
				Debug("bootstrap: candidate failed")
			continue
		}

		t.runNATDetection(conn, onNATRequested)
		if onBootstrap != nil {
			onBootstrap(nil, candidate)
		}
		return
	}

	if onBootstrap != nil {
		onBootstrap(manager.ErrNotConnectable, endpoint.NilContact)
	}
}

// connectToBootstrapEndpoint drives one candidate's handshake to
// completion, preferring its external endpoint and falling back to its
// local one.
func (t *Transport) connectToBootstrapEndpoint(candidate endpoint.Contact, mgr *manager.Manager) (*connection.Connection, error) {
	target := candidate.EndpointPair.External
	if !endpoint.IsValid(target) {
		target = candidate.EndpointPair.Local
	}
	if !endpoint.IsValid(target) {
		return nil, manager.ErrFailedToConnect
	}

	type result struct {
		conn *connection.Connection
		err  error
	}
	resCh := make(chan result, 1)

	mgr.Connect(candidate.ID, target, candidate.PublicKey, "", t.opts.BootstrapConnectTimeout, t.opts.BootstrapConnectionLifespan,
		func(conn *connection.Connection) {
			t.handleConnectionAdded(conn)
			resCh <- result{conn: conn}
		},
		func(conn *connection.Connection, timedOut bool) {
			if timedOut {
				resCh <- result{err: manager.ErrTimedOut}
				return
			}
			resCh <- result{err: manager.ErrFailedToConnect}
		},
	)

	r := <-resCh
	return r.conn, r.err
}

// tryPortMapping attempts a NAT-PMP or UPnP port mapping for the
// multiplexer's bound port, recording Cone and the mapped external
// endpoint on success. Per nat.Detector's doc: a successful mapping
// doubles as a positive "not symmetric" signal, so runNATDetection
// skips its own ping-based probe once this has already answered the
// question.
func (t *Transport) tryPortMapping() bool {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	ext, ok := t.natDet.TryPortMapping(ctx, nil, t.mux.LocalEndpoint().Port)
	if !ok {
		return false
	}
	t.SetBestGuessExternalEndpoint(ext)
	t.logger.WithField("external", ext.String()).Info("bootstrap: obtained a port mapping")
	return true
}

// runNATDetection implements §4.5: a failed probe toward the peer's
// remote_nat_detection_endpoint marks this side as behind a symmetric
// NAT. It only runs the probe at all when tryPortMapping did not
// already establish a mapping (and therefore a Cone verdict).
// onNATRequested lets the caller supply the probe itself; otherwise
// Transport issues its own Ping.
func (t *Transport) runNATDetection(conn *connection.Connection, onNATRequested OnNATDetectionRequested) {
	if t.natDet.Type() == nat.Cone {
		return
	}

	target := conn.RemoteNATDetectionEndpoint()
	if !endpoint.IsValid(target) {
		return
	}
	peerID := conn.PeerID()
	peerPub := conn.Socket().PeerPublicKey()

	var probeErr error
	if onNATRequested != nil {
		probeErr = onNATRequested(peerID, target, peerPub)
	} else {
		t.mu.Lock()
		mgr := t.mgr
		t.mu.Unlock()
		if mgr == nil {
			return
		}
		done := make(chan error, 1)
		mgr.Ping(peerID, target, peerPub, func(_ *connection.Connection, err error) {
			done <- err
		})
		probeErr = <-done
	}

	if probeErr != nil {
		t.natDet.RecordSymmetric()
		t.logger.WithField("peer", peerID.String()).Info("nat detection: probe failed, marking symmetric")
	}
}

// Connect implements §4.4's rendezvous connect: external and local are
// raced by design, relying on add_connection's duplicate guard to
// decide the winner.
func (t *Transport) Connect(peerID crypto.NodeID, pair endpoint.Pair, publicKey [32]byte, onAdded OnConnectionAdded) error {
	t.mu.Lock()
	mgr := t.mgr
	closed := t.closed
	t.mu.Unlock()

	if closed || mgr == nil || !t.mux.IsOpen() {
		return fmt.Errorf("rudp: connect: %w", manager.ErrFailedToConnect)
	}

	wrappedOnAdded := func(conn *connection.Connection) {
		t.handleConnectionAdded(conn)
		if onAdded != nil {
			onAdded(conn.PeerID(), t, conn.State() == connection.Temporary, conn)
		}
	}

	if endpoint.IsValid(pair.External) {
		mgr.Connect(peerID, pair.External, publicKey, "", t.opts.RendezvousConnectTimeout, 0, wrappedOnAdded, nil)
		if endpoint.IsValid(pair.Local) && !pair.Local.Equal(pair.External) {
			mgr.Connect(peerID, pair.Local, publicKey, "", t.opts.RendezvousConnectTimeout, 0, wrappedOnAdded, nil)
		}
		return nil
	}

	if endpoint.IsValid(pair.Local) {
		mgr.Connect(peerID, pair.Local, publicKey, "", t.opts.RendezvousConnectTimeout, 0, wrappedOnAdded, nil)
		return nil
	}

	return fmt.Errorf("rudp: connect: %w", manager.ErrFailedToConnect)
}

// Ping performs a one-shot liveness check, wrapping ConnectionManager's
// Ping with the on_connection_added(temporary=true) firing S5 expects
// from the caller's side of the handshake.
func (t *Transport) Ping(peerID crypto.NodeID, ep endpoint.Endpoint, publicKey [32]byte, cb func(error)) {
	t.mu.Lock()
	mgr := t.mgr
	onAdded := t.onConnectionAdded
	t.mu.Unlock()

	if mgr == nil {
		if cb != nil {
			cb(fmt.Errorf("rudp: ping: %w", manager.ErrFailedToConnect))
		}
		return
	}

	mgr.Ping(peerID, ep, publicKey, func(conn *connection.Connection, err error) {
		if err == nil && onAdded != nil {
			onAdded(peerID, t, true, conn)
		}
		if cb != nil {
			cb(err)
		}
	})
}

// handleConnectionAdded is default_on_connect's leaf: by the time this
// runs, ConnectionManager has already decided Added/AlreadyExists/
// Temporary, so this only ever fires for a connection worth announcing.
func (t *Transport) handleConnectionAdded(conn *connection.Connection) {
	t.mu.Lock()
	cb := t.onConnectionAdded
	t.mu.Unlock()
	if cb == nil {
		return
	}
	cb(conn.PeerID(), t, conn.State() == connection.Temporary, conn)
}

// NotifyClosed implements connection.Owner: it is default_on_close,
// invoked through the weak back-reference every Connection built by
// ConnectionManager.Connect/HandlePingFrom carries.
func (t *Transport) NotifyClosed(conn *connection.Connection, timedOut bool) {
	t.mu.Lock()
	mgr := t.mgr
	cb := t.onConnectionLost
	t.mu.Unlock()

	if mgr != nil {
		mgr.RemoveConnection(conn)
	}
	if conn.State() == connection.Duplicate {
		return
	}
	if cb != nil {
		cb(conn.PeerID(), t, conn.State() == connection.Temporary, timedOut)
	}
}

// Send forwards message to the normal connection registered for
// peerID, reporting whether one was found.
func (t *Transport) Send(peerID crypto.NodeID, message []byte, onSent func(error)) bool {
	t.mu.Lock()
	mgr := t.mgr
	t.mu.Unlock()
	if mgr == nil {
		return false
	}
	return mgr.Send(peerID, message, onSent)
}

// CloseConnection closes and removes the normal connection registered
// for peerID, reporting whether one was found.
func (t *Transport) CloseConnection(peerID crypto.NodeID) bool {
	t.mu.Lock()
	mgr := t.mgr
	t.mu.Unlock()
	if mgr == nil {
		return false
	}
	return mgr.CloseConnection(peerID)
}

// SetBestGuessExternalEndpoint records an external endpoint learned by
// some mechanism outside this module (e.g. a STUN-like probe), exposed
// back through BestGuessExternalEndpoint.
func (t *Transport) SetBestGuessExternalEndpoint(ep endpoint.Endpoint) {
	t.mu.Lock()
	t.bestGuessExternal = ep
	t.mu.Unlock()
}

// BestGuessExternalEndpoint returns the endpoint last recorded by
// SetBestGuessExternalEndpoint, or the null endpoint if none was ever
// set.
func (t *Transport) BestGuessExternalEndpoint() endpoint.Endpoint {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.bestGuessExternal
}

// ThisEndpointAsSeenByPeer returns the local endpoint the socket bound
// to peerID advertises on the wire.
func (t *Transport) ThisEndpointAsSeenByPeer(peerID crypto.NodeID) (endpoint.Endpoint, bool) {
	t.mu.Lock()
	mgr := t.mgr
	t.mu.Unlock()
	if mgr == nil {
		return endpoint.Nil, false
	}
	return mgr.ThisEndpoint(peerID)
}

// NormalConnectionsCount and IsIdle forward to the ConnectionManager's
// ConnectionSet counters.
func (t *Transport) NormalConnectionsCount() int {
	t.mu.Lock()
	mgr := t.mgr
	t.mu.Unlock()
	if mgr == nil {
		return 0
	}
	return mgr.NormalConnectionsCount()
}

func (t *Transport) IsIdle() bool {
	t.mu.Lock()
	mgr := t.mgr
	t.mu.Unlock()
	if mgr == nil {
		return true
	}
	return mgr.IsIdle()
}

// DebugString renders a one-line operational summary.
func (t *Transport) DebugString() string {
	t.mu.Lock()
	mgr := t.mgr
	best := t.bestGuessExternal
	t.mu.Unlock()
	if mgr == nil {
		return "transport: not bootstrapped"
	}
	return fmt.Sprintf("transport: nat=%s best_guess_external=%s %s", t.natDet.Type(), best.String(), mgr.DebugString())
}

func (t *Transport) startReapLoop(mgr *manager.Manager) {
	t.mu.Lock()
	t.reapStop = make(chan struct{})
	stop := t.reapStop
	t.mu.Unlock()

	ticker := t.opts.Clock.Ticker(t.opts.ReapInterval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				mgr.ReapExpired()
			}
		}
	}()
}

// Close implements §4.4's close: callback slots are nulled under the
// lock first so no continuation fired after this point can observe a
// stale handler, then connection_manager.close and multiplexer.close
// run on the strand before the strand itself stops.
func (t *Transport) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	t.onMessage = nil
	t.onConnectionAdded = nil
	t.onConnectionLost = nil
	t.onNATDetectionRequested = nil
	mgr := t.mgr
	stop := t.reapStop
	t.mu.Unlock()

	t.selfRef.Clear()

	if stop != nil {
		close(stop)
	}

	strand.RunSync(t.strand, func() time.Duration {
		if mgr != nil {
			mgr.Close()
		}
		_ = t.mux.Close()
		return 0
	})
	t.strand.Close()

	t.logger.Info("transport closed")
}
