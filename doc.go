// Package rudp implements the connection lifecycle and dispatch core of
// a reliable UDP transport: Transport is the single façade an
// application holds, composing a Dispatcher, a ConnectionManager (the
// SocketRegistry plus the ConnectionSet), a Multiplexer, and the NAT
// detector behind one serialising strand.
//
// Transport does not itself implement reliable delivery, congestion
// control, or message framing: those are the concern of the engine
// layered on top of a bound Socket once its handshake completes. What
// this package owns is getting a connection from "nothing" to a normal
// state (Bootstrapping, Unvalidated, or Permanent) and back down again,
// exactly once per peer, regardless of how many handshakes race to get
// there.
//
// Example:
//
//	keys, err := crypto.GenerateKeyPair()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	id := crypto.NewNodeID(keys.Public)
//	t := rudp.New(id, keys, rudp.DefaultOptions())
//	t.Bootstrap(candidates, endpoint.New(net.IPv4zero, 33445), false,
//	    onMsg, onAdded, onLost, nil, func(err error, c endpoint.Contact) {
//	        fmt.Println("bootstrap result:", err)
//	    })
package rudp
