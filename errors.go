package rudp

import "github.com/opd-ai/rudpcore/manager"

// Errors surfaced by Transport operations, named after §7's domain
// taxonomy rather than a Go type hierarchy. Re-exported from manager so
// callers never need to import that package just to compare errors.
var (
	// ErrNotConnectable is reported when Bootstrap exhausts every
	// candidate without completing a handshake.
	ErrNotConnectable = manager.ErrNotConnectable
	// ErrInvalidConnection names the outcome where a connection's state
	// is not one of the three normal states at the point it would be
	// added. No Transport operation returns it; that case is handled
	// inside the ConnectionManager by closing the connection.
	ErrInvalidConnection = manager.ErrInvalidConnection
	// ErrConnectionAlreadyExists names the outcome where a normal
	// connection to the peer already occupies the ConnectionSet. No
	// Transport operation returns it; the losing connection is marked
	// Duplicate and closed silently.
	ErrConnectionAlreadyExists = manager.ErrConnectionAlreadyExists
	// ErrTimedOut is surfaced through a connect callback when a
	// handshake attempt exceeds its timeout.
	ErrTimedOut = manager.ErrTimedOut
	// ErrFailedToConnect is surfaced when a connect attempt cannot even
	// begin, e.g. the multiplexer is closed or not yet bootstrapped.
	ErrFailedToConnect = manager.ErrFailedToConnect
)
