package manager

import "errors"

// Errors surfaced by ConnectionManager and Transport operations, named
// after the domain taxonomy rather than their Go type: callers switch
// on these sentinels, not on a type hierarchy.
var (
	// ErrNotConnectable is reported when bootstrapping exhausts every
	// candidate without completing a handshake.
	ErrNotConnectable = errors.New("rudp: not connectable")
	// ErrInvalidConnection names the outcome where a connection's state
	// is not one of the three normal states. AddConnection reports that
	// outcome as connection.InvalidConnection, not as this error.
	ErrInvalidConnection = errors.New("rudp: invalid connection")
	// ErrConnectionAlreadyExists names the outcome where a normal
	// connection to the peer already occupies the set. AddConnection
	// reports that outcome as connection.AlreadyExists, not as this error.
	ErrConnectionAlreadyExists = errors.New("rudp: connection already exists")
	// ErrTimedOut is reported through the connect callback when a
	// handshake attempt exceeds its timeout.
	ErrTimedOut = errors.New("rudp: timed out")
	// ErrFailedToConnect is reported when a connect attempt cannot even
	// begin, e.g. the multiplexer is closed.
	ErrFailedToConnect = errors.New("rudp: failed to connect")
)
