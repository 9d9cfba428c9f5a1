package connection

import (
	"sync"

	"github.com/opd-ai/rudpcore/crypto"
)

// AddResult reports the outcome of Set.Add.
type AddResult int

const (
	// Added means the connection was inserted.
	Added AddResult = iota
	// InvalidConnection means the connection's state was not one of the
	// three normal states.
	InvalidConnection
	// AlreadyExists means a normal connection to this peer was already
	// present; the caller must mark the new connection Duplicate and
	// close it.
	AlreadyExists
)

// Set is the ConnectionSet: live Connections indexed by peer node id,
// enforcing the invariant that at most one normal connection exists per
// peer at any instant. Guarded by a short mutex per the concurrency
// model — never held across a call back into a Connection or Socket.
type Set struct {
	mu    sync.Mutex
	byID  map[crypto.NodeID]*Connection
}

// NewSet constructs an empty ConnectionSet.
func NewSet() *Set {
	return &Set{byID: make(map[crypto.NodeID]*Connection)}
}

// Add performs the atomic check-and-insert that makes add_connection's
// race-dedup guarantee hold: the precondition (conn.State() is normal)
// and the existing-peer lookup happen under the same lock acquisition.
func (s *Set) Add(conn *Connection) AddResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !conn.State().IsNormal() {
		return InvalidConnection
	}
	if _, exists := s.byID[conn.PeerID()]; exists {
		return AlreadyExists
	}
	s.byID[conn.PeerID()] = conn
	return Added
}

// Remove deletes a normal connection from the set. The spec's
// precondition (state is normal) is the caller's responsibility to
// have verified before tearing the connection down; Remove itself is
// a no-op if the peer id is not present or maps to a different
// Connection (e.g. the caller lost a race and is removing a
// superseded entry).
func (s *Set) Remove(conn *Connection) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.byID[conn.PeerID()]; ok && existing == conn {
		delete(s.byID, conn.PeerID())
	}
}

// Get returns the connection registered for peerID, or nil on miss.
func (s *Set) Get(peerID crypto.NodeID) *Connection {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.byID[peerID]
}

// Len reports the number of normal connections currently held — the
// NormalConnectionsCount the Transport/ConnectionManager expose.
func (s *Set) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byID)
}

// Snapshot returns a copy of all connections currently in the set, safe
// to iterate without holding the set's lock. Used by Close to schedule
// a close on every registered connection without risking a callback
// re-entering the lock.
func (s *Set) Snapshot() []*Connection {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*Connection, 0, len(s.byID))
	for _, conn := range s.byID {
		out = append(out, conn)
	}
	return out
}
