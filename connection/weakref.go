package connection

import "sync/atomic"

// Owner is the narrow set of operations a Connection needs to call back
// onto its owning Transport. Kept separate from the concrete Transport
// type so this package does not import the root package (which imports
// this one).
type Owner interface {
	// NotifyClosed reports that conn has reached a terminal state.
	NotifyClosed(conn *Connection, timedOut bool)
}

// WeakRef is this module's stand-in for a weak pointer: Go does not
// expose one that every toolchain version supports, so a Connection
// holds its owning Transport behind an atomically-guarded slot instead.
// Transport.Close clears every live Connection's slot before tearing
// itself down; any continuation already in flight that tries to
// upgrade the reference afterward observes nil and returns rather than
// touching a half-closed Transport.
type WeakRef struct {
	owner atomic.Value // holds ownerBox
}

type ownerBox struct {
	owner Owner
}

// NewWeakRef wraps owner in a WeakRef.
func NewWeakRef(owner Owner) *WeakRef {
	w := &WeakRef{}
	w.owner.Store(ownerBox{owner: owner})
	return w
}

// Get upgrades the weak reference. It returns nil once Clear has been
// called, which every posted continuation must check before acting.
func (w *WeakRef) Get() Owner {
	box, _ := w.owner.Load().(ownerBox)
	return box.owner
}

// Clear drops the reference. Called by the owning Transport as the
// first step of its own teardown, before any Connection is closed.
func (w *WeakRef) Clear() {
	w.owner.Store(ownerBox{owner: nil})
}
