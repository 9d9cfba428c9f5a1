package connection

// State is a Connection's position in its lifecycle.
type State int

const (
	// Pending is the initial state, before the handshake has resolved.
	Pending State = iota
	// Bootstrapping is a normal connection with a short post-success
	// lifespan, used while joining the overlay through a candidate.
	Bootstrapping
	// Temporary connections serve a single ping or bootstrap-and-drop
	// handshake and are never registered in the ConnectionSet.
	Temporary
	// Unvalidated is a normal connection whose handshake has completed
	// but which has not yet been promoted to Permanent.
	Unvalidated
	// Permanent is a fully validated normal connection.
	Permanent
	// Duplicate is a terminal label for whichever side lost the
	// add_connection race; it is closed and never announced.
	Duplicate
)

// String renders the state for logging.
func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Bootstrapping:
		return "bootstrapping"
	case Temporary:
		return "temporary"
	case Unvalidated:
		return "unvalidated"
	case Permanent:
		return "permanent"
	case Duplicate:
		return "duplicate"
	default:
		return "unknown"
	}
}

// IsNormal reports whether s is one of the three states that occupy a
// peer's single slot in the ConnectionSet: Bootstrapping, Unvalidated,
// or Permanent.
func (s State) IsNormal() bool {
	switch s {
	case Bootstrapping, Unvalidated, Permanent:
		return true
	default:
		return false
	}
}
