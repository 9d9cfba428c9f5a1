package endpoint

import "github.com/opd-ai/rudpcore/crypto"

// Contact is a peer's bootstrap-time identity: its node id, the
// local/external endpoint pair at which it can be reached, and the
// public key it will present during the handshake.
//
//export RudpContact
type Contact struct {
	ID           crypto.NodeID
	EndpointPair Pair
	PublicKey    [32]byte
}

// NilContact is the null contact returned when bootstrapping fails to reach
// any candidate.
var NilContact = Contact{}

// IsValid reports whether the contact carries a usable node id.
func (c Contact) IsValid() bool {
	return c.ID.IsValid()
}
