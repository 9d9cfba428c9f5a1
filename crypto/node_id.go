package crypto

import (
	"encoding/hex"
)

// NodeIDSize is the width in bytes of a NodeId.
const NodeIDSize = 32

// NodeID is an opaque fixed-width identifier for a peer in the RUDP
// network. It carries no cryptographic policy of its own; the connection
// layer treats two NodeIDs as the same peer purely by byte equality.
//
//export RudpNodeID
type NodeID [NodeIDSize]byte

// NilNodeID is the zero-value NodeID, used as a null sentinel by lookups
// that fail to find a peer.
var NilNodeID = NodeID{}

// NewNodeID builds a NodeID from a public key, the normal case for this
// layer where a peer's identifier and its Noise static key are the same
// bytes.
func NewNodeID(publicKey [32]byte) NodeID {
	return NodeID(publicKey)
}

// NodeIDFromBytes copies a byte slice into a NodeID, failing if the
// length does not match NodeIDSize.
func NodeIDFromBytes(b []byte) (NodeID, bool) {
	var id NodeID
	if len(b) != NodeIDSize {
		return id, false
	}
	copy(id[:], b)
	return id, true
}

// IsValid reports whether the id is non-zero. The all-zero id is reserved
// as the null sentinel returned by failed lookups.
func (id NodeID) IsValid() bool {
	return id != NilNodeID
}

// Equal reports whether two node ids refer to the same peer.
func (id NodeID) Equal(other NodeID) bool {
	return id == other
}

// String returns a short debug string: the first 7 hex characters,
// matching the truncated-id convention used for peer logging throughout
// this layer.
func (id NodeID) String() string {
	full := hex.EncodeToString(id[:])
	if len(full) < 7 {
		return full
	}
	return full[:7]
}

// FullString returns the complete hex encoding of the id.
func (id NodeID) FullString() string {
	return hex.EncodeToString(id[:])
}

// Bytes returns a copy of the id's underlying bytes.
func (id NodeID) Bytes() []byte {
	out := make([]byte, NodeIDSize)
	copy(out, id[:])
	return out
}
