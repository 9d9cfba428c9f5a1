// Package registry implements the SocketRegistry: the map from
// per-transport socket ids to live Socket handles that the Dispatcher
// consults for every bound datagram.
package registry

import (
	"math/rand"
	"sync"

	"github.com/opd-ai/rudpcore/endpoint"
	"github.com/opd-ai/rudpcore/socket"
)

// Registry is accessed only from the executor per the concurrency
// model, but guards itself with a mutex anyway so callers that violate
// that (tests, foreign-thread debug tooling) fail safely rather than
// racily.
type Registry struct {
	mu      sync.Mutex
	sockets map[uint32]socket.Socket
	rand    *rand.Rand
}

// New constructs an empty registry.
func New() *Registry {
	return &Registry{
		sockets: make(map[uint32]socket.Socket),
		rand:    rand.New(rand.NewSource(randSeed())),
	}
}

// Add generates a random non-zero id not currently in use, assigns it
// to sock via sock.SetID, and inserts it. Collisions regenerate; with a
// u32 id space and a connection count in the tens, the loop is expected
// to run once.
func (r *Registry) Add(sock socket.Socket) uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()

	var id uint32
	for {
		id = r.rand.Uint32()
		if id == 0 {
			continue
		}
		if _, exists := r.sockets[id]; !exists {
			break
		}
	}

	r.sockets[id] = sock
	sock.SetID(id)
	return id
}

// Remove deletes the socket with the given id. Id 0 is ignored (it
// never denotes a real registration). Idempotent.
func (r *Registry) Remove(id uint32) {
	if id == 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sockets, id)
}

// Find returns the socket registered under id, or nil if absent.
func (r *Registry) Find(id uint32) socket.Socket {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sockets[id]
}

// FindByPeerAddress performs the linear scan the symmetric-NAT
// endpoint-revision path needs: among registered sockets whose current
// peer endpoint shares addr's IP, is public, and has not yet completed
// its handshake, return the first match. A linear scan is acceptable at
// this layer's expected connection counts (tens, not thousands).
func (r *Registry) FindByPeerAddress(addr endpoint.Endpoint) socket.Socket {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, sock := range r.sockets {
		peer := sock.PeerEndpoint()
		if sock.IsConnected() {
			continue
		}
		if endpoint.IsPrivate(peer) {
			continue
		}
		if endpoint.SameAddress(peer, addr) {
			return sock
		}
	}
	return nil
}

// FindByExactPeerEndpoint returns the first registered socket whose
// peer endpoint exactly matches addr, or nil.
func (r *Registry) FindByExactPeerEndpoint(addr endpoint.Endpoint) socket.Socket {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, sock := range r.sockets {
		if sock.PeerEndpoint().Equal(addr) {
			return sock
		}
	}
	return nil
}

// Len reports the number of registered sockets, used by DebugString.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sockets)
}
