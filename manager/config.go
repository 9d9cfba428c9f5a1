package manager

import (
	"time"

	"github.com/benbjohnson/clock"
)

// Config holds the timing and capacity knobs ConnectionManager needs.
// Transport constructs one from its own Options and passes it through
// unchanged.
type Config struct {
	// BootstrapConnectTimeout bounds how long a bootstrap or ping
	// handshake waits for a reply.
	BootstrapConnectTimeout time.Duration
	// BootstrapConnectionLifespan is the lifespan given to a normal
	// connection accepted via HandlePingFrom; zero for BootstrapAndDrop.
	BootstrapConnectionLifespan time.Duration
	// MaxConnections caps the ConnectionSet's size; zero means unbounded.
	MaxConnections int
	// PingSuppressWindow deduplicates repeated HandlePingFrom calls from
	// the same (sender, node id) pair arriving within this window. Zero
	// disables suppression.
	PingSuppressWindow time.Duration
	// PingSuppressSize bounds the suppression cache's entry count.
	PingSuppressSize int
	// Clock supplies Now() for bootstrap-connection-lifespan expiry
	// checks (ReapExpired). A clock.NewMock() can be injected to make
	// lifespan expiry deterministic; nil defaults to the real clock.
	Clock clock.Clock
}

// DefaultConfig returns the timings used when Transport.Options leaves
// these fields unset.
func DefaultConfig() Config {
	return Config{
		BootstrapConnectTimeout:     5 * time.Second,
		BootstrapConnectionLifespan: 10 * time.Second,
		MaxConnections:              0,
		PingSuppressWindow:          2 * time.Second,
		PingSuppressSize:            256,
	}
}
