package rudp

import (
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"
)

// Options carries the tunables listed in §6, plus the ambient logger
// and clock every package in this module accepts. New fills zero-value
// fields from DefaultOptions, except PingSuppressWindow (zero is kept and
// disables suppression; only a negative value takes the default) and
// MaxConnections (zero means unbounded, which is also the default).
type Options struct {
	// BootstrapConnectTimeout bounds how long Bootstrap waits for a
	// single candidate's handshake before moving to the next one.
	BootstrapConnectTimeout time.Duration
	// BootstrapConnectionLifespan bounds how long a Bootstrapping
	// connection may live before ReapExpired closes it.
	BootstrapConnectionLifespan time.Duration
	// RendezvousConnectTimeout bounds how long a direct Connect attempt
	// waits for its handshake.
	RendezvousConnectTimeout time.Duration
	// MaxConnections caps the ConnectionSet's size; zero means
	// unbounded.
	MaxConnections int
	// PingSuppressWindow deduplicates repeated unsolicited handshakes
	// from the same (sender, node id) pair arriving within this window.
	PingSuppressWindow time.Duration
	// PingSuppressSize bounds the suppression cache's entry count.
	PingSuppressSize int
	// ReapInterval sets how often the background sweep closes expired
	// Bootstrapping connections.
	ReapInterval time.Duration
	// Logger receives every structured log line this module emits.
	Logger *logrus.Entry
	// Clock supplies the reap sweep's Ticker() and the Now() that
	// ReapExpired checks lifespans against. Handshake timeouts do not
	// use it; sockets wait on the real clock.
	Clock clock.Clock
}

// DefaultOptions returns the timings this module uses absent explicit
// configuration.
func DefaultOptions() Options {
	return Options{
		BootstrapConnectTimeout:     5 * time.Second,
		BootstrapConnectionLifespan: 10 * time.Second,
		RendezvousConnectTimeout:    5 * time.Second,
		MaxConnections:              0,
		PingSuppressWindow:          2 * time.Second,
		PingSuppressSize:            256,
		ReapInterval:                30 * time.Second,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.BootstrapConnectTimeout <= 0 {
		o.BootstrapConnectTimeout = d.BootstrapConnectTimeout
	}
	if o.BootstrapConnectionLifespan <= 0 {
		o.BootstrapConnectionLifespan = d.BootstrapConnectionLifespan
	}
	if o.RendezvousConnectTimeout <= 0 {
		o.RendezvousConnectTimeout = d.RendezvousConnectTimeout
	}
	if o.PingSuppressWindow < 0 {
		o.PingSuppressWindow = d.PingSuppressWindow
	}
	if o.PingSuppressSize <= 0 {
		o.PingSuppressSize = d.PingSuppressSize
	}
	if o.ReapInterval <= 0 {
		o.ReapInterval = d.ReapInterval
	}
	if o.Logger == nil {
		o.Logger = logrus.WithField("component", "transport")
	}
	if o.Clock == nil {
		o.Clock = clock.New()
	}
	return o
}
