// Package nat implements this module's NAT-detection glue (§4.5):
// Transport's bootstrap path first tries to obtain a real port mapping
// via NAT-PMP or UPnP IGD, which doubles as a positive "we are at
// least cone-NATed, not symmetric" signal; only if neither mapping
// attempt succeeds does Transport fall back to the ping-based
// symmetric-NAT probe the spec's §4.5 describes at the Socket layer.
package nat

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/huin/goupnp/dcps/internetgateway2"
	natpmp "github.com/jackpal/go-nat-pmp"
	"github.com/opd-ai/rudpcore/endpoint"
	"github.com/sirupsen/logrus"
)

// Type is this module's coarse NAT classification — only as fine-
// grained as Transport's bootstrap logic actually branches on (§4.5
// only ever asks "is it Symmetric").
type Type int

const (
	// Unknown means no detection attempt has resolved yet.
	Unknown Type = iota
	// None means no NAT sits in front of this host at all. Nothing in
	// this package records it; a port mapping records Cone.
	None
	// Cone means a port mapping was obtained via NAT-PMP or UPnP: the
	// external port is known and stable.
	Cone
	// Symmetric means the ping-based probe (§4.5) failed: the external
	// port a peer observes is unpredictable, so Transport must rely on
	// peers connecting in rather than connecting out.
	Symmetric
)

// String renders the type for logging and DebugString.
func (t Type) String() string {
	switch t {
	case None:
		return "none"
	case Cone:
		return "cone"
	case Symmetric:
		return "symmetric"
	default:
		return "unknown"
	}
}

// Detector holds this transport's current NAT verdict. The NAT-PMP and
// UPnP clients TryPortMapping uses are created per call, not held here.
type Detector struct {
	mu      sync.Mutex
	natType Type
	logger  *logrus.Entry
}

// NewDetector constructs a Detector with an Unknown verdict.
func NewDetector(logger *logrus.Entry) *Detector {
	if logger == nil {
		logger = logrus.WithField("component", "nat")
	}
	return &Detector{logger: logger}
}

// Type returns the current verdict.
func (d *Detector) Type() Type {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.natType
}

// RecordSymmetric records a failed ping-based probe (§4.5): this
// transport must be treated as behind a symmetric NAT from now on.
func (d *Detector) RecordSymmetric() {
	d.mu.Lock()
	d.natType = Symmetric
	d.mu.Unlock()
	d.logger.Debug("nat type recorded as symmetric")
}

func (d *Detector) setType(t Type) {
	d.mu.Lock()
	d.natType = t
	d.mu.Unlock()
}

// TryPortMapping attempts NAT-PMP first (if gatewayIP is known), then
// UPnP IGD discovery, to obtain a stable external mapping for
// internalPort. A successful mapping is recorded as Cone. gatewayIP
// may be nil, in which case the NAT-PMP attempt is skipped — Transport
// does not itself discover the default gateway, leaving that to
// whatever deployment-specific config supplies it.
func (d *Detector) TryPortMapping(ctx context.Context, gatewayIP net.IP, internalPort uint16) (endpoint.Endpoint, bool) {
	if gatewayIP != nil {
		if ext, ok := d.tryNATPMP(gatewayIP, internalPort); ok {
			return ext, true
		}
	}
	return d.tryUPnP(ctx, internalPort)
}

func (d *Detector) tryNATPMP(gatewayIP net.IP, internalPort uint16) (endpoint.Endpoint, bool) {
	client := natpmp.NewClientWithTimeout(gatewayIP, 2*time.Second)

	extAddr, err := client.GetExternalAddress()
	if err != nil {
		d.logger.WithError(err).Debug("nat-pmp: get external address failed")
		return endpoint.Nil, false
	}

	mapping, err := client.AddPortMapping("udp", int(internalPort), int(internalPort), 3600)
	if err != nil {
		d.logger.WithError(err).Debug("nat-pmp: add port mapping failed")
		return endpoint.Nil, false
	}

	ip := net.IP(extAddr.ExternalIPAddress[:])
	d.setType(Cone)
	d.logger.WithFields(logrus.Fields{"external_ip": ip.String(), "port": mapping.MappedExternalPort}).
		Info("nat-pmp port mapping established")
	return endpoint.New(ip, mapping.MappedExternalPort), true
}

func (d *Detector) tryUPnP(ctx context.Context, internalPort uint16) (endpoint.Endpoint, bool) {
	type result struct {
		ext endpoint.Endpoint
		ok  bool
	}
	resCh := make(chan result, 1)

	go func() {
		clients, _, err := internetgateway2.NewWANIPConnection1Clients()
		if err != nil || len(clients) == 0 {
			resCh <- result{}
			return
		}
		client := clients[0]

		externalIPStr, err := client.GetExternalIPAddress()
		if err != nil {
			resCh <- result{}
			return
		}
		ip := net.ParseIP(externalIPStr)
		if ip == nil {
			resCh <- result{}
			return
		}

		localIP, err := localOutboundIP()
		if err != nil {
			resCh <- result{}
			return
		}

		if err := client.AddPortMapping("", internalPort, "UDP", internalPort, localIP.String(), true, "rudpcore", 3600); err != nil {
			resCh <- result{}
			return
		}

		resCh <- result{ext: endpoint.New(ip, internalPort), ok: true}
	}()

	select {
	case r := <-resCh:
		if r.ok {
			d.setType(Cone)
			d.logger.WithField("external", r.ext.String()).Info("upnp port mapping established")
		}
		return r.ext, r.ok
	case <-ctx.Done():
		d.logger.Debug("upnp: discovery timed out")
		return endpoint.Nil, false
	}
}

// localOutboundIP returns the local address this host would use to
// reach the public internet, needed as the UPnP mapping's internal
// client address. Dialing UDP does not itself send a packet.
func localOutboundIP() (net.IP, error) {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	return conn.LocalAddr().(*net.UDPAddr).IP, nil
}
