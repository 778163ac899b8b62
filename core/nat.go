package core

// NAT traversal (part of C4, §4.4 "NAT traversal: best-effort port mapping
// attempted automatically; failure degrades to relay-dependent
// connectivity without aborting startup").
//
// Adapted near-verbatim from core/nat_traversal.go: same NAT-PMP-then-UPnP
// fallback order, same external-IP discovery via the LAN gateway. Renamed
// for the transport's domain and made to return a soft-fail (nil manager,
// no error) rather than an error when no gateway responds, since §4.4
// treats the absence of a mappable gateway as the ordinary case on a
// relay-only network, not a startup failure.

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/huin/goupnp/dcps/internetgateway1"
	"github.com/jackpal/gateway"
	natpmp "github.com/jackpal/go-nat-pmp"
	"github.com/sirupsen/logrus"
)

// NATManager performs best-effort external port mapping via NAT-PMP or
// UPnP, falling back silently when neither gateway protocol is available.
type NATManager struct {
	ip         net.IP
	pmp        *natpmp.Client
	upnp       *internetgateway1.WANIPConnection1
	mappedPort int
}

// DiscoverNAT probes the LAN gateway for NAT-PMP or UPnP support. A nil,
// nil return means no mappable gateway was found — the caller should
// continue without port mapping rather than treat this as fatal.
func DiscoverNAT() (*NATManager, error) {
	m := &NATManager{}
	if gw, err := gateway.DiscoverGateway(); err == nil {
		m.pmp = natpmp.NewClient(gw)
		if res, err := m.pmp.GetExternalAddress(); err == nil {
			m.ip = net.IPv4(res.ExternalIPAddress[0], res.ExternalIPAddress[1], res.ExternalIPAddress[2], res.ExternalIPAddress[3])
		}
	}
	if m.ip == nil {
		if clients, _, err := internetgateway1.NewWANIPConnection1Clients(); err == nil && len(clients) > 0 {
			m.upnp = clients[0]
			if ipStr, err := m.upnp.GetExternalIPAddress(); err == nil {
				m.ip = net.ParseIP(ipStr)
			}
		}
	}
	if m.ip == nil {
		return nil, nil
	}
	return m, nil
}

// ExternalIP returns the gateway-reported public address.
func (m *NATManager) ExternalIP() net.IP { return m.ip }

// Map requests an external port mapping for the node's listen port,
// logging and continuing on failure (§4.4 "best-effort").
func (m *NATManager) Map(port int) {
	if m.pmp != nil {
		if _, err := m.pmp.AddPortMapping("tcp", port, port, 3600); err == nil {
			m.mappedPort = port
			return
		}
	}
	if m.upnp != nil {
		if err := m.upnp.AddPortMapping("", uint16(port), "TCP", uint16(port), m.ip.String(), true, "graphchan", 3600); err == nil {
			m.mappedPort = port
			return
		}
	}
	natLogger.Warn("nat: port mapping failed, continuing relay-dependent")
}

// Unmap releases a previously mapped port.
func (m *NATManager) Unmap() {
	if m.mappedPort == 0 {
		return
	}
	if m.pmp != nil {
		_, _ = m.pmp.AddPortMapping("tcp", m.mappedPort, m.mappedPort, 0)
	} else if m.upnp != nil {
		_ = m.upnp.DeletePortMapping("", uint16(m.mappedPort), "TCP")
	}
	m.mappedPort = 0
}

var natLogger = logrus.StandardLogger()

// SetNATLogger overrides the package-level logger.
func SetNATLogger(l *logrus.Logger) { natLogger = l }

func tcpPortOf(multiaddr string) (int, error) {
	parts := strings.Split(multiaddr, "/")
	for i := 0; i < len(parts)-1; i++ {
		if parts[i] == "tcp" {
			return strconv.Atoi(parts[i+1])
		}
	}
	return 0, fmt.Errorf("nat: no tcp port in %s", multiaddr)
}
