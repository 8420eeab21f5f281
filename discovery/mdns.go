package discovery

import (
	"fmt"
	"strconv"

	"github.com/grandcat/zeroconf"
)

const (
	// MDNSService is the mDNS service name without domain suffix.
	MDNSService = "_chatx._tcp"
	// MDNSDomain is the mDNS domain.
	MDNSDomain = "local."
)

// Beacon advertises the local client's presence on the LAN via mDNS. The
// central registry stays authoritative; the beacon only keeps co-located
// peers visible when the registry is unreachable.
type Beacon struct {
	server *zeroconf.Server
}

// StartBeacon registers the display name and advertised ports over mDNS.
func StartBeacon(name string, tcpPort, udpPort int) (*Beacon, error) {
	if name == "" {
		return nil, fmt.Errorf("display name is required")
	}
	if tcpPort <= 0 {
		return nil, fmt.Errorf("tcp port must be > 0")
	}

	txt := []string{
		"udp_port=" + strconv.Itoa(udpPort),
		"version=1",
	}
	server, err := zeroconf.Register(name, MDNSService, MDNSDomain, tcpPort, txt, nil)
	if err != nil {
		return nil, fmt.Errorf("register mDNS service: %w", err)
	}

	return &Beacon{server: server}, nil
}

// Stop stops mDNS broadcasting.
func (b *Beacon) Stop() {
	if b == nil || b.server == nil {
		return
	}
	b.server.Shutdown()
}
