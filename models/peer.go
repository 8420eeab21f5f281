package models

import (
	"net"
	"strconv"
)

// PeerRecord is one registry entry for a currently online peer.
type PeerRecord struct {
	Name     string `json:"name"`
	Host     string `json:"host"`
	TCPPort  int    `json:"tcp_port"`
	UDPPort  int    `json:"udp_port"`
	LastSeen int64  `json:"last_seen,omitempty"`
}

// TCPAddr returns the peer's dialable chat address.
func (p PeerRecord) TCPAddr() string {
	return net.JoinHostPort(p.Host, strconv.Itoa(p.TCPPort))
}
