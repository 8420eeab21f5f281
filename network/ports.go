package network

import (
	"errors"
	"fmt"
	"net"
	"sync"
)

// ErrPortExhausted indicates no free port remains in a configured range.
// It is fatal to client startup and must not be retried.
var ErrPortExhausted = errors.New("network: port range exhausted")

// PortRange is an inclusive range of ports to allocate from.
type PortRange struct {
	From int
	To   int
}

func (r PortRange) valid() bool {
	return r.From > 0 && r.To >= r.From && r.To < 65536
}

// Ports is one allocation of a TCP chat port and a UDP file port.
type Ports struct {
	TCP int
	UDP int
}

// PortAllocator hands out free ports from two disjoint fixed ranges. It keeps
// in-process bookkeeping and bind-probes each candidate, so several client
// instances on one host never double-issue a port.
type PortAllocator struct {
	tcpRange PortRange
	udpRange PortRange

	mu      sync.Mutex
	tcpHeld map[int]bool
	udpHeld map[int]bool
}

// NewPortAllocator validates both ranges and returns an allocator.
func NewPortAllocator(tcpRange, udpRange PortRange) (*PortAllocator, error) {
	if !tcpRange.valid() {
		return nil, fmt.Errorf("invalid TCP port range %d-%d", tcpRange.From, tcpRange.To)
	}
	if !udpRange.valid() {
		return nil, fmt.Errorf("invalid UDP port range %d-%d", udpRange.From, udpRange.To)
	}

	return &PortAllocator{
		tcpRange: tcpRange,
		udpRange: udpRange,
		tcpHeld:  make(map[int]bool),
		udpHeld:  make(map[int]bool),
	}, nil
}

// Acquire reserves one free TCP port and one free UDP port.
func (a *PortAllocator) Acquire() (Ports, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	tcpPort, err := a.acquireTCPLocked()
	if err != nil {
		return Ports{}, err
	}
	udpPort, err := a.acquireUDPLocked()
	if err != nil {
		delete(a.tcpHeld, tcpPort)
		return Ports{}, err
	}

	return Ports{TCP: tcpPort, UDP: udpPort}, nil
}

// Release returns an allocation to the pool.
func (a *PortAllocator) Release(ports Ports) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.tcpHeld, ports.TCP)
	delete(a.udpHeld, ports.UDP)
}

func (a *PortAllocator) acquireTCPLocked() (int, error) {
	for port := a.tcpRange.From; port <= a.tcpRange.To; port++ {
		if a.tcpHeld[port] {
			continue
		}
		if !probeTCP(port) {
			continue
		}
		a.tcpHeld[port] = true
		return port, nil
	}
	return 0, fmt.Errorf("%w: tcp %d-%d", ErrPortExhausted, a.tcpRange.From, a.tcpRange.To)
}

func (a *PortAllocator) acquireUDPLocked() (int, error) {
	for port := a.udpRange.From; port <= a.udpRange.To; port++ {
		if a.udpHeld[port] {
			continue
		}
		if !probeUDP(port) {
			continue
		}
		a.udpHeld[port] = true
		return port, nil
	}
	return 0, fmt.Errorf("%w: udp %d-%d", ErrPortExhausted, a.udpRange.From, a.udpRange.To)
}

// probeTCP reports whether the port can be bound right now. Ports held by
// another local process fail the bind and are skipped.
func probeTCP(port int) bool {
	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return false
	}
	_ = listener.Close()
	return true
}

func probeUDP(port int) bool {
	conn, err := net.ListenPacket("udp", fmt.Sprintf(":%d", port))
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}
