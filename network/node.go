package network

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"chatx/models"
)

// DefaultDialTimeout bounds the TCP connect to a peer's advertised address.
const DefaultDialTimeout = 5 * time.Second

// NodeConfig configures one client node.
type NodeConfig struct {
	Name             string
	TCPRange         PortRange
	UDPRange         PortRange
	Transfer         TransferConfig
	HandshakeTimeout time.Duration
	DialTimeout      time.Duration
	Events           Events
	Logger           *logrus.Logger
}

// Node is one running client endpoint. It owns the local port allocation, a
// listener for inbound peer connections, and the table of live connections
// keyed by peer name.
type Node struct {
	name        string
	transferCfg TransferConfig
	hsTimeout   time.Duration
	dialTimeout time.Duration
	events      Events
	logger      *logrus.Logger
	log         *logrus.Entry

	allocator *PortAllocator
	ports     Ports
	listener  net.Listener

	errs chan error

	mu     sync.Mutex
	conns  map[string]*PeerConnection
	closed bool
}

// StartNode allocates local ports and starts listening for peer connections.
// A port range with no free port is fatal; the caller must not retry.
func StartNode(cfg NodeConfig) (*Node, error) {
	if cfg.Name == "" {
		return nil, errors.New("network: node name required")
	}
	if cfg.Events == nil {
		cfg.Events = NopEvents{}
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}

	allocator, err := NewPortAllocator(cfg.TCPRange, cfg.UDPRange)
	if err != nil {
		return nil, err
	}
	ports, err := allocator.Acquire()
	if err != nil {
		return nil, err
	}

	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", ports.TCP))
	if err != nil {
		allocator.Release(ports)
		return nil, fmt.Errorf("listen on allocated port %d: %w", ports.TCP, err)
	}

	n := &Node{
		name:        cfg.Name,
		transferCfg: cfg.Transfer,
		hsTimeout:   cfg.HandshakeTimeout,
		dialTimeout: cfg.DialTimeout,
		events:      cfg.Events,
		logger:      cfg.Logger,
		log:         cfg.Logger.WithFields(logrus.Fields{"component": "node", "name": cfg.Name}),
		allocator:   allocator,
		ports:       ports,
		listener:    listener,
		errs:        make(chan error, 16),
		conns:       make(map[string]*PeerConnection),
	}

	n.log.WithFields(logrus.Fields{"tcp": ports.TCP, "udp": ports.UDP}).Info("node listening")
	go n.acceptLoop()
	return n, nil
}

// Errors exposes asynchronous failures from the accept path. The channel is
// buffered; when no one drains it, new errors are dropped.
func (n *Node) Errors() <-chan error {
	return n.errs
}

func (n *Node) reportError(err error) {
	select {
	case n.errs <- err:
	default:
	}
}

// Ports returns the node's allocated TCP and UDP ports.
func (n *Node) Ports() Ports {
	return n.ports
}

// Name returns the node's display name.
func (n *Node) Name() string {
	return n.name
}

// Peer returns the live connection to a named peer, if any.
func (n *Node) Peer(name string) (*PeerConnection, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	pc, ok := n.conns[name]
	return pc, ok
}

// Peers returns the names of currently connected peers.
func (n *Node) Peers() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	names := make([]string, 0, len(n.conns))
	for name := range n.conns {
		names = append(names, name)
	}
	return names
}

// Connect dials a peer's advertised address and runs the handshake. An
// existing connection to the same peer is reused.
func (n *Node) Connect(peer models.PeerRecord) (*PeerConnection, error) {
	if pc, ok := n.Peer(peer.Name); ok {
		return pc, nil
	}

	conn, err := net.DialTimeout("tcp", peer.TCPAddr(), n.dialTimeout)
	if err != nil {
		return nil, fmt.Errorf("%w: %s at %s: %v", ErrPeerUnavailable, peer.Name, peer.TCPAddr(), err)
	}

	peerName, sessionKey, err := initiateHandshake(conn, n.name, n.hsTimeout)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}

	pc := newPeerConnection(conn, sessionKey, n.name, peerName, n.events, n.transferCfg, n.logger)
	return n.register(pc)
}

// SendText sends a text message to a connected peer.
func (n *Node) SendText(peerName, text string) error {
	pc, ok := n.Peer(peerName)
	if !ok {
		return fmt.Errorf("%w: %s not connected", ErrPeerUnavailable, peerName)
	}
	return pc.SendText(text)
}

// SendFile starts a file transfer to a connected peer and returns the
// transfer ID.
func (n *Node) SendFile(peerName, path string) (string, error) {
	pc, ok := n.Peer(peerName)
	if !ok {
		return "", fmt.Errorf("%w: %s not connected", ErrPeerUnavailable, peerName)
	}
	return pc.Engine().SendFile(path)
}

// AbortTransfer cancels a transfer on whichever connection is running it.
func (n *Node) AbortTransfer(transferID string) error {
	n.mu.Lock()
	conns := make([]*PeerConnection, 0, len(n.conns))
	for _, pc := range n.conns {
		conns = append(conns, pc)
	}
	n.mu.Unlock()

	for _, pc := range conns {
		if err := pc.Engine().Abort(transferID); !errors.Is(err, ErrUnknownTransfer) {
			return err
		}
	}
	return ErrUnknownTransfer
}

// TransferStatus reports a transfer's lifecycle state across all live
// connections.
func (n *Node) TransferStatus(transferID string) (models.TransferStatus, error) {
	n.mu.Lock()
	conns := make([]*PeerConnection, 0, len(n.conns))
	for _, pc := range n.conns {
		conns = append(conns, pc)
	}
	n.mu.Unlock()

	for _, pc := range conns {
		if status, err := pc.Engine().TransferStatus(transferID); err == nil {
			return status, nil
		}
	}
	return "", ErrUnknownTransfer
}

// Close shuts down the listener, all peer connections, and returns the port
// allocation.
func (n *Node) Close() error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	n.closed = true
	conns := make([]*PeerConnection, 0, len(n.conns))
	for _, pc := range n.conns {
		conns = append(conns, pc)
	}
	n.mu.Unlock()

	err := n.listener.Close()
	for _, pc := range conns {
		_ = pc.Close()
	}
	n.allocator.Release(n.ports)
	return err
}

func (n *Node) acceptLoop() {
	for {
		conn, err := n.listener.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				n.log.WithError(err).Warn("accept failed")
				n.reportError(err)
			}
			return
		}
		go n.handleInbound(conn)
	}
}

func (n *Node) handleInbound(conn net.Conn) {
	peerName, sessionKey, err := respondHandshake(conn, n.name, n.hsTimeout)
	if err != nil {
		n.log.WithError(err).WithField("remote", conn.RemoteAddr().String()).
			Warn("inbound handshake failed")
		n.reportError(err)
		_ = conn.Close()
		return
	}

	pc := newPeerConnection(conn, sessionKey, n.name, peerName, n.events, n.transferCfg, n.logger)
	if _, err := n.register(pc); err != nil {
		n.log.WithError(err).WithField("peer", peerName).Debug("dropping inbound connection")
	}
}

// register adds a connection to the table. When both sides dial each other at
// once the first registered connection wins and the loser is closed.
func (n *Node) register(pc *PeerConnection) (*PeerConnection, error) {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		_ = pc.Close()
		return nil, net.ErrClosed
	}
	if existing, ok := n.conns[pc.PeerName()]; ok {
		n.mu.Unlock()
		_ = pc.Close()
		return existing, nil
	}
	n.conns[pc.PeerName()] = pc
	n.mu.Unlock()

	n.log.WithField("peer", pc.PeerName()).Info("peer connected")

	go func() {
		<-pc.Done()
		n.mu.Lock()
		if n.conns[pc.PeerName()] == pc {
			delete(n.conns, pc.PeerName())
		}
		n.mu.Unlock()
	}()
	return pc, nil
}
