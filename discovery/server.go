package discovery

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"chatx/models"
)

const (
	// DefaultHeartbeatInterval is assumed when the server is started without one.
	DefaultHeartbeatInterval = 5 * time.Second
	// livenessMultiplier sets the silence tolerance as a multiple of the
	// heartbeat interval.
	livenessMultiplier = 3
	// pushWriteTimeout bounds one snapshot write so a stalled client cannot
	// wedge the registry.
	pushWriteTimeout = 5 * time.Second
)

// ServerOptions configures the discovery server.
type ServerOptions struct {
	HeartbeatInterval time.Duration
	Logger            *logrus.Logger
}

// Server is the in-memory peer registry. Clients hold one persistent
// connection each; every registry mutation is followed by a pushed snapshot
// to all connected clients.
type Server struct {
	options ServerOptions
	log     *logrus.Entry

	listener net.Listener

	mu    sync.Mutex
	peers map[string]*registryEntry

	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

type registryEntry struct {
	record models.PeerRecord
	client *serverClient
}

// serverClient serializes writes to one client connection.
type serverClient struct {
	conn net.Conn
	enc  *json.Encoder
	mu   sync.Mutex
}

func (c *serverClient) send(msg Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(pushWriteTimeout))
	return c.enc.Encode(msg)
}

// Listen starts the registry on the given TCP address.
func Listen(address string, options ServerOptions) (*Server, error) {
	if options.HeartbeatInterval <= 0 {
		options.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if options.Logger == nil {
		options.Logger = logrus.New()
	}

	listener, err := net.Listen("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("listen on %q: %w", address, err)
	}

	server := &Server{
		options:  options,
		log:      options.Logger.WithField("component", "discovery-server"),
		listener: listener,
		peers:    make(map[string]*registryEntry),
		closed:   make(chan struct{}),
	}

	server.wg.Add(2)
	go server.acceptLoop()
	go server.sweepLoop()

	server.log.WithField("addr", listener.Addr().String()).Info("registry listening")
	return server, nil
}

// Addr returns the listening address.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Close stops the listener, drains the registry, and closes all client
// connections.
func (s *Server) Close() error {
	var closeErr error
	s.closeOnce.Do(func() {
		close(s.closed)
		closeErr = s.listener.Close()

		s.mu.Lock()
		for name, entry := range s.peers {
			_ = entry.client.conn.Close()
			delete(s.peers, name)
		}
		s.mu.Unlock()

		s.wg.Wait()
		s.log.Info("registry stopped")
	})
	return closeErr
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.closed:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.log.WithError(err).Warn("accept failed")
			continue
		}

		s.wg.Add(1)
		go s.handleConn(conn)
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer s.wg.Done()

	client := &serverClient{conn: conn, enc: json.NewEncoder(conn)}
	dec := json.NewDecoder(conn)

	// Connection loss is an implicit unregister for whichever name this
	// connection registered.
	registeredName := ""
	defer func() {
		_ = conn.Close()
		if registeredName != "" {
			s.remove(registeredName, "connection lost")
		}
	}()

	for {
		var msg Message
		if err := dec.Decode(&msg); err != nil {
			return
		}

		switch msg.Type {
		case TypeRegister:
			s.handleRegister(client, conn, msg, &registeredName)
		case TypeHeartbeat:
			s.handleHeartbeat(client, msg)
		case TypeUnregister:
			if registeredName != "" && msg.Name == registeredName {
				s.remove(registeredName, "unregistered")
				registeredName = ""
			}
		default:
			_ = client.send(Message{Type: TypeError, Code: "unknown_type", Reason: msg.Type})
		}
	}
}

func (s *Server) handleRegister(client *serverClient, conn net.Conn, msg Message, registeredName *string) {
	host := "127.0.0.1"
	if tcpAddr, ok := conn.RemoteAddr().(*net.TCPAddr); ok {
		host = tcpAddr.IP.String()
	}

	if msg.Name == "" || msg.TCPPort <= 0 || msg.UDPPort <= 0 {
		_ = client.send(Message{Type: TypeError, Code: "invalid_register", Reason: "missing registration fields"})
		return
	}

	s.mu.Lock()
	if _, exists := s.peers[msg.Name]; exists {
		s.mu.Unlock()
		s.log.WithFields(logrus.Fields{"name": msg.Name, "addr": conn.RemoteAddr().String()}).
			Warn("rejected duplicate registration")
		_ = client.send(Message{Type: TypeError, Code: CodeDuplicateName, Reason: "display name already registered"})
		return
	}

	s.peers[msg.Name] = &registryEntry{
		record: models.PeerRecord{
			Name:     msg.Name,
			Host:     host,
			TCPPort:  msg.TCPPort,
			UDPPort:  msg.UDPPort,
			LastSeen: time.Now().UnixMilli(),
		},
		client: client,
	}
	*registeredName = msg.Name

	snapshot := s.snapshotLocked(msg.Name)
	pushes := s.broadcastPushesLocked(msg.Name)
	count := len(s.peers)
	s.mu.Unlock()

	s.log.WithFields(logrus.Fields{"name": msg.Name, "addr": conn.RemoteAddr().String(), "peers": count}).
		Info("peer registered")
	_ = client.send(Message{Type: TypeAck, Peers: snapshot})
	sendPushes(pushes)
}

func (s *Server) handleHeartbeat(client *serverClient, msg Message) {
	s.mu.Lock()
	entry, ok := s.peers[msg.Name]
	if ok {
		entry.record.LastSeen = time.Now().UnixMilli()
	}
	s.mu.Unlock()

	if !ok {
		_ = client.send(Message{Type: TypeError, Code: CodeUnknownPeer, Reason: msg.Name})
		return
	}
	_ = client.send(Message{Type: TypeAck})
}

// remove deletes a peer and pushes the updated snapshot to everyone else.
func (s *Server) remove(name, reason string) {
	s.mu.Lock()
	entry, ok := s.peers[name]
	if !ok {
		s.mu.Unlock()
		return
	}
	delete(s.peers, name)
	pushes := s.broadcastPushesLocked("")
	count := len(s.peers)
	s.mu.Unlock()

	sendPushes(pushes)
	_ = entry.client.conn.Close()
	s.log.WithFields(logrus.Fields{"name": name, "reason": reason, "peers": count}).
		Info("peer removed")
}

func (s *Server) sweepLoop() {
	defer s.wg.Done()

	interval := s.options.HeartbeatInterval / 2
	if interval <= 0 {
		interval = s.options.HeartbeatInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.sweepStale()
		case <-s.closed:
			return
		}
	}
}

// sweepStale removes peers whose heartbeats stopped, even without a clean
// disconnect, and broadcasts the removal.
func (s *Server) sweepStale() {
	cutoff := time.Now().Add(-livenessMultiplier * s.options.HeartbeatInterval).UnixMilli()

	s.mu.Lock()
	var expired []*registryEntry
	for name, entry := range s.peers {
		if entry.record.LastSeen < cutoff {
			expired = append(expired, entry)
			delete(s.peers, name)
		}
	}
	var pushes []push
	if len(expired) > 0 {
		pushes = s.broadcastPushesLocked("")
	}
	s.mu.Unlock()

	sendPushes(pushes)
	for _, entry := range expired {
		_ = entry.client.conn.Close()
		s.log.WithFields(logrus.Fields{"name": entry.record.Name, "reason": "liveness timeout"}).
			Info("peer removed")
	}
}

// snapshotLocked builds a sorted peer list excluding the given recipient.
// Callers must hold s.mu so no snapshot reflects a torn registry view.
func (s *Server) snapshotLocked(exclude string) []models.PeerRecord {
	snapshot := make([]models.PeerRecord, 0, len(s.peers))
	for name, entry := range s.peers {
		if name == exclude {
			continue
		}
		snapshot = append(snapshot, entry.record)
	}
	sort.Slice(snapshot, func(i, j int) bool { return snapshot[i].Name < snapshot[j].Name })
	return snapshot
}

// push is one pending snapshot delivery to one client.
type push struct {
	client *serverClient
	msg    Message
}

// broadcastPushesLocked builds each connected client's view of the registry.
// The skip name is for a client about to receive the same snapshot in its
// registration ack. Callers send the pushes after releasing s.mu so socket
// writes never serialize the whole registry.
func (s *Server) broadcastPushesLocked(skip string) []push {
	pushes := make([]push, 0, len(s.peers))
	for name, entry := range s.peers {
		if name == skip {
			continue
		}
		pushes = append(pushes, push{
			client: entry.client,
			msg:    Message{Type: TypePeerListUpdate, Peers: s.snapshotLocked(name)},
		})
	}
	return pushes
}

func sendPushes(pushes []push) {
	for _, p := range pushes {
		_ = p.client.send(p.msg)
	}
}

// PeerCount returns the number of currently registered peers.
func (s *Server) PeerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.peers)
}
