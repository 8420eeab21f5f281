package discovery

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"chatx/models"
)

// DefaultDialTimeout bounds the registry dial plus registration exchange.
const DefaultDialTimeout = 10 * time.Second

// RegistrarOptions configures the client side of the registry protocol.
type RegistrarOptions struct {
	ServerAddr string
	Name       string
	TCPPort    int
	UDPPort    int

	HeartbeatInterval time.Duration
	DialTimeout       time.Duration

	// OnPeerList receives every pushed registry snapshot.
	OnPeerList func([]models.PeerRecord)
	// OnDisconnect fires once when the registry connection is lost or the
	// server reports the registration lapsed.
	OnDisconnect func(error)

	Logger *logrus.Logger
}

func (o RegistrarOptions) withDefaults() RegistrarOptions {
	out := o
	if out.HeartbeatInterval <= 0 {
		out.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if out.DialTimeout <= 0 {
		out.DialTimeout = DefaultDialTimeout
	}
	if out.Logger == nil {
		out.Logger = logrus.New()
	}
	return out
}

// Registrar holds the long-lived registry connection for one client: it
// registers, heartbeats, and receives pushed peer snapshots.
type Registrar struct {
	options RegistrarOptions
	log     *logrus.Entry

	conn net.Conn
	enc  *json.Encoder

	sendMu sync.Mutex

	closed    chan struct{}
	closeOnce sync.Once
	lostOnce  sync.Once
}

// Register dials the registry, registers the display name, and returns the
// registrar together with the initial peer snapshot. A name collision is
// surfaced synchronously as ErrDuplicateName.
func Register(options RegistrarOptions) (*Registrar, []models.PeerRecord, error) {
	opts := options.withDefaults()
	if opts.Name == "" {
		return nil, nil, errors.New("discovery: display name is required")
	}
	if opts.TCPPort <= 0 || opts.UDPPort <= 0 {
		return nil, nil, errors.New("discovery: both advertised ports are required")
	}

	conn, err := net.DialTimeout("tcp", opts.ServerAddr, opts.DialTimeout)
	if err != nil {
		return nil, nil, fmt.Errorf("dial registry %q: %w", opts.ServerAddr, err)
	}

	r := &Registrar{
		options: opts,
		log:     opts.Logger.WithFields(logrus.Fields{"component": "registrar", "name": opts.Name}),
		conn:    conn,
		enc:     json.NewEncoder(conn),
		closed:  make(chan struct{}),
	}

	if err := r.send(Message{Type: TypeRegister, Name: opts.Name, TCPPort: opts.TCPPort, UDPPort: opts.UDPPort}); err != nil {
		_ = conn.Close()
		return nil, nil, fmt.Errorf("send register: %w", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(opts.DialTimeout))
	dec := json.NewDecoder(conn)

	// A concurrent registration's broadcast can land on the wire before our
	// ack; buffer any snapshots that arrive early instead of failing.
	var reply Message
	var early []Message
	for {
		var msg Message
		if err := dec.Decode(&msg); err != nil {
			_ = conn.Close()
			return nil, nil, fmt.Errorf("read register reply: %w", err)
		}
		if msg.Type == TypePeerListUpdate {
			early = append(early, msg)
			continue
		}
		reply = msg
		break
	}
	_ = conn.SetReadDeadline(time.Time{})

	switch reply.Type {
	case TypeAck:
	case TypeError:
		_ = conn.Close()
		return nil, nil, codeToError(reply.Code)
	default:
		_ = conn.Close()
		return nil, nil, fmt.Errorf("unexpected register reply type %q", reply.Type)
	}

	if opts.OnPeerList != nil {
		for _, msg := range early {
			opts.OnPeerList(msg.Peers)
		}
	}

	go r.readLoop(dec)
	go r.heartbeatLoop()

	r.log.WithField("peers", len(reply.Peers)).Info("registered with registry")
	return r, reply.Peers, nil
}

// Close unregisters (best effort) and drops the registry connection.
func (r *Registrar) Close() error {
	r.closeOnce.Do(func() {
		close(r.closed)
		_ = r.send(Message{Type: TypeUnregister, Name: r.options.Name})
		_ = r.conn.Close()
	})
	return nil
}

// Done is closed when the registrar shuts down.
func (r *Registrar) Done() <-chan struct{} {
	return r.closed
}

func (r *Registrar) send(msg Message) error {
	r.sendMu.Lock()
	defer r.sendMu.Unlock()
	return r.enc.Encode(msg)
}

func (r *Registrar) readLoop(dec *json.Decoder) {
	for {
		var msg Message
		if err := dec.Decode(&msg); err != nil {
			select {
			case <-r.closed:
			default:
				r.notifyDisconnect(fmt.Errorf("%w: %v", ErrConnectionLost, err))
			}
			return
		}

		switch msg.Type {
		case TypePeerListUpdate:
			if r.options.OnPeerList != nil {
				r.options.OnPeerList(msg.Peers)
			}
		case TypeAck:
			// Heartbeat acknowledgement.
		case TypeError:
			if msg.Code == CodeUnknownPeer {
				r.notifyDisconnect(ErrUnknownPeer)
				return
			}
			r.log.WithFields(logrus.Fields{"code": msg.Code, "reason": msg.Reason}).
				Warn("registry error")
		}
	}
}

func (r *Registrar) heartbeatLoop() {
	ticker := time.NewTicker(r.options.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := r.send(Message{Type: TypeHeartbeat, Name: r.options.Name}); err != nil {
				select {
				case <-r.closed:
				default:
					r.notifyDisconnect(fmt.Errorf("%w: %v", ErrConnectionLost, err))
				}
				return
			}
		case <-r.closed:
			return
		}
	}
}

func (r *Registrar) notifyDisconnect(err error) {
	r.lostOnce.Do(func() {
		r.log.WithError(err).Warn("registry connection lost")
		if r.options.OnDisconnect != nil {
			r.options.OnDisconnect(err)
		}
		_ = r.conn.Close()
	})
}
