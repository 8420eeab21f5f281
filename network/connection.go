package network

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/sirupsen/logrus"

	"chatx/crypto"
)

var (
	// ErrConnectionLost indicates the peer socket failed or closed.
	ErrConnectionLost = errors.New("network: connection lost")
	// ErrPeerUnavailable indicates a connect attempt to an advertised address failed.
	ErrPeerUnavailable = errors.New("network: peer unavailable")
)

// PeerConnection owns one direct socket session to one peer after a
// successful handshake. One goroutine decodes and dispatches inbound frames;
// all writes are serialized so concurrent producers never interleave a frame
// on the wire.
type PeerConnection struct {
	conn       net.Conn
	sessionKey []byte

	localName string
	peerName  string

	engine *FileTransferEngine
	events Events
	log    *logrus.Entry

	sendMu  sync.Mutex
	sendSeq uint64

	// lastRecvSeq is touched only by readLoop.
	lastRecvSeq uint64

	closeOnce sync.Once
	closed    chan struct{}

	errMu    sync.RWMutex
	closeErr error
}

func newPeerConnection(conn net.Conn, sessionKey []byte, localName, peerName string, events Events, transferCfg TransferConfig, logger *logrus.Logger) *PeerConnection {
	if events == nil {
		events = NopEvents{}
	}
	if logger == nil {
		logger = logrus.New()
	}

	pc := &PeerConnection{
		conn:       conn,
		sessionKey: append([]byte(nil), sessionKey...),
		localName:  localName,
		peerName:   peerName,
		events:     events,
		log:        logger.WithFields(logrus.Fields{"component": "peer-conn", "peer": peerName}),
		closed:     make(chan struct{}),
	}
	pc.engine = newFileTransferEngine(transferCfg, pc.send, events, logger, peerName)

	go pc.readLoop()
	return pc
}

// PeerName returns the remote peer's display name.
func (pc *PeerConnection) PeerName() string {
	return pc.peerName
}

// Engine returns the file transfer engine bound to this connection.
func (pc *PeerConnection) Engine() *FileTransferEngine {
	return pc.engine
}

// Done is closed when the connection is fully disconnected.
func (pc *PeerConnection) Done() <-chan struct{} {
	return pc.closed
}

// LastError returns the terminal connection error, if any.
func (pc *PeerConnection) LastError() error {
	pc.errMu.RLock()
	defer pc.errMu.RUnlock()
	return pc.closeErr
}

// SendText seals and sends one text message frame.
func (pc *PeerConnection) SendText(text string) error {
	return pc.send(FrameText, []byte(text))
}

// send seals a plaintext payload and writes it as one sequenced frame. The
// sequence number is assigned under the same lock as the write, so frames
// leave in sequence order.
func (pc *PeerConnection) send(frameType FrameType, plaintext []byte) error {
	select {
	case <-pc.closed:
		if err := pc.LastError(); err != nil {
			return err
		}
		return ErrConnectionLost
	default:
	}

	sealed, err := crypto.Seal(pc.sessionKey, plaintext)
	if err != nil {
		return err
	}

	pc.sendMu.Lock()
	defer pc.sendMu.Unlock()

	pc.sendSeq++
	frame := Frame{Type: frameType, Sequence: pc.sendSeq, Sealed: sealed}
	if err := WriteFrame(pc.conn, frame); err != nil {
		pc.closeWithError(fmt.Errorf("%w: %v", ErrConnectionLost, err))
		return err
	}
	return nil
}

// Close terminates the connection.
func (pc *PeerConnection) Close() error {
	pc.closeWithError(nil)
	return nil
}

func (pc *PeerConnection) readLoop() {
	for {
		frame, err := ReadFrame(pc.conn)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				pc.closeWithError(nil)
			} else {
				select {
				case <-pc.closed:
					pc.closeWithError(nil)
				default:
					pc.closeWithError(fmt.Errorf("%w: %v", ErrConnectionLost, err))
				}
			}
			return
		}

		// Replay/reorder protection at the frame-transport level. Chunk
		// index ordering is the engine's concern, not the transport's.
		if frame.Sequence <= pc.lastRecvSeq {
			pc.log.WithFields(logrus.Fields{"seq": frame.Sequence, "last": pc.lastRecvSeq}).
				Warn("dropping replayed frame")
			continue
		}

		plaintext, err := crypto.Open(pc.sessionKey, frame.Sealed)
		if err != nil {
			// Corrupted or forged frame. Drop it without advancing the
			// sequence and without crashing the connection.
			pc.log.WithField("seq", frame.Sequence).Warn("dropping unauthenticated frame")
			continue
		}
		pc.lastRecvSeq = frame.Sequence

		switch frame.Type {
		case FrameText:
			pc.events.OnMessageReceived(pc.peerName, string(plaintext))
		default:
			pc.engine.handleFrame(frame.Type, plaintext)
		}
	}
}

func (pc *PeerConnection) closeWithError(err error) {
	pc.closeOnce.Do(func() {
		pc.errMu.Lock()
		pc.closeErr = err
		pc.errMu.Unlock()

		_ = pc.conn.Close()
		close(pc.closed)

		// In-flight transfers bound to this connection fail before the
		// disconnect notification goes out.
		pc.engine.failAll()
		pc.events.OnPeerDisconnected(pc.peerName)

		if err != nil {
			pc.log.WithError(err).Info("connection closed")
		}
	})
}
