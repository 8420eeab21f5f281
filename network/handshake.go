package network

import (
	"crypto/ecdh"
	"errors"
	"fmt"
	"net"
	"time"

	"chatx/crypto"
)

const (
	// DefaultHandshakeTimeout bounds the HELLO exchange; an unanswered
	// handshake aborts the connection attempt.
	DefaultHandshakeTimeout = 10 * time.Second

	typeHello    = "hello"
	typeHelloAck = "hello_ack"
)

var (
	// ErrHandshakeFailed indicates a malformed or unexpected HELLO exchange.
	ErrHandshakeFailed = errors.New("network: handshake failed")
	// ErrHandshakeTimeout indicates the peer did not answer the handshake in time.
	ErrHandshakeTimeout = errors.New("network: handshake timed out")
)

// helloMessage is the only plaintext message on a peer connection. It carries
// the sender's display name and ephemeral X25519 public key; both sides derive
// the session key without the key ever crossing the wire.
type helloMessage struct {
	Type      string `json:"type"`
	Name      string `json:"name"`
	PublicKey []byte `json:"public_key"`
}

// initiateHandshake runs the initiating side of the key exchange and returns
// the responder's name and the derived session key.
func initiateHandshake(conn net.Conn, localName string, timeout time.Duration) (string, []byte, error) {
	if timeout <= 0 {
		timeout = DefaultHandshakeTimeout
	}
	if err := conn.SetDeadline(time.Now().Add(timeout)); err != nil {
		return "", nil, fmt.Errorf("set handshake deadline: %w", err)
	}

	privateKey, publicKey, err := crypto.GenerateEphemeralX25519KeyPair()
	if err != nil {
		return "", nil, err
	}

	if err := writeHandshakeMessage(conn, helloMessage{
		Type:      typeHello,
		Name:      localName,
		PublicKey: publicKey.Bytes(),
	}); err != nil {
		return "", nil, wrapHandshakeErr(err)
	}

	var reply helloMessage
	if err := readHandshakeMessage(conn, &reply); err != nil {
		return "", nil, wrapHandshakeErr(err)
	}
	if reply.Type != typeHelloAck || reply.Name == "" {
		return "", nil, ErrHandshakeFailed
	}

	key, err := deriveKey(privateKey, reply.PublicKey, localName, reply.Name)
	if err != nil {
		return "", nil, err
	}

	if err := conn.SetDeadline(time.Time{}); err != nil {
		return "", nil, fmt.Errorf("clear handshake deadline: %w", err)
	}
	return reply.Name, key, nil
}

// respondHandshake runs the responding side of the key exchange.
func respondHandshake(conn net.Conn, localName string, timeout time.Duration) (string, []byte, error) {
	if timeout <= 0 {
		timeout = DefaultHandshakeTimeout
	}
	if err := conn.SetDeadline(time.Now().Add(timeout)); err != nil {
		return "", nil, fmt.Errorf("set handshake deadline: %w", err)
	}

	var hello helloMessage
	if err := readHandshakeMessage(conn, &hello); err != nil {
		return "", nil, wrapHandshakeErr(err)
	}
	if hello.Type != typeHello || hello.Name == "" {
		return "", nil, ErrHandshakeFailed
	}

	privateKey, publicKey, err := crypto.GenerateEphemeralX25519KeyPair()
	if err != nil {
		return "", nil, err
	}

	if err := writeHandshakeMessage(conn, helloMessage{
		Type:      typeHelloAck,
		Name:      localName,
		PublicKey: publicKey.Bytes(),
	}); err != nil {
		return "", nil, wrapHandshakeErr(err)
	}

	key, err := deriveKey(privateKey, hello.PublicKey, localName, hello.Name)
	if err != nil {
		return "", nil, err
	}

	if err := conn.SetDeadline(time.Time{}); err != nil {
		return "", nil, fmt.Errorf("clear handshake deadline: %w", err)
	}
	return hello.Name, key, nil
}

func deriveKey(privateKey *ecdh.PrivateKey, peerPublicRaw []byte, localName, peerName string) ([]byte, error) {
	peerPublicKey, err := crypto.ParseX25519PublicKey(peerPublicRaw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}
	sharedSecret, err := crypto.ComputeX25519SharedSecret(privateKey, peerPublicKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}
	return crypto.DeriveSessionKey(sharedSecret, localName, peerName)
}

func wrapHandshakeErr(err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ErrHandshakeTimeout
	}
	return fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
}
