package crypto

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// SessionKeySize is the derived symmetric key length (AES-256).
const SessionKeySize = 32

// DeriveSessionKey derives a symmetric session key from an X25519 shared secret.
//
// The two display names are ordered before entering the KDF context, so both
// endpoints of a handshake derive the identical key regardless of which side
// initiated.
func DeriveSessionKey(sharedSecret []byte, peerA, peerB string) ([]byte, error) {
	if len(sharedSecret) == 0 {
		return nil, errors.New("shared secret is required")
	}
	if peerA == "" || peerB == "" {
		return nil, errors.New("both peer names are required")
	}

	if peerB < peerA {
		peerA, peerB = peerB, peerA
	}
	info := []byte("chatx-session-v1|" + peerA + "|" + peerB)

	reader := hkdf.New(sha256.New, sharedSecret, nil, info)
	key := make([]byte, SessionKeySize)
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, fmt.Errorf("derive session key: %w", err)
	}
	return key, nil
}
