package discovery

import (
	"errors"

	"chatx/models"
)

// Wire message types exchanged on the persistent client-server connection.
const (
	TypeRegister       = "register"
	TypeHeartbeat      = "heartbeat"
	TypeUnregister     = "unregister"
	TypeAck            = "ack"
	TypeError          = "error"
	TypePeerListUpdate = "peer_list_update"
)

// Error codes carried by TypeError messages.
const (
	CodeDuplicateName = "duplicate_name"
	CodeUnknownPeer   = "unknown_peer"
)

var (
	// ErrDuplicateName indicates the display name is already registered.
	ErrDuplicateName = errors.New("discovery: display name already registered")
	// ErrUnknownPeer indicates a heartbeat for a name the registry does not hold.
	ErrUnknownPeer = errors.New("discovery: unknown peer")
	// ErrConnectionLost indicates the registry connection dropped.
	ErrConnectionLost = errors.New("discovery: registry connection lost")
)

// Message is the single wire envelope for all discovery traffic, encoded as
// newline-delimited JSON on the persistent connection. Unused fields are
// omitted per message type.
type Message struct {
	Type    string              `json:"type"`
	Name    string              `json:"name,omitempty"`
	TCPPort int                 `json:"tcp_port,omitempty"`
	UDPPort int                 `json:"udp_port,omitempty"`
	Code    string              `json:"code,omitempty"`
	Reason  string              `json:"reason,omitempty"`
	Peers   []models.PeerRecord `json:"peers,omitempty"`
}

func codeToError(code string) error {
	switch code {
	case CodeDuplicateName:
		return ErrDuplicateName
	case CodeUnknownPeer:
		return ErrUnknownPeer
	default:
		return errors.New("discovery: server error " + code)
	}
}
