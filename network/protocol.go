package network

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

const (
	// MaxFrameSize is the maximum accepted frame payload size (10 MB).
	MaxFrameSize = 10 * 1024 * 1024
	// frameHeaderSize is length prefix + type byte + sequence number.
	frameHeaderSize = 4 + 1 + 8
)

// FrameType identifies the payload carried by one encrypted frame.
type FrameType uint8

const (
	FrameText FrameType = iota + 1
	FrameFileMeta
	FrameFileChunk
	FrameFileAck
	FrameFileAbort
)

func (t FrameType) valid() bool {
	return t >= FrameText && t <= FrameFileAbort
}

// String returns the frame type name for logging.
func (t FrameType) String() string {
	switch t {
	case FrameText:
		return "TEXT"
	case FrameFileMeta:
		return "FILE_META"
	case FrameFileChunk:
		return "FILE_CHUNK"
	case FrameFileAck:
		return "FILE_ACK"
	case FrameFileAbort:
		return "FILE_ABORT"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint8(t))
	}
}

var (
	// ErrFrameTooLarge indicates a payload exceeds MaxFrameSize.
	ErrFrameTooLarge = errors.New("network: frame exceeds max size")
	// ErrInvalidFrameType indicates an unknown frame type byte.
	ErrInvalidFrameType = errors.New("network: invalid frame type")
)

// Frame is one decoded unit of peer-to-peer wire traffic. Sealed holds the
// AEAD output (nonce, ciphertext, and authentication tag).
type Frame struct {
	Type     FrameType
	Sequence uint64
	Sealed   []byte
}

// WriteFrame writes one length-prefixed encrypted frame:
// [len:4][type:1][sequence:8][sealed payload].
func WriteFrame(w io.Writer, frame Frame) error {
	if !frame.Type.valid() {
		return ErrInvalidFrameType
	}
	if len(frame.Sealed) > MaxFrameSize {
		return ErrFrameTooLarge
	}

	header := make([]byte, frameHeaderSize)
	binary.BigEndian.PutUint32(header[0:4], uint32(1+8+len(frame.Sealed)))
	header[4] = byte(frame.Type)
	binary.BigEndian.PutUint64(header[5:13], frame.Sequence)

	if _, err := w.Write(header); err != nil {
		return fmt.Errorf("write frame header: %w", err)
	}
	if len(frame.Sealed) == 0 {
		return nil
	}
	if _, err := w.Write(frame.Sealed); err != nil {
		return fmt.Errorf("write frame payload: %w", err)
	}
	return nil
}

// ReadFrame reads one length-prefixed encrypted frame.
func ReadFrame(r io.Reader) (Frame, error) {
	lenBuf := make([]byte, 4)
	if _, err := io.ReadFull(r, lenBuf); err != nil {
		return Frame{}, fmt.Errorf("read frame length: %w", err)
	}

	length := binary.BigEndian.Uint32(lenBuf)
	if length < 1+8 {
		return Frame{}, errors.New("network: frame shorter than header")
	}
	if length > MaxFrameSize+1+8 {
		return Frame{}, ErrFrameTooLarge
	}

	body := make([]byte, int(length))
	if _, err := io.ReadFull(r, body); err != nil {
		return Frame{}, fmt.Errorf("read frame body: %w", err)
	}

	frame := Frame{
		Type:     FrameType(body[0]),
		Sequence: binary.BigEndian.Uint64(body[1:9]),
		Sealed:   body[9:],
	}
	if !frame.Type.valid() {
		return Frame{}, ErrInvalidFrameType
	}
	return frame, nil
}

// writeHandshakeMessage writes one length-prefixed plaintext JSON message.
// Only the HELLO exchange uses this path; everything after it is sealed.
func writeHandshakeMessage(w io.Writer, message any) error {
	payload, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("marshal handshake message: %w", err)
	}
	if len(payload) > MaxFrameSize {
		return ErrFrameTooLarge
	}

	header := make([]byte, 4)
	binary.BigEndian.PutUint32(header, uint32(len(payload)))
	if _, err := w.Write(header); err != nil {
		return fmt.Errorf("write handshake length: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("write handshake payload: %w", err)
	}
	return nil
}

func readHandshakeMessage(r io.Reader, out any) error {
	header := make([]byte, 4)
	if _, err := io.ReadFull(r, header); err != nil {
		return fmt.Errorf("read handshake length: %w", err)
	}
	length := binary.BigEndian.Uint32(header)
	if length == 0 || length > MaxFrameSize {
		return ErrFrameTooLarge
	}

	payload := make([]byte, int(length))
	if _, err := io.ReadFull(r, payload); err != nil {
		return fmt.Errorf("read handshake payload: %w", err)
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return fmt.Errorf("decode handshake message: %w", err)
	}
	return nil
}

// Plaintext payloads carried inside sealed frames. TEXT frames carry the raw
// message bytes; the file transfer types carry these JSON payloads.

// FileMetaPayload announces one transfer before any chunk is sent.
type FileMetaPayload struct {
	ID         string `json:"id"`
	Filename   string `json:"filename"`
	TotalSize  int64  `json:"total_size"`
	ChunkSize  int    `json:"chunk_size"`
	ChunkCount int    `json:"chunk_count"`
	Checksum   string `json:"checksum"`
}

// FileChunkPayload carries one checksummed chunk.
type FileChunkPayload struct {
	ID       string `json:"id"`
	Index    int    `json:"index"`
	Data     []byte `json:"data"`
	Checksum string `json:"checksum"`
}

// FileAckPayload acknowledges one received, verified chunk.
type FileAckPayload struct {
	ID    string `json:"id"`
	Index int    `json:"index"`
}

// FileAbortPayload terminates a transfer. Status distinguishes a user abort
// from a sender-side failure.
type FileAbortPayload struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Reason string `json:"reason,omitempty"`
}
