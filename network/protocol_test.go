package network

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer

	in := Frame{Type: FrameFileChunk, Sequence: 42, Sealed: []byte("sealed bytes")}
	require.NoError(t, WriteFrame(&buf, in))

	out, err := ReadFrame(&buf)
	require.NoError(t, err)
	require.Equal(t, in, out)
}

func TestFrameEmptyPayload(t *testing.T) {
	var buf bytes.Buffer

	require.NoError(t, WriteFrame(&buf, Frame{Type: FrameText, Sequence: 1}))

	out, err := ReadFrame(&buf)
	require.NoError(t, err)
	require.Equal(t, FrameText, out.Type)
	require.Equal(t, uint64(1), out.Sequence)
	require.Empty(t, out.Sealed)
}

func TestWriteFrameRejectsOversize(t *testing.T) {
	var buf bytes.Buffer
	err := WriteFrame(&buf, Frame{Type: FrameText, Sequence: 1, Sealed: make([]byte, MaxFrameSize+1)})
	require.True(t, errors.Is(err, ErrFrameTooLarge))
}

func TestWriteFrameRejectsInvalidType(t *testing.T) {
	var buf bytes.Buffer
	err := WriteFrame(&buf, Frame{Type: FrameType(99), Sequence: 1})
	require.True(t, errors.Is(err, ErrInvalidFrameType))
}

func TestReadFrameRejectsInvalidType(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{0, 0, 0, 9})
	buf.WriteByte(99)
	buf.Write(make([]byte, 8))

	_, err := ReadFrame(&buf)
	require.True(t, errors.Is(err, ErrInvalidFrameType))
}

func TestReadFrameRejectsTruncatedHeader(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{0, 0, 0, 5})

	_, err := ReadFrame(&buf)
	require.Error(t, err)
}

func TestHandshakeMessageRoundTrip(t *testing.T) {
	var buf bytes.Buffer

	in := helloMessage{Type: typeHello, Name: "alice", PublicKey: bytes.Repeat([]byte{7}, 32)}
	require.NoError(t, writeHandshakeMessage(&buf, in))

	var out helloMessage
	require.NoError(t, readHandshakeMessage(&buf, &out))
	require.Equal(t, in, out)
}
