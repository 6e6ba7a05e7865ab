package framing

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/require"

	"portbridge/pb"
)

func TestWriteReadMessage(t *testing.T) {
	var buf bytes.Buffer
	msgs := []pb.Message{
		&pb.StartPortForward{Port: 8080},
		&pb.StreamData{StreamID: 1, Data: []byte("hello")},
		&pb.OpenURL{URL: "http://localhost:3000"},
	}
	for _, m := range msgs {
		require.NoError(t, WriteMessage(&buf, m, DefaultMaxFrameSize))
	}
	for _, want := range msgs {
		got, err := ReadMessage(&buf, DefaultMaxFrameSize)
		require.NoError(t, err)
		require.Equal(t, want, got)
	}
	_, err := ReadMessage(&buf, DefaultMaxFrameSize)
	require.ErrorIs(t, err, io.EOF)
}

func TestFrameHeaderIsBigEndianLength(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteMessage(&buf, &pb.StopPortForward{Port: 1}, 0))
	b := buf.Bytes()
	require.Equal(t, uint32(len(b)-headerSize), binary.BigEndian.Uint32(b[:headerSize]))
}

func TestReadTruncated(t *testing.T) {
	var full bytes.Buffer
	require.NoError(t, WriteMessage(&full, &pb.OpenURL{URL: "https://example.com"}, 0))
	b := full.Bytes()

	for _, cut := range []int{1, 3, headerSize, len(b) - 1} {
		_, err := ReadMessage(bytes.NewReader(b[:cut]), DefaultMaxFrameSize)
		require.ErrorIs(t, err, ErrTruncatedFrame, "cut at %d", cut)
		require.True(t, IsProtocolError(err))
	}
}

func TestReadTooLarge(t *testing.T) {
	var hdr [headerSize]byte
	binary.BigEndian.PutUint32(hdr[:], 1<<31)
	_, err := ReadMessage(bytes.NewReader(hdr[:]), DefaultMaxFrameSize)
	require.ErrorIs(t, err, ErrFrameTooLarge)
	require.True(t, IsProtocolError(err))
}

func TestWriteTooLarge(t *testing.T) {
	var buf bytes.Buffer
	err := WriteMessage(&buf, &pb.StreamData{StreamID: 1, Data: make([]byte, 100)}, 16)
	require.ErrorIs(t, err, ErrFrameTooLarge)
	require.Zero(t, buf.Len())
}

func TestReadMalformed(t *testing.T) {
	var frame bytes.Buffer
	body := []byte{0x7a, 0x00} // field 15, not a known variant
	var hdr [headerSize]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(body)))
	frame.Write(hdr[:])
	frame.Write(body)

	_, err := ReadMessage(&frame, DefaultMaxFrameSize)
	require.ErrorIs(t, err, pb.ErrMalformedMessage)
	require.True(t, IsProtocolError(err))
}

func TestZeroLengthFrameIsMalformed(t *testing.T) {
	_, err := ReadMessage(bytes.NewReader(make([]byte, headerSize)), DefaultMaxFrameSize)
	require.ErrorIs(t, err, pb.ErrMalformedMessage)
}

func TestIsProtocolErrorTransport(t *testing.T) {
	require.False(t, IsProtocolError(io.EOF))
	require.False(t, IsProtocolError(errors.New("connection reset by peer")))
}
