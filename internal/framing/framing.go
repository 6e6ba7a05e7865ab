package framing

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"portbridge/pb"
)

// DefaultMaxFrameSize bounds the body of a single frame.
const DefaultMaxFrameSize = 10 << 20

const headerSize = 4

var (
	ErrTruncatedFrame = errors.New("truncated frame")
	ErrFrameTooLarge  = errors.New("frame too large")
)

// IsProtocolError reports whether err means the peer sent bytes that are
// not a valid frame. The connection cannot be resynchronized after one.
func IsProtocolError(err error) bool {
	return errors.Is(err, ErrTruncatedFrame) ||
		errors.Is(err, ErrFrameTooLarge) ||
		errors.Is(err, pb.ErrMalformedMessage)
}

// WriteMessage writes msg as one length-prefixed frame. Header and body go
// out in a single Write so callers holding a write lock never interleave
// partial frames.
func WriteMessage(w io.Writer, msg pb.Message, maxSize int) error {
	data, err := pb.Marshal(msg)
	if err != nil {
		return err
	}
	if maxSize > 0 && len(data) > maxSize {
		return fmt.Errorf("%w: %d bytes (max %d)", ErrFrameTooLarge, len(data), maxSize)
	}
	buf := make([]byte, headerSize+len(data))
	binary.BigEndian.PutUint32(buf, uint32(len(data)))
	copy(buf[headerSize:], data)
	_, err = w.Write(buf)
	return err
}

// ReadMessage blocks until one full frame has been read and decodes it.
// A stream that ends cleanly between frames yields io.EOF.
func ReadMessage(r io.Reader, maxSize int) (pb.Message, error) {
	var lb [headerSize]byte
	if _, err := io.ReadFull(r, lb[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("%w: reading length", ErrTruncatedFrame)
		}
		return nil, err
	}
	length := binary.BigEndian.Uint32(lb[:])
	if maxSize > 0 && uint64(length) > uint64(maxSize) {
		return nil, fmt.Errorf("%w: %d bytes (max %d)", ErrFrameTooLarge, length, maxSize)
	}
	buf := make([]byte, length)
	if _, err := io.ReadFull(r, buf); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("%w: expected %d body bytes", ErrTruncatedFrame, length)
		}
		return nil, err
	}
	return pb.Unmarshal(buf)
}
