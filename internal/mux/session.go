// Package mux carries many logical byte streams over one agent control
// connection. Streams are opened by the host, accepted by the agent, and
// identified on the wire by a stream id that is unique within the session.
//
// A Session only writes. The owner of the connection runs the single read
// loop and hands every stream record to Session.Dispatch.
package mux

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"portbridge/internal/framing"
	"portbridge/pb"
)

// MaxDataChunk is the largest payload carried by one StreamData record.
const MaxDataChunk = 32 << 10

// recvQueueLen bounds the records queued for a stream whose reader is
// behind. A stream that overflows it is reset so the read loop never waits
// on one slow reader.
const recvQueueLen = 64

// frameOverhead is generous headroom for the envelope around a data chunk.
const frameOverhead = 32

var (
	ErrSessionClosed  = fmt.Errorf("mux: session closed: %w", net.ErrClosed)
	ErrStreamClosed   = fmt.Errorf("mux: stream closed: %w", net.ErrClosed)
	ErrStreamReset    = fmt.Errorf("mux: stream reset by peer: %w", net.ErrClosed)
	ErrWriteClosed    = errors.New("mux: write after CloseWrite")
	ErrStreamExists   = errors.New("mux: stream id already in use")
	ErrStreamOverflow = fmt.Errorf("mux: stream reset, receive queue full: %w", net.ErrClosed)
)

// Role decides which half-close direction this end reports.
type Role int

const (
	RoleHost Role = iota
	RoleAgent
)

// Session multiplexes streams over w.
type Session struct {
	log      *zap.Logger
	role     Role
	maxFrame int
	chunk    int

	writeMu sync.Mutex
	w       io.Writer

	mu      sync.Mutex
	streams map[uint32]*Stream
	nextID  uint32
	closed  bool
	done    chan struct{}
}

// NewSession returns a session writing frames of at most maxFrame body
// bytes to w.
func NewSession(w io.Writer, role Role, maxFrame int, log *zap.Logger) *Session {
	if maxFrame <= 0 {
		maxFrame = framing.DefaultMaxFrameSize
	}
	chunk := MaxDataChunk
	if maxFrame-frameOverhead < chunk {
		chunk = maxFrame - frameOverhead
	}
	return &Session{
		log:      log,
		role:     role,
		maxFrame: maxFrame,
		chunk:    chunk,
		w:        w,
		streams:  make(map[uint32]*Stream),
		done:     make(chan struct{}),
	}
}

// Send writes one frame. Writes from all streams and from the owner go
// through here so records never interleave on the wire.
func (s *Session) Send(msg pb.Message) error {
	select {
	case <-s.done:
		return ErrSessionClosed
	default:
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return framing.WriteMessage(s.w, msg, s.maxFrame)
}

// Open allocates a stream id, registers the stream and asks the peer to
// connect it to containerPort.
func (s *Session) Open(containerPort uint16) (*Stream, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrSessionClosed
	}
	id := s.allocateIDLocked()
	st := newStream(id, s)
	s.streams[id] = st
	s.mu.Unlock()

	if err := s.Send(&pb.StreamOpen{StreamID: id, ContainerPort: containerPort}); err != nil {
		s.remove(id)
		return nil, fmt.Errorf("opening stream %d: %w", id, err)
	}
	s.log.Debug("stream opened", zap.Uint32("stream", id), zap.Uint16("container_port", containerPort))
	return st, nil
}

// allocateIDLocked returns the next free non-zero id. s.mu must be held.
func (s *Session) allocateIDLocked() uint32 {
	for {
		s.nextID++
		if s.nextID == 0 {
			continue
		}
		if _, taken := s.streams[s.nextID]; !taken {
			return s.nextID
		}
	}
}

// Accept registers a stream for an id announced by the peer in StreamOpen.
func (s *Session) Accept(id uint32) (*Stream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrSessionClosed
	}
	if _, exists := s.streams[id]; exists {
		return nil, fmt.Errorf("%w: %d", ErrStreamExists, id)
	}
	st := newStream(id, s)
	s.streams[id] = st
	return st, nil
}

// Dispatch routes a stream record to its stream. It reports false for
// messages that are not stream data, half-close or close records, leaving
// them to the caller. It must only be called from the connection's read
// loop.
func (s *Session) Dispatch(msg pb.Message) bool {
	switch m := msg.(type) {
	case *pb.StreamData:
		st := s.lookup(m.StreamID)
		if st == nil {
			s.log.Debug("data for unknown stream", zap.Uint32("stream", m.StreamID))
			if err := s.Send(&pb.StreamClose{StreamID: m.StreamID}); err != nil {
				s.log.Debug("rejecting unknown stream", zap.Uint32("stream", m.StreamID), zap.Error(err))
			}
			return true
		}
		if !st.deliver(m.Data) {
			s.log.Warn("stream receive queue full, resetting stream", zap.Uint32("stream", m.StreamID))
			st.abort()
			s.remove(m.StreamID)
			if err := s.Send(&pb.StreamClose{StreamID: m.StreamID}); err != nil {
				s.log.Debug("sending stream close", zap.Uint32("stream", m.StreamID), zap.Error(err))
			}
		}
	case *pb.StreamHalfClose:
		if st := s.lookup(m.StreamID); st != nil {
			st.markEOF()
		}
	case *pb.StreamClose:
		if st := s.lookup(m.StreamID); st != nil {
			st.reset()
			s.remove(m.StreamID)
		}
	default:
		return false
	}
	return true
}

// Close marks the session dead after its connection went away. Every
// stream sees EOF once its queued data is read, and writes fail.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.done)
	streams := s.streams
	s.streams = make(map[uint32]*Stream)
	s.mu.Unlock()

	for _, st := range streams {
		st.reset()
	}
}

// CloseStreams closes every open stream from this side. It returns the
// combined errors from sending the close records.
func (s *Session) CloseStreams() error {
	s.mu.Lock()
	streams := make([]*Stream, 0, len(s.streams))
	for _, st := range s.streams {
		streams = append(streams, st)
	}
	s.mu.Unlock()

	var err error
	for _, st := range streams {
		err = multierr.Append(err, st.Close())
	}
	return err
}

// NumStreams returns the number of registered streams.
func (s *Session) NumStreams() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.streams)
}

// Done is closed when the session is closed.
func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) lookup(id uint32) *Stream {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.streams[id]
}

func (s *Session) remove(id uint32) {
	s.mu.Lock()
	delete(s.streams, id)
	s.mu.Unlock()
}

func (s *Session) halfCloseDirection() pb.Direction {
	if s.role == RoleAgent {
		return pb.DirectionContainerToHost
	}
	return pb.DirectionHostToContainer
}
