package mux

import (
	"io"
	"sync"
	"sync/atomic"

	"portbridge/pb"
)

// Stream is one logical byte stream within a Session. Read must not be
// called concurrently with itself; Write, CloseWrite and Close are safe to
// call from any goroutine.
type Stream struct {
	id   uint32
	sess *Session

	recv    chan []byte
	pending []byte

	eof     chan struct{} // peer will send no more data
	eofOnce sync.Once

	done      chan struct{} // closed locally
	closeOnce sync.Once
	closeErr  error

	gone     chan struct{} // peer closed the whole stream
	goneOnce sync.Once

	aborted   chan struct{} // receive queue overflowed
	abortOnce sync.Once

	writeClosed   atomic.Bool
	halfCloseOnce sync.Once
	halfCloseErr  error
}

func newStream(id uint32, sess *Session) *Stream {
	return &Stream{
		id:   id,
		sess: sess,
		recv: make(chan []byte, recvQueueLen),
		eof:  make(chan struct{}),
		done: make(chan struct{}),
		gone: make(chan struct{}),

		aborted: make(chan struct{}),
	}
}

// ID returns the stream id used on the wire.
func (st *Stream) ID() uint32 { return st.id }

// Read returns relayed bytes from the peer. It returns io.EOF after the
// peer half-closed or closed the stream and all queued data was read, and
// ErrStreamOverflow once the stream was dropped for falling behind.
func (st *Stream) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	select {
	case <-st.aborted:
		return 0, ErrStreamOverflow
	default:
	}
	for len(st.pending) == 0 {
		select {
		case <-st.aborted:
			return 0, ErrStreamOverflow
		case b := <-st.recv:
			st.pending = b
		case <-st.eof:
			// Everything delivered before EOF is already queued.
			select {
			case b := <-st.recv:
				st.pending = b
			default:
				return 0, io.EOF
			}
		case <-st.done:
			return 0, ErrStreamClosed
		}
	}
	n := copy(p, st.pending)
	st.pending = st.pending[n:]
	return n, nil
}

// Write relays p to the peer in chunks of at most MaxDataChunk bytes.
func (st *Stream) Write(p []byte) (int, error) {
	written := 0
	for len(p) > 0 {
		if err := st.writable(); err != nil {
			return written, err
		}
		n := len(p)
		if n > st.sess.chunk {
			n = st.sess.chunk
		}
		if err := st.sess.Send(&pb.StreamData{StreamID: st.id, Data: p[:n]}); err != nil {
			return written, err
		}
		written += n
		p = p[n:]
	}
	return written, nil
}

func (st *Stream) writable() error {
	select {
	case <-st.done:
		return ErrStreamClosed
	case <-st.gone:
		return ErrStreamReset
	case <-st.sess.done:
		return ErrSessionClosed
	default:
	}
	if st.writeClosed.Load() {
		return ErrWriteClosed
	}
	return nil
}

// CloseWrite tells the peer no more data follows. Reading continues until
// the peer does the same.
func (st *Stream) CloseWrite() error {
	st.halfCloseOnce.Do(func() {
		if err := st.writable(); err != nil {
			st.writeClosed.Store(true)
			return
		}
		st.writeClosed.Store(true)
		st.halfCloseErr = st.sess.Send(&pb.StreamHalfClose{
			StreamID:  st.id,
			Direction: st.sess.halfCloseDirection(),
		})
	})
	return st.halfCloseErr
}

// Close tears the stream down in both directions and tells the peer.
// It is idempotent.
func (st *Stream) Close() error {
	st.closeOnce.Do(func() {
		close(st.done)
		st.sess.remove(st.id)
		select {
		case <-st.gone:
			return
		case <-st.sess.done:
			return
		default:
		}
		st.closeErr = st.sess.Send(&pb.StreamClose{StreamID: st.id})
	})
	return st.closeErr
}

// Aborted is closed when the stream is dropped because its reader fell
// recvQueueLen records behind. Relays watch it to close the other end.
func (st *Stream) Aborted() <-chan struct{} { return st.aborted }

// deliver queues data from the peer without blocking. It reports false when
// the queue is full. Called from the read loop only.
func (st *Stream) deliver(data []byte) bool {
	if len(data) == 0 {
		return true
	}
	select {
	case <-st.eof:
		return true
	case <-st.done:
		return true
	default:
	}
	select {
	case st.recv <- data:
		return true
	default:
		return false
	}
}

// abort drops a stream whose reader fell behind.
func (st *Stream) abort() {
	st.abortOnce.Do(func() { close(st.aborted) })
	st.reset()
}

func (st *Stream) markEOF() {
	st.eofOnce.Do(func() { close(st.eof) })
}

// reset handles the peer closing the whole stream, or the session dying.
func (st *Stream) reset() {
	st.markEOF()
	st.goneOnce.Do(func() { close(st.gone) })
}
