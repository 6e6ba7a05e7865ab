package forward

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"go.uber.org/zap"

	"portbridge/internal/netutil"
)

// State is the lifecycle of a PortForward.
type State int

const (
	StateListening State = iota
	StateActive
	StateStopping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateListening:
		return "listening"
	case StateActive:
		return "active"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// PortForward is one forwarded local port and its live tunnel sessions.
type PortForward struct {
	LocalPort     uint16
	ContainerPort uint16

	owner    Owner
	listener net.Listener
	log      *zap.Logger

	ctx     context.Context
	cancel  context.CancelFunc
	running chan struct{}
	done    chan struct{}

	mu          sync.Mutex
	state       State
	sessions    map[uint64]*TunnelSession
	nextSession uint64
}

// TunnelSession is one client connection relayed through a forward.
type TunnelSession struct {
	id      uint64
	client  net.Conn
	forward *PortForward

	// Guarded by forward.mu.
	stream netutil.HalfCloser
	closed bool
}

func newPortForward(localPort, containerPort uint16, owner Owner, listener net.Listener, log *zap.Logger) *PortForward {
	ctx, cancel := context.WithCancel(context.Background())
	return &PortForward{
		LocalPort:     localPort,
		ContainerPort: containerPort,
		owner:         owner,
		listener:      listener,
		log: log.With(
			zap.String("agent", owner.ID()),
			zap.Uint16("port", localPort)),
		ctx:      ctx,
		cancel:   cancel,
		running:  make(chan struct{}),
		done:     make(chan struct{}),
		state:    StateListening,
		sessions: make(map[uint64]*TunnelSession),
	}
}

func (fw *PortForward) info() Info {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	return Info{
		LocalPort:     fw.LocalPort,
		ContainerPort: fw.ContainerPort,
		Owner:         fw.owner.ID(),
		State:         fw.state,
		Sessions:      len(fw.sessions),
	}
}

// acceptLoop serves clients until the listener is closed. On a permanent
// accept failure it hands the forward to failed once the loop has exited.
func (fw *PortForward) acceptLoop(failed func(*PortForward)) {
	defer close(fw.done)

	fw.mu.Lock()
	if fw.state == StateListening {
		fw.state = StateActive
	}
	fw.mu.Unlock()
	close(fw.running)

	var backoff netutil.AcceptBackoff
	for {
		conn, err := fw.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			if netutil.IsTemporaryAcceptError(err) {
				delay, waitErr := backoff.Wait(fw.ctx)
				fw.log.Warn("accept failed, retrying", zap.Duration("backoff", delay), zap.Error(err))
				if waitErr != nil {
					return
				}
				continue
			}
			fw.log.Error("accept failed, forward no longer accepting", zap.Error(err))
			go failed(fw)
			return
		}
		backoff.Reset()

		sess := fw.register(conn)
		if sess == nil {
			conn.Close()
			continue
		}
		go fw.serve(sess)
	}
}

// register adds a session for conn, or returns nil if the forward is no
// longer active.
func (fw *PortForward) register(conn net.Conn) *TunnelSession {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	if fw.state != StateActive {
		return nil
	}
	fw.nextSession++
	sess := &TunnelSession{id: fw.nextSession, client: conn, forward: fw}
	fw.sessions[sess.id] = sess
	return sess
}

func (fw *PortForward) deregister(sess *TunnelSession) {
	fw.mu.Lock()
	delete(fw.sessions, sess.id)
	fw.mu.Unlock()
}

// attach records the stream of a session. It reports false if the session
// was closed while the stream was being opened; the caller then owns the
// stream and must close it.
func (fw *PortForward) attach(sess *TunnelSession, stream netutil.HalfCloser) bool {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	if sess.closed {
		return false
	}
	sess.stream = stream
	return true
}

func (fw *PortForward) serve(sess *TunnelSession) {
	defer fw.deregister(sess)
	log := fw.log.With(zap.String("client", sess.client.RemoteAddr().String()))

	stream, err := fw.owner.OpenStream(fw.ContainerPort)
	if err != nil {
		log.Warn("opening tunnel stream", zap.Error(err))
		sess.client.Close()
		return
	}
	if !fw.attach(sess, stream) {
		stream.Close()
		return
	}
	log.Debug("tunnel session started", zap.Uint64("session", sess.id))

	stats, err := netutil.Bridge(netutil.AsHalfCloser(sess.client), stream)
	fields := []zap.Field{
		zap.Uint64("session", sess.id),
		zap.Int64("bytes_to_container", stats.AToB),
		zap.Int64("bytes_to_client", stats.BToA),
	}
	if err != nil {
		log.Warn("tunnel session failed", append(fields, zap.Error(err))...)
		return
	}
	log.Debug("tunnel session closed", fields...)
}

// beginShutdown moves the forward to Stopping, closes its listener and
// every client socket, and returns the streams that still need closing.
// It does no blocking I/O so it can run under the table lock.
func (fw *PortForward) beginShutdown() []netutil.HalfCloser {
	fw.cancel()
	fw.listener.Close()

	fw.mu.Lock()
	defer fw.mu.Unlock()
	fw.state = StateStopping
	streams := make([]netutil.HalfCloser, 0, len(fw.sessions))
	for _, sess := range fw.sessions {
		sess.closed = true
		sess.client.Close()
		if sess.stream != nil {
			streams = append(streams, sess.stream)
		}
	}
	return streams
}

// finishShutdown closes the streams of the sessions torn down by
// beginShutdown and waits for the accept loop to exit.
func (fw *PortForward) finishShutdown(streams []netutil.HalfCloser) {
	for _, st := range streams {
		if err := st.Close(); err != nil && !netutil.IsExpectedCloseError(err) {
			fw.log.Debug("closing tunnel stream", zap.Error(err))
		}
	}
	<-fw.done

	fw.mu.Lock()
	fw.state = StateStopped
	fw.mu.Unlock()
}
