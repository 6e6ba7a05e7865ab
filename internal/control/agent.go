package control

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"sync"

	"go.uber.org/zap"

	"portbridge/internal/forward"
	"portbridge/internal/framing"
	"portbridge/internal/mux"
	"portbridge/internal/netutil"
	"portbridge/internal/opener"
	"portbridge/pb"
)

// readBufferSize sizes the buffered reader in front of each agent
// connection; big enough for a full data chunk plus framing.
const readBufferSize = 64 << 10

// AgentConn is one connected container agent. It owns the forwards it
// starts, and tunnels for them run as streams on its connection.
type AgentConn struct {
	id      string
	conn    net.Conn
	session *mux.Session
	log     *zap.Logger

	cleanup sync.Once
}

var _ forward.Owner = (*AgentConn)(nil)

func (a *AgentConn) ID() string { return a.id }

// OpenStream opens a tunnel stream to containerPort inside the agent's
// container.
func (a *AgentConn) OpenStream(containerPort uint16) (netutil.HalfCloser, error) {
	st, err := a.session.Open(containerPort)
	if err != nil {
		return nil, err
	}
	return st, nil
}

// Handler runs the read loop of agent connections.
type Handler struct {
	Table        *forward.Table
	Opener       opener.URLOpener
	Log          *zap.Logger
	MaxFrameSize int
}

// Serve handles conn until the agent disconnects, sends a bad frame, or
// ctx is cancelled. Every forward the agent owns is released before Serve
// returns.
func (h *Handler) Serve(ctx context.Context, conn net.Conn) {
	id := conn.RemoteAddr().String()
	log := h.Log.With(zap.String("agent", id))
	a := &AgentConn{
		id:      id,
		conn:    conn,
		session: mux.NewSession(conn, mux.RoleHost, h.MaxFrameSize, log),
		log:     log,
	}
	defer h.release(a)

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	log.Info("agent connected")
	reader := bufio.NewReaderSize(conn, readBufferSize)
	for {
		msg, err := framing.ReadMessage(reader, h.MaxFrameSize)
		if err != nil {
			h.logReadError(a, err)
			return
		}
		h.dispatch(ctx, a, msg)
	}
}

func (h *Handler) dispatch(ctx context.Context, a *AgentConn, msg pb.Message) {
	if a.session.Dispatch(msg) {
		return
	}
	switch m := msg.(type) {
	case *pb.StartPortForward:
		a.log.Info("agent requested port forward", zap.Uint16("port", m.Port))
		if err := h.Table.Start(m.Port, m.Port, a); err != nil {
			a.log.Warn("port forward not started", zap.Uint16("port", m.Port), zap.Error(err))
		}
	case *pb.StopPortForward:
		a.log.Info("agent requested stop port forward", zap.Uint16("port", m.Port))
		if err := h.Table.Stop(m.Port, a); err != nil {
			a.log.Warn("port forward not stopped", zap.Uint16("port", m.Port), zap.Error(err))
		}
	case *pb.OpenURL:
		a.log.Info("agent requested to open URL", zap.String("url", m.URL))
		go func(url string) {
			if err := h.Opener.OpenURL(ctx, url); err != nil {
				a.log.Warn("opening URL", zap.String("url", url), zap.Error(err))
			}
		}(m.URL)
	default:
		a.log.Warn("unexpected message from agent", zap.Stringer("kind", msg.Kind()))
	}
}

func (h *Handler) logReadError(a *AgentConn, err error) {
	switch {
	case errors.Is(err, io.EOF), netutil.IsExpectedCloseError(err):
		a.log.Info("agent disconnected")
	case framing.IsProtocolError(err):
		a.log.Warn("dropping agent after protocol error", zap.Error(err))
	default:
		a.log.Error("reading from agent", zap.Error(err))
	}
}

// release is the single cleanup path for an agent connection.
func (h *Handler) release(a *AgentConn) {
	a.cleanup.Do(func() {
		a.session.Close()
		a.conn.Close()
		released := h.Table.ReleaseAll(a)
		if len(released) > 0 {
			a.log.Info("released agent port forwards", zap.Uint16s("ports", released))
		}
	})
}
