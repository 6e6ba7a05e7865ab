// Package agent is the container side of the control protocol. A Client
// holds the connection to the host control server, sends forward and URL
// requests, and serves tunnel streams the host opens by connecting them to
// ports inside the container.
package agent

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"portbridge/internal/framing"
	"portbridge/internal/mux"
	"portbridge/internal/netutil"
	"portbridge/pb"
)

const (
	// DefaultControlHost resolves to the host from inside Docker Desktop
	// containers.
	DefaultControlHost = "host.docker.internal"
	DefaultControlPort = 15000

	// DefaultContainerHost is where tunnel streams are connected to.
	DefaultContainerHost = "127.0.0.1"

	dialTimeout    = 10 * time.Second
	readBufferSize = 64 << 10
)

// DialFunc connects a tunnel stream to a port inside the container.
type DialFunc func(ctx context.Context, port uint16) (net.Conn, error)

type clientOptions struct {
	dial          DialFunc
	containerHost string
	maxFrameSize  int
}

// Option configures a Client.
type Option func(*clientOptions)

// WithDialFunc replaces how tunnel streams reach container ports.
func WithDialFunc(dial DialFunc) Option {
	return func(o *clientOptions) { o.dial = dial }
}

// WithContainerHost sets the host tunnel streams are connected to.
func WithContainerHost(host string) Option {
	return func(o *clientOptions) { o.containerHost = host }
}

// WithMaxFrameSize bounds the frames read from and written to the host.
func WithMaxFrameSize(n int) Option {
	return func(o *clientOptions) { o.maxFrameSize = n }
}

// Client is one connection to the control server.
type Client struct {
	conn     net.Conn
	session  *mux.Session
	log      *zap.Logger
	dial     DialFunc
	maxFrame int

	mu     sync.Mutex
	locals map[net.Conn]struct{}
	wg     sync.WaitGroup
}

// Dial connects to the control server at addr.
func Dial(ctx context.Context, addr string, log *zap.Logger, opts ...Option) (*Client, error) {
	d := net.Dialer{Timeout: dialTimeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("connecting to control server %s: %w", addr, err)
	}
	return NewClient(conn, log, opts...), nil
}

// NewClient wraps an established control connection.
func NewClient(conn net.Conn, log *zap.Logger, opts ...Option) *Client {
	o := clientOptions{
		containerHost: DefaultContainerHost,
		maxFrameSize:  framing.DefaultMaxFrameSize,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.dial == nil {
		host := o.containerHost
		o.dial = func(ctx context.Context, port uint16) (net.Conn, error) {
			d := net.Dialer{Timeout: dialTimeout}
			return d.DialContext(ctx, "tcp", net.JoinHostPort(host, strconv.Itoa(int(port))))
		}
	}
	return &Client{
		conn:     conn,
		session:  mux.NewSession(conn, mux.RoleAgent, o.maxFrameSize, log),
		log:      log,
		dial:     o.dial,
		maxFrame: o.maxFrameSize,
		locals:   make(map[net.Conn]struct{}),
	}
}

// StartPortForward asks the host to listen on port and tunnel every
// connection to the same port in this container.
func (c *Client) StartPortForward(port uint16) error {
	return c.session.Send(&pb.StartPortForward{Port: port})
}

// StopPortForward asks the host to stop a forward this client started.
func (c *Client) StopPortForward(port uint16) error {
	return c.session.Send(&pb.StopPortForward{Port: port})
}

// OpenURL asks the host to open url in its browser.
func (c *Client) OpenURL(url string) error {
	return c.session.Send(&pb.OpenURL{URL: url})
}

// Run reads from the control connection until it closes or ctx is done.
// It returns nil when the server closed the connection, ctx's error when
// cancelled, and the read error otherwise. All tunnel streams and their
// container connections are closed before Run returns.
func (c *Client) Run(ctx context.Context) error {
	defer c.shutdown()
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	context.AfterFunc(runCtx, func() { c.conn.Close() })

	reader := bufio.NewReaderSize(c.conn, readBufferSize)
	for {
		msg, err := framing.ReadMessage(reader, c.maxFrame)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			if netutil.IsExpectedCloseError(err) {
				c.log.Info("control server closed the connection")
				return nil
			}
			return fmt.Errorf("reading from control server: %w", err)
		}
		c.dispatch(runCtx, msg)
	}
}

func (c *Client) dispatch(ctx context.Context, msg pb.Message) {
	if c.session.Dispatch(msg) {
		return
	}
	open, ok := msg.(*pb.StreamOpen)
	if !ok {
		c.log.Warn("unexpected message from control server", zap.Stringer("kind", msg.Kind()))
		return
	}
	st, err := c.session.Accept(open.StreamID)
	if err != nil {
		c.log.Warn("rejecting stream", zap.Uint32("stream", open.StreamID), zap.Error(err))
		return
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.serveStream(ctx, st, open.ContainerPort)
	}()
}

func (c *Client) serveStream(ctx context.Context, st *mux.Stream, port uint16) {
	log := c.log.With(zap.Uint32("stream", st.ID()), zap.Uint16("container_port", port))
	local, err := c.dial(ctx, port)
	if err != nil {
		log.Warn("connecting tunnel to container port", zap.Error(err))
		st.Close()
		return
	}
	if !c.track(local) {
		local.Close()
		st.Close()
		return
	}
	defer c.untrack(local)

	log.Debug("tunnel connected")
	stats, err := netutil.Bridge(st, netutil.AsHalfCloser(local))
	fields := []zap.Field{zap.Int64("bytes_in", stats.AToB), zap.Int64("bytes_out", stats.BToA)}
	if err != nil {
		log.Warn("tunnel failed", append(fields, zap.Error(err))...)
		return
	}
	log.Debug("tunnel closed", fields...)
}

// Close drops the control connection. Run returns shortly after.
func (c *Client) Close() error {
	err := c.conn.Close()
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

// NumStreams returns the number of open tunnel streams.
func (c *Client) NumStreams() int { return c.session.NumStreams() }

func (c *Client) track(conn net.Conn) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.locals == nil {
		return false
	}
	c.locals[conn] = struct{}{}
	return true
}

func (c *Client) untrack(conn net.Conn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.locals != nil {
		delete(c.locals, conn)
	}
}

func (c *Client) shutdown() {
	c.session.Close()
	c.conn.Close()

	c.mu.Lock()
	locals := c.locals
	c.locals = nil
	c.mu.Unlock()
	for conn := range locals {
		conn.Close()
	}
	c.wg.Wait()
}
