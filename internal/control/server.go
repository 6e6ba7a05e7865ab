// Package control runs the host side of the agent control protocol: a TCP
// listener for container agents and one handler per agent connection.
package control

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"portbridge/internal/forward"
	"portbridge/internal/framing"
	"portbridge/internal/netutil"
	"portbridge/internal/opener"
)

// DefaultAddress is where agents connect by default.
const DefaultAddress = "0.0.0.0:15000"

// Options configures a Server. Zero values select defaults.
type Options struct {
	// Address is the control listener address.
	Address string
	// ForwardHost is the address forwarded ports listen on.
	ForwardHost string
	// MaxFrameSize bounds every frame read from or written to an agent.
	MaxFrameSize int
	// Opener handles OpenUrl requests.
	Opener opener.URLOpener
	Logger *zap.Logger
}

// Server accepts agent connections. It owns the forward table and shares
// it with every agent handler.
type Server struct {
	address string
	log     *zap.Logger
	table   *forward.Table
	handler *Handler

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}
	closed   bool
	wg       sync.WaitGroup

	closeOnce sync.Once
	closeErr  error
}

func New(opts Options) *Server {
	if opts.Address == "" {
		opts.Address = DefaultAddress
	}
	if opts.ForwardHost == "" {
		opts.ForwardHost = forward.DefaultBindHost
	}
	if opts.MaxFrameSize <= 0 {
		opts.MaxFrameSize = framing.DefaultMaxFrameSize
	}
	if opts.Opener == nil {
		opts.Opener = opener.Nop{}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	table := forward.NewTable(opts.Logger.Named("forward"), forward.WithBindHost(opts.ForwardHost))
	return &Server{
		address: opts.Address,
		log:     opts.Logger,
		table:   table,
		handler: &Handler{
			Table:        table,
			Opener:       opts.Opener,
			Log:          opts.Logger.Named("agent"),
			MaxFrameSize: opts.MaxFrameSize,
		},
		conns: make(map[net.Conn]struct{}),
	}
}

// Listen binds the control address. Failing to bind is the one error that
// should stop the process.
func (s *Server) Listen() error {
	ln, err := net.Listen("tcp", s.address)
	if err != nil {
		return fmt.Errorf("binding control server to %s: %w", s.address, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		ln.Close()
		return net.ErrClosed
	}
	s.listener = ln
	s.log.Info("control server listening", zap.String("address", ln.Addr().String()))
	return nil
}

// Serve accepts agents until ctx is cancelled or Close is called. Transient
// accept failures are retried with backoff. It returns nil on shutdown.
func (s *Server) Serve(ctx context.Context) error {
	s.mu.Lock()
	ln := s.listener
	s.mu.Unlock()
	if ln == nil {
		return errors.New("control server: Serve called before Listen")
	}

	stop := context.AfterFunc(ctx, func() { s.Close() })
	defer stop()

	var backoff netutil.AcceptBackoff
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			if netutil.IsTemporaryAcceptError(err) {
				delay, waitErr := backoff.Wait(ctx)
				s.log.Warn("accept failed, retrying", zap.Duration("backoff", delay), zap.Error(err))
				if waitErr != nil {
					return nil
				}
				continue
			}
			return fmt.Errorf("accepting agent connection: %w", err)
		}
		backoff.Reset()

		if !s.track(conn) {
			conn.Close()
			return nil
		}
		go func() {
			defer s.wg.Done()
			defer s.untrack(conn)
			s.handler.Serve(ctx, conn)
		}()
	}
}

// ListenAndServe binds the control address and serves until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}
	return s.Serve(ctx)
}

// Addr returns the bound control address, or nil before Listen.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Table returns the forward table shared by all agents.
func (s *Server) Table() *forward.Table { return s.table }

// Close stops accepting, disconnects every agent, stops every forward and
// then waits for the agent handlers to exit. Concurrent and repeated calls
// wait for the first to finish.
func (s *Server) Close() error {
	s.closeOnce.Do(func() { s.closeErr = s.close() })
	return s.closeErr
}

func (s *Server) close() error {
	s.mu.Lock()
	s.closed = true
	var err error
	if s.listener != nil {
		if cerr := s.listener.Close(); cerr != nil && !errors.Is(cerr, net.ErrClosed) {
			err = multierr.Append(err, cerr)
		}
	}
	for conn := range s.conns {
		if cerr := conn.Close(); cerr != nil && !netutil.IsExpectedCloseError(cerr) {
			err = multierr.Append(err, cerr)
		}
	}
	s.mu.Unlock()

	// Closing the forwards first unblocks relays stuck on clients that
	// stopped reading, so no handler can outlive the table.
	s.table.Close()
	s.wg.Wait()
	s.log.Info("control server stopped")
	return err
}

func (s *Server) track(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[conn] = struct{}{}
	s.wg.Add(1)
	return true
}

func (s *Server) untrack(conn net.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
}
