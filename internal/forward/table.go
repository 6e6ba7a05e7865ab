// Package forward keeps the table of active port forwards. Each forward
// owns a host listener; every client accepted there is relayed to the
// owning agent through a logical stream.
package forward

import (
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"sync"

	"go.uber.org/zap"

	"portbridge/internal/netutil"
)

// DefaultBindHost is where forwarded ports listen for clients.
const DefaultBindHost = "127.0.0.1"

// Owner is the agent a forward belongs to. Owners are compared by
// identity, so implementations should be pointers.
type Owner interface {
	// ID names the owner in logs, usually its peer address.
	ID() string
	// OpenStream opens a logical stream to containerPort on the agent.
	OpenStream(containerPort uint16) (netutil.HalfCloser, error)
}

// Info is a point-in-time view of one forward.
type Info struct {
	LocalPort     uint16
	ContainerPort uint16
	Owner         string
	State         State
	Sessions      int
}

// Table maps local ports to forwards. All structural changes go through
// one mutex; listener accept loops and relays never hold it while blocked.
type Table struct {
	log      *zap.Logger
	bindHost string
	listen   func(network, address string) (net.Listener, error)

	mu       sync.Mutex
	forwards map[uint16]*PortForward
	closed   bool
}

type Option func(*Table)

// WithBindHost sets the address forwarded ports listen on.
func WithBindHost(host string) Option {
	return func(t *Table) { t.bindHost = host }
}

func NewTable(log *zap.Logger, opts ...Option) *Table {
	t := &Table{
		log:      log,
		bindHost: DefaultBindHost,
		listen:   net.Listen,
		forwards: make(map[uint16]*PortForward),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Start binds localPort and begins relaying its clients to containerPort
// through owner. It returns once the accept loop is running.
func (t *Table) Start(localPort, containerPort uint16, owner Owner) error {
	if localPort == 0 || containerPort == 0 {
		return fmt.Errorf("%w: %d -> %d", ErrInvalidPort, localPort, containerPort)
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrTableClosed
	}
	if existing, ok := t.forwards[localPort]; ok {
		t.mu.Unlock()
		return fmt.Errorf("%w: %d (owned by %s)", ErrAlreadyForwarding, localPort, existing.owner.ID())
	}
	address := net.JoinHostPort(t.bindHost, strconv.Itoa(int(localPort)))
	listener, err := t.listen("tcp", address)
	if err != nil {
		t.mu.Unlock()
		return &BindError{Port: localPort, Err: err}
	}
	fw := newPortForward(localPort, containerPort, owner, listener, t.log)
	t.forwards[localPort] = fw
	t.mu.Unlock()

	go fw.acceptLoop(t.evict)
	<-fw.running

	t.log.Info("port forward started",
		zap.String("agent", owner.ID()),
		zap.String("listen", address),
		zap.Uint16("container_port", containerPort))
	return nil
}

// Stop tears down the forward on localPort. Only the owning agent may stop
// it. When Stop returns the listener is closed and every client socket of
// the forward has been closed.
func (t *Table) Stop(localPort uint16, requester Owner) error {
	t.mu.Lock()
	fw, ok := t.forwards[localPort]
	if !ok {
		t.mu.Unlock()
		return fmt.Errorf("%w: %d", ErrNotFound, localPort)
	}
	if fw.owner != requester {
		t.mu.Unlock()
		return fmt.Errorf("%w: %d owned by %s, requested by %s",
			ErrNotOwner, localPort, fw.owner.ID(), requester.ID())
	}
	streams := fw.beginShutdown()
	delete(t.forwards, localPort)
	t.mu.Unlock()

	fw.finishShutdown(streams)
	t.log.Info("port forward stopped",
		zap.String("agent", fw.owner.ID()),
		zap.Uint16("port", localPort),
		zap.Int("streams_closed", len(streams)))
	return nil
}

// evict removes a forward whose listener failed for good, so its owner can
// request the port again. It is a no-op if the forward was already stopped.
func (t *Table) evict(fw *PortForward) {
	t.mu.Lock()
	if t.forwards[fw.LocalPort] != fw {
		t.mu.Unlock()
		return
	}
	streams := fw.beginShutdown()
	delete(t.forwards, fw.LocalPort)
	t.mu.Unlock()

	fw.finishShutdown(streams)
	t.log.Warn("port forward removed after listener failure",
		zap.String("agent", fw.owner.ID()),
		zap.Uint16("port", fw.LocalPort),
		zap.Int("streams_closed", len(streams)))
}

// ReleaseAll stops every forward owned by owner and returns the ports it
// released. A forward that a concurrent Stop already removed counts as
// released by that Stop, not as a failure.
func (t *Table) ReleaseAll(owner Owner) []uint16 {
	var released []uint16
	for _, port := range t.PortsOwnedBy(owner) {
		err := t.Stop(port, owner)
		switch {
		case err == nil:
			released = append(released, port)
		case errors.Is(err, ErrNotFound), errors.Is(err, ErrNotOwner):
			// Stopped concurrently, and possibly already reused by another agent.
		default:
			t.log.Warn("releasing port forward", zap.Uint16("port", port), zap.Error(err))
		}
	}
	return released
}

// Close stops every forward and rejects further Start calls.
func (t *Table) Close() {
	t.mu.Lock()
	t.closed = true
	forwards := make([]*PortForward, 0, len(t.forwards))
	streams := make([][]netutil.HalfCloser, 0, len(t.forwards))
	for port, fw := range t.forwards {
		forwards = append(forwards, fw)
		streams = append(streams, fw.beginShutdown())
		delete(t.forwards, port)
	}
	t.mu.Unlock()

	var wg sync.WaitGroup
	for i, fw := range forwards {
		wg.Add(1)
		go func(fw *PortForward, streams []netutil.HalfCloser) {
			defer wg.Done()
			fw.finishShutdown(streams)
		}(fw, streams[i])
	}
	wg.Wait()
	if len(forwards) > 0 {
		t.log.Info("all port forwards stopped", zap.Int("count", len(forwards)))
	}
}

// PortsOwnedBy returns the ports currently forwarded for owner, sorted.
func (t *Table) PortsOwnedBy(owner Owner) []uint16 {
	t.mu.Lock()
	defer t.mu.Unlock()
	var ports []uint16
	for port, fw := range t.forwards {
		if fw.owner == owner {
			ports = append(ports, port)
		}
	}
	sort.Slice(ports, func(i, j int) bool { return ports[i] < ports[j] })
	return ports
}

// Lookup returns the forward on port, if any.
func (t *Table) Lookup(port uint16) (Info, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fw, ok := t.forwards[port]
	if !ok {
		return Info{}, false
	}
	return fw.info(), true
}

// List returns every forward sorted by local port.
func (t *Table) List() []Info {
	t.mu.Lock()
	infos := make([]Info, 0, len(t.forwards))
	for _, fw := range t.forwards {
		infos = append(infos, fw.info())
	}
	t.mu.Unlock()
	sort.Slice(infos, func(i, j int) bool { return infos[i].LocalPort < infos[j].LocalPort })
	return infos
}

func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.forwards)
}

