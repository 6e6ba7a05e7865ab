package forward

import (
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"portbridge/internal/netutil"
)

// echoOwner stands in for an agent: each stream is a TCP connection to a
// local echo server.
type echoOwner struct {
	id     string
	addr   string
	fail   error
	opened atomic.Int32
}

func (o *echoOwner) ID() string { return o.id }

func (o *echoOwner) OpenStream(uint16) (netutil.HalfCloser, error) {
	if o.fail != nil {
		return nil, o.fail
	}
	o.opened.Add(1)
	c, err := net.Dial("tcp", o.addr)
	if err != nil {
		return nil, err
	}
	return c.(*net.TCPConn), nil
}

func startEcho(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c *net.TCPConn) {
				defer c.Close()
				io.Copy(c, c)
				c.CloseWrite()
			}(c.(*net.TCPConn))
		}
	}()
	return ln.Addr().String()
}

func newOwner(t *testing.T, id string) *echoOwner {
	return &echoOwner{id: id, addr: startEcho(t)}
}

func freePort(t *testing.T) uint16 {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	return uint16(ln.Addr().(*net.TCPAddr).Port)
}

func dial(port uint16) (net.Conn, error) {
	return net.DialTimeout("tcp", net.JoinHostPort(DefaultBindHost, strconv.Itoa(int(port))), 2*time.Second)
}

func requireRefused(t *testing.T, port uint16) {
	t.Helper()
	c, err := dial(port)
	if err == nil {
		c.Close()
		t.Fatalf("connect to %d succeeded, want refused", port)
	}
	require.True(t, errors.Is(err, syscall.ECONNREFUSED), "got %v", err)
}

func requireEcho(t *testing.T, c net.Conn, payload string) {
	t.Helper()
	require.NoError(t, c.SetDeadline(time.Now().Add(5*time.Second)))
	_, err := c.Write([]byte(payload))
	require.NoError(t, err)
	got := make([]byte, len(payload))
	_, err = io.ReadFull(c, got)
	require.NoError(t, err)
	require.Equal(t, payload, string(got))
	require.NoError(t, c.SetDeadline(time.Time{}))
}

func newTable(t *testing.T) *Table {
	table := NewTable(zap.NewNop())
	t.Cleanup(table.Close)
	return table
}

func TestStartThenStop(t *testing.T) {
	table := newTable(t)
	owner := newOwner(t, "agent-a")
	port := freePort(t)

	require.NoError(t, table.Start(port, port, owner))
	info, ok := table.Lookup(port)
	require.True(t, ok)
	require.Equal(t, StateActive, info.State)
	require.Equal(t, "agent-a", info.Owner)

	c, err := dial(port)
	require.NoError(t, err)
	requireEcho(t, c, "hello through the tunnel")
	c.Close()

	require.NoError(t, table.Stop(port, owner))
	_, ok = table.Lookup(port)
	require.False(t, ok)
	requireRefused(t, port)
}

func TestStartDuplicate(t *testing.T) {
	table := newTable(t)
	a := newOwner(t, "agent-a")
	b := newOwner(t, "agent-b")
	port := freePort(t)

	require.NoError(t, table.Start(port, port, a))
	require.ErrorIs(t, table.Start(port, port, a), ErrAlreadyForwarding)
	require.ErrorIs(t, table.Start(port, port, b), ErrAlreadyForwarding)
	require.Equal(t, 1, table.Len())

	// The first forward keeps serving.
	c, err := dial(port)
	require.NoError(t, err)
	defer c.Close()
	requireEcho(t, c, "still here")
	info, _ := table.Lookup(port)
	require.Equal(t, "agent-a", info.Owner)
}

func TestStopRequiresOwner(t *testing.T) {
	table := newTable(t)
	a := newOwner(t, "agent-a")
	b := newOwner(t, "agent-b")
	port := freePort(t)

	require.NoError(t, table.Start(port, port, a))
	require.ErrorIs(t, table.Stop(port, b), ErrNotOwner)

	info, ok := table.Lookup(port)
	require.True(t, ok)
	require.Equal(t, StateActive, info.State)
	c, err := dial(port)
	require.NoError(t, err)
	c.Close()
}

func TestStopUnknownPort(t *testing.T) {
	table := newTable(t)
	require.ErrorIs(t, table.Stop(freePort(t), newOwner(t, "a")), ErrNotFound)
}

func TestStartInvalidPort(t *testing.T) {
	table := newTable(t)
	require.ErrorIs(t, table.Start(0, 80, newOwner(t, "a")), ErrInvalidPort)
}

func TestStartBindFailure(t *testing.T) {
	table := newTable(t)
	taken, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer taken.Close()
	port := uint16(taken.Addr().(*net.TCPAddr).Port)

	err = table.Start(port, port, newOwner(t, "a"))
	require.ErrorIs(t, err, ErrBindFailed)
	var bindErr *BindError
	require.ErrorAs(t, err, &bindErr)
	require.Equal(t, port, bindErr.Port)
	require.True(t, errors.Is(err, syscall.EADDRINUSE), "got %v", err)
	require.Zero(t, table.Len())
}

func TestReleaseAllOnlyTouchesOwner(t *testing.T) {
	table := newTable(t)
	a := newOwner(t, "agent-a")
	b := newOwner(t, "agent-b")
	p10, p11, p12 := freePort(t), freePort(t), freePort(t)

	require.NoError(t, table.Start(p10, p10, a))
	require.NoError(t, table.Start(p11, p11, a))
	require.NoError(t, table.Start(p12, p12, b))

	released := table.ReleaseAll(a)
	require.ElementsMatch(t, []uint16{p10, p11}, released)
	require.Empty(t, table.ReleaseAll(a))

	requireRefused(t, p10)
	requireRefused(t, p11)
	c, err := dial(p12)
	require.NoError(t, err)
	defer c.Close()
	requireEcho(t, c, "b survives")
	require.Equal(t, []uint16{p12}, table.PortsOwnedBy(b))
}

func TestStopClosesLiveSessions(t *testing.T) {
	table := newTable(t)
	owner := newOwner(t, "agent-a")
	port := freePort(t)
	require.NoError(t, table.Start(port, port, owner))

	const sessions = 10
	clients := make([]net.Conn, 0, sessions)
	for i := 0; i < sessions; i++ {
		c, err := dial(port)
		require.NoError(t, err)
		defer c.Close()
		requireEcho(t, c, fmt.Sprintf("session %d", i))
		clients = append(clients, c)
	}
	info, _ := table.Lookup(port)
	require.Equal(t, sessions, info.Sessions)

	require.NoError(t, table.Stop(port, owner))

	for i, c := range clients {
		require.NoError(t, c.SetReadDeadline(time.Now().Add(5*time.Second)))
		_, err := c.Read(make([]byte, 1))
		require.Error(t, err, "client %d still open", i)
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			t.Fatalf("client %d was not closed by Stop", i)
		}
	}
	requireRefused(t, port)
}

// breakingListener fails every Accept permanently once broken is set.
type breakingListener struct {
	net.Listener
	broken atomic.Bool
}

func (l *breakingListener) Accept() (net.Conn, error) {
	c, err := l.Listener.Accept()
	if err == nil && l.broken.Load() {
		c.Close()
		return nil, errors.New("listener broken")
	}
	return c, err
}

func TestListenerFailureRemovesForward(t *testing.T) {
	table := newTable(t)
	owner := newOwner(t, "agent-a")
	port := freePort(t)

	var broken *breakingListener
	table.listen = func(network, address string) (net.Listener, error) {
		ln, err := net.Listen(network, address)
		if err != nil {
			return nil, err
		}
		broken = &breakingListener{Listener: ln}
		return broken, nil
	}
	require.NoError(t, table.Start(port, port, owner))
	live, err := dial(port)
	require.NoError(t, err)
	defer live.Close()
	requireEcho(t, live, "before the failure")

	broken.broken.Store(true)
	wake, err := dial(port)
	require.NoError(t, err)
	wake.Close()

	require.Eventually(t, func() bool {
		_, ok := table.Lookup(port)
		return !ok
	}, 5*time.Second, 10*time.Millisecond)
	require.NoError(t, live.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, err = live.Read(make([]byte, 1))
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		t.Fatal("session of the failed forward was not closed")
	}

	// The owner can ask for the port again.
	table.listen = net.Listen
	require.NoError(t, table.Start(port, port, owner))
	c, err := dial(port)
	require.NoError(t, err)
	defer c.Close()
	requireEcho(t, c, "after the failure")
}

func TestOpenStreamFailureClosesClient(t *testing.T) {
	table := newTable(t)
	owner := &echoOwner{id: "agent-a", fail: errors.New("agent gone")}
	port := freePort(t)
	require.NoError(t, table.Start(port, port, owner))

	c, err := dial(port)
	require.NoError(t, err)
	defer c.Close()
	require.NoError(t, c.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, err = c.Read(make([]byte, 1))
	require.ErrorIs(t, err, io.EOF)

	require.Eventually(t, func() bool {
		info, _ := table.Lookup(port)
		return info.Sessions == 0
	}, 5*time.Second, 10*time.Millisecond)
}

func TestConcurrentStopAndReleaseAll(t *testing.T) {
	table := newTable(t)
	owner := newOwner(t, "agent-a")

	const ports = 16
	var started []uint16
	for i := 0; i < ports; i++ {
		p := freePort(t)
		require.NoError(t, table.Start(p, p, owner))
		started = append(started, p)
	}

	var (
		wg      sync.WaitGroup
		stopped atomic.Int32
		release []uint16
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		release = table.ReleaseAll(owner)
	}()
	for _, p := range started {
		wg.Add(1)
		go func(p uint16) {
			defer wg.Done()
			err := table.Stop(p, owner)
			if err == nil {
				stopped.Add(1)
				return
			}
			if !errors.Is(err, ErrNotFound) {
				t.Errorf("Stop(%d): %v", p, err)
			}
		}(p)
	}
	wg.Wait()

	require.Zero(t, table.Len())
	require.Equal(t, ports, int(stopped.Load())+len(release))
	for _, p := range started {
		requireRefused(t, p)
	}
}

func TestCloseStopsEverything(t *testing.T) {
	table := NewTable(zap.NewNop())
	a := newOwner(t, "a")
	p1, p2 := freePort(t), freePort(t)
	require.NoError(t, table.Start(p1, p1, a))
	require.NoError(t, table.Start(p2, p2, a))

	table.Close()
	require.Zero(t, table.Len())
	requireRefused(t, p1)
	requireRefused(t, p2)
	require.ErrorIs(t, table.Start(p1, p1, a), ErrTableClosed)
}

func TestListIsSorted(t *testing.T) {
	table := newTable(t)
	a := newOwner(t, "a")
	p1, p2 := freePort(t), freePort(t)
	require.NoError(t, table.Start(p1, p1, a))
	require.NoError(t, table.Start(p2, p2, a))

	list := table.List()
	require.Len(t, list, 2)
	require.Less(t, list[0].LocalPort, list[1].LocalPort)
}

func TestStateString(t *testing.T) {
	require.Equal(t, "active", StateActive.String())
	require.Equal(t, "stopped", StateStopped.String())
	require.Equal(t, "State(9)", State(9).String())
}
