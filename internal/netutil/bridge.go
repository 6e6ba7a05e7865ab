package netutil

import (
	"io"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

// HalfCloser is a duplex byte stream whose write side can be shut down
// independently of its read side. *net.TCPConn and mux streams satisfy it.
type HalfCloser interface {
	io.ReadWriteCloser
	CloseWrite() error
}

// AsHalfCloser returns c itself if it supports CloseWrite; otherwise the
// returned value's CloseWrite closes c entirely.
func AsHalfCloser(c io.ReadWriteCloser) HalfCloser {
	if hc, ok := c.(HalfCloser); ok {
		return hc
	}
	return fullCloser{c}
}

type fullCloser struct {
	io.ReadWriteCloser
}

func (f fullCloser) CloseWrite() error { return f.Close() }

// Aborter is implemented by streams that can be dropped outside their own
// Read and Write calls. Bridge closes both ends when Aborted fires.
type Aborter interface {
	Aborted() <-chan struct{}
}

// BridgeStats counts the bytes moved in each direction by Bridge.
type BridgeStats struct {
	AToB int64
	BToA int64
}

// Bridge relays bytes between a and b until both directions are done.
//
// EOF on one side is propagated as CloseWrite on the other so the opposite
// direction can keep draining. Any other error aborts the bridge: both ends
// are closed to unblock the surviving copy. Both ends are always closed
// before Bridge returns. The returned error is the first failure that is
// not an expected connection close. An end that implements Aborter also
// aborts the bridge when its channel is closed, even while the other
// direction is blocked writing.
func Bridge(a, b HalfCloser) (BridgeStats, error) {
	var (
		stats   BridgeStats
		aborted atomic.Bool
		g       errgroup.Group
	)
	abort := func() {
		if aborted.CompareAndSwap(false, true) {
			a.Close()
			b.Close()
		}
	}
	pump := func(dst, src HalfCloser, counter *int64) func() error {
		return func() error {
			n, err := io.Copy(dst, src)
			atomic.AddInt64(counter, n)
			if err != nil {
				abort()
				if IsExpectedCloseError(err) {
					return nil
				}
				return err
			}
			if err := dst.CloseWrite(); err != nil && !IsExpectedCloseError(err) {
				abort()
				return err
			}
			return nil
		}
	}

	finished := make(chan struct{})
	for _, end := range []HalfCloser{a, b} {
		ab, ok := end.(Aborter)
		if !ok {
			continue
		}
		go func() {
			select {
			case <-ab.Aborted():
				abort()
			case <-finished:
			}
		}()
	}

	g.Go(pump(b, a, &stats.AToB))
	g.Go(pump(a, b, &stats.BToA))
	err := g.Wait()
	close(finished)

	a.Close()
	b.Close()
	return stats, err
}
