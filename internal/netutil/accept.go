package netutil

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sys/unix"
)

const (
	minAcceptDelay = 5 * time.Millisecond
	maxAcceptDelay = time.Second
)

// IsTemporaryAcceptError reports whether an Accept failure is caused by
// resource exhaustion or an aborted handshake, after which the listener is
// still usable.
func IsTemporaryAcceptError(err error) bool {
	return errors.Is(err, unix.EMFILE) ||
		errors.Is(err, unix.ENFILE) ||
		errors.Is(err, unix.ENOBUFS) ||
		errors.Is(err, unix.ENOMEM) ||
		errors.Is(err, unix.ECONNABORTED) ||
		errors.Is(err, unix.EINTR)
}

// AcceptBackoff paces retries of a failing accept loop. The zero value is
// ready to use; Reset after every successful accept.
type AcceptBackoff struct {
	delay time.Duration
}

// Wait sleeps for the next backoff interval and returns it. It returns
// early with ctx's error if ctx is done first.
func (b *AcceptBackoff) Wait(ctx context.Context) (time.Duration, error) {
	if b.delay == 0 {
		b.delay = minAcceptDelay
	} else {
		b.delay *= 2
	}
	if b.delay > maxAcceptDelay {
		b.delay = maxAcceptDelay
	}
	timer := time.NewTimer(b.delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return b.delay, nil
	case <-ctx.Done():
		return b.delay, ctx.Err()
	}
}

func (b *AcceptBackoff) Reset() { b.delay = 0 }
