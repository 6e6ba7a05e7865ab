package agent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultScanInterval   = 5 * time.Second
	DefaultInitialBackoff = time.Second
	DefaultMaxBackoff     = 30 * time.Second
)

var errConnectionClosed = errors.New("control connection closed")

// DaemonConfig configures a Daemon. Zero values select defaults.
type DaemonConfig struct {
	// Address is the control server address.
	Address string
	// ScanInterval is the time between port scans.
	ScanInterval time.Duration
	// Exclude lists ports never forwarded, typically ports already
	// published by the container runtime.
	Exclude []uint16
	// MinPort is the highest port ignored by the scanner.
	MinPort uint16
	// Scan lists listening ports. Defaults to ScanListeningPorts.
	Scan func(minPort uint16) ([]uint16, error)
	// InitialBackoff and MaxBackoff bound the delay between reconnects.
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// MaxAttempts is how many consecutive failed connects are tolerated
	// before Run gives up. Zero retries forever.
	MaxAttempts int
	// ClientOptions are applied to every connection.
	ClientOptions []Option
}

// Daemon keeps an agent connected and forwards whatever the container
// listens on.
type Daemon struct {
	cfg     DaemonConfig
	log     *zap.Logger
	tracker *Tracker

	scanWarned bool
}

func NewDaemon(cfg DaemonConfig, log *zap.Logger) *Daemon {
	if cfg.ScanInterval <= 0 {
		cfg.ScanInterval = DefaultScanInterval
	}
	if cfg.MinPort == 0 {
		cfg.MinPort = DefaultMinPort
	}
	if cfg.Scan == nil {
		cfg.Scan = ScanListeningPorts
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = DefaultInitialBackoff
	}
	if cfg.MaxBackoff < cfg.InitialBackoff {
		cfg.MaxBackoff = max(DefaultMaxBackoff, cfg.InitialBackoff)
	}
	return &Daemon{
		cfg:     cfg,
		log:     log,
		tracker: NewTracker(cfg.Exclude),
	}
}

// Run connects, forwards detected ports and serves tunnels until ctx is
// done. Lost connections are retried with exponential backoff. It returns
// nil on cancellation, or the last connect error after MaxAttempts
// consecutive failures.
func (d *Daemon) Run(ctx context.Context) error {
	delay := d.cfg.InitialBackoff
	failures := 0
	for {
		connected, err := d.runOnce(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if connected {
			failures = 0
			delay = d.cfg.InitialBackoff
			d.log.Warn("control connection lost", zap.Error(err))
		} else {
			failures++
			if d.cfg.MaxAttempts > 0 && failures >= d.cfg.MaxAttempts {
				return fmt.Errorf("giving up after %d attempts: %w", failures, err)
			}
			d.log.Warn("connecting to control server", zap.Int("attempt", failures), zap.Error(err))
		}

		d.log.Info("reconnecting", zap.Duration("backoff", delay))
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
		delay = min(delay*2, d.cfg.MaxBackoff)
	}
}

// runOnce serves one connection. connected reports whether the dial
// succeeded.
func (d *Daemon) runOnce(ctx context.Context) (connected bool, err error) {
	client, err := Dial(ctx, d.cfg.Address, d.log, d.cfg.ClientOptions...)
	if err != nil {
		return false, err
	}
	defer client.Close()
	d.log.Info("connected to control server", zap.String("address", d.cfg.Address))

	// The host dropped every forward of the previous connection.
	d.tracker.Reset()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := client.Run(gctx); err != nil {
			return err
		}
		return errConnectionClosed
	})
	g.Go(func() error {
		return d.scanLoop(gctx, client)
	})
	return true, g.Wait()
}

func (d *Daemon) scanLoop(ctx context.Context, client *Client) error {
	ticker := time.NewTicker(d.cfg.ScanInterval)
	defer ticker.Stop()
	for {
		if err := d.scanOnce(client); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (d *Daemon) scanOnce(client *Client) error {
	ports, err := d.cfg.Scan(d.cfg.MinPort)
	if err != nil {
		if !d.scanWarned {
			d.scanWarned = true
			d.log.Warn("port scan failed, automatic forwarding disabled", zap.Error(err))
		}
		return nil
	}
	start, stop := d.tracker.Observe(ports)
	for _, p := range start {
		d.log.Info("forwarding detected port", zap.Uint16("port", p))
		if err := client.StartPortForward(p); err != nil {
			return fmt.Errorf("requesting forward of port %d: %w", p, err)
		}
	}
	for _, p := range stop {
		d.log.Info("port closed, stopping forward", zap.Uint16("port", p))
		if err := client.StopPortForward(p); err != nil {
			return fmt.Errorf("requesting stop of port %d: %w", p, err)
		}
	}
	return nil
}
