// portbridge-server runs on the host. Container agents connect to it to
// forward their ports to the host's loopback interface and to open URLs in
// the host browser.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"portbridge/internal/config"
	"portbridge/internal/control"
	"portbridge/internal/logging"
	"portbridge/internal/opener"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "portbridge-server: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	fs := pflag.NewFlagSet("portbridge-server", pflag.ContinueOnError)
	config.AddServerFlags(fs)
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	path, _ := fs.GetString(config.FlagConfig)
	cfg, err := config.LoadServer(path, os.Getenv)
	if err != nil {
		return err
	}
	cfg.ApplyFlags(fs)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	log, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return err
	}
	defer log.Sync()

	var urls opener.URLOpener = opener.Nop{}
	if cfg.OpenURLs {
		urls = opener.NewBrowser()
	}

	srv := control.New(control.Options{
		Address:      cfg.ControlAddress,
		ForwardHost:  cfg.ForwardHost,
		MaxFrameSize: cfg.MaxFrameSize,
		Opener:       urls,
		Logger:       log,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := srv.ListenAndServe(ctx); err != nil {
		log.Error("control server failed", zap.Error(err))
		srv.Close()
		return err
	}
	return srv.Close()
}
