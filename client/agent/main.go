// portbridge-agent runs inside a container and talks to portbridge-server
// on the host.
//
//	portbridge-agent start-port-forward PORT   forward one port until interrupted
//	portbridge-agent open-url URL              open URL in the host browser
//	portbridge-agent daemon                    forward every port the container listens on
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

	"portbridge/internal/agent"
	"portbridge/internal/config"
	"portbridge/internal/logging"
	"portbridge/internal/opener"
)

const usage = `usage: portbridge-agent <command> [flags] [args]

commands:
  start-port-forward PORT   forward host PORT to container PORT until interrupted
  open-url URL              open URL in the host browser
  daemon                    forward every port the container listens on
`

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "portbridge-agent: %v\n", err)
		os.Exit(1)
	}
}

type command func(ctx context.Context, cfg *config.Agent, log *zap.Logger, args []string) error

var commands = map[string]struct {
	run   command
	nargs int
}{
	"start-port-forward": {startPortForward, 1},
	"open-url":           {openURL, 1},
	"daemon":             {daemon, 0},
}

func run(args []string) error {
	if len(args) == 0 || args[0] == "-h" || args[0] == "--help" {
		fmt.Fprint(os.Stderr, usage)
		return nil
	}
	name := args[0]
	cmd, ok := commands[name]
	if !ok {
		fmt.Fprint(os.Stderr, usage)
		return fmt.Errorf("unknown command %q", name)
	}

	fs := pflag.NewFlagSet("portbridge-agent "+name, pflag.ContinueOnError)
	config.AddAgentFlags(fs)
	if err := fs.Parse(args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if fs.NArg() != cmd.nargs {
		return fmt.Errorf("%s: expected %d argument(s), got %d", name, cmd.nargs, fs.NArg())
	}

	path, _ := fs.GetString(config.FlagConfig)
	cfg, err := config.LoadAgent(path, os.Getenv)
	if err != nil {
		return err
	}
	if err := cfg.ApplyFlags(fs); err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	log, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return err
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return cmd.run(ctx, cfg, log, fs.Args())
}

func clientOptions(cfg *config.Agent) []agent.Option {
	return []agent.Option{
		agent.WithContainerHost(cfg.ContainerHost),
		agent.WithMaxFrameSize(cfg.MaxFrameSize),
	}
}

func startPortForward(ctx context.Context, cfg *config.Agent, log *zap.Logger, args []string) error {
	port, err := config.ParsePort(args[0])
	if err != nil {
		return err
	}
	client, err := agent.Dial(ctx, cfg.ControlAddress(), log, clientOptions(cfg)...)
	if err != nil {
		return err
	}
	defer client.Close()

	if err := client.StartPortForward(port); err != nil {
		return fmt.Errorf("requesting forward of port %d: %w", port, err)
	}
	log.Info("forwarding port, press Ctrl+C to stop", zap.Uint16("port", port))

	done := make(chan error, 1)
	go func() { done <- client.Run(context.Background()) }()

	select {
	case err := <-done:
		if err != nil {
			return err
		}
		return errors.New("control server closed the connection")
	case <-ctx.Done():
	}

	log.Info("stopping port forward", zap.Uint16("port", port))
	if err := client.StopPortForward(port); err != nil {
		log.Warn("requesting stop", zap.Error(err))
	}
	client.Close()
	<-done
	return nil
}

func openURL(ctx context.Context, cfg *config.Agent, log *zap.Logger, args []string) error {
	url := args[0]
	if err := opener.Validate(url); err != nil {
		return err
	}
	client, err := agent.Dial(ctx, cfg.ControlAddress(), log, clientOptions(cfg)...)
	if err != nil {
		return err
	}
	defer client.Close()
	if err := client.OpenURL(url); err != nil {
		return fmt.Errorf("requesting URL open: %w", err)
	}
	log.Info("asked host to open URL", zap.String("url", url))
	return nil
}

func daemon(ctx context.Context, cfg *config.Agent, log *zap.Logger, _ []string) error {
	d := agent.NewDaemon(agent.DaemonConfig{
		Address:       cfg.ControlAddress(),
		ScanInterval:  cfg.ScanInterval,
		Exclude:       cfg.ExcludePorts,
		ClientOptions: clientOptions(cfg),
	}, log)
	log.Info("watching for listening ports",
		zap.String("control_address", cfg.ControlAddress()),
		zap.Duration("scan_interval", cfg.ScanInterval),
		zap.Uint16s("exclude", cfg.ExcludePorts))
	return d.Run(ctx)
}
