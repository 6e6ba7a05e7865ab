// Package config loads portbridge configuration. Values are layered:
// built-in defaults, then a YAML file, then PORTBRIDGE_* environment
// variables, then command-line flags that were set explicitly.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"
)

const (
	// MinFrameSize keeps room for a full data chunk plus envelope.
	MinFrameSize = 64 << 10

	defaultMaxFrameSize  = 10 << 20
	defaultControlPort   = 15000
	defaultScanInterval  = 5 * time.Second
	defaultControlHost   = "host.docker.internal"
	defaultLoopback      = "127.0.0.1"
	defaultControlListen = "0.0.0.0:15000"
)

// Environment variables read by ApplyEnv.
const (
	EnvControlAddress = "PORTBRIDGE_CONTROL_ADDRESS"
	EnvControlHost    = "PORTBRIDGE_CONTROL_HOST"
	EnvControlPort    = "PORTBRIDGE_CONTROL_PORT"
	EnvExcludePorts   = "PORTBRIDGE_EXCLUDE_PORTS"
)

// LogConfig selects the logger built by the logging package.
type LogConfig struct {
	// Level is a zap level name: debug, info, warn or error.
	Level string `yaml:"level"`
	// Format is "json" or "console".
	Format string `yaml:"format"`
}

// Server configures portbridge-server.
type Server struct {
	// ControlAddress is where agents connect.
	ControlAddress string `yaml:"control_address"`
	// ForwardHost is the address forwarded ports are bound to.
	ForwardHost string `yaml:"forward_host"`
	// MaxFrameSize bounds control frames in both directions.
	MaxFrameSize int `yaml:"max_frame_size"`
	// OpenURLs enables opening agent-requested URLs in the host browser.
	OpenURLs bool `yaml:"open_urls"`

	Log LogConfig `yaml:"log"`
}

// Agent configures portbridge-agent.
type Agent struct {
	ControlHost string `yaml:"control_host"`
	ControlPort uint16 `yaml:"control_port"`
	// ScanInterval is how often the daemon looks for listening ports.
	ScanInterval time.Duration `yaml:"scan_interval"`
	// ExcludePorts are never forwarded automatically.
	ExcludePorts []uint16 `yaml:"exclude_ports"`
	// ContainerHost is where tunnel streams connect inside the container.
	ContainerHost string `yaml:"container_host"`
	MaxFrameSize  int    `yaml:"max_frame_size"`

	Log LogConfig `yaml:"log"`
}

func defaultLog() LogConfig {
	return LogConfig{Level: "info", Format: "console"}
}

func DefaultServer() *Server {
	return &Server{
		ControlAddress: defaultControlListen,
		ForwardHost:    defaultLoopback,
		MaxFrameSize:   defaultMaxFrameSize,
		OpenURLs:       true,
		Log:            defaultLog(),
	}
}

func DefaultAgent() *Agent {
	return &Agent{
		ControlHost:   defaultControlHost,
		ControlPort:   defaultControlPort,
		ScanInterval:  defaultScanInterval,
		ContainerHost: defaultLoopback,
		MaxFrameSize:  defaultMaxFrameSize,
		Log:           defaultLog(),
	}
}

// LoadServer returns the defaults overlaid with the YAML file at path (if
// path is not empty) and the environment. It does not validate.
func LoadServer(path string, getenv func(string) string) (*Server, error) {
	cfg := DefaultServer()
	if err := decodeFile(path, cfg); err != nil {
		return nil, err
	}
	if err := cfg.ApplyEnv(getenv); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadAgent is LoadServer for the agent.
func LoadAgent(path string, getenv func(string) string) (*Agent, error) {
	cfg := DefaultAgent()
	if err := decodeFile(path, cfg); err != nil {
		return nil, err
	}
	if err := cfg.ApplyEnv(getenv); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decodeFile(path string, out any) error {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config: %w", err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("parsing config %s: %w", path, err)
	}
	return nil
}

func (c *Server) ApplyEnv(getenv func(string) string) error {
	if v := getenv(EnvControlAddress); v != "" {
		c.ControlAddress = v
	}
	return nil
}

func (c *Agent) ApplyEnv(getenv func(string) string) error {
	if v := getenv(EnvControlHost); v != "" {
		c.ControlHost = v
	}
	if v := getenv(EnvControlPort); v != "" {
		port, err := ParsePort(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvControlPort, err)
		}
		c.ControlPort = port
	}
	if v := getenv(EnvExcludePorts); v != "" {
		ports, err := ParsePorts(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvExcludePorts, err)
		}
		c.ExcludePorts = ports
	}
	return nil
}

func (c *Server) Validate() error {
	if _, _, err := net.SplitHostPort(c.ControlAddress); err != nil {
		return fmt.Errorf("control_address: %w", err)
	}
	if c.ForwardHost == "" {
		return errors.New("forward_host is required")
	}
	if c.MaxFrameSize < MinFrameSize {
		return fmt.Errorf("max_frame_size must be at least %d bytes", MinFrameSize)
	}
	return c.Log.Validate()
}

func (c *Agent) Validate() error {
	if c.ControlHost == "" {
		return errors.New("control_host is required")
	}
	if c.ControlPort == 0 {
		return errors.New("control_port must not be 0")
	}
	if c.ScanInterval <= 0 {
		return errors.New("scan_interval must be positive")
	}
	if c.ContainerHost == "" {
		return errors.New("container_host is required")
	}
	if c.MaxFrameSize < MinFrameSize {
		return fmt.Errorf("max_frame_size must be at least %d bytes", MinFrameSize)
	}
	return c.Log.Validate()
}

// ControlAddress is the control server address the agent dials.
func (c *Agent) ControlAddress() string {
	return net.JoinHostPort(c.ControlHost, strconv.Itoa(int(c.ControlPort)))
}

func (c LogConfig) Validate() error {
	if _, err := zapcore.ParseLevel(c.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	switch c.Format {
	case "json", "console":
		return nil
	default:
		return fmt.Errorf("log.format must be json or console, got %q", c.Format)
	}
}

// ParsePort parses a non-zero TCP port.
func ParsePort(s string) (uint16, error) {
	n, err := strconv.ParseUint(strings.TrimSpace(s), 10, 16)
	if err != nil {
		return 0, fmt.Errorf("invalid port %q", s)
	}
	if n == 0 {
		return 0, errors.New("port must not be 0")
	}
	return uint16(n), nil
}

// ParsePorts parses a comma-separated port list. Empty items are ignored.
func ParsePorts(s string) ([]uint16, error) {
	var ports []uint16
	for _, item := range strings.Split(s, ",") {
		if strings.TrimSpace(item) == "" {
			continue
		}
		p, err := ParsePort(item)
		if err != nil {
			return nil, err
		}
		ports = append(ports, p)
	}
	return ports, nil
}

// Flag names shared by both binaries.
const (
	FlagConfig    = "config"
	FlagLogLevel  = "log-level"
	FlagLogFormat = "log-format"
)

func addLogFlags(fs *pflag.FlagSet, def LogConfig) {
	fs.String(FlagConfig, "", "path to a YAML config file")
	fs.String(FlagLogLevel, def.Level, "log level (debug, info, warn, error)")
	fs.String(FlagLogFormat, def.Format, "log format (json, console)")
}

func (c *LogConfig) applyFlags(fs *pflag.FlagSet) {
	if fs.Changed(FlagLogLevel) {
		c.Level, _ = fs.GetString(FlagLogLevel)
	}
	if fs.Changed(FlagLogFormat) {
		c.Format, _ = fs.GetString(FlagLogFormat)
	}
}

// AddServerFlags defines the server's flags on fs.
func AddServerFlags(fs *pflag.FlagSet) {
	def := DefaultServer()
	addLogFlags(fs, def.Log)
	fs.String("control-address", def.ControlAddress, "address agents connect to")
	fs.String("forward-host", def.ForwardHost, "address forwarded ports listen on")
	fs.Int("max-frame-size", def.MaxFrameSize, "largest control frame in bytes")
	fs.Bool("open-urls", def.OpenURLs, "open URLs requested by agents in the host browser")
}

// ApplyFlags copies flags that were set on the command line into c.
func (c *Server) ApplyFlags(fs *pflag.FlagSet) {
	c.Log.applyFlags(fs)
	if fs.Changed("control-address") {
		c.ControlAddress, _ = fs.GetString("control-address")
	}
	if fs.Changed("forward-host") {
		c.ForwardHost, _ = fs.GetString("forward-host")
	}
	if fs.Changed("max-frame-size") {
		c.MaxFrameSize, _ = fs.GetInt("max-frame-size")
	}
	if fs.Changed("open-urls") {
		c.OpenURLs, _ = fs.GetBool("open-urls")
	}
}

// AddAgentFlags defines the agent's flags on fs.
func AddAgentFlags(fs *pflag.FlagSet) {
	def := DefaultAgent()
	addLogFlags(fs, def.Log)
	fs.String("host", def.ControlHost, "control server host")
	fs.Uint16("port", def.ControlPort, "control server port")
	fs.Duration("scan-interval", def.ScanInterval, "time between port scans")
	fs.UintSlice("exclude", nil, "ports never forwarded automatically")
	fs.String("container-host", def.ContainerHost, "address tunnels connect to inside the container")
}

// ApplyFlags copies flags that were set on the command line into c.
func (c *Agent) ApplyFlags(fs *pflag.FlagSet) error {
	c.Log.applyFlags(fs)
	if fs.Changed("host") {
		c.ControlHost, _ = fs.GetString("host")
	}
	if fs.Changed("port") {
		c.ControlPort, _ = fs.GetUint16("port")
	}
	if fs.Changed("scan-interval") {
		c.ScanInterval, _ = fs.GetDuration("scan-interval")
	}
	if fs.Changed("container-host") {
		c.ContainerHost, _ = fs.GetString("container-host")
	}
	if fs.Changed("exclude") {
		values, _ := fs.GetUintSlice("exclude")
		c.ExcludePorts = c.ExcludePorts[:0]
		for _, v := range values {
			if v == 0 || v > 65535 {
				return fmt.Errorf("--exclude: invalid port %d", v)
			}
			c.ExcludePorts = append(c.ExcludePorts, uint16(v))
		}
	}
	return nil
}
