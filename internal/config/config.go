// Package config assembles the service configuration from defaults, an
// optional YAML file and the positional `[port] [host]` arguments.
package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/stumble/jsbox/pkg/executor"
	"github.com/stumble/jsbox/pkg/sandbox"
	"github.com/stumble/jsbox/pkg/server"
)

const (
	DefaultHost            = "localhost"
	DefaultPort            = 8000
	DefaultShutdownTimeout = 5 * time.Second
)

type Config struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	MaxBodyBytes    int64         `yaml:"max_body_bytes"`
	QueueSize       int           `yaml:"queue_size"`
	MetricsAddr     string        `yaml:"metrics_addr"`
	LogLevel        string        `yaml:"log_level"`
	LogFormat       string        `yaml:"log_format"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	Sandbox sandbox.Config `yaml:"sandbox"`
}

func Default() Config {
	return Config{
		Host:            DefaultHost,
		Port:            DefaultPort,
		MaxBodyBytes:    server.DefaultMaxBodyBytes,
		QueueSize:       executor.DefaultQueueSize,
		LogLevel:        "info",
		LogFormat:       "json",
		ShutdownTimeout: DefaultShutdownTimeout,
		Sandbox:         sandbox.DefaultConfig(),
	}
}

// Load reads a YAML file over the defaults. Keys missing from the file keep
// their default value.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return cfg, nil
}

// ApplyArgs applies the positional startup parameters: port first, then host.
func (c *Config) ApplyArgs(args []string) error {
	if len(args) > 2 {
		return fmt.Errorf("too many arguments: %v", args)
	}
	if len(args) > 0 && args[0] != "" {
		port, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("invalid port %q: %w", args[0], err)
		}
		c.Port = port
	}
	if len(args) > 1 && args[1] != "" {
		c.Host = args[1]
	}
	return nil
}

func (c Config) Validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("port out of range: %d", c.Port)
	}
	if c.QueueSize <= 0 {
		return fmt.Errorf("queue size must be positive, got %d", c.QueueSize)
	}
	switch c.LogFormat {
	case "json", "console":
	default:
		return fmt.Errorf("unknown log format: %q", c.LogFormat)
	}
	if err := c.Sandbox.Validate(); err != nil {
		return fmt.Errorf("sandbox: %w", err)
	}
	return nil
}

// Addr is the listen address of the HTTP service.
func (c Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}
