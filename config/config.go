//
// Tencent is pleased to support the open source community by making trpc-managed-script available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-managed-script is licensed under the Apache License Version 2.0.
//
//

// Package config loads the scriptstep configuration file and builds the
// provider, host and step it describes.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"gopkg.in/yaml.v3"

	"trpc.group/trpc-go/trpc-managed-script/log"
	"trpc.group/trpc-go/trpc-managed-script/script"
	"trpc.group/trpc-go/trpc-managed-script/scriptstep"
)

// Provider kinds.
const (
	ProviderInMemory = "inmemory"
	ProviderFile     = "file"
	ProviderSQLite   = "sqlite"
	ProviderMySQL    = "mysql"
	ProviderRedis    = "redis"
)

// Host kinds.
const (
	HostLocal     = "local"
	HostContainer = "container"
	HostSSH       = "ssh"
)

// Environment overrides.
const (
	EnvLogLevel     = "SCRIPTSTEP_LOG_LEVEL"
	EnvProvider     = "SCRIPTSTEP_PROVIDER"
	EnvHost         = "SCRIPTSTEP_HOST"
	EnvArgumentMode = "SCRIPTSTEP_ARGUMENT_MODE"
	EnvServerAddr   = "SCRIPTSTEP_SERVER_ADDR"
)

const (
	defaultServerAddr = ":8080"
	defaultWorkers    = 4
	defaultProtocol   = "grpc"
)

// Config is the root of the configuration file.
type Config struct {
	LogLevel  string          `yaml:"log_level"`
	Provider  ProviderConfig  `yaml:"provider"`
	Step      StepConfig      `yaml:"step"`
	Host      HostConfig      `yaml:"host"`
	Server    ServerConfig    `yaml:"server"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// ProviderConfig selects where templates come from.
type ProviderConfig struct {
	Kind       string           `yaml:"kind"`
	Dir        string           `yaml:"dir"`
	DSN        string           `yaml:"dsn"`
	URL        string           `yaml:"url"`
	Table      string           `yaml:"table"`
	KeyPrefix  string           `yaml:"key_prefix"`
	SkipDBInit bool             `yaml:"skip_db_init"`
	Templates  []TemplateConfig `yaml:"templates"`
}

// TemplateConfig is a template declared inline for the inmemory provider.
type TemplateConfig struct {
	ID      string   `yaml:"id"`
	Name    string   `yaml:"name"`
	Comment string   `yaml:"comment"`
	Kind    string   `yaml:"kind"`
	Args    []string `yaml:"args"`
	Content string   `yaml:"content"`
}

// StepConfig configures the engine.
type StepConfig struct {
	Kind           string        `yaml:"kind"`
	ArgumentMode   string        `yaml:"argument_mode"`
	TempDir        string        `yaml:"temp_dir"`
	CleanupTimeout time.Duration `yaml:"cleanup_timeout"`
}

// HostConfig selects the execution host.
type HostConfig struct {
	Kind        string    `yaml:"kind"`
	Shell       string    `yaml:"shell"`
	ContainerID string    `yaml:"container_id"`
	User        string    `yaml:"user"`
	SSH         SSHConfig `yaml:"ssh"`
}

// SSHConfig holds the connection settings of an ssh host.
type SSHConfig struct {
	Addr                  string        `yaml:"addr"`
	User                  string        `yaml:"user"`
	Password              string        `yaml:"password"`
	PrivateKeyFile        string        `yaml:"private_key_file"`
	KnownHostsFile        string        `yaml:"known_hosts_file"`
	InsecureIgnoreHostKey bool          `yaml:"insecure_ignore_host_key"`
	DialTimeout           time.Duration `yaml:"dial_timeout"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Addr    string `yaml:"addr"`
	Workers int    `yaml:"workers"`
	WorkDir string `yaml:"work_dir"`
	// AllowedOrigins lists browser origins besides the server's own that
	// may call the API. Empty allows none.
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// TelemetryConfig configures OTLP export. Empty endpoints disable export.
type TelemetryConfig struct {
	TracesEndpoint  string `yaml:"traces_endpoint"`
	MetricsEndpoint string `yaml:"metrics_endpoint"`
	Protocol        string `yaml:"protocol"`
}

// Default returns a configuration with every default applied.
func Default() *Config {
	c := &Config{}
	c.applyDefaults()
	return c
}

// Load reads the YAML file at path, applies defaults and environment
// overrides and validates the result. An empty path loads the defaults.
func Load(path string) (*Config, error) {
	c := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, c); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	c.applyDefaults()
	c.applyEnv()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) applyDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = log.LevelInfo
	}
	if c.Provider.Kind == "" {
		c.Provider.Kind = ProviderInMemory
	}
	if c.Step.Kind == "" {
		c.Step.Kind = string(script.KindShell)
	}
	if c.Step.ArgumentMode == "" {
		c.Step.ArgumentMode = scriptstep.ModeMacroExpansion.String()
	}
	if c.Step.CleanupTimeout == 0 {
		c.Step.CleanupTimeout = scriptstep.DefaultCleanupTimeout
	}
	if c.Host.Kind == "" {
		c.Host.Kind = HostLocal
	}
	if c.Server.Addr == "" {
		c.Server.Addr = defaultServerAddr
	}
	if c.Server.Workers == 0 {
		c.Server.Workers = defaultWorkers
	}
	if c.Server.WorkDir == "" {
		c.Server.WorkDir = os.TempDir()
	}
	if c.Telemetry.Protocol == "" {
		c.Telemetry.Protocol = defaultProtocol
	}
}

func (c *Config) applyEnv() {
	override := func(dst *string, key string) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			*dst = v
		}
	}
	override(&c.LogLevel, EnvLogLevel)
	override(&c.Provider.Kind, EnvProvider)
	override(&c.Host.Kind, EnvHost)
	override(&c.Step.ArgumentMode, EnvArgumentMode)
	override(&c.Server.Addr, EnvServerAddr)
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var merr *multierror.Error
	fail := func(format string, args ...any) {
		merr = multierror.Append(merr, fmt.Errorf(format, args...))
	}

	if !log.ValidLevel(c.LogLevel) {
		fail("log_level: unknown level %q", c.LogLevel)
	}

	switch c.Provider.Kind {
	case ProviderInMemory:
		for i, t := range c.Provider.Templates {
			if strings.TrimSpace(t.ID) == "" {
				fail("provider.templates[%d]: id is required", i)
			}
			if t.Kind != "" {
				if _, err := script.ParseKind(t.Kind); err != nil {
					fail("provider.templates[%d]: %v", i, err)
				}
			}
		}
	case ProviderFile:
		if c.Provider.Dir == "" {
			fail("provider.dir is required for the file provider")
		}
	case ProviderSQLite, ProviderMySQL:
		if c.Provider.DSN == "" {
			fail("provider.dsn is required for the %s provider", c.Provider.Kind)
		}
	case ProviderRedis:
		if c.Provider.URL == "" {
			fail("provider.url is required for the redis provider")
		}
	default:
		fail("provider.kind: unknown provider %q", c.Provider.Kind)
	}

	if _, err := script.ParseKind(c.Step.Kind); err != nil {
		fail("step.kind: %v", err)
	}
	if _, err := scriptstep.ParseArgumentMode(c.Step.ArgumentMode); err != nil {
		fail("step.argument_mode: %v", err)
	}
	if c.Step.CleanupTimeout < 0 {
		fail("step.cleanup_timeout must not be negative")
	}

	switch c.Host.Kind {
	case HostLocal:
	case HostContainer:
		if c.Host.ContainerID == "" {
			fail("host.container_id is required for the container host")
		}
	case HostSSH:
		s := c.Host.SSH
		if s.Addr == "" {
			fail("host.ssh.addr is required for the ssh host")
		}
		if s.User == "" {
			fail("host.ssh.user is required for the ssh host")
		}
		if s.Password == "" && s.PrivateKeyFile == "" {
			fail("host.ssh needs a password or a private_key_file")
		}
		if s.KnownHostsFile == "" && !s.InsecureIgnoreHostKey {
			fail("host.ssh needs a known_hosts_file or insecure_ignore_host_key")
		}
	default:
		fail("host.kind: unknown host %q", c.Host.Kind)
	}

	if c.Server.Workers < 1 {
		fail("server.workers must be positive")
	}
	switch c.Telemetry.Protocol {
	case "grpc", "http":
	default:
		fail("telemetry.protocol: unknown protocol %q", c.Telemetry.Protocol)
	}
	return merr.ErrorOrNil()
}
