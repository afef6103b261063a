// SPDX-FileCopyrightText: Copyright (C) 2026  Katzenpost Developers.
// SPDX-License-Identifier: AGPL-3.0-only

// Package config implements the configuration for ssh-agent-mux.
package config

import (
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/katzenpost/ssh-agent-mux/core/log"
	"github.com/katzenpost/ssh-agent-mux/core/utils"
)

// Name is the program name, used to derive default paths.
const Name = "ssh-agent-mux"

const (
	defaultListenPath   = "~/.local/state/" + Name + "/agent.sock"
	defaultLogLevel     = "WARNING"
	defaultAgentTimeout = 5
	defaultMaxSessions  = 64
)

// Agent is one upstream agent the multiplexer forwards to.
type Agent struct {
	// Name identifies the agent in AddNewKeysTo and in log messages.
	Name string `toml:"name"`

	// SocketPath is the path of the upstream agent's Unix socket.
	SocketPath string `toml:"socket-path"`

	// Enabled, if explicitly set to false, removes the agent from the
	// roster without deleting its entry.
	Enabled *bool `toml:"enabled"`
}

// IsEnabled returns true unless the agent was explicitly disabled.
func (a *Agent) IsEnabled() bool {
	return a.Enabled == nil || *a.Enabled
}

// Config is the top level ssh-agent-mux configuration.
type Config struct {
	// ListenPath is the path of the multiplexer's own agent socket.
	ListenPath string `toml:"listen-path"`

	// LogLevel is one of ERROR, WARNING, NOTICE, INFO, DEBUG (case
	// insensitive, "warn" and "trace" are accepted as aliases).
	LogLevel string `toml:"log-level"`

	// LogFile, if set, receives the log instead of stdout.
	LogFile string `toml:"log-file"`

	// AgentTimeout bounds every upstream connect and request, in seconds.
	AgentTimeout int `toml:"agent-timeout"`

	// MetricsAddress is the optional host:port to serve prometheus
	// metrics on.
	MetricsAddress string `toml:"metrics-address"`

	// MaxSessions caps the number of concurrently served client
	// connections.
	MaxSessions int `toml:"max-sessions"`

	// Agents is the ordered list of upstream agents.
	Agents []*Agent `toml:"agents"`

	// AddNewKeysTo names the agent that receives add-identity requests.
	// If empty, adding keys through the multiplexer is refused.
	AddNewKeysTo string `toml:"add-new-keys-to"`
}

// DefaultPath returns the default configuration file location,
// $XDG_CONFIG_HOME/ssh-agent-mux/ssh-agent-mux.toml.
func DefaultPath() (string, error) {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		dir = "~/.config"
	}
	dir, err := utils.ExpandHome(dir)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, Name, Name+".toml"), nil
}

// Timeout returns AgentTimeout as a time.Duration.
func (c *Config) Timeout() time.Duration {
	return time.Duration(c.AgentTimeout) * time.Second
}

// EnabledAgentSocketPaths returns the socket paths of the enabled agents,
// in configuration order.
func (c *Config) EnabledAgentSocketPaths() []string {
	paths := make([]string, 0, len(c.Agents))
	for _, a := range c.Agents {
		if a.IsEnabled() {
			paths = append(paths, a.SocketPath)
		}
	}
	return paths
}

// AddedKeysSocketPath returns the socket path of the AddNewKeysTo agent,
// or the empty string if none is configured.
func (c *Config) AddedKeysSocketPath() string {
	if c.AddNewKeysTo == "" {
		return ""
	}
	for _, a := range c.Agents {
		if a.Name == c.AddNewKeysTo {
			return a.SocketPath
		}
	}
	return ""
}

// FixupAndValidate applies defaults to config entries and validates the
// configuration.  It is idempotent, so it may be called again after
// command line overrides have been applied.
func (c *Config) FixupAndValidate() error {
	var err error

	if c.ListenPath == "" {
		c.ListenPath = defaultListenPath
	}
	if c.ListenPath, err = utils.ExpandHome(c.ListenPath); err != nil {
		return fmt.Errorf("config: listen-path: %v", err)
	}
	if c.LogFile, err = utils.ExpandHome(c.LogFile); err != nil {
		return fmt.Errorf("config: log-file: %v", err)
	}

	if c.LogLevel == "" {
		c.LogLevel = defaultLogLevel
	}
	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("config: log-level '%v' is invalid", c.LogLevel)
	}

	switch {
	case c.AgentTimeout == 0:
		c.AgentTimeout = defaultAgentTimeout
	case c.AgentTimeout < 0:
		return fmt.Errorf("config: agent-timeout '%v' must be positive", c.AgentTimeout)
	}

	switch {
	case c.MaxSessions == 0:
		c.MaxSessions = defaultMaxSessions
	case c.MaxSessions < 0:
		return fmt.Errorf("config: max-sessions '%v' must be positive", c.MaxSessions)
	}

	if c.MetricsAddress != "" {
		if _, err := netip.ParseAddrPort(c.MetricsAddress); err != nil {
			return fmt.Errorf("config: metrics-address '%v' is invalid: %v", c.MetricsAddress, err)
		}
	}

	seen := make(map[string]*Agent)
	for i, a := range c.Agents {
		if a == nil {
			return fmt.Errorf("config: agents[%d] is empty", i)
		}
		if a.Name == "" {
			return fmt.Errorf("config: agents[%d] has no name", i)
		}
		if a.SocketPath == "" {
			return fmt.Errorf("config: agent %q has no socket-path", a.Name)
		}
		if _, ok := seen[a.Name]; ok {
			return fmt.Errorf("config: duplicate agent name: %q", a.Name)
		}
		seen[a.Name] = a
		if a.SocketPath, err = utils.ExpandHome(a.SocketPath); err != nil {
			return fmt.Errorf("config: agent %q socket-path: %v", a.Name, err)
		}
	}

	if c.AddNewKeysTo != "" {
		a, ok := seen[c.AddNewKeysTo]
		if !ok {
			return fmt.Errorf("config: add-new-keys-to references unknown agent: %q", c.AddNewKeysTo)
		}
		if !a.IsEnabled() {
			return fmt.Errorf("config: add-new-keys-to references disabled agent: %q", c.AddNewKeysTo)
		}
	}

	return nil
}

// Load parses and validates the provided buffer b as a config file body and
// returns the Config.  Environment variable references are expanded before
// parsing.
func Load(b []byte) (*Config, error) {
	text, err := utils.ExpandEnv(string(b))
	if err != nil {
		return nil, err
	}

	cfg := new(Config)
	md, err := toml.Decode(text, cfg)
	if err != nil {
		return nil, err
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("config: unknown key(s): %v", undecoded)
	}
	if err := cfg.FixupAndValidate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile loads, parses, and validates the provided file and returns the
// Config.  A missing file yields an error matching os.ErrNotExist.
func LoadFile(f string) (*Config, error) {
	b, err := os.ReadFile(f)
	if err != nil {
		return nil, err
	}
	cfg, err := Load(b)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", f, err)
	}
	return cfg, nil
}

