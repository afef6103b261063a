// SPDX-FileCopyrightText: Copyright (C) 2026  Katzenpost Developers.
// SPDX-License-Identifier: AGPL-3.0-only

// ssh-agent-mux combines several SSH agents into one.
package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/ssh-agent-mux/common"
	"github.com/katzenpost/ssh-agent-mux/config"
	"github.com/katzenpost/ssh-agent-mux/core/compat"
	"github.com/katzenpost/ssh-agent-mux/core/log"
	"github.com/katzenpost/ssh-agent-mux/internal/instrument"
	"github.com/katzenpost/ssh-agent-mux/mux"
)

// Flags holds the command line configuration.  Everything but ConfigFile
// overrides the configuration file when set explicitly.
type Flags struct {
	ConfigFile     string
	ListenPath     string
	LogLevel       string
	LogFile        string
	AgentTimeout   int
	MetricsAddress string
}

func newRootCommand() *cobra.Command {
	var flags Flags

	cmd := &cobra.Command{
		Use:   config.Name,
		Short: "Combine several SSH agents into one",
		Long: `ssh-agent-mux is an SSH agent that forwards requests to several upstream
SSH agents, so that one SSH_AUTH_SOCK gives access to the keys of all of them.

• Identities are listed from every reachable upstream agent, in configuration order
• Signing requests go to the upstream agent holding the key
• Lock and unlock apply to every upstream agent
• New keys are added to the agent named by add-new-keys-to, if any
• Every upstream request is bounded by agent-timeout, so a missing or hung
  agent never blocks clients

The configuration file is read from $XDG_CONFIG_HOME/ssh-agent-mux/ssh-agent-mux.toml
unless --config is given; when it does not exist, defaults and flags are used.
Send SIGHUP to reload the configuration and reopen the log file.`,
		Example: `  # Start with the default configuration file
  ssh-agent-mux

  # Start with a specific configuration file
  ssh-agent-mux -c ~/.config/ssh-agent-mux/work.toml

  # Listen somewhere else and log everything
  ssh-agent-mux --listen-path /tmp/mux.sock --log-level debug

  # Use it
  SSH_AUTH_SOCK=~/.local/state/ssh-agent-mux/agent.sock ssh-add -l`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, &flags)
		},
	}

	cmd.Flags().StringVarP(&flags.ConfigFile, "config", "c", "",
		"path to the configuration file (TOML format)")
	cmd.Flags().StringVar(&flags.ListenPath, "listen-path", "",
		"path of the multiplexer's agent socket")
	cmd.Flags().StringVar(&flags.LogLevel, "log-level", "",
		"log level: error, warn, notice, info, debug")
	cmd.Flags().StringVar(&flags.LogFile, "log-file", "",
		"log to this file instead of standard output")
	cmd.Flags().IntVar(&flags.AgentTimeout, "agent-timeout", 0,
		"timeout in seconds for upstream agent operations")
	cmd.Flags().StringVar(&flags.MetricsAddress, "metrics-address", "",
		"serve prometheus metrics on this ip:port")

	return cmd
}

func main() {
	common.ExecuteWithFang(newRootCommand())
}

// loadConfig reads the configuration file and applies the flags that were
// set on cmd.  It returns the path of the file that was read, or the empty
// string if there was none.
func loadConfig(cmd *cobra.Command, flags *Flags) (*config.Config, string, error) {
	path := flags.ConfigFile
	if path == "" {
		var err error
		if path, err = config.DefaultPath(); err != nil {
			return nil, "", fmt.Errorf("failed to locate config file: %v", err)
		}
	}

	cfg, err := config.LoadFile(path)
	switch {
	case err == nil:
	case errors.Is(err, fs.ErrNotExist):
		cfg, path = new(config.Config), ""
	default:
		return nil, "", fmt.Errorf("failed to load config file '%v': %v", path, err)
	}

	set := cmd.Flags().Changed
	if set("listen-path") {
		cfg.ListenPath = flags.ListenPath
	}
	if set("log-level") {
		cfg.LogLevel = flags.LogLevel
	}
	if set("log-file") {
		cfg.LogFile = flags.LogFile
	}
	if set("agent-timeout") {
		cfg.AgentTimeout = flags.AgentTimeout
	}
	if set("metrics-address") {
		cfg.MetricsAddress = flags.MetricsAddress
	}
	if err := cfg.FixupAndValidate(); err != nil {
		return nil, "", err
	}
	return cfg, path, nil
}

func muxConfig(cfg *config.Config, backend *log.Backend) *mux.Config {
	return &mux.Config{
		ListenPath:      cfg.ListenPath,
		AgentSockets:    cfg.EnabledAgentSocketPaths(),
		AddedKeysSocket: cfg.AddedKeysSocketPath(),
		Timeout:         cfg.Timeout(),
		MaxSessions:     cfg.MaxSessions,
		LogBackend:      backend,
	}
}

func run(cmd *cobra.Command, flags *Flags) error {
	// Set the umask to something "paranoid".
	compat.Umask(0077)

	cfg, path, err := loadConfig(cmd, flags)
	if err != nil {
		return err
	}

	backend, err := log.New(cfg.LogFile, cfg.LogLevel, false)
	if err != nil {
		return fmt.Errorf("failed to initialize logging: %v", err)
	}
	defer backend.Close()
	logger := backend.GetLogger("main")
	if path != "" {
		logger.Infof("Read configuration from <%s>", path)
	}

	// Setup the signal handling.
	haltCh := make(chan os.Signal, 1)
	signal.Notify(haltCh, os.Interrupt, syscall.SIGTERM)
	reloadCh := make(chan os.Signal, 1)
	signal.Notify(reloadCh, syscall.SIGHUP)
	defer signal.Stop(haltCh)
	defer signal.Stop(reloadCh)

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	if cfg.MetricsAddress != "" {
		go serveMetrics(ctx, cfg.MetricsAddress, backend.GetLogger("metrics"))
	}

	for {
		runCtx, stop := context.WithCancel(ctx)
		errCh := make(chan error, 1)
		go func(c *mux.Config) {
			errCh <- mux.Run(runCtx, c)
		}(muxConfig(cfg, backend))

		select {
		case err := <-errCh:
			stop()
			return err
		case sig := <-haltCh:
			logger.Noticef("Exiting on %v", sig)
			stop()
			return <-errCh
		case <-reloadCh:
		}

		logger.Notice("Reloading configuration")
		stop()
		if err := <-errCh; err != nil {
			return err
		}

		oldCfg := cfg
		newCfg, _, err := loadConfig(cmd, flags)
		if err != nil {
			logger.Errorf("Failed to reload configuration, keeping the current one: %v", err)
		} else {
			if newCfg.MetricsAddress != cfg.MetricsAddress {
				logger.Warning("metrics-address changes take effect on restart")
			}
			cfg = newCfg
		}
		if err := reopenLog(backend, oldCfg, cfg); err != nil {
			logger.Errorf("Failed to reopen log: %v", err)
		}
	}
}

// reopenLog rotates the log file in place if the log settings did not
// change, and switches the backend to the new settings otherwise.
func reopenLog(backend *log.Backend, oldCfg, cfg *config.Config) error {
	if oldCfg.LogFile == cfg.LogFile && oldCfg.LogLevel == cfg.LogLevel {
		return backend.Rotate()
	}
	return backend.Reopen(cfg.LogFile, cfg.LogLevel)
}

func serveMetrics(ctx context.Context, address string, logger *logging.Logger) {
	if err := instrument.Serve(ctx, address, logger); err != nil {
		logger.Errorf("Metrics server failed: %v", err)
	}
}
