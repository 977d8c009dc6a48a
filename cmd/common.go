package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/dhcgn/imap-spamtrainer/config"
	"github.com/dhcgn/imap-spamtrainer/imap"
	"github.com/dhcgn/imap-spamtrainer/logging"
	"github.com/dhcgn/imap-spamtrainer/state"
)

// Env is what a command needs after configuration and logging are set up.
type Env struct {
	Config config.Config
	Logger *slog.Logger

	cleanup func() error
}

// Loader reads the configuration for a command.
type Loader func(cmd *cobra.Command) (config.Config, error)

// Bootstrap loads the configuration with load and sets up logging.
func Bootstrap(cmd *cobra.Command, load Loader) (*Env, error) {
	cfg, err := load(cmd)
	if err != nil {
		return nil, err
	}

	logger, cleanup, err := logging.Setup(logging.Options{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
		Dir:    cfg.LogDir,
	}, os.Stdout)
	if err != nil {
		return nil, fmt.Errorf("setup logging: %w", err)
	}
	slog.SetDefault(logger)

	return &Env{Config: cfg, Logger: logger, cleanup: cleanup}, nil
}

func (e *Env) Close() {
	if e.cleanup != nil {
		_ = e.cleanup()
	}
}

// NewManager creates the connection manager for the configured account.
func (e *Env) NewManager() (*imap.Manager, error) {
	c := e.Config.IMAP
	return imap.NewManager(imap.Options{
		Host:               c.Host,
		Port:               c.Port,
		Username:           c.User,
		Password:           c.Password,
		UseTLS:             c.TLS,
		InsecureSkipVerify: c.InsecureSkipVerify,
		Keepalive:          c.Keepalive,
		ReconnectAfter:     c.ReconnectAfter(),
	}, e.Logger)
}

// OpenStore opens the configured checkpoint store.
func (e *Env) OpenStore() (state.Store, error) {
	store, err := state.Open(e.Config.StateBackend, e.Config.StateDir)
	if err != nil {
		return nil, fmt.Errorf("open checkpoint store: %w", err)
	}
	return store, nil
}

// AddCommands registers every subcommand on root.
func AddCommands(root *cobra.Command) {
	root.AddCommand(
		newMailboxesCommand(),
		newCheckpointCommand(),
		newLearnCommand(),
		newCredentialCommand(),
	)
}
