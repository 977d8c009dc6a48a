package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/dhcgn/imap-spamtrainer/cmd"
	"github.com/dhcgn/imap-spamtrainer/config"
	"github.com/dhcgn/imap-spamtrainer/imap"
	"github.com/dhcgn/imap-spamtrainer/model"
	"github.com/dhcgn/imap-spamtrainer/progress"
	"github.com/dhcgn/imap-spamtrainer/runner"
	"github.com/dhcgn/imap-spamtrainer/spamassassin"
	"github.com/dhcgn/imap-spamtrainer/state"
	"github.com/dhcgn/imap-spamtrainer/stats"
	"github.com/dhcgn/imap-spamtrainer/tracker"
)

func main() {
	rootCmd := &cobra.Command{
		Use:          "imap-spamtrainer",
		Short:        "Train SpamAssassin from IMAP mailboxes and keep the inbox free of spam",
		SilenceUsage: true,
		RunE: func(c *cobra.Command, args []string) error {
			env, err := cmd.Bootstrap(c, config.LoadConfig)
			if err != nil {
				return err
			}
			defer env.Close()

			env.Logger.Info("starting imap-spamtrainer",
				"host", env.Config.IMAP.Host,
				"spam", env.Config.Paths.Spam,
				"ham", env.Config.Paths.Ham,
				"inbox", env.Config.Paths.Inbox,
				"stateBackend", env.Config.StateBackend)

			err = run(c.Context(), env)
			if errors.Is(err, context.Canceled) {
				env.Logger.Info("shutting down")
				return nil
			}
			return err
		},
	}

	if err := config.RegisterFlags(rootCmd); err != nil {
		fmt.Fprintf(os.Stderr, "failed to register CLI flags: %v\n", err)
		os.Exit(1)
	}
	cmd.AddCommands(rootCmd)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		stop()
		os.Exit(1)
	}
}

func run(ctx context.Context, env *cmd.Env) error {
	cfg := env.Config
	logger := env.Logger

	manager, err := env.NewManager()
	if err != nil {
		return fmt.Errorf("imap.NewManager: %w", err)
	}
	defer func() {
		_ = manager.Disconnect(true)
	}()

	store, err := env.OpenStore()
	if err != nil {
		return err
	}
	defer store.Close()

	learner := spamassassin.NewTrainer(cfg.SpamAssassin.SaLearnPath, logger)
	scorer := spamassassin.NewClassifier(cfg.SpamAssassin.SpamcPath, logger)

	inbox, err := tracker.NewInboxClassifier(tracker.InboxOptions{
		MinSpamScore: cfg.SpamAssassin.MinSpamScore,
		MaxHamScore:  cfg.SpamAssassin.MaxHamScore,
		SpamMailbox:  cfg.Paths.Spam,
		Progress:     progress.LogFunc(logger, "inbox ham"),
	}, scorer, manager, learner)
	if err != nil {
		return err
	}

	collector := stats.NewCollector()
	strategies := map[model.Role]tracker.Strategy{
		model.RoleSpam:  tracker.NewTrainer(spamassassin.ModeSpam, learner, progress.LogFunc(logger, "spam")),
		model.RoleHam:   tracker.NewTrainer(spamassassin.ModeHam, learner, progress.LogFunc(logger, "ham")),
		model.RoleInbox: inbox,
	}

	engines := make(map[model.Role]*tracker.Engine, len(strategies))
	for _, role := range model.Roles {
		engine, err := newEngine(ctx, cfg, role, manager, store, strategies[role], collector, logger)
		if err != nil {
			return err
		}
		engines[role] = engine
	}

	r, err := runner.New(runner.Stages{
		Spam:  engines[model.RoleSpam],
		Ham:   engines[model.RoleHam],
		Inbox: engines[model.RoleInbox],
	}, runner.Options{
		Interval: cfg.TrackInterval(),
		Stats:    collector,
	}, logger)
	if err != nil {
		return fmt.Errorf("runner.New: %w", err)
	}

	return r.Start(ctx)
}

func newEngine(ctx context.Context, cfg config.Config, role model.Role, manager *imap.Manager, store state.Store, strategy tracker.Strategy, events stats.Sink, logger *slog.Logger) (*tracker.Engine, error) {
	return tracker.New(ctx, tracker.Options{
		Role:           role,
		Identity:       cfg.Identity(role),
		BatchSize:      uint32(cfg.SpamAssassin.BatchSize),
		MaxMessageSize: cfg.MaxMailSizeInBytes,
		ScratchRoot:    cfg.ScratchDir,
		Events:         events,
	}, manager, store, strategy, logger)
}
