package cmd

import (
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/dhcgn/imap-spamtrainer/config"
	"github.com/dhcgn/imap-spamtrainer/mbox"
	"github.com/dhcgn/imap-spamtrainer/progress"
	"github.com/dhcgn/imap-spamtrainer/spamassassin"
)

func newLearnCommand() *cobra.Command {
	var (
		mode          string
		includeHeader []string
		excludeHeader []string
	)

	learnCmd := &cobra.Command{
		Use:   "learn-mbox <archive>",
		Short: "Train SpamAssassin from a local mbox archive",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			learnMode := spamassassin.Mode(mode)
			if learnMode != spamassassin.ModeSpam && learnMode != spamassassin.ModeHam {
				return fmt.Errorf("invalid --mode %q: use spam or ham", mode)
			}

			env, err := Bootstrap(cmd, config.LoadPartial)
			if err != nil {
				return err
			}
			defer env.Close()
			cfg := env.Config

			total, err := mbox.CountMessages(args[0])
			if err != nil {
				return err
			}
			env.Logger.Info("reading archive", "path", args[0], "messages", total, "mode", learnMode)

			dir, err := os.MkdirTemp(cfg.ScratchDir, "imap-spamtrainer-mbox-")
			if err != nil {
				return fmt.Errorf("create corpus directory: %w", err)
			}
			defer os.RemoveAll(dir)

			split, err := mbox.SplitCorpus(cmd.Context(), mbox.Options{
				Path:          args[0],
				DestDir:       dir,
				MaxSize:       cfg.MaxMailSizeInBytes,
				IncludeHeader: includeHeader,
				ExcludeHeader: excludeHeader,
			}, env.Logger)
			if err != nil {
				return err
			}

			bar := progress.New("Learning "+string(learnMode), cfg.LogLevel)
			trainer := spamassassin.NewTrainer(cfg.SpamAssassin.SaLearnPath, env.Logger)
			result, err := trainer.Train(cmd.Context(), dir, learnMode, bar.Update)
			bar.Stop()
			if errors.Is(err, spamassassin.ErrEmptyCorpus) {
				pterm.Warning.Println("No message of the archive passed the filters.")
				return nil
			}
			if err != nil {
				return err
			}

			_ = pterm.DefaultTable.WithHasHeader().WithData(pterm.TableData{
				{"Mode", "Learned", "Filtered", "Oversized", "sa-learn exit"},
				{
					string(learnMode),
					strconv.Itoa(split.Written),
					strconv.Itoa(split.Filtered),
					strconv.Itoa(split.Oversized),
					strconv.Itoa(result.ExitCode),
				},
			}).Render()
			return nil
		},
	}

	flags := learnCmd.Flags()
	flags.StringVar(&mode, "mode", "", "Learn the archive as spam or ham")
	flags.StringArrayVar(&includeHeader, "include-header", nil, "Only learn messages whose header matches this regexp (repeatable)")
	flags.StringArrayVar(&excludeHeader, "exclude-header", nil, "Skip messages whose header matches this regexp (repeatable)")
	_ = learnCmd.MarkFlagRequired("mode")

	return learnCmd
}
